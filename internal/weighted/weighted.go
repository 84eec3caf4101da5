// Package weighted ranks inventory by a weighted score and picks the best
// scoring units for each bundle. It is a separate strategy from the
// replication engine: bundles are considered independently and do not
// compete for units.
package weighted

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/eugenenazirov/bundle-allocator/internal/allocator"
)

// Weights maps attribute names to multipliers.
type Weights map[string]float64

// Constraint filters items on the numeric value of one attribute.
type Constraint interface {
	Allows(value float64, item allocator.Item) bool
}

// Range accepts values within [Min, Max]. A nil bound is open.
type Range struct {
	Min *float64 `json:"min,omitempty" yaml:"min"`
	Max *float64 `json:"max,omitempty" yaml:"max"`
}

func (r Range) Allows(value float64, _ allocator.Item) bool {
	if r.Min != nil && value < *r.Min {
		return false
	}
	if r.Max != nil && value > *r.Max {
		return false
	}
	return true
}

type equals float64

func (e equals) Allows(value float64, _ allocator.Item) bool {
	return value == float64(e)
}

// Equals accepts only the exact value v.
func Equals(v float64) Constraint {
	return equals(v)
}

// Predicate adapts a function to a Constraint.
type Predicate func(value float64, item allocator.Item) bool

func (p Predicate) Allows(value float64, item allocator.Item) bool {
	return p(value, item)
}

// Pick is one item chosen for a bundle.
type Pick struct {
	Item     allocator.Allocation `json:"item"`
	Quantity int                  `json:"quantity"`
	Score    float64              `json:"score"`
}

// Selection is the best scoring fill of one bundle. Efficiency is
// TotalWeight per selected unit.
type Selection struct {
	BundleIndex int                `json:"bundleIndex"`
	Bundle      []allocator.ItemID `json:"bundle"`
	Required    int                `json:"required"`
	Picks       []Pick             `json:"picks"`
	TotalWeight float64            `json:"totalWeight"`
	Efficiency  float64            `json:"efficiency"`
}

// Distribution summarises the total weights of all selections.
type Distribution struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Median float64 `json:"median"`
	Q1     float64 `json:"q1"`
	Q3     float64 `json:"q3"`
}

type Metrics struct {
	TotalWeight       float64      `json:"totalWeight"`
	AverageEfficiency float64      `json:"averageEfficiency"`
	BestEfficiency    float64      `json:"bestEfficiency"`
	WorstEfficiency   float64      `json:"worstEfficiency"`
	Distribution      Distribution `json:"distribution"`
}

type Result struct {
	Selections []Selection   `json:"selections"`
	Metrics    *Metrics      `json:"metrics,omitempty"`
	Duration   time.Duration `json:"durationNs"`
}

// Finder selects weighted subsets.
type Finder struct {
	weights     Weights
	constraints map[string]Constraint
	logger      *zap.Logger
}

type Option func(*Finder)

func WithConstraint(field string, c Constraint) Option {
	return func(f *Finder) {
		f.constraints[field] = c
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(f *Finder) {
		if logger != nil {
			f.logger = logger
		}
	}
}

func NewFinder(weights Weights, opts ...Option) *Finder {
	f := &Finder{
		weights:     weights,
		constraints: make(map[string]Constraint),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Score is the sum of every weighted attribute value. Missing or
// non-numeric attributes count as zero.
func (f *Finder) Score(item allocator.Item) float64 {
	score := 0.0
	for field, weight := range f.weights {
		score += value(item, field) * weight
	}
	return score
}

func value(item allocator.Item, field string) float64 {
	if field == "quantity" {
		return float64(item.Quantity())
	}
	attributed, ok := item.(allocator.Attributed)
	if !ok {
		if field == "id" {
			n, _ := item.ID().Int()
			return float64(n)
		}
		return 0
	}
	raw, ok := attributed.Attribute(field)
	if !ok {
		return 0
	}
	v, _ := allocator.ToFloat(raw)
	return v
}

func (f *Finder) allowed(item allocator.Item) bool {
	for field, c := range f.constraints {
		if !c.Allows(value(item, field), item) {
			return false
		}
	}
	return true
}

// Find fills every bundle with its highest scoring eligible units, up to the
// bundle quantity. Bundles without any eligible unit are omitted. Selections
// are ordered by efficiency, highest first.
func (f *Finder) Find(inventory []allocator.Item, set allocator.BundleSet) (*Result, error) {
	if set.Len() == 0 {
		return nil, fmt.Errorf("%w: bundle set cannot be empty", allocator.ErrInvalidArgument)
	}
	start := time.Now()

	type scored struct {
		item  allocator.Item
		score float64
	}
	eligible := make([]scored, 0, len(inventory))
	for i, item := range inventory {
		if item == nil {
			return nil, fmt.Errorf("%w: inventory item at index %d does not implement allocator.Item", allocator.ErrInvalidArgument, i)
		}
		if f.allowed(item) {
			eligible = append(eligible, scored{item: item, score: f.Score(item)})
		}
	}

	selections := make([]Selection, 0, set.Len())
	for i, b := range set.Bundles() {
		candidates := make([]scored, 0, len(eligible))
		for _, s := range eligible {
			if b.Contains(s.item.ID()) {
				candidates = append(candidates, s)
			}
		}
		slices.SortStableFunc(candidates, func(x, y scored) int {
			return cmp.Compare(y.score, x.score)
		})

		sel := Selection{BundleIndex: i, Bundle: b.Items(), Required: b.Quantity()}
		taken := 0
		for _, c := range candidates {
			n := min(c.item.Quantity(), b.Quantity()-taken)
			if n > 0 {
				clone := c.item.Clone()
				clone.SetQuantity(n)
				sel.Picks = append(sel.Picks, Pick{
					Item:     allocator.Allocations([]allocator.Item{clone})[0],
					Quantity: n,
					Score:    c.score,
				})
				sel.TotalWeight += c.score * float64(n)
				taken += n
			}
			if taken >= b.Quantity() {
				break
			}
		}
		if taken == 0 {
			continue
		}
		sel.Efficiency = sel.TotalWeight / float64(taken)
		selections = append(selections, sel)
	}

	slices.SortStableFunc(selections, func(a, b Selection) int {
		return cmp.Compare(b.Efficiency, a.Efficiency)
	})

	res := &Result{
		Selections: selections,
		Metrics:    summarize(selections),
		Duration:   time.Since(start),
	}
	f.logger.Info("weighted selection completed",
		zap.Int("inventory_size", len(inventory)),
		zap.Int("bundles", set.Len()),
		zap.Int("weights", len(f.weights)),
		zap.Int("constraints", len(f.constraints)),
		zap.Int("selections", len(selections)),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

func summarize(selections []Selection) *Metrics {
	if len(selections) == 0 {
		return nil
	}

	m := &Metrics{
		BestEfficiency:  selections[0].Efficiency,
		WorstEfficiency: selections[0].Efficiency,
	}
	weights := make([]float64, len(selections))
	totalEfficiency := 0.0
	for i, s := range selections {
		m.TotalWeight += s.TotalWeight
		totalEfficiency += s.Efficiency
		m.BestEfficiency = max(m.BestEfficiency, s.Efficiency)
		m.WorstEfficiency = min(m.WorstEfficiency, s.Efficiency)
		weights[i] = s.TotalWeight
	}
	m.AverageEfficiency = totalEfficiency / float64(len(selections))

	slices.Sort(weights)
	n := len(weights)
	m.Distribution = Distribution{
		Min: weights[0],
		Max: weights[n-1],
		Q1:  weights[int(float64(n)*0.25)],
		Q3:  weights[int(float64(n)*0.75)],
	}
	if n%2 == 0 {
		m.Distribution.Median = (weights[n/2-1] + weights[n/2]) / 2
	} else {
		m.Distribution.Median = weights[n/2]
	}
	return m
}
