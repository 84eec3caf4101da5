package allocator

import (
	"fmt"
	"math"
	rtmetrics "runtime/metrics"
	"time"

	"go.uber.org/zap"
)

const (
	// rough per-entry footprints used by the memory guard
	rowOverheadBytes = 64
	unitBytes        = 16
)

// Stage is the last step a Solve run completed.
type Stage int

const (
	StageCreated Stage = iota
	StageValidated
	StageQuantityComputed
	StagePrepared
	StageExtracted
	StageRemainderComputed
	StageDone
)

var stageNames = [...]string{
	StageCreated:           "created",
	StageValidated:         "validated",
	StageQuantityComputed:  "quantity_computed",
	StagePrepared:          "prepared",
	StageExtracted:         "extracted",
	StageRemainderComputed: "remainder_computed",
	StageDone:              "done",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// Allocator computes the replication factor of a bundle set over an
// inventory and greedily assigns inventory units to the bundles.
type Allocator struct {
	opts   Options
	logger *zap.Logger
}

// New creates an Allocator with DefaultOptions unless overridden.
func New(opts ...Option) *Allocator {
	a := &Allocator{
		opts:   DefaultOptions(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.opts.SortField == "" {
		a.opts.SortField = DefaultSortField
	}
	return a
}

// Options returns the options used by Solve.
func (a *Allocator) Options() Options {
	return a.opts
}

func (a *Allocator) runLogger() *zap.Logger {
	if !a.opts.EnableLogging {
		return zap.NewNop()
	}
	return a.logger
}

// run is the mutable state of one Solve call.
type run struct {
	stage  Stage
	logger *zap.Logger
}

func (r *run) advance(stage Stage, fields ...zap.Field) {
	r.stage = stage
	r.logger.Debug("allocation stage completed", append(fields, zap.Stringer("stage", stage))...)
}

// Solve runs the allocation to completion. The inventory items are never
// mutated; every item in the result is a clone.
func (a *Allocator) Solve(inventory []Item, set BundleSet) (*Result, error) {
	start := time.Now()
	before := heapAllocated()

	r := &run{stage: StageCreated, logger: a.runLogger()}

	if err := a.validate(inventory, set); err != nil {
		r.logger.Warn("allocation rejected", zap.Error(err), zap.Stringer("stage", r.stage))
		return nil, err
	}
	r.advance(StageValidated,
		zap.Int("inventory_size", len(inventory)),
		zap.Int("bundles", set.Len()),
	)

	quantity, shortfalls := replicationFactor(inventory, set)
	if quantity <= 0 {
		err := &InsufficientQuantityError{Shortfalls: shortfalls}
		r.logger.Warn("allocation failed", zap.Error(err), zap.Stringer("stage", r.stage))
		return nil, err
	}
	r.advance(StageQuantityComputed, zap.Int("quantity", quantity))

	rows := a.prepare(inventory, set)
	deck := newDeck(rows, a.opts.LazyEvaluation)
	r.advance(StagePrepared, zap.Int("rows", len(rows)), zap.Int("units", deck.size))

	found := extract(newDrawPile(rows), set, quantity)
	r.advance(StageExtracted, zap.Int("found_items", len(found.order)))

	foundItems := found.items()
	remaining := remainder(inventory, found.counts)
	r.advance(StageRemainderComputed, zap.Int("remaining_items", len(remaining)))

	after := heapAllocated()

	res := &Result{
		quantity:       quantity,
		found:          foundItems,
		remaining:      remaining,
		deck:           deck,
		inventoryTotal: totalQuantity(inventory),
		foundTotal:     totalQuantity(foundItems),
		metrics: Metrics{
			Duration:    time.Since(start),
			MemoryDelta: int64(after - before),
		},
	}
	r.advance(StageDone,
		zap.Duration("duration", res.metrics.Duration),
		zap.Int64("memory_delta", res.metrics.MemoryDelta),
	)
	return res, nil
}

func (a *Allocator) validate(inventory []Item, set BundleSet) error {
	if len(inventory) == 0 {
		return fmt.Errorf("%w: inventory cannot be empty", ErrInvalidArgument)
	}
	if set.Len() == 0 {
		return fmt.Errorf("%w: bundle set cannot be empty", ErrInvalidArgument)
	}
	for i, item := range inventory {
		if item == nil {
			return fmt.Errorf("%w: inventory item at index %d does not implement allocator.Item", ErrInvalidArgument, i)
		}
		if !item.ID().Valid() {
			return fmt.Errorf("%w: inventory item at index %d has an invalid id", ErrInvalidArgument, i)
		}
		if item.Quantity() < 0 {
			return fmt.Errorf("%w: inventory item %s has negative quantity %d", ErrInvalidArgument, item.ID(), item.Quantity())
		}
	}
	if limit := a.opts.MaxMemoryUsage; limit > 0 {
		if estimate := estimateFootprint(inventory, a.opts.LazyEvaluation); estimate > limit {
			return fmt.Errorf("%w: estimated memory usage %d bytes exceeds limit %d", ErrInvalidArgument, estimate, limit)
		}
	}
	return nil
}

const heapAllocsMetric = "/gc/heap/allocs:bytes"

// heapAllocated reads the cumulative heap allocation counter without
// stopping the world.
func heapAllocated() uint64 {
	sample := []rtmetrics.Sample{{Name: heapAllocsMetric}}
	rtmetrics.Read(sample)
	if sample[0].Value.Kind() != rtmetrics.KindUint64 {
		return 0
	}
	return sample[0].Value.Uint64()
}

func estimateFootprint(inventory []Item, lazy bool) int64 {
	total := int64(len(inventory)) * rowOverheadBytes
	if lazy {
		return total
	}
	for _, item := range inventory {
		units := int64(item.Quantity())
		if units > (math.MaxInt64-total)/unitBytes {
			return math.MaxInt64
		}
		total += units * unitBytes
	}
	return total
}

// replicationFactor returns min over bundles of floor(available/quantity),
// where available sums the inventory rows whose id the bundle lists.
func replicationFactor(inventory []Item, set BundleSet) (int, []Shortfall) {
	quantity := math.MaxInt
	var shortfalls []Shortfall
	for i, b := range set.bundles {
		members := make(map[ItemID]struct{}, len(b.items))
		for _, id := range b.items {
			members[id] = struct{}{}
		}
		available := 0
		for _, item := range inventory {
			if _, ok := members[item.ID()]; ok {
				available += item.Quantity()
			}
		}
		factor := available / b.quantity
		if factor <= 0 {
			shortfalls = append(shortfalls, Shortfall{
				BundleIndex: i,
				Items:       b.Items(),
				Required:    b.quantity,
				Available:   available,
			})
		}
		quantity = min(quantity, factor)
	}
	return quantity, shortfalls
}

// prepare snapshots the inventory rows referenced by any bundle, sorted by
// the configured field.
func (a *Allocator) prepare(inventory []Item, set BundleSet) []Item {
	ids := set.idSet()
	relevant := make([]Item, 0, len(inventory))
	for _, item := range inventory {
		if _, ok := ids[item.ID()]; ok {
			relevant = append(relevant, item.Clone())
		}
	}
	return sortItems(relevant, a.opts.SortField, a.opts.SortDescending)
}

// drawPile is the consumable deck. Units of one row are contiguous, so the
// pile is kept as runs; taking the first k matching units in pile order is
// taking from matching runs front to back.
type drawPile struct {
	runs []pileRun
}

type pileRun struct {
	item      Item
	remaining int
}

func newDrawPile(rows []Item) *drawPile {
	runs := make([]pileRun, 0, len(rows))
	for _, row := range rows {
		if q := row.Quantity(); q > 0 {
			runs = append(runs, pileRun{item: row, remaining: q})
		}
	}
	return &drawPile{runs: runs}
}

type draw struct {
	item  Item
	count int
}

// take removes up to limit units whose id is in members and appends what was
// taken to out, in pile order.
func (p *drawPile) take(members map[ItemID]struct{}, limit int, out []draw) []draw {
	for i := range p.runs {
		if limit == 0 {
			break
		}
		seg := &p.runs[i]
		if seg.remaining == 0 {
			continue
		}
		if _, ok := members[seg.item.ID()]; !ok {
			continue
		}
		n := min(seg.remaining, limit)
		seg.remaining -= n
		limit -= n
		out = append(out, draw{item: seg.item, count: n})
	}
	return out
}

type foundSet struct {
	order  []ItemID
	counts map[ItemID]int
	first  map[ItemID]Item
}

func (f *foundSet) items() []Item {
	out := make([]Item, len(f.order))
	for i, id := range f.order {
		item := f.first[id].Clone()
		item.SetQuantity(f.counts[id])
		out[i] = item
	}
	return out
}

// extract lets every bundle, in set order, draw quantity*Quantity() units and
// groups everything drawn by id in first-appearance order.
func extract(pile *drawPile, set BundleSet, quantity int) *foundSet {
	var drawn []draw
	for _, b := range set.bundles {
		members := make(map[ItemID]struct{}, len(b.items))
		for _, id := range b.items {
			members[id] = struct{}{}
		}
		drawn = pile.take(members, b.quantity*quantity, drawn)
	}

	found := &foundSet{
		counts: make(map[ItemID]int),
		first:  make(map[ItemID]Item),
	}
	for _, d := range drawn {
		id := d.item.ID()
		if _, ok := found.first[id]; !ok {
			found.order = append(found.order, id)
			found.first[id] = d.item
		}
		found.counts[id] += d.count
	}
	return found
}

// remainder subtracts found quantities from every original row and keeps the
// rows with something left, in original order.
func remainder(inventory []Item, found map[ItemID]int) []Item {
	out := make([]Item, 0, len(inventory))
	for _, item := range inventory {
		left := max(item.Quantity()-found[item.ID()], 0)
		if left == 0 {
			continue
		}
		clone := item.Clone()
		clone.SetQuantity(left)
		out = append(out, clone)
	}
	return out
}

func totalQuantity(items []Item) int {
	total := 0
	for _, item := range items {
		total += item.Quantity()
	}
	return total
}

// CanSatisfy reports whether at least one replication of set fits inventory.
func CanSatisfy(inventory []Item, set BundleSet) bool {
	return MaxReplications(inventory, set) > 0
}

// MaxReplications returns the replication factor, or 0 when the inputs are
// invalid or insufficient.
func MaxReplications(inventory []Item, set BundleSet) int {
	a := New(WithOptions(Options{SortField: DefaultSortField, LazyEvaluation: true}))
	if err := a.validate(inventory, set); err != nil {
		return 0
	}
	quantity, _ := replicationFactor(inventory, set)
	return max(quantity, 0)
}
