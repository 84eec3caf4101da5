package allocator

import (
	"maps"
	"time"

	"github.com/shopspring/decimal"
)

// Metrics is advisory instrumentation of one Solve call.
type Metrics struct {
	Duration time.Duration `json:"durationNs"`
	// MemoryDelta is the number of bytes allocated while solving.
	MemoryDelta int64 `json:"memoryDeltaBytes"`
}

// Result holds the outcome of a successful Solve. Accessors return clones.
type Result struct {
	quantity       int
	found          []Item
	remaining      []Item
	deck           *deck
	inventoryTotal int
	foundTotal     int
	metrics        Metrics
}

// Quantity is the replication factor: how many times every bundle was filled.
func (r *Result) Quantity() int {
	return r.quantity
}

// Found returns the allocated quantity per item, ordered by first draw.
func (r *Result) Found() []Item {
	return cloneItems(r.found)
}

// Remaining returns the unallocated inventory in original order, without
// items whose remaining quantity is zero.
func (r *Result) Remaining() []Item {
	return cloneItems(r.remaining)
}

// SubsetItems returns the first n units of the sorted deck as it was before
// any bundle drew from it.
func (r *Result) SubsetItems(n int) []Item {
	return r.deck.head(n)
}

func (r *Result) Metrics() Metrics {
	return r.metrics
}

// IsOptimal reports whether the whole inventory was allocated.
func (r *Result) IsOptimal() bool {
	return len(r.remaining) == 0
}

// EfficiencyPercentage is allocated units over inventory units, as a
// percentage rounded to two decimals.
func (r *Result) EfficiencyPercentage() float64 {
	return efficiency(r.foundTotal, r.inventoryTotal)
}

func efficiency(found, total int) float64 {
	if total == 0 {
		return 0
	}
	pct := decimal.NewFromInt(int64(found)).
		Mul(decimal.NewFromInt(100)).
		DivRound(decimal.NewFromInt(int64(total)), 2)
	return pct.InexactFloat64()
}

// Allocation is the serialisable form of one item and quantity.
type Allocation struct {
	ID         ItemID         `json:"id"`
	Quantity   int            `json:"quantity"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Summary is a plain snapshot of a Result, suitable for caching and transport.
type Summary struct {
	Quantity             int          `json:"quantity"`
	Found                []Allocation `json:"found"`
	Remaining            []Allocation `json:"remaining"`
	Optimal              bool         `json:"optimal"`
	EfficiencyPercentage float64      `json:"efficiencyPercentage"`
	Metrics              Metrics      `json:"metrics"`
}

// Summary converts the result to its serialisable form.
func (r *Result) Summary() Summary {
	return Summary{
		Quantity:             r.quantity,
		Found:                Allocations(r.found),
		Remaining:            Allocations(r.remaining),
		Optimal:              r.IsOptimal(),
		EfficiencyPercentage: r.EfficiencyPercentage(),
		Metrics:              r.metrics,
	}
}

// Allocations converts items to their serialisable form. Attributes are
// carried over for *Record items.
func Allocations(items []Item) []Allocation {
	out := make([]Allocation, len(items))
	for i, item := range items {
		out[i] = Allocation{ID: item.ID(), Quantity: item.Quantity()}
		if rec, ok := item.(*Record); ok {
			out[i].Attributes = maps.Clone(rec.Attributes)
		}
	}
	return out
}

func cloneItems(items []Item) []Item {
	out := make([]Item, len(items))
	for i, item := range items {
		out[i] = item.Clone()
	}
	return out
}

// deck is the untouched flattened sequence: every row repeated once per unit.
// Eager decks are materialised up front; lazy decks expand on demand.
type deck struct {
	rows  []Item
	units []Item
	size  int
}

func newDeck(rows []Item, lazy bool) *deck {
	d := &deck{rows: rows}
	for _, row := range rows {
		d.size += row.Quantity()
	}
	if !lazy {
		d.units = d.expand(d.size)
	}
	return d
}

func (d *deck) expand(n int) []Item {
	out := make([]Item, 0, n)
	for _, row := range d.rows {
		for q := row.Quantity(); q > 0 && len(out) < n; q-- {
			out = append(out, row)
		}
		if len(out) == n {
			break
		}
	}
	return out
}

func (d *deck) head(n int) []Item {
	n = min(max(n, 0), d.size)
	if d.units != nil {
		return cloneItems(d.units[:n])
	}
	return cloneItems(d.expand(n))
}
