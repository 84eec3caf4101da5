package allocator

import "maps"

// Item is the capability every inventory record must expose. The allocator
// only mutates clones it creates itself.
type Item interface {
	ID() ItemID
	Quantity() int
	SetQuantity(quantity int)
	Clone() Item
}

// Attributed is implemented by items that expose named values for sorting
// and weighting.
type Attributed interface {
	Attribute(name string) (any, bool)
}

// Record adapts map-shaped inventory data to the Item contract.
type Record struct {
	ItemID     ItemID         `json:"id" yaml:"id"`
	Qty        int            `json:"quantity" yaml:"quantity"`
	Attributes map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// NewRecord builds a record with an optional attribute map, which is copied.
func NewRecord(id ItemID, quantity int, attributes map[string]any) *Record {
	return &Record{
		ItemID:     id,
		Qty:        quantity,
		Attributes: maps.Clone(attributes),
	}
}

func (r *Record) ID() ItemID { return r.ItemID }

func (r *Record) Quantity() int { return r.Qty }

func (r *Record) SetQuantity(quantity int) { r.Qty = quantity }

// Clone returns a copy whose attribute map is independent of the original.
func (r *Record) Clone() Item {
	return NewRecord(r.ItemID, r.Qty, r.Attributes)
}

// Attribute resolves "id" and "quantity" as well as any stored attribute.
func (r *Record) Attribute(name string) (any, bool) {
	switch name {
	case "id":
		return r.ItemID.Value(), true
	case "quantity":
		return r.Qty, true
	}
	v, ok := r.Attributes[name]
	return v, ok
}

// Solver is the behaviour wrappers such as caching and chunking depend on.
type Solver interface {
	Solve(inventory []Item, set BundleSet) (*Result, error)
}

var _ Solver = (*Allocator)(nil)
