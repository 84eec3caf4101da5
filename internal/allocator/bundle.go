package allocator

import (
	"fmt"
	"slices"
)

// Bundle is an immutable requirement: Quantity units per replication, drawn
// from any of the listed item ids. Duplicate ids are kept as given.
type Bundle struct {
	items    []ItemID
	quantity int
}

// NewBundle validates and builds a bundle. The ids slice is copied.
func NewBundle(items []ItemID, quantity int) (Bundle, error) {
	if len(items) == 0 {
		return Bundle{}, fmt.Errorf("%w: bundle items cannot be empty", ErrInvalidArgument)
	}
	for i, id := range items {
		if !id.Valid() {
			return Bundle{}, fmt.Errorf("%w: bundle item at index %d must be an integer or string id", ErrInvalidArgument, i)
		}
	}
	if quantity <= 0 {
		return Bundle{}, fmt.Errorf("%w: bundle quantity must be positive, got %d", ErrInvalidArgument, quantity)
	}
	return Bundle{items: slices.Clone(items), quantity: quantity}, nil
}

// Of builds a bundle requiring one unit per replication.
func Of(items ...ItemID) (Bundle, error) {
	return NewBundle(items, 1)
}

// ParseBundle builds a bundle from loosely typed ids, such as decoded JSON or YAML.
func ParseBundle(items []any, quantity int) (Bundle, error) {
	if len(items) == 0 {
		return Bundle{}, fmt.Errorf("%w: bundle items cannot be empty", ErrInvalidArgument)
	}
	ids := make([]ItemID, len(items))
	for i, raw := range items {
		id, err := ParseID(raw)
		if err != nil {
			return Bundle{}, fmt.Errorf("bundle item at index %d: %w", i, err)
		}
		ids[i] = id
	}
	return NewBundle(ids, quantity)
}

// WithQuantity returns a bundle with the same items and a new quantity.
func (b Bundle) WithQuantity(quantity int) (Bundle, error) {
	return NewBundle(b.items, quantity)
}

// Items returns a copy of the bundle's ids.
func (b Bundle) Items() []ItemID {
	return slices.Clone(b.items)
}

// Quantity returns the units consumed per replication.
func (b Bundle) Quantity() int {
	return b.quantity
}

// Contains reports whether id is one of the bundle's items.
func (b Bundle) Contains(id ItemID) bool {
	return slices.Contains(b.items, id)
}

func (b Bundle) valid() bool {
	return len(b.items) > 0 && b.quantity > 0
}

func (b Bundle) String() string {
	return fmt.Sprintf("%s x%d", joinIDs(b.items, ","), b.quantity)
}

// BundleSet is an ordered list of bundles. Order decides which bundle draws
// first when bundles share items.
type BundleSet struct {
	bundles []Bundle
}

// NewBundleSet validates that every element is a constructed Bundle.
func NewBundleSet(bundles ...Bundle) (BundleSet, error) {
	for i, b := range bundles {
		if !b.valid() {
			return BundleSet{}, fmt.Errorf("%w: item at index %d is not a Bundle instance, got %s",
				ErrInvalidArgument, i, describeBundle(b))
		}
	}
	return BundleSet{bundles: slices.Clone(bundles)}, nil
}

func describeBundle(b Bundle) string {
	if b.items == nil && b.quantity == 0 {
		return "zero allocator.Bundle"
	}
	return fmt.Sprintf("allocator.Bundle{items: %d, quantity: %d}", len(b.items), b.quantity)
}

// Add returns a new set with b appended.
func (s BundleSet) Add(b Bundle) (BundleSet, error) {
	if !b.valid() {
		return BundleSet{}, fmt.Errorf("%w: item at index %d is not a Bundle instance, got %s",
			ErrInvalidArgument, len(s.bundles), describeBundle(b))
	}
	out := make([]Bundle, len(s.bundles), len(s.bundles)+1)
	copy(out, s.bundles)
	return BundleSet{bundles: append(out, b)}, nil
}

func (s BundleSet) Len() int {
	return len(s.bundles)
}

func (s BundleSet) At(i int) Bundle {
	return s.bundles[i]
}

// Bundles returns a copy of the bundles in set order.
func (s BundleSet) Bundles() []Bundle {
	return slices.Clone(s.bundles)
}

// AllItemIDs returns every referenced id once, in first-appearance order.
func (s BundleSet) AllItemIDs() []ItemID {
	seen := make(map[ItemID]struct{})
	out := make([]ItemID, 0)
	for _, b := range s.bundles {
		for _, id := range b.items {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// TotalRequiredQuantity sums the per-replication quantity of all bundles.
func (s BundleSet) TotalRequiredQuantity() int {
	total := 0
	for _, b := range s.bundles {
		total += b.quantity
	}
	return total
}

// ContainsItem reports whether any bundle references id.
func (s BundleSet) ContainsItem(id ItemID) bool {
	for _, b := range s.bundles {
		if b.Contains(id) {
			return true
		}
	}
	return false
}

// FilterByItem returns the bundles referencing id, preserving order.
func (s BundleSet) FilterByItem(id ItemID) BundleSet {
	out := make([]Bundle, 0, len(s.bundles))
	for _, b := range s.bundles {
		if b.Contains(id) {
			out = append(out, b)
		}
	}
	return BundleSet{bundles: out}
}

func (s BundleSet) idSet() map[ItemID]struct{} {
	ids := make(map[ItemID]struct{})
	for _, b := range s.bundles {
		for _, id := range b.items {
			ids[id] = struct{}{}
		}
	}
	return ids
}

// BundleSpec is the serialisable form of a Bundle.
type BundleSpec struct {
	Items    []ItemID `json:"items" yaml:"items"`
	Quantity int      `json:"quantity" yaml:"quantity"`
}

// BuildBundleSet validates specs and builds a set in the same order.
func BuildBundleSet(specs []BundleSpec) (BundleSet, error) {
	bundles := make([]Bundle, len(specs))
	for i, spec := range specs {
		b, err := NewBundle(spec.Items, spec.Quantity)
		if err != nil {
			return BundleSet{}, fmt.Errorf("bundle %d: %w", i, err)
		}
		bundles[i] = b
	}
	return NewBundleSet(bundles...)
}

// Specs converts the set to its serialisable form.
func (s BundleSet) Specs() []BundleSpec {
	out := make([]BundleSpec, len(s.bundles))
	for i, b := range s.bundles {
		out[i] = BundleSpec{Items: b.Items(), Quantity: b.quantity}
	}
	return out
}
