package allocator

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidArgument is returned for malformed bundles, bundle sets, inventories or options.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrInsufficientQuantity is returned when not even one complete replication of every bundle fits the inventory.
	ErrInsufficientQuantity = errors.New("insufficient quantity to create subsets")
)

// Shortfall describes a bundle that cannot be replicated once.
type Shortfall struct {
	BundleIndex int
	Items       []ItemID
	Required    int
	Available   int
}

// InsufficientQuantityError lists the bundles that limit the replication factor to zero.
type InsufficientQuantityError struct {
	Shortfalls []Shortfall
}

func (e *InsufficientQuantityError) Error() string {
	if len(e.Shortfalls) == 0 {
		return ErrInsufficientQuantity.Error()
	}
	parts := make([]string, 0, len(e.Shortfalls))
	for _, s := range e.Shortfalls {
		parts = append(parts, fmt.Sprintf("bundle %d %s requires %d, available %d",
			s.BundleIndex, joinIDs(s.Items, ","), s.Required, s.Available))
	}
	return ErrInsufficientQuantity.Error() + ": " + strings.Join(parts, "; ")
}

// Is makes errors.Is(err, ErrInsufficientQuantity) hold.
func (e *InsufficientQuantityError) Is(target error) bool {
	return target == ErrInsufficientQuantity
}

func joinIDs(ids []ItemID, sep string) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return "[" + strings.Join(parts, sep) + "]"
}
