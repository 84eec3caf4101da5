package api

import (
	"errors"
	"time"

	"github.com/eugenenazirov/bundle-allocator/internal/allocator"
	"github.com/eugenenazirov/bundle-allocator/internal/weighted"
)

type engineRequest struct {
	Profile        string  `json:"profile,omitempty"`
	SortField      *string `json:"sortField,omitempty"`
	SortDescending *bool   `json:"sortDescending,omitempty"`
}

type allocateRequest struct {
	Inventory []allocator.Record     `json:"inventory"`
	Bundles   []allocator.BundleSpec `json:"bundles,omitempty"`
	engineRequest
	Preview int `json:"preview,omitempty"`
}

type parallelRequest struct {
	Inventory []allocator.Record     `json:"inventory"`
	Bundles   []allocator.BundleSpec `json:"bundles,omitempty"`
	engineRequest
	ChunkSize int `json:"chunkSize,omitempty"`
	Workers   int `json:"workers,omitempty"`
}

type weightedRequest struct {
	Inventory   []allocator.Record           `json:"inventory"`
	Bundles     []allocator.BundleSpec       `json:"bundles,omitempty"`
	Weights     weighted.Weights             `json:"weights"`
	Constraints map[string]constraintRequest `json:"constraints,omitempty"`
}

// constraintRequest is either an inclusive range or an exact value.
type constraintRequest struct {
	Min    *float64 `json:"min,omitempty"`
	Max    *float64 `json:"max,omitempty"`
	Equals *float64 `json:"equals,omitempty"`
}

func (c constraintRequest) build() (weighted.Constraint, error) {
	if c.Equals != nil {
		if c.Min != nil || c.Max != nil {
			return nil, errors.New("equals cannot be combined with min or max")
		}
		return weighted.Equals(*c.Equals), nil
	}
	if c.Min == nil && c.Max == nil {
		return nil, errors.New("one of min, max or equals is required")
	}
	if c.Min != nil && c.Max != nil && *c.Min > *c.Max {
		return nil, errors.New("min must not exceed max")
	}
	return weighted.Range{Min: c.Min, Max: c.Max}, nil
}

type bundlesRequest struct {
	Bundles []allocator.BundleSpec `json:"bundles"`
}

type allocateResponse struct {
	allocator.Summary
	Cached    bool                   `json:"cached"`
	Preview   []allocator.Allocation `json:"preview,omitempty"`
	RequestID string                 `json:"requestId,omitempty"`
}

type bundlesResponse struct {
	Bundles   []allocator.BundleSpec `json:"bundles"`
	UpdatedAt time.Time              `json:"updatedAt"`
	Message   string                 `json:"message,omitempty"`
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type shortfallResponse struct {
	BundleIndex int                `json:"bundleIndex"`
	Items       []allocator.ItemID `json:"items"`
	Required    int                `json:"required"`
	Available   int                `json:"available"`
}

type errorResponse struct {
	Error      string              `json:"error"`
	Details    string              `json:"details,omitempty"`
	Suggestion string              `json:"suggestion,omitempty"`
	Shortfalls []shortfallResponse `json:"shortfalls,omitempty"`
}
