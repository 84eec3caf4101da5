// Package parallel approximates an allocation over very large inventories by
// solving fixed-size chunks concurrently and merging the results.
//
// The merged replication factor is the sum of the per-chunk factors, which
// can be lower than the factor of a single run over the whole inventory when
// a bundle's items are spread across chunks. Use the allocator directly when
// an exact answer is required.
package parallel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eugenenazirov/bundle-allocator/internal/allocator"
)

const (
	DefaultChunkSize = 1000
	DefaultWorkers   = 4
)

// Config bounds the chunking.
type Config struct {
	ChunkSize int `yaml:"chunk_size"`
	Workers   int `yaml:"workers"`
}

// DefaultConfig returns the default chunk size and worker count.
func DefaultConfig() Config {
	return Config{ChunkSize: DefaultChunkSize, Workers: DefaultWorkers}
}

func (c Config) normalized() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	return c
}

// ChunkOutcome describes one chunk's contribution.
type ChunkOutcome struct {
	Index        int  `json:"index"`
	Items        int  `json:"items"`
	Quantity     int  `json:"quantity"`
	Insufficient bool `json:"insufficient"`
}

// Result is the merged outcome of a chunked run.
type Result struct {
	Quantity  int                    `json:"quantity"`
	Found     []allocator.Allocation `json:"found"`
	Remaining []allocator.Allocation `json:"remaining"`
	Chunks    []ChunkOutcome         `json:"chunks"`
	Duration  time.Duration          `json:"durationNs"`
}

// Runner solves chunks with a shared allocator.
type Runner struct {
	allocator *allocator.Allocator
	cfg       Config
	logger    *zap.Logger
}

func NewRunner(a *allocator.Allocator, cfg Config, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{allocator: a, cfg: cfg.normalized(), logger: logger}
}

// Config returns the normalised configuration.
func (r *Runner) Config() Config {
	return r.cfg
}

// Solve splits inventory into chunks in input order and solves them
// concurrently. Chunks that cannot fit one replication contribute nothing
// to the found set and keep all their rows as remaining. Any other chunk
// error, or ctx cancellation, aborts the run.
func (r *Runner) Solve(ctx context.Context, inventory []allocator.Item, set allocator.BundleSet) (*Result, error) {
	if len(inventory) == 0 {
		return nil, fmt.Errorf("%w: inventory cannot be empty", allocator.ErrInvalidArgument)
	}
	if set.Len() == 0 {
		return nil, fmt.Errorf("%w: bundle set cannot be empty", allocator.ErrInvalidArgument)
	}

	start := time.Now()
	chunks := split(inventory, r.cfg.ChunkSize)
	results := make([]*allocator.Result, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)
	for i, chunk := range chunks {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := r.allocator.Solve(chunk, set)
			if errors.Is(err, allocator.ErrInsufficientQuantity) {
				r.logger.Debug("chunk cannot fit one replication", zap.Int("chunk", i), zap.Int("items", len(chunk)))
				return nil
			}
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := merge(chunks, results)
	merged.Duration = time.Since(start)
	r.logger.Debug("parallel allocation completed",
		zap.Int("chunks", len(chunks)),
		zap.Int("quantity", merged.Quantity),
		zap.Duration("duration", merged.Duration),
	)
	return merged, nil
}

func split(inventory []allocator.Item, size int) [][]allocator.Item {
	chunks := make([][]allocator.Item, 0, (len(inventory)+size-1)/size)
	for start := 0; start < len(inventory); start += size {
		end := min(start+size, len(inventory))
		chunks = append(chunks, inventory[start:end])
	}
	return chunks
}

// merge sums quantities per id in chunk order. Ids keep their first
// appearance position.
func merge(chunks [][]allocator.Item, results []*allocator.Result) *Result {
	out := &Result{Chunks: make([]ChunkOutcome, len(chunks))}
	found := newTally()
	remaining := newTally()

	for i, res := range results {
		outcome := ChunkOutcome{Index: i, Items: len(chunks[i])}
		if res == nil {
			outcome.Insufficient = true
			for _, item := range chunks[i] {
				if item.Quantity() > 0 {
					remaining.add(item)
				}
			}
			out.Chunks[i] = outcome
			continue
		}
		outcome.Quantity = res.Quantity()
		out.Quantity += res.Quantity()
		for _, item := range res.Found() {
			found.add(item)
		}
		for _, item := range res.Remaining() {
			remaining.add(item)
		}
		out.Chunks[i] = outcome
	}

	out.Found = found.allocations()
	out.Remaining = remaining.allocations()
	return out
}

type tally struct {
	order []allocator.ItemID
	first map[allocator.ItemID]allocator.Item
	sums  map[allocator.ItemID]int
}

func newTally() *tally {
	return &tally{
		first: make(map[allocator.ItemID]allocator.Item),
		sums:  make(map[allocator.ItemID]int),
	}
}

func (t *tally) add(item allocator.Item) {
	id := item.ID()
	if _, ok := t.first[id]; !ok {
		t.order = append(t.order, id)
		t.first[id] = item
	}
	t.sums[id] += item.Quantity()
}

func (t *tally) allocations() []allocator.Allocation {
	items := make([]allocator.Item, len(t.order))
	for i, id := range t.order {
		item := t.first[id].Clone()
		item.SetQuantity(t.sums[id])
		items[i] = item
	}
	return allocator.Allocations(items)
}
