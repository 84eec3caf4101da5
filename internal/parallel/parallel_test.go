package parallel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/eugenenazirov/bundle-allocator/internal/allocator"
)

func record(id int64, qty int) allocator.Item {
	return allocator.NewRecord(allocator.IntID(id), qty, nil)
}

func bundleSet(t *testing.T, qty int, ids ...int64) allocator.BundleSet {
	t.Helper()
	items := make([]allocator.ItemID, len(ids))
	for i, id := range ids {
		items[i] = allocator.IntID(id)
	}
	b, err := allocator.NewBundle(items, qty)
	require.NoError(t, err)
	set, err := allocator.NewBundleSet(b)
	require.NoError(t, err)
	return set
}

func quantities(allocs []allocator.Allocation) map[allocator.ItemID]int {
	out := make(map[allocator.ItemID]int, len(allocs))
	for _, a := range allocs {
		out[a.ID] += a.Quantity
	}
	return out
}

func TestRunnerSumsChunkQuantities(t *testing.T) {
	inventory := []allocator.Item{
		record(1, 10), record(2, 10),
		record(1, 6), record(2, 4),
		record(3, 100),
	}
	set := bundleSet(t, 5, 1, 2)

	r := NewRunner(allocator.New(), Config{ChunkSize: 2, Workers: 2}, zaptest.NewLogger(t))
	res, err := r.Solve(context.Background(), inventory, set)
	require.NoError(t, err)

	assert.Equal(t, 6, res.Quantity)
	require.Len(t, res.Chunks, 3)
	assert.Equal(t, 4, res.Chunks[0].Quantity)
	assert.Equal(t, 2, res.Chunks[1].Quantity)
	assert.True(t, res.Chunks[2].Insufficient)

	found := quantities(res.Found)
	assert.Equal(t, 16, found[allocator.IntID(1)])
	assert.Equal(t, 14, found[allocator.IntID(2)])
	assert.NotContains(t, found, allocator.IntID(3))

	remaining := quantities(res.Remaining)
	assert.Equal(t, 100, remaining[allocator.IntID(3)])
	assert.Equal(t, allocator.IntID(1), res.Found[0].ID)
}

func TestRunnerMatchesEngineForSingleChunk(t *testing.T) {
	inventory := []allocator.Item{record(1, 11), record(2, 6), record(3, 18)}
	set := bundleSet(t, 5, 1, 2, 3)

	direct, err := allocator.New().Solve(inventory, set)
	require.NoError(t, err)

	res, err := NewRunner(allocator.New(), DefaultConfig(), nil).Solve(context.Background(), inventory, set)
	require.NoError(t, err)

	summary := direct.Summary()
	assert.Equal(t, summary.Quantity, res.Quantity)
	assert.Equal(t, summary.Found, res.Found)
	assert.Equal(t, summary.Remaining, res.Remaining)
}

func TestRunnerAllChunksInsufficient(t *testing.T) {
	inventory := []allocator.Item{record(1, 1), record(1, 1), record(1, 1)}
	set := bundleSet(t, 2, 1)

	res, err := NewRunner(allocator.New(), Config{ChunkSize: 1}, nil).Solve(context.Background(), inventory, set)
	require.NoError(t, err)
	assert.Zero(t, res.Quantity)
	assert.Empty(t, res.Found)
	assert.Equal(t, 3, quantities(res.Remaining)[allocator.IntID(1)])
}

func TestRunnerAbortsOnInvalidChunk(t *testing.T) {
	inventory := []allocator.Item{record(1, 5), record(1, -1)}
	set := bundleSet(t, 1, 1)

	_, err := NewRunner(allocator.New(), Config{ChunkSize: 1}, nil).Solve(context.Background(), inventory, set)
	assert.ErrorIs(t, err, allocator.ErrInvalidArgument)
	assert.ErrorContains(t, err, "chunk 1")
}

func TestRunnerRejectsEmptyInput(t *testing.T) {
	r := NewRunner(allocator.New(), DefaultConfig(), nil)
	_, err := r.Solve(context.Background(), nil, bundleSet(t, 1, 1))
	assert.ErrorIs(t, err, allocator.ErrInvalidArgument)
	_, err = r.Solve(context.Background(), []allocator.Item{record(1, 1)}, allocator.BundleSet{})
	assert.ErrorIs(t, err, allocator.ErrInvalidArgument)
}

func TestRunnerHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	inventory := []allocator.Item{record(1, 5), record(1, 5)}
	_, err := NewRunner(allocator.New(), Config{ChunkSize: 1}, nil).Solve(ctx, inventory, bundleSet(t, 1, 1))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConfigNormalization(t *testing.T) {
	r := NewRunner(allocator.New(), Config{ChunkSize: -3}, nil)
	assert.Equal(t, DefaultConfig(), r.Config())
}
