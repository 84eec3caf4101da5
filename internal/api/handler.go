package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eugenenazirov/bundle-allocator/internal/allocator"
	"github.com/eugenenazirov/bundle-allocator/internal/cache"
	"github.com/eugenenazirov/bundle-allocator/internal/metrics"
	"github.com/eugenenazirov/bundle-allocator/internal/parallel"
	"github.com/eugenenazirov/bundle-allocator/internal/storage"
	"github.com/eugenenazirov/bundle-allocator/internal/weighted"
)

type contextKey string

const requestIDContextKey contextKey = "requestID"

const maxBodyBytes = 8 << 20

// Allocation modes used as metric labels.
const (
	modeStandard = "standard"
	modeWeighted = "weighted"
	modeParallel = "parallel"
)

// Handler wires the allocation engine, cache and storage into HTTP handlers.
type Handler struct {
	solver   *cache.CachingSolver
	storage  storage.Storage
	engine   allocator.Options
	parallel parallel.Config
	metrics  *metrics.Metrics
	logger   *zap.Logger

	clock func() time.Time

	mu               sync.RWMutex
	bundlesUpdatedAt time.Time
}

// HandlerOption configures Handler behaviour.
type HandlerOption func(*Handler)

// WithClock overrides the time source, primarily for tests.
func WithClock(clock func() time.Time) HandlerOption {
	return func(h *Handler) {
		h.clock = clock
	}
}

// WithEngineOptions sets the allocator options requests start from.
func WithEngineOptions(opts allocator.Options) HandlerOption {
	return func(h *Handler) {
		h.engine = opts
	}
}

// WithParallelConfig sets the default chunking for /api/allocate/parallel.
func WithParallelConfig(cfg parallel.Config) HandlerOption {
	return func(h *Handler) {
		h.parallel = cfg
	}
}

// WithMetrics records allocation outcomes and HTTP traffic.
func WithMetrics(m *metrics.Metrics) HandlerOption {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithLogger sets the logger handed to the allocator and used for internal errors.
func WithLogger(logger *zap.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHandler constructs a Handler with the provided dependencies.
func NewHandler(solver *cache.CachingSolver, store storage.Storage, opts ...HandlerOption) *Handler {
	h := &Handler{
		solver:   solver,
		storage:  store,
		engine:   allocator.DefaultOptions(),
		parallel: parallel.DefaultConfig(),
		logger:   zap.NewNop(),
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.bundlesUpdatedAt = h.clock()
	return h
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Timestamp: h.clock(),
	})
}

func (h *Handler) handleGetBundles(w http.ResponseWriter, r *http.Request) {
	set, err := h.storage.GetBundles(r.Context())
	if err != nil {
		if errors.Is(err, storage.ErrNoBundles) {
			writeError(w, http.StatusNotFound, "No bundles configured", err.Error(), "PUT /api/bundles to store a default bundle set")
			return
		}
		h.writeInternalError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, bundlesResponse{
		Bundles:   set.Specs(),
		UpdatedAt: h.currentBundlesUpdatedAt(),
	})
}

func (h *Handler) handlePutBundles(w http.ResponseWriter, r *http.Request) {
	var req bundlesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", err.Error())
		return
	}

	if len(req.Bundles) == 0 {
		writeError(w, http.StatusBadRequest, "Invalid bundles", "bundles must contain at least one bundle")
		return
	}

	set, err := allocator.BuildBundleSet(req.Bundles)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid bundles", err.Error())
		return
	}

	if err := h.storage.SetBundles(r.Context(), set); err != nil {
		if errors.Is(err, storage.ErrInvalidBundles) {
			writeError(w, http.StatusBadRequest, "Invalid bundles", err.Error())
			return
		}
		h.writeInternalError(w, r, err)
		return
	}

	h.markBundlesUpdated()

	writeJSON(w, http.StatusOK, bundlesResponse{
		Bundles:   set.Specs(),
		UpdatedAt: h.currentBundlesUpdatedAt(),
		Message:   "Bundles updated successfully",
	})
}

func (h *Handler) handleAllocate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req allocateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", err.Error())
		return
	}
	if req.Preview < 0 {
		writeError(w, http.StatusBadRequest, "Invalid request", "preview must not be negative")
		return
	}

	set, err := h.resolveBundles(r.Context(), req.Bundles)
	if err != nil {
		h.writeAllocationError(w, r, modeStandard, start, err)
		return
	}
	engine, err := h.allocatorFor(req.engineRequest)
	if err != nil {
		h.writeAllocationError(w, r, modeStandard, start, err)
		return
	}
	inventory := items(req.Inventory)

	resp := allocateResponse{RequestID: requestIDFromContext(r.Context())}
	if req.Preview > 0 {
		// previews need the deck, which cached summaries do not carry
		res, err := engine.Solve(inventory, set)
		if err != nil {
			h.writeAllocationError(w, r, modeStandard, start, err)
			return
		}
		resp.Summary = res.Summary()
		resp.Preview = allocator.Allocations(res.SubsetItems(req.Preview))
	} else {
		summary, cached, err := h.solver.With(engine).Solve(r.Context(), inventory, set)
		if err != nil {
			h.writeAllocationError(w, r, modeStandard, start, err)
			return
		}
		resp.Summary = summary
		resp.Cached = cached
	}

	h.recordSuccess(modeStandard, start)
	if h.metrics != nil {
		h.metrics.RecordResult(resp.Quantity, resp.EfficiencyPercentage)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleAllocateWeighted(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req weightedRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", err.Error())
		return
	}

	set, err := h.resolveBundles(r.Context(), req.Bundles)
	if err != nil {
		h.writeAllocationError(w, r, modeWeighted, start, err)
		return
	}

	opts := []weighted.Option{weighted.WithLogger(h.logger)}
	for field, c := range req.Constraints {
		constraint, err := c.build()
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid constraint", fmt.Sprintf("%s: %v", field, err))
			return
		}
		opts = append(opts, weighted.WithConstraint(field, constraint))
	}

	res, err := weighted.NewFinder(req.Weights, opts...).Find(items(req.Inventory), set)
	if err != nil {
		h.writeAllocationError(w, r, modeWeighted, start, err)
		return
	}

	h.recordSuccess(modeWeighted, start)
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleAllocateParallel(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req parallelRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", err.Error())
		return
	}
	if req.ChunkSize < 0 || req.Workers < 0 {
		writeError(w, http.StatusBadRequest, "Invalid request", "chunkSize and workers must not be negative")
		return
	}

	set, err := h.resolveBundles(r.Context(), req.Bundles)
	if err != nil {
		h.writeAllocationError(w, r, modeParallel, start, err)
		return
	}
	engine, err := h.allocatorFor(req.engineRequest)
	if err != nil {
		h.writeAllocationError(w, r, modeParallel, start, err)
		return
	}

	cfg := h.parallel
	if req.ChunkSize > 0 {
		cfg.ChunkSize = req.ChunkSize
	}
	if req.Workers > 0 {
		cfg.Workers = req.Workers
	}

	res, err := parallel.NewRunner(engine, cfg, h.logger).Solve(r.Context(), items(req.Inventory), set)
	if err != nil {
		h.writeAllocationError(w, r, modeParallel, start, err)
		return
	}

	h.recordSuccess(modeParallel, start)
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleClearCache(w http.ResponseWriter, r *http.Request) {
	h.solver.Clear(r.Context())
	writeJSON(w, http.StatusOK, messageResponse{Message: "Cache cleared"})
}

// resolveBundles builds the request's own bundles or falls back to the stored set.
func (h *Handler) resolveBundles(ctx context.Context, specs []allocator.BundleSpec) (allocator.BundleSet, error) {
	if len(specs) > 0 {
		return allocator.BuildBundleSet(specs)
	}
	return h.storage.GetBundles(ctx)
}

// allocatorFor applies the per-request profile and sort overrides on top of
// the configured engine options.
func (h *Handler) allocatorFor(req engineRequest) (*allocator.Allocator, error) {
	opts := h.engine
	if req.Profile != "" {
		profile, err := allocator.ProfileOptions(req.Profile)
		if err != nil {
			return nil, err
		}
		profile.SortField = opts.SortField
		profile.SortDescending = opts.SortDescending
		opts = profile
	}
	if req.SortField != nil {
		opts.SortField = *req.SortField
	}
	if req.SortDescending != nil {
		opts.SortDescending = *req.SortDescending
	}
	return allocator.New(allocator.WithOptions(opts), allocator.WithLogger(h.logger)), nil
}

func (h *Handler) writeAllocationError(w http.ResponseWriter, r *http.Request, mode string, start time.Time, err error) {
	var insufficient *allocator.InsufficientQuantityError
	switch {
	case errors.As(err, &insufficient):
		h.recordFailure(mode, metrics.StatusInsufficient, start)
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error:      "Cannot allocate bundles",
			Details:    err.Error(),
			Suggestion: "Increase stock for the listed bundles or lower their quantities",
			Shortfalls: shortfallsOf(insufficient.Shortfalls),
		})
	case errors.Is(err, allocator.ErrInsufficientQuantity):
		h.recordFailure(mode, metrics.StatusInsufficient, start)
		writeError(w, http.StatusUnprocessableEntity, "Cannot allocate bundles", err.Error())
	case errors.Is(err, storage.ErrNoBundles):
		h.recordFailure(mode, metrics.StatusInvalid, start)
		writeError(w, http.StatusBadRequest, "No bundles", err.Error(), "Send bundles with the request or PUT /api/bundles first")
	case errors.Is(err, allocator.ErrInvalidArgument):
		h.recordFailure(mode, metrics.StatusInvalid, start)
		writeError(w, http.StatusBadRequest, "Invalid request", err.Error())
	default:
		h.recordFailure(mode, metrics.StatusError, start)
		h.writeInternalError(w, r, err)
	}
}

func (h *Handler) recordSuccess(mode string, start time.Time) {
	if h.metrics != nil {
		h.metrics.RecordAllocation(mode, metrics.StatusSuccess, time.Since(start))
	}
}

func (h *Handler) recordFailure(mode, status string, start time.Time) {
	if h.metrics != nil {
		h.metrics.RecordAllocation(mode, status, time.Since(start))
	}
}

func (h *Handler) writeInternalError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Error("request failed",
		zap.Error(err),
		zap.String("path", r.URL.Path),
		zap.String("request_id", requestIDFromContext(r.Context())),
	)
	writeInternalError(w, err)
}

func (h *Handler) currentBundlesUpdatedAt() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.bundlesUpdatedAt
}

func (h *Handler) markBundlesUpdated() {
	h.mu.Lock()
	h.bundlesUpdatedAt = h.clock()
	h.mu.Unlock()
}

func requestIDFromContext(ctx context.Context) string {
	if v := ctx.Value(requestIDContextKey); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("unable to parse JSON payload: %w", err)
	}
	return nil
}

func items(records []allocator.Record) []allocator.Item {
	out := make([]allocator.Item, len(records))
	for i := range records {
		out[i] = &records[i]
	}
	return out
}

func shortfallsOf(in []allocator.Shortfall) []shortfallResponse {
	out := make([]shortfallResponse, len(in))
	for i, s := range in {
		out[i] = shortfallResponse{
			BundleIndex: s.BundleIndex,
			Items:       s.Items,
			Required:    s.Required,
			Available:   s.Available,
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message, details string, suggestion ...string) {
	resp := errorResponse{
		Error:   message,
		Details: details,
	}
	if len(suggestion) > 0 {
		resp.Suggestion = suggestion[0]
	}
	writeJSON(w, status, resp)
}

func writeInternalError(w http.ResponseWriter, err error) {
	writeError(w, http.StatusInternalServerError, "Internal error", err.Error())
}
