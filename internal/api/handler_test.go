package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"

	"github.com/eugenenazirov/bundle-allocator/internal/allocator"
	"github.com/eugenenazirov/bundle-allocator/internal/cache"
	"github.com/eugenenazirov/bundle-allocator/internal/metrics"
	"github.com/eugenenazirov/bundle-allocator/internal/storage"
)

type controllableClock struct {
	mu  sync.RWMutex
	now time.Time
}

func newControllableClock(initial time.Time) *controllableClock {
	return &controllableClock{now: initial}
}

func (c *controllableClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

func (c *controllableClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testServer struct {
	router   http.Handler
	clock    *controllableClock
	registry *prometheus.Registry
}

func newTestHandler(t *testing.T, store storage.Storage) (*Handler, *controllableClock, *prometheus.Registry) {
	t.Helper()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	solver := cache.NewCachingSolver(allocator.New(), cache.NewMemoryCache(), cache.WithMetrics(m))
	clock := newControllableClock(time.Date(2024, 11, 1, 12, 0, 0, 0, time.UTC))

	handler := NewHandler(solver, store,
		WithClock(clock.Now),
		WithMetrics(m),
		WithLogger(zaptest.NewLogger(t)),
	)
	return handler, clock, registry
}

func setupTestRouter(t *testing.T) testServer {
	t.Helper()

	handler, clock, registry := newTestHandler(t, storage.NewMemoryStorage(allocator.BundleSet{}))
	router := NewRouter(handler, zaptest.NewLogger(t),
		WithLogging(false),
		WithRateLimit(0, 0),
		WithMetricsEndpoint(registry),
	)
	return testServer{router: router, clock: clock, registry: registry}
}

func (s testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		payload, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return out
}

type allocationBody struct {
	Quantity int `json:"quantity"`
	Found    []struct {
		ID       any `json:"id"`
		Quantity int `json:"quantity"`
	} `json:"found"`
	Remaining []struct {
		ID       any `json:"id"`
		Quantity int `json:"quantity"`
	} `json:"remaining"`
	Optimal              bool    `json:"optimal"`
	EfficiencyPercentage float64 `json:"efficiencyPercentage"`
	Cached               bool    `json:"cached"`
	Preview              []struct {
		ID       any `json:"id"`
		Quantity int `json:"quantity"`
	} `json:"preview"`
	RequestID string `json:"requestId"`
}

// inventory of 20 units; the bundles below fit exactly twice.
func sampleInventory() []map[string]any {
	return []map[string]any{
		{"id": 1, "quantity": 10, "attributes": map[string]any{"price": 2}},
		{"id": 2, "quantity": 6, "attributes": map[string]any{"price": 5}},
		{"id": 3, "quantity": 4, "attributes": map[string]any{"price": 1}},
	}
}

func sampleBundles() []map[string]any {
	return []map[string]any{
		{"items": []any{1, 2}, "quantity": 4},
		{"items": []any{3}, "quantity": 2},
	}
}

func pairs(rows []struct {
	ID       any `json:"id"`
	Quantity int `json:"quantity"`
}) string {
	parts := make([]string, len(rows))
	for i, r := range rows {
		parts[i] = fmt.Sprintf("%v:%d", r.ID, r.Quantity)
	}
	return strings.Join(parts, ",")
}

func TestRequestIDHelpers(t *testing.T) {
	ctx := contextWithRequestID(context.Background(), "abc")
	if got := requestIDFromContext(ctx); got != "abc" {
		t.Fatalf("expected abc, got %s", got)
	}
	resp := httptest.NewRecorder()
	writeInternalError(resp, assertError("boom"))
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 status, got %d", resp.Code)
	}
}

type assertError string

func (a assertError) Error() string { return string(a) }

func TestHealthEndpoint(t *testing.T) {
	srv := setupTestRouter(t)

	rec := srv.do(t, http.MethodGet, "/api/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	body := decode[healthResponse](t, rec)
	if body.Status != "ok" {
		t.Fatalf("expected status ok, got %s", body.Status)
	}
	if !body.Timestamp.Equal(srv.clock.Now()) {
		t.Fatalf("expected timestamp %s, got %s", srv.clock.Now(), body.Timestamp)
	}
}

func TestGetBundlesWithoutStoredSet(t *testing.T) {
	srv := setupTestRouter(t)

	rec := srv.do(t, http.MethodGet, "/api/bundles", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rec.Code)
	}
	body := decode[errorResponse](t, rec)
	if body.Suggestion == "" {
		t.Fatalf("expected a suggestion in %+v", body)
	}
}

func TestPutBundlesUpdatesTimestamp(t *testing.T) {
	srv := setupTestRouter(t)
	srv.clock.Advance(5 * time.Minute)

	rec := srv.do(t, http.MethodPut, "/api/bundles", map[string]any{
		"bundles": []map[string]any{
			{"items": []any{1, "sku-2"}, "quantity": 3},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	put := decode[bundlesResponse](t, rec)
	if put.Message == "" || !put.UpdatedAt.Equal(srv.clock.Now()) {
		t.Fatalf("unexpected response %+v", put)
	}

	rec = srv.do(t, http.MethodGet, "/api/bundles", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	got := decode[bundlesResponse](t, rec)
	if len(got.Bundles) != 1 || got.Bundles[0].Quantity != 3 {
		t.Fatalf("unexpected bundles %+v", got.Bundles)
	}
	items := got.Bundles[0].Items
	if items[0] != allocator.IntID(1) || items[1] != allocator.StringID("sku-2") {
		t.Fatalf("ids lost their kind: %v", items)
	}
}

func TestPutBundlesValidation(t *testing.T) {
	tooMany := make([]map[string]any, 65)
	for i := range tooMany {
		tooMany[i] = map[string]any{"items": []any{1}, "quantity": 1}
	}

	testCases := []struct {
		name string
		body any
	}{
		{name: "malformed", body: `{"bundles":`},
		{name: "empty", body: map[string]any{"bundles": []any{}}},
		{name: "zero_quantity", body: map[string]any{"bundles": []map[string]any{{"items": []any{1}, "quantity": 0}}}},
		{name: "no_items", body: map[string]any{"bundles": []map[string]any{{"items": []any{}, "quantity": 1}}}},
		{name: "fractional_id", body: map[string]any{"bundles": []map[string]any{{"items": []any{1.5}, "quantity": 1}}}},
		{name: "too_many", body: map[string]any{"bundles": tooMany}},
		{name: "unknown_field", body: map[string]any{"bundles": sampleBundles(), "sizes": []int{1}}},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			srv := setupTestRouter(t)
			rec := srv.do(t, http.MethodPut, "/api/bundles", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestAllocateWithRequestBundles(t *testing.T) {
	srv := setupTestRouter(t)

	rec := srv.do(t, http.MethodPost, "/api/allocate", map[string]any{
		"inventory": sampleInventory(),
		"bundles":   sampleBundles(),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	body := decode[allocationBody](t, rec)
	if body.Quantity != 2 {
		t.Fatalf("expected replication factor 2, got %d", body.Quantity)
	}
	if got := pairs(body.Found); got != "1:8,3:4" {
		t.Fatalf("unexpected found %s", got)
	}
	if got := pairs(body.Remaining); got != "1:2,2:6" {
		t.Fatalf("unexpected remaining %s", got)
	}
	if body.Optimal || body.EfficiencyPercentage != 60 {
		t.Fatalf("unexpected optimal=%v efficiency=%v", body.Optimal, body.EfficiencyPercentage)
	}
	if body.Cached {
		t.Fatalf("first request must not be served from cache")
	}
	if body.RequestID == "" || body.RequestID != rec.Header().Get(requestIDHeader) {
		t.Fatalf("expected request id %q in body, got %q", rec.Header().Get(requestIDHeader), body.RequestID)
	}
}

func TestAllocateSortOverrides(t *testing.T) {
	srv := setupTestRouter(t)

	rec := srv.do(t, http.MethodPost, "/api/allocate", map[string]any{
		"inventory":      sampleInventory(),
		"bundles":        sampleBundles(),
		"sortField":      "price",
		"sortDescending": true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// price order is 2 (5), 1 (2), 3 (1)
	body := decode[allocationBody](t, rec)
	if got := pairs(body.Found); got != "2:6,1:2,3:4" {
		t.Fatalf("unexpected found %s", got)
	}
	if got := pairs(body.Remaining); got != "1:8" {
		t.Fatalf("unexpected remaining %s", got)
	}
}

func TestAllocateServesRepeatsFromCache(t *testing.T) {
	srv := setupTestRouter(t)
	payload := map[string]any{"inventory": sampleInventory(), "bundles": sampleBundles()}

	first := decode[allocationBody](t, srv.do(t, http.MethodPost, "/api/allocate", payload))
	second := decode[allocationBody](t, srv.do(t, http.MethodPost, "/api/allocate", payload))
	if first.Cached || !second.Cached {
		t.Fatalf("expected miss then hit, got %v then %v", first.Cached, second.Cached)
	}
	if pairs(first.Found) != pairs(second.Found) {
		t.Fatalf("cached result differs: %s vs %s", pairs(first.Found), pairs(second.Found))
	}

	rec := srv.do(t, http.MethodDelete, "/api/cache", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	third := decode[allocationBody](t, srv.do(t, http.MethodPost, "/api/allocate", payload))
	if third.Cached {
		t.Fatalf("expected miss after clearing the cache")
	}
}

func TestAllocatePreview(t *testing.T) {
	srv := setupTestRouter(t)

	rec := srv.do(t, http.MethodPost, "/api/allocate", map[string]any{
		"inventory": sampleInventory(),
		"bundles":   sampleBundles(),
		"preview":   3,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// deck entries reference the whole inventory row
	body := decode[allocationBody](t, rec)
	if got := pairs(body.Preview); got != "1:10,1:10,1:10" {
		t.Fatalf("unexpected preview %s", got)
	}
	if body.Cached {
		t.Fatalf("previews are never served from cache")
	}
}

func TestAllocateUsesStoredBundles(t *testing.T) {
	srv := setupTestRouter(t)

	rec := srv.do(t, http.MethodPost, "/api/allocate", map[string]any{"inventory": sampleInventory()})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 without any bundles, got %d", rec.Code)
	}

	rec = srv.do(t, http.MethodPut, "/api/bundles", map[string]any{"bundles": sampleBundles()})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	rec = srv.do(t, http.MethodPost, "/api/allocate", map[string]any{"inventory": sampleInventory()})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if body := decode[allocationBody](t, rec); body.Quantity != 2 {
		t.Fatalf("expected replication factor 2, got %d", body.Quantity)
	}
}

func TestAllocateInsufficientQuantity(t *testing.T) {
	srv := setupTestRouter(t)

	rec := srv.do(t, http.MethodPost, "/api/allocate", map[string]any{
		"inventory": sampleInventory(),
		"bundles":   []map[string]any{{"items": []any{3}, "quantity": 5}},
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d: %s", rec.Code, rec.Body.String())
	}

	body := decode[errorResponse](t, rec)
	if body.Suggestion == "" || len(body.Shortfalls) != 1 {
		t.Fatalf("unexpected error body %+v", body)
	}
	sf := body.Shortfalls[0]
	if sf.BundleIndex != 0 || sf.Required != 5 || sf.Available != 4 || sf.Items[0] != allocator.IntID(3) {
		t.Fatalf("unexpected shortfall %+v", sf)
	}
}

func TestAllocateValidation(t *testing.T) {
	testCases := []struct {
		name string
		body any
	}{
		{name: "malformed", body: `{"inventory": [`},
		{name: "empty_inventory", body: map[string]any{"inventory": []any{}, "bundles": sampleBundles()}},
		{name: "missing_id", body: map[string]any{"inventory": []map[string]any{{"quantity": 1}}, "bundles": sampleBundles()}},
		{name: "negative_quantity", body: map[string]any{"inventory": []map[string]any{{"id": 1, "quantity": -1}}, "bundles": sampleBundles()}},
		{name: "unknown_profile", body: map[string]any{"inventory": sampleInventory(), "bundles": sampleBundles(), "profile": "turbo"}},
		{name: "negative_preview", body: map[string]any{"inventory": sampleInventory(), "bundles": sampleBundles(), "preview": -1}},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			srv := setupTestRouter(t)
			rec := srv.do(t, http.MethodPost, "/api/allocate", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestAllocateWeighted(t *testing.T) {
	srv := setupTestRouter(t)

	rec := srv.do(t, http.MethodPost, "/api/allocate/weighted", map[string]any{
		"inventory": sampleInventory(),
		"bundles":   sampleBundles(),
		"weights":   map[string]float64{"price": 1},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Selections []struct {
			BundleIndex int `json:"bundleIndex"`
			Picks       []struct {
				Item struct {
					ID any `json:"id"`
				} `json:"item"`
				Quantity int `json:"quantity"`
			} `json:"picks"`
		} `json:"selections"`
		Metrics *struct {
			BestEfficiency float64 `json:"bestEfficiency"`
		} `json:"metrics"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if len(body.Selections) != 2 {
		t.Fatalf("expected two selections, got %d", len(body.Selections))
	}
	best := body.Selections[0]
	if best.BundleIndex != 0 || len(best.Picks) != 1 || best.Picks[0].Quantity != 4 || best.Picks[0].Item.ID != float64(2) {
		t.Fatalf("unexpected best selection %+v", best)
	}
	if body.Metrics == nil {
		t.Fatalf("expected metrics")
	}
}

func TestAllocateWeightedConstraints(t *testing.T) {
	srv := setupTestRouter(t)

	rec := srv.do(t, http.MethodPost, "/api/allocate/weighted", map[string]any{
		"inventory":   sampleInventory(),
		"bundles":     sampleBundles(),
		"weights":     map[string]float64{"price": 1},
		"constraints": map[string]any{"price": map[string]any{"min": 3}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Selections []json.RawMessage `json:"selections"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(body.Selections) != 1 {
		t.Fatalf("expected the bundle without eligible items to be omitted, got %d selections", len(body.Selections))
	}

	for name, constraint := range map[string]any{
		"empty":    map[string]any{},
		"inverted": map[string]any{"min": 5, "max": 1},
		"mixed":    map[string]any{"equals": 1, "max": 2},
	} {
		rec := srv.do(t, http.MethodPost, "/api/allocate/weighted", map[string]any{
			"inventory":   sampleInventory(),
			"bundles":     sampleBundles(),
			"weights":     map[string]float64{"price": 1},
			"constraints": map[string]any{"price": constraint},
		})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected status 400, got %d", name, rec.Code)
		}
	}
}

func TestAllocateParallel(t *testing.T) {
	srv := setupTestRouter(t)

	rec := srv.do(t, http.MethodPost, "/api/allocate/parallel", map[string]any{
		"inventory": sampleInventory(),
		"bundles":   sampleBundles(),
		"chunkSize": 3,
		"workers":   2,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Quantity int               `json:"quantity"`
		Chunks   []json.RawMessage `json:"chunks"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Quantity != 2 || len(body.Chunks) != 1 {
		t.Fatalf("unexpected parallel result %+v", body)
	}

	rec = srv.do(t, http.MethodPost, "/api/allocate/parallel", map[string]any{
		"inventory": sampleInventory(),
		"bundles":   sampleBundles(),
		"chunkSize": -1,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for negative chunk size, got %d", rec.Code)
	}
}

func TestMetricsEndpointExposesAllocations(t *testing.T) {
	srv := setupTestRouter(t)

	srv.do(t, http.MethodPost, "/api/allocate", map[string]any{"inventory": sampleInventory(), "bundles": sampleBundles()})
	srv.do(t, http.MethodPost, "/api/allocate", map[string]any{
		"inventory": sampleInventory(),
		"bundles":   []map[string]any{{"items": []any{3}, "quantity": 5}},
	})

	rec := srv.do(t, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	text := rec.Body.String()
	for _, want := range []string{
		`bundle_allocator_allocations_total{mode="standard",status="success"} 1`,
		`bundle_allocator_allocations_total{mode="standard",status="insufficient"} 1`,
		`bundle_allocator_http_requests_total`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in metrics output", want)
		}
	}
}
