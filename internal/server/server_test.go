package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	gateway "github.com/Dolores18/api-manager/internal"
	"github.com/Dolores18/api-manager/internal/app"
	"github.com/Dolores18/api-manager/internal/pool"
	"github.com/Dolores18/api-manager/internal/storage"
	"github.com/Dolores18/api-manager/internal/telemetry"
	"github.com/Dolores18/api-manager/internal/upstream"
)

// --- in-memory fakes ---

type fakeProviderStore struct {
	mu   sync.Mutex
	rows map[string]*gateway.Provider
}

func newFakeProviderStore(providers ...gateway.Provider) *fakeProviderStore {
	s := &fakeProviderStore{rows: make(map[string]*gateway.Provider)}
	for i := range providers {
		cp := providers[i]
		s.rows[cp.APIKey] = &cp
	}
	return s
}

func (s *fakeProviderStore) UpsertProvider(_ context.Context, p *gateway.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	if old, ok := s.rows[p.APIKey]; ok {
		cp.ID = old.ID
		cp.CreatedAt = old.CreatedAt
	}
	s.rows[p.APIKey] = &cp
	return nil
}

func (s *fakeProviderStore) GetProviderByKey(_ context.Context, apiKey string) (*gateway.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[apiKey]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *fakeProviderStore) ListActiveProviders(_ context.Context) ([]*gateway.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*gateway.Provider
	for _, p := range s.rows {
		if p.Status == gateway.StatusActive {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].APIKey < out[j].APIKey })
	return out, nil
}

func (s *fakeProviderStore) UpdateBalance(_ context.Context, apiKey string, b float64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.rows[apiKey]; ok {
		p.Balance = &b
		p.LastBalanceCheck = &at
	}
	return nil
}

func (s *fakeProviderStore) MarkBalanceInvalid(_ context.Context, apiKey string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.rows[apiKey]; ok {
		p.Balance = nil
		p.LastBalanceCheck = &at
	}
	return nil
}

func (s *fakeProviderStore) EvictExhaustedProviders(_ context.Context) (storage.EvictionCounts, error) {
	return storage.EvictionCounts{}, nil
}

func (s *fakeProviderStore) DeleteProvider(_ context.Context, apiKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, apiKey)
	return nil
}

type fakePricingStore struct {
	mu   sync.Mutex
	rows []*gateway.ModelPricing
}

func (s *fakePricingStore) InsertPricing(_ context.Context, p *gateway.ModelPricing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.rows = append(s.rows, &cp)
	return nil
}

func (s *fakePricingStore) ListPricing(_ context.Context) ([]*gateway.ModelPricing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]*gateway.ModelPricing(nil), s.rows...)
	sort.Slice(out, func(i, j int) bool { return out[i].EffectiveDate.After(out[j].EffectiveDate) })
	return out, nil
}

func (s *fakePricingStore) CurrentPricing(_ context.Context, name, model string) (*gateway.ModelPricing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *gateway.ModelPricing
	for _, p := range s.rows {
		if p.Name != name || p.Model != model {
			continue
		}
		if best == nil || p.EffectiveDate.After(best.EffectiveDate) {
			best = p
		}
	}
	if best == nil {
		return nil, gateway.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

type captureRecorder struct {
	mu      sync.Mutex
	records []gateway.UsageRecord
}

func (c *captureRecorder) Record(r gateway.UsageRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, r)
}

func (c *captureRecorder) all() []gateway.UsageRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]gateway.UsageRecord(nil), c.records...)
}

type staticVerifier struct {
	balances map[string]float64
}

func (v *staticVerifier) Verify(_ context.Context, p *gateway.Provider) (float64, error) {
	b, ok := v.balances[p.APIKey]
	if !ok {
		return 0, gateway.ErrInvalidKey
	}
	return b, nil
}

// --- harness ---

type testEnv struct {
	handler  http.Handler
	pool     *pool.Pool
	store    *fakeProviderStore
	pricing  *fakePricingStore
	recorder *captureRecorder
}

func activeProvider(apiKey, baseURL, model string, rateLimit int) gateway.Provider {
	return gateway.Provider{
		ID:        "id-" + apiKey,
		Name:      "prov-" + apiKey,
		Type:      gateway.ProviderDeepSeek,
		BaseURL:   baseURL,
		APIKey:    apiKey,
		Status:    gateway.StatusActive,
		RateLimit: rateLimit,
		ModelName: model,
	}
}

func newTestEnv(t *testing.T, balances map[string]float64, providers ...gateway.Provider) *testEnv {
	t.Helper()

	pl := pool.New(providers)
	store := newFakeProviderStore(providers...)
	pricing := &fakePricingStore{}
	rec := &captureRecorder{}
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())

	d := app.NewDispatcher(pl, upstream.NewClient(0), rec, metrics)
	a := app.NewAdmitter(store, &staticVerifier{balances: balances}, pl, 0)

	h := New(Deps{
		Dispatcher: d,
		Admitter:   a,
		Providers:  store,
		Pricing:    pricing,
		Metrics:    metrics,
	})
	return &testEnv{handler: h, pool: pl, store: store, pricing: pricing, recorder: rec}
}

func postJSON(h http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "192.0.2.10:51234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// --- system endpoints ---

func TestHealthz(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != "ok" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "ok")
	}
}

func TestReadyzFailing(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	h := New(Deps{
		Dispatcher: app.NewDispatcher(env.pool, upstream.NewClient(0), env.recorder, telemetry.NewMetrics(prometheus.NewRegistry())),
		Admitter:   app.NewAdmitter(env.store, &staticVerifier{}, env.pool, 0),
		Providers:  env.store,
		Pricing:    env.pricing,
		ReadyCheck: func(context.Context) error { return errors.New("db down") },
	})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("X-Request-Id header should be set")
	}
}

// --- chat ---

func TestChatCompletionPassthrough(t *testing.T) {
	t.Parallel()

	// The body carries a vendor extension field that must survive verbatim.
	rawBody := `{"id":"cmpl-42","object":"chat.completion","created":1700000000,"model":"M","choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":4,"total_tokens":7},"system_fingerprint":"fp_abc"}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, rawBody)
	}))
	t.Cleanup(srv.Close)

	env := newTestEnv(t, nil, activeProvider("key-a", srv.URL, "M", 10))

	rec := postJSON(env.handler, "/v1/chat/completions",
		`{"model":"M","messages":[{"role":"user","content":"hello"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := strings.TrimSpace(rec.Body.String()); got != rawBody {
		t.Errorf("body not forwarded verbatim:\ngot  %s\nwant %s", got, rawBody)
	}

	records := env.recorder.all()
	if len(records) != 1 || records[0].Status != gateway.CallSuccess {
		t.Fatalf("records = %+v, want one Success row", records)
	}
	if records[0].ClientIP != "192.0.2.10" {
		t.Errorf("client_ip = %q, want 192.0.2.10", records[0].ClientIP)
	}
	if records[0].RequestID == "" {
		t.Error("request_id not propagated to the usage row")
	}
}

func TestChatCompletionEmptyMessages(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	rec := postJSON(env.handler, "/v1/chat/completions", `{"model":"M","messages":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestChatCompletionNoProvider(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	rec := postJSON(env.handler, "/v1/chat/completions",
		`{"model":"M","messages":[{"role":"user","content":"hello"}]}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503; body = %s", rec.Code, rec.Body.String())
	}
}

// --- provider admission ---

func TestAdmitProviderEndpoint(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, map[string]float64{"sk-new": 20.0})

	rec := postJSON(env.handler, "/v1/providers",
		`{"provider_type":"DeepSeek","api_key":"sk-new","model_name":"DeepSeek-V3"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var out app.AdmitOutcome
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Success) != 1 || out.Success[0].Balance != 20.0 {
		t.Fatalf("outcome = %+v, want one success with balance 20", out)
	}
	if out.Success[0].ID == "" || out.Success[0].APIKey != "sk-new" || out.Success[0].CreatedAt.IsZero() {
		t.Errorf("outcome entry = %+v, want id, api_key, created_at", out.Success[0])
	}
	if env.pool.Len() != 1 {
		t.Errorf("pool size = %d, want 1", env.pool.Len())
	}
}

func TestAdmitProviderRequiresModelName(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, map[string]float64{"sk-new": 20.0})

	rec := postJSON(env.handler, "/v1/providers",
		`{"provider_type":"DeepSeek","api_key":"sk-new"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400; body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "model_name is required") {
		t.Errorf("body = %s, want model_name requirement", rec.Body.String())
	}
}

func TestAdmitProviderRejectsUnderfunded(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, map[string]float64{"sk-low": 2.5})

	rec := postJSON(env.handler, "/v1/providers",
		`{"name":"low","provider_type":"DeepSeek","api_key":"sk-low","model_name":"DeepSeek-V3","min_balance_threshold":5.0}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400; body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "余额不足: 2.5000 < 5.0000") {
		t.Errorf("body missing rejection message, got: %s", rec.Body.String())
	}
	if _, err := env.store.GetProviderByKey(context.Background(), "sk-low"); err == nil {
		t.Error("rejected key was persisted")
	}
}

func TestAdmitBatchPartial(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, map[string]float64{"sk-1": 10.0})

	// The batch body wraps its entries in a providers field.
	rec := postJSON(env.handler, "/v1/providers/batch",
		`{"providers":[{"provider_type":"DeepSeek","api_key":"sk-1","model_name":"DeepSeek-V3"},{"name":"bad","provider_type":"DeepSeek","api_key":"sk-unknown","model_name":"DeepSeek-V3"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var out app.AdmitOutcome
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Success) != 1 || len(out.Failed) != 1 {
		t.Errorf("outcome = %+v, want 1 success 1 failed", out)
	}
	if out.Failed[0].APIKey != "sk-unknown" {
		t.Errorf("failed api_key = %q, want sk-unknown", out.Failed[0].APIKey)
	}
}

func TestAdmitBatchRejectsEmpty(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	rec := postJSON(env.handler, "/v1/providers/batch", `{"providers":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty batch: status = %d, want 400", rec.Code)
	}
}

func TestListProvidersRedactsKeys(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil,
		activeProvider("sk-abcdefghijklmnop", "https://api.example.com/v1/chat/completions", "M", 10))

	req := httptest.NewRequest(http.MethodGet, "/v1/providers", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if strings.Contains(body, "sk-abcdefghijklmnop") {
		t.Error("raw api_key leaked in listing")
	}
	if !strings.Contains(body, "sk-a****mnop") {
		t.Errorf("masked key missing, got: %s", body)
	}
}

// --- pricing ---

func TestPricingLifecycle(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	// Missing pair starts as 404.
	req := httptest.NewRequest(http.MethodGet, "/v1/pricing/siliconflow/DeepSeek-V3", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET before create: status = %d, want 404", rec.Code)
	}

	// Create.
	rec = postJSON(env.handler, "/v1/pricing",
		`{"name":"siliconflow","model":"DeepSeek-V3","prompt_token_price":0.001,"completion_token_price":0.002}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST: status = %d, body = %s", rec.Code, rec.Body.String())
	}

	// Current price is now served.
	req = httptest.NewRequest(http.MethodGet, "/v1/pricing/siliconflow/DeepSeek-V3", nil)
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET after create: status = %d", rec.Code)
	}
	var got gateway.ModelPricing
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.PromptTokenPrice != 0.001 {
		t.Errorf("prompt price = %v, want 0.001", got.PromptTokenPrice)
	}
	if got.Currency != "CNY" {
		t.Errorf("currency = %q, want default CNY", got.Currency)
	}

	// Update inserts a new row; the pair now resolves to the new price and
	// history keeps both rows.
	upd := httptest.NewRequest(http.MethodPut, "/v1/pricing/siliconflow/DeepSeek-V3",
		strings.NewReader(`{"prompt_token_price":0.005,"completion_token_price":0.006}`))
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, upd)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT: status = %d, body = %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/pricing", nil)
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	var list []gateway.ModelPricing
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("price rows = %d, want 2 (history preserved)", len(list))
	}

	cur, err := env.pricing.CurrentPricing(context.Background(), "siliconflow", "DeepSeek-V3")
	if err != nil {
		t.Fatalf("CurrentPricing: %v", err)
	}
	if cur.PromptTokenPrice != 0.005 {
		t.Errorf("current prompt price = %v, want 0.005", cur.PromptTokenPrice)
	}
}

func TestPricingValidation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	rec := postJSON(env.handler, "/v1/pricing", `{"model":"DeepSeek-V3","prompt_token_price":0.001}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing name: status = %d, want 400", rec.Code)
	}

	rec = postJSON(env.handler, "/v1/pricing",
		`{"name":"x","model":"y","prompt_token_price":-1,"completion_token_price":0}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("negative price: status = %d, want 400", rec.Code)
	}
}
