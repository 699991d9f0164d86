package app

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	gateway "github.com/Dolores18/api-manager/internal"
	"github.com/Dolores18/api-manager/internal/pool"
	"github.com/Dolores18/api-manager/internal/storage"
)

type memStore struct {
	mu   sync.Mutex
	rows map[string]*gateway.Provider
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]*gateway.Provider)}
}

func (s *memStore) UpsertProvider(_ context.Context, p *gateway.Provider) error {
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

func (s *memStore) GetProviderByKey(_ context.Context, apiKey string) (*gateway.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[apiKey]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) ListActiveProviders(_ context.Context) ([]*gateway.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*gateway.Provider
	for _, p := range s.rows {
		if p.Status == gateway.StatusActive {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) UpdateBalance(_ context.Context, apiKey string, balance float64, checkedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.rows[apiKey]; ok {
		p.Balance = &balance
		p.LastBalanceCheck = &checkedAt
	}
	return nil
}

func (s *memStore) MarkBalanceInvalid(_ context.Context, apiKey string, checkedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.rows[apiKey]; ok {
		p.Balance = nil
		p.LastBalanceCheck = &checkedAt
	}
	return nil
}

func (s *memStore) EvictExhaustedProviders(_ context.Context) (storage.EvictionCounts, error) {
	return storage.EvictionCounts{}, nil
}

func (s *memStore) DeleteProvider(_ context.Context, apiKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, apiKey)
	return nil
}

func (s *memStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// fakeVerifier resolves balances by api_key.
type fakeVerifier struct {
	balances map[string]float64
	errs     map[string]error
}

func (f *fakeVerifier) Verify(_ context.Context, p *gateway.Provider) (float64, error) {
	if err, ok := f.errs[p.APIKey]; ok {
		return 0, err
	}
	return f.balances[p.APIKey], nil
}

func TestAdmitSuccess(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	pl := pool.New(nil)
	a := NewAdmitter(store, &fakeVerifier{balances: map[string]float64{"sk-1": 42.0}}, pl, 0)

	out, err := a.Admit(context.Background(), []AdmitRequest{{
		Type:      gateway.ProviderDeepSeek,
		APIKey:    "sk-1",
		ModelName: "DeepSeek-V3",
	}})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if len(out.Success) != 1 || len(out.Failed) != 0 {
		t.Fatalf("outcome = %+v, want one success", out)
	}
	if out.Success[0].Balance != 42.0 {
		t.Errorf("balance = %v, want 42.0", out.Success[0].Balance)
	}
	if out.Success[0].Model != "DeepSeek-V3" {
		t.Errorf("model = %q, want DeepSeek-V3", out.Success[0].Model)
	}
	if !strings.HasPrefix(out.Success[0].Name, "deepseek-") {
		t.Errorf("name = %q, want deepseek- prefix", out.Success[0].Name)
	}
	if out.Success[0].APIKey != "sk-1" {
		t.Errorf("api_key = %q, want sk-1", out.Success[0].APIKey)
	}
	if out.Success[0].ID == "" || out.Success[0].CreatedAt.IsZero() {
		t.Errorf("outcome missing identity: %+v", out.Success[0])
	}

	row, err := store.GetProviderByKey(context.Background(), "sk-1")
	if err != nil {
		t.Fatalf("GetProviderByKey: %v", err)
	}
	if row.RateLimit != 10 {
		t.Errorf("rate_limit = %d, want default 10", row.RateLimit)
	}
	if row.MinBalanceThreshold != 1.0 {
		t.Errorf("threshold = %v, want default 1.0", row.MinBalanceThreshold)
	}
	if row.BaseURL != gateway.ProviderDeepSeek.DefaultBaseURL() {
		t.Errorf("base_url = %q", row.BaseURL)
	}
	if row.Balance == nil || *row.Balance != 42.0 {
		t.Errorf("stored balance = %v, want 42.0", row.Balance)
	}

	if pl.Len() != 1 {
		t.Errorf("pool size = %d, want 1 after rebuild", pl.Len())
	}
}

func TestAdmitRejectsUnderfundedKey(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	pl := pool.New(nil)
	a := NewAdmitter(store, &fakeVerifier{balances: map[string]float64{"sk-low": 2.5}}, pl, 0)

	threshold := 5.0
	out, err := a.Admit(context.Background(), []AdmitRequest{{
		Name:                "low",
		Type:                gateway.ProviderDeepSeek,
		APIKey:              "sk-low",
		ModelName:           "DeepSeek-V3",
		MinBalanceThreshold: &threshold,
	}})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if len(out.Failed) != 1 || len(out.Success) != 0 {
		t.Fatalf("outcome = %+v, want one failure", out)
	}
	if !strings.Contains(out.Failed[0].Error, "余额不足: 2.5000 < 5.0000") {
		t.Errorf("error = %q, want insufficient-balance message", out.Failed[0].Error)
	}
	if out.Failed[0].APIKey != "sk-low" {
		t.Errorf("failed api_key = %q, want sk-low", out.Failed[0].APIKey)
	}
	if store.len() != 0 {
		t.Error("row inserted for a rejected key")
	}
	if pl.Len() != 0 {
		t.Error("pool rebuilt despite zero admissions")
	}
}

func TestAdmitBatchPartialSuccess(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	pl := pool.New(nil)
	a := NewAdmitter(store, &fakeVerifier{
		balances: map[string]float64{"sk-ok": 30.0},
		errs:     map[string]error{"sk-bad": gateway.ErrInvalidKey},
	}, pl, 0)

	out, err := a.Admit(context.Background(), []AdmitRequest{
		{Type: gateway.ProviderDeepSeek, APIKey: "sk-ok", ModelName: "DeepSeek-V3"},
		{Name: "bad", Type: gateway.ProviderDeepSeek, APIKey: "sk-bad", ModelName: "DeepSeek-V3"},
		{Name: "no-key", Type: gateway.ProviderDeepSeek, ModelName: "DeepSeek-V3"},
	})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if len(out.Success) != 1 || len(out.Failed) != 2 {
		t.Fatalf("outcome = %+v, want 1 success 2 failed", out)
	}
	if pl.Len() != 1 {
		t.Errorf("pool size = %d, want 1", pl.Len())
	}
}

func TestAdmitRequiresModelName(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	pl := pool.New(nil)
	a := NewAdmitter(store, &fakeVerifier{balances: map[string]float64{"sk-1": 42.0}}, pl, 0)

	out, err := a.Admit(context.Background(), []AdmitRequest{{
		Type:   gateway.ProviderDeepSeek,
		APIKey: "sk-1",
	}})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if len(out.Failed) != 1 || len(out.Success) != 0 {
		t.Fatalf("outcome = %+v, want one failure", out)
	}
	if !strings.Contains(out.Failed[0].Error, "model_name is required") {
		t.Errorf("error = %q, want model_name requirement", out.Failed[0].Error)
	}
	if store.len() != 0 {
		t.Error("row inserted despite missing model_name")
	}
}

func TestAdmitPreservesIdentityOnReadmission(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	pl := pool.New(nil)
	a := NewAdmitter(store, &fakeVerifier{balances: map[string]float64{"sk-1": 10.0}}, pl, 0)

	if _, err := a.Admit(context.Background(), []AdmitRequest{{Type: gateway.ProviderDeepSeek, APIKey: "sk-1", ModelName: "DeepSeek-V3"}}); err != nil {
		t.Fatalf("first Admit: %v", err)
	}
	first, _ := store.GetProviderByKey(context.Background(), "sk-1")

	out, err := a.Admit(context.Background(), []AdmitRequest{{Name: "renamed", Type: gateway.ProviderDeepSeek, APIKey: "sk-1", ModelName: "DeepSeek-V3"}})
	if err != nil {
		t.Fatalf("second Admit: %v", err)
	}
	second, _ := store.GetProviderByKey(context.Background(), "sk-1")

	if second.ID != first.ID {
		t.Errorf("id changed on readmission: %q -> %q", first.ID, second.ID)
	}
	// The outcome reports the preserved identity, not a fresh UUID.
	if len(out.Success) != 1 || out.Success[0].ID != first.ID {
		t.Errorf("outcome id = %+v, want the stored id %q", out.Success, first.ID)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Error("created_at changed on readmission")
	}
	if second.Name != "renamed" {
		t.Errorf("name = %q, want renamed", second.Name)
	}
	if store.len() != 1 {
		t.Errorf("rows = %d, want 1", store.len())
	}
}

func TestAdmitSkipsBalanceCheckWhenDisabled(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	pl := pool.New(nil)
	// Verifier that fails for every key; it must never be consulted.
	a := NewAdmitter(store, &fakeVerifier{errs: map[string]error{"sk-1": gateway.ErrBalanceCheck}}, pl, 0)

	off := false
	out, err := a.Admit(context.Background(), []AdmitRequest{{
		Type:                gateway.ProviderDeepSeek,
		APIKey:              "sk-1",
		ModelName:           "DeepSeek-V3",
		SupportBalanceCheck: &off,
	}})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if len(out.Success) != 1 {
		t.Fatalf("outcome = %+v, want one success", out)
	}
	row, _ := store.GetProviderByKey(context.Background(), "sk-1")
	if row.Balance != nil {
		t.Errorf("balance = %v, want nil for unchecked key", *row.Balance)
	}
}

func TestAdmitPoolCap(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	pl := pool.New(nil)
	a := NewAdmitter(store, &fakeVerifier{balances: map[string]float64{"sk-1": 10, "sk-2": 10}}, pl, 1)

	out, err := a.Admit(context.Background(), []AdmitRequest{
		{Type: gateway.ProviderDeepSeek, APIKey: "sk-1", ModelName: "DeepSeek-V3"},
		{Type: gateway.ProviderDeepSeek, APIKey: "sk-2", ModelName: "DeepSeek-V3"},
	})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if len(out.Success) != 1 || len(out.Failed) != 1 {
		t.Fatalf("outcome = %+v, want 1 success 1 failed", out)
	}
	if !strings.Contains(out.Failed[0].Error, "pool is full") {
		t.Errorf("error = %q, want pool full", out.Failed[0].Error)
	}
}
