package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	gateway "github.com/Dolores18/api-manager/internal"
	"github.com/Dolores18/api-manager/internal/pool"
	"github.com/Dolores18/api-manager/internal/storage"
)

// Admission defaults applied when a registration omits the field.
const (
	defaultRateLimit    = 10
	defaultMinBalance   = 1.0
	defaultModelType    = "ChatCompletion"
	defaultModelVersion = "v3"
)

// BalanceVerifier checks a credential's balance without persisting anything.
type BalanceVerifier interface {
	Verify(ctx context.Context, p *gateway.Provider) (float64, error)
}

// AdmitRequest is one credential offered for registration. Zero-valued
// optional fields take the admission defaults.
type AdmitRequest struct {
	Name                string               `json:"name"`
	Type                gateway.ProviderType `json:"provider_type"`
	APIKey              string               `json:"api_key"`
	BaseURL             string               `json:"base_url"`
	ModelName           string               `json:"model_name"`
	RateLimit           *int                 `json:"rate_limit"`
	MinBalanceThreshold *float64             `json:"min_balance_threshold"`
	SupportBalanceCheck *bool                `json:"support_balance_check"`
	IsOfficial          bool                 `json:"is_official"`
}

// AdmitSuccess describes one admitted credential. ID and CreatedAt come
// from the persisted row, so a re-admission reports the preserved identity.
type AdmitSuccess struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	APIKey    string    `json:"api_key"`
	Model     string    `json:"model"`
	Balance   float64   `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
}

// AdmitFailure describes one rejected credential.
type AdmitFailure struct {
	Name   string `json:"name"`
	APIKey string `json:"api_key"`
	Error  string `json:"error"`
}

// AdmitOutcome is the per-key result of a batch admission. Partial success
// is normal; the pool is rebuilt when at least one key was admitted.
type AdmitOutcome struct {
	Success []AdmitSuccess `json:"success"`
	Failed  []AdmitFailure `json:"failed"`
}

// Admitter validates and registers provider credentials: it verifies the
// balance upstream before any row is written, rejects keys below their
// threshold, upserts survivors, and rebuilds the pool.
type Admitter struct {
	store    storage.ProviderStore
	verifier BalanceVerifier
	pool     *pool.Pool
	maxPool  int
}

// NewAdmitter wires an Admitter. maxPool <= 0 disables the size cap.
func NewAdmitter(store storage.ProviderStore, verifier BalanceVerifier, p *pool.Pool, maxPool int) *Admitter {
	return &Admitter{store: store, verifier: verifier, pool: p, maxPool: maxPool}
}

// normalize fills defaults and returns the provider record to admit.
func normalize(req *AdmitRequest) (*gateway.Provider, error) {
	if req.APIKey == "" {
		return nil, fmt.Errorf("%w: api_key is required", gateway.ErrInvalidRequest)
	}
	baseURL := req.BaseURL
	if baseURL == "" {
		baseURL = req.Type.DefaultBaseURL()
	}
	if baseURL == "" {
		return nil, fmt.Errorf("%w: base_url is required for provider type %q", gateway.ErrInvalidRequest, req.Type)
	}

	id := uuid.New().String()
	name := req.Name
	if name == "" {
		name = fmt.Sprintf("%s-%s", strings.ToLower(string(req.Type)), id[len(id)-8:])
	}
	if req.ModelName == "" {
		return nil, fmt.Errorf("%w: model_name is required", gateway.ErrInvalidRequest)
	}
	rateLimit := defaultRateLimit
	if req.RateLimit != nil {
		rateLimit = *req.RateLimit
	}
	if rateLimit < 1 {
		return nil, fmt.Errorf("%w: rate_limit must be >= 1", gateway.ErrInvalidRequest)
	}
	threshold := defaultMinBalance
	if req.MinBalanceThreshold != nil {
		threshold = *req.MinBalanceThreshold
	}
	if threshold < 0 {
		return nil, fmt.Errorf("%w: min_balance_threshold must be >= 0", gateway.ErrInvalidRequest)
	}
	supportCheck := true
	if req.SupportBalanceCheck != nil {
		supportCheck = *req.SupportBalanceCheck
	}

	now := time.Now()
	return &gateway.Provider{
		ID:                  id,
		Name:                name,
		Type:                req.Type,
		IsOfficial:          req.IsOfficial,
		BaseURL:             baseURL,
		APIKey:              req.APIKey,
		Status:              gateway.StatusActive,
		RateLimit:           rateLimit,
		MinBalanceThreshold: threshold,
		SupportBalanceCheck: supportCheck,
		ModelName:           req.ModelName,
		ModelType:           defaultModelType,
		ModelVersion:        defaultModelVersion,
		CreatedAt:           now,
		UpdatedAt:           now,
	}, nil
}

// admitOne validates and persists a single credential.
func (a *Admitter) admitOne(ctx context.Context, req *AdmitRequest) (*AdmitSuccess, error) {
	p, err := normalize(req)
	if err != nil {
		return nil, err
	}

	var balance float64
	if p.SupportBalanceCheck {
		balance, err = a.verifier.Verify(ctx, p)
		if err != nil {
			return nil, err
		}
		if balance < p.MinBalanceThreshold {
			return nil, fmt.Errorf("%w: 余额不足: %.4f < %.4f",
				gateway.ErrInsufficientBalance, balance, p.MinBalanceThreshold)
		}
		p.Balance = &balance
		now := time.Now()
		p.LastBalanceCheck = &now
	}

	if err := a.store.UpsertProvider(ctx, p); err != nil {
		return nil, fmt.Errorf("persist provider: %w", err)
	}
	// The upsert preserves an existing row's id and created_at; report the
	// stored identity, not the freshly generated one.
	if row, err := a.store.GetProviderByKey(ctx, p.APIKey); err == nil {
		p.ID = row.ID
		p.CreatedAt = row.CreatedAt
	}
	return &AdmitSuccess{
		ID:        p.ID,
		Name:      p.Name,
		APIKey:    p.APIKey,
		Model:     p.ModelName,
		Balance:   balance,
		CreatedAt: p.CreatedAt,
	}, nil
}

// Admit processes a batch of registrations. Each key is verified and
// persisted independently; one rejection never aborts the batch. The pool is
// rebuilt from the store exactly once when anything was admitted.
func (a *Admitter) Admit(ctx context.Context, reqs []AdmitRequest) (*AdmitOutcome, error) {
	out := &AdmitOutcome{}
	for i := range reqs {
		req := &reqs[i]
		if a.maxPool > 0 && a.pool.Len()+len(out.Success) >= a.maxPool {
			out.Failed = append(out.Failed, AdmitFailure{
				Name:   failureName(req),
				APIKey: req.APIKey,
				Error:  "provider pool is full",
			})
			continue
		}

		res, err := a.admitOne(ctx, req)
		if err != nil {
			out.Failed = append(out.Failed, AdmitFailure{
				Name:   failureName(req),
				APIKey: req.APIKey,
				Error:  err.Error(),
			})
			slog.LogAttrs(ctx, slog.LevelWarn, "provider admission rejected",
				slog.String("name", failureName(req)),
				slog.String("error", err.Error()),
			)
			continue
		}
		out.Success = append(out.Success, *res)
		slog.LogAttrs(ctx, slog.LevelInfo, "provider admitted",
			slog.String("name", res.Name),
			slog.String("model", res.Model),
		)
	}

	if len(out.Success) > 0 {
		if err := a.rebuildPool(ctx); err != nil {
			return out, err
		}
	}
	return out, nil
}

// rebuildPool reloads the active rows and swaps the pool contents.
func (a *Admitter) rebuildPool(ctx context.Context) error {
	rows, err := a.store.ListActiveProviders(ctx)
	if err != nil {
		return fmt.Errorf("reload providers: %w", err)
	}
	providers := make([]gateway.Provider, len(rows))
	for i, p := range rows {
		providers[i] = *p
	}
	a.pool.Rebuild(providers)
	return nil
}

func failureName(req *AdmitRequest) string {
	if req.Name != "" {
		return req.Name
	}
	if req.Type != "" {
		return string(req.Type)
	}
	return "unnamed"
}
