// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"
	"time"

	gateway "github.com/Dolores18/api-manager/internal"
)

// EvictionCounts reports how many provider rows a batch eviction removed.
type EvictionCounts struct {
	ZeroBalance int64
	Invalid     int64
}

// ProviderStore manages provider credential persistence. api_key is the
// natural key for update and eviction.
type ProviderStore interface {
	// UpsertProvider inserts p, or replaces the row with the same api_key
	// while preserving its id and created_at.
	UpsertProvider(ctx context.Context, p *gateway.Provider) error
	GetProviderByKey(ctx context.Context, apiKey string) (*gateway.Provider, error)
	// ListActiveProviders returns rows with status = 'Active', newest first.
	ListActiveProviders(ctx context.Context) ([]*gateway.Provider, error)
	// UpdateBalance writes a freshly checked balance and check time.
	UpdateBalance(ctx context.Context, apiKey string, balance float64, checkedAt time.Time) error
	// MarkBalanceInvalid nulls the balance, flagging the key for eviction.
	MarkBalanceInvalid(ctx context.Context, apiKey string, checkedAt time.Time) error
	// EvictExhaustedProviders deletes, in one pass, rows with balance = 0 and
	// rows with balance IS NULL, both restricted to support_balance_check = 1.
	EvictExhaustedProviders(ctx context.Context) (EvictionCounts, error)
	DeleteProvider(ctx context.Context, apiKey string) error
}

// UsageStore manages append-only usage accounting rows.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []gateway.UsageRecord) error
	ListUsageByKey(ctx context.Context, apiKey string, limit int) ([]gateway.UsageRecord, error)
}

// PricingStore manages history-preserving model price rows.
type PricingStore interface {
	// InsertPricing always inserts a new row; price history is never mutated.
	InsertPricing(ctx context.Context, p *gateway.ModelPricing) error
	ListPricing(ctx context.Context) ([]*gateway.ModelPricing, error)
	// CurrentPricing returns the (name, model) row with the latest
	// effective_date, or gateway.ErrNotFound.
	CurrentPricing(ctx context.Context, name, model string) (*gateway.ModelPricing, error)
}

// Store combines all storage interfaces.
type Store interface {
	ProviderStore
	UsageStore
	PricingStore
	Ping(ctx context.Context) error
	Close() error
}
