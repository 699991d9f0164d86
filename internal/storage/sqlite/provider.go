package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/Dolores18/api-manager/internal"
	"github.com/Dolores18/api-manager/internal/storage"
)

const providerColumns = `id, name, provider_type, is_official, base_url, api_key,
	 status, rate_limit, balance, last_balance_check, min_balance_threshold,
	 support_balance_check, model_name, model_type, model_version, created_at, updated_at`

// UpsertProvider inserts a provider row, or replaces the row with the same
// api_key. The COALESCE subselects keep the existing id and created_at so an
// upsert never changes a credential's identity or age.
func (s *Store) UpsertProvider(ctx context.Context, p *gateway.Provider) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT OR REPLACE INTO api_providers (`+providerColumns+`)
		 VALUES (
			COALESCE((SELECT id FROM api_providers WHERE api_key = ?), ?),
			?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
			COALESCE((SELECT created_at FROM api_providers WHERE api_key = ?), ?),
			?
		 )`,
		p.APIKey, p.ID,
		p.Name, string(p.Type), boolToInt(p.IsOfficial), p.BaseURL, p.APIKey,
		string(p.Status), p.RateLimit, nullFloat(p.Balance), nullTime(p.LastBalanceCheck),
		p.MinBalanceThreshold, boolToInt(p.SupportBalanceCheck),
		p.ModelName, p.ModelType, p.ModelVersion,
		p.APIKey, formatTime(p.CreatedAt),
		formatTime(p.UpdatedAt),
	)
	return err
}

// GetProviderByKey retrieves a provider by its api_key.
func (s *Store) GetProviderByKey(ctx context.Context, apiKey string) (*gateway.Provider, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+providerColumns+` FROM api_providers WHERE api_key = ?`, apiKey,
	)
	return scanProvider(row)
}

// ListActiveProviders returns all rows with status = 'Active', newest first.
func (s *Store) ListActiveProviders(ctx context.Context) ([]*gateway.Provider, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+providerColumns+` FROM api_providers
		 WHERE status = 'Active' ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var providers []*gateway.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

// UpdateBalance writes a freshly checked balance and check timestamp.
func (s *Store) UpdateBalance(ctx context.Context, apiKey string, balance float64, checkedAt time.Time) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE api_providers SET balance = ?, last_balance_check = ? WHERE api_key = ?`,
		balance, formatTime(checkedAt), apiKey,
	)
	return err
}

// MarkBalanceInvalid nulls the balance so the next eviction pass removes the row.
func (s *Store) MarkBalanceInvalid(ctx context.Context, apiKey string, checkedAt time.Time) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE api_providers SET balance = NULL, last_balance_check = ? WHERE api_key = ?`,
		formatTime(checkedAt), apiKey,
	)
	return err
}

// EvictExhaustedProviders deletes rows with a zero balance and rows with a
// NULL balance (verified-invalid keys), both only when the row participates
// in balance checking.
func (s *Store) EvictExhaustedProviders(ctx context.Context) (storage.EvictionCounts, error) {
	var counts storage.EvictionCounts

	res, err := s.write.ExecContext(ctx,
		`DELETE FROM api_providers WHERE balance = 0.0 AND support_balance_check = 1`,
	)
	if err != nil {
		return counts, err
	}
	counts.ZeroBalance, _ = res.RowsAffected()

	res, err = s.write.ExecContext(ctx,
		`DELETE FROM api_providers WHERE balance IS NULL AND support_balance_check = 1`,
	)
	if err != nil {
		return counts, err
	}
	counts.Invalid, _ = res.RowsAffected()

	return counts, nil
}

// DeleteProvider removes a provider row by api_key. Deleting a missing row
// is not an error.
func (s *Store) DeleteProvider(ctx context.Context, apiKey string) error {
	_, err := s.write.ExecContext(ctx, `DELETE FROM api_providers WHERE api_key = ?`, apiKey)
	return err
}

func scanProvider(sc scanner) (*gateway.Provider, error) {
	var p gateway.Provider
	var typ, status string
	var isOfficial, supportCheck int
	var balance sql.NullFloat64
	var lastCheck sql.NullString
	var createdAt, updatedAt string

	err := sc.Scan(
		&p.ID, &p.Name, &typ, &isOfficial, &p.BaseURL, &p.APIKey,
		&status, &p.RateLimit, &balance, &lastCheck, &p.MinBalanceThreshold,
		&supportCheck, &p.ModelName, &p.ModelType, &p.ModelVersion,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	p.Type = gateway.ProviderType(typ)
	p.Status = gateway.ProviderStatus(status)
	p.IsOfficial = isOfficial != 0
	p.SupportBalanceCheck = supportCheck != 0
	if balance.Valid {
		p.Balance = &balance.Float64
	}
	if lastCheck.Valid {
		if t, e := time.Parse(time.RFC3339, lastCheck.String); e == nil {
			p.LastBalanceCheck = &t
		}
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
