package sqlite

import (
	"context"

	gateway "github.com/Dolores18/api-manager/internal"
)

const pricingColumns = `id, name, model, prompt_token_price, completion_token_price,
	 currency, effective_date, created_at, updated_at`

// InsertPricing appends a price row. Price changes insert new rows rather
// than mutating history.
func (s *Store) InsertPricing(ctx context.Context, p *gateway.ModelPricing) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO model_pricing (`+pricingColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Model, p.PromptTokenPrice, p.CompletionTokenPrice,
		p.Currency, formatTime(p.EffectiveDate), formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	return err
}

// ListPricing returns all price rows, newest effective date first.
func (s *Store) ListPricing(ctx context.Context) ([]*gateway.ModelPricing, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+pricingColumns+` FROM model_pricing ORDER BY effective_date DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.ModelPricing
	for rows.Next() {
		p, err := scanPricing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CurrentPricing returns the latest-effective price for (name, model).
func (s *Store) CurrentPricing(ctx context.Context, name, model string) (*gateway.ModelPricing, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+pricingColumns+` FROM model_pricing
		 WHERE name = ? AND model = ?
		 ORDER BY effective_date DESC LIMIT 1`, name, model,
	)
	return scanPricing(row)
}

func scanPricing(sc scanner) (*gateway.ModelPricing, error) {
	var p gateway.ModelPricing
	var effective, created, updated string
	err := sc.Scan(
		&p.ID, &p.Name, &p.Model, &p.PromptTokenPrice, &p.CompletionTokenPrice,
		&p.Currency, &effective, &created, &updated,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}
	p.EffectiveDate = parseTime(effective)
	p.CreatedAt = parseTime(created)
	p.UpdatedAt = parseTime(updated)
	return &p, nil
}
