// Package balance refreshes provider credit balances from the upstream
// user-info endpoint and evicts exhausted or invalid keys.
package balance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	gateway "github.com/Dolores18/api-manager/internal"
	"github.com/Dolores18/api-manager/internal/storage"
)

// userInfoResponse is the balance document returned by provider user-info
// endpoints. The balance comes over the wire as a string.
type userInfoResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  bool   `json:"status"`
	Data    struct {
		ID           string `json:"id"`
		Name         string `json:"name"`
		Balance      string `json:"balance"`
		Status       string `json:"status"`
		TotalBalance string `json:"totalBalance"`
	} `json:"data"`
}

// Checker queries upstream balances and applies the eviction policy.
type Checker struct {
	client *http.Client
	store  storage.ProviderStore
}

// NewChecker creates a Checker. timeout bounds each per-key HTTP call.
func NewChecker(store storage.ProviderStore, timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Checker{
		client: &http.Client{Timeout: timeout},
		store:  store,
	}
}

// UserInfoURL derives the user-info endpoint from a chat base_url.
// SiliconFlow keys always resolve to the canonical host; anything else uses
// the prefix before "/v1/".
func UserInfoURL(baseURL string) (string, error) {
	if strings.Contains(baseURL, "siliconflow") {
		return "https://api.siliconflow.cn/v1/user/info", nil
	}
	prefix, _, found := strings.Cut(baseURL, "/v1/")
	if !found || prefix == "" {
		return "", fmt.Errorf("invalid base_url format: %q", baseURL)
	}
	return prefix + "/v1/user/info", nil
}

// fetchBalance performs the GET and parses the balance string.
// Returns gateway.ErrInvalidKey on HTTP 401.
func (c *Checker) fetchBalance(ctx context.Context, p *gateway.Provider) (float64, error) {
	url, err := UserInfoURL(p.BaseURL)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", gateway.ErrBalanceCheck, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", gateway.ErrBalanceCheck, err)
	}
	req.Header.Set("Authorization", "Bearer "+p.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", gateway.ErrBalanceCheck, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return 0, fmt.Errorf("%w: HTTP 401 Unauthorized", gateway.ErrInvalidKey)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("%w: HTTP %d", gateway.ErrBalanceCheck, resp.StatusCode)
	}

	var info userInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return 0, fmt.Errorf("%w: decode user info: %v", gateway.ErrBalanceCheck, err)
	}
	balance, err := strconv.ParseFloat(info.Data.Balance, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: parse balance %q: %v", gateway.ErrBalanceCheck, info.Data.Balance, err)
	}
	return balance, nil
}

// Verify checks a credential without touching the store. Used by admission
// before a key exists as a row. For keys with balance checking disabled it
// reports the current balance (zero when unset) and no error.
func (c *Checker) Verify(ctx context.Context, p *gateway.Provider) (float64, error) {
	if !p.SupportBalanceCheck {
		if p.Balance != nil {
			return *p.Balance, nil
		}
		return 0, nil
	}
	return c.fetchBalance(ctx, p)
}

// CheckAndUpdate refreshes one key's balance in the store. A 401 nulls the
// stored balance (flagging the row for the batch eviction pass); any other
// failure leaves the row untouched.
func (c *Checker) CheckAndUpdate(ctx context.Context, p *gateway.Provider) (float64, error) {
	if !p.SupportBalanceCheck {
		if p.Balance != nil {
			return *p.Balance, nil
		}
		return 0, nil
	}

	balance, err := c.fetchBalance(ctx, p)
	now := time.Now()
	if err != nil {
		if errors.Is(err, gateway.ErrInvalidKey) {
			if markErr := c.store.MarkBalanceInvalid(ctx, p.APIKey, now); markErr != nil {
				slog.LogAttrs(ctx, slog.LevelError, "mark balance invalid failed",
					slog.String("name", p.Name),
					slog.String("error", markErr.Error()),
				)
			}
		}
		return 0, err
	}

	if err := c.store.UpdateBalance(ctx, p.APIKey, balance, now); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "update balance failed",
			slog.String("name", p.Name),
			slog.String("error", err.Error()),
		)
	}
	return balance, nil
}

// CycleStats summarizes one reconciler pass.
type CycleStats struct {
	Total   int
	Checked int
	Failed  int
	Skipped int
	Evicted storage.EvictionCounts
}

// RunCycle performs one full reconciliation: refresh every active key that
// supports balance checking, then delete exhausted and invalid rows in a
// single batch pass, and return the surviving active rows for a pool
// rebuild. Evictions happen only after all checks so that a provider is
// either available for the whole cycle or gone after the rebuild.
func (c *Checker) RunCycle(ctx context.Context) ([]gateway.Provider, CycleStats, error) {
	var stats CycleStats

	rows, err := c.store.ListActiveProviders(ctx)
	if err != nil {
		return nil, stats, fmt.Errorf("load active providers: %w", err)
	}
	stats.Total = len(rows)

	for _, p := range rows {
		if !p.SupportBalanceCheck {
			stats.Skipped++
			continue
		}
		if _, err := c.CheckAndUpdate(ctx, p); err != nil {
			stats.Failed++
			slog.LogAttrs(ctx, slog.LevelWarn, "balance check failed",
				slog.String("name", p.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		stats.Checked++
	}

	stats.Evicted, err = c.store.EvictExhaustedProviders(ctx)
	if err != nil {
		return nil, stats, fmt.Errorf("evict providers: %w", err)
	}

	survivors, err := c.store.ListActiveProviders(ctx)
	if err != nil {
		return nil, stats, fmt.Errorf("reload providers: %w", err)
	}
	out := make([]gateway.Provider, len(survivors))
	for i, p := range survivors {
		out[i] = *p
	}
	return out, stats, nil
}
