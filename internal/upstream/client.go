// Package upstream issues OpenAI-shaped chat requests to provider endpoints
// and extracts usage accounting from both JSON and SSE responses.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	gateway "github.com/Dolores18/api-manager/internal"
)

const (
	attemptTimeout = 300 * time.Second
	retryAttempts  = 3
	retryDelay     = 1 * time.Second
)

// Client calls provider chat endpoints. HTTP clients are cached per api_key
// so each credential gets an idle-connection pool sized to its rate_limit.
type Client struct {
	mu      sync.Mutex
	clients map[string]*http.Client

	// idleTimeout caps idle-connection age for all per-key pools.
	idleTimeout time.Duration
}

// NewClient creates a Client. idleTimeout <= 0 defaults to 60s.
func NewClient(idleTimeout time.Duration) *Client {
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}
	return &Client{
		clients:     make(map[string]*http.Client),
		idleTimeout: idleTimeout,
	}
}

// httpClientFor returns the per-key HTTP client, building one sized to the
// provider's concurrency cap on first use.
func (c *Client) httpClientFor(p *gateway.Provider) *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hc, ok := c.clients[p.APIKey]; ok {
		return hc
	}
	maxIdle := p.RateLimit
	if maxIdle < 1 {
		maxIdle = 1
	}
	hc := &http.Client{
		Timeout: attemptTimeout,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: maxIdle,
			IdleConnTimeout:     c.idleTimeout,
		},
	}
	c.clients[p.APIKey] = hc
	return hc
}

// Forget drops the cached HTTP client for a key, closing its idle
// connections. Called when a provider is evicted.
func (c *Client) Forget(apiKey string) {
	c.mu.Lock()
	hc, ok := c.clients[apiKey]
	delete(c.clients, apiKey)
	c.mu.Unlock()
	if ok {
		if t, isTransport := hc.Transport.(*http.Transport); isTransport {
			t.CloseIdleConnections()
		}
	}
}

// Call sends a non-streaming chat request to the provider's base_url with up
// to three attempts, sleeping one second between retries. Transport timeouts
// and non-2xx statuses are retried; any other transport error and any
// response-parse error is fatal. The returned raw body is the upstream JSON
// verbatim, alongside its decoded form.
func (c *Client) Call(ctx context.Context, p *gateway.Provider, req *gateway.UpstreamRequest) (*gateway.ChatResponse, []byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, nil, fmt.Errorf("upstream: marshal request: %w", err)
	}
	hc := c.httpClientFor(p)

	var lastErr error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL, bytes.NewReader(body))
		if err != nil {
			return nil, nil, fmt.Errorf("upstream: create request: %w", err)
		}
		setHeaders(httpReq, p.APIKey)

		resp, err := hc.Do(httpReq)
		if err != nil {
			if !isTimeout(err) {
				return nil, nil, fmt.Errorf("%w: %v", gateway.ErrUpstream, err)
			}
			lastErr = fmt.Errorf("%w: attempt %d timed out: %v", gateway.ErrUpstream, attempt, err)
			slog.LogAttrs(ctx, slog.LevelWarn, "upstream timeout",
				slog.String("base_url", p.BaseURL),
				slog.Int("attempt", attempt),
			)
			if attempt < retryAttempts {
				if err := sleepCtx(ctx, retryDelay); err != nil {
					return nil, nil, err
				}
			}
			continue
		}

		raw, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, nil, fmt.Errorf("%w: read response: %v", gateway.ErrUpstream, readErr)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			lastErr = fmt.Errorf("%w: status %d: %s", gateway.ErrUpstream, resp.StatusCode, truncate(raw, 256))
			slog.LogAttrs(ctx, slog.LevelWarn, "upstream non-2xx",
				slog.String("base_url", p.BaseURL),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt),
			)
			if attempt < retryAttempts {
				if err := sleepCtx(ctx, retryDelay); err != nil {
					return nil, nil, err
				}
			}
			continue
		}

		var out gateway.ChatResponse
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, nil, fmt.Errorf("upstream: decode response: %w", err)
		}
		return &out, raw, nil
	}

	if lastErr == nil {
		lastErr = gateway.ErrUpstream
	}
	return nil, nil, lastErr
}

// Stream opens a streaming chat request and returns the raw response on
// a 2xx status. The caller owns the body and must close it.
func (c *Client) Stream(ctx context.Context, p *gateway.Provider, req *gateway.UpstreamRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: create request: %w", err)
	}
	setHeaders(httpReq, p.APIKey)

	resp, err := c.httpClientFor(p).Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrUpstream, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d: %s", gateway.ErrUpstream, resp.StatusCode, truncate(raw, 256))
	}
	return resp, nil
}

func setHeaders(r *http.Request, apiKey string) {
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Authorization", "Bearer "+apiKey)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
