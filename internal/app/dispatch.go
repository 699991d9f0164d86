// Package app contains the gateway's request-path services: dispatch across
// the provider pool and admission of new credentials.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	gateway "github.com/Dolores18/api-manager/internal"
	"github.com/Dolores18/api-manager/internal/pool"
	"github.com/Dolores18/api-manager/internal/telemetry"
	"github.com/Dolores18/api-manager/internal/upstream"
)

// Recorder enqueues usage rows without blocking the request path.
type Recorder interface {
	Record(gateway.UsageRecord)
}

// Dispatcher routes chat requests across the pool. On failure it walks the
// strategy cascade, trying one provider per strategy, and reports the last
// error when every rung fails.
type Dispatcher struct {
	pool     *pool.Pool
	client   *upstream.Client
	recorder Recorder
	metrics  *telemetry.Metrics
}

// NewDispatcher wires a Dispatcher.
func NewDispatcher(p *pool.Pool, client *upstream.Client, recorder Recorder, metrics *telemetry.Metrics) *Dispatcher {
	return &Dispatcher{pool: p, client: client, recorder: recorder, metrics: metrics}
}

// Dispatch forwards a non-streaming chat request. The raw body is the
// upstream JSON verbatim, suitable for passthrough to the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, req *gateway.ChatRequest, clientIP string) (*gateway.ChatResponse, []byte, error) {
	model := req.Model
	if model == "" {
		model = gateway.DefaultModel
	}

	var lastErr error = gateway.ErrNoProvider
	for _, strategy := range gateway.StrategyCascade {
		p := d.pool.Select(model, strategy)
		if p == nil {
			continue
		}
		permit := d.pool.GetPermit(p.APIKey)
		if permit == nil {
			d.metrics.PermitRejections.WithLabelValues(string(strategy)).Inc()
			lastErr = fmt.Errorf("%w: %s", gateway.ErrPermitExhausted, p.Name)
			continue
		}

		start := time.Now()
		resp, raw, err := d.client.Call(ctx, p, gateway.BuildUpstreamRequest(req, model, false))
		permit.Release()
		d.metrics.UpstreamDuration.WithLabelValues(p.Name, model).Observe(time.Since(start).Seconds())

		if err != nil {
			d.metrics.UpstreamErrors.WithLabelValues(p.Name, string(gateway.CallError)).Inc()
			d.RecordOutcome(ctx, p, model, nil, gateway.CallError, clientIP)
			slog.LogAttrs(ctx, slog.LevelWarn, "dispatch attempt failed",
				slog.String("provider", p.Name),
				slog.String("strategy", string(strategy)),
				slog.String("error", err.Error()),
			)
			lastErr = err
			continue
		}

		d.RecordOutcome(ctx, p, model, &resp.Usage, gateway.CallSuccess, clientIP)
		return resp, raw, nil
	}
	return nil, nil, lastErr
}

// OpenStream selects a provider under round-robin and opens a streaming
// upstream call. The caller owns the permit and the response body; failures
// before the stream opens are recorded here.
func (d *Dispatcher) OpenStream(ctx context.Context, req *gateway.ChatRequest, clientIP string) (*gateway.Provider, *pool.Permit, *http.Response, error) {
	model := req.Model
	if model == "" {
		model = gateway.DefaultModel
	}

	p := d.pool.Select(model, gateway.RoundRobin)
	if p == nil {
		return nil, nil, nil, gateway.ErrNoProvider
	}
	permit := d.pool.GetPermit(p.APIKey)
	if permit == nil {
		d.metrics.PermitRejections.WithLabelValues(string(gateway.RoundRobin)).Inc()
		return nil, nil, nil, fmt.Errorf("%w: %s", gateway.ErrPermitExhausted, p.Name)
	}

	resp, err := d.client.Stream(ctx, p, gateway.BuildUpstreamRequest(req, model, true))
	if err != nil {
		permit.Release()
		d.metrics.UpstreamErrors.WithLabelValues(p.Name, string(gateway.CallError)).Inc()
		d.RecordOutcome(ctx, p, model, nil, gateway.CallError, clientIP)
		return nil, nil, nil, err
	}
	return p, permit, resp, nil
}

// RecordOutcome writes one accounting row for a finished call attempt and,
// when tokens were consumed, bumps the provider's in-memory tally. A nil
// usage records zero tokens.
func (d *Dispatcher) RecordOutcome(ctx context.Context, p *gateway.Provider, model string, usage *gateway.Usage, status gateway.CallStatus, clientIP string) {
	rec := gateway.UsageRecord{
		ProviderAPIKey: p.APIKey,
		RequestTime:    time.Now(),
		Model:          model,
		Status:         status,
		ClientIP:       clientIP,
		RequestID:      gateway.RequestIDFromContext(ctx),
	}
	if usage != nil {
		rec.PromptTokens = usage.PromptTokens
		rec.CompletionTokens = usage.CompletionTokens
		rec.TotalTokens = usage.TotalTokens
	}
	d.recorder.Record(rec)

	if usage != nil {
		d.pool.UpdateUsage(p.APIKey, usage.TotalTokens)
		d.metrics.TokensProcessed.WithLabelValues(model, "prompt").Add(float64(usage.PromptTokens))
		d.metrics.TokensProcessed.WithLabelValues(model, "completion").Add(float64(usage.CompletionTokens))
	}
}
