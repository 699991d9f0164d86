// Package gateway defines domain types and interfaces for the api-manager
// LLM aggregation gateway. This package has no project imports -- it is the
// dependency root.
package gateway

import (
	"context"
	"encoding/json"
	"time"
)

// --- Provider ---

// ProviderType identifies the upstream vendor a credential belongs to.
// Values other than the named constants are treated as custom types.
type ProviderType string

const (
	ProviderOpenAI    ProviderType = "OpenAI"
	ProviderAnthropic ProviderType = "Anthropic"
	ProviderDeepSeek  ProviderType = "DeepSeek"
	ProviderMistralAI ProviderType = "MistralAI"
)

// DefaultBaseURL returns the chat-completions endpoint for a known provider
// type, or "" for custom types (the caller must supply base_url).
func (t ProviderType) DefaultBaseURL() string {
	switch t {
	case ProviderOpenAI:
		return "https://api.openai.com/v1/chat/completions"
	case ProviderAnthropic:
		return "https://api.anthropic.com/v1/messages"
	case ProviderDeepSeek:
		return "https://api.siliconflow.cn/v1/chat/completions"
	case ProviderMistralAI:
		return "https://api.mistral.ai/v1/chat/completions"
	default:
		return ""
	}
}

// ProviderStatus is the lifecycle state of a provider credential.
type ProviderStatus string

const (
	StatusActive      ProviderStatus = "Active"
	StatusInactive    ProviderStatus = "Inactive"
	StatusLimited     ProviderStatus = "Limited"
	StatusMaintenance ProviderStatus = "Maintenance"
)

// Provider is a single upstream credential. api_key is the natural key for
// dedupe, update, and eviction; id is an opaque UUID kept stable across
// upserts.
type Provider struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Type       ProviderType `json:"provider_type"`
	IsOfficial bool         `json:"is_official"`
	BaseURL    string       `json:"base_url"`
	APIKey     string       `json:"api_key"`

	Status ProviderStatus `json:"status"`

	// RateLimit doubles as the maximum number of concurrent in-flight
	// requests against this key (the pool's semaphore size).
	RateLimit int `json:"rate_limit"`

	// Balance is the current credit. nil means the credential was verified
	// as invalid (upstream 401) and is awaiting eviction.
	Balance             *float64   `json:"balance"`
	LastBalanceCheck    *time.Time `json:"last_balance_check"`
	MinBalanceThreshold float64    `json:"min_balance_threshold"`
	SupportBalanceCheck bool       `json:"support_balance_check"`

	ModelName    string `json:"model_name"`
	ModelType    string `json:"model_type"`
	ModelVersion string `json:"model_version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Available reports whether the provider may be selected for dispatch:
// Active, and either balance checking is disabled or the balance meets the
// minimum threshold. A nil balance is never sufficient.
func (p *Provider) Available() bool {
	if p.Status != StatusActive {
		return false
	}
	if !p.SupportBalanceCheck {
		return true
	}
	return p.Balance != nil && *p.Balance >= p.MinBalanceThreshold
}

// --- Usage accounting ---

// CallStatus classifies the outcome of one upstream call attempt.
type CallStatus string

const (
	CallSuccess        CallStatus = "Success"
	CallPartialSuccess CallStatus = "PartialSuccess"
	CallError          CallStatus = "Error"
	CallRateLimited    CallStatus = "RateLimited"
	CallTimeout        CallStatus = "Timeout"
	CallInvalidRequest CallStatus = "InvalidRequest"
)

// UsageRecord is one append-only accounting row per finished call attempt.
// ProviderAPIKey is a free string, not a foreign key: the provider row may
// be evicted while its usage rows remain.
type UsageRecord struct {
	ID               string     `json:"id"`
	ProviderAPIKey   string     `json:"provider_api_key"`
	RequestTime      time.Time  `json:"request_time"`
	Model            string     `json:"model"`
	PromptTokens     int        `json:"prompt_tokens"`
	CompletionTokens int        `json:"completion_tokens"`
	TotalTokens      int        `json:"total_tokens"`
	Status           CallStatus `json:"status"`
	ClientIP         string     `json:"client_ip"`
	RequestID        string     `json:"request_id,omitempty"`
}

// --- Model pricing ---

// ModelPricing is one history-preserving price row per (name, model).
// Prices are per 1,000 tokens. Updates insert a new row; the current price
// is the row with the latest effective_date.
type ModelPricing struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	Model                string    `json:"model"`
	PromptTokenPrice     float64   `json:"prompt_token_price"`
	CompletionTokenPrice float64   `json:"completion_token_price"`
	Currency             string    `json:"currency"`
	EffectiveDate        time.Time `json:"effective_date"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Cost returns the price of a call in the pricing row's currency.
func (m *ModelPricing) Cost(promptTokens, completionTokens int) float64 {
	return float64(promptTokens)*m.PromptTokenPrice/1000.0 +
		float64(completionTokens)*m.CompletionTokenPrice/1000.0
}

// --- OpenAI-compatible wire types ---

// DefaultModel is used when a chat request omits the model field.
const DefaultModel = "DeepSeek-V3"

// Message is a single chat message. Refusal is a Grok extension that
// round-trips when present.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Refusal string `json:"refusal,omitempty"`
}

// ChatRequest is the body accepted on /v1/chat/completions.
type ChatRequest struct {
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   *uint32   `json:"max_tokens,omitempty"`
	Temperature *float32  `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// UpstreamRequest is the body sent verbatim to every provider type.
type UpstreamRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   *uint32   `json:"max_tokens,omitempty"`
	Temperature float32   `json:"temperature"`
	Stream      bool      `json:"stream"`
}

const (
	defaultMaxTokens   uint32  = 1000
	defaultTemperature float32 = 0.7
)

// BuildUpstreamRequest applies the wire defaults: max_tokens 1000 when the
// caller set none, temperature 0.7, and the resolved model name.
func BuildUpstreamRequest(req *ChatRequest, model string, stream bool) *UpstreamRequest {
	maxTokens := req.MaxTokens
	if maxTokens == nil {
		v := defaultMaxTokens
		maxTokens = &v
	}
	temperature := defaultTemperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	return &UpstreamRequest{
		Model:       model,
		Messages:    req.Messages,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Stream:      stream,
	}
}

// Usage is the token accounting triple reported by upstreams. The details
// fields are Grok extensions carried as opaque JSON.
type Usage struct {
	PromptTokens            int             `json:"prompt_tokens"`
	CompletionTokens        int             `json:"completion_tokens"`
	TotalTokens             int             `json:"total_tokens"`
	PromptTokensDetails     json.RawMessage `json:"prompt_tokens_details,omitempty"`
	CompletionTokensDetails json.RawMessage `json:"completion_tokens_details,omitempty"`
	NumSourcesUsed          *uint32         `json:"num_sources_used,omitempty"`
}

// Choice is a single completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// ChatResponse is the OpenAI-shaped upstream response, forwarded verbatim
// to the caller. system_fingerprint is a Grok extension.
type ChatResponse struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	Choices           []Choice `json:"choices"`
	Usage             Usage    `json:"usage"`
	SystemFingerprint string   `json:"system_fingerprint,omitempty"`
}

// --- Load balancing ---

// Strategy selects among available providers.
type Strategy string

const (
	RoundRobin       Strategy = "RoundRobin"
	LeastConnections Strategy = "LeastConnections"
	LeastTokens      Strategy = "LeastTokens"
)

// StrategyCascade is the fixed order the dispatcher tries on failure.
var StrategyCascade = [3]Strategy{RoundRobin, LeastConnections, LeastTokens}

// --- Context keys ---

type contextKey int

const ctxKeyRequestID contextKey = 0

// RequestIDFromContext extracts the request ID from ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}
