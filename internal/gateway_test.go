package gateway

import (
	"testing"
	"time"
)

func TestProviderAvailable(t *testing.T) {
	t.Parallel()

	balance := func(v float64) *float64 { return &v }

	tests := []struct {
		name string
		p    Provider
		want bool
	}{
		{
			name: "active with sufficient balance",
			p: Provider{
				Status: StatusActive, SupportBalanceCheck: true,
				Balance: balance(5), MinBalanceThreshold: 1,
			},
			want: true,
		},
		{
			name: "balance exactly at threshold",
			p: Provider{
				Status: StatusActive, SupportBalanceCheck: true,
				Balance: balance(1), MinBalanceThreshold: 1,
			},
			want: true,
		},
		{
			name: "balance below threshold",
			p: Provider{
				Status: StatusActive, SupportBalanceCheck: true,
				Balance: balance(0.5), MinBalanceThreshold: 1,
			},
			want: false,
		},
		{
			name: "nil balance never passes",
			p: Provider{
				Status: StatusActive, SupportBalanceCheck: true,
				MinBalanceThreshold: 0,
			},
			want: false,
		},
		{
			name: "check disabled ignores balance",
			p:    Provider{Status: StatusActive},
			want: true,
		},
		{
			name: "inactive",
			p: Provider{
				Status: StatusInactive, SupportBalanceCheck: true,
				Balance: balance(100), MinBalanceThreshold: 1,
			},
			want: false,
		},
		{
			name: "maintenance",
			p:    Provider{Status: StatusMaintenance},
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.p.Available(); got != tt.want {
				t.Errorf("Available() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuildUpstreamRequest(t *testing.T) {
	t.Parallel()

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()
		req := &ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}}
		out := BuildUpstreamRequest(req, DefaultModel, false)

		if out.Model != DefaultModel {
			t.Errorf("model = %q, want %q", out.Model, DefaultModel)
		}
		if out.MaxTokens == nil || *out.MaxTokens != 1000 {
			t.Errorf("max_tokens = %v, want 1000", out.MaxTokens)
		}
		if out.Temperature != 0.7 {
			t.Errorf("temperature = %v, want 0.7", out.Temperature)
		}
		if out.Stream {
			t.Error("stream should be false")
		}
	})

	t.Run("caller values win", func(t *testing.T) {
		t.Parallel()
		maxTokens := uint32(50)
		temperature := float32(0.2)
		req := &ChatRequest{
			Messages:    []Message{{Role: "user", Content: "hi"}},
			MaxTokens:   &maxTokens,
			Temperature: &temperature,
		}
		out := BuildUpstreamRequest(req, "other-model", true)

		if *out.MaxTokens != 50 {
			t.Errorf("max_tokens = %d, want 50", *out.MaxTokens)
		}
		if out.Temperature != 0.2 {
			t.Errorf("temperature = %v, want 0.2", out.Temperature)
		}
		if !out.Stream {
			t.Error("stream should be true")
		}
	})
}

func TestModelPricingCost(t *testing.T) {
	t.Parallel()

	p := ModelPricing{
		PromptTokenPrice:     0.004,
		CompletionTokenPrice: 0.016,
		EffectiveDate:        time.Now(),
	}
	got := p.Cost(1000, 500)
	want := 0.004 + 0.008
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Cost = %v, want %v", got, want)
	}
}

func TestDefaultBaseURL(t *testing.T) {
	t.Parallel()

	if got := ProviderDeepSeek.DefaultBaseURL(); got == "" {
		t.Error("DeepSeek has no default base URL")
	}
	if got := ProviderType("Custom").DefaultBaseURL(); got != "" {
		t.Errorf("custom type default = %q, want empty", got)
	}
}
