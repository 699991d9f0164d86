package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	gateway "github.com/Dolores18/api-manager/internal"
)

// pricingRequest is the body for creating or updating a price. A zero
// effective date means the price applies immediately.
type pricingRequest struct {
	Name                 string    `json:"name"`
	Model                string    `json:"model"`
	PromptTokenPrice     float64   `json:"prompt_token_price"`
	CompletionTokenPrice float64   `json:"completion_token_price"`
	Currency             string    `json:"currency"`
	EffectiveDate        time.Time `json:"effective_date"`
}

func (p *pricingRequest) validate() error {
	if p.Name == "" || p.Model == "" {
		return errors.New("name and model are required")
	}
	if p.PromptTokenPrice < 0 || p.CompletionTokenPrice < 0 {
		return errors.New("prices must be non-negative")
	}
	return nil
}

func (p *pricingRequest) toRow(name, model string) *gateway.ModelPricing {
	now := time.Now()
	effective := p.EffectiveDate
	if effective.IsZero() {
		effective = now
	}
	currency := p.Currency
	if currency == "" {
		currency = "CNY"
	}
	return &gateway.ModelPricing{
		ID:                   uuid.New().String(),
		Name:                 name,
		Model:                model,
		PromptTokenPrice:     p.PromptTokenPrice,
		CompletionTokenPrice: p.CompletionTokenPrice,
		Currency:             currency,
		EffectiveDate:        effective,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

func (s *server) handleCreatePricing(w http.ResponseWriter, r *http.Request) {
	var req pricingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body: "+err.Error()))
		return
	}
	if err := req.validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	row := req.toRow(req.Name, req.Model)
	if err := s.deps.Pricing.InsertPricing(r.Context(), row); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusCreated, row)
}

func (s *server) handleListPricing(w http.ResponseWriter, r *http.Request) {
	rows, err := s.deps.Pricing.ListPricing(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}
	if rows == nil {
		rows = []*gateway.ModelPricing{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *server) handleGetPricing(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	model := chi.URLParam(r, "model")

	row, err := s.deps.Pricing.CurrentPricing(r.Context(), name, model)
	if err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// handleUpdatePricing records a new price row for the pair; history rows are
// never mutated, so reads before the new effective date keep their answer.
func (s *server) handleUpdatePricing(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	model := chi.URLParam(r, "model")

	var req pricingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body: "+err.Error()))
		return
	}
	if req.PromptTokenPrice < 0 || req.CompletionTokenPrice < 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse("prices must be non-negative"))
		return
	}

	row := req.toRow(name, model)
	if err := s.deps.Pricing.InsertPricing(r.Context(), row); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, row)
}
