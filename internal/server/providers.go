package server

import (
	"encoding/json"
	"net/http"
	"time"

	gateway "github.com/Dolores18/api-manager/internal"
	"github.com/Dolores18/api-manager/internal/app"
)

func (s *server) handleAdmitProvider(w http.ResponseWriter, r *http.Request) {
	var req app.AdmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body: "+err.Error()))
		return
	}

	out, err := s.deps.Admitter.Admit(r.Context(), []app.AdmitRequest{req})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}
	if len(out.Success) == 0 {
		writeJSON(w, http.StatusBadRequest, out)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// handleAdmitBatch admits many keys at once. Partial failure is reported in
// the body, not the status code.
func (s *server) handleAdmitBatch(w http.ResponseWriter, r *http.Request) {
	var batch struct {
		Providers []app.AdmitRequest `json:"providers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body: "+err.Error()))
		return
	}
	if len(batch.Providers) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse("empty batch"))
		return
	}

	out, err := s.deps.Admitter.Admit(r.Context(), batch.Providers)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// providerView is the redacted listing shape; raw api_keys never leave the
// process.
type providerView struct {
	ID                  string                 `json:"id"`
	Name                string                 `json:"name"`
	Type                gateway.ProviderType   `json:"provider_type"`
	BaseURL             string                 `json:"base_url"`
	APIKey              string                 `json:"api_key"`
	Status              gateway.ProviderStatus `json:"status"`
	RateLimit           int                    `json:"rate_limit"`
	Balance             *float64               `json:"balance"`
	LastBalanceCheck    *time.Time             `json:"last_balance_check"`
	MinBalanceThreshold float64                `json:"min_balance_threshold"`
	SupportBalanceCheck bool                   `json:"support_balance_check"`
	ModelName           string                 `json:"model_name"`
	CreatedAt           time.Time              `json:"created_at"`
}

func (s *server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	rows, err := s.deps.Providers.ListActiveProviders(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}

	views := make([]providerView, len(rows))
	for i, p := range rows {
		views[i] = providerView{
			ID:                  p.ID,
			Name:                p.Name,
			Type:                p.Type,
			BaseURL:             p.BaseURL,
			APIKey:              maskKey(p.APIKey),
			Status:              p.Status,
			RateLimit:           p.RateLimit,
			Balance:             p.Balance,
			LastBalanceCheck:    p.LastBalanceCheck,
			MinBalanceThreshold: p.MinBalanceThreshold,
			SupportBalanceCheck: p.SupportBalanceCheck,
			ModelName:           p.ModelName,
			CreatedAt:           p.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, views)
}

// maskKey redacts all but the edges of a credential.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}
