package api

import (
	"encoding/json"
	"net/http"

	"github.com/wopr/platform/internal/credit"
)

// handleQuota reports the tenant's balance and active instance count
// for the worker fleet's admission checks.
func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant")
	if tenantID == "" {
		tenantID = ExtractTenantSubdomain(r.Host, s.platformDomain)
	}
	if tenantID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tenant required"})
		return
	}

	raw, err := s.balance(r.Context(), tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	active, err := s.stores.Bots.CountActiveByTenant(r.Context(), tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant":          tenantID,
		"balanceRaw":      raw,
		"balance":         credit.MustRaw(raw).String(),
		"activeInstances": active,
	})
}

// handleQuotaCheck answers 402 when the tenant has no credit left.
func (s *Server) handleQuotaCheck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tenant string `json:"tenant"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Tenant == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tenant required"})
		return
	}

	raw, err := s.balance(r.Context(), req.Tenant)
	if err != nil {
		writeError(w, err)
		return
	}
	if raw <= 0 {
		writeJSON(w, http.StatusPaymentRequired, map[string]interface{}{
			"error":      "insufficient_credits",
			"balanceRaw": raw,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "balanceRaw": raw})
}
