package httpapi

import (
	"net/http"
	"time"

	"github.com/hushh-labs/consent-protocol-sub002/internal/audit"
	"github.com/hushh-labs/consent-protocol-sub002/internal/auth"
)

const (
	defaultTokenTTL = time.Hour
	maxTokenTTL     = 24 * time.Hour
)

type authTokenRequest struct {
	CallerID   string   `json:"caller_id"`
	Roles      []string `json:"roles,omitempty"`
	TTLSeconds int64    `json:"ttl_seconds,omitempty"`
}

// handleAuthToken mints a service-to-service JWT for internal callers.
// Exposure of this endpoint is gated at the deployment edge; within the
// mesh any component may mint an identity for itself.
func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req authTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.CallerID == "" {
		writeError(w, r, http.StatusBadRequest, "caller_id is required")
		return
	}
	ttl := defaultTokenTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	if ttl > maxTokenTTL {
		ttl = maxTokenTTL
	}
	token, err := auth.GenerateToken(req.CallerID, req.Roles, ttl)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.token", map[string]any{
		"caller_id":   req.CallerID,
		"roles":       req.Roles,
		"ttl_seconds": int64(ttl.Seconds()),
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_in": int64(ttl.Seconds()),
	})
}
