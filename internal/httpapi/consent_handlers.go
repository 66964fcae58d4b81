package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hushh-labs/consent-protocol-sub002/internal/audit"
	"github.com/hushh-labs/consent-protocol-sub002/internal/consent"
)

type issueRequest struct {
	SubjectID  string `json:"subject_id"`
	HolderID   string `json:"holder_id"`
	Scope      string `json:"scope"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
}

type issueResponse struct {
	Token   string               `json:"token"`
	Details consent.ConsentToken `json:"details"`
}

func (a *API) handleIssue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req issueRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	token, err := a.svc.Issue(r.Context(), req.SubjectID, req.HolderID, req.Scope, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		handleConsentError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "consent.issue", map[string]any{
		"subject_id": req.SubjectID,
		"holder_id":  req.HolderID,
		"scope":      req.Scope,
	})
	writeJSON(w, http.StatusCreated, issueResponse{Token: token.Encode(), Details: token})
}

type validateRequest struct {
	Token string `json:"token"`
	Scope string `json:"scope,omitempty"`
}

func (a *API) handleValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req validateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	v, err := a.svc.Validate(r.Context(), req.Token, req.Scope)
	if err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "revocation registry unavailable")
		return
	}
	// Validation outcomes are data, not transport failures; a failing
	// token still gets a 200 with ok=false and the reason.
	writeJSON(w, http.StatusOK, v)
}

type revokeRequest struct {
	Token       string `json:"token"`
	RequestorID string `json:"requestor_id,omitempty"`
}

func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req revokeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	token, err := a.svc.Revoke(r.Context(), req.Token, req.RequestorID)
	if err != nil {
		handleConsentError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "consent.revoke", map[string]any{
		"subject_id": token.SubjectID,
		"holder_id":  token.HolderID,
		"scope":      token.Scope,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"revoked":    true,
		"subject_id": token.SubjectID,
		"holder_id":  token.HolderID,
		"scope":      token.Scope,
	})
}

type createConsentRequest struct {
	SubjectID   string `json:"subject_id"`
	HolderID    string `json:"holder_id"`
	Scope       string `json:"scope"`
	Description string `json:"description,omitempty"`
}

func (a *API) handleRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req createConsentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	requestID, err := a.svc.Request(r.Context(), req.SubjectID, req.HolderID, req.Scope, req.Description)
	if err != nil {
		handleConsentError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "consent.request", map[string]any{
		"request_id": requestID,
		"subject_id": req.SubjectID,
		"holder_id":  req.HolderID,
		"scope":      req.Scope,
	})
	writeJSON(w, http.StatusCreated, map[string]any{
		"request_id": requestID,
		"status":     consent.StatusRequested,
	})
}

// handleRequestResource routes /v1/consent/request/{id} and its
// /approve and /deny sub-resources.
func (a *API) handleRequestResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/consent/request/")
	requestID, action, _ := strings.Cut(rest, "/")
	if requestID == "" {
		http.NotFound(w, r)
		return
	}
	switch action {
	case "":
		a.handleRequestStatus(w, r, requestID)
	case "approve":
		a.handleApprove(w, r, requestID)
	case "deny":
		a.handleDeny(w, r, requestID)
	default:
		http.NotFound(w, r)
	}
}

func (a *API) handleRequestStatus(w http.ResponseWriter, r *http.Request, requestID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	req, err := a.svc.RequestStatus(r.Context(), requestID)
	if err != nil {
		handleConsentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type approveRequest struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	Tag        string `json:"tag"`
	ExportKey  string `json:"export_key"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
}

func (a *API) handleApprove(w http.ResponseWriter, r *http.Request, requestID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req approveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	token, err := a.svc.Approve(r.Context(), requestID, consent.ExportPayload{
		Ciphertext: req.Ciphertext,
		IV:         req.IV,
		Tag:        req.Tag,
		ExportKey:  req.ExportKey,
		TTL:        time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		handleConsentError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "consent.approve", map[string]any{
		"request_id": requestID,
		"subject_id": token.SubjectID,
		"holder_id":  token.HolderID,
		"scope":      token.Scope,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": requestID,
		"status":     consent.StatusApproved,
		"token":      token.Encode(),
	})
}

func (a *API) handleDeny(w http.ResponseWriter, r *http.Request, requestID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := a.svc.Deny(r.Context(), requestID); err != nil {
		handleConsentError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "consent.deny", map[string]any{
		"request_id": requestID,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": requestID,
		"status":     consent.StatusDenied,
	})
}

func (a *API) handlePending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	subjectID := strings.TrimSpace(r.URL.Query().Get("subject_id"))
	if subjectID == "" {
		writeError(w, r, http.StatusBadRequest, "subject_id query parameter is required")
		return
	}
	reqs, err := a.svc.PendingRequests(r.Context(), subjectID)
	if err != nil {
		handleConsentError(w, r, err)
		return
	}
	if reqs == nil {
		reqs = []consent.PendingConsentRequest{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subject_id": subjectID,
		"requests":   reqs,
	})
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	subjectID := strings.TrimSpace(r.URL.Query().Get("subject_id"))
	if subjectID == "" {
		writeError(w, r, http.StatusBadRequest, "subject_id query parameter is required")
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	records, err := a.svc.History(r.Context(), subjectID, limit)
	if err != nil {
		handleConsentError(w, r, err)
		return
	}
	if records == nil {
		records = []consent.ConsentAuditRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subject_id": subjectID,
		"records":    records,
	})
}

type retrieveExportRequest struct {
	Token string `json:"token"`
}

func (a *API) handleRetrieveExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req retrieveExportRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	export, err := a.svc.RetrieveExport(r.Context(), req.Token)
	if err != nil {
		handleConsentError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "export.retrieve", map[string]any{
		"export_id":  export.ID,
		"subject_id": export.SubjectID,
		"holder_id":  export.HolderID,
		"scope":      export.Scope,
	})
	writeJSON(w, http.StatusOK, export)
}

type trustLinkIssueRequest struct {
	FromAgent  string `json:"from_agent"`
	ToAgent    string `json:"to_agent"`
	Scope      string `json:"scope"`
	SignedBy   string `json:"signed_by_subject"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
}

func (a *API) handleTrustLinkIssue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req trustLinkIssueRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	link, err := a.svc.IssueTrustLink(r.Context(), req.FromAgent, req.ToAgent, req.Scope, req.SignedBy, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		handleConsentError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "trustlink.issue", map[string]any{
		"from_agent": req.FromAgent,
		"to_agent":   req.ToAgent,
		"scope":      req.Scope,
	})
	writeJSON(w, http.StatusCreated, map[string]any{
		"link":    link.Encode(),
		"details": link,
	})
}

type trustLinkVerifyRequest struct {
	Link  string `json:"link"`
	Scope string `json:"scope,omitempty"`
}

func (a *API) handleTrustLinkVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req trustLinkVerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	v, err := a.svc.VerifyTrustLink(r.Context(), req.Link, req.Scope)
	if err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "revocation registry unavailable")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type trustLinkRevokeRequest struct {
	Link string `json:"link"`
}

func (a *API) handleTrustLinkRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req trustLinkRevokeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.RevokeTrustLink(r.Context(), req.Link); err != nil {
		handleConsentError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "trustlink.revoke", nil)
	writeJSON(w, http.StatusOK, map[string]any{"revoked": true})
}
