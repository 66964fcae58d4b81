package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hushh-labs/consent-protocol-sub002/internal/auth"
	"github.com/hushh-labs/consent-protocol-sub002/internal/consent"
	"github.com/hushh-labs/consent-protocol-sub002/internal/stream"
)

func newTestAPI(t *testing.T) (*API, string) {
	t.Helper()
	t.Setenv("CONSENT_API_SECRET", "test-api-secret")
	auth.ResetSecretForTests()
	t.Cleanup(auth.ResetSecretForTests)

	signer, err := consent.NewSigner([]byte("test-signing-secret"))
	if err != nil {
		t.Fatal(err)
	}
	events := stream.New()
	svc, err := consent.NewService(consent.NewInMemory(), signer, consent.WithPublisher(events))
	if err != nil {
		t.Fatal(err)
	}
	api := New(ReadyProbe{}, "test", svc, events)

	token, err := auth.GenerateToken("test-caller", []string{"service"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return api, token
}

func doJSON(t *testing.T, api *API, token, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestHealthzIsPublic(t *testing.T) {
	api, _ := newTestAPI(t)
	rec := doJSON(t, api, "", http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d, want 200", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	api, _ := newTestAPI(t)

	rec := doJSON(t, api, "", http.MethodPost, "/v1/consent/issue", map[string]any{})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d, want 401", rec.Code)
	}

	rec = doJSON(t, api, "not-a-jwt", http.MethodPost, "/v1/consent/issue", map[string]any{})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token = %d, want 401", rec.Code)
	}
}

func TestIssueValidateRevokeFlow(t *testing.T) {
	api, token := newTestAPI(t)

	rec := doJSON(t, api, token, http.MethodPost, "/v1/consent/issue", map[string]any{
		"subject_id": "subject-1",
		"holder_id":  "holder-1",
		"scope":      "finance.data.read",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("issue = %d: %s", rec.Code, rec.Body.String())
	}
	var issued struct {
		Token string `json:"token"`
	}
	decodeBody(t, rec, &issued)
	if issued.Token == "" {
		t.Fatal("issue returned no token")
	}

	rec = doJSON(t, api, token, http.MethodPost, "/v1/consent/validate", map[string]any{
		"token": issued.Token,
		"scope": "finance.data.read",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("validate = %d: %s", rec.Code, rec.Body.String())
	}
	var v consent.Validation
	decodeBody(t, rec, &v)
	if !v.OK {
		t.Fatalf("validate = %+v, want ok", v)
	}

	rec = doJSON(t, api, token, http.MethodPost, "/v1/consent/revoke", map[string]any{
		"token":        issued.Token,
		"requestor_id": "subject-1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api, token, http.MethodPost, "/v1/consent/validate", map[string]any{
		"token": issued.Token,
	})
	decodeBody(t, rec, &v)
	if v.OK || v.Reason != consent.ReasonRevoked {
		t.Fatalf("post-revoke validate = %+v, want revoked", v)
	}
}

func TestValidateFailureIsStillHTTP200(t *testing.T) {
	api, token := newTestAPI(t)
	rec := doJSON(t, api, token, http.MethodPost, "/v1/consent/validate", map[string]any{
		"token": "garbage",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("validate = %d, want 200", rec.Code)
	}
	var v consent.Validation
	decodeBody(t, rec, &v)
	if v.OK || v.Reason != consent.ReasonMalformed {
		t.Fatalf("validate = %+v, want malformed", v)
	}
}

func TestRevokeByStrangerForbidden(t *testing.T) {
	api, token := newTestAPI(t)

	rec := doJSON(t, api, token, http.MethodPost, "/v1/consent/issue", map[string]any{
		"subject_id": "subject-1",
		"holder_id":  "holder-1",
		"scope":      "finance.data.read",
	})
	var issued struct {
		Token string `json:"token"`
	}
	decodeBody(t, rec, &issued)

	rec = doJSON(t, api, token, http.MethodPost, "/v1/consent/revoke", map[string]any{
		"token":        issued.Token,
		"requestor_id": "someone-else",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("revoke by stranger = %d, want 403", rec.Code)
	}
}

func TestRequestApproveRetrieveFlow(t *testing.T) {
	api, token := newTestAPI(t)

	rec := doJSON(t, api, token, http.MethodPost, "/v1/consent/request", map[string]any{
		"subject_id":  "subject-1",
		"holder_id":   "holder-1",
		"scope":       "finance.data.read",
		"description": "quarterly report",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("request = %d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		RequestID string `json:"request_id"`
	}
	decodeBody(t, rec, &created)

	// Duplicate ask conflicts.
	rec = doJSON(t, api, token, http.MethodPost, "/v1/consent/request", map[string]any{
		"subject_id": "subject-1",
		"holder_id":  "holder-1",
		"scope":      "finance.data.read",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate request = %d, want 409", rec.Code)
	}

	rec = doJSON(t, api, token, http.MethodGet, "/v1/consent/pending?subject_id=subject-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("pending = %d", rec.Code)
	}
	var pending struct {
		Requests []consent.PendingConsentRequest `json:"requests"`
	}
	decodeBody(t, rec, &pending)
	if len(pending.Requests) != 1 {
		t.Fatalf("pending = %+v, want one request", pending.Requests)
	}

	approvePath := fmt.Sprintf("/v1/consent/request/%s/approve", created.RequestID)
	rec = doJSON(t, api, token, http.MethodPost, approvePath, map[string]any{
		"ciphertext": "Y2lwaGVydGV4dA==",
		"iv":         "bm9uY2Vub25jZQ==",
		"tag":        "dGFndGFndGFndGFndGFn",
		"export_key": "a2V5a2V5a2V5a2V5a2V5a2V5a2V5a2V5a2V5a2V5a2U=",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("approve = %d: %s", rec.Code, rec.Body.String())
	}
	var approved struct {
		Token string `json:"token"`
	}
	decodeBody(t, rec, &approved)
	if approved.Token == "" {
		t.Fatal("approve returned no token")
	}

	rec = doJSON(t, api, token, http.MethodGet, "/v1/consent/request/"+created.RequestID, nil)
	var status consent.PendingConsentRequest
	decodeBody(t, rec, &status)
	if status.Status != consent.StatusApproved || status.GrantedToken != approved.Token {
		t.Fatalf("status = %+v", status)
	}

	rec = doJSON(t, api, token, http.MethodPost, "/v1/export/retrieve", map[string]any{
		"token": approved.Token,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("retrieve = %d: %s", rec.Code, rec.Body.String())
	}
	var export consent.EncryptedExport
	decodeBody(t, rec, &export)
	if export.Ciphertext != "Y2lwaGVydGV4dA==" {
		t.Fatalf("export = %+v", export)
	}

	// A denied ask after approval conflicts.
	denyPath := fmt.Sprintf("/v1/consent/request/%s/deny", created.RequestID)
	rec = doJSON(t, api, token, http.MethodPost, denyPath, map[string]any{})
	if rec.Code != http.StatusConflict {
		t.Fatalf("deny after approve = %d, want 409", rec.Code)
	}
}

func TestDenyThenRecooldown(t *testing.T) {
	api, token := newTestAPI(t)

	rec := doJSON(t, api, token, http.MethodPost, "/v1/consent/request", map[string]any{
		"subject_id": "subject-1",
		"holder_id":  "holder-1",
		"scope":      "finance.data.read",
	})
	var created struct {
		RequestID string `json:"request_id"`
	}
	decodeBody(t, rec, &created)

	rec = doJSON(t, api, token, http.MethodPost, "/v1/consent/request/"+created.RequestID+"/deny", map[string]any{})
	if rec.Code != http.StatusOK {
		t.Fatalf("deny = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api, token, http.MethodPost, "/v1/consent/request", map[string]any{
		"subject_id": "subject-1",
		"holder_id":  "holder-1",
		"scope":      "finance.data.read",
	})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("re-request during cooldown = %d, want 429", rec.Code)
	}
}

func TestTrustLinkEndpoints(t *testing.T) {
	api, token := newTestAPI(t)

	rec := doJSON(t, api, token, http.MethodPost, "/v1/trustlink/issue", map[string]any{
		"from_agent":        "agent-a",
		"to_agent":          "agent-b",
		"scope":             "calendar.*",
		"signed_by_subject": "subject-1",
		"ttl_seconds":       3600,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("issue = %d: %s", rec.Code, rec.Body.String())
	}
	var issued struct {
		Link string `json:"link"`
	}
	decodeBody(t, rec, &issued)

	rec = doJSON(t, api, token, http.MethodPost, "/v1/trustlink/verify", map[string]any{
		"link":  issued.Link,
		"scope": "calendar.events.read",
	})
	var v consent.Validation
	decodeBody(t, rec, &v)
	if !v.OK {
		t.Fatalf("verify = %+v, want ok", v)
	}

	rec = doJSON(t, api, token, http.MethodPost, "/v1/trustlink/revoke", map[string]any{
		"link": issued.Link,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api, token, http.MethodPost, "/v1/trustlink/verify", map[string]any{
		"link": issued.Link,
	})
	decodeBody(t, rec, &v)
	if v.OK || v.Reason != consent.ReasonRevoked {
		t.Fatalf("post-revoke verify = %+v, want revoked", v)
	}
}

func TestAuthTokenEndpoint(t *testing.T) {
	api, _ := newTestAPI(t)

	rec := doJSON(t, api, "", http.MethodPost, "/v1/auth/token", map[string]any{
		"caller_id": "vault",
		"roles":     []string{"service"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("auth token = %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Token string `json:"token"`
	}
	decodeBody(t, rec, &out)

	claims, err := auth.ParseAndValidate(out.Token)
	if err != nil {
		t.Fatalf("minted token invalid: %v", err)
	}
	if claims.Subject != "vault" {
		t.Fatalf("subject = %q, want vault", claims.Subject)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	api, token := newTestAPI(t)
	rec := doJSON(t, api, token, http.MethodGet, "/v1/consent/issue", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET issue = %d, want 405", rec.Code)
	}
	if got := rec.Header().Get("Allow"); got != http.MethodPost {
		t.Fatalf("Allow = %q, want POST", got)
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	api, token := newTestAPI(t)
	rec := doJSON(t, api, token, http.MethodPost, "/v1/consent/issue", map[string]any{
		"subject_id": "s",
		"holder_id":  "h",
		"scope":      "s.read",
		"surprise":   true,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field = %d, want 400", rec.Code)
	}
}
