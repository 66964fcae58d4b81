// Package remote is the holder-side client for the consent service. It
// speaks the HTTP API, polls pending requests, and performs the
// export encryption and decryption that the server by design cannot.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hushh-labs/consent-protocol-sub002/internal/consent"
)

// ErrDenied reports that the subject refused the request; polling must
// stop rather than retry.
var ErrDenied = consent.ErrDenied

// Client calls a consent service instance over HTTP.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	serviceToken string
	pollInterval time.Duration
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithServiceToken sets the bearer JWT attached to every request.
func WithServiceToken(token string) Option {
	return func(c *Client) { c.serviceToken = token }
}

// WithPollInterval sets the delay between approval polls.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// New builds a client against the given base URL.
func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("remote: base URL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("remote: invalid base URL: %w", err)
	}
	c := &Client{
		baseURL:      baseURL,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		pollInterval: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Issue mints a consent token directly (first-party issuance path).
func (c *Client) Issue(ctx context.Context, subjectID, holderID, scope string, ttl time.Duration) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	err := c.post(ctx, "/v1/consent/issue", map[string]any{
		"subject_id":  subjectID,
		"holder_id":   holderID,
		"scope":       scope,
		"ttl_seconds": int64(ttl.Seconds()),
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Token, nil
}

// Validate checks a token against an expected scope.
func (c *Client) Validate(ctx context.Context, token, scope string) (consent.Validation, error) {
	var out consent.Validation
	err := c.post(ctx, "/v1/consent/validate", map[string]any{
		"token": token,
		"scope": scope,
	}, &out)
	return out, err
}

// Revoke invalidates a token on behalf of the requestor.
func (c *Client) Revoke(ctx context.Context, token, requestorID string) error {
	return c.post(ctx, "/v1/consent/revoke", map[string]any{
		"token":        token,
		"requestor_id": requestorID,
	}, nil)
}

// Request opens a pending ask and returns its request id.
func (c *Client) Request(ctx context.Context, subjectID, holderID, scope, description string) (string, error) {
	var out struct {
		RequestID string `json:"request_id"`
	}
	err := c.post(ctx, "/v1/consent/request", map[string]any{
		"subject_id":  subjectID,
		"holder_id":   holderID,
		"scope":       scope,
		"description": description,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.RequestID, nil
}

// RequestStatus reads the current state of a pending request.
func (c *Client) RequestStatus(ctx context.Context, requestID string) (consent.PendingConsentRequest, error) {
	var out consent.PendingConsentRequest
	err := c.get(ctx, "/v1/consent/request/"+url.PathEscape(requestID), &out)
	return out, err
}

// PollApproval polls the request until it resolves or ctx ends. A
// denial returns ErrDenied; an expired request returns
// consent.ErrExpired. On approval the granted token is returned.
func (c *Client) PollApproval(ctx context.Context, requestID string) (string, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		req, err := c.RequestStatus(ctx, requestID)
		if err != nil {
			return "", err
		}
		switch req.Status {
		case consent.StatusApproved:
			return req.GrantedToken, nil
		case consent.StatusDenied:
			return "", ErrDenied
		case consent.StatusExpired:
			return "", consent.ErrExpired
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// Approve resolves a request affirmatively, attaching the encrypted
// export bundle produced on the subject's side.
func (c *Client) Approve(ctx context.Context, requestID string, bundle EncryptedBundle, ttl time.Duration) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	err := c.post(ctx, "/v1/consent/request/"+url.PathEscape(requestID)+"/approve", map[string]any{
		"ciphertext":  bundle.Ciphertext,
		"iv":          bundle.IV,
		"tag":         bundle.Tag,
		"export_key":  bundle.ExportKey,
		"ttl_seconds": int64(ttl.Seconds()),
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Token, nil
}

// Deny resolves a request negatively.
func (c *Client) Deny(ctx context.Context, requestID string) error {
	return c.post(ctx, "/v1/consent/request/"+url.PathEscape(requestID)+"/deny", map[string]any{}, nil)
}

// RetrieveExport fetches the encrypted export bundle authorized by the
// token. The bundle stays encrypted; pair with DecryptExport.
func (c *Client) RetrieveExport(ctx context.Context, token string) (consent.EncryptedExport, error) {
	var out consent.EncryptedExport
	err := c.post(ctx, "/v1/export/retrieve", map[string]any{"token": token}, &out)
	return out, err
}

// FetchAndDecrypt retrieves the export and decrypts it locally with
// the key carried in the bundle.
func (c *Client) FetchAndDecrypt(ctx context.Context, token string) ([]byte, error) {
	export, err := c.RetrieveExport(ctx, token)
	if err != nil {
		return nil, err
	}
	return DecryptExport(export)
}

// IssueTrustLink mints an agent delegation link.
func (c *Client) IssueTrustLink(ctx context.Context, fromAgent, toAgent, scope, signedBy string, ttl time.Duration) (string, error) {
	var out struct {
		Link string `json:"link"`
	}
	err := c.post(ctx, "/v1/trustlink/issue", map[string]any{
		"from_agent":        fromAgent,
		"to_agent":          toAgent,
		"scope":             scope,
		"signed_by_subject": signedBy,
		"ttl_seconds":       int64(ttl.Seconds()),
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Link, nil
}

// VerifyTrustLink checks a delegation link against a required scope.
func (c *Client) VerifyTrustLink(ctx context.Context, link, scope string) (consent.Validation, error) {
	var out consent.Validation
	err := c.post(ctx, "/v1/trustlink/verify", map[string]any{
		"link":  link,
		"scope": scope,
	}, &out)
	return out, err
}

// RevokeTrustLink invalidates a delegation link.
func (c *Client) RevokeTrustLink(ctx context.Context, link string) error {
	return c.post(ctx, "/v1/trustlink/revoke", map[string]any{"link": link}, nil)
}

// --- transport ---

// APIError carries a non-2xx response body back to the caller.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote: api error %d: %s", e.Status, e.Message)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("remote: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.serviceToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.serviceToken)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("remote: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("remote: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &apiErr)
		if apiErr.Error == "" {
			apiErr.Error = strings.TrimSpace(string(data))
		}
		return &APIError{Status: resp.StatusCode, Message: apiErr.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("remote: decode response: %w", err)
	}
	return nil
}
