package remote

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hushh-labs/consent-protocol-sub002/internal/auth"
	"github.com/hushh-labs/consent-protocol-sub002/internal/consent"
	"github.com/hushh-labs/consent-protocol-sub002/internal/httpapi"
	"github.com/hushh-labs/consent-protocol-sub002/internal/stream"
)

func newTestServer(t *testing.T) (*httptest.Server, string) {
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
	api := httpapi.New(httpapi.ReadyProbe{}, "test", svc, events)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	token, err := auth.GenerateToken("remote-test", []string{"service"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return srv, token
}

func newTestClient(t *testing.T, opts ...Option) *Client {
	t.Helper()
	srv, serviceToken := newTestServer(t)
	opts = append([]Option{
		WithServiceToken(serviceToken),
		WithPollInterval(10 * time.Millisecond),
	}, opts...)
	client, err := New(srv.URL, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return client
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	plaintext := []byte(`{"account":"acct-1","balance":1234}`)
	bundle, err := EncryptPayload(plaintext)
	if err != nil {
		t.Fatalf("EncryptPayload: %v", err)
	}
	if bundle.Ciphertext == "" || bundle.IV == "" || bundle.Tag == "" || bundle.ExportKey == "" {
		t.Fatalf("incomplete bundle: %+v", bundle)
	}

	got, err := DecryptExport(consent.EncryptedExport{
		Ciphertext: bundle.Ciphertext,
		IV:         bundle.IV,
		Tag:        bundle.Tag,
		ExportKey:  bundle.ExportKey,
	})
	if err != nil {
		t.Fatalf("DecryptExport: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip = %q, want %q", got, plaintext)
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	bundle, err := EncryptPayload([]byte("secret payload"))
	if err != nil {
		t.Fatal(err)
	}
	// Swap tag and a tampered ciphertext must both fail authentication.
	tampered := consent.EncryptedExport{
		Ciphertext: bundle.Ciphertext,
		IV:         bundle.IV,
		Tag:        bundle.Tag,
		ExportKey:  bundle.ExportKey,
	}
	other, err := EncryptPayload([]byte("secret payload"))
	if err != nil {
		t.Fatal(err)
	}
	tampered.Ciphertext = other.Ciphertext
	if _, err := DecryptExport(tampered); err == nil {
		t.Fatal("tampered ciphertext decrypted")
	}
}

func TestConsentHandshake(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	requestID, err := client.Request(ctx, "subject-1", "holder-1", "finance.data.read", "quarterly report")
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	req, err := client.RequestStatus(ctx, requestID)
	if err != nil {
		t.Fatalf("RequestStatus: %v", err)
	}
	if req.Status != consent.StatusRequested {
		t.Fatalf("status = %s, want REQUESTED", req.Status)
	}

	// Subject side: encrypt locally and approve.
	plaintext := []byte(`{"report":"q2"}`)
	bundle, err := EncryptPayload(plaintext)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.Approve(ctx, requestID, bundle, 0); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	// Holder side: the poll resolves with a usable token.
	token, err := client.PollApproval(ctx, requestID)
	if err != nil {
		t.Fatalf("PollApproval: %v", err)
	}
	v, err := client.Validate(ctx, token, "finance.data.read")
	if err != nil {
		t.Fatal(err)
	}
	if !v.OK {
		t.Fatalf("granted token invalid: %+v", v)
	}

	got, err := client.FetchAndDecrypt(ctx, token)
	if err != nil {
		t.Fatalf("FetchAndDecrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("decrypted export = %q, want %q", got, plaintext)
	}

	// Revoked token can no longer retrieve the export.
	if err := client.Revoke(ctx, token, "subject-1"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := client.RetrieveExport(ctx, token); err == nil {
		t.Fatal("export retrieved with revoked token")
	}
}

func TestPollApprovalDenied(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	requestID, err := client.Request(ctx, "subject-1", "holder-1", "finance.data.read", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Deny(ctx, requestID); err != nil {
		t.Fatalf("Deny: %v", err)
	}
	if _, err := client.PollApproval(ctx, requestID); !errors.Is(err, ErrDenied) {
		t.Fatalf("PollApproval = %v, want ErrDenied", err)
	}
}

func TestAPIErrorSurfaced(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	_, err := client.RequestStatus(ctx, "no-such-request")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("RequestStatus = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", apiErr.Status)
	}
}

func TestTrustLinkDelegation(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	link, err := client.IssueTrustLink(ctx, "agent-a", "agent-b", "calendar.*", "subject-1", time.Hour)
	if err != nil {
		t.Fatalf("IssueTrustLink: %v", err)
	}
	v, err := client.VerifyTrustLink(ctx, link, "calendar.events.read")
	if err != nil {
		t.Fatal(err)
	}
	if !v.OK {
		t.Fatalf("verify = %+v, want ok", v)
	}
	if err := client.RevokeTrustLink(ctx, link); err != nil {
		t.Fatalf("RevokeTrustLink: %v", err)
	}
	v, err = client.VerifyTrustLink(ctx, link, "")
	if err != nil {
		t.Fatal(err)
	}
	if v.OK || v.Reason != consent.ReasonRevoked {
		t.Fatalf("post-revoke verify = %+v, want revoked", v)
	}
}
