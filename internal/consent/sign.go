package consent

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"os"
	"strings"
	"sync"
)

const secretEnvVariable = "CONSENT_SIGNING_SECRET"

var (
	errMissingSecret = errors.New("consent: signing secret is not configured")

	signerMu sync.Mutex
	cached   cachedSigner
)

type cachedSigner struct {
	signer *Signer
	err    error
	ready  bool
}

// Signer computes and checks HMAC-SHA256 signatures over canonical payloads.
// It holds no mutable state and is safe for concurrent use.
type Signer struct {
	secret []byte
}

// NewSigner constructs a Signer from an explicit secret.
func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) == 0 {
		return nil, errMissingSecret
	}
	return &Signer{secret: secret}, nil
}

// Sign returns the lowercase hex HMAC-SHA256 of payload.
func (s *Signer) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches payload. The comparison is
// constant-time; a mismatch is a normal false result, never an error.
func (s *Signer) Verify(payload []byte, signature string) bool {
	expected := s.Sign(payload)
	if len(expected) != len(signature) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// DefaultSigner returns the process-wide signer backed by the
// CONSENT_SIGNING_SECRET environment variable. The secret is read once
// and cached.
func DefaultSigner() (*Signer, error) {
	signerMu.Lock()
	defer signerMu.Unlock()
	if cached.ready {
		return cached.signer, cached.err
	}
	raw := strings.TrimSpace(os.Getenv(secretEnvVariable))
	if raw == "" {
		cached.err = errMissingSecret
		cached.ready = true
		return nil, cached.err
	}
	cached.signer = &Signer{secret: []byte(raw)}
	cached.ready = true
	return cached.signer, nil
}

// ResetSignerForTests clears the cached default signer. Only intended for test use.
func ResetSignerForTests() {
	signerMu.Lock()
	defer signerMu.Unlock()
	cached = cachedSigner{}
}
