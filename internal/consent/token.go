package consent

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// TokenPrefix distinguishes consent tokens from other signed
	// artifacts carried in the same system.
	TokenPrefix = "HCT"

	// fieldDelimiter joins payload fields. It is rejected inside any
	// individual field so the payload splits unambiguously.
	fieldDelimiter = "|"

	tokenFieldCount = 5
)

// Validation reasons reported by Validate and VerifyLink.
const (
	ReasonMalformed     = "malformed"
	ReasonBadSignature  = "bad_signature"
	ReasonScopeMismatch = "scope_mismatch"
	ReasonExpired       = "expired"
	ReasonRevoked       = "revoked"
)

// ConsentToken is a signed bearer capability over a subject's data.
// Immutable once created; it dies by expiry or revocation, never mutation.
type ConsentToken struct {
	SubjectID string `json:"subject_id"`
	HolderID  string `json:"holder_id"`
	Scope     string `json:"scope"`
	IssuedAt  int64  `json:"issued_at"`  // milliseconds since epoch
	ExpiresAt int64  `json:"expires_at"` // milliseconds since epoch
	Signature string `json:"signature"`  // lowercase hex HMAC-SHA256
}

func (t ConsentToken) payload() string {
	return strings.Join([]string{
		t.SubjectID,
		t.HolderID,
		t.Scope,
		strconv.FormatInt(t.IssuedAt, 10),
		strconv.FormatInt(t.ExpiresAt, 10),
	}, fieldDelimiter)
}

// Encode renders the wire form PREFIX:base64url(payload).hex(signature).
func (t ConsentToken) Encode() string {
	return TokenPrefix + ":" + base64.RawURLEncoding.EncodeToString([]byte(t.payload())) + "." + t.Signature
}

// IssuedTime returns the issue instant.
func (t ConsentToken) IssuedTime() time.Time { return time.UnixMilli(t.IssuedAt).UTC() }

// ExpiresTime returns the expiry instant.
func (t ConsentToken) ExpiresTime() time.Time { return time.UnixMilli(t.ExpiresAt).UTC() }

// ExpiredAt reports whether the token is past its expiry at the given instant.
func (t ConsentToken) ExpiredAt(now time.Time) bool {
	return now.UnixMilli() > t.ExpiresAt
}

// Validation is the outcome of validating a token or trust link.
// A failed check is a reported outcome, not an error; errors are reserved
// for an unavailable backing store.
type Validation struct {
	OK     bool          `json:"ok"`
	Reason string        `json:"reason,omitempty"`
	Token  *ConsentToken `json:"token,omitempty"`
}

// Codec signs, encodes, parses and validates consent tokens and trust links.
type Codec struct {
	signer *Signer
	now    func() time.Time
}

// CodecOption configures Codec behavior.
type CodecOption func(*Codec)

// WithCodecClock overrides the time source (useful for tests).
func WithCodecClock(fn func() time.Time) CodecOption {
	return func(c *Codec) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewCodec constructs a Codec around the given signer.
func NewCodec(signer *Signer, opts ...CodecOption) *Codec {
	c := &Codec{signer: signer, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Issue builds, signs and returns a fresh consent token.
func (c *Codec) Issue(subjectID, holderID, scope string, ttl time.Duration) (ConsentToken, error) {
	if err := checkFields(subjectID, holderID, scope); err != nil {
		return ConsentToken{}, err
	}
	if ttl <= 0 {
		return ConsentToken{}, fmt.Errorf("%w: ttl must be greater than zero", ErrInvalidInput)
	}
	now := c.now().UTC()
	t := ConsentToken{
		SubjectID: subjectID,
		HolderID:  holderID,
		Scope:     scope,
		IssuedAt:  now.UnixMilli(),
		ExpiresAt: now.Add(ttl).UnixMilli(),
	}
	t.Signature = c.signer.Sign([]byte(t.payload()))
	return t, nil
}

// Parse decodes the wire form back into a structured token. It performs
// no signature, expiry, or revocation checks; malformed input yields
// ErrMalformedToken, never a panic.
func (c *Codec) Parse(raw string) (ConsentToken, error) {
	rest, ok := strings.CutPrefix(raw, TokenPrefix+":")
	if !ok {
		return ConsentToken{}, ErrMalformedToken
	}
	encoded, signature, ok := strings.Cut(rest, ".")
	if !ok || encoded == "" || signature == "" {
		return ConsentToken{}, ErrMalformedToken
	}
	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return ConsentToken{}, ErrMalformedToken
	}
	fields := strings.Split(string(payload), fieldDelimiter)
	if len(fields) != tokenFieldCount {
		return ConsentToken{}, ErrMalformedToken
	}
	issuedAt, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return ConsentToken{}, ErrMalformedToken
	}
	expiresAt, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return ConsentToken{}, ErrMalformedToken
	}
	if fields[0] == "" || fields[1] == "" || fields[2] == "" {
		return ConsentToken{}, ErrMalformedToken
	}
	return ConsentToken{
		SubjectID: fields[0],
		HolderID:  fields[1],
		Scope:     fields[2],
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
		Signature: signature,
	}, nil
}

// Validate runs the full check chain: parse, signature, optional scope,
// expiry, revocation. It short-circuits on the first failure and reports
// the specific reason. A nil revocations store skips the membership
// check; a store failure is returned as an error and the token is NOT
// treated as valid (fail closed).
func (c *Codec) Validate(ctx context.Context, raw, expectedScope string, revocations RevocationStore) (Validation, error) {
	token, err := c.Parse(raw)
	if err != nil {
		return Validation{Reason: ReasonMalformed}, nil
	}
	if !c.signer.Verify([]byte(token.payload()), token.Signature) {
		return Validation{Reason: ReasonBadSignature}, nil
	}
	if expectedScope != "" && !ScopeMatches(token.Scope, expectedScope) {
		return Validation{Reason: ReasonScopeMismatch, Token: &token}, nil
	}
	if token.ExpiredAt(c.now()) {
		return Validation{Reason: ReasonExpired, Token: &token}, nil
	}
	if revocations != nil {
		revoked, err := revocations.Contains(ctx, raw)
		if err != nil {
			return Validation{}, fmt.Errorf("consent: revocation check: %w", err)
		}
		if revoked {
			return Validation{Reason: ReasonRevoked, Token: &token}, nil
		}
	}
	return Validation{OK: true, Token: &token}, nil
}

func checkFields(fields ...string) error {
	for _, f := range fields {
		if strings.TrimSpace(f) == "" {
			return fmt.Errorf("%w: empty field", ErrInvalidInput)
		}
		if strings.Contains(f, fieldDelimiter) {
			return fmt.Errorf("%w: field contains reserved delimiter %q", ErrInvalidInput, fieldDelimiter)
		}
	}
	return nil
}
