package consent

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// TrustLinkPrefix distinguishes agent delegation links from consent
	// tokens on the wire.
	TrustLinkPrefix = "HTL"

	trustLinkFieldCount = 6
)

// TrustLink is a signed delegation capability between two non-human
// agents, authorized by a human subject. It shares the consent token's
// signing discipline but carries its own payload shape and prefix.
type TrustLink struct {
	FromAgent string `json:"from_agent"`
	ToAgent   string `json:"to_agent"`
	Scope     string `json:"scope"`
	CreatedAt int64  `json:"created_at"` // milliseconds since epoch
	ExpiresAt int64  `json:"expires_at"` // milliseconds since epoch
	SignedBy  string `json:"signed_by_subject"`
	Signature string `json:"signature"`
}

func (l TrustLink) payload() string {
	return strings.Join([]string{
		l.FromAgent,
		l.ToAgent,
		l.Scope,
		strconv.FormatInt(l.CreatedAt, 10),
		strconv.FormatInt(l.ExpiresAt, 10),
		l.SignedBy,
	}, fieldDelimiter)
}

// Encode renders the wire form PREFIX:base64url(payload).hex(signature).
func (l TrustLink) Encode() string {
	return TrustLinkPrefix + ":" + base64.RawURLEncoding.EncodeToString([]byte(l.payload())) + "." + l.Signature
}

// ExpiresTime returns the expiry instant.
func (l TrustLink) ExpiresTime() time.Time { return time.UnixMilli(l.ExpiresAt).UTC() }

// ExpiredAt reports whether the link is past its expiry at the given instant.
func (l TrustLink) ExpiredAt(now time.Time) bool {
	return now.UnixMilli() > l.ExpiresAt
}

// IssueTrustLink builds and signs a delegation from one agent to another,
// recording the human subject who authorized it.
func (c *Codec) IssueTrustLink(fromAgent, toAgent, scope, signedBy string, ttl time.Duration) (TrustLink, error) {
	if err := checkFields(fromAgent, toAgent, scope, signedBy); err != nil {
		return TrustLink{}, err
	}
	if ttl <= 0 {
		return TrustLink{}, fmt.Errorf("%w: ttl must be greater than zero", ErrInvalidInput)
	}
	now := c.now().UTC()
	l := TrustLink{
		FromAgent: fromAgent,
		ToAgent:   toAgent,
		Scope:     scope,
		CreatedAt: now.UnixMilli(),
		ExpiresAt: now.Add(ttl).UnixMilli(),
		SignedBy:  signedBy,
	}
	l.Signature = c.signer.Sign([]byte(l.payload()))
	return l, nil
}

// ParseTrustLink decodes the wire form back into a structured link
// without verifying it.
func (c *Codec) ParseTrustLink(raw string) (TrustLink, error) {
	rest, ok := strings.CutPrefix(raw, TrustLinkPrefix+":")
	if !ok {
		return TrustLink{}, ErrMalformedToken
	}
	encoded, signature, ok := strings.Cut(rest, ".")
	if !ok || encoded == "" || signature == "" {
		return TrustLink{}, ErrMalformedToken
	}
	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return TrustLink{}, ErrMalformedToken
	}
	fields := strings.Split(string(payload), fieldDelimiter)
	if len(fields) != trustLinkFieldCount {
		return TrustLink{}, ErrMalformedToken
	}
	createdAt, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return TrustLink{}, ErrMalformedToken
	}
	expiresAt, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return TrustLink{}, ErrMalformedToken
	}
	if fields[0] == "" || fields[1] == "" || fields[2] == "" || fields[5] == "" {
		return TrustLink{}, ErrMalformedToken
	}
	return TrustLink{
		FromAgent: fields[0],
		ToAgent:   fields[1],
		Scope:     fields[2],
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
		SignedBy:  fields[5],
		Signature: signature,
	}, nil
}

// VerifyLink checks the link: expiry first, then the optional required
// scope, then the signature. The order is kept fixed so failure reasons
// are deterministic.
func (c *Codec) VerifyLink(link TrustLink, requiredScope string) Validation {
	if link.ExpiredAt(c.now()) {
		return Validation{Reason: ReasonExpired}
	}
	if requiredScope != "" && !ScopeMatches(link.Scope, requiredScope) {
		return Validation{Reason: ReasonScopeMismatch}
	}
	if !c.signer.Verify([]byte(link.payload()), link.Signature) {
		return Validation{Reason: ReasonBadSignature}
	}
	return Validation{OK: true}
}
