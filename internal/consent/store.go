package consent

import (
	"context"
	"time"
)

// Store describes the persistence operations required by the consent
// core. In-memory and PostgreSQL implementations are provided; any
// backing must support concurrent readers and serialize writers per key.
type Store interface {
	Revocations(ctx context.Context) RevocationStore
	Requests(ctx context.Context) RequestStore
	Tokens(ctx context.Context) TokenStore
	Exports(ctx context.Context) ExportStore
	Audit(ctx context.Context) AuditStore
}

// RevocationStore is the authoritative set of tokens invalidated before
// their natural expiry, keyed by the full encoded token string. In a
// multi-instance deployment it must be backed by shared storage; a
// revoked token has to be rejected from every validating instance.
type RevocationStore interface {
	Add(ctx context.Context, token string, revokedAt time.Time) error
	Contains(ctx context.Context, token string) (bool, error)
}

// RequestStore manages pending consent requests. Resolve is a
// compare-and-swap on the stored status; concurrent transitions on the
// same request must serialize so exactly one wins.
type RequestStore interface {
	Create(ctx context.Context, req *PendingConsentRequest) error
	Find(ctx context.Context, requestID string) (*PendingConsentRequest, error)
	// FindOutstanding returns the newest REQUESTED row for the tuple, or
	// ErrNotFound. Callers apply StatusAt to rule out lapsed rows.
	FindOutstanding(ctx context.Context, subjectID, holderID, scope string) (*PendingConsentRequest, error)
	// LastDenied returns the most recently denied row for the tuple, or
	// ErrNotFound.
	LastDenied(ctx context.Context, subjectID, holderID, scope string) (*PendingConsentRequest, error)
	// Resolve transitions the request from one status to another,
	// failing with ErrAlreadyResolved when the stored status differs
	// from the expected one.
	Resolve(ctx context.Context, requestID string, from, to RequestStatus, resolvedAt time.Time, grantedToken string) error
	ListPending(ctx context.Context, subjectID string) ([]PendingConsentRequest, error)
}

// TokenStore indexes issued tokens so standing grants are reused instead
// of minted again, and so revocation is reflected in the ledger.
type TokenStore interface {
	Save(ctx context.Context, tok *ActiveToken) error
	// FindActive returns an unrevoked token for the tuple that is still
	// unexpired at now, or ErrNotFound.
	FindActive(ctx context.Context, subjectID, holderID, scope string, now time.Time) (*ActiveToken, error)
	MarkRevoked(ctx context.Context, token string, revokedAt time.Time) error
}

// ExportStore holds encrypted export bundles keyed by the authorizing
// token. Bundles are written once and handed back unmodified.
type ExportStore interface {
	Put(ctx context.Context, export *EncryptedExport) error
	FindByToken(ctx context.Context, token string) (*EncryptedExport, error)
}

// AuditStore appends immutable consent lifecycle records.
type AuditStore interface {
	Append(ctx context.Context, rec *ConsentAuditRecord) error
	ListBySubject(ctx context.Context, subjectID string, limit int) ([]ConsentAuditRecord, error)
}
