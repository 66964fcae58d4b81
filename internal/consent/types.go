package consent

import "time"

// RequestStatus is the lifecycle state of a pending consent request.
type RequestStatus string

const (
	StatusRequested RequestStatus = "REQUESTED"
	StatusApproved  RequestStatus = "APPROVED"
	StatusDenied    RequestStatus = "DENIED"
	// StatusExpired is derived at read time from poll_timeout_at. A lapsed
	// row is only written back when a new request replaces it, so
	// correctness does not depend on a sweeper.
	StatusExpired RequestStatus = "EXPIRED"
)

// PendingConsentRequest is an outstanding ask by an external holder for
// a scope on a subject's data. Terminal states are immutable.
type PendingConsentRequest struct {
	RequestID     string        `json:"request_id"`
	SubjectID     string        `json:"subject_id"`
	HolderID      string        `json:"holder_id"`
	Scope         string        `json:"scope"`
	Description   string        `json:"description"`
	CreatedAt     time.Time     `json:"created_at"`
	PollTimeoutAt time.Time     `json:"poll_timeout_at"`
	Status        RequestStatus `json:"status"`
	ResolvedAt    time.Time     `json:"resolved_at,omitempty"`
	// GrantedToken is the encoded consent token minted at approval,
	// returned to holders polling the request.
	GrantedToken string `json:"token,omitempty"`
}

// StatusAt derives the effective status at the given instant: a row still
// REQUESTED past its poll timeout reads as EXPIRED without a write.
func (p PendingConsentRequest) StatusAt(now time.Time) RequestStatus {
	if p.Status == StatusRequested && now.After(p.PollTimeoutAt) {
		return StatusExpired
	}
	return p.Status
}

// AuditEvent names a consent lifecycle transition.
type AuditEvent string

const (
	EventIssued    AuditEvent = "ISSUED"
	EventValidated AuditEvent = "VALIDATED"
	EventRevoked   AuditEvent = "REVOKED"
	EventRequested AuditEvent = "REQUESTED"
	EventApproved  AuditEvent = "APPROVED"
	EventDenied    AuditEvent = "DENIED"
)

// ConsentAuditRecord is one immutable row per lifecycle event. It carries
// enough of the token/request identity to reconstruct a subject's history
// without re-deriving secrets.
type ConsentAuditRecord struct {
	ID         string            `json:"id"`
	OccurredAt time.Time         `json:"occurred_at"`
	Event      AuditEvent        `json:"event"`
	SubjectID  string            `json:"subject_id"`
	HolderID   string            `json:"holder_id"`
	Scope      string            `json:"scope"`
	RequestID  string            `json:"request_id,omitempty"`
	Outcome    string            `json:"outcome,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ActiveToken is the ledger's index entry for an issued token, keyed by
// the full encoded token string.
type ActiveToken struct {
	Token     string    `json:"token"`
	SubjectID string    `json:"subject_id"`
	HolderID  string    `json:"holder_id"`
	Scope     string    `json:"scope"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
	RevokedAt time.Time `json:"revoked_at,omitempty"`
}

// ExportPayload is the already-encrypted blob handed over at approval
// time. All fields are standard base64; the server stores them opaquely
// and never inspects or decrypts.
type ExportPayload struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	Tag        string `json:"tag"`
	ExportKey  string `json:"export_key"`
	// TTL optionally shortens the export's own expiry below the
	// authorizing token's; zero means inherit the token expiry.
	TTL time.Duration `json:"-"`
}

// EncryptedExport is the stored zero-knowledge payload, keyed by the
// consent token that authorizes its retrieval. Created once per
// approval, read any number of times until expiry, never updated.
type EncryptedExport struct {
	ID         string    `json:"id"`
	Token      string    `json:"-"`
	SubjectID  string    `json:"subject_id"`
	HolderID   string    `json:"holder_id"`
	Scope      string    `json:"scope"`
	Ciphertext string    `json:"ciphertext"`
	IV         string    `json:"iv"`
	Tag        string    `json:"tag"`
	ExportKey  string    `json:"export_key"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Event is the notification emitted on every lifecycle transition.
// Delivery (push, SSE, webhooks) is the surrounding system's job; the
// core only publishes.
type Event struct {
	Type      AuditEvent `json:"type"`
	SubjectID string     `json:"subject_id"`
	HolderID  string     `json:"holder_id"`
	Scope     string     `json:"scope"`
	RequestID string     `json:"request_id,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Publisher fans lifecycle events out to interested listeners. Publish
// must never block the calling operation.
type Publisher interface {
	Publish(Event)
}
