package consent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hushh-labs/consent-protocol-sub002/internal/ids"
	"github.com/hushh-labs/consent-protocol-sub002/internal/obs"
)

const (
	defaultGrantTTL     = time.Hour
	defaultPollTimeout  = 5 * time.Minute
	defaultDenyCooldown = 24 * time.Hour
)

// Service coordinates the consent ledger: token issuance and validation,
// revocation, the pending-request state machine, and the zero-knowledge
// export handshake. All operations are synchronous and fail fast; no
// operation blocks on anything beyond the backing store.
type Service struct {
	codec *Codec
	store Store
	pub   Publisher
	now   func() time.Time

	grantTTL     time.Duration
	pollTimeout  time.Duration
	denyCooldown time.Duration
	exportTTL    time.Duration
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithGrantTTL sets the token lifetime used when a caller passes no TTL.
func WithGrantTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.grantTTL = ttl
		}
	}
}

// WithPollTimeout sets how long a pending request stays answerable.
func WithPollTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.pollTimeout = d
		}
	}
}

// WithDenyCooldown sets the window during which a denied (holder, scope)
// pair cannot re-request.
func WithDenyCooldown(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.denyCooldown = d
		}
	}
}

// WithExportTTL caps the export bundle lifetime below the authorizing
// token's expiry. Zero keeps the token expiry.
func WithExportTTL(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.exportTTL = d
		}
	}
}

// WithPublisher attaches a lifecycle event publisher.
func WithPublisher(p Publisher) ServiceOption {
	return func(s *Service) { s.pub = p }
}

// NewService constructs a Service around a store and a signing key.
func NewService(store Store, signer *Signer, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("consent: store is required")
	}
	if signer == nil {
		return nil, errMissingSecret
	}
	s := &Service{
		store:        store,
		now:          time.Now,
		grantTTL:     defaultGrantTTL,
		pollTimeout:  defaultPollTimeout,
		denyCooldown: defaultDenyCooldown,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.codec = NewCodec(signer, WithCodecClock(s.now))
	return s, nil
}

// Codec exposes the underlying token codec for pure parse/verify use.
func (s *Service) Codec() *Codec { return s.codec }

// Issue returns a consent token for the grant. A standing grant with an
// unexpired, unrevoked token for the same (subject, holder, scope) is
// reused instead of minting a duplicate; this keeps token churn and
// audit noise down. ttl <= 0 falls back to the configured default.
func (s *Service) Issue(ctx context.Context, subjectID, holderID, scope string, ttl time.Duration) (ConsentToken, error) {
	if ttl <= 0 {
		ttl = s.grantTTL
	}
	now := s.now().UTC()
	active, err := s.store.Tokens(ctx).FindActive(ctx, subjectID, holderID, scope, now)
	if err == nil {
		if reused, perr := s.codec.Parse(active.Token); perr == nil {
			obs.TokenIssued("reused")
			return reused, nil
		}
	} else if !errors.Is(err, ErrNotFound) {
		return ConsentToken{}, fmt.Errorf("consent: active token lookup: %w", err)
	}

	token, err := s.codec.Issue(subjectID, holderID, scope, ttl)
	if err != nil {
		return ConsentToken{}, err
	}
	encoded := token.Encode()
	if err := s.store.Tokens(ctx).Save(ctx, &ActiveToken{
		Token:     encoded,
		SubjectID: subjectID,
		HolderID:  holderID,
		Scope:     scope,
		IssuedAt:  token.IssuedTime(),
		ExpiresAt: token.ExpiresTime(),
	}); err != nil {
		return ConsentToken{}, fmt.Errorf("consent: save token: %w", err)
	}
	s.audit(ctx, &ConsentAuditRecord{
		Event:     EventIssued,
		SubjectID: subjectID,
		HolderID:  holderID,
		Scope:     scope,
		Outcome:   "minted",
	})
	s.publish(Event{Type: EventIssued, SubjectID: subjectID, HolderID: holderID, Scope: scope, Timestamp: now})
	obs.TokenIssued("minted")
	return token, nil
}

// Validate runs the full validation chain over an encoded token. A
// failing check is reported in the Validation value; the returned error
// is reserved for an unreachable backing store, in which case the token
// must not be treated as valid.
func (s *Service) Validate(ctx context.Context, raw, expectedScope string) (Validation, error) {
	v, err := s.codec.Validate(ctx, raw, expectedScope, s.store.Revocations(ctx))
	if err != nil {
		return Validation{}, err
	}
	rec := &ConsentAuditRecord{Event: EventValidated, Outcome: validationOutcome(v)}
	if v.Token != nil {
		rec.SubjectID = v.Token.SubjectID
		rec.HolderID = v.Token.HolderID
		rec.Scope = v.Token.Scope
	}
	s.audit(ctx, rec)
	obs.ValidationChecked(validationOutcome(v))
	return v, nil
}

// Revoke invalidates a token before its natural expiry. requestorID, when
// non-empty, must match the token's subject or holder. Revocation keys on
// the full token string; a revoked token is dead for every validating
// instance sharing the store.
func (s *Service) Revoke(ctx context.Context, raw, requestorID string) (ConsentToken, error) {
	token, err := s.codec.Parse(raw)
	if err != nil {
		return ConsentToken{}, ErrMalformedToken
	}
	if !s.codec.signer.Verify([]byte(token.payload()), token.Signature) {
		return ConsentToken{}, ErrBadSignature
	}
	if requestorID != "" && requestorID != token.SubjectID && requestorID != token.HolderID {
		return ConsentToken{}, ErrSubjectMismatch
	}
	now := s.now().UTC()
	if err := s.store.Revocations(ctx).Add(ctx, raw, now); err != nil {
		return ConsentToken{}, fmt.Errorf("consent: revoke: %w", err)
	}
	if err := s.store.Tokens(ctx).MarkRevoked(ctx, raw, now); err != nil && !errors.Is(err, ErrNotFound) {
		return ConsentToken{}, fmt.Errorf("consent: mark revoked: %w", err)
	}
	s.audit(ctx, &ConsentAuditRecord{
		Event:     EventRevoked,
		SubjectID: token.SubjectID,
		HolderID:  token.HolderID,
		Scope:     token.Scope,
	})
	s.publish(Event{Type: EventRevoked, SubjectID: token.SubjectID, HolderID: token.HolderID, Scope: token.Scope, Timestamp: now})
	obs.TokenRevoked()
	return token, nil
}

// Request records an outstanding ask for a scope on a subject's data and
// returns its request id. A duplicate outstanding (holder, scope) ask is
// rejected with ErrAlreadyPending; a pair denied within the cooldown
// window is rejected with ErrRecentlyDenied so callers cannot spam a
// subject after an explicit refusal.
func (s *Service) Request(ctx context.Context, subjectID, holderID, scope, description string) (string, error) {
	if err := checkFields(subjectID, holderID, scope); err != nil {
		return "", err
	}
	now := s.now().UTC()
	requests := s.store.Requests(ctx)

	outstanding, err := requests.FindOutstanding(ctx, subjectID, holderID, scope)
	switch {
	case err == nil && outstanding.StatusAt(now) == StatusRequested:
		return "", ErrAlreadyPending
	case err == nil:
		// A lapsed row still holds the outstanding slot in the store;
		// retire it so the uniqueness guard admits the new ask. Losing
		// this race to another retiring writer is fine.
		if rerr := requests.Resolve(ctx, outstanding.RequestID, StatusRequested, StatusExpired, now, ""); rerr != nil && !errors.Is(rerr, ErrAlreadyResolved) {
			return "", fmt.Errorf("consent: retire lapsed request: %w", rerr)
		}
	case !errors.Is(err, ErrNotFound):
		return "", fmt.Errorf("consent: outstanding lookup: %w", err)
	}

	denied, err := requests.LastDenied(ctx, subjectID, holderID, scope)
	if err == nil && now.Sub(denied.ResolvedAt) < s.denyCooldown {
		return "", ErrRecentlyDenied
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("consent: denial lookup: %w", err)
	}

	req := &PendingConsentRequest{
		RequestID:     ids.New(),
		SubjectID:     subjectID,
		HolderID:      holderID,
		Scope:         scope,
		Description:   description,
		CreatedAt:     now,
		PollTimeoutAt: now.Add(s.pollTimeout),
		Status:        StatusRequested,
	}
	if err := requests.Create(ctx, req); err != nil {
		// The store enforces one outstanding row per tuple; a concurrent
		// Request that slipped past the lookup loses here.
		if errors.Is(err, ErrAlreadyPending) {
			return "", ErrAlreadyPending
		}
		return "", fmt.Errorf("consent: create request: %w", err)
	}
	s.audit(ctx, &ConsentAuditRecord{
		Event:     EventRequested,
		SubjectID: subjectID,
		HolderID:  holderID,
		Scope:     scope,
		RequestID: req.RequestID,
	})
	s.publish(Event{Type: EventRequested, SubjectID: subjectID, HolderID: holderID, Scope: scope, RequestID: req.RequestID, Timestamp: now})
	obs.RequestTransition("requested")
	return req.RequestID, nil
}

// Approve resolves a pending request, stores the encrypted export bundle
// supplied by the subject side, and mints a consent token scoped to the
// approved scope. Every approval mints its own token; the standing-grant
// reuse in Issue would key two export bundles on one token string. The
// bundle is stored before the status flips so a storage failure cannot
// leave an APPROVED request with no export. The server stores the bundle
// and its key verbatim; it never constructs or inspects the plaintext.
func (s *Service) Approve(ctx context.Context, requestID string, payload ExportPayload) (ConsentToken, error) {
	if payload.Ciphertext == "" || payload.IV == "" || payload.Tag == "" || payload.ExportKey == "" {
		return ConsentToken{}, fmt.Errorf("%w: incomplete export payload", ErrInvalidInput)
	}
	req, err := s.store.Requests(ctx).Find(ctx, requestID)
	if err != nil {
		return ConsentToken{}, err
	}
	now := s.now().UTC()
	switch req.StatusAt(now) {
	case StatusRequested:
	case StatusExpired:
		return ConsentToken{}, ErrExpired
	default:
		return ConsentToken{}, ErrAlreadyResolved
	}

	token, err := s.codec.Issue(req.SubjectID, req.HolderID, req.Scope, s.grantTTL)
	if err != nil {
		return ConsentToken{}, err
	}
	encoded := token.Encode()
	if err := s.store.Tokens(ctx).Save(ctx, &ActiveToken{
		Token:     encoded,
		SubjectID: req.SubjectID,
		HolderID:  req.HolderID,
		Scope:     req.Scope,
		IssuedAt:  token.IssuedTime(),
		ExpiresAt: token.ExpiresTime(),
	}); err != nil {
		return ConsentToken{}, fmt.Errorf("consent: save token: %w", err)
	}

	expiresAt := token.ExpiresTime()
	if payload.TTL > 0 && now.Add(payload.TTL).Before(expiresAt) {
		expiresAt = now.Add(payload.TTL)
	}
	if s.exportTTL > 0 && now.Add(s.exportTTL).Before(expiresAt) {
		expiresAt = now.Add(s.exportTTL)
	}
	if err := s.store.Exports(ctx).Put(ctx, &EncryptedExport{
		ID:         uuid.NewString(),
		Token:      encoded,
		SubjectID:  req.SubjectID,
		HolderID:   req.HolderID,
		Scope:      req.Scope,
		Ciphertext: payload.Ciphertext,
		IV:         payload.IV,
		Tag:        payload.Tag,
		ExportKey:  payload.ExportKey,
		CreatedAt:  now,
		ExpiresAt:  expiresAt,
	}); err != nil {
		return ConsentToken{}, fmt.Errorf("consent: store export: %w", err)
	}

	if err := s.store.Requests(ctx).Resolve(ctx, requestID, StatusRequested, StatusApproved, now, encoded); err != nil {
		return ConsentToken{}, err
	}

	s.audit(ctx, &ConsentAuditRecord{
		Event:     EventIssued,
		SubjectID: req.SubjectID,
		HolderID:  req.HolderID,
		Scope:     req.Scope,
		RequestID: requestID,
		Outcome:   "minted",
	})
	s.publish(Event{Type: EventIssued, SubjectID: req.SubjectID, HolderID: req.HolderID, Scope: req.Scope, RequestID: requestID, Timestamp: now})
	obs.TokenIssued("minted")
	s.audit(ctx, &ConsentAuditRecord{
		Event:     EventApproved,
		SubjectID: req.SubjectID,
		HolderID:  req.HolderID,
		Scope:     req.Scope,
		RequestID: requestID,
	})
	s.publish(Event{Type: EventApproved, SubjectID: req.SubjectID, HolderID: req.HolderID, Scope: req.Scope, RequestID: requestID, Timestamp: now})
	obs.RequestTransition("approved")
	return token, nil
}

// Deny resolves a pending request negatively. The denial is terminal and
// anchors the re-request cooldown; polling callers must treat it as a
// stop signal.
func (s *Service) Deny(ctx context.Context, requestID string) error {
	req, err := s.store.Requests(ctx).Find(ctx, requestID)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	switch req.StatusAt(now) {
	case StatusRequested:
	case StatusExpired:
		return ErrExpired
	default:
		return ErrAlreadyResolved
	}
	if err := s.store.Requests(ctx).Resolve(ctx, requestID, StatusRequested, StatusDenied, now, ""); err != nil {
		return err
	}
	s.audit(ctx, &ConsentAuditRecord{
		Event:     EventDenied,
		SubjectID: req.SubjectID,
		HolderID:  req.HolderID,
		Scope:     req.Scope,
		RequestID: requestID,
	})
	s.publish(Event{Type: EventDenied, SubjectID: req.SubjectID, HolderID: req.HolderID, Scope: req.Scope, RequestID: requestID, Timestamp: now})
	obs.RequestTransition("denied")
	return nil
}

// RequestStatus returns the request with its status derived at read
// time; the granted token is included once the request is approved.
func (s *Service) RequestStatus(ctx context.Context, requestID string) (PendingConsentRequest, error) {
	req, err := s.store.Requests(ctx).Find(ctx, requestID)
	if err != nil {
		return PendingConsentRequest{}, err
	}
	out := *req
	out.Status = req.StatusAt(s.now().UTC())
	return out, nil
}

// PendingRequests lists a subject's outstanding asks, lapsed rows
// reported as EXPIRED.
func (s *Service) PendingRequests(ctx context.Context, subjectID string) ([]PendingConsentRequest, error) {
	reqs, err := s.store.Requests(ctx).ListPending(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	for i := range reqs {
		reqs[i].Status = reqs[i].StatusAt(now)
	}
	return reqs, nil
}

// RetrieveExport validates the presented token against the scope recorded
// on the matching export, re-checks the export's own expiry, and returns
// the stored bundle verbatim. Decryption happens entirely on the holder's
// side with the returned export key.
func (s *Service) RetrieveExport(ctx context.Context, raw string) (*EncryptedExport, error) {
	export, err := s.store.Exports(ctx).FindByToken(ctx, raw)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.ExportRetrieved("not_found")
		}
		return nil, err
	}
	v, err := s.codec.Validate(ctx, raw, export.Scope, s.store.Revocations(ctx))
	if err != nil {
		return nil, err
	}
	if !v.OK {
		obs.ExportRetrieved(v.Reason)
		return nil, reasonError(v.Reason)
	}
	if s.now().UTC().After(export.ExpiresAt) {
		obs.ExportRetrieved(ReasonExpired)
		return nil, ErrExpired
	}
	obs.ExportRetrieved("ok")
	return export, nil
}

// History returns the subject's append-only consent trail, newest first.
func (s *Service) History(ctx context.Context, subjectID string, limit int) ([]ConsentAuditRecord, error) {
	return s.store.Audit(ctx).ListBySubject(ctx, subjectID, limit)
}

// IssueTrustLink signs an agent-to-agent delegation on behalf of a
// human subject.
func (s *Service) IssueTrustLink(ctx context.Context, fromAgent, toAgent, scope, signedBy string, ttl time.Duration) (TrustLink, error) {
	if ttl <= 0 {
		ttl = s.grantTTL
	}
	return s.codec.IssueTrustLink(fromAgent, toAgent, scope, signedBy, ttl)
}

// VerifyTrustLink parses and verifies an encoded trust link and then
// consults the shared revocation registry keyed by the full encoded
// link. The stateless codec check stays registry-free; the service layer
// closes the gap so a subject can kill a delegation early.
func (s *Service) VerifyTrustLink(ctx context.Context, raw, requiredScope string) (Validation, error) {
	link, err := s.codec.ParseTrustLink(raw)
	if err != nil {
		return Validation{Reason: ReasonMalformed}, nil
	}
	v := s.codec.VerifyLink(link, requiredScope)
	if !v.OK {
		return v, nil
	}
	revoked, err := s.store.Revocations(ctx).Contains(ctx, raw)
	if err != nil {
		return Validation{}, fmt.Errorf("consent: revocation check: %w", err)
	}
	if revoked {
		return Validation{Reason: ReasonRevoked}, nil
	}
	return Validation{OK: true}, nil
}

// RevokeTrustLink invalidates a delegation before its expiry.
func (s *Service) RevokeTrustLink(ctx context.Context, raw string) error {
	link, err := s.codec.ParseTrustLink(raw)
	if err != nil {
		return ErrMalformedToken
	}
	if !s.codec.signer.Verify([]byte(link.payload()), link.Signature) {
		return ErrBadSignature
	}
	return s.store.Revocations(ctx).Add(ctx, raw, s.now().UTC())
}

// audit appends a ledger row; append failures must not fail the
// already-committed operation, so they are logged by the store layer and
// swallowed here.
func (s *Service) audit(ctx context.Context, rec *ConsentAuditRecord) {
	if rec.ID == "" {
		rec.ID = ids.New()
	}
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = s.now().UTC()
	}
	_ = s.store.Audit(ctx).Append(ctx, rec)
}

func (s *Service) publish(evt Event) {
	if s.pub != nil {
		s.pub.Publish(evt)
	}
}

func validationOutcome(v Validation) string {
	if v.OK {
		return "ok"
	}
	return v.Reason
}

func reasonError(reason string) error {
	switch reason {
	case ReasonMalformed:
		return ErrMalformedToken
	case ReasonBadSignature:
		return ErrBadSignature
	case ReasonScopeMismatch:
		return ErrScopeMismatch
	case ReasonExpired:
		return ErrExpired
	case ReasonRevoked:
		return ErrRevoked
	default:
		return ErrInvalidInput
	}
}
