package consent

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemory implements Store with in-process concurrency safety. Suitable
// for tests and single-instance deployments; multi-instance deployments
// need the PostgreSQL store so revocation is shared.
type InMemory struct {
	mu       sync.RWMutex
	revoked  map[string]time.Time
	requests map[string]*PendingConsentRequest
	tokens   map[string]*ActiveToken
	exports  map[string]*EncryptedExport
	audit    []ConsentAuditRecord
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty consent store.
func NewInMemory() *InMemory {
	return &InMemory{
		revoked:  make(map[string]time.Time),
		requests: make(map[string]*PendingConsentRequest),
		tokens:   make(map[string]*ActiveToken),
		exports:  make(map[string]*EncryptedExport),
	}
}

func (m *InMemory) Revocations(context.Context) RevocationStore { return (*memRevocations)(m) }
func (m *InMemory) Requests(context.Context) RequestStore       { return (*memRequests)(m) }
func (m *InMemory) Tokens(context.Context) TokenStore           { return (*memTokens)(m) }
func (m *InMemory) Exports(context.Context) ExportStore         { return (*memExports)(m) }
func (m *InMemory) Audit(context.Context) AuditStore            { return (*memAudit)(m) }

// Revocations ---------------------------------------------------------------

type memRevocations InMemory

func (m *memRevocations) Add(_ context.Context, token string, revokedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.revoked[token]; !ok {
		m.revoked[token] = revokedAt
	}
	return nil
}

func (m *memRevocations) Contains(_ context.Context, token string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.revoked[token]
	return ok, nil
}

// Requests ------------------------------------------------------------------

type memRequests InMemory

func (m *memRequests) Create(_ context.Context, req *PendingConsentRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Mirrors the partial unique index on (subject, holder, scope) for
	// REQUESTED rows in the PostgreSQL schema.
	for _, existing := range m.requests {
		if existing.SubjectID == req.SubjectID && existing.HolderID == req.HolderID &&
			existing.Scope == req.Scope && existing.Status == StatusRequested {
			return ErrAlreadyPending
		}
	}
	cp := *req
	m.requests[req.RequestID] = &cp
	return nil
}

func (m *memRequests) Find(_ context.Context, requestID string) (*PendingConsentRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.requests[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *req
	return &cp, nil
}

func (m *memRequests) FindOutstanding(_ context.Context, subjectID, holderID, scope string) (*PendingConsentRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var newest *PendingConsentRequest
	for _, req := range m.requests {
		if req.SubjectID != subjectID || req.HolderID != holderID || req.Scope != scope {
			continue
		}
		if req.Status != StatusRequested {
			continue
		}
		if newest == nil || req.CreatedAt.After(newest.CreatedAt) {
			newest = req
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	cp := *newest
	return &cp, nil
}

func (m *memRequests) LastDenied(_ context.Context, subjectID, holderID, scope string) (*PendingConsentRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var newest *PendingConsentRequest
	for _, req := range m.requests {
		if req.SubjectID != subjectID || req.HolderID != holderID || req.Scope != scope {
			continue
		}
		if req.Status != StatusDenied {
			continue
		}
		if newest == nil || req.ResolvedAt.After(newest.ResolvedAt) {
			newest = req
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	cp := *newest
	return &cp, nil
}

func (m *memRequests) Resolve(_ context.Context, requestID string, from, to RequestStatus, resolvedAt time.Time, grantedToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[requestID]
	if !ok {
		return ErrNotFound
	}
	if req.Status != from {
		return ErrAlreadyResolved
	}
	req.Status = to
	req.ResolvedAt = resolvedAt
	if grantedToken != "" {
		req.GrantedToken = grantedToken
	}
	return nil
}

func (m *memRequests) ListPending(_ context.Context, subjectID string) ([]PendingConsentRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []PendingConsentRequest
	for _, req := range m.requests {
		if req.SubjectID == subjectID && req.Status == StatusRequested {
			out = append(out, *req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Tokens --------------------------------------------------------------------

type memTokens InMemory

func (m *memTokens) Save(_ context.Context, tok *ActiveToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tok
	m.tokens[tok.Token] = &cp
	return nil
}

func (m *memTokens) FindActive(_ context.Context, subjectID, holderID, scope string, now time.Time) (*ActiveToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var newest *ActiveToken
	for _, tok := range m.tokens {
		if tok.SubjectID != subjectID || tok.HolderID != holderID || tok.Scope != scope {
			continue
		}
		if tok.Revoked || !tok.ExpiresAt.After(now) {
			continue
		}
		if newest == nil || tok.ExpiresAt.After(newest.ExpiresAt) {
			newest = tok
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	cp := *newest
	return &cp, nil
}

func (m *memTokens) MarkRevoked(_ context.Context, token string, revokedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[token]
	if !ok {
		return ErrNotFound
	}
	tok.Revoked = true
	tok.RevokedAt = revokedAt
	return nil
}

// Exports -------------------------------------------------------------------

type memExports InMemory

func (m *memExports) Put(_ context.Context, export *EncryptedExport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// One bundle per token, same as the unique column in PostgreSQL.
	if _, ok := m.exports[export.Token]; ok {
		return ErrAlreadyExists
	}
	cp := *export
	m.exports[export.Token] = &cp
	return nil
}

func (m *memExports) FindByToken(_ context.Context, token string) (*EncryptedExport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	export, ok := m.exports[token]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *export
	return &cp, nil
}

// Audit ---------------------------------------------------------------------

type memAudit InMemory

func (m *memAudit) Append(_ context.Context, rec *ConsentAuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, *rec)
	return nil
}

func (m *memAudit) ListBySubject(_ context.Context, subjectID string, limit int) ([]ConsentAuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ConsentAuditRecord
	for i := len(m.audit) - 1; i >= 0; i-- {
		if m.audit[i].SubjectID != subjectID {
			continue
		}
		out = append(out, m.audit[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
