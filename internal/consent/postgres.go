package consent

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// isUniqueViolation reports whether err is a PostgreSQL unique-constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL. Concurrent approve/deny on
// the same request serialize through a conditional update on the status
// column; exactly one transition wins.
type PGStore struct {
	db *sql.DB
}

// NewPGStore wraps an open database handle.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// OpenPG opens a pooled PostgreSQL connection for the consent store.
func OpenPG(dsn string) (*PGStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &PGStore{db: db}, nil
}

func (s *PGStore) Close() error { return s.db.Close() }

func (s *PGStore) DB() *sql.DB { return s.db }

func (s *PGStore) Revocations(context.Context) RevocationStore { return &pgRevocations{db: s.db} }
func (s *PGStore) Requests(context.Context) RequestStore       { return &pgRequests{db: s.db} }
func (s *PGStore) Tokens(context.Context) TokenStore           { return &pgTokens{db: s.db} }
func (s *PGStore) Exports(context.Context) ExportStore         { return &pgExports{db: s.db} }
func (s *PGStore) Audit(context.Context) AuditStore            { return &pgAudit{db: s.db} }

// Revocation store ----------------------------------------------------------

type pgRevocations struct{ db *sql.DB }

func (s *pgRevocations) Add(ctx context.Context, token string, revokedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`insert into revoked_tokens(token, revoked_at) values($1,$2) on conflict (token) do nothing`,
		token, revokedAt,
	)
	return err
}

func (s *pgRevocations) Contains(ctx context.Context, token string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `select 1 from revoked_tokens where token=$1`, token).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Request store -------------------------------------------------------------

type pgRequests struct{ db *sql.DB }

const requestColumns = `id, subject_id, holder_id, scope, description, status, created_at, poll_timeout_at, resolved_at, granted_token`

func (s *pgRequests) Create(ctx context.Context, req *PendingConsentRequest) error {
	_, err := s.db.ExecContext(ctx,
		`insert into consent_requests(id, subject_id, holder_id, scope, description, status, created_at, poll_timeout_at)
		 values($1,$2,$3,$4,$5,$6,$7,$8)`,
		req.RequestID, req.SubjectID, req.HolderID, req.Scope, req.Description,
		string(req.Status), req.CreatedAt, req.PollTimeoutAt,
	)
	// The partial unique index on outstanding (subject, holder, scope)
	// rows arbitrates concurrent creates.
	if isUniqueViolation(err) {
		return ErrAlreadyPending
	}
	return err
}

func (s *pgRequests) Find(ctx context.Context, requestID string) (*PendingConsentRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+requestColumns+` from consent_requests where id=$1`, requestID)
	return scanRequestFrom(row)
}

func (s *pgRequests) FindOutstanding(ctx context.Context, subjectID, holderID, scope string) (*PendingConsentRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+requestColumns+` from consent_requests
		 where subject_id=$1 and holder_id=$2 and scope=$3 and status='REQUESTED'
		 order by created_at desc limit 1`,
		subjectID, holderID, scope)
	return scanRequestFrom(row)
}

func (s *pgRequests) LastDenied(ctx context.Context, subjectID, holderID, scope string) (*PendingConsentRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+requestColumns+` from consent_requests
		 where subject_id=$1 and holder_id=$2 and scope=$3 and status='DENIED'
		 order by resolved_at desc limit 1`,
		subjectID, holderID, scope)
	return scanRequestFrom(row)
}

func (s *pgRequests) Resolve(ctx context.Context, requestID string, from, to RequestStatus, resolvedAt time.Time, grantedToken string) error {
	res, err := s.db.ExecContext(ctx,
		`update consent_requests set status=$2, resolved_at=$3, granted_token=nullif($4,'')
		 where id=$1 and status=$5`,
		requestID, string(to), resolvedAt, grantedToken, string(from),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, `select 1 from consent_requests where id=$1`, requestID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrAlreadyResolved
}

func (s *pgRequests) ListPending(ctx context.Context, subjectID string) ([]PendingConsentRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+requestColumns+` from consent_requests
		 where subject_id=$1 and status='REQUESTED' order by created_at asc`, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PendingConsentRequest
	for rows.Next() {
		req, err := scanRequestFrom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequestFrom(sc rowScanner) (*PendingConsentRequest, error) {
	var (
		req      PendingConsentRequest
		status   string
		resolved sql.NullTime
		granted  sql.NullString
	)
	if err := sc.Scan(&req.RequestID, &req.SubjectID, &req.HolderID, &req.Scope, &req.Description,
		&status, &req.CreatedAt, &req.PollTimeoutAt, &resolved, &granted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	req.Status = RequestStatus(status)
	if resolved.Valid {
		req.ResolvedAt = resolved.Time
	}
	if granted.Valid {
		req.GrantedToken = granted.String
	}
	return &req, nil
}

// Token store ---------------------------------------------------------------

type pgTokens struct{ db *sql.DB }

func (s *pgTokens) Save(ctx context.Context, tok *ActiveToken) error {
	_, err := s.db.ExecContext(ctx,
		`insert into consent_tokens(token, subject_id, holder_id, scope, issued_at, expires_at)
		 values($1,$2,$3,$4,$5,$6)`,
		tok.Token, tok.SubjectID, tok.HolderID, tok.Scope, tok.IssuedAt, tok.ExpiresAt,
	)
	return err
}

func (s *pgTokens) FindActive(ctx context.Context, subjectID, holderID, scope string, now time.Time) (*ActiveToken, error) {
	row := s.db.QueryRowContext(ctx,
		`select token, subject_id, holder_id, scope, issued_at, expires_at
		 from consent_tokens
		 where subject_id=$1 and holder_id=$2 and scope=$3 and not revoked and expires_at > $4
		 order by expires_at desc limit 1`,
		subjectID, holderID, scope, now)
	var tok ActiveToken
	if err := row.Scan(&tok.Token, &tok.SubjectID, &tok.HolderID, &tok.Scope, &tok.IssuedAt, &tok.ExpiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &tok, nil
}

func (s *pgTokens) MarkRevoked(ctx context.Context, token string, revokedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update consent_tokens set revoked=true, revoked_at=$2 where token=$1`, token, revokedAt)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Export store --------------------------------------------------------------

type pgExports struct{ db *sql.DB }

func (s *pgExports) Put(ctx context.Context, export *EncryptedExport) error {
	_, err := s.db.ExecContext(ctx,
		`insert into consent_exports(id, token, subject_id, holder_id, scope, ciphertext, iv, tag, export_key, created_at, expires_at)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		export.ID, export.Token, export.SubjectID, export.HolderID, export.Scope,
		export.Ciphertext, export.IV, export.Tag, export.ExportKey,
		export.CreatedAt, export.ExpiresAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (s *pgExports) FindByToken(ctx context.Context, token string) (*EncryptedExport, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, token, subject_id, holder_id, scope, ciphertext, iv, tag, export_key, created_at, expires_at
		 from consent_exports where token=$1`, token)
	var e EncryptedExport
	if err := row.Scan(&e.ID, &e.Token, &e.SubjectID, &e.HolderID, &e.Scope,
		&e.Ciphertext, &e.IV, &e.Tag, &e.ExportKey, &e.CreatedAt, &e.ExpiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

// Audit store ---------------------------------------------------------------

type pgAudit struct{ db *sql.DB }

func (s *pgAudit) Append(ctx context.Context, rec *ConsentAuditRecord) error {
	meta, _ := json.Marshal(rec.Metadata)
	_, err := s.db.ExecContext(ctx,
		`insert into consent_audit(id, occurred_at, event, subject_id, holder_id, scope, request_id, outcome, metadata)
		 values($1,$2,$3,$4,$5,$6,nullif($7,''),nullif($8,''),$9)`,
		rec.ID, rec.OccurredAt, string(rec.Event), rec.SubjectID, rec.HolderID, rec.Scope,
		rec.RequestID, rec.Outcome, meta,
	)
	return err
}

func (s *pgAudit) ListBySubject(ctx context.Context, subjectID string, limit int) ([]ConsentAuditRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`select id, occurred_at, event, subject_id, holder_id, scope, coalesce(request_id,''), coalesce(outcome,''), metadata
		 from consent_audit where subject_id=$1 order by occurred_at desc limit $2`,
		subjectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConsentAuditRecord
	for rows.Next() {
		var (
			rec  ConsentAuditRecord
			ev   string
			meta []byte
		)
		if err := rows.Scan(&rec.ID, &rec.OccurredAt, &ev, &rec.SubjectID, &rec.HolderID, &rec.Scope,
			&rec.RequestID, &rec.Outcome, &meta); err != nil {
			return nil, err
		}
		rec.Event = AuditEvent(ev)
		_ = json.Unmarshal(meta, &rec.Metadata)
		out = append(out, rec)
	}
	return out, rows.Err()
}
