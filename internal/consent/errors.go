package consent

import "errors"

var (
	ErrMalformedToken  = errors.New("consent: malformed token")
	ErrBadSignature    = errors.New("consent: bad signature")
	ErrScopeMismatch   = errors.New("consent: scope mismatch")
	ErrExpired         = errors.New("consent: expired")
	ErrRevoked         = errors.New("consent: revoked")
	ErrSubjectMismatch = errors.New("consent: subject mismatch")
	ErrAlreadyPending  = errors.New("consent: request already pending")
	ErrRecentlyDenied  = errors.New("consent: recently denied")
	ErrDenied          = errors.New("consent: request denied")
	ErrNotFound        = errors.New("consent: not found")
	ErrInvalidInput    = errors.New("consent: invalid input")
	ErrAlreadyResolved = errors.New("consent: request already resolved")
	ErrAlreadyExists   = errors.New("consent: already exists")
)
