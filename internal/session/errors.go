package session

import (
	"errors"

	"github.com/Tyrowin/tablechat/internal/moderation"
	"github.com/Tyrowin/tablechat/internal/store"
	"github.com/Tyrowin/tablechat/internal/tokens"
)

// Reasons shown to clients. Validation reasons live in package auth.
const (
	ReasonNameUnavailable = "Nome indisponível."
	ReasonBadPassword     = "Senha incorreta."
	ReasonBadAdminSecret  = "Senha do mestre incorreta."
	ReasonRegisterFailed  = "Erro no registro."
	ReasonGeneric         = "generic"
)

var (
	ErrNameUnavailable = errors.New("session: name belongs to another role")
	ErrBadPassword     = errors.New("session: password mismatch")
	ErrBadAdminSecret  = errors.New("session: admin secret mismatch")
	ErrAlreadyBound    = errors.New("session: connection already bound or binding")
	ErrNotActive       = errors.New("session: connection is not active")
)

// Kind classifies a failed operation by how the client is told about it.
type Kind int

const (
	// KindValidation is malformed registration input, answered with registerError.
	KindValidation Kind = iota + 1
	// KindAuth is a bad password, bad admin secret or a name held by another role.
	KindAuth
	// KindNotFound is an unknown or expired token, answered with resumeFailed.
	KindNotFound
	// KindPermission is a moderator command from someone else. It is dropped.
	KindPermission
	// KindTransient is a store failure. The caller gets a generic error.
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindPermission:
		return "permission"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Error is a failed operation with the reason the client will see.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String() + ": " + e.Reason
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func validationError(reason string, err error) *Error {
	return &Error{Kind: KindValidation, Reason: reason, Err: err}
}

func authError(reason string, err error) *Error {
	return &Error{Kind: KindAuth, Reason: reason, Err: err}
}

func transientError(err error) *Error {
	return &Error{Kind: KindTransient, Reason: ReasonGeneric, Err: err}
}

// KindOf classifies err. Errors that are not otherwise recognised are transient.
func KindOf(err error) Kind {
	var serr *Error
	switch {
	case errors.As(err, &serr):
		return serr.Kind
	case errors.Is(err, moderation.ErrPermission), errors.Is(err, ErrNotActive):
		return KindPermission
	case errors.Is(err, tokens.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return KindNotFound
	default:
		return KindTransient
	}
}

// ReasonOf returns the client-facing reason carried by err.
func ReasonOf(err error) string {
	var serr *Error
	if errors.As(err, &serr) && serr.Reason != "" {
		return serr.Reason
	}
	return ReasonGeneric
}
