package transfer

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies transfer failures so callers can pick a recovery path
type Kind string

const (
	KindValidation           Kind = "validation"
	KindAuthExpired          Kind = "auth_expired"
	KindNetwork              Kind = "network"
	KindRemoteSessionInvalid Kind = "remote_session_invalid"
	KindIntegrity            Kind = "integrity"
	KindCanceled             Kind = "canceled"
	KindInternal             Kind = "internal"
)

// Sentinel errors, one per kind. errors.Is matches any *Error of the same kind.
var (
	ErrValidation           = &Error{Kind: KindValidation}
	ErrAuthExpired          = &Error{Kind: KindAuthExpired}
	ErrNetwork              = &Error{Kind: KindNetwork}
	ErrRemoteSessionInvalid = &Error{Kind: KindRemoteSessionInvalid}
	ErrIntegrity            = &Error{Kind: KindIntegrity}
	ErrCanceled             = &Error{Kind: KindCanceled}
)

// Error is a classified transfer error with context about the failed operation
type Error struct {
	Kind Kind
	Op   string
	Key  string
	Err  error
}

func (e *Error) Error() string {
	var msg string
	switch {
	case e.Op != "" && e.Key != "":
		msg = fmt.Sprintf("%s %s", e.Op, e.Key)
	case e.Op != "":
		msg = e.Op
	case e.Key != "":
		msg = e.Key
	}

	if e.Err == nil {
		if msg == "" {
			return string(e.Kind)
		}
		return fmt.Sprintf("%s: %s", msg, e.Kind)
	}
	if msg == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", msg, e.Kind, e.Err)
}

// Unwrap returns the underlying error for error chaining support.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors of the same kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NewError creates a classified error for an operation
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithKey adds object or file context to an existing error.
func (e *Error) WithKey(key string) *Error {
	e.Key = key
	return e
}

// Validationf builds a validation error from a format string
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind of err. Context cancellation maps to KindCanceled,
// unclassified errors to KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	return KindInternal
}

// Retryable reports whether a chunk operation failing with err may be retried in place
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindAuthExpired:
		return true
	default:
		return false
	}
}

// InvalidatesCheckpoint reports whether a task failing with this kind must restart
// from a fresh chunk plan
func (k Kind) InvalidatesCheckpoint() bool {
	return k == KindRemoteSessionInvalid || k == KindIntegrity
}
