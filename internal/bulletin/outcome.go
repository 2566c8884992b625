package bulletin

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across packages.
var (
	ErrAuthExpired        = errors.New("authentication expired")
	ErrNotFound           = errors.New("page not found")
	ErrFatalCredentials   = errors.New("portal rejected credentials")
	ErrLoginTimeout       = errors.New("login attempts exhausted")
	ErrSessionAbsent      = errors.New("no stored session")
	ErrSummaryUnavailable = errors.New("summary unavailable")
	ErrNotifyFailed       = errors.New("notification delivery failed")
	ErrTaskNotFound       = errors.New("task not found")
	ErrRunInProgress      = errors.New("run already in progress")
)

// OutcomeKind classifies the result of a fetch operation.
type OutcomeKind int

// Outcome kinds threaded through the retry shell.
const (
	KindOK OutcomeKind = iota
	KindTransient
	KindAuthExpired
	KindNotFound
	KindFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindTransient:
		return "transient"
	case KindAuthExpired:
		return "auth_expired"
	case KindNotFound:
		return "not_found"
	case KindFatal:
		return "fatal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome carries either a value or a classified failure.
type Outcome[T any] struct {
	Kind   OutcomeKind
	Value  T
	Reason string
	Err    error
}

// OK wraps a successful value.
func OK[T any](v T) Outcome[T] {
	return Outcome[T]{Kind: KindOK, Value: v}
}

// Transient marks a failure that may clear up on retry.
func Transient[T any](reason string, err error) Outcome[T] {
	return Outcome[T]{Kind: KindTransient, Reason: reason, Err: err}
}

// AuthExpired marks a response that revealed the session is no longer valid.
func AuthExpired[T any](reason string) Outcome[T] {
	return Outcome[T]{Kind: KindAuthExpired, Reason: reason, Err: ErrAuthExpired}
}

// NotFound marks a portal-side permanent absence.
func NotFound[T any](reason string) Outcome[T] {
	return Outcome[T]{Kind: KindNotFound, Reason: reason, Err: ErrNotFound}
}

// Fatal marks a failure that retrying cannot fix.
func Fatal[T any](reason string, err error) Outcome[T] {
	return Outcome[T]{Kind: KindFatal, Reason: reason, Err: err}
}

// Ok reports whether the outcome succeeded.
func (o Outcome[T]) Ok() bool {
	return o.Kind == KindOK
}

// Error renders the failure for task records and logs.
func (o Outcome[T]) Error() error {
	if o.Kind == KindOK {
		return nil
	}
	switch {
	case o.Err != nil && o.Reason != "":
		return fmt.Errorf("%s: %s: %w", o.Kind, o.Reason, o.Err)
	case o.Err != nil:
		return fmt.Errorf("%s: %w", o.Kind, o.Err)
	default:
		return fmt.Errorf("%s: %s", o.Kind, o.Reason)
	}
}

// Recast converts a failed outcome to another value type, keeping its classification.
func Recast[U, T any](o Outcome[T]) Outcome[U] {
	return Outcome[U]{Kind: o.Kind, Reason: o.Reason, Err: o.Err}
}
