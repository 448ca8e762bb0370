package errors

import (
	stderrors "errors"
	"fmt"
)

var (
	ErrWorkerPanic         = fmt.Errorf("worker panic")
	ErrEmptyWords          = fmt.Errorf("no words have been found")
	ErrNotFound            = fmt.Errorf("not found")
	ErrPermissionDenied    = fmt.Errorf("permission denied")
	ErrConstraintViolation = fmt.Errorf("constraint violation")
	ErrTransient           = fmt.Errorf("transient failure")
	ErrChannelDisconnected = fmt.Errorf("channel disconnected")
	ErrSessionClosed       = fmt.Errorf("session closed")
	ErrSessionNotReady     = fmt.Errorf("session not ready")
	ErrSessionOpened       = fmt.Errorf("session already opened")
	ErrMessagePending      = fmt.Errorf("message is not confirmed yet")
	ErrEmptyMessage        = fmt.Errorf("message has neither body nor attachment")
	ErrInvalidPayload      = fmt.Errorf("invalid payload")
	ErrInvalidToken        = fmt.Errorf("invalid token")
	ErrSamePair            = fmt.Errorf("a private conversation needs two distinct users")
)

// Kind classifies failures coming from the store and the transport.
type Kind int

const (
	KindTransient Kind = iota
	KindNotFound
	KindPermissionDenied
	KindConstraintViolation
	KindChannelDisconnected
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindPermissionDenied:
		return "permission_denied"
	case KindConstraintViolation:
		return "constraint_violation"
	case KindChannelDisconnected:
		return "channel_disconnected"
	default:
		return "transient"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindPermissionDenied:
		return ErrPermissionDenied
	case KindConstraintViolation:
		return ErrConstraintViolation
	case KindChannelDisconnected:
		return ErrChannelDisconnected
	default:
		return ErrTransient
	}
}

// StoreError is returned by every store adapter.
// errors.Is matches it against the sentinel of its kind.
type StoreError struct {
	Kind Kind
	Op   string
	Err  error
}

func NewStoreError(kind Kind, op string, err error) *StoreError {
	return &StoreError{Kind: kind, Op: op, Err: err}
}

func (e *StoreError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == e.Kind.sentinel() }

// DeniedError is the rejection produced by the moderation guard.
type DeniedError struct {
	Action string
	Reason string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("%s denied: %s", e.Action, e.Reason)
}

func (e *DeniedError) Is(target error) bool { return target == ErrPermissionDenied }

// KindOf returns the kind carried by err, falling back on the sentinels.
func KindOf(err error) (Kind, bool) {
	var storeErr *StoreError
	switch {
	case err == nil:
		return 0, false
	case stderrors.As(err, &storeErr):
		return storeErr.Kind, true
	case stderrors.Is(err, ErrNotFound):
		return KindNotFound, true
	case stderrors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied, true
	case stderrors.Is(err, ErrConstraintViolation):
		return KindConstraintViolation, true
	case stderrors.Is(err, ErrChannelDisconnected):
		return KindChannelDisconnected, true
	case stderrors.Is(err, ErrTransient):
		return KindTransient, true
	}
	return 0, false
}

// IsRetryable reports whether the caller may try the same operation again.
func IsRetryable(err error) bool {
	kind, ok := KindOf(err)
	return ok && (kind == KindTransient || kind == KindChannelDisconnected)
}

func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

func New(text string) error { return stderrors.New(text) }
