package planfix

import (
	"errors"
	"fmt"
)

// Kind classifies registry failures for the dialog layer.
type Kind int

const (
	// KindRejected means the registry refused the request; retrying the
	// same payload will not help.
	KindRejected Kind = iota + 1
	// KindTransient means the request may succeed if repeated later.
	KindTransient
	// KindUnavailable means the registry could not be reached at all.
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindRejected:
		return "rejected"
	case KindTransient:
		return "transient"
	case KindUnavailable:
		return "unavailable"
	}
	return "unknown"
}

// Error is the typed failure returned by every client operation.
type Error struct {
	Kind    Kind
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status > 0 {
		return fmt.Sprintf("planfix: %s: %s (status %d, %s)", e.Op, msg, e.Status, e.Kind)
	}
	return fmt.Sprintf("planfix: %s: %s (%s)", e.Op, msg, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the failure kind from err, or 0 when err is not a
// registry error.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return 0
}

// IsRejected reports whether err is a non-retryable registry refusal.
func IsRejected(err error) bool { return KindOf(err) == KindRejected }

// IsTransient reports whether err may succeed on a later retry.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsUnavailable reports whether the registry was unreachable.
func IsUnavailable(err error) bool { return KindOf(err) == KindUnavailable }
