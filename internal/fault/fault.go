// Package fault defines the shared error taxonomy used across aishell
// components. Every cross-component error is classified into a Kind so the
// CLI can map failures to exit codes and the pipeline can decide whether an
// error is fatal, retryable, or merely degrades a feature.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error independently of which component produced it.
type Kind int

const (
	KindUnknown Kind = iota
	KindTimeout
	KindUnavailable
	KindNotFound
	KindDuplicateName
	KindSchemaViolation
	KindCrypto
	KindKeystoreUnavailable
	KindInvalidInput
	KindPermissionDenied
	KindRiskRejected
	KindProvider
	KindDimensionMismatch
	KindPoolExhausted
	KindCancelled
)

// String returns the canonical name for the kind.
func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindUnavailable:
		return "unavailable"
	case KindNotFound:
		return "not_found"
	case KindDuplicateName:
		return "duplicate_name"
	case KindSchemaViolation:
		return "schema_violation"
	case KindCrypto:
		return "crypto_error"
	case KindKeystoreUnavailable:
		return "keystore_unavailable"
	case KindInvalidInput:
		return "invalid_input"
	case KindPermissionDenied:
		return "permission_denied"
	case KindRiskRejected:
		return "risk_rejected"
	case KindProvider:
		return "provider_error"
	case KindDimensionMismatch:
		return "dimension_mismatch"
	case KindPoolExhausted:
		return "pool_exhausted"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is a classified error. It wraps an optional cause so errors.Is and
// errors.As keep working through the classification layer.
type Error struct {
	kind Kind
	msg  string
	err  error
}

// New creates a classified error with a static message.
func New(kind Kind, msg string) error {
	return &Error{kind: kind, msg: msg}
}

// Errorf creates a classified error with a formatted message.
func Errorf(kind Kind, format string, args ...interface{}) error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. A nil cause returns nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, msg: msg, err: err}
}

func (e *Error) Error() string {
	if e.err != nil {
		if e.msg != "" {
			return fmt.Sprintf("%s: %v", e.msg, e.err)
		}
		return e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// Kind returns the classification of this error.
func (e *Error) Kind() Kind { return e.kind }

// KindOf walks the error chain and returns its classification.
// Context cancellation and deadline errors classify even when they were
// never wrapped in a fault.Error.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindUnknown
}

// Is reports whether the error chain classifies as the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsTimeout reports whether err classifies as a deadline failure.
func IsTimeout(err error) bool { return Is(err, KindTimeout) }

// IsNotFound reports whether err classifies as a missing entity.
func IsNotFound(err error) bool { return Is(err, KindNotFound) }
