// Package errors provides error classification utilities for the job
// execution core: a closed set of tagged job error kinds consumed by the
// retry supervisor, and database error classification for the archive layer.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// JobErrorKind is a closed set of error categories the supervisor switches on
// when deciding whether an attempt may be retried. Operations should return
// tagged errors (via NewJobError or WithKind) so classification does not
// depend on message wording; untagged errors fall back to a substring match
// for compatibility with plain wire-level errors.
type JobErrorKind int

const (
	// KindTransient is the default: the failure may succeed on retry.
	KindTransient JobErrorKind = iota
	// KindValidation marks input that failed validation; never retried.
	KindValidation
	// KindInvalidInput marks malformed input; never retried.
	KindInvalidInput
	// KindNotFound marks a missing resource; never retried.
	KindNotFound
	// KindUnauthorized marks a failed authentication; never retried.
	KindUnauthorized
	// KindForbidden marks a rejected authorization; never retried.
	KindForbidden
	// KindBadRequest marks a request the dependency refused; never retried.
	KindBadRequest
	// KindTimeout marks an attempt that exceeded its deadline; retryable.
	KindTimeout
	// KindCircuitOpen marks an attempt rejected by an open circuit breaker;
	// never retried, since the breaker already decided the dependency is down.
	KindCircuitOpen
)

// String returns the kind name used in logs.
func (k JobErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindInvalidInput:
		return "invalid_input"
	case KindNotFound:
		return "not_found"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindBadRequest:
		return "bad_request"
	case KindTimeout:
		return "timeout"
	case KindCircuitOpen:
		return "circuit_open"
	default:
		return "transient"
	}
}

// Retryable reports whether the supervisor may retry an attempt that failed
// with this kind.
func (k JobErrorKind) Retryable() bool {
	switch k {
	case KindValidation, KindInvalidInput, KindNotFound, KindUnauthorized,
		KindForbidden, KindBadRequest, KindCircuitOpen:
		return false
	default:
		return true
	}
}

// JobError is an error tagged with a JobErrorKind.
type JobError struct {
	Kind JobErrorKind
	Err  error
}

// Error implements the error interface.
func (e *JobError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error for errors.Is / errors.As.
func (e *JobError) Unwrap() error {
	return e.Err
}

// NewJobError creates a tagged error with a formatted message.
func NewJobError(kind JobErrorKind, format string, args ...interface{}) error {
	return &JobError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// WithKind tags an existing error with a kind. A nil error stays nil.
func WithKind(kind JobErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &JobError{Kind: kind, Err: err}
}

// nonRetryableSubstrings is the legacy denylist used to classify errors that
// arrive without a kind tag, typically raw messages from the remote worker.
var nonRetryableSubstrings = map[string]JobErrorKind{
	"validation failed": KindValidation,
	"invalid input":     KindInvalidInput,
	"not found":         KindNotFound,
	"unauthorized":      KindUnauthorized,
	"forbidden":         KindForbidden,
	"bad request":       KindBadRequest,
}

// ClassifyJobError returns the kind of an error. Tagged errors report their
// own kind; untagged errors are matched against the substring denylist and
// default to KindTransient.
func ClassifyJobError(err error) JobErrorKind {
	if err == nil {
		return KindTransient
	}

	var je *JobError
	if errors.As(err, &je) {
		return je.Kind
	}

	msg := strings.ToLower(err.Error())
	for sub, kind := range nonRetryableSubstrings {
		if strings.Contains(msg, sub) {
			return kind
		}
	}

	return KindTransient
}

// IsRetryable reports whether the supervisor may retry after err.
func IsRetryable(err error) bool {
	return ClassifyJobError(err).Retryable()
}
