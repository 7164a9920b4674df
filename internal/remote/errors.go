package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies a remote failure for retry purposes.
type ErrorKind int

const (
	// Transient failures (timeouts, resets, 5xx) are retried under the
	// backoff policy and never surfaced individually to the user.
	Transient ErrorKind = iota
	// Permanent failures (validation, conflict, authorization) are never
	// retried automatically; they accumulate in the failed bucket.
	Permanent
)

// String returns a human-readable representation of the kind.
func (k ErrorKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Error is a classified remote store failure.
type Error struct {
	Kind       ErrorKind
	StatusCode int // HTTP status if applicable, 0 otherwise
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s remote failure (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s remote failure: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewTransient wraps err as a transient failure.
func NewTransient(err error) *Error {
	return &Error{Kind: Transient, Err: err}
}

// NewPermanent wraps err as a permanent failure.
func NewPermanent(err error) *Error {
	return &Error{Kind: Permanent, Err: err}
}

// IsPermanent reports whether err is classified as a permanent failure.
func IsPermanent(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Kind == Permanent
}

// IsTransient reports whether err should be treated as transient. This is
// the default for unclassified errors: anything not explicitly marked
// permanent (cancellations, network errors, unknown failures) is retried
// rather than dropped into the failed bucket.
func IsTransient(err error) bool {
	return err != nil && !IsPermanent(err)
}

// IsNetwork reports whether err looks like a network-level failure rather
// than an application-level one. The connectivity monitor uses this to
// distinguish "the link is down" from "the server rejected the request".
func IsNetwork(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var re *Error
	if errors.As(err, &re) {
		// A classified response means the server answered.
		return re.StatusCode == 0 && re.Kind == Transient
	}
	return false
}
