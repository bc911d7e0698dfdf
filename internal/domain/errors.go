package domain

import (
	"errors"
	"fmt"
)

// Kind classifies adapter and acquisition failures.
type Kind string

const (
	KindNotFound    Kind = "NOT_FOUND"
	KindRateLimit   Kind = "RATE_LIMIT"
	KindAuth        Kind = "AUTH"
	KindNetwork     Kind = "NETWORK"
	KindServerError Kind = "SERVER_ERROR"
)

// Retryable reports whether callers may back off and try again.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimit, KindNetwork, KindServerError:
		return true
	}
	return false
}

// Error carries the failure taxonomy together with the call site.
type Error struct {
	Kind     Kind
	Retailer string
	Op       string
	Status   int
	Err      error
}

// NewError builds a classified error.
func NewError(kind Kind, retailer, op string, err error) *Error {
	return &Error{Kind: kind, Retailer: retailer, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Retailer, e.Op, e.Kind)
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (http %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable mirrors Kind.Retryable.
func (e *Error) Retryable() bool { return e.Kind.Retryable() }

// Is lets errors.Is match on kind via a sentinel such as ErrNotFound.
func (e *Error) Is(target error) bool {
	var k kindSentinel
	if errors.As(target, &k) {
		return e.Kind == Kind(k)
	}
	return false
}

type kindSentinel Kind

func (k kindSentinel) Error() string { return string(k) }

// Sentinels usable with errors.Is against any *Error.
var (
	ErrNotFound    error = kindSentinel(KindNotFound)
	ErrRateLimit   error = kindSentinel(KindRateLimit)
	ErrAuth        error = kindSentinel(KindAuth)
	ErrNetwork     error = kindSentinel(KindNetwork)
	ErrServerError error = kindSentinel(KindServerError)
)

// KindOf extracts the kind of err, reporting false for unclassified errors.
func KindOf(err error) (Kind, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind, true
	}
	return "", false
}

// IsRetryable reports whether err is a classified retryable failure.
func IsRetryable(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind.Retryable()
}
