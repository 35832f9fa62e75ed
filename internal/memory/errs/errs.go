// Package errs defines the closed set of error kinds the memory engine
// surfaces to callers, replacing exception-class hierarchies with a typed
// sum carrying structured details (see spec Design Note on polymorphic
// error reporting).
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the fixed error categories the engine ever reports.
type Kind string

const (
	KindInvalidInput         Kind = "invalid_input"
	KindMemoryNotFound       Kind = "memory_not_found"
	KindInvalidTier          Kind = "invalid_tier"
	KindEmbedFailed          Kind = "embed_failed"
	KindSubstrateUnavailable Kind = "substrate_unavailable"
	KindStorageFailed        Kind = "storage_failed"
	KindConfigInvalid        Kind = "config_invalid"
	KindConsonanceTooLow     Kind = "consonance_too_low"
	KindNoFundamental        Kind = "no_fundamental"
	KindNoMelody             Kind = "no_melody"
	KindNoOvertone           Kind = "no_overtone"
	KindCacheMiss            Kind = "cache_miss"
	KindConflict             Kind = "conflict"
)

// Error is the engine's single error type. Foreground operations surface it
// verbatim (kind + minimal details); background tasks log it and move on.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, errs.New(kind, "")) to match on Kind alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New constructs an *Error with no details and no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error that wraps cause, preserving it for errors.Is
// chains against storage or embedding sentinel errors.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithDetails attaches a details map (e.g. memory_id, similarity) to an
// error, returning a copy so sentinel comparisons stay stable.
func (e *Error) WithDetails(details map[string]any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Sentinels usable directly with errors.Is for the common no-detail cases.
var (
	ErrInvalidInput         = New(KindInvalidInput, "")
	ErrMemoryNotFound       = New(KindMemoryNotFound, "")
	ErrInvalidTier          = New(KindInvalidTier, "")
	ErrEmbedFailed          = New(KindEmbedFailed, "")
	ErrSubstrateUnavailable = New(KindSubstrateUnavailable, "")
	ErrStorageFailed        = New(KindStorageFailed, "")
	ErrConfigInvalid        = New(KindConfigInvalid, "")
	ErrConsonanceTooLow     = New(KindConsonanceTooLow, "")
	ErrNoFundamental        = New(KindNoFundamental, "")
	ErrNoMelody             = New(KindNoMelody, "")
	ErrNoOvertone           = New(KindNoOvertone, "")
	ErrCacheMiss            = New(KindCacheMiss, "")
	ErrConflict             = New(KindConflict, "")
)
