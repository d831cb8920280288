// Package payerr defines the closed set of error kinds surfaced by the
// payment engine. Callers match on the kind, not on message text.
package payerr

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure
type Kind string

const (
	InvalidArgument     Kind = "invalid_argument"
	InvalidWallet       Kind = "invalid_wallet"
	UnsupportedCurrency Kind = "unsupported_currency"
	RateLimited         Kind = "rate_limited"
	FormCapExceeded     Kind = "form_cap_exceeded"
	SimilarToRecent     Kind = "similar_to_recent"
	FormNotFound        Kind = "form_not_found"
	FormNotPending      Kind = "form_not_pending"
	Expired             Kind = "expired"
	Mismatch            Kind = "mismatch"
	AlreadyProcessed    Kind = "already_processed"
	RaceLost            Kind = "race_lost"
	StorageBusy         Kind = "storage_busy"
	StorageFailed       Kind = "storage_failed"
	NetworkFailed       Kind = "network_failed"
	SSLFailed           Kind = "ssl_failed"
	APIRejected         Kind = "api_rejected"
	ValidationFailed    Kind = "validation_failed"
)

// Error is an error with a kind attached. The message is free-form and
// safe to log, the kind is part of the API contract.
type Error struct {
	Kind    Kind
	Message string
	// Err optionally carries the underlying cause
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches two payment errors on kind alone, so sentinel comparisons
// with errors.Is work regardless of message
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

// New creates an error of the given kind
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind from an error, or "" if the error does not
// carry one
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
