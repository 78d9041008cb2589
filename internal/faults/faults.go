// Package faults is the shared error taxonomy for the orchestrator.
// Every failure raised by the core is classifiable into exactly one kind,
// either permanent (never retried) or transient (retried by exactly one
// retry layer). Higher layers must not re-invent classifications.
package faults

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind identifies a failure class.
type Kind string

const (
	// Permanent kinds. A retry of these cannot succeed.
	KindValidation   Kind = "validation"
	KindNotFound     Kind = "not_found"
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
	KindBadRequest   Kind = "bad_request"

	// Transient kinds. Retried by the appropriate layer.
	KindTimeout            Kind = "timeout"
	KindNetwork            Kind = "network"
	KindRateLimited        Kind = "rate_limited"
	KindServiceUnavailable Kind = "service_unavailable"
	KindInfrastructure     Kind = "infrastructure"

	// KindUnknown is used for errors produced outside the core.
	KindUnknown Kind = "unknown"
)

// Fault is an error carrying a taxonomy kind.
type Fault struct {
	Kind    Kind
	Message string
	// Field names the offending input field for validation faults.
	Field string
	// RetryAfter is the suggested wait carried by rate-limited faults.
	// Zero when the remote gave no hint.
	RetryAfter time.Duration
	Err        error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// New creates a fault with the given kind and message.
func New(kind Kind, format string, args ...interface{}) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Validationf creates a validation fault naming the offending field.
func Validationf(field, format string, args ...interface{}) *Fault {
	return &Fault{Kind: KindValidation, Field: field, Message: fmt.Sprintf(format, args...)}
}

// RateLimitedFor creates a rate-limited fault carrying the remote's
// suggested wait.
func RateLimitedFor(wait time.Duration, format string, args ...interface{}) *Fault {
	return &Fault{Kind: KindRateLimited, RetryAfter: wait, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the taxonomy kind from an error chain.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindUnknown
}

// IsPermanent reports whether the error is classified permanent.
// Unknown errors are treated as permanent so that nothing retries them
// by accident.
func IsPermanent(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindNotFound, KindUnauthorized, KindForbidden, KindBadRequest, KindUnknown:
		return true
	}
	return false
}

// IsTransient reports whether the error is classified transient.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindNetwork, KindRateLimited, KindServiceUnavailable, KindInfrastructure:
		return true
	}
	return false
}

// RetryAfterOf returns the suggested wait attached to a rate-limited
// error, or zero.
func RetryAfterOf(err error) time.Duration {
	var f *Fault
	if errors.As(err, &f) {
		return f.RetryAfter
	}
	return 0
}

// ClassifyStatus maps a remote HTTP-style status code to a kind.
func ClassifyStatus(status int) Kind {
	switch status {
	case http.StatusBadRequest:
		return KindBadRequest
	case http.StatusUnauthorized:
		return KindUnauthorized
	case http.StatusForbidden:
		return KindForbidden
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusTooManyRequests:
		return KindRateLimited
	case http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return KindServiceUnavailable
	}
	switch {
	case status >= 400 && status < 500:
		return KindValidation
	case status >= 500:
		return KindServiceUnavailable
	}
	return KindUnknown
}

// HTTPStatus maps a kind to the wire status code returned by handlers.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindBadRequest:
		return http.StatusBadRequest
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		// Infrastructure, ServiceUnavailable, Timeout, Network, unknown.
		return http.StatusInternalServerError
	}
}
