// Package errs provides structured error types shared across the marketfeed client.
package errs

import (
	"context"
	"errors"
	"strconv"
	"strings"
)

// Code identifies a failure category used for retry classification.
type Code string

const (
	// CodeNetwork indicates a transport-level failure on a discrete request.
	CodeNetwork Code = "network"
	// CodeExchange indicates an exchange-side HTTP failure.
	CodeExchange Code = "exchange_error"
	// CodeRateLimited indicates that the request exceeded rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeAuth indicates authentication or authorization errors.
	CodeAuth Code = "auth"
	// CodeTransport indicates a streaming connection failure.
	CodeTransport Code = "transport"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the client.
type E struct {
	Venue   string
	Code    Code
	HTTP    int
	Message string
	RawMsg  string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the venue and error code.
func New(venue string, code Code, opts ...Option) *E {
	e := &E{
		Venue: strings.TrimSpace(venue),
		Code:  code,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawMessage captures the raw server-provided error text.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	venue := strings.TrimSpace(e.Venue)
	if venue == "" {
		venue = "unknown"
	}
	parts = append(parts, "venue="+venue)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}
	return strings.Join(parts, " ")
}

// Unwrap exposes the underlying cause for errors.Is/errors.As chains.
func (e *E) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// UserMessage returns the most specific text available for display: the raw
// server-provided message when present, otherwise the envelope message,
// otherwise a generic classification string.
func (e *E) UserMessage() string {
	if e == nil {
		return ""
	}
	if e.RawMsg != "" {
		return e.RawMsg
	}
	if e.Message != "" {
		return e.Message
	}
	return "request failed (" + string(e.Code) + ")"
}

// Retryable reports whether the error belongs to a retry-safe class:
// network failures, server-side HTTP failures (>=500), and rate limiting.
// A per-attempt timeout classified as CodeNetwork is retryable even though it
// wraps context.DeadlineExceeded; bare context errors mean the caller gave up.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var e *E
	if !errors.As(err, &e) {
		return false
	}
	if e.cause == nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return false
	}
	switch e.Code {
	case CodeNetwork, CodeRateLimited, CodeUnavailable:
		return true
	case CodeExchange:
		return e.HTTP >= 500 || e.HTTP == 429
	default:
		return false
	}
}

// CodeOf extracts the failure category from an error chain, or empty when the
// error does not carry an envelope.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
