package provider

import (
	"errors"
	"fmt"
)

var ErrUnknownProvider = errors.New("unknown provider")

// Error codes recorded on failed jobs.
const (
	CodeProviderUnavailable = "provider_unavailable"
	CodeProviderTimeout     = "provider_timeout"
	CodeRateLimited         = "rate_limited"
	CodeProviderRejected    = "provider_rejected"
	CodeQuotaExceeded       = "quota_exceeded"
	CodeGenerationFailed    = "generation_failed"
	CodeInvalidResponse     = "invalid_response"
)

// Error is a classified provider failure. Transient errors may succeed on retry.
type Error struct {
	Transient bool
	Code      string
	Message   string
	Err       error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.Err != nil {
		return fmt.Sprintf("provider %s error %s: %s: %v", kind, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("provider %s error %s: %s", kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient builds a retryable provider error.
func Transient(code, message string) *Error {
	return &Error{Transient: true, Code: code, Message: message}
}

// Permanent builds a provider error that must not be retried.
func Permanent(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a cause to a classified error.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

// IsTransient reports whether err carries a transient *Error.
func IsTransient(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Transient
}

// AsError extracts the classified error from err's chain. Unclassified errors come
// back as a permanent generation_failed so callers always have a code to record.
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return Permanent(CodeGenerationFailed, err.Error())
}
