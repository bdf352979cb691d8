package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the chain.
// If err is nil, Wrap returns nil. A wrapped *Error keeps its code and
// category; context errors map to SHUTDOWN; anything else becomes INTERNAL.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var relayErr *Error
	if errors.As(err, &relayErr) {
		wrapped := &Error{
			code:      relayErr.code,
			category:  relayErr.category,
			message:   message,
			cause:     err,
			metadata:  relayErr.Metadata(),
			timestamp: relayErr.timestamp,
			connID:    relayErr.connID,
			role:      relayErr.role,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeShutdown, message, append(opts, WithCause(err))...)
	}

	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// WrapWithCode wraps an error with a specific error code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	return New(code, message, append(opts, WithCause(err))...)
}

// AsRelayError extracts a RelayError from an error chain, or nil.
func AsRelayError(err error) RelayError {
	var relayErr *Error
	if errors.As(err, &relayErr) {
		return relayErr
	}
	return nil
}

// Is checks if any error in the chain has the given error code.
func Is(err error, code ErrorCode) bool {
	var relayErr *Error
	if errors.As(err, &relayErr) {
		return relayErr.code == code
	}
	return false
}

// IsCategory checks if the first structured error in the chain has the given category.
func IsCategory(err error, category ErrorCategory) bool {
	var relayErr *Error
	if errors.As(err, &relayErr) {
		return relayErr.category == category
	}
	return false
}

// IsOperational checks if the error is an expected lifecycle event.
func IsOperational(err error) bool {
	return IsCategory(err, CategoryOperational)
}

// Code extracts the error code from an error, or "".
func Code(err error) ErrorCode {
	var relayErr *Error
	if errors.As(err, &relayErr) {
		return relayErr.code
	}
	return ""
}

// Fields returns logger fields for err. Plain errors yield {"error": msg}.
func Fields(err error) map[string]interface{} {
	if err == nil {
		return nil
	}
	var relayErr *Error
	if errors.As(err, &relayErr) {
		fields := relayErr.Fields()
		fields["error"] = err.Error()
		return fields
	}
	return map[string]interface{}{"error": err.Error()}
}

// RecoverPanic converts a recovered panic value into an Error.
func RecoverPanic(recovered interface{}) *Error {
	if recovered == nil {
		return nil
	}
	switch v := recovered.(type) {
	case error:
		return New(ErrCodePanic, "recovered from panic", WithCause(v))
	case string:
		return New(ErrCodePanic, "recovered from panic: "+v)
	default:
		return New(ErrCodePanic, fmt.Sprintf("recovered from panic: %v", v))
	}
}
