package errors

import (
	"fmt"
	"time"
)

// RelayError is the interface for structured errors in the relay.
type RelayError interface {
	error

	// Code returns the specific error code identifying the failure type.
	Code() ErrorCode

	// Category returns the error category.
	Category() ErrorCategory

	// Metadata returns additional context as key-value pairs.
	Metadata() map[string]string

	// Unwrap returns the underlying error, if any.
	Unwrap() error
}

// Error is the concrete implementation of RelayError.
type Error struct {
	code      ErrorCode
	category  ErrorCategory
	message   string
	cause     error
	metadata  map[string]string
	timestamp time.Time
	connID    string
	role      string
}

var _ RelayError = (*Error)(nil)

// Error returns the error message.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Category returns the error category.
func (e *Error) Category() ErrorCategory {
	return e.category
}

// Message returns the message without the cause.
func (e *Error) Message() string {
	return e.message
}

// Metadata returns a copy of the error metadata.
func (e *Error) Metadata() map[string]string {
	result := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		result[k] = v
	}
	return result
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Timestamp returns when the error occurred.
func (e *Error) Timestamp() time.Time {
	return e.timestamp
}

// ConnID returns the connection the error relates to, if set.
func (e *Error) ConnID() string {
	return e.connID
}

// Role returns the peer role the error relates to, if set.
func (e *Error) Role() string {
	return e.role
}

// Fields returns the error as a flat field map for the logger.
func (e *Error) Fields() map[string]interface{} {
	fields := map[string]interface{}{
		"code":     string(e.code),
		"category": string(e.category),
	}
	if e.connID != "" {
		fields["conn"] = e.connID
	}
	if e.role != "" {
		fields["role"] = e.role
	}
	if e.cause != nil {
		fields["cause"] = e.cause.Error()
	}
	for k, v := range e.metadata {
		fields[k] = v
	}
	return fields
}

// Option is a functional option for configuring an Error.
type Option func(*Error)

// WithMetadata adds a metadata key-value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithConnID sets the related connection ID.
func WithConnID(id string) Option {
	return func(e *Error) {
		e.connID = id
	}
}

// WithRole sets the related peer role.
func WithRole(role string) Option {
	return func(e *Error) {
		e.role = role
	}
}

// WithCause sets the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) {
		e.cause = cause
	}
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{
		code:      code,
		category:  code.DefaultCategory(),
		message:   message,
		timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Newf creates a new Error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// FromCode creates an error with the default description for the code.
func FromCode(code ErrorCode, opts ...Option) *Error {
	return New(code, code.Description(), opts...)
}

// Malformed creates a malformed payload error.
func Malformed(cause error, opts ...Option) *Error {
	return New(ErrCodeMalformedPayload, "malformed payload", append(opts, WithCause(cause))...)
}

// UnexpectedShape creates an unexpected shape error.
func UnexpectedShape(message string, opts ...Option) *Error {
	return New(ErrCodeUnexpectedShape, message, opts...)
}

// SendFailed creates a send failure error for a connection.
func SendFailed(connID string, cause error, opts ...Option) *Error {
	opts = append([]Option{WithConnID(connID), WithCause(cause)}, opts...)
	return New(ErrCodeSendFailed, fmt.Sprintf("send to %s failed", connID), opts...)
}

// LivenessTimeout creates a liveness timeout error for a connection.
func LivenessTimeout(connID string, opts ...Option) *Error {
	opts = append([]Option{WithConnID(connID)}, opts...)
	return New(ErrCodeLivenessTimeout, fmt.Sprintf("connection %s missed liveness probe", connID), opts...)
}

// InvalidConfig creates a configuration error.
func InvalidConfig(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidConfig, message, opts...)
}
