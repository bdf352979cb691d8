package errors

// ErrorCategory classifies errors by their nature.
type ErrorCategory string

const (
	// CategoryTransient indicates a temporary failure of a peer or collaborator.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates input that will never be accepted.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates exhaustion of a bounded resource.
	CategoryResource ErrorCategory = "resource"

	// CategoryOperational indicates an expected lifecycle event rather than a fault.
	CategoryOperational ErrorCategory = "operational"

	// CategoryInternal indicates unexpected errors or corrupted state.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

const (
	// Permanent
	ErrCodeMalformedPayload ErrorCode = "MALFORMED_PAYLOAD" // frame is not a JSON object
	ErrCodeUnexpectedShape  ErrorCode = "UNEXPECTED_SHAPE"  // valid JSON, missing field or unknown type
	ErrCodeInvalidRole      ErrorCode = "INVALID_ROLE"      // unknown role name
	ErrCodeRoleAssigned     ErrorCode = "ROLE_ASSIGNED"     // role already decided for this connection
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"    // configuration rejected

	// Transient
	ErrCodeSendFailed       ErrorCode = "SEND_FAILED"       // peer unreachable mid-send
	ErrCodeClosed           ErrorCode = "CLOSED"            // connection already closed
	ErrCodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE" // state store or bus unreachable

	// Resource
	ErrCodeBackpressure ErrorCode = "BACKPRESSURE" // outbound queue full

	// Operational
	ErrCodeLivenessTimeout  ErrorCode = "LIVENESS_TIMEOUT"  // no pong since last probe
	ErrCodeSuperseded       ErrorCode = "SUPERSEDED"        // producer replaced by a newer one
	ErrCodeHandshakeTimeout ErrorCode = "HANDSHAKE_TIMEOUT" // no register frame in time
	ErrCodeShutdown         ErrorCode = "SHUTDOWN"          // process is stopping

	// Internal
	ErrCodeInternal ErrorCode = "INTERNAL"
	ErrCodePanic    ErrorCode = "PANIC"
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeMalformedPayload, ErrCodeUnexpectedShape, ErrCodeInvalidRole,
		ErrCodeRoleAssigned, ErrCodeInvalidConfig:
		return CategoryPermanent
	case ErrCodeSendFailed, ErrCodeClosed, ErrCodeStoreUnavailable:
		return CategoryTransient
	case ErrCodeBackpressure:
		return CategoryResource
	case ErrCodeLivenessTimeout, ErrCodeSuperseded, ErrCodeHandshakeTimeout, ErrCodeShutdown:
		return CategoryOperational
	default:
		return CategoryInternal
	}
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeMalformedPayload: "malformed payload",
	ErrCodeUnexpectedShape:  "unexpected message shape",
	ErrCodeInvalidRole:      "invalid role",
	ErrCodeRoleAssigned:     "role already assigned",
	ErrCodeInvalidConfig:    "invalid configuration",
	ErrCodeSendFailed:       "send failed",
	ErrCodeClosed:           "connection closed",
	ErrCodeStoreUnavailable: "store unavailable",
	ErrCodeBackpressure:     "send queue full",
	ErrCodeLivenessTimeout:  "liveness timeout",
	ErrCodeSuperseded:       "superseded by new producer",
	ErrCodeHandshakeTimeout: "registration timed out",
	ErrCodeShutdown:         "server shutting down",
	ErrCodeInternal:         "internal error",
	ErrCodePanic:            "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
