package transport

import (
	"strings"
	"time"

	relayerrors "github.com/vinayprograms/aquarelay/errors"
)

// Role is the fixed part a peer plays for the lifetime of its connection.
type Role int

const (
	// RoleUnassigned is the state before the handshake completes.
	RoleUnassigned Role = iota
	// RoleProducer is the sensor device pushing samples.
	RoleProducer
	// RoleConsumer is a dashboard receiving samples.
	RoleConsumer
)

// String returns the role name used in logs and metrics.
func (r Role) String() string {
	switch r {
	case RoleProducer:
		return "producer"
	case RoleConsumer:
		return "consumer"
	default:
		return "unassigned"
	}
}

// WireName returns the role name used in handshake frames.
func (r Role) WireName() string {
	if r == RoleConsumer {
		return "subscriber"
	}
	return r.String()
}

// ParseRole maps a wire or header value to a Role.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "producer", "device", "sensor":
		return RoleProducer, nil
	case "subscriber", "consumer", "dashboard":
		return RoleConsumer, nil
	default:
		return RoleUnassigned, relayerrors.Newf(relayerrors.ErrCodeInvalidRole, "unknown role %q", s)
	}
}

// Config holds per-connection settings.
type Config struct {
	// WriteTimeout bounds every data and control frame write.
	WriteTimeout time.Duration

	// MaxMessageSize limits incoming frame size.
	MaxMessageSize int64

	// SendBufferSize is the outbound queue depth.
	SendBufferSize int

	// RecvBufferSize is the inbound channel depth.
	RecvBufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 64 * 1024,
		SendBufferSize: 64,
		RecvBufferSize: 16,
	}
}

// Reasons carried in close frames.
const (
	ReasonSuperseded = "superseded by new producer"
	ReasonShutdown   = "server shutting down"
	ReasonHandshake  = "registration timed out"
)
