// Package config loads relay configuration from a TOML file and the environment.
//
// Every field has a default, so the relay runs with no file at all; the only
// setting most deployments touch is the listen port, taken from PORT.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	relayerrors "github.com/vinayprograms/aquarelay/errors"
)

// Environment variables read by Load.
const (
	EnvPort       = "PORT"
	EnvConfigPath = "AQUARELAY_CONFIG"
	EnvLogLevel   = "AQUARELAY_LOG_LEVEL"
	EnvLogFormat  = "AQUARELAY_LOG_FORMAT"
	EnvNATSURL    = "AQUARELAY_NATS_URL"
	EnvOTLP       = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

// Handshake policies for deciding a connection's role.
const (
	HandshakeHeader   = "header"
	HandshakeRegister = "register"
)

// Duration is a time.Duration that decodes from strings like "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the full relay configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Relay     RelayConfig     `toml:"relay"`
	Liveness  LivenessConfig  `toml:"liveness"`
	Transport TransportConfig `toml:"transport"`
	NATS      NATSConfig      `toml:"nats"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Log       LogConfig       `toml:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port            int      `toml:"port"`
	StaticDir       string   `toml:"static_dir"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

// RelayConfig configures role classification and outbound framing.
type RelayConfig struct {
	// Handshake is "header" (role fixed by X-Relay-Role at connect time)
	// or "register" (role sent in the first frame).
	Handshake       string   `toml:"handshake"`
	RoleHeader      string   `toml:"role_header"`
	RegisterTimeout Duration `toml:"register_timeout"`

	// Envelope wraps outbound samples as {"type":"data","payload":...}.
	Envelope bool `toml:"envelope"`

	// MaxRate caps producer samples per second, with bursts up to the same
	// number. Frames over the rate are discarded. 0 means unlimited.
	MaxRate int `toml:"max_rate"`
}

// LivenessConfig configures the heartbeat sweep.
type LivenessConfig struct {
	Interval Duration `toml:"interval"`
}

// TransportConfig configures each WebSocket connection.
type TransportConfig struct {
	WriteTimeout   Duration `toml:"write_timeout"`
	MaxMessageSize int64    `toml:"max_message_size"`
	SendBuffer     int      `toml:"send_buffer"`
}

// NATSConfig enables the bus mirror and the KV latest-sample store.
// An empty URL keeps everything in memory.
type NATSConfig struct {
	URL     string `toml:"url"`
	Subject string `toml:"subject"`
	Bucket  string `toml:"bucket"`
}

// TelemetryConfig configures OpenTelemetry tracing.
// An empty endpoint disables export.
type TelemetryConfig struct {
	Endpoint    string `toml:"endpoint"`
	Protocol    string `toml:"protocol"`
	Insecure    bool   `toml:"insecure"`
	ServiceName string `toml:"service_name"`

	// Debug copies sample payloads into relay spans.
	Debug bool `toml:"debug"`

	// SampleRatio is the fraction of relay traces exported; 0 exports all.
	SampleRatio float64 `toml:"sample_ratio"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			StaticDir:       "public",
			ShutdownTimeout: Duration{10 * time.Second},
		},
		Relay: RelayConfig{
			Handshake:       HandshakeHeader,
			RoleHeader:      "X-Relay-Role",
			RegisterTimeout: Duration{10 * time.Second},
		},
		Liveness: LivenessConfig{
			Interval: Duration{30 * time.Second},
		},
		Transport: TransportConfig{
			WriteTimeout:   Duration{10 * time.Second},
			MaxMessageSize: 64 * 1024,
			SendBuffer:     64,
		},
		NATS: NATSConfig{
			Subject: "aquarelay.samples",
			Bucket:  "aquarelay",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "aquarelay",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// StandardPaths returns config file locations in order of priority.
func StandardPaths() []string {
	paths := []string{"aquarelay.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "aquarelay", "aquarelay.toml"))
	}
	paths = append(paths, "/etc/aquarelay/aquarelay.toml")
	return paths
}

// Load builds the configuration: defaults, then the file at path (or the
// first standard path that exists when path is empty), then environment
// overrides. It returns the file actually used, "" when none.
func Load(path string) (Config, string, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		for _, p := range StandardPaths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, path, relayerrors.InvalidConfig("decoding "+path,
				relayerrors.WithCause(err))
		}
	}

	if err := applyEnv(&cfg, os.Getenv); err != nil {
		return cfg, path, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, path, err
	}
	return cfg, path, nil
}

// Parse decodes TOML text on top of the defaults. Environment is not read.
func Parse(data string) (Config, error) {
	cfg := Default()
	if _, err := toml.Decode(data, &cfg); err != nil {
		return cfg, relayerrors.InvalidConfig("decoding config", relayerrors.WithCause(err))
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	if v := getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return relayerrors.InvalidConfig(fmt.Sprintf("%s=%q is not a number", EnvPort, v))
		}
		cfg.Server.Port = port
	}
	if v := getenv(EnvLogLevel); v != "" {
		cfg.Log.Level = v
	}
	if v := getenv(EnvLogFormat); v != "" {
		cfg.Log.Format = v
	}
	if v := getenv(EnvNATSURL); v != "" {
		cfg.NATS.URL = v
	}
	if v := getenv(EnvOTLP); v != "" && cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = v
	}
	return nil
}

// Validate checks the configuration for values the relay cannot run with.
func (c Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return relayerrors.InvalidConfig(fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	switch c.Relay.Handshake {
	case HandshakeHeader, HandshakeRegister:
	default:
		return relayerrors.InvalidConfig(fmt.Sprintf("relay.handshake %q must be %q or %q",
			c.Relay.Handshake, HandshakeHeader, HandshakeRegister))
	}
	if c.Relay.Handshake == HandshakeHeader && c.Relay.RoleHeader == "" {
		return relayerrors.InvalidConfig("relay.role_header is required for the header handshake")
	}
	if c.Relay.MaxRate < 0 {
		return relayerrors.InvalidConfig("relay.max_rate must not be negative")
	}
	if c.Liveness.Interval.Duration <= 0 {
		return relayerrors.InvalidConfig("liveness.interval must be positive")
	}
	if c.Transport.SendBuffer <= 0 {
		return relayerrors.InvalidConfig("transport.send_buffer must be positive")
	}
	if c.Transport.MaxMessageSize <= 0 {
		return relayerrors.InvalidConfig("transport.max_message_size must be positive")
	}
	switch c.Telemetry.Protocol {
	case "grpc", "http", "":
	default:
		return relayerrors.InvalidConfig(fmt.Sprintf("telemetry.protocol %q must be grpc or http", c.Telemetry.Protocol))
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return relayerrors.InvalidConfig("telemetry.sample_ratio must be between 0 and 1")
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
