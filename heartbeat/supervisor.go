package heartbeat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	relayerrors "github.com/vinayprograms/aquarelay/errors"
	"github.com/vinayprograms/aquarelay/logging"
	"github.com/vinayprograms/aquarelay/metrics"
	"github.com/vinayprograms/aquarelay/registry"
	"github.com/vinayprograms/aquarelay/telemetry"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("supervisor already started")
	ErrNotStarted     = errors.New("supervisor not started")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// Reason explains an eviction.
type Reason string

const (
	// ReasonLivenessTimeout means no pong arrived since the previous probe.
	ReasonLivenessTimeout Reason = "liveness_timeout"
	// ReasonPingFailed means the probe itself could not be written.
	ReasonPingFailed Reason = "ping_failed"
)

// SweepResult reports one sweep.
type SweepResult struct {
	Probed  int
	Evicted int
}

// Config configures a Supervisor.
type Config struct {
	// Registry is the set of connections to supervise.
	Registry *registry.Registry

	// Interval between sweeps.
	// Default: 30 seconds
	Interval time.Duration

	// Logger, Metrics and Tracer are optional.
	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Tracer  *telemetry.Tracer
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Registry == nil {
		return ErrInvalidConfig
	}
	if c.Interval < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
	}
}

// Supervisor probes connections and evicts the unresponsive ones.
type Supervisor struct {
	reg      *registry.Registry
	interval time.Duration
	logger   *logging.Logger
	metrics  *metrics.Metrics
	tracer   *telemetry.Tracer

	mu       sync.RWMutex
	evictCBs []func(registry.Conn, Reason)

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSupervisor creates a supervisor. It does not start sweeping.
func NewSupervisor(cfg Config) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	interval := cfg.Interval
	if interval == 0 {
		interval = DefaultConfig().Interval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}

	return &Supervisor{
		reg:      cfg.Registry,
		interval: interval,
		logger:   logger,
		metrics:  cfg.Metrics,
		tracer:   tracer,
	}, nil
}

// Interval returns the sweep interval.
func (s *Supervisor) Interval() time.Duration {
	return s.interval
}

// OnEvict registers a callback invoked after each eviction.
func (s *Supervisor) OnEvict(callback func(conn registry.Conn, reason Reason)) {
	s.mu.Lock()
	s.evictCBs = append(s.evictCBs, callback)
	s.mu.Unlock()
}

// Start begins sweeping until Stop is called or ctx is cancelled.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyStarted
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.run(ctx)
	return nil
}

// Stop halts sweeping and waits for an in-flight sweep to finish.
func (s *Supervisor) Stop() error {
	if !s.running.Swap(false) {
		return ErrNotStarted
	}

	close(s.stopCh)
	<-s.doneCh
	return nil
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one liveness pass over every registered connection. A
// connection whose flag is still clear from the previous pass is evicted;
// every other connection has its flag cleared and is sent a ping.
func (s *Supervisor) Sweep(ctx context.Context) SweepResult {
	_, span := s.tracer.StartSweepSpan(ctx)

	var res SweepResult
	for _, conn := range s.reg.Connections() {
		if !conn.ClearAlive() {
			s.evict(conn, ReasonLivenessTimeout, relayerrors.LivenessTimeout(conn.ID()))
			res.Evicted++
			continue
		}
		if err := conn.Ping(); err != nil {
			s.evict(conn, ReasonPingFailed, err)
			res.Evicted++
			continue
		}
		res.Probed++
	}

	s.metrics.SweepCompleted(res.Probed)
	s.tracer.EndSweepSpan(span, telemetry.SweepSpanOptions{Probed: res.Probed, Evicted: res.Evicted})
	if res.Evicted > 0 {
		s.logger.Debug("liveness sweep", map[string]interface{}{
			"probed":  res.Probed,
			"evicted": res.Evicted,
		})
	}
	return res
}

func (s *Supervisor) evict(conn registry.Conn, reason Reason, cause error) {
	conn.Terminate()
	slot := s.reg.Remove(conn)

	fields := relayerrors.Fields(cause)
	fields["conn"] = conn.ID()
	fields["role"] = slot.String()
	fields["reason"] = string(reason)
	s.logger.Warn("connection_evicted", fields)
	s.metrics.Evicted(string(reason))

	s.mu.RLock()
	callbacks := make([]func(registry.Conn, Reason), len(s.evictCBs))
	copy(callbacks, s.evictCBs)
	s.mu.RUnlock()

	for _, cb := range callbacks {
		cb(conn, reason)
	}
}
