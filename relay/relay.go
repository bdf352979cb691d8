// Package relay moves producer samples to every registered consumer.
//
// The Engine validates each producer frame, records it as the latest sample,
// persists and mirrors it (both best-effort), then sends it to a snapshot of
// the consumer set. A consumer whose send fails is evicted on the spot and
// fan-out continues with the rest. Nothing is retried.
package relay

import (
	"context"
	"errors"
	"time"

	"github.com/vinayprograms/aquarelay/bus"
	relayerrors "github.com/vinayprograms/aquarelay/errors"
	"github.com/vinayprograms/aquarelay/logging"
	"github.com/vinayprograms/aquarelay/metrics"
	"github.com/vinayprograms/aquarelay/protocol"
	"github.com/vinayprograms/aquarelay/registry"
	"github.com/vinayprograms/aquarelay/state"
	"github.com/vinayprograms/aquarelay/telemetry"
)

// Delivery reports the outcome of one fan-out.
type Delivery struct {
	Delivered int
	Evicted   int
}

// Config holds engine settings.
type Config struct {
	// Envelope wraps outbound samples in {"type":"data","payload":...}.
	Envelope bool

	// Subject is the bus subject samples are mirrored to.
	Subject string
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics records relay metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer sets the tracer used for relay spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithStore persists every accepted sample under state.KeyLatestSample.
func WithStore(s state.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithMirror publishes every accepted sample to the configured subject.
func WithMirror(p bus.Publisher) Option {
	return func(e *Engine) { e.mirror = p }
}

// Engine is the relay engine.
type Engine struct {
	reg    *registry.Registry
	config Config

	logger  *logging.Logger
	metrics *metrics.Metrics
	tracer  *telemetry.Tracer
	store   state.Store
	mirror  bus.Publisher
}

// New creates an engine over reg.
func New(reg *registry.Registry, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		reg:    reg,
		config: cfg,
		logger: logging.Nop(),
		tracer: telemetry.NewNoopTracer(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Restore loads the persisted latest sample into the registry. A missing
// key is not an error.
func (e *Engine) Restore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	raw, err := e.store.Get(ctx, state.KeyLatestSample)
	if errors.Is(err, state.ErrNotFound) {
		return nil
	}
	if err != nil {
		return relayerrors.WrapWithCode(err, relayerrors.ErrCodeStoreUnavailable, "load latest sample")
	}
	s, err := protocol.ParseSample(raw)
	if err != nil {
		// stale or foreign value; ignore it
		e.logger.Warn("discarding persisted sample", relayerrors.Fields(err))
		return nil
	}
	e.reg.SetLatest(s)
	e.logger.Info("restored latest sample", map[string]interface{}{"bytes": len(raw)})
	return nil
}

// OnProducerMessage relays one producer frame. Frames that are not JSON
// objects, or that carry no conductivity reading, are discarded and leave
// the latest sample untouched.
func (e *Engine) OnProducerMessage(ctx context.Context, connID string, data []byte) (Delivery, error) {
	ctx, span := e.tracer.StartRelaySpan(ctx)

	sample, err := e.decode(data)
	if err != nil {
		reason := "unexpected_shape"
		if relayerrors.Is(err, relayerrors.ErrCodeMalformedPayload) {
			reason = "malformed"
		}
		e.logger.SampleDiscarded(connID, reason)
		e.metrics.SampleDiscarded(reason)
		e.tracer.EndRelaySpan(span, telemetry.RelaySpanOptions{Bytes: len(data)}, err)
		return Delivery{}, err
	}

	e.reg.SetLatest(sample)
	e.persist(ctx, sample)
	e.publish(sample)

	start := time.Now()
	consumers := e.reg.SnapshotConsumers()
	frame := protocol.EncodeSample(sample, e.config.Envelope)

	var d Delivery
	for _, c := range consumers {
		if err := c.Send(frame); err != nil {
			e.evict(c, err)
			d.Evicted++
			continue
		}
		d.Delivered++
	}

	e.metrics.SampleRelayed(sample, d.Delivered, d.Evicted, time.Since(start))
	e.tracer.EndRelaySpan(span, telemetry.RelaySpanOptions{
		Consumers: len(consumers),
		Delivered: d.Delivered,
		Evicted:   d.Evicted,
		Bytes:     len(frame),
		Payload:   sample.Bytes(),
	}, nil)
	return d, nil
}

// OnConsumerMessage handles a frame sent by a consumer. Consumers have no
// relay-level commands; an application ping is answered and everything else
// is acknowledged silently.
func (e *Engine) OnConsumerMessage(ctx context.Context, conn registry.Conn, data []byte) error {
	msg, err := protocol.Decode(data)
	if err != nil {
		e.logger.Debug("ignoring consumer frame", relayerrors.Fields(err))
		return nil
	}

	switch msg.Type {
	case protocol.TypePing:
		return conn.Send(protocol.EncodePong())
	case "", protocol.TypePong:
		return nil
	default:
		e.logger.Warn("unexpected consumer frame", map[string]interface{}{
			"conn": conn.ID(),
			"type": msg.Type,
		})
		return nil
	}
}

func (e *Engine) decode(data []byte) (*protocol.Sample, error) {
	msg, err := protocol.Decode(data)
	if err != nil {
		return nil, err
	}
	return msg.Sample()
}

// evict removes a consumer whose send failed and drops its socket.
func (e *Engine) evict(c registry.Conn, cause error) {
	if !e.reg.RemoveConsumer(c) {
		return
	}
	c.Terminate()
	reason := string(relayerrors.Code(cause))
	e.logger.Evicted(c.ID(), "consumer", reason)
	e.metrics.Evicted("send_failed")
}

func (e *Engine) persist(ctx context.Context, s *protocol.Sample) {
	if e.store == nil {
		return
	}
	if err := e.store.Put(ctx, state.KeyLatestSample, s.Bytes()); err != nil {
		wrapped := relayerrors.WrapWithCode(err, relayerrors.ErrCodeStoreUnavailable, "persist latest sample")
		e.logger.Warn("persist latest sample", relayerrors.Fields(wrapped))
	}
}

func (e *Engine) publish(s *protocol.Sample) {
	if e.mirror == nil || e.config.Subject == "" {
		return
	}
	if err := e.mirror.Publish(e.config.Subject, s.Bytes()); err != nil {
		wrapped := relayerrors.WrapWithCode(err, relayerrors.ErrCodeStoreUnavailable, "mirror sample")
		e.logger.Warn("mirror sample", relayerrors.Fields(wrapped))
	}
}
