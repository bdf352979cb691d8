package gateway

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	relayerrors "github.com/vinayprograms/aquarelay/errors"
	"github.com/vinayprograms/aquarelay/logging"
	"github.com/vinayprograms/aquarelay/metrics"
	"github.com/vinayprograms/aquarelay/protocol"
	"github.com/vinayprograms/aquarelay/ratelimit"
	"github.com/vinayprograms/aquarelay/registry"
	"github.com/vinayprograms/aquarelay/relay"
	"github.com/vinayprograms/aquarelay/telemetry"
	"github.com/vinayprograms/aquarelay/transport"
)

// Policy selects how a peer's role is determined.
type Policy string

const (
	PolicyHeader   Policy = "header"
	PolicyRegister Policy = "register"
)

// RoleQueryParam is the query parameter consulted by the header policy.
const RoleQueryParam = "role"

// Config holds gateway settings.
type Config struct {
	// Policy is the handshake policy.
	// Default: header
	Policy Policy

	// RoleHeader is the request header carrying the role.
	// Default: X-Relay-Role
	RoleHeader string

	// RegisterTimeout bounds the register handshake.
	// Default: 10 seconds
	RegisterTimeout time.Duration

	// Transport configures each accepted connection.
	Transport transport.Config
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Policy:          PolicyHeader,
		RoleHeader:      "X-Relay-Role",
		RegisterTimeout: 10 * time.Second,
		Transport:       transport.DefaultConfig(),
	}
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the gateway's logger.
func WithLogger(l *logging.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithMetrics records handshake metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithTracer sets the tracer used for handshake spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(g *Gateway) {
		if t != nil {
			g.tracer = t
		}
	}
}

// WithLimiter caps each producer's sample rate.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(g *Gateway) { g.limiter = l }
}

// Gateway upgrades HTTP requests into relay peers.
type Gateway struct {
	reg      *registry.Registry
	engine   *relay.Engine
	config   Config
	upgrader *websocket.Upgrader

	logger  *logging.Logger
	metrics *metrics.Metrics
	tracer  *telemetry.Tracer
	limiter *ratelimit.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a gateway feeding engine and reg.
func New(reg *registry.Registry, engine *relay.Engine, cfg Config, opts ...Option) *Gateway {
	defaults := DefaultConfig()
	if cfg.Policy == "" {
		cfg.Policy = defaults.Policy
	}
	if cfg.RoleHeader == "" {
		cfg.RoleHeader = defaults.RoleHeader
	}
	if cfg.RegisterTimeout <= 0 {
		cfg.RegisterTimeout = defaults.RegisterTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		reg:      reg,
		engine:   engine,
		config:   cfg,
		upgrader: transport.NewUpgrader(),
		logger:   logging.Nop(),
		tracer:   telemetry.NewNoopTracer(),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ServeHTTP upgrades the request and serves the peer until it disconnects.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !g.acquire() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer g.wg.Done()

	var headerRole transport.Role
	if g.config.Policy == PolicyHeader {
		role, err := g.roleFromRequest(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		headerRole = role
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		g.logger.Debug("upgrade failed", map[string]interface{}{
			"remote": r.RemoteAddr,
			"error":  err.Error(),
		})
		return
	}

	conn := transport.NewConn(ws, g.config.Transport)
	g.logger.ConnectionOpened(conn.ID(), conn.RemoteAddr())

	ctx, cancel := context.WithCancel(g.ctx)
	defer cancel()

	runDone := make(chan error, 1)
	go func() {
		runDone <- conn.Run(ctx)
	}()

	role, err := g.handshake(ctx, conn, headerRole)
	if err != nil {
		if relayerrors.IsOperational(err) {
			g.logger.Info("handshake abandoned", relayerrors.Fields(err))
		} else {
			g.logger.Warn("handshake failed", relayerrors.Fields(err))
		}
		<-runDone
		return
	}

	switch role {
	case transport.RoleProducer:
		g.reg.RegisterProducer(conn)
	case transport.RoleConsumer:
		g.reg.RegisterConsumer(conn)
	}

	g.serve(ctx, conn, role)

	if err := <-runDone; err != nil && !errors.Is(err, context.Canceled) {
		fields := relayerrors.Fields(err)
		fields["conn"] = conn.ID()
		g.logger.Debug("read loop ended", fields)
	}
	g.reg.Remove(conn)
	g.limiter.Forget(conn.ID())
	g.logger.ConnectionClosed(conn.ID(), role.String(), time.Since(conn.ConnectedAt()))
}

// Shutdown stops accepting peers, closes connections that are still
// handshaking or serving, and waits for their handlers to return.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.cancel()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// acquire counts a new handler unless the gateway has shut down.
func (g *Gateway) acquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.wg.Add(1)
	return true
}

// roleFromRequest applies the header policy.
func (g *Gateway) roleFromRequest(r *http.Request) (transport.Role, error) {
	value := r.Header.Get(g.config.RoleHeader)
	if value == "" {
		value = r.URL.Query().Get(RoleQueryParam)
	}
	if value == "" {
		return transport.RoleConsumer, nil
	}
	return transport.ParseRole(value)
}

// handshake decides and assigns the connection's role.
func (g *Gateway) handshake(ctx context.Context, conn *transport.Conn, headerRole transport.Role) (transport.Role, error) {
	_, span := g.tracer.StartHandshakeSpan(ctx, conn.ID(), string(g.config.Policy))

	role := headerRole
	var err error
	if g.config.Policy == PolicyRegister {
		role, err = g.awaitRegister(ctx, conn)
	}
	if err == nil {
		err = conn.AssignRole(role)
	}
	if err != nil {
		g.tracer.EndHandshakeSpan(span, "", err)
		return transport.RoleUnassigned, err
	}

	if g.config.Policy == PolicyRegister {
		if sendErr := conn.Send(protocol.EncodeRegistered(role.WireName())); sendErr != nil {
			g.logger.Debug("registered ack not sent", relayerrors.Fields(sendErr))
		}
	}

	g.logger.RoleAssigned(conn.ID(), role.String(), string(g.config.Policy))
	g.metrics.HandshakeCompleted(role.String(), string(g.config.Policy))
	g.tracer.EndHandshakeSpan(span, role.String(), nil)
	return role, nil
}

// awaitRegister waits for a register frame. Anything else is discarded.
func (g *Gateway) awaitRegister(ctx context.Context, conn *transport.Conn) (transport.Role, error) {
	timer := time.NewTimer(g.config.RegisterTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return transport.RoleUnassigned, relayerrors.Wrap(ctx.Err(), "handshake interrupted",
				relayerrors.WithConnID(conn.ID()))

		case <-timer.C:
			conn.Close(transport.ReasonHandshake)
			return transport.RoleUnassigned, relayerrors.New(relayerrors.ErrCodeHandshakeTimeout,
				"no register frame before timeout", relayerrors.WithConnID(conn.ID()),
				relayerrors.WithMetadata("timeout", g.config.RegisterTimeout.String()))

		case data, ok := <-conn.Recv():
			if !ok {
				return transport.RoleUnassigned, relayerrors.New(relayerrors.ErrCodeClosed,
					"peer left before registering", relayerrors.WithConnID(conn.ID()))
			}

			msg, err := protocol.Decode(data)
			if err != nil || msg.Type != protocol.TypeRegister {
				g.logger.Warn("frame before registration discarded", map[string]interface{}{
					"conn": conn.ID(),
				})
				continue
			}

			role, err := transport.ParseRole(msg.Role)
			if err != nil {
				conn.Send(protocol.EncodeError(err))
				continue
			}
			return role, nil
		}
	}
}

// serve routes frames until the connection's read loop ends.
func (g *Gateway) serve(ctx context.Context, conn *transport.Conn, role transport.Role) {
	for data := range conn.Recv() {
		g.handle(ctx, conn, role, data)
	}
}

// handle routes one frame. A panic is logged and costs only that frame.
func (g *Gateway) handle(ctx context.Context, conn *transport.Conn, role transport.Role, data []byte) {
	defer func() {
		if err := relayerrors.RecoverPanic(recover()); err != nil {
			fields := relayerrors.Fields(err)
			fields["conn"] = conn.ID()
			g.logger.Error("frame handler panicked", fields)
		}
	}()

	if isRegisterFrame(data) {
		err := relayerrors.FromCode(relayerrors.ErrCodeRoleAssigned,
			relayerrors.WithConnID(conn.ID()), relayerrors.WithRole(role.String()))
		conn.Send(protocol.EncodeError(err))
		return
	}

	switch role {
	case transport.RoleProducer:
		// A superseded producer may still have frames in flight.
		if g.reg.SlotOf(conn) != registry.SlotProducer {
			return
		}
		if !g.limiter.Allow(conn.ID()) {
			g.logger.SampleDiscarded(conn.ID(), "rate_limited")
			g.metrics.SampleDiscarded("rate_limited")
			return
		}
		// Incomplete samples are only logged; unparseable frames are reported.
		_, err := g.engine.OnProducerMessage(ctx, conn.ID(), data)
		if relayerrors.Is(err, relayerrors.ErrCodeMalformedPayload) {
			conn.Send(protocol.EncodeError(err))
		}
	case transport.RoleConsumer:
		// An application ping proves the peer is alive as well as a pong does.
		if isPingFrame(data) {
			conn.MarkAlive()
		}
		g.engine.OnConsumerMessage(ctx, conn, data)
	}
}

func isRegisterFrame(data []byte) bool {
	if !bytes.Contains(data, []byte(protocol.TypeRegister)) {
		return false
	}
	msg, err := protocol.Decode(data)
	return err == nil && msg.Type == protocol.TypeRegister
}

func isPingFrame(data []byte) bool {
	if !bytes.Contains(data, []byte(protocol.TypePing)) {
		return false
	}
	msg, err := protocol.Decode(data)
	return err == nil && msg.Type == protocol.TypePing
}
