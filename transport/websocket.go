package transport

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	relayerrors "github.com/vinayprograms/aquarelay/errors"
)

// Conn is one peer connection over WebSocket.
type Conn struct {
	id          string
	ws          *websocket.Conn
	config      Config
	remote      string
	connectedAt time.Time

	roleMu sync.Mutex
	role   Role

	alive atomic.Bool

	recv      chan []byte
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewConn wraps an upgraded WebSocket connection. The connection starts
// alive with no role.
func NewConn(ws *websocket.Conn, cfg Config) *Conn {
	defaults := DefaultConfig()
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaults.MaxMessageSize
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = defaults.SendBufferSize
	}
	if cfg.RecvBufferSize <= 0 {
		cfg.RecvBufferSize = defaults.RecvBufferSize
	}

	c := &Conn{
		id:          uuid.NewString(),
		ws:          ws,
		config:      cfg,
		remote:      ws.RemoteAddr().String(),
		connectedAt: time.Now(),
		recv:        make(chan []byte, cfg.RecvBufferSize),
		send:        make(chan []byte, cfg.SendBufferSize),
		done:        make(chan struct{}),
	}
	c.alive.Store(true)

	ws.SetReadLimit(cfg.MaxMessageSize)
	ws.SetPongHandler(func(string) error {
		c.MarkAlive()
		return nil
	})

	return c
}

// NewUpgrader creates an upgrader for accepting peer connections.
// Dashboards are commonly served from another origin, so any origin is accepted.
func NewUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
}

// ID returns the connection's unique identifier.
func (c *Conn) ID() string {
	return c.id
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	return c.remote
}

// ConnectedAt returns when the connection was accepted.
func (c *Conn) ConnectedAt() time.Time {
	return c.connectedAt
}

// Role returns the assigned role, RoleUnassigned before the handshake.
func (c *Conn) Role() Role {
	c.roleMu.Lock()
	defer c.roleMu.Unlock()
	return c.role
}

// AssignRole fixes the connection's role. It succeeds exactly once.
func (c *Conn) AssignRole(r Role) error {
	if r == RoleUnassigned {
		return relayerrors.New(relayerrors.ErrCodeInvalidRole, "cannot assign the unassigned role",
			relayerrors.WithConnID(c.id))
	}
	c.roleMu.Lock()
	defer c.roleMu.Unlock()
	if c.role != RoleUnassigned {
		return relayerrors.New(relayerrors.ErrCodeRoleAssigned, "role already assigned",
			relayerrors.WithConnID(c.id), relayerrors.WithRole(c.role.String()))
	}
	c.role = r
	return nil
}

// Alive reports the liveness flag.
func (c *Conn) Alive() bool {
	return c.alive.Load()
}

// MarkAlive sets the liveness flag.
func (c *Conn) MarkAlive() {
	c.alive.Store(true)
}

// ClearAlive clears the liveness flag and reports whether it was set.
func (c *Conn) ClearAlive() bool {
	return c.alive.Swap(false)
}

// Recv returns the channel of inbound data frames.
func (c *Conn) Recv() <-chan []byte {
	return c.recv
}

// Done is closed once the connection is closed or terminated.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Send queues a frame for delivery without blocking.
func (c *Conn) Send(data []byte) error {
	select {
	case <-c.done:
		return c.closedErr()
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return c.closedErr()
	default:
		return relayerrors.New(relayerrors.ErrCodeBackpressure, "send queue full",
			relayerrors.WithConnID(c.id))
	}
}

// Ping writes a ping control frame.
func (c *Conn) Ping() error {
	select {
	case <-c.done:
		return c.closedErr()
	default:
	}
	deadline := time.Now().Add(c.config.WriteTimeout)
	if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return relayerrors.SendFailed(c.id, err)
	}
	return nil
}

// Close sends a normal-closure frame carrying reason, then closes the socket.
func (c *Conn) Close(reason string) error {
	return c.shutdown(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	})
}

// Terminate closes the socket without a close handshake.
func (c *Conn) Terminate() error {
	return c.shutdown(nil)
}

func (c *Conn) shutdown(before func()) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if before != nil {
			before()
		}
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) closedErr() error {
	return relayerrors.New(relayerrors.ErrCodeClosed, "connection closed", relayerrors.WithConnID(c.id))
}

// Run pumps frames until the peer goes away, the connection is closed, or
// ctx is cancelled. A normal close by the peer returns nil.
func (c *Conn) Run(ctx context.Context) error {
	readErr := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(ctx)
	}()
	go func() {
		readErr <- c.readLoop()
	}()

	var err error
	select {
	case err = <-readErr:
		c.Terminate()
	case <-ctx.Done():
		c.Close(ReasonShutdown)
		err = <-readErr
		if err == nil {
			err = ctx.Err()
		}
	}
	wg.Wait()
	return err
}

// readLoop reads frames into recv until the socket fails.
func (c *Conn) readLoop() error {
	defer close(c.recv)

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				// closed locally
				return nil
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil
			}
			return err
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		select {
		case c.recv <- data:
		case <-c.done:
			return nil
		}
	}
}

// writeLoop writes queued frames until the connection closes.
func (c *Conn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Terminate()
				return
			}
		}
	}
}
