package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	relayerrors "github.com/vinayprograms/aquarelay/errors"
)

// --- Unit Tests ---

func TestConfig_Defaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxMessageSize != 64*1024 {
		t.Errorf("MaxMessageSize = %d, want 64KiB", cfg.MaxMessageSize)
	}
	if cfg.WriteTimeout != 10*time.Second {
		t.Errorf("WriteTimeout = %v, want 10s", cfg.WriteTimeout)
	}
	if cfg.SendBufferSize != 64 {
		t.Errorf("SendBufferSize = %d, want 64", cfg.SendBufferSize)
	}
}

func TestParseRole(t *testing.T) {
	tests := []struct {
		in      string
		want    Role
		wantErr bool
	}{
		{"producer", RoleProducer, false},
		{"PRODUCER", RoleProducer, false},
		{"subscriber", RoleConsumer, false},
		{"consumer", RoleConsumer, false},
		{" dashboard ", RoleConsumer, false},
		{"observer", RoleUnassigned, true},
		{"", RoleUnassigned, true},
	}

	for _, tt := range tests {
		got, err := ParseRole(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseRole(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseRole(%q) = %v, want %v", tt.in, got, tt.want)
		}
		if tt.wantErr && !relayerrors.Is(err, relayerrors.ErrCodeInvalidRole) {
			t.Errorf("ParseRole(%q) code = %s, want INVALID_ROLE", tt.in, relayerrors.Code(err))
		}
	}
}

func TestRole_Names(t *testing.T) {
	if RoleConsumer.WireName() != "subscriber" {
		t.Errorf("WireName = %q, want subscriber", RoleConsumer.WireName())
	}
	if RoleProducer.WireName() != "producer" {
		t.Errorf("WireName = %q, want producer", RoleProducer.WireName())
	}
	if RoleUnassigned.String() != "unassigned" {
		t.Errorf("String = %q, want unassigned", RoleUnassigned.String())
	}
}

// --- Integration Tests ---

// pair starts a test server and returns the server-side Conn and the client socket.
func pair(t *testing.T, cfg Config) (*Conn, *websocket.Conn) {
	t.Helper()

	upgrader := NewUpgrader()
	ready := make(chan *Conn, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade error: %v", err)
			return
		}
		ready <- NewConn(ws, cfg)
	}))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	select {
	case conn := <-ready:
		t.Cleanup(func() { conn.Terminate() })
		return conn, client
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for server conn")
	}
	return nil, nil
}

func TestConn_RoundTrip(t *testing.T) {
	conn, client := pair(t, DefaultConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go conn.Run(ctx)

	client.WriteMessage(websocket.TextMessage, []byte(`{"C":450}`))

	select {
	case data := <-conn.Recv():
		if string(data) != `{"C":450}` {
			t.Errorf("server got %s, want {\"C\":450}", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for frame")
	}

	if err := conn.Send([]byte(`{"C":451}`)); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("client read error: %v", err)
	}
	if string(data) != `{"C":451}` {
		t.Errorf("client got %s, want {\"C\":451}", data)
	}
}

func TestConn_IDsAreUnique(t *testing.T) {
	a, _ := pair(t, DefaultConfig())
	b, _ := pair(t, DefaultConfig())
	if a.ID() == "" || a.ID() == b.ID() {
		t.Errorf("IDs = %q, %q; want distinct non-empty", a.ID(), b.ID())
	}
	if a.RemoteAddr() == "" {
		t.Error("RemoteAddr is empty")
	}
}

func TestConn_AssignRoleOnce(t *testing.T) {
	conn, _ := pair(t, DefaultConfig())

	if conn.Role() != RoleUnassigned {
		t.Fatalf("initial role = %v, want unassigned", conn.Role())
	}
	if err := conn.AssignRole(RoleUnassigned); !relayerrors.Is(err, relayerrors.ErrCodeInvalidRole) {
		t.Errorf("AssignRole(unassigned) = %v, want INVALID_ROLE", err)
	}
	if err := conn.AssignRole(RoleConsumer); err != nil {
		t.Fatalf("AssignRole error: %v", err)
	}
	err := conn.AssignRole(RoleProducer)
	if !relayerrors.Is(err, relayerrors.ErrCodeRoleAssigned) {
		t.Errorf("second AssignRole = %v, want ROLE_ASSIGNED", err)
	}
	if conn.Role() != RoleConsumer {
		t.Errorf("role = %v, want consumer", conn.Role())
	}
}

func TestConn_SendBackpressure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SendBufferSize = 1
	conn, _ := pair(t, cfg)

	// No writer is running, so the queue cannot drain.
	if err := conn.Send([]byte("a")); err != nil {
		t.Fatalf("first Send error: %v", err)
	}
	err := conn.Send([]byte("b"))
	if !relayerrors.Is(err, relayerrors.ErrCodeBackpressure) {
		t.Errorf("second Send = %v, want BACKPRESSURE", err)
	}
}

func TestConn_SendAfterClose(t *testing.T) {
	conn, _ := pair(t, DefaultConfig())

	conn.Terminate()
	if err := conn.Send([]byte("x")); !relayerrors.Is(err, relayerrors.ErrCodeClosed) {
		t.Errorf("Send after Terminate = %v, want CLOSED", err)
	}
	if err := conn.Ping(); !relayerrors.Is(err, relayerrors.ErrCodeClosed) {
		t.Errorf("Ping after Terminate = %v, want CLOSED", err)
	}
	// idempotent
	if err := conn.Terminate(); err != nil {
		t.Errorf("second Terminate = %v, want nil", err)
	}
}

func TestConn_PongSetsAlive(t *testing.T) {
	conn, client := pair(t, DefaultConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go conn.Run(ctx)

	// Client reads so the default ping handler answers.
	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if !conn.ClearAlive() {
		t.Error("ClearAlive() = false, want true for a fresh connection")
	}
	if conn.Alive() {
		t.Fatal("Alive() = true after ClearAlive")
	}
	if err := conn.Ping(); err != nil {
		t.Fatalf("Ping error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !conn.Alive() {
		if time.Now().After(deadline) {
			t.Fatal("pong never marked connection alive")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConn_CloseSendsReason(t *testing.T) {
	conn, client := pair(t, DefaultConfig())

	if err := conn.Close(ReasonSuperseded); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := client.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("client read error = %v, want *websocket.CloseError", err)
	}
	if closeErr.Code != websocket.CloseNormalClosure {
		t.Errorf("close code = %d, want %d", closeErr.Code, websocket.CloseNormalClosure)
	}
	if closeErr.Text != ReasonSuperseded {
		t.Errorf("close reason = %q, want %q", closeErr.Text, ReasonSuperseded)
	}

	select {
	case <-conn.Done():
	default:
		t.Error("Done not closed after Close")
	}
}

func TestConn_RunReturnsOnPeerClose(t *testing.T) {
	conn, client := pair(t, DefaultConfig())

	done := make(chan error, 1)
	go func() {
		done <- conn.Run(context.Background())
	}()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	client.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil on normal close", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after peer close")
	}

	if _, ok := <-conn.Recv(); ok {
		t.Error("Recv channel still open after Run returned")
	}
}

func TestConn_RunStopsOnContextCancel(t *testing.T) {
	conn, _ := pair(t, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- conn.Run(ctx)
	}()

	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
