package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vinayprograms/aquarelay/metrics"
	"github.com/vinayprograms/aquarelay/protocol"
	"github.com/vinayprograms/aquarelay/registry"
)

type nopConn struct{ id string }

func (c nopConn) ID() string { return c.id }
func (c nopConn) Send(data []byte) error { return nil }
func (c nopConn) Ping() error { return nil }
func (c nopConn) Close(reason string) error { return nil }
func (c nopConn) Terminate() error { return nil }
func (c nopConn) Alive() bool { return true }
func (c nopConn) ClearAlive() bool { return true }

type stubGateway struct {
	hits atomic.Int32
}

func (g *stubGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.hits.Add(1)
	w.WriteHeader(http.StatusSwitchingProtocols)
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

// --- Unit Tests ---

func TestHealth(t *testing.T) {
	reg := registry.New()
	s := New(Config{}, reg, &stubGateway{})

	rec := get(t, s.Handler(), "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var h Health
	if err := json.Unmarshal(rec.Body.Bytes(), &h); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if h.Status != "ok" || h.SubscriberCount != 0 || h.ProducerConnected {
		t.Errorf("health = %+v, want ok/0/false", h)
	}

	reg.RegisterProducer(nopConn{"p"})
	reg.RegisterConsumer(nopConn{"a"})
	reg.RegisterConsumer(nopConn{"b"})

	rec = get(t, s.Handler(), "/health")
	json.Unmarshal(rec.Body.Bytes(), &h)
	if h.SubscriberCount != 2 || !h.ProducerConnected {
		t.Errorf("health = %+v, want 2/true", h)
	}
	if !strings.Contains(rec.Body.String(), `"subscriber_count":2`) {
		t.Errorf("body = %s, want subscriber_count field", rec.Body.String())
	}
}

func TestLatest(t *testing.T) {
	reg := registry.New()
	s := New(Config{}, reg, &stubGateway{})

	if rec := get(t, s.Handler(), "/latest"); rec.Code != http.StatusNoContent {
		t.Errorf("status before first sample = %d, want 204", rec.Code)
	}

	sample, err := protocol.ParseSample([]byte(`{"C":450,"T":19.2}`))
	if err != nil {
		t.Fatalf("ParseSample() error = %v", err)
	}
	reg.SetLatest(sample)

	rec := get(t, s.Handler(), "/latest")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != `{"C":450,"T":19.2}` {
		t.Errorf("body = %s", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestIndex(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name     string
		dir      string
		setup    func()
		contains string
	}{
		{"no dir", "", func() {}, "Telemetry relay is running"},
		{"missing index", dir, func() {}, "Telemetry relay is running"},
		{"index present", dir, func() {
			os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>dashboard</h1>"), 0o644)
		}, "dashboard"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.setup()
			s := New(Config{StaticDir: tt.dir}, registry.New(), &stubGateway{})
			rec := get(t, s.Handler(), "/")
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tt.contains) {
				t.Errorf("body = %s, want %q", rec.Body.String(), tt.contains)
			}
		})
	}
}

func TestUpgradeRouting(t *testing.T) {
	gw := &stubGateway{}
	s := New(Config{}, registry.New(), gw)

	for _, path := range []string{"/", "/ws", "/anything/else"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Connection", "Upgrade")
		req.Header.Set("Upgrade", "websocket")
		s.Handler().ServeHTTP(httptest.NewRecorder(), req)
	}
	get(t, s.Handler(), "/ws")

	if got := gw.hits.Load(); got != 4 {
		t.Errorf("gateway hits = %d, want 4", got)
	}
	if rec := get(t, s.Handler(), "/anything/else"); rec.Code != http.StatusNotFound {
		t.Errorf("plain GET on unknown path = %d, want 404", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	s := New(Config{}, registry.New(), &stubGateway{}, WithMetrics(m))

	get(t, s.Handler(), "/health")
	get(t, s.Handler(), "/health")

	rec := get(t, s.Handler(), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "aquarelay_http_requests_total") {
		t.Error("exposition should include HTTP request counter")
	}

	n, err := testutil.GatherAndCount(m.Registry(), "aquarelay_http_requests_total")
	if err != nil {
		t.Fatalf("GatherAndCount() error = %v", err)
	}
	if n < 1 {
		t.Errorf("series = %d, want at least 1", n)
	}
}

func TestMetricsDisabled(t *testing.T) {
	s := New(Config{}, registry.New(), &stubGateway{})
	if rec := get(t, s.Handler(), "/metrics"); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

// --- Integration Tests ---

func TestServeAndShutdown(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	s := New(Config{}, registry.New(), &stubGateway{})

	served := make(chan error, 1)
	go func() { served <- s.Serve(l) }()

	resp, err := http.Get("http://" + l.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `"status":"ok"`) {
		t.Errorf("body = %s", body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.OnShutdown(ctx); err != nil {
		t.Fatalf("OnShutdown() error = %v", err)
	}
	if err := <-served; err != nil {
		t.Errorf("Serve() error = %v, want nil after shutdown", err)
	}
}
