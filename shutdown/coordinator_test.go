package shutdown

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestShutdown_SingleHandler tests a shutdown with one handler.
func TestShutdown_SingleHandler(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	var called atomic.Bool
	coord.RegisterFunc("server", PhaseIngress, func(ctx context.Context) error {
		called.Store(true)
		return nil
	})

	if err := coord.ShutdownWithTimeout(time.Second); err != nil {
		t.Fatalf("ShutdownWithTimeout() error = %v", err)
	}
	if !called.Load() {
		t.Fatal("handler was not called")
	}

	select {
	case <-coord.Done():
	default:
		t.Fatal("Done() should be closed")
	}

	result := coord.Result()
	if result == nil || len(result.Results) != 1 {
		t.Fatalf("Result() = %+v, want one handler result", result)
	}
	if result.Results[0].Name != "server" || result.Results[0].Phase != PhaseIngress {
		t.Errorf("result = %+v", result.Results[0])
	}
	if result.Failed() {
		t.Error("Failed() = true, want false")
	}
}

// TestShutdown_PhaseOrder tests that the relay phases run in order.
func TestShutdown_PhaseOrder(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	var mu sync.Mutex
	var order []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	coord.RegisterFunc("backends", PhaseBackends, record("backends"))
	coord.RegisterFunc("peers", PhasePeers, record("peers"))
	coord.RegisterFunc("http", PhaseIngress, record("http"))
	coord.RegisterFunc("liveness", PhaseLiveness, record("liveness"))

	if err := coord.ShutdownWithTimeout(time.Second); err != nil {
		t.Fatalf("ShutdownWithTimeout() error = %v", err)
	}

	want := []string{"http", "liveness", "peers", "backends"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %s, want %s", i, order[i], want[i])
		}
	}
}

// TestShutdown_SamePhaseConcurrent tests that one phase runs its handlers together.
func TestShutdown_SamePhaseConcurrent(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	var wg sync.WaitGroup
	wg.Add(2)
	both := func(context.Context) error {
		wg.Done()
		wg.Wait()
		return nil
	}
	coord.RegisterFunc("bus", PhaseBackends, both)
	coord.RegisterFunc("store", PhaseBackends, both)

	done := make(chan error, 1)
	go func() { done <- coord.ShutdownWithTimeout(2 * time.Second) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ShutdownWithTimeout() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("handlers in one phase did not run concurrently")
	}
}

// TestShutdown_HandlerTimeout tests that a slow handler sees the deadline.
func TestShutdown_HandlerTimeout(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	coord.RegisterFunc("slow", PhasePeers, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	})

	start := time.Now()
	err := coord.ShutdownWithTimeout(50 * time.Millisecond)
	if time.Since(start) > time.Second {
		t.Fatalf("shutdown took %v", time.Since(start))
	}
	if !errors.Is(err, ErrHandlerFailed) {
		t.Errorf("error = %v, want ErrHandlerFailed", err)
	}
	if got := coord.Result().FailedHandlers(); len(got) != 1 || got[0] != "slow" {
		t.Errorf("FailedHandlers() = %v, want [slow]", got)
	}
}

// TestShutdown_CancelledContext tests that no phase runs past the deadline.
func TestShutdown_CancelledContext(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	var called atomic.Bool
	coord.RegisterFunc("server", PhaseIngress, func(context.Context) error {
		called.Store(true)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := coord.Shutdown(ctx); !errors.Is(err, ErrTimeout) {
		t.Errorf("Shutdown() error = %v, want ErrTimeout", err)
	}
	if called.Load() {
		t.Error("handler should not run after the deadline")
	}
}

// TestShutdown_ContinueOnError tests both failure policies.
func TestShutdown_ContinueOnError(t *testing.T) {
	tests := []struct {
		name      string
		keepGoing bool
		wantLater bool
	}{
		{"continue", true, true},
		{"stop", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.ContinueOnError = tt.keepGoing
			coord := NewCoordinator(cfg)

			var later atomic.Bool
			coord.RegisterFunc("liveness", PhaseLiveness, func(context.Context) error {
				return errors.New("not started")
			})
			coord.RegisterFunc("peers", PhasePeers, func(context.Context) error {
				later.Store(true)
				return nil
			})

			err := coord.ShutdownWithTimeout(time.Second)
			if !errors.Is(err, ErrHandlerFailed) {
				t.Errorf("error = %v, want ErrHandlerFailed", err)
			}
			if later.Load() != tt.wantLater {
				t.Errorf("later phase ran = %v, want %v", later.Load(), tt.wantLater)
			}
		})
	}
}

// TestShutdown_Once tests that handlers run exactly once.
func TestShutdown_Once(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	var calls atomic.Int32
	coord.Register("peers", HandlerFunc(func(context.Context) error {
		calls.Add(1)
		return nil
	}))

	for i := 0; i < 3; i++ {
		if err := coord.ShutdownWithTimeout(time.Second); err != nil {
			t.Errorf("call %d error = %v", i, err)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

// TestShutdown_Trigger tests the signal path.
func TestShutdown_Trigger(t *testing.T) {
	coord := NewCoordinator(Config{Timeout: time.Second})

	var called atomic.Bool
	coord.RegisterFunc("server", PhaseIngress, func(context.Context) error {
		called.Store(true)
		return nil
	})

	coord.HandleSignals()
	coord.Trigger()

	select {
	case <-coord.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Trigger() did not start shutdown")
	}
	if !called.Load() {
		t.Error("handler was not called")
	}
	if coord.Err() != nil {
		t.Errorf("Err() = %v", coord.Err())
	}
}

// TestGroupByPhase tests phase grouping.
func TestGroupByPhase(t *testing.T) {
	if got := groupByPhase(nil); len(got) != 0 {
		t.Errorf("groupByPhase(nil) = %v, want empty", got)
	}

	regs := []registration{
		{name: "a", phase: 10},
		{name: "b", phase: 10},
		{name: "c", phase: 30},
	}
	got := groupByPhase(regs)
	if len(got) != 2 || len(got[0]) != 2 || len(got[1]) != 1 {
		t.Errorf("groupByPhase() = %v", got)
	}
}
