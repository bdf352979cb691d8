package bus

import (
	"testing"
	"time"
)

// --- Unit Tests ---

func TestValidateSubject(t *testing.T) {
	tests := []struct {
		subject string
		wantErr bool
	}{
		{"aquarelay", false},
		{"aquarelay.samples", false},
		{"aquarelay.samples.site1", false},
		{"", true},
		{"bad subject", true},
	}

	for _, tt := range tests {
		err := ValidateSubject(tt.subject)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateSubject(%q) = %v, wantErr %v", tt.subject, err, tt.wantErr)
		}
	}
}

func TestMemoryBus_PublishWithoutSubscribers(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	if err := bus.Publish("samples", []byte(`{"C":1}`)); err != nil {
		t.Errorf("Publish error: %v", err)
	}
}

func TestMemoryBus_PublishInvalidSubject(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	if err := bus.Publish("", []byte("x")); err != ErrInvalidSubject {
		t.Errorf("expected ErrInvalidSubject, got %v", err)
	}
}

func TestMemoryBus_PubSub(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub1, err := bus.Subscribe("samples")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	sub2, _ := bus.Subscribe("samples")
	other, _ := bus.Subscribe("other")

	bus.Publish("samples", []byte(`{"C":450}`))

	for i, sub := range []Subscription{sub1, sub2} {
		select {
		case msg := <-sub.Messages():
			if string(msg.Data) != `{"C":450}` {
				t.Errorf("sub%d data = %s", i+1, msg.Data)
			}
			if msg.Subject != "samples" {
				t.Errorf("sub%d subject = %q, want samples", i+1, msg.Subject)
			}
		case <-time.After(time.Second):
			t.Fatalf("sub%d: timeout", i+1)
		}
	}

	select {
	case msg := <-other.Messages():
		t.Errorf("unrelated subscription received %s", msg.Data)
	default:
	}
}

func TestMemoryBus_SlowSubscriberDrops(t *testing.T) {
	bus := NewMemoryBus(Config{BufferSize: 1})
	defer bus.Close()

	sub, _ := bus.Subscribe("samples")

	for i := 0; i < 5; i++ {
		if err := bus.Publish("samples", []byte("x")); err != nil {
			t.Fatalf("Publish %d error: %v", i, err)
		}
	}

	if n := len(sub.Messages()); n != 1 {
		t.Errorf("buffered = %d, want 1", n)
	}
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, _ := bus.Subscribe("samples")
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe error: %v", err)
	}
	// idempotent
	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("second Unsubscribe error: %v", err)
	}

	bus.Publish("samples", []byte("x"))

	if _, ok := <-sub.Messages(); ok {
		t.Error("channel should be closed after Unsubscribe")
	}
}

func TestMemoryBus_Close(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	sub, _ := bus.Subscribe("samples")

	bus.Close()

	if _, ok := <-sub.Messages(); ok {
		t.Error("channel should be closed after bus Close")
	}
	if err := bus.Publish("samples", []byte("x")); err != ErrClosed {
		t.Errorf("Publish after Close = %v, want ErrClosed", err)
	}
	if _, err := bus.Subscribe("samples"); err != ErrClosed {
		t.Errorf("Subscribe after Close = %v, want ErrClosed", err)
	}
	// Unsubscribe after close is safe.
	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("Unsubscribe after Close = %v", err)
	}
}
