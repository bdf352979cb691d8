package registry

import (
	"sync"

	"github.com/vinayprograms/aquarelay/logging"
	"github.com/vinayprograms/aquarelay/protocol"
	"github.com/vinayprograms/aquarelay/transport"
)

// Conn is the view of a peer connection the registry and its callers need.
// transport.Conn satisfies it.
type Conn interface {
	ID() string
	Send(data []byte) error
	Ping() error
	Close(reason string) error
	Terminate() error
	Alive() bool
	ClearAlive() bool
}

// Slot identifies where a connection is registered.
type Slot int

const (
	SlotNone Slot = iota
	SlotProducer
	SlotConsumer
)

// String returns the slot name.
func (s Slot) String() string {
	switch s {
	case SlotProducer:
		return "producer"
	case SlotConsumer:
		return "consumer"
	default:
		return "none"
	}
}

// EventType represents the type of registry event.
type EventType string

const (
	EventProducerRegistered EventType = "producer_registered"
	EventProducerSuperseded EventType = "producer_superseded"
	EventProducerRemoved    EventType = "producer_removed"
	EventConsumerAdded      EventType = "consumer_added"
	EventConsumerRemoved    EventType = "consumer_removed"
	EventReplayed           EventType = "replayed"
	EventReplayFailed       EventType = "replay_failed"
)

// Event describes one membership change.
type Event struct {
	// Type indicates what happened.
	Type EventType

	// ConnID is the connection the event concerns.
	ConnID string

	// Producer and Consumers describe membership after the change.
	Producer  bool
	Consumers int
}

// Observer is called after each membership change.
type Observer func(Event)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry's logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithObserver adds an observer.
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		if o != nil {
			r.observers = append(r.observers, o)
		}
	}
}

// WithEnvelope wraps replayed samples in a data frame.
func WithEnvelope(envelope bool) Option {
	return func(r *Registry) {
		r.envelope = envelope
	}
}

// Registry holds the producer slot, the consumer set and the latest sample.
type Registry struct {
	mu        sync.RWMutex
	producer  Conn
	consumers []Conn
	members   map[string]struct{}
	latest    *protocol.Sample

	logger    *logging.Logger
	observers []Observer
	envelope  bool
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		members: make(map[string]struct{}),
		logger:  logging.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterProducer installs conn as the producer. A different existing
// producer is closed and returned. If conn was a consumer it leaves the
// consumer set.
func (r *Registry) RegisterProducer(conn Conn) Conn {
	var events []Event

	r.mu.Lock()
	old := r.producer
	if old != nil && old.ID() == conn.ID() {
		r.mu.Unlock()
		return nil
	}
	if r.removeConsumerLocked(conn) {
		events = append(events, r.eventLocked(EventConsumerRemoved, conn))
	}
	r.producer = conn
	if old != nil {
		events = append(events, r.eventLocked(EventProducerSuperseded, old))
	}
	events = append(events, r.eventLocked(EventProducerRegistered, conn))
	r.mu.Unlock()

	if old != nil {
		r.logger.Superseded(old.ID(), conn.ID())
		if err := old.Close(transport.ReasonSuperseded); err != nil {
			r.logger.Debug("close superseded producer", map[string]interface{}{
				"conn":  old.ID(),
				"error": err.Error(),
			})
		}
	}
	r.notify(events)
	return old
}

// RegisterConsumer adds conn to the consumer set and, if a sample has been
// relayed, sends it immediately. A failed replay is logged and the consumer
// stays registered.
func (r *Registry) RegisterConsumer(conn Conn) {
	var events []Event

	r.mu.Lock()
	if r.producer != nil && r.producer.ID() == conn.ID() {
		r.producer = nil
		events = append(events, r.eventLocked(EventProducerRemoved, conn))
	}
	if _, ok := r.members[conn.ID()]; !ok {
		r.members[conn.ID()] = struct{}{}
		r.consumers = append(r.consumers, conn)
		events = append(events, r.eventLocked(EventConsumerAdded, conn))
	}
	latest := r.latest
	r.mu.Unlock()

	r.notify(events)

	if latest == nil {
		return
	}
	if err := conn.Send(protocol.EncodeSample(latest, r.envelope)); err != nil {
		r.logger.Warn("replay latest sample", map[string]interface{}{
			"conn":  conn.ID(),
			"error": err.Error(),
		})
		r.notify([]Event{r.event(EventReplayFailed, conn)})
		return
	}
	r.notify([]Event{r.event(EventReplayed, conn)})
}

// RemoveProducer clears the producer slot if it still holds conn.
func (r *Registry) RemoveProducer(conn Conn) bool {
	r.mu.Lock()
	if r.producer == nil || r.producer.ID() != conn.ID() {
		r.mu.Unlock()
		return false
	}
	r.producer = nil
	ev := r.eventLocked(EventProducerRemoved, conn)
	r.mu.Unlock()

	r.notify([]Event{ev})
	return true
}

// RemoveConsumer removes conn from the consumer set. Removing an absent
// connection is a no-op.
func (r *Registry) RemoveConsumer(conn Conn) bool {
	r.mu.Lock()
	removed := r.removeConsumerLocked(conn)
	var ev Event
	if removed {
		ev = r.eventLocked(EventConsumerRemoved, conn)
	}
	r.mu.Unlock()

	if removed {
		r.notify([]Event{ev})
	}
	return removed
}

// Remove removes conn from whichever slot holds it and reports that slot.
func (r *Registry) Remove(conn Conn) Slot {
	if r.RemoveProducer(conn) {
		return SlotProducer
	}
	if r.RemoveConsumer(conn) {
		return SlotConsumer
	}
	return SlotNone
}

// SlotOf reports where conn is registered.
func (r *Registry) SlotOf(conn Conn) Slot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.producer != nil && r.producer.ID() == conn.ID() {
		return SlotProducer
	}
	if _, ok := r.members[conn.ID()]; ok {
		return SlotConsumer
	}
	return SlotNone
}

// SnapshotConsumers returns the consumers in registration order.
func (r *Registry) SnapshotConsumers() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Conn, len(r.consumers))
	copy(out, r.consumers)
	return out
}

// Connections returns the producer, if any, followed by every consumer.
func (r *Registry) Connections() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Conn, 0, len(r.consumers)+1)
	if r.producer != nil {
		out = append(out, r.producer)
	}
	return append(out, r.consumers...)
}

// SetLatest records the most recently relayed sample.
func (r *Registry) SetLatest(s *protocol.Sample) {
	r.mu.Lock()
	r.latest = s
	r.mu.Unlock()
}

// Latest returns the most recently relayed sample, or nil before the first.
func (r *Registry) Latest() *protocol.Sample {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest
}

// Producer returns the current producer, or nil.
func (r *Registry) Producer() Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.producer
}

// HasProducer reports whether a producer is connected.
func (r *Registry) HasProducer() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.producer != nil
}

// ConsumerCount returns the number of registered consumers.
func (r *Registry) ConsumerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.consumers)
}

// CloseAll empties the registry and closes every connection with reason.
// It returns the number of connections closed.
func (r *Registry) CloseAll(reason string) int {
	r.mu.Lock()
	producer, consumers := r.producer, r.consumers
	r.producer = nil
	r.consumers = nil
	r.members = make(map[string]struct{})
	r.mu.Unlock()

	var conns []Conn
	var events []Event
	if producer != nil {
		conns = append(conns, producer)
		events = append(events, Event{Type: EventProducerRemoved, ConnID: producer.ID()})
	}
	for _, c := range consumers {
		conns = append(conns, c)
		events = append(events, Event{Type: EventConsumerRemoved, ConnID: c.ID()})
	}

	for _, c := range conns {
		c.Close(reason)
	}
	r.notify(events)
	return len(conns)
}

// removeConsumerLocked must be called with the lock held.
func (r *Registry) removeConsumerLocked(conn Conn) bool {
	if _, ok := r.members[conn.ID()]; !ok {
		return false
	}
	delete(r.members, conn.ID())
	for i, c := range r.consumers {
		if c.ID() == conn.ID() {
			r.consumers = append(r.consumers[:i:i], r.consumers[i+1:]...)
			break
		}
	}
	return true
}

func (r *Registry) eventLocked(t EventType, conn Conn) Event {
	return Event{
		Type:      t,
		ConnID:    conn.ID(),
		Producer:  r.producer != nil,
		Consumers: len(r.consumers),
	}
}

func (r *Registry) event(t EventType, conn Conn) Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.eventLocked(t, conn)
}

func (r *Registry) notify(events []Event) {
	for _, ev := range events {
		for _, o := range r.observers {
			o(ev)
		}
	}
}
