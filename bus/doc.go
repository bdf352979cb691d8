// Package bus mirrors relayed samples onto a message bus.
//
// # Overview
//
// Every sample the relay accepts can be republished on a subject so that
// processes outside the WebSocket fan-out (archivers, alerting, a second
// dashboard tier) see the same stream. The mirror is best-effort: a publish
// failure never affects WebSocket delivery.
//
// # Available Implementations
//
//   - NATSBus: core NATS publish/subscribe
//   - MemoryBus: in-process implementation for tests and single-node use
//
// # Usage
//
//	b, _ := bus.NewNATSBus(bus.NATSConfig{URL: "nats://localhost:4222"})
//	b.Publish("aquarelay.samples", sample.Bytes())
//
//	sub, _ := b.Subscribe("aquarelay.samples")
//	for msg := range sub.Messages() {
//	    // Handle sample
//	}
package bus
