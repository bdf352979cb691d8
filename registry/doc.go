// Package registry tracks the relay's live connections.
//
// # Overview
//
// A Registry holds three things: the single producer slot, the ordered set of
// consumers, and the most recently relayed sample. One instance exists per
// process and is passed explicitly to the relay engine, the liveness
// supervisor and the gateway.
//
// # Basic Usage
//
//	reg := registry.New(registry.WithLogger(logger))
//
//	superseded := reg.RegisterProducer(conn)   // closes any previous producer
//	reg.RegisterConsumer(dashboard)             // replays the latest sample
//
//	for _, c := range reg.SnapshotConsumers() {
//	    c.Send(frame)
//	}
//
//	reg.Remove(conn) // from whichever slot holds it
//
// # Observers
//
// Observers receive an Event after every membership change. They run on the
// mutating goroutine after the lock is released and must not block.
//
//	reg := registry.New(registry.WithObserver(func(e registry.Event) {
//	    gauge.Set(float64(e.Consumers))
//	}))
//
// # Thread Safety
//
// Every mutation is one critical section under a single RWMutex. Iteration
// always works on a snapshot, and no frame is sent while the lock is held.
package registry
