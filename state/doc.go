// Package state persists the relay's small amount of durable state.
//
// The relay keeps exactly one durable value: the most recently relayed
// sample, so a restarted process can replay it to the first dashboard that
// connects. The Store interface is a minimal key-value contract with two
// backends.
//
// # Usage
//
//	// Production: NATS JetStream KV
//	b, _ := bus.NewNATSBus(bus.NATSConfig{URL: "nats://localhost:4222"})
//	store, _ := state.NewNATSStore(ctx, state.NATSStoreConfig{
//	    Conn:   b.Conn(),
//	    Bucket: "aquarelay",
//	})
//
//	// Testing and single-node: in-memory
//	store := state.NewMemoryStore()
//
//	store.Put(ctx, state.KeyLatestSample, sample.Bytes())
//	raw, err := store.Get(ctx, state.KeyLatestSample)
//	if errors.Is(err, state.ErrNotFound) {
//	    // nothing relayed yet
//	}
package state
