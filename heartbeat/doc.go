// Package heartbeat detects dead peer connections.
//
// # Overview
//
// The Supervisor sweeps every registered connection on a fixed interval
// (30s by default). Each connection carries a liveness flag that its pong
// handler sets. A sweep works per connection:
//
//	ALIVE ──(flag cleared, ping sent)──> UNCONFIRMED ──(pong)──> ALIVE
//	                                          │
//	                                    (next sweep)
//	                                          ▼
//	                                       EVICTED
//
// A connection is therefore evicted after missing one full interval of
// pongs, and a ping that cannot be written evicts immediately. Eviction
// terminates the socket and removes the connection from the registry.
//
// # Usage
//
//	sup, _ := heartbeat.NewSupervisor(heartbeat.Config{
//	    Registry: reg,
//	    Interval: 30 * time.Second,
//	})
//	sup.OnEvict(func(conn registry.Conn, reason heartbeat.Reason) {
//	    log.Printf("evicted %s: %s", conn.ID(), reason)
//	})
//	sup.Start(ctx)
//	defer sup.Stop()
package heartbeat
