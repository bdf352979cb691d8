// Package shutdown orders the relay's teardown.
//
// Handlers are grouped into phases. Lower phases run first and handlers in
// the same phase run concurrently, all sharing one deadline. The relay uses:
//
//   - PhaseIngress (10): stop the HTTP listener and refuse new upgrades
//   - PhaseLiveness (20): stop the liveness sweep
//   - PhasePeers (30): close every registered peer with a reason
//   - PhaseBackends (40): flush tracing and close the bus and state store
//
// SIGTERM and SIGINT trigger Shutdown once HandleSignals has been called.
package shutdown
