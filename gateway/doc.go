// Package gateway accepts WebSocket peers and decides their role.
//
// # Overview
//
// The Gateway is an http.Handler. For every upgrade it creates a
// transport.Conn, determines whether the peer is the producer or a consumer,
// registers it, and then routes its frames to the relay engine until the
// connection ends, at which point the connection leaves the registry.
//
// # Handshake Policies
//
// Two policies are supported:
//
//   - header (default): the role comes from the X-Relay-Role header or the
//     role query parameter at connect time. No role means consumer. An
//     unknown role is refused before the upgrade with 400.
//   - register: the first application frame must be
//     {"type":"register","role":"producer"|"subscriber"}, answered with
//     {"type":"registered","role":...}. Other frames are discarded until
//     then. A peer that does not register within the timeout is closed.
//
// Either way the role is fixed once and never changes.
package gateway
