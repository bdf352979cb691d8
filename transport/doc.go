// Package transport provides the WebSocket peer connection used by the relay.
//
// # Overview
//
// A Conn wraps one gorilla/websocket connection with the state the relay
// needs: a unique ID, a role decided exactly once, a liveness flag that pong
// frames set, and a bounded outbound queue drained by a writer goroutine.
//
// # Usage
//
//	conn := transport.NewConn(ws, transport.DefaultConfig())
//	go conn.Run(ctx)
//
//	for frame := range conn.Recv() {
//	    // decode and dispatch
//	}
//
// # Design Decisions
//
//   - Send never blocks: a full queue is reported as BACKPRESSURE and a closed
//     connection as CLOSED, so fan-out can treat both as a send failure.
//   - Ping and close frames go through WriteControl, which gorilla permits
//     concurrently with the writer goroutine.
//   - Close sends a close frame with a reason; Terminate drops the socket.
//
// # Thread Safety
//
// All Conn methods are safe for concurrent use. Recv is closed when the read
// loop ends.
package transport
