// Package errors provides the structured error taxonomy used across the relay.
//
// Every failure path in the relay is local and self-healing: a bad frame is
// discarded, a dead peer is evicted, a superseded producer is closed. The
// error values here exist so those paths can be classified, logged with
// consistent fields, and reported to peers, not so they can be retried.
//
// # Error Categories
//
//   - Transient: the peer or a collaborator was briefly unavailable
//   - Permanent: the input will never be valid (malformed frame, bad role)
//   - Resource: a bounded resource was exhausted (full send queue)
//   - Operational: an expected lifecycle event (liveness timeout, supersession)
//   - Internal: a bug or corrupted state
//
// # Usage
//
//	err := errors.New(errors.ErrCodeMalformedPayload, "frame is not a JSON object",
//	    errors.WithConnID(conn.ID()))
//
//	if errors.Is(err, errors.ErrCodeSendFailed) {
//	    // evict the consumer
//	}
//
// Errors marshal to JSON so they can be sent to peers inside an error frame.
package errors
