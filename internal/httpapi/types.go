// Package httpapi implements the Public API surface of spec.md §4.7:
// the asynchronous election/tally submission endpoints, the test
// callback sinks, the work-queue's eager-dequeue endpoint, the
// key-escrow endpoints of §4.6, and the task engine's own inbound
// peer-to-peer routes (POST /task, POST /task/{id}/approve) that the
// Federated Task Engine needs to function over HTTP but which
// spec.md's component table assumes without naming. Routed with
// gorilla/mux, the router library the teacher's cmd/gateway uses.
package httpapi

import "encoding/json"

// queuedResponse is returned by every enqueue endpoint: 202 Accepted
// with the QueryQueue row id the consumer can correlate against a
// later callback.
type queuedResponse struct {
	QueueID int64 `json:"queue_id"`
}

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Message string `json:"message"`
}

// privateShareRequest is the body shared by all four key-escrow
// endpoints (spec.md §4.6): election_id always, archive for
// check/delete/restore.
type privateShareRequest struct {
	ElectionID int64  `json:"election_id"`
	Archive    string `json:"archive,omitempty"`
}

// checkShareResponse mirrors the original's stringified-boolean
// response body for /check_private_share.
type checkShareResponse struct {
	Result string `json:"result"`
}

// taskRequest is the wire body a peer's task engine POSTs to
// /task: enough of a taskengine.Task to run it locally (action, queue,
// input), matching taskengine.HTTPDispatcher's wireRequest shape
// exactly so the two sides of the transport agree on the envelope.
type taskRequest struct {
	ID     string          `json:"id"`
	Action string          `json:"action"`
	Queue  string          `json:"queue_name"`
	Input  json.RawMessage `json:"input"`
}

// taskResponse mirrors taskengine's wireResponse.
type taskResponse struct {
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// approveRequest is the body POSTed by an operator (or, in
// AUTOACCEPT_REQUESTS=false tests, a human-in-the-loop harness) to
// resolve a pending External task, per spec.md §9's "dedicated
// approve endpoint" design note.
type approveRequest struct {
	Status string `json:"status"`
}
