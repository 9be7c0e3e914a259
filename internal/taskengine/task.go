// Package taskengine implements the distributed task algebra (spec.md
// §4.1): Simple, Sequential, Parallel, Synchronized, and External task
// composites, executed by named Handlers. Task trees are held in
// memory only: they are not persisted, and in-flight work does not
// survive a restart.
package taskengine

import (
	"context"
	"encoding/json"
	"fmt"
)

// Kind identifies which composite rule governs a Task's subtasks.
type Kind string

const (
	// KindSimple runs a single Handler with no subtasks.
	KindSimple Kind = "simple"
	// KindSequential runs Subtasks one after another, aborting at the
	// first failure.
	KindSequential Kind = "sequential"
	// KindParallel runs Subtasks concurrently and joins on all of
	// them, collecting every error that occurred.
	KindParallel Kind = "parallel"
	// KindSynchronized runs Subtasks concurrently, like KindParallel;
	// the engine adds no barrier of its own, so Handlers that must
	// rendezvous (DKG/keygen rounds where every authority's vmn
	// process meets the others) wait on a Barrier themselves.
	KindSynchronized Kind = "synchronized"
	// KindExternal represents a task resolved by an actor outside this
	// engine's local registry: either a remote authority's task engine
	// (reached over the mutual-TLS transport) or a human operator
	// (reached through the approval endpoint). Either way the engine
	// suspends the node and resumes only once that external actor
	// responds.
	KindExternal Kind = "external"
)

// Status is a Task's lifecycle state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusError    Status = "error"
)

// Task is one node in a task tree. Action names a registered Handler
// (for KindSimple/KindExternal); Subtasks holds children for the
// composite kinds. OnError, when set, names a Handler invoked with
// the failing Task (its Error already recorded) before the error
// propagates further up the tree, mirroring the original's on_error
// job hook.
type Task struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	Kind        Kind            `json:"kind"`
	Action      string          `json:"action,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Status      Status          `json:"status"`
	Error       string          `json:"error,omitempty"`
	OnError     string          `json:"on_error,omitempty"`
	Subtasks    []*Task         `json:"subtasks,omitempty"`
	QueueName   string          `json:"queue_name,omitempty"`
	ReceiverURL string          `json:"receiver_url,omitempty"`
	// SenderCert is the PEM certificate the inbound HTTP handler
	// extracted from the peer's mTLS connection, used by performers to
	// decide whether the caller is this node itself or a registered
	// authority (spec.md §4.2, §9 "is this sender me?").
	SenderCert string `json:"-"`
}

// Handler executes the Simple action named by a Task and returns its
// output payload, or an error that the engine will route according to
// the task tree's composite rules.
type Handler func(ctx context.Context, t *Task) (json.RawMessage, error)

// Registry maps action names to Handlers.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a Handler under action, overwriting any previous
// registration for the same name.
func (r *Registry) Register(action string, h Handler) {
	r.handlers[action] = h
}

// Lookup returns the Handler registered for action, or an error if
// none was registered.
func (r *Registry) Lookup(action string) (Handler, error) {
	h, ok := r.handlers[action]
	if !ok {
		return nil, fmt.Errorf("taskengine: no handler registered for action %q", action)
	}
	return h, nil
}
