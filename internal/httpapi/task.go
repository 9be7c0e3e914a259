package httpapi

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/sequentech/orchestra/internal/taskengine"
	"github.com/sequentech/orchestra/internal/taskengine/approval"
)

// handleTask is the Federated Task Engine's own inbound endpoint,
// POST /task: a peer's HTTPDispatcher POSTs a Simple/External task
// envelope here, the handler looks up the named action in the local
// Registry, runs it with the caller's mTLS certificate attached so
// the Handler can answer "is this sender me?", and returns its output
// synchronously — the performer side of the single-round-trip
// dispatch model internal/taskengine.HTTPDispatcher implements
// (spec.md §4.1 "Transport").
func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	if s.AllowOnlySSLConnections && r.TLS == nil {
		writeError(w, http.StatusBadRequest, "plain HTTP connections are rejected by policy")
		return
	}

	var req taskRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	handler, err := s.Registry.Lookup(req.Action)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	task := &taskengine.Task{
		ID:         req.ID,
		Kind:       taskengine.KindSimple,
		Action:     req.Action,
		QueueName:  req.Queue,
		Input:      req.Input,
		SenderCert: senderCertPEM(r),
	}

	var output []byte
	runHandler := func() { output, err = handler(reqCtx(r), task) }
	if q := s.queueFor(req.Queue); q != nil {
		q.Do(runHandler)
	} else {
		runHandler()
	}
	if err != nil {
		if s.Log != nil {
			s.Log.WithFields(map[string]interface{}{"task_id": req.ID, "action": req.Action, "err": err}).
				Warn("inbound task handler returned an error")
		}
		writeJSON(w, http.StatusOK, taskResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, taskResponse{Output: output})
}

// queueFor returns the NamedQueue registered under name, or nil when
// no Manager is configured or no queue was registered under that
// name — callers fall back to running the handler unbounded.
func (s *Server) queueFor(name string) *taskengine.NamedQueue {
	if s.Queues == nil {
		return nil
	}
	return s.Queues.Get(name)
}

// handleApprove is POST /task/{id}/approve, the dedicated operator
// endpoint an External task suspends on until an out-of-band decision
// arrives (spec.md §9 "External task... model this as a persisted
// wait with a dedicated approve HTTP endpoint that flips state and
// nudges the scheduler").
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	if s.Approvals == nil {
		writeError(w, http.StatusInternalServerError, "no approval store configured")
		return
	}

	taskID := mux.Vars(r)["id"]
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task id is required")
		return
	}

	var req approveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	var decision approval.Decision
	switch req.Status {
	case "accepted":
		decision = approval.DecisionApproved
	case "rejected":
		decision = approval.DecisionRejected
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("status must be %q or %q", "accepted", "rejected"))
		return
	}

	if err := s.Approvals.Put(reqCtx(r), taskID, decision); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, struct{}{})
}
