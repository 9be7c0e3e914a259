package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/sequentech/orchestra/internal/model"
	"github.com/sequentech/orchestra/internal/protocol/tally"
)

// votesHashPrefix is the mandatory RFC 6920 named-information prefix
// spec.md §4.7/§6 requires on votes_hash.
const votesHashPrefix = "ni:///sha-256;"

// handlePostTally is POST /tally (spec.md §4.7): validates the body
// and enqueues a launch_task job, analogous to handlePostElection.
func (s *Server) handlePostTally(w http.ResponseWriter, r *http.Request) {
	ctx := reqCtx(r)

	var in tally.TallyInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	if err := s.validateTally(in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	exists, err := s.Store.ElectionExists(ctx, in.ElectionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !exists {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("election %d does not exist", in.ElectionID))
		return
	}

	payload, err := json.Marshal(in)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	id, err := s.Queue.Enqueue(detached(), model.TaskKindTally, payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, queuedResponse{QueueID: id})
}

func (s *Server) validateTally(in tally.TallyInput) error {
	if in.ElectionID <= 0 {
		return fmt.Errorf("election_id must be a positive integer")
	}
	if in.CallbackURL == "" {
		return fmt.Errorf("callback_url is required")
	}
	if err := CheckCallbackURL(s.AllowOnlySSLConnections, in.CallbackURL); err != nil {
		return err
	}
	if in.VotesURL == "" {
		return fmt.Errorf("votes_url is required")
	}
	if err := CheckCallbackURL(s.AllowOnlySSLConnections, in.VotesURL); err != nil {
		return err
	}
	if !strings.HasPrefix(in.VotesHash, votesHashPrefix) {
		return fmt.Errorf("votes_hash must start with %q", votesHashPrefix)
	}
	return nil
}

// handleReceiveSink backs both /receive_election and /receive_tally,
// the test callback sinks spec.md §4.7 describes: they exist purely
// so integration tests exercise the same HTTP path a real consumer
// would, without standing up an external receiver.
func (s *Server) handleReceiveSink(w http.ResponseWriter, r *http.Request) {
	var body json.RawMessage
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if s.Log != nil {
		s.Log.WithField("body", string(body)).Info("received callback at test sink")
	}
	writeJSON(w, http.StatusAccepted, struct{}{})
}

// handleDequeue forces an eager dequeue attempt (spec.md §4.7
// GET /dequeue), used by operators/tests to nudge the gate without
// waiting for the next Enqueue/EndTask-triggered attempt.
func (s *Server) handleDequeue(w http.ResponseWriter, r *http.Request) {
	s.Queue.SafeDequeue(reqCtx(r))
	writeJSON(w, http.StatusAccepted, struct{}{})
}
