package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/sequentech/orchestra/internal/model"
	"github.com/sequentech/orchestra/internal/protocol/election"
)

// handlePostElection is POST /election (spec.md §4.7): validates the
// body defensively before any database write, rejects an already-used
// election id, and enqueues a launch_task job. It never runs the
// protocol inline — the queued row is picked up by the work-queue
// gate's election TaskFactory.
func (s *Server) handlePostElection(w http.ResponseWriter, r *http.Request) {
	ctx := reqCtx(r)

	var in election.CreateElectionInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	if err := s.validateCreateElection(in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	exists, err := s.Store.ElectionExists(ctx, in.ElectionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if exists {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("election %d already exists", in.ElectionID))
		return
	}

	payload, err := json.Marshal(in)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	id, err := s.Queue.Enqueue(detached(), model.TaskKindElection, payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, queuedResponse{QueueID: id})
}

// validateCreateElection checks every field spec.md §4.7 enumerates
// before any row is created: positive id, non-empty authorities
// unique by both name and (orchestra_url, ssl_cert), a bounded
// question count, dense 0-based answer ids, and (when policy
// requires it) a non-plaintext callback URL.
func (s *Server) validateCreateElection(in election.CreateElectionInput) error {
	if in.ElectionID <= 0 {
		return fmt.Errorf("id must be a positive integer")
	}
	if in.Title == "" {
		return fmt.Errorf("title is required")
	}
	if in.CallbackURL == "" {
		return fmt.Errorf("callback_url is required")
	}
	if err := CheckCallbackURL(s.AllowOnlySSLConnections, in.CallbackURL); err != nil {
		return err
	}
	if len(in.Authorities) == 0 {
		return fmt.Errorf("authorities must not be empty")
	}

	byName := make(map[string]bool, len(in.Authorities))
	byPair := make(map[string]bool, len(in.Authorities))
	for _, a := range in.Authorities {
		if a.Name == "" || a.OrchestraURL == "" || a.SSLCert == "" {
			return fmt.Errorf("authority entries require name, orchestra_url and ssl_cert")
		}
		if byName[a.Name] {
			return fmt.Errorf("duplicate authority name %q", a.Name)
		}
		byName[a.Name] = true

		pair := a.SSLCert + "|" + a.OrchestraURL
		if byPair[pair] {
			return fmt.Errorf("duplicate authority (ssl_cert, orchestra_url) pair for %q", a.Name)
		}
		byPair[pair] = true
	}

	if len(in.Questions) == 0 {
		return fmt.Errorf("questions must not be empty")
	}
	max := s.MaxQuestionsPerElection
	if max <= 0 {
		max = 40
	}
	if len(in.Questions) > max {
		return fmt.Errorf("too many questions: %d exceeds the configured maximum of %d", len(in.Questions), max)
	}
	for i, q := range in.Questions {
		if err := validateDenseAnswerIDs(q); err != nil {
			return fmt.Errorf("question %d: %w", i, err)
		}
	}

	return nil
}

// validateDenseAnswerIDs parses just enough of a question blob to
// enforce spec.md §4.7's "answers carrying dense 0-based ids"
// constraint, without otherwise interpreting the opaque question JSON.
func validateDenseAnswerIDs(raw json.RawMessage) error {
	var q struct {
		Answers []struct {
			ID int `json:"id"`
		} `json:"answers"`
	}
	if err := json.Unmarshal(raw, &q); err != nil {
		return fmt.Errorf("malformed question payload: %w", err)
	}
	if len(q.Answers) == 0 {
		return nil
	}
	seen := make(map[int]bool, len(q.Answers))
	for _, a := range q.Answers {
		seen[a.ID] = true
	}
	for i := 0; i < len(q.Answers); i++ {
		if !seen[i] {
			return fmt.Errorf("answer ids are not dense 0-based: missing id %d", i)
		}
	}
	return nil
}
