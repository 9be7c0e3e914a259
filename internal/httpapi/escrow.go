package httpapi

import (
	"fmt"
	"net/http"

	"github.com/sequentech/orchestra/internal/escrow"
)

// sessionRefs loads electionID's sessions in question-number order and
// converts them to escrow.SessionRef, the shape the escrow package
// operates on (spec.md §4.6 "for every session in question-number
// order").
func (s *Server) sessionRefs(r *http.Request, electionID int64) ([]escrow.SessionRef, error) {
	sessions, err := s.Store.ListSessions(reqCtx(r), electionID)
	if err != nil {
		return nil, err
	}
	refs := make([]escrow.SessionRef, len(sessions))
	for i, sess := range sessions {
		refs[i] = escrow.SessionRef{SessionID: sess.ID, QuestionNumber: sess.QuestionNumber}
	}
	return refs, nil
}

func (s *Server) escrowFor(electionID int64) *escrow.Escrow {
	return escrow.New(s.Roots.PrivateElectionDir(electionID))
}

// handleDownloadPrivateShare is POST /download_private_share
// (spec.md §4.6 Export).
func (s *Server) handleDownloadPrivateShare(w http.ResponseWriter, r *http.Request) {
	var req privateShareRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	refs, err := s.sessionRefs(r, req.ElectionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	archive, err := s.escrowFor(req.ElectionID).ExportBase64(refs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, privateShareRequest{ElectionID: req.ElectionID, Archive: archive})
}

// handleCheckPrivateShare is POST /check_private_share
// (spec.md §4.6 Check).
func (s *Server) handleCheckPrivateShare(w http.ResponseWriter, r *http.Request) {
	var req privateShareRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Archive == "" {
		writeError(w, http.StatusBadRequest, "archive is required")
		return
	}

	refs, err := s.sessionRefs(r, req.ElectionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	result, err := s.escrowFor(req.ElectionID).Check(refs, req.Archive)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, checkShareResponse{Result: result})
}

// handleDeletePrivateShare is POST /delete_private_share (spec.md
// §4.6 Delete): requires a successful Check against the supplied
// archive before unlinking anything.
func (s *Server) handleDeletePrivateShare(w http.ResponseWriter, r *http.Request) {
	var req privateShareRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Archive == "" {
		writeError(w, http.StatusBadRequest, "archive is required to authorize deletion")
		return
	}

	refs, err := s.sessionRefs(r, req.ElectionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	esc := s.escrowFor(req.ElectionID)
	result, err := esc.Check(refs, req.Archive)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if result != "True" {
		writeError(w, http.StatusBadRequest, "archive does not match the current private share; refusing to delete")
		return
	}

	if err := esc.Delete(refs); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, struct{}{})
}

// handleRestorePrivateShare is POST /restore_private_share (spec.md
// §4.6 Restore).
func (s *Server) handleRestorePrivateShare(w http.ResponseWriter, r *http.Request) {
	var req privateShareRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Archive == "" {
		writeError(w, http.StatusBadRequest, "archive is required")
		return
	}

	refs, err := s.sessionRefs(r, req.ElectionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := s.escrowFor(req.ElectionID).Restore(refs, req.Archive); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, struct{}{})
}
