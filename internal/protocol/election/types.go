// Package election implements the Election-Creation Protocol (spec.md
// §4.2): stub generation, per-authority private-info fan-out, merge
// and synchronized keygen, and callback return. Ported control-flow
// from create_election/{director,performer}_jobs.py.
package election

import (
	"encoding/json"
	"time"

	"github.com/sequentech/orchestra/internal/model"
)

// AuthorityRef is one authority's identity as carried in protocol
// payloads (a subset of model.Authority plus its task-engine
// certificate).
type AuthorityRef struct {
	Name         string `json:"name"`
	OrchestraURL string `json:"orchestra_url"`
	SSLCert      string `json:"ssl_cert"`
}

// CreateElectionInput is the launch_task payload for create_election,
// the body validated and enqueued by POST /election.
type CreateElectionInput struct {
	ElectionID  int64             `json:"id"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	StartDate   *time.Time        `json:"start_date"`
	EndDate     *time.Time        `json:"end_date"`
	CallbackURL string            `json:"callback_url"`
	Authorities []AuthorityRef    `json:"authorities"`
	Questions   []json.RawMessage `json:"questions"`
}

// StubInfo is one session's stub generated in step 1, carried to
// every authority in the private-info fan-out.
type StubInfo struct {
	SessionID      string `json:"session_id"`
	QuestionNumber int    `json:"question_number"`
	StubXML        string `json:"stub_xml"`
}

// GeneratePrivateInfoInput is the Simple task payload sent to each
// authority's orchestra_performer queue in step 2.
type GeneratePrivateInfoInput struct {
	ElectionID  int64          `json:"election_id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	CallbackURL string         `json:"callback_url"`
	Authorities []AuthorityRef `json:"authorities"`
	Stubs       []StubInfo     `json:"stubs"`
	Self        AuthorityRef   `json:"self"`
}

// GeneratePrivateInfoOutput carries each session's localProtInfo.xml
// back to the director.
type GeneratePrivateInfoOutput struct {
	SessionID       string `json:"session_id"`
	LocalProtInfo   string `json:"local_prot_info_xml"`
}

// SessionPubkey is one completed session's joint public key, as
// reported in the success callback's session_data.
type SessionPubkey struct {
	SessionID string          `json:"session_id"`
	Pubkey    json.RawMessage `json:"pubkey"`
}

// CallbackEnvelope is the shape POSTed to an election's callback_url,
// matching spec.md §6 exactly for both the success and error cases.
type CallbackEnvelope struct {
	Status    string          `json:"status"`
	Reference Reference       `json:"reference"`
	SessionData []SessionPubkey `json:"session_data,omitempty"`
	Data      *ErrorData      `json:"data,omitempty"`
}

// Reference identifies which election/action a callback refers to.
type Reference struct {
	ElectionID int64  `json:"election_id"`
	Action     string `json:"action"`
}

// ErrorData carries the error callback's message.
type ErrorData struct {
	Message string `json:"message"`
}

func sessionsFromQuestions(electionID int64, questions []json.RawMessage) []model.Session {
	out := make([]model.Session, len(questions))
	for i := range questions {
		out[i] = model.Session{
			ElectionID:     electionID,
			QuestionNumber: i,
			Status:         model.SessionDefault,
		}
	}
	return out
}
