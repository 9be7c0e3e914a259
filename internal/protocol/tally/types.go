// Package tally implements the Tally Protocol (spec.md §4.3): review
// fan-out, per-session synchronized mix, verify-and-publish fan-out,
// and callback return. Ported control-flow from
// tally_election/{director,performer}_jobs.py.
package tally

import (
	"encoding/json"

	"github.com/sequentech/orchestra/internal/protocol/election"
)

// AuthorityRef reuses the election package's authority identity shape
// (name, orchestra URL, certificate) so both protocols describe peers
// identically over the wire.
type AuthorityRef = election.AuthorityRef

// TallyInput is the launch_task payload for tally_election, the body
// validated and enqueued by POST /tally.
type TallyInput struct {
	ElectionID  int64          `json:"election_id"`
	CallbackURL string         `json:"callback_url"`
	VotesURL    string         `json:"votes_url"`
	VotesHash   string         `json:"votes_hash"`
	Authorities []AuthorityRef `json:"authorities"`
}

// ReviewTallyInput is the review_tally Simple task payload sent to
// every authority in step 1.
type ReviewTallyInput struct {
	ElectionID  int64          `json:"election_id"`
	VotesURL    string         `json:"votes_url"`
	VotesHash   string         `json:"votes_hash"`
	Authorities []AuthorityRef `json:"authorities"`
	Self        AuthorityRef   `json:"self"`
}

// PerformTallyInput is the perform_tally Simple task payload for step
// 2's synchronized mix round.
type PerformTallyInput struct {
	ElectionID int64  `json:"election_id"`
	SessionID  string `json:"session_id"`
}

// VerifyAndPublishInput is the verify_and_publish_tally task payload
// for step 3.
type VerifyAndPublishInput struct {
	ElectionID int64    `json:"election_id"`
	SessionIDs []string `json:"session_ids"`
}

// VerifyAndPublishOutput carries the archive hash the director needs
// to build its own final reply.
type VerifyAndPublishOutput struct {
	TallyHash string `json:"tally_hash"`
}

// CallbackEnvelope matches spec.md §4.3 step 4's callback body for
// both the success and error cases.
type CallbackEnvelope struct {
	Status    string     `json:"status"`
	Reference Reference  `json:"reference"`
	Data      *ReplyData `json:"data,omitempty"`
}

// Reference identifies which election/action a callback refers to.
type Reference struct {
	ElectionID int64  `json:"election_id"`
	Action     string `json:"action"`
}

// ReplyData carries either the finished tally location or an error
// message, never both.
type ReplyData struct {
	TallyURL  string `json:"tally_url,omitempty"`
	TallyHash string `json:"tally_hash,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ballotLine is one line of the downloaded ciphertext bundle: a dense
// per-question array of encrypted choices.
type ballotLine struct {
	Choices []json.RawMessage `json:"choices"`
	Proofs  []json.RawMessage `json:"proofs"`
}
