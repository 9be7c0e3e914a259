// Package model defines the persistent entities of spec.md §3: Election,
// Authority, Session, Ballot and QueryQueue, ported from the original
// election-orchestra's SQLAlchemy models (original_source/models.py).
package model

import (
	"encoding/json"
	"time"
)

// ElectionStatus enumerates the lifecycle states of an Election.
type ElectionStatus string

const (
	ElectionCreating ElectionStatus = "creating"
	ElectionCreated  ElectionStatus = "created"
	ElectionTallying ElectionStatus = "tallying"
	ElectionTallied  ElectionStatus = "tallied"
	ElectionError    ElectionStatus = "error"
)

// Election is the primary entity: a vote with one or more questions,
// each tallied separately via its own Session.
type Election struct {
	ID              int64           `json:"id"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	Questions       json.RawMessage `json:"questions"`
	StartDate       *time.Time      `json:"start_date"`
	EndDate         *time.Time      `json:"end_date"`
	CallbackURL     string          `json:"callback_url"`
	NumParties      int             `json:"num_parties"`
	ThresholdParties int            `json:"threshold_parties"`
	Status          ElectionStatus  `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`

	Authorities []Authority `json:"authorities,omitempty"`
	Sessions    []Session   `json:"sessions,omitempty"`
}

// Authority is a peer authority trusted to co-run the protocol for a
// given election.
type Authority struct {
	ID           int64  `json:"id"`
	ElectionID   int64  `json:"election_id"`
	Name         string `json:"name"`
	OrchestraURL string `json:"orchestra_url"`
	SSLCert      string `json:"ssl_cert"`
}

// SessionStatus enumerates the lifecycle of a cryptographic Session.
type SessionStatus string

const (
	SessionDefault  SessionStatus = "default"
	SessionKeyed    SessionStatus = "keyed"
	SessionTallying SessionStatus = "tallying"
	SessionTallied  SessionStatus = "tallied"
	SessionError    SessionStatus = "error"
)

// Session is the per-question cryptographic session: its own stub,
// protocol info, key pair and ciphertext/plaintext artifacts.
type Session struct {
	ID             string        `json:"id"`
	ElectionID     int64         `json:"election_id"`
	QuestionNumber int           `json:"question_number"`
	Status         SessionStatus `json:"status"`
	PublicKey      string        `json:"public_key"`
}

// Ballot is a recorded per-session ciphertext digest, used by
// derivative flows; spec.md marks uniqueness enforcement optional and
// it is modeled but never invoked from the tally pipeline.
type Ballot struct {
	SessionID  string    `json:"session_id"`
	BallotHash string    `json:"ballot_hash"`
	CreatedAt  time.Time `json:"created_at"`
}

// TaskKind enumerates the two protocol jobs the work queue serializes.
type TaskKind string

const (
	TaskKindElection TaskKind = "election"
	TaskKindTally    TaskKind = "tally"
)

// QueryQueueRow is a persisted FIFO job awaiting the work-queue gate.
type QueryQueueRow struct {
	ID        int64           `json:"id"`
	Kind      TaskKind        `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Doing     bool            `json:"doing"`
	CreatedAt time.Time       `json:"created_at"`
}
