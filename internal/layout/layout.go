// Package layout centralizes the filesystem paths spec.md §6 defines
// under PRIVATE_DATA_PATH and PUBLIC_DATA_PATH, so protocol, escrow,
// and CLI code agree on where artifacts live without duplicating
// path-joining logic.
package layout

import (
	"path/filepath"
	"strconv"
)

// Roots pins the two data roots for one node.
type Roots struct {
	PrivateDataPath string
	PublicDataPath  string
}

// PrivateElectionDir is PRIVATE_DATA_PATH/<election_id>.
func (r Roots) PrivateElectionDir(electionID int64) string {
	return filepath.Join(r.PrivateDataPath, strconv.FormatInt(electionID, 10))
}

// PublicElectionDir is PUBLIC_DATA_PATH/<election_id>.
func (r Roots) PublicElectionDir(electionID int64) string {
	return filepath.Join(r.PublicDataPath, strconv.FormatInt(electionID, 10))
}

// PrivateSessionDir is PRIVATE_DATA_PATH/<election_id>/<session_id>.
func (r Roots) PrivateSessionDir(electionID int64, sessionID string) string {
	return filepath.Join(r.PrivateElectionDir(electionID), sessionID)
}

// PublicSessionDir is PUBLIC_DATA_PATH/<election_id>/<session_id>.
func (r Roots) PublicSessionDir(electionID int64, sessionID string) string {
	return filepath.Join(r.PublicElectionDir(electionID), sessionID)
}

// Well-known file names within a session directory (spec.md §6).
const (
	StubXML          = "stub.xml"
	ProtInfoXML      = "protInfo.xml"
	LocalProtInfoXML = "localProtInfo.xml"
	PrivInfoXML      = "privInfo.xml"
	PublicKeyRaw     = "publicKey_raw"
	PublicKeyJSON    = "publicKey_json"
	CiphertextsJSON  = "ciphertexts_json"
	CiphertextsRaw   = "ciphertexts_raw"
	PlaintextsRaw    = "plaintexts_raw"
	PlaintextsJSON   = "plaintexts_json"
)

// Well-known file names within an election directory.
const (
	InvalidVotes   = "invalid_votes"
	PubkeysJSON    = "pubkeys_json"
	QuestionsJSON  = "questions_json"
	TallyApproved  = "tally_approved"
	TallyTarGz     = "tally.tar.gz"
	TallyTarGzSHA  = "tally.tar.gz.sha256"
)
