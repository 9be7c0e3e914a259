package tally

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sequentech/orchestra/internal/artifact"
	"github.com/sequentech/orchestra/internal/certutil"
	"github.com/sequentech/orchestra/internal/layout"
	"github.com/sequentech/orchestra/internal/mixnet"
	"github.com/sequentech/orchestra/internal/model"
	"github.com/sequentech/orchestra/internal/store/postgres"
	"github.com/sequentech/orchestra/internal/taskengine"
	"github.com/sequentech/orchestra/internal/taskengine/approval"
	"github.com/sequentech/orchestra/pkg/logger"
)

// defaultApprovalPollInterval is how often awaitApproval re-checks the
// approval store while AUTOACCEPT_REQUESTS is false and no decision
// has been recorded yet, used whenever Performer.ApprovalPollInterval
// is unset.
const defaultApprovalPollInterval = 2 * time.Second

// Performer runs the performer-side steps of tally_election on every
// authority, ported from tally_election/performer_jobs.py.
type Performer struct {
	Store      *postgres.Store
	Driver     *mixnet.Driver
	Roots      layout.Roots
	HTTPClient *http.Client
	CertCmp    *certutil.Comparator
	SelfCert   string
	AutoAccept bool
	// AllowMultipleTallies mirrors ENABLE_MULTIPLE_TALLIES: when false,
	// an election that already has a tally.tar.gz rejects a new review.
	AllowMultipleTallies bool
	Approvals            approval.Store
	Log                  *logger.Logger

	// ApprovalPollInterval sets how often awaitApproval re-checks
	// Approvals for a decision; zero uses defaultApprovalPollInterval.
	ApprovalPollInterval time.Duration
}

// Register wires this Performer's actions into reg.
func (p *Performer) Register(reg *taskengine.Registry) {
	reg.Register("review_tally", p.ReviewTally)
	reg.Register("perform_tally", p.PerformTally)
	reg.Register("verify_and_publish_tally", p.VerifyAndPublishTally)
}

func certsOf(auths []AuthorityRef) []string {
	out := make([]string, len(auths))
	for i, a := range auths {
		out[i] = a.SSLCert
	}
	return out
}

// ReviewTally is spec.md §4.3 step 1: validate the caller, ensure a
// fresh tally slate, download and split the ballot bundle, then
// suspend on approval unless AutoAccept.
func (p *Performer) ReviewTally(ctx context.Context, t *taskengine.Task) (json.RawMessage, error) {
	var in ReviewTallyInput
	if err := json.Unmarshal(t.Input, &in); err != nil {
		return nil, fmt.Errorf("tally: decode review_tally input: %w", err)
	}

	if !taskengine.IsRegisteredAuthority(p.CertCmp, t.SenderCert, certsOf(in.Authorities)) {
		return nil, fmt.Errorf("tally: caller is not a registered authority")
	}

	election, err := p.Store.GetElection(ctx, in.ElectionID)
	if err != nil {
		return nil, fmt.Errorf("tally: election %d not found: %w", in.ElectionID, err)
	}

	electionDir := p.Roots.PrivateElectionDir(in.ElectionID)
	if !p.AllowMultipleTallies {
		if _, err := os.Stat(filepath.Join(electionDir, layout.TallyTarGz)); err == nil {
			return nil, fmt.Errorf("tally: a tally already exists for election %d", in.ElectionID)
		}
	}

	for _, sess := range election.Sessions {
		dir := p.Roots.PrivateSessionDir(in.ElectionID, sess.ID)
		if _, err := p.Driver.Reset(ctx, dir); err != nil && p.Log != nil {
			p.Log.WithField("session_id", sess.ID).WithField("err", err).Warn("reset prior mix state failed")
		}
	}

	if err := os.MkdirAll(electionDir, 0o755); err != nil {
		return nil, fmt.Errorf("tally: mkdir %s: %w", electionDir, err)
	}
	bundlePath := filepath.Join(electionDir, "ballots.json")
	client := p.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	if err := downloadAndVerifyBallots(ctx, client, in.VotesURL, in.VotesHash, bundlePath); err != nil {
		return nil, err
	}

	if err := splitCiphertexts(bundlePath, election.Sessions, p.Roots, in.ElectionID); err != nil {
		return nil, err
	}
	if err := convertSessionCiphertexts(ctx, p.Driver, p.Roots, in.ElectionID, election.Sessions); err != nil {
		return nil, err
	}

	if !p.AutoAccept {
		decision, err := p.awaitApproval(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		if decision != approval.DecisionApproved {
			return nil, fmt.Errorf("tally: task not accepted")
		}
	}

	if err := os.WriteFile(filepath.Join(electionDir, layout.TallyApproved), []byte("1"), 0o644); err != nil {
		return nil, fmt.Errorf("tally: write approval sentinel: %w", err)
	}

	return json.RawMessage("{}"), nil
}

// awaitApproval blocks until an operator resolves task taskID via
// POST /task/{id}/approve, polling the (persisted) approval store
// rather than checking it once: the task's single inbound dispatch
// only lives for the duration of this call, so the approval it is
// waiting on necessarily arrives later, out of band, against the same
// task ID.
func (p *Performer) awaitApproval(ctx context.Context, taskID string) (approval.Decision, error) {
	if p.Approvals == nil {
		return approval.DecisionApproved, nil
	}

	interval := p.ApprovalPollInterval
	if interval <= 0 {
		interval = defaultApprovalPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		decision, ok, err := p.Approvals.Get(ctx, taskID)
		if err != nil {
			return "", fmt.Errorf("tally: check approval for task %s: %w", taskID, err)
		}
		if ok {
			return decision, nil
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("tally: task %s is still awaiting operator approval: %w", taskID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// PerformTally is spec.md §4.3 step 2's performer half: confirm the
// approval sentinel (if required), run the mix, and on failure
// withdraw the sentinel and reset the session.
func (p *Performer) PerformTally(ctx context.Context, t *taskengine.Task) (json.RawMessage, error) {
	var in PerformTallyInput
	if err := json.Unmarshal(t.Input, &in); err != nil {
		return nil, fmt.Errorf("tally: decode perform_tally input: %w", err)
	}

	electionDir := p.Roots.PrivateElectionDir(in.ElectionID)
	if !p.AutoAccept {
		if _, err := os.Stat(filepath.Join(electionDir, layout.TallyApproved)); err != nil {
			return nil, fmt.Errorf("tally: session %s is awaiting tally approval", in.SessionID)
		}
	}

	sessionDir := p.Roots.PrivateSessionDir(in.ElectionID, in.SessionID)
	if _, err := p.Driver.Mix(ctx, sessionDir); err != nil {
		_ = os.Remove(filepath.Join(electionDir, layout.TallyApproved))
		_, _ = p.Driver.Reset(ctx, sessionDir)
		_ = p.Store.UpdateSessionStatus(ctx, in.SessionID, model.SessionError)
		return nil, fmt.Errorf("tally: mix session %s: %w", in.SessionID, err)
	}

	if err := p.Store.UpdateSessionStatus(ctx, in.SessionID, model.SessionTallied); err != nil {
		return nil, fmt.Errorf("tally: record session %s tallied: %w", in.SessionID, err)
	}
	return json.RawMessage("{}"), nil
}

// VerifyAndPublishTally is spec.md §4.3 step 3: convert plaintexts,
// verify the mix, and build the deterministic tally.tar.gz archive.
func (p *Performer) VerifyAndPublishTally(ctx context.Context, t *taskengine.Task) (json.RawMessage, error) {
	var in VerifyAndPublishInput
	if err := json.Unmarshal(t.Input, &in); err != nil {
		return nil, fmt.Errorf("tally: decode verify_and_publish_tally input: %w", err)
	}

	entries, err := buildArchiveEntries(ctx, p.Driver, p.Roots, in.ElectionID, in.SessionIDs)
	if err != nil {
		return nil, err
	}

	electionDir := p.Roots.PrivateElectionDir(in.ElectionID)
	archivePath := filepath.Join(electionDir, layout.TallyTarGz)
	if err := artifact.BuildDeterministicTarGz(archivePath, entries); err != nil {
		return nil, err
	}

	hash, err := artifact.HashFile(archivePath)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(electionDir, layout.TallyTarGzSHA), []byte(hash), 0o644); err != nil {
		return nil, fmt.Errorf("tally: write sidecar: %w", err)
	}

	return json.Marshal(VerifyAndPublishOutput{TallyHash: hash})
}

func buildArchiveEntries(ctx context.Context, driver *mixnet.Driver, roots layout.Roots, electionID int64, sessionIDs []string) ([]artifact.Entry, error) {
	var entries []artifact.Entry
	electionDir := roots.PrivateElectionDir(electionID)

	for _, sessionID := range sessionIDs {
		dir := roots.PrivateSessionDir(electionID, sessionID)
		if _, err := driver.ConvertPlaintextsJSON(ctx, dir); err != nil {
			return nil, fmt.Errorf("tally: convert plaintexts for session %s: %w", sessionID, err)
		}

		res, err := driver.Verify(ctx, dir)
		if err != nil {
			return nil, fmt.Errorf("tally: verify session %s: %w", sessionID, err)
		}
		if !strings.Contains(res.Output, "Verification completed SUCCESSFULLY after") {
			return nil, fmt.Errorf("tally: verification of session %s did not report success", sessionID)
		}

		entries = append(entries,
			artifact.Entry{SourcePath: filepath.Join(dir, layout.CiphertextsJSON), ArcName: filepath.Join(sessionID, layout.CiphertextsJSON)},
			artifact.Entry{SourcePath: filepath.Join(dir, layout.PlaintextsJSON), ArcName: filepath.Join(sessionID, layout.PlaintextsJSON)},
		)
	}

	if pubkeys := filepath.Join(electionDir, layout.PubkeysJSON); fileExists(pubkeys) {
		entries = append(entries, artifact.Entry{SourcePath: pubkeys, ArcName: layout.PubkeysJSON})
	}
	if questions := filepath.Join(electionDir, layout.QuestionsJSON); fileExists(questions) {
		entries = append(entries, artifact.Entry{SourcePath: questions, ArcName: layout.QuestionsJSON})
	}

	return entries, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
