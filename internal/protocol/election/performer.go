package election

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

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

// Performer runs the performer-side steps of create_election on every
// authority (including the director, for its own share), ported from
// create_election/performer_jobs.py.
type Performer struct {
	Store      *postgres.Store
	Driver     *mixnet.Driver
	Roots      layout.Roots
	CertCmp    *certutil.Comparator
	SelfCert   string
	AutoAccept bool
	Approvals  approval.Store
	Log        *logger.Logger

	// ApprovalPollInterval sets how often awaitApproval re-checks
	// Approvals for a decision; zero uses defaultApprovalPollInterval.
	ApprovalPollInterval time.Duration

	GenPrivateInfoArgs func(electionID int64, sessionID, selfName, httpURL, hintURL string) []string
	GenPublicKeyArgs   func(electionID int64, sessionID string) []string
}

// Register wires this Performer's actions into reg, the registry an
// httpapi task handler consults when an inbound /task POST names an
// action this node must run locally.
func (p *Performer) Register(reg *taskengine.Registry) {
	reg.Register("generate_private_info", p.GeneratePrivateInfo)
	reg.Register("generate_public_key", p.GeneratePublicKey)
}

// GeneratePrivateInfo is spec.md §4.2 step 2: validate input, persist
// local Election/Authority/Session rows if the caller is the director
// (not self), gate on operator approval unless AUTOACCEPT_REQUESTS,
// then materialize each session's private info.
func (p *Performer) GeneratePrivateInfo(ctx context.Context, t *taskengine.Task) (json.RawMessage, error) {
	var in GeneratePrivateInfoInput
	if err := json.Unmarshal(t.Input, &in); err != nil {
		return nil, fmt.Errorf("election: decode generate_private_info input: %w", err)
	}

	isSelf := taskengine.IsSelf(p.CertCmp, p.SelfCert, t.SenderCert)
	if !isSelf {
		if err := p.materializeLocalElection(ctx, in); err != nil {
			return nil, err
		}
	}

	if !p.AutoAccept {
		decision, err := p.awaitApproval(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		if decision != approval.DecisionApproved {
			return nil, fmt.Errorf("election: task not accepted")
		}
	}

	return p.generatePrivateInfoVfork(ctx, in)
}

func (p *Performer) materializeLocalElection(ctx context.Context, in GeneratePrivateInfoInput) error {
	e := &model.Election{
		ID:               in.ElectionID,
		Title:            in.Title,
		Description:      in.Description,
		CallbackURL:      in.CallbackURL,
		NumParties:       len(in.Authorities),
		ThresholdParties: len(in.Authorities),
		Status:           model.ElectionCreating,
		Questions:        json.RawMessage("[]"),
	}
	for _, a := range in.Authorities {
		e.Authorities = append(e.Authorities, model.Authority{
			ElectionID: in.ElectionID, Name: a.Name, OrchestraURL: a.OrchestraURL, SSLCert: a.SSLCert,
		})
	}
	if err := p.Store.CreateElection(ctx, e); err != nil {
		return fmt.Errorf("election: persist local election copy: %w", err)
	}

	sessions := make([]model.Session, len(in.Stubs))
	for i, s := range in.Stubs {
		sessions[i] = model.Session{
			ID: s.SessionID, ElectionID: in.ElectionID, QuestionNumber: s.QuestionNumber,
			Status: model.SessionDefault,
		}
		dir := p.Roots.PrivateSessionDir(in.ElectionID, s.SessionID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("election: mkdir %s: %w", dir, err)
		}
		if err := os.WriteFile(filepath.Join(dir, layout.StubXML), []byte(s.StubXML), 0o644); err != nil {
			return fmt.Errorf("election: write stub for session %s: %w", s.SessionID, err)
		}
	}
	if err := p.Store.CreateSessions(ctx, sessions); err != nil {
		return fmt.Errorf("election: persist local sessions copy: %w", err)
	}
	return nil
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
			return "", fmt.Errorf("election: check approval for task %s: %w", taskID, err)
		}
		if ok {
			return decision, nil
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("election: task %s is still awaiting operator approval: %w", taskID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// generatePrivateInfoVfork is generate_private_info_vfork: invokes
// gen_private_info per session and returns each localProtInfo.xml.
func (p *Performer) generatePrivateInfoVfork(ctx context.Context, in GeneratePrivateInfoInput) (json.RawMessage, error) {
	out := make([]GeneratePrivateInfoOutput, 0, len(in.Stubs))

	for _, s := range in.Stubs {
		dir := p.Roots.PrivateSessionDir(in.ElectionID, s.SessionID)

		args := []string{in.Self.Name, in.Self.OrchestraURL, in.Self.OrchestraURL}
		if p.GenPrivateInfoArgs != nil {
			args = p.GenPrivateInfoArgs(in.ElectionID, s.SessionID, in.Self.Name, in.Self.OrchestraURL, in.Self.OrchestraURL)
		}
		if _, err := p.Driver.GenPrivateInfo(ctx, dir, args...); err != nil {
			return nil, fmt.Errorf("election: gen_private_info for session %s: %w", s.SessionID, err)
		}

		localProtInfo, err := os.ReadFile(filepath.Join(dir, layout.LocalProtInfoXML))
		if err != nil {
			return nil, fmt.Errorf("election: read localProtInfo.xml for session %s: %w", s.SessionID, err)
		}

		out = append(out, GeneratePrivateInfoOutput{SessionID: s.SessionID, LocalProtInfo: string(localProtInfo)})
	}

	return json.Marshal(out)
}

// GeneratePublicKey is spec.md §4.2 step 3's performer half: runs
// gen_public_key with a 10-minute timeout and the fatal-line filter,
// converts the key to publicKey_json and records it on the session
// row. It does not write protInfo.xml into the session directory and
// does not copy publicKey_json or protInfo.xml to the public root.
func (p *Performer) GeneratePublicKey(ctx context.Context, t *taskengine.Task) (json.RawMessage, error) {
	var in struct {
		ElectionID int64  `json:"election_id"`
		SessionID  string `json:"session_id"`
	}
	if err := json.Unmarshal(t.Input, &in); err != nil {
		return nil, fmt.Errorf("election: decode generate_public_key input: %w", err)
	}

	dir := p.Roots.PrivateSessionDir(in.ElectionID, in.SessionID)

	args := []string{in.SessionID}
	if p.GenPublicKeyArgs != nil {
		args = p.GenPublicKeyArgs(in.ElectionID, in.SessionID)
	}
	keygenCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()
	if _, err := p.Driver.GenPublicKey(keygenCtx, dir, args...); err != nil {
		return nil, fmt.Errorf("election: gen_public_key for session %s: %w", in.SessionID, err)
	}

	if _, err := p.Driver.ConvertPkeyJSON(ctx, dir); err != nil {
		return nil, fmt.Errorf("election: convert public key to JSON for session %s: %w", in.SessionID, err)
	}

	pubKeyJSON, err := os.ReadFile(filepath.Join(dir, layout.PublicKeyJSON))
	if err != nil {
		return nil, fmt.Errorf("election: read publicKey_json for session %s: %w", in.SessionID, err)
	}

	if err := p.Store.UpdateSessionPublicKey(ctx, in.SessionID, string(pubKeyJSON)); err != nil {
		return nil, fmt.Errorf("election: record public key for session %s: %w", in.SessionID, err)
	}

	return json.RawMessage("{}"), nil
}
