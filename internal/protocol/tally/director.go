package tally

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/sequentech/orchestra/internal/layout"
	"github.com/sequentech/orchestra/internal/mixnet"
	"github.com/sequentech/orchestra/internal/model"
	"github.com/sequentech/orchestra/internal/protocol"
	"github.com/sequentech/orchestra/internal/store/postgres"
	"github.com/sequentech/orchestra/internal/taskengine"
	"github.com/sequentech/orchestra/pkg/logger"
)

// Director runs the tally_election composite on the node that
// received POST /tally, ported from tally_election/director_jobs.py.
type Director struct {
	Store      *postgres.Store
	Driver     *mixnet.Driver
	Roots      layout.Roots
	HTTPClient *http.Client
	Log        *logger.Logger
	// Events, if non-nil, announces run completion on the NATS
	// completion-event bus; nil is safe and simply skips publishing.
	Events *protocol.EventPublisher

	// PublicBaseURL, if set, is prefixed to the election's public
	// directory path to build the tally_url reported in the success
	// callback; left empty, the callback reports a filesystem path.
	PublicBaseURL string
}

// Run executes the full tally protocol for in, POSTing the matching
// callback envelope on both success and failure, mirroring
// create_election's Director.Run error-handling shape.
func (d *Director) Run(ctx context.Context, in TallyInput) error {
	election, err := d.Store.GetElection(ctx, in.ElectionID)
	if err != nil {
		return d.fail(ctx, in.ElectionID, in.CallbackURL, fmt.Errorf("tally: load election %d: %w", in.ElectionID, err))
	}

	if err := d.Store.UpdateElectionStatus(ctx, in.ElectionID, model.ElectionTallying); err != nil {
		return d.fail(ctx, in.ElectionID, in.CallbackURL, err)
	}

	if err := d.reviewFanOut(ctx, in, election.Authorities); err != nil {
		return d.fail(ctx, in.ElectionID, in.CallbackURL, err)
	}

	if err := d.mixAllSessions(ctx, in.ElectionID, election.Sessions, election.Authorities); err != nil {
		return d.fail(ctx, in.ElectionID, in.CallbackURL, err)
	}

	if err := d.publishPubkeysAndQuestions(election); err != nil {
		return d.fail(ctx, in.ElectionID, in.CallbackURL, err)
	}

	if err := d.verifyAndPublishFanOut(ctx, in.ElectionID, election.Sessions, election.Authorities); err != nil {
		return d.fail(ctx, in.ElectionID, in.CallbackURL, err)
	}

	return d.returnTally(ctx, in, election.Sessions)
}

// reviewFanOut is step 1: a Parallel composite of review_tally tasks,
// one per authority, run through the task engine so a failing
// authority can't strand the others (Engine.Run's runParallel joins
// every sibling's error instead of requiring all to succeed before any
// goroutine is released).
func (d *Director) reviewFanOut(ctx context.Context, in TallyInput, authorities []model.Authority) error {
	engine := taskengine.New(nil, d.Log, taskengine.HTTPDispatcher(d.HTTPClient))
	refs := authorityRefs(authorities)

	subtasks := make([]*taskengine.Task, len(authorities))
	for i, a := range authorities {
		payload := ReviewTallyInput{
			ElectionID:  in.ElectionID,
			VotesURL:    in.VotesURL,
			VotesHash:   in.VotesHash,
			Authorities: refs,
			Self:        AuthorityRef{Name: a.Name, OrchestraURL: a.OrchestraURL, SSLCert: a.SSLCert},
		}
		input, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("tally: marshal review_tally input for %s: %w", a.Name, err)
		}
		subtasks[i] = &taskengine.Task{
			ID:          uuid.NewString(),
			Kind:        taskengine.KindExternal,
			Action:      "review_tally",
			Input:       input,
			ReceiverURL: a.OrchestraURL,
			QueueName:   taskengine.QueueOrchestraPerformer,
		}
	}

	root := &taskengine.Task{ID: uuid.NewString(), Kind: taskengine.KindParallel, Subtasks: subtasks}
	if err := engine.Run(ctx, root); err != nil {
		return fmt.Errorf("tally: review_tally fan-out: %w", err)
	}
	return nil
}

// mixAllSessions is step 2: sessions run their mix sequentially, and
// within one session every authority's perform_tally runs
// synchronized, as a Sequential-of-Synchronized task tree driven by
// the engine rather than a hand-rolled barrier (a barrier released
// only on a successful dispatch deadlocks its still-waiting siblings
// the instant one authority's call errors).
func (d *Director) mixAllSessions(ctx context.Context, electionID int64, sessions []model.Session, authorities []model.Authority) error {
	engine := taskengine.New(nil, d.Log, taskengine.HTTPDispatcher(d.HTTPClient))

	sessionTasks := make([]*taskengine.Task, len(sessions))
	for si, sess := range sessions {
		subtasks := make([]*taskengine.Task, len(authorities))
		for ai, a := range authorities {
			input, err := json.Marshal(PerformTallyInput{ElectionID: electionID, SessionID: sess.ID})
			if err != nil {
				return fmt.Errorf("tally: marshal perform_tally input for %s: %w", a.Name, err)
			}
			subtasks[ai] = &taskengine.Task{
				ID:          uuid.NewString(),
				Kind:        taskengine.KindExternal,
				Action:      "perform_tally",
				Input:       input,
				ReceiverURL: a.OrchestraURL,
				QueueName:   taskengine.QueueMixnet,
			}
		}
		sessionTasks[si] = &taskengine.Task{ID: uuid.NewString(), Kind: taskengine.KindSynchronized, Subtasks: subtasks}
	}

	root := &taskengine.Task{ID: uuid.NewString(), Kind: taskengine.KindSequential, Subtasks: sessionTasks}
	if err := engine.Run(ctx, root); err != nil {
		return fmt.Errorf("tally: perform_tally fan-out: %w", err)
	}
	return nil
}

// publishPubkeysAndQuestions writes the election-level pubkeys_json
// and questions_json files every authority's archive step bundles
// into its tally.tar.gz.
func (d *Director) publishPubkeysAndQuestions(election *model.Election) error {
	dir := d.Roots.PrivateElectionDir(election.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("tally: mkdir %s: %w", dir, err)
	}

	pubkeys := make(map[string]string, len(election.Sessions))
	for _, sess := range election.Sessions {
		pubkeys[sess.ID] = sess.PublicKey
	}
	pubkeysJSON, err := json.Marshal(pubkeys)
	if err != nil {
		return fmt.Errorf("tally: marshal pubkeys: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, layout.PubkeysJSON), pubkeysJSON, 0o644); err != nil {
		return fmt.Errorf("tally: write pubkeys_json: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, layout.QuestionsJSON), []byte(election.Questions), 0o644); err != nil {
		return fmt.Errorf("tally: write questions_json: %w", err)
	}
	return nil
}

// verifyAndPublishFanOut is step 3: a Parallel composite of
// verify_and_publish_tally tasks, one per authority.
func (d *Director) verifyAndPublishFanOut(ctx context.Context, electionID int64, sessions []model.Session, authorities []model.Authority) error {
	engine := taskengine.New(nil, d.Log, taskengine.HTTPDispatcher(d.HTTPClient))

	sessionIDs := make([]string, len(sessions))
	for i, s := range sessions {
		sessionIDs[i] = s.ID
	}

	subtasks := make([]*taskengine.Task, len(authorities))
	for i, a := range authorities {
		input, err := json.Marshal(VerifyAndPublishInput{ElectionID: electionID, SessionIDs: sessionIDs})
		if err != nil {
			return fmt.Errorf("tally: marshal verify_and_publish_tally input for %s: %w", a.Name, err)
		}
		subtasks[i] = &taskengine.Task{
			ID:          uuid.NewString(),
			Kind:        taskengine.KindExternal,
			Action:      "verify_and_publish_tally",
			Input:       input,
			ReceiverURL: a.OrchestraURL,
			QueueName:   taskengine.QueueOrchestraPerformer,
		}
	}

	root := &taskengine.Task{ID: uuid.NewString(), Kind: taskengine.KindParallel, Subtasks: subtasks}
	if err := engine.Run(ctx, root); err != nil {
		return fmt.Errorf("tally: verify_and_publish_tally fan-out: %w", err)
	}
	return nil
}

// returnTally is step 4: publish the archive and POST the success
// callback carrying its location and digest.
func (d *Director) returnTally(ctx context.Context, in TallyInput, sessions []model.Session) error {
	privDir := d.Roots.PrivateElectionDir(in.ElectionID)
	pubDir := d.Roots.PublicElectionDir(in.ElectionID)
	if err := os.MkdirAll(pubDir, 0o755); err != nil {
		return fmt.Errorf("tally: mkdir public election dir: %w", err)
	}

	archive, err := os.ReadFile(filepath.Join(privDir, layout.TallyTarGz))
	if err != nil {
		return fmt.Errorf("tally: read tally archive: %w", err)
	}
	if err := os.WriteFile(filepath.Join(pubDir, layout.TallyTarGz), archive, 0o644); err != nil {
		return fmt.Errorf("tally: publish tally archive: %w", err)
	}

	hash, err := os.ReadFile(filepath.Join(privDir, layout.TallyTarGzSHA))
	if err != nil {
		return fmt.Errorf("tally: read tally sidecar: %w", err)
	}
	if err := os.WriteFile(filepath.Join(pubDir, layout.TallyTarGzSHA), hash, 0o644); err != nil {
		return fmt.Errorf("tally: publish tally sidecar: %w", err)
	}

	if err := d.Store.UpdateElectionStatus(ctx, in.ElectionID, model.ElectionTallied); err != nil {
		return fmt.Errorf("tally: update election status: %w", err)
	}

	tallyURL := filepath.Join(pubDir, layout.TallyTarGz)
	if d.PublicBaseURL != "" {
		tallyURL = fmt.Sprintf("%s/%d/%s", d.PublicBaseURL, in.ElectionID, layout.TallyTarGz)
	}

	envelope := CallbackEnvelope{
		Status:    "finished",
		Reference: Reference{ElectionID: in.ElectionID, Action: "POST /tally"},
		Data: &ReplyData{
			TallyURL:  tallyURL,
			TallyHash: "ni:///sha-256;" + string(hash),
		},
	}
	err = d.postCallback(ctx, in.CallbackURL, envelope)
	d.Events.PublishTallyFinished(in.ElectionID, "finished")
	return err
}

func (d *Director) fail(ctx context.Context, electionID int64, callbackURL string, cause error) error {
	if d.Log != nil {
		d.Log.WithField("election_id", electionID).WithField("err", cause).Error("tally failed")
	}
	_ = d.Store.UpdateElectionStatus(ctx, electionID, model.ElectionError)

	envelope := CallbackEnvelope{
		Status:    "error",
		Reference: Reference{ElectionID: electionID, Action: "POST /tally"},
		Data:      &ReplyData{Message: cause.Error()},
	}
	if cbErr := d.postCallback(ctx, callbackURL, envelope); cbErr != nil && d.Log != nil {
		d.Log.WithField("err", cbErr).Error("failed to post tally error callback")
	}
	d.Events.PublishTallyFinished(electionID, "error")
	return cause
}

func (d *Director) postCallback(ctx context.Context, callbackURL string, envelope CallbackEnvelope) error {
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("tally: marshal callback: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("tally: build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("tally: post callback: %w", err)
	}
	defer resp.Body.Close()
	return nil
}

func authorityRefs(authorities []model.Authority) []AuthorityRef {
	out := make([]AuthorityRef, len(authorities))
	for i, a := range authorities {
		out[i] = AuthorityRef{Name: a.Name, OrchestraURL: a.OrchestraURL, SSLCert: a.SSLCert}
	}
	return out
}
