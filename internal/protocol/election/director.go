package election

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

// Director runs the create_election composite on the node that
// received POST /election, ported from create_election/director_jobs.py.
type Director struct {
	Store      *postgres.Store
	Driver     *mixnet.Driver
	Roots      layout.Roots
	HTTPClient *http.Client
	Self       AuthorityRef
	Log        *logger.Logger
	// Events, if non-nil, announces run completion on the NATS
	// completion-event bus; nil is safe and simply skips publishing.
	Events *protocol.EventPublisher

	// GenProtInfoArgs builds the extra arguments passed to
	// vmni -prot for one session (N, T, and whatever the deployment's
	// mixnet group parameters require); callers supply this because
	// the exact argument list is deployment-specific (spec.md §9,
	// "the exact vfork/vmn binary signature is assumed stable").
	GenProtInfoArgs func(electionID int64, sessionID string, numParties, threshold int) []string
}

// Run executes the full election-creation protocol for in, returning
// the first error encountered. On both success and failure it POSTs
// the appropriate callback envelope to in.CallbackURL, matching
// spec.md §4.2 step 4's "on any uncaught error... posts the error
// envelope" behavior regardless of where in the composite it occurred.
func (d *Director) Run(ctx context.Context, in CreateElectionInput) error {
	sessions, stubs, err := d.generateStubs(ctx, in)
	if err != nil {
		return d.fail(ctx, in.ElectionID, in.CallbackURL, err)
	}

	if err := d.persistElection(ctx, in, sessions); err != nil {
		return d.fail(ctx, in.ElectionID, in.CallbackURL, err)
	}

	localProtInfos, err := d.fanOutPrivateInfo(ctx, in, stubs)
	if err != nil {
		return d.fail(ctx, in.ElectionID, in.CallbackURL, err)
	}

	if err := d.mergeProtInfo(ctx, in.ElectionID, sessions, localProtInfos); err != nil {
		return d.fail(ctx, in.ElectionID, in.CallbackURL, err)
	}

	if err := d.keygenAllSessions(ctx, in, sessions); err != nil {
		return d.fail(ctx, in.ElectionID, in.CallbackURL, err)
	}

	return d.returnElection(ctx, in, sessions)
}

// generateStubs is spec.md §4.2 step 1: one stub.xml per question,
// invoking the mixnet driver's gen_protocol_info.
func (d *Director) generateStubs(ctx context.Context, in CreateElectionInput) ([]model.Session, []StubInfo, error) {
	sessions := sessionsFromQuestions(in.ElectionID, in.Questions)
	stubs := make([]StubInfo, len(sessions))

	for i := range sessions {
		sessions[i].ID = fmt.Sprintf("%d-%s", i, uuid.NewString())

		dir := d.Roots.PrivateSessionDir(in.ElectionID, sessions[i].ID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("election: mkdir %s: %w", dir, err)
		}

		args := []string{sessions[i].ID, fmt.Sprint(len(in.Authorities)), fmt.Sprint(len(in.Authorities))}
		if d.GenProtInfoArgs != nil {
			args = d.GenProtInfoArgs(in.ElectionID, sessions[i].ID, len(in.Authorities), len(in.Authorities))
		}
		if _, err := d.Driver.GenProtocolInfo(ctx, dir, args...); err != nil {
			return nil, nil, fmt.Errorf("election: gen_protocol_info for session %s: %w", sessions[i].ID, err)
		}

		stubXML, err := os.ReadFile(filepath.Join(dir, layout.StubXML))
		if err != nil {
			return nil, nil, fmt.Errorf("election: read stub for session %s: %w", sessions[i].ID, err)
		}

		stubs[i] = StubInfo{SessionID: sessions[i].ID, QuestionNumber: i, StubXML: string(stubXML)}
	}

	return sessions, stubs, nil
}

// persistElection commits the Election, its Authorities, and all
// Sessions together, so "all Sessions commit together" (spec.md §4.2
// step 1).
func (d *Director) persistElection(ctx context.Context, in CreateElectionInput, sessions []model.Session) error {
	e := &model.Election{
		ID:               in.ElectionID,
		Title:            in.Title,
		Description:      in.Description,
		StartDate:        in.StartDate,
		EndDate:          in.EndDate,
		CallbackURL:      in.CallbackURL,
		NumParties:       len(in.Authorities),
		ThresholdParties: len(in.Authorities),
		Status:           model.ElectionCreating,
		Questions:        marshalQuestions(in.Questions),
	}
	for _, a := range in.Authorities {
		e.Authorities = append(e.Authorities, model.Authority{
			ElectionID:   in.ElectionID,
			Name:         a.Name,
			OrchestraURL: a.OrchestraURL,
			SSLCert:      a.SSLCert,
		})
	}
	if err := d.Store.CreateElection(ctx, e); err != nil {
		return fmt.Errorf("election: persist election: %w", err)
	}
	if err := d.Store.CreateSessions(ctx, sessions); err != nil {
		return fmt.Errorf("election: persist sessions: %w", err)
	}
	return nil
}

func marshalQuestions(qs []json.RawMessage) json.RawMessage {
	b, err := json.Marshal(qs)
	if err != nil {
		return json.RawMessage("[]")
	}
	return b
}

// fanOutPrivateInfo is spec.md §4.2 step 2: a Parallel composite with
// one generate_private_info External task per authority, each
// dispatched to that authority's orchestra_performer queue over HTTP
// and driven through the task engine, whose runParallel joins every
// subtask's error rather than only releasing siblings that already
// dispatched successfully.
func (d *Director) fanOutPrivateInfo(ctx context.Context, in CreateElectionInput, stubs []StubInfo) (map[string][]GeneratePrivateInfoOutput, error) {
	engine := taskengine.New(nil, d.Log, taskengine.HTTPDispatcher(d.HTTPClient))

	subtasks := make([]*taskengine.Task, len(in.Authorities))
	for i, auth := range in.Authorities {
		payload := GeneratePrivateInfoInput{
			ElectionID:  in.ElectionID,
			Title:       in.Title,
			Description: in.Description,
			CallbackURL: in.CallbackURL,
			Authorities: in.Authorities,
			Stubs:       stubs,
			Self:        auth,
		}
		input, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("election: marshal private-info input for %s: %w", auth.Name, err)
		}
		subtasks[i] = &taskengine.Task{
			ID:          uuid.NewString(),
			Kind:        taskengine.KindExternal,
			Action:      "generate_private_info",
			Input:       input,
			ReceiverURL: auth.OrchestraURL,
			QueueName:   taskengine.QueueOrchestraPerformer,
		}
	}

	root := &taskengine.Task{ID: uuid.NewString(), Kind: taskengine.KindParallel, Subtasks: subtasks}
	if err := engine.Run(ctx, root); err != nil {
		return nil, fmt.Errorf("election: generate_private_info fan-out: %w", err)
	}

	results := make(map[string][]GeneratePrivateInfoOutput, len(in.Authorities))
	for i, auth := range in.Authorities {
		var parsed []GeneratePrivateInfoOutput
		if err := json.Unmarshal(subtasks[i].Output, &parsed); err != nil {
			return nil, fmt.Errorf("election: decode private-info output from %s: %w", auth.Name, err)
		}
		results[auth.Name] = parsed
	}
	return results, nil
}

// mergeProtInfo is spec.md §4.2 step 3's merge half: writes every
// authority's per-session protInfo into the director's session
// directory and invokes the mixnet driver's merge.
func (d *Director) mergeProtInfo(ctx context.Context, electionID int64, sessions []model.Session, localProtInfos map[string][]GeneratePrivateInfoOutput) error {
	for _, sess := range sessions {
		dir := d.Roots.PrivateSessionDir(electionID, sess.ID)
		var files []string
		for authName, outs := range localProtInfos {
			for _, o := range outs {
				if o.SessionID != sess.ID {
					continue
				}
				fname := fmt.Sprintf("protInfo-%s.xml", authName)
				path := filepath.Join(dir, fname)
				if err := os.WriteFile(path, []byte(o.LocalProtInfo), 0o644); err != nil {
					return fmt.Errorf("election: write %s: %w", path, err)
				}
				files = append(files, fname)
			}
		}
		if _, err := d.Driver.Merge(ctx, dir, files...); err != nil {
			return fmt.Errorf("election: merge protInfo for session %s: %w", sess.ID, err)
		}
	}
	return nil
}

// keygenAllSessions is spec.md §4.2 step 3's keygen half: sessions run
// their keygen sequentially, and within one session every authority's
// generate_public_key runs synchronized, as a Sequential-of-
// Synchronized task tree. Driving this through the engine instead of a
// hand-rolled barrier matters because a barrier released only after a
// successful dispatch never releases the siblings of an authority
// whose call errored, wedging the whole run.
func (d *Director) keygenAllSessions(ctx context.Context, in CreateElectionInput, sessions []model.Session) error {
	engine := taskengine.New(nil, d.Log, taskengine.HTTPDispatcher(d.HTTPClient))

	sessionTasks := make([]*taskengine.Task, len(sessions))
	for si, sess := range sessions {
		subtasks := make([]*taskengine.Task, len(in.Authorities))
		for ai, auth := range in.Authorities {
			input, _ := json.Marshal(map[string]interface{}{
				"election_id": in.ElectionID,
				"session_id":  sess.ID,
			})
			subtasks[ai] = &taskengine.Task{
				ID:          uuid.NewString(),
				Kind:        taskengine.KindExternal,
				Action:      "generate_public_key",
				Input:       input,
				ReceiverURL: auth.OrchestraURL,
				QueueName:   taskengine.QueueMixnet,
			}
		}
		sessionTasks[si] = &taskengine.Task{ID: uuid.NewString(), Kind: taskengine.KindSynchronized, Subtasks: subtasks}
	}

	root := &taskengine.Task{ID: uuid.NewString(), Kind: taskengine.KindSequential, Subtasks: sessionTasks}
	if err := engine.Run(ctx, root); err != nil {
		return fmt.Errorf("election: generate_public_key fan-out: %w", err)
	}

	for _, sess := range sessions {
		pubKeyPath := filepath.Join(d.Roots.PrivateSessionDir(in.ElectionID, sess.ID), layout.PublicKeyJSON)
		pubKey, err := os.ReadFile(pubKeyPath)
		if err != nil {
			return fmt.Errorf("election: read public key for session %s: %w", sess.ID, err)
		}
		if err := d.Store.UpdateSessionPublicKey(ctx, sess.ID, string(pubKey)); err != nil {
			return fmt.Errorf("election: record public key for session %s: %w", sess.ID, err)
		}
	}
	return nil
}

// returnElection is spec.md §4.2 step 4: publish every session's
// public key and POST the success callback.
func (d *Director) returnElection(ctx context.Context, in CreateElectionInput, sessions []model.Session) error {
	sessionData := make([]SessionPubkey, 0, len(sessions))

	for _, sess := range sessions {
		privDir := d.Roots.PrivateSessionDir(in.ElectionID, sess.ID)
		pubDir := d.Roots.PublicSessionDir(in.ElectionID, sess.ID)
		if err := os.MkdirAll(pubDir, 0o755); err != nil {
			return fmt.Errorf("election: mkdir public session dir: %w", err)
		}

		pubKeyJSON, err := os.ReadFile(filepath.Join(privDir, layout.PublicKeyJSON))
		if err != nil {
			return fmt.Errorf("election: read public key for session %s: %w", sess.ID, err)
		}
		if err := os.WriteFile(filepath.Join(pubDir, layout.PublicKeyJSON), pubKeyJSON, 0o644); err != nil {
			return fmt.Errorf("election: publish public key for session %s: %w", sess.ID, err)
		}

		protInfo, err := os.ReadFile(filepath.Join(privDir, layout.ProtInfoXML))
		if err == nil {
			_ = os.WriteFile(filepath.Join(pubDir, layout.ProtInfoXML), protInfo, 0o644)
		}

		sessionData = append(sessionData, SessionPubkey{SessionID: sess.ID, Pubkey: json.RawMessage(pubKeyJSON)})
	}

	if err := d.Store.UpdateElectionStatus(ctx, in.ElectionID, model.ElectionCreated); err != nil {
		return fmt.Errorf("election: update election status: %w", err)
	}

	envelope := CallbackEnvelope{
		Status:      "finished",
		Reference:   Reference{ElectionID: in.ElectionID, Action: "POST /election"},
		SessionData: sessionData,
	}
	err := d.postCallback(ctx, in.CallbackURL, envelope)
	d.Events.PublishElectionFinished(in.ElectionID, "finished")
	return err
}

func (d *Director) fail(ctx context.Context, electionID int64, callbackURL string, cause error) error {
	if d.Log != nil {
		d.Log.WithField("election_id", electionID).WithField("err", cause).Error("election creation failed")
	}
	_ = d.Store.UpdateElectionStatus(ctx, electionID, model.ElectionError)

	envelope := CallbackEnvelope{
		Status:    "error",
		Reference: Reference{ElectionID: electionID, Action: "POST /election"},
		Data:      &ErrorData{Message: cause.Error()},
	}
	if cbErr := d.postCallback(ctx, callbackURL, envelope); cbErr != nil && d.Log != nil {
		d.Log.WithField("err", cbErr).Error("failed to post error callback")
	}
	d.Events.PublishElectionFinished(electionID, "error")
	return cause
}

func (d *Director) postCallback(ctx context.Context, callbackURL string, envelope CallbackEnvelope) error {
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("election: marshal callback: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("election: build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("election: post callback: %w", err)
	}
	defer resp.Body.Close()
	return nil
}
