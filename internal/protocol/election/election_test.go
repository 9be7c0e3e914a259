package election

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/sequentech/orchestra/internal/certutil"
	"github.com/sequentech/orchestra/internal/layout"
	"github.com/sequentech/orchestra/internal/mixnet"
	"github.com/sequentech/orchestra/internal/store/postgres"
	"github.com/sequentech/orchestra/internal/taskengine"
	"github.com/sequentech/orchestra/internal/taskengine/approval"
)

func writeScript(t *testing.T, dir, binary, body string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fakes are posix-only")
	}
	path := filepath.Join(dir, binary)
	content := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
}

func newFakeDriver(t *testing.T) *mixnet.Driver {
	t.Helper()
	bin := t.TempDir()
	writeScript(t, bin, "vmni", `
case "$1" in
  -prot) echo "<stub/>" > stub.xml ;;
  -party) echo "<local/>" > localProtInfo.xml ;;
esac
`)
	writeScript(t, bin, "vmn", `
case "$1" in
  -merge) echo "<prot/>" > protInfo.xml ;;
  -keygen) true ;;
esac
`)
	writeScript(t, bin, "vmnc", `
case "$1" in
  -pkey) echo '{"q":"pubkey"}' > publicKey_json ;;
esac
`)
	return mixnet.New(mixnet.Config{BinDir: bin, DefaultTimeout: 5 * time.Second}, nil)
}

// taskWireRequest/taskWireResponse mirror taskengine's unexported wire
// types, used here to stand in for the httpapi /task handler that
// dispatches inbound task requests to a Performer's registry.
type taskWireRequest struct {
	ID     string          `json:"id"`
	Action string          `json:"action"`
	Queue  string          `json:"queue_name"`
	Input  json.RawMessage `json:"input"`
}

type taskWireResponse struct {
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error,omitempty"`
}

func newPerformerServer(t *testing.T, reg *taskengine.Registry, senderCert string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req taskWireRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		handler, err := reg.Lookup(req.Action)
		if err != nil {
			json.NewEncoder(w).Encode(taskWireResponse{Error: err.Error()})
			return
		}
		task := &taskengine.Task{ID: req.ID, Action: req.Action, QueueName: req.Queue, Input: req.Input, SenderCert: senderCert}
		out, err := handler(r.Context(), task)
		if err != nil {
			json.NewEncoder(w).Encode(taskWireResponse{Error: err.Error()})
			return
		}
		json.NewEncoder(w).Encode(taskWireResponse{Output: out})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newMockStore(t *testing.T) (*postgres.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return postgres.NewStore(db), mock
}

// TestDirectorRunSingleAuthorityEndToEnd exercises the full
// create_election composite with one authority that is also the
// director's own node, verifying every step wires through to a real
// (fake) mixnet driver and a real (test) HTTP round trip.
func TestDirectorRunSingleAuthorityEndToEnd(t *testing.T) {
	store, mock := newMockStore(t)
	driver := newFakeDriver(t)
	roots := layout.Roots{PrivateDataPath: t.TempDir(), PublicDataPath: t.TempDir()}

	reg := taskengine.NewRegistry()
	perf := &Performer{
		Store:      store,
		Driver:     driver,
		Roots:      roots,
		CertCmp:    certutil.NewComparator(time.Minute, 16),
		SelfCert:   "self-cert",
		AutoAccept: true,
	}
	perf.Register(reg)
	performerSrv := newPerformerServer(t, reg, "self-cert")

	var callbackBody []byte
	callbackSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callbackBody, _ = io.ReadAll(r.Body)
	}))
	t.Cleanup(callbackSrv.Close)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO election").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO authority").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO session").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec("UPDATE session SET public_key").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE session SET public_key").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE election SET status").WillReturnResult(sqlmock.NewResult(0, 1))

	director := &Director{
		Store:      store,
		Driver:     driver,
		Roots:      roots,
		HTTPClient: performerSrv.Client(),
	}

	in := CreateElectionInput{
		ElectionID:  1,
		Title:       "Board vote",
		CallbackURL: callbackSrv.URL,
		Authorities: []AuthorityRef{{Name: "self", OrchestraURL: performerSrv.URL, SSLCert: "self-cert"}},
		Questions:   []json.RawMessage{json.RawMessage(`{"q":"Yes or no?"}`)},
	}

	if err := director.Run(context.Background(), in); err != nil {
		t.Fatalf("director.Run: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("store expectations: %v", err)
	}

	var envelope CallbackEnvelope
	if err := json.Unmarshal(callbackBody, &envelope); err != nil {
		t.Fatalf("decode callback: %v", err)
	}
	if envelope.Status != "finished" {
		t.Fatalf("expected finished callback, got %+v", envelope)
	}
	if len(envelope.SessionData) != 1 {
		t.Fatalf("expected one session in callback, got %d", len(envelope.SessionData))
	}
}

// TestPerformerGeneratePrivateInfoMaterializesWhenSenderDiffers checks
// that a performer receiving a call from a different node (the
// director) persists its own copy of the Election/Authority/Session
// rows before running gen_private_info.
func TestPerformerGeneratePrivateInfoMaterializesWhenSenderDiffers(t *testing.T) {
	store, mock := newMockStore(t)
	driver := newFakeDriver(t)
	roots := layout.Roots{PrivateDataPath: t.TempDir(), PublicDataPath: t.TempDir()}

	perf := &Performer{
		Store:      store,
		Driver:     driver,
		Roots:      roots,
		CertCmp:    certutil.NewComparator(time.Minute, 16),
		SelfCert:   "self-cert",
		AutoAccept: true,
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO election").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO authority").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO session").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	in := GeneratePrivateInfoInput{
		ElectionID:  9,
		Title:       "T",
		Authorities: []AuthorityRef{{Name: "self"}},
		Stubs:       []StubInfo{{SessionID: "sess-1", QuestionNumber: 0, StubXML: "<stub/>"}},
		Self:        AuthorityRef{Name: "self"},
	}
	input, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal input: %v", err)
	}

	task := &taskengine.Task{ID: "t1", Input: input, SenderCert: "director-cert"}
	out, err := perf.GeneratePrivateInfo(context.Background(), task)
	if err != nil {
		t.Fatalf("GeneratePrivateInfo: %v", err)
	}

	var outs []GeneratePrivateInfoOutput
	if err := json.Unmarshal(out, &outs); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if len(outs) != 1 || outs[0].SessionID != "sess-1" {
		t.Fatalf("unexpected output: %+v", outs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("store expectations: %v", err)
	}
}

// TestPerformerGeneratePrivateInfoSkipsPersistWhenSenderIsSelf checks
// that no local Election/Authority/Session rows are created when the
// calling node is this node itself (so no sqlmock expectations are
// set at all; any unexpected query fails the test).
func TestPerformerGeneratePrivateInfoSkipsPersistWhenSenderIsSelf(t *testing.T) {
	store, mock := newMockStore(t)
	driver := newFakeDriver(t)
	roots := layout.Roots{PrivateDataPath: t.TempDir(), PublicDataPath: t.TempDir()}

	perf := &Performer{
		Store:      store,
		Driver:     driver,
		Roots:      roots,
		CertCmp:    certutil.NewComparator(time.Minute, 16),
		SelfCert:   "self-cert",
		AutoAccept: true,
	}

	in := GeneratePrivateInfoInput{
		ElectionID: 9,
		Stubs:      []StubInfo{{SessionID: "sess-1", QuestionNumber: 0, StubXML: "<stub/>"}},
		Self:       AuthorityRef{Name: "self"},
	}
	input, _ := json.Marshal(in)

	task := &taskengine.Task{ID: "t1", Input: input, SenderCert: "self-cert"}
	if _, err := perf.GeneratePrivateInfo(context.Background(), task); err != nil {
		t.Fatalf("GeneratePrivateInfo: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expected no store calls, got: %v", err)
	}
}

// TestPerformerGeneratePrivateInfoRejectsPendingApproval checks the
// non-autoaccept path: with no decision recorded and the context
// expiring before one arrives, awaitApproval's poll loop must return
// an error instead of blocking forever.
func TestPerformerGeneratePrivateInfoRejectsPendingApproval(t *testing.T) {
	store, mock := newMockStore(t)
	driver := newFakeDriver(t)
	roots := layout.Roots{PrivateDataPath: t.TempDir(), PublicDataPath: t.TempDir()}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO election").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO authority").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO session").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	perf := &Performer{
		Store:                store,
		Driver:               driver,
		Roots:                roots,
		CertCmp:              certutil.NewComparator(time.Minute, 16),
		SelfCert:             "self-cert",
		AutoAccept:           false,
		Approvals:            &memoryApprovalStore{},
		ApprovalPollInterval: 5 * time.Millisecond,
	}

	in := GeneratePrivateInfoInput{
		ElectionID:  9,
		Authorities: []AuthorityRef{{Name: "self"}},
		Stubs:       []StubInfo{{SessionID: "sess-1", QuestionNumber: 0, StubXML: "<stub/>"}},
		Self:        AuthorityRef{Name: "self"},
	}
	input, _ := json.Marshal(in)

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	task := &taskengine.Task{ID: "pending-task", Input: input, SenderCert: "director-cert"}
	if _, err := perf.GeneratePrivateInfo(ctx, task); err == nil {
		t.Fatalf("expected error while awaiting approval")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("store expectations: %v", err)
	}
}

// TestPerformerGeneratePrivateInfoResumesOnceApproved checks that a
// decision recorded after the call has already started (e.g. an
// operator's POST /task/{id}/approve arriving a few polls in) lets
// awaitApproval's loop observe it and proceed, instead of requiring
// the decision to exist before the call began.
func TestPerformerGeneratePrivateInfoResumesOnceApproved(t *testing.T) {
	store, mock := newMockStore(t)
	driver := newFakeDriver(t)
	roots := layout.Roots{PrivateDataPath: t.TempDir(), PublicDataPath: t.TempDir()}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO election").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO authority").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO session").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	approvals := &memoryApprovalStore{}
	perf := &Performer{
		Store:                store,
		Driver:               driver,
		Roots:                roots,
		CertCmp:              certutil.NewComparator(time.Minute, 16),
		SelfCert:             "self-cert",
		AutoAccept:           false,
		Approvals:            approvals,
		ApprovalPollInterval: 5 * time.Millisecond,
	}

	in := GeneratePrivateInfoInput{
		ElectionID:  9,
		Authorities: []AuthorityRef{{Name: "self"}},
		Stubs:       []StubInfo{{SessionID: "sess-1", QuestionNumber: 0, StubXML: "<stub/>"}},
		Self:        AuthorityRef{Name: "self"},
	}
	input, _ := json.Marshal(in)

	go func() {
		time.Sleep(15 * time.Millisecond)
		_ = approvals.Put(context.Background(), "resumed-task", approval.DecisionApproved)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	task := &taskengine.Task{ID: "resumed-task", Input: input, SenderCert: "director-cert"}
	if _, err := perf.GeneratePrivateInfo(ctx, task); err != nil {
		t.Fatalf("GeneratePrivateInfo: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("store expectations: %v", err)
	}
}

// TestPerformerGeneratePublicKeyWritesAndRecordsKey checks the
// generate_public_key performer path end to end against the fake
// driver.
func TestPerformerGeneratePublicKeyWritesAndRecordsKey(t *testing.T) {
	store, mock := newMockStore(t)
	driver := newFakeDriver(t)
	roots := layout.Roots{PrivateDataPath: t.TempDir(), PublicDataPath: t.TempDir()}

	sessionDir := roots.PrivateSessionDir(3, "sess-1")
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	mock.ExpectExec("UPDATE session SET public_key").WillReturnResult(sqlmock.NewResult(0, 1))

	perf := &Performer{Store: store, Driver: driver, Roots: roots, AutoAccept: true}

	input, _ := json.Marshal(map[string]interface{}{"election_id": 3, "session_id": "sess-1"})
	task := &taskengine.Task{ID: "t2", Input: input}
	if _, err := perf.GeneratePublicKey(context.Background(), task); err != nil {
		t.Fatalf("GeneratePublicKey: %v", err)
	}

	pubKey, err := os.ReadFile(filepath.Join(sessionDir, layout.PublicKeyJSON))
	if err != nil {
		t.Fatalf("read publicKey_json: %v", err)
	}
	if string(pubKey) != "{\"q\":\"pubkey\"}\n" {
		t.Fatalf("unexpected public key contents: %q", pubKey)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("store expectations: %v", err)
	}
}

// memoryApprovalStore is a minimal in-memory approval.Store stand-in
// for tests that exercise the non-autoaccept path without needing
// Redis or Postgres. Put and Get are mutex-guarded since awaitApproval
// polls concurrently with a test goroutine delivering the decision.
type memoryApprovalStore struct {
	mu        sync.Mutex
	decisions map[string]approval.Decision
}

func (m *memoryApprovalStore) Put(ctx context.Context, taskID string, decision approval.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.decisions == nil {
		m.decisions = make(map[string]approval.Decision)
	}
	m.decisions[taskID] = decision
	return nil
}

func (m *memoryApprovalStore) Get(ctx context.Context, taskID string) (approval.Decision, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[taskID]
	return d, ok, nil
}
