package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/sequentech/orchestra/internal/layout"
	"github.com/sequentech/orchestra/internal/model"
	"github.com/sequentech/orchestra/internal/queue"
	"github.com/sequentech/orchestra/internal/store/postgres"
	"github.com/sequentech/orchestra/internal/taskengine"
)

func newMockServer(t *testing.T) (*Server, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := postgres.NewStore(db)
	gate := queue.New(store, nil,
		func(ctx context.Context, row *model.QueryQueueRow) {},
		func(ctx context.Context, row *model.QueryQueueRow) {})
	reg := taskengine.NewRegistry()

	s := NewServer(store, gate, reg, nil, nil, layout.Roots{}, nil)
	s.AllowOnlySSLConnections = false
	return s, mock
}

func validElectionBody() []byte {
	body := map[string]interface{}{
		"id":           42,
		"title":        "Test Election",
		"description":  "",
		"callback_url": "https://consumer.example/callback",
		"authorities": []map[string]string{
			{"name": "A", "orchestra_url": "https://a.example", "ssl_cert": "cert-a"},
			{"name": "B", "orchestra_url": "https://b.example", "ssl_cert": "cert-b"},
		},
		"questions": []map[string]interface{}{
			{"answers": []map[string]int{{"id": 0}, {"id": 1}}},
		},
	}
	out, _ := json.Marshal(body)
	return out
}

func TestPostElectionEnqueuesAndReturns202(t *testing.T) {
	s, mock := newMockServer(t)

	mock.ExpectQuery(`SELECT EXISTS`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(`INSERT INTO query_queue`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT count\(\*\) FROM query_queue WHERE doing`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`SELECT id, kind, payload, doing, created_at`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "kind", "payload", "doing", "created_at"}).
			AddRow(int64(7), "election", []byte(`{}`), false, time.Now()))
	mock.ExpectExec(`UPDATE query_queue SET doing = true`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	req := httptest.NewRequest(http.MethodPost, "/election", bytes.NewReader(validElectionBody()))
	w := httptest.NewRecorder()
	s.NewRouter().ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}

	var resp queuedResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.QueueID != 7 {
		t.Fatalf("expected queue_id 7, got %d", resp.QueueID)
	}
}

func TestPostElectionRejectsDuplicateAuthorities(t *testing.T) {
	s, _ := newMockServer(t)

	var body map[string]interface{}
	_ = json.Unmarshal(validElectionBody(), &body)
	body["authorities"] = []map[string]string{
		{"name": "A", "orchestra_url": "https://a.example", "ssl_cert": "cert-a"},
		{"name": "A", "orchestra_url": "https://a.example", "ssl_cert": "cert-a"},
	}
	raw, _ := json.Marshal(body)

	req := httptest.NewRequest(http.MethodPost, "/election", bytes.NewReader(raw))
	w := httptest.NewRecorder()
	s.NewRouter().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for duplicate authority, got %d: %s", w.Code, w.Body.String())
	}
}

func TestPostElectionRejectsNonDenseAnswerIDs(t *testing.T) {
	s, _ := newMockServer(t)

	var body map[string]interface{}
	_ = json.Unmarshal(validElectionBody(), &body)
	body["questions"] = []map[string]interface{}{
		{"answers": []map[string]int{{"id": 0}, {"id": 2}}},
	}
	raw, _ := json.Marshal(body)

	req := httptest.NewRequest(http.MethodPost, "/election", bytes.NewReader(raw))
	w := httptest.NewRecorder()
	s.NewRouter().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-dense answer ids, got %d: %s", w.Code, w.Body.String())
	}
}

func TestPostElectionRejectsPlainHTTPCallbackWhenPolicyForbidsIt(t *testing.T) {
	s, _ := newMockServer(t)
	s.AllowOnlySSLConnections = true

	var body map[string]interface{}
	_ = json.Unmarshal(validElectionBody(), &body)
	body["callback_url"] = "http://consumer.example/callback"
	raw, _ := json.Marshal(body)

	req := httptest.NewRequest(http.MethodPost, "/election", bytes.NewReader(raw))
	w := httptest.NewRecorder()
	s.NewRouter().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for plain HTTP callback, got %d: %s", w.Code, w.Body.String())
	}
}

func TestPostTallyRejectsBadVotesHashPrefix(t *testing.T) {
	s, mock := newMockServer(t)
	mock.ExpectQuery(`SELECT EXISTS`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	body := map[string]interface{}{
		"election_id":  42,
		"callback_url": "https://consumer.example/callback",
		"votes_url":    "https://ballots.example/bundle",
		"votes_hash":   "sha-256;deadbeef",
	}
	raw, _ := json.Marshal(body)

	req := httptest.NewRequest(http.MethodPost, "/tally", bytes.NewReader(raw))
	w := httptest.NewRecorder()
	s.NewRouter().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad votes_hash prefix, got %d: %s", w.Code, w.Body.String())
	}
}

func TestDequeueEndpointReturns202(t *testing.T) {
	s, mock := newMockServer(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT count\(\*\) FROM query_queue WHERE doing`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectCommit()

	req := httptest.NewRequest(http.MethodGet, "/dequeue", nil)
	w := httptest.NewRecorder()
	s.NewRouter().ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleTaskRunsRegisteredActionAndReturnsOutput(t *testing.T) {
	s, _ := newMockServer(t)
	s.Registry.Register("echo", func(ctx context.Context, task *taskengine.Task) (json.RawMessage, error) {
		return task.Input, nil
	})

	req := httptest.NewRequest(http.MethodPost, "/task",
		bytes.NewReader([]byte(`{"id":"t1","action":"echo","queue_name":"orchestra_performer","input":{"x":1}}`)))
	w := httptest.NewRecorder()
	s.NewRouter().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp taskResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if string(resp.Output) != `{"x":1}` {
		t.Fatalf("expected echoed input, got %s", resp.Output)
	}
}

func TestHandleTaskUnknownActionReturns400(t *testing.T) {
	s, _ := newMockServer(t)

	req := httptest.NewRequest(http.MethodPost, "/task",
		bytes.NewReader([]byte(`{"id":"t1","action":"does_not_exist","input":{}}`)))
	w := httptest.NewRecorder()
	s.NewRouter().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unregistered action, got %d: %s", w.Code, w.Body.String())
	}
}
