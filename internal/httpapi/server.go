package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/sequentech/orchestra/internal/certutil"
	"github.com/sequentech/orchestra/internal/layout"
	"github.com/sequentech/orchestra/internal/queue"
	"github.com/sequentech/orchestra/internal/store/postgres"
	"github.com/sequentech/orchestra/internal/taskengine"
	"github.com/sequentech/orchestra/internal/taskengine/approval"
	"github.com/sequentech/orchestra/pkg/logger"
)

// PlainHTTPRejected is returned when a callback or peer URL is
// plain HTTP and the node's AllowOnlySSLConnections policy forbids
// it, ported from the original's reject_adapter.py HTTP-callback
// policy guard (spec.md's SUPPLEMENTED FEATURES).
type PlainHTTPRejected struct {
	URL string
}

func (e *PlainHTTPRejected) Error() string {
	return "httpapi: plain HTTP is rejected by policy: " + e.URL
}

// CheckCallbackURL enforces ALLOW_ONLY_SSL_CONNECTIONS on a
// consumer-supplied callback_url/votes_url at the API boundary,
// before any row is persisted (spec.md §8 "a callback URL under
// plain HTTP is refused... when configured policy forbids it").
func CheckCallbackURL(allowOnlySSL bool, rawURL string) error {
	if allowOnlySSL && strings.HasPrefix(strings.ToLower(rawURL), "http://") {
		return &PlainHTTPRejected{URL: rawURL}
	}
	return nil
}

// Server wires the Public API handlers to the work-queue gate, the
// local task registry (for inbound peer task delivery), the approval
// store, and one Escrow per election's private directory.
type Server struct {
	Store                   *postgres.Store
	Queue                   *queue.Gate
	Registry                *taskengine.Registry
	Approvals               approval.Store
	CertCmp                 *certutil.Comparator
	Roots                   layout.Roots
	Log                     *logger.Logger
	AllowOnlySSLConnections bool
	MaxQuestionsPerElection int

	// Queues, when set, bounds inbound /task execution by the named
	// queue a task was submitted to (spec.md §4.1's launch_task/
	// orchestra_director/orchestra_performer/mixnet_queue pools), so a
	// node never runs more than the configured number of, e.g.,
	// concurrent mixnet_queue invocations regardless of how many peers
	// dispatch to it at once. Left nil, inbound tasks run unbounded
	// (used by tests that don't care about queue depth).
	Queues *taskengine.Manager

	// DequeueLimiter bounds GET /dequeue and POST /task call rates,
	// mirroring the teacher's internal/app/httpapi/limits.go use of
	// golang.org/x/time/rate in front of hot endpoints.
	DequeueLimiter *rate.Limiter
	TaskLimiter    *rate.Limiter
}

// NewServer returns a Server with default rate limiters (10 req/s,
// burst 20) if the caller didn't set one.
func NewServer(store *postgres.Store, gate *queue.Gate, reg *taskengine.Registry, approvals approval.Store, cmp *certutil.Comparator, roots layout.Roots, log *logger.Logger) *Server {
	return &Server{
		Store:                   store,
		Queue:                   gate,
		Registry:                reg,
		Approvals:               approvals,
		CertCmp:                 cmp,
		Roots:                   roots,
		Log:                     log,
		AllowOnlySSLConnections: true,
		MaxQuestionsPerElection: 40,
		DequeueLimiter:          rate.NewLimiter(10, 20),
		TaskLimiter:             rate.NewLimiter(10, 20),
	}
}

// NewRouter builds the gorilla/mux router exposing every endpoint of
// spec.md §4.7 plus the task-engine's own peer routes.
func (s *Server) NewRouter() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/election", s.handlePostElection).Methods(http.MethodPost)
	r.HandleFunc("/tally", s.handlePostTally).Methods(http.MethodPost)
	r.HandleFunc("/receive_election", s.handleReceiveSink).Methods(http.MethodPost)
	r.HandleFunc("/receive_tally", s.handleReceiveSink).Methods(http.MethodPost)
	r.HandleFunc("/dequeue", s.limited(s.DequeueLimiter, s.handleDequeue)).Methods(http.MethodGet)

	r.HandleFunc("/download_private_share", s.handleDownloadPrivateShare).Methods(http.MethodPost)
	r.HandleFunc("/check_private_share", s.handleCheckPrivateShare).Methods(http.MethodPost)
	r.HandleFunc("/delete_private_share", s.handleDeletePrivateShare).Methods(http.MethodPost)
	r.HandleFunc("/restore_private_share", s.handleRestorePrivateShare).Methods(http.MethodPost)

	r.HandleFunc("/task", s.limited(s.TaskLimiter, s.handleTask)).Methods(http.MethodPost)
	r.HandleFunc("/task/{id}/approve", s.handleApprove).Methods(http.MethodPost)

	return r
}

// limited wraps h with a token-bucket check, returning 429 when the
// caller has exceeded the configured rate.
func (s *Server) limited(l *rate.Limiter, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if l != nil && !l.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		h(w, r)
	}
}

// senderCertPEM extracts the caller's certificate from the inbound
// mTLS connection, re-encoded to PEM for comparison against
// IsSelf/IsRegisteredAuthority, per spec.md §9's "is this sender me?"
// check. Returns "" when the connection isn't TLS (allowed only when
// AllowOnlySSLConnections is false).
func senderCertPEM(r *http.Request) string {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return ""
	}
	return certutil.EncodePEM(r.TLS.PeerCertificates[0])
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Message: msg})
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// reqCtx returns the request's context, used instead of
// context.Background() so a client disconnect cancels any downstream
// database work the handler started, but is detached before handing
// off to a TaskFactory goroutine that must outlive the HTTP request.
func reqCtx(r *http.Request) context.Context {
	return r.Context()
}

// detached returns a context carrying no deadline/cancellation from
// the originating HTTP request, for work the handler kicks off but
// does not wait for (election/tally TaskFactory goroutines).
func detached() context.Context {
	return context.Background()
}
