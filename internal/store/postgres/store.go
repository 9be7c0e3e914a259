package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/sequentech/orchestra/internal/model"
)

// ErrNotFound is returned when a lookup by primary key finds no row.
var ErrNotFound = errors.New("postgres: not found")

// ErrQueueBusy is returned by DequeueNext when another worker already
// holds the QueryQueue row lock; callers should treat it as
// "nothing to do right now", not as a failure (spec.md §5).
var ErrQueueBusy = errors.New("postgres: queue row locked by another worker")

// Store implements Persistence for Election/Authority/Session/Ballot/
// QueryQueue.
type Store struct {
	*BaseStore
}

// NewStore wraps a connection pool.
func NewStore(db *sql.DB) *Store {
	return &Store{BaseStore: NewBaseStore(db)}
}

// CreateElection persists an Election together with its Authorities in
// a single transaction, per spec.md's "authorities are immutable after
// creation" invariant.
func (s *Store) CreateElection(ctx context.Context, e *model.Election) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		q := s.Querier(ctx)
		_, err := q.ExecContext(ctx, `
			INSERT INTO election
				(id, title, description, questions, start_date, end_date,
				 callback_url, num_parties, threshold_parties, status)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			e.ID, e.Title, e.Description, []byte(e.Questions), e.StartDate, e.EndDate,
			e.CallbackURL, e.NumParties, e.ThresholdParties, e.Status)
		if err != nil {
			return fmt.Errorf("insert election: %w", err)
		}

		for _, a := range e.Authorities {
			if _, err := q.ExecContext(ctx, `
				INSERT INTO authority (election_id, name, orchestra_url, ssl_cert)
				VALUES ($1,$2,$3,$4)`,
				e.ID, a.Name, a.OrchestraURL, a.SSLCert); err != nil {
				return fmt.Errorf("insert authority %s: %w", a.Name, err)
			}
		}
		return nil
	})
}

// ElectionExists reports whether an election id is already taken,
// checked at the API boundary before any row is created.
func (s *Store) ElectionExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	row := s.Querier(ctx).QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM election WHERE id = $1)`, id)
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("check election exists: %w", err)
	}
	return exists, nil
}

// GetElection loads an Election with its Authorities and Sessions.
func (s *Store) GetElection(ctx context.Context, id int64) (*model.Election, error) {
	q := s.Querier(ctx)
	row := q.QueryRowContext(ctx, `
		SELECT id, title, description, questions, start_date, end_date,
		       callback_url, num_parties, threshold_parties, status,
		       created_at, updated_at
		FROM election WHERE id = $1`, id)

	e := &model.Election{}
	var questions []byte
	if err := row.Scan(&e.ID, &e.Title, &e.Description, &questions, &e.StartDate, &e.EndDate,
		&e.CallbackURL, &e.NumParties, &e.ThresholdParties, &e.Status,
		&e.CreatedAt, &e.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan election: %w", err)
	}
	e.Questions = json.RawMessage(questions)

	auths, err := s.ListAuthorities(ctx, id)
	if err != nil {
		return nil, err
	}
	e.Authorities = auths

	sessions, err := s.ListSessions(ctx, id)
	if err != nil {
		return nil, err
	}
	e.Sessions = sessions

	return e, nil
}

// ListAuthorities returns the authorities of an election.
func (s *Store) ListAuthorities(ctx context.Context, electionID int64) ([]model.Authority, error) {
	rows, err := s.Querier(ctx).QueryContext(ctx, `
		SELECT id, election_id, name, orchestra_url, ssl_cert
		FROM authority WHERE election_id = $1 ORDER BY id`, electionID)
	if err != nil {
		return nil, fmt.Errorf("list authorities: %w", err)
	}
	defer rows.Close()

	var out []model.Authority
	for rows.Next() {
		var a model.Authority
		if err := rows.Scan(&a.ID, &a.ElectionID, &a.Name, &a.OrchestraURL, &a.SSLCert); err != nil {
			return nil, fmt.Errorf("scan authority: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CreateSessions persists one Session row per question, inside a
// transaction so "all Sessions commit together" (spec.md §4.2 step 1).
func (s *Store) CreateSessions(ctx context.Context, sessions []model.Session) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		q := s.Querier(ctx)
		for _, sess := range sessions {
			if _, err := q.ExecContext(ctx, `
				INSERT INTO session (id, election_id, question_number, status, public_key)
				VALUES ($1,$2,$3,$4,$5)`,
				sess.ID, sess.ElectionID, sess.QuestionNumber, sess.Status, sess.PublicKey); err != nil {
				return fmt.Errorf("insert session %s: %w", sess.ID, err)
			}
		}
		return nil
	})
}

// ListSessions returns sessions ordered by question number, as the
// original's `sessions, order_by=question_number` relationship did.
func (s *Store) ListSessions(ctx context.Context, electionID int64) ([]model.Session, error) {
	rows, err := s.Querier(ctx).QueryContext(ctx, `
		SELECT id, election_id, question_number, status, public_key
		FROM session WHERE election_id = $1 ORDER BY question_number`, electionID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		var sess model.Session
		if err := rows.Scan(&sess.ID, &sess.ElectionID, &sess.QuestionNumber, &sess.Status, &sess.PublicKey); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// UpdateSessionPublicKey records the joint public key produced by
// keygen, transitioning the session to "keyed".
func (s *Store) UpdateSessionPublicKey(ctx context.Context, sessionID, publicKeyJSON string) error {
	_, err := s.Querier(ctx).ExecContext(ctx,
		`UPDATE session SET public_key = $1, status = $2 WHERE id = $3`,
		publicKeyJSON, model.SessionKeyed, sessionID)
	if err != nil {
		return fmt.Errorf("update session public key: %w", err)
	}
	return nil
}

// UpdateSessionStatus transitions a Session's status, used by the
// tally protocol to mark sessions tallying/tallied/error around the
// mix round.
func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID string, status model.SessionStatus) error {
	_, err := s.Querier(ctx).ExecContext(ctx,
		`UPDATE session SET status = $1 WHERE id = $2`, status, sessionID)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return nil
}

// UpdateElectionStatus transitions an Election's status.
func (s *Store) UpdateElectionStatus(ctx context.Context, electionID int64, status model.ElectionStatus) error {
	_, err := s.Querier(ctx).ExecContext(ctx,
		`UPDATE election SET status = $1, updated_at = now() WHERE id = $2`, status, electionID)
	if err != nil {
		return fmt.Errorf("update election status: %w", err)
	}
	return nil
}

// RecordBallot inserts a per-session ballot digest; unique on
// (session_id, ballot_hash). Modeled per spec.md but not wired into
// the mandatory tally path.
func (s *Store) RecordBallot(ctx context.Context, b model.Ballot) error {
	_, err := s.Querier(ctx).ExecContext(ctx, `
		INSERT INTO ballot (session_id, ballot_hash) VALUES ($1, $2)
		ON CONFLICT (session_id, ballot_hash) DO NOTHING`, b.SessionID, b.BallotHash)
	if err != nil {
		return fmt.Errorf("record ballot: %w", err)
	}
	return nil
}

// --- QueryQueue: the persistent FIFO work-queue gate ---

// Enqueue appends a new job row.
func (s *Store) Enqueue(ctx context.Context, kind model.TaskKind, payload json.RawMessage) (int64, error) {
	var id int64
	row := s.Querier(ctx).QueryRowContext(ctx, `
		INSERT INTO query_queue (kind, payload, doing) VALUES ($1, $2, false)
		RETURNING id`, kind, []byte(payload))
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	return id, nil
}

// CountDoing returns how many rows currently have doing = true. This
// must be 0 or 1 at any instant (spec.md §8 invariant).
func (s *Store) CountDoing(ctx context.Context) (int, error) {
	var n int
	row := s.Querier(ctx).QueryRowContext(ctx, `SELECT count(*) FROM query_queue WHERE doing`)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count doing: %w", err)
	}
	return n, nil
}

// DequeueNext selects the lowest-id pending row under
// SELECT ... FOR UPDATE NOWAIT and flips it to doing = true, all
// within one transaction, returning ErrQueueBusy instead of failing
// when the lock can't be acquired immediately (spec.md §4.8/§5).
func (s *Store) DequeueNext(ctx context.Context) (*model.QueryQueueRow, error) {
	var out *model.QueryQueueRow
	err := s.WithTx(ctx, func(ctx context.Context) error {
		doing, err := s.CountDoing(ctx)
		if err != nil {
			return err
		}
		if doing > 0 {
			return nil
		}

		row := s.Querier(ctx).QueryRowContext(ctx, `
			SELECT id, kind, payload, doing, created_at
			FROM query_queue
			WHERE doing = false
			ORDER BY id
			FOR UPDATE NOWAIT
			LIMIT 1`)

		var qr model.QueryQueueRow
		var payload []byte
		if err := row.Scan(&qr.ID, &qr.Kind, &payload, &qr.Doing, &qr.CreatedAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			if isLockNotAvailable(err) {
				return ErrQueueBusy
			}
			return fmt.Errorf("select next queue row: %w", err)
		}
		qr.Payload = json.RawMessage(payload)

		if _, err := s.Querier(ctx).ExecContext(ctx,
			`UPDATE query_queue SET doing = true WHERE id = $1`, qr.ID); err != nil {
			return fmt.Errorf("mark doing: %w", err)
		}
		qr.Doing = true
		out = &qr
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// EndTask deletes the active (doing=true) row under lock, releasing
// the work-queue gate (spec.md §4.8).
func (s *Store) EndTask(ctx context.Context) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		row := s.Querier(ctx).QueryRowContext(ctx, `
			SELECT id FROM query_queue WHERE doing = true FOR UPDATE NOWAIT LIMIT 1`)
		var id int64
		if err := row.Scan(&id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			if isLockNotAvailable(err) {
				return ErrQueueBusy
			}
			return fmt.Errorf("select doing row: %w", err)
		}
		if _, err := s.Querier(ctx).ExecContext(ctx, `DELETE FROM query_queue WHERE id = $1`, id); err != nil {
			return fmt.Errorf("delete queue row: %w", err)
		}
		return nil
	})
}

// ResetQueueOnStart clears stale "doing" rows that survived a crash,
// per spec.md §4.1 ("the QueryQueue flag doing is cleared for
// incomplete rows when starting fresh").
func (s *Store) ResetQueueOnStart(ctx context.Context, resumeInFlight bool) error {
	if resumeInFlight {
		_, err := s.Querier(ctx).ExecContext(ctx, `UPDATE query_queue SET doing = false WHERE doing = true`)
		if err != nil {
			return fmt.Errorf("reset in-flight queue rows: %w", err)
		}
		return nil
	}
	_, err := s.Querier(ctx).ExecContext(ctx, `DELETE FROM query_queue WHERE doing = true`)
	if err != nil {
		return fmt.Errorf("clear stale queue rows: %w", err)
	}
	return nil
}

func isLockNotAvailable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// 55P03 = lock_not_available, raised by FOR UPDATE NOWAIT.
		return pqErr.Code == "55P03"
	}
	return false
}
