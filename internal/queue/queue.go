// Package queue implements the Work-Queue Gate (spec.md §4.8): a
// single-consumer serialization point in front of the protocol state
// machines, ported from taskqueue.py's queue_task/dequeue_task/
// apply_task/end_task.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sequentech/orchestra/internal/model"
	"github.com/sequentech/orchestra/internal/store/postgres"
	"github.com/sequentech/orchestra/pkg/logger"
)

// TaskFactory launches the protocol state machine for a dequeued row
// (election_task or tally_task), running asynchronously; the queue
// gate does not wait for it to complete.
type TaskFactory func(ctx context.Context, row *model.QueryQueueRow)

// Gate enqueues jobs and drives the single-consumer dequeue loop.
type Gate struct {
	store      *postgres.Store
	log        *logger.Logger
	electionFn TaskFactory
	tallyFn    TaskFactory
}

// New returns a Gate over store, dispatching dequeued rows to
// electionFn or tallyFn according to their kind.
func New(store *postgres.Store, log *logger.Logger, electionFn, tallyFn TaskFactory) *Gate {
	return &Gate{store: store, log: log, electionFn: electionFn, tallyFn: tallyFn}
}

// Enqueue persists payload as a new QueryQueue row of kind and
// immediately attempts a dequeue, matching queue_task()'s
// enqueue-then-poke behavior.
func (g *Gate) Enqueue(ctx context.Context, kind model.TaskKind, payload json.RawMessage) (int64, error) {
	id, err := g.store.Enqueue(ctx, kind, payload)
	if err != nil {
		return 0, fmt.Errorf("queue: enqueue: %w", err)
	}
	g.SafeDequeue(ctx)
	return id, nil
}

// SafeDequeue attempts one dequeue, swallowing ErrQueueBusy (another
// worker already holds the lock) and logging any other error instead
// of propagating it — callers invoke this opportunistically (after
// Enqueue, after EndTask, and from the recovery sweep) and must never
// be blocked by it.
func (g *Gate) SafeDequeue(ctx context.Context) {
	if err := g.Dequeue(ctx); err != nil && !errors.Is(err, postgres.ErrQueueBusy) {
		if g.log != nil {
			g.log.WithField("err", err).Warn("dequeue attempt failed")
		}
	}
}

// Dequeue tries to claim the lowest-id pending row and, if it claims
// one, launches the matching TaskFactory. It returns postgres.ErrQueueBusy
// verbatim when another worker holds the row lock, and nil (no error,
// no row) when the queue is empty or already has a row in flight.
func (g *Gate) Dequeue(ctx context.Context) error {
	row, err := g.store.DequeueNext(ctx)
	if err != nil {
		return err
	}
	if row == nil {
		return nil
	}

	switch row.Kind {
	case model.TaskKindElection:
		if g.electionFn != nil {
			go g.electionFn(ctx, row)
		}
	case model.TaskKindTally:
		if g.tallyFn != nil {
			go g.tallyFn(ctx, row)
		}
	default:
		return fmt.Errorf("queue: unknown task kind %q", row.Kind)
	}
	return nil
}

// EndTask releases the active row (the protocol's final step or its
// on_error handler calls this) and immediately tries to dequeue the
// next one.
func (g *Gate) EndTask(ctx context.Context) error {
	if err := g.store.EndTask(ctx); err != nil {
		return fmt.Errorf("queue: end task: %w", err)
	}
	g.SafeDequeue(ctx)
	return nil
}
