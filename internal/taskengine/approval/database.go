package approval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// DatabaseStore is the durable Store backing a RedisStore's cache,
// recording decisions directly in Postgres so they survive a Redis
// restart or cold cache.
type DatabaseStore struct {
	db *sql.DB
}

// NewDatabaseStore returns a DatabaseStore over db. The caller is
// responsible for having created the approval table (see
// internal/store/postgres/schema.sql).
func NewDatabaseStore(db *sql.DB) *DatabaseStore {
	return &DatabaseStore{db: db}
}

func (s *DatabaseStore) Put(ctx context.Context, taskID string, decision Decision) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_approval (task_id, decision)
		VALUES ($1, $2)
		ON CONFLICT (task_id) DO UPDATE SET decision = EXCLUDED.decision`,
		taskID, string(decision))
	if err != nil {
		return fmt.Errorf("approval: insert decision: %w", err)
	}
	return nil
}

func (s *DatabaseStore) Get(ctx context.Context, taskID string) (Decision, bool, error) {
	var decision string
	err := s.db.QueryRowContext(ctx, `SELECT decision FROM task_approval WHERE task_id = $1`, taskID).Scan(&decision)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("approval: query decision: %w", err)
	}
	return Decision(decision), true, nil
}
