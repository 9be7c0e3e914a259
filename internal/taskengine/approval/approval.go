// Package approval implements the operator-approval gate spec.md
// §4.1 describes for election creation and tally review: a pending
// task waits for an external "go ahead" signal before the engine
// resumes it. Approvals are cached in Redis when configured (go-redis,
// already part of the teacher's dependency stack) with the database
// as the durable fallback so a restart never loses a pending
// decision.
package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Decision is an operator's answer to a pending approval gate.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Store records and retrieves approval decisions keyed by task ID.
type Store interface {
	Put(ctx context.Context, taskID string, decision Decision) error
	Get(ctx context.Context, taskID string) (Decision, bool, error)
}

// RedisStore is a Store backed by a Redis instance, used as a fast
// path cache in front of a durable DatabaseStore fallback.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore returns a RedisStore connecting to addr with the given
// decision TTL (decisions older than ttl are treated as not yet
// made, forcing a re-check against the fallback store).
func NewRedisStore(addr string, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
	}
}

func (s *RedisStore) key(taskID string) string {
	return "orchestra:approval:" + taskID
}

// Put records decision for taskID, expiring after the store's TTL.
func (s *RedisStore) Put(ctx context.Context, taskID string, decision Decision) error {
	if err := s.client.Set(ctx, s.key(taskID), string(decision), s.ttl).Err(); err != nil {
		return fmt.Errorf("approval: redis set: %w", err)
	}
	return nil
}

// Get returns the decision recorded for taskID, or ok=false if none
// is cached (the caller should then consult the fallback Store).
func (s *RedisStore) Get(ctx context.Context, taskID string) (Decision, bool, error) {
	val, err := s.client.Get(ctx, s.key(taskID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("approval: redis get: %w", err)
	}
	return Decision(val), true, nil
}

// Close releases the underlying Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Fallback chains a fast RedisStore in front of a slower durable
// Store, writing through to both on Put and trying Redis before the
// fallback on Get.
type Fallback struct {
	Fast Store
	Slow Store
}

func (f *Fallback) Put(ctx context.Context, taskID string, decision Decision) error {
	if err := f.Slow.Put(ctx, taskID, decision); err != nil {
		return err
	}
	if f.Fast == nil {
		return nil
	}
	return f.Fast.Put(ctx, taskID, decision)
}

func (f *Fallback) Get(ctx context.Context, taskID string) (Decision, bool, error) {
	if f.Fast != nil {
		if d, ok, err := f.Fast.Get(ctx, taskID); err == nil && ok {
			return d, ok, nil
		}
	}
	return f.Slow.Get(ctx, taskID)
}
