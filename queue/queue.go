// Package queue implements the durable mutation queue (§4.1): a
// Redis-backed two-list pending/in-flight design that gives
// at-least-once delivery and crash recovery without a broker beyond
// Redis itself, grounded on the teacher's queue/redis client setup
// (ParseURL, NewClient, Ping) and list primitives.
package queue

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/thecodizt/graphmutate/reconcile"
)

// BackendError wraps a transient failure talking to the queue's
// storage backend (Redis unreachable, command error). Distinguished
// from MalformedPayload so callers can retry a BackendError but must
// not retry a decode failure.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string { return fmt.Sprintf("queue: %s: %v", e.Op, e.Err) }
func (e *BackendError) Unwrap() error { return e.Err }

func wrapBackendError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &BackendError{Op: op, Err: err}
}

// Config configures a Queue's Redis connection and key names.
type Config struct {
	RedisURL  string
	KeyPrefix string
}

const defaultKeyPrefix = "graphmutate:"

// Queue is a durable two-list queue: items live in the pending list
// until Take atomically moves them to the in-flight list, from where
// Ack removes them or Requeue returns them to pending.
type Queue struct {
	client   *redis.Client
	prefix   string
	pending  string
	inflight string
}

// New connects to Redis and returns a Queue. config.RedisURL falls
// back to GRAPHMUTATE_REDIS_URL then redis://localhost:6379/0, mirroring
// the teacher's env-var-then-default resolution.
func New(ctx context.Context, config Config) (*Queue, error) {
	redisURL := config.RedisURL
	if redisURL == "" {
		redisURL = os.Getenv("GRAPHMUTATE_REDIS_URL")
	}
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, wrapBackendError("parse redis url", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, wrapBackendError("connect", err)
	}

	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}

	return &Queue{
		client:   client,
		prefix:   prefix,
		pending:  prefix + "pending",
		inflight: prefix + "inflight",
	}, nil
}

// NewWithClient wraps an already-constructed redis.Client — used by
// tests against miniredis, which doesn't speak the same handshake
// ParseURL expects for every deployment target.
func NewWithClient(client *redis.Client, keyPrefix string) *Queue {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &Queue{
		client:   client,
		prefix:   keyPrefix,
		pending:  keyPrefix + "pending",
		inflight: keyPrefix + "inflight",
	}
}

// Close releases the underlying Redis connection.
func (q *Queue) Close() error { return q.client.Close() }

// Push appends a raw envelope to the tail of the pending list.
func (q *Queue) Push(ctx context.Context, item []byte) error {
	if err := q.client.RPush(ctx, q.pending, item).Err(); err != nil {
		return wrapBackendError("push", err)
	}
	return nil
}

// Take atomically moves one item from the head of pending to the tail
// of inflight and returns it. It blocks up to timeout by polling LMOVE
// with a short backoff (it does not use BLMOVE); ok is false if
// nothing arrived within timeout.
func (q *Queue) Take(ctx context.Context, timeout time.Duration) (item []byte, ok bool, err error) {
	deadline := time.Now().Add(timeout)
	const pollInterval = 50 * time.Millisecond

	for {
		result, err := q.client.LMove(ctx, q.pending, q.inflight, "LEFT", "RIGHT").Result()
		if err == nil {
			return []byte(result), true, nil
		}
		if err != redis.Nil {
			return nil, false, wrapBackendError("take", err)
		}
		if time.Now().After(deadline) {
			return nil, false, nil
		}

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Ack removes one occurrence of item from the in-flight list, marking
// it durably processed.
func (q *Queue) Ack(ctx context.Context, item []byte) error {
	if err := q.client.LRem(ctx, q.inflight, 1, item).Err(); err != nil {
		return wrapBackendError("ack", err)
	}
	return nil
}

// Requeue removes one occurrence of item from in-flight and appends it
// to the tail of pending, for a retryable failure.
func (q *Queue) Requeue(ctx context.Context, item []byte) error {
	if err := q.client.LRem(ctx, q.inflight, 1, item).Err(); err != nil {
		return wrapBackendError("requeue", err)
	}
	if err := q.client.RPush(ctx, q.pending, item).Err(); err != nil {
		return wrapBackendError("requeue", err)
	}
	return nil
}

// RecoverInFlight moves every item currently in the in-flight list
// back to pending. Called once at worker startup (§4.1's crash
// recovery sweep): if the previous worker died mid-processing, its
// in-flight item is still present and gets a fresh chance.
func (q *Queue) RecoverInFlight(ctx context.Context) (int, error) {
	count := 0
	for {
		result, err := q.client.LMove(ctx, q.inflight, q.pending, "LEFT", "RIGHT").Result()
		if err == redis.Nil {
			return count, nil
		}
		if err != nil {
			return count, wrapBackendError("recover", err)
		}
		_ = result
		count++
	}
}

// Length returns the number of items in the pending list.
func (q *Queue) Length(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.pending).Result()
	if err != nil {
		return 0, wrapBackendError("length", err)
	}
	return int(n), nil
}

// LengthByVersion scans the pending list and returns a count per
// version field. Items that fail to decode are counted under the
// empty-string key rather than dropped, so the counts sum to Length()
// and an operator can spot malformed items under that key.
func (q *Queue) LengthByVersion(ctx context.Context) (map[string]int, error) {
	items, err := q.client.LRange(ctx, q.pending, 0, -1).Result()
	if err != nil {
		return nil, wrapBackendError("length_by_version", err)
	}

	counts := make(map[string]int)
	for _, raw := range items {
		env, err := reconcile.DecodeEnvelope([]byte(raw))
		if err != nil {
			counts[""]++
			continue
		}
		counts[env.Version]++
	}
	return counts, nil
}

// Truncate drops every pending item matching version, or every pending
// item (malformed ones included) if version is empty. When truncating
// by version, malformed items are kept in place so an operator can
// inspect them (§4.1).
func (q *Queue) Truncate(ctx context.Context, version string) (int, error) {
	if version == "" {
		n, err := q.Length(ctx)
		if err != nil {
			return 0, err
		}
		if err := q.client.Del(ctx, q.pending).Err(); err != nil {
			return 0, wrapBackendError("truncate", err)
		}
		return n, nil
	}

	items, err := q.client.LRange(ctx, q.pending, 0, -1).Result()
	if err != nil {
		return 0, wrapBackendError("truncate", err)
	}

	removed := 0
	for _, raw := range items {
		env, err := reconcile.DecodeEnvelope([]byte(raw))
		if err != nil {
			continue // malformed: kept in place
		}
		if env.Version != version {
			continue
		}
		if err := q.client.LRem(ctx, q.pending, 1, raw).Err(); err != nil {
			return removed, wrapBackendError("truncate", err)
		}
		removed++
	}
	return removed, nil
}
