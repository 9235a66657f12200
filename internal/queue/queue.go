package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nessusdhq/nessusd/internal/task"
)

// Entry is the minimal envelope a worker needs to run a scan without
// re-reading the task store.
type Entry struct {
	TaskID            string        `json:"task_id"`
	TraceID           string        `json:"trace_id"`
	ScanType          task.ScanType `json:"scan_type"`
	ScannerType       string        `json:"scanner_type"`
	ScannerPool       string        `json:"scanner_pool"`
	ScannerInstanceID string        `json:"scanner_instance_id,omitempty"`
	Payload           task.Payload  `json:"payload"`
}

// Queue is the Redis-backed pool-partitioned task queue. Each pool owns a
// FIFO list and a dead-letter sorted set scored by failure time.
type Queue struct {
	client *redis.Client
}

func New(addr, password string, db int) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Queue{client: client}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// Client returns the underlying Redis client for health checks.
func (q *Queue) Client() *redis.Client {
	return q.client
}

// Enqueue appends an entry to its pool's list and returns the resulting
// depth. An explicit pool argument overrides the entry's pool.
func (q *Queue) Enqueue(ctx context.Context, entry *Entry, pool string) (int64, error) {
	if pool == "" {
		pool = entry.ScannerPool
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("marshal queue entry: %w", err)
	}
	depth, err := q.client.LPush(ctx, queueKey(pool), data).Result()
	if err != nil {
		return 0, fmt.Errorf("enqueue to %s: %w", pool, err)
	}
	return depth, nil
}

// Dequeue blocks up to timeout for the next entry in a pool. Returns
// (nil, nil) on timeout. A payload that fails to decode is moved to the
// pool's DLQ with reason corrupted_payload and (nil, nil) is returned so
// the caller re-polls.
func (q *Queue) Dequeue(ctx context.Context, pool string, timeout time.Duration) (*Entry, error) {
	return q.DequeueAny(ctx, []string{pool}, timeout)
}

// DequeueAny blocks across a set of pools; the first available entry wins.
// Order within a pool is FIFO; across pools it is whatever BRPOP offers,
// which is best-effort only.
func (q *Queue) DequeueAny(ctx context.Context, pools []string, timeout time.Duration) (*Entry, error) {
	if len(pools) == 0 {
		return nil, errors.New("no pools to dequeue from")
	}
	keys := make([]string, 0, len(pools))
	for _, pool := range pools {
		keys = append(keys, queueKey(pool))
	}

	result, err := q.client.BRPop(ctx, timeout, keys...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	poppedKey, raw := result[0], result[1]
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		pool := poolFromQueueKey(poppedKey)
		// Use a background context so a canceled dequeue cannot lose the
		// corrupted payload.
		q.deadLetterRaw(context.Background(), pool, raw, ReasonCorruptedPayload)
		return nil, nil
	}
	return &entry, nil
}

// Peek returns up to n entries from the head of a pool's queue without
// removing them, next-to-dequeue first. Corrupted payloads are skipped.
func (q *Queue) Peek(ctx context.Context, pool string, n int64) ([]*Entry, error) {
	if n <= 0 {
		n = 10
	}
	raws, err := q.client.LRange(ctx, queueKey(pool), -n, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("peek %s: %w", pool, err)
	}

	// BRPOP pops from the tail, so reverse to dequeue order.
	entries := make([]*Entry, 0, len(raws))
	for i := len(raws) - 1; i >= 0; i-- {
		var entry Entry
		if err := json.Unmarshal([]byte(raws[i]), &entry); err != nil {
			continue
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

// Depth returns the number of pending entries in a pool's queue.
func (q *Queue) Depth(ctx context.Context, pool string) (int64, error) {
	depth, err := q.client.LLen(ctx, queueKey(pool)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth %s: %w", pool, err)
	}
	return depth, nil
}

func poolFromQueueKey(key string) string {
	if len(key) > len(":queue") {
		return key[:len(key)-len(":queue")]
	}
	return key
}
