package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DeadEntry is a queue entry that failed terminally, enriched with the
// failure reason and time. Raw holds the original payload when it could not
// be decoded at all.
type DeadEntry struct {
	Entry
	Raw      string    `json:"raw,omitempty"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// MoveToDLQ writes an entry to the pool's dead-letter set, scored by the
// failure time.
func (q *Queue) MoveToDLQ(ctx context.Context, entry *Entry, reason, pool string) error {
	if pool == "" {
		pool = entry.ScannerPool
	}
	dead := DeadEntry{
		Entry:    *entry,
		Error:    reason,
		FailedAt: time.Now().UTC(),
	}
	return q.pushDead(ctx, pool, &dead)
}

func (q *Queue) deadLetterRaw(ctx context.Context, pool, raw, reason string) {
	dead := DeadEntry{
		Raw:      raw,
		Error:    reason,
		FailedAt: time.Now().UTC(),
	}
	_ = q.pushDead(ctx, pool, &dead)
}

func (q *Queue) pushDead(ctx context.Context, pool string, dead *DeadEntry) error {
	data, err := json.Marshal(dead)
	if err != nil {
		return fmt.Errorf("marshal dead entry: %w", err)
	}
	err = q.client.ZAdd(ctx, dlqKey(pool), redis.Z{
		Score:  float64(dead.FailedAt.UnixNano()) / float64(time.Second),
		Member: data,
	}).Err()
	if err != nil {
		return fmt.Errorf("dead-letter to %s: %w", pool, err)
	}
	return nil
}

// DLQDepth returns the number of dead entries in a pool.
func (q *Queue) DLQDepth(ctx context.Context, pool string) (int64, error) {
	depth, err := q.client.ZCard(ctx, dlqKey(pool)).Result()
	if err != nil {
		return 0, fmt.Errorf("dlq depth %s: %w", pool, err)
	}
	return depth, nil
}

// ListDLQ returns dead entries ordered by failure time, oldest first.
func (q *Queue) ListDLQ(ctx context.Context, pool string, start, stop int64) ([]*DeadEntry, error) {
	raws, err := q.client.ZRange(ctx, dlqKey(pool), start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list dlq %s: %w", pool, err)
	}

	entries := make([]*DeadEntry, 0, len(raws))
	for _, raw := range raws {
		var dead DeadEntry
		if err := json.Unmarshal([]byte(raw), &dead); err != nil {
			continue
		}
		entries = append(entries, &dead)
	}
	return entries, nil
}

// GetDLQ finds the dead entry for a task in a pool.
func (q *Queue) GetDLQ(ctx context.Context, taskID, pool string) (*DeadEntry, error) {
	dead, _, err := q.findDead(ctx, taskID, pool)
	return dead, err
}

// RetryDLQ moves a dead entry back to the pool's main queue. The task keeps
// its ID, so a replayed submission cannot re-reserve its idempotency key.
func (q *Queue) RetryDLQ(ctx context.Context, taskID, pool string) (*Entry, error) {
	dead, member, err := q.findDead(ctx, taskID, pool)
	if err != nil {
		return nil, err
	}

	removed, err := q.client.ZRem(ctx, dlqKey(pool), member).Result()
	if err != nil {
		return nil, fmt.Errorf("remove dead entry: %w", err)
	}
	if removed == 0 {
		// Another admin retried it first.
		return nil, ErrEntryNotFound
	}

	entry := dead.Entry
	if _, err := q.Enqueue(ctx, &entry, pool); err != nil {
		return nil, err
	}
	return &entry, nil
}

// ClearDLQ removes dead entries from a pool, optionally only those that
// failed before the cutoff. Returns the number removed.
func (q *Queue) ClearDLQ(ctx context.Context, pool string, before *time.Time) (int64, error) {
	if before == nil {
		removed, err := q.client.ZCard(ctx, dlqKey(pool)).Result()
		if err != nil {
			return 0, err
		}
		if err := q.client.Del(ctx, dlqKey(pool)).Err(); err != nil {
			return 0, fmt.Errorf("clear dlq %s: %w", pool, err)
		}
		return removed, nil
	}

	max := strconv.FormatFloat(float64(before.UnixNano())/float64(time.Second), 'f', -1, 64)
	removed, err := q.client.ZRemRangeByScore(ctx, dlqKey(pool), "-inf", max).Result()
	if err != nil {
		return 0, fmt.Errorf("clear dlq %s: %w", pool, err)
	}
	return removed, nil
}

func (q *Queue) findDead(ctx context.Context, taskID, pool string) (*DeadEntry, string, error) {
	raws, err := q.client.ZRange(ctx, dlqKey(pool), 0, -1).Result()
	if err != nil {
		return nil, "", fmt.Errorf("scan dlq %s: %w", pool, err)
	}
	for _, raw := range raws {
		var dead DeadEntry
		if err := json.Unmarshal([]byte(raw), &dead); err != nil {
			continue
		}
		if dead.TaskID == taskID {
			return &dead, raw, nil
		}
	}
	return nil, "", fmt.Errorf("%w: %s in %s dlq", ErrEntryNotFound, taskID, pool)
}
