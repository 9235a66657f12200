package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

var ErrIdempotencyConflict = errors.New("idempotency key already used with different parameters")

type idempRecord struct {
	TaskID    string `json:"task_id"`
	ParamHash string `json:"param_hash"`
}

// ReserveOutcome classifies the result of an idempotency reservation.
type ReserveOutcome int

const (
	// ReserveStored means the key was free and is now bound to the task.
	ReserveStored ReserveOutcome = iota
	// ReserveExists means the key is already bound to an identical request.
	ReserveExists
	// ReserveConflict means the key is bound to different parameters.
	ReserveConflict
)

// Reserve atomically binds a client key to a task ID and the canonical hash
// of the request parameters. A replay with identical parameters returns the
// existing task ID; different parameters return a conflict.
func (q *Queue) Reserve(ctx context.Context, clientKey, taskID string, params map[string]any) (ReserveOutcome, string, error) {
	hash := HashParams(params)
	record, err := json.Marshal(idempRecord{TaskID: taskID, ParamHash: hash})
	if err != nil {
		return 0, "", fmt.Errorf("marshal idempotency record: %w", err)
	}

	stored, err := q.client.SetNX(ctx, idempKey(clientKey), record, idempRetention).Result()
	if err != nil {
		return 0, "", fmt.Errorf("reserve idempotency key: %w", err)
	}
	if stored {
		return ReserveStored, taskID, nil
	}

	existing, err := q.getIdemp(ctx, clientKey)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Record expired between SetNX and Get; treat as a lost race.
			return ReserveConflict, "", nil
		}
		return 0, "", err
	}
	if existing.ParamHash == hash {
		return ReserveExists, existing.TaskID, nil
	}
	return ReserveConflict, existing.TaskID, nil
}

// CheckOutcome classifies a non-mutating idempotency lookup.
type CheckOutcome int

const (
	CheckMiss CheckOutcome = iota
	CheckHit
	CheckConflict
)

// Check looks a client key up without reserving it.
func (q *Queue) Check(ctx context.Context, clientKey string, params map[string]any) (CheckOutcome, string, error) {
	existing, err := q.getIdemp(ctx, clientKey)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return CheckMiss, "", nil
		}
		return 0, "", err
	}
	if existing.ParamHash == HashParams(params) {
		return CheckHit, existing.TaskID, nil
	}
	return CheckConflict, existing.TaskID, nil
}

func (q *Queue) getIdemp(ctx context.Context, clientKey string) (*idempRecord, error) {
	data, err := q.client.Get(ctx, idempKey(clientKey)).Result()
	if err != nil {
		return nil, err
	}
	var record idempRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	return &record, nil
}

// HashParams computes the canonical 256-bit hash of a parameter bag. Keys
// are hashed in sorted order, nil values are dropped so nil and missing hash
// identically, and booleans render as true/false. Map iteration order never
// affects the result.
func HashParams(params map[string]any) string {
	canonical, err := json.Marshal(normalizeParams(params))
	if err != nil {
		// Marshal of a normalized map only fails on exotic values; hash the
		// error text so such requests at least hash consistently.
		canonical = []byte(err.Error())
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

func normalizeParams(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			if val == nil {
				continue
			}
			out[key] = normalizeParams(val)
		}
		return out
	case []any:
		out := make([]any, 0, len(v))
		for _, val := range v {
			out = append(out, normalizeParams(val))
		}
		return out
	default:
		return v
	}
}
