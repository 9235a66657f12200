package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMoveToDLQAndList(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	first := testEntry("t1", "default")
	second := testEntry("t2", "default")
	if err := q.MoveToDLQ(ctx, first, "scanner unreachable", ""); err != nil {
		t.Fatalf("move to dlq: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := q.MoveToDLQ(ctx, second, "export failed", ""); err != nil {
		t.Fatalf("move to dlq: %v", err)
	}

	depth, err := q.DLQDepth(ctx, "default")
	if err != nil {
		t.Fatalf("dlq depth: %v", err)
	}
	if depth != 2 {
		t.Fatalf("dlq depth = %d, want 2", depth)
	}

	dead, err := q.ListDLQ(ctx, "default", 0, -1)
	if err != nil {
		t.Fatalf("list dlq: %v", err)
	}
	if len(dead) != 2 {
		t.Fatalf("got %d dead entries", len(dead))
	}
	// Ordered by failure time, oldest first.
	if dead[0].TaskID != "t1" || dead[1].TaskID != "t2" {
		t.Fatalf("dlq order wrong: %s, %s", dead[0].TaskID, dead[1].TaskID)
	}
	if dead[0].Error != "scanner unreachable" {
		t.Fatalf("reason lost: %q", dead[0].Error)
	}
}

func TestGetDLQ(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if err := q.MoveToDLQ(ctx, testEntry("t1", "default"), "boom", ""); err != nil {
		t.Fatalf("move to dlq: %v", err)
	}

	dead, err := q.GetDLQ(ctx, "t1", "default")
	if err != nil {
		t.Fatalf("get dlq: %v", err)
	}
	if dead.TaskID != "t1" || dead.Error != "boom" {
		t.Fatalf("unexpected entry: %+v", dead)
	}

	if _, err := q.GetDLQ(ctx, "missing", "default"); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
}

func TestRetryDLQ(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if err := q.MoveToDLQ(ctx, testEntry("t1", "default"), "boom", ""); err != nil {
		t.Fatalf("move to dlq: %v", err)
	}

	entry, err := q.RetryDLQ(ctx, "t1", "default")
	if err != nil {
		t.Fatalf("retry dlq: %v", err)
	}
	if entry.TaskID != "t1" {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	// One more in the main queue, one fewer dead.
	depth, _ := q.Depth(ctx, "default")
	if depth != 1 {
		t.Fatalf("queue depth = %d, want 1", depth)
	}
	dlqDepth, _ := q.DLQDepth(ctx, "default")
	if dlqDepth != 0 {
		t.Fatalf("dlq depth = %d, want 0", dlqDepth)
	}

	if _, err := q.RetryDLQ(ctx, "t1", "default"); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("second retry should miss, got %v", err)
	}
}

func TestClearDLQ(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if err := q.MoveToDLQ(ctx, testEntry("old", "default"), "boom", ""); err != nil {
		t.Fatalf("move to dlq: %v", err)
	}
	cutoff := time.Now().Add(time.Second)
	time.Sleep(5 * time.Millisecond)

	t.Run("before cutoff", func(t *testing.T) {
		removed, err := q.ClearDLQ(ctx, "default", &cutoff)
		if err != nil {
			t.Fatalf("clear dlq: %v", err)
		}
		if removed != 1 {
			t.Fatalf("removed = %d, want 1", removed)
		}
	})

	t.Run("all", func(t *testing.T) {
		if err := q.MoveToDLQ(ctx, testEntry("a", "default"), "x", ""); err != nil {
			t.Fatalf("move to dlq: %v", err)
		}
		if err := q.MoveToDLQ(ctx, testEntry("b", "default"), "y", ""); err != nil {
			t.Fatalf("move to dlq: %v", err)
		}
		removed, err := q.ClearDLQ(ctx, "default", nil)
		if err != nil {
			t.Fatalf("clear dlq: %v", err)
		}
		if removed != 2 {
			t.Fatalf("removed = %d, want 2", removed)
		}
	})
}
