package queue

import (
	"context"
	"testing"
)

func TestReserveStoredThenExists(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	params := map[string]any{"targets": "192.0.2.1", "name": "s1", "scan_type": "untrusted"}

	outcome, taskID, err := q.Reserve(ctx, "K", "task-1", params)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if outcome != ReserveStored || taskID != "task-1" {
		t.Fatalf("first reserve: outcome=%v task=%s", outcome, taskID)
	}

	// Replay with identical params binds to the original task.
	outcome, taskID, err = q.Reserve(ctx, "K", "task-2", params)
	if err != nil {
		t.Fatalf("replay reserve: %v", err)
	}
	if outcome != ReserveExists || taskID != "task-1" {
		t.Fatalf("replay: outcome=%v task=%s", outcome, taskID)
	}
}

func TestReserveConflict(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if _, _, err := q.Reserve(ctx, "K", "task-1", map[string]any{"name": "A"}); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	outcome, taskID, err := q.Reserve(ctx, "K", "task-2", map[string]any{"name": "B"})
	if err != nil {
		t.Fatalf("conflicting reserve: %v", err)
	}
	if outcome != ReserveConflict {
		t.Fatalf("expected conflict, got %v", outcome)
	}
	if taskID != "task-1" {
		t.Fatalf("conflict should name existing task, got %s", taskID)
	}
}

func TestCheck(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	params := map[string]any{"name": "A"}

	outcome, _, err := q.Check(ctx, "K", params)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if outcome != CheckMiss {
		t.Fatalf("expected miss, got %v", outcome)
	}

	if _, _, err := q.Reserve(ctx, "K", "task-1", params); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	outcome, taskID, err := q.Check(ctx, "K", params)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if outcome != CheckHit || taskID != "task-1" {
		t.Fatalf("expected hit task-1, got %v %s", outcome, taskID)
	}

	outcome, _, err = q.Check(ctx, "K", map[string]any{"name": "B"})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if outcome != CheckConflict {
		t.Fatalf("expected conflict, got %v", outcome)
	}
}

func TestHashParamsCanonical(t *testing.T) {
	base := map[string]any{
		"targets":     "192.0.2.1",
		"name":        "s1",
		"enabled":     true,
		"description": nil,
	}
	permuted := map[string]any{
		"description": nil,
		"enabled":     true,
		"name":        "s1",
		"targets":     "192.0.2.1",
	}
	if HashParams(base) != HashParams(permuted) {
		t.Fatal("hash not stable under key permutation")
	}

	// nil and missing hash identically.
	missing := map[string]any{
		"targets": "192.0.2.1",
		"name":    "s1",
		"enabled": true,
	}
	if HashParams(base) != HashParams(missing) {
		t.Fatal("nil value should hash like a missing key")
	}

	different := map[string]any{
		"targets": "192.0.2.1",
		"name":    "s1",
		"enabled": false,
	}
	if HashParams(base) == HashParams(different) {
		t.Fatal("different booleans must change the hash")
	}

	nested := map[string]any{"credentials": map[string]any{"username": "u", "escalation": nil}}
	nestedMissing := map[string]any{"credentials": map[string]any{"username": "u"}}
	if HashParams(nested) != HashParams(nestedMissing) {
		t.Fatal("normalization must recurse into nested maps")
	}
}
