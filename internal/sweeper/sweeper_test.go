package sweeper

import (
	"testing"
	"time"

	"github.com/nessusdhq/nessusd/internal/config"
	"github.com/nessusdhq/nessusd/internal/task"
)

func seedTask(t *testing.T, store *task.Store, status task.Status, completedAgo time.Duration) *task.Task {
	t.Helper()

	tsk := task.New("nessus", "default", task.ScanTypeUntrusted, task.Payload{
		Targets: "192.0.2.1",
		Name:    "sweep test",
	})
	if err := store.Create(tsk); err != nil {
		t.Fatalf("create: %v", err)
	}

	if status == task.StatusQueued {
		return tsk
	}
	if _, err := store.UpdateStatus(tsk.ID, task.StatusRunning); err != nil {
		t.Fatalf("to running: %v", err)
	}
	if status == task.StatusRunning {
		return tsk
	}
	if _, err := store.UpdateStatus(tsk.ID, status); err != nil {
		t.Fatalf("to %s: %v", status, err)
	}
	if completedAgo > 0 {
		when := time.Now().Add(-completedAgo)
		if _, err := store.UpdateFields(tsk.ID, func(x *task.Task) { x.CompletedAt = &when }); err != nil {
			t.Fatalf("backdate: %v", err)
		}
	}
	return tsk
}

func TestSweep(t *testing.T) {
	store := task.NewStore(t.TempDir())
	s := New(store, config.SweeperConfig{
		Schedule:     "@hourly",
		CompletedTTL: 7 * 24 * time.Hour,
		FailedTTL:    30 * 24 * time.Hour,
	})

	oldCompleted := seedTask(t, store, task.StatusCompleted, 8*24*time.Hour)
	freshCompleted := seedTask(t, store, task.StatusCompleted, 24*time.Hour)
	oldFailed := seedTask(t, store, task.StatusFailed, 31*24*time.Hour)
	agingFailed := seedTask(t, store, task.StatusFailed, 8*24*time.Hour)
	oldTimeout := seedTask(t, store, task.StatusTimeout, 31*24*time.Hour)
	queued := seedTask(t, store, task.StatusQueued, 0)
	running := seedTask(t, store, task.StatusRunning, 0)

	removed, err := s.Sweep()
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 3 {
		t.Fatalf("removed = %d, want 3", removed)
	}

	for _, gone := range []*task.Task{oldCompleted, oldFailed, oldTimeout} {
		if _, err := store.Get(gone.ID); err == nil {
			t.Errorf("task %s survived the sweep", gone.ID)
		}
	}
	for _, kept := range []*task.Task{freshCompleted, agingFailed, queued, running} {
		if _, err := store.Get(kept.ID); err != nil {
			t.Errorf("task %s (%s) was swept early: %v", kept.ID, kept.Status, err)
		}
	}
}
