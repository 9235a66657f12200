package task

import (
	"errors"
	"os"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir())
}

func newTestTask(targets string) *Task {
	return New("nessus", "default", ScanTypeUntrusted, Payload{Targets: targets, Name: "test scan"})
}

func TestStoreCreateGet(t *testing.T) {
	s := newTestStore(t)
	tk := newTestTask("192.0.2.10")

	if err := s.Create(tk); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(tk); !errors.Is(err, ErrTaskExists) {
		t.Fatalf("expected ErrTaskExists, got %v", err)
	}

	got, err := s.Get(tk.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != tk.ID || got.Status != StatusQueued || got.Payload.Targets != "192.0.2.10" {
		t.Fatalf("round-trip mismatch: %+v", got)
	}

	if _, err := s.Get("nope"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestStoreUpdateStatus(t *testing.T) {
	s := newTestStore(t)
	tk := newTestTask("192.0.2.10")
	if err := s.Create(tk); err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := s.UpdateStatus(tk.ID, StatusRunning, WithScannerInstance("nessus-01"), WithUpstreamScanID(42))
	if err != nil {
		t.Fatalf("to running: %v", err)
	}
	if updated.StartedAt == nil || updated.UpstreamScanID != 42 || updated.ScannerInstanceID != "nessus-01" {
		t.Fatalf("running update incomplete: %+v", updated)
	}

	if _, err := s.UpdateStatus(tk.ID, StatusQueued); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	final, err := s.UpdateStatus(tk.ID, StatusFailed, WithError("scanner unreachable"))
	if err != nil {
		t.Fatalf("to failed: %v", err)
	}
	if final.CompletedAt == nil || final.ErrorMessage != "scanner unreachable" {
		t.Fatalf("failed update incomplete: %+v", final)
	}
	if final.CompletedAt.Before(*final.StartedAt) {
		t.Fatal("completed_at before started_at")
	}

	// Losing writer after the terminal state.
	if _, err := s.UpdateStatus(tk.ID, StatusCompleted); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition after terminal, got %v", err)
	}
}

func TestStoreUpdateFields(t *testing.T) {
	s := newTestStore(t)
	tk := newTestTask("192.0.2.10")
	if err := s.Create(tk); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.UpdateFields(tk.ID, WithProgress(55))
	if err != nil {
		t.Fatalf("update fields: %v", err)
	}
	if got.Progress != 55 || got.Status != StatusQueued {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestStoreRequeue(t *testing.T) {
	s := newTestStore(t)
	tk := newTestTask("192.0.2.10")
	if err := s.Create(tk); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Queued tasks cannot be requeued; only terminal failures can.
	if _, err := s.Requeue(tk.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("requeue queued: expected ErrInvalidTransition, got %v", err)
	}

	if _, err := s.UpdateStatus(tk.ID, StatusRunning); err != nil {
		t.Fatalf("to running: %v", err)
	}
	if _, err := s.UpdateStatus(tk.ID, StatusFailed, WithError("scanner unreachable")); err != nil {
		t.Fatalf("to failed: %v", err)
	}

	got, err := s.Requeue(tk.ID)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if got.Status != StatusQueued || got.ErrorMessage != "" || got.StartedAt != nil || got.CompletedAt != nil {
		t.Fatalf("requeued record not reset: %+v", got)
	}

	// The reset record can run through the lifecycle again.
	if _, err := s.UpdateStatus(tk.ID, StatusRunning); err != nil {
		t.Fatalf("rerun: %v", err)
	}

	if _, err := s.Requeue("missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestStoreArtifact(t *testing.T) {
	s := newTestStore(t)
	tk := newTestTask("192.0.2.10")
	if err := s.Create(tk); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.WriteArtifact(tk.ID, []byte("<NessusClientData_v2/>")); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	data, err := os.ReadFile(s.ArtifactPath(tk.ID))
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if string(data) != "<NessusClientData_v2/>" {
		t.Fatalf("artifact mismatch: %q", data)
	}

	if err := s.WriteArtifact("missing", []byte("x")); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestStoreListFilters(t *testing.T) {
	s := newTestStore(t)

	a := New("nessus", "default", ScanTypeUntrusted, Payload{Targets: "192.168.1.0/24", Name: "a"})
	b := New("nessus", "default", ScanTypeUntrusted, Payload{Targets: "10.0.0.50", Name: "b"})
	c := New("nessus", "dmz", ScanTypeAuthenticated, Payload{Targets: "172.16.0.0/12", Name: "c"})
	for _, tk := range []*Task{a, b, c} {
		if err := s.Create(tk); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if _, err := s.UpdateStatus(c.ID, StatusRunning); err != nil {
		t.Fatalf("run c: %v", err)
	}

	t.Run("by target CIDR query", func(t *testing.T) {
		got, err := s.List(Filter{Target: "192.168.1.100"}, 0)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != 1 || got[0].ID != a.ID {
			t.Fatalf("expected only task a, got %d", len(got))
		}

		got, err = s.List(Filter{Target: "10.0.0.0/24"}, 0)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != 1 || got[0].ID != b.ID {
			t.Fatalf("expected only task b, got %d", len(got))
		}
	})

	t.Run("by pool and status", func(t *testing.T) {
		got, err := s.List(Filter{ScannerPool: "dmz", Status: StatusRunning}, 0)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != 1 || got[0].ID != c.ID {
			t.Fatalf("expected only task c, got %d", len(got))
		}
	})

	t.Run("limit", func(t *testing.T) {
		got, err := s.List(Filter{}, 2)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 tasks, got %d", len(got))
		}
	})
}
