package breaker

import (
	"errors"
	"testing"
	"time"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := New("default/nessus-01", Config{FailureThreshold: 3, RecoveryTimeout: time.Minute})

	for i := 0; i < 2; i++ {
		if !b.AllowRequest() {
			t.Fatalf("request %d refused while closed", i)
		}
		b.RecordFailure()
	}
	if b.Snapshot().State != StateClosed {
		t.Fatal("breaker opened before threshold")
	}

	if !b.AllowRequest() {
		t.Fatal("third request refused while closed")
	}
	b.RecordFailure()

	if b.Snapshot().State != StateOpen {
		t.Fatal("breaker did not open at threshold")
	}
	if b.AllowRequest() {
		t.Fatal("open breaker allowed a request")
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b := New("k", Config{FailureThreshold: 2, RecoveryTimeout: time.Minute})

	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()

	if got := b.Snapshot(); got.State != StateClosed || got.FailureCount != 1 {
		t.Fatalf("expected closed with one failure, got %+v", got)
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := New("k", Config{FailureThreshold: 2, RecoveryTimeout: 50 * time.Millisecond})

	b.RecordFailure()
	b.RecordFailure()
	if b.AllowRequest() {
		t.Fatal("open breaker allowed a request")
	}

	time.Sleep(80 * time.Millisecond)

	if !b.AllowRequest() {
		t.Fatal("probe refused after recovery timeout")
	}
	if b.Snapshot().State != StateHalfOpen {
		t.Fatalf("state = %s, want half_open", b.Snapshot().State)
	}
	// One probe slot by default.
	if b.AllowRequest() {
		t.Fatal("second probe allowed beyond half-open cap")
	}

	b.RecordSuccess()
	if b.Snapshot().State != StateClosed {
		t.Fatal("success probe did not close the breaker")
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New("k", Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Millisecond})

	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	if !b.AllowRequest() {
		t.Fatal("probe refused")
	}
	b.RecordFailure()

	if b.Snapshot().State != StateOpen {
		t.Fatal("failed probe did not reopen the breaker")
	}
	if b.AllowRequest() {
		t.Fatal("reopened breaker allowed a request")
	}
}

func TestBreakerReset(t *testing.T) {
	b := New("k", Config{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	b.RecordFailure()
	if b.AllowRequest() {
		t.Fatal("breaker should be open")
	}

	b.Reset()
	if got := b.Snapshot(); got.State != StateClosed || got.FailureCount != 0 {
		t.Fatalf("reset incomplete: %+v", got)
	}
	if !b.AllowRequest() {
		t.Fatal("reset breaker refused a request")
	}
}

func TestCall(t *testing.T) {
	b := New("k", Config{FailureThreshold: 1, RecoveryTimeout: time.Hour})

	boom := errors.New("boom")
	if err := b.Call(func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := b.Call(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(Config{})

	a := r.Get("default/a")
	if got := r.Get("default/a"); got != a {
		t.Fatal("registry returned a different breaker for the same key")
	}
	if r.Get("default/b") == a {
		t.Fatal("distinct keys share a breaker")
	}

	a.RecordFailure()
	snapshots := r.Snapshots()
	if len(snapshots) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snapshots))
	}
}
