package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

type fakeNessus struct {
	mux          *http.ServeMux
	logins       atomic.Int32
	status       string
	exportPolls  atomic.Int32
	exportDelay  int32
	launchedUUID string
}

func newFakeNessus(t *testing.T) (*fakeNessus, *Nessus) {
	t.Helper()

	f := &fakeNessus{
		mux:          http.NewServeMux(),
		status:       "running",
		launchedUUID: "uuid-123",
	}

	f.mux.HandleFunc("POST /session", func(w http.ResponseWriter, r *http.Request) {
		f.logins.Add(1)
		json.NewEncoder(w).Encode(map[string]string{"token": "tok"})
	})
	f.mux.HandleFunc("GET /editor/scan/templates", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"templates": []map[string]string{
				{"name": "discovery", "uuid": "uuid-disc"},
				{"name": "advanced", "uuid": "uuid-adv"},
			},
		})
	})
	f.mux.HandleFunc("POST /scans", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["uuid"] != "uuid-adv" {
			http.Error(w, "wrong template", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"scan": map[string]int{"id": 77}})
	})
	f.mux.HandleFunc("POST /scans/77/launch", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"scan_uuid": f.launchedUUID})
	})
	f.mux.HandleFunc("GET /scans/77", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"info": map[string]string{"status": f.status},
			"hosts": []map[string]int{
				{"scanprogresscurrent": 50, "scanprogresstotal": 100},
			},
		})
	})
	f.mux.HandleFunc("POST /scans/77/export", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]int{"file": 9})
	})
	f.mux.HandleFunc("GET /scans/77/export/9/status", func(w http.ResponseWriter, r *http.Request) {
		if f.exportPolls.Add(1) <= f.exportDelay {
			json.NewEncoder(w).Encode(map[string]string{"status": "loading"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	})
	f.mux.HandleFunc("GET /scans/77/export/9/download", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<NessusClientData_v2/>"))
	})
	f.mux.HandleFunc("POST /scans/77/stop", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	f.mux.HandleFunc("DELETE /scans/77", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := httptest.NewServer(f.mux)
	t.Cleanup(srv.Close)

	n := NewNessus(NessusConfig{
		URL:      srv.URL,
		Username: "admin",
		Password: "secret",
	})
	t.Cleanup(func() { _ = n.Close() })
	return f, n
}

func TestNessusCreateLaunchStatus(t *testing.T) {
	f, n := newFakeNessus(t)
	ctx := context.Background()

	id, err := n.CreateScan(ctx, &CreateScanRequest{Targets: "192.0.2.1", Name: "s1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id != 77 {
		t.Fatalf("upstream id = %d, want 77", id)
	}

	uuid, err := n.LaunchScan(ctx, 77)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if uuid != "uuid-123" {
		t.Fatalf("scan uuid = %s", uuid)
	}

	info, err := n.GetStatus(ctx, 77)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if info.Status != StatusRunning || info.Progress != 50 || info.NativeStatus != "running" {
		t.Fatalf("unexpected status: %+v", info)
	}

	f.status = "completed"
	info, err = n.GetStatus(ctx, 77)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if info.Status != StatusCompleted || info.Progress != 100 {
		t.Fatalf("unexpected completed status: %+v", info)
	}

	if f.logins.Load() != 1 {
		t.Fatalf("expected a single login, got %d", f.logins.Load())
	}
}

func TestNessusExportPollsUntilReady(t *testing.T) {
	f, n := newFakeNessus(t)
	f.exportDelay = 2

	data, err := n.ExportResults(context.Background(), 77)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if string(data) != "<NessusClientData_v2/>" {
		t.Fatalf("unexpected artifact: %q", data)
	}
	if f.exportPolls.Load() != 3 {
		t.Fatalf("expected 3 status polls, got %d", f.exportPolls.Load())
	}
}

func TestNessusStopDeleteIdempotent(t *testing.T) {
	_, n := newFakeNessus(t)
	ctx := context.Background()

	// Upstream answers 409 for an already-stopped scan.
	if err := n.StopScan(ctx, 77); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := n.DeleteScan(ctx, 77); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// Unknown scans are not errors either.
	if err := n.DeleteScan(ctx, 999); err != nil {
		t.Fatalf("delete unknown: %v", err)
	}
}

func TestNessusRejectsBadCredentials(t *testing.T) {
	_, n := newFakeNessus(t)

	cases := []struct {
		name  string
		creds *Credentials
	}{
		{"missing username", &Credentials{Password: "p"}},
		{"missing password", &Credentials{Username: "u"}},
		{"bad escalation", &Credentials{Username: "u", Password: "p", EscalationMethod: "doas"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := n.CreateScan(context.Background(), &CreateScanRequest{
				Targets:     "192.0.2.1",
				Name:        "s",
				Credentials: tc.creds,
			})
			if !errors.Is(err, ErrInvalidCredentials) {
				t.Fatalf("expected ErrInvalidCredentials, got %v", err)
			}
		})
	}
}

func TestValidateCredentialEscalationMethods(t *testing.T) {
	for _, method := range []string{"", "Nothing", "sudo", "su", "su+sudo", "pbrun", "dzdo", ".k5login", "Cisco 'enable'", "Checkpoint Gaia 'expert'"} {
		creds := &Credentials{Username: "u", Password: "p", EscalationMethod: method}
		if err := creds.Validate(); err != nil {
			t.Errorf("method %q rejected: %v", method, err)
		}
	}
}

func TestMapNativeStatus(t *testing.T) {
	cases := map[string]ScanStatus{
		"completed": StatusCompleted,
		"running":   StatusRunning,
		"paused":    StatusRunning,
		"canceled":  StatusFailed,
		"stopped":   StatusFailed,
		"aborted":   StatusFailed,
		"pending":   StatusQueued,
		"":          StatusQueued,
		"weird":     StatusRunning,
	}
	for native, want := range cases {
		if got := MapNativeStatus(native); got != want {
			t.Errorf("MapNativeStatus(%q) = %s, want %s", native, got, want)
		}
	}
}
