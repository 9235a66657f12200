package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nessusdhq/nessusd/internal/breaker"
	"github.com/nessusdhq/nessusd/internal/metrics"
	"github.com/nessusdhq/nessusd/internal/queue"
	"github.com/nessusdhq/nessusd/internal/scanner"
	"github.com/nessusdhq/nessusd/internal/task"
	"github.com/nessusdhq/nessusd/internal/validate"
)

// errAbandoned marks a scan interrupted by hard shutdown; the task stays
// `running` in storage.
var errAbandoned = errors.New("worker shutting down")

func (w *Worker) process(entry *queue.Entry) {
	ctx, cancel := context.WithTimeout(w.taskCtx, w.cfg.ScanTimeout)
	defer cancel()

	start := time.Now()
	status, err := w.run(ctx, entry)

	switch {
	case errors.Is(err, errAbandoned):
		log.Printf("Task %s abandoned by shutdown", entry.TaskID)
		return
	case err != nil:
		log.Printf("Task %s failed: %v", entry.TaskID, err)
		if _, uerr := w.store.UpdateStatus(entry.TaskID, task.StatusFailed, task.WithError(err.Error())); uerr != nil {
			log.Printf("Task %s: record failure: %v", entry.TaskID, uerr)
		}
		dlqCtx, dlqCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer dlqCancel()
		if derr := w.queue.MoveToDLQ(dlqCtx, entry, err.Error(), entry.ScannerPool); derr != nil {
			log.Printf("Task %s: dead-letter: %v", entry.TaskID, derr)
		}
		status = task.StatusFailed
	case status == "":
		// Skipped; nothing to account.
		return
	}

	metrics.TaskProcessed(entry.ScannerPool, status)
	metrics.ObserveScanDuration(entry.ScannerPool, time.Since(start))
	log.Printf("Task %s finished %s after %s", entry.TaskID, status, time.Since(start).Round(time.Second))
}

// run drives one scan through the upstream scanner. It returns the terminal
// status it recorded itself, or an error for the caller to turn into a
// failed task plus a dead-letter entry.
func (w *Worker) run(ctx context.Context, entry *queue.Entry) (task.Status, error) {
	if _, err := w.store.UpdateStatus(entry.TaskID, task.StatusRunning); err != nil {
		if errors.Is(err, task.ErrInvalidTransition) {
			log.Printf("Task %s not runnable, skipping: %v", entry.TaskID, err)
			return "", nil
		}
		return "", err
	}

	handle, key, err := w.registry.AcquireScanner(entry.ScannerPool, entry.ScannerInstanceID)
	if err != nil {
		return "", fmt.Errorf("acquire scanner: %w", err)
	}
	defer w.registry.ReleaseScanner(key)

	if _, err := w.store.UpdateFields(entry.TaskID, task.WithScannerInstance(instanceFromKey(key))); err != nil {
		log.Printf("Task %s: record scanner instance: %v", entry.TaskID, err)
	}

	brk := w.breakers.Get(key)
	call := func(fn func() error) error {
		if !brk.AllowRequest() {
			metrics.BreakerRejected(key)
			return fmt.Errorf("%w: %s", breaker.ErrCircuitOpen, key)
		}
		if err := fn(); err != nil {
			brk.RecordFailure()
			return err
		}
		brk.RecordSuccess()
		return nil
	}

	req := &scanner.CreateScanRequest{
		Targets:     entry.Payload.Targets,
		Name:        entry.Payload.Name,
		Description: entry.Payload.Description,
		Credentials: entry.Payload.Credentials,
	}
	var upstreamID int
	if err := call(func() error {
		var err error
		upstreamID, err = handle.CreateScan(ctx, req)
		return err
	}); err != nil {
		return "", fmt.Errorf("create scan: %w", err)
	}
	if _, err := w.store.UpdateFields(entry.TaskID, task.WithUpstreamScanID(upstreamID)); err != nil {
		log.Printf("Task %s: record upstream scan id: %v", entry.TaskID, err)
	}

	if err := call(func() error {
		_, err := handle.LaunchScan(ctx, upstreamID)
		return err
	}); err != nil {
		return "", fmt.Errorf("launch scan: %w", err)
	}

poll:
	for {
		select {
		case <-ctx.Done():
			if w.taskCtx.Err() != nil {
				return "", errAbandoned
			}
			w.stopUpstream(handle, entry.TaskID, upstreamID)
			if _, err := w.store.UpdateStatus(entry.TaskID, task.StatusTimeout,
				task.WithError(fmt.Sprintf("scan exceeded %s wall-clock timeout", w.cfg.ScanTimeout))); err != nil {
				log.Printf("Task %s: record timeout: %v", entry.TaskID, err)
			}
			return task.StatusTimeout, nil
		case <-time.After(w.cfg.PollInterval):
		}

		if current, err := w.store.Get(entry.TaskID); err == nil && current.Status == task.StatusCancelled {
			w.stopUpstream(handle, entry.TaskID, upstreamID)
			return task.StatusCancelled, nil
		}

		var info *scanner.StatusInfo
		if err := call(func() error {
			var err error
			info, err = handle.GetStatus(ctx, upstreamID)
			return err
		}); err != nil {
			// Transient poll failures wait for the next interval; the scan
			// timeout bounds how long this can go on.
			log.Printf("Task %s: status poll: %v", entry.TaskID, err)
			continue
		}

		if _, err := w.store.UpdateFields(entry.TaskID, task.WithProgress(info.Progress)); err != nil {
			log.Printf("Task %s: record progress: %v", entry.TaskID, err)
		}

		switch info.Status {
		case scanner.StatusCompleted:
			break poll
		case scanner.StatusFailed:
			if _, err := w.store.UpdateStatus(entry.TaskID, task.StatusFailed,
				task.WithError("upstream scan ended "+info.NativeStatus)); err != nil {
				log.Printf("Task %s: record upstream failure: %v", entry.TaskID, err)
			}
			return task.StatusFailed, nil
		}
	}

	var artifact []byte
	if err := call(func() error {
		var err error
		artifact, err = handle.ExportResults(ctx, upstreamID)
		return err
	}); err != nil {
		return "", fmt.Errorf("export results: %w", err)
	}
	if err := w.store.WriteArtifact(entry.TaskID, artifact); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}

	// The artifact is persisted; the upstream copy is clutter now.
	if err := handle.DeleteScan(ctx, upstreamID); err != nil {
		log.Printf("Task %s: delete upstream scan %d: %v", entry.TaskID, upstreamID, err)
	}

	result, err := validate.Artifact(w.store.ArtifactPath(entry.TaskID), entry.ScanType, entry.Payload.ExpectedHosts)
	if err != nil {
		if _, uerr := w.store.UpdateStatus(entry.TaskID, task.StatusFailed,
			task.WithError(fmt.Sprintf("result validation: %v", err))); uerr != nil {
			log.Printf("Task %s: record validation failure: %v", entry.TaskID, uerr)
		}
		return task.StatusFailed, nil
	}
	for _, warning := range result.Warnings {
		log.Printf("Task %s: validation warning: %s", entry.TaskID, warning)
	}

	if entry.ScanType.Trusted() && result.AuthStatus == task.AuthFailed {
		if _, err := w.store.UpdateStatus(entry.TaskID, task.StatusFailed,
			task.WithError("authentication validation failed: "+result.Message),
			task.WithValidation(&result.Stats, result.Warnings, result.AuthStatus)); err != nil {
			log.Printf("Task %s: record auth failure: %v", entry.TaskID, err)
		}
		return task.StatusFailed, nil
	}

	if _, err := w.store.UpdateStatus(entry.TaskID, task.StatusCompleted,
		task.WithValidation(&result.Stats, result.Warnings, result.AuthStatus)); err != nil {
		log.Printf("Task %s: record completion: %v", entry.TaskID, err)
	}
	return task.StatusCompleted, nil
}

// stopUpstream asks the scanner to stop a scan outside the task's context,
// so it still runs when the task deadline has already expired.
func (w *Worker) stopUpstream(handle scanner.Scanner, taskID string, upstreamID int) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := handle.StopScan(ctx, upstreamID); err != nil {
		log.Printf("Task %s: stop upstream scan %d: %v", taskID, upstreamID, err)
	}
}

func instanceFromKey(key string) string {
	if _, id, ok := strings.Cut(key, "/"); ok {
		return id
	}
	return key
}
