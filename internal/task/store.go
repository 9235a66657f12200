package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	recordFile   = "task.json"
	artifactFile = "scan_native.nessus"
)

// Store keeps one directory per task under dataDir, holding the serialized
// record and, once the scan exported, the native result artifact.
type Store struct {
	dataDir string

	mu sync.Mutex
}

func NewStore(dataDir string) *Store {
	return &Store{dataDir: dataDir}
}

func (s *Store) taskDir(taskID string) string {
	return filepath.Join(s.dataDir, taskID)
}

func (s *Store) recordPath(taskID string) string {
	return filepath.Join(s.taskDir(taskID), recordFile)
}

// ArtifactPath returns where the native scan result for a task lives. The
// file exists only after the worker exported results.
func (s *Store) ArtifactPath(taskID string) string {
	return filepath.Join(s.taskDir(taskID), artifactFile)
}

// Create materializes the task directory and record. Fails if the task ID
// is already taken.
func (s *Store) Create(t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.taskDir(t.ID)
	if _, err := os.Stat(filepath.Join(dir, recordFile)); err == nil {
		return fmt.Errorf("%w: %s", ErrTaskExists, t.ID)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create task dir: %w", err)
	}
	return s.write(t)
}

func (s *Store) Get(taskID string) (*Task, error) {
	data, err := os.ReadFile(s.recordPath(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return nil, fmt.Errorf("read task: %w", err)
	}

	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", taskID, err)
	}
	return &t, nil
}

// UpdateFn mutates a task record inside an update. Fields added by newer
// versions stay absent on older records, so updates must tolerate zero
// values.
type UpdateFn func(*Task)

func WithError(msg string) UpdateFn {
	return func(t *Task) { t.ErrorMessage = msg }
}

func WithUpstreamScanID(id int) UpdateFn {
	return func(t *Task) { t.UpstreamScanID = id }
}

func WithScannerInstance(instanceID string) UpdateFn {
	return func(t *Task) { t.ScannerInstanceID = instanceID }
}

func WithProgress(progress int) UpdateFn {
	return func(t *Task) { t.Progress = progress }
}

func WithValidation(stats *ValidationStats, warnings []string, auth AuthStatus) UpdateFn {
	return func(t *Task) {
		t.ValidationStats = stats
		t.ValidationWarnings = warnings
		t.AuthenticationStatus = auth
	}
}

// UpdateStatus reloads the record, validates the lifecycle transition,
// applies extra field updates and writes the result atomically. A concurrent
// writer that raced the status forward sees ErrInvalidTransition.
func (s *Store) UpdateStatus(taskID string, next Status, updates ...UpdateFn) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.Get(taskID)
	if err != nil {
		return nil, err
	}
	for _, update := range updates {
		update(t)
	}
	if err := Apply(t, next); err != nil {
		return nil, err
	}
	if err := s.write(t); err != nil {
		return nil, err
	}
	return t, nil
}

// UpdateFields merges field updates without touching the status. Used for
// progress reporting while a scan stays running.
func (s *Store) UpdateFields(taskID string, updates ...UpdateFn) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.Get(taskID)
	if err != nil {
		return nil, err
	}
	for _, update := range updates {
		update(t)
	}
	if err := s.write(t); err != nil {
		return nil, err
	}
	return t, nil
}

// WriteArtifact stores the native scan result next to the record. Written
// once when a scan leaves running; never mutated afterwards.
func (s *Store) WriteArtifact(taskID string, data []byte) error {
	if _, err := os.Stat(s.taskDir(taskID)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return err
	}
	return writeFileAtomic(s.ArtifactPath(taskID), data, 0o600)
}

// Requeue resets a terminally failed task to queued so a dead-letter retry
// can run it again. This is the one administrative path that sidesteps the
// normal lifecycle; completed tasks stay completed.
func (s *Store) Requeue(taskID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.Get(taskID)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case StatusFailed, StatusTimeout, StatusCancelled:
	default:
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, StatusQueued)
	}

	t.Status = StatusQueued
	t.ErrorMessage = ""
	t.Progress = 0
	t.StartedAt = nil
	t.CompletedAt = nil
	if err := s.write(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Delete removes a task directory. Only the retention sweeper calls this;
// the core never deletes tasks.
func (s *Store) Delete(taskID string) error {
	if strings.ContainsAny(taskID, "/\\") || taskID == "" || taskID == "." || taskID == ".." {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return os.RemoveAll(s.taskDir(taskID))
}

// Filter selects tasks in List. Zero-valued predicates match everything.
type Filter struct {
	Status      Status
	ScannerPool string
	ScannerType string
	Target      string
}

func (f Filter) matches(t *Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.ScannerPool != "" && t.ScannerPool != f.ScannerPool {
		return false
	}
	if f.ScannerType != "" && t.ScannerType != f.ScannerType {
		return false
	}
	if f.Target != "" && !AnyTargetMatches(t.Payload.Targets, f.Target) {
		return false
	}
	return true
}

// List scans the data directory, newest tasks first. Records that fail to
// decode are skipped rather than failing the listing.
func (s *Store) List(filter Filter, limit int) ([]*Task, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	var tasks []*Task
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		t, err := s.Get(entry.Name())
		if err != nil {
			if errors.Is(err, ErrTaskNotFound) {
				continue
			}
			continue
		}
		if filter.matches(t) {
			tasks = append(tasks, t)
		}
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

func (s *Store) write(t *Task) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	return writeFileAtomic(s.recordPath(t.ID), data, 0o600)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	tmp, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}

	return nil
}
