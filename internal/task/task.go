package task

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nessusdhq/nessusd/internal/scanner"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

type ScanType string

const (
	ScanTypeUntrusted     ScanType = "untrusted"
	ScanTypeAuthenticated ScanType = "authenticated"
	ScanTypePrivileged    ScanType = "authenticated_privileged"
)

type AuthStatus string

const (
	AuthNotApplicable AuthStatus = "not_applicable"
	AuthSuccess       AuthStatus = "success"
	AuthPartial       AuthStatus = "partial"
	AuthFailed        AuthStatus = "failed"
	AuthUnknown       AuthStatus = "unknown"
)

var (
	ErrTaskNotFound    = errors.New("task not found")
	ErrTaskExists      = errors.New("task already exists")
	ErrInvalidScanType = errors.New("invalid scan type")
)

// Payload carries everything a worker needs to drive a scan without
// re-reading the task record. Version tags the envelope schema so older
// queue entries stay decodable.
type Payload struct {
	Version       int                  `json:"version"`
	Targets       string               `json:"targets"`
	Name          string               `json:"name"`
	Description   string               `json:"description,omitempty"`
	Credentials   *scanner.Credentials `json:"credentials,omitempty"`
	SchemaProfile string               `json:"schema_profile,omitempty"`
	ExpectedHosts int                  `json:"expected_hosts,omitempty"`
}

const PayloadVersion = 1

// ValidationStats summarizes what the validator saw in a result artifact.
type ValidationStats struct {
	Hosts           int            `json:"hosts"`
	ExpectedHosts   int            `json:"expected_hosts,omitempty"`
	SeverityCounts  map[string]int `json:"severity_counts,omitempty"`
	AuthPluginCount int            `json:"auth_plugin_count"`
	FileSizeBytes   int64          `json:"file_size_bytes"`
}

type Task struct {
	ID                string   `json:"task_id"`
	TraceID           string   `json:"trace_id"`
	ScanType          ScanType `json:"scan_type"`
	ScannerPool       string   `json:"scanner_pool"`
	ScannerType       string   `json:"scanner_type"`
	ScannerInstanceID string   `json:"scanner_instance_id,omitempty"`
	Status            Status   `json:"status"`
	Payload           Payload  `json:"payload"`
	UpstreamScanID    int      `json:"upstream_scan_id,omitempty"`
	Progress          int      `json:"progress,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`

	ValidationStats      *ValidationStats `json:"validation_stats,omitempty"`
	ValidationWarnings   []string         `json:"validation_warnings,omitempty"`
	AuthenticationStatus AuthStatus       `json:"authentication_status,omitempty"`
}

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	default:
		return false
	}
}

func ParseScanType(value string) (ScanType, error) {
	switch ScanType(value) {
	case ScanTypeUntrusted, ScanTypeAuthenticated, ScanTypePrivileged:
		return ScanType(value), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidScanType, value)
	}
}

// Trusted reports whether the scan type expects credentials to work.
func (t ScanType) Trusted() bool {
	return t == ScanTypeAuthenticated || t == ScanTypePrivileged
}

// NewID builds a task ID whose prefix sorts by scanner type, pool and
// creation time, with a random suffix to break same-nanosecond ties.
func NewID(scannerType, pool string) string {
	return fmt.Sprintf("%s-%s-%d-%s", scannerType, pool, time.Now().UnixNano(), uuid.NewString()[:8])
}

func NewTraceID() string {
	return uuid.NewString()
}

// New creates a queued task for a submission that already passed validation.
func New(scannerType, pool string, scanType ScanType, payload Payload) *Task {
	payload.Version = PayloadVersion
	return &Task{
		ID:          NewID(scannerType, pool),
		TraceID:     NewTraceID(),
		ScanType:    scanType,
		ScannerPool: pool,
		ScannerType: scannerType,
		Status:      StatusQueued,
		Payload:     payload,
		CreatedAt:   time.Now().UTC(),
	}
}
