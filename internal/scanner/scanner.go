package scanner

import (
	"context"
	"errors"
	"strings"
)

// ScanStatus is the core's vocabulary for upstream scan state.
type ScanStatus string

const (
	StatusQueued    ScanStatus = "queued"
	StatusRunning   ScanStatus = "running"
	StatusCompleted ScanStatus = "completed"
	StatusFailed    ScanStatus = "failed"
)

var ErrScanNotFound = errors.New("upstream scan not found")

// StatusInfo is a snapshot of an upstream scan.
type StatusInfo struct {
	Status       ScanStatus
	Progress     int // 0..100
	NativeStatus string
}

// CreateScanRequest describes the scan object to provision upstream.
type CreateScanRequest struct {
	Targets     string
	Name        string
	Description string
	Credentials *Credentials
}

// Scanner is the uniform capability any upstream backend implements. All
// methods are safe to call through a circuit breaker; Stop and Delete are
// idempotent.
type Scanner interface {
	CreateScan(ctx context.Context, req *CreateScanRequest) (int, error)
	LaunchScan(ctx context.Context, upstreamID int) (string, error)
	GetStatus(ctx context.Context, upstreamID int) (*StatusInfo, error)
	ExportResults(ctx context.Context, upstreamID int) ([]byte, error)
	StopScan(ctx context.Context, upstreamID int) error
	DeleteScan(ctx context.Context, upstreamID int) error
	Close() error
}

// MapNativeStatus folds the scanner's native status values into the core
// vocabulary: paused counts as running, stopped/canceled/aborted as failed,
// pending or empty as queued.
func MapNativeStatus(native string) ScanStatus {
	switch strings.ToLower(strings.TrimSpace(native)) {
	case "completed":
		return StatusCompleted
	case "canceled", "cancelled", "stopped", "aborted":
		return StatusFailed
	case "pending", "empty", "":
		return StatusQueued
	case "paused", "pausing", "resuming", "stopping", "running":
		return StatusRunning
	default:
		return StatusRunning
	}
}
