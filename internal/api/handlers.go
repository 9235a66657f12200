package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nessusdhq/nessusd/internal/metrics"
	"github.com/nessusdhq/nessusd/internal/queue"
	"github.com/nessusdhq/nessusd/internal/registry"
	"github.com/nessusdhq/nessusd/internal/results"
	"github.com/nessusdhq/nessusd/internal/scanner"
	"github.com/nessusdhq/nessusd/internal/task"
)

const scannerType = "nessus"

type submitScanRequest struct {
	Targets           string               `json:"targets"`
	Name              string               `json:"name"`
	Description       string               `json:"description,omitempty"`
	ScanType          string               `json:"scan_type"`
	Credentials       *scanner.Credentials `json:"credentials,omitempty"`
	ScannerPool       string               `json:"scanner_pool,omitempty"`
	ScannerInstanceID string               `json:"scanner_instance_id,omitempty"`
	IdempotencyKey    string               `json:"idempotency_key,omitempty"`
	SchemaProfile     string               `json:"schema_profile,omitempty"`
	ExpectedHosts     int                  `json:"expected_hosts,omitempty"`
}

type submitScanResponse struct {
	TaskID        string      `json:"task_id"`
	TraceID       string      `json:"trace_id,omitempty"`
	Status        task.Status `json:"status"`
	QueuePosition int64       `json:"queue_position,omitempty"`
	Idempotent    bool        `json:"idempotent"`
}

func (s *Server) handleSubmitScan(w http.ResponseWriter, r *http.Request) {
	var req submitScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	req.Targets = strings.TrimSpace(req.Targets)
	if req.Targets == "" {
		writeError(w, http.StatusBadRequest, "targets is required")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	scanType, err := task.ParseScanType(req.ScanType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if scanType.Trusted() && req.Credentials == nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("credentials are required for %s scans", scanType))
		return
	}
	if err := req.Credentials.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !validProfile(req.SchemaProfile) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown schema profile %q", req.SchemaProfile))
		return
	}
	if err := s.cfg.TargetPolicy.CheckTargets(req.Targets); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	pool := req.ScannerPool
	if pool == "" {
		pool = s.registry.GetDefaultPool()
	}
	poolStatus, err := s.registry.GetPoolStatus(pool)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown scanner pool %q", pool))
		return
	}
	if req.ScannerInstanceID != "" {
		if err := instanceUsable(poolStatus, req.ScannerInstanceID); err != nil {
			if errors.Is(err, registry.ErrInstanceNotFound) {
				writeError(w, http.StatusNotFound, err.Error())
			} else {
				writeError(w, http.StatusBadRequest, err.Error())
			}
			return
		}
	}

	tsk := task.New(scannerType, pool, scanType, task.Payload{
		Targets:       req.Targets,
		Name:          req.Name,
		Description:   req.Description,
		Credentials:   req.Credentials,
		SchemaProfile: req.SchemaProfile,
		ExpectedHosts: req.ExpectedHosts,
	})
	tsk.ScannerInstanceID = req.ScannerInstanceID

	if req.IdempotencyKey != "" {
		outcome, existingID, err := s.queue.Reserve(r.Context(), req.IdempotencyKey, tsk.ID, idempotencyParams(&req, pool))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "idempotency check failed: "+err.Error())
			return
		}
		switch outcome {
		case queue.ReserveExists:
			resp := submitScanResponse{TaskID: existingID, Status: task.StatusQueued, Idempotent: true}
			if existing, err := s.store.Get(existingID); err == nil {
				resp.TraceID = existing.TraceID
				resp.Status = existing.Status
			}
			writeJSON(w, http.StatusOK, resp)
			return
		case queue.ReserveConflict:
			writeError(w, http.StatusConflict, fmt.Sprintf(
				"Idempotency key '%s' already used for task %s with different parameters",
				req.IdempotencyKey, existingID))
			return
		}
	}

	if err := s.store.Create(tsk); err != nil {
		writeError(w, http.StatusInternalServerError, "create task: "+err.Error())
		return
	}

	entry := &queue.Entry{
		TaskID:            tsk.ID,
		TraceID:           tsk.TraceID,
		ScanType:          tsk.ScanType,
		ScannerType:       tsk.ScannerType,
		ScannerPool:       tsk.ScannerPool,
		ScannerInstanceID: tsk.ScannerInstanceID,
		Payload:           tsk.Payload,
	}
	depth, err := s.queue.Enqueue(r.Context(), entry, "")
	if err != nil {
		if _, uerr := s.store.UpdateStatus(tsk.ID, task.StatusFailed, task.WithError("enqueue: "+err.Error())); uerr != nil {
			log.Printf("API: mark task %s failed after enqueue error: %v", tsk.ID, uerr)
		}
		writeError(w, http.StatusInternalServerError, "enqueue task: "+err.Error())
		return
	}
	metrics.TaskEnqueued(pool)

	writeJSON(w, http.StatusAccepted, submitScanResponse{
		TaskID:        tsk.ID,
		TraceID:       tsk.TraceID,
		Status:        tsk.Status,
		QueuePosition: depth,
		Idempotent:    false,
	})
}

// idempotencyParams is the canonical parameter bag two submissions must
// agree on to count as the same request under one idempotency key.
func idempotencyParams(req *submitScanRequest, pool string) map[string]any {
	params := map[string]any{
		"targets":      req.Targets,
		"name":         req.Name,
		"scan_type":    req.ScanType,
		"scanner_pool": pool,
	}
	if req.Description != "" {
		params["description"] = req.Description
	}
	if req.ScannerInstanceID != "" {
		params["scanner_instance_id"] = req.ScannerInstanceID
	}
	if req.SchemaProfile != "" {
		params["schema_profile"] = req.SchemaProfile
	}
	if req.ExpectedHosts != 0 {
		params["expected_hosts"] = req.ExpectedHosts
	}
	if req.Credentials != nil {
		params["credentials"] = map[string]any{
			"username":          req.Credentials.Username,
			"password":          req.Credentials.Password,
			"escalation_method": req.Credentials.EscalationMethod,
		}
	}
	return params
}

func instanceUsable(pool *registry.PoolStatus, instanceID string) error {
	for _, in := range pool.Instances {
		if in.InstanceID != instanceID {
			continue
		}
		if !in.Enabled {
			return fmt.Errorf("%w: %s/%s", registry.ErrInstanceDisabled, pool.Pool, instanceID)
		}
		return nil
	}
	return fmt.Errorf("%w: %s/%s", registry.ErrInstanceNotFound, pool.Pool, instanceID)
}

func validProfile(profile string) bool {
	switch profile {
	case "", results.ProfileMinimal, results.ProfileSummary, results.ProfileBrief, results.ProfileFull:
		return true
	default:
		return false
	}
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	tsk, err := s.store.Get(taskID)
	if err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tsk)
}

// resultsReservedParams are query parameters with projection meaning; every
// other parameter is treated as a field filter.
var resultsReservedParams = map[string]struct{}{
	"schema_profile": {},
	"fields":         {},
	"page":           {},
	"page_size":      {},
}

func (s *Server) handleGetResults(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	tsk, err := s.store.Get(taskID)
	if err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tsk.Status != task.StatusCompleted {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("results are not available: task %s is %s", taskID, tsk.Status))
		return
	}

	data, err := results.ParseFile(s.store.ArtifactPath(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("result artifact for task %s not found", taskID))
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	query := r.URL.Query()
	profile := query.Get("schema_profile")
	if profile == "" {
		profile = tsk.Payload.SchemaProfile
	}
	page, ok := intQuery(r, "page", 1)
	if !ok || page < 0 {
		writeError(w, http.StatusBadRequest, "page must be a non-negative integer")
		return
	}
	pageSize, ok := intQuery(r, "page_size", 0)
	if !ok || pageSize < 0 {
		writeError(w, http.StatusBadRequest, "page_size must be a non-negative integer")
		return
	}

	filters := results.Filters{}
	for name, values := range query {
		if _, reserved := resultsReservedParams[name]; reserved || len(values) == 0 {
			continue
		}
		filters[name] = coerceFilterValue(values[0])
	}

	opts := results.Options{
		Profile:  profile,
		Fields:   splitComma(query.Get("fields")),
		Filters:  filters,
		Page:     page,
		PageSize: pageSize,
	}

	// Render validates the projection before writing anything, so argument
	// errors can still produce a clean error response.
	rendered, err := results.RenderString(data, opts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, rendered)
}

func coerceFilterValue(raw string) any {
	switch raw {
	case "true":
		return true
	case "false":
		return false
	default:
		return raw
	}
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	updated, err := s.store.UpdateStatus(taskID, task.StatusCancelled,
		task.WithError("cancelled by client request"))
	if err != nil {
		switch {
		case errors.Is(err, task.ErrTaskNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, task.ErrInvalidTransition):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id": updated.ID,
		"status":  updated.Status,
	})
}

var knownStatuses = map[task.Status]struct{}{
	task.StatusQueued:    {},
	task.StatusRunning:   {},
	task.StatusCompleted: {},
	task.StatusFailed:    {},
	task.StatusTimeout:   {},
	task.StatusCancelled: {},
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	status := task.Status(query.Get("status"))
	if status != "" {
		if _, ok := knownStatuses[status]; !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
			return
		}
	}
	limit, ok := intQuery(r, "limit", 100)
	if !ok || limit < 0 {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}

	tasks, err := s.store.List(task.Filter{
		Status:      status,
		ScannerPool: query.Get("scanner_pool"),
		Target:      query.Get("target"),
	}, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks": tasks,
		"total": len(tasks),
	})
}
