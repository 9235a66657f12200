package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nessusdhq/nessusd/internal/breaker"
	"github.com/nessusdhq/nessusd/internal/queue"
	"github.com/nessusdhq/nessusd/internal/registry"
	"github.com/nessusdhq/nessusd/internal/task"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.queue.Client().Ping(ctx).Err(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"error":  "redis: " + err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
}

func (s *Server) handleListScanners(w http.ResponseWriter, r *http.Request) {
	instances := s.registry.ListInstances(r.URL.Query().Get("pool"))
	if instances == nil {
		instances = []registry.InstanceStatus{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scanners": instances,
		"total":    len(instances),
	})
}

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	var pools []*registry.PoolStatus
	for _, name := range s.registry.ListPools() {
		status, err := s.registry.GetPoolStatus(name)
		if err != nil {
			continue
		}
		pools = append(pools, status)
	}
	if pools == nil {
		pools = []*registry.PoolStatus{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pools":        pools,
		"default_pool": s.registry.GetDefaultPool(),
	})
}

type poolDetail struct {
	*registry.PoolStatus
	QueueDepth int64              `json:"queue_depth"`
	DLQDepth   int64              `json:"dlq_depth"`
	Breakers   []breaker.Snapshot `json:"breakers"`
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	pool := chi.URLParam(r, "pool")
	status, err := s.registry.GetPoolStatus(pool)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	depth, err := s.queue.Depth(r.Context(), pool)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	dlqDepth, err := s.queue.DLQDepth(r.Context(), pool)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	detail := poolDetail{
		PoolStatus: status,
		QueueDepth: depth,
		DLQDepth:   dlqDepth,
		Breakers:   []breaker.Snapshot{},
	}
	for _, snap := range s.breakers.Snapshots() {
		if strings.HasPrefix(snap.Name, pool+"/") {
			detail.Breakers = append(detail.Breakers, snap)
		}
	}
	writeJSON(w, http.StatusOK, detail)
}

type queueStatus struct {
	Pool     string         `json:"pool"`
	Depth    int64          `json:"depth"`
	DLQDepth int64          `json:"dlq_depth"`
	Next     []*queue.Entry `json:"next"`
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	pools := s.registry.ListPools()
	if pool := r.URL.Query().Get("pool"); pool != "" {
		if _, err := s.registry.GetPoolStatus(pool); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		pools = []string{pool}
	}

	statuses := make([]queueStatus, 0, len(pools))
	for _, pool := range pools {
		depth, err := s.queue.Depth(r.Context(), pool)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		dlqDepth, err := s.queue.DLQDepth(r.Context(), pool)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		next, err := s.queue.Peek(r.Context(), pool, 5)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if next == nil {
			next = []*queue.Entry{}
		}
		statuses = append(statuses, queueStatus{
			Pool:     pool,
			Depth:    depth,
			DLQDepth: dlqDepth,
			Next:     next,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": statuses})
}

func (s *Server) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	pool := chi.URLParam(r, "pool")
	if _, err := s.registry.GetPoolStatus(pool); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	entries, err := s.queue.ListDLQ(r.Context(), pool, 0, -1)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []*queue.DeadEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pool":    pool,
		"entries": entries,
		"total":   len(entries),
	})
}

func (s *Server) handleRetryDLQ(w http.ResponseWriter, r *http.Request) {
	pool := chi.URLParam(r, "pool")
	taskID := chi.URLParam(r, "taskID")

	entry, err := s.queue.RetryDLQ(r.Context(), taskID, pool)
	if err != nil {
		if errors.Is(err, queue.ErrEntryNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// The record is terminally failed at this point; reset it so the worker
	// will pick the replayed entry up.
	if _, err := s.store.Requeue(taskID); err != nil && !errors.Is(err, task.ErrTaskNotFound) {
		log.Printf("API: requeue task %s after DLQ retry: %v", taskID, err)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"task_id": entry.TaskID,
		"pool":    pool,
		"status":  task.StatusQueued,
	})
}

func (s *Server) handleClearDLQ(w http.ResponseWriter, r *http.Request) {
	pool := chi.URLParam(r, "pool")
	if _, err := s.registry.GetPoolStatus(pool); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	var before *time.Time
	if raw := r.URL.Query().Get("before"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "before must be an RFC 3339 timestamp")
			return
		}
		before = &parsed
	}

	removed, err := s.queue.ClearDLQ(r.Context(), pool, before)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pool":    pool,
		"removed": removed,
	})
}
