package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nessusdhq/nessusd/internal/queue"
	"github.com/nessusdhq/nessusd/internal/registry"
	"github.com/nessusdhq/nessusd/internal/task"
)

var (
	registerOnce sync.Once

	tasksProcessed *prometheus.CounterVec
	tasksEnqueued  *prometheus.CounterVec
	scanDuration   *prometheus.HistogramVec
	breakerTrips   *prometheus.CounterVec
)

// Register wires the process-wide collectors. Queue and pool depths are
// sampled lazily at scrape time; task outcomes are pushed by the worker.
func Register(q *queue.Queue, reg *registry.Registry, pools []string) {
	registerOnce.Do(func() {
		tasksProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nessusd",
			Name:      "tasks_processed_total",
			Help:      "Number of scan tasks finished, by pool and terminal status.",
		}, []string{"pool", "status"})
		tasksEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nessusd",
			Name:      "tasks_enqueued_total",
			Help:      "Number of scan tasks accepted and enqueued, by pool.",
		}, []string{"pool"})
		scanDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nessusd",
			Name:      "scan_duration_seconds",
			Help:      "Wall-clock duration of scans from start to terminal status.",
			Buckets:   prometheus.ExponentialBuckets(30, 2, 12),
		}, []string{"pool"})
		breakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nessusd",
			Name:      "breaker_rejections_total",
			Help:      "Number of scanner calls refused by an open circuit breaker.",
		}, []string{"scanner"})

		prometheus.MustRegister(tasksProcessed, tasksEnqueued, scanDuration, breakerTrips)

		if q != nil {
			for _, pool := range pools {
				pool := pool
				prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
					Namespace:   "nessusd",
					Name:        "queue_depth",
					Help:        "Number of entries waiting in the pool queue.",
					ConstLabels: prometheus.Labels{"pool": pool},
				}, func() float64 {
					ctx, cancel := context.WithTimeout(context.Background(), time.Second)
					defer cancel()
					depth, err := q.Depth(ctx, pool)
					if err != nil {
						return 0
					}
					return float64(depth)
				}))
				prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
					Namespace:   "nessusd",
					Name:        "dlq_depth",
					Help:        "Number of entries in the pool dead-letter set.",
					ConstLabels: prometheus.Labels{"pool": pool},
				}, func() float64 {
					ctx, cancel := context.WithTimeout(context.Background(), time.Second)
					defer cancel()
					depth, err := q.DLQDepth(ctx, pool)
					if err != nil {
						return 0
					}
					return float64(depth)
				}))
			}
		}

		if reg != nil {
			for _, pool := range pools {
				pool := pool
				prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
					Namespace:   "nessusd",
					Name:        "active_scans",
					Help:        "Number of scans currently held against pool instances.",
					ConstLabels: prometheus.Labels{"pool": pool},
				}, func() float64 {
					status, err := reg.GetPoolStatus(pool)
					if err != nil {
						return 0
					}
					return float64(status.ActiveScans)
				}))
			}
		}
	})
}

// TaskEnqueued counts an accepted submission.
func TaskEnqueued(pool string) {
	if tasksEnqueued != nil {
		tasksEnqueued.WithLabelValues(pool).Inc()
	}
}

// TaskProcessed counts a task reaching a terminal status.
func TaskProcessed(pool string, status task.Status) {
	if tasksProcessed != nil {
		tasksProcessed.WithLabelValues(pool, string(status)).Inc()
	}
}

// ObserveScanDuration records how long a scan held a worker slot.
func ObserveScanDuration(pool string, d time.Duration) {
	if scanDuration != nil {
		scanDuration.WithLabelValues(pool).Observe(d.Seconds())
	}
}

// BreakerRejected counts a scanner call refused by an open breaker.
func BreakerRejected(scannerKey string) {
	if breakerTrips != nil {
		breakerTrips.WithLabelValues(scannerKey).Inc()
	}
}
