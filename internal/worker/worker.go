package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/nessusdhq/nessusd/internal/breaker"
	"github.com/nessusdhq/nessusd/internal/config"
	"github.com/nessusdhq/nessusd/internal/queue"
	"github.com/nessusdhq/nessusd/internal/registry"
	"github.com/nessusdhq/nessusd/internal/task"
)

// Worker consumes pool queues and drives scans to a terminal status on the
// upstream scanners. Concurrency is bounded by running one process loop per
// allowed in-flight scan.
type Worker struct {
	id       string
	queue    *queue.Queue
	store    *task.Store
	registry *registry.Registry
	breakers *breaker.Registry
	cfg      config.WorkerConfig

	wg sync.WaitGroup
	// loopCtx stops dequeueing; taskCtx hard-cancels in-flight scans once
	// the drain window closes.
	loopCtx    context.Context
	loopCancel context.CancelFunc
	taskCtx    context.Context
	taskCancel context.CancelFunc
}

func New(q *queue.Queue, store *task.Store, reg *registry.Registry, breakers *breaker.Registry, cfg config.WorkerConfig) *Worker {
	hostname, _ := os.Hostname()

	loopCtx, loopCancel := context.WithCancel(context.Background())
	taskCtx, taskCancel := context.WithCancel(context.Background())

	return &Worker{
		id:         fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		queue:      q,
		store:      store,
		registry:   reg,
		breakers:   breakers,
		cfg:        cfg,
		loopCtx:    loopCtx,
		loopCancel: loopCancel,
		taskCtx:    taskCtx,
		taskCancel: taskCancel,
	}
}

func (w *Worker) Start() {
	log.Printf("Starting worker %s: pools %v, max %d concurrent scans", w.id, w.cfg.Pools, w.cfg.MaxConcurrentScans)

	for i := 0; i < w.cfg.MaxConcurrentScans; i++ {
		w.wg.Add(1)
		go w.processLoop(i)
	}
}

// Stop halts dequeueing and waits up to the drain timeout for in-flight
// scans. Tasks still running at the hard deadline stay `running` in storage;
// no recovery is attempted on restart.
func (w *Worker) Stop() {
	log.Printf("Stopping worker %s, draining for up to %s", w.id, w.cfg.DrainTimeout)
	w.loopCancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(w.cfg.DrainTimeout):
		log.Printf("Worker %s drain deadline reached, abandoning in-flight scans", w.id)
		w.taskCancel()
		<-done
	}
	w.taskCancel()
	log.Printf("Worker %s stopped", w.id)
}

func (w *Worker) processLoop(n int) {
	defer w.wg.Done()

	workerID := fmt.Sprintf("%s-%d", w.id, n)
	log.Printf("Worker goroutine %s started", workerID)

	for {
		select {
		case <-w.loopCtx.Done():
			log.Printf("Worker goroutine %s shutting down", workerID)
			return
		default:
		}

		entry, err := w.queue.DequeueAny(w.loopCtx, w.cfg.Pools, w.cfg.DequeueTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			log.Printf("Worker %s dequeue error: %v", workerID, err)
			time.Sleep(5 * time.Second)
			continue
		}
		if entry == nil {
			continue
		}

		w.process(entry)
	}
}
