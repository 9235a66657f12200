package sweeper

import (
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nessusdhq/nessusd/internal/config"
	"github.com/nessusdhq/nessusd/internal/task"
)

// Sweeper deletes terminal task directories past their retention window.
// Completed tasks age out faster than failed or timed-out ones so triage
// material sticks around; queued and running tasks are never touched.
type Sweeper struct {
	cron  *cron.Cron
	store *task.Store
	cfg   config.SweeperConfig

	now func() time.Time
}

func New(store *task.Store, cfg config.SweeperConfig) *Sweeper {
	return &Sweeper{
		cron:  cron.New(),
		store: store,
		cfg:   cfg,
		now:   time.Now,
	}
}

func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.Sweep(); err != nil {
			log.Printf("Sweeper: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.cfg.Schedule, err)
	}
	s.cron.Start()
	log.Printf("Sweeper started: schedule %q, completed TTL %s, failed TTL %s",
		s.cfg.Schedule, s.cfg.CompletedTTL, s.cfg.FailedTTL)
	return nil
}

func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Sweep runs one retention pass and returns how many tasks it removed.
func (s *Sweeper) Sweep() (int, error) {
	tasks, err := s.store.List(task.Filter{}, 0)
	if err != nil {
		return 0, err
	}

	now := s.now()
	removed := 0
	for _, t := range tasks {
		ttl, ok := s.retention(t.Status)
		if !ok || t.CompletedAt == nil {
			continue
		}
		if now.Sub(*t.CompletedAt) < ttl {
			continue
		}
		if err := s.store.Delete(t.ID); err != nil {
			log.Printf("Sweeper: delete %s: %v", t.ID, err)
			continue
		}
		removed++
	}

	if removed > 0 {
		log.Printf("Sweeper: removed %d expired tasks", removed)
	}
	return removed, nil
}

func (s *Sweeper) retention(status task.Status) (time.Duration, bool) {
	switch status {
	case task.StatusCompleted:
		return s.cfg.CompletedTTL, true
	case task.StatusFailed, task.StatusTimeout, task.StatusCancelled:
		return s.cfg.FailedTTL, true
	default:
		return 0, false
	}
}
