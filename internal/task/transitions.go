package task

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidTransition = errors.New("invalid transition")

// The status field is only ever written through Apply; every other writer
// goes through the store, which calls Apply before persisting.
var transitions = map[Status][]Status{
	StatusQueued:    {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusTimeout:   {},
	StatusCancelled: {},
}

func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Apply moves a task to the next status, stamping started_at on the first
// entry into running and completed_at on any terminal state. Non-completed
// terminals must carry an error message; the caller sets it before or
// alongside the transition.
func Apply(t *Task, next Status) error {
	if !CanTransition(t.Status, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, next)
	}

	now := time.Now().UTC()
	if next == StatusRunning && t.StartedAt == nil {
		t.StartedAt = &now
	}
	if next.Terminal() && t.CompletedAt == nil {
		t.CompletedAt = &now
	}
	t.Status = next
	return nil
}
