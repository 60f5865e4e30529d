// Package queue schedules queued attempts against the persisted
// concurrency limit. All claims go through a conditional row update in
// the store; the queue itself holds no authoritative state.
package queue

import (
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/buildlane/autopilot/internal/domain"
	"github.com/buildlane/autopilot/internal/store"
)

// Limits resolves the per-project concurrency cap. Implementations may
// be backed by live-reloaded config.
type Limits interface {
	MaxParallel(projectID string) int
}

// StaticLimits applies the same cap to every project
type StaticLimits int

func (l StaticLimits) MaxParallel(string) int { return int(l) }

// Scheduler claims queued attempts within the concurrency limit
type Scheduler struct {
	store  *store.Store
	limits Limits
}

// New creates a Scheduler over the given store
func New(st *store.Store, limits Limits) *Scheduler {
	if limits == nil {
		limits = StaticLimits(1)
	}
	return &Scheduler{store: st, limits: limits}
}

// Enqueue appends a work item as a queued attempt. Attempt IDs are ULIDs,
// so lexical order matches enqueue order.
func (s *Scheduler) Enqueue(item domain.WorkItem) (*domain.Attempt, error) {
	a := &domain.Attempt{
		ID:        ulid.Make().String(),
		TaskID:    item.TaskID,
		ProjectID: item.ProjectID,
		Status:    domain.AttemptQueued,
		QueuedAt:  time.Now(),
	}
	if err := s.store.CreateAttempt(a); err != nil {
		return nil, err
	}
	return a, nil
}

// TryStartNext attempts to claim the oldest queued attempt for a project.
// ok=false means there was nothing to start or the slot race was lost;
// the next completion event re-triggers scheduling.
func (s *Scheduler) TryStartNext(projectID string) (*domain.Attempt, bool, error) {
	return s.store.ClaimNextQueued(projectID, s.limits.MaxParallel(projectID))
}

// HasAvailableSlot reports whether the project is under its running cap
func (s *Scheduler) HasAvailableSlot(projectID string) (bool, error) {
	running, err := s.store.CountRunningAttempts(projectID)
	if err != nil {
		return false, err
	}
	return running < s.limits.MaxParallel(projectID), nil
}

// QueuePosition returns an attempt's 1-indexed FIFO position, or ok=false
// when the attempt is not queued
func (s *Scheduler) QueuePosition(attemptID string) (int, bool, error) {
	return s.store.QueuePosition(attemptID)
}
