// Package learn closes the feedback loop: it subscribes to fix lifecycle
// events and folds each outcome into the pattern, calibration, and expert
// guide statistics in one atomic store update.
package learn

import (
	"codewarden/internal/bus"
	"codewarden/internal/logging"
	"codewarden/internal/store"
	"codewarden/internal/types"
)

// Outcome is the payload of fix_applied and fix_rejected events.
type Outcome = store.OutcomeUpdate

// Rollback is the payload of a fix_rolled_back event.
type Rollback = store.RollbackUpdate

// Subscriber records outcomes and rollbacks published on the bus.
type Subscriber struct {
	store *store.Store
	bus   *bus.Bus
}

// NewSubscriber wires a subscriber to the store.
func NewSubscriber(st *store.Store, b *bus.Bus) *Subscriber {
	return &Subscriber{store: st, bus: b}
}

// Register attaches the handlers. Call once at startup, before any worker
// publishes.
func (s *Subscriber) Register() {
	s.bus.Subscribe(bus.TopicFixApplied, s.onOutcome)
	s.bus.Subscribe(bus.TopicFixRejected, s.onOutcome)
	s.bus.Subscribe(bus.TopicFixRolledBack, s.onRollback)
}

func (s *Subscriber) onOutcome(payload interface{}) {
	u, ok := payload.(Outcome)
	if !ok {
		logging.Get(logging.CategoryLearning).Error("outcome event carried %T, dropping", payload)
		return
	}
	if err := s.store.RecordOutcome(u); err != nil {
		logging.Get(logging.CategoryLearning).Error("failed to record outcome for fix %s: %v", u.FixID, err)
		return
	}
	s.bus.Publish(bus.TopicPatternUpdated, u.Fingerprint)
	if u.TransitionTo == types.StatusResolved {
		s.bus.Publish(bus.TopicIssueResolved, u.IssueID)
	}
}

func (s *Subscriber) onRollback(payload interface{}) {
	u, ok := payload.(Rollback)
	if !ok {
		logging.Get(logging.CategoryLearning).Error("fix_rolled_back carried %T, dropping", payload)
		return
	}
	if err := s.store.RecordRollback(u); err != nil {
		logging.Get(logging.CategoryLearning).Error("failed to record rollback for fix %s: %v", u.FixID, err)
		return
	}
	s.bus.Publish(bus.TopicPatternUpdated, u.Fingerprint)
}
