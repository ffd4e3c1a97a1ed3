// Package interrupt provides the shared halt-and-resume signal consulted by
// the task pipeline before every expensive step.
package interrupt

import (
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"

	"arbiter/internal/logging"
)

// HaltReason classifies who or what halted a task.
type HaltReason string

const (
	ReasonUser           HaltReason = "user"
	ReasonPolicy         HaltReason = "policy"
	ReasonConfidence     HaltReason = "confidence"
	ReasonBudget         HaltReason = "budget"
	ReasonCircuitBreaker HaltReason = "circuit_breaker"
)

// Record is one halt signal. Created by Halt, destroyed by Resume or TTL.
type Record struct {
	TaskID   string     `json:"task_id"`
	Reason   HaltReason `json:"reason"`
	Message  string     `json:"message,omitempty"`
	HaltedAt time.Time  `json:"halted_at"`
}

// State is the result of a GetState lookup.
type State struct {
	IsHalted bool
	Record   *Record
}

// InterruptedError signals cooperative cancellation. Callers treat it as
// distinct from task failure.
type InterruptedError struct {
	TaskID string
	Reason HaltReason
}

func (e *InterruptedError) Error() string {
	return fmt.Sprintf("task %s interrupted (%s)", e.TaskID, e.Reason)
}

// Store holds halt records with a bounded lifetime so a crashed caller can
// never wedge a task forever.
type Store struct {
	cache  *cache.Cache
	logger logging.Logger
}

// NewStore creates a Store whose records expire after ttl (default 1 hour).
func NewStore(ttl time.Duration, logger logging.Logger) *Store {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{
		cache:  cache.New(ttl, 10*time.Minute),
		logger: logging.OrNop(logger),
	}
}

// Halt writes a halt record for the task. A second Halt overwrites the first.
func (s *Store) Halt(taskID string, reason HaltReason, message string) {
	rec := &Record{
		TaskID:   taskID,
		Reason:   reason,
		Message:  message,
		HaltedAt: time.Now(),
	}
	s.cache.SetDefault(taskID, rec)
	s.logger.Info("interrupt: task %s halted (%s)", taskID, reason)
}

// Resume clears the halt record if present.
func (s *Store) Resume(taskID string) {
	s.cache.Delete(taskID)
	s.logger.Info("interrupt: task %s resumed", taskID)
}

// IsHalted reports whether a live halt record exists for the task.
func (s *Store) IsHalted(taskID string) bool {
	return s.lookup(taskID) != nil
}

// GetState returns the halt state plus the record when halted.
func (s *Store) GetState(taskID string) State {
	rec := s.lookup(taskID)
	return State{IsHalted: rec != nil, Record: rec}
}

// GuardOrThrow returns *InterruptedError when the task is halted; the
// pipeline calls this at its guard points and propagates the error up.
func (s *Store) GuardOrThrow(taskID string) error {
	if rec := s.lookup(taskID); rec != nil {
		return &InterruptedError{TaskID: taskID, Reason: rec.Reason}
	}
	return nil
}

// ListHalted returns the IDs of all tasks with a live halt record.
func (s *Store) ListHalted() []string {
	items := s.cache.Items()
	ids := make([]string, 0, len(items))
	for key, item := range items {
		if _, ok := item.Object.(*Record); ok {
			ids = append(ids, key)
		}
	}
	return ids
}

// lookup fetches the record for a task. Entries that do not hold a *Record
// are treated as corrupted: deleted and reported as not halted.
func (s *Store) lookup(taskID string) *Record {
	v, found := s.cache.Get(taskID)
	if !found {
		return nil
	}
	rec, ok := v.(*Record)
	if !ok {
		s.logger.Warn("interrupt: corrupted record for task %s, clearing", taskID)
		s.cache.Delete(taskID)
		return nil
	}
	return rec
}
