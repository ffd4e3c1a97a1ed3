// Package breaker prevents runaway reasoning loops (iteration caps,
// no-progress streaks, near-duplicate output detection) and shields the
// system from degraded providers with a rolling-window health breaker.
package breaker

import (
	"fmt"
	"sync"
	"time"
)

// Severity of a trip event.
type Severity string

const (
	SeveritySoft Severity = "soft"
	SeverityHard Severity = "hard"
)

// Trip reasons.
const (
	ReasonMaxIterations   = "max_iterations"
	ReasonNoProgress      = "no_progress"
	ReasonDuplicateOutput = "duplicate_output"
)

// TripEvent describes one breaker decision.
type TripEvent struct {
	TaskID    string            `json:"task_id"`
	Reason    string            `json:"reason"`
	Severity  Severity          `json:"severity"`
	Iteration int               `json:"iteration"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
	Details   map[string]string `json:"details,omitempty"`
}

// TrippedError is returned for hard trips. Soft trips never error; they are
// advisory events the caller must inject as a system message on the next
// model call.
type TrippedError struct {
	Event TripEvent
}

func (e *TrippedError) Error() string {
	return fmt.Sprintf("circuit breaker tripped (%s/%s): %s", e.Event.Reason, e.Event.Severity, e.Event.Message)
}

// Config holds the per-task trip thresholds.
type Config struct {
	MaxIterations      int           // hard cap on LLM iterations per task
	MaxNoProgress      int           // consecutive iterations without a tool call
	DuplicateThreshold float64       // Jaccard similarity at or above which output repeats
	DuplicateWindow    int           // recent outputs kept per task
	ProviderWindow     time.Duration // rolling window for provider health
	RecoveryDelay      time.Duration // open -> half_open delay
}

func (c *Config) defaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 25
	}
	if c.MaxNoProgress <= 0 {
		c.MaxNoProgress = 5
	}
	if c.DuplicateThreshold <= 0 {
		c.DuplicateThreshold = 0.85
	}
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = 5
	}
	if c.ProviderWindow <= 0 {
		c.ProviderWindow = time.Minute
	}
	if c.RecoveryDelay <= 0 {
		c.RecoveryDelay = 30 * time.Second
	}
}

// taskState tracks one task's reasoning loop.
type taskState struct {
	count        int // BeforeIteration calls
	outputs      int // non-empty outputs observed
	streak       int // consecutive iterations without a tool call
	ring         []string
	startedAt    time.Time
	lastOutputAt time.Time
	tripped      bool
	trips        []TripEvent
}

// Breaker owns all per-task and per-provider state. Guarded for worker
// concurrency above 1.
type Breaker struct {
	mu        sync.Mutex
	cfg       Config
	tasks     map[string]*taskState
	providers map[string]*providerState
	now       func() time.Time
}

// New creates a Breaker; zero config fields take the documented defaults.
func New(cfg Config) *Breaker {
	cfg.defaults()
	return &Breaker{
		cfg:       cfg,
		tasks:     make(map[string]*taskState),
		providers: make(map[string]*providerState),
		now:       time.Now,
	}
}

// BeforeIteration must be called exactly once before each LLM call with the
// previous call's output (empty on the first iteration) and whether that
// iteration made a tool call. Hard trips return *TrippedError; soft trips
// are returned for the caller to inject as a system message.
func (b *Breaker) BeforeIteration(taskID, lastOutput string, hadToolCall bool) ([]TripEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.tasks[taskID]
	if st == nil {
		st = &taskState{startedAt: b.now()}
		b.tasks[taskID] = st
	}
	st.count++

	// Near-duplicate check runs against the ring before the candidate is
	// pushed, so an output never matches itself.
	if lastOutput != "" {
		st.outputs++
		st.lastOutputAt = b.now()
		for _, prev := range st.ring {
			sim := jaccard(prev, lastOutput)
			if sim >= b.cfg.DuplicateThreshold {
				return nil, b.hardTripLocked(st, TripEvent{
					TaskID:    taskID,
					Reason:    ReasonDuplicateOutput,
					Iteration: st.outputs,
					Message:   fmt.Sprintf("output repeats a recent response (similarity %.2f)", sim),
					Details:   map[string]string{"similarity": fmt.Sprintf("%.4f", sim)},
				})
			}
		}
		st.ring = append(st.ring, lastOutput)
		if len(st.ring) > b.cfg.DuplicateWindow {
			st.ring = st.ring[len(st.ring)-b.cfg.DuplicateWindow:]
		}
	}

	if hadToolCall {
		st.streak = 0
	} else if st.count > 1 {
		st.streak++
	}

	if st.count >= b.cfg.MaxIterations {
		return nil, b.hardTripLocked(st, TripEvent{
			TaskID:    taskID,
			Reason:    ReasonMaxIterations,
			Iteration: st.count,
			Message:   fmt.Sprintf("iteration limit reached (%d)", b.cfg.MaxIterations),
		})
	}
	if st.streak >= b.cfg.MaxNoProgress {
		return nil, b.hardTripLocked(st, TripEvent{
			TaskID:    taskID,
			Reason:    ReasonNoProgress,
			Iteration: st.count,
			Message:   fmt.Sprintf("%d consecutive iterations without a tool call", st.streak),
		})
	}

	var soft []TripEvent
	softCap := int(float64(b.cfg.MaxIterations) * 0.8)
	if st.count == softCap {
		soft = append(soft, b.softTripLocked(st, TripEvent{
			TaskID:    taskID,
			Reason:    ReasonMaxIterations,
			Iteration: st.count,
			Message: fmt.Sprintf("approaching iteration limit: %d of %d used; converge on a final answer",
				st.count, b.cfg.MaxIterations),
		}))
	}
	if st.streak == b.cfg.MaxNoProgress-1 {
		soft = append(soft, b.softTripLocked(st, TripEvent{
			TaskID:    taskID,
			Reason:    ReasonNoProgress,
			Iteration: st.count,
			Message:   "no tool call for several iterations; take a concrete action or finish",
		}))
	}
	return soft, nil
}

func (b *Breaker) hardTripLocked(st *taskState, event TripEvent) error {
	event.Severity = SeverityHard
	event.Timestamp = b.now()
	st.tripped = true
	st.trips = append(st.trips, event)
	return &TrippedError{Event: event}
}

func (b *Breaker) softTripLocked(st *taskState, event TripEvent) TripEvent {
	event.Severity = SeveritySoft
	event.Timestamp = b.now()
	st.trips = append(st.trips, event)
	return event
}

// IterationCount returns the number of iterations recorded for a task.
func (b *Breaker) IterationCount(taskID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.tasks[taskID]; st != nil {
		return st.count
	}
	return 0
}

// Trips returns the trip history for a task.
func (b *Breaker) Trips(taskID string) []TripEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.tasks[taskID]
	if st == nil {
		return nil
	}
	out := make([]TripEvent, len(st.trips))
	copy(out, st.trips)
	return out
}

// ResetTask drops the per-task state once the task reaches a terminal state.
func (b *Breaker) ResetTask(taskID string) {
	b.mu.Lock()
	delete(b.tasks, taskID)
	b.mu.Unlock()
}
