// Package budget rejects work that would exceed a per-task budget, the
// session ceiling, or the rolling-hour rate limit, and keeps the append-only
// spend log.
package budget

import (
	"fmt"
	"sync"
	"time"

	"arbiter/internal/types"
)

// Default ceilings, overridable at construction.
const (
	DefaultSessionCeilingUSD = 50.0
	DefaultHourlyCapUSD      = 20.0
)

// Decision is the outcome of a budget check.
type Decision struct {
	Allowed          bool
	RemainingDollars float64
	Reason           string
}

// Config bounds an Engine.
type Config struct {
	SessionCeilingUSD float64
	HourlyCapUSD      float64
}

// Engine tracks spend. Safe for concurrent use; the worker pool may exceed
// concurrency 1.
type Engine struct {
	mu             sync.Mutex
	sessionCeiling float64
	hourlyCap      float64
	records        []types.CostRecord
	perTask        map[string]float64
	perAgent       map[string]float64
	sessionSpend   float64
	now            func() time.Time
}

// New creates an Engine; zero config fields take the documented defaults.
func New(cfg Config) *Engine {
	if cfg.SessionCeilingUSD <= 0 {
		cfg.SessionCeilingUSD = DefaultSessionCeilingUSD
	}
	if cfg.HourlyCapUSD <= 0 {
		cfg.HourlyCapUSD = DefaultHourlyCapUSD
	}
	return &Engine{
		sessionCeiling: cfg.SessionCeilingUSD,
		hourlyCap:      cfg.HourlyCapUSD,
		perTask:        make(map[string]float64),
		perAgent:       make(map[string]float64),
		now:            time.Now,
	}
}

// CheckBudget applies the three ceilings in order: task cap, session
// ceiling, rolling hour. The first failure short-circuits. A zero taskCap
// means the task carries no individual cap.
func (e *Engine) CheckBudget(taskID, agentID string, taskCapUSD, estimateUSD float64) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	if taskCapUSD > 0 {
		spent := e.perTask[taskID]
		if spent+estimateUSD > taskCapUSD {
			return Decision{
				RemainingDollars: taskCapUSD - spent,
				Reason: fmt.Sprintf("task budget exceeded: spent $%.4f + estimate $%.4f > cap $%.2f",
					spent, estimateUSD, taskCapUSD),
			}
		}
	}

	if e.sessionSpend+estimateUSD > e.sessionCeiling {
		return Decision{
			RemainingDollars: e.sessionCeiling - e.sessionSpend,
			Reason: fmt.Sprintf("session ceiling exceeded: spent $%.4f + estimate $%.4f > ceiling $%.2f",
				e.sessionSpend, estimateUSD, e.sessionCeiling),
		}
	}

	hourly := e.hourlySpendLocked()
	if hourly+estimateUSD > e.hourlyCap {
		return Decision{
			RemainingDollars: e.hourlyCap - hourly,
			Reason: fmt.Sprintf("hourly cap exceeded: spent $%.4f + estimate $%.4f > cap $%.2f",
				hourly, estimateUSD, e.hourlyCap),
		}
	}

	return Decision{Allowed: true, RemainingDollars: e.sessionCeiling - e.sessionSpend}
}

// RecordCost appends a spend entry and updates the aggregates.
func (e *Engine) RecordCost(record types.CostRecord) {
	if record.Timestamp.IsZero() {
		record.Timestamp = e.now()
	}
	e.mu.Lock()
	e.records = append(e.records, record)
	e.perTask[record.TaskID] += record.Dollars
	e.perAgent[record.AgentID] += record.Dollars
	e.sessionSpend += record.Dollars
	e.mu.Unlock()
}

// TaskSpend returns the recorded spend for a task.
func (e *Engine) TaskSpend(taskID string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.perTask[taskID]
}

// AgentSpend returns the recorded spend for an agent.
func (e *Engine) AgentSpend(agentID string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.perAgent[agentID]
}

// SessionSpend returns the total spend this process lifetime.
func (e *Engine) SessionSpend() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionSpend
}

// Usage summarizes total tokens and dollars for the status endpoint.
func (e *Engine) Usage() (tokens int, dollars float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.records {
		tokens += r.InputTokens + r.OutputTokens
	}
	return tokens, e.sessionSpend
}

func (e *Engine) hourlySpendLocked() float64 {
	cutoff := e.now().Add(-time.Hour)
	var sum float64
	for i := len(e.records) - 1; i >= 0; i-- {
		if e.records[i].Timestamp.Before(cutoff) {
			break
		}
		sum += e.records[i].Dollars
	}
	return sum
}
