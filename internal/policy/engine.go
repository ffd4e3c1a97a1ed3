// Package policy converts a boot-time policy (hard constraints, escalation
// triggers, confidence map) into the runtime defenses no task instruction can
// subvert: input sanitization, constraint re-injection, task admission,
// output validation, and the idempotency ledger.
package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"arbiter/internal/types"
)

var (
	// ErrNotBooted is returned when an accessor runs before Boot.
	ErrNotBooted = errors.New("policy engine not booted")
	// ErrAlreadyBooted is returned by a second Boot call.
	ErrAlreadyBooted = errors.New("policy engine already booted")
)

// BlockedError reports that the engine refused a task.
type BlockedError struct {
	Reason     string
	Violations []string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("policy blocked: %s", e.Reason)
}

// TaskCheck is the admission decision for one envelope.
type TaskCheck struct {
	Allowed    bool
	Reason     string
	Violations []string
}

// violationRatio is the keyword-overlap ratio above which candidate text is
// considered to violate a constraint rule.
const violationRatio = 0.7

// Engine holds the boot-locked policy. All fields are written exactly once
// by Boot and treated as read-only afterwards; accessors return copies.
type Engine struct {
	mu            sync.RWMutex
	booted        bool
	constraints   []types.Constraint
	triggers      []types.Trigger
	confidenceMap []types.ConfidenceRange

	constraintMsg string // built once at boot; byte-identical on every call

	ledger *cache.Cache // idempotency key -> previous result
}

// New creates an unbooted engine. Every accessor fails with ErrNotBooted
// until Boot succeeds.
func New() *Engine {
	return &Engine{
		ledger: cache.New(cache.NoExpiration, 10*time.Minute),
	}
}

// Boot locks the policy. It deep-copies all three structures so later
// mutation of the caller's slices cannot reach the locked records, and it
// may be called exactly once per process.
func (e *Engine) Boot(constraints []types.Constraint, triggers []types.Trigger, confidenceMap []types.ConfidenceRange) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.booted {
		return ErrAlreadyBooted
	}

	e.constraints = copyConstraints(constraints)
	e.triggers = copyTriggers(triggers)
	e.confidenceMap = make([]types.ConfidenceRange, len(confidenceMap))
	copy(e.confidenceMap, confidenceMap)
	sort.SliceStable(e.confidenceMap, func(i, j int) bool {
		return e.confidenceMap[i].Min < e.confidenceMap[j].Min
	})

	e.constraintMsg = renderConstraintBlock(e.constraints)
	e.booted = true
	return nil
}

// Booted reports whether Boot has completed.
func (e *Engine) Booted() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.booted
}

// Constraints returns a copy of the locked constraints.
func (e *Engine) Constraints() ([]types.Constraint, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.booted {
		return nil, ErrNotBooted
	}
	return copyConstraints(e.constraints), nil
}

// Triggers returns a copy of the locked triggers.
func (e *Engine) Triggers() ([]types.Trigger, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.booted {
		return nil, ErrNotBooted
	}
	return copyTriggers(e.triggers), nil
}

// Judgment assembles the locked judgment profile attached to envelopes.
func (e *Engine) Judgment() (types.ExpertJudgment, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.booted {
		return types.ExpertJudgment{}, ErrNotBooted
	}
	cm := make([]types.ConfidenceRange, len(e.confidenceMap))
	copy(cm, e.confidenceMap)
	return types.ExpertJudgment{
		Triggers:      copyTriggers(e.triggers),
		Constraints:   copyConstraints(e.constraints),
		ConfidenceMap: cm,
		Version:       1,
	}, nil
}

// BuildConstraintMessage emits the system message prepended to every LLM
// call. The block is rendered once at boot so every call sees identical bytes.
func (e *Engine) BuildConstraintMessage() (types.TaggedMessage, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.booted {
		return types.TaggedMessage{}, ErrNotBooted
	}
	return types.SystemMessage(e.constraintMsg), nil
}

// CheckTask decides whether an envelope may run: its spec must not match a
// constraint, its estimate must fit the security budget, and approval
// requirements surface as a block with the approval reason.
func (e *Engine) CheckTask(env *types.TaskEnvelope) (TaskCheck, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.booted {
		return TaskCheck{}, ErrNotBooted
	}

	var violations []string
	for _, c := range e.constraints {
		if overlapRatio(c.Rule, env.Task.Spec) > violationRatio {
			violations = append(violations, c.ID)
		}
	}
	if len(violations) > 0 {
		return TaskCheck{
			Allowed:    false,
			Reason:     "task spec matches hard constraint",
			Violations: violations,
		}, nil
	}

	if env.Security.MaxSpendDollars > 0 && env.Task.EstimatedDollars > env.Security.MaxSpendDollars {
		return TaskCheck{
			Allowed: false,
			Reason: fmt.Sprintf("estimated cost $%.4f exceeds max spend $%.2f",
				env.Task.EstimatedDollars, env.Security.MaxSpendDollars),
		}, nil
	}

	if env.Security.RequiresApproval {
		reason := env.Security.ApprovalReason
		if reason == "" {
			reason = "approval required"
		}
		return TaskCheck{Allowed: false, Reason: "approval_required: " + reason}, nil
	}

	return TaskCheck{Allowed: true}, nil
}

// ApprovalRequirement scans a task spec against the locked escalation
// triggers before any model call. A matching trigger marks the task as
// requiring human approval at admission; an unbooted engine requires nothing.
func (e *Engine) ApprovalRequirement(spec string) (bool, string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.booted {
		return false, ""
	}
	lower := strings.ToLower(spec)
	for _, t := range e.triggers {
		for _, pattern := range t.Patterns {
			if pattern == "" {
				continue
			}
			if strings.Contains(lower, strings.ToLower(pattern)) {
				return true, fmt.Sprintf("spec matches escalation trigger %s (%s)", t.ID, pattern)
			}
		}
	}
	return false, ""
}

// IsAdapterAllowed reports whether the envelope's security context permits
// the adapter. An empty allow-set denies everything.
func (e *Engine) IsAdapterAllowed(adapterID string, env *types.TaskEnvelope) bool {
	if env == nil || env.Security.AllowedAdapters == nil {
		return false
	}
	return env.Security.AllowedAdapters[adapterID]
}

// ConfidenceDecision walks the locked confidence map. Confidence below every
// range defaults to escalate, matching the requires-review fallback.
func (e *Engine) ConfidenceDecision(confidence float64) (types.ConfidenceAction, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.booted {
		return "", ErrNotBooted
	}
	return decideConfidence(e.confidenceMap, confidence), nil
}

func decideConfidence(ranges []types.ConfidenceRange, confidence float64) types.ConfidenceAction {
	for _, r := range ranges {
		if confidence >= r.Min && confidence <= r.Max {
			return r.Action
		}
	}
	return types.ConfidenceEscalate
}

// ValidateOutput checks a completion against the locked constraints and
// triggers and derives the confidence decision. Violations are returned as
// structured results, never as errors; the orchestrator decides what to do.
func (e *Engine) ValidateOutput(content string, confidence float64) (types.LensedResult, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.booted {
		return types.LensedResult{}, ErrNotBooted
	}

	result := types.LensedResult{
		Content:    content,
		Confidence: confidence,
	}

	for _, c := range e.constraints {
		if overlapRatio(c.Rule, content) > violationRatio {
			result.ConstraintViolation = true
			result.ViolatedConstraints = append(result.ViolatedConstraints, c.ID)
		}
	}

	lower := strings.ToLower(content)
	for _, t := range e.triggers {
		for _, pattern := range t.Patterns {
			if pattern == "" {
				continue
			}
			if strings.Contains(lower, strings.ToLower(pattern)) {
				result.Escalate = true
				result.MatchedTriggers = append(result.MatchedTriggers, t.ID)
				break
			}
		}
	}

	result.ConfidenceDecision = decideConfidence(e.confidenceMap, confidence)
	result.RequiresReview = result.ConfidenceDecision != types.ConfidenceAct
	return result, nil
}

// overlapRatio scores keyword overlap between a constraint rule and candidate
// text: the share of rule tokens longer than 3 characters present in the
// candidate. The heuristic is deliberately replaceable by a semantic
// classifier without changing the contract.
func overlapRatio(rule, candidate string) float64 {
	ruleTokens := significantTokens(rule)
	if len(ruleTokens) == 0 {
		return 0
	}
	candidateSet := make(map[string]bool)
	for _, tok := range significantTokens(candidate) {
		candidateSet[tok] = true
	}
	matched := 0
	for _, tok := range ruleTokens {
		if candidateSet[tok] {
			matched++
		}
	}
	return float64(matched) / float64(len(ruleTokens))
}

func significantTokens(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	var out []string
	for _, f := range fields {
		if len(f) > 3 {
			out = append(out, f)
		}
	}
	return out
}

func copyConstraints(in []types.Constraint) []types.Constraint {
	out := make([]types.Constraint, len(in))
	copy(out, in)
	return out
}

func copyTriggers(in []types.Trigger) []types.Trigger {
	out := make([]types.Trigger, len(in))
	for i, t := range in {
		patterns := make([]string, len(t.Patterns))
		copy(patterns, t.Patterns)
		t.Patterns = patterns
		out[i] = t
	}
	return out
}
