package reinforce

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"arbiter/internal/logging"
	"arbiter/internal/storage"
)

// Parameter bounds and keys in the versioned store.
const (
	paramEscalationDelta = "escalation_delta"
	paramBudgetMult      = "budget_multiplier"
	paramQPrefix         = "q."
)

const (
	qMin, qMax                   = -1.0, 1.0
	escDeltaMin, escDeltaMax     = -0.2, 0.2
	budgetMultMin, budgetMultMax = 0.5, 2.0
)

// deltaCapFraction caps any single update to this share of a parameter's
// range.
const deltaCapFraction = 0.1

// Guardrail thresholds.
const (
	historySize      = 10
	freezeMinSamples = 5
	freezeVariance   = 0.6
	negStreakLimit   = 5
	alphaFloor       = 0.001
)

// Config tunes the loop.
type Config struct {
	Alpha float64 // initial learning rate, default 0.05
}

// keyState is the in-memory guardrail state per (company, agent, task-type).
type keyState struct {
	history   []float64
	alpha     float64
	negStreak int
}

// Loop consumes outcomes and maintains the versioned adaptive parameters.
// Errors from the loop are logged by callers, never propagated into task
// execution.
type Loop struct {
	mu     sync.Mutex
	cfg    Config
	params storage.ParamStore
	audit  storage.AuditStore
	state  map[string]*keyState
	logger logging.Logger
}

// NewLoop wires the loop to the adaptive stores.
func NewLoop(cfg Config, params storage.ParamStore, audit storage.AuditStore, logger logging.Logger) *Loop {
	if cfg.Alpha <= 0 {
		cfg.Alpha = 0.05
	}
	return &Loop{
		cfg:    cfg,
		params: params,
		audit:  audit,
		state:  make(map[string]*keyState),
		logger: logging.OrNop(logger),
	}
}

// paramKey mirrors the store's (company, agent, task-type) keying.
func paramKey(companyID, agentID, taskType string) string {
	return companyID + "/" + agentID + "/" + taskType
}

// bounds returns [min, max] for a parameter key.
func bounds(key string) (float64, float64) {
	switch key {
	case paramEscalationDelta:
		return escDeltaMin, escDeltaMax
	case paramBudgetMult:
		return budgetMultMin, budgetMultMax
	default:
		return qMin, qMax
	}
}

// defaultParams is the parameter set before any learning.
func defaultParams() map[string]float64 {
	return map[string]float64{
		paramEscalationDelta: 0.0,
		paramBudgetMult:      1.0,
	}
}

// qUpdate applies one capped, clamped update to a parameter value.
func qUpdate(key string, current, reward, alpha float64) float64 {
	lo, hi := bounds(key)
	maxDelta := deltaCapFraction * (hi - lo)
	delta := clamp(alpha*(reward-current), -maxDelta, maxDelta)
	return clamp(current+delta, lo, hi)
}

// ProcessOutcome runs one adaptation step: reward computation, guardrails,
// Q-updates, the versioned save, and the audit row. Frozen steps still write
// an audit row with the freeze reason.
func (l *Loop) ProcessOutcome(ctx context.Context, o Outcome) error {
	vector := ComputeReward(o)
	reward := vector.Total()
	key := paramKey(o.CompanyID, o.AgentID, o.TaskType)

	l.mu.Lock()
	st := l.state[key]
	if st == nil {
		st = &keyState{alpha: l.cfg.Alpha}
		l.state[key] = st
	}

	st.history = append(st.history, reward)
	if len(st.history) > historySize {
		st.history = st.history[len(st.history)-historySize:]
	}
	frozen, freezeReason := volatilityCheck(st.history)

	if vector.OutcomeDelta < 0 {
		st.negStreak++
		if st.negStreak >= negStreakLimit {
			st.alpha = maxFloat(st.alpha/2, alphaFloor)
			st.negStreak = 0
			l.logger.Info("reinforce: alpha halved to %.4f for %s", st.alpha, key)
		}
	} else {
		st.negStreak = 0
	}
	alpha := st.alpha
	l.mu.Unlock()

	before, err := l.loadParams(ctx, o.CompanyID, o.AgentID, o.TaskType)
	if err != nil {
		return err
	}

	after := make(map[string]float64, len(before)+1)
	for k, v := range before {
		after[k] = v
	}

	if !frozen {
		qKey := paramQPrefix + o.ProviderID
		if _, ok := after[qKey]; !ok {
			after[qKey] = 0
		}
		after[qKey] = qUpdate(qKey, after[qKey], reward, alpha)
		after[paramEscalationDelta] = qUpdate(paramEscalationDelta, after[paramEscalationDelta], reward, alpha)
		// The budget multiplier tracks cost efficiency, not total reward.
		after[paramBudgetMult] = qUpdate(paramBudgetMult, after[paramBudgetMult], 1+vector.CostEfficiency, alpha)

		if _, err := l.params.SaveParams(ctx, storage.ParamRow{
			CompanyID: o.CompanyID,
			AgentID:   o.AgentID,
			TaskType:  o.TaskType,
			Params:    after,
		}); err != nil {
			return fmt.Errorf("save adaptive params: %w", err)
		}
	}

	if err := l.audit.AppendAudit(ctx, storage.AuditRow{
		AgentID:      o.AgentID,
		TaskType:     o.TaskType,
		RewardVector: vector.Map(),
		TotalReward:  reward,
		ParamsBefore: before,
		ParamsAfter:  after,
		Alpha:        alpha,
		Frozen:       frozen,
		FreezeReason: freezeReason,
	}); err != nil {
		return fmt.Errorf("append audit row: %w", err)
	}
	return nil
}

// Frozen reports whether adaptation is currently frozen for a key.
func (l *Loop) Frozen(companyID, agentID, taskType string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state[paramKey(companyID, agentID, taskType)]
	if st == nil {
		return false
	}
	frozen, _ := volatilityCheck(st.history)
	return frozen
}

// Params returns the active learned parameters, or defaults when none exist.
func (l *Loop) Params(ctx context.Context, companyID, agentID, taskType string) (map[string]float64, error) {
	return l.loadParams(ctx, companyID, agentID, taskType)
}

func (l *Loop) loadParams(ctx context.Context, companyID, agentID, taskType string) (map[string]float64, error) {
	row, err := l.params.LoadActiveParams(ctx, companyID, agentID, taskType)
	if errors.Is(err, storage.ErrNotFound) {
		return defaultParams(), nil
	}
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(row.Params))
	for k, v := range row.Params {
		out[k] = v
	}
	for k, v := range defaultParams() {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	return out, nil
}

// volatilityCheck freezes adaptation when the reward history is too noisy to
// learn from.
func volatilityCheck(history []float64) (bool, string) {
	if len(history) < freezeMinSamples {
		return false, ""
	}
	v := variance(history)
	if v > freezeVariance {
		return true, fmt.Sprintf("reward variance %.3f over %d samples exceeds %.1f", v, len(history), freezeVariance)
	}
	return false, ""
}

func variance(values []float64) float64 {
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	sum := 0.0
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	return sum / float64(len(values))
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
