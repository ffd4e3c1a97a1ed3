package reinforce

import (
	"context"
	"strings"

	"arbiter/internal/llm"
	"arbiter/internal/llm/router"
	"arbiter/internal/logging"
	"arbiter/internal/types"
)

// Effective escalation thresholds are clamped to this band regardless of the
// learned delta.
const (
	thresholdFloor   = 0.30
	thresholdCeiling = 0.95
)

// RouterPolicyAdapter decorates the base router with learned provider
// Q-values. The base router is never modified.
type RouterPolicyAdapter struct {
	loop   *Loop
	base   *router.Router
	logger logging.Logger
}

// NewRouterPolicyAdapter wraps a router.
func NewRouterPolicyAdapter(loop *Loop, base *router.Router, logger logging.Logger) *RouterPolicyAdapter {
	return &RouterPolicyAdapter{loop: loop, base: base, logger: logging.OrNop(logger)}
}

// SelectProvider returns the base router's choice when adaptation is frozen
// or no positive Q-values exist; otherwise the provider with the highest
// positive Q-value that can handle the task.
func (a *RouterPolicyAdapter) SelectProvider(ctx context.Context, env *types.TaskEnvelope, taskType string) (llm.Provider, router.Classification, error) {
	baseChoice, class, err := a.base.SelectProvider(env)
	if err != nil {
		return nil, class, err
	}
	if a.loop.Frozen(env.CompanyID, env.AgentID, taskType) {
		return baseChoice, class, nil
	}

	params, err := a.loop.Params(ctx, env.CompanyID, env.AgentID, taskType)
	if err != nil {
		a.logger.Warn("reinforce: load params for routing: %v", err)
		return baseChoice, class, nil
	}

	task := llm.Task{
		Spec:              env.Task.Spec,
		EstimatedTokens:   env.Task.EstimatedTokens,
		RequiresLocalOnly: class == router.ClassSensitive,
	}
	var best llm.Provider
	bestQ := 0.0
	for _, p := range a.base.Providers() {
		q, ok := params[paramQPrefix+p.ID()]
		if !ok || q <= 0 || !p.CanHandle(task) {
			continue
		}
		if best == nil || q > bestQ {
			best, bestQ = p, q
		}
	}
	if best == nil {
		return baseChoice, class, nil
	}
	if best.ID() != baseChoice.ID() {
		a.logger.Debug("reinforce: learned routing prefers %s (q=%.3f) over %s", best.ID(), bestQ, baseChoice.ID())
	}
	return best, class, nil
}

// EscalationThresholdAdapter applies the learned threshold delta on top of
// the policy engine's base threshold.
type EscalationThresholdAdapter struct {
	loop *Loop
}

// NewEscalationThresholdAdapter wraps the loop.
func NewEscalationThresholdAdapter(loop *Loop) *EscalationThresholdAdapter {
	return &EscalationThresholdAdapter{loop: loop}
}

// EffectiveThreshold returns clamp(base + delta, 0.30, 0.95), or the base
// threshold unchanged when adaptation is frozen.
func (a *EscalationThresholdAdapter) EffectiveThreshold(ctx context.Context, base float64, companyID, agentID, taskType string) float64 {
	if a.loop.Frozen(companyID, agentID, taskType) {
		return base
	}
	params, err := a.loop.Params(ctx, companyID, agentID, taskType)
	if err != nil {
		return base
	}
	return clamp(base+params[paramEscalationDelta], thresholdFloor, thresholdCeiling)
}

// ProviderQValues extracts the per-provider Q-values from a parameter set,
// keyed by provider id. Used by the status surface.
func ProviderQValues(params map[string]float64) map[string]float64 {
	out := make(map[string]float64)
	for k, v := range params {
		if strings.HasPrefix(k, paramQPrefix) {
			out[strings.TrimPrefix(k, paramQPrefix)] = v
		}
	}
	return out
}
