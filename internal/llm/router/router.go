// Package router classifies tasks, selects a provider, re-injects the
// constraint block, and lenses every completion. Raw model output never
// leaves this package.
package router

import (
	"context"
	"fmt"

	"arbiter/internal/llm"
	"arbiter/internal/logging"
	"arbiter/internal/policy"
	"arbiter/internal/types"
)

// fallbackConfidence is used when the provider reports no confidence score.
const fallbackConfidence = 0.8

// HealthFunc lets the breaker veto a provider without coupling the router to
// it. Nil means every provider is eligible.
type HealthFunc func(providerID string) bool

// Config sets the routing rules: classification -> preferred provider id.
type Config struct {
	Rules map[Classification]string
}

// Router owns provider selection and the judgment lens.
type Router struct {
	providers []llm.Provider
	rules     map[Classification]string
	policy    *policy.Engine
	healthy   HealthFunc
	logger    logging.Logger
}

// New creates a Router over the registered providers. Registration order is
// the fallback order.
func New(cfg Config, providers []llm.Provider, policyEngine *policy.Engine, healthy HealthFunc, logger logging.Logger) *Router {
	return &Router{
		providers: providers,
		rules:     cfg.Rules,
		policy:    policyEngine,
		healthy:   healthy,
		logger:    logging.OrNop(logger),
	}
}

// Providers returns the registered providers in order.
func (r *Router) Providers() []llm.Provider {
	out := make([]llm.Provider, len(r.providers))
	copy(out, r.providers)
	return out
}

// SelectProvider picks the provider for an envelope: the routing rule for
// the task's classification when its provider can handle it, else the first
// registered provider that can, else the first registered.
func (r *Router) SelectProvider(env *types.TaskEnvelope) (llm.Provider, Classification, error) {
	if len(r.providers) == 0 {
		return nil, "", fmt.Errorf("no providers registered")
	}

	class := Classify(env.Task.Spec, len(env.Judgment.Constraints))
	task := llm.Task{
		Spec:              env.Task.Spec,
		EstimatedTokens:   env.Task.EstimatedTokens,
		RequiresLocalOnly: class == ClassSensitive,
	}

	if preferred, ok := r.rules[class]; ok {
		if p := r.findProvider(preferred); p != nil && p.CanHandle(task) && r.isHealthy(p.ID()) {
			return p, class, nil
		}
	}
	for _, p := range r.providers {
		if p.CanHandle(task) && r.isHealthy(p.ID()) {
			return p, class, nil
		}
	}
	return r.providers[0], class, nil
}

// Route runs one completion end to end: provider selection, constraint
// prepend, the provider call, and the expert judgment lens.
func (r *Router) Route(ctx context.Context, systemPrompt string, messages []types.TaggedMessage, opts llm.Options, env *types.TaskEnvelope) (types.LensedResult, llm.CompletionResult, error) {
	provider, class, err := r.SelectProvider(env)
	if err != nil {
		return types.LensedResult{}, llm.CompletionResult{}, err
	}

	constraintMsg, err := r.policy.BuildConstraintMessage()
	if err != nil {
		return types.LensedResult{}, llm.CompletionResult{}, err
	}
	assembled := make([]types.TaggedMessage, 0, len(messages)+1)
	assembled = append(assembled, constraintMsg)
	assembled = append(assembled, messages...)

	r.logger.Debug("router: task %s classified %s, provider %s", env.TaskID, class, provider.ID())

	completion, err := provider.Complete(ctx, systemPrompt, assembled, opts)
	if err != nil {
		return types.LensedResult{}, llm.CompletionResult{ProviderID: provider.ID()}, err
	}

	lensed, err := r.Lens(completion)
	if err != nil {
		return types.LensedResult{}, completion, err
	}
	return lensed, completion, nil
}

// Lens applies the expert judgment lens to a completion.
func (r *Router) Lens(completion llm.CompletionResult) (types.LensedResult, error) {
	confidence := fallbackConfidence
	if completion.Confidence != nil {
		confidence = *completion.Confidence
	}

	lensed, err := r.policy.ValidateOutput(completion.Content, confidence)
	if err != nil {
		return types.LensedResult{}, err
	}
	lensed.Model = completion.Model
	lensed.ProviderID = completion.ProviderID
	lensed.InputTokens = completion.InputTokens
	lensed.OutputTokens = completion.OutputTokens
	lensed.CostUSD = completion.CostUSD
	lensed.LatencyMS = completion.LatencyMS
	lensed.StopReason = string(completion.StopReason)
	return lensed, nil
}

func (r *Router) findProvider(id string) llm.Provider {
	for _, p := range r.providers {
		if p.ID() == id {
			return p
		}
	}
	return nil
}

func (r *Router) isHealthy(id string) bool {
	if r.healthy == nil {
		return true
	}
	return r.healthy(id)
}
