// Package llm defines the provider capability set and the concrete
// providers: an OpenAI-compatible HTTP client and a scriptable mock.
package llm

import (
	"context"
	"fmt"

	"arbiter/internal/types"
)

// StopReason is why a completion ended.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopMaxTokens StopReason = "max_tokens"
	StopSequence  StopReason = "stop_sequence"
)

// Task is the slice of an envelope a provider needs to decide capability.
type Task struct {
	Spec              string
	EstimatedTokens   int
	RequiresLocalOnly bool
}

// Options tune one completion call.
type Options struct {
	MaxTokens   int
	Temperature float64
}

// CostEstimate is a provider's pre-call price quote.
type CostEstimate struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Dollars      float64 `json:"dollars"`
}

// CompletionResult carries everything the lens and the budget engine need.
// Confidence is nil when the provider supplies none.
type CompletionResult struct {
	Content      string     `json:"content"`
	Model        string     `json:"model"`
	ProviderID   string     `json:"provider_id"`
	InputTokens  int        `json:"input_tokens"`
	OutputTokens int        `json:"output_tokens"`
	CostUSD      float64    `json:"cost_usd"`
	LatencyMS    int64      `json:"latency_ms"`
	StopReason   StopReason `json:"stop_reason"`
	Confidence   *float64   `json:"confidence,omitempty"`
	ToolCall     bool       `json:"tool_call,omitempty"`
	ToolName     string     `json:"tool_name,omitempty"`
}

// Health is a provider's self-reported status.
type Health struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// FailureError wraps a provider transport or API failure so callers can
// distinguish it from policy and budget errors.
type FailureError struct {
	ProviderID string
	Err        error
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("provider %s failed: %v", e.ProviderID, e.Err)
}

func (e *FailureError) Unwrap() error { return e.Err }

// Provider is the capability set the router selects from.
type Provider interface {
	ID() string
	Name() string
	CanHandle(task Task) bool
	EstimateCost(prompt string, maxTokens int) CostEstimate
	Complete(ctx context.Context, systemPrompt string, messages []types.TaggedMessage, opts Options) (CompletionResult, error)
	Health(ctx context.Context) Health
}
