package types

// LensedResult is the only shape in which model output leaves the router:
// the text plus the judgment flags computed against the booted policy.
// It is a closed record, not a bag of fields callers extend.
type LensedResult struct {
	Content             string           `json:"content"`
	Model               string           `json:"model"`
	ProviderID          string           `json:"provider_id"`
	InputTokens         int              `json:"input_tokens"`
	OutputTokens        int              `json:"output_tokens"`
	CostUSD             float64          `json:"cost_usd"`
	LatencyMS           int64            `json:"latency_ms"`
	StopReason          string           `json:"stop_reason"`
	ConstraintViolation bool             `json:"constraint_violation"`
	ViolatedConstraints []string         `json:"violated_constraints,omitempty"`
	Escalate            bool             `json:"escalate"`
	MatchedTriggers     []string         `json:"matched_triggers,omitempty"`
	Confidence          float64          `json:"confidence"`
	ConfidenceDecision  ConfidenceAction `json:"confidence_decision"`
	RequiresReview      bool             `json:"requires_review"`
}
