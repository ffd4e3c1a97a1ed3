package types

// ConstraintCategory groups hard constraints for the re-injected system block.
type ConstraintCategory string

const (
	CategorySecurity    ConstraintCategory = "security"
	CategoryCompliance  ConstraintCategory = "compliance"
	CategoryBrand       ConstraintCategory = "brand"
	CategoryOperational ConstraintCategory = "operational"
	CategoryLegal       ConstraintCategory = "legal"
)

// Constraint is a boot-locked hard rule. Violation of a constraint aborts
// the task regardless of anything a prompt says.
type Constraint struct {
	ID          string             `json:"id"`
	Description string             `json:"description"`
	Rule        string             `json:"rule"`
	Category    ConstraintCategory `json:"category"`
	Critical    bool               `json:"critical"`
}

// TriggerAction is what happens when an escalation trigger fires.
type TriggerAction string

const (
	TriggerEscalate TriggerAction = "escalate"
	TriggerPause    TriggerAction = "pause"
	TriggerAbort    TriggerAction = "abort"
)

// Trigger is a boot-locked escalation trigger: any pattern substring-matching
// model output forces the configured action.
type Trigger struct {
	ID          string        `json:"id"`
	Description string        `json:"description"`
	Patterns    []string      `json:"patterns"`
	Action      TriggerAction `json:"action"`
	Priority    int           `json:"priority"`
}

// ConfidenceAction is the decision attached to a confidence range.
type ConfidenceAction string

const (
	ConfidenceAct      ConfidenceAction = "act"
	ConfidenceSlowDown ConfidenceAction = "slow_down"
	ConfidenceEscalate ConfidenceAction = "escalate"
)

// ConfidenceRange maps a [Min, Max] confidence interval to an action.
type ConfidenceRange struct {
	Min    float64          `json:"min"`
	Max    float64          `json:"max"`
	Action ConfidenceAction `json:"action"`
}

// ExpertJudgment is the locked judgment profile attached to every envelope:
// observed decision patterns, the escalation triggers, the hard constraints,
// and the confidence map, all versioned together.
type ExpertJudgment struct {
	Patterns      []string          `json:"patterns,omitempty"`
	Triggers      []Trigger         `json:"escalation_triggers"`
	Constraints   []Constraint      `json:"hard_constraints"`
	ConfidenceMap []ConfidenceRange `json:"confidence_map"`
	Version       int               `json:"version"`
}
