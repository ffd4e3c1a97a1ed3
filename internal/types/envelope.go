package types

import "time"

// OptimizationMode selects what the agent optimizes for on a task.
type OptimizationMode string

const (
	OptimizeOutcome OptimizationMode = "outcome"
	OptimizeCost    OptimizationMode = "cost"
	OptimizeSpeed   OptimizationMode = "speed"
)

// Decision is one entry in the append-only decision log.
type Decision struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	AgentID   string    `json:"agent_id"`
	Summary   string    `json:"summary"`
	Outcome   string    `json:"outcome,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ActiveContext is the persistent working-state snapshot carried between
// tasks. All lists are capped at envelope-build time.
type ActiveContext struct {
	Decisions     []string `json:"decisions,omitempty"`      // capped at 15
	History       []string `json:"history,omitempty"`        // capped at 10
	OpenQuestions []string `json:"open_questions,omitempty"` // capped at 20
	Experiments   []string `json:"experiments,omitempty"`    // capped at 10
	KeyPeople     []string `json:"key_people,omitempty"`     // capped at 15
	InFlight      []string `json:"in_flight,omitempty"`      // task ids currently executing
}

// OrgContext is the company-level situational context gathered for a task.
type OrgContext struct {
	Goal            string           `json:"goal"`
	ActiveDecisions []Decision       `json:"active_decisions,omitempty"`
	KeyPeople       []string         `json:"key_people,omitempty"`
	RemainingBudget float64          `json:"remaining_budget"`
	Constraints     []string         `json:"constraints,omitempty"`
	KnowledgeItems  []string         `json:"knowledge_items,omitempty"` // capped at 8
	ActiveContext   ActiveContext    `json:"active_context"`
	Mode            OptimizationMode `json:"optimization_mode"`
}

// TaskDefinition is what the caller asked for.
type TaskDefinition struct {
	Spec               string   `json:"spec"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	EstimatedTokens    int      `json:"estimated_tokens"`
	EstimatedDollars   float64  `json:"estimated_dollars"`
	DependsOn          []string `json:"depends_on,omitempty"`
	OutcomeRef         string   `json:"outcome_ref,omitempty"`
}

// SecurityContext bounds what a task may touch and spend. Populated only by
// the policy and budget engines.
type SecurityContext struct {
	AllowedAdapters  map[string]bool `json:"allowed_adapters,omitempty"`
	MaxSpendDollars  float64         `json:"max_spend_dollars"`
	RequiresApproval bool            `json:"requires_approval"`
	ApprovalReason   string          `json:"approval_reason,omitempty"`
}

// TaskEnvelope is the immutable unit of work dispatched to a worker. The
// judgment fields must be byte-identical to the records locked at boot.
type TaskEnvelope struct {
	TaskID    string `json:"task_id"`
	AgentID   string `json:"agent_id"`
	CompanyID string `json:"company_id"`
	SeatID    string `json:"seat_id,omitempty"`
	ExpertID  string `json:"expert_id,omitempty"`

	Judgment ExpertJudgment  `json:"judgment"`
	Org      OrgContext      `json:"org"`
	Task     TaskDefinition  `json:"task"`
	Security SecurityContext `json:"security"`

	Mode      OptimizationMode `json:"mode"`
	CreatedAt time.Time        `json:"created_at"`
}

// CostRecord is one append-only spend entry.
type CostRecord struct {
	TaskID       string    `json:"task_id"`
	AgentID      string    `json:"agent_id"`
	Operation    string    `json:"operation"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Dollars      float64   `json:"dollars"`
	Timestamp    time.Time `json:"timestamp"`
}
