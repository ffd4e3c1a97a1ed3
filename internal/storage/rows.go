package storage

import (
	"time"

	"arbiter/internal/types"
)

// TaskStatus mirrors the DAG node status so the task row and the scheduler
// agree on one vocabulary.
type TaskStatus string

const (
	TaskPending            TaskStatus = "pending"
	TaskInProgress         TaskStatus = "in_progress"
	TaskCompleted          TaskStatus = "completed"
	TaskFailed             TaskStatus = "failed"
	TaskHaltedForApproval  TaskStatus = "halted_for_approval"
	TaskInterruptedStatus  TaskStatus = "interrupted"
)

// TaskRow is one row of the tasks table.
type TaskRow struct {
	ID         string               `json:"id"`
	AgentID    string               `json:"agent_id"`
	CompanyID  string               `json:"company_id"`
	Definition types.TaskDefinition `json:"definition"`
	Status     TaskStatus           `json:"status"`
	Result     string               `json:"result,omitempty"`
	Error      string               `json:"error,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// ApprovalStatus is the approval-queue row state machine.
type ApprovalStatus string

const (
	ApprovalPending      ApprovalStatus = "pending"
	ApprovalApproved     ApprovalStatus = "approved"
	ApprovalRejected     ApprovalStatus = "rejected"
	ApprovalCorrectionIn ApprovalStatus = "correction_incorporated"
)

// ApprovalRow is one row of the approval_queue table.
type ApprovalRow struct {
	ID                string         `json:"id"`
	TaskID            string         `json:"task_id"`
	AgentID           string         `json:"agent_id"`
	Reason            string         `json:"reason"`
	Status            ApprovalStatus `json:"status"`
	ResolvedBy        string         `json:"resolved_by,omitempty"`
	ResolvedAt        *time.Time     `json:"resolved_at,omitempty"`
	ResolutionReason  string         `json:"resolution_reason,omitempty"`
	CorrectionContent string         `json:"correction_content,omitempty"`
	AutoResolved      bool           `json:"auto_resolved"`
	CreatedAt         time.Time      `json:"created_at"`
}

// TelemetryEvent is one append-only telemetry row.
type TelemetryEvent struct {
	ID        string            `json:"id"`
	TaskID    string            `json:"task_id,omitempty"`
	AgentID   string            `json:"agent_id,omitempty"`
	Kind      string            `json:"kind"`
	Payload   map[string]string `json:"payload,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// DecisionRow is one append-only decision-log row.
type DecisionRow struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	TaskID    string    `json:"task_id"`
	Summary   string    `json:"summary"`
	Outcome   string    `json:"outcome"`
	CreatedAt time.Time `json:"created_at"`
}

// ParamRow is one versioned adaptive_policy_store row.
type ParamRow struct {
	ID        string             `json:"id"`
	CompanyID string             `json:"company_id"`
	AgentID   string             `json:"agent_id"`
	TaskType  string             `json:"task_type"`
	Version   int                `json:"version"`
	Active    bool               `json:"active"`
	Params    map[string]float64 `json:"params"`
	CreatedAt time.Time          `json:"created_at"`
}

// AuditRow is one append-only adaptive_audit_log row. Frozen no-ops are
// recorded too.
type AuditRow struct {
	ID           string             `json:"id"`
	AgentID      string             `json:"agent_id"`
	TaskType     string             `json:"task_type"`
	RewardVector map[string]float64 `json:"reward_vector"`
	TotalReward  float64            `json:"total_reward"`
	ParamsBefore map[string]float64 `json:"params_before"`
	ParamsAfter  map[string]float64 `json:"params_after"`
	Alpha        float64            `json:"alpha"`
	Frozen       bool               `json:"frozen"`
	FreezeReason string             `json:"freeze_reason,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
}

// KGNode is one kg_nodes row.
type KGNode struct {
	ID        string            `json:"id"`
	Kind      string            `json:"kind"`
	Label     string            `json:"label"`
	Props     map[string]string `json:"props,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// KGEdge is one kg_edges row.
type KGEdge struct {
	FromID    string    `json:"from_id"`
	ToID      string    `json:"to_id"`
	Relation  string    `json:"relation"`
	CreatedAt time.Time `json:"created_at"`
}

// CredentialRow is a sealed credential blob. Ciphertext carries the scrypt
// salt, nonce and AES-GCM tag inline.
type CredentialRow struct {
	Name       string    `json:"name"`
	Ciphertext []byte    `json:"ciphertext"`
	CreatedAt  time.Time `json:"created_at"`
}

// APLBaseline is one apl_baselines row.
type APLBaseline struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agent_id"`
	Metric      string    `json:"metric"`
	Value       float64   `json:"value"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	CreatedAt   time.Time `json:"created_at"`
}

// APLMeasurement is one apl_measurements row.
type APLMeasurement struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agent_id"`
	BaselineID string    `json:"baseline_id,omitempty"`
	Metric     string    `json:"metric"`
	Value      float64   `json:"value"`
	Delta      float64   `json:"delta"`
	CreatedAt  time.Time `json:"created_at"`
}
