// Package storage defines the durable-table ports the runtime persists
// through, plus an in-memory reference implementation and a NATS JetStream
// backed one.
package storage

import (
	"context"
	"errors"
	"fmt"

	"arbiter/internal/types"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrUnavailable marks the backing store as unreachable. Telemetry flushes
// retry on it; background updates log and skip.
var ErrUnavailable = errors.New("storage: unavailable")

// Unavailable wraps a backend error so callers can match ErrUnavailable.
func Unavailable(table string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, table, err)
}

// TaskStore persists task rows and their status transitions.
type TaskStore interface {
	SaveTask(ctx context.Context, row TaskRow) error
	GetTask(ctx context.Context, id string) (TaskRow, error)
	UpdateTaskStatus(ctx context.Context, id string, status TaskStatus) error
	ListTasks(ctx context.Context, status TaskStatus) ([]TaskRow, error)
}

// ApprovalStore is the durable approval queue.
type ApprovalStore interface {
	InsertApproval(ctx context.Context, row ApprovalRow) error
	GetApproval(ctx context.Context, id string) (ApprovalRow, error)
	UpdateApproval(ctx context.Context, row ApprovalRow) error
	ListPendingApprovals(ctx context.Context) ([]ApprovalRow, error)
}

// TelemetryStore is the append-only telemetry log. Implementations must
// redact credential-shaped values before insert.
type TelemetryStore interface {
	AppendTelemetry(ctx context.Context, event TelemetryEvent) error
	RecentTelemetry(ctx context.Context, limit int) ([]TelemetryEvent, error)
}

// DecisionStore is the append-only decision log feeding OrgContext.
type DecisionStore interface {
	AppendDecision(ctx context.Context, row DecisionRow) error
	RecentDecisions(ctx context.Context, agentID string, limit int) ([]DecisionRow, error)
}

// ActiveContextStore persists the per-agent working context snapshot.
type ActiveContextStore interface {
	LoadActiveContext(ctx context.Context, agentID string) (types.ActiveContext, error)
	SaveActiveContext(ctx context.Context, agentID string, ac types.ActiveContext) error
}

// ParamStore is the versioned adaptive-parameter store, keyed by
// (company, agent, task type). Save deactivates the previous active row and
// inserts a new one with the next version.
type ParamStore interface {
	SaveParams(ctx context.Context, row ParamRow) (int, error)
	LoadActiveParams(ctx context.Context, companyID, agentID, taskType string) (ParamRow, error)
}

// AuditStore is the append-only adaptive-update audit log.
type AuditStore interface {
	AppendAudit(ctx context.Context, row AuditRow) error
	RecentAudit(ctx context.Context, agentID string, limit int) ([]AuditRow, error)
}

// GraphStore holds knowledge-graph nodes and edges.
type GraphStore interface {
	UpsertNode(ctx context.Context, node KGNode) error
	GetNode(ctx context.Context, id string) (KGNode, error)
	UpsertEdge(ctx context.Context, edge KGEdge) error
	Neighbors(ctx context.Context, nodeID string) ([]KGEdge, error)
	ListNodes(ctx context.Context) ([]KGNode, error)
}

// CredentialStore holds sealed credential blobs keyed by name. Plaintext
// never passes through this interface.
type CredentialStore interface {
	PutCredential(ctx context.Context, row CredentialRow) error
	GetCredential(ctx context.Context, name string) (CredentialRow, error)
	DeleteCredential(ctx context.Context, name string) error
}

// APLStore holds agent-performance baselines and scheduled measurements.
type APLStore interface {
	SaveBaseline(ctx context.Context, row APLBaseline) error
	LatestBaseline(ctx context.Context, agentID, metric string) (APLBaseline, error)
	AppendMeasurement(ctx context.Context, row APLMeasurement) error
	RecentMeasurements(ctx context.Context, agentID string, limit int) ([]APLMeasurement, error)
}

// Stores bundles every port so components can depend on one value.
type Stores struct {
	Tasks         TaskStore
	Approvals     ApprovalStore
	Telemetry     TelemetryStore
	Decisions     DecisionStore
	ActiveContext ActiveContextStore
	Params        ParamStore
	Audit         AuditStore
	Graph         GraphStore
	Credentials   CredentialStore
	APL           APLStore
}
