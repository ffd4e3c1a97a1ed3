package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"arbiter/internal/types"
)

// Mem is the in-memory reference implementation of every port. It backs
// tests and standalone mode; nothing survives a restart.
type Mem struct {
	mu            sync.RWMutex
	tasks         map[string]TaskRow
	approvals     map[string]ApprovalRow
	telemetry     []TelemetryEvent
	decisions     []DecisionRow
	activeContext map[string]types.ActiveContext
	params        map[string][]ParamRow // key: companyID/agentID/taskType
	audit         []AuditRow
	nodes         map[string]KGNode
	edges         []KGEdge
	credentials   map[string]CredentialRow
	baselines     []APLBaseline
	measurements  []APLMeasurement
}

// NewMem returns an empty in-memory store wired into a Stores bundle.
func NewMem() (*Mem, Stores) {
	m := &Mem{
		tasks:         make(map[string]TaskRow),
		approvals:     make(map[string]ApprovalRow),
		activeContext: make(map[string]types.ActiveContext),
		params:        make(map[string][]ParamRow),
		nodes:         make(map[string]KGNode),
		credentials:   make(map[string]CredentialRow),
	}
	return m, Stores{
		Tasks:         m,
		Approvals:     m,
		Telemetry:     m,
		Decisions:     m,
		ActiveContext: m,
		Params:        m,
		Audit:         m,
		Graph:         m,
		Credentials:   m,
		APL:           m,
	}
}

func (m *Mem) SaveTask(_ context.Context, row TaskRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	row.UpdatedAt = time.Now()
	m.tasks[row.ID] = row
	return nil
}

func (m *Mem) GetTask(_ context.Context, id string) (TaskRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.tasks[id]
	if !ok {
		return TaskRow{}, ErrNotFound
	}
	return row, nil
}

func (m *Mem) UpdateTaskStatus(_ context.Context, id string, status TaskStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	row.Status = status
	row.UpdatedAt = time.Now()
	m.tasks[id] = row
	return nil
}

func (m *Mem) ListTasks(_ context.Context, status TaskStatus) ([]TaskRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []TaskRow
	for _, row := range m.tasks {
		if status == "" || row.Status == status {
			out = append(out, row)
		}
	}
	return out, nil
}

func (m *Mem) InsertApproval(_ context.Context, row ApprovalRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	m.approvals[row.ID] = row
	return nil
}

func (m *Mem) GetApproval(_ context.Context, id string) (ApprovalRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.approvals[id]
	if !ok {
		return ApprovalRow{}, ErrNotFound
	}
	return row, nil
}

func (m *Mem) UpdateApproval(_ context.Context, row ApprovalRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.approvals[row.ID]; !ok {
		return ErrNotFound
	}
	m.approvals[row.ID] = row
	return nil
}

func (m *Mem) ListPendingApprovals(_ context.Context) ([]ApprovalRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ApprovalRow
	for _, row := range m.approvals {
		if row.Status == ApprovalPending {
			out = append(out, row)
		}
	}
	return out, nil
}

func (m *Mem) AppendTelemetry(_ context.Context, event TelemetryEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	event.Payload = RedactPayload(event.Payload)
	m.telemetry = append(m.telemetry, event)
	return nil
}

func (m *Mem) RecentTelemetry(_ context.Context, limit int) ([]TelemetryEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return tailTelemetry(m.telemetry, limit), nil
}

func (m *Mem) AppendDecision(_ context.Context, row DecisionRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	m.decisions = append(m.decisions, row)
	return nil
}

func (m *Mem) RecentDecisions(_ context.Context, agentID string, limit int) ([]DecisionRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []DecisionRow
	for i := len(m.decisions) - 1; i >= 0 && len(out) < limit; i-- {
		if agentID == "" || m.decisions[i].AgentID == agentID {
			out = append(out, m.decisions[i])
		}
	}
	return out, nil
}

func (m *Mem) LoadActiveContext(_ context.Context, agentID string) (types.ActiveContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeContext[agentID], nil
}

func (m *Mem) SaveActiveContext(_ context.Context, agentID string, ac types.ActiveContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeContext[agentID] = ac
	return nil
}

func (m *Mem) SaveParams(_ context.Context, row ParamRow) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := paramKey(row.CompanyID, row.AgentID, row.TaskType)
	rows := m.params[key]
	version := 1
	for i := range rows {
		if rows[i].Active {
			rows[i].Active = false
		}
		if rows[i].Version >= version {
			version = rows[i].Version + 1
		}
	}
	row.ID = uuid.NewString()
	row.Version = version
	row.Active = true
	row.CreatedAt = time.Now()
	m.params[key] = append(rows, row)
	return version, nil
}

func (m *Mem) LoadActiveParams(_ context.Context, companyID, agentID, taskType string) (ParamRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, row := range m.params[paramKey(companyID, agentID, taskType)] {
		if row.Active {
			return row, nil
		}
	}
	return ParamRow{}, ErrNotFound
}

func paramKey(companyID, agentID, taskType string) string {
	return companyID + "/" + agentID + "/" + taskType
}

func (m *Mem) AppendAudit(_ context.Context, row AuditRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	m.audit = append(m.audit, row)
	return nil
}

func (m *Mem) RecentAudit(_ context.Context, agentID string, limit int) ([]AuditRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []AuditRow
	for i := len(m.audit) - 1; i >= 0 && len(out) < limit; i-- {
		if agentID == "" || m.audit[i].AgentID == agentID {
			out = append(out, m.audit[i])
		}
	}
	return out, nil
}

func (m *Mem) UpsertNode(_ context.Context, node KGNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if node.CreatedAt.IsZero() {
		node.CreatedAt = time.Now()
	}
	m.nodes[node.ID] = node
	return nil
}

func (m *Mem) GetNode(_ context.Context, id string) (KGNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	node, ok := m.nodes[id]
	if !ok {
		return KGNode{}, ErrNotFound
	}
	return node, nil
}

func (m *Mem) UpsertEdge(_ context.Context, edge KGEdge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = time.Now()
	}
	for i, existing := range m.edges {
		if existing.FromID == edge.FromID && existing.ToID == edge.ToID && existing.Relation == edge.Relation {
			m.edges[i] = edge
			return nil
		}
	}
	m.edges = append(m.edges, edge)
	return nil
}

func (m *Mem) Neighbors(_ context.Context, nodeID string) ([]KGEdge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []KGEdge
	for _, edge := range m.edges {
		if edge.FromID == nodeID {
			out = append(out, edge)
		}
	}
	return out, nil
}

func (m *Mem) ListNodes(_ context.Context) ([]KGNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]KGNode, 0, len(m.nodes))
	for _, node := range m.nodes {
		out = append(out, node)
	}
	return out, nil
}

func (m *Mem) PutCredential(_ context.Context, row CredentialRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	m.credentials[row.Name] = row
	return nil
}

func (m *Mem) GetCredential(_ context.Context, name string) (CredentialRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.credentials[name]
	if !ok {
		return CredentialRow{}, ErrNotFound
	}
	return row, nil
}

func (m *Mem) DeleteCredential(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.credentials, name)
	return nil
}

func (m *Mem) SaveBaseline(_ context.Context, row APLBaseline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	m.baselines = append(m.baselines, row)
	return nil
}

func (m *Mem) LatestBaseline(_ context.Context, agentID, metric string) (APLBaseline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.baselines) - 1; i >= 0; i-- {
		b := m.baselines[i]
		if b.AgentID == agentID && b.Metric == metric {
			return b, nil
		}
	}
	return APLBaseline{}, ErrNotFound
}

func (m *Mem) AppendMeasurement(_ context.Context, row APLMeasurement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	m.measurements = append(m.measurements, row)
	return nil
}

func (m *Mem) RecentMeasurements(_ context.Context, agentID string, limit int) ([]APLMeasurement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []APLMeasurement
	for i := len(m.measurements) - 1; i >= 0 && len(out) < limit; i-- {
		if agentID == "" || m.measurements[i].AgentID == agentID {
			out = append(out, m.measurements[i])
		}
	}
	return out, nil
}

func tailTelemetry(events []TelemetryEvent, limit int) []TelemetryEvent {
	if limit <= 0 || limit > len(events) {
		limit = len(events)
	}
	out := make([]TelemetryEvent, limit)
	copy(out, events[len(events)-limit:])
	return out
}
