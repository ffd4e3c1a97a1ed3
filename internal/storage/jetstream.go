package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"arbiter/internal/types"
)

// Bucket and stream names.
const (
	bucketTasks       = "arbiter_tasks"
	bucketApprovals   = "arbiter_approval_queue"
	bucketCredentials = "arbiter_credentials"
	bucketParams      = "arbiter_adaptive_policy"
	bucketContext     = "arbiter_active_context"
	bucketGraphNodes  = "arbiter_kg_nodes"
	bucketGraphEdges  = "arbiter_kg_edges"

	auditStream   = "ARBITER_AUDIT"
	auditSubjects = "arbiter.audit.>"
)

// JetStream persists the durable tables in NATS: row tables in KV buckets,
// append-only logs as published messages on the audit stream. Reads of the
// append-only logs serve from an in-process tail; the stream is the durable
// record.
type JetStream struct {
	js jetstream.JetStream

	tasks       jetstream.KeyValue
	approvals   jetstream.KeyValue
	credentials jetstream.KeyValue
	params      jetstream.KeyValue
	contexts    jetstream.KeyValue
	nodes       jetstream.KeyValue
	edges       jetstream.KeyValue

	mu           sync.RWMutex
	telemetry    []TelemetryEvent
	decisions    []DecisionRow
	audit        []AuditRow
	baselines    []APLBaseline
	measurements []APLMeasurement
	tailMax      int
}

// NewJetStream connects the durable tables to a NATS server, creating the
// buckets and the audit stream on first use.
func NewJetStream(ctx context.Context, nc *nats.Conn) (*JetStream, Stores, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, Stores{}, Unavailable("jetstream", err)
	}

	s := &JetStream{js: js, tailMax: 1000}
	for _, b := range []struct {
		name   string
		target *jetstream.KeyValue
	}{
		{bucketTasks, &s.tasks},
		{bucketApprovals, &s.approvals},
		{bucketCredentials, &s.credentials},
		{bucketParams, &s.params},
		{bucketContext, &s.contexts},
		{bucketGraphNodes, &s.nodes},
		{bucketGraphEdges, &s.edges},
	} {
		kv, err := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: b.name})
		if err != nil {
			return nil, Stores{}, Unavailable(b.name, err)
		}
		*b.target = kv
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     auditStream,
		Subjects: []string{auditSubjects},
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return nil, Stores{}, Unavailable(auditStream, err)
	}

	return s, Stores{
		Tasks:         s,
		Approvals:     s,
		Telemetry:     s,
		Decisions:     s,
		ActiveContext: s,
		Params:        s,
		Audit:         s,
		Graph:         s,
		Credentials:   s,
		APL:           s,
	}, nil
}

func kvPut(ctx context.Context, kv jetstream.KeyValue, table, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s row: %w", table, err)
	}
	if _, err := kv.Put(ctx, key, data); err != nil {
		return Unavailable(table, err)
	}
	return nil
}

func kvGet(ctx context.Context, kv jetstream.KeyValue, table, key string, v any) error {
	entry, err := kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return Unavailable(table, err)
	}
	if err := json.Unmarshal(entry.Value(), v); err != nil {
		return fmt.Errorf("decode %s row %s: %w", table, key, err)
	}
	return nil
}

func kvKeys(ctx context.Context, kv jetstream.KeyValue, table string) ([]string, error) {
	keys, err := kv.Keys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, Unavailable(table, err)
	}
	return keys, nil
}

// kvKey flattens an id into a valid KV key.
func kvKey(parts ...string) string {
	joined := strings.Join(parts, ".")
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, joined)
}

func (s *JetStream) SaveTask(ctx context.Context, row TaskRow) error {
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	row.UpdatedAt = time.Now()
	return kvPut(ctx, s.tasks, "tasks", kvKey(row.ID), row)
}

func (s *JetStream) GetTask(ctx context.Context, id string) (TaskRow, error) {
	var row TaskRow
	err := kvGet(ctx, s.tasks, "tasks", kvKey(id), &row)
	return row, err
}

func (s *JetStream) UpdateTaskStatus(ctx context.Context, id string, status TaskStatus) error {
	row, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	row.Status = status
	return s.SaveTask(ctx, row)
}

func (s *JetStream) ListTasks(ctx context.Context, status TaskStatus) ([]TaskRow, error) {
	keys, err := kvKeys(ctx, s.tasks, "tasks")
	if err != nil {
		return nil, err
	}
	var out []TaskRow
	for _, key := range keys {
		var row TaskRow
		if err := kvGet(ctx, s.tasks, "tasks", key, &row); err != nil {
			continue
		}
		if status == "" || row.Status == status {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *JetStream) InsertApproval(ctx context.Context, row ApprovalRow) error {
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	return kvPut(ctx, s.approvals, "approval_queue", kvKey(row.ID), row)
}

func (s *JetStream) GetApproval(ctx context.Context, id string) (ApprovalRow, error) {
	var row ApprovalRow
	err := kvGet(ctx, s.approvals, "approval_queue", kvKey(id), &row)
	return row, err
}

func (s *JetStream) UpdateApproval(ctx context.Context, row ApprovalRow) error {
	if _, err := s.GetApproval(ctx, row.ID); err != nil {
		return err
	}
	return kvPut(ctx, s.approvals, "approval_queue", kvKey(row.ID), row)
}

func (s *JetStream) ListPendingApprovals(ctx context.Context) ([]ApprovalRow, error) {
	keys, err := kvKeys(ctx, s.approvals, "approval_queue")
	if err != nil {
		return nil, err
	}
	var out []ApprovalRow
	for _, key := range keys {
		var row ApprovalRow
		if err := kvGet(ctx, s.approvals, "approval_queue", key, &row); err != nil {
			continue
		}
		if row.Status == ApprovalPending {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *JetStream) AppendTelemetry(ctx context.Context, event TelemetryEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	event.Payload = RedactPayload(event.Payload)
	if err := s.publish(ctx, "arbiter.audit.telemetry", event); err != nil {
		return err
	}
	s.mu.Lock()
	s.telemetry = appendTail(s.telemetry, event, s.tailMax)
	s.mu.Unlock()
	return nil
}

func (s *JetStream) RecentTelemetry(_ context.Context, limit int) ([]TelemetryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tailTelemetry(s.telemetry, limit), nil
}

func (s *JetStream) AppendDecision(ctx context.Context, row DecisionRow) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	if err := s.publish(ctx, "arbiter.audit.decision", row); err != nil {
		return err
	}
	s.mu.Lock()
	s.decisions = appendTail(s.decisions, row, s.tailMax)
	s.mu.Unlock()
	return nil
}

func (s *JetStream) RecentDecisions(_ context.Context, agentID string, limit int) ([]DecisionRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []DecisionRow
	for i := len(s.decisions) - 1; i >= 0 && len(out) < limit; i-- {
		if agentID == "" || s.decisions[i].AgentID == agentID {
			out = append(out, s.decisions[i])
		}
	}
	return out, nil
}

func (s *JetStream) LoadActiveContext(ctx context.Context, agentID string) (types.ActiveContext, error) {
	var ac types.ActiveContext
	err := kvGet(ctx, s.contexts, "active_context", kvKey(agentID), &ac)
	if errors.Is(err, ErrNotFound) {
		return types.ActiveContext{}, nil
	}
	return ac, err
}

func (s *JetStream) SaveActiveContext(ctx context.Context, agentID string, ac types.ActiveContext) error {
	return kvPut(ctx, s.contexts, "active_context", kvKey(agentID), ac)
}

func (s *JetStream) SaveParams(ctx context.Context, row ParamRow) (int, error) {
	key := kvKey(row.CompanyID, row.AgentID, row.TaskType)
	var active ParamRow
	version := 1
	if err := kvGet(ctx, s.params, "adaptive_policy_store", key, &active); err == nil {
		version = active.Version + 1
		active.Active = false
		if err := kvPut(ctx, s.params, "adaptive_policy_store", key+".v"+fmt.Sprint(active.Version), active); err != nil {
			return 0, err
		}
	} else if !errors.Is(err, ErrNotFound) {
		return 0, err
	}
	row.ID = uuid.NewString()
	row.Version = version
	row.Active = true
	row.CreatedAt = time.Now()
	if err := kvPut(ctx, s.params, "adaptive_policy_store", key, row); err != nil {
		return 0, err
	}
	return version, nil
}

func (s *JetStream) LoadActiveParams(ctx context.Context, companyID, agentID, taskType string) (ParamRow, error) {
	var row ParamRow
	err := kvGet(ctx, s.params, "adaptive_policy_store", kvKey(companyID, agentID, taskType), &row)
	return row, err
}

func (s *JetStream) AppendAudit(ctx context.Context, row AuditRow) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	if err := s.publish(ctx, "arbiter.audit.adaptive", row); err != nil {
		return err
	}
	s.mu.Lock()
	s.audit = appendTail(s.audit, row, s.tailMax)
	s.mu.Unlock()
	return nil
}

func (s *JetStream) RecentAudit(_ context.Context, agentID string, limit int) ([]AuditRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []AuditRow
	for i := len(s.audit) - 1; i >= 0 && len(out) < limit; i-- {
		if agentID == "" || s.audit[i].AgentID == agentID {
			out = append(out, s.audit[i])
		}
	}
	return out, nil
}

func (s *JetStream) UpsertNode(ctx context.Context, node KGNode) error {
	if node.CreatedAt.IsZero() {
		node.CreatedAt = time.Now()
	}
	return kvPut(ctx, s.nodes, "kg_nodes", kvKey(node.ID), node)
}

func (s *JetStream) GetNode(ctx context.Context, id string) (KGNode, error) {
	var node KGNode
	err := kvGet(ctx, s.nodes, "kg_nodes", kvKey(id), &node)
	return node, err
}

func (s *JetStream) UpsertEdge(ctx context.Context, edge KGEdge) error {
	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = time.Now()
	}
	return kvPut(ctx, s.edges, "kg_edges", kvKey(edge.FromID, edge.Relation, edge.ToID), edge)
}

func (s *JetStream) Neighbors(ctx context.Context, nodeID string) ([]KGEdge, error) {
	keys, err := kvKeys(ctx, s.edges, "kg_edges")
	if err != nil {
		return nil, err
	}
	prefix := kvKey(nodeID) + "."
	var out []KGEdge
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		var edge KGEdge
		if err := kvGet(ctx, s.edges, "kg_edges", key, &edge); err == nil {
			out = append(out, edge)
		}
	}
	return out, nil
}

func (s *JetStream) ListNodes(ctx context.Context) ([]KGNode, error) {
	keys, err := kvKeys(ctx, s.nodes, "kg_nodes")
	if err != nil {
		return nil, err
	}
	var out []KGNode
	for _, key := range keys {
		var node KGNode
		if err := kvGet(ctx, s.nodes, "kg_nodes", key, &node); err == nil {
			out = append(out, node)
		}
	}
	return out, nil
}

func (s *JetStream) PutCredential(ctx context.Context, row CredentialRow) error {
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	return kvPut(ctx, s.credentials, "credentials", kvKey(row.Name), row)
}

func (s *JetStream) GetCredential(ctx context.Context, name string) (CredentialRow, error) {
	var row CredentialRow
	err := kvGet(ctx, s.credentials, "credentials", kvKey(name), &row)
	return row, err
}

func (s *JetStream) DeleteCredential(ctx context.Context, name string) error {
	if err := s.credentials.Delete(ctx, kvKey(name)); err != nil {
		return Unavailable("credentials", err)
	}
	return nil
}

func (s *JetStream) SaveBaseline(ctx context.Context, row APLBaseline) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	if err := s.publish(ctx, "arbiter.audit.apl.baseline", row); err != nil {
		return err
	}
	s.mu.Lock()
	s.baselines = appendTail(s.baselines, row, s.tailMax)
	s.mu.Unlock()
	return nil
}

func (s *JetStream) LatestBaseline(_ context.Context, agentID, metric string) (APLBaseline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.baselines) - 1; i >= 0; i-- {
		b := s.baselines[i]
		if b.AgentID == agentID && b.Metric == metric {
			return b, nil
		}
	}
	return APLBaseline{}, ErrNotFound
}

func (s *JetStream) AppendMeasurement(ctx context.Context, row APLMeasurement) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	if err := s.publish(ctx, "arbiter.audit.apl.measurement", row); err != nil {
		return err
	}
	s.mu.Lock()
	s.measurements = appendTail(s.measurements, row, s.tailMax)
	s.mu.Unlock()
	return nil
}

func (s *JetStream) RecentMeasurements(_ context.Context, agentID string, limit int) ([]APLMeasurement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []APLMeasurement
	for i := len(s.measurements) - 1; i >= 0 && len(out) < limit; i-- {
		if agentID == "" || s.measurements[i].AgentID == agentID {
			out = append(out, s.measurements[i])
		}
	}
	return out, nil
}

func (s *JetStream) publish(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", subject, err)
	}
	if _, err := s.js.Publish(ctx, subject, data); err != nil {
		return Unavailable(subject, err)
	}
	return nil
}

func appendTail[T any](tail []T, item T, max int) []T {
	tail = append(tail, item)
	if len(tail) > max {
		tail = tail[len(tail)-max:]
	}
	return tail
}
