package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbiter/internal/types"
)

func TestTaskRoundTrip(t *testing.T) {
	_, stores := NewMem()
	ctx := context.Background()

	row := TaskRow{ID: "t1", AgentID: "a1", Status: TaskPending, Definition: types.TaskDefinition{Spec: "do the thing"}}
	require.NoError(t, stores.Tasks.SaveTask(ctx, row))

	got, err := stores.Tasks.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "do the thing", got.Definition.Spec)
	assert.False(t, got.UpdatedAt.IsZero())

	require.NoError(t, stores.Tasks.UpdateTaskStatus(ctx, "t1", TaskCompleted))
	got, err = stores.Tasks.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, got.Status)

	_, err = stores.Tasks.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListTasksFiltersByStatus(t *testing.T) {
	_, stores := NewMem()
	ctx := context.Background()

	require.NoError(t, stores.Tasks.SaveTask(ctx, TaskRow{ID: "t1", Status: TaskPending}))
	require.NoError(t, stores.Tasks.SaveTask(ctx, TaskRow{ID: "t2", Status: TaskCompleted}))

	pending, err := stores.Tasks.ListTasks(ctx, TaskPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "t1", pending[0].ID)

	all, err := stores.Tasks.ListTasks(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestApprovalQueue(t *testing.T) {
	_, stores := NewMem()
	ctx := context.Background()

	row := ApprovalRow{ID: "ap1", TaskID: "t1", Status: ApprovalPending}
	require.NoError(t, stores.Approvals.InsertApproval(ctx, row))

	pending, err := stores.Approvals.ListPendingApprovals(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	row.Status = ApprovalApproved
	row.ResolvedBy = "reviewer@example.com"
	require.NoError(t, stores.Approvals.UpdateApproval(ctx, row))

	pending, err = stores.Approvals.ListPendingApprovals(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	got, err := stores.Approvals.GetApproval(ctx, "ap1")
	require.NoError(t, err)
	assert.Equal(t, "reviewer@example.com", got.ResolvedBy)
}

func TestParamStoreVersioning(t *testing.T) {
	_, stores := NewMem()
	ctx := context.Background()

	_, err := stores.Params.LoadActiveParams(ctx, "acme", "a1", "standard")
	assert.ErrorIs(t, err, ErrNotFound)

	v1, err := stores.Params.SaveParams(ctx, ParamRow{CompanyID: "acme", AgentID: "a1", TaskType: "standard", Params: map[string]float64{"q.p1": 0.1}})
	require.NoError(t, err)
	assert.Equal(t, 1, v1)

	v2, err := stores.Params.SaveParams(ctx, ParamRow{CompanyID: "acme", AgentID: "a1", TaskType: "standard", Params: map[string]float64{"q.p1": 0.2}})
	require.NoError(t, err)
	assert.Equal(t, 2, v2)

	active, err := stores.Params.LoadActiveParams(ctx, "acme", "a1", "standard")
	require.NoError(t, err)
	assert.Equal(t, 2, active.Version)
	assert.True(t, active.Active)
	assert.InDelta(t, 0.2, active.Params["q.p1"], 1e-9)

	// Another company never sees acme's rows.
	_, err = stores.Params.LoadActiveParams(ctx, "globex", "a1", "standard")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTelemetryRedactsOnInsert(t *testing.T) {
	_, stores := NewMem()
	ctx := context.Background()

	err := stores.Telemetry.AppendTelemetry(ctx, TelemetryEvent{
		Kind: "provider_call",
		Payload: map[string]string{
			"model":    "gpt-4o",
			"api_key":  "sk-abcdefghijklmnopqrstuvwx",
			"response": "the password is hunter2",
		},
	})
	require.NoError(t, err)

	events, err := stores.Telemetry.RecentTelemetry(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "gpt-4o", events[0].Payload["model"])
	assert.Equal(t, "[REDACTED]", events[0].Payload["api_key"])
}

func TestDecisionLogRecency(t *testing.T) {
	_, stores := NewMem()
	ctx := context.Background()

	for _, id := range []string{"d1", "d2", "d3"} {
		require.NoError(t, stores.Decisions.AppendDecision(ctx, DecisionRow{ID: id, AgentID: "a1", Summary: id}))
	}
	recent, err := stores.Decisions.RecentDecisions(ctx, "a1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "d3", recent[0].ID)
	assert.Equal(t, "d2", recent[1].ID)
}

func TestGraphStore(t *testing.T) {
	_, stores := NewMem()
	ctx := context.Background()

	require.NoError(t, stores.Graph.UpsertNode(ctx, KGNode{ID: "n1", Kind: "person", Label: "Jordan"}))
	require.NoError(t, stores.Graph.UpsertNode(ctx, KGNode{ID: "n2", Kind: "project", Label: "Launch"}))
	require.NoError(t, stores.Graph.UpsertEdge(ctx, KGEdge{FromID: "n1", ToID: "n2", Relation: "owns"}))
	require.NoError(t, stores.Graph.UpsertEdge(ctx, KGEdge{FromID: "n1", ToID: "n2", Relation: "owns"})) // idempotent

	edges, err := stores.Graph.Neighbors(ctx, "n1")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "n2", edges[0].ToID)
}

func TestActiveContextDefaultsEmpty(t *testing.T) {
	_, stores := NewMem()
	ctx := context.Background()

	ac, err := stores.ActiveContext.LoadActiveContext(ctx, "a1")
	require.NoError(t, err)
	assert.Empty(t, ac.InFlight)

	ac.InFlight = []string{"t1"}
	require.NoError(t, stores.ActiveContext.SaveActiveContext(ctx, "a1", ac))
	ac, err = stores.ActiveContext.LoadActiveContext(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, ac.InFlight)
}

func TestUnavailableWrapping(t *testing.T) {
	err := Unavailable("tasks", errors.New("connection refused"))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "tasks")
}
