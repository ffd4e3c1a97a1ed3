package apl

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbiter/internal/storage"
)

func seedTelemetry(t *testing.T, store storage.TelemetryStore, kind string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, store.AppendTelemetry(context.Background(), storage.TelemetryEvent{
			AgentID: "agent-1",
			Kind:    kind,
		}))
	}
}

func TestMeasureOnceSeedsBaseline(t *testing.T) {
	_, stores := storage.NewMem()
	job := NewJob(Config{AgentID: "agent-1"}, stores.Telemetry, stores.APL, nil)

	seedTelemetry(t, stores.Telemetry, "task_completed", 3)
	seedTelemetry(t, stores.Telemetry, "task_failed", 1)

	m, err := job.MeasureOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, MetricSuccessRate, m.Metric)
	assert.InDelta(t, 0.75, m.Value, 1e-9)
	// First measurement runs against the baseline it just seeded.
	assert.InDelta(t, 0.0, m.Delta, 1e-9)

	baseline, err := stores.APL.LatestBaseline(context.Background(), "agent-1", MetricSuccessRate)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, baseline.Value, 1e-9)
	assert.Equal(t, baseline.ID, m.BaselineID)
}

func TestMeasureOnceDeltaAgainstBaseline(t *testing.T) {
	_, stores := storage.NewMem()
	job := NewJob(Config{AgentID: "agent-1"}, stores.Telemetry, stores.APL, nil)

	require.NoError(t, stores.APL.SaveBaseline(context.Background(), storage.APLBaseline{
		ID: "b-1", AgentID: "agent-1", Metric: MetricSuccessRate, Value: 0.9,
	}))

	seedTelemetry(t, stores.Telemetry, "task_completed", 1)
	seedTelemetry(t, stores.Telemetry, "task_failed", 1)

	m, err := job.MeasureOnce(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.5, m.Value, 1e-9)
	assert.InDelta(t, -0.4, m.Delta, 1e-9)
	assert.Equal(t, "b-1", m.BaselineID)

	recent, err := stores.APL.RecentMeasurements(context.Background(), "agent-1", 5)
	require.NoError(t, err)
	require.Len(t, recent, 1)
}

func TestMeasureOnceNoTerminalEventsIsNeutral(t *testing.T) {
	_, stores := storage.NewMem()
	job := NewJob(Config{AgentID: "agent-1"}, stores.Telemetry, stores.APL, nil)

	seedTelemetry(t, stores.Telemetry, "task_interrupted", 2)

	m, err := job.MeasureOnce(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 1.0, m.Value, 1e-9)
}

func TestBreakerTripsCountAsFailures(t *testing.T) {
	_, stores := storage.NewMem()
	job := NewJob(Config{AgentID: "agent-1"}, stores.Telemetry, stores.APL, nil)

	seedTelemetry(t, stores.Telemetry, "task_completed", 1)
	seedTelemetry(t, stores.Telemetry, "circuit_breaker_hard_trip", 1)
	seedTelemetry(t, stores.Telemetry, "constraint_violation", 2)

	m, err := job.MeasureOnce(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.25, m.Value, 1e-9)
}
