package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbiter/internal/approval"
	"arbiter/internal/breaker"
	"arbiter/internal/budget"
	"arbiter/internal/interrupt"
	"arbiter/internal/logging"
	"arbiter/internal/memory"
	"arbiter/internal/orchestrator"
	"arbiter/internal/policy"
	"arbiter/internal/skills"
	"arbiter/internal/storage"
)

type testStack struct {
	server     *Server
	orch       *orchestrator.Orchestrator
	interrupts *interrupt.Store
	ring       *logging.Ring
	skills     *skills.Registry
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	_, stores := storage.NewMem()
	interrupts := interrupt.NewStore(time.Hour, nil)
	gate := approval.NewGate(approval.Config{
		PollInterval: 10 * time.Millisecond,
		Timeout:      50 * time.Millisecond,
	}, stores.Approvals, nil)

	orch := orchestrator.New(orchestrator.Config{Concurrency: 1}, orchestrator.Deps{
		Queue:      orchestrator.NewMemQueue(nil),
		Events:     orchestrator.NewEventBus(nil),
		Policy:     policy.New(),
		Budget:     budget.New(budget.Config{SessionCeilingUSD: 50, HourlyCapUSD: 20}),
		Breaker:    breaker.New(breaker.Config{}),
		Interrupts: interrupts,
		Gate:       gate,
		Stores:     stores,
	})

	mem, err := memory.New(memory.Config{}, nil)
	require.NoError(t, err)
	registry, err := skills.NewRegistry(t.TempDir(), nil)
	require.NoError(t, err)
	ring := logging.NewRing(64)

	srv := New(Config{
		Host:      "127.0.0.1",
		Port:      0,
		Model:     "mock-model",
		AgentID:   "agent-1",
		CompanyID: "co-1",
	}, Deps{
		Orchestrator: orch,
		Interrupts:   interrupts,
		Budget:       budget.New(budget.Config{SessionCeilingUSD: 50, HourlyCapUSD: 20}),
		Gate:         gate,
		Memory:       mem,
		Skills:       registry,
		LogRing:      ring,
	})
	return &testStack{server: srv, orch: orch, interrupts: interrupts, ring: ring, skills: registry}
}

func (ts *testStack) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	ts := newTestStack(t)
	rec := ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
}

func TestStatusShape(t *testing.T) {
	ts := newTestStack(t)
	rec := ts.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, true, body["running"])
	assert.Equal(t, "mock-model", body["model"])
	usage, ok := body["usage"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 0.0, usage["cost"])
	assert.NotNil(t, body["activeTasks"])
	assert.NotNil(t, body["haltedTasks"])
}

func TestSubmitAndFetchTask(t *testing.T) {
	ts := newTestStack(t)
	rec := ts.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"tasks": []map[string]any{{"spec": "summarize the weekly report"}},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	ids, ok := decode(t, rec)["taskIds"].([]any)
	require.True(t, ok)
	require.Len(t, ids, 1)
	id := ids[0].(string)

	rec = ts.do(t, http.MethodGet, "/api/tasks/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/tasks/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitTasksRequiresBody(t *testing.T) {
	ts := newTestStack(t)
	rec := ts.do(t, http.MethodPost, "/api/tasks", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTaskStopAndResume(t *testing.T) {
	ts := newTestStack(t)
	rec := ts.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"tasks": []map[string]any{{"spec": "long running analysis"}},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := decode(t, rec)["taskIds"].([]any)[0].(string)

	rec = ts.do(t, http.MethodPost, "/api/tasks/"+id+"/stop", map[string]any{"force": true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, ts.interrupts.ListHalted(), id)

	rec = ts.do(t, http.MethodPost, "/api/tasks/"+id+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, ts.interrupts.ListHalted())
}

func TestMemoryRoundTrip(t *testing.T) {
	ts := newTestStack(t)

	rec := ts.do(t, http.MethodPost, "/api/memory", map[string]any{
		"type":    "fact",
		"content": "deploys happen on fridays",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	id, ok := decode(t, rec)["id"].(string)
	require.True(t, ok)
	require.NotEmpty(t, id)

	rec = ts.do(t, http.MethodGet, "/api/memory/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "deploys happen on fridays", decode(t, rec)["content"])

	rec = ts.do(t, http.MethodGet, "/api/memory?q=deploys+happen+on+fridays&limit=3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	matches, ok := decode(t, rec)["matches"].([]any)
	require.True(t, ok)
	assert.NotEmpty(t, matches)

	rec = ts.do(t, http.MethodDelete, "/api/memory/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/memory/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMemoryAddRequiresContent(t *testing.T) {
	ts := newTestStack(t)
	rec := ts.do(t, http.MethodPost, "/api/memory", map[string]any{"type": "fact"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func writeSkillSource(t *testing.T, name string) string {
	t.Helper()
	dir := t.TempDir()
	manifest := "name: " + name + "\nversion: 1.0.0\ndescription: test skill\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skill.yaml"), []byte(manifest), 0o644))
	return dir
}

func TestSkillsLifecycle(t *testing.T) {
	ts := newTestStack(t)
	src := writeSkillSource(t, "report-writer")

	rec := ts.do(t, http.MethodPost, "/api/skills/install", map[string]any{"source": src})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/skills", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list, ok := decode(t, rec)["skills"].([]any)
	require.True(t, ok)
	require.Len(t, list, 1)

	rec = ts.do(t, http.MethodPost, "/api/skills/report-writer/disable", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	skill, err := ts.skills.Get("report-writer")
	require.NoError(t, err)
	assert.False(t, skill.Enabled)

	rec = ts.do(t, http.MethodPost, "/api/skills/report-writer/enable", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/skills/report-writer", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/skills/report-writer/enable", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSkillInstallWithNameOverride(t *testing.T) {
	ts := newTestStack(t)
	src := writeSkillSource(t, "report-writer")

	rec := ts.do(t, http.MethodPost, "/api/skills/install", map[string]any{"source": src, "name": "weekly-report"})
	require.Equal(t, http.StatusCreated, rec.Code)

	skill, err := ts.skills.Get("weekly-report")
	require.NoError(t, err)
	assert.Equal(t, "weekly-report", skill.Manifest.Name)
	_, err = ts.skills.Get("report-writer")
	assert.Error(t, err)
}

func TestLogsFilter(t *testing.T) {
	ts := newTestStack(t)
	ts.ring.Append(logging.Entry{Time: time.Now(), Level: "debug", Message: "noise"})
	ts.ring.Append(logging.Entry{Time: time.Now(), Level: "warn", Message: "budget nearing cap", TaskID: "t-1"})

	rec := ts.do(t, http.MethodGet, "/api/logs?level=warn", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	logs, ok := decode(t, rec)["logs"].([]any)
	require.True(t, ok)
	require.Len(t, logs, 1)

	rec = ts.do(t, http.MethodGet, "/api/logs?taskId=t-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	logs = decode(t, rec)["logs"].([]any)
	require.Len(t, logs, 1)

	rec = ts.do(t, http.MethodGet, "/api/logs?taskId=t-other", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode(t, rec)["logs"])
}

func TestApprovalsPendingEmpty(t *testing.T) {
	ts := newTestStack(t)
	rec := ts.do(t, http.MethodGet, "/api/approvals", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pending, ok := decode(t, rec)["pending"].([]any)
	require.True(t, ok)
	assert.Empty(t, pending)
}

func TestApprovalResolveUnknown(t *testing.T) {
	ts := newTestStack(t)
	rec := ts.do(t, http.MethodPost, "/api/approvals/unknown-id/resolve", map[string]any{"approved": true})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStopSchedulesShutdown(t *testing.T) {
	ts := newTestStack(t)
	done := make(chan struct{})
	ts.server.deps.Shutdown = func() { close(done) }

	rec := ts.do(t, http.MethodPost, "/api/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("shutdown hook not invoked")
	}
}
