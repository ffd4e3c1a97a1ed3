package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(writeConfig(t, ""), "arbiter.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 7700, cfg.Server.Port)
	assert.Equal(t, 50.0, cfg.Budget.SessionCeilingUSD)
	assert.Equal(t, 20.0, cfg.Budget.HourlyCapUSD)
	assert.Equal(t, 25, cfg.Breaker.MaxIterations)
	assert.Equal(t, 4*time.Hour, cfg.Approval.Timeout)
	assert.Equal(t, "reject", cfg.Approval.TimeoutAction)
	assert.Equal(t, time.Hour, cfg.InterruptTTL)
	assert.Equal(t, "agent-main", cfg.AgentID)
	assert.True(t, cfg.APL.Enabled)
	assert.Equal(t, "@hourly", cfg.APL.Schedule)
}

func TestLoadOverrides(t *testing.T) {
	doc := `
server:
  port: 8811
budget:
  session_ceiling_usd: 5
approval:
  timeout_action: auto_approve_low_risk
providers:
  - id: main
    model: gpt-test
    base_url: http://localhost:11434/v1
agent_id: agent-ops
`
	cfg, err := Load(filepath.Join(writeConfig(t, doc), "arbiter.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8811, cfg.Server.Port)
	assert.Equal(t, 5.0, cfg.Budget.SessionCeilingUSD)
	assert.Equal(t, "auto_approve_low_risk", cfg.Approval.TimeoutAction)
	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, "gpt-test", cfg.Providers[0].Model)
	assert.Equal(t, "agent-ops", cfg.AgentID)
}

func TestValidateRejectsBadValues(t *testing.T) {
	for name, doc := range map[string]string{
		"timeout action": "approval:\n  timeout_action: maybe\n",
		"provider id":    "providers:\n  - model: gpt-test\n",
		"concurrency":    "worker:\n  concurrency: 0\n",
	} {
		_, err := Load(filepath.Join(writeConfig(t, doc), "arbiter.yaml"))
		assert.Error(t, err, name)
	}
}

func writeConfig(t *testing.T, doc string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "arbiter.yaml"), []byte(doc), 0o644))
	return dir
}
