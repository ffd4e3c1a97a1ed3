package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbiter/internal/types"
)

func TestLoadPolicyFileMissingUsesDefaults(t *testing.T) {
	pf, err := loadPolicyFile(filepath.Join(t.TempDir(), "policy.yaml"))
	require.NoError(t, err)
	assert.NotEmpty(t, pf.Constraints)
	assert.NotEmpty(t, pf.Triggers)
	require.Len(t, pf.ConfidenceMap, 3)
}

func TestLoadPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	doc := `
constraints:
  - id: no-offshore
    description: Funds stay onshore
    rule: transfer funds offshore accounts
    category: compliance
    critical: true
triggers:
  - id: contract
    patterns: ["sign the contract"]
    action: escalate
    priority: 1
confidence_map:
  - {min: 0.0, max: 0.49, action: escalate}
  - {min: 0.5, max: 0.79, action: slow_down}
  - {min: 0.8, max: 1.0, action: act}
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	pf, err := loadPolicyFile(path)
	require.NoError(t, err)
	require.Len(t, pf.Constraints, 1)
	assert.Equal(t, "no-offshore", pf.Constraints[0].ID)
	assert.Equal(t, types.CategoryCompliance, pf.Constraints[0].Category)
	assert.True(t, pf.Constraints[0].Critical)
	require.Len(t, pf.Triggers, 1)
	assert.Equal(t, types.TriggerEscalate, pf.Triggers[0].Action)
	require.Len(t, pf.ConfidenceMap, 3)
	assert.Equal(t, types.ConfidenceAct, pf.ConfidenceMap[2].Action)
}

func TestLoadPolicyFileRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("constraints: {not a list"), 0o644))
	_, err := loadPolicyFile(path)
	assert.Error(t, err)
}
