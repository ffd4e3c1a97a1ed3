package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"arbiter/internal/types"
)

// policyFile is the on-disk boot policy schema. Field names follow the wire
// names of the judgment profile.
type policyFile struct {
	Constraints   []types.Constraint      `yaml:"constraints"`
	Triggers      []types.Trigger         `yaml:"triggers"`
	ConfidenceMap []types.ConfidenceRange `yaml:"confidence_map"`
}

// loadPolicyFile reads the boot policy. A missing file falls back to the
// built-in defaults so standalone mode starts without any setup.
func loadPolicyFile(path string) (policyFile, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return defaultPolicy(), nil
	}
	if err != nil {
		return policyFile{}, fmt.Errorf("read policy %s: %w", path, err)
	}

	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return policyFile{}, fmt.Errorf("parse policy %s: %w", path, err)
	}
	if len(pf.ConfidenceMap) == 0 {
		pf.ConfidenceMap = defaultPolicy().ConfidenceMap
	}
	return pf, nil
}

// defaultPolicy is the judgment profile used when no policy file exists.
func defaultPolicy() policyFile {
	return policyFile{
		Constraints: []types.Constraint{
			{
				ID:          "cred-exfil",
				Description: "Credentials never leave the vault",
				Rule:        "send credentials secrets keys to external destinations",
				Category:    types.CategorySecurity,
				Critical:    true,
			},
			{
				ID:          "destructive-data",
				Description: "No irreversible data deletion without approval",
				Rule:        "permanently delete drop destroy production data",
				Category:    types.CategoryOperational,
				Critical:    true,
			},
		},
		Triggers: []types.Trigger{
			{
				ID:          "irreversible-action",
				Description: "Escalate anything that cannot be undone",
				Patterns:    []string{"irreversible", "cannot be undone", "permanent deletion"},
				Action:      types.TriggerEscalate,
				Priority:    1,
			},
			{
				ID:          "external-spend",
				Description: "Escalate commitments of money to outside parties",
				Patterns:    []string{"wire transfer", "purchase order", "sign the contract"},
				Action:      types.TriggerEscalate,
				Priority:    2,
			},
		},
		ConfidenceMap: []types.ConfidenceRange{
			{Min: 0.0, Max: 0.49, Action: types.ConfidenceEscalate},
			{Min: 0.5, Max: 0.79, Action: types.ConfidenceSlowDown},
			{Min: 0.8, Max: 1.0, Action: types.ConfidenceAct},
		},
	}
}
