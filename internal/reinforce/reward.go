// Package reinforce adjusts routing and escalation parameters from observed
// task outcomes. It never touches boot-locked policy; the adapters apply
// learned deltas on top of it.
package reinforce

// Reward component weights. They sum to 1.0.
const (
	weightOutcomeDelta        = 0.40
	weightCostEfficiency      = 0.20
	weightEscalationPrecision = 0.20
	weightOverridePenalty     = 0.10
	weightCalibrationError    = 0.10
)

// Outcome is one observed task completion fed into the loop.
type Outcome struct {
	CompanyID  string
	AgentID    string
	TaskType   string
	ProviderID string

	Success             bool
	APLDelta            *float64 // measured delta vs. baseline; nil when unavailable
	ActualCostUSD       float64
	BudgetUSD           float64
	Escalated           bool
	EscalationWarranted bool // confirmed by the reviewer
	HumanOverride       bool
	Confidence          float64
}

// RewardVector holds the five normalized components, each in [-1, 1].
type RewardVector struct {
	OutcomeDelta        float64 `json:"outcome_delta"`
	CostEfficiency      float64 `json:"cost_efficiency"`
	EscalationPrecision float64 `json:"escalation_precision"`
	OverridePenalty     float64 `json:"override_penalty"`
	CalibrationError    float64 `json:"calibration_error"`
}

// Total is the weighted sum, clamped to [-1, 1].
func (v RewardVector) Total() float64 {
	total := v.OutcomeDelta*weightOutcomeDelta +
		v.CostEfficiency*weightCostEfficiency +
		v.EscalationPrecision*weightEscalationPrecision +
		v.OverridePenalty*weightOverridePenalty +
		v.CalibrationError*weightCalibrationError
	return clamp(total, -1, 1)
}

// Map renders the vector for the audit row.
func (v RewardVector) Map() map[string]float64 {
	return map[string]float64{
		"outcome_delta":        v.OutcomeDelta,
		"cost_efficiency":      v.CostEfficiency,
		"escalation_precision": v.EscalationPrecision,
		"override_penalty":     v.OverridePenalty,
		"calibration_error":    v.CalibrationError,
	}
}

// ComputeReward derives the vector from one outcome.
func ComputeReward(o Outcome) RewardVector {
	var v RewardVector

	if o.APLDelta != nil {
		v.OutcomeDelta = clamp(*o.APLDelta, -1, 1)
	} else if o.Success {
		v.OutcomeDelta = 0.5
	} else {
		v.OutcomeDelta = -0.5
	}

	if o.BudgetUSD > 0 {
		v.CostEfficiency = clamp(1-o.ActualCostUSD/o.BudgetUSD, -1, 1)
	}

	if o.Escalated {
		if o.EscalationWarranted {
			v.EscalationPrecision = 1
		} else {
			v.EscalationPrecision = -1
		}
	}

	if o.HumanOverride {
		v.OverridePenalty = -1
	}

	actual := 0.0
	if o.Success {
		actual = 1.0
	}
	v.CalibrationError = -abs(o.Confidence - actual)

	return v
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
