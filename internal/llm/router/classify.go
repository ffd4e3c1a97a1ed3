package router

import "strings"

// Classification buckets tasks for routing rules.
type Classification string

const (
	ClassSensitive     Classification = "sensitive"
	ClassJudgmentHeavy Classification = "judgment_heavy"
	ClassFast          Classification = "fast"
	ClassStandard      Classification = "standard"
)

// fastSpecMaxLen is the spec length under which format-style work counts as
// fast.
const fastSpecMaxLen = 200

var sensitiveTerms = []string{"password", "credential", "ssn", "credit card", "private key"}

var judgmentTerms = []string{"analyze", "evaluate", "recommend", "strategy", "decision", "assess"}

var fastTerms = []string{"format", "convert", "summarize", "extract", "list"}

// Classify buckets a task spec. Sensitive content wins over everything;
// carrying more than five hard constraints upgrades fast work to standard.
func Classify(spec string, constraintCount int) Classification {
	lower := strings.ToLower(spec)

	for _, term := range sensitiveTerms {
		if strings.Contains(lower, term) {
			return ClassSensitive
		}
	}
	for _, term := range judgmentTerms {
		if strings.Contains(lower, term) {
			return ClassJudgmentHeavy
		}
	}
	if len(spec) < fastSpecMaxLen {
		for _, term := range fastTerms {
			if strings.Contains(lower, term) {
				if constraintCount > 5 {
					return ClassStandard
				}
				return ClassFast
			}
		}
	}
	return ClassStandard
}
