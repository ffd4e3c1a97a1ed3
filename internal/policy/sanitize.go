package policy

import (
	"regexp"
	"time"

	"arbiter/internal/types"
)

// injectionPatterns are the known prompt-injection shapes scanned for in
// external content. Matching never removes content; it only sets the
// suspicious flag so downstream consumers can weigh the input.
var injectionPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"ignore_previous_instructions", regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|above)\s+instructions`)},
	{"disregard_previous", regexp.MustCompile(`(?i)disregard\s+previous`)},
	{"you_are_now", regexp.MustCompile(`(?i)you\s+are\s+now\s+a?`)},
	{"new_instructions", regexp.MustCompile(`(?i)new\s+instructions\s*:`)},
	{"system_prompt", regexp.MustCompile(`(?i)system\s+prompt\s*:`)},
	{"chat_template_delimiter", regexp.MustCompile(`(?i)(<\|im_start\|>|<\|im_end\|>|\[INST\]|\[/INST\]|<\|system\|>|<\|user\|>|<\|assistant\|>)`)},
	{"no_constraints", regexp.MustCompile(`(?i)act\s+as\s+if\s+you\s+have\s+no\s+constraints`)},
	{"override_constraints", regexp.MustCompile(`(?i)override\s+your\s+(constraints|rules|instructions)`)},
	{"pretend_you_are", regexp.MustCompile(`(?i)pretend\s+(that\s+)?you\s+are`)},
	{"forget_instructions", regexp.MustCompile(`(?i)forget\s+(everything|your\s+instructions)`)},
	{"do_not_follow_rules", regexp.MustCompile(`(?i)do\s+not\s+follow\s+your\s+(rules|constraints)`)},
}

// SanitizeExternalInput wraps raw external content in explicit data
// delimiters and scans it for known injection patterns. The raw bytes are
// preserved verbatim between the markers so the model sees data, not
// commands, and nothing is ever silently dropped.
func SanitizeExternalInput(raw, sourceType string) types.SanitizedInput {
	var details []string
	for _, p := range injectionPatterns {
		if p.re.MatchString(raw) {
			details = append(details, p.name)
		}
	}

	return types.SanitizedInput{
		Content:               types.ExternalDataBegin + "\n" + raw + "\n" + types.ExternalDataEnd,
		SourceType:            sourceType,
		SanitizedAt:           time.Now().UTC(),
		HadSuspiciousPatterns: len(details) > 0,
		PatternDetails:        details,
	}
}
