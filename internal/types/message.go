// Package types defines the shared data model of the runtime: tagged
// messages, boot-locked policy records, the task envelope, and the event
// union published on per-task channels.
package types

import "time"

// Role is the conversational role of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Source records where a message's content originated. Content tagged
// SourceExternal is data, never instructions; the router wraps it in data
// delimiters before it reaches a provider.
type Source string

const (
	SourceSystem   Source = "system"
	SourceFounder  Source = "founder"
	SourceTask     Source = "task"
	SourceExternal Source = "external"
)

// TaggedMessage is a conversation message carrying its origin tag.
type TaggedMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Source  Source `json:"source"`
}

// SystemMessage builds a system-role message originating from the runtime.
func SystemMessage(content string) TaggedMessage {
	return TaggedMessage{Role: RoleSystem, Content: content, Source: SourceSystem}
}

// Data delimiters wrapped around any externally sourced content before it
// is shown to a model. The raw bytes between the markers are preserved
// verbatim.
const (
	ExternalDataBegin = "<<<EXTERNAL_DATA_BEGIN>>>"
	ExternalDataEnd   = "<<<EXTERNAL_DATA_END>>>"
)

// SanitizedInput wraps external content after it crossed the sanitization
// boundary. It is the only form in which outside content may enter a prompt.
type SanitizedInput struct {
	Content               string    `json:"content"`
	SourceType            string    `json:"source_type"`
	SanitizedAt           time.Time `json:"sanitized_at"`
	HadSuspiciousPatterns bool      `json:"had_suspicious_patterns"`
	PatternDetails        []string  `json:"pattern_details,omitempty"`
}
