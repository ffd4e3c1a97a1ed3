package types

import (
	"encoding/json"
	"fmt"
)

// EventType discriminates the event union on the wire.
type EventType string

const (
	EventStatus         EventType = "status"
	EventStream         EventType = "stream"
	EventToolCall       EventType = "tool_call"
	EventApprovalNeeded EventType = "approval_needed"
	EventDone           EventType = "done"
	EventError          EventType = "error"
)

// Event is the closed union published on a task's event channel. Exactly one
// terminal event (done or error) is emitted per task.
type Event interface {
	Type() EventType
	// TaskID identifies the task the event belongs to.
	TaskID() string
}

// StatusEvent reports a human-readable pipeline transition.
type StatusEvent struct {
	Task    string `json:"task_id"`
	Message string `json:"message"`
}

func (e StatusEvent) Type() EventType { return EventStatus }
func (e StatusEvent) TaskID() string  { return e.Task }

// StreamEvent carries one chunk of model output.
type StreamEvent struct {
	Task  string `json:"task_id"`
	Chunk string `json:"chunk"`
}

func (e StreamEvent) Type() EventType { return EventStream }
func (e StreamEvent) TaskID() string  { return e.Task }

// ToolCallEvent reports a tool invocation surfaced to the caller.
type ToolCallEvent struct {
	Task        string `json:"task_id"`
	Tool        string `json:"tool"`
	Description string `json:"description,omitempty"`
}

func (e ToolCallEvent) Type() EventType { return EventToolCall }
func (e ToolCallEvent) TaskID() string  { return e.Task }

// ApprovalNeededEvent asks a human to approve or decline an action.
type ApprovalNeededEvent struct {
	Task    string `json:"task_id"`
	Action  string `json:"action"`
	Context string `json:"context,omitempty"`
}

func (e ApprovalNeededEvent) Type() EventType { return EventApprovalNeeded }
func (e ApprovalNeededEvent) TaskID() string  { return e.Task }

// DoneEvent is the successful terminal event.
type DoneEvent struct {
	Task    string  `json:"task_id"`
	CostUSD float64 `json:"cost"`
	Tokens  int     `json:"tokens"`
}

func (e DoneEvent) Type() EventType { return EventDone }
func (e DoneEvent) TaskID() string  { return e.Task }

// ErrorEvent is the failing terminal event. IsInterrupt distinguishes a
// user-initiated halt from a genuine failure.
type ErrorEvent struct {
	Task        string `json:"task_id"`
	Message     string `json:"message"`
	IsInterrupt bool   `json:"is_interrupt,omitempty"`
}

func (e ErrorEvent) Type() EventType { return EventError }
func (e ErrorEvent) TaskID() string  { return e.Task }

// envelopeJSON is the wire frame: the discriminator plus the variant payload.
type envelopeJSON struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalEvent encodes an event into its wire frame.
func MarshalEvent(event Event) ([]byte, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	return json.Marshal(envelopeJSON{Type: event.Type(), Payload: payload})
}

// UnmarshalEvent decodes a wire frame back into the concrete variant.
func UnmarshalEvent(data []byte) (Event, error) {
	var frame envelopeJSON
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("unmarshal event frame: %w", err)
	}

	var event Event
	switch frame.Type {
	case EventStatus:
		event = &StatusEvent{}
	case EventStream:
		event = &StreamEvent{}
	case EventToolCall:
		event = &ToolCallEvent{}
	case EventApprovalNeeded:
		event = &ApprovalNeededEvent{}
	case EventDone:
		event = &DoneEvent{}
	case EventError:
		event = &ErrorEvent{}
	default:
		return nil, fmt.Errorf("unknown event type %q", frame.Type)
	}
	if err := json.Unmarshal(frame.Payload, event); err != nil {
		return nil, fmt.Errorf("unmarshal %s payload: %w", frame.Type, err)
	}

	switch e := event.(type) {
	case *StatusEvent:
		return *e, nil
	case *StreamEvent:
		return *e, nil
	case *ToolCallEvent:
		return *e, nil
	case *ApprovalNeededEvent:
		return *e, nil
	case *DoneEvent:
		return *e, nil
	case *ErrorEvent:
		return *e, nil
	}
	return event, nil
}
