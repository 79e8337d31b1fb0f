package models

import "encoding/json"

// EventType represents the type of a streamed conversation event.
type EventType string

// Event is one incremental update of an assistant turn, as produced by the engine and folded into a
// conversation by Apply. Only the fields relevant to Type are filled.
type Event struct {
	Type EventType `json:"type"`

	// MessageID would be filled if Type is EventStart.
	MessageID string `json:"messageId,omitempty"`

	// ID identifies the text part of EventTextStart, EventTextDelta and EventTextEnd.
	ID string `json:"id,omitempty"`
	// Delta would be filled if Type is EventTextDelta.
	Delta string `json:"delta,omitempty"`

	// ToolCallID would be filled for every tool lifecycle event.
	ToolCallID string `json:"toolCallId,omitempty"`
	// ToolName would be filled if Type is EventToolInputStart or EventToolInputAvailable.
	ToolName string `json:"toolName,omitempty"`
	// InputTextDelta would be filled if Type is EventToolInputDelta.
	InputTextDelta string `json:"inputTextDelta,omitempty"`
	// Input would be filled if Type is EventToolInputAvailable.
	Input json.RawMessage `json:"input,omitempty"`
	// Output would be filled if Type is EventToolOutputAvailable.
	Output json.RawMessage `json:"output,omitempty"`

	// ErrorText would be filled if Type is EventToolOutputError or EventError.
	ErrorText string `json:"errorText,omitempty"`
}

const (
	EventStart               EventType = "start"
	EventStartStep           EventType = "start-step"
	EventTextStart           EventType = "text-start"
	EventTextDelta           EventType = "text-delta"
	EventTextEnd             EventType = "text-end"
	EventToolInputStart      EventType = "tool-input-start"
	EventToolInputDelta      EventType = "tool-input-delta"
	EventToolInputAvailable  EventType = "tool-input-available"
	EventToolOutputAvailable EventType = "tool-output-available"
	EventToolOutputError     EventType = "tool-output-error"
	EventFinishStep          EventType = "finish-step"
	EventFinish              EventType = "finish"
	EventError               EventType = "error"
)

// StreamDone is the sentinel data frame that terminates a chat event stream.
const StreamDone = "[DONE]"

// ChatRequest is the body of a chat stream request.
type ChatRequest struct {
	ID       string    `json:"id,omitempty"`
	Messages []Message `json:"messages"`
}
