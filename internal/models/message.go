package models

import (
	"encoding/json"
	"slices"
)

// Message represents an individual entry of a conversation. It has a stable unique identifier, the
// participant's role, and the ordered parts produced for it. Parts are appended in emission order and
// only the trailing in-progress assistant message of a conversation is ever mutated.
type Message struct {
	ID    string `json:"id"`
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// Part is one typed fragment of a message. The Type field is the discriminant of the union, the
// remaining fields are filled according to it.
type Part struct {
	Type PartType

	// ID identifies a text part within the stream, so deltas can be routed to it. Text parts only.
	ID string
	// Text would be filled if Type is PartTypeText.
	Text string
	// TextState is the streaming state of a text part.
	TextState TextState

	// ToolCallID would be filled if Type is PartTypeTool.
	ToolCallID string
	// ToolName would be filled if Type is PartTypeTool.
	ToolName string
	// State is the lifecycle state of a tool part.
	State ToolState
	// Input holds the tool input. While State is ToolStateInputStreaming it is a best-effort parse
	// of InputText, afterwards it is the complete input produced by the model.
	Input json.RawMessage
	// InputText accumulates the raw streamed input of a tool part. It never leaves the process.
	InputText string
	// Output would be filled if State is ToolStateOutputAvailable.
	Output json.RawMessage
	// ErrorText would be filled if State is ToolStateOutputError.
	ErrorText string
}

// Role represents the role of a message participant.
type Role string

// PartType represents the type of a message part. Unknown wire types are kept verbatim.
type PartType string

// ToolState represents the lifecycle state of a tool part.
type ToolState string

// TextState represents the streaming state of a text part.
type TextState string

// Status is the status of a conversation from the client's point of view.
type Status string

const (
	// RoleUser represents a user message. A message with this role would only contain text parts.
	RoleUser Role = "user"
	// RoleAssistant represents an assistant message. A message with this role would contain text
	// parts and tool parts.
	RoleAssistant Role = "assistant"
	// RoleSystem represents system instructions.
	RoleSystem Role = "system"
	// RoleTool is only used for model messages carrying tool results.
	RoleTool Role = "tool"

	// PartTypeText represents text content.
	PartTypeText PartType = "text"
	// PartTypeTool represents a tool call and its lifecycle.
	PartTypeTool PartType = "tool"

	ToolStateInputStreaming  ToolState = "input-streaming"
	ToolStateInputAvailable  ToolState = "input-available"
	ToolStateOutputAvailable ToolState = "output-available"
	ToolStateOutputError     ToolState = "output-error"

	TextStateStreaming TextState = "streaming"
	TextStateDone      TextState = "done"

	StatusIdle      Status = "idle"
	StatusSubmitted Status = "submitted"
	StatusStreaming Status = "streaming"
	StatusError     Status = "error"
)

// Terminal reports whether no further transition is allowed out of s.
func (s ToolState) Terminal() bool {
	return s == ToolStateOutputAvailable || s == ToolStateOutputError
}

// rank orders tool states along the only allowed direction of travel.
func (s ToolState) rank() int {
	switch s {
	case ToolStateInputStreaming:
		return 1
	case ToolStateInputAvailable:
		return 2
	case ToolStateOutputAvailable, ToolStateOutputError:
		return 3
	default:
		return 0
	}
}

// Busy reports whether a turn is in flight.
func (s Status) Busy() bool {
	return s == StatusSubmitted || s == StatusStreaming
}

// NewTextMessage creates a message with a single, complete text part.
func NewTextMessage(id string, role Role, text string) Message {
	return Message{
		ID:    id,
		Role:  role,
		Parts: []Part{{Type: PartTypeText, Text: text, TextState: TextStateDone}},
	}
}

// Text concatenates all text parts of the message.
func (m Message) Text() string {
	var text string
	for _, p := range m.Parts {
		if p.Type == PartTypeText {
			text += p.Text
		}
	}
	return text
}

// Clone returns a deep copy of the message, so the copy can be mutated without touching m.
func (m Message) Clone() Message {
	c := m
	c.Parts = make([]Part, len(m.Parts))
	for i, p := range m.Parts {
		p.Input = slices.Clone(p.Input)
		p.Output = slices.Clone(p.Output)
		c.Parts[i] = p
	}
	return c
}

// CloneMessages deep-copies a conversation.
func CloneMessages(messages []Message) []Message {
	if messages == nil {
		return nil
	}
	res := make([]Message, len(messages))
	for i, m := range messages {
		res[i] = m.Clone()
	}
	return res
}
