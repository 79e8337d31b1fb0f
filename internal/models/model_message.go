package models

import (
	"encoding/json"
	"strings"
)

// ModelMessage is a message in the shape language models consume: plain turns with optional tool calls
// (assistant) or tool results (tool).
type ModelMessage struct {
	Role        Role
	Text        string
	ToolCalls   []ModelToolCall
	ToolResults []ModelToolResult
}

// ModelToolCall is a tool invocation requested by the model in a previous step.
type ModelToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ModelToolResult is the outcome of a ModelToolCall. Output holds either the tool output, or the error
// text encoded as a JSON string when IsError is set.
type ModelToolResult struct {
	ToolCallID string
	ToolName   string
	Output     json.RawMessage
	IsError    bool
}

// ChunkType represents the type of a chunk streamed by a language model within one step.
type ChunkType string

// Chunk is one piece of a model generation step.
type Chunk struct {
	Type ChunkType

	// Text would be filled if Type is ChunkTypeText.
	Text string

	// ToolCallID is filled for every tool chunk.
	ToolCallID string
	// ToolName would be filled if Type is ChunkTypeToolInputStart or ChunkTypeToolCall.
	ToolName string
	// InputDelta would be filled if Type is ChunkTypeToolInputDelta.
	InputDelta string
	// Input would be filled if Type is ChunkTypeToolCall, with the complete input of the call.
	Input json.RawMessage
}

const (
	// ChunkTypeText is a text delta.
	ChunkTypeText ChunkType = "text"
	// ChunkTypeToolInputStart announces a tool call while its input is still being generated.
	ChunkTypeToolInputStart ChunkType = "tool-input-start"
	// ChunkTypeToolInputDelta carries a piece of the raw tool input.
	ChunkTypeToolInputDelta ChunkType = "tool-input-delta"
	// ChunkTypeToolCall is a complete tool call the model wants executed.
	ChunkTypeToolCall ChunkType = "tool-call"
)

// ConvertToModelMessages converts the stored conversation to model messages. User and system messages
// become plain text turns. An assistant message is split at every text that follows a tool call, so
// each step is re-serialized as an assistant turn with its calls followed by a tool turn with their
// results. Tool parts that never reached a terminal state, as left behind by a stopped turn, have no
// result to report and are dropped, the same goes for unknown part types.
func ConvertToModelMessages(messages []Message) []ModelMessage {
	var res []ModelMessage
	for _, msg := range messages {
		switch msg.Role {
		case RoleUser, RoleSystem:
			text := msg.Text()
			if text == "" {
				continue
			}
			res = append(res, ModelMessage{Role: msg.Role, Text: text})
		case RoleAssistant:
			res = append(res, assistantModelMessages(msg)...)
		}
	}
	return res
}

func assistantModelMessages(msg Message) []ModelMessage {
	var (
		res     []ModelMessage
		text    strings.Builder
		calls   []ModelToolCall
		results []ModelToolResult
	)
	flush := func() {
		if text.Len() == 0 && len(calls) == 0 {
			return
		}
		res = append(res, ModelMessage{Role: RoleAssistant, Text: text.String(), ToolCalls: calls})
		if len(results) > 0 {
			res = append(res, ModelMessage{Role: RoleTool, ToolResults: results})
		}
		text.Reset()
		calls, results = nil, nil
	}

	for _, p := range msg.Parts {
		switch p.Type {
		case PartTypeText:
			if len(calls) > 0 {
				flush()
			}
			text.WriteString(p.Text)
		case PartTypeTool:
			if !p.State.Terminal() {
				continue
			}
			input := p.Input
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			calls = append(calls, ModelToolCall{ID: p.ToolCallID, Name: p.ToolName, Input: input})
			result := ModelToolResult{ToolCallID: p.ToolCallID, ToolName: p.ToolName, Output: p.Output}
			if p.State == ToolStateOutputError {
				errText, _ := json.Marshal(p.ErrorText)
				result.Output = errText
				result.IsError = true
			}
			if len(result.Output) == 0 {
				result.Output = json.RawMessage("null")
			}
			results = append(results, result)
		}
	}
	flush()
	return res
}
