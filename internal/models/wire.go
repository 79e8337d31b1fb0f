package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

const toolTypePrefix = "tool-"

type wirePart struct {
	Type       string          `json:"type"`
	Text       string          `json:"text,omitempty"`
	State      string          `json:"state,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	ErrorText  string          `json:"errorText,omitempty"`
}

// MarshalJSON encodes the part in the UI message shape: text parts as {"type":"text"}, tool parts as
// {"type":"tool-<name>"}.
func (p Part) MarshalJSON() ([]byte, error) {
	w := wirePart{Type: string(p.Type)}
	switch p.Type {
	case PartTypeText:
		w.Text = p.Text
		w.State = string(p.TextState)
	case PartTypeTool:
		w.Type = toolTypePrefix + p.ToolName
		w.ToolCallID = p.ToolCallID
		w.State = string(p.State)
		w.Input = p.Input
		if p.Input == nil && p.State != ToolStateInputStreaming {
			w.Input = json.RawMessage("{}")
		}
		w.Output = p.Output
		w.ErrorText = p.ErrorText
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a part from the UI message shape. Types it doesn't know are kept as-is so they
// survive a round trip, but carry no content.
func (p *Part) UnmarshalJSON(data []byte) error {
	var w wirePart
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Type == "" {
		return fmt.Errorf("part type is required")
	}

	*p = Part{Type: PartType(w.Type)}
	switch {
	case w.Type == string(PartTypeText):
		p.Text = w.Text
		p.TextState = TextState(w.State)
	case w.Type == "dynamic-tool", strings.HasPrefix(w.Type, toolTypePrefix):
		name := strings.TrimPrefix(w.Type, toolTypePrefix)
		if w.Type == "dynamic-tool" {
			name = w.ToolName
		}
		if name == "" {
			return fmt.Errorf("tool part without tool name")
		}
		p.Type = PartTypeTool
		p.ToolName = name
		p.ToolCallID = w.ToolCallID
		p.State = ToolState(w.State)
		p.Input = w.Input
		p.Output = w.Output
		p.ErrorText = w.ErrorText
	}
	return nil
}
