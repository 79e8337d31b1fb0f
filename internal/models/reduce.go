package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

var (
	// ErrNoActiveMessage is returned when an event targets the in-progress assistant message, but the
	// conversation doesn't end with one.
	ErrNoActiveMessage = errors.New("no in-progress assistant message")
	// ErrUnknownToolCall is returned when an event references a tool call that was never started.
	ErrUnknownToolCall = errors.New("unknown tool call")
	// ErrInvalidTransition is returned when an event would move a tool part backwards, or out of a
	// terminal state.
	ErrInvalidTransition = errors.New("invalid tool state transition")
	// ErrDuplicateMessage is returned when a turn starts with an ID already used in the conversation.
	ErrDuplicateMessage = errors.New("duplicate message id")
)

// Apply folds a single event into the conversation and returns the updated conversation. The input
// slice and its messages are never modified: the in-progress message is copied before it is changed,
// so snapshots handed out earlier stay valid.
//
// Events the conversation can't accept leave it as it is and return an error describing why. Event
// types Apply doesn't know, and events that carry no part content (steps, finish, error), are no-ops.
func Apply(messages []Message, ev Event) ([]Message, error) {
	switch ev.Type {
	case EventStart:
		return start(messages, ev.MessageID)
	case EventTextStart, EventTextDelta, EventTextEnd:
		return updateActive(messages, func(m *Message) error {
			applyText(m, ev)
			return nil
		})
	case EventToolInputStart, EventToolInputDelta, EventToolInputAvailable,
		EventToolOutputAvailable, EventToolOutputError:
		return updateActive(messages, func(m *Message) error {
			return applyTool(m, ev)
		})
	default:
		return messages, nil
	}
}

func start(messages []Message, id string) ([]Message, error) {
	if id == "" {
		return messages, fmt.Errorf("start event without message id")
	}
	if n := len(messages); n > 0 && messages[n-1].Role == RoleAssistant && messages[n-1].ID == id {
		return messages, nil
	}
	if slices.ContainsFunc(messages, func(m Message) bool { return m.ID == id }) {
		return messages, fmt.Errorf("%w: %s", ErrDuplicateMessage, id)
	}
	res := make([]Message, len(messages), len(messages)+1)
	copy(res, messages)
	return append(res, Message{ID: id, Role: RoleAssistant}), nil
}

func updateActive(messages []Message, fn func(*Message) error) ([]Message, error) {
	n := len(messages)
	if n == 0 || messages[n-1].Role != RoleAssistant {
		return messages, ErrNoActiveMessage
	}
	active := messages[n-1].Clone()
	if err := fn(&active); err != nil {
		return messages, err
	}
	res := make([]Message, n)
	copy(res, messages[:n-1])
	res[n-1] = active
	return res, nil
}

func applyText(m *Message, ev Event) {
	idx := slices.IndexFunc(m.Parts, func(p Part) bool {
		return p.Type == PartTypeText && p.ID == ev.ID
	})

	switch ev.Type {
	case EventTextStart:
		if idx == -1 {
			m.Parts = append(m.Parts, Part{Type: PartTypeText, ID: ev.ID, TextState: TextStateStreaming})
		}
	case EventTextDelta:
		if idx == -1 {
			m.Parts = append(m.Parts, Part{Type: PartTypeText, ID: ev.ID, TextState: TextStateStreaming})
			idx = len(m.Parts) - 1
		}
		m.Parts[idx].Text += ev.Delta
	case EventTextEnd:
		if idx != -1 {
			m.Parts[idx].TextState = TextStateDone
		}
	}
}

func applyTool(m *Message, ev Event) error {
	if ev.ToolCallID == "" {
		return fmt.Errorf("%s event without tool call id", ev.Type)
	}
	idx := slices.IndexFunc(m.Parts, func(p Part) bool {
		return p.Type == PartTypeTool && p.ToolCallID == ev.ToolCallID
	})

	target := ToolStateInputStreaming
	switch ev.Type {
	case EventToolInputDelta:
		// Deltas keep the part in input-streaming, handled separately below.
		if idx == -1 {
			return fmt.Errorf("%w: %s", ErrUnknownToolCall, ev.ToolCallID)
		}
		part := &m.Parts[idx]
		if part.State != ToolStateInputStreaming {
			return fmt.Errorf("%w: input delta for %s in state %s", ErrInvalidTransition, ev.ToolCallID, part.State)
		}
		part.InputText += ev.InputTextDelta
		part.Input = ParsePartialJSON(part.InputText)
		return nil
	case EventToolInputAvailable:
		target = ToolStateInputAvailable
	case EventToolOutputAvailable:
		target = ToolStateOutputAvailable
	case EventToolOutputError:
		target = ToolStateOutputError
	}

	if idx == -1 {
		if target.Terminal() {
			return fmt.Errorf("%w: %s", ErrUnknownToolCall, ev.ToolCallID)
		}
		m.Parts = append(m.Parts, Part{
			Type:       PartTypeTool,
			ToolCallID: ev.ToolCallID,
			ToolName:   ev.ToolName,
		})
		idx = len(m.Parts) - 1
	} else if target.rank() <= m.Parts[idx].State.rank() {
		return fmt.Errorf("%w: %s from %s to %s", ErrInvalidTransition, ev.ToolCallID, m.Parts[idx].State, target)
	}

	part := &m.Parts[idx]
	part.State = target
	switch target {
	case ToolStateInputAvailable:
		if ev.ToolName != "" {
			part.ToolName = ev.ToolName
		}
		part.Input = ev.Input
		if len(part.Input) == 0 {
			part.Input = json.RawMessage("{}")
		}
	case ToolStateOutputAvailable:
		part.Output = ev.Output
		if len(part.Output) == 0 {
			part.Output = json.RawMessage("null")
		}
	case ToolStateOutputError:
		part.ErrorText = ev.ErrorText
	}
	return nil
}
