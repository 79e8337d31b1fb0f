package services

import (
	"encoding/json"
	"log/slog"
	"slices"

	"github.com/MegaGrindStone/market-chat/internal/models"
	"github.com/google/uuid"
)

// LLMParameters are the optional sampling parameters passed to a provider. Nil fields are left to
// the provider default.
type LLMParameters struct {
	Temperature      *float32       `yaml:"temperature"`
	TopP             *float32       `yaml:"topP"`
	Stop             []string       `yaml:"stop"`
	PresencePenalty  *float32       `yaml:"presencePenalty"`
	FrequencyPenalty *float32       `yaml:"frequencyPenalty"`
	Seed             *int           `yaml:"seed"`
	LogitBias        map[string]int `yaml:"logitBias"`
	MaxTokens        *int           `yaml:"maxTokens"`
}

// toolCallAccumulator collects the tool call deltas of an OpenAI style stream, where the first delta
// of a call carries its ID and name and later ones only its index and a piece of the arguments.
type toolCallAccumulator struct {
	order []int
	calls map[int]*pendingCall
}

type pendingCall struct {
	id   string
	name string
	args string
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{calls: make(map[int]*pendingCall)}
}

// add folds one delta in and returns the chunks to forward: a tool-input-start the first time a call
// is seen, then a tool-input-delta for every non-empty piece of arguments.
func (a *toolCallAccumulator) add(index int, id, name, args string) []models.Chunk {
	var chunks []models.Chunk

	call, ok := a.calls[index]
	if !ok {
		// Some OpenAI compatible servers omit the ID. Indexes restart every step, so they cannot stand in.
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		call = &pendingCall{id: id, name: name}
		a.calls[index] = call
		a.order = append(a.order, index)
		chunks = append(chunks, models.Chunk{
			Type:       models.ChunkTypeToolInputStart,
			ToolCallID: call.id,
			ToolName:   call.name,
		})
	} else if call.name == "" && name != "" {
		call.name = name
	}

	if args != "" {
		call.args += args
		chunks = append(chunks, models.Chunk{
			Type:       models.ChunkTypeToolInputDelta,
			ToolCallID: call.id,
			InputDelta: args,
		})
	}
	return chunks
}

// finish returns the complete tool calls ordered by index.
func (a *toolCallAccumulator) finish(logger *slog.Logger) []models.Chunk {
	order := slices.Clone(a.order)
	slices.Sort(order)

	chunks := make([]models.Chunk, 0, len(order))
	for _, idx := range order {
		call := a.calls[idx]
		chunks = append(chunks, models.Chunk{
			Type:       models.ChunkTypeToolCall,
			ToolCallID: call.id,
			ToolName:   call.name,
			Input:      toolInput(call.args, call.name, logger),
		})
	}
	return chunks
}

// toolInput turns raw streamed arguments into a JSON value. Models sometimes produce arguments that
// aren't valid JSON; those are passed on as a JSON string so input validation rejects them and the
// model gets to see why.
func toolInput(args, name string, logger *slog.Logger) json.RawMessage {
	if args == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(args)) {
		return json.RawMessage(args)
	}
	logger.Warn("Tool input is not valid JSON",
		slog.String("toolName", name),
		slog.String("input", args))
	s, _ := json.Marshal(args)
	return s
}
