package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/MegaGrindStone/go-mcp"
	"github.com/MegaGrindStone/market-chat/internal/models"
	"github.com/google/uuid"
	"github.com/ollama/ollama/api"
)

// Ollama provides an implementation of the LLM interface for interacting with Ollama's language models.
// It manages connections to an Ollama server instance and handles streaming chat completions.
type Ollama struct {
	host   string
	model  string
	params LLMParameters

	client *api.Client

	logger *slog.Logger
}

// NewOllama creates a new Ollama instance with the specified host URL and model name. The host
// parameter should be a valid URL pointing to an Ollama server.
func NewOllama(host, model string, params LLMParameters, logger *slog.Logger) (Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("error parsing ollama host: %w", err)
	}

	return Ollama{
		host:   host,
		model:  model,
		params: params,
		client: api.NewClient(u, &http.Client{}),
		logger: logger.With(slog.String("module", "ollama")),
	}, nil
}

func ollamaMessages(messages []models.ModelMessage) ([]api.Message, error) {
	msgs := make([]api.Message, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleTool:
			for _, res := range msg.ToolResults {
				msgs = append(msgs, api.Message{Role: "tool", Content: string(res.Output)})
			}
		case models.RoleAssistant:
			m := api.Message{Role: "assistant", Content: msg.Text}
			for _, call := range msg.ToolCalls {
				var args api.ToolCallFunctionArguments
				if err := json.Unmarshal(call.Input, &args); err != nil {
					return nil, fmt.Errorf("error unmarshaling tool input of %s: %w", call.Name, err)
				}
				tc := api.ToolCall{}
				tc.Function.Name = call.Name
				tc.Function.Arguments = args
				m.ToolCalls = append(m.ToolCalls, tc)
			}
			msgs = append(msgs, m)
		default:
			msgs = append(msgs, api.Message{Role: string(msg.Role), Content: msg.Text})
		}
	}
	return msgs, nil
}

// ollamaTools converts tool descriptors through their JSON form, which api.Tool mirrors.
func ollamaTools(tools []mcp.Tool) (api.Tools, error) {
	res := make(api.Tools, len(tools))
	for i, tool := range tools {
		raw, err := json.Marshal(map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        tool.Name,
				"description": tool.Description,
				"parameters":  tool.InputSchema,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("error marshaling tool %s: %w", tool.Name, err)
		}
		if err := json.Unmarshal(raw, &res[i]); err != nil {
			return nil, fmt.Errorf("error converting tool %s: %w", tool.Name, err)
		}
	}
	return res, nil
}

func (o Ollama) options() map[string]any {
	opts := make(map[string]any)
	if o.params.Temperature != nil {
		opts["temperature"] = *o.params.Temperature
	}
	if o.params.TopP != nil {
		opts["top_p"] = *o.params.TopP
	}
	if o.params.Stop != nil {
		opts["stop"] = o.params.Stop
	}
	if o.params.PresencePenalty != nil {
		opts["presence_penalty"] = *o.params.PresencePenalty
	}
	if o.params.FrequencyPenalty != nil {
		opts["frequency_penalty"] = *o.params.FrequencyPenalty
	}
	if o.params.Seed != nil {
		opts["seed"] = *o.params.Seed
	}
	if o.params.MaxTokens != nil {
		opts["num_predict"] = *o.params.MaxTokens
	}
	if len(opts) == 0 {
		return nil
	}
	return opts
}

// Chat implements the LLM interface by streaming responses from the Ollama model. Ollama reports tool
// calls whole, so each one is yielded as a single tool call chunk under a generated ID.
func (o Ollama) Chat(ctx context.Context, messages []models.ModelMessage, tools []mcp.Tool) iter.Seq2[models.Chunk, error] {
	return func(yield func(models.Chunk, error) bool) {
		msgs, err := ollamaMessages(messages)
		if err != nil {
			yield(models.Chunk{}, fmt.Errorf("error creating ollama messages: %w", err))
			return
		}
		oTools, err := ollamaTools(tools)
		if err != nil {
			yield(models.Chunk{}, fmt.Errorf("error creating ollama tools: %w", err))
			return
		}

		t := true
		req := api.ChatRequest{
			Model:    o.model,
			Messages: msgs,
			Stream:   &t,
			Tools:    oTools,
			Options:  o.options(),
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stopped := false
		if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
			if stopped {
				return nil
			}
			if res.Message.Content != "" {
				if !yield(models.Chunk{Type: models.ChunkTypeText, Text: res.Message.Content}, nil) {
					stopped = true
					cancel()
					return nil
				}
			}
			for _, tc := range res.Message.ToolCalls {
				input, err := json.Marshal(tc.Function.Arguments)
				if err != nil {
					return fmt.Errorf("error marshaling tool arguments: %w", err)
				}
				o.logger.Debug("Call Tool",
					slog.String("name", tc.Function.Name),
					slog.String("args", string(input)),
				)
				if !yield(models.Chunk{
					Type:       models.ChunkTypeToolCall,
					ToolCallID: uuid.NewString(),
					ToolName:   tc.Function.Name,
					Input:      input,
				}, nil) {
					stopped = true
					cancel()
					return nil
				}
			}
			return nil
		}); err != nil {
			if stopped || errors.Is(err, context.Canceled) {
				return
			}
			yield(models.Chunk{}, fmt.Errorf("error sending request: %w", err))
		}
	}
}
