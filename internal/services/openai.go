package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/MegaGrindStone/go-mcp"
	"github.com/MegaGrindStone/market-chat/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAI provides an implementation of the LLM interface for interacting with OpenAI's language models,
// or any server speaking the same chat completions API when a base URL is given.
type OpenAI struct {
	model  string
	params LLMParameters

	client *goopenai.Client

	logger *slog.Logger
}

// NewOpenAI creates a new OpenAI instance with the specified API key and model name. An empty baseURL
// keeps the OpenAI default.
func NewOpenAI(apiKey, baseURL, model string, params LLMParameters, logger *slog.Logger) OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return OpenAI{
		model:  model,
		params: params,
		client: goopenai.NewClientWithConfig(cfg),
		logger: logger.With(slog.String("module", "openai")),
	}
}

func openAIMessages(messages []models.ModelMessage) []goopenai.ChatCompletionMessage {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleTool:
			for _, res := range msg.ToolResults {
				msgs = append(msgs, goopenai.ChatCompletionMessage{
					Role:       goopenai.ChatMessageRoleTool,
					Content:    string(res.Output),
					ToolCallID: res.ToolCallID,
				})
			}
		case models.RoleAssistant:
			m := goopenai.ChatCompletionMessage{
				Role:    goopenai.ChatMessageRoleAssistant,
				Content: msg.Text,
			}
			for _, call := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, goopenai.ToolCall{
					Type: goopenai.ToolTypeFunction,
					ID:   call.ID,
					Function: goopenai.FunctionCall{
						Name:      call.Name,
						Arguments: string(call.Input),
					},
				})
			}
			msgs = append(msgs, m)
		default:
			msgs = append(msgs, goopenai.ChatCompletionMessage{
				Role:    string(msg.Role),
				Content: msg.Text,
			})
		}
	}
	return msgs
}

func openAITools(tools []mcp.Tool) []goopenai.Tool {
	oTools := make([]goopenai.Tool, len(tools))
	for i, tool := range tools {
		oTools[i] = goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		}
	}
	return oTools
}

// Chat is a wrapper around the OpenAI chat completion streaming API. Text deltas are yielded as they
// arrive; tool call arguments are streamed as input deltas and the complete calls are yielded once the
// stream ends.
func (o OpenAI) Chat(
	ctx context.Context,
	messages []models.ModelMessage,
	tools []mcp.Tool,
) iter.Seq2[models.Chunk, error] {
	return func(yield func(models.Chunk, error) bool) {
		req := o.chatRequest(openAIMessages(messages), openAITools(tools))

		reqJSON, err := json.Marshal(req)
		if err == nil {
			o.logger.Debug("Request", slog.String("req", string(reqJSON)))
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := o.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(models.Chunk{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer stream.Close()

		acc := newToolCallAccumulator()
		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				if errors.Is(err, context.Canceled) {
					return
				}
				yield(models.Chunk{}, fmt.Errorf("error receiving response: %w", err))
				return
			}

			if len(response.Choices) == 0 {
				continue
			}

			res := response.Choices[0].Delta
			if res.Content != "" {
				if !yield(models.Chunk{Type: models.ChunkTypeText, Text: res.Content}, nil) {
					return
				}
			}
			for _, tc := range res.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				for _, chunk := range acc.add(idx, tc.ID, tc.Function.Name, tc.Function.Arguments) {
					if !yield(chunk, nil) {
						return
					}
				}
			}
		}

		for _, chunk := range acc.finish(o.logger) {
			o.logger.Debug("Call Tool",
				slog.String("name", chunk.ToolName),
				slog.String("args", string(chunk.Input)),
			)
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

func (o OpenAI) chatRequest(
	messages []goopenai.ChatCompletionMessage,
	tools []goopenai.Tool,
) goopenai.ChatCompletionRequest {
	req := goopenai.ChatCompletionRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   true,
		Tools:    tools,
	}

	if o.params.Temperature != nil {
		req.Temperature = *o.params.Temperature
	}
	if o.params.TopP != nil {
		req.TopP = *o.params.TopP
	}
	if o.params.Stop != nil {
		req.Stop = o.params.Stop
	}
	if o.params.PresencePenalty != nil {
		req.PresencePenalty = *o.params.PresencePenalty
	}
	if o.params.Seed != nil {
		req.Seed = o.params.Seed
	}
	if o.params.FrequencyPenalty != nil {
		req.FrequencyPenalty = *o.params.FrequencyPenalty
	}
	if o.params.LogitBias != nil {
		req.LogitBias = o.params.LogitBias
	}
	if o.params.MaxTokens != nil {
		req.MaxTokens = *o.params.MaxTokens
	}

	return req
}
