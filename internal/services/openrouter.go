package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/go-mcp"
	"github.com/MegaGrindStone/market-chat/internal/models"
	"github.com/tmaxmax/go-sse"
)

// OpenRouter provides an implementation of the LLM interface for interacting with OpenRouter's language models.
type OpenRouter struct {
	apiKey   string
	model    string
	params   LLMParameters
	endpoint string

	client *http.Client

	logger *slog.Logger
}

type openRouterChatRequest struct {
	Model            string              `json:"model"`
	Messages         []openRouterMessage `json:"messages"`
	Tools            []openRouterTool    `json:"tools,omitempty"`
	Stream           bool                `json:"stream"`
	Temperature      *float32            `json:"temperature,omitempty"`
	TopP             *float32            `json:"top_p,omitempty"`
	Stop             []string            `json:"stop,omitempty"`
	PresencePenalty  *float32            `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float32            `json:"frequency_penalty,omitempty"`
	Seed             *int                `json:"seed,omitempty"`
	LogitBias        map[string]int      `json:"logit_bias,omitempty"`
	MaxTokens        *int                `json:"max_tokens,omitempty"`
}

type openRouterMessage struct {
	Role       string                `json:"role"`
	Content    string                `json:"content,omitempty"`
	ToolCalls  []openRouterToolCalls `json:"tool_calls,omitempty"`
	ToolCallID string                `json:"tool_call_id,omitempty"`
}

type openRouterToolCalls struct {
	Index    *int                       `json:"index,omitempty"`
	ID       string                     `json:"id"`
	Type     string                     `json:"type"`
	Function openRouterToolCallFunction `json:"function"`
}

type openRouterToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openRouterTool struct {
	Type     string                 `json:"type"`
	Function openRouterToolFunction `json:"function"`
}

type openRouterToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type openRouterStreamingResponse struct {
	Choices []openRouterStreamingChoice `json:"choices"`
	Error   *openRouterError            `json:"error,omitempty"`
}

type openRouterStreamingChoice struct {
	Delta openRouterMessage `json:"delta"`
}

type openRouterError struct {
	Code    any    `json:"code"`
	Message string `json:"message"`
}

const (
	openRouterAPIEndpoint = "https://openrouter.ai/api/v1"
)

// NewOpenRouter creates a new OpenRouter instance with the specified API key and model name.
func NewOpenRouter(apiKey, model string, params LLMParameters, logger *slog.Logger) OpenRouter {
	return OpenRouter{
		apiKey:   apiKey,
		model:    model,
		params:   params,
		endpoint: openRouterAPIEndpoint,
		client:   &http.Client{},
		logger:   logger.With(slog.String("module", "openrouter")),
	}
}

// WithEndpoint returns a copy of o sending its requests to endpoint instead of the public API.
func (o OpenRouter) WithEndpoint(endpoint string) OpenRouter {
	o.endpoint = endpoint
	return o
}

// Chat streams responses from the OpenRouter API for a given sequence of messages. It returns an
// iterator that yields text and tool call chunks and potential errors. The context can be used to
// cancel ongoing requests.
func (o OpenRouter) Chat(
	ctx context.Context,
	messages []models.ModelMessage,
	tools []mcp.Tool,
) iter.Seq2[models.Chunk, error] {
	return func(yield func(models.Chunk, error) bool) {
		resp, err := o.doRequest(ctx, messages, tools)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(models.Chunk{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		acc := newToolCallAccumulator()
		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				yield(models.Chunk{}, fmt.Errorf("error reading response: %w", err))
				return
			}

			o.logger.Debug("Received event", slog.String("event", ev.Data))

			if ev.Data == "[DONE]" {
				break
			}

			var res openRouterStreamingResponse
			if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
				yield(models.Chunk{}, fmt.Errorf("error unmarshaling response: %w", err))
				return
			}
			if res.Error != nil {
				yield(models.Chunk{}, fmt.Errorf("openrouter error %v: %s", res.Error.Code, res.Error.Message))
				return
			}

			if len(res.Choices) == 0 {
				continue
			}
			delta := res.Choices[0].Delta

			if delta.Content != "" {
				if !yield(models.Chunk{Type: models.ChunkTypeText, Text: delta.Content}, nil) {
					return
				}
			}
			for i, tc := range delta.ToolCalls {
				idx := i
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

func openRouterMessages(messages []models.ModelMessage) []openRouterMessage {
	msgs := make([]openRouterMessage, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleTool:
			for _, res := range msg.ToolResults {
				msgs = append(msgs, openRouterMessage{
					Role:       "tool",
					ToolCallID: res.ToolCallID,
					Content:    string(res.Output),
				})
			}
		case models.RoleAssistant:
			m := openRouterMessage{Role: "assistant", Content: msg.Text}
			for _, call := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openRouterToolCalls{
					ID:   call.ID,
					Type: "function",
					Function: openRouterToolCallFunction{
						Name:      call.Name,
						Arguments: string(call.Input),
					},
				})
			}
			msgs = append(msgs, m)
		default:
			msgs = append(msgs, openRouterMessage{Role: string(msg.Role), Content: msg.Text})
		}
	}
	return msgs
}

func (o OpenRouter) doRequest(
	ctx context.Context,
	messages []models.ModelMessage,
	tools []mcp.Tool,
) (*http.Response, error) {
	oTools := make([]openRouterTool, len(tools))
	for i, tool := range tools {
		oTools[i] = openRouterTool{
			Type: "function",
			Function: openRouterToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		}
	}

	reqBody := openRouterChatRequest{
		Model:            o.model,
		Messages:         openRouterMessages(messages),
		Stream:           true,
		Tools:            oTools,
		Temperature:      o.params.Temperature,
		TopP:             o.params.TopP,
		Stop:             o.params.Stop,
		PresencePenalty:  o.params.PresencePenalty,
		FrequencyPenalty: o.params.FrequencyPenalty,
		Seed:             o.params.Seed,
		LogitBias:        o.params.LogitBias,
		MaxTokens:        o.params.MaxTokens,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	o.logger.Debug("Request Body", slog.String("body", string(jsonBody)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.endpoint+"/chat/completions", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("HTTP-Referer", "https://github.com/MegaGrindStone/market-chat/")
	req.Header.Set("X-Title", "Market Chat")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	return resp, nil
}
