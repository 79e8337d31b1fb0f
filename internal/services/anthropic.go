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

// Anthropic provides an interface to the Anthropic API for large language model interactions. It implements
// the LLM interface and handles streaming chat completions with tool use using Claude models.
type Anthropic struct {
	apiKey    string
	model     string
	maxTokens int
	params    LLMParameters
	endpoint  string

	client *http.Client

	logger *slog.Logger
}

type anthropicChatRequest struct {
	Model         string             `json:"model"`
	Messages      []anthropicMessage `json:"messages"`
	System        string             `json:"system,omitempty"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float32           `json:"temperature,omitempty"`
	TopP          *float32           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Tools         []anthropicTool    `json:"tools,omitempty"`
	Stream        bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicContentBlockStart struct {
	Index        int                   `json:"index"`
	ContentBlock anthropicContentBlock `json:"content_block"`
}

type anthropicContentBlockDelta struct {
	Index int `json:"index"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
}

type anthropicContentBlockStop struct {
	Index int `json:"index"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

const (
	anthropicAPIEndpoint = "https://api.anthropic.com/v1"
)

// NewAnthropic creates a new Anthropic instance with the specified API key, model name, and maximum
// token limit.
func NewAnthropic(apiKey, model string, maxTokens int, params LLMParameters, logger *slog.Logger) Anthropic {
	return Anthropic{
		apiKey:    apiKey,
		model:     model,
		maxTokens: maxTokens,
		params:    params,
		endpoint:  anthropicAPIEndpoint,
		client:    &http.Client{},
		logger:    logger.With(slog.String("module", "anthropic")),
	}
}

// WithEndpoint returns a copy of a sending its requests to endpoint instead of the public API.
func (a Anthropic) WithEndpoint(endpoint string) Anthropic {
	a.endpoint = endpoint
	return a
}

// anthropicMessages splits out the system prompt and converts the rest. Tool results travel in user
// messages, and consecutive messages of the same role are merged as the API requires alternation.
func anthropicMessages(messages []models.ModelMessage) (string, []anthropicMessage) {
	var system string
	msgs := make([]anthropicMessage, 0, len(messages))

	add := func(role string, blocks ...anthropicContentBlock) {
		if len(blocks) == 0 {
			return
		}
		if n := len(msgs); n > 0 && msgs[n-1].Role == role {
			msgs[n-1].Content = append(msgs[n-1].Content, blocks...)
			return
		}
		msgs = append(msgs, anthropicMessage{Role: role, Content: blocks})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += msg.Text
		case models.RoleUser:
			if msg.Text != "" {
				add("user", anthropicContentBlock{Type: "text", Text: msg.Text})
			}
		case models.RoleAssistant:
			var blocks []anthropicContentBlock
			if msg.Text != "" {
				blocks = append(blocks, anthropicContentBlock{Type: "text", Text: msg.Text})
			}
			for _, call := range msg.ToolCalls {
				blocks = append(blocks, anthropicContentBlock{
					Type:  "tool_use",
					ID:    call.ID,
					Name:  call.Name,
					Input: objectInput(call.Input),
				})
			}
			add("assistant", blocks...)
		case models.RoleTool:
			var blocks []anthropicContentBlock
			for _, res := range msg.ToolResults {
				blocks = append(blocks, anthropicContentBlock{
					Type:      "tool_result",
					ToolUseID: res.ToolCallID,
					Content:   string(res.Output),
					IsError:   res.IsError,
				})
			}
			add("user", blocks...)
		}
	}
	return system, msgs
}

// objectInput returns input as a JSON object, since tool_use blocks reject any other input. Anything
// else, such as arguments the model sent as malformed JSON, is kept under "_raw".
func objectInput(input json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(input)
	if len(trimmed) == 0 {
		return json.RawMessage(`{}`)
	}
	if trimmed[0] == '{' && json.Valid(trimmed) {
		return input
	}

	var raw any = string(trimmed)
	if json.Valid(trimmed) {
		raw = json.RawMessage(trimmed)
	}
	wrapped, err := json.Marshal(map[string]any{"_raw": raw})
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return wrapped
}

// Chat streams responses from the Anthropic API for a given sequence of messages. Text deltas are
// yielded as text chunks; tool_use blocks are streamed as tool input chunks and closed with a tool
// call chunk when the block stops. The context can be used to cancel ongoing requests.
func (a Anthropic) Chat(
	ctx context.Context,
	messages []models.ModelMessage,
	tools []mcp.Tool,
) iter.Seq2[models.Chunk, error] {
	return func(yield func(models.Chunk, error) bool) {
		system, msgs := anthropicMessages(messages)

		aTools := make([]anthropicTool, len(tools))
		for i, tool := range tools {
			aTools[i] = anthropicTool{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: tool.InputSchema,
			}
		}

		reqBody := anthropicChatRequest{
			Model:         a.model,
			Messages:      msgs,
			System:        system,
			MaxTokens:     a.maxTokens,
			Temperature:   a.params.Temperature,
			TopP:          a.params.TopP,
			StopSequences: a.params.Stop,
			Tools:         aTools,
			Stream:        true,
		}

		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			yield(models.Chunk{}, fmt.Errorf("error marshaling request: %w", err))
			return
		}

		a.logger.Debug("Request Body", slog.String("body", string(jsonBody)))

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			a.endpoint+"/messages", bytes.NewBuffer(jsonBody))
		if err != nil {
			yield(models.Chunk{}, fmt.Errorf("error creating request: %w", err))
			return
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", a.apiKey)
		req.Header.Set("anthropic-version", "2023-06-01")

		resp, err := a.client.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(models.Chunk{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			yield(models.Chunk{}, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, bytes.TrimSpace(body)))
			return
		}

		// Open tool_use blocks by content block index.
		toolBlocks := make(map[int]*pendingCall)

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				yield(models.Chunk{}, fmt.Errorf("error reading response: %w", err))
				return
			}
			switch ev.Type {
			case "error":
				var e anthropicError
				if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
					yield(models.Chunk{}, fmt.Errorf("error unmarshaling error: %w", err))
					return
				}
				yield(models.Chunk{}, fmt.Errorf("anthropic error %s: %s", e.Error.Type, e.Error.Message))
				return
			case "message_stop":
				return
			case "content_block_start":
				var res anthropicContentBlockStart
				if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
					yield(models.Chunk{}, fmt.Errorf("error unmarshaling response: %w", err))
					return
				}
				if res.ContentBlock.Type != "tool_use" {
					continue
				}
				toolBlocks[res.Index] = &pendingCall{id: res.ContentBlock.ID, name: res.ContentBlock.Name}
				if !yield(models.Chunk{
					Type:       models.ChunkTypeToolInputStart,
					ToolCallID: res.ContentBlock.ID,
					ToolName:   res.ContentBlock.Name,
				}, nil) {
					return
				}
			case "content_block_delta":
				var res anthropicContentBlockDelta
				if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
					yield(models.Chunk{}, fmt.Errorf("error unmarshaling response: %w", err))
					return
				}
				var chunk models.Chunk
				switch res.Delta.Type {
				case "text_delta":
					chunk = models.Chunk{Type: models.ChunkTypeText, Text: res.Delta.Text}
				case "input_json_delta":
					call, ok := toolBlocks[res.Index]
					if !ok || res.Delta.PartialJSON == "" {
						continue
					}
					call.args += res.Delta.PartialJSON
					chunk = models.Chunk{
						Type:       models.ChunkTypeToolInputDelta,
						ToolCallID: call.id,
						InputDelta: res.Delta.PartialJSON,
					}
				default:
					continue
				}
				if !yield(chunk, nil) {
					return
				}
			case "content_block_stop":
				var res anthropicContentBlockStop
				if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
					yield(models.Chunk{}, fmt.Errorf("error unmarshaling response: %w", err))
					return
				}
				call, ok := toolBlocks[res.Index]
				if !ok {
					continue
				}
				delete(toolBlocks, res.Index)
				if !yield(models.Chunk{
					Type:       models.ChunkTypeToolCall,
					ToolCallID: call.id,
					ToolName:   call.name,
					Input:      toolInput(call.args, call.name, a.logger),
				}, nil) {
					return
				}
			default:
				continue
			}
		}
	}
}
