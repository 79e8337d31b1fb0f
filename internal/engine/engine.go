// Package engine drives one assistant turn: it runs a bounded loop of model steps, executes the tool
// calls each step requests and streams every change of the turn as UI message stream events.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/MegaGrindStone/go-mcp"
	"github.com/MegaGrindStone/market-chat/internal/models"
	"github.com/MegaGrindStone/market-chat/internal/observe"
	"github.com/google/uuid"
)

// LLM is a language model provider. Chat runs one generation step over messages and yields its chunks
// as they arrive. A leading system message carries the system prompt. The iterator stops without an
// error when ctx is cancelled.
type LLM interface {
	Chat(ctx context.Context, messages []models.ModelMessage, tools []mcp.Tool) iter.Seq2[models.Chunk, error]
}

// ToolExecutor is the set of tools offered to the model.
type ToolExecutor interface {
	Tools() []mcp.Tool
	Execute(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error)
}

// Emitter receives the events of a turn in order. An error returned from it aborts the turn.
type Emitter func(models.Event) error

// Engine runs assistant turns. It holds no per-turn state and is safe for concurrent use.
type Engine struct {
	llm   LLM
	tools ToolExecutor

	systemPrompt string
	maxSteps     int
	smoothDelay  time.Duration
	provider     string

	newID   func() string
	metrics *observe.Metrics
	logger  *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// ProviderError is returned when the model provider fails mid-turn.
type ProviderError struct {
	Err error
}

const (
	// DefaultMaxSteps is the number of model steps a turn may take when not configured.
	DefaultMaxSteps = 5
	// DefaultSmoothDelay is the pause between two streamed words.
	DefaultSmoothDelay = 20 * time.Millisecond
)

// New creates an Engine using llm for generation and tools for tool calls.
func New(llm LLM, tools ToolExecutor, opts ...Option) *Engine {
	e := &Engine{
		llm:         llm,
		tools:       tools,
		maxSteps:    DefaultMaxSteps,
		smoothDelay: DefaultSmoothDelay,
		provider:    "llm",
		newID:       uuid.NewString,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(slog.String("module", "engine"))
	return e
}

// WithSystemPrompt sets the instruction sent ahead of the conversation.
func WithSystemPrompt(prompt string) Option {
	return func(e *Engine) { e.systemPrompt = prompt }
}

// WithMaxSteps bounds the number of model steps in a turn. Values below one keep the default.
func WithMaxSteps(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxSteps = n
		}
	}
}

// WithSmoothing streams text word by word with delay between words. A zero delay forwards model
// deltas as they come.
func WithSmoothing(delay time.Duration) Option {
	return func(e *Engine) { e.smoothDelay = max(delay, 0) }
}

// WithProviderName names the provider in metrics and logs.
func WithProviderName(name string) Option {
	return func(e *Engine) { e.provider = name }
}

// WithIDGenerator replaces the generator of message and text part IDs.
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

// WithMetrics records steps, provider errors and active turns.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Run produces the assistant reply to messages, emitting the turn as events: start, then for every
// step start-step, its text and tool events and finish-step, and finally finish. Tool failures are
// reported as tool-output-error and the turn goes on. A provider failure emits an error event and
// returns a *ProviderError. When ctx is cancelled or emit fails, Run returns right away without
// emitting anything further.
func (e *Engine) Run(ctx context.Context, messages []models.Message, emit Emitter) error {
	if e.metrics != nil {
		e.metrics.ActiveTurns.Add(ctx, 1)
		defer e.metrics.ActiveTurns.Add(context.WithoutCancel(ctx), -1)
	}

	t := &turn{engine: e, emit: emit}
	err := t.run(ctx, messages)

	var pe *ProviderError
	if errors.As(err, &pe) && ctx.Err() == nil {
		e.logger.Error("Provider failed", slog.String("provider", e.provider), slog.String("err", pe.Err.Error()))
		if e.metrics != nil {
			e.metrics.RecordProviderError(ctx, e.provider)
		}
		if emitErr := emit(models.Event{Type: models.EventError, ErrorText: pe.Err.Error()}); emitErr != nil {
			return errors.Join(err, emitErr)
		}
	}
	return err
}

// Stream is Run as an iterator. Events are yielded from the caller's goroutine; breaking out of the
// loop aborts the turn.
func (e *Engine) Stream(ctx context.Context, messages []models.Message) iter.Seq2[models.Event, error] {
	return func(yield func(models.Event, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		events := make(chan models.Event)
		done := make(chan error, 1)
		go func() {
			done <- e.Run(ctx, messages, func(ev models.Event) error {
				select {
				case events <- ev:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
		}()

		for {
			select {
			case ev := <-events:
				if !yield(ev, nil) {
					cancel()
					<-done
					return
				}
			case err := <-done:
				if err != nil && !errors.Is(err, context.Canceled) {
					yield(models.Event{}, err)
				}
				return
			}
		}
	}
}

type turn struct {
	engine *Engine
	emit   Emitter
}

type stepResult struct {
	text  string
	calls []models.ModelToolCall
}

func (t *turn) send(ev models.Event) error {
	if err := t.emit(ev); err != nil {
		return fmt.Errorf("error emitting %s event: %w", ev.Type, err)
	}
	return nil
}

func (t *turn) run(ctx context.Context, messages []models.Message) error {
	e := t.engine

	history := models.ConvertToModelMessages(messages)
	if e.systemPrompt != "" {
		history = append([]models.ModelMessage{{Role: models.RoleSystem, Text: e.systemPrompt}}, history...)
	}

	if err := t.send(models.Event{Type: models.EventStart, MessageID: e.newID()}); err != nil {
		return err
	}

	for step := 1; step <= e.maxSteps; step++ {
		if err := t.send(models.Event{Type: models.EventStartStep}); err != nil {
			return err
		}
		if e.metrics != nil {
			e.metrics.Steps.Add(ctx, 1)
		}

		res, err := t.generate(ctx, history)
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		results, err := t.executeCalls(ctx, res.calls)
		if err != nil {
			return err
		}
		if err := t.send(models.Event{Type: models.EventFinishStep}); err != nil {
			return err
		}

		e.logger.Debug("Step finished",
			slog.Int("step", step),
			slog.Int("toolCalls", len(res.calls)),
		)
		if len(res.calls) == 0 {
			break
		}
		history = append(history,
			models.ModelMessage{Role: models.RoleAssistant, Text: res.text, ToolCalls: res.calls},
			models.ModelMessage{Role: models.RoleTool, ToolResults: results},
		)
	}

	return t.send(models.Event{Type: models.EventFinish})
}

// generate streams one model step, forwarding text and tool call chunks as events.
func (t *turn) generate(ctx context.Context, history []models.ModelMessage) (stepResult, error) {
	e := t.engine

	var (
		res     stepResult
		text    strings.Builder
		textID  string
		started = make(map[string]string)
	)
	sm := smoother{delay: e.smoothDelay, write: func(delta string) error {
		return t.send(models.Event{Type: models.EventTextDelta, ID: textID, Delta: delta})
	}}

	closeText := func() error {
		if textID == "" {
			return nil
		}
		if err := sm.flush(); err != nil {
			return err
		}
		if err := t.send(models.Event{Type: models.EventTextEnd, ID: textID}); err != nil {
			return err
		}
		textID = ""
		return nil
	}

	for chunk, err := range e.llm.Chat(ctx, history, e.tools.Tools()) {
		if err != nil {
			return res, &ProviderError{Err: err}
		}

		switch chunk.Type {
		case models.ChunkTypeText:
			if chunk.Text == "" {
				continue
			}
			if textID == "" {
				textID = e.newID()
				if err := t.send(models.Event{Type: models.EventTextStart, ID: textID}); err != nil {
					return res, err
				}
			}
			text.WriteString(chunk.Text)
			if err := sm.push(ctx, chunk.Text); err != nil {
				return res, err
			}
		case models.ChunkTypeToolInputStart:
			if err := closeText(); err != nil {
				return res, err
			}
			if _, ok := started[chunk.ToolCallID]; ok {
				continue
			}
			started[chunk.ToolCallID] = chunk.ToolName
			if err := t.send(models.Event{
				Type:       models.EventToolInputStart,
				ToolCallID: chunk.ToolCallID,
				ToolName:   chunk.ToolName,
			}); err != nil {
				return res, err
			}
		case models.ChunkTypeToolInputDelta:
			if _, ok := started[chunk.ToolCallID]; !ok || chunk.InputDelta == "" {
				continue
			}
			if err := t.send(models.Event{
				Type:           models.EventToolInputDelta,
				ToolCallID:     chunk.ToolCallID,
				InputTextDelta: chunk.InputDelta,
			}); err != nil {
				return res, err
			}
		case models.ChunkTypeToolCall:
			if err := closeText(); err != nil {
				return res, err
			}
			name := chunk.ToolName
			if name == "" {
				name = started[chunk.ToolCallID]
			}
			if _, ok := started[chunk.ToolCallID]; !ok {
				started[chunk.ToolCallID] = name
				if err := t.send(models.Event{
					Type:       models.EventToolInputStart,
					ToolCallID: chunk.ToolCallID,
					ToolName:   name,
				}); err != nil {
					return res, err
				}
			}
			input := chunk.Input
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			if err := t.send(models.Event{
				Type:       models.EventToolInputAvailable,
				ToolCallID: chunk.ToolCallID,
				ToolName:   name,
				Input:      input,
			}); err != nil {
				return res, err
			}
			res.calls = append(res.calls, models.ModelToolCall{ID: chunk.ToolCallID, Name: name, Input: input})
		}
	}

	if err := closeText(); err != nil {
		return res, err
	}
	res.text = text.String()
	return res, nil
}

// executeCalls runs the calls of a step one after another, in the order the model requested them.
func (t *turn) executeCalls(ctx context.Context, calls []models.ModelToolCall) ([]models.ModelToolResult, error) {
	e := t.engine

	results := make([]models.ModelToolResult, 0, len(calls))
	for _, call := range calls {
		out, err := e.tools.Execute(ctx, call.Name, call.Input)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		result := models.ModelToolResult{ToolCallID: call.ID, ToolName: call.Name}
		if err != nil {
			errText := err.Error()
			e.logger.Debug("Tool call failed",
				slog.String("tool", call.Name),
				slog.String("toolCallID", call.ID),
				slog.String("err", errText),
			)
			if sendErr := t.send(models.Event{
				Type:       models.EventToolOutputError,
				ToolCallID: call.ID,
				ErrorText:  errText,
			}); sendErr != nil {
				return nil, sendErr
			}
			encoded, _ := json.Marshal(errText)
			result.Output = encoded
			result.IsError = true
			results = append(results, result)
			continue
		}

		if len(out) == 0 {
			out = json.RawMessage("null")
		}
		if sendErr := t.send(models.Event{
			Type:       models.EventToolOutputAvailable,
			ToolCallID: call.ID,
			Output:     out,
		}); sendErr != nil {
			return nil, sendErr
		}
		result.Output = out
		results = append(results, result)
	}
	return results, nil
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error: %v", e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
