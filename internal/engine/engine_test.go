package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/go-mcp"
	"github.com/MegaGrindStone/market-chat/internal/engine"
	"github.com/MegaGrindStone/market-chat/internal/models"
	"github.com/MegaGrindStone/market-chat/internal/observe"
)

type mockLLM struct {
	mu        sync.Mutex
	steps     [][]models.Chunk
	repeat    []models.Chunk
	errs      map[int]error
	calls     int
	histories [][]models.ModelMessage
}

func (m *mockLLM) Chat(_ context.Context, messages []models.ModelMessage, _ []mcp.Tool) iter.Seq2[models.Chunk, error] {
	return func(yield func(models.Chunk, error) bool) {
		m.mu.Lock()
		i := m.calls
		m.calls++
		m.histories = append(m.histories, messages)
		chunks := m.repeat
		if i < len(m.steps) {
			chunks = m.steps[i]
		}
		err := m.errs[i]
		m.mu.Unlock()

		for _, c := range chunks {
			if !yield(c, nil) {
				return
			}
		}
		if err != nil {
			yield(models.Chunk{}, err)
		}
	}
}

type mockTools struct {
	mu      sync.Mutex
	outputs map[string]string
	errs    map[string]error
	block   bool
	called  []string
}

func (m *mockTools) Tools() []mcp.Tool {
	return []mcp.Tool{{Name: "intradayPrice", InputSchema: json.RawMessage(`{"type":"object"}`)}}
}

func (m *mockTools) Execute(ctx context.Context, name string, _ json.RawMessage) (json.RawMessage, error) {
	m.mu.Lock()
	m.called = append(m.called, name)
	m.mu.Unlock()

	if m.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := m.errs[name]; err != nil {
		return nil, err
	}
	if out, ok := m.outputs[name]; ok {
		return json.RawMessage(out), nil
	}
	return nil, fmt.Errorf("tool not found: %s", name)
}

type recorder struct {
	events []models.Event
	failAt int
}

func (r *recorder) emit(ev models.Event) error {
	if r.failAt > 0 && len(r.events)+1 >= r.failAt {
		return errors.New("client gone")
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) types() []models.EventType {
	res := make([]models.EventType, len(r.events))
	for i, ev := range r.events {
		res[i] = ev.Type
	}
	return res
}

func sequentialIDs() func() string {
	var n int
	return func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

func newEngine(llm engine.LLM, tools engine.ToolExecutor, opts ...engine.Option) *engine.Engine {
	opts = append([]engine.Option{
		engine.WithSmoothing(0),
		engine.WithIDGenerator(sequentialIDs()),
		engine.WithMetrics(observe.Discard()),
		engine.WithSystemPrompt("You are a helpful financial assistant."),
	}, opts...)
	return engine.New(llm, tools, opts...)
}

func quoteCall(id string) []models.Chunk {
	return []models.Chunk{
		{Type: models.ChunkTypeToolInputStart, ToolCallID: id, ToolName: "intradayPrice"},
		{Type: models.ChunkTypeToolInputDelta, ToolCallID: id, InputDelta: `{"symbol":`},
		{Type: models.ChunkTypeToolInputDelta, ToolCallID: id, InputDelta: `"AAPL"}`},
		{Type: models.ChunkTypeToolCall, ToolCallID: id, ToolName: "intradayPrice", Input: json.RawMessage(`{"symbol":"AAPL"}`)},
	}
}

func assertTypes(t *testing.T, got, want []models.EventType) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %s, want %s (all: %v)", i, got[i], want[i], got)
		}
	}
}

func TestRunQuoteScenario(t *testing.T) {
	llm := &mockLLM{steps: [][]models.Chunk{
		quoteCall("c1"),
		{
			{Type: models.ChunkTypeText, Text: "Apple trades "},
			{Type: models.ChunkTypeText, Text: "at $190.50."},
		},
	}}
	tools := &mockTools{outputs: map[string]string{"intradayPrice": `[{"symbol":"AAPL","price":190.5}]`}}
	rec := &recorder{}

	user := models.NewTextMessage("u1", models.RoleUser, "What's Apple's stock price?")
	if err := newEngine(llm, tools).Run(context.Background(), []models.Message{user}, rec.emit); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	assertTypes(t, rec.types(), []models.EventType{
		models.EventStart,
		models.EventStartStep,
		models.EventToolInputStart,
		models.EventToolInputDelta,
		models.EventToolInputDelta,
		models.EventToolInputAvailable,
		models.EventToolOutputAvailable,
		models.EventFinishStep,
		models.EventStartStep,
		models.EventTextStart,
		models.EventTextDelta,
		models.EventTextDelta,
		models.EventTextEnd,
		models.EventFinishStep,
		models.EventFinish,
	})

	conv := []models.Message{user}
	for _, ev := range rec.events {
		var err error
		if conv, err = models.Apply(conv, ev); err != nil {
			t.Fatalf("Apply(%s) error = %v", ev.Type, err)
		}
	}
	am := conv[1]
	if len(am.Parts) != 2 {
		t.Fatalf("assistant parts = %+v", am.Parts)
	}
	if am.Parts[0].State != models.ToolStateOutputAvailable || am.Parts[0].ToolName != "intradayPrice" {
		t.Errorf("tool part = %+v", am.Parts[0])
	}
	if am.Parts[1].Text != "Apple trades at $190.50." {
		t.Errorf("text = %q", am.Parts[1].Text)
	}

	if len(llm.histories) != 2 {
		t.Fatalf("llm called %d times, want 2", len(llm.histories))
	}
	first, second := llm.histories[0], llm.histories[1]
	if first[0].Role != models.RoleSystem || first[1].Role != models.RoleUser {
		t.Errorf("first step history = %+v", first)
	}
	last := second[len(second)-1]
	if last.Role != models.RoleTool || len(last.ToolResults) != 1 || last.ToolResults[0].ToolCallID != "c1" {
		t.Errorf("second step did not receive the tool result: %+v", second)
	}
}

func TestRunStopsAtStepCap(t *testing.T) {
	llm := &mockLLM{repeat: quoteCall("c")}
	tools := &mockTools{outputs: map[string]string{"intradayPrice": `[]`}}

	for _, n := range []int{1, 3, 5} {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			llm.calls = 0
			rec := &recorder{}
			err := newEngine(llm, tools, engine.WithMaxSteps(n)).Run(context.Background(), nil, rec.emit)
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}

			var steps int
			for _, ev := range rec.events {
				if ev.Type == models.EventStartStep {
					steps++
				}
			}
			if steps != n || llm.calls != n {
				t.Errorf("steps = %d, llm calls = %d, want %d", steps, llm.calls, n)
			}
			if last := rec.events[len(rec.events)-1]; last.Type != models.EventFinish {
				t.Errorf("last event = %s, want finish", last.Type)
			}
		})
	}
}

func TestRunToolErrorContinuesTurn(t *testing.T) {
	llm := &mockLLM{steps: [][]models.Chunk{
		quoteCall("c1"),
		{{Type: models.ChunkTypeText, Text: "I couldn't find that symbol."}},
	}}
	tools := &mockTools{errs: map[string]error{"intradayPrice": errors.New("FMP API error (404): not found")}}
	rec := &recorder{}

	if err := newEngine(llm, tools).Run(context.Background(), nil, rec.emit); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var errEvent *models.Event
	for i := range rec.events {
		if rec.events[i].Type == models.EventToolOutputError {
			errEvent = &rec.events[i]
		}
	}
	if errEvent == nil {
		t.Fatalf("no tool-output-error in %v", rec.types())
	}
	if errEvent.ErrorText != "FMP API error (404): not found" {
		t.Errorf("error text = %q", errEvent.ErrorText)
	}
	if rec.events[len(rec.events)-1].Type != models.EventFinish {
		t.Errorf("turn did not finish: %v", rec.types())
	}

	res := llm.histories[1][len(llm.histories[1])-1].ToolResults[0]
	if !res.IsError || string(res.Output) != `"FMP API error (404): not found"` {
		t.Errorf("tool result fed back = %+v", res)
	}
}

func TestRunProviderErrorAbortsTurn(t *testing.T) {
	llm := &mockLLM{
		steps: [][]models.Chunk{{{Type: models.ChunkTypeText, Text: "Let me "}}},
		errs:  map[int]error{0: errors.New("rate limited")},
	}
	rec := &recorder{}

	err := newEngine(llm, &mockTools{}).Run(context.Background(), nil, rec.emit)

	var pe *engine.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("Run() error = %v, want *ProviderError", err)
	}
	last := rec.events[len(rec.events)-1]
	if last.Type != models.EventError || last.ErrorText != "rate limited" {
		t.Errorf("last event = %+v, want error event", last)
	}
	for _, ev := range rec.events {
		if ev.Type == models.EventFinish {
			t.Error("finish emitted after provider error")
		}
	}
}

func TestRunEmitFailureAborts(t *testing.T) {
	llm := &mockLLM{repeat: quoteCall("c")}
	tools := &mockTools{outputs: map[string]string{"intradayPrice": `[]`}}
	rec := &recorder{failAt: 4}

	err := newEngine(llm, tools).Run(context.Background(), nil, rec.emit)
	if err == nil {
		t.Fatal("Run() error = nil")
	}
	if len(rec.events) != 3 {
		t.Errorf("recorded %d events, want 3", len(rec.events))
	}
	if len(tools.called) != 0 {
		t.Errorf("tools executed after the consumer left: %v", tools.called)
	}
	if llm.calls != 1 {
		t.Errorf("llm called %d times, want 1", llm.calls)
	}
}

func TestRunCancelledDuringTool(t *testing.T) {
	llm := &mockLLM{repeat: quoteCall("c")}
	tools := &mockTools{block: true}
	rec := &recorder{}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := newEngine(llm, tools).Run(ctx, nil, rec.emit)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	last := rec.events[len(rec.events)-1]
	if last.Type != models.EventToolInputAvailable {
		t.Errorf("last event = %s, want tool-input-available", last.Type)
	}
}

func TestRunSmoothsWords(t *testing.T) {
	llm := &mockLLM{steps: [][]models.Chunk{{
		{Type: models.ChunkTypeText, Text: "Hello wor"},
		{Type: models.ChunkTypeText, Text: "ld again"},
	}}}
	rec := &recorder{}

	err := newEngine(llm, &mockTools{}, engine.WithSmoothing(time.Millisecond)).
		Run(context.Background(), nil, rec.emit)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var deltas []string
	for _, ev := range rec.events {
		if ev.Type == models.EventTextDelta {
			deltas = append(deltas, ev.Delta)
		}
	}
	want := []string{"Hello ", "world ", "again"}
	if fmt.Sprint(deltas) != fmt.Sprint(want) {
		t.Errorf("deltas = %q, want %q", deltas, want)
	}
}

func TestStream(t *testing.T) {
	llm := &mockLLM{steps: [][]models.Chunk{{{Type: models.ChunkTypeText, Text: "Hi there."}}}}

	var types []models.EventType
	for ev, err := range newEngine(llm, &mockTools{}).Stream(context.Background(), nil) {
		if err != nil {
			t.Fatalf("Stream() error = %v", err)
		}
		types = append(types, ev.Type)
	}

	assertTypes(t, types, []models.EventType{
		models.EventStart, models.EventStartStep, models.EventTextStart, models.EventTextDelta,
		models.EventTextEnd, models.EventFinishStep, models.EventFinish,
	})
}

func TestStreamBreakAbortsTurn(t *testing.T) {
	llm := &mockLLM{repeat: quoteCall("c")}
	tools := &mockTools{outputs: map[string]string{"intradayPrice": `[]`}}

	var n int
	for range newEngine(llm, tools).Stream(context.Background(), nil) {
		n++
		if n == 2 {
			break
		}
	}
	if n != 2 {
		t.Errorf("received %d events, want 2", n)
	}
}
