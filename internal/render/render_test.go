package render_test

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"

	"github.com/MegaGrindStone/market-chat/internal/models"
	"github.com/MegaGrindStone/market-chat/internal/render"
	"github.com/MegaGrindStone/market-chat/internal/tools"
)

func newRenderer(t *testing.T) *render.Renderer {
	t.Helper()
	r, err := render.New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return r
}

func toolPart(name string, state models.ToolState, output string) models.Part {
	p := models.Part{
		Type:       models.PartTypeTool,
		ToolCallID: "call-1",
		ToolName:   name,
		State:      state,
		Input:      json.RawMessage(`{"symbol":"AAPL"}`),
	}
	if output != "" {
		p.Output = json.RawMessage(output)
	}
	return p
}

func conversation() []models.Message {
	return []models.Message{
		models.NewTextMessage("u1", models.RoleUser, "What's Apple's stock price?"),
		{
			ID:   "a1",
			Role: models.RoleAssistant,
			Parts: []models.Part{
				toolPart(tools.ToolIntradayPrice, models.ToolStateOutputAvailable,
					`[{"symbol":"AAPL","name":"Apple Inc.","price":227.52,"change":-1.5,"changePercentage":-0.65,"exchange":"NASDAQ","marketCap":3.4e12,"previousClose":229.02}]`),
				{Type: models.PartTypeText, ID: "t1", Text: "Apple is trading at **$227.52**.", TextState: models.TextStateDone},
			},
		},
	}
}

func TestBuildIsPure(t *testing.T) {
	r := newRenderer(t)
	msgs := conversation()

	first := r.Build(msgs, models.StatusIdle, "")
	second := r.Build(msgs, models.StatusIdle, "")
	if !reflect.DeepEqual(first, second) {
		t.Error("Build() gave different views for the same input")
	}

	h1, err := r.ConversationHTML(msgs, models.StatusIdle, "")
	if err != nil {
		t.Fatal(err)
	}
	h2, err := r.ConversationHTML(msgs, models.StatusIdle, "")
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Error("ConversationHTML() is not stable")
	}
	if !reflect.DeepEqual(msgs, conversation()) {
		t.Error("Build() modified its input")
	}
}

func TestBuildToolStates(t *testing.T) {
	r := newRenderer(t)

	tests := []struct {
		name      string
		part      models.Part
		wantKind  string
		wantLabel string
		wantNone  bool
	}{
		{
			name:      "Input streaming",
			part:      toolPart(tools.ToolCompanyProfile, models.ToolStateInputStreaming, ""),
			wantKind:  render.KindStatus,
			wantLabel: "Getting company profile...",
		},
		{
			name:      "Input available",
			part:      toolPart(tools.ToolHistoricalPrices, models.ToolStateInputAvailable, ""),
			wantKind:  render.KindStatus,
			wantLabel: "Getting historical prices...",
		},
		{
			name: "Output error is shown verbatim",
			part: func() models.Part {
				p := toolPart(tools.ToolIntradayPrice, models.ToolStateOutputError, "")
				p.ErrorText = `FMP API error (404): {"message":"Symbol not found"}`
				return p
			}(),
			wantKind:  render.KindError,
			wantLabel: `Error getting stock price: FMP API error (404): {"message":"Symbol not found"}`,
		},
		{
			name:      "Undecodable output",
			part:      toolPart(tools.ToolEarningsHistorical, models.ToolStateOutputAvailable, `"oops"`),
			wantKind:  render.KindEmpty,
			wantLabel: "No earnings data to display.",
		},
		{
			name:      "Empty output",
			part:      toolPart(tools.ToolHistoricalPrices, models.ToolStateOutputAvailable, `{"intraday":null,"historical":[]}`),
			wantKind:  render.KindEmpty,
			wantLabel: "No historical price data to display.",
		},
		{
			name:     "Unknown tool",
			part:     toolPart("weather", models.ToolStateOutputAvailable, `{}`),
			wantNone: true,
		},
		{
			name:     "Unknown state",
			part:     toolPart(tools.ToolIntradayPrice, models.ToolState("approval-requested"), ""),
			wantNone: true,
		},
		{
			name:     "Unknown part type",
			part:     models.Part{Type: models.PartType("reasoning"), Text: "hmm"},
			wantNone: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs := []models.Message{{ID: "a1", Role: models.RoleAssistant, Parts: []models.Part{tt.part}}}
			c := r.Build(msgs, models.StatusIdle, "")
			parts := c.Messages[0].Parts

			if tt.wantNone {
				if len(parts) != 0 {
					t.Errorf("got parts %+v, want none", parts)
				}
				return
			}
			if len(parts) != 1 {
				t.Fatalf("got %d parts, want 1", len(parts))
			}
			if parts[0].Kind != tt.wantKind || parts[0].Label != tt.wantLabel {
				t.Errorf("part = {%s %q}, want {%s %q}", parts[0].Kind, parts[0].Label, tt.wantKind, tt.wantLabel)
			}

			if _, err := r.ConversationHTML(msgs, models.StatusIdle, ""); err != nil {
				t.Errorf("ConversationHTML() error = %v", err)
			}
		})
	}
}

func TestBuildProfilePlaceholders(t *testing.T) {
	r := newRenderer(t)
	part := toolPart(tools.ToolCompanyProfile, models.ToolStateOutputAvailable,
		`[{"symbol":"TSLA","companyName":"Tesla, Inc.","price":250,"marketCap":null,"beta":2.3456,"lastDividend":0,`+
			`"range":"138.8-488.54","averageVolume":95000000,"ipoDate":"2010-06-29","sector":"","ceo":"Elon Musk",`+
			`"fullTimeEmployees":"140473","exchange":"NASDAQ"}]`)

	c := r.Build([]models.Message{{ID: "a1", Role: models.RoleAssistant, Parts: []models.Part{part}}}, models.StatusIdle, "")
	pv := c.Messages[0].Parts[0]
	if pv.Kind != render.KindProfile {
		t.Fatalf("kind = %s, want profile", pv.Kind)
	}

	got := make(map[string]string)
	for _, m := range pv.Profile.Metrics {
		got[m.Label] = m.Value
	}
	want := map[string]string{
		"Market Cap":     render.Placeholder,
		"52 Week Range":  "$138.80 - $488.54",
		"Average Volume": "95.00M",
		"Beta":           "2.35",
		"Dividend":       render.Placeholder,
		"IPO Date":       "Jun 29, 2010",
		"Sector":         render.Placeholder,
		"Industry":       render.Placeholder,
		"CEO":            "Elon Musk",
		"Employees":      "140,473",
		"Exchange":       "NASDAQ",
	}
	for label, value := range want {
		if got[label] != value {
			t.Errorf("%s = %q, want %q", label, got[label], value)
		}
	}
	if pv.Header == nil || pv.Header.Name != "Tesla, Inc." || !pv.Header.Up {
		t.Errorf("header = %+v", pv.Header)
	}
}

func TestConversationHTML(t *testing.T) {
	r := newRenderer(t)

	tests := []struct {
		name     string
		messages []models.Message
		status   models.Status
		errText  string
		want     []string
		notWant  []string
	}{
		{
			name:   "Empty conversation",
			status: models.StatusIdle,
			want:   []string{"Hi, I'm Wall Street AI.", "Show me Tesla&#39;s company profile"},
		},
		{
			name:     "Quote turn",
			messages: conversation(),
			status:   models.StatusIdle,
			want:     []string{"What&#39;s Apple&#39;s stock price?", "Apple Inc.", "$AAPL · NASDAQ", "$227.52", "-0.65%", "<strong>$227.52</strong>", "$3.40T"},
			notWant:  []string{"Hi, I'm Wall Street AI."},
		},
		{
			name:     "Turn error",
			messages: conversation()[:1],
			status:   models.StatusError,
			errText:  "rate limited",
			want:     []string{"rate limited"},
		},
		{
			name:     "Submitted",
			messages: conversation()[:1],
			status:   models.StatusSubmitted,
			want:     []string{"Thinking..."},
		},
		{
			name:     "Submitted with an empty reply",
			messages: append(conversation()[:1], models.Message{ID: "a2", Role: models.RoleAssistant}),
			status:   models.StatusSubmitted,
			want:     []string{"Thinking..."},
			notWant:  []string{`id="message-a2"`},
		},
		{
			name: "Raw html in text is not rendered",
			messages: []models.Message{
				{ID: "a1", Role: models.RoleAssistant, Parts: []models.Part{{Type: models.PartTypeText, Text: "<script>alert(1)</script>"}}},
			},
			status:  models.StatusIdle,
			notWant: []string{"<script>alert(1)</script>"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			html, err := r.ConversationHTML(tt.messages, tt.status, tt.errText)
			if err != nil {
				t.Fatalf("ConversationHTML() error = %v", err)
			}
			for _, s := range tt.want {
				if !strings.Contains(html, s) {
					t.Errorf("html does not contain %q:\n%s", s, html)
				}
			}
			for _, s := range tt.notWant {
				if strings.Contains(html, s) {
					t.Errorf("html contains %q", s)
				}
			}
		})
	}
}

func TestPage(t *testing.T) {
	r := newRenderer(t)

	var sb strings.Builder
	err := r.Page(&sb, render.Page{ChatID: "chat-1", Conversation: r.Build(nil, models.StatusIdle, "")})
	if err != nil {
		t.Fatalf("Page() error = %v", err)
	}
	for _, s := range []string{"<!DOCTYPE html>", `data-chat-id="chat-1"`, "/static/app.js", `action="/chats/stop"`} {
		if !strings.Contains(sb.String(), s) {
			t.Errorf("page does not contain %q", s)
		}
	}
}
