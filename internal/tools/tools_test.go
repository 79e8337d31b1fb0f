package tools_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MegaGrindStone/market-chat/internal/gateway"
	"github.com/MegaGrindStone/market-chat/internal/observe"
	"github.com/MegaGrindStone/market-chat/internal/tools"
)

type fetchCall struct {
	path   string
	params gateway.Params
}

type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]string
	errs      map[string]error
	calls     []fetchCall
}

func (f *fakeFetcher) Fetch(_ context.Context, path string, params gateway.Params, out any, _ ...gateway.FetchOption) error {
	f.mu.Lock()
	f.calls = append(f.calls, fetchCall{path: path, params: params})
	err := f.errs[path]
	body, ok := f.responses[path]
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if !ok {
		body = "[]"
	}
	return json.Unmarshal([]byte(body), out)
}

func (f *fakeFetcher) call(path string) (fetchCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c.path == path {
			return c, true
		}
	}
	return fetchCall{}, false
}

var fixedNow = time.Date(2025, time.March, 10, 15, 0, 0, 0, time.UTC)

func newRegistry(t *testing.T, f gateway.Fetcher) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry(
		tools.WithClock(func() time.Time { return fixedNow }),
		tools.WithRegistryMetrics(observe.Discard()),
	)
	if err := tools.NewMarket(f).Register(r); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return r
}

func TestRegistryTools(t *testing.T) {
	r := newRegistry(t, &fakeFetcher{})

	want := []string{
		"intradayPrice", "historicalPrices", "companyProfile", "earningsCalendar",
		"earningsHistorical", "dividendsCalendar", "gradesConsensus", "gradesHistorical",
	}
	got := r.Tools()
	if len(got) != len(want) {
		t.Fatalf("got %d tools, want %d", len(got), len(want))
	}
	for i, name := range want {
		if got[i].Name != name {
			t.Errorf("tool %d = %s, want %s", i, got[i].Name, name)
		}
		if got[i].Description == "" {
			t.Errorf("tool %s has no description", name)
		}
		var schema map[string]any
		if err := json.Unmarshal(got[i].InputSchema, &schema); err != nil {
			t.Errorf("tool %s schema is not JSON: %v", name, err)
		}
		if schema["type"] != "object" {
			t.Errorf("tool %s schema type = %v", name, schema["type"])
		}
	}

	if err := r.Register(tools.NewMarket(&fakeFetcher{}).Tools()[0]); err == nil {
		t.Error("Register() of a duplicate tool error = nil")
	}
}

func TestToolSchemaDefaults(t *testing.T) {
	now := fixedNow
	r := tools.NewRegistry(
		tools.WithClock(func() time.Time { return now }),
		tools.WithRegistryMetrics(observe.Discard()),
	)
	if err := tools.NewMarket(&fakeFetcher{}).Register(r); err != nil {
		t.Fatal(err)
	}

	defaults := func(name string) (string, string) {
		t.Helper()
		for _, tool := range r.Tools() {
			if tool.Name != name {
				continue
			}
			var schema struct {
				Properties map[string]struct {
					Default string `json:"default"`
				} `json:"properties"`
			}
			if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
				t.Fatalf("tool %s schema: %v", name, err)
			}
			return schema.Properties["from"].Default, schema.Properties["to"].Default
		}
		t.Fatalf("tool %s not registered", name)
		return "", ""
	}

	tests := []struct {
		tool     string
		from, to string
	}{
		{"historicalPrices", "2024-03-10", "2025-03-10"},
		{"earningsCalendar", "2025-03-10", "2025-04-09"},
		{"dividendsCalendar", "2025-03-10", "2025-04-09"},
	}
	for _, tt := range tests {
		if from, to := defaults(tt.tool); from != tt.from || to != tt.to {
			t.Errorf("%s defaults = %s..%s, want %s..%s", tt.tool, from, to, tt.from, tt.to)
		}
	}

	now = now.AddDate(0, 0, 1)
	if from, to := defaults("earningsCalendar"); from != "2025-03-11" || to != "2025-04-10" {
		t.Errorf("defaults after a day = %s..%s, want them to follow the clock", from, to)
	}
	if !strings.Contains(string(r.Tools()[0].InputSchema), `"symbol"`) || strings.Contains(string(r.Tools()[0].InputSchema), "default") {
		t.Errorf("intradayPrice schema = %s, want no defaults", r.Tools()[0].InputSchema)
	}
}

func TestExecuteInputValidation(t *testing.T) {
	r := newRegistry(t, &fakeFetcher{})

	tests := []struct {
		name  string
		tool  string
		input string
	}{
		{"missing symbol", "intradayPrice", `{}`},
		{"symbol of wrong type", "companyProfile", `{"symbol":42}`},
		{"empty symbol", "companyProfile", `{"symbol":""}`},
		{"not an object", "intradayPrice", `["AAPL"]`},
		{"not json", "intradayPrice", `{"symbol":`},
		{"malformed date", "earningsCalendar", `{"from":"2025/01/01"}`},
		{"impossible date", "dividendsCalendar", `{"from":"2025-13-45"}`},
		{"reversed range", "historicalPrices", `{"symbol":"AAPL","from":"2025-02-01","to":"2025-01-01"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Execute(context.Background(), tt.tool, json.RawMessage(tt.input))
			var ie *tools.InputError
			if !errors.As(err, &ie) {
				t.Fatalf("Execute() error = %v, want *InputError", err)
			}
			if ie.Tool != tt.tool {
				t.Errorf("InputError.Tool = %s, want %s", ie.Tool, tt.tool)
			}
		})
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	r := newRegistry(t, &fakeFetcher{})
	if _, err := r.Execute(context.Background(), "stockNews", nil); !errors.Is(err, tools.ErrToolNotFound) {
		t.Errorf("Execute() error = %v, want ErrToolNotFound", err)
	}
}

func TestExecuteIntradayPrice(t *testing.T) {
	f := &fakeFetcher{responses: map[string]string{
		"/quote": `[{"symbol":"AAPL","name":"Apple Inc.","price":190.5,"previousClose":188}]`,
	}}
	r := newRegistry(t, f)

	out, err := r.Execute(context.Background(), "intradayPrice", json.RawMessage(`{"symbol":" aapl "}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	var quotes []tools.Quote
	if err := json.Unmarshal(out, &quotes); err != nil {
		t.Fatal(err)
	}
	if len(quotes) != 1 || quotes[0].Price != 190.5 || quotes[0].Name != "Apple Inc." {
		t.Errorf("quotes = %+v", quotes)
	}
	c, _ := f.call("/quote")
	if c.params["symbol"] != "AAPL" {
		t.Errorf("symbol param = %v, want AAPL", c.params["symbol"])
	}
}

func TestExecuteDateDefaults(t *testing.T) {
	tests := []struct {
		tool     string
		input    string
		path     string
		wantFrom string
		wantTo   string
	}{
		{"earningsCalendar", `{}`, "/earnings-calendar", "2025-03-10", "2025-04-09"},
		{"dividendsCalendar", `{"to":"2025-03-31"}`, "/dividends-calendar", "2025-03-10", "2025-03-31"},
		{"historicalPrices", `{"symbol":"MSFT"}`, "/historical-price-eod/light", "2024-03-10", "2025-03-10"},
		{"historicalPrices", `{"symbol":"MSFT","from":"2025-01-02"}`, "/historical-price-eod/light", "2025-01-02", "2025-03-10"},
	}

	for _, tt := range tests {
		t.Run(tt.tool+tt.input, func(t *testing.T) {
			f := &fakeFetcher{}
			r := newRegistry(t, f)

			if _, err := r.Execute(context.Background(), tt.tool, json.RawMessage(tt.input)); err != nil {
				t.Fatalf("Execute() error = %v", err)
			}

			c, ok := f.call(tt.path)
			if !ok {
				t.Fatalf("%s was not called", tt.path)
			}
			if c.params["from"] != tt.wantFrom || c.params["to"] != tt.wantTo {
				t.Errorf("range = %v..%v, want %s..%s", c.params["from"], c.params["to"], tt.wantFrom, tt.wantTo)
			}
		})
	}
}

func TestExecuteFanOut(t *testing.T) {
	f := &fakeFetcher{responses: map[string]string{
		"/quote":            `[{"symbol":"NVDA","price":120}]`,
		"/grades-consensus": `[{"symbol":"NVDA","strongBuy":5,"buy":40,"hold":6,"sell":1,"strongSell":0,"consensus":"Buy"}]`,
	}}
	r := newRegistry(t, f)

	out, err := r.Execute(context.Background(), "gradesConsensus", json.RawMessage(`{"symbol":"NVDA"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	var res tools.GradesConsensusOutput
	if err := json.Unmarshal(out, &res); err != nil {
		t.Fatal(err)
	}
	if res.Intraday == nil || res.Intraday.Price != 120 {
		t.Errorf("intraday = %+v", res.Intraday)
	}
	if res.GradesConsensus == nil || res.GradesConsensus.Buy != 40 || res.GradesConsensus.Consensus != "Buy" {
		t.Errorf("gradesConsensus = %+v", res.GradesConsensus)
	}
}

func TestExecuteFanOutFailsAsAWhole(t *testing.T) {
	f := &fakeFetcher{
		responses: map[string]string{"/quote": `[{"symbol":"AAPL","price":190}]`},
		errs: map[string]error{
			"/earnings": &gateway.StatusError{StatusCode: http.StatusBadGateway, Body: "upstream down"},
		},
	}
	r := newRegistry(t, f)

	out, err := r.Execute(context.Background(), "earningsHistorical", json.RawMessage(`{"symbol":"AAPL"}`))
	if out != nil {
		t.Errorf("Execute() output = %s, want none", out)
	}
	var se *gateway.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusBadGateway {
		t.Errorf("Execute() error = %v, want the /earnings failure", err)
	}
}

func TestBothCancelsSibling(t *testing.T) {
	boom := errors.New("boom")
	_, _, err := tools.Both(context.Background(),
		func(context.Context) (int, error) { return 0, boom },
		func(ctx context.Context) (string, error) {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(5 * time.Second):
				return "late", nil
			}
		},
	)
	if !errors.Is(err, boom) {
		t.Errorf("Both() error = %v, want boom", err)
	}
}

func TestAll(t *testing.T) {
	var (
		quote  string
		prices []float64
		volume int
	)
	err := tools.All(context.Background(),
		tools.Into(&quote, func(context.Context) (string, error) { return "AAPL", nil }),
		tools.Into(&prices, func(context.Context) ([]float64, error) { return []float64{227.5, 228.1}, nil }),
		tools.Into(&volume, func(context.Context) (int, error) { return 1200, nil }),
	)
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	if quote != "AAPL" || len(prices) != 2 || volume != 1200 {
		t.Errorf("results = %q %v %d", quote, prices, volume)
	}

	boom := errors.New("boom")
	var cancelled atomic.Int32
	wait := func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			cancelled.Add(1)
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	}
	err = tools.All(context.Background(), wait, func(context.Context) error { return boom }, wait)
	if !errors.Is(err, boom) {
		t.Errorf("All() error = %v, want boom", err)
	}
	if n := cancelled.Load(); n != 2 {
		t.Errorf("%d calls cancelled, want 2", n)
	}

	if err := tools.All(context.Background()); err != nil {
		t.Errorf("All() with no calls error = %v", err)
	}
}

func TestUnknownSymbolThroughGateway(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Symbol not found"}`))
	}))
	defer srv.Close()

	client, err := gateway.New("secret", gateway.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	r := newRegistry(t, client)

	_, err = r.Execute(context.Background(), "companyProfile", json.RawMessage(`{"symbol":"ZZZZ"}`))
	if err == nil {
		t.Fatal("Execute() error = nil")
	}
	want := `FMP API error (404): {"message":"Symbol not found"}`
	if err.Error() != want {
		t.Errorf("Execute() error = %q, want %q", err.Error(), want)
	}
}
