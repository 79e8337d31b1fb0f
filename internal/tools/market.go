package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MegaGrindStone/market-chat/internal/gateway"
	"github.com/google/jsonschema-go/jsonschema"
)

// Names of the market data tools, as seen by the model and keyed on by the renderer.
const (
	ToolIntradayPrice      = "intradayPrice"
	ToolHistoricalPrices   = "historicalPrices"
	ToolCompanyProfile     = "companyProfile"
	ToolEarningsCalendar   = "earningsCalendar"
	ToolEarningsHistorical = "earningsHistorical"
	ToolDividendsCalendar  = "dividendsCalendar"
	ToolGradesConsensus    = "gradesConsensus"
	ToolGradesHistorical   = "gradesHistorical"
)

const (
	dateLayout  = "2006-01-02"
	datePattern = `^\d{4}-\d{2}-\d{2}$`

	// Periods fetched by the earnings and grades history tools.
	historyLimit = 6
)

// SymbolInput is the input of the single-symbol tools.
type SymbolInput struct {
	Symbol string `json:"symbol"`
}

// RangeInput is the input of the calendar tools.
type RangeInput struct {
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

// SymbolRangeInput is the input of historicalPrices.
type SymbolRangeInput struct {
	Symbol string `json:"symbol"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
}

// Market builds the market data tools on top of the FMP gateway.
type Market struct {
	fetcher gateway.Fetcher
	now     func() time.Time
}

// NewMarket returns the market data tools backed by fetcher.
func NewMarket(fetcher gateway.Fetcher) Market {
	return Market{fetcher: fetcher, now: time.Now}
}

// Register registers every market data tool in r. Date defaults are computed from the registry clock.
func (m Market) Register(r *Registry) error {
	m.now = r.Now
	return r.Register(m.Tools()...)
}

// Tools returns the market data tools in the order they are offered to the model.
func (m Market) Tools() []Tool {
	return []Tool{
		Define(ToolIntradayPrice,
			"Get the current intraday quote for a stock symbol including price, change, volume, "+
				"and other market data",
			symbolSchema("The stock symbol to get the quote for (e.g., AAPL, MSFT, GOOGL)"),
			m.intradayPrice),
		Define(ToolHistoricalPrices,
			"Get historical end-of-day (EOD) prices and intraday quote data for a stock symbol within "+
				"a selected date range. If no date range is provided, the default is the last year.",
			objectSchema([]string{"symbol"}, map[string]*jsonschema.Schema{
				"symbol": stringSchema("The stock symbol to get historical prices for (e.g., AAPL, MSFT, GOOGL)"),
				"from":   dateSchema("Start date in YYYY-MM-DD format (optional, defaults to one year ago)"),
				"to":     dateSchema("End date in YYYY-MM-DD format (optional, defaults to today)"),
			}),
			m.historicalPrices).WithDefaults(rangeDefaults(lastYear)),
		Define(ToolCompanyProfile,
			"Get comprehensive company profile information including company details, financial "+
				"metrics, and business information",
			symbolSchema("The stock symbol to get the company profile for (e.g., AAPL, MSFT, GOOGL)"),
			m.companyProfile),
		Define(ToolEarningsCalendar,
			"Get the earnings calendar showing upcoming earnings announcements for companies",
			rangeSchema(),
			m.earningsCalendar).WithDefaults(rangeDefaults(nextMonth)),
		Define(ToolEarningsHistorical,
			"Get the most recent reported and upcoming quarterly earnings (EPS actual vs. estimate) "+
				"together with the current quote for a stock symbol",
			symbolSchema("The stock symbol to get historical earnings for (e.g., AAPL, MSFT, GOOGL)"),
			m.earningsHistorical),
		Define(ToolDividendsCalendar,
			"Get the dividends calendar showing upcoming dividend payments and distributions for companies",
			rangeSchema(),
			m.dividendsCalendar).WithDefaults(rangeDefaults(nextMonth)),
		Define(ToolGradesConsensus,
			"Get analyst consensus ratings (Strong Buy, Buy, Hold, Sell, Strong Sell) and overall "+
				"consensus recommendation for a stock symbol",
			symbolSchema("The stock symbol to get grades consensus for (e.g., AAPL, MSFT, GOOGL)"),
			m.gradesConsensus),
		Define(ToolGradesHistorical,
			"Get the latest analyst grades and historical ratings for a stock symbol over time",
			symbolSchema("The stock symbol to get grades and historical for (e.g., AAPL, MSFT, GOOGL)"),
			m.gradesHistorical),
	}
}

func (m Market) intradayPrice(ctx context.Context, in SymbolInput) ([]Quote, error) {
	return gateway.Get[[]Quote](ctx, m.fetcher, "/quote", gateway.Params{"symbol": normalizeSymbol(in.Symbol)})
}

func (m Market) historicalPrices(ctx context.Context, in SymbolRangeInput) (HistoricalPricesOutput, error) {
	today := m.now()
	defFrom, defTo := lastYear(today)
	from, to, err := dateRange(ToolHistoricalPrices, in.From, in.To, defFrom, defTo)
	if err != nil {
		return HistoricalPricesOutput{}, err
	}
	symbol := normalizeSymbol(in.Symbol)

	quotes, history, err := Both(ctx,
		func(ctx context.Context) ([]Quote, error) {
			return gateway.Get[[]Quote](ctx, m.fetcher, "/quote", gateway.Params{"symbol": symbol})
		},
		func(ctx context.Context) ([]HistoricalPrice, error) {
			return gateway.Get[[]HistoricalPrice](ctx, m.fetcher, "/historical-price-eod/light", gateway.Params{
				"symbol": symbol,
				"from":   from,
				"to":     to,
			})
		},
	)
	if err != nil {
		return HistoricalPricesOutput{}, err
	}
	return HistoricalPricesOutput{Intraday: first(quotes), Historical: nonNil(history)}, nil
}

func (m Market) companyProfile(ctx context.Context, in SymbolInput) ([]CompanyProfile, error) {
	return gateway.Get[[]CompanyProfile](ctx, m.fetcher, "/profile", gateway.Params{"symbol": normalizeSymbol(in.Symbol)})
}

func (m Market) earningsCalendar(ctx context.Context, in RangeInput) ([]EarningsEvent, error) {
	today := m.now()
	defFrom, defTo := nextMonth(today)
	from, to, err := dateRange(ToolEarningsCalendar, in.From, in.To, defFrom, defTo)
	if err != nil {
		return nil, err
	}
	return gateway.Get[[]EarningsEvent](ctx, m.fetcher, "/earnings-calendar", gateway.Params{"from": from, "to": to})
}

func (m Market) earningsHistorical(ctx context.Context, in SymbolInput) (EarningsHistoricalOutput, error) {
	symbol := normalizeSymbol(in.Symbol)
	quotes, earnings, err := Both(ctx,
		func(ctx context.Context) ([]Quote, error) {
			return gateway.Get[[]Quote](ctx, m.fetcher, "/quote", gateway.Params{"symbol": symbol})
		},
		func(ctx context.Context) ([]Earnings, error) {
			return gateway.Get[[]Earnings](ctx, m.fetcher, "/earnings", gateway.Params{
				"symbol": symbol,
				"limit":  historyLimit,
			})
		},
	)
	if err != nil {
		return EarningsHistoricalOutput{}, err
	}
	return EarningsHistoricalOutput{Intraday: first(quotes), Earnings: nonNil(earnings)}, nil
}

func (m Market) dividendsCalendar(ctx context.Context, in RangeInput) ([]Dividend, error) {
	today := m.now()
	defFrom, defTo := nextMonth(today)
	from, to, err := dateRange(ToolDividendsCalendar, in.From, in.To, defFrom, defTo)
	if err != nil {
		return nil, err
	}
	return gateway.Get[[]Dividend](ctx, m.fetcher, "/dividends-calendar", gateway.Params{"from": from, "to": to})
}

func (m Market) gradesConsensus(ctx context.Context, in SymbolInput) (GradesConsensusOutput, error) {
	symbol := normalizeSymbol(in.Symbol)
	quotes, grades, err := Both(ctx,
		func(ctx context.Context) ([]Quote, error) {
			return gateway.Get[[]Quote](ctx, m.fetcher, "/quote", gateway.Params{"symbol": symbol})
		},
		func(ctx context.Context) ([]GradesConsensus, error) {
			return gateway.Get[[]GradesConsensus](ctx, m.fetcher, "/grades-consensus", gateway.Params{"symbol": symbol})
		},
	)
	if err != nil {
		return GradesConsensusOutput{}, err
	}
	return GradesConsensusOutput{Intraday: first(quotes), GradesConsensus: first(grades)}, nil
}

func (m Market) gradesHistorical(ctx context.Context, in SymbolInput) ([]HistoricalGrade, error) {
	return gateway.Get[[]HistoricalGrade](ctx, m.fetcher, "/grades-historical", gateway.Params{
		"symbol": normalizeSymbol(in.Symbol),
		"limit":  historyLimit,
	})
}

// dateRange fills in the defaults of an optional from/to pair and checks both are real dates.
// lastYear is the default window of historicalPrices.
func lastYear(today time.Time) (time.Time, time.Time) {
	return today.AddDate(-1, 0, 0), today
}

// nextMonth is the default window of the calendar tools.
func nextMonth(today time.Time) (time.Time, time.Time) {
	return today, today.AddDate(0, 0, 30)
}

// rangeDefaults advertises window as the from and to defaults of a tool schema.
func rangeDefaults(window func(time.Time) (time.Time, time.Time)) func(time.Time) map[string]any {
	return func(now time.Time) map[string]any {
		from, to := window(now)
		return map[string]any{
			"from": from.Format(dateLayout),
			"to":   to.Format(dateLayout),
		}
	}
}

func dateRange(tool, from, to string, defFrom, defTo time.Time) (string, string, error) {
	if from == "" {
		from = defFrom.Format(dateLayout)
	}
	if to == "" {
		to = defTo.Format(dateLayout)
	}
	f, err := time.Parse(dateLayout, from)
	if err != nil {
		return "", "", &InputError{Tool: tool, Err: fmt.Errorf("invalid from date %q", from)}
	}
	t, err := time.Parse(dateLayout, to)
	if err != nil {
		return "", "", &InputError{Tool: tool, Err: fmt.Errorf("invalid to date %q", to)}
	}
	if t.Before(f) {
		return "", "", &InputError{Tool: tool, Err: fmt.Errorf("to date %s is before from date %s", to, from)}
	}
	return from, to, nil
}

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func first[T any](s []T) *T {
	if len(s) == 0 {
		return nil
	}
	return &s[0]
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func objectSchema(required []string, props map[string]*jsonschema.Schema) *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:       "object",
		Properties: props,
		Required:   required,
	}
}

func symbolSchema(description string) *jsonschema.Schema {
	return objectSchema([]string{"symbol"}, map[string]*jsonschema.Schema{
		"symbol": stringSchema(description),
	})
}

func rangeSchema() *jsonschema.Schema {
	return objectSchema(nil, map[string]*jsonschema.Schema{
		"from": dateSchema("Start date in YYYY-MM-DD format (optional, defaults to today)"),
		"to":   dateSchema("End date in YYYY-MM-DD format (optional, defaults to 30 days from today)"),
	})
}

func stringSchema(description string) *jsonschema.Schema {
	minLen := 1
	return &jsonschema.Schema{Type: "string", Description: description, MinLength: &minLen}
}

func dateSchema(description string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Description: description, Pattern: datePattern}
}
