package render

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"slices"
	"strconv"
	"strings"

	"github.com/MegaGrindStone/market-chat/internal/models"
	"github.com/MegaGrindStone/market-chat/internal/tools"
)

// Kinds of rendered part, each drawn by its own partial template.
const (
	KindText             = "text"
	KindPlain            = "plain"
	KindStatus           = "status"
	KindError            = "error"
	KindEmpty            = "empty"
	KindQuote            = "quote"
	KindPrices           = "prices"
	KindProfile          = "profile"
	KindEarningsCalendar = "earnings-calendar"
	KindEarnings         = "earnings"
	KindDividends        = "dividends"
	KindConsensus        = "consensus"
	KindGrades           = "grades"
)

// Suggestions are offered on an empty conversation.
var Suggestions = []string{
	"Show me Tesla's company profile",
	"Show me Apple's price history for the past year",
	"How did Nvidia's last quarter earnings compare to estimates?",
	"What do analysts think about Amazon?",
}

// Conversation is the view of a whole conversation.
type Conversation struct {
	Messages []MessageView
	Status   models.Status
	// Error is the last turn error, only set while Status is error.
	Error string
	Busy  bool
	// Thinking is set between a submit and the first streamed event.
	Thinking    bool
	Suggestions []string
}

// MessageView is one message block.
type MessageView struct {
	ID    string
	Role  models.Role
	Parts []PartView
}

// PartView is one rendered part. Kind selects the fragment; only the fields it needs are set.
type PartView struct {
	Kind string

	HTML  template.HTML
	Label string

	Header    *SymbolHeader
	Metrics   []Metric
	Prices    *PriceChart
	Profile   *ProfileCard
	Earnings  *EarningsChart
	Radar     *Radar
	Calendar  []CalendarRow
	Dividends []DividendRow
	Grades    []GradeRow
}

// SymbolHeader heads every market card.
type SymbolHeader struct {
	Name     string
	Symbol   string
	Exchange string
	Price    string
	Change   string
	Percent  string
	Up       bool
}

// Metric is one labelled value of a metrics grid.
type Metric struct {
	Label string
	Value string
}

// ProfileCard is a company profile.
type ProfileCard struct {
	Metrics     []Metric
	Description string
	Website     string
}

// CalendarRow is one upcoming earnings report.
type CalendarRow struct {
	Symbol    string
	Date      string
	Estimated string
}

// DividendRow is one upcoming dividend.
type DividendRow struct {
	Symbol      string
	Date        string
	PaymentDate string
	Dividend    string
	Yield       string
	Frequency   string
}

// GradeRow is one monthly snapshot of analyst ratings.
type GradeRow struct {
	Date       string
	StrongBuy  int
	Buy        int
	Hold       int
	Sell       int
	StrongSell int
}

type toolView struct {
	subject string
	empty   string
	build   func(output json.RawMessage) (PartView, error)
}

var toolViews = map[string]toolView{
	tools.ToolIntradayPrice:      {"stock price", "No quote data to display.", quoteView},
	tools.ToolHistoricalPrices:   {"historical prices", "No historical price data to display.", pricesView},
	tools.ToolCompanyProfile:     {"company profile", "No company profile to display.", profileView},
	tools.ToolEarningsCalendar:   {"earnings calendar", "No upcoming earnings to display.", earningsCalendarView},
	tools.ToolEarningsHistorical: {"historical earnings", "No earnings data to display.", earningsView},
	tools.ToolDividendsCalendar:  {"dividends calendar", "No upcoming dividends to display.", dividendsView},
	tools.ToolGradesConsensus:    {"grades consensus", "No analyst ratings to display.", consensusView},
	tools.ToolGradesHistorical:   {"historical grades", "No historical grades to display.", gradesView},
}

// errNoData makes a builder fall back to the empty state line of its tool.
var errNoData = errors.New("no data")

// Build maps a conversation to its view. It only reads its arguments, so equal inputs give equal
// views.
func (r *Renderer) Build(messages []models.Message, status models.Status, errText string) Conversation {
	c := Conversation{
		Status:   status,
		Busy:     status.Busy(),
		Thinking: status == models.StatusSubmitted,
	}
	if status == models.StatusError {
		c.Error = errText
	}
	if len(messages) == 0 {
		c.Suggestions = Suggestions
	}

	for _, msg := range messages {
		mv := MessageView{ID: msg.ID, Role: msg.Role}
		for _, part := range msg.Parts {
			if pv, ok := r.part(msg.Role, part); ok {
				mv.Parts = append(mv.Parts, pv)
			}
		}
		c.Messages = append(c.Messages, mv)
	}
	return c
}

func (r *Renderer) part(role models.Role, part models.Part) (PartView, bool) {
	switch part.Type {
	case models.PartTypeText:
		if part.Text == "" {
			return PartView{}, false
		}
		if role == models.RoleUser {
			return PartView{Kind: KindPlain, Label: part.Text}, true
		}
		return PartView{Kind: KindText, HTML: r.markdown(part.Text)}, true
	case models.PartTypeTool:
		return toolPart(part)
	default:
		return PartView{}, false
	}
}

func toolPart(part models.Part) (PartView, bool) {
	tv, ok := toolViews[part.ToolName]
	if !ok {
		return PartView{}, false
	}

	switch part.State {
	case models.ToolStateInputStreaming, models.ToolStateInputAvailable:
		return PartView{Kind: KindStatus, Label: "Getting " + tv.subject + "..."}, true
	case models.ToolStateOutputError:
		return PartView{Kind: KindError, Label: fmt.Sprintf("Error getting %s: %s", tv.subject, part.ErrorText)}, true
	case models.ToolStateOutputAvailable:
		pv, err := tv.build(part.Output)
		if err != nil {
			return PartView{Kind: KindEmpty, Label: tv.empty}, true
		}
		return pv, true
	default:
		return PartView{}, false
	}
}

func decode[T any](output json.RawMessage) (T, error) {
	var v T
	if len(output) == 0 {
		return v, errNoData
	}
	if err := json.Unmarshal(output, &v); err != nil {
		return v, fmt.Errorf("error decoding tool output: %w", err)
	}
	return v, nil
}

func quoteHeader(q *tools.Quote) *SymbolHeader {
	if q == nil {
		return nil
	}
	return &SymbolHeader{
		Name:     orPlaceholder(q.Name),
		Symbol:   q.Symbol,
		Exchange: q.Exchange,
		Price:    Currency(q.Price),
		Change:   Signed(q.Change),
		Percent:  SignedPercent(q.ChangePercentage),
		Up:       q.Change >= 0,
	}
}

func quoteMetrics(q *tools.Quote) []Metric {
	if q == nil {
		return nil
	}
	return []Metric{
		{"Prev Close", CompactCurrency(q.PreviousClose)},
		{"Day Range", CompactCurrency(q.DayLow) + " - " + CompactCurrency(q.DayHigh)},
		{"Market Cap", CompactCurrency(q.MarketCap)},
		{"Open", CompactCurrency(q.Open)},
		{"Year Range", CompactCurrency(q.YearLow) + " - " + CompactCurrency(q.YearHigh)},
		{"Volume", CompactNumber(q.Volume)},
	}
}

func quoteView(output json.RawMessage) (PartView, error) {
	quotes, err := decode[[]tools.Quote](output)
	if err != nil {
		return PartView{}, err
	}
	if len(quotes) == 0 {
		return PartView{}, errNoData
	}
	return PartView{Kind: KindQuote, Header: quoteHeader(&quotes[0]), Metrics: quoteMetrics(&quotes[0])}, nil
}

func pricesView(output json.RawMessage) (PartView, error) {
	out, err := decode[tools.HistoricalPricesOutput](output)
	if err != nil {
		return PartView{}, err
	}
	var prevClose float64
	if out.Intraday != nil {
		prevClose = out.Intraday.PreviousClose
	}
	chart := newPriceChart(out.Historical, prevClose)
	if chart == nil {
		return PartView{}, errNoData
	}
	return PartView{
		Kind:    KindPrices,
		Header:  quoteHeader(out.Intraday),
		Metrics: quoteMetrics(out.Intraday),
		Prices:  chart,
	}, nil
}

func profileView(output json.RawMessage) (PartView, error) {
	profiles, err := decode[[]tools.CompanyProfile](output)
	if err != nil {
		return PartView{}, err
	}
	if len(profiles) == 0 {
		return PartView{}, errNoData
	}
	p := profiles[0]

	dividend := Placeholder
	if p.LastDividend != nil && *p.LastDividend != 0 {
		dividend = Currency(*p.LastDividend)
	}

	return PartView{
		Kind: KindProfile,
		Header: &SymbolHeader{
			Name:     orPlaceholder(p.CompanyName),
			Symbol:   p.Symbol,
			Exchange: p.Exchange,
			Price:    Currency(p.Price),
			Change:   Signed(p.Change),
			Percent:  SignedPercent(p.ChangePercentage),
			Up:       p.Change >= 0,
		},
		Profile: &ProfileCard{
			Metrics: []Metric{
				{"Market Cap", ptrFormat(p.MarketCap, CompactCurrency)},
				{"52 Week Range", priceRange(p.Range)},
				{"Average Volume", ptrFormat(p.AverageVolume, CompactNumber)},
				{"Beta", ptrFormat(p.Beta, func(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) })},
				{"Dividend", dividend},
				{"IPO Date", LongDate(p.IPODate)},
				{"Sector", orPlaceholder(p.Sector)},
				{"Industry", orPlaceholder(p.Industry)},
				{"CEO", orPlaceholder(p.CEO)},
				{"Employees", employees(p.FullTimeEmployees)},
				{"Country", orPlaceholder(p.Country)},
				{"Exchange", orPlaceholder(p.Exchange)},
			},
			Description: p.Description,
			Website:     p.Website,
		},
	}, nil
}

// priceRange formats an FMP range like "164.08-260.1".
func priceRange(r string) string {
	lo, hi, ok := strings.Cut(r, "-")
	if !ok {
		return orPlaceholder(r)
	}
	l, err1 := strconv.ParseFloat(strings.TrimSpace(lo), 64)
	h, err2 := strconv.ParseFloat(strings.TrimSpace(hi), 64)
	if err1 != nil || err2 != nil {
		return r
	}
	return Currency(l) + " - " + Currency(h)
}

func employees(s string) string {
	n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return orPlaceholder(s)
	}
	return Number(n)
}

func earningsCalendarView(output json.RawMessage) (PartView, error) {
	events, err := decode[[]tools.EarningsEvent](output)
	if err != nil {
		return PartView{}, err
	}
	if len(events) == 0 {
		return PartView{}, errNoData
	}
	events = slices.Clone(events)
	slices.SortStableFunc(events, func(a, b tools.EarningsEvent) int { return strings.Compare(a.Date, b.Date) })

	rows := make([]CalendarRow, len(events))
	for i, e := range events {
		rows[i] = CalendarRow{
			Symbol:    e.Symbol,
			Date:      LongDate(e.Date),
			Estimated: ptrFormat(e.EPSEstimated, Currency),
		}
	}
	return PartView{Kind: KindEarningsCalendar, Calendar: rows}, nil
}

func earningsView(output json.RawMessage) (PartView, error) {
	out, err := decode[tools.EarningsHistoricalOutput](output)
	if err != nil {
		return PartView{}, err
	}
	chart := newEarningsChart(out.Earnings)
	if chart == nil {
		return PartView{}, errNoData
	}
	return PartView{Kind: KindEarnings, Header: quoteHeader(out.Intraday), Earnings: chart}, nil
}

func dividendsView(output json.RawMessage) (PartView, error) {
	divs, err := decode[[]tools.Dividend](output)
	if err != nil {
		return PartView{}, err
	}
	if len(divs) == 0 {
		return PartView{}, errNoData
	}
	divs = slices.Clone(divs)
	slices.SortStableFunc(divs, func(a, b tools.Dividend) int { return strings.Compare(a.Date, b.Date) })

	rows := make([]DividendRow, len(divs))
	for i, d := range divs {
		rows[i] = DividendRow{
			Symbol:      d.Symbol,
			Date:        LongDate(d.Date),
			PaymentDate: LongDate(d.PaymentDate),
			Dividend:    ptrFormat(d.Dividend, Currency),
			Yield:       ptrFormat(d.Yield, func(v float64) string { return fmt.Sprintf("%.2f%%", v) }),
			Frequency:   orPlaceholder(d.Frequency),
		}
	}
	return PartView{Kind: KindDividends, Dividends: rows}, nil
}

func consensusView(output json.RawMessage) (PartView, error) {
	out, err := decode[tools.GradesConsensusOutput](output)
	if err != nil {
		return PartView{}, err
	}
	if out.GradesConsensus == nil {
		return PartView{}, errNoData
	}
	return PartView{Kind: KindConsensus, Header: quoteHeader(out.Intraday), Radar: newRadar(*out.GradesConsensus)}, nil
}

func gradesView(output json.RawMessage) (PartView, error) {
	grades, err := decode[[]tools.HistoricalGrade](output)
	if err != nil {
		return PartView{}, err
	}
	if len(grades) == 0 {
		return PartView{}, errNoData
	}
	rows := make([]GradeRow, len(grades))
	for i, g := range grades {
		rows[i] = GradeRow{
			Date:       LongDate(g.Date),
			StrongBuy:  g.AnalystRatingsStrongBuy,
			Buy:        g.AnalystRatingsBuy,
			Hold:       g.AnalystRatingsHold,
			Sell:       g.AnalystRatingsSell,
			StrongSell: g.AnalystRatingsStrongSell,
		}
	}
	return PartView{Kind: KindGrades, Grades: rows}, nil
}
