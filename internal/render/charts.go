package render

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/MegaGrindStone/market-chat/internal/tools"
)

// Plot area of the line and dot charts, in SVG user units.
const (
	chartWidth  = 640
	chartHeight = 240
	plotLeft    = 64
	plotRight   = 12
	plotTop     = 12
	plotBottom  = 28

	yTickCount = 5

	radarSize   = 280
	radarRadius = 100
)

// Trend colours of the price chart.
const (
	TrendUp   = "jade"
	TrendDown = "ruby"
)

// Tick is an axis tick at Pos along its axis.
type Tick struct {
	Pos   float64
	Label string
}

// PriceChart is the area chart of historical prices, oldest first.
type PriceChart struct {
	Width, Height float64
	Line          string
	Area          string
	Trend         string
	XTicks        []Tick
	YTicks        []Tick
	Points        []PricePoint
	// PrevClose is the previous close reference line, nil when unknown.
	PrevClose *Tick
}

// PricePoint is one plotted price, carrying its tooltip.
type PricePoint struct {
	X, Y  float64
	Title string
}

// EarningsChart plots reported against estimated EPS per quarter, oldest first.
type EarningsChart struct {
	Width, Height float64
	YTicks        []Tick
	Points        []EarningsPoint
}

// EarningsPoint is one quarter of an EarningsChart.
type EarningsPoint struct {
	X            float64
	Label        string
	FullLabel    string
	Actual       string
	Estimated    string
	ActualY      float64
	EstimatedY   float64
	HasActual    bool
	HasEstimated bool
	// Outcome is "beat", "missed" or empty when either value is missing.
	Outcome string
	Diff    string
}

// Radar is the analyst rating radar.
type Radar struct {
	Size      float64
	Rings     []string
	Axes      []RadarAxis
	Shape     string
	Consensus string
	Total     int
}

// RadarAxis is one rating category of a Radar.
type RadarAxis struct {
	Label         string
	Count         int
	EndX, EndY    float64
	LabelX        float64
	LabelY        float64
	PointX        float64
	PointY        float64
	LabelAnchor   string
	LabelBaseline string
}

// niceTicks returns yTickCount evenly spaced ticks on a 1/2/5 step covering values with some
// padding. With floorZero the lowest tick never goes below zero.
func niceTicks(values []float64, floorZero bool) []float64 {
	if len(values) == 0 {
		return nil
	}
	lo, hi := slices.Min(values), slices.Max(values)
	span := hi - lo

	fallback := math.Max(1, math.Abs(hi)) * 0.05
	pad := span * 0.1
	if span == 0 {
		pad = fallback
	}
	domainMin := lo - pad
	if floorZero {
		domainMin = math.Max(0, domainMin)
	}
	domainMax := hi + pad
	domainSpan := math.Max(domainMax-domainMin, fallback)

	intervals := float64(yTickCount - 1)
	raw := domainSpan / intervals
	if raw == 0 {
		raw = 1
	}
	magnitude := math.Pow(10, math.Floor(math.Log10(raw)))
	step := 10 * magnitude
	switch n := raw / magnitude; {
	case n <= 1:
		step = magnitude
	case n <= 2:
		step = 2 * magnitude
	case n <= 5:
		step = 5 * magnitude
	}

	start := math.Floor(domainMin/step) * step
	if start+step*intervals < domainMax {
		start = math.Floor((domainMax-step*intervals)/step) * step
	}

	ticks := make([]float64, yTickCount)
	for i := range ticks {
		ticks[i] = math.Round((start+float64(i)*step)*100) / 100
	}
	return ticks
}

// monthlyTicks returns, for each YYYY-MM run of dates, the index of its middle date.
func monthlyTicks(dates []string) []int {
	var idx []int
	for i := 0; i < len(dates); {
		j := i
		for j < len(dates) && monthKey(dates[j]) == monthKey(dates[i]) {
			j++
		}
		idx = append(idx, i+(j-i)/2)
		i = j
	}
	return idx
}

func monthKey(date string) string {
	if len(date) < 7 {
		return date
	}
	return date[:7]
}

type scale struct {
	min, max float64
	from, to float64
}

func (s scale) at(v float64) float64 {
	if s.max == s.min {
		return (s.from + s.to) / 2
	}
	return s.from + (v-s.min)/(s.max-s.min)*(s.to-s.from)
}

func yScale(ticks []float64) scale {
	return scale{min: ticks[0], max: ticks[len(ticks)-1], from: chartHeight - plotBottom, to: plotTop}
}

func xAt(i, n int) float64 {
	if n <= 1 {
		return plotLeft + float64(chartWidth-plotLeft-plotRight)/2
	}
	return plotLeft + float64(i)/float64(n-1)*float64(chartWidth-plotLeft-plotRight)
}

// newPriceChart builds the chart of history, given newest first as FMP sends it. A positive prevClose
// is drawn as a reference line and kept inside the y axis.
func newPriceChart(history []tools.HistoricalPrice, prevClose float64) *PriceChart {
	if len(history) == 0 {
		return nil
	}
	data := slices.Clone(history)
	slices.Reverse(data)

	prices := make([]float64, 0, len(data)+1)
	dates := make([]string, len(data))
	for i, p := range data {
		prices = append(prices, p.Price)
		dates[i] = p.Date
	}
	if prevClose > 0 {
		prices = append(prices, prevClose)
	}
	ticks := niceTicks(prices, true)
	ys := yScale(ticks)

	c := &PriceChart{Width: chartWidth, Height: chartHeight, Trend: TrendUp}
	if data[0].Price >= data[len(data)-1].Price {
		c.Trend = TrendDown
	}

	var line strings.Builder
	for i, p := range data {
		x, y := xAt(i, len(data)), ys.at(p.Price)
		cmd := "L"
		if i == 0 {
			cmd = "M"
		}
		fmt.Fprintf(&line, "%s%.2f,%.2f ", cmd, x, y)
		c.Points = append(c.Points, PricePoint{
			X:     x,
			Y:     y,
			Title: fmt.Sprintf("%s %s", dayLabel(p.Date), CompactCurrency(p.Price)),
		})
	}
	c.Line = strings.TrimSpace(line.String())
	base := float64(chartHeight - plotBottom)
	c.Area = fmt.Sprintf("%s L%.2f,%.2f L%.2f,%.2f Z", c.Line, xAt(len(data)-1, len(data)), base, xAt(0, len(data)), base)

	for _, t := range ticks {
		c.YTicks = append(c.YTicks, Tick{Pos: ys.at(t), Label: CompactCurrency(t)})
	}
	for _, i := range monthlyTicks(dates) {
		c.XTicks = append(c.XTicks, Tick{Pos: xAt(i, len(data)), Label: monthLabel(dates[i])})
	}
	if prevClose > 0 {
		c.PrevClose = &Tick{Pos: ys.at(prevClose), Label: CompactCurrency(prevClose)}
	}
	return c
}

func dayLabel(date string) string {
	t, ok := parseDate(date)
	if !ok {
		return date
	}
	return t.Format("02 Jan 2006")
}

func monthLabel(date string) string {
	t, ok := parseDate(date)
	if !ok {
		return date
	}
	return t.Format("Jan 06")
}

// newEarningsChart drops quarters with neither an actual nor an estimate and plots the rest oldest
// first. A zero EPS counts as missing when deciding beat or missed.
func newEarningsChart(earnings []tools.Earnings) *EarningsChart {
	rows := slices.DeleteFunc(slices.Clone(earnings), func(e tools.Earnings) bool {
		return e.EPSActual == nil && e.EPSEstimated == nil
	})
	if len(rows) == 0 {
		return nil
	}
	slices.SortStableFunc(rows, func(a, b tools.Earnings) int { return strings.Compare(a.Date, b.Date) })

	var values []float64
	for _, r := range rows {
		if r.EPSActual != nil {
			values = append(values, *r.EPSActual)
		}
		if r.EPSEstimated != nil {
			values = append(values, *r.EPSEstimated)
		}
	}
	ticks := niceTicks(values, false)
	ys := yScale(ticks)

	c := &EarningsChart{Width: chartWidth, Height: chartHeight}
	for _, t := range ticks {
		c.YTicks = append(c.YTicks, Tick{Pos: ys.at(t), Label: Currency(t)})
	}
	for i, r := range rows {
		p := EarningsPoint{
			X:         xAt(i, len(rows)),
			Label:     Quarter(r.Date, false),
			FullLabel: Quarter(r.Date, true),
			Actual:    ptrFormat(r.EPSActual, Currency),
			Estimated: ptrFormat(r.EPSEstimated, Currency),
			Diff:      Placeholder,
		}
		if r.EPSActual != nil {
			p.HasActual, p.ActualY = true, ys.at(*r.EPSActual)
		}
		if r.EPSEstimated != nil {
			p.HasEstimated, p.EstimatedY = true, ys.at(*r.EPSEstimated)
		}
		if a, e := deref(r.EPSActual), deref(r.EPSEstimated); a != 0 && e != 0 {
			p.Outcome = "missed"
			if a >= e {
				p.Outcome = "beat"
			}
			p.Diff = SignedPercent((a - e) / e * 100)
		}
		c.Points = append(c.Points, p)
	}
	return c
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

// newRadar lays the five rating counts out clockwise from the top, scaled to the largest count.
func newRadar(g tools.GradesConsensus) *Radar {
	axes := []struct {
		label string
		count int
	}{
		{"Strong Buy", g.StrongBuy},
		{"Buy", g.Buy},
		{"Hold", g.Hold},
		{"Sell", g.Sell},
		{"Strong Sell", g.StrongSell},
	}

	maxCount := 0
	for _, a := range axes {
		maxCount = max(maxCount, a.count)
	}

	center := float64(radarSize) / 2
	polar := func(i int, r float64) (float64, float64) {
		angle := (-90 + 72*float64(i)) * math.Pi / 180
		return center + r*math.Cos(angle), center + r*math.Sin(angle)
	}

	r := &Radar{Size: radarSize, Consensus: orPlaceholder(g.Consensus)}
	for _, frac := range []float64{0.25, 0.5, 0.75, 1} {
		var ring []string
		for i := range axes {
			x, y := polar(i, radarRadius*frac)
			ring = append(ring, fmt.Sprintf("%.2f,%.2f", x, y))
		}
		r.Rings = append(r.Rings, strings.Join(ring, " "))
	}

	var shape []string
	for i, a := range axes {
		r.Total += a.count
		ax := RadarAxis{Label: a.label, Count: a.count}
		ax.EndX, ax.EndY = polar(i, radarRadius)
		ax.LabelX, ax.LabelY = polar(i, radarRadius+18)
		ax.LabelAnchor, ax.LabelBaseline = labelAlign(ax.LabelX-center, ax.LabelY-center)

		var radius float64
		if maxCount > 0 {
			radius = float64(a.count) / float64(maxCount) * radarRadius
		}
		ax.PointX, ax.PointY = polar(i, radius)
		shape = append(shape, fmt.Sprintf("%.2f,%.2f", ax.PointX, ax.PointY))
		r.Axes = append(r.Axes, ax)
	}
	r.Shape = strings.Join(shape, " ")
	return r
}

func labelAlign(dx, dy float64) (anchor, baseline string) {
	anchor, baseline = "middle", "middle"
	switch {
	case dx > 1:
		anchor = "start"
	case dx < -1:
		anchor = "end"
	}
	if dy < -radarRadius/2 {
		baseline = "auto"
	}
	return anchor, baseline
}
