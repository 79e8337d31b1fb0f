package render

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Placeholder is shown in place of a missing or null value.
const Placeholder = "–"

const dateLayout = "2006-01-02"

var compactUnits = []struct {
	size   float64
	suffix string
}{
	{1e12, "T"},
	{1e9, "B"},
	{1e6, "M"},
	{1e3, "K"},
}

// compact formats v with two decimals, scaled down to the largest fitting unit.
func compact(v float64) string {
	abs := math.Abs(v)
	for _, u := range compactUnits {
		if abs >= u.size {
			return fmt.Sprintf("%.2f%s", v/u.size, u.suffix)
		}
	}
	return fmt.Sprintf("%.2f", v)
}

// CompactNumber formats v like 1.23K, 4.56M.
func CompactNumber(v float64) string {
	return compact(v)
}

// CompactCurrency formats v as US dollars like $1.23K, -$4.56B.
func CompactCurrency(v float64) string {
	if v < 0 {
		return "-$" + compact(-v)
	}
	return "$" + compact(v)
}

// Currency formats v as US dollars with thousands separators.
func Currency(v float64) string {
	if v < 0 {
		return "-$" + humanize.FormatFloat("#,###.##", -v)
	}
	return "$" + humanize.FormatFloat("#,###.##", v)
}

// Number formats v with thousands separators and no decimals.
func Number(v float64) string {
	return humanize.Commaf(math.Round(v))
}

// SignedPercent formats v, already in percent, like +1.23% or -0.50%.
func SignedPercent(v float64) string {
	if v >= 0 {
		return fmt.Sprintf("+%.2f%%", v)
	}
	return fmt.Sprintf("%.2f%%", v)
}

// Signed formats v with two decimals and an explicit sign.
func Signed(v float64) string {
	if v >= 0 {
		return fmt.Sprintf("+%.2f", v)
	}
	return fmt.Sprintf("%.2f", v)
}

func orPlaceholder(s string) string {
	if strings.TrimSpace(s) == "" {
		return Placeholder
	}
	return s
}

func ptrFormat(v *float64, f func(float64) string) string {
	if v == nil {
		return Placeholder
	}
	return f(*v)
}

func parseDate(s string) (time.Time, bool) {
	if len(s) < len(dateLayout) {
		return time.Time{}, false
	}
	t, err := time.Parse(dateLayout, s[:len(dateLayout)])
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// LongDate formats a YYYY-MM-DD date like Jan 2, 2006. Unparseable dates are returned as they are.
func LongDate(s string) string {
	if s == "" {
		return Placeholder
	}
	t, ok := parseDate(s)
	if !ok {
		return s
	}
	return t.Format("Jan 2, 2006")
}

// Quarter formats the quarter of a YYYY-MM-DD date, like Q1 24, or Q1 2024 when full is set.
func Quarter(s string, full bool) string {
	t, ok := parseDate(s)
	if !ok {
		return orPlaceholder(s)
	}
	q := (int(t.Month())-1)/3 + 1
	if full {
		return fmt.Sprintf("Q%d %d", q, t.Year())
	}
	return fmt.Sprintf("Q%d %02d", q, t.Year()%100)
}
