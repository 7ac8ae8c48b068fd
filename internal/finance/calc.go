package finance

import (
	"math"
	"sort"
	"strings"
	"time"

	"finagent/internal/apperr"
)

// Metric names. Profit is derived from revenue and expenses and never stored.
const (
	MetricRevenue  = "revenue"
	MetricExpenses = "expenses"
	MetricProfit   = "profit"
)

// DefaultAnomalyThreshold is the z-score beyond which a month is anomalous.
const DefaultAnomalyThreshold = 2.0

// Metrics lists every metric the tools accept.
var Metrics = []string{MetricRevenue, MetricExpenses, MetricProfit}

// NormalizeMetric maps user spellings onto a known metric.
func NormalizeMetric(field, name string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "revenue", "revenues", "income", "sales":
		return MetricRevenue, nil
	case "expense", "expenses", "costs", "spend":
		return MetricExpenses, nil
	case "profit", "profits", "net", "net_income":
		return MetricProfit, nil
	default:
		return "", apperr.Validationf(field, "unknown metric %q, expected one of %s", name, strings.Join(Metrics, ", "))
	}
}

// Range is an inclusive date range.
type Range struct {
	Start time.Time
	End   time.Time
}

// ParseDate parses a YYYY-MM-DD value.
func ParseDate(field, value string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, apperr.Validationf(field, "must be a YYYY-MM-DD date, got %q", value)
	}
	return t, nil
}

// ParseRange parses both ends of a range and rejects inverted ranges.
func ParseRange(startField, start, endField, end string) (Range, error) {
	s, err := ParseDate(startField, start)
	if err != nil {
		return Range{}, err
	}
	e, err := ParseDate(endField, end)
	if err != nil {
		return Range{}, err
	}
	if e.Before(s) {
		return Range{}, apperr.Validationf(endField, "%s must not be before %s", endField, startField)
	}
	return Range{Start: s, End: e}, nil
}

func (r Range) String() string {
	return r.Start.Format(DateLayout) + " to " + r.End.Format(DateLayout)
}

// Filter returns a store filter for the range.
func (r Range) Filter(metric, source string) Filter {
	return Filter{Metric: metric, Start: r.Start, End: r.End, Source: source}
}

// Summary describes a monthly series.
type Summary struct {
	Total          float64       `json:"total"`
	MonthlyAverage float64       `json:"monthly_average"`
	Months         int           `json:"months"`
	Highest        *MonthlyTotal `json:"highest_month,omitempty"`
	Lowest         *MonthlyTotal `json:"lowest_month,omitempty"`
}

// Summarize totals a monthly series.
func Summarize(monthly []MonthlyTotal) Summary {
	s := Summary{Months: len(monthly)}
	if len(monthly) == 0 {
		return s
	}
	hi, lo := monthly[0], monthly[0]
	for _, m := range monthly {
		s.Total += m.Amount
		if m.Amount > hi.Amount {
			hi = m
		}
		if m.Amount < lo.Amount {
			lo = m
		}
	}
	s.Total = Round2(s.Total)
	s.MonthlyAverage = Round2(s.Total / float64(len(monthly)))
	s.Highest, s.Lowest = &hi, &lo
	return s
}

// PeriodChange is one month with its change against the previous month.
type PeriodChange struct {
	Month     string   `json:"month"`
	Amount    float64  `json:"amount"`
	ChangePct *float64 `json:"change_pct,omitempty"`
}

// PeriodChanges computes month-over-month growth. The first month and months
// following a zero month have no change.
func PeriodChanges(monthly []MonthlyTotal) []PeriodChange {
	out := make([]PeriodChange, len(monthly))
	for i, m := range monthly {
		out[i] = PeriodChange{Month: m.Month, Amount: Round2(m.Amount)}
		if i == 0 {
			continue
		}
		if pct, ok := GrowthPercent(monthly[i-1].Amount, m.Amount); ok {
			out[i].ChangePct = &pct
		}
	}
	return out
}

// AverageChange is the mean of the defined month-over-month changes.
func AverageChange(changes []PeriodChange) (float64, bool) {
	var (
		sum float64
		n   int
	)
	for _, c := range changes {
		if c.ChangePct != nil {
			sum += *c.ChangePct
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return Round2(sum / float64(n)), true
}

// GrowthPercent is the percentage change from one value to another.
func GrowthPercent(from, to float64) (float64, bool) {
	if from == 0 {
		return 0, false
	}
	return Round2((to - from) / math.Abs(from) * 100), true
}

// CompoundRate is the constant per-period percentage rate that turns first
// into last over periods steps.
func CompoundRate(first, last float64, periods int) (float64, bool) {
	if periods < 1 || first <= 0 || last <= 0 {
		return 0, false
	}
	return Round2((math.Pow(last/first, 1/float64(periods)) - 1) * 100), true
}

// CategoryShare is a category total with its share of the whole.
type CategoryShare struct {
	Category string  `json:"category"`
	Amount   float64 `json:"amount"`
	SharePct float64 `json:"share_pct"`
}

// Shares computes each category's percentage of the total.
func Shares(totals []CategoryTotal) []CategoryShare {
	var sum float64
	for _, t := range totals {
		sum += t.Amount
	}
	out := make([]CategoryShare, len(totals))
	for i, t := range totals {
		out[i] = CategoryShare{Category: t.Category, Amount: Round2(t.Amount)}
		if sum != 0 {
			out[i].SharePct = Round2(t.Amount / sum * 100)
		}
	}
	return out
}

// Volatility is the coefficient of variation of values, or 0 when it is
// undefined.
func Volatility(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := Mean(values)
	if mean == 0 {
		return 0
	}
	return Round4(StdDev(values) / math.Abs(mean))
}

// Anomaly is a month whose total lies beyond the z-score threshold.
type Anomaly struct {
	Month     string  `json:"month"`
	Amount    float64 `json:"amount"`
	ZScore    float64 `json:"z_score"`
	Direction string  `json:"direction"`
}

// DetectAnomalies flags months whose absolute z-score exceeds threshold,
// most extreme first.
func DetectAnomalies(monthly []MonthlyTotal, threshold float64) []Anomaly {
	if threshold <= 0 {
		threshold = DefaultAnomalyThreshold
	}
	values := Amounts(monthly)
	if len(values) < 3 {
		return nil
	}
	mean, sd := Mean(values), StdDev(values)
	if sd == 0 {
		return nil
	}

	var out []Anomaly
	for _, m := range monthly {
		z := (m.Amount - mean) / sd
		if math.Abs(z) <= threshold {
			continue
		}
		dir := "above"
		if z < 0 {
			dir = "below"
		}
		out = append(out, Anomaly{Month: m.Month, Amount: Round2(m.Amount), ZScore: Round2(z), Direction: dir})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return math.Abs(out[i].ZScore) > math.Abs(out[j].ZScore)
	})
	return out
}

// Amounts extracts the values of a monthly series.
func Amounts(monthly []MonthlyTotal) []float64 {
	out := make([]float64, len(monthly))
	for i, m := range monthly {
		out[i] = m.Amount
	}
	return out
}

func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// StdDev is the population standard deviation.
func StdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	mean := Mean(values)
	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return math.Sqrt(sq / float64(len(values)))
}

func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func Round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
