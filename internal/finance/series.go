package finance

import (
	"context"
	"sort"
)

// SeriesFor returns monthly totals for metric, deriving profit as revenue
// minus expenses per month.
func (s *Store) SeriesFor(ctx context.Context, metric string, f Filter) ([]MonthlyTotal, error) {
	if metric != MetricProfit {
		f.Metric = metric
		return s.MonthlyTotals(ctx, f)
	}

	f.Metric = MetricRevenue
	revenue, err := s.MonthlyTotals(ctx, f)
	if err != nil {
		return nil, err
	}
	f.Metric = MetricExpenses
	expenses, err := s.MonthlyTotals(ctx, f)
	if err != nil {
		return nil, err
	}
	return subtractSeries(revenue, expenses), nil
}

func subtractSeries(a, b []MonthlyTotal) []MonthlyTotal {
	byMonth := make(map[string]float64, len(a)+len(b))
	for _, m := range a {
		byMonth[m.Month] += m.Amount
	}
	for _, m := range b {
		byMonth[m.Month] -= m.Amount
	}
	out := make([]MonthlyTotal, 0, len(byMonth))
	for month, amount := range byMonth {
		out = append(out, MonthlyTotal{Month: month, Amount: Round2(amount)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month < out[j].Month })
	return out
}
