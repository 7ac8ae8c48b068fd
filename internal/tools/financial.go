package tools

import (
	"context"
	"fmt"
	"log/slog"

	"finagent/internal/apperr"
	"finagent/internal/finance"
	"finagent/internal/models"
)

// Tool names.
const (
	RevenueSummary    = "get_revenue_summary"
	ExpenseTrends     = "get_expense_trends"
	ComparePeriods    = "compare_periods"
	GrowthRate        = "calculate_growth_rate"
	CategoryBreakdown = "get_category_breakdown"
	DetectAnomalies   = "detect_anomalies"
	MetricsOverview   = "get_metrics_overview"
)

// trendBand is the average monthly change, in percent, inside which a trend
// counts as stable.
const trendBand = 1.0

type financial struct {
	store *finance.Store
}

// NewFinancialRegistry returns a registry holding every financial tool.
func NewFinancialRegistry(store *finance.Store, logger *slog.Logger) (*Registry, error) {
	f := &financial{store: store}
	r := NewRegistry(logger)

	for _, t := range []struct {
		schema  models.ToolSchema
		handler Handler
	}{
		{revenueSummarySchema, f.revenueSummary},
		{expenseTrendsSchema, f.expenseTrends},
		{comparePeriodsSchema, f.comparePeriods},
		{growthRateSchema, f.growthRate},
		{categoryBreakdownSchema, f.categoryBreakdown},
		{detectAnomaliesSchema, f.detectAnomalies},
		{metricsOverviewSchema, f.metricsOverview},
	} {
		if err := r.Register(t.schema, t.handler); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func dateProp(desc string) map[string]any {
	return map[string]any{"type": "string", "format": "date", "description": desc}
}

var (
	sourceProp = map[string]any{"type": "string", "description": "Restrict to one data source, e.g. stripe, quickbooks or manual"}
	metricProp = map[string]any{"type": "string", "enum": finance.Metrics, "description": "Metric to analyse"}
)

var revenueSummarySchema = models.ToolSchema{
	Name:        RevenueSummary,
	Description: "Summarise revenue for a date range: total, monthly average, best and worst months, month-over-month growth and category split.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"start_date": dateProp("First day of the range (YYYY-MM-DD)"),
			"end_date":   dateProp("Last day of the range (YYYY-MM-DD)"),
			"source":     sourceProp,
		},
		"required": []string{"start_date", "end_date"},
	},
}

var expenseTrendsSchema = models.ToolSchema{
	Name:        ExpenseTrends,
	Description: "Analyse expense trends for a date range: monthly totals, growth, volatility and trend direction, optionally for one category.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"start_date": dateProp("First day of the range (YYYY-MM-DD)"),
			"end_date":   dateProp("Last day of the range (YYYY-MM-DD)"),
			"category":   map[string]any{"type": "string", "description": "Expense category, e.g. payroll or marketing"},
			"source":     sourceProp,
		},
		"required": []string{"start_date", "end_date"},
	},
}

var comparePeriodsSchema = models.ToolSchema{
	Name:        ComparePeriods,
	Description: "Compare a metric between two date ranges and report the absolute and percentage change.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"metric":        metricProp,
			"period1_start": dateProp("First day of the earlier period"),
			"period1_end":   dateProp("Last day of the earlier period"),
			"period2_start": dateProp("First day of the later period"),
			"period2_end":   dateProp("Last day of the later period"),
			"source":        sourceProp,
		},
		"required": []string{"metric", "period1_start", "period1_end", "period2_start", "period2_end"},
	},
}

var growthRateSchema = models.ToolSchema{
	Name:        GrowthRate,
	Description: "Calculate total growth, compound monthly growth and average month-over-month change for a metric.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"metric":     metricProp,
			"start_date": dateProp("First day of the range (YYYY-MM-DD)"),
			"end_date":   dateProp("Last day of the range (YYYY-MM-DD)"),
			"source":     sourceProp,
		},
		"required": []string{"metric", "start_date", "end_date"},
	},
}

var categoryBreakdownSchema = models.ToolSchema{
	Name:        CategoryBreakdown,
	Description: "Break revenue or expenses down by category with each category's share of the total.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"metric":     map[string]any{"type": "string", "enum": []string{finance.MetricRevenue, finance.MetricExpenses}},
			"start_date": dateProp("First day of the range (YYYY-MM-DD)"),
			"end_date":   dateProp("Last day of the range (YYYY-MM-DD)"),
			"source":     sourceProp,
		},
		"required": []string{"metric", "start_date", "end_date"},
	},
}

var detectAnomaliesSchema = models.ToolSchema{
	Name:        DetectAnomalies,
	Description: "Find months whose totals deviate from the mean by more than a z-score threshold.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"metric":     metricProp,
			"start_date": dateProp("First day of the range (YYYY-MM-DD)"),
			"end_date":   dateProp("Last day of the range (YYYY-MM-DD)"),
			"threshold":  map[string]any{"type": "number", "description": "Z-score threshold, default 2.0"},
			"source":     sourceProp,
		},
		"required": []string{"metric", "start_date", "end_date"},
	},
}

var metricsOverviewSchema = models.ToolSchema{
	Name:        MetricsOverview,
	Description: "Overview of several metrics for a date range: totals, averages, growth and volatility per metric.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"metrics": map[string]any{
				"type":  "array",
				"items": metricProp,
			},
			"start_date": dateProp("First day of the range (YYYY-MM-DD)"),
			"end_date":   dateProp("Last day of the range (YYYY-MM-DD)"),
			"source":     sourceProp,
		},
		"required": []string{"metrics", "start_date", "end_date"},
	},
}

func notFound(what string, r finance.Range, source string) error {
	detail := r.String()
	if source != "" {
		detail += " from " + source
	}
	return &apperr.DataNotFoundError{Resource: what, Detail: detail}
}

func trendDirection(avg float64, ok bool) string {
	switch {
	case !ok:
		return "insufficient data"
	case avg > trendBand:
		return "increasing"
	case avg < -trendBand:
		return "decreasing"
	default:
		return "stable"
	}
}

func optionalPct(v float64, ok bool) *float64 {
	if !ok {
		return nil
	}
	return &v
}

type revenueSummaryResult struct {
	Period           string                  `json:"period"`
	Source           string                  `json:"source,omitempty"`
	TotalRevenue     float64                 `json:"total_revenue"`
	MonthlyAverage   float64                 `json:"monthly_average"`
	Months           int                     `json:"months"`
	HighestMonth     *finance.MonthlyTotal   `json:"highest_month,omitempty"`
	LowestMonth      *finance.MonthlyTotal   `json:"lowest_month,omitempty"`
	AverageGrowthPct *float64                `json:"average_monthly_growth_pct,omitempty"`
	Monthly          []finance.PeriodChange  `json:"monthly"`
	Categories       []finance.CategoryShare `json:"categories"`
}

func (f *financial) revenueSummary(ctx context.Context, args map[string]any) (any, error) {
	r, err := rangeArgs(args, "start_date", "end_date")
	if err != nil {
		return nil, err
	}
	source, err := optionalString(args, "source")
	if err != nil {
		return nil, err
	}

	filter := r.Filter(finance.MetricRevenue, source)
	monthly, err := f.store.MonthlyTotals(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(monthly) == 0 {
		return nil, notFound("revenue records", r, source)
	}
	categories, err := f.store.CategoryTotals(ctx, filter)
	if err != nil {
		return nil, err
	}

	summary := finance.Summarize(monthly)
	changes := finance.PeriodChanges(monthly)
	return revenueSummaryResult{
		Period:           r.String(),
		Source:           source,
		TotalRevenue:     summary.Total,
		MonthlyAverage:   summary.MonthlyAverage,
		Months:           summary.Months,
		HighestMonth:     summary.Highest,
		LowestMonth:      summary.Lowest,
		AverageGrowthPct: optionalPct(finance.AverageChange(changes)),
		Monthly:          changes,
		Categories:       finance.Shares(categories),
	}, nil
}

type expenseTrendsResult struct {
	Period           string                  `json:"period"`
	Category         string                  `json:"category,omitempty"`
	Source           string                  `json:"source,omitempty"`
	TotalExpenses    float64                 `json:"total_expenses"`
	MonthlyAverage   float64                 `json:"monthly_average"`
	Trend            string                  `json:"trend"`
	AverageGrowthPct *float64                `json:"average_monthly_growth_pct,omitempty"`
	Volatility       float64                 `json:"volatility"`
	Monthly          []finance.PeriodChange  `json:"monthly"`
	Categories       []finance.CategoryShare `json:"categories,omitempty"`
}

func (f *financial) expenseTrends(ctx context.Context, args map[string]any) (any, error) {
	r, err := rangeArgs(args, "start_date", "end_date")
	if err != nil {
		return nil, err
	}
	category, err := optionalString(args, "category")
	if err != nil {
		return nil, err
	}
	source, err := optionalString(args, "source")
	if err != nil {
		return nil, err
	}

	filter := r.Filter(finance.MetricExpenses, source)
	filter.Category = category
	monthly, err := f.store.MonthlyTotals(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(monthly) == 0 {
		what := "expense records"
		if category != "" {
			what = category + " expense records"
		}
		return nil, notFound(what, r, source)
	}

	summary := finance.Summarize(monthly)
	changes := finance.PeriodChanges(monthly)
	avg, ok := finance.AverageChange(changes)
	result := expenseTrendsResult{
		Period:           r.String(),
		Category:         category,
		Source:           source,
		TotalExpenses:    summary.Total,
		MonthlyAverage:   summary.MonthlyAverage,
		Trend:            trendDirection(avg, ok),
		AverageGrowthPct: optionalPct(avg, ok),
		Volatility:       finance.Volatility(finance.Amounts(monthly)),
		Monthly:          changes,
	}

	if category == "" {
		categories, err := f.store.CategoryTotals(ctx, filter)
		if err != nil {
			return nil, err
		}
		result.Categories = finance.Shares(categories)
	}
	return result, nil
}

type periodTotal struct {
	Period string  `json:"period"`
	Total  float64 `json:"total"`
	Months int     `json:"months"`
}

type comparePeriodsResult struct {
	Metric         string      `json:"metric"`
	Source         string      `json:"source,omitempty"`
	Period1        periodTotal `json:"period1"`
	Period2        periodTotal `json:"period2"`
	AbsoluteChange float64     `json:"absolute_change"`
	ChangePct      *float64    `json:"change_pct,omitempty"`
}

func (f *financial) comparePeriods(ctx context.Context, args map[string]any) (any, error) {
	metric, err := metricArg(args, "metric")
	if err != nil {
		return nil, err
	}
	first, err := rangeArgs(args, "period1_start", "period1_end")
	if err != nil {
		return nil, err
	}
	second, err := rangeArgs(args, "period2_start", "period2_end")
	if err != nil {
		return nil, err
	}
	source, err := optionalString(args, "source")
	if err != nil {
		return nil, err
	}

	m1, err := f.store.SeriesFor(ctx, metric, first.Filter(metric, source))
	if err != nil {
		return nil, err
	}
	m2, err := f.store.SeriesFor(ctx, metric, second.Filter(metric, source))
	if err != nil {
		return nil, err
	}
	if len(m1) == 0 && len(m2) == 0 {
		return nil, &apperr.DataNotFoundError{
			Resource: metric + " records",
			Detail:   fmt.Sprintf("%s or %s", first, second),
		}
	}

	s1, s2 := finance.Summarize(m1), finance.Summarize(m2)
	return comparePeriodsResult{
		Metric:         metric,
		Source:         source,
		Period1:        periodTotal{Period: first.String(), Total: s1.Total, Months: s1.Months},
		Period2:        periodTotal{Period: second.String(), Total: s2.Total, Months: s2.Months},
		AbsoluteChange: finance.Round2(s2.Total - s1.Total),
		ChangePct:      optionalPct(finance.GrowthPercent(s1.Total, s2.Total)),
	}, nil
}

type growthRateResult struct {
	Metric             string               `json:"metric"`
	Period             string               `json:"period"`
	Source             string               `json:"source,omitempty"`
	FirstMonth         finance.MonthlyTotal `json:"first_month"`
	LastMonth          finance.MonthlyTotal `json:"last_month"`
	TotalGrowthPct     *float64             `json:"total_growth_pct,omitempty"`
	CompoundMonthlyPct *float64             `json:"compound_monthly_growth_pct,omitempty"`
	AverageMonthlyPct  *float64             `json:"average_monthly_change_pct,omitempty"`
	Trend              string               `json:"trend"`
}

func (f *financial) growthRate(ctx context.Context, args map[string]any) (any, error) {
	metric, err := metricArg(args, "metric")
	if err != nil {
		return nil, err
	}
	r, err := rangeArgs(args, "start_date", "end_date")
	if err != nil {
		return nil, err
	}
	source, err := optionalString(args, "source")
	if err != nil {
		return nil, err
	}

	monthly, err := f.store.SeriesFor(ctx, metric, r.Filter(metric, source))
	if err != nil {
		return nil, err
	}
	if len(monthly) < 2 {
		return nil, &apperr.DataNotFoundError{
			Resource: "two months of " + metric + " data",
			Detail:   r.String(),
		}
	}

	first, last := monthly[0], monthly[len(monthly)-1]
	avg, ok := finance.AverageChange(finance.PeriodChanges(monthly))
	return growthRateResult{
		Metric:             metric,
		Period:             r.String(),
		Source:             source,
		FirstMonth:         first,
		LastMonth:          last,
		TotalGrowthPct:     optionalPct(finance.GrowthPercent(first.Amount, last.Amount)),
		CompoundMonthlyPct: optionalPct(finance.CompoundRate(first.Amount, last.Amount, len(monthly)-1)),
		AverageMonthlyPct:  optionalPct(avg, ok),
		Trend:              trendDirection(avg, ok),
	}, nil
}

type categoryBreakdownResult struct {
	Metric     string                  `json:"metric"`
	Period     string                  `json:"period"`
	Source     string                  `json:"source,omitempty"`
	Total      float64                 `json:"total"`
	Categories []finance.CategoryShare `json:"categories"`
}

func (f *financial) categoryBreakdown(ctx context.Context, args map[string]any) (any, error) {
	metric, err := metricArg(args, "metric")
	if err != nil {
		return nil, err
	}
	if metric == finance.MetricProfit {
		return nil, apperr.Validationf("metric", "profit has no categories, use revenue or expenses")
	}
	r, err := rangeArgs(args, "start_date", "end_date")
	if err != nil {
		return nil, err
	}
	source, err := optionalString(args, "source")
	if err != nil {
		return nil, err
	}

	totals, err := f.store.CategoryTotals(ctx, r.Filter(metric, source))
	if err != nil {
		return nil, err
	}
	if len(totals) == 0 {
		return nil, notFound(metric+" records", r, source)
	}

	var sum float64
	for _, t := range totals {
		sum += t.Amount
	}
	return categoryBreakdownResult{
		Metric:     metric,
		Period:     r.String(),
		Source:     source,
		Total:      finance.Round2(sum),
		Categories: finance.Shares(totals),
	}, nil
}

type anomaliesResult struct {
	Metric    string            `json:"metric"`
	Period    string            `json:"period"`
	Source    string            `json:"source,omitempty"`
	Threshold float64           `json:"threshold"`
	Mean      float64           `json:"mean"`
	StdDev    float64           `json:"std_dev"`
	Months    int               `json:"months"`
	Anomalies []finance.Anomaly `json:"anomalies"`
}

func (f *financial) detectAnomalies(ctx context.Context, args map[string]any) (any, error) {
	metric, err := metricArg(args, "metric")
	if err != nil {
		return nil, err
	}
	r, err := rangeArgs(args, "start_date", "end_date")
	if err != nil {
		return nil, err
	}
	threshold, err := optionalFloat(args, "threshold", finance.DefaultAnomalyThreshold)
	if err != nil {
		return nil, err
	}
	if threshold <= 0 {
		return nil, apperr.Validationf("threshold", "must be positive, got %v", threshold)
	}
	source, err := optionalString(args, "source")
	if err != nil {
		return nil, err
	}

	monthly, err := f.store.SeriesFor(ctx, metric, r.Filter(metric, source))
	if err != nil {
		return nil, err
	}
	if len(monthly) == 0 {
		return nil, notFound(metric+" records", r, source)
	}

	values := finance.Amounts(monthly)
	anomalies := finance.DetectAnomalies(monthly, threshold)
	if anomalies == nil {
		anomalies = []finance.Anomaly{}
	}
	return anomaliesResult{
		Metric:    metric,
		Period:    r.String(),
		Source:    source,
		Threshold: threshold,
		Mean:      finance.Round2(finance.Mean(values)),
		StdDev:    finance.Round2(finance.StdDev(values)),
		Months:    len(monthly),
		Anomalies: anomalies,
	}, nil
}

type metricOverview struct {
	Total            float64  `json:"total"`
	MonthlyAverage   float64  `json:"monthly_average"`
	Months           int      `json:"months"`
	AverageGrowthPct *float64 `json:"average_monthly_growth_pct,omitempty"`
	Volatility       float64  `json:"volatility"`
	Trend            string   `json:"trend"`
}

type metricsOverviewResult struct {
	Period  string                    `json:"period"`
	Source  string                    `json:"source,omitempty"`
	Metrics map[string]metricOverview `json:"metrics"`
}

func (f *financial) metricsOverview(ctx context.Context, args map[string]any) (any, error) {
	names, err := stringListArg(args, "metrics")
	if err != nil {
		return nil, err
	}
	r, err := rangeArgs(args, "start_date", "end_date")
	if err != nil {
		return nil, err
	}
	source, err := optionalString(args, "source")
	if err != nil {
		return nil, err
	}

	result := metricsOverviewResult{
		Period:  r.String(),
		Source:  source,
		Metrics: make(map[string]metricOverview, len(names)),
	}
	found := false
	for _, name := range names {
		metric, err := finance.NormalizeMetric("metrics", name)
		if err != nil {
			return nil, err
		}
		monthly, err := f.store.SeriesFor(ctx, metric, r.Filter(metric, source))
		if err != nil {
			return nil, err
		}
		if len(monthly) > 0 {
			found = true
		}

		summary := finance.Summarize(monthly)
		avg, ok := finance.AverageChange(finance.PeriodChanges(monthly))
		result.Metrics[metric] = metricOverview{
			Total:            summary.Total,
			MonthlyAverage:   summary.MonthlyAverage,
			Months:           summary.Months,
			AverageGrowthPct: optionalPct(avg, ok),
			Volatility:       finance.Volatility(finance.Amounts(monthly)),
			Trend:            trendDirection(avg, ok),
		}
	}
	if !found {
		return nil, notFound("records", r, source)
	}
	return result, nil
}
