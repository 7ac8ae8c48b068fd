// Package insights produces narrative reports over aggregated financial data
// with a single model call per report.
package insights

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"finagent/internal/apperr"
	"finagent/internal/finance"
	"finagent/internal/models"
)

// Report types.
const (
	TypeRevenue  = "revenue"
	TypeExpenses = "expenses"
	TypeOverview = "overview"
)

// Types lists the accepted report types.
var Types = []string{TypeRevenue, TypeExpenses, TypeOverview}

const (
	DefaultCacheTTL  = time.Hour
	DefaultCacheSize = 256
)

const analystPrompt = `You are a financial analyst writing a short report for a small-business owner.
Use only the figures in the data provided. Start with a two or three sentence overview.
Then write a "Key Findings:" heading followed by bullet points, and a "Recommendations:" heading followed by bullet points.`

// Completer is the completion capability the service needs.
type Completer interface {
	ChatCompletion(ctx context.Context, req models.CompletionRequest) (*models.Completion, error)
}

// Source is the aggregate data the reports are built from.
type Source interface {
	SeriesFor(ctx context.Context, metric string, f finance.Filter) ([]finance.MonthlyTotal, error)
	CategoryTotals(ctx context.Context, f finance.Filter) ([]finance.CategoryTotal, error)
}

// Request selects a report.
type Request struct {
	Type      string
	StartDate string
	EndDate   string
}

// Insight is a generated report. Failures carry Success=false and an
// explanation in Narrative.
type Insight struct {
	Type            string    `json:"type"`
	Period          string    `json:"period"`
	Success         bool      `json:"success"`
	Narrative       string    `json:"narrative"`
	KeyFindings     []string  `json:"key_findings"`
	Recommendations []string  `json:"recommendations"`
	Data            any       `json:"data,omitempty"`
	GeneratedAt     time.Time `json:"generated_at"`
	Cached          bool      `json:"cached"`
}

// MetricDigest summarizes one metric over the requested period.
type MetricDigest struct {
	Summary          finance.Summary         `json:"summary"`
	AverageGrowthPct *float64                `json:"average_growth_pct,omitempty"`
	Volatility       float64                 `json:"volatility"`
	Categories       []finance.CategoryShare `json:"categories,omitempty"`
}

// Overview combines every metric with the profit margin.
type Overview struct {
	Metrics         map[string]MetricDigest `json:"metrics"`
	ProfitMarginPct *float64                `json:"profit_margin_pct,omitempty"`
}

type cacheEntry struct {
	insight Insight
	created time.Time
}

// Service generates and caches insights.
type Service struct {
	llm    Completer
	source Source
	cache  *expirable.LRU[string, cacheEntry]
	ttl    time.Duration
	size   int
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the structured logger for the service.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// WithCache bounds the report cache. Non-positive values keep the defaults.
func WithCache(ttl time.Duration, size int) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
		if size > 0 {
			s.size = size
		}
	}
}

// WithClock replaces the clock used for timestamps and expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService constructs an insight service.
func NewService(llm Completer, source Source, opts ...Option) *Service {
	s := &Service{
		llm:    llm,
		source: source,
		ttl:    DefaultCacheTTL,
		size:   DefaultCacheSize,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cache = expirable.NewLRU[string, cacheEntry](s.size, nil, s.ttl)
	return s
}

// Generate builds the requested report. It never returns an error; failures
// are reported through Insight.Success.
func (s *Service) Generate(ctx context.Context, req Request) Insight {
	kind := strings.ToLower(strings.TrimSpace(req.Type))
	period, err := finance.ParseRange("start_date", req.StartDate, "end_date", req.EndDate)
	if err != nil {
		return s.failed(kind, req.StartDate+" to "+req.EndDate, err)
	}
	if !slices.Contains(Types, kind) {
		return s.failed(kind, period.String(), apperr.Validationf("type", "unknown insight type %q, expected one of %s", req.Type, strings.Join(Types, ", ")))
	}

	key := kind + "|" + period.String()
	if entry, ok := s.cache.Get(key); ok {
		if s.now().Sub(entry.created) < s.ttl {
			hit := entry.insight
			hit.Cached = true
			s.logger.Debug("insight cache hit", "key", key)
			return hit
		}
		s.cache.Remove(key)
	}

	insight, err := s.generate(ctx, kind, period)
	if err != nil {
		return s.failed(kind, period.String(), err)
	}
	s.cache.Add(key, cacheEntry{insight: insight, created: s.now()})
	s.logger.Info("insight generated", "type", kind, "period", insight.Period,
		"findings", len(insight.KeyFindings), "recommendations", len(insight.Recommendations))
	return insight
}

// CacheLen reports the number of cached reports.
func (s *Service) CacheLen() int {
	return s.cache.Len()
}

func (s *Service) generate(ctx context.Context, kind string, period finance.Range) (Insight, error) {
	data, err := s.aggregate(ctx, kind, period)
	if err != nil {
		return Insight{}, err
	}

	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return Insight{}, fmt.Errorf("encode %s data: %w", kind, err)
	}
	prompt := fmt.Sprintf("Write a %s report for %s.\n\nData:\n%s", kind, period.String(), encoded)

	resp, err := s.llm.ChatCompletion(ctx, models.CompletionRequest{
		Messages: []models.Message{
			{Role: models.RoleSystem, Content: analystPrompt},
			{Role: models.RoleUser, Content: prompt},
		},
	})
	if err != nil {
		return Insight{}, &apperr.AnalysisError{Op: "insight narrative", Err: err}
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return Insight{}, &apperr.AnalysisError{Op: "insight narrative", Err: errors.New("model returned an empty narrative")}
	}

	narrative := ParseNarrative(resp.Content)
	return Insight{
		Type:            kind,
		Period:          period.String(),
		Success:         true,
		Narrative:       narrative.Text,
		KeyFindings:     narrative.KeyFindings,
		Recommendations: narrative.Recommendations,
		Data:            data,
		GeneratedAt:     s.now(),
	}, nil
}

func (s *Service) aggregate(ctx context.Context, kind string, period finance.Range) (any, error) {
	switch kind {
	case TypeRevenue:
		return s.digest(ctx, finance.MetricRevenue, period, true)
	case TypeExpenses:
		return s.digest(ctx, finance.MetricExpenses, period, true)
	}

	overview := Overview{Metrics: make(map[string]MetricDigest, len(finance.Metrics))}
	for _, metric := range finance.Metrics {
		d, err := s.digest(ctx, metric, period, metric != finance.MetricProfit)
		if err != nil {
			return nil, err
		}
		overview.Metrics[metric] = d
	}
	revenue := overview.Metrics[finance.MetricRevenue].Summary.Total
	if revenue != 0 {
		margin := finance.Round2(overview.Metrics[finance.MetricProfit].Summary.Total / revenue * 100)
		overview.ProfitMarginPct = &margin
	}
	return overview, nil
}

func (s *Service) digest(ctx context.Context, metric string, period finance.Range, withCategories bool) (MetricDigest, error) {
	filter := period.Filter(metric, "")
	monthly, err := s.source.SeriesFor(ctx, metric, filter)
	if err != nil {
		return MetricDigest{}, fmt.Errorf("load %s series: %w", metric, err)
	}
	if len(monthly) == 0 {
		return MetricDigest{}, &apperr.DataNotFoundError{Resource: metric + " records", Detail: period.String()}
	}

	d := MetricDigest{
		Summary:    finance.Summarize(monthly),
		Volatility: finance.Volatility(finance.Amounts(monthly)),
	}
	if avg, ok := finance.AverageChange(finance.PeriodChanges(monthly)); ok {
		d.AverageGrowthPct = &avg
	}
	if withCategories {
		totals, err := s.source.CategoryTotals(ctx, filter)
		if err != nil {
			return MetricDigest{}, fmt.Errorf("load %s categories: %w", metric, err)
		}
		d.Categories = finance.Shares(totals)
	}
	return d, nil
}

func (s *Service) failed(kind, period string, err error) Insight {
	s.logger.Warn("insight failed", "type", kind, "period", period, "err", err)
	return Insight{
		Type:            kind,
		Period:          period,
		Narrative:       "Unable to generate insight: " + err.Error(),
		KeyFindings:     []string{},
		Recommendations: []string{},
		GeneratedAt:     s.now(),
	}
}
