package finance

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

const (
	DefaultSeedMonths = 24
	DefaultSeed       = 42
)

// SeedStart is the first month of generated demo data.
var SeedStart = time.Date(2023, time.January, 1, 0, 0, 0, 0, time.UTC)

type seedLine struct {
	metric   string
	category string
	source   string
	base     float64
	growth   float64
}

var seedLines = []seedLine{
	{MetricRevenue, "subscriptions", "stripe", 42000, 0.025},
	{MetricRevenue, "services", "quickbooks", 18000, 0.012},
	{MetricRevenue, "licensing", "manual", 7500, 0.004},
	{MetricExpenses, "payroll", "quickbooks", 31000, 0.010},
	{MetricExpenses, "marketing", "quickbooks", 9000, 0.018},
	{MetricExpenses, "infrastructure", "stripe", 6500, 0.015},
	{MetricExpenses, "office", "manual", 3200, 0.002},
}

// Seed replaces the stored records with months of deterministic demo data
// starting at SeedStart and returns the number of rows written.
func (s *Store) Seed(ctx context.Context, months int, seed int64) (int, error) {
	if months <= 0 {
		months = DefaultSeedMonths
	}
	records := GenerateRecords(months, seed)

	if err := s.Truncate(ctx); err != nil {
		return 0, err
	}
	if err := s.Insert(ctx, records...); err != nil {
		return 0, fmt.Errorf("seed records: %w", err)
	}
	s.logger.Info("seeded financial records", "months", months, "records", len(records), "seed", seed)
	return len(records), nil
}

// GenerateRecords builds the demo data set. The same arguments always give
// the same records.
func GenerateRecords(months int, seed int64) []Record {
	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))
	records := make([]Record, 0, months*len(seedLines))

	for m := 0; m < months; m++ {
		month := SeedStart.AddDate(0, m, 0)
		// Mild seasonality peaking in the fourth quarter.
		season := 1 + 0.08*math.Sin(2*math.Pi*float64(month.Month()-3)/12)

		for _, line := range seedLines {
			trend := line.base * math.Pow(1+line.growth, float64(m))
			noise := 1 + (rng.Float64()-0.5)*0.1
			amount := trend * season * noise

			// One in forty lines gets a spike so anomaly detection has
			// something to find.
			if rng.IntN(40) == 0 {
				amount *= 1.6
			}

			records = append(records, Record{
				Date:     month.AddDate(0, 0, 4+rng.IntN(20)),
				Metric:   line.metric,
				Category: line.category,
				Source:   line.source,
				Amount:   Round2(amount),
			})
		}
	}
	return records
}
