// Package finance stores financial records in sqlite and computes the
// aggregates the tools and insights report on.
package finance

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DateLayout is the on-disk and wire format for record dates.
const DateLayout = "2006-01-02"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS financial_records (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		record_date TEXT    NOT NULL,
		metric      TEXT    NOT NULL,
		category    TEXT    NOT NULL DEFAULT '',
		source      TEXT    NOT NULL DEFAULT '',
		amount      REAL    NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_financial_records_metric_date
		ON financial_records (metric, record_date)`,
}

// Record is one row of financial_records.
type Record struct {
	ID       int64     `json:"id"`
	Date     time.Time `json:"date"`
	Metric   string    `json:"metric"`
	Category string    `json:"category"`
	Source   string    `json:"source"`
	Amount   float64   `json:"amount"`
}

// Filter narrows a query. Zero fields match everything.
type Filter struct {
	Metric   string
	Start    time.Time
	End      time.Time
	Category string
	Source   string
}

// MonthlyTotal is the sum of one month, keyed "YYYY-MM".
type MonthlyTotal struct {
	Month  string  `json:"month"`
	Amount float64 `json:"amount"`
}

// CategoryTotal is the sum of one category.
type CategoryTotal struct {
	Category string  `json:"category"`
	Amount   float64 `json:"amount"`
}

// Store wraps the sqlite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the structured logger for the store.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// Open opens (creating if needed) the database at path and ensures the
// schema exists. ":memory:" gives a private in-memory database.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Every connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	s := &Store{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger.Debug("financial database opened", "path", path)
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert writes records in one transaction.
func (s *Store) Insert(ctx context.Context, records ...Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO financial_records (record_date, metric, category, source, amount) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.Date.Format(DateLayout), r.Metric, r.Category, r.Source, r.Amount); err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert: %w", err)
	}
	return nil
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM financial_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// Truncate removes every record.
func (s *Store) Truncate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM financial_records`); err != nil {
		return fmt.Errorf("truncate records: %w", err)
	}
	return nil
}

// Records returns matching rows ordered by date then id.
func (s *Store) Records(ctx context.Context, f Filter) ([]Record, error) {
	where, args := f.clause()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, record_date, metric, category, source, amount FROM financial_records`+where+
			` ORDER BY record_date, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r    Record
			date string
		)
		if err := rows.Scan(&r.ID, &date, &r.Metric, &r.Category, &r.Source, &r.Amount); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.Date, err = time.Parse(DateLayout, date)
		if err != nil {
			return nil, fmt.Errorf("record %d has malformed date %q: %w", r.ID, date, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

// MonthlyTotals sums matching rows per calendar month, oldest first.
func (s *Store) MonthlyTotals(ctx context.Context, f Filter) ([]MonthlyTotal, error) {
	where, args := f.clause()
	rows, err := s.db.QueryContext(ctx,
		`SELECT substr(record_date, 1, 7) AS month, SUM(amount) FROM financial_records`+where+
			` GROUP BY month ORDER BY month`, args...)
	if err != nil {
		return nil, fmt.Errorf("query monthly totals: %w", err)
	}
	defer rows.Close()

	var out []MonthlyTotal
	for rows.Next() {
		var m MonthlyTotal
		if err := rows.Scan(&m.Month, &m.Amount); err != nil {
			return nil, fmt.Errorf("scan monthly total: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

// CategoryTotals sums matching rows per category, largest first.
func (s *Store) CategoryTotals(ctx context.Context, f Filter) ([]CategoryTotal, error) {
	where, args := f.clause()
	rows, err := s.db.QueryContext(ctx,
		`SELECT category, SUM(amount) AS total FROM financial_records`+where+
			` GROUP BY category ORDER BY total DESC, category`, args...)
	if err != nil {
		return nil, fmt.Errorf("query category totals: %w", err)
	}
	defer rows.Close()

	var out []CategoryTotal
	for rows.Next() {
		var c CategoryTotal
		if err := rows.Scan(&c.Category, &c.Amount); err != nil {
			return nil, fmt.Errorf("scan category total: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

func (f Filter) clause() (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.Metric != "" {
		conds = append(conds, "metric = ?")
		args = append(args, f.Metric)
	}
	if !f.Start.IsZero() {
		conds = append(conds, "record_date >= ?")
		args = append(args, f.Start.Format(DateLayout))
	}
	if !f.End.IsZero() {
		conds = append(conds, "record_date <= ?")
		args = append(args, f.End.Format(DateLayout))
	}
	if f.Category != "" {
		conds = append(conds, "category = ?")
		args = append(args, f.Category)
	}
	if f.Source != "" {
		conds = append(conds, "source = ?")
		args = append(args, f.Source)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
