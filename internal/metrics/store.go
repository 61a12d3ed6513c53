package metrics

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log"

	"github.com/ernie/warden/internal/domain"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// Retention per tier, in seconds of metric age.
var retention = []struct {
	table   string
	seconds float64
}{
	{"metrics_raw", 24 * 3600},
	{"metrics_1m", 7 * 24 * 3600},
	{"metrics_5m", 30 * 24 * 3600},
	{"metrics_1h", 365 * 24 * 3600},
}

// Query ranges pick the coarsest tier that still covers the span.
var tableThresholds = []struct {
	maxRange float64
	table    string
}{
	{2 * 3600, "metrics_raw"},
	{2 * 24 * 3600, "metrics_1m"},
	{14 * 24 * 3600, "metrics_5m"},
}

// Downsampling steps: source tier -> target tier with bucket width.
var aggregations = []struct {
	source, target string
	bucketSec      int64
}{
	{"metrics_raw", "metrics_1m", 60},
	{"metrics_1m", "metrics_5m", 300},
	{"metrics_5m", "metrics_1h", 3600},
}

// Store is the tiered metrics database.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the metrics database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening metrics database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting pragmas: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating metrics schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertRaw records one raw sample. Max columns start equal to the
// sample value and only diverge once downsampling aggregates buckets.
func (s *Store) InsertRaw(ctx context.Context, sample domain.MetricSample) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metrics_raw (timestamp, cpu_percent, cpu_max, ram_mb, ram_max, players, tps, tps_max, mspt, mspt_max)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sample.Timestamp, sample.CPUPercent, sample.CPUPercent, sample.RAMMB, sample.RAMMB,
		sample.Players, sample.TPS, sample.TPS, sample.MSPT, sample.MSPT)
	return err
}

// InsertDiskSize records a disk usage measurement.
func (s *Store) InsertDiskSize(ctx context.Context, timestamp, sizeMB float64) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO disk_size (timestamp, size_mb) VALUES (?, ?)",
		timestamp, sizeMB)
	return err
}

// Downsample aggregates each tier into the next coarser one and
// purges rows past their tier's retention. now is a unix timestamp;
// only buckets that closed before now are aggregated.
func (s *Store) Downsample(ctx context.Context, now float64) error {
	for _, agg := range aggregations {
		var lastTS sql.NullFloat64
		err := s.db.QueryRowContext(ctx,
			fmt.Sprintf("SELECT MAX(timestamp) FROM %s", agg.target)).Scan(&lastTS)
		if err != nil {
			return fmt.Errorf("reading last %s timestamp: %w", agg.target, err)
		}

		query := fmt.Sprintf(`
			INSERT INTO %s (timestamp, cpu_percent, cpu_max, ram_mb, ram_max, players, tps, tps_max, mspt, mspt_max, sample_count)
			SELECT
				CAST(timestamp / ? AS INTEGER) * ? AS bucket_ts,
				AVG(cpu_percent),
				MAX(cpu_max),
				AVG(ram_mb),
				MAX(ram_max),
				CAST(AVG(players) AS INTEGER),
				AVG(tps),
				MAX(tps_max),
				AVG(mspt),
				MAX(mspt_max),
				COUNT(*)
			FROM %s
			WHERE timestamp > ?
			GROUP BY bucket_ts
			HAVING bucket_ts > ? AND bucket_ts < ?
		`, agg.target, agg.source)

		// Strictly newer buckets only, so a rerun cannot duplicate
		// the most recent aggregated bucket.
		lower := -1.0
		if lastTS.Valid {
			lower = lastTS.Float64
		}
		res, err := s.db.ExecContext(ctx, query,
			agg.bucketSec, agg.bucketSec, lower, lower, now-float64(agg.bucketSec))
		if err != nil {
			return fmt.Errorf("downsampling %s to %s: %w", agg.source, agg.target, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			log.Printf("Downsampled %d buckets from %s to %s", n, agg.source, agg.target)
		}
	}

	for _, r := range retention {
		res, err := s.db.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE timestamp < ?", r.table), now-r.seconds)
		if err != nil {
			return fmt.Errorf("purging %s: %w", r.table, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			log.Printf("Purged %d expired rows from %s", n, r.table)
		}
	}
	return nil
}

// selectTable picks the resolution tier for a query span in seconds.
func selectTable(timeRangeSec float64) string {
	for _, t := range tableThresholds {
		if timeRangeSec < t.maxRange {
			return t.table
		}
	}
	return "metrics_1h"
}

// Query returns samples between start and end (unix timestamps),
// auto-selecting the resolution tier from the span.
func (s *Store) Query(ctx context.Context, start, end float64) ([]domain.MetricSample, error) {
	table := selectTable(end - start)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT timestamp, cpu_percent, cpu_max, ram_mb, ram_max, players, tps, mspt
		FROM %s WHERE timestamp BETWEEN ? AND ? ORDER BY timestamp
	`, table), start, end)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", table, err)
	}
	defer rows.Close()

	var samples []domain.MetricSample
	for rows.Next() {
		var m domain.MetricSample
		var tps, mspt sql.NullFloat64
		if err := rows.Scan(&m.Timestamp, &m.CPUPercent, &m.CPUMax, &m.RAMMB, &m.RAMMax,
			&m.Players, &tps, &mspt); err != nil {
			return nil, fmt.Errorf("scanning metric row: %w", err)
		}
		if tps.Valid {
			v := tps.Float64
			m.TPS = &v
		}
		if mspt.Valid {
			v := mspt.Float64
			m.MSPT = &v
		}
		samples = append(samples, m)
	}
	return samples, rows.Err()
}

// QueryDiskSize returns disk measurements between start and end.
func (s *Store) QueryDiskSize(ctx context.Context, start, end float64) ([]domain.DiskSample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, size_mb FROM disk_size
		WHERE timestamp BETWEEN ? AND ? ORDER BY timestamp
	`, start, end)
	if err != nil {
		return nil, fmt.Errorf("querying disk size: %w", err)
	}
	defer rows.Close()

	var samples []domain.DiskSample
	for rows.Next() {
		var d domain.DiskSample
		if err := rows.Scan(&d.Timestamp, &d.SizeMB); err != nil {
			return nil, fmt.Errorf("scanning disk row: %w", err)
		}
		samples = append(samples, d)
	}
	return samples, rows.Err()
}

// Latest returns the most recent raw sample, or nil when none exists.
func (s *Store) Latest(ctx context.Context) (*domain.MetricSample, error) {
	var m domain.MetricSample
	var tps, mspt sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT timestamp, cpu_percent, ram_mb, players, tps, mspt
		FROM metrics_raw ORDER BY timestamp DESC LIMIT 1
	`).Scan(&m.Timestamp, &m.CPUPercent, &m.RAMMB, &m.Players, &tps, &mspt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest metric: %w", err)
	}
	if tps.Valid {
		v := tps.Float64
		m.TPS = &v
	}
	if mspt.Valid {
		v := mspt.Float64
		m.MSPT = &v
	}
	return &m, nil
}

// LatestDiskSize returns the most recent disk measurement in MB, or
// false when none has been recorded yet.
func (s *Store) LatestDiskSize(ctx context.Context) (float64, bool, error) {
	var size float64
	err := s.db.QueryRowContext(ctx,
		"SELECT size_mb FROM disk_size ORDER BY timestamp DESC LIMIT 1").Scan(&size)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("querying latest disk size: %w", err)
	}
	return size, true, nil
}
