package results

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/distmc/distmc/sim"
	"github.com/distmc/distmc/sim/stats"
)

//go:embed schema.sql
var schemaSQL string

// Store persists collected records in SQLite.
type Store struct {
	db *sql.DB
}

// OpenStore creates or opens the database at path and applies the schema.
// Opening an existing database is safe.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open results database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to results database: %w", err)
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply results schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveResult stores rec. A result for a scenario already stored is ignored,
// so redelivered results do not double count.
func (s *Store) SaveResult(ctx context.Context, rec sim.ResultRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO results (model_id, scenario_id, worker_id, value, produced_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, rec.ModelID, rec.ScenarioID, rec.WorkerID, rec.Value, rec.ProducedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	return nil
}

// SaveSummary stores rec, replacing an earlier summary from the same worker.
func (s *Store) SaveSummary(ctx context.Context, rec sim.SummaryRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO summaries (model_id, worker_id, count, mean, std_dev, min, max, produced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(model_id, worker_id) DO UPDATE SET
			count = excluded.count,
			mean = excluded.mean,
			std_dev = excluded.std_dev,
			min = excluded.min,
			max = excluded.max,
			produced_at = excluded.produced_at
	`, rec.ModelID, rec.WorkerID, rec.Summary.Count, rec.Summary.Mean, rec.Summary.StdDev,
		rec.Summary.Min, rec.Summary.Max, rec.ProducedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	return nil
}

// CountByWorker returns the number of stored results per worker for modelID.
func (s *Store) CountByWorker(ctx context.Context, modelID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT worker_id, COUNT(*) FROM results
		WHERE model_id = ?
		GROUP BY worker_id
	`, modelID)
	if err != nil {
		return nil, fmt.Errorf("count results: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var worker string
		var n int
		if err := rows.Scan(&worker, &n); err != nil {
			return nil, fmt.Errorf("count results: %w", err)
		}
		counts[worker] = n
	}
	return counts, rows.Err()
}

// Values returns the stored values for modelID ordered by scenario id.
func (s *Store) Values(ctx context.Context, modelID string) ([]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT value FROM results WHERE model_id = ? ORDER BY scenario_id
	`, modelID)
	if err != nil {
		return nil, fmt.Errorf("read values: %w", err)
	}
	defer rows.Close()

	var values []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("read values: %w", err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// Summary recomputes the summary of every stored value for modelID.
func (s *Store) Summary(ctx context.Context, modelID string) (stats.Summary, error) {
	values, err := s.Values(ctx, modelID)
	if err != nil {
		return stats.Summary{}, err
	}
	return stats.Summarize(values), nil
}
