// Package history keeps per-epoch training metrics in a DuckDB file so runs
// can be compared after the fact.
package history

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/marcboeker/go-duckdb"
	"go.uber.org/zap"

	"github.com/tsawler/go-hansik/logging"
	"github.com/tsawler/go-hansik/training"
)

const schema = `
CREATE TABLE IF NOT EXISTS epochs (
	run_id         VARCHAR NOT NULL,
	epoch          INTEGER NOT NULL,
	train_loss     DOUBLE,
	train_accuracy DOUBLE,
	valid_loss     DOUBLE,
	valid_accuracy DOUBLE,
	learning_rate  DOUBLE,
	is_best        BOOLEAN,
	saved          BOOLEAN,
	duration_ms    BIGINT,
	batch_count    INTEGER,
	recorded_at    TIMESTAMP NOT NULL,
	PRIMARY KEY (run_id, epoch)
)`

// Store records epochs. It satisfies training.MetricsRecorder.
type Store struct {
	db   *sql.DB
	path string
	log  *zap.Logger
}

// RunSummary aggregates the epochs of one run.
type RunSummary struct {
	RunID           string
	Epochs          int
	BestValAccuracy float64
	LastEpoch       int
	StartedAt       time.Time
	FinishedAt      time.Time
}

// Open creates or opens the database at path.
func Open(path string, log *zap.Logger) (*Store, error) {
	log = logging.OrNop(log)
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	connector, err := duckdb.NewConnector(path, func(execer driver.ExecerContext) error {
		_, err := execer.ExecContext(context.Background(), "PRAGMA threads=2", nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create DuckDB connector: %w", err)
	}

	db := sql.OpenDB(connector)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create epochs table: %w", err)
	}

	log.Debug("history store opened", zap.String("path", path))
	return &Store{db: db, path: path, log: log}, nil
}

// RecordEpoch upserts one epoch row.
func (s *Store) RecordEpoch(ctx context.Context, m training.EpochMetrics) error {
	if m.RunID == "" {
		return errors.New("epoch metrics have no run id")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO epochs
			(run_id, epoch, train_loss, train_accuracy, valid_loss, valid_accuracy,
			 learning_rate, is_best, saved, duration_ms, batch_count, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.RunID, m.Epoch, m.TrainLoss, m.TrainAccuracy, m.ValidLoss, m.ValidAccuracy,
		m.LearningRate, m.IsBest, m.Saved, m.EpochDuration.Milliseconds(), m.BatchCount,
		time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record epoch %d: %w", m.Epoch, err)
	}
	return nil
}

// Runs lists runs, most recent first.
func (s *Store) Runs(ctx context.Context) ([]RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, COUNT(*), MAX(valid_accuracy), MAX(epoch),
		       MIN(recorded_at), MAX(recorded_at)
		FROM epochs
		GROUP BY run_id
		ORDER BY MAX(recorded_at) DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(&r.RunID, &r.Epochs, &r.BestValAccuracy, &r.LastEpoch, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Epochs returns the epochs of one run in order.
func (s *Store) Epochs(ctx context.Context, runID string) ([]training.EpochMetrics, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT epoch, train_loss, train_accuracy, valid_loss, valid_accuracy,
		       learning_rate, is_best, saved, duration_ms, batch_count
		FROM epochs
		WHERE run_id = ?
		ORDER BY epoch`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query epochs: %w", err)
	}
	defer rows.Close()

	var out []training.EpochMetrics
	for rows.Next() {
		m := training.EpochMetrics{RunID: runID}
		var ms int64
		if err := rows.Scan(&m.Epoch, &m.TrainLoss, &m.TrainAccuracy, &m.ValidLoss, &m.ValidAccuracy,
			&m.LearningRate, &m.IsBest, &m.Saved, &ms, &m.BatchCount); err != nil {
			return nil, fmt.Errorf("failed to scan epoch: %w", err)
		}
		m.EpochDuration = time.Duration(ms) * time.Millisecond
		out = append(out, m)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
