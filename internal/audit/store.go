package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openberl/dispatch/internal/pipeline"
)

// Store persists pipeline run traces to PostgreSQL. A nil *Store is a valid
// no-op so the service runs without a database.
type Store struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

func NewStore(db *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// RecordRun inserts the run and its step traces asynchronously. Persistence
// never blocks or fails the caller's response path.
func (s *Store) RecordRun(res *pipeline.Result) {
	if s == nil || s.db == nil || res == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.insertRun(ctx, res); err != nil {
			s.logger.Error("persist pipeline run failed",
				"run_id", res.RunID, "pipeline", res.Pipeline, "error", err)
		}
	}()
}

func (s *Store) insertRun(ctx context.Context, res *pipeline.Result) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO pipeline_runs (id, pipeline, status, failed_step, total_cost_usd, started_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, res.RunID, res.Pipeline, string(res.Status), nullable(res.FailedStep),
		res.TotalCostUSD, res.StartedAt, res.Duration.Milliseconds())
	if err != nil {
		return err
	}

	for i, step := range res.Steps {
		var errJSON []byte
		if step.Error != nil {
			errJSON, _ = json.Marshal(step.Error)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO pipeline_run_steps (run_id, position, name, task_category, request_id, adapter, cost_usd, latency_ms, cache_hit, error)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, res.RunID, i, step.Name, string(step.Category), step.RequestID,
			nullable(step.AdapterName), step.CostUSD, step.Latency.Milliseconds(), step.CacheHit, errJSON)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
