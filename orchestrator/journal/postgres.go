// Package journal offers a durable event journal for pipeline progress
// events. It is optional: with no DSN configured the orchestrator runs on
// logs and the websocket stream alone.
package journal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/storyfab/storyfab/orchestrator/progress"
)

const schema = `
CREATE TABLE IF NOT EXISTS pipeline_events (
	id          BIGSERIAL PRIMARY KEY,
	event_type  TEXT NOT NULL,
	project_id  TEXT NOT NULL,
	trace_id    TEXT NOT NULL,
	stage       TEXT,
	elapsed_ms  BIGINT NOT NULL,
	stage_ms    BIGINT,
	context     JSONB,
	occurred_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS pipeline_events_project_idx ON pipeline_events (project_id, occurred_at);
`

// PostgresJournal appends every progress event to the pipeline_events
// table. Implements progress.Sink.
type PostgresJournal struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewPostgresJournal connects, sizes the pool for append-only traffic and
// ensures the schema exists.
func NewPostgresJournal(ctx context.Context, connString string) (*PostgresJournal, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	config.MaxConns = 4
	config.MinConns = 1
	config.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresJournal{pool: pool, timeout: 5 * time.Second}, nil
}

// Name implements progress.Sink.
func (j *PostgresJournal) Name() string { return "postgres_journal" }

// Publish appends one event. A slow database fails the publish rather
// than stalling the pipeline; the tracker treats sink errors as
// best-effort.
func (j *PostgresJournal) Publish(e progress.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	var contextJSON []byte
	if e.Context != nil {
		var err error
		contextJSON, err = json.Marshal(e.Context)
		if err != nil {
			return err
		}
	}

	_, err := j.pool.Exec(ctx, `
		INSERT INTO pipeline_events (event_type, project_id, trace_id, stage, elapsed_ms, stage_ms, context, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.Type, e.ProjectID, e.TraceID, e.Stage, e.ElapsedMS, e.StageMS, contextJSON, e.Timestamp,
	)
	return err
}

// Close releases the pool.
func (j *PostgresJournal) Close() {
	j.pool.Close()
}
