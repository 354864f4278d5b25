package storage

import (
	"context"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS observations (
        symbol      TEXT        NOT NULL,
        ts          TIMESTAMPTZ NOT NULL,
        open        NUMERIC     NOT NULL,
        high        NUMERIC     NOT NULL,
        low         NUMERIC     NOT NULL,
        close       NUMERIC     NOT NULL,
        adj_close   NUMERIC     NOT NULL,
        volume      BIGINT      NOT NULL CHECK (volume >= 0),
        ingested_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
        PRIMARY KEY (symbol, ts)
    );`,
	`CREATE TABLE IF NOT EXISTS estimates (
        symbol          TEXT        NOT NULL,
        target_ts       TIMESTAMPTZ NOT NULL,
        model_id        TEXT        NOT NULL,
        predicted_close NUMERIC     NOT NULL,
        lower_bound     NUMERIC,
        upper_bound     NUMERIC,
        trained_at      TIMESTAMPTZ NOT NULL,
        horizon_days    INTEGER     NOT NULL CHECK (horizon_days > 0),
        written_at      TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
        PRIMARY KEY (symbol, target_ts, model_id)
    );`,
	`CREATE INDEX IF NOT EXISTS estimates_symbol_target_idx ON estimates (symbol, target_ts);`,
	`CREATE TABLE IF NOT EXISTS unified_generations (
        id           TEXT        PRIMARY KEY,
        table_name   TEXT        NOT NULL,
        row_count    INTEGER     NOT NULL,
        published_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
    );`,
}

// Migrate creates the tables the pipeline needs. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return classify("migrate schema", err)
		}
	}
	return nil
}
