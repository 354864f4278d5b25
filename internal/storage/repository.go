package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrStoreUnavailable marks failures to reach the backing store. A stage that
	// fails with it can be retried in full.
	ErrStoreUnavailable = errors.New("storage: store unavailable")
)

const (
	unifiedViewName    = "unified_view"
	unifiedTablePrefix = "unified_gen_"

	upsertObservationSQL = `INSERT INTO observations (
        symbol,
        ts,
        open,
        high,
        low,
        close,
        adj_close,
        volume,
        ingested_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,clock_timestamp()
    )
    ON CONFLICT (symbol, ts) DO UPDATE
    SET
        open        = EXCLUDED.open,
        high        = EXCLUDED.high,
        low         = EXCLUDED.low,
        close       = EXCLUDED.close,
        adj_close   = EXCLUDED.adj_close,
        volume      = EXCLUDED.volume,
        ingested_at = GREATEST(observations.ingested_at, EXCLUDED.ingested_at);`

	upsertEstimateSQL = `INSERT INTO estimates (
        symbol,
        target_ts,
        model_id,
        predicted_close,
        lower_bound,
        upper_bound,
        trained_at,
        horizon_days,
        written_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,clock_timestamp()
    )
    ON CONFLICT (symbol, target_ts, model_id) DO UPDATE
    SET
        predicted_close = EXCLUDED.predicted_close,
        lower_bound     = EXCLUDED.lower_bound,
        upper_bound     = EXCLUDED.upper_bound,
        trained_at      = EXCLUDED.trained_at,
        horizon_days    = EXCLUDED.horizon_days,
        written_at      = GREATEST(estimates.written_at, EXCLUDED.written_at);`

	observationColumns = `symbol, ts, open, high, low, close, adj_close, volume, ingested_at`

	scanObservationsSQL = `SELECT ` + observationColumns + `
    FROM observations
    WHERE symbol = $1
      AND ts >= $2
      AND ts < $3
    ORDER BY ts;`

	allObservationsSQL = `SELECT ` + observationColumns + `
    FROM observations
    ORDER BY symbol, ts;`

	latestObservationSQL = `SELECT max(ts) FROM observations WHERE symbol = $1;`

	estimateColumns = `symbol, target_ts, model_id, predicted_close, lower_bound, upper_bound, trained_at, horizon_days, written_at`

	scanEstimatesSQL = `SELECT ` + estimateColumns + `
    FROM estimates
    WHERE symbol = $1
    ORDER BY target_ts, model_id;`

	allEstimatesSQL = `SELECT ` + estimateColumns + `
    FROM estimates
    ORDER BY symbol, target_ts, model_id;`

	listUnifiedSQL = `SELECT symbol, ts, close, predicted_close, source, model_id
    FROM unified_view
    WHERE ($1 = '' OR symbol = $1)
    ORDER BY symbol, ts DESC
    LIMIT $2;`

	previousGenerationsSQL = `SELECT id, table_name FROM unified_generations WHERE id <> $1;`

	insertGenerationSQL = `INSERT INTO unified_generations (id, table_name, row_count, published_at)
    VALUES ($1, $2, $3, clock_timestamp())
    RETURNING published_at;`

	deleteGenerationSQL = `DELETE FROM unified_generations WHERE id = $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`

	// postgres SQLSTATE for undefined_table.
	undefinedTableCode = "42P01"
)

// ObservationStore persists market observations keyed by (symbol, ts).
type ObservationStore interface {
	// UpsertObservations writes every row as an independent conditional upsert.
	// The store stamps ingested_at; it never moves backwards for a key.
	UpsertObservations(ctx context.Context, batch []Observation) error
	ScanObservations(ctx context.Context, symbol string, from, to time.Time) ([]Observation, error)
	LatestObservation(ctx context.Context, symbol string) (time.Time, bool, error)
}

// EstimateStore persists model estimates keyed by (symbol, target_ts, model_id).
type EstimateStore interface {
	UpsertEstimates(ctx context.Context, batch []Estimate) error
	ScanEstimates(ctx context.Context, symbol string) ([]Estimate, error)
}

// SnapshotReader reads both stores at a single consistent point.
type SnapshotReader interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// UnifiedPublisher replaces and reads the consolidated view.
type UnifiedPublisher interface {
	// ReplaceUnified publishes rows as the complete new view. Readers see either
	// the previous view or the new one, never a mix.
	ReplaceUnified(ctx context.Context, rows []UnifiedRecord) (Generation, error)
	ListUnified(ctx context.Context, symbol string, limit int) ([]UnifiedRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store is the PostgreSQL implementation of every store interface.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, classify("acquire connection", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, classify("try advisory lock", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertObservations sends the whole chunk as one pipelined batch of per-key upserts.
func (s *Store) UpsertObservations(ctx context.Context, batch []Observation) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	b := &pgx.Batch{}
	for _, obs := range batch {
		b.Queue(upsertObservationSQL,
			obs.Symbol,
			obs.TS.UTC(),
			obs.Open.String(),
			obs.High.String(),
			obs.Low.String(),
			obs.Close.String(),
			obs.AdjClose.String(),
			obs.Volume,
		)
	}

	if err := pool.SendBatch(ctx, b).Close(); err != nil {
		return classify("upsert observations", err)
	}
	return nil
}

// ScanObservations lists observations for a symbol in [from, to).
func (s *Store) ScanObservations(ctx context.Context, symbol string, from, to time.Time) ([]Observation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, scanObservationsSQL, symbol, from.UTC(), to.UTC())
	if queryErr != nil {
		return nil, classify("scan observations", queryErr)
	}
	return collectObservations(rows)
}

// LatestObservation returns the newest observed timestamp for a symbol.
func (s *Store) LatestObservation(ctx context.Context, symbol string) (time.Time, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return time.Time{}, false, err
	}

	var latest pgtype.Timestamptz
	if scanErr := pool.QueryRow(ctx, latestObservationSQL, symbol).Scan(&latest); scanErr != nil {
		return time.Time{}, false, classify("latest observation", scanErr)
	}
	if !latest.Valid {
		return time.Time{}, false, nil
	}
	return latest.Time.UTC(), true, nil
}

// UpsertEstimates sends the chunk as one pipelined batch of per-key upserts.
func (s *Store) UpsertEstimates(ctx context.Context, batch []Estimate) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	b := &pgx.Batch{}
	for _, est := range batch {
		b.Queue(upsertEstimateSQL,
			est.Symbol,
			est.TargetTS.UTC(),
			est.ModelID,
			est.PredictedClose.String(),
			optionalDecimal(est.Lower),
			optionalDecimal(est.Upper),
			est.TrainedAt.UTC(),
			est.HorizonDays,
		)
	}

	if err := pool.SendBatch(ctx, b).Close(); err != nil {
		return classify("upsert estimates", err)
	}
	return nil
}

// ScanEstimates lists every estimate for a symbol across models.
func (s *Store) ScanEstimates(ctx context.Context, symbol string) ([]Estimate, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, scanEstimatesSQL, symbol)
	if queryErr != nil {
		return nil, classify("scan estimates", queryErr)
	}
	return collectEstimates(rows)
}

// Snapshot reads both tables inside one REPEATABLE READ, read-only transaction.
func (s *Store) Snapshot(ctx context.Context) (Snapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return Snapshot{}, err
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return Snapshot{}, classify("begin snapshot", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	snap := Snapshot{TakenAt: time.Now().UTC()}

	obsRows, err := tx.Query(ctx, allObservationsSQL)
	if err != nil {
		return Snapshot{}, classify("snapshot observations", err)
	}
	if snap.Observations, err = collectObservations(obsRows); err != nil {
		return Snapshot{}, err
	}

	estRows, err := tx.Query(ctx, allEstimatesSQL)
	if err != nil {
		return Snapshot{}, classify("snapshot estimates", err)
	}
	if snap.Estimates, err = collectEstimates(estRows); err != nil {
		return Snapshot{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Snapshot{}, classify("commit snapshot", err)
	}
	return snap, nil
}

// ReplaceUnified builds a fresh generation table, then swaps the unified_view
// definition onto it and drops older generations in one transaction.
func (s *Store) ReplaceUnified(ctx context.Context, rows []UnifiedRecord) (Generation, error) {
	pool, err := s.getPool()
	if err != nil {
		return Generation{}, err
	}

	id := uuid.NewString()
	table := unifiedTablePrefix + strings.ReplaceAll(id, "-", "")
	ident := pgx.Identifier{table}.Sanitize()

	createSQL := fmt.Sprintf(`CREATE TABLE %s (
        symbol          TEXT        NOT NULL,
        ts              TIMESTAMPTZ NOT NULL,
        close           NUMERIC,
        predicted_close NUMERIC,
        source          TEXT        NOT NULL,
        model_id        TEXT        NOT NULL DEFAULT '',
        PRIMARY KEY (symbol, ts)
    );`, ident)
	if _, err := pool.Exec(ctx, createSQL); err != nil {
		return Generation{}, classify("create unified generation", err)
	}

	published := false
	defer func() {
		if published {
			return
		}
		dropCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = pool.Exec(dropCtx, "DROP TABLE IF EXISTS "+ident)
	}()

	_, err = pool.CopyFrom(ctx,
		pgx.Identifier{table},
		[]string{"symbol", "ts", "close", "predicted_close", "source", "model_id"},
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			r := rows[i]
			return []any{r.Symbol, r.TS.UTC(), numeric(r.Close), numeric(r.PredictedClose), string(r.Source), r.ModelID}, nil
		}),
	)
	if err != nil {
		return Generation{}, classify("copy unified rows", err)
	}

	gen := Generation{ID: id, Table: table, Rows: len(rows)}
	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		viewSQL := fmt.Sprintf(`CREATE OR REPLACE VIEW %s AS
        SELECT symbol, ts, close, predicted_close, source, model_id FROM %s;`,
			pgx.Identifier{unifiedViewName}.Sanitize(), ident)
		if _, err := tx.Exec(ctx, viewSQL); err != nil {
			return fmt.Errorf("swap unified view: %w", err)
		}

		if err := tx.QueryRow(ctx, insertGenerationSQL, id, table, len(rows)).Scan(&gen.PublishedAt); err != nil {
			return fmt.Errorf("record generation: %w", err)
		}

		prevRows, err := tx.Query(ctx, previousGenerationsSQL, id)
		if err != nil {
			return fmt.Errorf("list previous generations: %w", err)
		}
		type prevGen struct{ id, table string }
		var previous []prevGen
		for prevRows.Next() {
			var p prevGen
			if err := prevRows.Scan(&p.id, &p.table); err != nil {
				prevRows.Close()
				return err
			}
			previous = append(previous, p)
		}
		prevRows.Close()
		if prevRows.Err() != nil {
			return prevRows.Err()
		}

		for _, p := range previous {
			if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+pgx.Identifier{p.table}.Sanitize()); err != nil {
				return fmt.Errorf("drop generation %s: %w", p.id, err)
			}
			if _, err := tx.Exec(ctx, deleteGenerationSQL, p.id); err != nil {
				return fmt.Errorf("forget generation %s: %w", p.id, err)
			}
		}
		return nil
	})
	if err != nil {
		return Generation{}, classify("publish unified view", err)
	}

	published = true
	return gen, nil
}

// ListUnified reads the currently published view, newest first per symbol.
func (s *Store) ListUnified(ctx context.Context, symbol string, limit int) ([]UnifiedRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listUnifiedSQL, symbol, unifiedLimit(limit))
	if queryErr != nil {
		var pgErr *pgconn.PgError
		if errors.As(queryErr, &pgErr) && pgErr.Code == undefinedTableCode {
			return []UnifiedRecord{}, nil
		}
		return nil, classify("list unified", queryErr)
	}
	defer rows.Close()

	records := make([]UnifiedRecord, 0, max(limit, 0))
	for rows.Next() {
		var (
			rec       UnifiedRecord
			closeStr  sql.NullString
			predicted sql.NullString
			source    string
		)
		if err := rows.Scan(&rec.Symbol, &rec.TS, &closeStr, &predicted, &source, &rec.ModelID); err != nil {
			return nil, err
		}
		if rec.Close, err = parseOptionalDecimal(closeStr, "close"); err != nil {
			return nil, err
		}
		if rec.PredictedClose, err = parseOptionalDecimal(predicted, "predicted close"); err != nil {
			return nil, err
		}
		rec.TS = rec.TS.UTC()
		rec.Source = SourceTag(source)
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, classify("list unified", rows.Err())
	}
	return records, nil
}

func collectObservations(rows pgx.Rows) ([]Observation, error) {
	defer rows.Close()

	observations := make([]Observation, 0)
	for rows.Next() {
		obs, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		observations = append(observations, obs)
	}
	if rows.Err() != nil {
		return nil, classify("read observations", rows.Err())
	}
	return observations, nil
}

func scanObservation(rows pgx.Rows) (Observation, error) {
	var (
		obs                                      Observation
		openStr, highStr, lowStr, closeStr, adjS string
	)
	if err := rows.Scan(
		&obs.Symbol,
		&obs.TS,
		&openStr,
		&highStr,
		&lowStr,
		&closeStr,
		&adjS,
		&obs.Volume,
		&obs.IngestedAt,
	); err != nil {
		return Observation{}, err
	}

	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"open", openStr, &obs.Open},
		{"high", highStr, &obs.High},
		{"low", lowStr, &obs.Low},
		{"close", closeStr, &obs.Close},
		{"adj close", adjS, &obs.AdjClose},
	}
	for _, f := range fields {
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			return Observation{}, fmt.Errorf("parse %s: %w", f.name, err)
		}
		*f.dst = v
	}

	obs.TS = obs.TS.UTC()
	obs.IngestedAt = obs.IngestedAt.UTC()
	return obs, nil
}

func collectEstimates(rows pgx.Rows) ([]Estimate, error) {
	defer rows.Close()

	estimates := make([]Estimate, 0)
	for rows.Next() {
		var (
			est          Estimate
			predictedStr string
			lower, upper sql.NullString
		)
		if err := rows.Scan(
			&est.Symbol,
			&est.TargetTS,
			&est.ModelID,
			&predictedStr,
			&lower,
			&upper,
			&est.TrainedAt,
			&est.HorizonDays,
			&est.WrittenAt,
		); err != nil {
			return nil, err
		}

		predicted, err := decimal.NewFromString(predictedStr)
		if err != nil {
			return nil, fmt.Errorf("parse predicted close: %w", err)
		}
		est.PredictedClose = predicted
		if est.Lower, err = parseOptionalDecimal(lower, "lower bound"); err != nil {
			return nil, err
		}
		if est.Upper, err = parseOptionalDecimal(upper, "upper bound"); err != nil {
			return nil, err
		}

		est.TargetTS = est.TargetTS.UTC()
		est.TrainedAt = est.TrainedAt.UTC()
		est.WrittenAt = est.WrittenAt.UTC()
		estimates = append(estimates, est)
	}
	if rows.Err() != nil {
		return nil, classify("read estimates", rows.Err())
	}
	return estimates, nil
}

func parseOptionalDecimal(v sql.NullString, name string) (*decimal.Decimal, error) {
	if !v.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(v.String)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	return &d, nil
}

func optionalDecimal(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}

func numeric(d *decimal.Decimal) pgtype.Numeric {
	if d == nil {
		return pgtype.Numeric{}
	}
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

// classify wraps err with op and tags connectivity failures with
// ErrStoreUnavailable. Errors reported by the server itself are left untagged.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// unifiedLimit maps a non-positive limit to NULL, which LIMIT treats as no limit.
func unifiedLimit(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

var (
	_ ObservationStore = (*Store)(nil)
	_ EstimateStore    = (*Store)(nil)
	_ SnapshotReader   = (*Store)(nil)
	_ UnifiedPublisher = (*Store)(nil)
	_ AdvisoryLocker   = (*Store)(nil)
)
