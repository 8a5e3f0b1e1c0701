// Package storage: DuckDB-backed implementation.
//
// DuckDB is embedded and expects a single writer per database file; this
// implementation serializes every mutating operation behind a write lock and
// keeps one pooled connection. Readers are always safe because bars are
// immutable once written.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/stonxx/barhoard/internal/models"
)

// DuckDBStore implements BarStore on an embedded DuckDB database.
type DuckDBStore struct {
	db     *sql.DB
	dbPath string
	logger *slog.Logger

	// writeMu enforces DuckDB's single-writer discipline across
	// UpsertBars, InitSchema, run updates, and retention deletes.
	writeMu sync.Mutex
}

// NewDuckDBStore opens (or creates) a DuckDB database at dbPath. Use
// ":memory:" for an ephemeral store. InitSchema must be called before any
// other operation.
func NewDuckDBStore(dbPath string, logger *slog.Logger) (*DuckDBStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, NewSchemaError("", fmt.Errorf("failed to open database at %s: %w", dbPath, err))
	}

	// Single connection: DuckDB performs best with one writer, and the
	// write lock above assumes it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &DuckDBStore{
		db:     db,
		dbPath: dbPath,
		logger: logger,
	}, nil
}

// InitSchema implements StoreManager.InitSchema. Idempotent: every statement
// is IF NOT EXISTS, so calling it on an existing store is a no-op.
func (d *DuckDBStore) InitSchema(ctx context.Context) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	d.logger.Info("initializing store schema", "db_path", d.dbPath)

	statements := []struct {
		table string
		query string
	}{
		{"bars", `
			CREATE TABLE IF NOT EXISTS bars (
				symbol VARCHAR NOT NULL,
				timeframe VARCHAR NOT NULL,
				timestamp BIGINT NOT NULL,
				open DOUBLE NOT NULL,
				high DOUBLE NOT NULL,
				low DOUBLE NOT NULL,
				close DOUBLE NOT NULL,
				volume BIGINT NOT NULL,
				created_at BIGINT NOT NULL,
				PRIMARY KEY (symbol, timeframe, timestamp)
			)`},
		{"bars", `CREATE INDEX IF NOT EXISTS idx_bars_symbol_timeframe ON bars (symbol, timeframe, timestamp)`},
		{"bars", `CREATE INDEX IF NOT EXISTS idx_bars_timestamp ON bars (timestamp)`},
		{"ingest_runs", `
			CREATE TABLE IF NOT EXISTS ingest_runs (
				id VARCHAR PRIMARY KEY,
				timeframe VARCHAR NOT NULL,
				mode VARCHAR NOT NULL,
				status VARCHAR NOT NULL,
				started_at BIGINT NOT NULL,
				ended_at BIGINT,
				window_start BIGINT NOT NULL,
				window_end BIGINT NOT NULL,
				inserted_rows BIGINT NOT NULL DEFAULT 0
			)`},
		{"ingest_runs", `CREATE INDEX IF NOT EXISTS idx_ingest_runs_timeframe ON ingest_runs (timeframe, mode, started_at)`},
	}

	for _, stmt := range statements {
		if _, err := d.db.ExecContext(ctx, stmt.query); err != nil {
			return NewSchemaError(stmt.table, err)
		}
	}

	d.logger.Info("store schema ready")
	return nil
}

// UpsertBars implements BarUpserter.UpsertBars. The batch runs in a single
// transaction with INSERT OR IGNORE, so the primary key on (symbol,
// timeframe, timestamp) drops duplicates at the storage layer and re-running
// an overlapping window is always safe. The DuckDB Appender API cannot
// express INSERT OR IGNORE, so rows go through a prepared statement.
func (d *DuckDBStore) UpsertBars(ctx context.Context, bars []models.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}

	for i := range bars {
		if err := bars[i].Validate(); err != nil {
			return 0, NewUpsertError("bars", fmt.Errorf("invalid bar at index %d: %w", i, err))
		}
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, NewUpsertError("bars", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO bars
			(symbol, timeframe, timestamp, open, high, low, close, volume, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`)
	if err != nil {
		return 0, NewUpsertError("bars", fmt.Errorf("failed to prepare insert: %w", err))
	}
	defer stmt.Close()

	createdAt := nowUnix()
	inserted := 0
	for i := range bars {
		b := &bars[i]
		res, err := stmt.ExecContext(ctx,
			b.Symbol, b.Timeframe, b.Timestamp,
			b.Open, b.High, b.Low, b.Close, b.Volume,
			createdAt,
		)
		if err != nil {
			return 0, NewUpsertError("bars", fmt.Errorf("failed to insert %s: %w", b.String(), err))
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, NewUpsertError("bars", fmt.Errorf("failed to commit batch: %w", err))
	}

	d.logger.Debug("upserted bars",
		"batch", len(bars),
		"inserted", inserted,
		"symbol", bars[0].Symbol,
		"timeframe", bars[0].Timeframe)

	return inserted, nil
}

// GetBars implements BarReader.GetBars.
func (d *DuckDBStore) GetBars(ctx context.Context, q BarQuery) ([]models.Bar, error) {
	query := `
		SELECT symbol, timeframe, timestamp, open, high, low, close, volume, created_at
		FROM bars
		WHERE symbol = $1 AND timeframe = $2`
	args := []interface{}{q.Symbol, q.Timeframe}
	argPos := 3

	if q.StartTime > 0 {
		query += fmt.Sprintf(" AND timestamp >= $%d", argPos)
		args = append(args, q.StartTime)
		argPos++
	}
	if q.EndTime > 0 {
		query += fmt.Sprintf(" AND timestamp <= $%d", argPos)
		args = append(args, q.EndTime)
		argPos++
	}

	query += " ORDER BY timestamp ASC"

	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argPos)
		args = append(args, q.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, NewQueryError("bars", err)
	}
	defer rows.Close()

	bars := make([]models.Bar, 0, q.Limit)
	for rows.Next() {
		var b models.Bar
		if err := rows.Scan(
			&b.Symbol, &b.Timeframe, &b.Timestamp,
			&b.Open, &b.High, &b.Low, &b.Close, &b.Volume,
			&b.CreatedAt,
		); err != nil {
			return nil, NewQueryError("bars", fmt.Errorf("failed to scan row: %w", err))
		}
		bars = append(bars, b)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError("bars", err)
	}

	return bars, nil
}

// GetLatestBar implements BarReader.GetLatestBar.
func (d *DuckDBStore) GetLatestBar(ctx context.Context, symbol, timeframe string) (*models.Bar, error) {
	query := `
		SELECT symbol, timeframe, timestamp, open, high, low, close, volume, created_at
		FROM bars
		WHERE symbol = $1 AND timeframe = $2
		ORDER BY timestamp DESC
		LIMIT 1`

	var b models.Bar
	err := d.db.QueryRowContext(ctx, query, symbol, timeframe).Scan(
		&b.Symbol, &b.Timeframe, &b.Timestamp,
		&b.Open, &b.High, &b.Low, &b.Close, &b.Volume,
		&b.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, NewQueryError("bars", err)
	}
	return &b, nil
}

// GetSymbolsWithData implements BarReader.GetSymbolsWithData.
func (d *DuckDBStore) GetSymbolsWithData(ctx context.Context, timeframe string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT DISTINCT symbol FROM bars WHERE timeframe = $1 ORDER BY symbol`, timeframe)
	if err != nil {
		return nil, NewQueryError("bars", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, NewQueryError("bars", err)
		}
		symbols = append(symbols, s)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError("bars", err)
	}
	return symbols, nil
}

// GetTimeframes implements BarReader.GetTimeframes.
func (d *DuckDBStore) GetTimeframes(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT DISTINCT timeframe FROM bars ORDER BY timeframe`)
	if err != nil {
		return nil, NewQueryError("bars", err)
	}
	defer rows.Close()

	var timeframes []string
	for rows.Next() {
		var tf string
		if err := rows.Scan(&tf); err != nil {
			return nil, NewQueryError("bars", err)
		}
		timeframes = append(timeframes, tf)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError("bars", err)
	}
	return timeframes, nil
}

// GetDataRange implements BarReader.GetDataRange.
func (d *DuckDBStore) GetDataRange(ctx context.Context, symbol, timeframe string) (*DataRange, error) {
	var earliest, latest sql.NullInt64
	err := d.db.QueryRowContext(ctx,
		`SELECT MIN(timestamp), MAX(timestamp) FROM bars WHERE symbol = $1 AND timeframe = $2`,
		symbol, timeframe,
	).Scan(&earliest, &latest)
	if err != nil {
		return nil, NewQueryError("bars", err)
	}
	if !earliest.Valid || !latest.Valid {
		return nil, nil
	}
	return &DataRange{Earliest: earliest.Int64, Latest: latest.Int64}, nil
}

// CountBars implements BarReader.CountBars.
func (d *DuckDBStore) CountBars(ctx context.Context, symbol, timeframe string) (int64, error) {
	var conditions []string
	var args []interface{}
	argPos := 1

	query := "SELECT COUNT(*) FROM bars"
	if symbol != "" {
		conditions = append(conditions, fmt.Sprintf("symbol = $%d", argPos))
		args = append(args, symbol)
		argPos++
	}
	if timeframe != "" {
		conditions = append(conditions, fmt.Sprintf("timeframe = $%d", argPos))
		args = append(args, timeframe)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	var count int64
	if err := d.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, NewQueryError("bars", err)
	}
	return count, nil
}

// CreateRun implements RunStore.CreateRun.
func (d *DuckDBStore) CreateRun(ctx context.Context, run models.IngestRun) error {
	if err := run.Validate(); err != nil {
		return NewUpsertError("ingest_runs", err)
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO ingest_runs
			(id, timeframe, mode, status, started_at, window_start, window_end, inserted_rows)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID, run.Timeframe, string(run.Mode), string(run.Status),
		run.StartedAt, run.WindowStart, run.WindowEnd, run.InsertedRows,
	)
	if err != nil {
		return NewUpsertError("ingest_runs", fmt.Errorf("failed to create run %s: %w", run.ID, err))
	}
	return nil
}

// FinalizeRun implements RunStore.FinalizeRun.
func (d *DuckDBStore) FinalizeRun(ctx context.Context, id string, status models.RunStatus, insertedRows int64) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	res, err := d.db.ExecContext(ctx, `
		UPDATE ingest_runs
		SET status = $1, inserted_rows = $2, ended_at = $3
		WHERE id = $4`,
		string(status), insertedRows, nowUnix(), id,
	)
	if err != nil {
		return NewUpsertError("ingest_runs", fmt.Errorf("failed to finalize run %s: %w", id, err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return NewUpsertError("ingest_runs", fmt.Errorf("run %s not found", id))
	}
	return nil
}

// GetLatestRun implements RunStore.GetLatestRun.
func (d *DuckDBStore) GetLatestRun(ctx context.Context, timeframe string, mode models.RunMode) (*models.IngestRun, error) {
	var run models.IngestRun
	var modeStr, statusStr string
	var endedAt sql.NullInt64

	err := d.db.QueryRowContext(ctx, `
		SELECT id, timeframe, mode, status, started_at, ended_at, window_start, window_end, inserted_rows
		FROM ingest_runs
		WHERE timeframe = $1 AND mode = $2
		ORDER BY started_at DESC
		LIMIT 1`,
		timeframe, string(mode),
	).Scan(
		&run.ID, &run.Timeframe, &modeStr, &statusStr,
		&run.StartedAt, &endedAt, &run.WindowStart, &run.WindowEnd, &run.InsertedRows,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, NewQueryError("ingest_runs", err)
	}

	run.Mode = models.RunMode(modeStr)
	run.Status = models.RunStatus(statusStr)
	if endedAt.Valid {
		run.EndedAt = endedAt.Int64
	}
	return &run, nil
}

// DeleteBarsBefore implements Retention.DeleteBarsBefore.
func (d *DuckDBStore) DeleteBarsBefore(ctx context.Context, cutoff int64) (int64, error) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	res, err := d.db.ExecContext(ctx, `DELETE FROM bars WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, &StorageError{Operation: "delete", Table: "bars", Err: err}
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, &StorageError{Operation: "delete", Table: "bars", Err: err}
	}

	d.logger.Info("deleted aged-out bars", "cutoff", cutoff, "deleted", deleted)
	return deleted, nil
}

// Stats implements StoreManager.Stats.
func (d *DuckDBStore) Stats(ctx context.Context) (*StoreStats, error) {
	stats := &StoreStats{}

	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM bars").Scan(&stats.TotalBars); err != nil {
		return nil, NewQueryError("bars", err)
	}
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(DISTINCT symbol) FROM bars").Scan(&stats.TotalSymbols); err != nil {
		return nil, NewQueryError("bars", err)
	}
	if stats.TotalBars > 0 {
		if err := d.db.QueryRowContext(ctx, "SELECT MIN(timestamp), MAX(timestamp) FROM bars").
			Scan(&stats.EarliestBar, &stats.LatestBar); err != nil {
			return nil, NewQueryError("bars", err)
		}
	}
	return stats, nil
}

// HealthCheck implements StoreManager.HealthCheck.
func (d *DuckDBStore) HealthCheck(ctx context.Context) error {
	var result int
	if err := d.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return &StorageError{Operation: "health_check", Err: err}
	}
	return nil
}

// Close implements StoreManager.Close.
func (d *DuckDBStore) Close() error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	if d.db == nil {
		return nil
	}
	d.logger.Info("closing store", "db_path", d.dbPath)
	err := d.db.Close()
	d.db = nil
	if err != nil {
		return &StorageError{Operation: "close", Err: err}
	}
	return nil
}

// Compile-time interface compliance check
var _ BarStore = (*DuckDBStore)(nil)
