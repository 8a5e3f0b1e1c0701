// Package storage defines the persistence layer for OHLCV bars and ingest run
// records. The interfaces abstract over concrete backends (embedded DuckDB for
// deployments, an in-memory map for tests) while keeping the dedup invariant
// in one place: a bar is identified by (symbol, timeframe, timestamp) and the
// backend must reject or ignore duplicate inserts at the storage layer, not in
// application logic.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/stonxx/barhoard/internal/models"
)

// BarUpserter handles bulk, idempotent bar writes.
type BarUpserter interface {
	// UpsertBars inserts every bar in the batch that is not already present
	// by (symbol, timeframe, timestamp); existing rows are left untouched.
	// The batch is atomic: on error no new rows are visible. Returns the
	// number of rows actually inserted, which callers use to decide whether
	// the batch made progress.
	UpsertBars(ctx context.Context, bars []models.Bar) (int, error)
}

// BarQuery bounds a GetBars call. Zero StartTime/EndTime mean unbounded on
// that side; both bounds are inclusive. Limit of 0 means no limit.
type BarQuery struct {
	Symbol    string
	Timeframe string
	StartTime int64
	EndTime   int64
	Limit     int
}

// DataRange is the earliest and latest stored timestamp for a symbol/timeframe.
type DataRange struct {
	Earliest int64
	Latest   int64
}

// BarReader handles bar retrieval. Queries that match nothing return empty
// results, never errors.
type BarReader interface {
	// GetBars returns bars sorted ascending by timestamp.
	GetBars(ctx context.Context, q BarQuery) ([]models.Bar, error)

	// GetLatestBar returns the most recent bar for the pair, or (nil, nil)
	// when the symbol has no data yet — an expected outcome, not an error.
	GetLatestBar(ctx context.Context, symbol, timeframe string) (*models.Bar, error)

	// GetSymbolsWithData returns the sorted distinct symbols that have at
	// least one bar stored for the timeframe.
	GetSymbolsWithData(ctx context.Context, timeframe string) ([]string, error)

	// GetTimeframes returns the sorted distinct timeframes that have at
	// least one bar stored.
	GetTimeframes(ctx context.Context) ([]string, error)

	// GetDataRange returns the earliest and latest stored timestamps for the
	// pair, or (nil, nil) when no data exists.
	GetDataRange(ctx context.Context, symbol, timeframe string) (*DataRange, error)

	// CountBars counts stored bars, optionally filtered by symbol and/or
	// timeframe (empty string means no filter).
	CountBars(ctx context.Context, symbol, timeframe string) (int64, error)
}

// RunStore persists ingest run audit records.
type RunStore interface {
	// CreateRun stores a new run record, normally in "running" status.
	CreateRun(ctx context.Context, run models.IngestRun) error

	// FinalizeRun sets the terminal status, total inserted rows, and end
	// time of a run.
	FinalizeRun(ctx context.Context, id string, status models.RunStatus, insertedRows int64) error

	// GetLatestRun returns the most recently started run for the
	// timeframe/mode pair, or (nil, nil) when none exists.
	GetLatestRun(ctx context.Context, timeframe string, mode models.RunMode) (*models.IngestRun, error)
}

// Retention removes aged-out data. This is a maintenance operation driven by
// the cleanup mode, never by the ingestion pipeline.
type Retention interface {
	// DeleteBarsBefore removes all bars with timestamp strictly before the
	// cutoff and returns the number of rows deleted.
	DeleteBarsBefore(ctx context.Context, cutoff int64) (int64, error)
}

// StoreStats summarizes store contents for the status report.
type StoreStats struct {
	TotalBars    int64
	TotalSymbols int
	EarliestBar  int64
	LatestBar    int64
}

// StoreManager handles storage lifecycle concerns.
type StoreManager interface {
	// InitSchema idempotently creates the bar relation, the run relation,
	// and their indexes. Safe to call on an already-initialized store.
	InitSchema(ctx context.Context) error

	// Close releases the underlying storage resources.
	Close() error

	// HealthCheck verifies the backend is usable with a lightweight query.
	HealthCheck(ctx context.Context) error

	// Stats returns summary statistics about stored data.
	Stats(ctx context.Context) (*StoreStats, error)
}

// BarStore combines every capability a deployment needs from the persistence
// layer. The ingestion pipeline and the external read-side (front-end,
// browsing tools) both consume subsets of this interface.
type BarStore interface {
	BarUpserter
	BarReader
	RunStore
	Retention
	StoreManager
}

// StorageError represents a failure in the persistence layer. Any
// StorageError raised by InitSchema or UpsertBars means the local store is
// unusable and is fatal to an ingestion run.
type StorageError struct {
	Operation string // operation that failed, e.g. "upsert", "schema"
	Table     string // table involved, may be empty
	Err       error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage %s on %s failed: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("storage %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewSchemaError wraps an unrecoverable schema initialization fault.
func NewSchemaError(table string, err error) *StorageError {
	return &StorageError{Operation: "schema", Table: table, Err: err}
}

// NewUpsertError wraps a bulk write fault.
func NewUpsertError(table string, err error) *StorageError {
	return &StorageError{Operation: "upsert", Table: table, Err: err}
}

// NewQueryError wraps a read fault.
func NewQueryError(table string, err error) *StorageError {
	return &StorageError{Operation: "query", Table: table, Err: err}
}

// nowUnix is stubbed in tests that need deterministic created_at values.
var nowUnix = func() int64 { return time.Now().UTC().Unix() }
