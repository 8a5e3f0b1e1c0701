package models

import (
	"fmt"
	"time"
)

// RunMode identifies what kind of ingestion a run performed.
type RunMode string

const (
	// RunModeBackfill fetches a fixed lookback window for every symbol.
	RunModeBackfill RunMode = "backfill"
	// RunModeCatchup fetches a conservative window from the oldest
	// latest-stored bar across symbols, with an overlap buffer.
	RunModeCatchup RunMode = "catchup"
)

// RunStatus is the lifecycle state of an ingest run record.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusFinished RunStatus = "finished"
	RunStatusError    RunStatus = "error"
)

// IngestRun is the persisted audit record for one pipeline run. It is created
// in "running" state when the run starts and finalized when it ends, so
// browsing tools can see what windows have been covered and whether an ingest
// is currently in flight.
type IngestRun struct {
	ID           string    `json:"id" db:"id"`
	Timeframe    string    `json:"timeframe" db:"timeframe"`
	Mode         RunMode   `json:"mode" db:"mode"`
	Status       RunStatus `json:"status" db:"status"`
	StartedAt    int64     `json:"started_at" db:"started_at"`
	EndedAt      int64     `json:"ended_at,omitempty" db:"ended_at"`
	WindowStart  int64     `json:"window_start" db:"window_start"`
	WindowEnd    int64     `json:"window_end" db:"window_end"`
	InsertedRows int64     `json:"inserted_rows" db:"inserted_rows"`
}

// Validate checks the run record before it is persisted.
func (r *IngestRun) Validate() error {
	if r.ID == "" {
		return &ValidationError{Field: "id", Message: "run id cannot be empty"}
	}
	if r.Timeframe == "" {
		return &ValidationError{Field: "timeframe", Message: "timeframe cannot be empty"}
	}
	switch r.Mode {
	case RunModeBackfill, RunModeCatchup:
	default:
		return &ValidationError{Field: "mode", Message: fmt.Sprintf("unknown run mode %q", r.Mode)}
	}
	switch r.Status {
	case RunStatusRunning, RunStatusFinished, RunStatusError:
	default:
		return &ValidationError{Field: "status", Message: fmt.Sprintf("unknown run status %q", r.Status)}
	}
	if r.WindowEnd < r.WindowStart {
		return &ValidationError{Field: "window_end", Message: "window end cannot precede window start"}
	}
	return nil
}

// SymbolFailure records one symbol the pipeline could not ingest and why.
type SymbolFailure struct {
	Symbol string `json:"symbol"`
	Reason string `json:"reason"`
}

// RunReport is the end-of-run summary returned by the ingestion pipeline.
// Silent partial failure is disallowed: every symbol the run touched is
// accounted for in exactly one of the three counters.
type RunReport struct {
	Timeframe        string          `json:"timeframe"`
	Mode             RunMode         `json:"mode"`
	WindowStart      time.Time       `json:"window_start"`
	WindowEnd        time.Time       `json:"window_end"`
	SymbolsProcessed int             `json:"symbols_processed"`
	SymbolsSkipped   int             `json:"symbols_skipped"`
	SymbolsFailed    int             `json:"symbols_failed"`
	RowsInserted     int64           `json:"rows_inserted"`
	Failures         []SymbolFailure `json:"failures,omitempty"`
	Duration         time.Duration   `json:"duration"`
}

// Summary renders the report as the human-readable block printed at the end
// of a run.
func (r *RunReport) Summary() string {
	return fmt.Sprintf(
		"timeframe=%s mode=%s window=[%s, %s] processed=%d skipped=%d failed=%d rows_inserted=%d duration=%s",
		r.Timeframe, r.Mode,
		r.WindowStart.Format(time.RFC3339), r.WindowEnd.Format(time.RFC3339),
		r.SymbolsProcessed, r.SymbolsSkipped, r.SymbolsFailed, r.RowsInserted,
		r.Duration.Round(time.Millisecond),
	)
}
