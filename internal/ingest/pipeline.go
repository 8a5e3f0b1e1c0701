// Package ingest orchestrates historical bar collection: it resolves the
// symbol universe, walks the remote API's pagination per symbol, and bulk
// upserts bars into the store with per-symbol failure isolation.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stonxx/barhoard/internal/marketdata"
	"github.com/stonxx/barhoard/internal/models"
	"github.com/stonxx/barhoard/internal/storage"
	"github.com/stonxx/barhoard/internal/universe"
)

const (
	defaultFlushThreshold = 10000
	maxWorkers            = 8
)

// catchupPolicy bounds a catch-up window for one timeframe: the window starts
// an overlap buffer before the oldest latest-stored bar, and never reaches
// further back than the horizon.
type catchupPolicy struct {
	Buffer  time.Duration
	Horizon time.Duration
}

var catchupPolicies = map[string]catchupPolicy{
	"1Min":  {Buffer: 15 * time.Minute, Horizon: 3 * 24 * time.Hour},
	"5Min":  {Buffer: time.Hour, Horizon: 14 * 24 * time.Hour},
	"30Min": {Buffer: 6 * time.Hour, Horizon: 56 * 24 * time.Hour},
}

var defaultCatchupPolicy = catchupPolicy{Buffer: time.Hour, Horizon: 14 * 24 * time.Hour}

// Resolver yields the targets for a run. *universe.Resolver satisfies this.
type Resolver interface {
	Resolve(ctx context.Context) ([]universe.Target, error)
}

// Options configures a Pipeline run.
type Options struct {
	// Timeframe is the bar granularity tag, e.g. "1Min".
	Timeframe string

	// Mode selects how the fetch window is computed.
	Mode models.RunMode

	// Lookback is the backfill window length. Ignored in catchup mode.
	Lookback time.Duration

	// FlushThreshold is the accumulated row count that triggers an upsert
	// mid-symbol. 0 uses the default of 10000.
	FlushThreshold int

	// Workers is the number of concurrent symbol workers, clamped to
	// [1, 8]. They all share the fetcher's pacing gate, so concurrency
	// never increases the request rate.
	Workers int

	// PageLimit caps bars per page request. 0 uses the API maximum.
	PageLimit int
}

// Pipeline coordinates one ingestion run.
type Pipeline struct {
	store    storage.BarStore
	fetcher  marketdata.BarFetcher
	resolver Resolver
	opts     Options
	logger   *slog.Logger

	// stubbed in tests
	now      func() time.Time
	newRunID func() string
}

// NewPipeline creates a Pipeline. A nil logger discards logs.
func NewPipeline(store storage.BarStore, fetcher marketdata.BarFetcher, resolver Resolver, opts Options, logger *slog.Logger) (*Pipeline, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if resolver == nil {
		return nil, fmt.Errorf("resolver is required")
	}
	if opts.Timeframe == "" {
		return nil, fmt.Errorf("timeframe is required")
	}
	if opts.Mode != models.RunModeBackfill && opts.Mode != models.RunModeCatchup {
		return nil, fmt.Errorf("unsupported run mode %q", opts.Mode)
	}
	if opts.Mode == models.RunModeBackfill && opts.Lookback <= 0 {
		return nil, fmt.Errorf("backfill requires a positive lookback")
	}
	if opts.FlushThreshold <= 0 {
		opts.FlushThreshold = defaultFlushThreshold
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Workers > maxWorkers {
		opts.Workers = maxWorkers
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Pipeline{
		store:    store,
		fetcher:  fetcher,
		resolver: resolver,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
		newRunID: func() string { return uuid.New().String() },
	}, nil
}

// runState accumulates results across workers.
type runState struct {
	mu        sync.Mutex
	processed int
	failed    int
	inserted  int64
	failures  []models.SymbolFailure
	fatal     error
}

func (s *runState) recordSuccess(rows int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed++
	s.inserted += rows
}

// recordPartial accounts for rows a symbol flushed before its run was cut
// short. The report and the persisted run record must match store contents
// even when a symbol did not finish.
func (s *runState) recordPartial(rows int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted += rows
}

func (s *runState) recordFailure(symbol string, rows int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed++
	s.inserted += rows
	s.failures = append(s.failures, models.SymbolFailure{Symbol: symbol, Reason: err.Error()})
}

func (s *runState) recordFatal(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fatal == nil {
		s.fatal = err
	}
}

// Run executes one ingestion run and returns its report. Per-symbol remote
// API failures are isolated; a storage fault cancels remaining work and is
// returned after the run record is finalized. Already-upserted rows survive
// cancellation, so an interrupted run resumes naturally on the next one.
func (p *Pipeline) Run(ctx context.Context) (*models.RunReport, error) {
	started := p.now()

	targets, err := p.resolver.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving targets: %w", err)
	}

	stale := make([]universe.Target, 0, len(targets))
	skipped := 0
	for _, t := range targets {
		if t.Fresh {
			skipped++
			continue
		}
		stale = append(stale, t)
	}

	windowStart, windowEnd := p.window(stale)

	runID := p.newRunID()
	run := models.IngestRun{
		ID:          runID,
		Timeframe:   p.opts.Timeframe,
		Mode:        p.opts.Mode,
		Status:      models.RunStatusRunning,
		StartedAt:   started.Unix(),
		WindowStart: windowStart.Unix(),
		WindowEnd:   windowEnd.Unix(),
	}
	if err := p.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("creating run record: %w", err)
	}

	p.logger.Info("ingestion run starting",
		"run_id", runID,
		"mode", string(p.opts.Mode),
		"timeframe", p.opts.Timeframe,
		"symbols", len(stale),
		"skipped_fresh", skipped,
		"window_start", windowStart,
		"window_end", windowEnd,
		"workers", p.opts.Workers)

	state := &runState{}
	p.fetchAll(ctx, stale, windowStart, windowEnd, state)

	status := models.RunStatusFinished
	var runErr error
	switch {
	case state.fatal != nil:
		status = models.RunStatusError
		runErr = state.fatal
	case ctx.Err() != nil:
		status = models.RunStatusError
		runErr = ctx.Err()
	}

	// Finalize with a fresh context so an aborted run still gets its
	// terminal status persisted.
	finalizeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := p.store.FinalizeRun(finalizeCtx, runID, status, state.inserted); err != nil {
		p.logger.Error("finalizing run record failed", "run_id", runID, "error", err)
		if runErr == nil {
			runErr = err
		}
	}

	report := &models.RunReport{
		Timeframe:        p.opts.Timeframe,
		Mode:             p.opts.Mode,
		WindowStart:      windowStart,
		WindowEnd:        windowEnd,
		SymbolsProcessed: state.processed,
		SymbolsSkipped:   skipped,
		SymbolsFailed:    state.failed,
		RowsInserted:     state.inserted,
		Failures:         state.failures,
		Duration:         p.now().Sub(started),
	}

	p.logger.Info("ingestion run finished",
		"run_id", runID,
		"status", string(status),
		"processed", state.processed,
		"skipped_fresh", skipped,
		"failed", state.failed,
		"rows_inserted", state.inserted,
		"duration", report.Duration)

	return report, runErr
}

// window computes the fetch bounds for this run.
func (p *Pipeline) window(targets []universe.Target) (time.Time, time.Time) {
	end := p.now().UTC()

	if p.opts.Mode == models.RunModeBackfill {
		return end.Add(-p.opts.Lookback), end
	}

	policy, ok := catchupPolicies[p.opts.Timeframe]
	if !ok {
		policy = defaultCatchupPolicy
	}
	floor := end.Add(-policy.Horizon)

	// Start an overlap buffer before the oldest latest-stored bar so the
	// idempotent upsert heals any boundary gaps.
	var oldest int64
	for _, t := range targets {
		if t.LatestTimestamp == 0 {
			continue
		}
		if oldest == 0 || t.LatestTimestamp < oldest {
			oldest = t.LatestTimestamp
		}
	}
	if oldest == 0 {
		return floor, end
	}

	start := time.Unix(oldest, 0).UTC().Add(-policy.Buffer)
	if start.Before(floor) {
		start = floor
	}
	return start, end
}

// fetchAll fans targets out to the worker pool and waits for completion.
func (p *Pipeline) fetchAll(ctx context.Context, targets []universe.Target, start, end time.Time, state *runState) {
	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	work := make(chan universe.Target)
	var wg sync.WaitGroup

	for i := 0; i < p.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for target := range work {
				if workCtx.Err() != nil {
					continue
				}
				rows, err := p.fetchSymbol(workCtx, target.Symbol, start, end)
				switch {
				case err == nil:
					state.recordSuccess(rows)
				case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
					// Run-level cancellation; handled by the caller. Rows
					// flushed before the cut still count.
					state.recordPartial(rows)
				case isStorageFault(err):
					p.logger.Error("storage fault, aborting run",
						"symbol", target.Symbol, "error", err)
					state.recordPartial(rows)
					state.recordFatal(err)
					cancel()
				default:
					p.logger.Warn("symbol failed, continuing",
						"symbol", target.Symbol, "rows_kept", rows, "error", err)
					state.recordFailure(target.Symbol, rows, err)
				}
			}
		}()
	}

	for _, t := range targets {
		select {
		case work <- t:
		case <-workCtx.Done():
		}
		if workCtx.Err() != nil {
			break
		}
	}
	close(work)
	wg.Wait()
}

// fetchSymbol walks all pages for one symbol and returns the number of rows
// newly inserted.
func (p *Pipeline) fetchSymbol(ctx context.Context, symbol string, start, end time.Time) (int64, error) {
	var inserted int64
	buf := make([]models.Bar, 0, p.opts.FlushThreshold)

	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		n, err := p.store.UpsertBars(ctx, buf)
		if err != nil {
			return err
		}
		inserted += int64(n)
		buf = buf[:0]
		return nil
	}

	pageToken := ""
	for {
		if err := ctx.Err(); err != nil {
			return inserted, err
		}

		page, err := p.fetcher.FetchPage(ctx, marketdata.PageRequest{
			Symbol:    symbol,
			Timeframe: p.opts.Timeframe,
			Start:     start,
			End:       end,
			Limit:     p.opts.PageLimit,
			PageToken: pageToken,
		})
		if err != nil {
			return inserted, err
		}

		buf = append(buf, page.Bars...)
		if len(buf) >= p.opts.FlushThreshold {
			if err := flush(); err != nil {
				return inserted, err
			}
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	if err := flush(); err != nil {
		return inserted, err
	}
	return inserted, nil
}

func isStorageFault(err error) bool {
	var se *storage.StorageError
	return errors.As(err, &se)
}
