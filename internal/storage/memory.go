package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/stonxx/barhoard/internal/models"
)

// MemoryStore is an in-memory BarStore used in tests and ephemeral runs. It
// honors the same dedup contract as the DuckDB backend: the (symbol,
// timeframe, timestamp) triple is the row identity and duplicate inserts are
// ignored.
type MemoryStore struct {
	mu          sync.RWMutex
	bars        map[string]map[int64]models.Bar // "SYMBOL|timeframe" -> timestamp -> bar
	runs        []models.IngestRun
	initialized bool
	closed      bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bars: make(map[string]map[int64]models.Bar),
	}
}

func barKey(symbol, timeframe string) string {
	return symbol + "|" + timeframe
}

// InitSchema implements StoreManager.InitSchema.
func (m *MemoryStore) InitSchema(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return NewSchemaError("", fmt.Errorf("store is closed"))
	}
	m.initialized = true
	return nil
}

// UpsertBars implements BarUpserter.UpsertBars. The whole batch is validated
// before any row becomes visible, matching the DuckDB backend's transactional
// behavior.
func (m *MemoryStore) UpsertBars(ctx context.Context, bars []models.Bar) (int, error) {
	for i := range bars {
		if err := bars[i].Validate(); err != nil {
			return 0, NewUpsertError("bars", fmt.Errorf("invalid bar at index %d: %w", i, err))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, NewUpsertError("bars", fmt.Errorf("store is closed"))
	}

	createdAt := nowUnix()
	inserted := 0
	for _, b := range bars {
		key := barKey(b.Symbol, b.Timeframe)
		if m.bars[key] == nil {
			m.bars[key] = make(map[int64]models.Bar)
		}
		if _, exists := m.bars[key][b.Timestamp]; exists {
			continue
		}
		b.CreatedAt = createdAt
		m.bars[key][b.Timestamp] = b
		inserted++
	}
	return inserted, nil
}

// GetBars implements BarReader.GetBars.
func (m *MemoryStore) GetBars(ctx context.Context, q BarQuery) ([]models.Bar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bars := make([]models.Bar, 0)
	for _, b := range m.bars[barKey(q.Symbol, q.Timeframe)] {
		if q.StartTime > 0 && b.Timestamp < q.StartTime {
			continue
		}
		if q.EndTime > 0 && b.Timestamp > q.EndTime {
			continue
		}
		bars = append(bars, b)
	}

	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp < bars[j].Timestamp })

	if q.Limit > 0 && len(bars) > q.Limit {
		bars = bars[:q.Limit]
	}
	return bars, nil
}

// GetLatestBar implements BarReader.GetLatestBar.
func (m *MemoryStore) GetLatestBar(ctx context.Context, symbol, timeframe string) (*models.Bar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *models.Bar
	for ts, b := range m.bars[barKey(symbol, timeframe)] {
		if latest == nil || ts > latest.Timestamp {
			bar := b
			latest = &bar
		}
	}
	return latest, nil
}

// GetSymbolsWithData implements BarReader.GetSymbolsWithData.
func (m *MemoryStore) GetSymbolsWithData(ctx context.Context, timeframe string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Every bar in a bucket shares the same symbol and timeframe, so
	// inspecting one row per bucket is enough.
	seen := make(map[string]bool)
	for _, rows := range m.bars {
		for _, b := range rows {
			if b.Timeframe == timeframe {
				seen[b.Symbol] = true
			}
			break
		}
	}

	symbols := make([]string, 0, len(seen))
	for s := range seen {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols, nil
}

// GetTimeframes implements BarReader.GetTimeframes.
func (m *MemoryStore) GetTimeframes(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	for _, rows := range m.bars {
		for _, b := range rows {
			seen[b.Timeframe] = true
			break
		}
	}

	timeframes := make([]string, 0, len(seen))
	for tf := range seen {
		timeframes = append(timeframes, tf)
	}
	sort.Strings(timeframes)
	return timeframes, nil
}

// GetDataRange implements BarReader.GetDataRange.
func (m *MemoryStore) GetDataRange(ctx context.Context, symbol, timeframe string) (*DataRange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := m.bars[barKey(symbol, timeframe)]
	if len(rows) == 0 {
		return nil, nil
	}

	r := &DataRange{}
	first := true
	for ts := range rows {
		if first {
			r.Earliest, r.Latest = ts, ts
			first = false
			continue
		}
		if ts < r.Earliest {
			r.Earliest = ts
		}
		if ts > r.Latest {
			r.Latest = ts
		}
	}
	return r, nil
}

// CountBars implements BarReader.CountBars.
func (m *MemoryStore) CountBars(ctx context.Context, symbol, timeframe string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, rows := range m.bars {
		for _, b := range rows {
			if symbol != "" && b.Symbol != symbol {
				continue
			}
			if timeframe != "" && b.Timeframe != timeframe {
				continue
			}
			count++
		}
	}
	return count, nil
}

// CreateRun implements RunStore.CreateRun.
func (m *MemoryStore) CreateRun(ctx context.Context, run models.IngestRun) error {
	if err := run.Validate(); err != nil {
		return NewUpsertError("ingest_runs", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

// FinalizeRun implements RunStore.FinalizeRun.
func (m *MemoryStore) FinalizeRun(ctx context.Context, id string, status models.RunStatus, insertedRows int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.runs {
		if m.runs[i].ID == id {
			m.runs[i].Status = status
			m.runs[i].InsertedRows = insertedRows
			m.runs[i].EndedAt = nowUnix()
			return nil
		}
	}
	return NewUpsertError("ingest_runs", fmt.Errorf("run %s not found", id))
}

// GetLatestRun implements RunStore.GetLatestRun.
func (m *MemoryStore) GetLatestRun(ctx context.Context, timeframe string, mode models.RunMode) (*models.IngestRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *models.IngestRun
	for i := range m.runs {
		r := &m.runs[i]
		if r.Timeframe != timeframe || r.Mode != mode {
			continue
		}
		if latest == nil || r.StartedAt > latest.StartedAt {
			latest = r
		}
	}
	if latest == nil {
		return nil, nil
	}
	run := *latest
	return &run, nil
}

// DeleteBarsBefore implements Retention.DeleteBarsBefore.
func (m *MemoryStore) DeleteBarsBefore(ctx context.Context, cutoff int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for _, rows := range m.bars {
		for ts := range rows {
			if ts < cutoff {
				delete(rows, ts)
				deleted++
			}
		}
	}
	return deleted, nil
}

// Stats implements StoreManager.Stats.
func (m *MemoryStore) Stats(ctx context.Context) (*StoreStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &StoreStats{}
	symbols := make(map[string]bool)
	for _, rows := range m.bars {
		for _, b := range rows {
			stats.TotalBars++
			symbols[b.Symbol] = true
			if stats.EarliestBar == 0 || b.Timestamp < stats.EarliestBar {
				stats.EarliestBar = b.Timestamp
			}
			if b.Timestamp > stats.LatestBar {
				stats.LatestBar = b.Timestamp
			}
		}
	}
	stats.TotalSymbols = len(symbols)
	return stats, nil
}

// HealthCheck implements StoreManager.HealthCheck.
func (m *MemoryStore) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return &StorageError{Operation: "health_check", Err: fmt.Errorf("store is closed")}
	}
	return nil
}

// Close implements StoreManager.Close.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Compile-time interface compliance check
var _ BarStore = (*MemoryStore)(nil)
