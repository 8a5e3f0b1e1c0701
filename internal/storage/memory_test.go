package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stonxx/barhoard/internal/models"
)

func testBar(symbol, timeframe string, ts int64) models.Bar {
	return models.Bar{
		Symbol:    symbol,
		Timeframe: timeframe,
		Timestamp: ts,
		Open:      100.0,
		High:      101.5,
		Low:       99.5,
		Close:     100.75,
		Volume:    1000,
	}
}

func TestMemoryStore_UpsertIdempotence(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.InitSchema(ctx))

	batch := []models.Bar{
		testBar("ABC", "1Min", 100),
		testBar("ABC", "1Min", 160),
		testBar("ABC", "1Min", 220),
	}

	inserted, err := store.UpsertBars(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 3, inserted)

	// Identical batch again: nothing new.
	inserted, err = store.UpsertBars(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 0, inserted)

	count, err := store.CountBars(ctx, "ABC", "1Min")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestMemoryStore_UniquenessAcrossOverlappingBatches(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.InitSchema(ctx))

	first := []models.Bar{testBar("XYZ", "1Min", 100), testBar("XYZ", "1Min", 160)}
	second := []models.Bar{testBar("XYZ", "1Min", 160), testBar("XYZ", "1Min", 220)}

	inserted, err := store.UpsertBars(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)

	inserted, err = store.UpsertBars(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)

	bars, err := store.GetBars(ctx, BarQuery{Symbol: "XYZ", Timeframe: "1Min"})
	require.NoError(t, err)
	assert.Len(t, bars, 3)
}

func TestMemoryStore_GetBarsOrderingAndBounds(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.InitSchema(ctx))

	// Inserted out of order on purpose.
	_, err := store.UpsertBars(ctx, []models.Bar{
		testBar("ABC", "1Min", 340),
		testBar("ABC", "1Min", 100),
		testBar("ABC", "1Min", 220),
		testBar("ABC", "1Min", 160),
		testBar("ABC", "1Min", 280),
	})
	require.NoError(t, err)

	bars, err := store.GetBars(ctx, BarQuery{Symbol: "ABC", Timeframe: "1Min"})
	require.NoError(t, err)
	require.Len(t, bars, 5)
	for i := 1; i < len(bars); i++ {
		assert.LessOrEqual(t, bars[i-1].Timestamp, bars[i].Timestamp)
	}

	// Inclusive bounds.
	bars, err = store.GetBars(ctx, BarQuery{Symbol: "ABC", Timeframe: "1Min", StartTime: 160, EndTime: 280})
	require.NoError(t, err)
	require.Len(t, bars, 3)
	assert.Equal(t, int64(160), bars[0].Timestamp)
	assert.Equal(t, int64(280), bars[2].Timestamp)

	// Limit.
	bars, err = store.GetBars(ctx, BarQuery{Symbol: "ABC", Timeframe: "1Min", Limit: 2})
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, int64(100), bars[0].Timestamp)

	// No match is empty, not an error.
	bars, err = store.GetBars(ctx, BarQuery{Symbol: "NOPE", Timeframe: "1Min"})
	require.NoError(t, err)
	assert.Empty(t, bars)
}

func TestMemoryStore_SingleSymbolExample(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.InitSchema(ctx))

	timestamps := []int64{100, 160, 220, 280, 340}
	batch := make([]models.Bar, 0, len(timestamps))
	for _, ts := range timestamps {
		batch = append(batch, testBar("ABC", "1Min", ts))
	}

	inserted, err := store.UpsertBars(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 5, inserted)

	bars, err := store.GetBars(ctx, BarQuery{Symbol: "ABC", Timeframe: "1Min"})
	require.NoError(t, err)
	require.Len(t, bars, 5)
	for i, ts := range timestamps {
		assert.Equal(t, ts, bars[i].Timestamp)
	}

	latest, err := store.GetLatestBar(ctx, "ABC", "1Min")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, int64(340), latest.Timestamp)
}

func TestMemoryStore_GetLatestBarAbsent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.InitSchema(ctx))

	latest, err := store.GetLatestBar(ctx, "EMPTY", "1Min")
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestMemoryStore_SymbolsWithDataAndRange(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.InitSchema(ctx))

	_, err := store.UpsertBars(ctx, []models.Bar{
		testBar("BBB", "1Min", 100),
		testBar("AAA", "1Min", 200),
		testBar("AAA", "5Min", 300),
	})
	require.NoError(t, err)

	symbols, err := store.GetSymbolsWithData(ctx, "1Min")
	require.NoError(t, err)
	assert.Equal(t, []string{"AAA", "BBB"}, symbols)

	symbols, err = store.GetSymbolsWithData(ctx, "5Min")
	require.NoError(t, err)
	assert.Equal(t, []string{"AAA"}, symbols)

	r, err := store.GetDataRange(ctx, "AAA", "1Min")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, int64(200), r.Earliest)
	assert.Equal(t, int64(200), r.Latest)

	r, err = store.GetDataRange(ctx, "AAA", "30Min")
	require.NoError(t, err)
	assert.Nil(t, r)

	timeframes, err := store.GetTimeframes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"1Min", "5Min"}, timeframes)
}

func TestMemoryStore_InvalidBarRejectsBatch(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.InitSchema(ctx))

	bad := testBar("ABC", "1Min", 160)
	bad.Symbol = "abc" // lowercase: invalid

	_, err := store.UpsertBars(ctx, []models.Bar{testBar("ABC", "1Min", 100), bad})
	require.Error(t, err)

	// Atomicity: nothing from the failed batch is visible.
	count, err := store.CountBars(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestMemoryStore_StoresOHLCViolationsUnchanged(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.InitSchema(ctx))

	// Upstream feeds occasionally produce high < close; the store must
	// accept the row as-is.
	suspect := models.Bar{
		Symbol: "GLT", Timeframe: "1Min", Timestamp: 100,
		Open: 10.0, High: 10.1, Low: 9.9, Close: 10.5, Volume: 50,
	}
	require.NotEmpty(t, suspect.QualityIssues())

	inserted, err := store.UpsertBars(ctx, []models.Bar{suspect})
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)

	bars, err := store.GetBars(ctx, BarQuery{Symbol: "GLT", Timeframe: "1Min"})
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, 10.5, bars[0].Close)
}

func TestMemoryStore_RetentionCutoff(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.InitSchema(ctx))

	_, err := store.UpsertBars(ctx, []models.Bar{
		testBar("ABC", "1Min", 100),
		testBar("ABC", "1Min", 200),
		testBar("ABC", "1Min", 300),
	})
	require.NoError(t, err)

	deleted, err := store.DeleteBarsBefore(ctx, 200)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	bars, err := store.GetBars(ctx, BarQuery{Symbol: "ABC", Timeframe: "1Min"})
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, int64(200), bars[0].Timestamp)
}

func TestMemoryStore_RunLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.InitSchema(ctx))

	run := models.IngestRun{
		ID:          "run-001",
		Timeframe:   "1Min",
		Mode:        models.RunModeBackfill,
		Status:      models.RunStatusRunning,
		StartedAt:   time.Now().Unix(),
		WindowStart: 0,
		WindowEnd:   1000,
	}
	require.NoError(t, store.CreateRun(ctx, run))

	latest, err := store.GetLatestRun(ctx, "1Min", models.RunModeBackfill)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, models.RunStatusRunning, latest.Status)

	require.NoError(t, store.FinalizeRun(ctx, "run-001", models.RunStatusFinished, 42))

	latest, err = store.GetLatestRun(ctx, "1Min", models.RunModeBackfill)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, models.RunStatusFinished, latest.Status)
	assert.Equal(t, int64(42), latest.InsertedRows)
	assert.NotZero(t, latest.EndedAt)

	// No run for another mode.
	latest, err = store.GetLatestRun(ctx, "1Min", models.RunModeCatchup)
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestMemoryStore_Stats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.InitSchema(ctx))

	_, err := store.UpsertBars(ctx, []models.Bar{
		testBar("AAA", "1Min", 100),
		testBar("BBB", "1Min", 500),
	})
	require.NoError(t, err)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalBars)
	assert.Equal(t, 2, stats.TotalSymbols)
	assert.Equal(t, int64(100), stats.EarliestBar)
	assert.Equal(t, int64(500), stats.LatestBar)
}
