package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validBar() Bar {
	return Bar{
		Symbol:    "ABC",
		Timeframe: "1Min",
		Timestamp: 1704205800,
		Open:      100.0,
		High:      101.5,
		Low:       99.5,
		Close:     100.75,
		Volume:    1000,
	}
}

func TestBar_Validate(t *testing.T) {
	b := validBar()
	require.NoError(t, b.Validate())

	tests := []struct {
		name   string
		mutate func(*Bar)
		field  string
	}{
		{"empty symbol", func(b *Bar) { b.Symbol = "" }, "symbol"},
		{"lowercase symbol", func(b *Bar) { b.Symbol = "abc" }, "symbol"},
		{"empty timeframe", func(b *Bar) { b.Timeframe = "" }, "timeframe"},
		{"zero timestamp", func(b *Bar) { b.Timestamp = 0 }, "timestamp"},
		{"negative open", func(b *Bar) { b.Open = -1 }, "open"},
		{"negative volume", func(b *Bar) { b.Volume = -5 }, "volume"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := validBar()
			tt.mutate(&b)

			err := b.Validate()
			require.Error(t, err)

			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestBar_ValidateAllowsOHLCViolation(t *testing.T) {
	// Feeds occasionally produce high < close; the bar stays storable.
	b := validBar()
	b.High = 100.0
	b.Close = 100.5
	require.NoError(t, b.Validate())
}

func TestBar_QualityIssues(t *testing.T) {
	b := validBar()
	assert.Empty(t, b.QualityIssues())

	b.High = 100.0
	b.Close = 100.5
	issues := b.QualityIssues()
	require.Len(t, issues, 1)
	assert.Contains(t, issues[0], "high")

	b = validBar()
	b.Low = 100.5
	b.Open = 100.0
	issues = b.QualityIssues()
	require.Len(t, issues, 1)
	assert.Contains(t, issues[0], "low")
}

func TestBar_DecimalHelpers(t *testing.T) {
	b := validBar()
	assert.Equal(t, "2", b.Range().String())
	assert.Equal(t, "0.75", b.Body().String())
}

func TestBar_Time(t *testing.T) {
	b := validBar()
	assert.Equal(t, time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC), b.Time())
}

func TestIngestRun_Validate(t *testing.T) {
	run := IngestRun{
		ID:          "run-1",
		Timeframe:   "1Min",
		Mode:        RunModeBackfill,
		Status:      RunStatusRunning,
		StartedAt:   1704205800,
		WindowStart: 100,
		WindowEnd:   200,
	}
	require.NoError(t, run.Validate())

	bad := run
	bad.ID = ""
	assert.Error(t, bad.Validate())

	bad = run
	bad.Mode = "resync"
	assert.Error(t, bad.Validate())

	bad = run
	bad.WindowStart, bad.WindowEnd = 200, 100
	assert.Error(t, bad.Validate())
}

func TestRunReport_Summary(t *testing.T) {
	report := RunReport{
		Timeframe:        "1Min",
		Mode:             RunModeBackfill,
		WindowStart:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		WindowEnd:        time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		SymbolsProcessed: 10,
		SymbolsSkipped:   3,
		SymbolsFailed:    1,
		RowsInserted:     15000,
		Duration:         90 * time.Second,
	}

	s := report.Summary()
	assert.Contains(t, s, "processed=10")
	assert.Contains(t, s, "skipped=3")
	assert.Contains(t, s, "failed=1")
	assert.Contains(t, s, "rows_inserted=15000")
}
