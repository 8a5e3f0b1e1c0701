package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := NewManager("", nil).Load()
	require.NoError(t, err)

	assert.Equal(t, "barhoard", cfg.AppName)
	assert.Equal(t, "1Min", cfg.Ingest.Timeframe)
	assert.Equal(t, 30, cfg.Ingest.LookbackDays)
	assert.Equal(t, 7, cfg.Ingest.FreshnessDays)
	assert.Equal(t, 200*time.Millisecond, cfg.RateDelay())
	assert.Equal(t, 30*time.Second, cfg.HTTPTimeout())
	assert.Equal(t, 30*24*time.Hour, cfg.Lookback())
	assert.Equal(t, 7*24*time.Hour, cfg.Freshness())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"ingest": {"timeframe": "5Min", "lookback_days": 90},
		"storage": {"path": "/tmp/test-bars.db"}
	}`), 0644))

	cfg, err := NewManager(path, nil).Load()
	require.NoError(t, err)

	assert.Equal(t, "5Min", cfg.Ingest.Timeframe)
	assert.Equal(t, 90, cfg.Ingest.LookbackDays)
	assert.Equal(t, "/tmp/test-bars.db", cfg.Storage.Path)
	// Unset sections keep defaults.
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"ingest": {"timeframe": "5Min"}}`), 0644))

	t.Setenv("TIMEFRAME", "30Min")
	t.Setenv("WORKERS", "4")
	t.Setenv("SYMBOLS", "IBM,GE")
	t.Setenv("APCA_API_KEY_ID", "env-key")

	cfg, err := NewManager(path, nil).Load()
	require.NoError(t, err)

	assert.Equal(t, "30Min", cfg.Ingest.Timeframe)
	assert.Equal(t, 4, cfg.Ingest.Workers)
	assert.Equal(t, []string{"IBM", "GE"}, cfg.Ingest.Symbols)
	assert.Equal(t, "env-key", cfg.Alpaca.APIKey)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewManager(filepath.Join(t.TempDir(), "nope.json"), nil).Load()
	require.NoError(t, err)
	assert.Equal(t, "1Min", cfg.Ingest.Timeframe)
}

func TestLoad_ValidationFailures(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"bad log level", `{"logging": {"level": "loud"}}`},
		{"bad rate delay", `{"ingest": {"rate_limit_delay": "fast"}}`},
		{"zero lookback", `{"ingest": {"lookback_days": -1}}`},
		{"empty storage path", `{"storage": {"path": ""}}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json")
			require.NoError(t, os.WriteFile(path, []byte(tc.body), 0644))

			_, err := NewManager(path, nil).Load()
			require.Error(t, err)

			var ce *ConfigError
			assert.ErrorAs(t, err, &ce)
		})
	}
}

func TestRequireCredentials(t *testing.T) {
	cfg := DefaultConfig()
	require.Error(t, cfg.RequireCredentials())

	cfg.Alpaca.APIKey = "key"
	require.Error(t, cfg.RequireCredentials())

	cfg.Alpaca.APISecret = "secret"
	require.NoError(t, cfg.RequireCredentials())
}

func TestString_RedactsCredentials(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Alpaca.APIKey = "super-secret-key"
	cfg.Alpaca.APISecret = "super-secret-secret"

	rendered := cfg.String()
	assert.NotContains(t, rendered, "super-secret-key")
	assert.NotContains(t, rendered, "super-secret-secret")
	assert.Contains(t, rendered, "[REDACTED]")
}
