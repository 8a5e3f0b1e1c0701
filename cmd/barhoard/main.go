// Historical bar ingestion CLI.
//
// Usage:
//
//	barhoard -mode backfill -timeframe 1Min -lookback-days 30
//	barhoard -mode catchup -timeframe 5Min
//	barhoard -mode cleanup -retention-days 365
//	barhoard -mode status
//
// Configuration comes from a JSON file (-config) overridden by environment
// variables; flags override both for the values they cover.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/stonxx/barhoard/internal/config"
	"github.com/stonxx/barhoard/internal/ingest"
	"github.com/stonxx/barhoard/internal/logger"
	"github.com/stonxx/barhoard/internal/marketdata"
	"github.com/stonxx/barhoard/internal/models"
	"github.com/stonxx/barhoard/internal/storage"
	"github.com/stonxx/barhoard/internal/universe"
)

const appVersion = "1.0.0"

// Exit codes following standard conventions
const (
	exitSuccess     = 0
	exitUsageError  = 1
	exitConfigError = 2
	exitRunError    = 3
	exitInterrupt   = 130
)

type flags struct {
	mode          string
	configPath    string
	timeframe     string
	symbols       string
	lookbackDays  int
	retentionDays int
	showVersion   bool
}

func parseFlags() *flags {
	f := &flags{}
	flag.StringVar(&f.mode, "mode", "backfill", "run mode: backfill, catchup, cleanup, status")
	flag.StringVar(&f.configPath, "config", "", "path to JSON config file")
	flag.StringVar(&f.timeframe, "timeframe", "", "bar timeframe override, e.g. 1Min")
	flag.StringVar(&f.symbols, "symbols", "", "comma-separated static symbol list override")
	flag.IntVar(&f.lookbackDays, "lookback-days", 0, "backfill window override in days")
	flag.IntVar(&f.retentionDays, "retention-days", 0, "cleanup: delete bars older than this many days")
	flag.BoolVar(&f.showVersion, "version", false, "print version and exit")
	flag.Parse()
	return f
}

func main() {
	f := parseFlags()

	if f.showVersion {
		fmt.Printf("barhoard %s\n", appVersion)
		os.Exit(exitSuccess)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	os.Exit(run(ctx, f))
}

func run(ctx context.Context, f *flags) int {
	cfg, err := config.NewManager(f.configPath, slog.Default()).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitConfigError
	}
	applyFlagOverrides(cfg, f)

	logManager, err := logger.NewManager(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitConfigError
	}
	defer logManager.Close()
	log := logManager.Logger()

	store, err := storage.NewDuckDBStore(cfg.Storage.Path, logManager.Component("storage"))
	if err != nil {
		log.Error("opening store failed", "path", cfg.Storage.Path, "error", err)
		return exitRunError
	}
	defer store.Close()

	if err := store.InitSchema(ctx); err != nil {
		log.Error("initializing schema failed", "error", err)
		return exitRunError
	}

	switch f.mode {
	case "backfill", "catchup":
		return runIngest(ctx, cfg, f.mode, store, logManager)
	case "cleanup":
		return runCleanup(ctx, f, store, log)
	case "status":
		return runStatus(ctx, cfg, store, log)
	default:
		fmt.Fprintf(os.Stderr, "error: unknown mode %q\n", f.mode)
		flag.Usage()
		return exitUsageError
	}
}

func applyFlagOverrides(cfg *config.AppConfig, f *flags) {
	if f.timeframe != "" {
		cfg.Ingest.Timeframe = f.timeframe
	}
	if f.symbols != "" {
		cfg.Ingest.Symbols = strings.Split(f.symbols, ",")
	}
	if f.lookbackDays > 0 {
		cfg.Ingest.LookbackDays = f.lookbackDays
	}
}

func runIngest(ctx context.Context, cfg *config.AppConfig, mode string, store storage.BarStore, logManager *logger.Manager) int {
	log := logManager.Logger()

	if err := cfg.RequireCredentials(); err != nil {
		log.Error("missing API credentials", "error", err)
		return exitConfigError
	}

	gate := marketdata.NewGate(cfg.RateDelay())
	client, err := marketdata.NewAlpacaClient(marketdata.AlpacaConfig{
		APIKey:     cfg.Alpaca.APIKey,
		APISecret:  cfg.Alpaca.APISecret,
		DataURL:    cfg.Alpaca.DataURL,
		TradingURL: cfg.Alpaca.TradingURL,
		Timeout:    cfg.HTTPTimeout(),
	}, gate, logManager.Component("marketdata"))
	if err != nil {
		log.Error("creating API client failed", "error", err)
		return exitConfigError
	}

	var source universe.Source
	if len(cfg.Ingest.Symbols) > 0 {
		source = universe.NewStaticSource(cfg.Ingest.Symbols)
	} else {
		source = universe.NewAPISource(client, cfg.Ingest.Exchange)
	}
	resolver := universe.NewResolver(source, store, cfg.Ingest.Timeframe, cfg.Freshness(), logManager.Component("universe"))

	runMode := models.RunModeBackfill
	if mode == "catchup" {
		runMode = models.RunModeCatchup
	}

	pipeline, err := ingest.NewPipeline(store, client, resolver, ingest.Options{
		Timeframe:      cfg.Ingest.Timeframe,
		Mode:           runMode,
		Lookback:       cfg.Lookback(),
		FlushThreshold: cfg.Ingest.FlushThreshold,
		Workers:        cfg.Ingest.Workers,
	}, logManager.Component("ingest"))
	if err != nil {
		log.Error("creating pipeline failed", "error", err)
		return exitConfigError
	}

	report, err := pipeline.Run(ctx)
	if report != nil {
		fmt.Println(report.Summary())
		for _, failure := range report.Failures {
			fmt.Printf("  failed %s: %s\n", failure.Symbol, failure.Reason)
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			log.Warn("run interrupted", "error", err)
			return exitInterrupt
		}
		log.Error("run failed", "error", err)
		return exitRunError
	}
	return exitSuccess
}

func runCleanup(ctx context.Context, f *flags, store storage.BarStore, log *slog.Logger) int {
	if f.retentionDays <= 0 {
		fmt.Fprintln(os.Stderr, "error: cleanup requires -retention-days > 0")
		return exitUsageError
	}

	cutoff := time.Now().Add(-time.Duration(f.retentionDays) * 24 * time.Hour).Unix()
	deleted, err := store.DeleteBarsBefore(ctx, cutoff)
	if err != nil {
		log.Error("cleanup failed", "error", err)
		return exitRunError
	}

	fmt.Printf("deleted %d bars older than %d days\n", deleted, f.retentionDays)
	return exitSuccess
}

func runStatus(ctx context.Context, cfg *config.AppConfig, store storage.BarStore, log *slog.Logger) int {
	stats, err := store.Stats(ctx)
	if err != nil {
		log.Error("reading store stats failed", "error", err)
		return exitRunError
	}

	fmt.Printf("bars:     %d\n", stats.TotalBars)
	fmt.Printf("symbols:  %d\n", stats.TotalSymbols)
	if stats.TotalBars > 0 {
		fmt.Printf("earliest: %s\n", time.Unix(stats.EarliestBar, 0).UTC().Format(time.RFC3339))
		fmt.Printf("latest:   %s\n", time.Unix(stats.LatestBar, 0).UTC().Format(time.RFC3339))
	}

	// Report runs for every timeframe with stored data; the configured
	// timeframe is included even when its first run has not landed bars yet.
	timeframes, err := store.GetTimeframes(ctx)
	if err != nil {
		log.Error("reading stored timeframes failed", "error", err)
		return exitRunError
	}
	if !slices.Contains(timeframes, cfg.Ingest.Timeframe) {
		timeframes = append(timeframes, cfg.Ingest.Timeframe)
		slices.Sort(timeframes)
	}

	for _, timeframe := range timeframes {
		for _, mode := range []models.RunMode{models.RunModeBackfill, models.RunModeCatchup} {
			run, err := store.GetLatestRun(ctx, timeframe, mode)
			if err != nil {
				log.Error("reading latest run failed", "timeframe", timeframe, "error", err)
				return exitRunError
			}
			if run == nil {
				continue
			}
			fmt.Printf("last %s %s: %s at %s (%d rows)\n",
				timeframe, run.Mode, run.Status,
				time.Unix(run.StartedAt, 0).UTC().Format(time.RFC3339),
				run.InsertedRows)
		}
	}
	return exitSuccess
}
