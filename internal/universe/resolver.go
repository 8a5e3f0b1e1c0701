// Package universe resolves the set of symbols an ingestion run operates on
// and classifies each by freshness, so runs skip symbols whose stored data is
// already recent enough.
package universe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/stonxx/barhoard/internal/marketdata"
	"github.com/stonxx/barhoard/internal/storage"
)

// Source produces the candidate symbol list for a run. Both implementations
// return uppercase symbols in ascending order with no duplicates.
type Source interface {
	Symbols(ctx context.Context) ([]string, error)
}

// APISource lists symbols from the remote trading API, filtered to active,
// tradable assets on the target exchange.
type APISource struct {
	lister   marketdata.AssetLister
	exchange string
}

// NewAPISource creates a Source backed by the remote assets endpoint.
func NewAPISource(lister marketdata.AssetLister, exchange string) *APISource {
	return &APISource{lister: lister, exchange: exchange}
}

// Symbols implements Source.
func (s *APISource) Symbols(ctx context.Context) ([]string, error) {
	assets, err := s.lister.ListAssets(ctx, marketdata.AssetFilter{
		Status:     "active",
		Exchange:   s.exchange,
		AssetClass: "us_equity",
	})
	if err != nil {
		return nil, fmt.Errorf("listing assets: %w", err)
	}

	symbols := make([]string, 0, len(assets))
	for _, a := range assets {
		if !a.IsActive() || !a.Tradable {
			continue
		}
		symbols = append(symbols, a.Symbol)
	}
	sort.Strings(symbols)
	return symbols, nil
}

// StaticSource serves a fixed symbol list, normalized to uppercase with
// duplicates removed.
type StaticSource struct {
	symbols []string
}

// NewStaticSource creates a Source from an explicit symbol list.
func NewStaticSource(symbols []string) *StaticSource {
	seen := make(map[string]bool, len(symbols))
	normalized := make([]string, 0, len(symbols))
	for _, s := range symbols {
		sym := strings.ToUpper(strings.TrimSpace(s))
		if sym == "" || seen[sym] {
			continue
		}
		seen[sym] = true
		normalized = append(normalized, sym)
	}
	sort.Strings(normalized)
	return &StaticSource{symbols: normalized}
}

// Symbols implements Source.
func (s *StaticSource) Symbols(ctx context.Context) ([]string, error) {
	out := make([]string, len(s.symbols))
	copy(out, s.symbols)
	return out, nil
}

// Target is one symbol with its freshness classification for a run.
type Target struct {
	Symbol string

	// Fresh means the latest stored bar falls within the freshness window
	// of now; the pipeline skips fresh targets.
	Fresh bool

	// LatestTimestamp is the epoch seconds of the newest stored bar, or 0
	// when the symbol has no data.
	LatestTimestamp int64
}

// Resolver combines a symbol Source with stored-data freshness lookups.
type Resolver struct {
	source    Source
	reader    storage.BarReader
	timeframe string
	freshness time.Duration
	logger    *slog.Logger

	// now is stubbed in tests.
	now func() time.Time
}

// NewResolver creates a Resolver. A freshness of zero disables skipping: every
// symbol resolves as stale.
func NewResolver(source Source, reader storage.BarReader, timeframe string, freshness time.Duration, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Resolver{
		source:    source,
		reader:    reader,
		timeframe: timeframe,
		freshness: freshness,
		logger:    logger,
		now:       time.Now,
	}
}

// Resolve produces the run targets. A symbol is fresh when its latest stored
// bar is newer than now minus the freshness window; a bar exactly at the
// boundary counts as stale.
func (r *Resolver) Resolve(ctx context.Context) ([]Target, error) {
	symbols, err := r.source.Symbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving symbol universe: %w", err)
	}

	cutoff := r.now().Add(-r.freshness).Unix()

	targets := make([]Target, 0, len(symbols))
	fresh := 0
	for _, sym := range symbols {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		latest, err := r.reader.GetLatestBar(ctx, sym, r.timeframe)
		if err != nil {
			return nil, fmt.Errorf("checking latest bar for %s: %w", sym, err)
		}

		t := Target{Symbol: sym}
		if latest != nil {
			t.LatestTimestamp = latest.Timestamp
			t.Fresh = r.freshness > 0 && latest.Timestamp > cutoff
		}
		if t.Fresh {
			fresh++
		}
		targets = append(targets, t)
	}

	r.logger.Info("universe resolved",
		"timeframe", r.timeframe,
		"symbols", len(targets),
		"fresh", fresh)
	return targets, nil
}
