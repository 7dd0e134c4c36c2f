package benchmark

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pauljones0/pricefeed/internal/config"
	"github.com/pauljones0/pricefeed/internal/metrics"
	"github.com/pauljones0/pricefeed/internal/models"
)

// Store is the price data the benchmark engine reads and the benchmarks it writes.
type Store interface {
	EligibleObservations(ctx context.Context, productID string, since, now time.Time) ([]models.PriceObservation, error)
	ObservedProductIDs(ctx context.Context, since time.Time) ([]string, error)
	UpsertBenchmark(ctx context.Context, b models.Benchmark) error
	DeleteBenchmark(ctx context.Context, productID string) (bool, error)
}

// RecalcResult summarizes a recalculation.
type RecalcResult struct {
	Written int
	Skipped int
	// Cleared counts stale benchmarks removed because their data no longer supports them.
	Cleared int
}

type Engine struct {
	store       Store
	cfg         config.BenchmarkConfig
	concurrency int
	metrics     metrics.Sink
	now         func() time.Time
}

func NewEngine(store Store, cfg config.BenchmarkConfig, concurrency int, sink metrics.Sink) *Engine {
	if sink == nil {
		sink = metrics.Nop{}
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Engine{store: store, cfg: cfg, concurrency: concurrency, metrics: sink, now: time.Now}
}

// Compute builds a benchmark from eligible observations. It returns false when the data does
// not support one.
func Compute(productID string, obs []models.PriceObservation, cfg config.BenchmarkConfig, now time.Time) (models.Benchmark, bool) {
	if len(obs) == 0 {
		return models.Benchmark{}, false
	}
	clean := RemoveOutliers(obs, cfg.IQRMultiplier)
	sellers := distinctSellers(clean)
	confidence := Classify(sellers, len(clean))
	if confidence == models.ConfidenceNone {
		return models.Benchmark{}, false
	}

	s := Summarize(clean)
	return models.Benchmark{
		CanonicalProductID: productID,
		Min:                s.Min,
		Median:             s.Median,
		Max:                s.Max,
		Avg:                s.Avg,
		SellerCount:        sellers,
		SampleSize:         s.Count,
		Confidence:         confidence,
		SourceMix:          SourceMixOf(clean),
		ComputedAt:         now,
	}, true
}

// RecalculateProduct overwrites one product's benchmark. A product whose data no longer
// supports a benchmark has any stale one removed; it returns nil and no error.
func (e *Engine) RecalculateProduct(ctx context.Context, productID string) (*models.Benchmark, error) {
	b, _, err := e.recalculate(ctx, productID)
	return b, err
}

func (e *Engine) recalculate(ctx context.Context, productID string) (*models.Benchmark, bool, error) {
	now := e.now()
	obs, err := e.store.EligibleObservations(ctx, productID, now.Add(-e.cfg.Lookback), now)
	if err != nil {
		return nil, false, err
	}

	b, ok := Compute(productID, obs, e.cfg, now)
	if !ok {
		cleared, err := e.store.DeleteBenchmark(ctx, productID)
		return nil, cleared, err
	}
	if err := e.store.UpsertBenchmark(ctx, b); err != nil {
		return nil, false, err
	}
	return &b, false, nil
}

// Recalculate recomputes the listed products concurrently. The first store error cancels the
// rest and is returned.
func (e *Engine) Recalculate(ctx context.Context, productIDs []string) (RecalcResult, error) {
	var (
		mu  sync.Mutex
		res RecalcResult
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for _, id := range dedupe(productIDs) {
		g.Go(func() error {
			b, cleared, err := e.recalculate(ctx, id)
			if err != nil {
				return fmt.Errorf("recalculate %s: %w", id, err)
			}
			mu.Lock()
			defer mu.Unlock()
			if b == nil {
				res.Skipped++
				if cleared {
					res.Cleared++
				}
				return nil
			}
			res.Written++
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	e.metrics.Incr(metrics.BenchmarksWritten, int64(res.Written))
	e.metrics.Incr(metrics.BenchmarksSkipped, int64(res.Skipped))
	slog.Info("Benchmarks recalculated", "products", len(productIDs), "written", res.Written,
		"skipped", res.Skipped, "cleared", res.Cleared)
	return res, nil
}

// RecalculateAll recomputes every product observed inside the lookback window and every
// product still carrying a benchmark.
func (e *Engine) RecalculateAll(ctx context.Context) (RecalcResult, error) {
	ids, err := e.store.ObservedProductIDs(ctx, e.now().Add(-e.cfg.Lookback))
	if err != nil {
		return RecalcResult{}, err
	}
	return e.Recalculate(ctx, ids)
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
