package benchmark

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pauljones0/pricefeed/internal/config"
	"github.com/pauljones0/pricefeed/internal/metrics"
	"github.com/pauljones0/pricefeed/internal/models"
)

// fakeInsightStore keeps insight rows keyed like the insights table: at most one active row
// per dedupe key; a dismissed row is never refreshed but is deactivated once its finding clears.
type fakeInsightStore struct {
	listings      map[string][]models.ListingView
	opportunities []models.Benchmark
	rows          []*models.Insight
	nextID        int

	oppMinSellers, oppLimit int
}

func newFakeInsightStore() *fakeInsightStore {
	return &fakeInsightStore{listings: make(map[string][]models.ListingView)}
}

func (f *fakeInsightStore) ActiveListings(_ context.Context, sellerID string) ([]models.ListingView, error) {
	return f.listings[sellerID], nil
}

func (f *fakeInsightStore) StockOpportunities(_ context.Context, _ string, minSellers, limit int) ([]models.Benchmark, error) {
	f.oppMinSellers, f.oppLimit = minSellers, limit
	if len(f.opportunities) > limit {
		return f.opportunities[:limit], nil
	}
	return f.opportunities, nil
}

func (f *fakeInsightStore) active(key string) *models.Insight {
	for _, r := range f.rows {
		if r.Active && r.DedupeKey() == key {
			return r
		}
	}
	return nil
}

func (f *fakeInsightStore) UpsertInsights(_ context.Context, insights []models.Insight, _ int) (int, error) {
	written := 0
	for _, in := range insights {
		if existing := f.active(in.DedupeKey()); existing != nil {
			if existing.Dismissed {
				continue
			}
			existing.Confidence = in.Confidence
			existing.Message = in.Message
			existing.DeltaPercent = in.DeltaPercent
			existing.UpdatedAt = in.UpdatedAt
			written++
			continue
		}
		f.nextID++
		row := in
		row.ID = fmt.Sprintf("i-%d", f.nextID)
		f.rows = append(f.rows, &row)
		written++
	}
	return written, nil
}

func (f *fakeInsightStore) DeactivateInsightsExcept(_ context.Context, sellerID string, keep []string) (int64, error) {
	keepSet := make(map[string]bool, len(keep))
	for _, k := range keep {
		keepSet[k] = true
	}
	var n int64
	for _, r := range f.rows {
		if r.SellerID == sellerID && r.Active && !keepSet[r.DedupeKey()] {
			r.Active = false
			n++
		}
	}
	return n, nil
}

func (f *fakeInsightStore) activeRows() []*models.Insight {
	var out []*models.Insight
	for _, r := range f.rows {
		if r.Active {
			out = append(out, r)
		}
	}
	return out
}

func benchmarkAt(median string, sellers int) *models.Benchmark {
	return &models.Benchmark{
		CanonicalProductID: "p-1",
		Median:             d(median),
		SellerCount:        sellers,
		SampleSize:         sellers,
		Confidence:         models.ConfidenceMedium,
	}
}

func TestCompareListing(t *testing.T) {
	cfg := config.DefaultBenchmarkConfig()

	tests := []struct {
		name     string
		price    string
		bench    *models.Benchmark
		wantType models.InsightType
		wantConf models.Confidence
	}{
		{"high band overpriced", "11.50", benchmarkAt("10", 3), models.InsightOverpriced, models.ConfidenceHigh},
		{"high band underpriced", "8.50", benchmarkAt("10", 3), models.InsightUnderpriced, models.ConfidenceHigh},
		{"high band needs three sellers", "11.50", benchmarkAt("10", 2), models.InsightOverpriced, models.ConfidenceMedium},
		{"medium band edge", "10.80", benchmarkAt("10", 2), models.InsightOverpriced, models.ConfidenceMedium},
		{"inside the band", "10.79", benchmarkAt("10", 5), "", ""},
		{"unusable benchmark", "20", &models.Benchmark{Median: d("10"), SellerCount: 1, Confidence: models.ConfidenceNone}, "", ""},
		{"no benchmark", "20", nil, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := models.ListingView{SellerSKU: "sku-1", Title: "9mm 115gr FMJ", Price: d(tt.price), CanonicalProductID: "p-1", Benchmark: tt.bench}
			got := CompareListing("s-1", l, cfg)
			if tt.wantType == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.wantType, got.Type)
			assert.Equal(t, tt.wantConf, got.Confidence)
			assert.True(t, got.BenchmarkPrice.Equal(tt.bench.Median))
			assert.True(t, got.PriceDelta.Equal(d(tt.price).Sub(tt.bench.Median)))
		})
	}

	t.Run("delta percent is rounded for storage", func(t *testing.T) {
		l := models.ListingView{SellerSKU: "sku-1", Price: d("14"), CanonicalProductID: "p-1", Benchmark: benchmarkAt("10.5", 4)}
		got := CompareListing("s-1", l, cfg)
		require.NotNil(t, got)
		assert.Equal(t, "33.33", got.DeltaPercent.String())
	})

	t.Run("unmatched listing is an attribute gap", func(t *testing.T) {
		l := models.ListingView{SellerSKU: "sku-2", Title: "Mystery ammo", Price: d("19.99"), NeedsReview: true, ReviewReason: "missing attributes: grain"}
		got := CompareListing("s-1", l, cfg)
		require.NotNil(t, got)
		assert.Equal(t, models.InsightAttributeGap, got.Type)
		assert.Equal(t, "sku-2", got.ListingSKU)
		assert.Contains(t, got.Message, "missing attributes: grain")
	})

	t.Run("unmatched listing without review is ignored", func(t *testing.T) {
		assert.Nil(t, CompareListing("s-1", models.ListingView{SellerSKU: "sku-3"}, cfg))
	})
}

func TestStockOpportunity(t *testing.T) {
	in := StockOpportunity("s-1", models.Benchmark{CanonicalProductID: "p-9", Median: d("12"), SellerCount: 4, Confidence: models.ConfidenceHigh})
	assert.Equal(t, models.InsightStockOpportunity, in.Type)
	assert.Equal(t, models.ConfidenceHigh, in.Confidence)
	assert.Equal(t, "p-9", in.CanonicalProductID)
	assert.Empty(t, in.ListingSKU)
}

func newTestInsightEngine(store InsightStore, sink metrics.Sink) *InsightEngine {
	g := NewInsightEngine(store, config.DefaultBenchmarkConfig(), 50, sink)
	g.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return g
}

func TestGenerate(t *testing.T) {
	ctx := context.Background()

	t.Run("regeneration is idempotent", func(t *testing.T) {
		store := newFakeInsightStore()
		store.listings["s-1"] = []models.ListingView{
			{SellerSKU: "sku-1", Price: d("12"), CanonicalProductID: "p-1", Benchmark: benchmarkAt("10", 3)},
			{SellerSKU: "sku-2", NeedsReview: true, ReviewReason: "ambiguous: 2 candidate products"},
		}
		store.opportunities = []models.Benchmark{{CanonicalProductID: "p-9", Median: d("20"), SellerCount: 3, Confidence: models.ConfidenceMedium}}
		g := newTestInsightEngine(store, nil)

		first, err := g.Generate(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, 3, first.Emitted)
		ids := make(map[string]string)
		for _, r := range store.activeRows() {
			ids[r.DedupeKey()] = r.ID
		}

		second, err := g.Generate(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, int64(0), second.Deactivated)
		require.Len(t, store.activeRows(), 3)
		for _, r := range store.activeRows() {
			assert.Equal(t, ids[r.DedupeKey()], r.ID, "row for %s was recreated", r.DedupeKey())
		}
		assert.Equal(t, stockOpportunitySellers, store.oppMinSellers)
		assert.Equal(t, config.DefaultBenchmarkConfig().StockOpportunityLimit, store.oppLimit)
	})

	t.Run("resolved finding is deactivated", func(t *testing.T) {
		store := newFakeInsightStore()
		store.listings["s-1"] = []models.ListingView{
			{SellerSKU: "sku-1", Price: d("12"), CanonicalProductID: "p-1", Benchmark: benchmarkAt("10", 3)},
		}
		sink := metrics.NewCollector()
		g := newTestInsightEngine(store, sink)

		_, err := g.Generate(ctx, "s-1")
		require.NoError(t, err)
		require.Len(t, store.activeRows(), 1)

		store.listings["s-1"][0].Price = d("10.20")
		res, err := g.Generate(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), res.Deactivated)
		assert.Empty(t, store.activeRows())
		assert.Equal(t, int64(1), sink.Counter(metrics.InsightsDeactivated))
	})

	t.Run("dismissed finding is not raised again", func(t *testing.T) {
		store := newFakeInsightStore()
		store.listings["s-1"] = []models.ListingView{
			{SellerSKU: "sku-1", Price: d("12"), CanonicalProductID: "p-1", Benchmark: benchmarkAt("10", 3)},
		}
		g := newTestInsightEngine(store, nil)

		_, err := g.Generate(ctx, "s-1")
		require.NoError(t, err)
		store.rows[0].Dismissed = true

		res, err := g.Generate(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, 0, res.Upserted)
		assert.Len(t, store.rows, 1)
		assert.True(t, store.rows[0].Active)
	})

	t.Run("dismissed finding that clears and recurs is raised again", func(t *testing.T) {
		store := newFakeInsightStore()
		store.listings["s-1"] = []models.ListingView{
			{SellerSKU: "sku-1", Price: d("12"), CanonicalProductID: "p-1", Benchmark: benchmarkAt("10", 3)},
		}
		g := newTestInsightEngine(store, nil)

		_, err := g.Generate(ctx, "s-1")
		require.NoError(t, err)
		store.rows[0].Dismissed = true

		store.listings["s-1"][0].Price = d("10")
		res, err := g.Generate(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), res.Deactivated)
		assert.Empty(t, store.activeRows())

		store.listings["s-1"][0].Price = d("12")
		res, err = g.Generate(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, 1, res.Upserted)
		active := store.activeRows()
		require.Len(t, active, 1)
		assert.False(t, active[0].Dismissed)
		assert.NotEqual(t, store.rows[0].ID, active[0].ID)
	})

	t.Run("no listings clears everything", func(t *testing.T) {
		store := newFakeInsightStore()
		store.rows = []*models.Insight{{ID: "i-old", SellerID: "s-1", Type: models.InsightOverpriced, Active: true}}
		g := newTestInsightEngine(store, nil)

		res, err := g.Generate(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, 0, res.Emitted)
		assert.Equal(t, int64(1), res.Deactivated)
	})
}

// Prices flow from observations through the benchmark into a seller insight.
func TestBenchmarkToInsight(t *testing.T) {
	ctx := context.Background()
	priceStore := newFakePriceStore()
	e := newTestEngine(priceStore, nil)
	insights := newFakeInsightStore()
	g := newTestInsightEngine(insights, nil)

	priceStore.add("p-1", obs([]string{"s-1", "s-2", "s-3"}, "9", "10", "11")...)
	b, err := e.RecalculateProduct(ctx, "p-1")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.True(t, b.Median.Equal(d("10")))
	assert.Equal(t, models.ConfidenceMedium, b.Confidence)

	priceStore.add("p-1", obs([]string{"s-4"}, "14")...)
	b, err = e.RecalculateProduct(ctx, "p-1")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.True(t, b.Median.Equal(d("10.5")), b.Median.String())
	assert.Equal(t, 4, b.SellerCount)

	insights.listings["s-4"] = []models.ListingView{
		{SellerSKU: "fed-9-50", Title: "Federal 9mm 115gr FMJ", Price: d("14"), CanonicalProductID: "p-1", Benchmark: b},
	}
	res, err := g.Generate(ctx, "s-4")
	require.NoError(t, err)
	require.Equal(t, 1, res.Emitted)

	got := insights.activeRows()[0]
	assert.Equal(t, models.InsightOverpriced, got.Type)
	assert.Equal(t, models.ConfidenceHigh, got.Confidence)
	assert.Equal(t, "33.33", got.DeltaPercent.String())
}
