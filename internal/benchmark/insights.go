package benchmark

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pauljones0/pricefeed/internal/config"
	"github.com/pauljones0/pricefeed/internal/metrics"
	"github.com/pauljones0/pricefeed/internal/models"
)

// Seller counts a benchmark needs before a price band applies.
const (
	highBandSellers         = 3
	mediumBandSellers       = 2
	stockOpportunitySellers = 3
)

var hundred = decimal.NewFromInt(100)

// InsightStore is the listing and insight access the insight engine needs.
type InsightStore interface {
	ActiveListings(ctx context.Context, sellerID string) ([]models.ListingView, error)
	StockOpportunities(ctx context.Context, sellerID string, minSellers, limit int) ([]models.Benchmark, error)
	UpsertInsights(ctx context.Context, insights []models.Insight, batchSize int) (int, error)
	DeactivateInsightsExcept(ctx context.Context, sellerID string, keep []string) (int64, error)
}

// InsightResult summarizes one generation pass for a seller.
type InsightResult struct {
	Emitted     int
	Upserted    int
	Deactivated int64
}

type InsightEngine struct {
	store     InsightStore
	cfg       config.BenchmarkConfig
	batchSize int
	metrics   metrics.Sink
	now       func() time.Time
}

func NewInsightEngine(store InsightStore, cfg config.BenchmarkConfig, batchSize int, sink metrics.Sink) *InsightEngine {
	if sink == nil {
		sink = metrics.Nop{}
	}
	if batchSize <= 0 {
		batchSize = 200
	}
	return &InsightEngine{store: store, cfg: cfg, batchSize: batchSize, metrics: sink, now: time.Now}
}

// DeltaPercent is (price - median) / median * 100.
func DeltaPercent(price, median decimal.Decimal) decimal.Decimal {
	if !median.IsPositive() {
		return decimal.Zero
	}
	return price.Sub(median).Mul(hundred).Div(median)
}

// CompareListing evaluates one active listing. It returns nil when the listing is priced
// inside the band or has nothing to compare against.
func CompareListing(sellerID string, l models.ListingView, cfg config.BenchmarkConfig) *models.Insight {
	if l.CanonicalProductID == "" {
		if !l.NeedsReview {
			return nil
		}
		reason := l.ReviewReason
		if reason == "" {
			reason = "listing could not be matched"
		}
		return &models.Insight{
			SellerID:    sellerID,
			Type:        models.InsightAttributeGap,
			ListingSKU:  l.SellerSKU,
			Confidence:  models.ConfidenceMedium,
			Message:     fmt.Sprintf("Listing %q could not be matched to a catalog product: %s", l.Title, reason),
			SellerPrice: l.Price,
		}
	}

	b := l.Benchmark
	if b == nil || !b.Usable() {
		return nil
	}

	delta := DeltaPercent(l.Price, b.Median)
	abs := delta.Abs()
	high := decimal.NewFromFloat(cfg.HighBandPercent)
	medium := decimal.NewFromFloat(cfg.MediumBandPercent)

	var confidence models.Confidence
	switch {
	case abs.GreaterThanOrEqual(high) && b.SellerCount >= highBandSellers:
		confidence = models.ConfidenceHigh
	case abs.GreaterThanOrEqual(medium) && b.SellerCount >= mediumBandSellers:
		confidence = models.ConfidenceMedium
	default:
		return nil
	}

	typ, direction := models.InsightOverpriced, "above"
	if delta.IsNegative() {
		typ, direction = models.InsightUnderpriced, "below"
	}
	return &models.Insight{
		SellerID:           sellerID,
		Type:               typ,
		CanonicalProductID: l.CanonicalProductID,
		ListingSKU:         l.SellerSKU,
		Confidence:         confidence,
		Message: fmt.Sprintf("%q is priced %s%% %s the market median of %s across %d sellers",
			l.Title, abs.StringFixed(1), direction, b.Median.StringFixed(2), b.SellerCount),
		SellerPrice:    l.Price,
		BenchmarkPrice: b.Median,
		PriceDelta:     l.Price.Sub(b.Median),
		DeltaPercent:   delta.Round(2),
	}
}

// StockOpportunity turns a benchmark for a product the seller does not list into an insight.
func StockOpportunity(sellerID string, b models.Benchmark) models.Insight {
	confidence := models.ConfidenceMedium
	if b.Confidence == models.ConfidenceHigh {
		confidence = models.ConfidenceHigh
	}
	return models.Insight{
		SellerID:           sellerID,
		Type:               models.InsightStockOpportunity,
		CanonicalProductID: b.CanonicalProductID,
		Confidence:         confidence,
		Message: fmt.Sprintf("%d sellers stock product %s at a median of %s; you do not list it",
			b.SellerCount, b.CanonicalProductID, b.Median.StringFixed(2)),
		BenchmarkPrice: b.Median,
	}
}

// Generate re-evaluates the seller's insights: emits the current set, upserts it and
// deactivates the seller's earlier insights that were not emitted again.
func (g *InsightEngine) Generate(ctx context.Context, sellerID string) (InsightResult, error) {
	listings, err := g.store.ActiveListings(ctx, sellerID)
	if err != nil {
		return InsightResult{}, err
	}
	now := g.now()

	var insights []models.Insight
	for _, l := range listings {
		if in := CompareListing(sellerID, l, g.cfg); in != nil {
			insights = append(insights, *in)
		}
	}

	if g.cfg.StockOpportunityLimit > 0 {
		opportunities, err := g.store.StockOpportunities(ctx, sellerID, stockOpportunitySellers, g.cfg.StockOpportunityLimit)
		if err != nil {
			return InsightResult{}, err
		}
		for _, b := range opportunities {
			insights = append(insights, StockOpportunity(sellerID, b))
		}
	}

	keep := make([]string, 0, len(insights))
	for i := range insights {
		insights[i].Active = true
		insights[i].CreatedAt = now
		insights[i].UpdatedAt = now
		keep = append(keep, insights[i].DedupeKey())
	}

	res := InsightResult{Emitted: len(insights)}
	if len(insights) > 0 {
		res.Upserted, err = g.store.UpsertInsights(ctx, insights, g.batchSize)
		if err != nil {
			return res, err
		}
	}
	res.Deactivated, err = g.store.DeactivateInsightsExcept(ctx, sellerID, keep)
	if err != nil {
		return res, err
	}

	g.metrics.Incr(metrics.InsightsUpserted, int64(res.Upserted))
	g.metrics.Incr(metrics.InsightsDeactivated, res.Deactivated)
	slog.Info("Insights generated", "seller_id", sellerID, "listings", len(listings),
		"emitted", res.Emitted, "upserted", res.Upserted, "deactivated", res.Deactivated)
	return res, nil
}
