package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pauljones0/pricefeed/internal/models"
	"github.com/pauljones0/pricefeed/internal/util"
)

const insightColumns = `id, seller_id, type, canonical_product_id, listing_sku, confidence, message, seller_price,
	benchmark_price, price_delta, delta_percent, active, dismissed, created_at, updated_at`

// ActiveListings returns the seller's live listings with their mapping and product benchmark.
func (s *Store) ActiveListings(ctx context.Context, sellerID string) ([]models.ListingView, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.seller_sku, r.title, r.price, r.in_stock,
			COALESCE(m.canonical_product_id, ''), COALESCE(m.needs_review, false), COALESCE(m.review_reason, ''),
			COALESCE(m.attributes, '{}'::jsonb),
			b.canonical_product_id, b.min_price, b.median_price, b.max_price, b.avg_price, b.seller_count,
			b.sample_size, b.confidence, b.source_mix, b.computed_at
		FROM raw_records r
		LEFT JOIN mappings m ON m.seller_id = r.seller_id AND m.seller_sku = r.seller_sku
		LEFT JOIN benchmarks b ON b.canonical_product_id = m.canonical_product_id
		WHERE r.seller_id = $1 AND r.active
		ORDER BY r.seller_sku`, sellerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load listings for %s: %w", sellerID, util.WrapUnavailable(err))
	}
	listings, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.ListingView, error) {
		var l models.ListingView
		var bm nullableBenchmark
		err := row.Scan(&l.SellerSKU, &l.Title, &l.Price, &l.InStock, &l.CanonicalProductID, &l.NeedsReview,
			&l.ReviewReason, &l.Attributes,
			&bm.productID, &bm.min, &bm.median, &bm.max, &bm.avg, &bm.sellerCount, &bm.sampleSize,
			&bm.confidence, &bm.sourceMix, &bm.computedAt)
		l.Benchmark = bm.toModel()
		return l, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan listings for %s: %w", sellerID, util.WrapUnavailable(err))
	}
	return listings, nil
}

// StockOpportunities returns benchmarks with at least minSellers sellers for products the
// seller does not list, widest coverage first.
func (s *Store) StockOpportunities(ctx context.Context, sellerID string, minSellers, limit int) ([]models.Benchmark, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+benchmarkColumns+` FROM benchmarks b
		WHERE b.seller_count >= $2 AND b.confidence <> 'NONE'
		  AND NOT EXISTS (
			SELECT 1 FROM mappings m
			JOIN raw_records r ON r.seller_id = m.seller_id AND r.seller_sku = m.seller_sku AND r.active
			WHERE m.seller_id = $1 AND m.canonical_product_id = b.canonical_product_id)
		ORDER BY b.seller_count DESC, b.sample_size DESC, b.canonical_product_id
		LIMIT $3`, sellerID, minSellers, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load stock opportunities for %s: %w", sellerID, util.WrapUnavailable(err))
	}
	out, err := pgx.CollectRows(rows, scanBenchmark)
	if err != nil {
		return nil, fmt.Errorf("failed to scan stock opportunities for %s: %w", sellerID, util.WrapUnavailable(err))
	}
	return out, nil
}

// UpsertInsights creates or refreshes insights by dedupe key. While an active insight is
// dismissed its finding is neither updated nor raised again. It returns the number of rows written.
func (s *Store) UpsertInsights(ctx context.Context, insights []models.Insight, batchSize int) (int, error) {
	written := 0
	for _, c := range chunks(len(insights), batchSize) {
		err := s.runInTx(ctx, func(tx pgx.Tx) error {
			b := &pgx.Batch{}
			for _, in := range insights[c[0]:c[1]] {
				id := in.ID
				if id == "" {
					id = uuid.NewString()
				}
				b.Queue(`
					INSERT INTO insights (id, seller_id, type, canonical_product_id, listing_sku, dedupe_key, confidence,
						message, seller_price, benchmark_price, price_delta, delta_percent, active, dismissed,
						created_at, updated_at)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, true, false, $13, $13)
					ON CONFLICT (dedupe_key) WHERE active DO UPDATE SET
						confidence = EXCLUDED.confidence, message = EXCLUDED.message,
						seller_price = EXCLUDED.seller_price, benchmark_price = EXCLUDED.benchmark_price,
						price_delta = EXCLUDED.price_delta, delta_percent = EXCLUDED.delta_percent,
						updated_at = EXCLUDED.updated_at
					WHERE NOT insights.dismissed`,
					id, in.SellerID, string(in.Type), in.CanonicalProductID, in.ListingSKU, in.DedupeKey(),
					string(in.Confidence), in.Message, in.SellerPrice, in.BenchmarkPrice, in.PriceDelta,
					in.DeltaPercent, in.UpdatedAt)
			}
			br := tx.SendBatch(ctx, b)
			for i := 0; i < b.Len(); i++ {
				tag, err := br.Exec()
				if err != nil {
					_ = br.Close()
					return util.WrapUnavailable(err)
				}
				written += int(tag.RowsAffected())
			}
			return br.Close()
		})
		if err != nil {
			return written, fmt.Errorf("failed to upsert insights: %w", err)
		}
	}
	return written, nil
}

// DeactivateInsightsExcept deactivates the seller's active insights whose key is not in keep.
// Dismissed insights are included: once the finding clears, a later recurrence is a new insight.
func (s *Store) DeactivateInsightsExcept(ctx context.Context, sellerID string, keep []string) (int64, error) {
	if keep == nil {
		keep = []string{}
	}
	f := NewFilter().Eq("seller_id", sellerID).IsTrue("active").NotIn("dedupe_key", keep)
	tag, err := s.pool.Exec(ctx, "UPDATE insights SET active = false, updated_at = now()"+f.Where(), f.Args()...)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate insights for %s: %w", sellerID, util.WrapUnavailable(err))
	}
	return tag.RowsAffected(), nil
}

// DismissInsight hides an insight from the seller without deactivating it, so the same
// finding is not raised again until it clears.
func (s *Store) DismissInsight(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE insights SET dismissed = true, updated_at = now() WHERE id = $1 AND active`, id)
	if err != nil {
		return fmt.Errorf("failed to dismiss insight %s: %w", id, util.WrapUnavailable(err))
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ActiveInsights lists the seller's active insights.
func (s *Store) ActiveInsights(ctx context.Context, sellerID string) ([]models.Insight, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+insightColumns+" FROM insights WHERE seller_id = $1 AND active ORDER BY type, canonical_product_id, listing_sku", sellerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list insights for %s: %w", sellerID, util.WrapUnavailable(err))
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Insight, error) {
		var in models.Insight
		var typ, confidence string
		err := row.Scan(&in.ID, &in.SellerID, &typ, &in.CanonicalProductID, &in.ListingSKU, &confidence, &in.Message,
			&in.SellerPrice, &in.BenchmarkPrice, &in.PriceDelta, &in.DeltaPercent, &in.Active, &in.Dismissed,
			&in.CreatedAt, &in.UpdatedAt)
		in.Type = models.InsightType(typ)
		in.Confidence = models.Confidence(confidence)
		return in, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan insights for %s: %w", sellerID, util.WrapUnavailable(err))
	}
	return out, nil
}
