package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/pauljones0/pricefeed/internal/models"
	"github.com/pauljones0/pricefeed/internal/util"
)

const benchmarkColumns = `canonical_product_id, min_price, median_price, max_price, avg_price, seller_count,
	sample_size, confidence, source_mix, computed_at`

func scanBenchmark(row pgx.CollectableRow) (models.Benchmark, error) {
	var b models.Benchmark
	var confidence, mix string
	err := row.Scan(&b.CanonicalProductID, &b.Min, &b.Median, &b.Max, &b.Avg, &b.SellerCount, &b.SampleSize,
		&confidence, &mix, &b.ComputedAt)
	b.Confidence = models.Confidence(confidence)
	b.SourceMix = models.SourceMix(mix)
	return b, err
}

// InsertObservations appends price observations in bounded batches. A point already recorded
// for the same seller, product, source and time is skipped, so replays add nothing.
func (s *Store) InsertObservations(ctx context.Context, obs []models.PriceObservation, batchSize int) error {
	for _, c := range chunks(len(obs), batchSize) {
		err := s.runInTx(ctx, func(tx pgx.Tx) error {
			b := &pgx.Batch{}
			for _, o := range obs[c[0]:c[1]] {
				source := o.Source
				if source == "" {
					source = models.SourceSeller
				}
				b.Queue(`
					INSERT INTO price_observations (seller_id, canonical_product_id, price, in_stock, source, observed_at)
					VALUES ($1, $2, $3, $4, $5, $6)
					ON CONFLICT (seller_id, canonical_product_id, source, observed_at) DO NOTHING`,
					o.SellerID, o.CanonicalProductID, o.Price, o.InStock, string(source), o.ObservedAt)
			}
			return sendBatch(ctx, tx, b)
		})
		if err != nil {
			return fmt.Errorf("failed to insert observations: %w", err)
		}
	}
	return nil
}

// EligibleObservations returns in-stock observations for a product since the cutoff. Seller
// snapshots count only while the seller is active or inside its grace window; harvested
// observations always count.
func (s *Store) EligibleObservations(ctx context.Context, productID string, since, now time.Time) ([]models.PriceObservation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT o.seller_id, o.canonical_product_id, o.price, o.in_stock, o.source, o.observed_at
		FROM price_observations o
		LEFT JOIN sellers s ON s.id = o.seller_id
		WHERE o.canonical_product_id = $1
		  AND o.observed_at >= $2
		  AND o.in_stock
		  AND (o.source = 'harvested'
		       OR s.standing = 'active'
		       OR (s.standing = 'grace' AND s.grace_until > $3))
		ORDER BY o.observed_at`, productID, since, now)
	if err != nil {
		return nil, fmt.Errorf("failed to load observations for %s: %w", productID, util.WrapUnavailable(err))
	}
	obs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.PriceObservation, error) {
		var o models.PriceObservation
		var source string
		err := row.Scan(&o.SellerID, &o.CanonicalProductID, &o.Price, &o.InStock, &source, &o.ObservedAt)
		o.Source = models.ObservationSource(source)
		return o, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan observations for %s: %w", productID, util.WrapUnavailable(err))
	}
	return obs, nil
}

// ObservedProductIDs lists products with any observation since the cutoff, plus products that
// still carry a benchmark so stale ones get cleared.
func (s *Store) ObservedProductIDs(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT canonical_product_id FROM price_observations WHERE observed_at >= $1
		UNION
		SELECT canonical_product_id FROM benchmarks
		ORDER BY 1`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list observed products: %w", util.WrapUnavailable(err))
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan observed products: %w", util.WrapUnavailable(err))
	}
	return ids, nil
}

// UpsertBenchmark overwrites the product's benchmark.
func (s *Store) UpsertBenchmark(ctx context.Context, b models.Benchmark) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO benchmarks (`+benchmarkColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (canonical_product_id) DO UPDATE SET
			min_price = EXCLUDED.min_price, median_price = EXCLUDED.median_price,
			max_price = EXCLUDED.max_price, avg_price = EXCLUDED.avg_price,
			seller_count = EXCLUDED.seller_count, sample_size = EXCLUDED.sample_size,
			confidence = EXCLUDED.confidence, source_mix = EXCLUDED.source_mix,
			computed_at = EXCLUDED.computed_at`,
		b.CanonicalProductID, b.Min, b.Median, b.Max, b.Avg, b.SellerCount, b.SampleSize,
		string(b.Confidence), string(b.SourceMix), b.ComputedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert benchmark %s: %w", b.CanonicalProductID, util.WrapUnavailable(err))
	}
	return nil
}

// DeleteBenchmark removes a benchmark that is no longer supported by data.
func (s *Store) DeleteBenchmark(ctx context.Context, productID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM benchmarks WHERE canonical_product_id = $1`, productID)
	if err != nil {
		return false, fmt.Errorf("failed to delete benchmark %s: %w", productID, util.WrapUnavailable(err))
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) GetBenchmark(ctx context.Context, productID string) (*models.Benchmark, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+benchmarkColumns+" FROM benchmarks WHERE canonical_product_id = $1", productID)
	if err != nil {
		return nil, fmt.Errorf("failed to get benchmark %s: %w", productID, util.WrapUnavailable(err))
	}
	b, err := pgx.CollectExactlyOneRow(rows, scanBenchmark)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan benchmark %s: %w", productID, err)
	}
	return &b, nil
}

// SellersListing returns the sellers with an active, mapped listing of any of the products.
// With no products it returns every seller with an active, mapped listing.
func (s *Store) SellersListing(ctx context.Context, productIDs []string) ([]string, error) {
	if productIDs == nil {
		productIDs = []string{}
	}
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT m.seller_id
		FROM mappings m
		JOIN raw_records r ON r.seller_id = m.seller_id AND r.seller_sku = m.seller_sku AND r.active
		WHERE m.canonical_product_id IS NOT NULL
		  AND (cardinality($1::text[]) = 0 OR m.canonical_product_id = ANY($1))
		ORDER BY 1`, productIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to list sellers for products: %w", util.WrapUnavailable(err))
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan sellers for products: %w", util.WrapUnavailable(err))
	}
	return ids, nil
}

// nullableBenchmark scans the columns of a LEFT JOINed benchmark.
type nullableBenchmark struct {
	productID   *string
	min         decimal.NullDecimal
	median      decimal.NullDecimal
	max         decimal.NullDecimal
	avg         decimal.NullDecimal
	sellerCount *int
	sampleSize  *int
	confidence  *string
	sourceMix   *string
	computedAt  *time.Time
}

func (n nullableBenchmark) toModel() *models.Benchmark {
	if n.productID == nil {
		return nil
	}
	b := &models.Benchmark{
		CanonicalProductID: *n.productID,
		Min:                n.min.Decimal,
		Median:             n.median.Decimal,
		Max:                n.max.Decimal,
		Avg:                n.avg.Decimal,
	}
	if n.sellerCount != nil {
		b.SellerCount = *n.sellerCount
	}
	if n.sampleSize != nil {
		b.SampleSize = *n.sampleSize
	}
	if n.confidence != nil {
		b.Confidence = models.Confidence(*n.confidence)
	}
	if n.sourceMix != nil {
		b.SourceMix = models.SourceMix(*n.sourceMix)
	}
	if n.computedAt != nil {
		b.ComputedAt = *n.computedAt
	}
	return b
}
