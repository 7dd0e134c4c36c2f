package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pauljones0/pricefeed/internal/models"
	"github.com/pauljones0/pricefeed/internal/util"
)

const recordColumns = `id, seller_id, seller_sku, identity_source, title, url, price, in_stock, upc, brand,
	caliber, grain, round_count, attributes, seen_run_id, active, first_seen_at, last_seen_at`

// StageResult summarizes a staged run against the live listings of the run's feed.
type StageResult struct {
	ActiveBefore int
	Staged       int
	// Reconfirmed counts staged records that match a currently active listing.
	Reconfirmed int
	Fallback    int
}

// StageRecords writes a run's records to the staging table in bounded transactional batches.
// Live listings are not touched until PromoteRun. The active and reconfirmed counts only cover
// listings last delivered by the run's feed, so a seller's other feeds do not skew the breaker.
func (s *Store) StageRecords(ctx context.Context, runID, sellerID string, records []models.RawRecord, observedAt time.Time, batchSize int) (StageResult, error) {
	var res StageResult
	var feedID string
	err := s.pool.QueryRow(ctx, `SELECT feed_id FROM feed_runs WHERE id = $1`, runID).Scan(&feedID)
	if errors.Is(err, pgx.ErrNoRows) {
		return res, models.ErrNotFound
	}
	if err != nil {
		return res, fmt.Errorf("failed to load run %s: %w", runID, util.WrapUnavailable(err))
	}

	for _, c := range chunks(len(records), batchSize) {
		err := s.runInTx(ctx, func(tx pgx.Tx) error {
			b := &pgx.Batch{}
			for _, r := range records[c[0]:c[1]] {
				attrs := r.Attributes
				if attrs == nil {
					attrs = map[string]string{}
				}
				b.Queue(`
					INSERT INTO raw_record_stage (run_id, seller_id, seller_sku, identity_source, title, url, price,
						in_stock, upc, brand, caliber, grain, round_count, attributes, observed_at, feed_id)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
					ON CONFLICT (run_id, seller_sku) DO UPDATE SET
						identity_source = EXCLUDED.identity_source, title = EXCLUDED.title, url = EXCLUDED.url,
						price = EXCLUDED.price, in_stock = EXCLUDED.in_stock, upc = EXCLUDED.upc,
						brand = EXCLUDED.brand, caliber = EXCLUDED.caliber, grain = EXCLUDED.grain,
						round_count = EXCLUDED.round_count, attributes = EXCLUDED.attributes`,
					runID, sellerID, r.SellerSKU, string(r.IdentitySource), r.Title, r.URL, r.Price,
					r.InStock, r.UPC, r.Brand, r.Caliber, r.Grain, r.RoundCount, attrs, observedAt, feedID)
			}
			return sendBatch(ctx, tx, b)
		})
		if err != nil {
			return res, fmt.Errorf("failed to stage records for run %s: %w", runID, err)
		}
	}

	err = s.pool.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM raw_records WHERE seller_id = $2 AND feed_id = $3 AND active),
			(SELECT count(*) FROM raw_record_stage WHERE run_id = $1),
			(SELECT count(*) FROM raw_record_stage st
				JOIN raw_records r ON r.seller_id = st.seller_id AND r.seller_sku = st.seller_sku
					AND r.feed_id = $3 AND r.active
				WHERE st.run_id = $1),
			(SELECT count(*) FROM raw_record_stage WHERE run_id = $1 AND identity_source = 'fallback')`,
		runID, sellerID, feedID).Scan(&res.ActiveBefore, &res.Staged, &res.Reconfirmed, &res.Fallback)
	if err != nil {
		return res, fmt.Errorf("failed to count staged records for run %s: %w", runID, util.WrapUnavailable(err))
	}
	return res, nil
}

// PromoteRun moves a passed run's staged records into the live listings, expires the feed's
// listings the run did not see and returns the promoted record ids. Listings other feeds of the
// seller delivered are left alone. Promoting again after the
// stage is consumed adds nothing and returns the same ids.
func (s *Store) PromoteRun(ctx context.Context, runID, sellerID string, now time.Time) (models.RunCounts, []string, error) {
	var counts models.RunCounts
	var ids []string
	err := s.runInTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO raw_records (id, seller_id, feed_id, seller_sku, identity_source, title, url, price, in_stock,
				upc, brand, caliber, grain, round_count, attributes, seen_run_id, active, first_seen_at, last_seen_at)
			SELECT gen_random_uuid()::text, seller_id, feed_id, seller_sku, identity_source, title, url, price,
				in_stock, upc, brand, caliber, grain, round_count, attributes, run_id, true, observed_at, observed_at
			FROM raw_record_stage WHERE run_id = $1
			ON CONFLICT (seller_id, seller_sku) DO UPDATE SET
				feed_id = EXCLUDED.feed_id,
				identity_source = EXCLUDED.identity_source, title = EXCLUDED.title, url = EXCLUDED.url,
				price = EXCLUDED.price, in_stock = EXCLUDED.in_stock, upc = EXCLUDED.upc,
				brand = EXCLUDED.brand, caliber = EXCLUDED.caliber, grain = EXCLUDED.grain,
				round_count = EXCLUDED.round_count, attributes = EXCLUDED.attributes,
				seen_run_id = EXCLUDED.seen_run_id, active = true, last_seen_at = EXCLUDED.last_seen_at`,
			runID)
		if err != nil {
			return fmt.Errorf("promote staged records: %w", util.WrapUnavailable(err))
		}
		counts.Seen = int(tag.RowsAffected())

		tag, err = tx.Exec(ctx, `
			UPDATE raw_records SET active = false
			WHERE seller_id = $1 AND active AND seen_run_id <> $2
				AND feed_id = (SELECT feed_id FROM feed_runs WHERE id = $2)`,
			sellerID, runID)
		if err != nil {
			return fmt.Errorf("expire unseen listings: %w", util.WrapUnavailable(err))
		}
		counts.Expired = int(tag.RowsAffected())

		rows, err := tx.Query(ctx, `
			SELECT id FROM raw_records WHERE seller_id = $1 AND seen_run_id = $2 ORDER BY seller_sku`,
			sellerID, runID)
		if err != nil {
			return fmt.Errorf("list promoted records: %w", util.WrapUnavailable(err))
		}
		ids, err = pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("scan promoted records: %w", util.WrapUnavailable(err))
		}

		b := &pgx.Batch{}
		b.Queue(`UPDATE feed_runs SET seen_count = seen_count + $2, expired_count = expired_count + $3 WHERE id = $1`,
			runID, counts.Seen, counts.Expired)
		b.Queue(`DELETE FROM raw_record_stage WHERE run_id = $1`, runID)
		return sendBatch(ctx, tx, b)
	})
	if err != nil {
		return models.RunCounts{}, nil, fmt.Errorf("failed to promote run %s: %w", runID, err)
	}
	return counts, ids, nil
}

// DiscardStage drops the staged records of a run that will never be promoted.
func (s *Store) DiscardStage(ctx context.Context, runID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM raw_record_stage WHERE run_id = $1`, runID)
	if err != nil {
		return 0, fmt.Errorf("failed to discard stage of run %s: %w", runID, util.WrapUnavailable(err))
	}
	return tag.RowsAffected(), nil
}

// LoadRecords returns the live records with the given ids.
func (s *Store) LoadRecords(ctx context.Context, ids []string) ([]models.RawRecord, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+recordColumns+" FROM raw_records WHERE id = ANY($1) ORDER BY seller_sku", ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load records: %w", util.WrapUnavailable(err))
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.RawRecord, error) {
		var r models.RawRecord
		var source string
		err := row.Scan(&r.ID, &r.SellerID, &r.SellerSKU, &source, &r.Title, &r.URL, &r.Price, &r.InStock,
			&r.UPC, &r.Brand, &r.Caliber, &r.Grain, &r.RoundCount, &r.Attributes, &r.SeenRunID, &r.Active,
			&r.FirstSeenAt, &r.LastSeenAt)
		r.IdentitySource = models.IdentitySource(source)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan records: %w", util.WrapUnavailable(err))
	}
	return records, nil
}
