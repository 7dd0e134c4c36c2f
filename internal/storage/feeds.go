package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pauljones0/pricefeed/internal/models"
	"github.com/pauljones0/pricefeed/internal/util"
)

const feedColumns = `id, seller_id, name, access_url, format, interval_seconds, enabled, status,
	last_run_at, next_run_at, manual_run_pending, consecutive_failed, created_at, updated_at`

const runColumns = `id, feed_id, seller_id, trigger, status, needs_review, seen_count, matched_count,
	created_count, review_count, expired_count, error_message, created_at, started_at, finished_at`

func scanFeed(row pgx.CollectableRow) (models.Feed, error) {
	var f models.Feed
	var intervalSeconds int64
	var st string
	err := row.Scan(&f.ID, &f.SellerID, &f.Name, &f.AccessURL, &f.Format, &intervalSeconds, &f.Enabled, &st,
		&f.LastRunAt, &f.NextRunAt, &f.ManualRunPending, &f.ConsecutiveFailed, &f.CreatedAt, &f.UpdatedAt)
	f.Interval = time.Duration(intervalSeconds) * time.Second
	f.Status = models.FeedStatus(st)
	return f, err
}

func scanRun(row pgx.CollectableRow) (models.FeedRun, error) {
	var r models.FeedRun
	var trigger, st string
	err := row.Scan(&r.ID, &r.FeedID, &r.SellerID, &trigger, &st, &r.NeedsReview, &r.SeenCount, &r.MatchedCount,
		&r.CreatedCount, &r.ReviewCount, &r.ExpiredCount, &r.ErrorMessage, &r.CreatedAt, &r.StartedAt, &r.FinishedAt)
	r.Trigger = models.Trigger(trigger)
	r.Status = models.RunStatus(st)
	return r, err
}

// UpsertSeller creates or renames a seller, leaving its standing untouched.
func (s *Store) UpsertSeller(ctx context.Context, seller models.Seller) error {
	standing := seller.Standing
	if standing == "" {
		standing = models.StandingActive
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sellers (id, name, standing, grace_until) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, updated_at = now()`,
		seller.ID, seller.Name, standing, seller.GraceUntil)
	if err != nil {
		return fmt.Errorf("failed to upsert seller %s: %w", seller.ID, util.WrapUnavailable(err))
	}
	return nil
}

// SetSellerStanding changes a seller's standing. graceUntil is only meaningful for grace.
func (s *Store) SetSellerStanding(ctx context.Context, sellerID, standing string, graceUntil *time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sellers SET standing = $2, grace_until = $3, updated_at = now() WHERE id = $1`,
		sellerID, standing, graceUntil)
	if err != nil {
		return fmt.Errorf("failed to set standing for seller %s: %w", sellerID, util.WrapUnavailable(err))
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// CreateFeed inserts a feed. Empty ID and zero NextRunAt are filled in.
func (s *Store) CreateFeed(ctx context.Context, f models.Feed) (string, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.Status == "" {
		f.Status = models.FeedStatusEnabled
	}
	if f.NextRunAt.IsZero() {
		f.NextRunAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO feeds (id, seller_id, name, access_url, format, interval_seconds, enabled, status, next_run_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		f.ID, f.SellerID, f.Name, f.AccessURL, f.Format, int64(f.Interval/time.Second), f.Enabled, string(f.Status), f.NextRunAt)
	if err != nil {
		return "", fmt.Errorf("failed to create feed %s: %w", f.Name, util.WrapUnavailable(err))
	}
	return f.ID, nil
}

func (s *Store) GetFeed(ctx context.Context, id string) (*models.Feed, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+feedColumns+" FROM feeds WHERE id = $1", id)
	if err != nil {
		return nil, fmt.Errorf("failed to get feed %s: %w", id, util.WrapUnavailable(err))
	}
	f, err := pgx.CollectExactlyOneRow(rows, scanFeed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan feed %s: %w", id, err)
	}
	return &f, nil
}

// SetFeedEnabled enables or pauses a feed. Enabling also clears a failed status and the
// failure streak.
func (s *Store) SetFeedEnabled(ctx context.Context, id string, enabled bool) error {
	st := models.FeedStatusPaused
	if enabled {
		st = models.FeedStatusEnabled
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE feeds SET enabled = $2, status = $3,
			consecutive_failed = CASE WHEN $2 THEN 0 ELSE consecutive_failed END, updated_at = now()
		WHERE id = $1`, id, enabled, string(st))
	if err != nil {
		return fmt.Errorf("failed to update feed %s: %w", id, util.WrapUnavailable(err))
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// RequestManualRun flags a feed for an operator-triggered run.
func (s *Store) RequestManualRun(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE feeds SET manual_run_pending = true, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to request manual run for feed %s: %w", id, util.WrapUnavailable(err))
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ClaimDueFeeds locks up to limit due feeds, skipping rows another scheduler holds, advances
// each feed's next run with nextRun and creates a pending run for it. All of it commits
// together or not at all.
func (s *Store) ClaimDueFeeds(ctx context.Context, now time.Time, limit int, nextRun func(models.Feed) time.Time) ([]models.ClaimedFeed, error) {
	var claimed []models.ClaimedFeed
	err := s.runInTx(ctx, func(tx pgx.Tx) error {
		claimed = claimed[:0]
		f := NewFilter().
			IsTrue("enabled").
			Eq("status", string(models.FeedStatusEnabled)).
			AtOrBefore("next_run_at", now).
			IsFalse("manual_run_pending")
		query := "SELECT " + feedColumns + " FROM feeds" + f.Where() +
			" ORDER BY next_run_at LIMIT " + f.Arg(limit) + " FOR UPDATE SKIP LOCKED"

		rows, err := tx.Query(ctx, query, f.Args()...)
		if err != nil {
			return fmt.Errorf("select due feeds: %w", util.WrapUnavailable(err))
		}
		feeds, err := pgx.CollectRows(rows, scanFeed)
		if err != nil {
			return fmt.Errorf("scan due feeds: %w", util.WrapUnavailable(err))
		}

		b := &pgx.Batch{}
		for _, feed := range feeds {
			next := nextRun(feed)
			runID := uuid.NewString()
			b.Queue(`UPDATE feeds SET next_run_at = $2, updated_at = $3 WHERE id = $1`, feed.ID, next, now)
			b.Queue(`INSERT INTO feed_runs (id, feed_id, seller_id, trigger, status, created_at)
				VALUES ($1, $2, $3, $4, 'pending', $5)`,
				runID, feed.ID, feed.SellerID, string(models.TriggerScheduled), now)
			claimed = append(claimed, models.ClaimedFeed{
				Feed:         feed,
				RunID:        runID,
				ScheduledFor: feed.NextRunAt,
				NextRunAt:    next,
			})
		}
		if err := sendBatch(ctx, tx, b); err != nil {
			return fmt.Errorf("advance claimed feeds: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ManualPendingFeeds lists enabled feeds with a manual run requested.
func (s *Store) ManualPendingFeeds(ctx context.Context, limit int) ([]models.Feed, error) {
	f := NewFilter().IsTrue("manual_run_pending").IsTrue("enabled")
	rows, err := s.pool.Query(ctx, "SELECT "+feedColumns+" FROM feeds"+f.Where()+" ORDER BY updated_at LIMIT "+f.Arg(limit), f.Args()...)
	if err != nil {
		return nil, fmt.Errorf("failed to list manual feeds: %w", util.WrapUnavailable(err))
	}
	feeds, err := pgx.CollectRows(rows, scanFeed)
	if err != nil {
		return nil, fmt.Errorf("failed to scan manual feeds: %w", util.WrapUnavailable(err))
	}
	return feeds, nil
}

// CreateManualRun clears the feed's manual flag and creates a pending manual run.
func (s *Store) CreateManualRun(ctx context.Context, feed models.Feed, now time.Time) (string, error) {
	runID := uuid.NewString()
	err := s.runInTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE feeds SET manual_run_pending = false, updated_at = $2 WHERE id = $1 AND manual_run_pending`,
			feed.ID, now)
		if err != nil {
			return fmt.Errorf("clear manual flag: %w", util.WrapUnavailable(err))
		}
		if tag.RowsAffected() == 0 {
			return models.ErrAlreadyClaimed
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO feed_runs (id, feed_id, seller_id, trigger, status, created_at)
			VALUES ($1, $2, $3, $4, 'pending', $5)`,
			runID, feed.ID, feed.SellerID, string(models.TriggerManual), now)
		if err != nil {
			return fmt.Errorf("insert manual run: %w", util.WrapUnavailable(err))
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return runID, nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*models.FeedRun, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+runColumns+" FROM feed_runs WHERE id = $1", id)
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", id, util.WrapUnavailable(err))
	}
	r, err := pgx.CollectExactlyOneRow(rows, scanRun)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run %s: %w", id, err)
	}
	return &r, nil
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	FeedID      string
	Status      models.RunStatus
	NeedsReview bool
	Limit       int
}

func (s *Store) ListRuns(ctx context.Context, rf RunFilter) ([]models.FeedRun, error) {
	f := NewFilter()
	if rf.FeedID != "" {
		f.Eq("feed_id", rf.FeedID)
	}
	if rf.Status != "" {
		f.Eq("status", string(rf.Status))
	}
	if rf.NeedsReview {
		f.IsTrue("needs_review")
	}
	limit := rf.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, "SELECT "+runColumns+" FROM feed_runs"+f.Where()+" ORDER BY created_at DESC LIMIT "+f.Arg(limit), f.Args()...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", util.WrapUnavailable(err))
	}
	runs, err := pgx.CollectRows(rows, scanRun)
	if err != nil {
		return nil, fmt.Errorf("failed to scan runs: %w", util.WrapUnavailable(err))
	}
	return runs, nil
}

// StartRun moves a pending run to running. Runs in any other state are left alone and
// ErrAlreadyClaimed is returned.
func (s *Store) StartRun(ctx context.Context, id string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE feed_runs SET status = 'running', started_at = $2 WHERE id = $1 AND status = 'pending'`, id, now)
	if err != nil {
		return fmt.Errorf("failed to start run %s: %w", id, util.WrapUnavailable(err))
	}
	if tag.RowsAffected() == 0 {
		return models.ErrAlreadyClaimed
	}
	return nil
}

// FailRun marks a run failed and updates the feed's failure streak. Once the streak reaches
// failureLimit the feed is moved to failed and its seller, if active, enters grace until
// now+grace.
func (s *Store) FailRun(ctx context.Context, id, message string, needsReview bool, now time.Time, failureLimit int, grace time.Duration) error {
	return s.runInTx(ctx, func(tx pgx.Tx) error {
		var feedID, sellerID string
		err := tx.QueryRow(ctx, `
			UPDATE feed_runs SET status = 'failed', needs_review = $2, error_message = $3, finished_at = $4
			WHERE id = $1 AND status NOT IN ('succeeded', 'failed')
			RETURNING feed_id, seller_id`, id, needsReview, message, now).Scan(&feedID, &sellerID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("fail run %s: %w", id, util.WrapUnavailable(err))
		}

		var streak int
		err = tx.QueryRow(ctx, `
			UPDATE feeds SET consecutive_failed = consecutive_failed + 1, last_run_at = $2, updated_at = $2
			WHERE id = $1 RETURNING consecutive_failed`, feedID, now).Scan(&streak)
		if err != nil {
			return fmt.Errorf("record feed failure %s: %w", feedID, util.WrapUnavailable(err))
		}
		if failureLimit <= 0 || streak < failureLimit {
			return nil
		}

		b := &pgx.Batch{}
		b.Queue(`UPDATE feeds SET status = 'failed', updated_at = $2 WHERE id = $1`, feedID, now)
		b.Queue(`UPDATE sellers SET standing = 'grace', grace_until = $2, updated_at = $3
			WHERE id = $1 AND standing = 'active'`, sellerID, now.Add(grace), now)
		return sendBatch(ctx, tx, b)
	})
}

// SetRunChunks records how many match chunks must finish before the run succeeds. Chunks
// already completed by an earlier attempt are not waited for again.
func (s *Store) SetRunChunks(ctx context.Context, id string, chunks int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE feed_runs SET pending_chunks = GREATEST($2 - (SELECT count(*) FROM run_chunks WHERE run_id = $1), 0)
		WHERE id = $1`, id, chunks)
	if err != nil {
		return fmt.Errorf("failed to set chunks for run %s: %w", id, util.WrapUnavailable(err))
	}
	return nil
}

// CompleteChunk adds one chunk's counts to the run. Each chunk key counts once; completing a
// chunk again changes nothing and reports whether the run has already succeeded. When it was
// the last chunk the run succeeds, the feed's failure streak resets and a seller in grace
// returns to active.
func (s *Store) CompleteChunk(ctx context.Context, id, chunkKey string, counts models.RunCounts, now time.Time) (bool, error) {
	var done bool
	err := s.runInTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO run_chunks (run_id, chunk_key, completed_at) VALUES ($1, $2, $3)
			ON CONFLICT (run_id, chunk_key) DO NOTHING`, id, chunkKey, now)
		if err != nil {
			return fmt.Errorf("record chunk %s of run %s: %w", chunkKey, id, util.WrapUnavailable(err))
		}
		if tag.RowsAffected() == 0 {
			err := tx.QueryRow(ctx, `SELECT status = 'succeeded' FROM feed_runs WHERE id = $1`, id).Scan(&done)
			if errors.Is(err, pgx.ErrNoRows) {
				return models.ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("load run %s: %w", id, util.WrapUnavailable(err))
			}
			return nil
		}

		var pending int
		var feedID, sellerID string
		err = tx.QueryRow(ctx, `
			UPDATE feed_runs SET
				matched_count = matched_count + $2,
				created_count = created_count + $3,
				review_count = review_count + $4,
				pending_chunks = GREATEST(pending_chunks - 1, 0)
			WHERE id = $1 AND status = 'running'
			RETURNING pending_chunks, feed_id, seller_id`,
			id, counts.Matched, counts.Created, counts.Review).Scan(&pending, &feedID, &sellerID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("complete chunk for run %s: %w", id, util.WrapUnavailable(err))
		}
		if pending > 0 {
			return nil
		}
		done = true
		return s.succeedRun(ctx, tx, id, feedID, sellerID, now)
	})
	return done, err
}

// SucceedRun finishes a run that had nothing to match.
func (s *Store) SucceedRun(ctx context.Context, id string, now time.Time) error {
	return s.runInTx(ctx, func(tx pgx.Tx) error {
		var feedID, sellerID string
		err := tx.QueryRow(ctx, `SELECT feed_id, seller_id FROM feed_runs WHERE id = $1`, id).Scan(&feedID, &sellerID)
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load run %s: %w", id, util.WrapUnavailable(err))
		}
		return s.succeedRun(ctx, tx, id, feedID, sellerID, now)
	})
}

func (s *Store) succeedRun(ctx context.Context, tx pgx.Tx, id, feedID, sellerID string, now time.Time) error {
	b := &pgx.Batch{}
	b.Queue(`UPDATE feed_runs SET status = 'succeeded', finished_at = $2 WHERE id = $1`, id, now)
	b.Queue(`UPDATE feeds SET consecutive_failed = 0, last_run_at = $2, updated_at = $2 WHERE id = $1`, feedID, now)
	b.Queue(`UPDATE sellers SET standing = 'active', grace_until = NULL, updated_at = $2
		WHERE id = $1 AND standing = 'grace'`, sellerID, now)
	if err := sendBatch(ctx, tx, b); err != nil {
		return fmt.Errorf("succeed run %s: %w", id, err)
	}
	return nil
}

// ClearReview drops the needs-review flag once an operator has handled a blocked run.
func (s *Store) ClearReview(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE feed_runs SET needs_review = false WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to clear review on run %s: %w", id, util.WrapUnavailable(err))
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// PurgeRuns deletes up to limit terminal runs created before cutoff. Runs still awaiting
// review are kept.
func (s *Store) PurgeRuns(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	f := NewFilter().
		In("status", []string{string(models.RunStatusSucceeded), string(models.RunStatusFailed)}).
		Before("created_at", cutoff).
		IsFalse("needs_review")
	query := "DELETE FROM feed_runs WHERE id IN (SELECT id FROM feed_runs" + f.Where() + " LIMIT " + f.Arg(limit) + ")"
	tag, err := s.pool.Exec(ctx, query, f.Args()...)
	if err != nil {
		return 0, fmt.Errorf("failed to purge runs: %w", util.WrapUnavailable(err))
	}
	return tag.RowsAffected(), nil
}
