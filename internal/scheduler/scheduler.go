// Package scheduler claims due feeds and turns them into ingestion jobs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pauljones0/pricefeed/internal/config"
	"github.com/pauljones0/pricefeed/internal/metrics"
	"github.com/pauljones0/pricefeed/internal/models"
	"github.com/pauljones0/pricefeed/internal/queue"
	"github.com/pauljones0/pricefeed/internal/util"
)

// Store is the part of the feed store the scheduler drives.
type Store interface {
	ClaimDueFeeds(ctx context.Context, now time.Time, limit int, nextRun func(models.Feed) time.Time) ([]models.ClaimedFeed, error)
	ManualPendingFeeds(ctx context.Context, limit int) ([]models.Feed, error)
	CreateManualRun(ctx context.Context, feed models.Feed, now time.Time) (string, error)
	FailRun(ctx context.Context, id, message string, needsReview bool, now time.Time, failureLimit int, grace time.Duration) error
	PurgeRuns(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// Queue is the part of the job queue the scheduler drives.
type Queue interface {
	Enqueue(ctx context.Context, kind queue.Kind, key string, payload any) (bool, error)
	InFlight(ctx context.Context, kind queue.Kind, fields map[string]string) (bool, error)
	ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error)
	Purge(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// TickResult summarizes one tick.
type TickResult struct {
	Claimed        int
	Enqueued       int
	EnqueueFailed  int
	ManualEnqueued int
	ManualSkipped  int
}

// CleanupResult summarizes one cleanup pass.
type CleanupResult struct {
	RunsPurged    int64
	JobsReclaimed int64
	JobsPurged    int64
}

type Scheduler struct {
	store   Store
	queue   Queue
	cfg     config.SchedulerConfig
	metrics metrics.Sink
	now     func() time.Time
}

func New(store Store, q Queue, cfg config.SchedulerConfig, sink metrics.Sink) *Scheduler {
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &Scheduler{store: store, queue: q, cfg: cfg, metrics: sink, now: time.Now}
}

// NextRunAt advances from the previously scheduled time so runs do not drift with claim
// latency. A schedule that has fallen behind restarts from now.
func NextRunAt(feed models.Feed, now time.Time) time.Time {
	interval := feed.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	next := feed.NextRunAt.Add(interval)
	if !next.After(now) {
		return now.Add(interval)
	}
	return next
}

func (s *Scheduler) retryPolicy() util.Policy {
	return util.Policy{
		MaxRetries: s.cfg.RetryMaxAttempts,
		BaseDelay:  s.cfg.RetryBaseDelay,
		MaxDelay:   30 * time.Second,
		Retryable:  util.IsRetryable,
	}
}

// Tick claims due feeds and enqueues one ingestion job per claim, then handles manual runs.
// Per-feed failures are logged and do not stop the tick. The returned error is only set when
// claiming itself failed after retries.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	start := s.now()
	defer func() { s.metrics.Timing(metrics.TickDuration, time.Since(start)) }()

	var res TickResult
	var claimed []models.ClaimedFeed
	err := util.Retry(ctx, s.retryPolicy(), func(attempt int) error {
		var err error
		claimed, err = s.store.ClaimDueFeeds(ctx, start, s.cfg.ClaimLimit, func(f models.Feed) time.Time {
			return NextRunAt(f, start)
		})
		if err != nil && attempt > 0 {
			slog.Warn("Claim attempt failed", "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil {
		return res, fmt.Errorf("failed to claim due feeds: %w", err)
	}
	res.Claimed = len(claimed)
	s.metrics.Incr(metrics.FeedsClaimed, int64(len(claimed)))

	for _, c := range claimed {
		payload := queue.IngestFeed{FeedID: c.Feed.ID, RunID: c.RunID, Trigger: models.TriggerScheduled}
		if err := s.enqueueIngest(ctx, c.Feed.ID, payload); err != nil {
			// The claim already committed. The feed waits for its next window rather than
			// risking a duplicate run.
			res.EnqueueFailed++
			s.metrics.Incr(metrics.EnqueueFailures, 1)
			slog.Error("Failed to enqueue claimed feed", "feed_id", c.Feed.ID, "run_id", c.RunID, "error", err)
			s.abandonRun(ctx, c.RunID, err)
			continue
		}
		res.Enqueued++
		slog.Info("Feed claimed", "feed_id", c.Feed.ID, "run_id", c.RunID,
			"scheduled_for", c.ScheduledFor, "next_run_at", c.NextRunAt)
	}

	manual, skipped := s.runManual(ctx)
	res.ManualEnqueued = manual
	res.ManualSkipped = skipped

	slog.Info("Tick finished", "claimed", res.Claimed, "enqueued", res.Enqueued,
		"enqueue_failed", res.EnqueueFailed, "manual_enqueued", res.ManualEnqueued,
		"manual_skipped", res.ManualSkipped, "duration", time.Since(start))
	return res, nil
}

func (s *Scheduler) enqueueIngest(ctx context.Context, feedID string, payload queue.IngestFeed) error {
	key := queue.IngestKey(feedID, s.now())
	return util.Retry(ctx, s.retryPolicy(), func(int) error {
		_, err := s.queue.Enqueue(ctx, queue.KindIngestFeed, key, payload)
		return err
	})
}

func (s *Scheduler) abandonRun(ctx context.Context, runID string, cause error) {
	msg := fmt.Sprintf("enqueue failed: %v", cause)
	if err := s.store.FailRun(ctx, runID, msg, false, s.now(), 0, 0); err != nil {
		slog.Error("Failed to mark abandoned run", "run_id", runID, "error", err)
	}
}

// runManual enqueues feeds flagged for a manual run unless one is already in flight.
func (s *Scheduler) runManual(ctx context.Context) (enqueued, skipped int) {
	feeds, err := s.store.ManualPendingFeeds(ctx, s.cfg.ClaimLimit)
	if err != nil {
		slog.Error("Failed to list manual runs", "error", err)
		return 0, 0
	}

	for _, feed := range feeds {
		busy, err := s.queue.InFlight(ctx, queue.KindIngestFeed, map[string]string{
			"feedId":  feed.ID,
			"trigger": string(models.TriggerManual),
		})
		if err != nil {
			slog.Error("Failed to check in-flight manual run", "feed_id", feed.ID, "error", err)
			continue
		}
		if busy {
			skipped++
			s.metrics.Incr(metrics.ManualRunsSkipped, 1)
			slog.Info("Manual run already in flight", "feed_id", feed.ID)
			continue
		}

		runID, err := s.store.CreateManualRun(ctx, feed, s.now())
		if errors.Is(err, models.ErrAlreadyClaimed) {
			skipped++
			s.metrics.Incr(metrics.ManualRunsSkipped, 1)
			continue
		}
		if err != nil {
			slog.Error("Failed to create manual run", "feed_id", feed.ID, "error", err)
			continue
		}

		payload := queue.IngestFeed{FeedID: feed.ID, RunID: runID, Trigger: models.TriggerManual}
		if err := s.enqueueIngest(ctx, feed.ID, payload); err != nil {
			s.metrics.Incr(metrics.EnqueueFailures, 1)
			slog.Error("Failed to enqueue manual run", "feed_id", feed.ID, "run_id", runID, "error", err)
			s.abandonRun(ctx, runID, err)
			continue
		}
		enqueued++
		s.metrics.Incr(metrics.ManualRunsEnqueued, 1)
		slog.Info("Manual run enqueued", "feed_id", feed.ID, "run_id", runID)
	}
	return enqueued, skipped
}

// Cleanup purges terminal runs past retention in bounded batches, reclaims jobs a crashed
// worker left running and purges finished jobs.
func (s *Scheduler) Cleanup(ctx context.Context) (CleanupResult, error) {
	var res CleanupResult
	cutoff := s.now().Add(-s.cfg.RunRetention)
	batch := s.cfg.CleanupBatchSize
	if batch <= 0 {
		batch = 500
	}

	for {
		n, err := s.store.PurgeRuns(ctx, cutoff, batch)
		if err != nil {
			return res, fmt.Errorf("failed to purge runs: %w", err)
		}
		res.RunsPurged += n
		if n < int64(batch) {
			break
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
	}
	s.metrics.Incr(metrics.RunsPurged, res.RunsPurged)

	reclaimed, err := s.queue.ReclaimStale(ctx, s.cfg.StaleJobAfter)
	if err != nil {
		return res, fmt.Errorf("failed to reclaim stale jobs: %w", err)
	}
	res.JobsReclaimed = reclaimed
	s.metrics.Incr(metrics.JobsReclaimed, reclaimed)

	for {
		n, err := s.queue.Purge(ctx, cutoff, batch)
		if err != nil {
			return res, fmt.Errorf("failed to purge jobs: %w", err)
		}
		res.JobsPurged += n
		if n < int64(batch) {
			break
		}
	}

	slog.Info("Cleanup finished", "runs_purged", res.RunsPurged, "jobs_reclaimed", res.JobsReclaimed,
		"jobs_purged", res.JobsPurged)
	return res, nil
}
