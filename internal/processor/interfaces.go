package processor

import (
	"context"
	"time"

	"github.com/pauljones0/pricefeed/internal/benchmark"
	"github.com/pauljones0/pricefeed/internal/breaker"
	"github.com/pauljones0/pricefeed/internal/matcher"
	"github.com/pauljones0/pricefeed/internal/models"
	"github.com/pauljones0/pricefeed/internal/queue"
	"github.com/pauljones0/pricefeed/internal/scheduler"
	"github.com/pauljones0/pricefeed/internal/storage"
)

// RunStore abstracts the run lifecycle and listing storage the pipeline handlers use.
type RunStore interface {
	GetRun(ctx context.Context, id string) (*models.FeedRun, error)
	GetFeed(ctx context.Context, id string) (*models.Feed, error)
	StartRun(ctx context.Context, id string, now time.Time) error
	FailRun(ctx context.Context, id, message string, needsReview bool, now time.Time, failureLimit int, grace time.Duration) error
	StageRecords(ctx context.Context, runID, sellerID string, records []models.RawRecord, observedAt time.Time, batchSize int) (storage.StageResult, error)
	PromoteRun(ctx context.Context, runID, sellerID string, now time.Time) (models.RunCounts, []string, error)
	SetRunChunks(ctx context.Context, id string, chunks int) error
	CompleteChunk(ctx context.Context, id, chunkKey string, counts models.RunCounts, now time.Time) (bool, error)
	SucceedRun(ctx context.Context, id string, now time.Time) error
	LoadRecords(ctx context.Context, ids []string) ([]models.RawRecord, error)
	InsertObservations(ctx context.Context, obs []models.PriceObservation, batchSize int) error
	SellersListing(ctx context.Context, productIDs []string) ([]string, error)
}

// Enqueuer abstracts the job queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind queue.Kind, key string, payload any) (bool, error)
}

// Fetcher is the fetch/parse collaborator that turns a feed into raw records.
type Fetcher interface {
	Fetch(ctx context.Context, feed models.Feed, runID string) (*models.FetchResult, error)
}

// Gate decides whether a staged run may be promoted.
type Gate interface {
	Check(ctx context.Context, run models.FeedRun, feedName string, m models.RunMetrics) breaker.Decision
}

// RecordMatcher resolves raw records to canonical products and persists the mappings.
type RecordMatcher interface {
	Match(ctx context.Context, sellerID string, records []models.RawRecord) (matcher.Result, error)
}

// Recalculator rebuilds benchmarks.
type Recalculator interface {
	Recalculate(ctx context.Context, productIDs []string) (benchmark.RecalcResult, error)
	RecalculateAll(ctx context.Context) (benchmark.RecalcResult, error)
}

// InsightGenerator re-evaluates one seller's insights.
type InsightGenerator interface {
	Generate(ctx context.Context, sellerID string) (benchmark.InsightResult, error)
}

// Ticker claims due feeds.
type Ticker interface {
	Tick(ctx context.Context) (scheduler.TickResult, error)
}
