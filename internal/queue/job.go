package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pauljones0/pricefeed/internal/models"
)

// Kind names a job type. Workers subscribe to kinds.
type Kind string

const (
	KindScheduleTick     Kind = "schedule_tick"
	KindIngestFeed       Kind = "ingest_feed"
	KindRunCircuitCheck  Kind = "run_circuit_check"
	KindMatchRecords     Kind = "match_records"
	KindRecalcBenchmark  Kind = "recalc_benchmark"
	KindGenerateInsights Kind = "generate_insights"
)

// Status is the lifecycle state of a queued job.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusDead    Status = "dead"
)

// Job is a dequeued unit of work.
type Job struct {
	ID          string
	Kind        Kind
	Key         string
	Payload     json.RawMessage
	Status      Status
	Attempts    int
	MaxAttempts int
	RunAt       time.Time
	LastError   string
	CreatedAt   time.Time
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	if len(j.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("%w: decode %s payload: %v", models.ErrPermanent, j.Kind, err)
	}
	return nil
}

// ScheduleTick asks the scheduler to claim due feeds.
type ScheduleTick struct{}

// IngestFeed is handed to the fetch/parse collaborator for one claimed run.
type IngestFeed struct {
	FeedID  string         `json:"feedId"`
	RunID   string         `json:"runId"`
	Trigger models.Trigger `json:"trigger"`
}

// RunCircuitCheck gates promotion of a staged run.
type RunCircuitCheck struct {
	RunID   string            `json:"runId"`
	Metrics models.RunMetrics `json:"metrics"`
}

// MatchRecords resolves one chunk of a promoted run's records.
type MatchRecords struct {
	SellerID     string   `json:"sellerId"`
	RunID        string   `json:"runId"`
	RawRecordIDs []string `json:"rawRecordIds"`
}

// RecalcBenchmark recomputes benchmarks for the listed products, or for every product when
// FullRecalc is set.
type RecalcBenchmark struct {
	CanonicalProductIDs []string `json:"canonicalProductIds,omitempty"`
	FullRecalc          bool     `json:"fullRecalc,omitempty"`
}

// GenerateInsights re-evaluates a seller's insights.
type GenerateInsights struct {
	SellerID string `json:"sellerId"`
}

// TickKey dedupes ticks requested within the same minute.
func TickKey(at time.Time) string {
	return "tick:" + at.UTC().Truncate(time.Minute).Format(time.RFC3339)
}

// IngestKey derives the ingestion job key from the feed and the enqueue time.
func IngestKey(feedID string, enqueuedAt time.Time) string {
	return fmt.Sprintf("ingest:%s:%d", feedID, enqueuedAt.UnixMilli())
}

func CircuitKey(runID string) string {
	return "circuit:" + runID
}

func MatchKey(runID string, chunk int) string {
	return fmt.Sprintf("match:%s:%d", runID, chunk)
}

func RecalcKey(scope string) string {
	return "recalc:" + scope
}

// InsightsKey buckets insight generation per seller so repeated requests inside one bucket
// collapse into a single queued job.
func InsightsKey(sellerID string, at time.Time, bucket time.Duration) string {
	if bucket <= 0 {
		bucket = time.Hour
	}
	return fmt.Sprintf("insights:%s:%d", sellerID, at.UTC().Truncate(bucket).Unix())
}
