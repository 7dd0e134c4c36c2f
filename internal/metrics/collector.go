// Package metrics provides the counters and timings workers report through an injected sink.
package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Sink receives counters and timings. Each worker gets one through its constructor.
type Sink interface {
	Incr(name string, delta int64)
	Timing(name string, d time.Duration)
}

// Counter and timing names reported by the pipeline.
const (
	FeedsClaimed        = "scheduler.feeds_claimed"
	ManualRunsEnqueued  = "scheduler.manual_runs_enqueued"
	ManualRunsSkipped   = "scheduler.manual_runs_skipped"
	EnqueueFailures     = "scheduler.enqueue_failures"
	RunsPurged          = "scheduler.runs_purged"
	JobsReclaimed       = "scheduler.jobs_reclaimed"
	TickDuration        = "scheduler.tick"
	BreakerPassed       = "breaker.passed"
	BreakerBlocked      = "breaker.blocked"
	BreakerBypassed     = "breaker.bypassed"
	RecordsSkipped      = "matcher.records_skipped"
	RecordsMatched      = "matcher.records_matched"
	ProductsCreated     = "matcher.products_created"
	RecordsNeedReview   = "matcher.records_need_review"
	MatchDuration       = "matcher.match"
	BenchmarksWritten   = "benchmark.written"
	BenchmarksSkipped   = "benchmark.skipped"
	InsightsUpserted    = "insights.upserted"
	InsightsDeactivated = "insights.deactivated"
	JobsSucceeded       = "worker.jobs_succeeded"
	JobsFailed          = "worker.jobs_failed"
	JobDuration         = "worker.job"
	NotificationsFailed = "notifier.failed"
)

// Nop discards everything.
type Nop struct{}

func (Nop) Incr(string, int64)           {}
func (Nop) Timing(string, time.Duration) {}

// TimingStats holds aggregated timings for one name.
type TimingStats struct {
	Count   int64
	TotalMs int64
	MinMs   int64
	MaxMs   int64
	AvgMs   float64
}

// Snapshot is a point-in-time copy of a collector.
type Snapshot struct {
	UptimeSeconds float64                `json:"uptimeSeconds"`
	Counters      map[string]int64       `json:"counters"`
	Timings       map[string]TimingStats `json:"timings"`
}

type timing struct {
	count int64
	total time.Duration
	min   time.Duration
	max   time.Duration
}

// Collector aggregates in-memory counters and timings.
// All methods are thread-safe.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	counters  map[string]int64
	timings   map[string]*timing
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		counters:  make(map[string]int64),
		timings:   make(map[string]*timing),
	}
}

func (c *Collector) Incr(name string, delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[name] += delta
}

func (c *Collector) Timing(name string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.timings[name]
	if !ok {
		t = &timing{min: time.Duration(math.MaxInt64)}
		c.timings[name] = t
	}
	t.count++
	t.total += d
	if d < t.min {
		t.min = d
	}
	if d > t.max {
		t.max = d
	}
}

// Counter returns the current value of a counter.
func (c *Collector) Counter(name string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters[name]
}

// Names returns the sorted counter names that have been reported.
func (c *Collector) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.counters))
	for n := range c.counters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		UptimeSeconds: time.Since(c.startTime).Seconds(),
		Counters:      make(map[string]int64, len(c.counters)),
		Timings:       make(map[string]TimingStats, len(c.timings)),
	}
	for k, v := range c.counters {
		snap.Counters[k] = v
	}
	for k, t := range c.timings {
		snap.Timings[k] = TimingStats{
			Count:   t.count,
			TotalMs: t.total.Milliseconds(),
			MinMs:   t.min.Milliseconds(),
			MaxMs:   t.max.Milliseconds(),
			AvgMs:   float64(t.total.Milliseconds()) / float64(t.count),
		}
	}
	return snap
}
