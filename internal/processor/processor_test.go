package processor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pauljones0/pricefeed/internal/benchmark"
	"github.com/pauljones0/pricefeed/internal/breaker"
	"github.com/pauljones0/pricefeed/internal/config"
	"github.com/pauljones0/pricefeed/internal/matcher"
	"github.com/pauljones0/pricefeed/internal/models"
	"github.com/pauljones0/pricefeed/internal/queue"
	"github.com/pauljones0/pricefeed/internal/scheduler"
	"github.com/pauljones0/pricefeed/internal/storage"
)

// --- Mock implementations ---

type failCall struct {
	runID       string
	message     string
	needsReview bool
}

type mockStore struct {
	runs    map[string]*models.FeedRun
	feeds   map[string]*models.Feed
	records map[string]models.RawRecord

	staged        []models.RawRecord
	stageResult   storage.StageResult
	promotedIDs   []string
	promoteCalled bool
	chunks        int
	chunkDone     bool
	completed     []models.RunCounts
	chunkKeys     map[string]bool
	succeeded     []string
	started       []string
	failed        []failCall
	observations  []models.PriceObservation
	sellers       []string
	sellersFor    [][]string
}

func newMockStore() *mockStore {
	return &mockStore{
		runs: map[string]*models.FeedRun{
			"run-1": {ID: "run-1", FeedID: "feed-1", SellerID: "acme", Status: models.RunStatusPending},
		},
		feeds: map[string]*models.Feed{
			"feed-1": {ID: "feed-1", SellerID: "acme", Name: "Acme CSV", AccessURL: "https://acme.example/feed.csv"},
		},
		records:   make(map[string]models.RawRecord),
		chunkKeys: make(map[string]bool),
	}
}

func (m *mockStore) GetRun(_ context.Context, id string) (*models.FeedRun, error) {
	run, ok := m.runs[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	c := *run
	return &c, nil
}

func (m *mockStore) GetFeed(_ context.Context, id string) (*models.Feed, error) {
	feed, ok := m.feeds[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	c := *feed
	return &c, nil
}

func (m *mockStore) StartRun(_ context.Context, id string, _ time.Time) error {
	m.started = append(m.started, id)
	m.runs[id].Status = models.RunStatusRunning
	return nil
}

func (m *mockStore) FailRun(_ context.Context, id, message string, needsReview bool, _ time.Time, _ int, _ time.Duration) error {
	m.failed = append(m.failed, failCall{runID: id, message: message, needsReview: needsReview})
	if run, ok := m.runs[id]; ok {
		run.Status = models.RunStatusFailed
		run.NeedsReview = needsReview
	}
	return nil
}

func (m *mockStore) StageRecords(_ context.Context, _, _ string, records []models.RawRecord, _ time.Time, _ int) (storage.StageResult, error) {
	m.staged = append(m.staged, records...)
	res := m.stageResult
	res.Staged = len(records)
	return res, nil
}

func (m *mockStore) PromoteRun(_ context.Context, _, _ string, _ time.Time) (models.RunCounts, []string, error) {
	m.promoteCalled = true
	return models.RunCounts{Seen: len(m.promotedIDs)}, m.promotedIDs, nil
}

func (m *mockStore) SetRunChunks(_ context.Context, _ string, chunks int) error {
	m.chunks = chunks
	return nil
}

func (m *mockStore) CompleteChunk(_ context.Context, id, chunkKey string, counts models.RunCounts, _ time.Time) (bool, error) {
	run := m.runs[id]
	if m.chunkKeys[chunkKey] {
		return run.Status == models.RunStatusSucceeded, nil
	}
	m.chunkKeys[chunkKey] = true
	m.completed = append(m.completed, counts)
	if m.chunkDone {
		run.Status = models.RunStatusSucceeded
	}
	return m.chunkDone, nil
}

func (m *mockStore) SucceedRun(_ context.Context, id string, _ time.Time) error {
	m.succeeded = append(m.succeeded, id)
	return nil
}

func (m *mockStore) LoadRecords(_ context.Context, ids []string) ([]models.RawRecord, error) {
	var out []models.RawRecord
	for _, id := range ids {
		if r, ok := m.records[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockStore) InsertObservations(_ context.Context, obs []models.PriceObservation, _ int) error {
	m.observations = append(m.observations, obs...)
	return nil
}

func (m *mockStore) SellersListing(_ context.Context, productIDs []string) ([]string, error) {
	m.sellersFor = append(m.sellersFor, productIDs)
	return m.sellers, nil
}

type enqueued struct {
	kind    queue.Kind
	key     string
	payload any
}

type mockQueue struct {
	jobs []enqueued
	// failures makes the next n enqueues of a kind fail as unavailable.
	failures map[queue.Kind]int
}

func (q *mockQueue) Enqueue(_ context.Context, kind queue.Kind, key string, payload any) (bool, error) {
	if q.failures[kind] > 0 {
		q.failures[kind]--
		return false, models.ErrUnavailable
	}
	for _, j := range q.jobs {
		if j.key == key {
			return false, nil
		}
	}
	q.jobs = append(q.jobs, enqueued{kind: kind, key: key, payload: payload})
	return true, nil
}

func (q *mockQueue) ofKind(kind queue.Kind) []enqueued {
	var out []enqueued
	for _, j := range q.jobs {
		if j.kind == kind {
			out = append(out, j)
		}
	}
	return out
}

type mockFetcher struct {
	result *models.FetchResult
	err    error
	calls  int
}

func (f *mockFetcher) Fetch(_ context.Context, _ models.Feed, _ string) (*models.FetchResult, error) {
	f.calls++
	return f.result, f.err
}

type mockGate struct {
	decision breaker.Decision
	feedName string
}

func (g *mockGate) Check(_ context.Context, _ models.FeedRun, feedName string, m models.RunMetrics) breaker.Decision {
	g.feedName = feedName
	d := g.decision
	d.Metrics = m
	return d
}

type mockMatcher struct {
	productFor map[string]string
	records    []models.RawRecord
}

func (m *mockMatcher) Match(_ context.Context, sellerID string, records []models.RawRecord) (matcher.Result, error) {
	m.records = records
	res := matcher.Result{Mappings: make([]models.Mapping, len(records))}
	for i, r := range records {
		mp := models.Mapping{SellerID: sellerID, SellerSKU: r.SellerSKU, RawRecordID: r.ID}
		if id, ok := m.productFor[r.SellerSKU]; ok {
			mp.CanonicalProductID = id
			res.Counts.Matched++
		} else {
			mp.NeedsReview = true
			res.Counts.Review++
		}
		res.Mappings[i] = mp
	}
	return res, nil
}

type mockEngine struct {
	recalculated []string
	all          bool
}

func (e *mockEngine) Recalculate(_ context.Context, ids []string) (benchmark.RecalcResult, error) {
	e.recalculated = append(e.recalculated, ids...)
	return benchmark.RecalcResult{Written: len(ids)}, nil
}

func (e *mockEngine) RecalculateAll(_ context.Context) (benchmark.RecalcResult, error) {
	e.all = true
	return benchmark.RecalcResult{}, nil
}

type mockInsights struct {
	sellers []string
}

func (i *mockInsights) Generate(_ context.Context, sellerID string) (benchmark.InsightResult, error) {
	i.sellers = append(i.sellers, sellerID)
	return benchmark.InsightResult{}, nil
}

type mockTicker struct {
	ticks int
	err   error
}

func (t *mockTicker) Tick(_ context.Context) (scheduler.TickResult, error) {
	t.ticks++
	return scheduler.TickResult{}, t.err
}

// --- Helpers ---

type harness struct {
	store    *mockStore
	queue    *mockQueue
	fetcher  *mockFetcher
	gate     *mockGate
	matcher  *mockMatcher
	engine   *mockEngine
	insights *mockInsights
	ticker   *mockTicker
	proc     *Processor
}

func newHarness() *harness {
	h := &harness{
		store:    newMockStore(),
		queue:    &mockQueue{},
		fetcher:  &mockFetcher{result: &models.FetchResult{}},
		gate:     &mockGate{decision: breaker.Decision{Passed: true}},
		matcher:  &mockMatcher{productFor: map[string]string{}},
		engine:   &mockEngine{},
		insights: &mockInsights{},
		ticker:   &mockTicker{},
	}
	cfg := &config.Config{
		Matcher:   config.MatcherConfig{BatchSize: 2},
		Scheduler: config.DefaultSchedulerConfig(),
		Benchmark: config.DefaultBenchmarkConfig(),
	}
	h.proc = New(Deps{
		Store:    h.store,
		Queue:    h.queue,
		Fetcher:  h.fetcher,
		Gate:     h.gate,
		Matcher:  h.matcher,
		Engine:   h.engine,
		Insights: h.insights,
		Ticker:   h.ticker,
	}, cfg, nil)
	h.proc.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return h
}

func newJob(t *testing.T, kind queue.Kind, payload any) *queue.Job {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &queue.Job{ID: "job-1", Kind: kind, Key: string(kind) + ":test", Payload: body, Attempts: 1, MaxAttempts: 5}
}

func record(sku, title, price string) models.RawRecord {
	return models.RawRecord{
		SellerSKU:      sku,
		IdentitySource: models.IdentityStable,
		Title:          title,
		Price:          decimal.RequireFromString(price),
		InStock:        true,
	}
}

// --- Tests ---

func TestHandle_IngestStagesValidRecords(t *testing.T) {
	h := newHarness()
	h.store.stageResult = storage.StageResult{ActiveBefore: 10, Reconfirmed: 2, Fallback: 1}
	h.fetcher.result = &models.FetchResult{Records: []models.RawRecord{
		record("fed-9", "Federal 9mm 115gr FMJ 50rd", "18.99"),
		record("cci-22", "CCI .22 LR 40gr 100rd", "9.49"),
		record("bad", "", "5.00"),
		record("zero", "Free sample", "0"),
		{IdentitySource: models.IdentityStable, Title: "Blazer Brass 9mm", URL: "https://www.acme.example/p/blazer-9?utm_source=feed",
			Price: decimal.RequireFromString("15.99")},
	}}

	if err := h.proc.Handle(context.Background(), newJob(t, queue.KindIngestFeed, queue.IngestFeed{FeedID: "feed-1", RunID: "run-1"})); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if len(h.store.started) != 1 {
		t.Errorf("Expected the pending run to be started, got %v", h.store.started)
	}
	if len(h.store.staged) != 3 {
		t.Fatalf("Expected 3 valid records staged, got %d", len(h.store.staged))
	}
	if r := h.store.staged[2]; r.IdentitySource != models.IdentityFallback || !strings.HasPrefix(r.SellerSKU, "urlhash:") {
		t.Errorf("Record without SKU should get a fallback identity, got %s %q", r.IdentitySource, r.SellerSKU)
	}
	for _, r := range h.store.staged {
		if r.SellerID != "acme" {
			t.Errorf("Staged record %s has seller %q, want acme", r.SellerSKU, r.SellerID)
		}
	}

	checks := h.queue.ofKind(queue.KindRunCircuitCheck)
	if len(checks) != 1 {
		t.Fatalf("Expected 1 circuit check job, got %d", len(checks))
	}
	if checks[0].key != queue.CircuitKey("run-1") {
		t.Errorf("Circuit check key = %s", checks[0].key)
	}
	want := models.RunMetrics{ActiveCountBefore: 10, SeenSuccessCount: 2, FallbackIdentifierCount: 1, TotalUpserted: 3}
	if got := checks[0].payload.(queue.RunCircuitCheck).Metrics; got != want {
		t.Errorf("Metrics = %+v, want %+v", got, want)
	}
}

func TestHandle_IngestSkipsFinishedRun(t *testing.T) {
	h := newHarness()
	h.store.runs["run-1"].Status = models.RunStatusSucceeded

	if err := h.proc.Handle(context.Background(), newJob(t, queue.KindIngestFeed, queue.IngestFeed{RunID: "run-1"})); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if h.fetcher.calls != 0 {
		t.Errorf("Fetcher should not be called for a finished run")
	}
}

func TestHandle_IngestTransientFailureKeepsRunOpen(t *testing.T) {
	h := newHarness()
	h.fetcher.err = models.ErrUnavailable

	err := h.proc.Handle(context.Background(), newJob(t, queue.KindIngestFeed, queue.IngestFeed{RunID: "run-1"}))
	if !errors.Is(err, models.ErrUnavailable) {
		t.Fatalf("Expected ErrUnavailable, got %v", err)
	}
	if len(h.store.failed) != 0 {
		t.Errorf("Run should stay open while the job can be retried, got %+v", h.store.failed)
	}
}

func TestHandle_IngestFinalFailureFailsRun(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		attempts int
	}{
		{"permanent error", models.ErrPermanent, 1},
		{"last attempt", models.ErrUnavailable, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			h.fetcher.err = tt.err
			job := newJob(t, queue.KindIngestFeed, queue.IngestFeed{RunID: "run-1"})
			job.Attempts = tt.attempts

			if err := h.proc.Handle(context.Background(), job); err == nil {
				t.Fatal("Expected error")
			}
			if len(h.store.failed) != 1 {
				t.Fatalf("Expected the run to be failed once, got %+v", h.store.failed)
			}
			if h.store.failed[0].needsReview {
				t.Error("A job failure is not a review case")
			}
			if !strings.HasPrefix(h.store.failed[0].message, "ingest_feed failed") {
				t.Errorf("Unexpected failure message %q", h.store.failed[0].message)
			}
		})
	}
}

func TestHandle_CircuitBlockedHoldsRun(t *testing.T) {
	h := newHarness()
	h.store.runs["run-1"].Status = models.RunStatusRunning
	h.gate.decision = breaker.Decision{Passed: false, Reason: breaker.ReasonSpike}

	job := newJob(t, queue.KindRunCircuitCheck, queue.RunCircuitCheck{
		RunID:   "run-1",
		Metrics: models.RunMetrics{ActiveCountBefore: 100, SeenSuccessCount: 69, TotalUpserted: 69},
	})
	if err := h.proc.Handle(context.Background(), job); err != nil {
		t.Fatalf("A blocked run completes its job, got %v", err)
	}

	if h.store.promoteCalled {
		t.Error("A blocked run must not be promoted")
	}
	if len(h.store.failed) != 1 {
		t.Fatalf("Expected the run to be failed, got %+v", h.store.failed)
	}
	f := h.store.failed[0]
	if !f.needsReview || f.message != "circuit breaker: spike-threshold-exceeded" {
		t.Errorf("Unexpected failure %+v", f)
	}
	if h.gate.feedName != "Acme CSV" {
		t.Errorf("Gate should receive the feed name, got %q", h.gate.feedName)
	}
	if len(h.queue.jobs) != 0 {
		t.Errorf("No downstream jobs expected, got %+v", h.queue.jobs)
	}
}

func TestHandle_CircuitPassedChunksMatchJobs(t *testing.T) {
	h := newHarness()
	h.store.runs["run-1"].Status = models.RunStatusRunning
	h.store.promotedIDs = []string{"r1", "r2", "r3", "r4", "r5"}

	if err := h.proc.Handle(context.Background(), newJob(t, queue.KindRunCircuitCheck, queue.RunCircuitCheck{RunID: "run-1"})); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if h.store.chunks != 3 {
		t.Errorf("Expected 3 chunks, got %d", h.store.chunks)
	}
	matches := h.queue.ofKind(queue.KindMatchRecords)
	if len(matches) != 3 {
		t.Fatalf("Expected 3 match jobs, got %d", len(matches))
	}
	last := matches[2].payload.(queue.MatchRecords)
	if len(last.RawRecordIDs) != 1 || last.RawRecordIDs[0] != "r5" {
		t.Errorf("Last chunk = %v", last.RawRecordIDs)
	}
	if matches[0].key == matches[1].key {
		t.Error("Chunk keys must differ")
	}
}

func TestHandle_CircuitPassedEmptyRunSucceeds(t *testing.T) {
	h := newHarness()
	h.store.runs["run-1"].Status = models.RunStatusRunning

	if err := h.proc.Handle(context.Background(), newJob(t, queue.KindRunCircuitCheck, queue.RunCircuitCheck{RunID: "run-1"})); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if len(h.store.succeeded) != 1 {
		t.Errorf("Expected the run to succeed, got %v", h.store.succeeded)
	}
	if len(h.queue.ofKind(queue.KindGenerateInsights)) != 1 {
		t.Errorf("Expected insights for the seller to be refreshed")
	}
}

func TestHandle_MatchRecordsObservesMatchedOnly(t *testing.T) {
	h := newHarness()
	h.store.runs["run-1"].Status = models.RunStatusRunning
	h.store.chunkDone = true
	seen := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	for _, r := range []models.RawRecord{
		record("fed-9", "Federal 9mm", "18.99"),
		record("mystery", "Mystery ammo", "12.00"),
		record("gone", "Expired listing", "10.00"),
	} {
		r.ID = "id-" + r.SellerSKU
		r.SellerID = "acme"
		r.Active = r.SellerSKU != "gone"
		r.LastSeenAt = seen
		h.store.records[r.ID] = r
	}
	h.matcher.productFor["fed-9"] = "p-9mm"

	job := newJob(t, queue.KindMatchRecords, queue.MatchRecords{
		SellerID:     "acme",
		RunID:        "run-1",
		RawRecordIDs: []string{"id-fed-9", "id-mystery", "id-gone"},
	})
	if err := h.proc.Handle(context.Background(), job); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if len(h.matcher.records) != 2 {
		t.Errorf("Inactive records should not be matched, got %d", len(h.matcher.records))
	}
	if len(h.store.observations) != 1 {
		t.Fatalf("Expected 1 observation, got %d", len(h.store.observations))
	}
	o := h.store.observations[0]
	if o.CanonicalProductID != "p-9mm" || !o.Price.Equal(decimal.RequireFromString("18.99")) || !o.ObservedAt.Equal(seen) {
		t.Errorf("Unexpected observation %+v", o)
	}
	if o.Source != models.SourceSeller {
		t.Errorf("Observation source = %s", o.Source)
	}

	if len(h.store.completed) != 1 || h.store.completed[0].Matched != 1 || h.store.completed[0].Review != 1 {
		t.Errorf("Unexpected chunk counts %+v", h.store.completed)
	}
	recalcs := h.queue.ofKind(queue.KindRecalcBenchmark)
	if len(recalcs) != 1 {
		t.Fatalf("Expected 1 recalc job, got %d", len(recalcs))
	}
	if ids := recalcs[0].payload.(queue.RecalcBenchmark).CanonicalProductIDs; len(ids) != 1 || ids[0] != "p-9mm" {
		t.Errorf("Recalc products = %v", ids)
	}
	if len(h.queue.ofKind(queue.KindGenerateInsights)) != 1 {
		t.Error("The last chunk should refresh the seller's insights")
	}
}

func matchHarness(t *testing.T) (*harness, *queue.Job) {
	t.Helper()
	h := newHarness()
	h.store.runs["run-1"].Status = models.RunStatusRunning
	r := record("fed-9", "Federal 9mm", "18.99")
	r.ID, r.SellerID, r.Active = "id-fed-9", "acme", true
	h.store.records[r.ID] = r
	h.matcher.productFor["fed-9"] = "p-9mm"
	job := newJob(t, queue.KindMatchRecords, queue.MatchRecords{SellerID: "acme", RunID: "run-1", RawRecordIDs: []string{r.ID}})
	job.Key = queue.MatchKey("run-1", 0)
	return h, job
}

func TestHandle_MatchRecordsRetryCountsChunkOnce(t *testing.T) {
	h, job := matchHarness(t)
	h.queue.failures = map[queue.Kind]int{queue.KindRecalcBenchmark: 1}

	if err := h.proc.Handle(context.Background(), job); !errors.Is(err, models.ErrUnavailable) {
		t.Fatalf("First attempt error = %v, want unavailable", err)
	}
	if len(h.store.completed) != 0 {
		t.Fatalf("The chunk must not count while its recalc job is missing, got %+v", h.store.completed)
	}

	for attempt := 2; attempt <= 3; attempt++ {
		job.Attempts = attempt
		if err := h.proc.Handle(context.Background(), job); err != nil {
			t.Fatalf("Attempt %d error = %v", attempt, err)
		}
	}
	if len(h.store.completed) != 1 || h.store.completed[0].Matched != 1 {
		t.Errorf("Chunk counted %d times: %+v", len(h.store.completed), h.store.completed)
	}
	if len(h.queue.ofKind(queue.KindRecalcBenchmark)) != 1 {
		t.Errorf("Expected 1 recalc job, got %d", len(h.queue.ofKind(queue.KindRecalcBenchmark)))
	}
}

func TestHandle_MatchRecordsRetryAfterLastChunkRefreshesInsights(t *testing.T) {
	h, job := matchHarness(t)
	h.store.chunkDone = true
	h.queue.failures = map[queue.Kind]int{queue.KindGenerateInsights: 1}

	if err := h.proc.Handle(context.Background(), job); !errors.Is(err, models.ErrUnavailable) {
		t.Fatalf("First attempt error = %v, want unavailable", err)
	}
	if h.store.runs["run-1"].Status != models.RunStatusSucceeded {
		t.Fatalf("Run status = %s, want succeeded", h.store.runs["run-1"].Status)
	}

	job.Attempts = 2
	if err := h.proc.Handle(context.Background(), job); err != nil {
		t.Fatalf("Retry error = %v", err)
	}
	if len(h.queue.ofKind(queue.KindGenerateInsights)) != 1 {
		t.Error("The retry should still enqueue the seller's insights")
	}
	if len(h.store.completed) != 1 {
		t.Errorf("Chunk counted %d times", len(h.store.completed))
	}
}

func TestHandle_MatchRecordsSkipsFailedRun(t *testing.T) {
	h := newHarness()
	h.store.runs["run-1"].Status = models.RunStatusFailed

	job := newJob(t, queue.KindMatchRecords, queue.MatchRecords{SellerID: "acme", RunID: "run-1", RawRecordIDs: []string{"x"}})
	if err := h.proc.Handle(context.Background(), job); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if h.matcher.records != nil || len(h.store.completed) != 0 {
		t.Error("Nothing should be matched for a failed run")
	}
}

func TestHandle_RecalcFansOutToSellers(t *testing.T) {
	h := newHarness()
	h.store.sellers = []string{"acme", "bolt"}

	job := newJob(t, queue.KindRecalcBenchmark, queue.RecalcBenchmark{CanonicalProductIDs: []string{"p-1", "p-2"}})
	if err := h.proc.Handle(context.Background(), job); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if len(h.engine.recalculated) != 2 {
		t.Errorf("Expected 2 products recalculated, got %v", h.engine.recalculated)
	}
	insights := h.queue.ofKind(queue.KindGenerateInsights)
	if len(insights) != 2 {
		t.Fatalf("Expected 2 insight jobs, got %d", len(insights))
	}
	now := h.proc.now()
	if insights[0].key != queue.InsightsKey("acme", now, 2*time.Hour) {
		t.Errorf("Insight key = %s", insights[0].key)
	}
}

func TestHandle_FullRecalc(t *testing.T) {
	h := newHarness()

	if err := h.proc.Handle(context.Background(), newJob(t, queue.KindRecalcBenchmark, queue.RecalcBenchmark{FullRecalc: true})); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if !h.engine.all {
		t.Error("Expected RecalculateAll")
	}
	if len(h.store.sellersFor) != 1 || h.store.sellersFor[0] != nil {
		t.Errorf("Full recalc should ask for every seller, got %v", h.store.sellersFor)
	}
}

func TestHandle_GenerateInsights(t *testing.T) {
	h := newHarness()

	if err := h.proc.Handle(context.Background(), newJob(t, queue.KindGenerateInsights, queue.GenerateInsights{SellerID: "acme"})); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if len(h.insights.sellers) != 1 || h.insights.sellers[0] != "acme" {
		t.Errorf("Generate calls = %v", h.insights.sellers)
	}

	err := h.proc.Handle(context.Background(), newJob(t, queue.KindGenerateInsights, queue.GenerateInsights{}))
	if !errors.Is(err, models.ErrPermanent) {
		t.Errorf("Missing seller should be permanent, got %v", err)
	}
}

func TestHandle_ScheduleTick(t *testing.T) {
	h := newHarness()

	if err := h.proc.Handle(context.Background(), newJob(t, queue.KindScheduleTick, queue.ScheduleTick{})); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if h.ticker.ticks != 1 {
		t.Errorf("Expected 1 tick, got %d", h.ticker.ticks)
	}
}

func TestHandle_BadJobs(t *testing.T) {
	h := newHarness()

	err := h.proc.Handle(context.Background(), &queue.Job{Kind: "mystery", Attempts: 1, MaxAttempts: 5})
	if !errors.Is(err, models.ErrPermanent) {
		t.Errorf("Unknown kind should be permanent, got %v", err)
	}

	err = h.proc.Handle(context.Background(), &queue.Job{Kind: queue.KindIngestFeed, Payload: []byte("{"), Attempts: 1, MaxAttempts: 5})
	if !errors.Is(err, models.ErrPermanent) {
		t.Errorf("Undecodable payload should be permanent, got %v", err)
	}

	err = h.proc.Handle(context.Background(), newJob(t, queue.KindIngestFeed, queue.IngestFeed{RunID: "purged"}))
	if !errors.Is(err, models.ErrPermanent) {
		t.Errorf("Missing run should be permanent, got %v", err)
	}
}

func TestChunkIDs(t *testing.T) {
	tests := []struct {
		n, size, want int
	}{
		{0, 2, 0},
		{1, 2, 1},
		{4, 2, 2},
		{5, 2, 3},
		{5, 0, 1},
	}
	for _, tt := range tests {
		ids := make([]string, tt.n)
		if got := len(chunkIDs(ids, tt.size)); got != tt.want {
			t.Errorf("chunkIDs(%d, %d) = %d chunks, want %d", tt.n, tt.size, got, tt.want)
		}
	}
}
