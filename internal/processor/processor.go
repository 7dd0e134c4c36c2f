// Package processor runs the pipeline jobs: ingest, circuit check, match, benchmark
// recalculation and insight generation.
package processor

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
	"github.com/pauljones0/pricefeed/internal/validator"
)

// Deps are the collaborators the handlers drive. Fetcher and Ticker may be nil when the
// process does not serve those kinds.
type Deps struct {
	Store    RunStore
	Queue    Enqueuer
	Fetcher  Fetcher
	Gate     Gate
	Matcher  RecordMatcher
	Engine   Recalculator
	Insights InsightGenerator
	Ticker   Ticker
}

type Processor struct {
	store    RunStore
	queue    Enqueuer
	fetcher  Fetcher
	gate     Gate
	matcher  RecordMatcher
	engine   Recalculator
	insights InsightGenerator
	ticker   Ticker
	validate *validator.Validator
	config   *config.Config
	metrics  metrics.Sink
	now      func() time.Time
}

func New(d Deps, cfg *config.Config, sink metrics.Sink) *Processor {
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &Processor{
		store:    d.Store,
		queue:    d.Queue,
		fetcher:  d.Fetcher,
		gate:     d.Gate,
		matcher:  d.Matcher,
		engine:   d.Engine,
		insights: d.Insights,
		ticker:   d.Ticker,
		validate: validator.New(),
		config:   cfg,
		metrics:  sink,
		now:      time.Now,
	}
}

// Handle runs one job. A run-scoped job that fails for the last time fails its run, so a
// dead job never leaves a run stuck in running.
func (p *Processor) Handle(ctx context.Context, job *queue.Job) error {
	var (
		runID string
		err   error
	)
	switch job.Kind {
	case queue.KindScheduleTick:
		err = p.handleTick(ctx)
	case queue.KindIngestFeed:
		var in queue.IngestFeed
		if err = job.Decode(&in); err == nil {
			runID = in.RunID
			err = p.handleIngest(ctx, in)
		}
	case queue.KindRunCircuitCheck:
		var in queue.RunCircuitCheck
		if err = job.Decode(&in); err == nil {
			runID = in.RunID
			err = p.handleCircuitCheck(ctx, in)
		}
	case queue.KindMatchRecords:
		var in queue.MatchRecords
		if err = job.Decode(&in); err == nil {
			runID = in.RunID
			err = p.handleMatch(ctx, in, job.Key)
		}
	case queue.KindRecalcBenchmark:
		var in queue.RecalcBenchmark
		if err = job.Decode(&in); err == nil {
			err = p.handleRecalc(ctx, in)
		}
	case queue.KindGenerateInsights:
		var in queue.GenerateInsights
		if err = job.Decode(&in); err == nil {
			err = p.handleInsights(ctx, in)
		}
	default:
		err = fmt.Errorf("%w: unknown job kind %q", models.ErrPermanent, job.Kind)
	}

	if errors.Is(err, models.ErrRunBlocked) {
		slog.Warn("Run held for review", "job_id", job.ID, "run_id", runID, "error", err)
		return nil
	}
	if err != nil && runID != "" && isFinal(job, err) {
		msg := fmt.Sprintf("%s failed: %v", job.Kind, err)
		if ferr := p.store.FailRun(ctx, runID, msg, false, p.now(), p.config.Scheduler.FailureLimit, p.config.Scheduler.SellerGracePeriod); ferr != nil {
			slog.Error("Failed to mark run failed", "run_id", runID, "error", ferr)
		}
	}
	return err
}

func isFinal(job *queue.Job, err error) bool {
	return errors.Is(err, models.ErrPermanent) || job.Attempts >= job.MaxAttempts
}

func (p *Processor) handleTick(ctx context.Context) error {
	if p.ticker == nil {
		return fmt.Errorf("%w: scheduler not configured", models.ErrPermanent)
	}
	_, err := p.ticker.Tick(ctx)
	return err
}

// loadRun returns the run, or nil when it already finished.
func (p *Processor) loadRun(ctx context.Context, id string) (*models.FeedRun, error) {
	run, err := p.store.GetRun(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("%w: run %s: %v", models.ErrPermanent, id, err)
	}
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		slog.Info("Run already finished, skipping", "run_id", id, "status", run.Status)
		return nil, nil
	}
	return run, nil
}

func (p *Processor) handleIngest(ctx context.Context, in queue.IngestFeed) error {
	run, err := p.loadRun(ctx, in.RunID)
	if err != nil || run == nil {
		return err
	}
	now := p.now()
	if run.Status == models.RunStatusPending {
		if err := p.store.StartRun(ctx, run.ID, now); err != nil && !errors.Is(err, models.ErrAlreadyClaimed) {
			return err
		}
	}

	feed, err := p.store.GetFeed(ctx, run.FeedID)
	if err != nil {
		return fmt.Errorf("failed to load feed %s: %w", run.FeedID, err)
	}
	if p.fetcher == nil {
		return fmt.Errorf("%w: no fetcher configured", models.ErrPermanent)
	}

	result, err := p.fetcher.Fetch(ctx, *feed, run.ID)
	if err != nil {
		return err
	}
	records := p.validRecords(feed.SellerID, result.Records)

	stage, err := p.store.StageRecords(ctx, run.ID, feed.SellerID, records, now, p.config.Matcher.BatchSize)
	if err != nil {
		return err
	}
	m := models.RunMetrics{
		ActiveCountBefore:       stage.ActiveBefore,
		SeenSuccessCount:        stage.Reconfirmed,
		FallbackIdentifierCount: stage.Fallback,
		TotalUpserted:           stage.Staged,
	}
	if result.SeenSuccessCount != m.SeenSuccessCount || result.FallbackIdentifierCount != m.FallbackIdentifierCount {
		slog.Debug("Fetcher counts differ from staged counts", "run_id", run.ID,
			"reported_seen", result.SeenSuccessCount, "staged_seen", m.SeenSuccessCount,
			"reported_fallback", result.FallbackIdentifierCount, "staged_fallback", m.FallbackIdentifierCount)
	}

	if _, err := p.queue.Enqueue(ctx, queue.KindRunCircuitCheck, queue.CircuitKey(run.ID),
		queue.RunCircuitCheck{RunID: run.ID, Metrics: m}); err != nil {
		return err
	}
	slog.Info("Feed staged", "run_id", run.ID, "feed_id", feed.ID, "fetched", len(result.Records),
		"staged", stage.Staged, "active_before", stage.ActiveBefore)
	return nil
}

// validRecords keeps the records that pass validation. A record without a SKU is identified by
// its URL. A bad record is skipped, never fatal.
func (p *Processor) validRecords(sellerID string, records []models.RawRecord) []models.RawRecord {
	valid := make([]models.RawRecord, 0, len(records))
	for _, r := range records {
		if r.SellerID == "" {
			r.SellerID = sellerID
		}
		if r.SellerID != sellerID {
			slog.Warn("Skipping record for another seller", "seller_id", sellerID, "record_seller_id", r.SellerID, "sku", r.SellerSKU)
			p.metrics.Incr(metrics.RecordsSkipped, 1)
			continue
		}
		if r.SellerSKU == "" && r.URL != "" {
			r.SellerSKU = util.FallbackIdentifier(r.URL)
			r.IdentitySource = models.IdentityFallback
		}
		if err := p.validate.ValidateRecord(r); err != nil {
			slog.Warn("Skipping invalid record", "seller_id", sellerID, "error", err)
			p.metrics.Incr(metrics.RecordsSkipped, 1)
			continue
		}
		valid = append(valid, r)
	}
	return valid
}

func (p *Processor) handleCircuitCheck(ctx context.Context, in queue.RunCircuitCheck) error {
	run, err := p.loadRun(ctx, in.RunID)
	if err != nil || run == nil {
		return err
	}

	feedName := run.FeedID
	if feed, err := p.store.GetFeed(ctx, run.FeedID); err == nil {
		feedName = feed.Name
	}

	now := p.now()
	d := p.gate.Check(ctx, *run, feedName, in.Metrics)
	if !d.Passed {
		msg := "circuit breaker: " + d.Reason
		if err := p.store.FailRun(ctx, run.ID, msg, true, now, p.config.Scheduler.FailureLimit, p.config.Scheduler.SellerGracePeriod); err != nil {
			return err
		}
		return fmt.Errorf("%w: run %s: %s", models.ErrRunBlocked, run.ID, d.Reason)
	}

	counts, ids, err := p.store.PromoteRun(ctx, run.ID, run.SellerID, now)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		if err := p.store.SucceedRun(ctx, run.ID, now); err != nil {
			return err
		}
		slog.Info("Run promoted with nothing to match", "run_id", run.ID, "expired", counts.Expired)
		return p.enqueueInsights(ctx, run.SellerID)
	}

	batches := chunkIDs(ids, p.config.Matcher.BatchSize)
	if err := p.store.SetRunChunks(ctx, run.ID, len(batches)); err != nil {
		return err
	}
	for i, batch := range batches {
		payload := queue.MatchRecords{SellerID: run.SellerID, RunID: run.ID, RawRecordIDs: batch}
		if _, err := p.queue.Enqueue(ctx, queue.KindMatchRecords, queue.MatchKey(run.ID, i), payload); err != nil {
			return err
		}
	}
	slog.Info("Run promoted", "run_id", run.ID, "seen", counts.Seen, "expired", counts.Expired, "chunks", len(batches))
	return nil
}

func (p *Processor) handleMatch(ctx context.Context, in queue.MatchRecords, jobKey string) error {
	run, err := p.store.GetRun(ctx, in.RunID)
	if errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("%w: run %s: %v", models.ErrPermanent, in.RunID, err)
	}
	if err != nil {
		return err
	}
	switch {
	case run.Status == models.RunStatusSucceeded:
		// Every chunk was counted before the run succeeded; a retry only owes the insights job.
		return p.enqueueInsights(ctx, in.SellerID)
	case run.Status.Terminal():
		slog.Info("Run already finished, skipping", "run_id", run.ID, "status", run.Status)
		return nil
	}

	loaded, err := p.store.LoadRecords(ctx, in.RawRecordIDs)
	if err != nil {
		return err
	}
	records := loaded[:0]
	for _, r := range loaded {
		if r.Active {
			records = append(records, r)
		}
	}

	res, err := p.matcher.Match(ctx, in.SellerID, records)
	if err != nil {
		return err
	}

	now := p.now()
	obs := observations(records, res.Mappings, now)
	if err := p.store.InsertObservations(ctx, obs, p.config.Matcher.BatchSize); err != nil {
		return err
	}

	if productIDs := distinctProducts(obs); len(productIDs) > 0 {
		if _, err := p.queue.Enqueue(ctx, queue.KindRecalcBenchmark, queue.RecalcKey(jobKey),
			queue.RecalcBenchmark{CanonicalProductIDs: productIDs}); err != nil {
			return err
		}
	}

	// The chunk counts last: anything that fails before this point is redone on retry.
	done, err := p.store.CompleteChunk(ctx, run.ID, jobKey, res.Counts, now)
	if err != nil {
		return err
	}
	if done {
		slog.Info("Run succeeded", "run_id", run.ID, "seller_id", in.SellerID)
		return p.enqueueInsights(ctx, in.SellerID)
	}
	return nil
}

// observations turns matched records into seller price points. Mappings are in record order.
func observations(records []models.RawRecord, mappings []models.Mapping, now time.Time) []models.PriceObservation {
	obs := make([]models.PriceObservation, 0, len(records))
	for i, r := range records {
		if i >= len(mappings) || !mappings[i].Matched() {
			continue
		}
		at := r.LastSeenAt
		if at.IsZero() {
			at = now
		}
		obs = append(obs, models.PriceObservation{
			SellerID:           r.SellerID,
			CanonicalProductID: mappings[i].CanonicalProductID,
			Price:              r.Price,
			InStock:            r.InStock,
			Source:             models.SourceSeller,
			ObservedAt:         at,
		})
	}
	return obs
}

func distinctProducts(obs []models.PriceObservation) []string {
	seen := make(map[string]struct{}, len(obs))
	var ids []string
	for _, o := range obs {
		if _, ok := seen[o.CanonicalProductID]; ok {
			continue
		}
		seen[o.CanonicalProductID] = struct{}{}
		ids = append(ids, o.CanonicalProductID)
	}
	return ids
}

func (p *Processor) handleRecalc(ctx context.Context, in queue.RecalcBenchmark) error {
	var err error
	if in.FullRecalc {
		_, err = p.engine.RecalculateAll(ctx)
	} else {
		_, err = p.engine.Recalculate(ctx, in.CanonicalProductIDs)
	}
	if err != nil {
		return err
	}

	var products []string
	if !in.FullRecalc {
		products = in.CanonicalProductIDs
	}
	sellers, err := p.store.SellersListing(ctx, products)
	if err != nil {
		return err
	}
	for _, sellerID := range sellers {
		if err := p.enqueueInsights(ctx, sellerID); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) handleInsights(ctx context.Context, in queue.GenerateInsights) error {
	if in.SellerID == "" {
		return fmt.Errorf("%w: generate insights without seller", models.ErrPermanent)
	}
	_, err := p.insights.Generate(ctx, in.SellerID)
	return err
}

func (p *Processor) enqueueInsights(ctx context.Context, sellerID string) error {
	key := queue.InsightsKey(sellerID, p.now(), p.config.Benchmark.InsightBucket)
	_, err := p.queue.Enqueue(ctx, queue.KindGenerateInsights, key, queue.GenerateInsights{SellerID: sellerID})
	return err
}

func chunkIDs(ids []string, size int) [][]string {
	if size <= 0 {
		size = len(ids)
	}
	var out [][]string
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		out = append(out, ids[start:end])
	}
	return out
}
