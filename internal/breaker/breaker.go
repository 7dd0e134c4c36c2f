// Package breaker decides whether a feed run's output may be promoted into the catalog.
package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pauljones0/pricefeed/internal/config"
	"github.com/pauljones0/pricefeed/internal/metrics"
	"github.com/pauljones0/pricefeed/internal/models"
)

// Block reasons.
const (
	ReasonSpike         = "spike-threshold-exceeded"
	ReasonFallbackSpike = "data-quality-fallback-spike"
)

// Decision is the outcome of one evaluation.
type Decision struct {
	Passed bool
	// Reason names the first failing check. It is set on bypassed evaluations too.
	Reason   string
	Detail   string
	Bypassed bool
	Metrics  models.RunMetrics
}

// Evaluate applies the thresholds in order; the first failing check decides.
func Evaluate(cfg config.BreakerConfig, m models.RunMetrics) Decision {
	d := Decision{Passed: true, Metrics: m}
	expire := m.WouldExpireCount()

	switch {
	case expire >= cfg.AbsoluteExpiryCap:
		d.Passed, d.Reason = false, ReasonSpike
		d.Detail = fmt.Sprintf("would expire %d listings, cap %d", expire, cfg.AbsoluteExpiryCap)

	case m.ActiveCountBefore >= cfg.MinActiveForPercentageCheck &&
		expire >= cfg.MinExpiryCountForSpike &&
		percent(expire, m.ActiveCountBefore) > cfg.MaxExpiryPercentage:
		d.Passed, d.Reason = false, ReasonSpike
		d.Detail = fmt.Sprintf("would expire %.2f%% of %d listings", percent(expire, m.ActiveCountBefore), m.ActiveCountBefore)

	case m.FallbackIdentifierCount >= cfg.AbsoluteFallbackCap:
		d.Passed, d.Reason = false, ReasonFallbackSpike
		d.Detail = fmt.Sprintf("%d fallback identifiers, cap %d", m.FallbackIdentifierCount, cfg.AbsoluteFallbackCap)

	case m.TotalUpserted > 0 &&
		percent(m.FallbackIdentifierCount, m.TotalUpserted) > cfg.MaxFallbackPercentage:
		d.Passed, d.Reason = false, ReasonFallbackSpike
		d.Detail = fmt.Sprintf("%.2f%% of records use fallback identifiers", percent(m.FallbackIdentifierCount, m.TotalUpserted))
	}

	// Under bypass every evaluation passes, keeping the reason it would have blocked for.
	if cfg.Bypass {
		d.Passed = true
		d.Bypassed = true
	}
	return d
}

func percent(part, whole int) float64 {
	if whole <= 0 {
		return 0
	}
	return float64(part) / float64(whole) * 100
}

// Notifier receives blocked-run events. Implementations must not block the caller.
type Notifier interface {
	NotifyBreaker(ctx context.Context, ev models.BreakerEvent) error
}

// Gate evaluates runs and reports the outcome.
type Gate struct {
	cfg      config.BreakerConfig
	notifier Notifier
	metrics  metrics.Sink
	now      func() time.Time
}

func NewGate(cfg config.BreakerConfig, n Notifier, sink metrics.Sink) *Gate {
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &Gate{cfg: cfg, notifier: n, metrics: sink, now: time.Now}
}

// Check evaluates a run. A bypassed evaluation is logged at warning level with every metric;
// a blocked one is logged and sent to the notifier.
func (g *Gate) Check(ctx context.Context, run models.FeedRun, feedName string, m models.RunMetrics) Decision {
	d := Evaluate(g.cfg, m)
	attrs := []any{
		"run_id", run.ID,
		"feed_id", run.FeedID,
		"seller_id", run.SellerID,
		"active_count_before", m.ActiveCountBefore,
		"seen_success_count", m.SeenSuccessCount,
		"would_expire_count", m.WouldExpireCount(),
		"fallback_identifier_count", m.FallbackIdentifierCount,
		"total_upserted", m.TotalUpserted,
	}

	switch {
	case d.Bypassed:
		g.metrics.Incr(metrics.BreakerBypassed, 1)
		slog.Warn("Circuit breaker bypassed", append(attrs, "would_block_reason", d.Reason, "detail", d.Detail)...)
	case d.Passed:
		g.metrics.Incr(metrics.BreakerPassed, 1)
		slog.Info("Circuit breaker passed", attrs...)
	default:
		g.metrics.Incr(metrics.BreakerBlocked, 1)
		slog.Error("Circuit breaker blocked run", append(attrs, "reason", d.Reason, "detail", d.Detail)...)
		if g.notifier != nil {
			ev := models.BreakerEvent{
				RunID:      run.ID,
				FeedID:     run.FeedID,
				FeedName:   feedName,
				SellerID:   run.SellerID,
				Reason:     d.Reason,
				Metrics:    m,
				OccurredAt: g.now(),
			}
			if err := g.notifier.NotifyBreaker(ctx, ev); err != nil {
				g.metrics.Incr(metrics.NotificationsFailed, 1)
				slog.Warn("Failed to dispatch breaker notification", "run_id", run.ID, "error", err)
			}
		}
	}
	return d
}
