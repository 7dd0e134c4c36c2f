package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pauljones0/pricefeed/internal/config"
	"github.com/pauljones0/pricefeed/internal/metrics"
	"github.com/pauljones0/pricefeed/internal/models"
)

func TestEvaluate_Boundaries(t *testing.T) {
	cfg := config.DefaultBreakerConfig()

	tests := []struct {
		name       string
		m          models.RunMetrics
		wantPass   bool
		wantReason string
	}{
		{
			name:     "exactly 30 percent expiry passes",
			m:        models.RunMetrics{ActiveCountBefore: 100, SeenSuccessCount: 70, TotalUpserted: 70},
			wantPass: true,
		},
		{
			name:       "31 percent expiry blocks",
			m:          models.RunMetrics{ActiveCountBefore: 100, SeenSuccessCount: 69, TotalUpserted: 69},
			wantReason: ReasonSpike,
		},
		{
			name:       "absolute expiry cap blocks at 5 percent",
			m:          models.RunMetrics{ActiveCountBefore: 10000, SeenSuccessCount: 9500, TotalUpserted: 9500},
			wantReason: ReasonSpike,
		},
		{
			name:     "one below absolute expiry cap passes",
			m:        models.RunMetrics{ActiveCountBefore: 10000, SeenSuccessCount: 9501, TotalUpserted: 9501},
			wantPass: true,
		},
		{
			name:     "small catalog skips percentage check",
			m:        models.RunMetrics{ActiveCountBefore: 99, SeenSuccessCount: 0},
			wantPass: true,
		},
		{
			name:     "few expiries skip percentage check",
			m:        models.RunMetrics{ActiveCountBefore: 100, SeenSuccessCount: 91, TotalUpserted: 91},
			wantPass: true,
		},
		{
			name:       "ten expiries of 100 active is 10 percent and passes, of 20 would not be checked",
			m:          models.RunMetrics{ActiveCountBefore: 120, SeenSuccessCount: 80, TotalUpserted: 80},
			wantReason: ReasonSpike,
		},
		{
			name:       "fallback cap blocks regardless of total",
			m:          models.RunMetrics{FallbackIdentifierCount: 1000, TotalUpserted: 100000},
			wantReason: ReasonFallbackSpike,
		},
		{
			name:     "fallback 999 of 2500 passes",
			m:        models.RunMetrics{FallbackIdentifierCount: 999, TotalUpserted: 2500},
			wantPass: true,
		},
		{
			name:     "fallback exactly 50 percent passes",
			m:        models.RunMetrics{FallbackIdentifierCount: 50, TotalUpserted: 100},
			wantPass: true,
		},
		{
			name:       "fallback above 50 percent blocks",
			m:          models.RunMetrics{FallbackIdentifierCount: 51, TotalUpserted: 100},
			wantReason: ReasonFallbackSpike,
		},
		{
			name:     "zero upserted skips fallback percentage",
			m:        models.RunMetrics{FallbackIdentifierCount: 10},
			wantPass: true,
		},
		{
			name:       "expiry check wins over fallback check",
			m:          models.RunMetrics{ActiveCountBefore: 600, SeenSuccessCount: 0, FallbackIdentifierCount: 2000, TotalUpserted: 2000},
			wantReason: ReasonSpike,
		},
		{
			name:     "empty first run passes",
			m:        models.RunMetrics{},
			wantPass: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Evaluate(cfg, tt.m)
			assert.Equal(t, tt.wantPass, d.Passed, d.Detail)
			assert.Equal(t, tt.wantReason, d.Reason)
			assert.False(t, d.Bypassed)
			assert.Equal(t, tt.m, d.Metrics)
		})
	}
}

func TestEvaluate_ExpiryPercentSweep(t *testing.T) {
	cfg := config.DefaultBreakerConfig()
	for seen := 0; seen <= 100; seen++ {
		m := models.RunMetrics{ActiveCountBefore: 100, SeenSuccessCount: seen, TotalUpserted: seen}
		d := Evaluate(cfg, m)
		expire := 100 - seen
		want := expire <= 30 || expire < cfg.MinExpiryCountForSpike
		assert.Equal(t, want, d.Passed, "seen=%d", seen)
	}
}

func TestEvaluate_FallbackPercentSweep(t *testing.T) {
	cfg := config.DefaultBreakerConfig()
	for fallback := 0; fallback <= 200; fallback++ {
		d := Evaluate(cfg, models.RunMetrics{FallbackIdentifierCount: fallback, TotalUpserted: 200})
		assert.Equal(t, fallback <= 100, d.Passed, "fallback=%d", fallback)
	}
}

func TestEvaluate_Bypass(t *testing.T) {
	cfg := config.DefaultBreakerConfig()
	cfg.Bypass = true

	d := Evaluate(cfg, models.RunMetrics{ActiveCountBefore: 100, SeenSuccessCount: 0})
	assert.True(t, d.Passed)
	assert.True(t, d.Bypassed)
	assert.Equal(t, ReasonSpike, d.Reason, "bypass keeps the reason it would have blocked for")
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []models.BreakerEvent
	err    error
}

func (r *recordingNotifier) NotifyBreaker(_ context.Context, ev models.BreakerEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func TestGate_BlockNotifiesWithMetrics(t *testing.T) {
	n := &recordingNotifier{}
	sink := metrics.NewCollector()
	g := NewGate(config.DefaultBreakerConfig(), n, sink)

	run := models.FeedRun{ID: "run-1", FeedID: "feed-1", SellerID: "seller-1"}
	m := models.RunMetrics{ActiveCountBefore: 100, SeenSuccessCount: 69, TotalUpserted: 69}
	d := g.Check(context.Background(), run, "Main feed", m)

	assert.False(t, d.Passed)
	require.Len(t, n.events, 1)
	assert.Equal(t, "run-1", n.events[0].RunID)
	assert.Equal(t, "Main feed", n.events[0].FeedName)
	assert.Equal(t, ReasonSpike, n.events[0].Reason)
	assert.Equal(t, m, n.events[0].Metrics)
	assert.Equal(t, int64(1), sink.Counter(metrics.BreakerBlocked))
}

func TestGate_PassDoesNotNotify(t *testing.T) {
	n := &recordingNotifier{}
	sink := metrics.NewCollector()
	g := NewGate(config.DefaultBreakerConfig(), n, sink)

	d := g.Check(context.Background(), models.FeedRun{ID: "run-2"}, "", models.RunMetrics{ActiveCountBefore: 100, SeenSuccessCount: 100})
	assert.True(t, d.Passed)
	assert.Empty(t, n.events)
	assert.Equal(t, int64(1), sink.Counter(metrics.BreakerPassed))
}

func TestGate_NotifierErrorDoesNotChangeDecision(t *testing.T) {
	n := &recordingNotifier{err: errors.New("webhook down")}
	sink := metrics.NewCollector()
	g := NewGate(config.DefaultBreakerConfig(), n, sink)

	d := g.Check(context.Background(), models.FeedRun{ID: "run-3"}, "", models.RunMetrics{FallbackIdentifierCount: 1500})
	assert.False(t, d.Passed)
	assert.Equal(t, ReasonFallbackSpike, d.Reason)
	assert.Equal(t, int64(1), sink.Counter(metrics.NotificationsFailed))
}

func TestGate_BypassCountsAndDoesNotNotify(t *testing.T) {
	cfg := config.DefaultBreakerConfig()
	cfg.Bypass = true
	n := &recordingNotifier{}
	sink := metrics.NewCollector()

	d := NewGate(cfg, n, sink).Check(context.Background(), models.FeedRun{ID: "run-4"}, "", models.RunMetrics{ActiveCountBefore: 1000})
	assert.True(t, d.Passed)
	assert.Empty(t, n.events)
	assert.Equal(t, int64(1), sink.Counter(metrics.BreakerBypassed))
}
