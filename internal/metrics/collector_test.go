package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_CountersAreIsolated(t *testing.T) {
	a := NewCollector()
	b := NewCollector()

	a.Incr(FeedsClaimed, 3)
	a.Incr(FeedsClaimed, 2)

	assert.Equal(t, int64(5), a.Counter(FeedsClaimed))
	assert.Equal(t, int64(0), b.Counter(FeedsClaimed))
}

func TestCollector_ConcurrentIncr(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Incr(JobsSucceeded, 1)
			c.Timing(MatchDuration, time.Millisecond)
		}()
	}
	wg.Wait()

	snap := c.Snapshot()
	assert.Equal(t, int64(50), snap.Counters[JobsSucceeded])
	require.Contains(t, snap.Timings, MatchDuration)
	assert.Equal(t, int64(50), snap.Timings[MatchDuration].Count)
}

func TestCollector_TimingStats(t *testing.T) {
	c := NewCollector()
	c.Timing(TickDuration, 10*time.Millisecond)
	c.Timing(TickDuration, 30*time.Millisecond)

	stats := c.Snapshot().Timings[TickDuration]
	assert.Equal(t, int64(2), stats.Count)
	assert.Equal(t, int64(10), stats.MinMs)
	assert.Equal(t, int64(30), stats.MaxMs)
	assert.InDelta(t, 20.0, stats.AvgMs, 0.001)
	assert.Empty(t, c.Names())
}

func TestCollector_Names(t *testing.T) {
	c := NewCollector()
	c.Incr(RunsPurged, 1)
	c.Incr(FeedsClaimed, 1)

	assert.Equal(t, []string{FeedsClaimed, RunsPurged}, c.Names())
}

func TestNop(t *testing.T) {
	var s Sink = Nop{}
	s.Incr(FeedsClaimed, 1)
	s.Timing(TickDuration, time.Second)
}
