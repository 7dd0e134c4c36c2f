//go:build integration

package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pauljones0/pricefeed/internal/models"
	"github.com/pauljones0/pricefeed/internal/pgtest"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()
	pg, err := pgtest.Start(ctx)
	if err != nil {
		log.Fatalf("Failed to start postgres: %v", err)
	}
	testPool, err = pg.Pool(ctx)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	if err := New(testPool, Options{}).Migrate(ctx); err != nil {
		log.Fatalf("Failed to migrate: %v", err)
	}

	code := m.Run()

	testPool.Close()
	pg.Terminate(ctx)
	os.Exit(code)
}

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	_, err := testPool.Exec(context.Background(), "TRUNCATE jobs")
	require.NoError(t, err)
	return New(testPool, Options{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond})
}

func TestEnqueue_DedupesQueuedKey(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	created, err := q.Enqueue(ctx, KindScheduleTick, "tick:1", ScheduleTick{})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = q.Enqueue(ctx, KindScheduleTick, "tick:1", ScheduleTick{})
	require.NoError(t, err)
	assert.False(t, created, "second enqueue with the same key must be a no-op")
}

func TestDequeue_SkipsLockedAndFiltersKind(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_, err := q.Enqueue(ctx, KindMatchRecords, "match:r1:0", MatchRecords{RunID: "r1"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, KindScheduleTick, "tick:1", ScheduleTick{})
	require.NoError(t, err)

	job, err := q.Dequeue(ctx, KindScheduleTick)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, KindScheduleTick, job.Kind)
	assert.Equal(t, 1, job.Attempts)

	none, err := q.Dequeue(ctx, KindScheduleTick)
	require.NoError(t, err)
	assert.Nil(t, none)

	match, err := q.Dequeue(ctx, KindMatchRecords)
	require.NoError(t, err)
	require.NotNil(t, match)
	var payload MatchRecords
	require.NoError(t, match.Decode(&payload))
	assert.Equal(t, "r1", payload.RunID)
}

func TestFail_BacksOffThenDies(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_, err := q.Enqueue(ctx, KindRecalcBenchmark, "recalc:x", RecalcBenchmark{FullRecalc: true})
	require.NoError(t, err)

	job, err := q.Dequeue(ctx, KindRecalcBenchmark)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, job, fmt.Errorf("%w: db down", models.ErrUnavailable)))

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)
	assert.Contains(t, got.LastError, "db down")

	require.Eventually(t, func() bool {
		job, err = q.Dequeue(ctx, KindRecalcBenchmark)
		return err == nil && job != nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, job.Attempts)

	require.NoError(t, q.Fail(ctx, job, errors.New("still down")))
	got, err = q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDead, got.Status)
}

func TestFail_PermanentIsDeadImmediately(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_, err := q.Enqueue(ctx, KindMatchRecords, "match:bad", MatchRecords{})
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, KindMatchRecords)
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, job, fmt.Errorf("%w: bad payload", models.ErrPermanent)))
	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDead, got.Status)
}

func TestFail_SupersededByQueuedTwin(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_, err := q.Enqueue(ctx, KindGenerateInsights, "insights:s1:0", GenerateInsights{SellerID: "s1"})
	require.NoError(t, err)
	running, err := q.Dequeue(ctx, KindGenerateInsights)
	require.NoError(t, err)

	created, err := q.Enqueue(ctx, KindGenerateInsights, "insights:s1:0", GenerateInsights{SellerID: "s1"})
	require.NoError(t, err)
	assert.True(t, created, "a running job does not block a new queued one")

	require.NoError(t, q.Fail(ctx, running, errors.New("boom")))
	got, err := q.Get(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, got.Status)
	assert.Contains(t, got.LastError, "superseded")
}

func TestInFlight(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_, err := q.Enqueue(ctx, KindIngestFeed, IngestKey("feed-1", time.Now()), IngestFeed{FeedID: "feed-1", RunID: "r1", Trigger: models.TriggerManual})
	require.NoError(t, err)

	found, err := q.InFlight(ctx, KindIngestFeed, map[string]string{"feedId": "feed-1", "trigger": string(models.TriggerManual)})
	require.NoError(t, err)
	assert.True(t, found)

	found, err = q.InFlight(ctx, KindIngestFeed, map[string]string{"feedId": "feed-1", "trigger": string(models.TriggerScheduled)})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReclaimStale(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_, err := q.Enqueue(ctx, KindMatchRecords, "match:r2:0", MatchRecords{RunID: "r2"})
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, KindMatchRecords)
	require.NoError(t, err)

	_, err = testPool.Exec(ctx, "UPDATE jobs SET locked_at = now() - interval '1 hour' WHERE id = $1", job.ID)
	require.NoError(t, err)

	n, err := q.ReclaimStale(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_, err := q.Enqueue(ctx, KindScheduleTick, "tick:old", ScheduleTick{})
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, KindScheduleTick)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, job.ID))

	n, err := q.Purge(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = q.Get(ctx, job.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}
