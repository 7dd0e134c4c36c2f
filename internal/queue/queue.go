// Package queue is a durable Postgres job queue with idempotent keys and SKIP LOCKED dequeue.
package queue

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pauljones0/pricefeed/internal/models"
	"github.com/pauljones0/pricefeed/internal/storage"
	"github.com/pauljones0/pricefeed/internal/util"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

// Options tune retry behaviour.
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

type Queue struct {
	pool *pgxpool.Pool
	opts Options
}

func New(pool *pgxpool.Pool, opts Options) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 5 * time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Minute
	}
	return &Queue{pool: pool, opts: opts}
}

// Migrate creates the jobs table.
func (q *Queue) Migrate(ctx context.Context) error {
	if _, err := q.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply queue schema: %w", err)
	}
	return nil
}

// Enqueue inserts a job unless one with the same key is already queued. It reports whether a
// new job was created.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, key string, payload any) (bool, error) {
	return q.EnqueueAt(ctx, kind, key, payload, time.Time{})
}

// EnqueueAt is Enqueue with a delayed first run. A zero runAt means now.
func (q *Queue) EnqueueAt(ctx context.Context, kind Kind, key string, payload any, runAt time.Time) (bool, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	if runAt.IsZero() {
		runAt = time.Now()
	}
	tag, err := q.pool.Exec(ctx, `
		INSERT INTO jobs (id, kind, job_key, payload, max_attempts, run_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (job_key) WHERE status = 'queued' DO NOTHING`,
		uuid.NewString(), string(kind), key, body, q.opts.MaxAttempts, runAt)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue %s %s: %w", kind, key, util.WrapUnavailable(err))
	}
	return tag.RowsAffected() == 1, nil
}

// Dequeue locks the oldest ready job of the given kinds. It returns nil when none is ready.
func (q *Queue) Dequeue(ctx context.Context, kinds ...Kind) (*Job, error) {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	row := q.pool.QueryRow(ctx, `
		UPDATE jobs SET status = 'running', attempts = attempts + 1, locked_at = now(), updated_at = now()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'queued' AND run_at <= now() AND kind = ANY($1)
			ORDER BY run_at, created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, kind, job_key, payload, status, attempts, max_attempts, run_at, last_error, created_at`,
		names)

	var job Job
	var kind, st string
	err := row.Scan(&job.ID, &kind, &job.Key, &job.Payload, &st, &job.Attempts, &job.MaxAttempts,
		&job.RunAt, &job.LastError, &job.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", util.WrapUnavailable(err))
	}
	job.Kind = Kind(kind)
	job.Status = Status(st)
	return &job, nil
}

// Complete marks a job done.
func (q *Queue) Complete(ctx context.Context, id string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE jobs SET status = 'done', locked_at = NULL, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", id, util.WrapUnavailable(err))
	}
	return nil
}

// Fail records cause and reschedules the job with exponential backoff, or marks it dead once
// attempts are exhausted or the error is permanent.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if errors.Is(cause, models.ErrPermanent) || job.Attempts >= job.MaxAttempts {
		slog.Warn("Job dead", "id", job.ID, "kind", job.Kind, "key", job.Key, "attempts", job.Attempts, "error", msg)
		return q.setStatus(ctx, job.ID, StatusDead, msg)
	}

	delay := util.Backoff(q.opts.BaseDelay, q.opts.MaxDelay, job.Attempts-1)
	_, err := q.pool.Exec(ctx, `
		UPDATE jobs SET status = 'queued', locked_at = NULL, last_error = $2,
			run_at = now() + make_interval(secs => $3), updated_at = now()
		WHERE id = $1`, job.ID, msg, delay.Seconds())
	if isUniqueViolation(err) {
		// Another job with the same key was queued while this one ran; it carries the work.
		return q.setStatus(ctx, job.ID, StatusDone, "superseded: "+msg)
	}
	if err != nil {
		return fmt.Errorf("failed to reschedule job %s: %w", job.ID, util.WrapUnavailable(err))
	}
	slog.Info("Job rescheduled", "id", job.ID, "kind", job.Kind, "attempt", job.Attempts, "delay", delay, "error", msg)
	return nil
}

func (q *Queue) setStatus(ctx context.Context, id string, st Status, msg string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, locked_at = NULL, last_error = $3, updated_at = now() WHERE id = $1`,
		id, string(st), msg)
	if err != nil {
		return fmt.Errorf("failed to mark job %s %s: %w", id, st, util.WrapUnavailable(err))
	}
	return nil
}

// InFlight reports whether a queued or running job of kind matches every payload field.
func (q *Queue) InFlight(ctx context.Context, kind Kind, fields map[string]string) (bool, error) {
	f := storage.NewFilter().
		Eq("kind", string(kind)).
		In("status", []string{string(StatusQueued), string(StatusRunning)})
	for k, v := range fields {
		f.JSONEq("payload", k, v)
	}
	var exists bool
	err := q.pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM jobs"+f.Where()+")", f.Args()...).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check in-flight %s jobs: %w", kind, util.WrapUnavailable(err))
	}
	return exists, nil
}

// ReclaimStale requeues running jobs locked longer than olderThan, which a crashed worker left
// behind. Jobs already at their attempt limit are marked dead.
func (q *Queue) ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	tag, err := q.pool.Exec(ctx, `
		UPDATE jobs SET
			status = CASE WHEN attempts >= max_attempts THEN 'dead' ELSE 'queued' END,
			locked_at = NULL,
			last_error = 'reclaimed after worker timeout',
			updated_at = now()
		WHERE status = 'running' AND locked_at < $1
		  AND NOT EXISTS (SELECT 1 FROM jobs q WHERE q.job_key = jobs.job_key AND q.status = 'queued')`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale jobs: %w", util.WrapUnavailable(err))
	}
	// Whatever is left has a queued twin.
	if _, err := q.pool.Exec(ctx, `
		UPDATE jobs SET status = 'done', locked_at = NULL, last_error = 'superseded after worker timeout', updated_at = now()
		WHERE status = 'running' AND locked_at < $1`, cutoff); err != nil {
		return tag.RowsAffected(), fmt.Errorf("failed to close superseded stale jobs: %w", util.WrapUnavailable(err))
	}
	return tag.RowsAffected(), nil
}

// Purge deletes up to limit finished jobs last touched before cutoff.
func (q *Queue) Purge(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	tag, err := q.pool.Exec(ctx, `
		DELETE FROM jobs WHERE id IN (
			SELECT id FROM jobs WHERE status IN ('done', 'dead') AND updated_at < $1 LIMIT $2
		)`, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to purge jobs: %w", util.WrapUnavailable(err))
	}
	return tag.RowsAffected(), nil
}

// Get loads a job by id.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	var job Job
	var kind, st string
	err := q.pool.QueryRow(ctx, `
		SELECT id, kind, job_key, payload, status, attempts, max_attempts, run_at, last_error, created_at
		FROM jobs WHERE id = $1`, id).
		Scan(&job.ID, &kind, &job.Key, &job.Payload, &st, &job.Attempts, &job.MaxAttempts,
			&job.RunAt, &job.LastError, &job.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, util.WrapUnavailable(err))
	}
	job.Kind = Kind(kind)
	job.Status = Status(st)
	return &job, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

