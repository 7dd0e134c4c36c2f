// Package worker pulls jobs from the queue and hands them to the pipeline.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pauljones0/pricefeed/internal/metrics"
	"github.com/pauljones0/pricefeed/internal/queue"
)

// bookkeepingTimeout bounds Complete/Fail calls, which still run after shutdown starts.
const bookkeepingTimeout = 10 * time.Second

// Queue is the part of the job queue a worker drives.
type Queue interface {
	Dequeue(ctx context.Context, kinds ...queue.Kind) (*queue.Job, error)
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, job *queue.Job, cause error) error
}

// Handler runs one job.
type Handler interface {
	Handle(ctx context.Context, job *queue.Job) error
}

// Lane is a group of job kinds served by a fixed number of goroutines.
type Lane struct {
	Name        string
	Kinds       []queue.Kind
	Concurrency int
}

// DefaultLanes serializes ticks and runs every other kind with the given concurrency.
func DefaultLanes(concurrency int) []Lane {
	return []Lane{
		{Name: "scheduler", Kinds: []queue.Kind{queue.KindScheduleTick}, Concurrency: 1},
		{
			Name: "pipeline",
			Kinds: []queue.Kind{
				queue.KindIngestFeed,
				queue.KindRunCircuitCheck,
				queue.KindMatchRecords,
				queue.KindRecalcBenchmark,
				queue.KindGenerateInsights,
			},
			Concurrency: concurrency,
		},
	}
}

type Pool struct {
	queue   Queue
	handler Handler
	lanes   []Lane
	poll    time.Duration
	metrics metrics.Sink
}

func New(q Queue, h Handler, lanes []Lane, poll time.Duration, sink metrics.Sink) *Pool {
	if sink == nil {
		sink = metrics.Nop{}
	}
	if poll <= 0 {
		poll = time.Second
	}
	return &Pool{queue: q, handler: h, lanes: lanes, poll: poll, metrics: sink}
}

// Run starts every lane and blocks until ctx is cancelled. In-flight jobs finish first.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, lane := range p.lanes {
		for i := 0; i < max(lane.Concurrency, 1); i++ {
			g.Go(func() error {
				p.loop(ctx, lane, i)
				return nil
			})
		}
		slog.Info("Worker lane started", "lane", lane.Name, "concurrency", lane.Concurrency, "kinds", lane.Kinds)
	}
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context, lane Lane, id int) {
	for {
		if ctx.Err() != nil {
			return
		}
		worked, err := p.RunOnce(ctx, lane.Kinds...)
		if err != nil {
			slog.Error("Worker iteration failed", "lane", lane.Name, "worker", id, "error", err)
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.poll):
		}
	}
}

// RunOnce dequeues and runs at most one job of the given kinds. It reports whether a job was
// found. A failing job is handed back to the queue for retry; only queue errors are returned.
func (p *Pool) RunOnce(ctx context.Context, kinds ...queue.Kind) (bool, error) {
	job, err := p.queue.Dequeue(ctx, kinds...)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	start := time.Now()
	herr := p.handle(ctx, job)
	p.metrics.Timing(metrics.JobDuration, time.Since(start))

	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	if herr == nil {
		p.metrics.Incr(metrics.JobsSucceeded, 1)
		slog.Debug("Job completed", "job_id", job.ID, "kind", job.Kind, "duration", time.Since(start))
		return true, p.queue.Complete(bctx, job.ID)
	}

	p.metrics.Incr(metrics.JobsFailed, 1)
	slog.Warn("Job failed", "job_id", job.ID, "kind", job.Kind, "key", job.Key,
		"attempt", job.Attempts, "max_attempts", job.MaxAttempts, "error", herr)
	return true, p.queue.Fail(bctx, job, herr)
}

// handle runs the handler, turning a panic into an ordinary job failure.
func (p *Pool) handle(ctx context.Context, job *queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic in job handler", "job_id", job.ID, "kind", job.Kind, "panic", r)
			err = fmt.Errorf("panic in %s handler: %v", job.Kind, r)
		}
	}()
	return p.handler.Handle(ctx, job)
}
