// Package worker runs the concurrent consumers of the anchor dispatch
// channel. Each job holds a lease on its outbox row via heartbeats; rows
// whose worker dies are reclaimed by the reconciler once the lease staleness
// threshold passes.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mindburn-Labs/anchorline/pkg/queue"
	"github.com/Mindburn-Labs/anchorline/pkg/store"
)

// DefaultConcurrency is the worker pool size.
const DefaultConcurrency = 64

// DefaultHeartbeat refreshes the row lease well inside the staleness window.
const DefaultHeartbeat = 15 * time.Second

// MetricsRecorder observes job outcomes. The otel-backed implementation lives
// in the observability package; a nil recorder disables recording.
type MetricsRecorder interface {
	JobProcessed(duration time.Duration, ok bool)
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Retried   uint64 `json:"retried"`
	DeadJobs  uint64 `json:"deadJobs"`
}

// Options tunes pool construction.
type Options struct {
	Concurrency int
	Heartbeat   time.Duration
	Handlers    map[string]Handler // by event type
	Default     Handler
	Metrics     MetricsRecorder
	Logger      *slog.Logger
}

// Pool consumes dispatch jobs.
type Pool struct {
	store      store.OutboxStore
	dispatcher *queue.Dispatcher
	opts       Options

	wg        sync.WaitGroup
	processed atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
	deadJobs  atomic.Uint64
}

// NewPool builds a pool over the outbox store and dispatcher.
func NewPool(outbox store.OutboxStore, dispatcher *queue.Dispatcher, opts Options) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Logger = opts.Logger.With("component", "worker")
	return &Pool{store: outbox, dispatcher: dispatcher, opts: opts}
}

// Start launches the workers. They exit when the dispatcher's channel closes
// or ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.opts.Concurrency; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-p.dispatcher.Jobs():
					if !ok {
						return
					}
					p.process(ctx, job)
				}
			}
		}()
	}
}

// Wait blocks until all workers have exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Retried:   p.retried.Load(),
		DeadJobs:  p.deadJobs.Load(),
	}
}

func (p *Pool) process(ctx context.Context, job queue.Job) {
	started := time.Now()
	log := p.opts.Logger.With("outboxId", job.OutboxID, "attempt", job.Attempt)

	if err := p.store.MarkProcessing(ctx, job.OutboxID); err != nil {
		log.Warn("lease acquisition failed", "error", err)
		p.dispatcher.Done(job)
		return
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go p.heartbeat(hbCtx, job.OutboxID)

	row, err := p.store.Get(ctx, job.OutboxID)
	if errors.Is(err, store.ErrNotFound) {
		log.Info("row gone, assuming already handled")
		p.dispatcher.Done(job)
		return
	}
	if err != nil {
		log.Error("row fetch failed", "error", err)
		p.dispatcher.Done(job)
		return
	}

	handler := p.opts.Default
	if h, ok := p.opts.Handlers[row.Type]; ok {
		handler = h
	}
	if handler == nil {
		p.fail(ctx, job, errors.New("no handler for event type "+row.Type), log)
		p.record(started, false)
		return
	}

	txRef, err := handler.Handle(hbCtx, *row)
	stopHeartbeat()
	if err != nil {
		p.fail(ctx, job, err, log)
		p.record(started, false)
		return
	}

	if err := p.store.MarkCompleted(ctx, job.OutboxID, job.IdempotencyKey, txRef); err != nil {
		p.fail(ctx, job, err, log)
		p.record(started, false)
		return
	}
	p.dispatcher.Done(job)
	p.processed.Add(1)
	p.record(started, true)
	log.Debug("job completed", "txRef", txRef)
}

func (p *Pool) fail(ctx context.Context, job queue.Job, cause error, log *slog.Logger) {
	p.failed.Add(1)
	if err := p.store.MarkFailed(ctx, job.OutboxID, cause); err != nil {
		log.Error("mark failed errored", "error", err)
	}
	if p.dispatcher.RetryLater(job) {
		p.retried.Add(1)
		log.Warn("job failed, retry scheduled", "error", cause)
		return
	}
	p.dispatcher.Done(job)
	p.deadJobs.Add(1)
	log.Error("job failed terminally", "error", cause)
}

func (p *Pool) heartbeat(ctx context.Context, outboxID string) {
	ticker := time.NewTicker(p.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.store.UpdateHeartbeat(ctx, outboxID); err != nil {
				p.opts.Logger.Warn("heartbeat refresh failed", "outboxId", outboxID, "error", err)
			}
		}
	}
}

func (p *Pool) record(started time.Time, ok bool) {
	if p.opts.Metrics != nil {
		p.opts.Metrics.JobProcessed(time.Since(started), ok)
	}
}
