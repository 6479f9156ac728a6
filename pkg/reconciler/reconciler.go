// Package reconciler recovers outbox rows orphaned by crashed or partitioned
// workers. It runs once at startup, then on a fixed period: stale processing
// leases are reset to pending, and dispatchable rows are resubmitted while
// the dispatcher is active.
package reconciler

import (
	"context"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/anchorline/pkg/queue"
	"github.com/Mindburn-Labs/anchorline/pkg/store"
)

// DefaultInterval is the sweep period.
const DefaultInterval = time.Minute

// DefaultSweepLimit bounds how many rows one sweep resubmits.
const DefaultSweepLimit = 256

// Options tunes the reconciler.
type Options struct {
	Interval   time.Duration
	SweepLimit int
	Logger     *slog.Logger
}

// Reconciler periodically reclaims and resubmits orphaned rows.
type Reconciler struct {
	store      store.OutboxStore
	dispatcher *queue.Dispatcher
	opts       Options
	done       chan struct{}
}

// New builds a reconciler over the outbox store and dispatcher.
func New(outbox store.OutboxStore, dispatcher *queue.Dispatcher, opts Options) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.SweepLimit <= 0 {
		opts.SweepLimit = DefaultSweepLimit
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Logger = opts.Logger.With("component", "reconciler")
	return &Reconciler{store: outbox, dispatcher: dispatcher, opts: opts, done: make(chan struct{})}
}

// Run sweeps immediately, then every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	defer close(r.done)

	r.Sweep(ctx)
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Done is closed when Run has exited.
func (r *Reconciler) Done() <-chan struct{} {
	return r.done
}

// Sweep performs one reconciliation pass and returns how many rows it
// resubmitted for dispatch.
func (r *Reconciler) Sweep(ctx context.Context) int {
	reclaimed, err := r.store.Reconcile(ctx)
	if err != nil {
		r.opts.Logger.Error("lease reclaim failed", "error", err)
		return 0
	}
	if reclaimed > 0 {
		r.opts.Logger.Info("stale leases reclaimed", "count", reclaimed)
	}

	if r.dispatcher == nil || !r.dispatcher.Active() {
		return 0
	}

	rows, err := r.store.GetPending(ctx, r.opts.SweepLimit)
	if err != nil {
		r.opts.Logger.Error("pending scan failed", "error", err)
		return 0
	}

	resubmitted := 0
	for _, row := range rows {
		job := queue.Job{OutboxID: row.ID, Digest: row.Digest, IdempotencyKey: row.IdempotencyKey}
		if !r.dispatcher.Submit(job) {
			continue
		}
		if err := r.store.MarkEnqueued(ctx, row.ID); err != nil {
			r.opts.Logger.Warn("mark enqueued failed", "outboxId", row.ID, "error", err)
		}
		resubmitted++
	}
	if resubmitted > 0 {
		r.opts.Logger.Info("orphaned rows resubmitted", "count", resubmitted)
	}
	return resubmitted
}
