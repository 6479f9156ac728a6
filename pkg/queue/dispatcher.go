package queue

import (
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/anchorline/pkg/retry"
)

// Job is the in-memory dispatch descriptor for one outbox row. The row is the
// source of truth; losing a Job only delays the row until the reconciler
// resubmits it.
type Job struct {
	OutboxID       string
	Digest         string
	IdempotencyKey string
	Attempt        int
}

// Key identifies a job for dedup across submit and retry.
func (j Job) Key() string {
	return j.OutboxID + "|" + j.Digest
}

// DefaultBuffer is the dispatch channel depth.
const DefaultBuffer = 1024

// Dispatcher hands jobs to the worker pool over a bounded channel, deduping
// in-flight jobs and scheduling retries with deterministic backoff.
type Dispatcher struct {
	mu       sync.Mutex
	jobs     chan Job
	inflight map[string]struct{}
	policy   retry.Policy
	logger   *slog.Logger
	stopped  bool
	timers   map[*time.Timer]struct{}
}

// NewDispatcher builds a dispatcher. buffer <= 0 selects DefaultBuffer.
func NewDispatcher(buffer int, policy retry.Policy, logger *slog.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		jobs:     make(chan Job, buffer),
		inflight: make(map[string]struct{}),
		policy:   policy,
		logger:   logger.With("component", "dispatcher"),
		timers:   make(map[*time.Timer]struct{}),
	}
}

// Jobs is the channel the worker pool consumes.
func (d *Dispatcher) Jobs() <-chan Job {
	return d.jobs
}

// Submit offers a job for dispatch. Returns false when the dispatcher is
// stopped, the job is already in flight, or the channel is full. The caller
// leaves the outbox row pending on false; the reconciler resubmits later.
func (d *Dispatcher) Submit(job Job) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return false
	}
	if _, dup := d.inflight[job.Key()]; dup {
		return false
	}
	select {
	case d.jobs <- job:
		d.inflight[job.Key()] = struct{}{}
		return true
	default:
		d.logger.Warn("dispatch channel full", "outboxId", job.OutboxID)
		return false
	}
}

// Done releases the in-flight slot for a finished job.
func (d *Dispatcher) Done(job Job) {
	d.mu.Lock()
	delete(d.inflight, job.Key())
	d.mu.Unlock()
}

// RetryLater schedules the job's next attempt after its backoff delay,
// keeping the in-flight slot held. Returns false when the retry budget is
// exhausted; the caller then releases the job with Done.
func (d *Dispatcher) RetryLater(job Job) bool {
	next := job.Attempt + 1
	if retry.Exhausted(next, d.policy) {
		return false
	}
	delay := retry.Backoff(job.Key(), job.Attempt, d.policy)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return false
	}
	job.Attempt = next
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.timers, timer)
		if d.stopped {
			d.mu.Unlock()
			return
		}
		select {
		case d.jobs <- job:
		default:
			// Channel full: drop the slot so the reconciler path can
			// resubmit the row.
			delete(d.inflight, job.Key())
			d.logger.Warn("retry dropped, channel full", "outboxId", job.OutboxID, "attempt", job.Attempt)
		}
		d.mu.Unlock()
	})
	d.timers[timer] = struct{}{}
	d.logger.Debug("retry scheduled", "outboxId", job.OutboxID, "attempt", next, "delay", delay)
	return true
}

// Active reports whether the dispatcher accepts submissions.
func (d *Dispatcher) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.stopped
}

// InFlight reports the current in-flight job count.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// Stop rejects further submissions, cancels pending retries, and closes the
// job channel once drained by the pool.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	for timer := range d.timers {
		timer.Stop()
	}
	d.timers = map[*time.Timer]struct{}{}
	close(d.jobs)
	d.mu.Unlock()
}
