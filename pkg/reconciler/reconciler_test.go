package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/Mindburn-Labs/anchorline/pkg/contracts"
	"github.com/Mindburn-Labs/anchorline/pkg/queue"
	"github.com/Mindburn-Labs/anchorline/pkg/retry"
	"github.com/Mindburn-Labs/anchorline/pkg/store"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func setup(t *testing.T) (*store.MemoryOutboxStore, *queue.Dispatcher, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	outbox := store.NewMemoryOutboxStore(store.Options{StaleThreshold: 2 * time.Minute, Clock: clock.Now})
	dispatcher := queue.NewDispatcher(16, retry.DefaultPolicy(), nil)
	t.Cleanup(dispatcher.Stop)
	return outbox, dispatcher, clock
}

func TestSweepReclaimsAndResubmits(t *testing.T) {
	ctx := context.Background()
	outbox, dispatcher, clock := setup(t)

	// A worker died after taking the lease.
	res, _ := outbox.Write(ctx, store.WriteRequest{AppID: "a", Type: "t", Payload: map[string]any{"n": 1}})
	_ = outbox.MarkProcessing(ctx, res.ID)
	clock.Advance(2 * time.Minute)

	r := New(outbox, dispatcher, Options{})
	if n := r.Sweep(ctx); n != 1 {
		t.Fatalf("resubmitted %d rows", n)
	}

	row, _ := outbox.Get(ctx, res.ID)
	if row.Status != contracts.OutboxEnqueued {
		t.Fatalf("row status: %s", row.Status)
	}
	select {
	case job := <-dispatcher.Jobs():
		if job.OutboxID != res.ID {
			t.Fatalf("wrong job: %+v", job)
		}
	default:
		t.Fatal("job not dispatched")
	}
}

func TestSweepSkipsFreshLeases(t *testing.T) {
	ctx := context.Background()
	outbox, dispatcher, _ := setup(t)

	res, _ := outbox.Write(ctx, store.WriteRequest{AppID: "a", Type: "t", Payload: map[string]any{"n": 1}})
	_ = outbox.MarkProcessing(ctx, res.ID)

	r := New(outbox, dispatcher, Options{})
	if n := r.Sweep(ctx); n != 0 {
		t.Fatalf("fresh lease resubmitted: %d", n)
	}
	row, _ := outbox.Get(ctx, res.ID)
	if row.Status != contracts.OutboxProcessing {
		t.Fatalf("row status: %s", row.Status)
	}
}

func TestSweepWithoutDispatcherOnlyReclaims(t *testing.T) {
	ctx := context.Background()
	outbox, _, clock := setup(t)

	res, _ := outbox.Write(ctx, store.WriteRequest{AppID: "a", Type: "t", Payload: map[string]any{"n": 1}})
	_ = outbox.MarkProcessing(ctx, res.ID)
	clock.Advance(2 * time.Minute)

	r := New(outbox, nil, Options{})
	if n := r.Sweep(ctx); n != 0 {
		t.Fatalf("resubmitted without dispatcher: %d", n)
	}
	row, _ := outbox.Get(ctx, res.ID)
	if row.Status != contracts.OutboxPending {
		t.Fatalf("lease not reclaimed: %s", row.Status)
	}
}

func TestSweepRespectsLimit(t *testing.T) {
	ctx := context.Background()
	outbox, dispatcher, _ := setup(t)

	for i := 0; i < 5; i++ {
		_, _ = outbox.Write(ctx, store.WriteRequest{AppID: "a", Type: "t", Payload: map[string]any{"n": i}})
	}

	r := New(outbox, dispatcher, Options{SweepLimit: 3})
	if n := r.Sweep(ctx); n != 3 {
		t.Fatalf("limit ignored: %d", n)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	outbox, dispatcher, _ := setup(t)
	r := New(outbox, dispatcher, Options{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}
