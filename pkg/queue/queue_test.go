package queue

import (
	"context"
	"testing"
	"time"

	"github.com/Mindburn-Labs/anchorline/pkg/contracts"
	"github.com/Mindburn-Labs/anchorline/pkg/retry"
	"github.com/Mindburn-Labs/anchorline/pkg/store"
)

func newQueue(t *testing.T, buffer int) (*AnchorQueue, *Dispatcher, *store.MemoryOutboxStore) {
	t.Helper()
	outbox := store.NewMemoryOutboxStore(store.Options{})
	dispatcher := NewDispatcher(buffer, retry.DefaultPolicy(), nil)
	t.Cleanup(dispatcher.Stop)
	return NewAnchorQueue(outbox, dispatcher, nil), dispatcher, outbox
}

func TestEnqueuePersistsThenDispatches(t *testing.T) {
	ctx := context.Background()
	q, d, outbox := newQueue(t, 16)

	res, err := q.Enqueue(ctx, []contracts.IngressEvent{
		{AppID: "atlas", Event: "msg", Data: map[string]any{"id": "e1"}},
		{AppID: "atlas", Event: "msg", Data: map[string]any{"id": "e2"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.IDs) != 2 || !res.Dispatched {
		t.Fatalf("unexpected result: %+v", res)
	}

	for _, id := range res.IDs {
		row, err := outbox.Get(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if row.Status != contracts.OutboxEnqueued {
			t.Fatalf("row %s: status %s", id, row.Status)
		}
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case job := <-d.Jobs():
			seen[job.OutboxID] = true
		case <-time.After(time.Second):
			t.Fatal("job not dispatched")
		}
	}
	if !seen[res.IDs[0]] || !seen[res.IDs[1]] {
		t.Fatalf("jobs missing: %v", seen)
	}
}

func TestEnqueueCarriesIngressTimestamp(t *testing.T) {
	ctx := context.Background()
	q, _, outbox := newQueue(t, 16)

	res, err := q.Enqueue(ctx, []contracts.IngressEvent{
		{AppID: "atlas", Event: "msg", Data: map[string]any{"id": "e1"}, Timestamp: 1000},
	})
	if err != nil {
		t.Fatal(err)
	}

	row, err := outbox.Get(ctx, res.IDs[0])
	if err != nil {
		t.Fatal(err)
	}
	if row.Timestamp != 1000 {
		t.Fatalf("ingress timestamp lost: %d", row.Timestamp)
	}
	if _, ok := row.Payload["ts"]; ok {
		t.Fatal("payload must stay the caller's data")
	}
}

func TestEnqueueDedupSkipsDispatch(t *testing.T) {
	ctx := context.Background()
	q, d, _ := newQueue(t, 16)

	ev := contracts.IngressEvent{AppID: "a", Event: "t", Data: map[string]any{"k": "v"}, IdempotencyKey: "k1"}
	first, err := q.Enqueue(ctx, []contracts.IngressEvent{ev})
	if err != nil {
		t.Fatal(err)
	}
	second, err := q.Enqueue(ctx, []contracts.IngressEvent{ev})
	if err != nil {
		t.Fatal(err)
	}
	if second.IDs[0] != first.IDs[0] {
		t.Fatalf("dedup must return the original id: %v vs %v", first.IDs, second.IDs)
	}
	if got := d.InFlight(); got != 1 {
		t.Fatalf("expected a single in-flight job, got %d", got)
	}
}

func TestEnqueueFullChannelLeavesPending(t *testing.T) {
	ctx := context.Background()
	q, _, outbox := newQueue(t, 1)

	res, err := q.Enqueue(ctx, []contracts.IngressEvent{
		{AppID: "a", Event: "t", Data: map[string]any{"n": 1}},
		{AppID: "a", Event: "t", Data: map[string]any{"n": 2}},
	})
	if err != nil {
		t.Fatal(err)
	}

	first, _ := outbox.Get(ctx, res.IDs[0])
	second, _ := outbox.Get(ctx, res.IDs[1])
	if first.Status != contracts.OutboxEnqueued {
		t.Fatalf("first row: %s", first.Status)
	}
	if second.Status != contracts.OutboxPending {
		t.Fatalf("overflow row must stay pending: %s", second.Status)
	}
}

func TestEnqueueStoppedDispatcher(t *testing.T) {
	ctx := context.Background()
	outbox := store.NewMemoryOutboxStore(store.Options{})
	dispatcher := NewDispatcher(4, retry.DefaultPolicy(), nil)
	dispatcher.Stop()
	q := NewAnchorQueue(outbox, dispatcher, nil)

	res, err := q.Enqueue(ctx, []contracts.IngressEvent{{AppID: "a", Event: "t", Data: map[string]any{"n": 1}}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Dispatched {
		t.Fatal("stopped dispatcher must report inactive")
	}
	row, _ := outbox.Get(ctx, res.IDs[0])
	if row.Status != contracts.OutboxPending {
		t.Fatalf("row must stay pending: %s", row.Status)
	}
}

func TestDispatcherDedupAndDone(t *testing.T) {
	d := NewDispatcher(4, retry.DefaultPolicy(), nil)
	defer d.Stop()

	job := Job{OutboxID: "id-1", Digest: "0xd"}
	if !d.Submit(job) {
		t.Fatal("first submit rejected")
	}
	if d.Submit(job) {
		t.Fatal("duplicate submit accepted")
	}
	<-d.Jobs()
	d.Done(job)
	if !d.Submit(job) {
		t.Fatal("resubmit after Done rejected")
	}
}

func TestRetryLaterExhaustsBudget(t *testing.T) {
	policy := retry.Policy{BaseMs: 1, MaxMs: 5, MaxJitterMs: 0, MaxAttempts: 2}
	d := NewDispatcher(4, policy, nil)
	defer d.Stop()

	job := Job{OutboxID: "id-1", Digest: "0xd"}
	if !d.Submit(job) {
		t.Fatal("submit rejected")
	}
	got := <-d.Jobs()

	if !d.RetryLater(got) {
		t.Fatal("first retry must be within budget")
	}
	select {
	case got = <-d.Jobs():
	case <-time.After(time.Second):
		t.Fatal("retry never dispatched")
	}
	if got.Attempt != 1 {
		t.Fatalf("attempt counter: %d", got.Attempt)
	}

	if d.RetryLater(got) {
		t.Fatal("second retry exceeds MaxAttempts=2")
	}
}
