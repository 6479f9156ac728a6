package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Mindburn-Labs/anchorline/pkg/contracts"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time               { return c.now }
func (c *fakeClock) Advance(d time.Duration)      { c.now = c.now.Add(d) }
func newFakeClock() *fakeClock                    { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }
func newMemStore(c *fakeClock) *MemoryOutboxStore {
	return NewMemoryOutboxStore(Options{MaxRetries: 3, StaleThreshold: 2 * time.Minute, Clock: c.Now})
}

func TestWriteThenDedup(t *testing.T) {
	ctx := context.Background()
	s := newMemStore(newFakeClock())

	first, err := s.Write(ctx, WriteRequest{AppID: "atlas", Type: "msg", Payload: map[string]any{"id": "e1"}})
	if err != nil {
		t.Fatal(err)
	}
	if first.Deduplicated {
		t.Fatal("first write must not dedup")
	}

	second, err := s.Write(ctx, WriteRequest{AppID: "atlas", Type: "msg", Payload: map[string]any{"id": "e1"}})
	if err != nil {
		t.Fatal(err)
	}
	if !second.Deduplicated || second.ID != first.ID {
		t.Fatalf("same payload must dedup onto the live row: %+v vs %+v", first, second)
	}
}

func TestDedupAgainstReceipt(t *testing.T) {
	ctx := context.Background()
	s := newMemStore(newFakeClock())

	res, _ := s.Write(ctx, WriteRequest{AppID: "a", Type: "t", Payload: map[string]any{"k": "v"}, IdempotencyKey: "k1"})
	if err := s.MarkCompleted(ctx, res.ID, "k1", "0xtx"); err != nil {
		t.Fatal(err)
	}

	again, err := s.Write(ctx, WriteRequest{AppID: "a", Type: "t", Payload: map[string]any{"k": "v"}, IdempotencyKey: "k1"})
	if err != nil {
		t.Fatal(err)
	}
	if !again.Deduplicated || again.ID != res.ID {
		t.Fatalf("receipt must short-circuit the write: %+v", again)
	}
}

func TestMarkCompletedTwiceSingleReceipt(t *testing.T) {
	ctx := context.Background()
	s := newMemStore(newFakeClock())

	res, _ := s.Write(ctx, WriteRequest{AppID: "a", Type: "t", Payload: map[string]any{"n": 1}})
	if err := s.MarkCompleted(ctx, res.ID, res.IdempotencyKey, "0xfirst"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkCompleted(ctx, res.ID, res.IdempotencyKey, "0xsecond"); err != nil {
		t.Fatal(err)
	}

	receipt, err := s.GetReceipt(ctx, res.IdempotencyKey)
	if err != nil {
		t.Fatal(err)
	}
	if receipt.TxHash != "0xfirst" {
		t.Fatalf("second completion must not overwrite the receipt: %s", receipt.TxHash)
	}
}

func TestRetriesToDeadLetter(t *testing.T) {
	ctx := context.Background()
	s := newMemStore(newFakeClock())

	res, _ := s.Write(ctx, WriteRequest{AppID: "a", Type: "t", Payload: map[string]any{"n": 1}})
	boom := errors.New("handler exploded")

	for i := 0; i < 2; i++ {
		if err := s.MarkFailed(ctx, res.ID, boom); err != nil {
			t.Fatal(err)
		}
		row, _ := s.Get(ctx, res.ID)
		if row.Status != contracts.OutboxFailed {
			t.Fatalf("attempt %d: status %s", i, row.Status)
		}
	}

	// Third failure hits MaxRetries=3 and transitions atomically.
	if err := s.MarkFailed(ctx, res.ID, boom); err != nil {
		t.Fatal(err)
	}
	row, _ := s.Get(ctx, res.ID)
	if row.Status != contracts.OutboxDeadLetter {
		t.Fatalf("expected dead_letter, got %s", row.Status)
	}
	if row.RetryCount != 3 || row.LastError != "handler exploded" {
		t.Fatalf("bookkeeping: %+v", row)
	}

	dead, _ := s.ListDeadLetter(ctx, 10)
	if len(dead) != 1 {
		t.Fatalf("dead letter listing: %d", len(dead))
	}
}

func TestRetryDeadLetterResets(t *testing.T) {
	ctx := context.Background()
	s := newMemStore(newFakeClock())

	res, _ := s.Write(ctx, WriteRequest{AppID: "a", Type: "t", Payload: map[string]any{"n": 1}})
	for i := 0; i < 3; i++ {
		_ = s.MarkFailed(ctx, res.ID, errors.New("x"))
	}

	if err := s.RetryDeadLetter(ctx, res.ID); err != nil {
		t.Fatal(err)
	}
	row, _ := s.Get(ctx, res.ID)
	if row.Status != contracts.OutboxPending || row.RetryCount != 0 || row.LastError != "" {
		t.Fatalf("reset incomplete: %+v", row)
	}

	// Only dead-letter rows are retryable.
	if err := s.RetryDeadLetter(ctx, res.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetPendingIncludesStaleProcessing(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := newMemStore(clock)

	res, _ := s.Write(ctx, WriteRequest{AppID: "a", Type: "t", Payload: map[string]any{"n": 1}})
	_ = s.MarkProcessing(ctx, res.ID)

	// Fresh lease: not dispatchable.
	if rows, _ := s.GetPending(ctx, 10); len(rows) != 0 {
		t.Fatalf("fresh lease leaked into pending: %d", len(rows))
	}

	// Exactly at the threshold: reclaimable (boundary inclusive).
	clock.Advance(2 * time.Minute)
	rows, _ := s.GetPending(ctx, 10)
	if len(rows) != 1 || rows[0].ID != res.ID {
		t.Fatalf("stale lease must be dispatchable: %d", len(rows))
	}
}

func TestHeartbeatKeepsLeaseAlive(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := newMemStore(clock)

	res, _ := s.Write(ctx, WriteRequest{AppID: "a", Type: "t", Payload: map[string]any{"n": 1}})
	_ = s.MarkProcessing(ctx, res.ID)

	clock.Advance(90 * time.Second)
	_ = s.UpdateHeartbeat(ctx, res.ID)
	clock.Advance(90 * time.Second) // 3 min total, but heartbeat 90s ago

	if n, _ := s.Reconcile(ctx); n != 0 {
		t.Fatalf("live lease reclaimed: %d", n)
	}
}

func TestReconcileConvergence(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := newMemStore(clock)

	var ids []string
	for i := 0; i < 5; i++ {
		res, _ := s.Write(ctx, WriteRequest{
			AppID: "a", Type: "t", Payload: map[string]any{"n": i},
		})
		_ = s.MarkProcessing(ctx, res.ID)
		ids = append(ids, res.ID)
	}

	clock.Advance(2 * time.Minute)
	n, err := s.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Fatalf("expected 5 recovered, got %d", n)
	}
	for _, id := range ids {
		row, _ := s.Get(ctx, id)
		if row.Status != contracts.OutboxPending || row.HeartbeatAt != nil {
			t.Fatalf("row %s not reclaimed: %+v", id, row)
		}
	}

	// Idempotent: a second pass finds nothing.
	if n, _ := s.Reconcile(ctx); n != 0 {
		t.Fatalf("second reconcile recovered %d", n)
	}
}

func TestConfirmReceipt(t *testing.T) {
	ctx := context.Background()
	s := newMemStore(newFakeClock())

	res, _ := s.Write(ctx, WriteRequest{AppID: "a", Type: "t", Payload: map[string]any{"n": 1}})
	_ = s.MarkCompleted(ctx, res.ID, res.IdempotencyKey, "0xtx")
	if err := s.ConfirmReceipt(ctx, res.IdempotencyKey, 42); err != nil {
		t.Fatal(err)
	}

	receipt, _ := s.GetReceipt(ctx, res.IdempotencyKey)
	if receipt.Status != contracts.ReceiptConfirmed || receipt.BlockNumber != 42 || receipt.ConfirmedAt == nil {
		t.Fatalf("confirmation incomplete: %+v", receipt)
	}
}
