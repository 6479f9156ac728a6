package sequencer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Mindburn-Labs/anchorline/pkg/bus"
	"github.com/Mindburn-Labs/anchorline/pkg/contracts"
)

type fakeRegistry struct {
	mu      sync.Mutex
	anchors []anchorCall
	err     error
}

type anchorCall struct {
	root       [32]byte
	eventCount uint64
	metadata   string
}

func (f *fakeRegistry) AnchorBundle(_ context.Context, root [32]byte, eventCount uint64, metadata string) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return common.Hash{}, f.err
	}
	f.anchors = append(f.anchors, anchorCall{root: root, eventCount: eventCount, metadata: metadata})
	return common.HexToHash("0x01"), nil
}

func (f *fakeRegistry) calls() []anchorCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]anchorCall(nil), f.anchors...)
}

type fakeHead struct {
	mu    sync.Mutex
	roots []string
}

func (f *fakeHead) RecordHead(_ context.Context, l2Root string, _ int, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roots = append(f.roots, l2Root)
	return nil
}

type fakeDA struct {
	mu      sync.Mutex
	batches []contracts.Batch
}

func (f *fakeDA) SubmitBatch(batch contracts.Batch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, batch)
}

func ev(id string, ts int64) contracts.AnchorEvent {
	return contracts.AnchorEvent{ID: id, Type: contracts.EventMessage, Timestamp: ts, Data: map[string]any{"id": id}}
}

func TestSealBatchSortsAndAnchors(t *testing.T) {
	registry := &fakeRegistry{}
	head := &fakeHead{}
	da := &fakeDA{}
	lifecycle := bus.New()
	created := lifecycle.Subscribe(bus.TopicBatchCreated)
	anchored := lifecycle.Subscribe(bus.TopicBatchAnchored)

	s := New(registry, lifecycle, Options{Head: head, DA: da})
	s.AddEvent(ev("b", 2))
	s.AddEvent(ev("a", 1))
	s.AddEvent(ev("c", 1))

	batch, ok, err := s.SealBatch(context.Background())
	if err != nil || !ok {
		t.Fatalf("seal: ok=%v err=%v", ok, err)
	}

	// Canonical order is (timestamp asc, id asc): a, c, b.
	gotOrder := []string{batch.Events[0].ID, batch.Events[1].ID, batch.Events[2].ID}
	if gotOrder[0] != "a" || gotOrder[1] != "c" || gotOrder[2] != "b" {
		t.Fatalf("order: %v", gotOrder)
	}
	if batch.StartTime != 1 || batch.EndTime != 2 || batch.EventCount != 3 {
		t.Fatalf("window: %+v", batch)
	}

	calls := registry.calls()
	if len(calls) != 1 || calls[0].eventCount != 3 {
		t.Fatalf("anchor calls: %+v", calls)
	}
	var meta contracts.BatchMetadata
	if err := json.Unmarshal([]byte(calls[0].metadata), &meta); err != nil {
		t.Fatal(err)
	}
	if meta.BatchID != batch.ID || meta.StartTime != 1 || meta.EndTime != 2 {
		t.Fatalf("metadata: %+v", meta)
	}

	if msg := <-created; msg.Payload.(contracts.Batch).ID != batch.ID {
		t.Fatal("batch:created payload mismatch")
	}
	if msg := <-anchored; msg.Payload.(AnchoredBatch).TxHash == "" {
		t.Fatal("batch:anchored missing tx hash")
	}

	if len(head.roots) != 1 || head.roots[0] != batch.MerkleRoot {
		t.Fatalf("head roots: %v", head.roots)
	}
	if len(da.batches) != 1 || da.batches[0].ID != batch.ID {
		t.Fatalf("da batches: %d", len(da.batches))
	}
}

func TestSealBatchDeterministicAcrossPermutations(t *testing.T) {
	seal := func(order []contracts.AnchorEvent) string {
		registry := &fakeRegistry{}
		s := New(registry, nil, Options{})
		for _, e := range order {
			s.AddEvent(e)
		}
		batch, ok, err := s.SealBatch(context.Background())
		if err != nil || !ok {
			t.Fatalf("seal: ok=%v err=%v", ok, err)
		}
		return batch.MerkleRoot
	}

	a, b, c := ev("a", 1), ev("b", 2), ev("c", 1)
	root1 := seal([]contracts.AnchorEvent{b, a, c})
	root2 := seal([]contracts.AnchorEvent{a, b, c})
	if root1 != root2 {
		t.Fatalf("roots differ: %s vs %s", root1, root2)
	}
}

func TestSealBatchEmptyQueue(t *testing.T) {
	s := New(&fakeRegistry{}, nil, Options{})
	if _, ok, err := s.SealBatch(context.Background()); ok || err != nil {
		t.Fatalf("empty queue: ok=%v err=%v", ok, err)
	}
}

func TestSealBatchFailureDropsEvents(t *testing.T) {
	registry := &fakeRegistry{err: errors.New("rpc down")}
	lifecycle := bus.New()
	errs := lifecycle.Subscribe(bus.TopicError)

	s := New(registry, lifecycle, Options{})
	s.AddEvent(ev("a", 1))

	if _, _, err := s.SealBatch(context.Background()); err == nil {
		t.Fatal("expected anchor failure")
	}
	select {
	case <-errs:
	case <-time.After(time.Second):
		t.Fatal("error event not published")
	}

	// Events are not requeued; durability lives in the outbox.
	if st := s.Stats(); st.QueueLen != 0 || st.BatchesFailed != 1 {
		t.Fatalf("stats: %+v", st)
	}

	// A later seal finds nothing.
	if _, ok, _ := s.SealBatch(context.Background()); ok {
		t.Fatal("dropped events reappeared")
	}
}

func TestSealBatchCapsAtMaxBatchSize(t *testing.T) {
	registry := &fakeRegistry{}
	s := New(registry, nil, Options{MaxBatchSize: 2})
	for i := 0; i < 3; i++ {
		s.AddEvent(ev(fmt.Sprintf("e%d", i), int64(i)))
	}

	batch, ok, err := s.SealBatch(context.Background())
	if err != nil || !ok {
		t.Fatal(err)
	}
	if batch.EventCount != 2 {
		t.Fatalf("batch size: %d", batch.EventCount)
	}
	if st := s.Stats(); st.QueueLen != 1 {
		t.Fatalf("remainder: %+v", st)
	}
}

func TestFullQueueForcesImmediateSeal(t *testing.T) {
	registry := &fakeRegistry{}
	s := New(registry, nil, Options{BatchInterval: time.Hour, MaxBatchSize: 2})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.AddEvent(ev("a", 1))
	s.AddEvent(ev("b", 2))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(registry.calls()) == 1 {
			cancel()
			<-s.Done()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("full queue never forced a seal")
}
