package da

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Mindburn-Labs/anchorline/pkg/bus"
	"github.com/Mindburn-Labs/anchorline/pkg/contracts"
)

type fakePublisher struct {
	mu        sync.Mutex
	calldata  [][]byte
	blobCalls [][][]byte
	err       error
}

func (f *fakePublisher) Send(_ context.Context, _ common.Address, data []byte) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return common.Hash{}, f.err
	}
	f.calldata = append(f.calldata, data)
	return common.HexToHash("0x01"), nil
}

func (f *fakePublisher) SendWithBlobs(_ context.Context, _ common.Address, _ []byte, blobs [][]byte, _ *big.Int) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return common.Hash{}, f.err
	}
	f.blobCalls = append(f.blobCalls, blobs)
	return common.HexToHash("0x02"), nil
}

func (f *fakePublisher) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calldata), len(f.blobCalls)
}

func testBatch(id string, events int) contracts.Batch {
	batch := contracts.Batch{ID: id, MerkleRoot: "0xroot", EventCount: events}
	for i := 0; i < events; i++ {
		batch.Events = append(batch.Events, contracts.AnchorEvent{
			ID:        id + "-e" + string(rune('a'+i)),
			Type:      contracts.EventMessage,
			Timestamp: int64(i + 1),
			Data:      map[string]any{"n": i},
		})
	}
	if events > 0 {
		batch.StartTime = 1
		batch.EndTime = int64(events)
	}
	return batch
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSerializeIsHexOfJSON(t *testing.T) {
	data, err := Serialize(testBatch("b1", 2))
	if err != nil {
		t.Fatal(err)
	}

	raw, err := hex.DecodeString(string(data))
	if err != nil {
		t.Fatalf("not hex: %v", err)
	}
	var decoded contracts.BatchData
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.BatchID != "b1" || decoded.EventCount != 2 || len(decoded.Events) != 2 {
		t.Fatalf("decoded: %+v", decoded)
	}
	// Event data is collapsed to its canonical hash.
	if !strings.HasPrefix(decoded.Events[0].DataHash, "0x") || len(decoded.Events[0].DataHash) != 66 {
		t.Fatalf("data hash: %s", decoded.Events[0].DataHash)
	}
}

func TestSmallBatchGoesCalldata(t *testing.T) {
	pub := &fakePublisher{}
	lifecycle := bus.New()
	submitted := lifecycle.Subscribe(bus.TopicBatchSubmitted)

	a := New(pub, lifecycle, Options{MaxCalldataSize: 100_000, EnableBlobStorage: true})
	defer a.Stop()
	a.SubmitBatch(testBatch("b1", 1))

	select {
	case msg := <-submitted:
		sub := msg.Payload.(Submitted)
		if sub.Method != MethodCalldata || sub.BatchID != "b1" || sub.Size == 0 {
			t.Fatalf("submitted: %+v", sub)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("batch:submitted never published")
	}
	if calldata, blobs := pub.counts(); calldata != 1 || blobs != 0 {
		t.Fatalf("paths: calldata=%d blobs=%d", calldata, blobs)
	}
}

func TestOversizeWithBlobsEnabledGoesBlob(t *testing.T) {
	batch := testBatch("b1", 3)
	data, err := Serialize(batch)
	if err != nil {
		t.Fatal(err)
	}

	pub := &fakePublisher{}
	a := New(pub, nil, Options{MaxCalldataSize: 100, EnableBlobStorage: true})
	defer a.Stop()

	a.SubmitBatch(batch)
	waitFor(t, func() bool { _, blobs := pub.counts(); return blobs == 1 })

	// The serialized batch itself rides in the blob, not just its hash.
	pub.mu.Lock()
	blobs := pub.blobCalls[0]
	pub.mu.Unlock()
	if len(blobs) != 1 || !bytes.Equal(blobs[0], data) {
		t.Fatalf("blob must carry the serialized batch: %d blobs", len(blobs))
	}
}

func TestSplitBlobsChunksOversizePayload(t *testing.T) {
	data := bytes.Repeat([]byte{'a'}, blobLen+10)
	blobs := splitBlobs(data)
	if len(blobs) != 2 || len(blobs[0]) != blobLen || len(blobs[1]) != 10 {
		t.Fatalf("chunks: %d", len(blobs))
	}
	if !bytes.Equal(append(append([]byte{}, blobs[0]...), blobs[1]...), data) {
		t.Fatal("chunks must reassemble to the payload")
	}
}

func TestOversizeWithBlobsDisabledStillCalldata(t *testing.T) {
	pub := &fakePublisher{}
	a := New(pub, nil, Options{MaxCalldataSize: 100, EnableBlobStorage: false})
	defer a.Stop()

	a.SubmitBatch(testBatch("b1", 3))
	waitFor(t, func() bool { calldata, _ := pub.counts(); return calldata == 1 })
}

func TestExactBoundarySelectsCalldata(t *testing.T) {
	batch := testBatch("b1", 1)
	data, err := Serialize(batch)
	if err != nil {
		t.Fatal(err)
	}

	pub := &fakePublisher{}
	// Budget exactly equal to serialized size: not "exceeds", so calldata.
	a := New(pub, nil, Options{MaxCalldataSize: len(data), EnableBlobStorage: true})
	defer a.Stop()

	a.SubmitBatch(batch)
	waitFor(t, func() bool { calldata, blobs := pub.counts(); return calldata == 1 && blobs == 0 })
}

func TestFailedBatchDroppedQueueContinues(t *testing.T) {
	pub := &fakePublisher{err: errors.New("rpc down")}
	lifecycle := bus.New()
	errs := lifecycle.Subscribe(bus.TopicError)

	a := New(pub, lifecycle, Options{})
	defer a.Stop()

	a.SubmitBatch(testBatch("b1", 1))
	select {
	case <-errs:
	case <-time.After(2 * time.Second):
		t.Fatal("error never published")
	}
	waitFor(t, func() bool { s := a.Stats(); return s.Failed == 1 && !s.Running })

	// Queue recovers for the next batch.
	pub.mu.Lock()
	pub.err = nil
	pub.mu.Unlock()
	a.SubmitBatch(testBatch("b2", 1))
	waitFor(t, func() bool { return a.Stats().Submitted == 1 })
}

func TestStatsReportQueueDepth(t *testing.T) {
	a := New(&fakePublisher{}, nil, Options{})
	defer a.Stop()
	for i := 0; i < 3; i++ {
		a.SubmitBatch(testBatch("b", 1))
	}
	waitFor(t, func() bool { s := a.Stats(); return s.Submitted == 3 && s.QueueSize == 0 })
}
