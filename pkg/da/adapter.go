// Package da publishes sealed batches for data availability, either inline
// as calldata or as blob-carrying transactions when the serialized batch
// outgrows the calldata budget. Submission is a single-flight FIFO: callers
// enqueue and the processor drains lazily.
package da

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Mindburn-Labs/anchorline/pkg/bus"
	"github.com/Mindburn-Labs/anchorline/pkg/canonicalize"
	"github.com/Mindburn-Labs/anchorline/pkg/contracts"
)

// DefaultMaxCalldataSize is the calldata budget in bytes (128 KiB).
const DefaultMaxCalldataSize = 131072

// blobLen is the padded blob payload length.
const blobLen = 131072

// MethodCalldata and MethodBlob name the publication paths.
const (
	MethodCalldata = "calldata"
	MethodBlob     = "blob"
)

// Publisher submits the assembled transactions. *chain.TxSender satisfies it.
type Publisher interface {
	Send(ctx context.Context, to common.Address, calldata []byte) (common.Hash, error)
	SendWithBlobs(ctx context.Context, to common.Address, calldata []byte, blobs [][]byte, maxFeePerBlobGas *big.Int) (common.Hash, error)
}

// Submitted is the batch:submitted payload.
type Submitted struct {
	BatchID string `json:"batchId"`
	TxHash  string `json:"txHash"`
	Method  string `json:"method"`
	Size    int    `json:"size"`
}

// QueueRecorder observes queue depth changes. *observability.Provider
// satisfies it.
type QueueRecorder interface {
	DAQueueDelta(ctx context.Context, delta int64)
}

// Options tunes the adapter.
type Options struct {
	To                common.Address
	MaxCalldataSize   int
	EnableBlobStorage bool
	MaxFeePerBlobGas  *big.Int
	Metrics           QueueRecorder
	Logger            *slog.Logger
}

// Stats is a point-in-time snapshot. QueueSize is the main operator signal:
// the queue is unbounded, so sustained growth means upstream load shedding.
type Stats struct {
	QueueSize int    `json:"queueSize"`
	Submitted uint64 `json:"submitted"`
	Failed    uint64 `json:"failed"`
	Running   bool   `json:"running"`
}

// Adapter is the DA publication queue.
type Adapter struct {
	publisher Publisher
	bus       *bus.Bus
	opts      Options

	mu        sync.Mutex
	queue     []contracts.Batch
	running   bool
	submitted uint64
	failed    uint64

	ctx    context.Context
	cancel context.CancelFunc
	idle   sync.WaitGroup
}

// New builds an adapter publishing through the given publisher.
func New(publisher Publisher, lifecycle *bus.Bus, opts Options) *Adapter {
	if opts.MaxCalldataSize <= 0 {
		opts.MaxCalldataSize = DefaultMaxCalldataSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Logger = opts.Logger.With("component", "da")
	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{publisher: publisher, bus: lifecycle, opts: opts, ctx: ctx, cancel: cancel}
}

// SubmitBatch enqueues a batch and starts the processor if idle.
func (a *Adapter) SubmitBatch(batch contracts.Batch) {
	a.mu.Lock()
	a.queue = append(a.queue, batch)
	start := !a.running
	if start {
		a.running = true
		a.idle.Add(1)
	}
	a.mu.Unlock()

	if a.opts.Metrics != nil {
		a.opts.Metrics.DAQueueDelta(a.ctx, 1)
	}
	if start {
		go a.process()
	}
}

// Stats returns queue depth and counters.
func (a *Adapter) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{QueueSize: len(a.queue), Submitted: a.submitted, Failed: a.failed, Running: a.running}
}

// Stop cancels publication and waits for the processor to go idle.
func (a *Adapter) Stop() {
	a.cancel()
	a.idle.Wait()
}

func (a *Adapter) process() {
	defer a.idle.Done()
	for {
		a.mu.Lock()
		if len(a.queue) == 0 || a.ctx.Err() != nil {
			a.running = false
			a.mu.Unlock()
			return
		}
		batch := a.queue[0]
		a.queue = append(a.queue[:0:0], a.queue[1:]...)
		a.mu.Unlock()
		if a.opts.Metrics != nil {
			a.opts.Metrics.DAQueueDelta(a.ctx, -1)
		}

		if err := a.publishBatch(a.ctx, batch); err != nil {
			a.mu.Lock()
			a.failed++
			a.mu.Unlock()
			a.opts.Logger.Error("batch publication failed", "batchId", batch.ID, "error", err)
			if a.bus != nil {
				a.bus.Publish(bus.TopicError, fmt.Sprintf("da publish %s: %v", batch.ID, err))
			}
			// The anchor commitment already exists on chain; drop and move on.
			continue
		}
		a.mu.Lock()
		a.submitted++
		a.mu.Unlock()
	}
}

func (a *Adapter) publishBatch(ctx context.Context, batch contracts.Batch) error {
	data, err := Serialize(batch)
	if err != nil {
		return err
	}

	method := MethodCalldata
	var txHash common.Hash
	if a.opts.EnableBlobStorage && len(data) > a.opts.MaxCalldataSize {
		method = MethodBlob
		txHash, err = a.publisher.SendWithBlobs(ctx, a.opts.To, nil, splitBlobs(data), a.opts.MaxFeePerBlobGas)
	} else {
		// Oversize calldata with blobs disabled is still attempted; the
		// provider may reject it, which surfaces as a send error.
		txHash, err = a.publisher.Send(ctx, a.opts.To, data)
	}
	if err != nil {
		return fmt.Errorf("da: publish %s via %s: %w", batch.ID, method, err)
	}

	a.opts.Logger.Info("batch published",
		"batchId", batch.ID, "txHash", txHash.Hex(), "method", method, "size", len(data))
	if a.bus != nil {
		a.bus.Publish(bus.TopicBatchSubmitted, Submitted{
			BatchID: batch.ID,
			TxHash:  txHash.Hex(),
			Method:  method,
			Size:    len(data),
		})
	}
	return nil
}

// Serialize reduces a batch to its published form: per-event summaries with
// data collapsed to its canonical hash, JSON-encoded, then hex-encoded.
func Serialize(batch contracts.Batch) ([]byte, error) {
	summaries := make([]contracts.BatchEventSummary, 0, len(batch.Events))
	for _, ev := range batch.Events {
		dataHash, err := canonicalize.CanonicalHash(ev.Data)
		if err != nil {
			return nil, fmt.Errorf("da: hash event %s: %w", ev.ID, err)
		}
		summaries = append(summaries, contracts.BatchEventSummary{
			ID:        ev.ID,
			Type:      string(ev.Type),
			Timestamp: ev.Timestamp,
			UserID:    ev.UserID,
			DataHash:  dataHash,
		})
	}

	payload := contracts.BatchData{
		BatchID:    batch.ID,
		MerkleRoot: batch.MerkleRoot,
		EventCount: batch.EventCount,
		Events:     summaries,
		Metadata: contracts.BatchMetadata{
			BatchID:   batch.ID,
			StartTime: batch.StartTime,
			EndTime:   batch.EndTime,
		},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("da: serialize %s: %w", batch.ID, err)
	}
	return []byte(hex.EncodeToString(raw)), nil
}

// splitBlobs chunks serialized data into blob-sized payloads. The sender pads
// the final chunk to a full blob.
func splitBlobs(data []byte) [][]byte {
	var blobs [][]byte
	for off := 0; off < len(data); off += blobLen {
		end := off + blobLen
		if end > len(data) {
			end = len(data)
		}
		blobs = append(blobs, data[off:end])
	}
	return blobs
}
