// Package sequencer seals ordered batches of anchored events and submits
// their Merkle roots to the anchor registry. One sealing loop runs per
// instance; an in-flight guard keeps batches from overlapping.
package sequencer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/Mindburn-Labs/anchorline/pkg/bus"
	"github.com/Mindburn-Labs/anchorline/pkg/contracts"
	"github.com/Mindburn-Labs/anchorline/pkg/merkle"
)

// DefaultBatchInterval is the sealing cadence.
const DefaultBatchInterval = 30 * time.Second

// DefaultMaxBatchSize caps events per batch; reaching it forces a seal.
const DefaultMaxBatchSize = 1000

// Registry anchors a sealed batch root. *chain.AnchorRegistry satisfies it.
type Registry interface {
	AnchorBundle(ctx context.Context, merkleRoot [32]byte, eventCount uint64, metadata string) (common.Hash, error)
}

// HeadRecorder persists the rollup head after each anchored batch.
// *state.Store satisfies it.
type HeadRecorder interface {
	RecordHead(ctx context.Context, l2Root string, eventCount int, unixMillis int64) error
}

// DASubmitter receives anchored batches for data-availability publication.
type DASubmitter interface {
	SubmitBatch(batch contracts.Batch)
}

// AnchoredBatch is the batch:anchored payload.
type AnchoredBatch struct {
	Batch  contracts.Batch `json:"batch"`
	TxHash string          `json:"txHash"`
}

// Options tunes the sequencer.
type Options struct {
	BatchInterval time.Duration
	MaxBatchSize  int
	Head          HeadRecorder // optional
	DA            DASubmitter  // optional
	Logger        *slog.Logger
	Clock         func() time.Time
}

// Stats is a point-in-time snapshot.
type Stats struct {
	QueueLen      int    `json:"queueLen"`
	BatchesSealed uint64 `json:"batchesSealed"`
	BatchesFailed uint64 `json:"batchesFailed"`
}

// Sequencer orders, batches, and anchors events.
type Sequencer struct {
	registry Registry
	bus      *bus.Bus
	opts     Options

	mu         sync.Mutex
	queue      []contracts.AnchorEvent
	processing bool
	sealed     uint64
	failed     uint64

	force chan struct{}
	done  chan struct{}
}

// New builds a sequencer over the given registry and lifecycle bus.
func New(registry Registry, lifecycle *bus.Bus, opts Options) *Sequencer {
	if opts.BatchInterval <= 0 {
		opts.BatchInterval = DefaultBatchInterval
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = DefaultMaxBatchSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	opts.Logger = opts.Logger.With("component", "sequencer")
	return &Sequencer{
		registry: registry,
		bus:      lifecycle,
		opts:     opts,
		force:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// AddEvent enqueues an event for the next batch. Hitting MaxBatchSize
// triggers an immediate seal.
func (s *Sequencer) AddEvent(ev contracts.AnchorEvent) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	full := len(s.queue) >= s.opts.MaxBatchSize
	s.mu.Unlock()

	if full {
		select {
		case s.force <- struct{}{}:
		default:
		}
	}
}

// Run seals batches on the configured cadence until ctx is cancelled.
func (s *Sequencer) Run(ctx context.Context) {
	defer close(s.done)

	timer := time.NewTimer(s.opts.BatchInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-s.force:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		if _, _, err := s.SealBatch(ctx); err != nil {
			s.opts.Logger.Error("batch seal failed", "error", err)
		}
		timer.Reset(s.opts.BatchInterval)
	}
}

// Done is closed when Run has exited.
func (s *Sequencer) Done() <-chan struct{} {
	return s.done
}

// Stats returns the current queue depth and batch counters.
func (s *Sequencer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{QueueLen: len(s.queue), BatchesSealed: s.sealed, BatchesFailed: s.failed}
}

// SealBatch drains up to MaxBatchSize events, anchors their Merkle root, and
// returns the sealed batch. ok is false when there was nothing to seal or a
// seal was already in flight. A failed anchor submission drops the batch;
// durability lives upstream in the outbox.
func (s *Sequencer) SealBatch(ctx context.Context) (batch contracts.Batch, ok bool, err error) {
	s.mu.Lock()
	if s.processing || len(s.queue) == 0 {
		s.mu.Unlock()
		return contracts.Batch{}, false, nil
	}
	s.processing = true
	n := len(s.queue)
	if n > s.opts.MaxBatchSize {
		n = s.opts.MaxBatchSize
	}
	events := make([]contracts.AnchorEvent, n)
	copy(events, s.queue[:n])
	s.queue = append(s.queue[:0:0], s.queue[n:]...)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.processing = false
		if err != nil {
			s.failed++
		} else if ok {
			s.sealed++
		}
		s.mu.Unlock()
	}()

	contracts.SortEvents(events)
	tree, err := merkle.BuildEventTree(events)
	if err != nil {
		return contracts.Batch{}, false, fmt.Errorf("sequencer: merkle tree: %w", err)
	}

	batch = contracts.Batch{
		ID:         uuid.NewString(),
		Events:     events,
		MerkleRoot: tree.Root(),
		StartTime:  events[0].Timestamp,
		EndTime:    events[len(events)-1].Timestamp,
		EventCount: len(events),
	}
	s.publish(bus.TopicBatchCreated, batch)

	metadata, err := json.Marshal(contracts.BatchMetadata{
		BatchID:   batch.ID,
		StartTime: batch.StartTime,
		EndTime:   batch.EndTime,
	})
	if err != nil {
		return contracts.Batch{}, false, fmt.Errorf("sequencer: metadata: %w", err)
	}

	txHash, err := s.registry.AnchorBundle(ctx, tree.RootBytes(), uint64(batch.EventCount), string(metadata))
	if err != nil {
		s.publish(bus.TopicError, fmt.Sprintf("anchor batch %s: %v", batch.ID, err))
		return contracts.Batch{}, false, fmt.Errorf("sequencer: anchor batch %s: %w", batch.ID, err)
	}

	s.opts.Logger.Info("batch anchored",
		"batchId", batch.ID, "eventCount", batch.EventCount,
		"merkleRoot", batch.MerkleRoot, "txHash", txHash.Hex())
	s.publish(bus.TopicBatchAnchored, AnchoredBatch{Batch: batch, TxHash: txHash.Hex()})

	if s.opts.Head != nil {
		if err := s.opts.Head.RecordHead(ctx, batch.MerkleRoot, batch.EventCount, s.opts.Clock().UnixMilli()); err != nil {
			s.opts.Logger.Error("head record failed", "batchId", batch.ID, "error", err)
		}
	}
	if s.opts.DA != nil {
		s.opts.DA.SubmitBatch(batch)
	}
	return batch, true, nil
}

// ForceBatch seals one batch immediately, outside the scheduled cadence.
func (s *Sequencer) ForceBatch(ctx context.Context) (contracts.Batch, bool, error) {
	return s.SealBatch(ctx)
}

func (s *Sequencer) publish(topic bus.Topic, payload any) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}
