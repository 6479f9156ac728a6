// Package bridge emits cross-chain receipts on the source chain and tracks
// each one against the target chain until it reaches confirmation depth.
// Receipts are in-flight only: a restart does not resume watchers.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/Mindburn-Labs/anchorline/pkg/bus"
	"github.com/Mindburn-Labs/anchorline/pkg/contracts"
)

// DefaultConfirmationBlocks is the target-chain depth for finality.
const DefaultConfirmationBlocks = 12

// DefaultPollInterval is the watcher cadence.
const DefaultPollInterval = 15 * time.Second

// DefaultMaxPollFailures bounds consecutive watcher errors before a receipt
// is marked failed.
const DefaultMaxPollFailures = 10

// Emitter submits the receipt on the source chain. *chain.Bridge satisfies it.
type Emitter interface {
	EmitCrossChainReceipt(ctx context.Context, receiptID, targetChain string, encodedData []byte) (common.Hash, error)
}

// TargetChain is the read surface of the target-chain provider.
type TargetChain interface {
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Options tunes the relay.
type Options struct {
	ConfirmationBlocks uint64
	PollInterval       time.Duration
	MaxPollFailures    int
	Logger             *slog.Logger
}

// Relay emits and tracks cross-chain receipts.
type Relay struct {
	emitter   Emitter
	target    TargetChain
	lifecycle *bus.Bus
	opts      Options

	mu       sync.Mutex
	receipts map[string]*tracked
}

type tracked struct {
	receipt contracts.CrossChainReceipt
	cancel  context.CancelFunc
}

// New builds a relay over the source-chain emitter and target-chain provider.
func New(emitter Emitter, target TargetChain, lifecycle *bus.Bus, opts Options) *Relay {
	if opts.ConfirmationBlocks == 0 {
		opts.ConfirmationBlocks = DefaultConfirmationBlocks
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxPollFailures <= 0 {
		opts.MaxPollFailures = DefaultMaxPollFailures
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Logger = opts.Logger.With("component", "bridge")
	return &Relay{emitter: emitter, target: target, lifecycle: lifecycle, opts: opts, receipts: make(map[string]*tracked)}
}

// RelayReceipt emits the receipt on the source chain and starts its
// confirmation watcher. The receipt enters the map as pending; on a terminal
// transition the watcher publishes the final state and prunes the entry.
func (r *Relay) RelayReceipt(ctx context.Context, receipt contracts.CrossChainReceipt) error {
	encoded, err := json.Marshal(struct {
		ReceiptID   string         `json:"receiptId"`
		SourceChain string         `json:"sourceChain"`
		TargetChain string         `json:"targetChain"`
		Payload     map[string]any `json:"payload,omitempty"`
		Timestamp   int64          `json:"timestamp"`
	}{receipt.ReceiptID, receipt.SourceChain, receipt.TargetChain, receipt.Data, receipt.Timestamp})
	if err != nil {
		return fmt.Errorf("bridge: encode receipt %s: %w", receipt.ReceiptID, err)
	}

	txHash, err := r.emitter.EmitCrossChainReceipt(ctx, receipt.ReceiptID, receipt.TargetChain, encoded)
	if err != nil {
		receipt.Status = contracts.CrossChainFailed
		r.publish(bus.TopicReceiptFailed, receipt)
		return fmt.Errorf("bridge: emit receipt %s: %w", receipt.ReceiptID, err)
	}

	receipt.Status = contracts.CrossChainPending
	receipt.TxHash = txHash.Hex()

	watchCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.receipts[receipt.ReceiptID] = &tracked{receipt: receipt, cancel: cancel}
	r.mu.Unlock()

	go r.watch(watchCtx, receipt.ReceiptID, txHash)
	r.opts.Logger.Info("receipt relayed",
		"receiptId", receipt.ReceiptID, "targetChain", receipt.TargetChain, "txHash", receipt.TxHash)
	return nil
}

// Status returns the receipt while its watcher is in flight. Terminal
// receipts are pruned; their final state rides on the bus event.
func (r *Relay) Status(receiptID string) (contracts.CrossChainReceipt, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tr, ok := r.receipts[receiptID]
	if !ok {
		return contracts.CrossChainReceipt{}, false
	}
	return tr.receipt, true
}

// InFlight reports the number of tracked receipts.
func (r *Relay) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.receipts)
}

// Cleanup cancels all watchers and clears the map.
func (r *Relay) Cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tr := range r.receipts {
		tr.cancel()
	}
	r.receipts = make(map[string]*tracked)
}

func (r *Relay) watch(ctx context.Context, receiptID string, txHash common.Hash) {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		confirmations, err := r.confirmations(ctx, txHash)
		if err != nil {
			failures++
			r.opts.Logger.Warn("confirmation poll failed",
				"receiptId", receiptID, "failures", failures, "error", err)
			if failures >= r.opts.MaxPollFailures {
				r.transition(receiptID, contracts.CrossChainFailed, bus.TopicReceiptFailed)
				return
			}
			continue
		}
		failures = 0

		if confirmations >= r.opts.ConfirmationBlocks {
			r.transition(receiptID, contracts.CrossChainConfirmed, bus.TopicReceiptConfirmed)
			return
		}
	}
}

// confirmations returns the depth of txHash on the target chain, 0 when the
// transaction is not yet visible.
func (r *Relay) confirmations(ctx context.Context, txHash common.Hash) (uint64, error) {
	receipt, err := r.target.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return 0, nil
	}
	if err != nil || receipt == nil {
		return 0, err
	}
	head, err := r.target.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	mined := receipt.BlockNumber.Uint64()
	if head < mined {
		return 0, nil
	}
	return head - mined + 1, nil
}

func (r *Relay) transition(receiptID string, status contracts.CrossChainStatus, topic bus.Topic) {
	r.mu.Lock()
	tr, ok := r.receipts[receiptID]
	if !ok {
		r.mu.Unlock()
		return
	}
	tr.cancel()
	delete(r.receipts, receiptID)
	receipt := tr.receipt
	receipt.Status = status
	r.mu.Unlock()

	r.opts.Logger.Info("receipt transitioned", "receiptId", receiptID, "status", status)
	r.publish(topic, receipt)
}

func (r *Relay) publish(topic bus.Topic, receipt contracts.CrossChainReceipt) {
	if r.lifecycle != nil {
		r.lifecycle.Publish(topic, receipt)
	}
}
