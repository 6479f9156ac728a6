// Package checkpoint commits the rollup head and governance state roots to
// the L1 checkpoint registry on a fixed cadence. The service only submits;
// finalization delay is contract-side.
package checkpoint

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Mindburn-Labs/anchorline/pkg/canonicalize"
	"github.com/Mindburn-Labs/anchorline/pkg/contracts"
	"github.com/Mindburn-Labs/anchorline/pkg/merkle"
	"github.com/Mindburn-Labs/anchorline/pkg/store/state"
)

// DefaultInterval is the checkpoint cadence.
const DefaultInterval = time.Hour

// Registry submits checkpoints on chain. *chain.CheckpointRegistry satisfies it.
type Registry interface {
	SubmitCheckpoint(ctx context.Context, l2Root, daoStateRoot [32]byte, metadata string) (common.Hash, error)
}

// HeadSource provides the current rollup head. *state.Store satisfies it.
type HeadSource interface {
	Head(ctx context.Context) (l2Root string, batchCount, eventCount uint64, err error)
}

// DAOStateSource provides the governance state root.
type DAOStateSource interface {
	DAOStateRoot(ctx context.Context) (string, error)
}

// CheckpointStore persists the local checkpoint chain. *state.Store satisfies it.
type CheckpointStore interface {
	RecordCheckpoint(ctx context.Context, l2Root, daoRoot, txHash string, unixMillis int64) (uint64, error)
	LatestCheckpoint(ctx context.Context) (number uint64, l2Root, daoRoot string, err error)
}

// HashGovernanceState reduces a governance snapshot to its canonical keccak
// root. A nil snapshot hashes to the zero sentinel.
func HashGovernanceState(snapshot map[string]any) (string, error) {
	if len(snapshot) == 0 {
		return merkle.ZeroRoot, nil
	}
	return canonicalize.CanonicalHash(snapshot)
}

// SnapshotSource adapts a governance snapshot function to DAOStateSource.
type SnapshotSource func(ctx context.Context) (map[string]any, error)

// DAOStateRoot implements DAOStateSource.
func (f SnapshotSource) DAOStateRoot(ctx context.Context) (string, error) {
	snapshot, err := f(ctx)
	if err != nil {
		return "", err
	}
	return HashGovernanceState(snapshot)
}

// Options tunes the service.
type Options struct {
	Interval time.Duration
	Logger   *slog.Logger
	Clock    func() time.Time
}

// Service is the periodic checkpoint submitter.
type Service struct {
	registry Registry
	head     HeadSource
	dao      DAOStateSource
	store    CheckpointStore
	opts     Options

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds a checkpoint service.
func New(registry Registry, head HeadSource, dao DAOStateSource, cpStore CheckpointStore, opts Options) *Service {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	opts.Logger = opts.Logger.With("component", "checkpoint")
	return &Service{registry: registry, head: head, dao: dao, store: cpStore, opts: opts}
}

// Start launches the cadence loop. A second Start while running is an error.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("checkpoint: already running")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if _, err := s.submitOnce(loopCtx, nil); err != nil {
					s.opts.Logger.Error("scheduled checkpoint failed", "error", err)
				}
			}
		}
	}()
	return nil
}

// Stop halts the cadence loop and waits for any in-flight submission.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
}

// Running reports whether the cadence loop is active.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ForceCheckpoint submits immediately, outside the schedule. A nil data
// gathers the current state first.
func (s *Service) ForceCheckpoint(ctx context.Context, data *contracts.Checkpoint) (contracts.Checkpoint, error) {
	return s.submitOnce(ctx, data)
}

func (s *Service) submitOnce(ctx context.Context, data *contracts.Checkpoint) (contracts.Checkpoint, error) {
	cp := contracts.Checkpoint{}
	if data != nil {
		cp = *data
	} else {
		gathered, err := s.gather(ctx)
		if err != nil {
			return contracts.Checkpoint{}, fmt.Errorf("checkpoint: gather: %w", err)
		}
		cp = gathered
	}

	l2Root, err := decodeRoot(cp.L2Root)
	if err != nil {
		return contracts.Checkpoint{}, fmt.Errorf("checkpoint: l2 root: %w", err)
	}
	daoRoot, err := decodeRoot(cp.DAOStateRoot)
	if err != nil {
		return contracts.Checkpoint{}, fmt.Errorf("checkpoint: dao root: %w", err)
	}
	metadata, err := json.Marshal(cp.Metadata)
	if err != nil {
		return contracts.Checkpoint{}, fmt.Errorf("checkpoint: metadata: %w", err)
	}

	txHash, err := s.registry.SubmitCheckpoint(ctx, l2Root, daoRoot, string(metadata))
	if err != nil {
		return contracts.Checkpoint{}, fmt.Errorf("checkpoint: submit: %w", err)
	}

	cp.TxHash = txHash.Hex()
	if s.store != nil {
		number, err := s.store.RecordCheckpoint(ctx, cp.L2Root, cp.DAOStateRoot, txHash.Hex(), cp.Timestamp)
		if err != nil {
			s.opts.Logger.Error("checkpoint record failed", "error", err)
		} else {
			cp.Metadata.CheckpointNumber = number
		}
	}

	s.opts.Logger.Info("checkpoint submitted",
		"number", cp.Metadata.CheckpointNumber, "l2Root", cp.L2Root,
		"daoStateRoot", cp.DAOStateRoot, "txHash", txHash.Hex())
	return cp, nil
}

// gather assembles the checkpoint from the head state, the governance hasher,
// and the local checkpoint chain.
func (s *Service) gather(ctx context.Context) (contracts.Checkpoint, error) {
	cp := contracts.Checkpoint{Timestamp: s.opts.Clock().UnixMilli()}

	l2Root, batchCount, eventCount, err := s.head.Head(ctx)
	if errors.Is(err, state.ErrNoHead) {
		l2Root = merkle.ZeroRoot
	} else if err != nil {
		return contracts.Checkpoint{}, fmt.Errorf("head state: %w", err)
	}
	cp.L2Root = l2Root
	cp.BatchCount = batchCount
	cp.EventCount = eventCount

	daoRoot, err := s.dao.DAOStateRoot(ctx)
	if err != nil {
		return contracts.Checkpoint{}, fmt.Errorf("dao state: %w", err)
	}
	cp.DAOStateRoot = daoRoot

	if s.store != nil {
		number, prevRoot, _, err := s.store.LatestCheckpoint(ctx)
		if err != nil {
			return contracts.Checkpoint{}, fmt.Errorf("checkpoint chain: %w", err)
		}
		cp.Metadata = contracts.CheckpointMetadata{
			CheckpointNumber:   number + 1,
			PreviousCheckpoint: prevRoot,
		}
	}
	return cp, nil
}

func decodeRoot(root string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(root, "0x"))
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("root must be 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
