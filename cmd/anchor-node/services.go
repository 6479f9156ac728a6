package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/anchorline/pkg/audit"
	"github.com/Mindburn-Labs/anchorline/pkg/bridge"
	"github.com/Mindburn-Labs/anchorline/pkg/bus"
	"github.com/Mindburn-Labs/anchorline/pkg/chain"
	"github.com/Mindburn-Labs/anchorline/pkg/checkpoint"
	"github.com/Mindburn-Labs/anchorline/pkg/config"
	"github.com/Mindburn-Labs/anchorline/pkg/contracts"
	"github.com/Mindburn-Labs/anchorline/pkg/da"
	"github.com/Mindburn-Labs/anchorline/pkg/explorer"
	"github.com/Mindburn-Labs/anchorline/pkg/merkle"
	"github.com/Mindburn-Labs/anchorline/pkg/observability"
	"github.com/Mindburn-Labs/anchorline/pkg/queue"
	"github.com/Mindburn-Labs/anchorline/pkg/reconciler"
	"github.com/Mindburn-Labs/anchorline/pkg/retry"
	"github.com/Mindburn-Labs/anchorline/pkg/secrets"
	"github.com/Mindburn-Labs/anchorline/pkg/sequencer"
	"github.com/Mindburn-Labs/anchorline/pkg/store"
	"github.com/Mindburn-Labs/anchorline/pkg/store/state"
	"github.com/Mindburn-Labs/anchorline/pkg/worker"

	_ "github.com/lib/pq" // Postgres driver
)

// Services is the application root. Construction is leaves-first; Shutdown
// releases in the reverse order, stopping intake before storage.
type Services struct {
	cfg    *config.Config
	logger *slog.Logger

	db        *sql.DB
	outbox    store.OutboxStore
	state     *state.Store
	redis     *redis.Client
	index     *explorer.Index
	secrets   *secrets.Manager
	lifecycle *bus.Bus

	dispatcher *queue.Dispatcher
	queue      *queue.AnchorQueue
	pool       *worker.Pool
	reconciler *reconciler.Reconciler
	sequencer  *sequencer.Sequencer
	daAdapter  *da.Adapter
	checkpoint *checkpoint.Service
	bridge     *bridge.Relay
	telemetry  *observability.Provider

	cancel context.CancelFunc
}

// buildServices wires the full anchoring plane from configuration.
func buildServices(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Services, error) {
	s := &Services{cfg: cfg, logger: logger, lifecycle: bus.New()}

	telemetry, err := observability.New(ctx, &observability.Config{
		ServiceName:  "anchor-node",
		Environment:  cfg.Region,
		OTLPEndpoint: os.Getenv("OTLP_ENDPOINT"),
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
		Enabled:      os.Getenv("OTLP_ENDPOINT") != "",
		Insecure:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	s.telemetry = telemetry

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s.db = db

	pgStore := store.NewPostgresOutboxStore(db, store.Options{
		MaxRetries:     cfg.MaxRetries,
		StaleThreshold: cfg.StaleThreshold,
	})
	if err := pgStore.Init(ctx); err != nil {
		return nil, fmt.Errorf("init outbox schema: %w", err)
	}
	s.outbox = pgStore

	stateStore, err := state.Open(cfg.StateDBPath)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	s.state = stateStore

	s.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	s.index = explorer.NewIndex(s.redis, explorer.Options{Region: cfg.Region, Logger: logger})

	auditLog := audit.NewLogger()
	if cfg.MasterPassword != "" {
		manager, err := secrets.NewManager(cfg.MasterPassword, []byte(cfg.MasterSalt), auditLog)
		if err != nil {
			return nil, fmt.Errorf("secret manager: %w", err)
		}
		s.secrets = manager
	}

	signer, err := s.loadSigner()
	if err != nil {
		return nil, err
	}

	var registry sequencer.Registry
	var checkpointRegistry checkpoint.Registry
	var bridgeEmitter bridge.Emitter
	var publisher da.Publisher
	var targetChain bridge.TargetChain

	if cfg.RPCURL != "" && signer != nil {
		backend, err := chain.Dial(ctx, cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("source chain: %w", err)
		}
		sender := chain.NewTxSender(backend, signer, 0, logger)
		publisher = sender
		registry = chain.NewAnchorRegistry(sender, common.HexToAddress(cfg.AnchorRegistry))
		checkpointRegistry = chain.NewCheckpointRegistry(sender, common.HexToAddress(cfg.CheckpointRegistry))
		bridgeEmitter = chain.NewBridge(sender, common.HexToAddress(cfg.BridgeContract))
		targetChain = backend
	}
	if cfg.TargetRPCURL != "" {
		target, err := chain.Dial(ctx, cfg.TargetRPCURL)
		if err != nil {
			return nil, fmt.Errorf("target chain: %w", err)
		}
		targetChain = target
	}

	policy := retry.Policy{
		BaseMs:      cfg.BackoffBase.Milliseconds(),
		MaxMs:       30_000,
		MaxJitterMs: 250,
		MaxAttempts: cfg.MaxRetries,
	}
	s.dispatcher = queue.NewDispatcher(0, policy, logger)
	s.queue = queue.NewAnchorQueue(s.outbox, s.dispatcher, logger)

	if registry != nil {
		s.sequencer = sequencer.New(registry, s.lifecycle, sequencer.Options{
			BatchInterval: cfg.BatchInterval,
			MaxBatchSize:  cfg.MaxBatchSize,
			Head:          s.state,
			Logger:        logger,
		})
	}
	if publisher != nil {
		s.daAdapter = da.New(publisher, s.lifecycle, da.Options{
			To:                common.HexToAddress(cfg.DATargetAddress),
			MaxCalldataSize:   cfg.MaxCalldataSize,
			EnableBlobStorage: cfg.EnableBlobStorage,
			Metrics:           telemetry,
			Logger:            logger,
		})
	}
	if checkpointRegistry != nil {
		s.checkpoint = checkpoint.New(checkpointRegistry, s.state,
			checkpoint.SnapshotSource(func(context.Context) (map[string]any, error) {
				return nil, nil
			}),
			s.state,
			checkpoint.Options{Interval: cfg.CheckpointInterval, Logger: logger})
	}
	if bridgeEmitter != nil && targetChain != nil {
		s.bridge = bridge.New(bridgeEmitter, targetChain, s.lifecycle, bridge.Options{
			ConfirmationBlocks: cfg.ConfirmationBlocks,
			Logger:             logger,
		})
	}

	var feeder worker.BatchFeeder
	if s.sequencer != nil {
		feeder = s.sequencer
	}
	s.pool = worker.NewPool(s.outbox, s.dispatcher, worker.Options{
		Concurrency: cfg.Concurrency,
		Heartbeat:   cfg.HeartbeatInterval,
		Default:     worker.NewAnchorHandler(s.index, feeder),
		Metrics:     telemetry,
		Logger:      logger,
	})
	s.reconciler = reconciler.New(s.outbox, s.dispatcher, reconciler.Options{Logger: logger})
	return s, nil
}

// loadSigner resolves the signing key: environment first, then the secret
// manager under "anchor-signer".
func (s *Services) loadSigner() (*chain.Signer, error) {
	if s.cfg.SignerKey != "" {
		return chain.NewSigner(s.cfg.SignerKey)
	}
	if s.secrets != nil {
		signer, err := chain.SignerFromSecrets(s.secrets, "anchor-signer", "anchor-node")
		if err == nil {
			return signer, nil
		}
		s.logger.Warn("signer key not in secret manager", "error", err)
	}
	return nil, nil
}

// forceCheckpoint submits a checkpoint now, with optional root overrides.
// Without overrides the service gathers current state itself.
func forceCheckpoint(ctx context.Context, s *Services, l2Root, daoRoot string) (contracts.Checkpoint, error) {
	if l2Root == "" && daoRoot == "" {
		return s.checkpoint.ForceCheckpoint(ctx, nil)
	}

	data := contracts.Checkpoint{Timestamp: time.Now().UnixMilli()}
	head, batches, events, err := s.state.Head(ctx)
	if err == nil {
		data.L2Root, data.BatchCount, data.EventCount = head, batches, events
	} else {
		data.L2Root = merkle.ZeroRoot
	}
	data.DAOStateRoot = merkle.ZeroRoot
	if l2Root != "" {
		data.L2Root = l2Root
	}
	if daoRoot != "" {
		data.DAOStateRoot = daoRoot
	}

	number, prevRoot, _, err := s.state.LatestCheckpoint(ctx)
	if err != nil {
		return contracts.Checkpoint{}, err
	}
	data.Metadata = contracts.CheckpointMetadata{
		CheckpointNumber:   number + 1,
		PreviousCheckpoint: prevRoot,
	}
	return s.checkpoint.ForceCheckpoint(ctx, &data)
}

type startOptions struct {
	sequencer  bool
	checkpoint bool
}

// start launches the configured services and returns after all loops are up.
func (s *Services) start(ctx context.Context, opts startOptions) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.pool.Start(runCtx)
	go s.reconciler.Run(runCtx)

	if opts.sequencer {
		if s.sequencer == nil {
			return fmt.Errorf("sequencer requested but no chain signer configured")
		}
		if s.daAdapter != nil {
			// Sealed batches flow on to the DA queue.
			go func() {
				anchored := s.lifecycle.Subscribe(bus.TopicBatchAnchored)
				for msg := range anchored {
					if ab, ok := msg.Payload.(sequencer.AnchoredBatch); ok {
						s.telemetry.BatchAnchored(runCtx, ab.Batch.EventCount)
						s.daAdapter.SubmitBatch(ab.Batch)
					}
				}
			}()
		}
		go s.sequencer.Run(runCtx)
	}
	if opts.checkpoint {
		if s.checkpoint == nil {
			return fmt.Errorf("checkpoint service requested but no chain signer configured")
		}
		if err := s.checkpoint.Start(runCtx); err != nil {
			return err
		}
	}

	s.logger.Info("anchor node started",
		"sequencer", opts.sequencer, "checkpoint", opts.checkpoint,
		"concurrency", s.cfg.Concurrency, "region", s.cfg.Region)
	return nil
}

// shutdown stops intake first, drains the workers, then releases storage.
func (s *Services) shutdown(ctx context.Context) {
	s.logger.Info("shutting down")

	if s.dispatcher != nil {
		s.dispatcher.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.pool != nil {
		s.pool.Wait()
	}
	if s.sequencer != nil {
		<-s.sequencer.Done()
	}
	if s.daAdapter != nil {
		s.daAdapter.Stop()
	}
	if s.checkpoint != nil {
		s.checkpoint.Stop()
	}
	if s.bridge != nil {
		s.bridge.Cleanup()
	}
	s.lifecycle.Close()

	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.state != nil {
		_ = s.state.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
	if s.telemetry != nil {
		_ = s.telemetry.Shutdown(ctx)
	}
}
