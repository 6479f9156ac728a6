// Package config loads anchorline node configuration from environment
// variables, optionally overlaid by a YAML operator profile.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds node configuration.
type Config struct {
	// Infrastructure
	DatabaseURL string
	RedisAddr   string
	RedisDB     int
	StateDBPath string
	LogLevel    string
	Region      string
	ProfilesDir string

	// Chain
	RPCURL             string
	TargetRPCURL       string
	ChainID            int64
	AnchorRegistry     string
	CheckpointRegistry string
	BridgeContract     string

	// Sequencer
	BatchInterval time.Duration
	MaxBatchSize  int

	// DA
	EnableBlobStorage bool
	MaxCalldataSize   int
	DATargetAddress   string

	// Checkpoint
	CheckpointInterval time.Duration

	// Bridge
	ConfirmationBlocks uint64

	// Anchor pool
	Concurrency       int
	MaxRetries        int
	BackoffBase       time.Duration
	HeartbeatInterval time.Duration
	StaleThreshold    time.Duration

	// Secrets
	MasterPassword string
	MasterSalt     string
	SignerKey      string
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		DatabaseURL: getenv("DATABASE_URL", "postgres://anchor@localhost:5432/anchorline?sslmode=disable"),
		RedisAddr:   getenv("REDIS_ADDR", "localhost:6379"),
		RedisDB:     getenvInt("REDIS_DB", 0),
		StateDBPath: getenv("STATE_DB_PATH", "data/anchorline.db"),
		LogLevel:    getenv("LOG_LEVEL", "INFO"),
		Region:      getenv("REGION", "us"),
		ProfilesDir: getenv("PROFILES_DIR", "profiles"),

		RPCURL:             os.Getenv("RPC_URL"),
		TargetRPCURL:       os.Getenv("TARGET_RPC_URL"),
		ChainID:            int64(getenvInt("CHAIN_ID", 1)),
		AnchorRegistry:     os.Getenv("ANCHOR_REGISTRY_ADDRESS"),
		CheckpointRegistry: os.Getenv("CHECKPOINT_REGISTRY_ADDRESS"),
		BridgeContract:     os.Getenv("BRIDGE_CONTRACT_ADDRESS"),

		BatchInterval: getenvMillis("BATCH_INTERVAL_MS", 30_000),
		MaxBatchSize:  getenvInt("MAX_BATCH_SIZE", 1000),

		EnableBlobStorage: os.Getenv("ENABLE_BLOB_STORAGE") == "true",
		MaxCalldataSize:   getenvInt("MAX_CALLDATA_SIZE", 131_072),
		DATargetAddress:   os.Getenv("DA_TARGET_ADDRESS"),

		CheckpointInterval: getenvMillis("CHECKPOINT_INTERVAL_MS", 3_600_000),

		ConfirmationBlocks: uint64(getenvInt("CONFIRMATION_BLOCKS", 12)),

		Concurrency:       getenvInt("ANCHOR_CONCURRENCY", 64),
		MaxRetries:        getenvInt("ANCHOR_MAX_RETRIES", 5),
		BackoffBase:       getenvMillis("ANCHOR_BACKOFF_BASE_MS", 800),
		HeartbeatInterval: getenvMillis("ANCHOR_HEARTBEAT_MS", 15_000),
		StaleThreshold:    getenvMillis("ANCHOR_STALE_THRESHOLD_MS", 120_000),

		MasterPassword: os.Getenv("SECRETS_MASTER_PASSWORD"),
		MasterSalt:     os.Getenv("SECRETS_MASTER_SALT"),
		SignerKey:      os.Getenv("SIGNER_PRIVATE_KEY"),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvMillis(key string, fallback int64) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return time.Duration(fallback) * time.Millisecond
}
