package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is an operator-supplied YAML overlay, keyed by region code.
// Zero-valued fields leave the environment-derived configuration untouched.
type Profile struct {
	Name               string `yaml:"name"`
	Code               string `yaml:"code"`
	Region             string `yaml:"region"`
	BatchIntervalMs    int64  `yaml:"batch_interval_ms"`
	MaxBatchSize       int    `yaml:"max_batch_size"`
	CheckpointMs       int64  `yaml:"checkpoint_interval_ms"`
	ConfirmationBlocks uint64 `yaml:"confirmation_blocks"`
	EnableBlobStorage  *bool  `yaml:"enable_blob_storage"`
	MaxCalldataSize    int    `yaml:"max_calldata_size"`
	Concurrency        int    `yaml:"concurrency"`
	MaxRetries         int    `yaml:"max_retries"`
}

// LoadProfile loads profile_<code>.yaml from the profiles directory.
func LoadProfile(profilesDir, code string) (*Profile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}

	if profile.Code == "" {
		profile.Code = code
	}
	return &profile, nil
}

// Apply overlays non-zero profile fields onto cfg.
func (p *Profile) Apply(cfg *Config) {
	if p.Region != "" {
		cfg.Region = p.Region
	}
	if p.BatchIntervalMs > 0 {
		cfg.BatchInterval = time.Duration(p.BatchIntervalMs) * time.Millisecond
	}
	if p.MaxBatchSize > 0 {
		cfg.MaxBatchSize = p.MaxBatchSize
	}
	if p.CheckpointMs > 0 {
		cfg.CheckpointInterval = time.Duration(p.CheckpointMs) * time.Millisecond
	}
	if p.ConfirmationBlocks > 0 {
		cfg.ConfirmationBlocks = p.ConfirmationBlocks
	}
	if p.EnableBlobStorage != nil {
		cfg.EnableBlobStorage = *p.EnableBlobStorage
	}
	if p.MaxCalldataSize > 0 {
		cfg.MaxCalldataSize = p.MaxCalldataSize
	}
	if p.Concurrency > 0 {
		cfg.Concurrency = p.Concurrency
	}
	if p.MaxRetries > 0 {
		cfg.MaxRetries = p.MaxRetries
	}
}
