// Package retry computes bounded exponential backoff with deterministic
// jitter. Jitter is a PRF over the job identity and attempt index, so replays
// of the same failure schedule identically across processes.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Policy bounds a retry schedule.
type Policy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultPolicy matches the anchor dispatch defaults: 5 attempts, 800 ms
// base, capped at 30 s with up to 250 ms jitter.
func DefaultPolicy() Policy {
	return Policy{BaseMs: 800, MaxMs: 30000, MaxJitterMs: 250, MaxAttempts: 5}
}

// Backoff returns the delay before attempt attemptIndex (0-based) for the
// given job identity.
func Backoff(jobID string, attemptIndex int, policy Policy) time.Duration {
	factor := int64(1)
	if attemptIndex > 0 {
		if attemptIndex > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attemptIndex
		}
	}

	delay := policy.BaseMs * factor
	if delay > policy.MaxMs {
		delay = policy.MaxMs
	}

	return time.Duration(delay+jitter(jobID, attemptIndex, policy)) * time.Millisecond
}

// Exhausted reports whether attemptIndex (0-based) is past the attempt budget.
func Exhausted(attemptIndex int, policy Policy) bool {
	return attemptIndex >= policy.MaxAttempts
}

func jitter(jobID string, attemptIndex int, policy Policy) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%d", jobID, attemptIndex)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(policy.MaxJitterMs))
}
