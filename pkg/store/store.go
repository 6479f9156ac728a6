// Package store owns authoritative anchoring state: the durable outbox and
// the exactly-once receipt ledger. Workers never mutate rows directly; every
// transition goes through this contract and is idempotent.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Mindburn-Labs/anchorline/pkg/contracts"
)

// Defaults for lease and retry bookkeeping.
const (
	DefaultMaxRetries     = 5
	DefaultStaleThreshold = 120 * time.Second
)

// ErrNotFound is returned when a row or receipt is absent.
var ErrNotFound = errors.New("store: not found")

// WriteRequest is the durable-write input for a single ingress event.
type WriteRequest struct {
	AppID          string
	Type           string
	Payload        map[string]any
	Timestamp      int64  // event time in unix milliseconds; optional
	IdempotencyKey string // optional; derived from appId|type|digest when empty
}

// OutboxStore is the contract every outbox implementation satisfies.
//
// Semantics:
//   - Write deduplicates on idempotency key against existing receipts; a
//     prior receipt short-circuits with its identifiers and no new row.
//   - MarkCompleted is safe to call twice: the receipt insert is conditional
//     on absence.
//   - MarkFailed increments retryCount; at the retry budget the row goes to
//     dead_letter atomically.
//   - GetPending returns pending/enqueued/failed rows plus processing rows
//     whose heartbeat is stale (boundary inclusive) or null.
//   - Reconcile transitions stale processing rows back to pending with a
//     compare-and-set, so an awakening worker cannot race the reclaim.
type OutboxStore interface {
	Write(ctx context.Context, req WriteRequest) (*contracts.WriteResult, error)
	Get(ctx context.Context, id string) (*contracts.OutboxEvent, error)

	MarkEnqueued(ctx context.Context, id string) error
	MarkProcessing(ctx context.Context, id string) error
	UpdateHeartbeat(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id, idempotencyKey, txRef string) error
	MarkFailed(ctx context.Context, id string, cause error) error

	GetPending(ctx context.Context, limit int) ([]*contracts.OutboxEvent, error)
	Reconcile(ctx context.Context) (int, error)

	ConfirmReceipt(ctx context.Context, idempotencyKey string, blockNumber uint64) error
	GetReceipt(ctx context.Context, idempotencyKey string) (*contracts.AnchorReceipt, error)

	RetryDeadLetter(ctx context.Context, id string) error
	ListDeadLetter(ctx context.Context, limit int) ([]*contracts.OutboxEvent, error)
}

// Options tune an outbox store.
type Options struct {
	MaxRetries     int
	StaleThreshold time.Duration
	Clock          func() time.Time
}

func (o *Options) defaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.StaleThreshold <= 0 {
		o.StaleThreshold = DefaultStaleThreshold
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}
