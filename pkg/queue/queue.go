// Package queue accepts ingress events, persists them durably, and hands
// dispatch descriptors to the worker pool. Persistence always happens first;
// dispatch is best effort and the reconciler covers any gap.
package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/anchorline/pkg/contracts"
	"github.com/Mindburn-Labs/anchorline/pkg/store"
)

// EnqueueResult reports the outcome of one Enqueue call.
type EnqueueResult struct {
	IDs        []string `json:"ids"`
	Dispatched bool     `json:"dispatched"`
}

// AnchorQueue is the ingress of the anchoring plane.
type AnchorQueue struct {
	store      store.OutboxStore
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// NewAnchorQueue builds the queue over the given outbox store and dispatcher.
func NewAnchorQueue(outbox store.OutboxStore, dispatcher *Dispatcher, logger *slog.Logger) *AnchorQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnchorQueue{store: outbox, dispatcher: dispatcher, logger: logger.With("component", "queue")}
}

// Enqueue persists each event to the outbox, then offers a job descriptor to
// the dispatcher. Rows whose dispatch fails stay pending for the reconciler.
// Duplicate events dedup onto the existing row or receipt and are not
// re-dispatched. A persistence error aborts the call; earlier events in the
// slice remain persisted.
func (q *AnchorQueue) Enqueue(ctx context.Context, events []contracts.IngressEvent) (EnqueueResult, error) {
	result := EnqueueResult{Dispatched: q.dispatcher.Active()}

	for _, ev := range events {
		res, err := q.store.Write(ctx, store.WriteRequest{
			AppID:          ev.AppID,
			Type:           ev.Event,
			Payload:        ev.Data,
			Timestamp:      ev.Timestamp,
			IdempotencyKey: ev.IdempotencyKey,
		})
		if err != nil {
			return result, fmt.Errorf("queue: persist event for %s: %w", ev.AppID, err)
		}
		result.IDs = append(result.IDs, res.ID)

		if res.Deduplicated {
			q.logger.Debug("event deduplicated", "outboxId", res.ID, "idempotencyKey", res.IdempotencyKey)
			continue
		}

		job := Job{OutboxID: res.ID, Digest: res.Digest, IdempotencyKey: res.IdempotencyKey}
		if !q.dispatcher.Submit(job) {
			q.logger.Warn("dispatch unavailable, row left pending", "outboxId", res.ID)
			continue
		}
		if err := q.store.MarkEnqueued(ctx, res.ID); err != nil {
			// The job is already in flight; the worker will still find the
			// row by id.
			q.logger.Warn("mark enqueued failed", "outboxId", res.ID, "error", err)
		}
	}
	return result, nil
}
