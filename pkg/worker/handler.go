package worker

import (
	"context"

	"github.com/Mindburn-Labs/anchorline/pkg/contracts"
	"github.com/Mindburn-Labs/anchorline/pkg/explorer"
)

// Handler executes one outbox row. The returned txRef becomes the receipt's
// transaction reference. Handlers must be idempotent; a crashed worker's row
// is re-executed after its lease goes stale.
type Handler interface {
	Handle(ctx context.Context, row contracts.OutboxEvent) (txRef string, err error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, row contracts.OutboxEvent) (string, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, row contracts.OutboxEvent) (string, error) {
	return f(ctx, row)
}

// BatchFeeder receives events bound for the next batch. *sequencer.Sequencer
// satisfies it.
type BatchFeeder interface {
	AddEvent(ev contracts.AnchorEvent)
}

// AnchorHandler is the default row handler: it indexes the event into the
// explorer and forwards it to the sequencer for batching.
type AnchorHandler struct {
	index  *explorer.Index
	feeder BatchFeeder
}

// NewAnchorHandler builds the default handler. Either collaborator may be nil
// and is then skipped.
func NewAnchorHandler(index *explorer.Index, feeder BatchFeeder) *AnchorHandler {
	return &AnchorHandler{index: index, feeder: feeder}
}

// Handle indexes and forwards the row. The explorer write is best effort;
// its fallback path already preserves the entry.
func (h *AnchorHandler) Handle(ctx context.Context, row contracts.OutboxEvent) (string, error) {
	ev := contracts.AnchorEvent{
		ID:        row.ID,
		Type:      contracts.EventType(row.Type),
		Timestamp: eventTimestamp(row),
		Data:      row.Payload,
	}

	if h.index != nil {
		payload := map[string]any{"event": row.Type}
		for k, v := range row.Payload {
			payload[k] = v
		}
		h.index.IndexAnchorEvent(ctx, row.AppID, row.ID, ev.Timestamp, payload)
	}
	if h.feeder != nil {
		h.feeder.AddEvent(ev)
	}
	return row.Digest, nil
}

// eventTimestamp prefers the ingress timestamp persisted with the row, then a
// ts field inside the payload, then row creation time.
func eventTimestamp(row contracts.OutboxEvent) int64 {
	if row.Timestamp != 0 {
		return row.Timestamp
	}
	if raw, ok := row.Payload["ts"]; ok {
		switch v := raw.(type) {
		case int64:
			return v
		case float64:
			return int64(v)
		}
	}
	return row.CreatedAt.UnixMilli()
}
