package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/anchorline/pkg/canonicalize"
	"github.com/Mindburn-Labs/anchorline/pkg/contracts"
)

// MemoryOutboxStore implements OutboxStore in process memory. It backs tests
// and dev mode; the transition semantics match the Postgres store.
type MemoryOutboxStore struct {
	mu       sync.Mutex
	rows     map[string]*contracts.OutboxEvent
	receipts map[string]*contracts.AnchorReceipt
	opts     Options
}

// NewMemoryOutboxStore creates an empty in-memory store.
func NewMemoryOutboxStore(opts Options) *MemoryOutboxStore {
	opts.defaults()
	return &MemoryOutboxStore{
		rows:     make(map[string]*contracts.OutboxEvent),
		receipts: make(map[string]*contracts.AnchorReceipt),
		opts:     opts,
	}
}

func (s *MemoryOutboxStore) Write(_ context.Context, req WriteRequest) (*contracts.WriteResult, error) {
	digest, err := canonicalize.CanonicalHash(req.Payload)
	if err != nil {
		return nil, err
	}
	key := req.IdempotencyKey
	if key == "" {
		key = contracts.DeriveIdempotencyKey(req.AppID, req.Type, digest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if receipt, ok := s.receipts[key]; ok {
		return &contracts.WriteResult{
			ID: receipt.OutboxID, Digest: digest, IdempotencyKey: key, Deduplicated: true,
		}, nil
	}
	for _, row := range s.rows {
		if row.IdempotencyKey == key && row.Status != contracts.OutboxDeadLetter {
			return &contracts.WriteResult{
				ID: row.ID, Digest: digest, IdempotencyKey: key, Deduplicated: true,
			}, nil
		}
	}

	now := s.opts.Clock()
	row := &contracts.OutboxEvent{
		ID:             uuid.New().String(),
		AppID:          req.AppID,
		Type:           req.Type,
		Digest:         digest,
		IdempotencyKey: key,
		Payload:        req.Payload,
		Timestamp:      req.Timestamp,
		Status:         contracts.OutboxPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.rows[row.ID] = row
	return &contracts.WriteResult{ID: row.ID, Digest: digest, IdempotencyKey: key}, nil
}

func (s *MemoryOutboxStore) Get(_ context.Context, id string) (*contracts.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (s *MemoryOutboxStore) MarkEnqueued(_ context.Context, id string) error {
	return s.setStatus(id, contracts.OutboxEnqueued)
}

func (s *MemoryOutboxStore) MarkProcessing(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return nil
	}
	now := s.opts.Clock()
	row.Status = contracts.OutboxProcessing
	row.HeartbeatAt = &now
	row.UpdatedAt = now
	return nil
}

func (s *MemoryOutboxStore) UpdateHeartbeat(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok || row.Status != contracts.OutboxProcessing {
		return nil
	}
	now := s.opts.Clock()
	row.HeartbeatAt = &now
	row.UpdatedAt = now
	return nil
}

func (s *MemoryOutboxStore) MarkCompleted(_ context.Context, id, idempotencyKey, txRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.receipts[idempotencyKey]; !ok {
		now := s.opts.Clock()
		s.receipts[idempotencyKey] = &contracts.AnchorReceipt{
			IdempotencyKey: idempotencyKey,
			OutboxID:       id,
			TxHash:         txRef,
			Status:         contracts.ReceiptSubmitted,
			CreatedAt:      now,
		}
	}

	if row, ok := s.rows[id]; ok {
		row.Status = contracts.OutboxCompleted
		row.HeartbeatAt = nil
		row.UpdatedAt = s.opts.Clock()
	}
	return nil
}

func (s *MemoryOutboxStore) MarkFailed(_ context.Context, id string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return nil
	}
	row.RetryCount++
	if cause != nil {
		row.LastError = cause.Error()
	}
	row.HeartbeatAt = nil
	row.UpdatedAt = s.opts.Clock()
	if row.RetryCount >= s.opts.MaxRetries {
		row.Status = contracts.OutboxDeadLetter
	} else {
		row.Status = contracts.OutboxFailed
	}
	return nil
}

func (s *MemoryOutboxStore) GetPending(_ context.Context, limit int) ([]*contracts.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.opts.Clock().Add(-s.opts.StaleThreshold)
	var out []*contracts.OutboxEvent
	for _, row := range s.rows {
		switch row.Status {
		case contracts.OutboxPending, contracts.OutboxEnqueued, contracts.OutboxFailed:
			cp := *row
			out = append(out, &cp)
		case contracts.OutboxProcessing:
			if row.HeartbeatAt == nil || !row.HeartbeatAt.After(cutoff) {
				cp := *row
				out = append(out, &cp)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryOutboxStore) Reconcile(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.opts.Clock().Add(-s.opts.StaleThreshold)
	count := 0
	for _, row := range s.rows {
		if row.Status != contracts.OutboxProcessing {
			continue
		}
		if row.HeartbeatAt == nil || !row.HeartbeatAt.After(cutoff) {
			row.Status = contracts.OutboxPending
			row.HeartbeatAt = nil
			row.UpdatedAt = s.opts.Clock()
			count++
		}
	}
	return count, nil
}

func (s *MemoryOutboxStore) ConfirmReceipt(_ context.Context, idempotencyKey string, blockNumber uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	receipt, ok := s.receipts[idempotencyKey]
	if !ok || receipt.Status != contracts.ReceiptSubmitted {
		return nil
	}
	now := s.opts.Clock()
	receipt.Status = contracts.ReceiptConfirmed
	receipt.BlockNumber = blockNumber
	receipt.ConfirmedAt = &now
	return nil
}

func (s *MemoryOutboxStore) GetReceipt(_ context.Context, idempotencyKey string) (*contracts.AnchorReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	receipt, ok := s.receipts[idempotencyKey]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *receipt
	return &cp, nil
}

func (s *MemoryOutboxStore) RetryDeadLetter(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok || row.Status != contracts.OutboxDeadLetter {
		return ErrNotFound
	}
	row.Status = contracts.OutboxPending
	row.RetryCount = 0
	row.LastError = ""
	row.HeartbeatAt = nil
	row.UpdatedAt = s.opts.Clock()
	return nil
}

func (s *MemoryOutboxStore) ListDeadLetter(_ context.Context, limit int) ([]*contracts.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*contracts.OutboxEvent
	for _, row := range s.rows {
		if row.Status == contracts.OutboxDeadLetter {
			cp := *row
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryOutboxStore) setStatus(id string, status contracts.OutboxStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[id]; ok {
		row.Status = status
		row.UpdatedAt = s.opts.Clock()
	}
	return nil
}

var _ OutboxStore = (*MemoryOutboxStore)(nil)
