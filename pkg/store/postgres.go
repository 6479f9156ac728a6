package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/anchorline/pkg/canonicalize"
	"github.com/Mindburn-Labs/anchorline/pkg/contracts"
)

// PostgresOutboxStore implements OutboxStore on two tables: anchor_outbox
// and anchor_receipts.
type PostgresOutboxStore struct {
	db   *sql.DB
	opts Options
}

// NewPostgresOutboxStore wraps an open database handle.
func NewPostgresOutboxStore(db *sql.DB, opts Options) *PostgresOutboxStore {
	opts.defaults()
	return &PostgresOutboxStore{db: db, opts: opts}
}

// Init creates the schema if absent.
func (s *PostgresOutboxStore) Init(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS anchor_outbox (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			app_id TEXT NOT NULL,
			digest TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			payload JSONB,
			event_ts BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			retry_count INT NOT NULL DEFAULT 0,
			last_error TEXT,
			heartbeat_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS anchor_outbox_idem_live
			ON anchor_outbox (idempotency_key)
			WHERE status != 'dead_letter'`,
		`CREATE INDEX IF NOT EXISTS anchor_outbox_status
			ON anchor_outbox (status, heartbeat_at)`,
		`CREATE TABLE IF NOT EXISTS anchor_receipts (
			idempotency_key TEXT PRIMARY KEY,
			outbox_id TEXT NOT NULL,
			tx_hash TEXT,
			block_number BIGINT,
			status TEXT NOT NULL DEFAULT 'submitted',
			confirmed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("outbox schema init: %w", err)
		}
	}
	return nil
}

// Write persists a pending row, deduplicating on idempotency key against
// existing receipts. A prior receipt short-circuits with its identifiers.
func (s *PostgresOutboxStore) Write(ctx context.Context, req WriteRequest) (*contracts.WriteResult, error) {
	digest, err := canonicalize.CanonicalHash(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("payload digest: %w", err)
	}

	key := req.IdempotencyKey
	if key == "" {
		key = contracts.DeriveIdempotencyKey(req.AppID, req.Type, digest)
	}

	// Receipt existing means the effect was already applied; do not write.
	if receipt, err := s.GetReceipt(ctx, key); err == nil {
		return &contracts.WriteResult{
			ID:             receipt.OutboxID,
			Digest:         digest,
			IdempotencyKey: key,
			Deduplicated:   true,
		}, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("payload marshal: %w", err)
	}

	id := uuid.New().String()
	now := s.opts.Clock()
	query := `
		INSERT INTO anchor_outbox (id, type, app_id, digest, idempotency_key, payload, event_ts, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', $8, $8)
		ON CONFLICT (idempotency_key) WHERE status != 'dead_letter' DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query, id, req.Type, req.AppID, digest, key, payload, req.Timestamp, now)
	if err != nil {
		return nil, fmt.Errorf("outbox write: %w", err)
	}

	// A concurrent live row with the same key won the insert; return it.
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		var existingID string
		row := s.db.QueryRowContext(ctx,
			`SELECT id FROM anchor_outbox WHERE idempotency_key = $1 AND status != 'dead_letter'`, key)
		if err := row.Scan(&existingID); err == nil {
			return &contracts.WriteResult{ID: existingID, Digest: digest, IdempotencyKey: key, Deduplicated: true}, nil
		}
	}

	return &contracts.WriteResult{ID: id, Digest: digest, IdempotencyKey: key}, nil
}

const outboxColumns = `id, type, app_id, digest, idempotency_key, payload, event_ts, status, retry_count, last_error, heartbeat_at, created_at, updated_at`

// Get returns the canonical row, or ErrNotFound.
func (s *PostgresOutboxStore) Get(ctx context.Context, id string) (*contracts.OutboxEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+outboxColumns+` FROM anchor_outbox WHERE id = $1`, id)
	return scanOutboxRow(row)
}

func (s *PostgresOutboxStore) MarkEnqueued(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, contracts.OutboxEnqueued)
}

// MarkProcessing takes the lease: status -> processing with a fresh heartbeat.
func (s *PostgresOutboxStore) MarkProcessing(ctx context.Context, id string) error {
	now := s.opts.Clock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE anchor_outbox SET status = 'processing', heartbeat_at = $2, updated_at = $2 WHERE id = $1`,
		id, now)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	return nil
}

// UpdateHeartbeat refreshes the lease. Only a live lease is refreshed, so a
// reclaimed row is not resurrected by a late worker.
func (s *PostgresOutboxStore) UpdateHeartbeat(ctx context.Context, id string) error {
	now := s.opts.Clock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE anchor_outbox SET heartbeat_at = $2, updated_at = $2 WHERE id = $1 AND status = 'processing'`,
		id, now)
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return nil
}

// MarkCompleted creates the receipt if absent, then completes the row. Safe
// to call twice.
func (s *PostgresOutboxStore) MarkCompleted(ctx context.Context, id, idempotencyKey, txRef string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mark completed: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.opts.Clock()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO anchor_receipts (idempotency_key, outbox_id, tx_hash, status, created_at)
		VALUES ($1, $2, $3, 'submitted', $4)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, idempotencyKey, id, txRef, now); err != nil {
		return fmt.Errorf("mark completed: receipt insert: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE anchor_outbox SET status = 'completed', heartbeat_at = NULL, updated_at = $2 WHERE id = $1
	`, id, now); err != nil {
		return fmt.Errorf("mark completed: row update: %w", err)
	}

	return tx.Commit()
}

// MarkFailed increments retryCount and moves the row to failed, or to
// dead_letter when the retry budget is exhausted.
func (s *PostgresOutboxStore) MarkFailed(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	now := s.opts.Clock()
	_, err := s.db.ExecContext(ctx, `
		UPDATE anchor_outbox SET
			retry_count = retry_count + 1,
			last_error = $2,
			heartbeat_at = NULL,
			updated_at = $3,
			status = CASE WHEN retry_count + 1 >= $4 THEN 'dead_letter' ELSE 'failed' END
		WHERE id = $1
	`, id, msg, now, s.opts.MaxRetries)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// GetPending returns dispatchable rows: pending/enqueued/failed, plus
// processing rows whose heartbeat is stale or null. Bounded by limit.
func (s *PostgresOutboxStore) GetPending(ctx context.Context, limit int) ([]*contracts.OutboxEvent, error) {
	cutoff := s.opts.Clock().Add(-s.opts.StaleThreshold)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+outboxColumns+` FROM anchor_outbox
		WHERE status IN ('pending', 'enqueued', 'failed')
		   OR (status = 'processing' AND (heartbeat_at IS NULL OR heartbeat_at <= $1))
		ORDER BY created_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("get pending: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanOutboxRows(rows)
}

// Reconcile atomically returns stale processing rows to pending, clearing the
// heartbeat. The status+heartbeat predicate is the compare-and-set guard.
func (s *PostgresOutboxStore) Reconcile(ctx context.Context) (int, error) {
	now := s.opts.Clock()
	cutoff := now.Add(-s.opts.StaleThreshold)
	res, err := s.db.ExecContext(ctx, `
		UPDATE anchor_outbox SET status = 'pending', heartbeat_at = NULL, updated_at = $1
		WHERE status = 'processing' AND (heartbeat_at IS NULL OR heartbeat_at <= $2)
	`, now, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reconcile: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// ConfirmReceipt moves a submitted receipt to confirmed.
func (s *PostgresOutboxStore) ConfirmReceipt(ctx context.Context, idempotencyKey string, blockNumber uint64) error {
	now := s.opts.Clock()
	_, err := s.db.ExecContext(ctx, `
		UPDATE anchor_receipts SET status = 'confirmed', block_number = $2, confirmed_at = $3
		WHERE idempotency_key = $1 AND status = 'submitted'
	`, idempotencyKey, int64(blockNumber), now)
	if err != nil {
		return fmt.Errorf("confirm receipt: %w", err)
	}
	return nil
}

// GetReceipt returns the receipt for a key, or ErrNotFound.
func (s *PostgresOutboxStore) GetReceipt(ctx context.Context, idempotencyKey string) (*contracts.AnchorReceipt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT idempotency_key, outbox_id, tx_hash, block_number, status, confirmed_at, created_at
		FROM anchor_receipts WHERE idempotency_key = $1
	`, idempotencyKey)

	var r contracts.AnchorReceipt
	var txHash sql.NullString
	var blockNumber sql.NullInt64
	var confirmedAt sql.NullTime
	err := row.Scan(&r.IdempotencyKey, &r.OutboxID, &txHash, &blockNumber, &r.Status, &confirmedAt, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get receipt: %w", err)
	}
	r.TxHash = txHash.String
	if blockNumber.Valid {
		r.BlockNumber = uint64(blockNumber.Int64)
	}
	if confirmedAt.Valid {
		t := confirmedAt.Time
		r.ConfirmedAt = &t
	}
	return &r, nil
}

// RetryDeadLetter resets a dead-letter row to pending and clears its error.
func (s *PostgresOutboxStore) RetryDeadLetter(ctx context.Context, id string) error {
	now := s.opts.Clock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE anchor_outbox SET status = 'pending', retry_count = 0, last_error = NULL, heartbeat_at = NULL, updated_at = $2
		WHERE id = $1 AND status = 'dead_letter'
	`, id, now)
	if err != nil {
		return fmt.Errorf("retry dead letter: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDeadLetter returns terminal rows for operator inspection.
func (s *PostgresOutboxStore) ListDeadLetter(ctx context.Context, limit int) ([]*contracts.OutboxEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+outboxColumns+` FROM anchor_outbox
		WHERE status = 'dead_letter'
		ORDER BY updated_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letter: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanOutboxRows(rows)
}

func (s *PostgresOutboxStore) setStatus(ctx context.Context, id string, status contracts.OutboxStatus) error {
	now := s.opts.Clock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE anchor_outbox SET status = $2, updated_at = $3 WHERE id = $1`,
		id, string(status), now)
	if err != nil {
		return fmt.Errorf("set status %s: %w", status, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutboxRow(row rowScanner) (*contracts.OutboxEvent, error) {
	var ev contracts.OutboxEvent
	var payload []byte
	var lastError sql.NullString
	var heartbeatAt sql.NullTime

	err := row.Scan(&ev.ID, &ev.Type, &ev.AppID, &ev.Digest, &ev.IdempotencyKey,
		&payload, &ev.Timestamp, &ev.Status, &ev.RetryCount, &lastError, &heartbeatAt,
		&ev.CreatedAt, &ev.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	ev.LastError = lastError.String
	if heartbeatAt.Valid {
		t := heartbeatAt.Time
		ev.HeartbeatAt = &t
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return nil, fmt.Errorf("corrupt payload JSON in outbox row %s: %w", ev.ID, err)
		}
	}
	return &ev, nil
}

func scanOutboxRows(rows *sql.Rows) ([]*contracts.OutboxEvent, error) {
	//nolint:prealloc // result count unknown from SQL query
	var results []*contracts.OutboxEvent
	for rows.Next() {
		ev, err := scanOutboxRow(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

var _ OutboxStore = (*PostgresOutboxStore)(nil)
