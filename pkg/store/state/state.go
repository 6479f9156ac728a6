// Package state is the node-local sqlite store for rollup head state:
// the latest anchored root, cumulative counters, and the checkpoint chain.
// The operator CLI opens it read-only for status inspection.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"

	_ "modernc.org/sqlite" // sqlite driver
)

// ErrNoHead is returned before any batch has been anchored.
var ErrNoHead = errors.New("state: no head recorded")

// Store wraps the node state database.
type Store struct {
	mu       sync.Mutex
	db       *sql.DB
	path     string
	readOnly bool
}

// Open opens (creating if needed) the state database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("state: open %s: %w", path, err)
	}
	s := &Store{db: db, path: path}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenReadOnly opens an existing state database without write access.
func OpenReadOnly(path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("state: stat %s: %w", path, err)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("state: open %s: %w", path, err)
	}
	return &Store{db: db, path: path, readOnly: true}, nil
}

func (s *Store) init() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS head_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			l2_root TEXT NOT NULL,
			batch_count INTEGER NOT NULL DEFAULT 0,
			event_count INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			number INTEGER PRIMARY KEY,
			l2_root TEXT NOT NULL,
			dao_root TEXT NOT NULL,
			tx_hash TEXT,
			created_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("state: init: %w", err)
		}
	}
	return nil
}

// RecordHead stores the latest anchored root and accumulates counters.
func (s *Store) RecordHead(ctx context.Context, l2Root string, eventCount int, unixMillis int64) error {
	if s.readOnly {
		return errors.New("state: store is read-only")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO head_state (id, l2_root, batch_count, event_count, updated_at)
		VALUES (1, ?, 1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			l2_root = excluded.l2_root,
			batch_count = head_state.batch_count + 1,
			event_count = head_state.event_count + excluded.event_count,
			updated_at = excluded.updated_at
	`, l2Root, eventCount, unixMillis)
	if err != nil {
		return fmt.Errorf("state: record head: %w", err)
	}
	return nil
}

// Head returns the latest anchored root and cumulative counters.
func (s *Store) Head(ctx context.Context) (l2Root string, batchCount, eventCount uint64, err error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT l2_root, batch_count, event_count FROM head_state WHERE id = 1`)
	err = row.Scan(&l2Root, &batchCount, &eventCount)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrNoHead
	}
	return
}

// RecordCheckpoint appends a checkpoint to the local chain and returns its
// number. Numbers are contiguous from 1.
func (s *Store) RecordCheckpoint(ctx context.Context, l2Root, daoRoot, txHash string, unixMillis int64) (uint64, error) {
	if s.readOnly {
		return 0, errors.New("state: store is read-only")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var next uint64 = 1
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(number), 0) + 1 FROM checkpoints`)
	if err := row.Scan(&next); err != nil {
		return 0, fmt.Errorf("state: checkpoint number: %w", err)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (number, l2_root, dao_root, tx_hash, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, next, l2Root, daoRoot, txHash, unixMillis)
	if err != nil {
		return 0, fmt.Errorf("state: record checkpoint: %w", err)
	}
	return next, nil
}

// LatestCheckpoint returns the most recent checkpoint number and roots, or
// zero values when none exists.
func (s *Store) LatestCheckpoint(ctx context.Context) (number uint64, l2Root, daoRoot string, err error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT number, l2_root, dao_root FROM checkpoints ORDER BY number DESC LIMIT 1`)
	err = row.Scan(&number, &l2Root, &daoRoot)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
	}
	return
}

// Status describes the store for operator inspection.
type Status struct {
	DBPath          string `json:"dbPath"`
	IsOpen          bool   `json:"isOpen"`
	ApproximateSize int64  `json:"approximateSize"`
}

// Status reports path, liveness, and on-disk size.
func (s *Store) Status() Status {
	st := Status{DBPath: s.path}
	if s.db != nil && s.db.Ping() == nil {
		st.IsOpen = true
	}
	if info, err := os.Stat(s.path); err == nil {
		st.ApproximateSize = info.Size()
	}
	return st
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
