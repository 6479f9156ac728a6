package state

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestHeadBeforeAnyBatch(t *testing.T) {
	s := openTemp(t)
	if _, _, _, err := s.Head(context.Background()); !errors.Is(err, ErrNoHead) {
		t.Fatalf("expected ErrNoHead, got %v", err)
	}
}

func TestRecordHeadAccumulates(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	if err := s.RecordHead(ctx, "0xaaa", 10, 1000); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordHead(ctx, "0xbbb", 5, 2000); err != nil {
		t.Fatal(err)
	}

	root, batches, events, err := s.Head(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if root != "0xbbb" {
		t.Fatalf("head root: %s", root)
	}
	if batches != 2 || events != 15 {
		t.Fatalf("counters: %d batches, %d events", batches, events)
	}
}

func TestCheckpointChain(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	n1, err := s.RecordCheckpoint(ctx, "0xroot1", "0xdao1", "0xtx1", 1000)
	if err != nil {
		t.Fatal(err)
	}
	n2, err := s.RecordCheckpoint(ctx, "0xroot2", "0xdao2", "0xtx2", 2000)
	if err != nil {
		t.Fatal(err)
	}
	if n1 != 1 || n2 != 2 {
		t.Fatalf("checkpoint numbers: %d, %d", n1, n2)
	}

	number, l2Root, daoRoot, err := s.LatestCheckpoint(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if number != 2 || l2Root != "0xroot2" || daoRoot != "0xdao2" {
		t.Fatalf("latest: %d %s %s", number, l2Root, daoRoot)
	}
}

func TestLatestCheckpointEmpty(t *testing.T) {
	s := openTemp(t)
	number, _, _, err := s.LatestCheckpoint(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if number != 0 {
		t.Fatalf("expected 0, got %d", number)
	}
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	rw, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := rw.RecordHead(ctx, "0xaaa", 1, 1000); err != nil {
		t.Fatal(err)
	}
	_ = rw.Close()

	ro, err := OpenReadOnly(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = ro.Close() }()

	if err := ro.RecordHead(ctx, "0xbbb", 1, 2000); err == nil {
		t.Fatal("read-only store accepted a write")
	}
	root, _, _, err := ro.Head(ctx)
	if err != nil || root != "0xaaa" {
		t.Fatalf("read-only read failed: %s %v", root, err)
	}
}

func TestStatus(t *testing.T) {
	s := openTemp(t)
	_ = s.RecordHead(context.Background(), "0xaaa", 1, 1000)

	st := s.Status()
	if !st.IsOpen {
		t.Fatal("store should report open")
	}
	if st.DBPath == "" {
		t.Fatal("db path missing")
	}
	if st.ApproximateSize <= 0 {
		t.Fatal("expected nonzero size")
	}
}

func TestOpenReadOnlyMissingFile(t *testing.T) {
	if _, err := OpenReadOnly(filepath.Join(t.TempDir(), "absent.db")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
