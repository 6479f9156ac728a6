package explorer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/anchorline/pkg/contracts"
)

// unreachableClient returns a client whose commands always fail, standing in
// for a degraded primary cache.
func unreachableClient(t *testing.T) redis.UniversalClient {
	t.Helper()
	c := redis.NewClient(&redis.Options{
		Addr:            "127.0.0.1:1",
		DialTimeout:     50 * time.Millisecond,
		ReadTimeout:     50 * time.Millisecond,
		WriteTimeout:    50 * time.Millisecond,
		MaxRetries:      -1,
		PoolTimeout:     50 * time.Millisecond,
		MinRetryBackoff: -1,
		MaxRetryBackoff: -1,
	})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestIndexFallsBackWhenPrimaryUnavailable(t *testing.T) {
	ix := NewIndex(unreachableClient(t), Options{Region: "us"})
	ctx := context.Background()

	ok := ix.IndexAnchorEvent(ctx, "atlas", "e1", 1000, map[string]any{"event": "msg"})
	require.False(t, ok, "degraded write must report false")
	require.Equal(t, 1, ix.FallbackSize())

	// Fallback entries are authoritative on read.
	payload, err := ix.GetEventData(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, "msg", payload["event"])
}

func TestGetEventDataUnknownIsNil(t *testing.T) {
	ix := NewIndex(nil, Options{})
	payload, err := ix.GetEventData(context.Background(), "absent")
	require.NoError(t, err)
	require.Nil(t, payload)
}

func TestDeleteEventClearsFallback(t *testing.T) {
	ix := NewIndex(nil, Options{})
	ctx := context.Background()

	ix.IndexAnchorEvent(ctx, "atlas", "e1", 1000, map[string]any{"k": "v"})
	require.NoError(t, ix.DeleteEvent(ctx, "atlas", "e1"))

	payload, err := ix.GetEventData(ctx, "e1")
	require.NoError(t, err)
	require.Nil(t, payload)
}

func TestFallbackBoundedBySize(t *testing.T) {
	f := newFallbackStore(3, time.Hour, nil)
	for i := 0; i < 5; i++ {
		f.put(contracts.ExplorerEntry{EventID: fmt.Sprintf("e%d", i), Timestamp: int64(i)})
	}
	if f.len() != 3 {
		t.Fatalf("fallback exceeded bound: %d", f.len())
	}
	// Oldest entries were evicted.
	if _, ok := f.get("e0"); ok {
		t.Fatal("e0 should have been evicted")
	}
	if _, ok := f.get("e4"); !ok {
		t.Fatal("e4 should be retained")
	}
}

func TestFallbackExpiresByTTL(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	f := newFallbackStore(100, time.Minute, func() time.Time { return now })

	f.put(contracts.ExplorerEntry{EventID: "e1", Timestamp: 1})
	now = now.Add(2 * time.Minute)

	if _, ok := f.get("e1"); ok {
		t.Fatal("expired entry still readable")
	}
	if f.len() != 0 {
		t.Fatalf("expired entry still counted: %d", f.len())
	}
}

func TestFallbackReputRefreshesAge(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	f := newFallbackStore(100, time.Minute, func() time.Time { return now })

	f.put(contracts.ExplorerEntry{EventID: "e1", Timestamp: 1})
	now = now.Add(45 * time.Second)
	f.put(contracts.ExplorerEntry{EventID: "e1", Timestamp: 2})
	now = now.Add(45 * time.Second)

	entry, ok := f.get("e1")
	if !ok {
		t.Fatal("refreshed entry expired early")
	}
	if entry.Timestamp != 2 {
		t.Fatalf("stale value retained: %+v", entry)
	}
}
