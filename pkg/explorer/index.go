// Package explorer maintains the per-tenant, time-ordered anchor event index.
// The primary store is a sorted set per (region, appId) with payloads kept
// under per-event hashes. When the primary cache is unavailable, writes land
// in a bounded in-process fallback that is consulted first on reads.
package explorer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/anchorline/pkg/contracts"
)

// PayloadTTL is how long per-event payloads persist. Sorted-set indices are
// not expired here; pruning them is an operator task.
const PayloadTTL = 30 * 24 * time.Hour

// Options tunes index construction.
type Options struct {
	Region          string
	FallbackMaxSize int
	FallbackTTL     time.Duration
	Logger          *slog.Logger
	Clock           func() time.Time
}

// Index is the explorer event index.
type Index struct {
	client   redis.UniversalClient
	region   string
	fallback *fallbackStore
	logger   *slog.Logger
}

// NewIndex builds an index over the given cache client. The client may be nil
// for a fallback-only index (tests, degraded bootstrap).
func NewIndex(client redis.UniversalClient, opts Options) *Index {
	if opts.Region == "" {
		opts.Region = "us"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Index{
		client:   client,
		region:   opts.Region,
		fallback: newFallbackStore(opts.FallbackMaxSize, opts.FallbackTTL, opts.Clock),
		logger:   opts.Logger.With("component", "explorer"),
	}
}

func (ix *Index) indexKey(appID string) string {
	return fmt.Sprintf("explorer:%s:%s", ix.region, appID)
}

func payloadKey(eventID string) string {
	return "anchor:" + eventID
}

// IndexAnchorEvent records eventID under appId's time-sorted index and stores
// the payload with a 30-day TTL. Both writes go through one pipeline. On any
// failure the entry is preserved in the fallback store and false is returned.
func (ix *Index) IndexAnchorEvent(ctx context.Context, appID, eventID string, timestamp int64, payload map[string]any) bool {
	entry := contracts.ExplorerEntry{AppID: appID, EventID: eventID, Timestamp: timestamp, Payload: payload}

	if ix.client == nil {
		ix.fallback.put(entry)
		return false
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		ix.logger.Error("payload not serializable", "appId", appID, "eventId", eventID, "error", err)
		ix.fallback.put(entry)
		return false
	}

	pipe := ix.client.TxPipeline()
	pipe.ZAdd(ctx, ix.indexKey(appID), redis.Z{Score: float64(timestamp), Member: eventID})
	pipe.HSet(ctx, payloadKey(eventID),
		"appId", appID,
		"timestamp", strconv.FormatInt(timestamp, 10),
		"payload", string(raw),
	)
	pipe.Expire(ctx, payloadKey(eventID), PayloadTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		ix.logger.Warn("primary index write failed, using fallback",
			"appId", appID, "eventId", eventID, "error", err)
		ix.fallback.put(entry)
		return false
	}
	return true
}

// ListEvents returns entries for appId with startTs <= timestamp <= endTs,
// ascending by score, capped at limit.
func (ix *Index) ListEvents(ctx context.Context, appID string, startTs, endTs int64, limit int64) ([]contracts.ExplorerEntry, error) {
	if ix.client == nil {
		return nil, nil
	}
	zs, err := ix.client.ZRangeByScoreWithScores(ctx, ix.indexKey(appID), &redis.ZRangeBy{
		Min:   strconv.FormatInt(startTs, 10),
		Max:   strconv.FormatInt(endTs, 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("explorer: list %s: %w", appID, err)
	}
	return entriesFromZ(appID, zs), nil
}

// ListEventsReverse is ListEvents descending by score.
func (ix *Index) ListEventsReverse(ctx context.Context, appID string, startTs, endTs int64, limit int64) ([]contracts.ExplorerEntry, error) {
	if ix.client == nil {
		return nil, nil
	}
	zs, err := ix.client.ZRevRangeByScoreWithScores(ctx, ix.indexKey(appID), &redis.ZRangeBy{
		Min:   strconv.FormatInt(startTs, 10),
		Max:   strconv.FormatInt(endTs, 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("explorer: list reverse %s: %w", appID, err)
	}
	return entriesFromZ(appID, zs), nil
}

// GetEventData returns the decoded payload for eventID, or nil when unknown.
// Fallback entries win over the primary store.
func (ix *Index) GetEventData(ctx context.Context, eventID string) (map[string]any, error) {
	if entry, ok := ix.fallback.get(eventID); ok {
		return entry.Payload, nil
	}
	if ix.client == nil {
		return nil, nil
	}
	fields, err := ix.client.HGetAll(ctx, payloadKey(eventID)).Result()
	if err != nil {
		return nil, fmt.Errorf("explorer: get %s: %w", eventID, err)
	}
	raw, ok := fields["payload"]
	if !ok {
		return nil, nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("explorer: decode %s: %w", eventID, err)
	}
	return payload, nil
}

// CountEvents returns the total indexed event count for appId.
func (ix *Index) CountEvents(ctx context.Context, appID string) (int64, error) {
	if ix.client == nil {
		return 0, nil
	}
	n, err := ix.client.ZCard(ctx, ix.indexKey(appID)).Result()
	if err != nil {
		return 0, fmt.Errorf("explorer: count %s: %w", appID, err)
	}
	return n, nil
}

// CountEventsInRange counts entries with startTs <= timestamp <= endTs.
func (ix *Index) CountEventsInRange(ctx context.Context, appID string, startTs, endTs int64) (int64, error) {
	if ix.client == nil {
		return 0, nil
	}
	n, err := ix.client.ZCount(ctx, ix.indexKey(appID),
		strconv.FormatInt(startTs, 10), strconv.FormatInt(endTs, 10)).Result()
	if err != nil {
		return 0, fmt.Errorf("explorer: count range %s: %w", appID, err)
	}
	return n, nil
}

// GetRecentEvents returns the n most recent entries for appId, newest first.
func (ix *Index) GetRecentEvents(ctx context.Context, appID string, n int64) ([]contracts.ExplorerEntry, error) {
	if ix.client == nil {
		return nil, nil
	}
	zs, err := ix.client.ZRevRangeWithScores(ctx, ix.indexKey(appID), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("explorer: recent %s: %w", appID, err)
	}
	return entriesFromZ(appID, zs), nil
}

// DeleteEvent removes eventID from both the sorted index and the payload
// store, and from the fallback.
func (ix *Index) DeleteEvent(ctx context.Context, appID, eventID string) error {
	ix.fallback.delete(eventID)
	if ix.client == nil {
		return nil
	}
	pipe := ix.client.TxPipeline()
	pipe.ZRem(ctx, ix.indexKey(appID), eventID)
	pipe.Del(ctx, payloadKey(eventID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("explorer: delete %s/%s: %w", appID, eventID, err)
	}
	return nil
}

// FallbackSize reports how many entries are parked in the fallback store.
func (ix *Index) FallbackSize() int {
	return ix.fallback.len()
}

func entriesFromZ(appID string, zs []redis.Z) []contracts.ExplorerEntry {
	entries := make([]contracts.ExplorerEntry, 0, len(zs))
	for _, z := range zs {
		id, _ := z.Member.(string)
		entries = append(entries, contracts.ExplorerEntry{
			AppID:     appID,
			EventID:   id,
			Timestamp: int64(z.Score),
		})
	}
	return entries
}
