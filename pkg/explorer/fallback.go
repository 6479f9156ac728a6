package explorer

import (
	"container/list"
	"sync"
	"time"

	"github.com/Mindburn-Labs/anchorline/pkg/contracts"
)

// fallbackStore is the bounded in-process record of entries that could not be
// written to the primary cache. Entries here are authoritative when present.
// Bounded by entry count and age so a degraded cache cannot grow memory
// without limit.
type fallbackStore struct {
	mu      sync.Mutex
	entries map[string]*list.Element // eventID -> element
	order   *list.List               // oldest first
	maxSize int
	ttl     time.Duration
	clock   func() time.Time
}

type fallbackEntry struct {
	entry    contracts.ExplorerEntry
	storedAt time.Time
}

func newFallbackStore(maxSize int, ttl time.Duration, clock func() time.Time) *fallbackStore {
	if maxSize <= 0 {
		maxSize = 10_000
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if clock == nil {
		clock = time.Now
	}
	return &fallbackStore{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		clock:   clock,
	}
}

func (f *fallbackStore) put(entry contracts.ExplorerEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if el, ok := f.entries[entry.EventID]; ok {
		f.order.Remove(el)
		delete(f.entries, entry.EventID)
	}

	f.evictLocked()
	for f.order.Len() >= f.maxSize {
		oldest := f.order.Front()
		f.order.Remove(oldest)
		delete(f.entries, oldest.Value.(*fallbackEntry).entry.EventID)
	}

	el := f.order.PushBack(&fallbackEntry{entry: entry, storedAt: f.clock()})
	f.entries[entry.EventID] = el
}

func (f *fallbackStore) get(eventID string) (contracts.ExplorerEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.evictLocked()
	el, ok := f.entries[eventID]
	if !ok {
		return contracts.ExplorerEntry{}, false
	}
	return el.Value.(*fallbackEntry).entry, true
}

func (f *fallbackStore) delete(eventID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if el, ok := f.entries[eventID]; ok {
		f.order.Remove(el)
		delete(f.entries, eventID)
	}
}

func (f *fallbackStore) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evictLocked()
	return f.order.Len()
}

// evictLocked drops expired entries from the front of the age order.
func (f *fallbackStore) evictLocked() {
	cutoff := f.clock().Add(-f.ttl)
	for el := f.order.Front(); el != nil; {
		fe := el.Value.(*fallbackEntry)
		if fe.storedAt.After(cutoff) {
			break
		}
		next := el.Next()
		f.order.Remove(el)
		delete(f.entries, fe.entry.EventID)
		el = next
	}
}
