package contracts

import (
	"fmt"
	"sort"
	"time"
)

// AnchorEvent is a single application event submitted for anchoring.
// Data is opaque at this layer; decoding is the handler's responsibility.
type AnchorEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp int64          `json:"timestamp"` // unix milliseconds
	UserID    string         `json:"userId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Signature string         `json:"signature,omitempty"`
}

// EventType categorizes an anchor event.
type EventType string

const (
	EventMessage EventType = "message"
	EventMeeting EventType = "meeting"
	EventPayment EventType = "payment"
	EventConsent EventType = "consent"
)

// IngressEvent is the shape accepted at the anchoring ingress.
type IngressEvent struct {
	AppID          string         `json:"appId"`
	Event          string         `json:"event"`
	Data           map[string]any `json:"data,omitempty"`
	Timestamp      int64          `json:"ts,omitempty"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
}

// DeriveIdempotencyKey returns the default idempotency key for an event:
// appId|type|digest. Callers may override by setting IdempotencyKey explicitly.
func DeriveIdempotencyKey(appID, eventType, digest string) string {
	return fmt.Sprintf("%s|%s|%s", appID, eventType, digest)
}

// NowMillis returns the current wall clock as unix milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// SortEvents orders events by (timestamp asc, id asc) in place and returns
// the slice. This is the canonical batch ordering; ties break by id.
func SortEvents(events []AnchorEvent) []AnchorEvent {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Timestamp != events[j].Timestamp {
			return events[i].Timestamp < events[j].Timestamp
		}
		return events[i].ID < events[j].ID
	})
	return events
}
