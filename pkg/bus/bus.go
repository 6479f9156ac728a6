// Package bus is a small in-process pub/sub used for batch and receipt
// lifecycle notifications. Delivery is best-effort fan-out: publishing never
// blocks the producer, and a slow subscriber drops messages rather than
// exerting back-pressure.
package bus

import (
	"sync"
)

// Topic names a lifecycle stream.
type Topic string

const (
	TopicBatchCreated     Topic = "batch:created"
	TopicBatchAnchored    Topic = "batch:anchored"
	TopicBatchSubmitted   Topic = "batch:submitted"
	TopicReceiptConfirmed Topic = "receipt:confirmed"
	TopicReceiptFailed    Topic = "receipt:failed"
	TopicError            Topic = "error"
)

// Message is a published lifecycle record.
type Message struct {
	Topic   Topic
	Payload any
}

// Bus fans out messages to subscribers. Zero value is not usable; call New.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic][]chan Message
	closed bool
}

// DefaultBuffer is the per-subscriber channel depth.
const DefaultBuffer = 64

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[Topic][]chan Message)}
}

// Subscribe registers a buffered channel for a topic. The returned channel is
// closed by Close. Messages published while the buffer is full are dropped
// for that subscriber only.
func (b *Bus) Subscribe(topic Topic) <-chan Message {
	ch := make(chan Message, DefaultBuffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// Publish delivers to every subscriber of the topic without blocking.
func (b *Bus) Publish(topic Topic, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	msg := Message{Topic: topic, Payload: payload}
	for _, ch := range b.subs[topic] {
		select {
		case ch <- msg:
		default:
			// Subscriber buffer full: drop. Best-effort by contract.
		}
	}
}

// Close closes all subscriber channels. Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, chans := range b.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	b.subs = make(map[Topic][]chan Message)
}
