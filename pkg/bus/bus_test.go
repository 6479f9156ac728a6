package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	defer b.Close()

	ch := b.Subscribe(TopicBatchCreated)
	b.Publish(TopicBatchCreated, "payload")

	select {
	case msg := <-ch:
		if msg.Payload != "payload" {
			t.Fatalf("unexpected payload %v", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestTopicIsolation(t *testing.T) {
	b := New()
	defer b.Close()

	created := b.Subscribe(TopicBatchCreated)
	b.Publish(TopicBatchAnchored, "other")

	select {
	case <-created:
		t.Fatal("message delivered to wrong topic")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	b := New()
	defer b.Close()

	b.Subscribe(TopicError) // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < DefaultBuffer*3; i++ {
			b.Publish(TopicError, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestCloseClosesChannels(t *testing.T) {
	b := New()
	ch := b.Subscribe(TopicReceiptConfirmed)
	b.Close()

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}

	// Publish and Close after Close must not panic.
	b.Publish(TopicReceiptConfirmed, nil)
	b.Close()
}

func TestFanOut(t *testing.T) {
	b := New()
	defer b.Close()

	a := b.Subscribe(TopicBatchSubmitted)
	c := b.Subscribe(TopicBatchSubmitted)
	b.Publish(TopicBatchSubmitted, 42)

	for _, ch := range []<-chan Message{a, c} {
		select {
		case msg := <-ch:
			if msg.Payload != 42 {
				t.Fatalf("unexpected payload %v", msg.Payload)
			}
		case <-time.After(time.Second):
			t.Fatal("fan-out delivery missing")
		}
	}
}
