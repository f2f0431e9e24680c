package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	t.Run("subscriber_receives_matching_topic", func(t *testing.T) {
		b := New(8)
		sub := b.Subscribe(TopicTrackChanged)
		defer sub.Cancel()

		b.Publish(TopicTrackChanged, "hello")

		select {
		case msg := <-sub.C:
			if msg.Topic != TopicTrackChanged || msg.Payload != "hello" {
				t.Errorf("msg = %+v", msg)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for message")
		}
	})

	t.Run("non_matching_topic_filtered", func(t *testing.T) {
		b := New(8)
		sub := b.Subscribe(TopicDJState)
		defer sub.Cancel()

		b.Publish(TopicTrackChanged, "x")

		select {
		case msg := <-sub.C:
			t.Fatalf("unexpected message %+v", msg)
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("empty_topic_list_receives_all", func(t *testing.T) {
		b := New(8)
		sub := b.Subscribe()
		defer sub.Cancel()

		b.Publish(TopicTrackChanged, 1)
		b.Publish(TopicDJState, 2)

		for i := 0; i < 2; i++ {
			select {
			case <-sub.C:
			case <-time.After(time.Second):
				t.Fatal("missing message")
			}
		}
	})

	t.Run("cancel_stops_delivery", func(t *testing.T) {
		b := New(8)
		sub := b.Subscribe()
		sub.Cancel()

		b.Publish(TopicTrackChanged, "x")

		select {
		case msg := <-sub.C:
			t.Fatalf("received after cancel: %+v", msg)
		case <-time.After(50 * time.Millisecond):
		}
	})
}

func TestDropOldestOnFullBuffer(t *testing.T) {
	b := New(2)
	sub := b.Subscribe(TopicTrackChanged)
	defer sub.Cancel()

	for i := 0; i < 5; i++ {
		b.Publish(TopicTrackChanged, i)
	}

	// Oldest messages (0..2) were dropped; the buffer holds 3 and 4.
	if got := <-sub.C; got.Payload != 3 {
		t.Errorf("first = %v, want 3", got.Payload)
	}
	if got := <-sub.C; got.Payload != 4 {
		t.Errorf("second = %v, want 4", got.Payload)
	}
	if sub.Dropped() != 3 {
		t.Errorf("Dropped = %d, want 3", sub.Dropped())
	}
	if b.Drops() != 3 {
		t.Errorf("Drops = %d, want 3", b.Drops())
	}
}

func TestPublisherNeverBlocks(t *testing.T) {
	b := New(1)
	sub := b.Subscribe()
	defer sub.Cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(TopicHistoryAppended, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}
