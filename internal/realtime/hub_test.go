package realtime

import (
	"testing"
	"time"
)

func TestSubscribeReceivesPublishedEvents(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	sub := hub.Subscribe("posts")
	defer sub.Close()

	hub.Publish(NewEvent("posts", KindInsert, "post_1", "usr_1", map[string]string{"id": "post_1"}))

	select {
	case ev := <-sub.Events():
		if ev.Kind != KindInsert || ev.RowID != "post_1" {
			t.Fatalf("unexpected event %+v", ev)
		}
		if ev.Actor != "usr_1" {
			t.Fatalf("expected actor usr_1, got %q", ev.Actor)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestEventsAreScopedByTable(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	posts := hub.Subscribe("posts")
	defer posts.Close()
	users := hub.Subscribe("users")
	defer users.Close()

	hub.Publish(NewEvent("users", KindDelete, "usr_9", "usr_1", nil))

	select {
	case ev := <-users.Events():
		if ev.Table != "users" {
			t.Fatalf("expected users event, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for users event")
	}

	select {
	case ev := <-posts.Events():
		t.Fatalf("posts subscription received foreign event %+v", ev)
	default:
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	sub := hub.Subscribe("posts")
	sub.Close()

	// Publishing after close must not panic or deliver.
	hub.Publish(NewEvent("posts", KindInsert, "post_1", "", nil))

	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected events channel to be closed")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	sub := hub.Subscribe("posts")
	sub.Close()
	sub.Close()
}

func TestHubCloseClosesSubscriptions(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("posts")

	hub.Close()

	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected events channel closed after hub close")
	}

	// Subscription close after hub close must still be safe.
	sub.Close()

	// Subscribing to a closed hub yields an already-closed channel.
	late := hub.Subscribe("posts")
	if _, ok := <-late.Events(); ok {
		t.Fatal("expected closed channel from closed hub")
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	sub := hub.Subscribe("posts")
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Overflow the buffer without draining; Publish must not block.
		for i := 0; i < subscriptionBuffer*2; i++ {
			hub.Publish(NewEvent("posts", KindInsert, "post_x", "", nil))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}
