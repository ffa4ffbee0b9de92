package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()

	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub1()
	defer unsub2()

	b.Publish(Event{Type: "x.ping", Data: 1})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Type != "x.ping" {
				t.Fatalf("subscriber %d got type %q, want x.ping", i, e.Type)
			}
			if e.Time.IsZero() {
				t.Fatalf("subscriber %d got zero event time", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestSubscribeTypesFilters(t *testing.T) {
	t.Parallel()
	b := New()

	ch, unsub := b.SubscribeTypes(4, "conn.state")
	defer unsub()

	b.Publish(Event{Type: "delivery.sent"})
	b.Publish(Event{Type: "conn.state", Data: "connected"})

	select {
	case e := <-ch:
		if e.Type != "conn.state" {
			t.Fatalf("got type %q, want conn.state", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for filtered event")
	}

	select {
	case e := <-ch:
		t.Fatalf("unexpected extra event %q", e.Type)
	default:
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()

	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"}) // buffer full, must not block

	st := b.Stats()
	if st.Published != 2 {
		t.Fatalf("Published = %d, want 2", st.Published)
	}
	if st.Dropped != 1 {
		t.Fatalf("Dropped = %d, want 1", st.Dropped)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	t.Parallel()
	b := New()

	_, unsub := b.Subscribe(1)
	unsub()
	unsub()

	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: "x"})

	if n := b.Stats().Subscribers; n != 0 {
		t.Fatalf("Subscribers = %d, want 0", n)
	}
}
