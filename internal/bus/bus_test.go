package bus

import (
	"testing"
	"time"

	"github.com/you/streamfeed/internal/core"
)

func TestPublishSubscribe(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	all, cancelAll := b.Subscribe()
	defer cancelAll()
	gifts, cancelGifts := b.Subscribe(core.KindGift)
	defer cancelGifts()

	b.Publish(core.Event{Kind: core.KindMessage, ID: "m1"})
	b.Publish(core.Event{Kind: core.KindGift, ID: "g1"})

	if ev := recv(t, all); ev.ID != "m1" {
		t.Fatalf("all[0] = %+v", ev)
	}
	if ev := recv(t, all); ev.ID != "g1" {
		t.Fatalf("all[1] = %+v", ev)
	}
	if ev := recv(t, gifts); ev.ID != "g1" {
		t.Fatalf("gifts[0] = %+v", ev)
	}
	select {
	case ev := <-gifts:
		t.Fatalf("gift subscriber got %+v", ev)
	default:
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	b := New(Options{Buffer: 2})
	defer b.Close()

	ch, cancel := b.Subscribe()
	defer cancel()

	b.Publish(core.Event{ID: "1"})
	b.Publish(core.Event{ID: "2"})
	b.Publish(core.Event{ID: "3"}) // evicts "1"

	if ev := recv(t, ch); ev.ID != "2" {
		t.Fatalf("first = %q, want oldest surviving event 2", ev.ID)
	}
	if ev := recv(t, ch); ev.ID != "3" {
		t.Fatalf("second = %q, want 3", ev.ID)
	}
}

func TestCancelClosesChannel(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	ch, cancel := b.Subscribe()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after cancel")
	}
	// double cancel is safe
	cancel()
	// publish after cancel must not panic
	b.Publish(core.Event{ID: "x"})
}

func TestCloseEndsSubscribers(t *testing.T) {
	b := New(Options{})
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Close()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after bus close")
	}
	b.Publish(core.Event{ID: "x"}) // no-op

	late, _ := b.Subscribe()
	if _, ok := <-late; ok {
		t.Fatal("subscribe after close should return a closed channel")
	}
}

func recv(t *testing.T, ch <-chan core.Event) core.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return core.Event{}
	}
}
