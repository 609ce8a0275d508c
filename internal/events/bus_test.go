package events

import (
	"encoding/json"
	"testing"
	"time"
)

func TestPublishAndSubscribe(t *testing.T) {
	bus := NewBus(16)
	ch := bus.Subscribe("hub")

	bus.Publish(Event{Channel: "waste-managers", Name: "bin-full", Data: map[string]any{"bin_id": "b1"}})

	select {
	case evt := <-ch:
		if evt.Channel != "waste-managers" || evt.Name != "bin-full" {
			t.Fatalf("unexpected event %+v", evt)
		}
		if evt.Timestamp.IsZero() {
			t.Fatal("timestamp should be set")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	bus.Unsubscribe("hub")
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewBus(16)
	ch1 := bus.Subscribe("s1")
	ch2 := bus.Subscribe("s2")

	bus.Publish(Event{Channel: "broadcast", Name: "campaign-started"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case evt := <-ch:
			if evt.Name != "campaign-started" {
				t.Fatalf("wrong event: %s", evt.Name)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout")
		}
	}

	if bus.SubscriberCount() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", bus.SubscriberCount())
	}
	bus.Unsubscribe("s1")
	bus.Unsubscribe("s2")
	bus.Unsubscribe("s2")
	if bus.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", bus.SubscriberCount())
	}
}

func TestResubscribeClosesPreviousChannel(t *testing.T) {
	bus := NewBus(4)
	first := bus.Subscribe("dup")
	_ = bus.Subscribe("dup")
	if _, ok := <-first; ok {
		t.Fatal("first channel should be closed")
	}
	if bus.SubscriberCount() != 1 {
		t.Fatalf("subscribers = %d", bus.SubscriberCount())
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus(1)
	_ = bus.Subscribe("slow")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(Event{Channel: "admins", Name: "reward-redeemed"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if bus.Dropped() != 99 {
		t.Fatalf("dropped = %d, want 99", bus.Dropped())
	}
}

func TestEventJSON(t *testing.T) {
	evt := Event{Channel: "user-1", Name: "level-up", Data: map[string]int{"level": 3}, Timestamp: time.Unix(0, 0).UTC()}
	var decoded map[string]any
	if err := json.Unmarshal(evt.JSON(), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["event"] != "level-up" || decoded["channel"] != "user-1" {
		t.Fatalf("unexpected JSON %v", decoded)
	}
}
