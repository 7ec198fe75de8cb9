package events

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus(nil)
	got := make(chan WorkerActivated, 1)

	unsub := bus.Subscribe(TopicWorkerActivated, func(_ string, data interface{}) {
		if ev, ok := data.(WorkerActivated); ok {
			got <- ev
		}
	})
	defer unsub()

	bus.Publish(TopicWorkerActivated, WorkerActivated{Slug: "tokyo", Scope: "/city/tokyo/"})

	select {
	case ev := <-got:
		if ev.Slug != "tokyo" {
			t.Fatalf("expected tokyo, got %s", ev.Slug)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestNilBus(t *testing.T) {
	var bus *Bus
	bus.Publish(TopicOnline, nil)
	unsub := bus.Subscribe(TopicOnline, func(string, interface{}) {
		t.Fatal("nil bus must not deliver")
	})
	unsub()
}
