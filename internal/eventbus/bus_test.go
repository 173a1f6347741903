package eventbus

import (
	"context"
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()
	a, unA := b.Subscribe(4)
	c, unC := b.Subscribe(4)
	defer unA()
	defer unC()

	b.Publish(Event{Type: TaskStarted, Data: "t1"})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case ev := <-ch:
			if ev.Type != TaskStarted || ev.Time.IsZero() {
				t.Fatalf("unexpected event: %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: TaskStarted})
	b.Publish(Event{Type: TaskFailed})

	if got := b.Dropped(); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	if b.Subscribers() != 0 {
		t.Fatalf("subscribers = %d, want 0", b.Subscribers())
	}
	b.Publish(Event{Type: TaskStarted})
}

func TestFiltered(t *testing.T) {
	t.Parallel()
	b := New()
	raw, unsub := b.Subscribe(8)
	out := Filtered(context.Background(), raw, "queue.")

	b.Publish(Event{Type: TaskStarted})
	b.Publish(Event{Type: QueueCleared})
	unsub()

	var got []string
	for ev := range out {
		got = append(got, ev.Type)
	}
	if len(got) != 1 || got[0] != QueueCleared {
		t.Fatalf("filtered = %v, want [%s]", got, QueueCleared)
	}
}

func TestFilteredStopsOnContext(t *testing.T) {
	t.Parallel()
	b := New()
	raw, unsub := b.Subscribe(8)
	defer unsub()
	ctx, cancel := context.WithCancel(context.Background())
	out := Filtered(ctx, raw, "task.")

	b.Publish(Event{Type: TaskStarted})
	cancel()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-out:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("filtered channel not closed after cancel")
		}
	}
}
