package fieldsync

import (
	"testing"
	"time"
)

func TestStatusBroadcaster(t *testing.T) {
	t.Run("delivers to all subscribers", func(t *testing.T) {
		b := NewStatusBroadcaster(4)
		defer b.Close()

		first := b.Subscribe()
		second := b.Subscribe()
		defer first.Close()
		defer second.Close()

		b.Emit(StatusEvent{Type: StatusPendingCount, PendingCount: 3})

		for _, sub := range []*StatusSubscription{first, second} {
			select {
			case ev := <-sub.Events:
				if ev.Type != StatusPendingCount || ev.PendingCount != 3 {
					t.Fatalf("unexpected event: %+v", ev)
				}
			case <-time.After(time.Second):
				t.Fatal("event not delivered")
			}
		}
	})

	t.Run("slow subscriber drops instead of blocking", func(t *testing.T) {
		b := NewStatusBroadcaster(1)
		defer b.Close()

		sub := b.Subscribe()
		defer sub.Close()

		// Buffer of 1: the second emit must not block the emitter.
		done := make(chan struct{})
		go func() {
			b.Emit(StatusEvent{Type: StatusSyncStarted})
			b.Emit(StatusEvent{Type: StatusSyncStarted})
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("emit blocked on a slow subscriber")
		}
		if b.Dropped() != 1 {
			t.Fatalf("expected 1 dropped event, got %d", b.Dropped())
		}
	})

	t.Run("closed subscription stops receiving", func(t *testing.T) {
		b := NewStatusBroadcaster(4)
		defer b.Close()

		sub := b.Subscribe()
		sub.Close()
		b.Emit(StatusEvent{Type: StatusSyncStarted})

		if _, ok := <-sub.Events; ok {
			t.Fatal("expected closed channel")
		}
	})
}
