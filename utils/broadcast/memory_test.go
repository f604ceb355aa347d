package broadcast

import (
	"context"
	"testing"
	"time"
)

func TestMemoryBroadcasterFanOut(t *testing.T) {
	b := NewMemoryBroadcaster()
	ctx := context.Background()

	ch1, cancel1, err := b.Subscribe(ctx, "s1")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer cancel1()
	ch2, cancel2, _ := b.Subscribe(ctx, "s1")
	defer cancel2()
	other, cancelOther, _ := b.Subscribe(ctx, "s2")
	defer cancelOther()

	if err := b.Publish(ctx, "s1", Event{Type: "hook"}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case event := <-ch:
			if event.Type != "hook" || event.SessionID != "s1" {
				t.Errorf("subscriber %d got %+v", i, event)
			}
			if event.Timestamp.IsZero() {
				t.Errorf("subscriber %d got zero timestamp", i)
			}
		default:
			t.Errorf("subscriber %d got nothing", i)
		}
	}

	select {
	case event := <-other:
		t.Errorf("s2 subscriber got %+v", event)
	default:
	}
}

func TestMemoryBroadcasterCancelClosesChannel(t *testing.T) {
	b := NewMemoryBroadcaster()
	ctx := context.Background()

	ch, cancel, _ := b.Subscribe(ctx, "s1")
	cancel()
	// Cancel is idempotent
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel after cancel")
		}
	case <-time.After(time.Second):
		t.Error("channel not closed after cancel")
	}

	// Publishing after the last subscriber left is a no-op
	if err := b.Publish(ctx, "s1", Event{Type: "hook"}); err != nil {
		t.Errorf("publish to empty session failed: %v", err)
	}
}

func TestMemoryBroadcasterDropsOnSlowSubscriber(t *testing.T) {
	b := NewMemoryBroadcaster()
	ctx := context.Background()

	ch, cancel, _ := b.Subscribe(ctx, "s1")
	defer cancel()

	// Overfill the buffer; the publisher must never block
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(ctx, "s1", Event{Type: "hook"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	received := 0
	for {
		select {
		case <-ch:
			received++
		default:
			if received == 0 || received > 100 {
				t.Errorf("received = %d", received)
			}
			return
		}
	}
}
