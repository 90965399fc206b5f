package eventbus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishAndSubscribe(t *testing.T) {
	bus := New()
	ch := bus.Subscribe("tool:crm-leads")

	bus.Publish("tool:crm-leads", "hello")

	select {
	case evt := <-ch:
		if evt.Topic != "tool:crm-leads" {
			t.Errorf("expected topic 'tool:crm-leads', got %q", evt.Topic)
		}
		if evt.Payload != "hello" {
			t.Errorf("expected payload 'hello', got %v", evt.Payload)
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("timeout: expected event to be received within 100ms")
	}
}

func TestBus_DifferentTopics_NoInterference(t *testing.T) {
	bus := New()
	chA := bus.Subscribe("tool:a")
	chB := bus.Subscribe("tool:b")

	bus.Publish("tool:a", "for-a")

	select {
	case <-chA:
	case <-time.After(100 * time.Millisecond):
		t.Error("tool:a: timeout waiting for event")
	}

	select {
	case evt := <-chB:
		t.Errorf("tool:b: received unexpected event: %v", evt)
	default:
	}
}

func TestBus_NonBlockingPublish_FullBuffer(t *testing.T) {
	bus := New()
	_ = bus.Subscribe("overflow")

	done := make(chan struct{})
	go func() {
		for i := 0; i <= defaultBufferSize+10; i++ {
			bus.Publish("overflow", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Error("Publish blocked when buffer was full")
	}
}

func TestBus_Unsubscribe_ClosesChannel(t *testing.T) {
	bus := New()
	ch1 := bus.Subscribe("tool:x")
	ch2 := bus.Subscribe("tool:x")

	bus.Unsubscribe("tool:x", ch1)

	if _, ok := <-ch1; ok {
		t.Error("ch1 still open after Unsubscribe")
	}
	if got := bus.SubscriberCount("tool:x"); got != 1 {
		t.Errorf("SubscriberCount = %d; want 1", got)
	}

	bus.Publish("tool:x", 1)
	select {
	case <-ch2:
	case <-time.After(100 * time.Millisecond):
		t.Error("remaining subscriber did not receive event")
	}

	bus.Unsubscribe("tool:x", ch2)
	bus.Unsubscribe("tool:x", ch2) // second call is a no-op
	if got := bus.SubscriberCount("tool:x"); got != 0 {
		t.Errorf("SubscriberCount = %d; want 0", got)
	}
}

// TestBus_ConcurrentPublishUnsubscribe exercises the lock discipline under -race.
func TestBus_ConcurrentPublishUnsubscribe(t *testing.T) {
	bus := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		ch := bus.Subscribe("tool:race")
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish("tool:race", j)
			}
		}()
		go func() {
			defer wg.Done()
			bus.Unsubscribe("tool:race", ch)
		}()
	}
	wg.Wait()
}
