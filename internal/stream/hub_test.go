package stream

import (
	"testing"
	"time"
)

func TestSubscribePublishDeliversToMatchingTopicOnly(t *testing.T) {
	h := newHub()
	a := h.subscribe("topic-a")
	b := h.subscribe("topic-b")
	defer h.unsubscribe(a)
	defer h.unsubscribe(b)

	h.publish("topic-a", Event{Type: "hello"})

	select {
	case ev := <-a.send:
		if ev.Type != "hello" {
			t.Fatalf("got %+v, want Type=hello", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber on topic-a did not receive publish")
	}

	select {
	case ev := <-b.send:
		t.Fatalf("subscriber on topic-b should not have received %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeRemovesClientAndClosesChannel(t *testing.T) {
	h := newHub()
	c := h.subscribe("topic")
	h.unsubscribe(c)

	h.mu.RLock()
	_, stillPresent := h.clients["topic"]
	h.mu.RUnlock()
	if stillPresent {
		t.Fatal("topic entry should be removed once its only subscriber leaves")
	}

	if _, open := <-c.send; open {
		t.Fatal("send channel should be closed after unsubscribe")
	}
}

func TestPublishDropsSlowSubscriberInsteadOfBlocking(t *testing.T) {
	h := newHub()
	c := h.subscribe("topic")

	// Fill the bounded queue without draining it.
	for i := 0; i < cap(c.send); i++ {
		h.publish("topic", Event{Type: "fill"})
	}

	done := make(chan struct{})
	go func() {
		h.publish("topic", Event{Type: "overflow"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked instead of dropping the slow subscriber")
	}

	deadline := time.After(time.Second)
	for {
		h.mu.RLock()
		_, present := h.clients["topic"]
		h.mu.RUnlock()
		if !present {
			return
		}
		select {
		case <-deadline:
			t.Fatal("slow subscriber was never dropped")
		case <-time.After(time.Millisecond):
		}
	}
}
