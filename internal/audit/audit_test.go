package audit

import (
	"sync"
	"testing"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureSink) Write(e Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *captureSink) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	sink := &captureSink{}
	d := NewDispatcher(sink, 16)

	for i := 0; i < 10; i++ {
		d.Emit(Event{RequestID: string(rune('a' + i))})
	}
	d.Close()

	if sink.len() != 10 {
		t.Fatalf("delivered %d events, want 10", sink.len())
	}
	for i, e := range sink.events {
		if e.RequestID != string(rune('a'+i)) {
			t.Errorf("event %d out of order: %q", i, e.RequestID)
		}
	}
	if d.Dropped() != 0 {
		t.Errorf("dropped = %d, want 0", d.Dropped())
	}
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	// A sink that blocks forever forces the queue to fill.
	block := make(chan struct{})
	d := &Dispatcher{
		ch:   make(chan Event, 2),
		sink: &captureSink{},
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go func() {
		<-block
		d.drain()
	}()

	for i := 0; i < 5; i++ {
		d.Emit(Event{})
	}
	if d.Dropped() != 3 {
		t.Errorf("dropped = %d, want 3", d.Dropped())
	}
	close(block)
	d.Close()
}

func TestCloseIsIdempotent(t *testing.T) {
	d := NewDispatcher(&captureSink{}, 1)
	d.Close()
	d.Close()
}

func TestEmitAfterCloseDrops(t *testing.T) {
	sink := &captureSink{}
	d := NewDispatcher(sink, 4)
	d.Emit(Event{RequestID: "before"})
	d.Close()

	d.Emit(Event{RequestID: "after"})

	if sink.len() != 1 {
		t.Fatalf("delivered %d events, want 1", sink.len())
	}
	if d.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", d.Dropped())
	}
}
