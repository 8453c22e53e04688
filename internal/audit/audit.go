// Package audit provides fire-and-forget dispatch of decision audit events.
// Emission never blocks the decision path: events are queued on a buffered
// channel and dropped (with a counter) when the queue is full.
package audit

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBuffer is the queue depth between Emit and the drain goroutine.
const DefaultBuffer = 1024

// Event is one auditable decision.
type Event struct {
	RequestID  string    `json:"request_id"`
	Subject    string    `json:"subject"`
	Resource   string    `json:"resource"`
	Operation  string    `json:"operation"`
	Verdict    string    `json:"verdict"`
	Reason     string    `json:"reason"`
	PolicyID   string    `json:"policy_id,omitempty"`
	RiskScore  float64   `json:"risk_score"`
	Conditions []string  `json:"conditions,omitempty"`
	At         time.Time `json:"at"`
}

// Sink receives drained events.
type Sink interface {
	Write(Event)
}

// SlogSink writes events as structured log records.
type SlogSink struct {
	Logger *slog.Logger
}

func (s *SlogSink) Write(e Event) {
	s.Logger.Info("audit",
		"request_id", e.RequestID,
		"subject", e.Subject,
		"resource", e.Resource,
		"operation", e.Operation,
		"verdict", e.Verdict,
		"reason", e.Reason,
		"policy_id", e.PolicyID,
		"risk_score", e.RiskScore,
		"conditions", e.Conditions,
	)
}

// Dispatcher queues events for a single drain goroutine.
type Dispatcher struct {
	ch      chan Event
	sink    Sink
	dropped atomic.Uint64
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewDispatcher starts a dispatcher draining into sink. A buffer of 0
// uses DefaultBuffer.
func NewDispatcher(sink Sink, buffer int) *Dispatcher {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	d := &Dispatcher{
		ch:   make(chan Event, buffer),
		sink: sink,
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go d.drain()
	return d
}

// Emit queues an event, dropping it if the queue is full or the
// dispatcher is closed. Safe to call concurrently with Close.
func (d *Dispatcher) Emit(e Event) {
	select {
	case <-d.quit:
		d.dropped.Add(1)
		return
	default:
	}
	select {
	case d.ch <- e:
	default:
		d.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded due to backpressure.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Close stops the drain goroutine after flushing queued events. The event
// channel is never closed, so late Emit calls drop instead of panicking.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		close(d.quit)
		<-d.done
	})
}

func (d *Dispatcher) drain() {
	defer close(d.done)
	for {
		select {
		case e := <-d.ch:
			d.sink.Write(e)
		case <-d.quit:
			for {
				select {
				case e := <-d.ch:
					d.sink.Write(e)
				default:
					return
				}
			}
		}
	}
}
