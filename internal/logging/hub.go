package logging

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"
)

// DefaultHubCapacity is the number of records retained by a hub by default.
const DefaultHubCapacity = 400

var (
	// ErrHubStopped is returned when the hub loop has exited.
	ErrHubStopped = errors.New("log hub stopped")
	// ErrHubRunning is returned when Run is called twice.
	ErrHubRunning = errors.New("log hub already running")
)

// HubMetrics receives hub activity. Implementations must be safe for
// concurrent use.
type HubMetrics interface {
	RecordReceived(level Level)
	SetRetained(n int)
	SetSinks(n int)
}

type nopHubMetrics struct{}

func (nopHubMetrics) RecordReceived(Level) {}
func (nopHubMetrics) SetRetained(int)      {}
func (nopHubMetrics) SetSinks(int)         {}

// Hub aggregates the records of every logger into a bounded history and
// re-publishes them to attached sinks. All hub state is owned by the
// goroutine running Run; other goroutines only hand events over.
type Hub struct {
	capacity int
	inbox    *mailbox
	requests chan func()
	done     chan struct{}
	running  atomic.Bool
	metrics  HubMetrics

	buffer  *ring
	sinks   []*attachment
	enabled bool
}

type attachment struct {
	sink Subscriber
}

// HubOption is a functional option for the hub.
type HubOption func(*Hub)

// WithHubMetrics sets the metrics recorder.
func WithHubMetrics(m HubMetrics) HubOption {
	return func(h *Hub) {
		if m != nil {
			h.metrics = m
		}
	}
}

// NewHub creates a hub retaining up to capacity records.
func NewHub(capacity int, opts ...HubOption) *Hub {
	if capacity <= 0 {
		capacity = DefaultHubCapacity
	}

	h := &Hub{
		capacity: capacity,
		inbox:    newMailbox(),
		requests: make(chan func()),
		done:     make(chan struct{}),
		metrics:  nopHubMetrics{},
		buffer:   newRing(capacity),
		enabled:  true,
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Capacity returns the maximum number of retained records.
func (h *Hub) Capacity() int {
	return h.capacity
}

// OnRecord implements Subscriber. It never blocks on the hub loop.
func (h *Hub) OnRecord(rec Record) {
	h.inbox.put(event{record: rec})
}

// OnState implements Subscriber. It never blocks on the hub loop.
func (h *Hub) OnState(enabled bool) {
	h.inbox.put(event{state: enabled, isState: true})
}

// Run processes events until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	if !h.running.CompareAndSwap(false, true) {
		return ErrHubRunning
	}
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.drain()
			return ctx.Err()
		case <-h.inbox.wake:
			h.drain()
		case req := <-h.requests:
			// Events queued before the request was made are applied first.
			h.drain()
			req()
		}
	}
}

// Done is closed when Run returns.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) drain() {
	for _, ev := range h.inbox.take() {
		if ev.isState {
			h.handleState(ev.state)
			continue
		}
		h.handleRecord(ev.record)
	}
}

func (h *Hub) handleRecord(rec Record) {
	h.buffer.push(rec)
	h.metrics.RecordReceived(rec.Level)
	h.metrics.SetRetained(h.buffer.len())

	if !h.enabled {
		return
	}
	for _, a := range h.sinks {
		a.sink.OnRecord(rec)
	}
}

func (h *Hub) handleState(enabled bool) {
	h.enabled = enabled
	for _, a := range h.sinks {
		a.sink.OnState(enabled)
	}
}

// do runs fn inside the hub loop and waits for it to finish.
func (h *Hub) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	req := func() {
		fn()
		close(finished)
	}

	select {
	case h.requests <- req:
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	<-finished
	return nil
}

// Snapshot returns a copy of the retained history, oldest first.
func (h *Hub) Snapshot(ctx context.Context) ([]Record, error) {
	var out []Record
	err := h.do(ctx, func() {
		out = h.buffer.snapshot()
	})
	return out, err
}

// Recent returns up to n of the newest retained records, oldest first.
func (h *Hub) Recent(ctx context.Context, n int) ([]Record, error) {
	var out []Record
	err := h.do(ctx, func() {
		out = h.buffer.last(n)
	})
	return out, err
}

// Attach returns the current backlog and attaches sink in the same loop
// step, so sink observes every record exactly once. Sink callbacks run on
// the hub goroutine and must not block or call back into the hub.
func (h *Hub) Attach(ctx context.Context, sink Subscriber) (backlog []Record, detach func(), err error) {
	a := &attachment{sink: sink}
	err = h.do(ctx, func() {
		backlog = h.buffer.snapshot()
		h.sinks = append(h.sinks, a)
		h.metrics.SetSinks(len(h.sinks))
	})
	if err != nil {
		return nil, nil, err
	}

	detach = func() {
		_ = h.do(context.Background(), func() {
			if idx := slices.Index(h.sinks, a); idx >= 0 {
				h.sinks = slices.Delete(h.sinks, idx, idx+1)
				h.metrics.SetSinks(len(h.sinks))
			}
		})
	}
	return backlog, detach, nil
}
