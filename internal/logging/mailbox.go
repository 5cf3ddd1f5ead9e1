package logging

import "sync"

type event struct {
	record  Record
	state   bool
	isState bool
}

// mailbox is an unbounded multi-producer, single-consumer queue. Producers
// never wait for the consumer.
type mailbox struct {
	mu     sync.Mutex
	events []event
	wake   chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{wake: make(chan struct{}, 1)}
}

func (m *mailbox) put(ev event) {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// take removes and returns everything queued so far.
func (m *mailbox) take() []event {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := m.events
	m.events = nil
	return events
}
