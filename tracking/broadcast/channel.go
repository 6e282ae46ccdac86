package broadcast

import "sync"

// Channel is one live observer connection.
type Channel interface {
	// ID identifies the channel across rooms. It must be stable for the
	// lifetime of the connection.
	ID() string

	// Send queues an event for delivery without blocking. It returns false
	// when the event was not accepted.
	Send(ev Event) bool
}

// QueueChannel is a Channel backed by a bounded Go channel.
type QueueChannel struct {
	id     string
	events chan Event

	mu     sync.RWMutex
	closed bool
}

// NewQueueChannel creates a queue channel that buffers up to size events.
func NewQueueChannel(id string, size int) *QueueChannel {
	if size <= 0 {
		size = 1
	}
	return &QueueChannel{
		id:     id,
		events: make(chan Event, size),
	}
}

// ID returns the channel identifier.
func (q *QueueChannel) ID() string {
	return q.id
}

// Send queues ev unless the buffer is full or the channel is closed.
func (q *QueueChannel) Send(ev Event) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return false
	}

	select {
	case q.events <- ev:
		return true
	default:
		return false
	}
}

// Events returns the receive side of the queue. It is closed by Close.
func (q *QueueChannel) Events() <-chan Event {
	return q.events
}

// Close stops accepting events and closes the receive side. Safe to call more
// than once.
func (q *QueueChannel) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.events)
}
