package link

import (
	"sync"

	"github.com/asra-uav/gcs/internal/mavlink"
)

// eventQueue is a thread-safe unbounded FIFO carrying events from the link
// worker to the polling consumer. Pushes never block and DrainAll never
// blocks, which keeps both sides of the boundary non-blocking.
type eventQueue struct {
	mu     sync.Mutex
	events []mavlink.Event
}

// Push appends an event to the queue.
func (q *eventQueue) Push(e mavlink.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, e)
}

// DrainAll removes and returns all queued events in arrival order.
// Returns nil if the queue is empty.
func (q *eventQueue) DrainAll() []mavlink.Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return nil
	}
	events := q.events
	q.events = nil
	return events
}

// Size returns the current number of queued events.
func (q *eventQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
