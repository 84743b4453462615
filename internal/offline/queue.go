// Package offline provides the bounded buffer that holds events produced
// while the connection is down. The queue prefers freshness over
// completeness: when full, the oldest entry is evicted to make room.
package offline

import (
	"sync"

	"github.com/openhail/ridesync/internal/pkg/constants"
)

// Entry is a single queued outbound event
type Entry struct {
	Event   string
	Payload interface{}
}

// Queue is a goroutine-safe FIFO with drop-oldest eviction
type Queue struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
	dropped  int64
}

// NewQueue creates a queue with the given capacity.
// A capacity of zero or less falls back to the default.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = constants.OfflineQueueCapacity
	}
	return &Queue{
		entries:  make([]Entry, 0, capacity),
		capacity: capacity,
	}
}

// Push appends an entry, evicting the oldest one if the queue is full
func (q *Queue) Push(e Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.capacity {
		q.entries = q.entries[1:]
		q.dropped++
	}
	q.entries = append(q.entries, e)
}

// Len returns the number of queued entries
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Cap returns the queue capacity
func (q *Queue) Cap() int {
	return q.capacity
}

// Dropped returns the number of entries evicted so far
func (q *Queue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Drain sends queued entries oldest-first through send. The whole batch is
// taken out up front; if send fails the unsent remainder is put back ahead
// of anything queued in the meantime, so original order survives a
// connection lost mid-drain.
func (q *Queue) Drain(send func(Entry) error) error {
	q.mu.Lock()
	batch := q.entries
	q.entries = make([]Entry, 0, q.capacity)
	q.mu.Unlock()

	for i, e := range batch {
		if err := send(e); err != nil {
			q.requeue(batch[i:])
			return err
		}
	}
	return nil
}

// requeue prepends unsent entries, trimming the oldest if that overflows
// the capacity
func (q *Queue) requeue(unsent []Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	merged := append(append(make([]Entry, 0, len(unsent)+len(q.entries)), unsent...), q.entries...)
	if over := len(merged) - q.capacity; over > 0 {
		merged = merged[over:]
		q.dropped += int64(over)
	}
	q.entries = merged
}

// Clear removes every queued entry
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = q.entries[:0]
}
