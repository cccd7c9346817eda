package routing

import (
	"sort"
	"time"

	"github.com/vesselworks/plexus/core/messaging"
)

// =============================================================================
// Message Queue
// =============================================================================
//
// MessageQueue holds messages waiting for redelivery: overload spillover and
// retry wrappers. Items sit in one lane per priority; lanes are kept sorted
// by NextRetryAt, so the head of a lane is always its earliest due item.
// PopDue scans critical to low, which yields the drain order: highest
// priority first, then earliest due time among equals.

// QueuedMessage wraps a message waiting in a queue.
type QueuedMessage struct {
	Message     *messaging.Message `json:"message"`
	Target      string             `json:"target"`
	Retries     int                `json:"retries"`
	MaxRetries  int                `json:"max_retries"`
	NextRetryAt time.Time          `json:"next_retry_at"`
	EnqueuedAt  time.Time          `json:"enqueued_at"`
	LastError   string             `json:"last_error,omitempty"`
}

// laneCount is one lane per priority level.
const laneCount = 4

// laneIndex maps priority to its lane; critical drains first.
func laneIndex(p messaging.Priority) int {
	switch {
	case p >= messaging.PriorityCritical:
		return 0
	case p >= messaging.PriorityHigh:
		return 1
	case p >= messaging.PriorityNormal:
		return 2
	default:
		return 3
	}
}

// MessageQueue is a priority queue of pending deliveries. Not safe for
// concurrent use; the router serializes access under its own mutex.
type MessageQueue struct {
	lanes [laneCount][]*QueuedMessage
	size  int
}

// NewMessageQueue creates an empty queue.
func NewMessageQueue() *MessageQueue {
	return &MessageQueue{}
}

// Len returns the number of queued items.
func (q *MessageQueue) Len() int {
	return q.size
}

// Push inserts an item into its priority lane, keeping the lane sorted by
// NextRetryAt.
func (q *MessageQueue) Push(item *QueuedMessage) {
	lane := laneIndex(item.Message.Priority)
	items := q.lanes[lane]

	at := sort.Search(len(items), func(i int) bool {
		return items[i].NextRetryAt.After(item.NextRetryAt)
	})

	items = append(items, nil)
	copy(items[at+1:], items[at:])
	items[at] = item

	q.lanes[lane] = items
	q.size++
}

// PopDue removes and returns the next item with NextRetryAt at or before
// now, scanning lanes critical to low. Returns nil when nothing is due.
func (q *MessageQueue) PopDue(now time.Time) *QueuedMessage {
	for lane := range q.lanes {
		items := q.lanes[lane]
		if len(items) == 0 {
			continue
		}
		if items[0].NextRetryAt.After(now) {
			continue
		}

		item := items[0]
		copy(items, items[1:])
		items[len(items)-1] = nil
		q.lanes[lane] = items[:len(items)-1]
		q.size--
		return item
	}
	return nil
}

// Peek returns the head of the highest-priority non-empty lane without
// removing it.
func (q *MessageQueue) Peek() *QueuedMessage {
	for lane := range q.lanes {
		if len(q.lanes[lane]) > 0 {
			return q.lanes[lane][0]
		}
	}
	return nil
}

// Contains reports whether a message id is queued.
func (q *MessageQueue) Contains(messageID string) bool {
	for lane := range q.lanes {
		for _, item := range q.lanes[lane] {
			if item.Message.ID == messageID {
				return true
			}
		}
	}
	return false
}

// Remove deletes a queued item by message id.
func (q *MessageQueue) Remove(messageID string) bool {
	for lane := range q.lanes {
		for i, item := range q.lanes[lane] {
			if item.Message.ID != messageID {
				continue
			}
			items := q.lanes[lane]
			copy(items[i:], items[i+1:])
			items[len(items)-1] = nil
			q.lanes[lane] = items[:len(items)-1]
			q.size--
			return true
		}
	}
	return false
}

// Drain removes and returns every queued item, critical lane first.
func (q *MessageQueue) Drain() []*QueuedMessage {
	items := make([]*QueuedMessage, 0, q.size)
	for lane := range q.lanes {
		items = append(items, q.lanes[lane]...)
		q.lanes[lane] = nil
	}
	q.size = 0
	return items
}

// Depths reports per-priority lane depths, critical first.
func (q *MessageQueue) Depths() [laneCount]int {
	var depths [laneCount]int
	for lane := range q.lanes {
		depths[lane] = len(q.lanes[lane])
	}
	return depths
}
