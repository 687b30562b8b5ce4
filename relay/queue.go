package relay

import (
	"sync"
	"time"

	"github.com/adwski/camlink/model"
)

const (
	defaultQueueBound = 50
	defaultQueueTTL   = 5 * time.Minute
)

// QueuedMessage is one signaling message waiting for the relay channel to
// come back.
type QueuedMessage struct {
	Message    model.SignalMessage
	EnqueuedAt time.Time
}

// OutboundQueue buffers signaling messages that could not be sent because
// the relay channel was not connected. Losing an offer or a candidate
// silently would strand a session that otherwise looks connected at the
// signaling layer, so messages are held up to a TTL and replayed in order
// once the channel reconnects.
//
// The queue is bounded: expired entries are purged lazily before any
// enqueue or drain, and on overflow the oldest entry is evicted first.
type OutboundQueue struct {
	mu      sync.Mutex
	entries []QueuedMessage
	bound   int
	ttl     time.Duration
	now     func() time.Time
}

// QueueOption tweaks an OutboundQueue. Used by tests to inject a clock.
type QueueOption func(*OutboundQueue)

func WithQueueBound(n int) QueueOption {
	return func(q *OutboundQueue) { q.bound = n }
}

func WithQueueTTL(ttl time.Duration) QueueOption {
	return func(q *OutboundQueue) { q.ttl = ttl }
}

func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *OutboundQueue) { q.now = now }
}

func NewOutboundQueue(opts ...QueueOption) *OutboundQueue {
	q := &OutboundQueue{
		bound: defaultQueueBound,
		ttl:   defaultQueueTTL,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *OutboundQueue) Enqueue(msg model.SignalMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.purgeExpiredLocked()
	q.entries = append(q.entries, QueuedMessage{
		Message:    msg,
		EnqueuedAt: q.now(),
	})
	if over := len(q.entries) - q.bound; over > 0 {
		q.entries = q.entries[over:]
	}
}

// Snapshot atomically purges expired entries, returns the remainder in
// enqueue order and clears the queue. Entries that fail to send again are
// handed back via Requeue, never lost silently.
func (q *OutboundQueue) Snapshot() []QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.purgeExpiredLocked()
	snap := q.entries
	q.entries = nil
	return snap
}

// Requeue puts entries that failed mid-drain back at the front, preserving
// their original enqueue timestamps and order.
func (q *OutboundQueue) Requeue(entries []QueuedMessage) {
	if len(entries) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.entries = append(entries, q.entries...)
	if over := len(q.entries) - q.bound; over > 0 {
		q.entries = q.entries[over:]
	}
}

func (q *OutboundQueue) PurgeExpired() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.purgeExpiredLocked()
}

// Purge drops everything. Called on session teardown.
func (q *OutboundQueue) Purge() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = nil
}

func (q *OutboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *OutboundQueue) purgeExpiredLocked() {
	cutoff := q.now().Add(-q.ttl)
	idx := 0
	for ; idx < len(q.entries); idx++ {
		if q.entries[idx].EnqueuedAt.After(cutoff) {
			break
		}
	}
	if idx > 0 {
		q.entries = q.entries[idx:]
	}
}
