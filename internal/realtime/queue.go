package realtime

import "sync"

// QueueEntry is one pending coalesced update. It captures the identity and
// session current at enqueue time so a later flush addresses the connection
// that observed the change.
type QueueEntry struct {
	ObjectID  string
	AccountID string
	Token     string
	Session   *Session
	Method    string
}

// CoalescingQueue deduplicates pending change notifications by object id,
// retaining only the most recent entry per id. Depth is bounded by the number
// of distinct in-flight object ids, not by event volume.
type CoalescingQueue struct {
	mu      sync.Mutex
	entries []QueueEntry
}

// NewCoalescingQueue returns an empty queue.
func NewCoalescingQueue() *CoalescingQueue {
	return &CoalescingQueue{}
}

// Upsert inserts the entry, replacing any existing entry with the same object
// id. Insertion order of first appearance is preserved.
func (q *CoalescingQueue) Upsert(entry QueueEntry) {
	if entry.ObjectID == "" {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.entries {
		if q.entries[i].ObjectID == entry.ObjectID {
			q.entries[i] = entry
			return
		}
	}
	q.entries = append(q.entries, entry)
}

// DrainAll atomically returns all pending entries and clears the queue.
func (q *CoalescingQueue) DrainAll() []QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := q.entries
	q.entries = nil
	return drained
}

// Clear discards all pending entries without returning them. Used on account
// context switches so stale updates never leak into the new context.
func (q *CoalescingQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = nil
}

// Len reports the number of pending entries.
func (q *CoalescingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
