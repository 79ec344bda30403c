package realtime

import "testing"

func TestCoalescingQueueKeepsLatestEntryPerID(t *testing.T) {
	queue := NewCoalescingQueue()

	queue.Upsert(QueueEntry{ObjectID: "vsr-1", Token: "t1", Method: "PATCH"})
	queue.Upsert(QueueEntry{ObjectID: "vsr-1", Token: "t2", Method: "PATCH"})
	queue.Upsert(QueueEntry{ObjectID: "vsr-1", Token: "t3", Method: "POST"})

	drained := queue.DrainAll()
	if len(drained) != 1 {
		t.Fatalf("expected 1 entry after coalescing, got %d", len(drained))
	}
	if drained[0].Token != "t3" {
		t.Fatalf("expected latest token t3, got %s", drained[0].Token)
	}
	if drained[0].Method != "POST" {
		t.Fatalf("expected latest method POST, got %s", drained[0].Method)
	}
}

func TestCoalescingQueueIsolatesDistinctIDs(t *testing.T) {
	queue := NewCoalescingQueue()

	queue.Upsert(QueueEntry{ObjectID: "vsr-1"})
	queue.Upsert(QueueEntry{ObjectID: "vsr-2"})
	queue.Upsert(QueueEntry{ObjectID: "vsr-3"})
	queue.Upsert(QueueEntry{ObjectID: "vsr-2"})

	drained := queue.DrainAll()
	if len(drained) != 3 {
		t.Fatalf("expected 3 entries for distinct ids, got %d", len(drained))
	}
	if drained[0].ObjectID != "vsr-1" || drained[1].ObjectID != "vsr-2" || drained[2].ObjectID != "vsr-3" {
		t.Fatalf("expected first-appearance order preserved, got %v", drained)
	}
}

func TestCoalescingQueueDrainIsAtomic(t *testing.T) {
	queue := NewCoalescingQueue()
	queue.Upsert(QueueEntry{ObjectID: "vsr-1"})

	if drained := queue.DrainAll(); len(drained) != 1 {
		t.Fatalf("expected 1 entry from first drain, got %d", len(drained))
	}
	if drained := queue.DrainAll(); len(drained) != 0 {
		t.Fatalf("expected empty second drain, got %d entries", len(drained))
	}
}

func TestCoalescingQueueClearDiscardsEntries(t *testing.T) {
	queue := NewCoalescingQueue()
	queue.Upsert(QueueEntry{ObjectID: "vsr-1"})
	queue.Upsert(QueueEntry{ObjectID: "vsr-2"})

	queue.Clear()

	if queue.Len() != 0 {
		t.Fatalf("expected empty queue after clear, got %d entries", queue.Len())
	}
	if drained := queue.DrainAll(); len(drained) != 0 {
		t.Fatalf("expected empty drain after clear, got %d entries", len(drained))
	}
}

func TestCoalescingQueueIgnoresEmptyID(t *testing.T) {
	queue := NewCoalescingQueue()
	queue.Upsert(QueueEntry{Token: "t1"})

	if queue.Len() != 0 {
		t.Fatalf("expected entry without id to be ignored, got %d entries", queue.Len())
	}
}
