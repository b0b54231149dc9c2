package scheduler

import (
	"sync"
	"time"

	"github.com/google/btree"
)

// DefaultScanLimit bounds how many blocked entries PopReady inspects per call.
const DefaultScanLimit = 4096

// QueueEntry is one queued task id with its ordering key.
type QueueEntry struct {
	ID          string
	Priority    int
	SubmittedAt time.Time
	seq         uint64
}

func entryLess(a, b QueueEntry) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.SubmittedAt.Equal(b.SubmittedAt) {
		return a.SubmittedAt.Before(b.SubmittedAt)
	}
	return a.seq < b.seq
}

// Queue orders pending task ids by (priority asc, submission time asc).
// It is an ordered multi-map: many ids may share a priority and timestamp,
// in which case insertion order breaks the tie.
type Queue struct {
	mu        sync.Mutex
	tree      *btree.BTreeG[QueueEntry]
	index     map[string]QueueEntry
	seq       uint64
	scanLimit int
}

// NewQueue creates an empty queue. scanLimit <= 0 selects DefaultScanLimit.
func NewQueue(scanLimit int) *Queue {
	if scanLimit <= 0 {
		scanLimit = DefaultScanLimit
	}
	return &Queue{
		tree:      btree.NewG(32, entryLess),
		index:     make(map[string]QueueEntry),
		scanLimit: scanLimit,
	}
}

// Enqueue adds id with its ordering key. Re-enqueueing a retried task must pass
// its original submission time so it keeps its place against newer tasks.
// Returns false if id is already queued.
func (q *Queue) Enqueue(id string, priority int, submittedAt time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.index[id]; exists {
		return false
	}
	q.seq++
	e := QueueEntry{ID: id, Priority: priority, SubmittedAt: submittedAt, seq: q.seq}
	q.tree.ReplaceOrInsert(e)
	q.index[id] = e
	return true
}

// PopReady removes and returns the first id in queue order for which ready
// returns true. Entries failing ready stay queued. When nothing within the
// scan limit is ready it returns false and leaves the queue untouched.
// ready is called with the queue lock held and must not call back into q.
func (q *Queue) PopReady(ready func(id string) bool) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var (
		found   QueueEntry
		ok      bool
		scanned int
	)
	q.tree.Ascend(func(e QueueEntry) bool {
		scanned++
		if ready(e.ID) {
			found, ok = e, true
			return false
		}
		return scanned < q.scanLimit
	})
	if !ok {
		return "", false
	}

	q.tree.Delete(found)
	delete(q.index, found.ID)
	return found.ID, true
}

// Remove drops id from the queue. Returns false if it was not queued.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, exists := q.index[id]
	if !exists {
		return false
	}
	q.tree.Delete(e)
	delete(q.index, id)
	return true
}

// Contains reports whether id is queued.
func (q *Queue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, exists := q.index[id]
	return exists
}

// Len returns the number of queued ids.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tree.Len()
}

// Entries returns the queued entries in dispatch order.
func (q *Queue) Entries() []QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]QueueEntry, 0, q.tree.Len())
	q.tree.Ascend(func(e QueueEntry) bool {
		out = append(out, e)
		return true
	})
	return out
}
