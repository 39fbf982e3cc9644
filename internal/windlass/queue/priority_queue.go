// Package queue implements the tier-aware priority queue of pending jobs.
//
// Ordering: entries are keyed by score = basePriority(tier)*priorityScale − seq,
// where seq is a monotonic counter assigned at enqueue time. The scale is large
// enough that tier weight always dominates, so higher tiers are dequeued before
// lower tiers regardless of enqueue time, and within a tier entries come out in
// FIFO order. seq guarantees a strict total order: no two entries ever compare
// equal.
package queue

import (
	"container/heap"
	"sync"

	"github.com/pkg/errors"

	"github.com/windlassproject/windlass/internal/windlass/configuration"
	"github.com/windlassproject/windlass/internal/windlass/schedulererrors"
)

// priorityScale separates tier weights by far more than any realistic number
// of enqueues, so the sequence tie-break never crosses tier boundaries.
const priorityScale = int64(1) << 40

// Entry is a queued job reference. The queue stores references rather than
// jobs themselves; job records live in the jobdb.
type Entry struct {
	JobID    string
	TenantID string
	Tier     configuration.Tier
	// Score is dominated by tier weight; within a tier it strictly decreases
	// with enqueue order.
	Score int64

	seq   int64
	index int // heap index, maintained by the heap interface methods
}

type PriorityQueue struct {
	mu      sync.Mutex
	items   entryHeap
	byJobID map[string]*Entry
	weights map[configuration.Tier]int64
	seq     int64
}

func NewPriorityQueue(tiers map[configuration.Tier]configuration.TierConfig) *PriorityQueue {
	weights := make(map[configuration.Tier]int64, len(tiers))
	for tier, tc := range tiers {
		weights[tier] = tc.BasePriority
	}
	return &PriorityQueue{
		items:   entryHeap{},
		byJobID: make(map[string]*Entry),
		weights: weights,
	}
}

// Enqueue adds a job reference to the queue and returns its position, with 0
// being the head. Enqueuing an id that is already queued fails with
// ErrDuplicateJob.
func (q *PriorityQueue) Enqueue(jobID string, tenantID string, tier configuration.Tier) (int, int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.byJobID[jobID]; ok {
		return 0, 0, errors.WithStack(&schedulererrors.ErrDuplicateJob{JobID: jobID})
	}

	q.seq++
	entry := &Entry{
		JobID:    jobID,
		TenantID: tenantID,
		Tier:     tier,
		Score:    q.weights[tier]*priorityScale - q.seq,
		seq:      q.seq,
	}
	heap.Push(&q.items, entry)
	q.byJobID[jobID] = entry
	return q.positionOf(entry), entry.Score, nil
}

// Requeue reinserts an entry previously returned by Pop, preserving its
// original score and therefore its place in the overall order.
func (q *PriorityQueue) Requeue(entry *Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.byJobID[entry.JobID]; ok {
		return
	}
	heap.Push(&q.items, entry)
	q.byJobID[entry.JobID] = entry
}

// Pop removes and returns the highest-priority entry, or nil if the queue is empty.
func (q *PriorityQueue) Pop() *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return nil
	}
	entry := heap.Pop(&q.items).(*Entry)
	delete(q.byJobID, entry.JobID)
	return entry
}

// Peek returns the highest-priority entry without removing it, or nil if the
// queue is empty.
func (q *PriorityQueue) Peek() *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return nil
	}
	return q.items[0]
}

// Remove deletes the entry for the given job id, if it is queued.
// Supports cancellation before assignment.
func (q *PriorityQueue) Remove(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.byJobID[jobID]
	if !ok {
		return false
	}
	heap.Remove(&q.items, entry.index)
	delete(q.byJobID, jobID)
	return true
}

// Position returns the current queue position of the given job, 0 being the
// head, or -1 if the job is not queued.
func (q *PriorityQueue) Position(jobID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.byJobID[jobID]
	if !ok {
		return -1
	}
	return q.positionOf(entry)
}

// Depth returns the number of queued entries for the given tier.
func (q *PriorityQueue) Depth(tier configuration.Tier) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	depth := 0
	for _, entry := range q.items {
		if entry.Tier == tier {
			depth++
		}
	}
	return depth
}

// Depths returns the queue depth per tier.
func (q *PriorityQueue) Depths() map[configuration.Tier]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	depths := make(map[configuration.Tier]int)
	for _, entry := range q.items {
		depths[entry.Tier]++
	}
	return depths
}

// Len returns the total number of queued entries.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// positionOf counts entries ordered ahead of the given entry.
// O(n), but queue positions are only computed for API responses.
func (q *PriorityQueue) positionOf(entry *Entry) int {
	position := 0
	for _, other := range q.items {
		if other != entry && other.Score > entry.Score {
			position++
		}
	}
	return position
}

type entryHeap []*Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	// Higher score first. Scores are strictly ordered by construction.
	return h[i].Score > h[j].Score
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x interface{}) {
	entry := x.(*Entry)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*h = old[:n-1]
	return entry
}
