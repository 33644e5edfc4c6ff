// ABOUTME: Thread-safe priority queue over queued task ids for one tenant.
// ABOUTME: Orders by priority band then enqueue sequence so retries join the band tail.

package scheduler

import (
	"container/heap"
	"sync"
)

// queueEntry is one queued task. seq is the global enqueue sequence;
// a retried task gets a fresh seq so it sorts behind everything already
// waiting in its band.
type queueEntry struct {
	taskID string
	rank   int
	seq    uint64
	index  int
}

type entryHeap []*queueEntry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].rank != h[j].rank {
		return h[i].rank < h[j].rank
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	entry := x.(*queueEntry)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return entry
}

// taskQueue is one tenant's queue. Cancellation needs removal by id,
// so entries are indexed.
type taskQueue struct {
	mu    sync.Mutex
	heap  entryHeap
	index map[string]*queueEntry
}

func newTaskQueue() *taskQueue {
	return &taskQueue{index: make(map[string]*queueEntry)}
}

// push enqueues a task id. A task already queued keeps its position.
func (q *taskQueue) push(taskID string, rank int, seq uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.index[taskID]; exists {
		return
	}

	entry := &queueEntry{taskID: taskID, rank: rank, seq: seq}
	heap.Push(&q.heap, entry)
	q.index[taskID] = entry
}

// pop removes and returns the highest-priority entry, or nil when the
// queue is empty. The entry carries its rank and seq so a caller that
// merely skips the task can put it back in the same position.
func (q *taskQueue) pop() *queueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.heap.Len() == 0 {
		return nil
	}

	entry := heap.Pop(&q.heap).(*queueEntry)
	delete(q.index, entry.taskID)
	return entry
}

// remove drops a task id from the queue. Returns false when the task
// was not queued.
func (q *taskQueue) remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, exists := q.index[taskID]
	if !exists {
		return false
	}

	heap.Remove(&q.heap, entry.index)
	delete(q.index, taskID)
	return true
}

func (q *taskQueue) contains(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, exists := q.index[taskID]
	return exists
}

func (q *taskQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}
