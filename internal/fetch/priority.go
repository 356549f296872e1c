package fetch

import (
	"container/heap"
	"sync"
)

// Work priority layout: the low bits carry the scaled image priority,
// the bit above them marks immediate work (state changes, completions)
// that must run before any ordinary re-prioritization.
const (
	priorityLowBits   uint32 = 0x00FFFFFF
	priorityImmediate uint32 = 0x01000000

	// maxImagePriority is the highest priority the caller-side texture
	// list produces; it maps to the top of the low-bits range.
	maxImagePriority = 4000000.0
)

// scalePriority maps a caller image priority onto the low bits.
func scalePriority(imagePriority float32) uint32 {
	const scale = float64(priorityLowBits) / maxImagePriority
	p := uint32(float64(imagePriority) * scale)
	if p > priorityLowBits {
		p = priorityLowBits
	}
	return p
}

// runQueue is the engine's priority-ordered queue of ready workers.
// Higher work priority runs first; ties break on insertion sequence so
// the order is deterministic. A worker is never queued twice.
type runQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	heap   workerHeap
	seq    uint64
	closed bool
}

func newRunQueue() *runQueue {
	q := &runQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push enqueues w at the given priority. A worker already queued is
// re-sorted instead.
func (q *runQueue) push(w *Worker, priority uint32) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	if w.heapIndex >= 0 {
		q.heap.items[w.heapIndex].priority = priority
		heap.Fix(&q.heap, w.heapIndex)
		return
	}
	q.seq++
	heap.Push(&q.heap, queuedWorker{worker: w, priority: priority, seq: q.seq})
	q.cond.Signal()
}

// pop blocks until a worker is available or the queue is closed, in
// which case it returns nil.
func (q *runQueue) pop() *Worker {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.heap.Len() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.heap.Len() == 0 {
		return nil
	}
	item := heap.Pop(&q.heap).(queuedWorker)
	return item.worker
}

// remove drops w from the queue if present.
func (q *runQueue) remove(w *Worker) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if w.heapIndex >= 0 {
		heap.Remove(&q.heap, w.heapIndex)
	}
}

// len returns the number of queued workers.
func (q *runQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// close wakes every blocked pop with nil.
func (q *runQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

type queuedWorker struct {
	worker   *Worker
	priority uint32
	seq      uint64
}

// workerHeap is a max-heap on priority, FIFO within equal priorities.
type workerHeap struct {
	items []queuedWorker
}

func (h *workerHeap) Len() int { return len(h.items) }

func (h *workerHeap) Less(i, j int) bool {
	if h.items[i].priority != h.items[j].priority {
		return h.items[i].priority > h.items[j].priority
	}
	return h.items[i].seq < h.items[j].seq
}

func (h *workerHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].worker.heapIndex = i
	h.items[j].worker.heapIndex = j
}

func (h *workerHeap) Push(x any) {
	item := x.(queuedWorker)
	item.worker.heapIndex = len(h.items)
	h.items = append(h.items, item)
}

func (h *workerHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = queuedWorker{}
	h.items = old[:n-1]
	item.worker.heapIndex = -1
	return item
}
