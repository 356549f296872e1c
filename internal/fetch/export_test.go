package fetch

import "container/heap"

// tryPop drains one ready worker without blocking; test helper.
func (q *runQueue) tryPop() *Worker {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.heap.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.heap).(queuedWorker).worker
}
