package service

import (
	"github.com/jonesrussell/gotexfetch/internal/domain"
)

// Request is a pending fetch request waiting for dispatch to the HTTP
// transport. Implementations are pointer types; the queue relies on
// interface identity for cancellation.
type Request interface {
	// ServiceClass returns the fairness bucket the request is queued under.
	ServiceClass() domain.CapabilityClass
}

// RequestAdder attempts to attach a pending request to the HTTP transport.
// Add returns false when the transport refuses the request, either because
// the process-wide connection or bandwidth budget is exhausted or because
// the request's own service is at its concurrency cap.
type RequestAdder interface {
	Add(req Request) bool
}

// Per-class dispatch flags, set by AddQueuedTo as it observes queue state.
// Queue.Flags reads and clears them; nothing in this module adjusts the
// concurrency caps from them.
type ClassFlags uint8

const (
	// FlagEmpty: a request was dispatched and the class queue became empty.
	FlagEmpty ClassFlags = 1 << iota
	// FlagFull: a request was dispatched and more remained behind it.
	FlagFull
	// FlagStarvation: the transport had room but the class queue was empty.
	FlagStarvation
)

// capabilityType holds the per-class scheduling state of one service.
type capabilityType struct {
	queued       []Request
	added        int // currently attached to the HTTP transport
	downloading  int // attached and actually receiving body bytes
	maxPipelined int
	flags        ClassFlags
}

// Queue is the per-service request queue: four capability-class FIFOs plus
// counters of currently-active requests and the permitted concurrency.
// All methods take the registry's single lock through q.registry; see
// Registry for the locking discipline.
type Queue struct {
	name            string
	registry        *Registry
	classes         [domain.NumCapabilityClasses]capabilityType
	totalAdded      int
	concurrentLimit int
	approvedFirst   int
	unapprovedFirst int
	refCount        int
}

// Name returns the canonical service name of this queue.
func (q *Queue) Name() string { return q.name }

// Enqueue appends a request to the class FIFO and bumps the global
// queued counter.
func (q *Queue) Enqueue(req Request, class domain.CapabilityClass) {
	q.registry.mu.Lock()
	defer q.registry.mu.Unlock()

	q.classes[class].queued = append(q.classes[class].queued, req)
	q.registry.counters.addQueued(1)
}

// Cancel removes a request from the class FIFO while preserving the
// original insertion order of the remaining elements. The element is
// rotated pairwise to the tail and popped, so a concurrent reader holding
// a snapshot of the old order never observes a half-assigned slot.
// Returns false when the request was not queued.
func (q *Queue) Cancel(req Request, class domain.CapabilityClass) bool {
	q.registry.mu.Lock()
	defer q.registry.mu.Unlock()

	return q.cancelLocked(req, class)
}

func (q *Queue) cancelLocked(req Request, class domain.CapabilityClass) bool {
	queued := q.classes[class].queued
	idx := -1
	for i, r := range queued {
		if r == req {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}

	for i := idx; i+1 < len(queued); i++ {
		queued[i], queued[i+1] = queued[i+1], queued[i]
	}
	queued[len(queued)-1] = nil
	q.classes[class].queued = queued[:len(queued)-1]
	q.registry.counters.addQueued(-1)
	return true
}

// QueuedLen returns the number of pending requests in the given class.
func (q *Queue) QueuedLen(class domain.CapabilityClass) int {
	q.registry.mu.Lock()
	defer q.registry.mu.Unlock()
	return len(q.classes[class].queued)
}

// Throttled reports whether this service is at its concurrency cap.
func (q *Queue) Throttled() bool {
	q.registry.mu.Lock()
	defer q.registry.mu.Unlock()
	return q.totalAdded >= q.concurrentLimit
}

// AddedToMulti records that a request of the given class was attached to
// the HTTP transport.
func (q *Queue) AddedToMulti(class domain.CapabilityClass) {
	q.registry.mu.Lock()
	defer q.registry.mu.Unlock()

	q.classes[class].added++
	q.totalAdded++
	q.registry.counters.addActive(1)
}

// RemovedFromMulti records that a request of the given class detached from
// the HTTP transport. downloadedSomething distinguishes requests that
// received body bytes from ones that never got that far.
func (q *Queue) RemovedFromMulti(class domain.CapabilityClass, downloadedSomething bool) {
	q.registry.mu.Lock()
	defer q.registry.mu.Unlock()

	ct := &q.classes[class]
	if ct.added > 0 {
		ct.added--
	}
	if downloadedSomething && ct.downloading > 0 {
		ct.downloading--
	}
	if q.totalAdded > 0 {
		q.totalAdded--
	}
	q.registry.counters.addActive(-1)
}

// MarkDownloading records that an attached request started receiving body
// bytes.
func (q *Queue) MarkDownloading(class domain.CapabilityClass) {
	q.registry.mu.Lock()
	defer q.registry.mu.Unlock()
	q.classes[class].downloading++
}

// ActiveCount returns the number of requests from this service currently
// attached to the HTTP transport.
func (q *Queue) ActiveCount() int {
	q.registry.mu.Lock()
	defer q.registry.mu.Unlock()
	return q.totalAdded
}

// Flags returns and clears the accumulated dispatch flags for a class.
func (q *Queue) Flags(class domain.CapabilityClass) ClassFlags {
	q.registry.mu.Lock()
	defer q.registry.mu.Unlock()

	f := q.classes[class].flags
	q.classes[class].flags = 0
	return f
}

// AddQueuedTo tries to dispatch one pending request of this service to the
// HTTP transport.
//
// The class visit order is built first: among the two approved classes the
// one with the longer queue goes first, ties rotating on approvedFirst; the
// two unapproved classes follow in strict round-robin on unapprovedFirst,
// which advances on every walk whether or not anything is dispatched.
//
// The walk dispatches the front of the first non-empty queue. A rejection
// from the adder ends the walk: if this service's own request was refused,
// every class of this service would be refused too. When recursive is
// false and nothing could be dispatched, every other registered service
// gets one recursive attempt; that recovers capacity when this service was
// refused only by its own concurrency cap. A service has no bandwidth cap
// of its own; the bandwidth budget is process-wide.
func (q *Queue) AddQueuedTo(adder RequestAdder, recursive bool) {
	q.registry.mu.Lock()
	dispatched, spill := q.addQueuedLocked(adder)
	q.registry.mu.Unlock()

	if dispatched || !spill || recursive {
		return
	}

	// Nothing from this service could be added; try the others.
	for _, peer := range q.registry.snapshot() {
		if peer == q {
			continue
		}
		peer.AddQueuedTo(adder, true)
	}
}

// addQueuedLocked performs one dispatch walk. Returns whether a request
// was dispatched, and whether a failed walk should spill over to peer
// services (it should not when every queue process-wide is empty).
func (q *Queue) addQueuedLocked(adder RequestAdder) (dispatched, spill bool) {
	var order [domain.NumCapabilityClasses]int

	s0 := len(q.classes[0].queued)
	s1 := len(q.classes[1].queued)
	switch {
	case s0 == s1:
		order[0] = q.approvedFirst
		q.approvedFirst = 1 - q.approvedFirst
		order[1] = q.approvedFirst
	case s0 > s1:
		order[0], order[1] = 0, 1
	default:
		order[0], order[1] = 1, 0
	}

	n := q.unapprovedFirst
	for i := domain.NumApprovedClasses; i < domain.NumCapabilityClasses; i++ {
		order[i] = domain.NumApprovedClasses + n
		n = (n + 1) % (domain.NumCapabilityClasses - domain.NumApprovedClasses)
	}
	q.unapprovedFirst = (q.unapprovedFirst + 1) % (domain.NumCapabilityClasses - domain.NumApprovedClasses)

	for i, classIdx := range order {
		ct := &q.classes[classIdx]
		if len(ct.queued) == 0 {
			// Room on the transport but nothing queued in this class.
			ct.flags |= FlagStarvation
			if i == domain.NumCapabilityClasses-1 && q.registry.counters.queued == 0 {
				// Every queue of every service is empty.
				q.registry.counters.starvation = true
				return false, false
			}
			continue
		}

		front := ct.queued[0]

		// The adder calls back into queue accounting, so drop the lock
		// around it; re-check the front afterwards in case of a
		// concurrent cancel.
		q.registry.mu.Unlock()
		ok := adder.Add(front)
		q.registry.mu.Lock()

		if !ok {
			// Throttled; every remaining class of this service would be
			// refused for the same reason.
			return false, true
		}

		if len(ct.queued) > 0 && ct.queued[0] == front {
			copy(ct.queued, ct.queued[1:])
			ct.queued[len(ct.queued)-1] = nil
			ct.queued = ct.queued[:len(ct.queued)-1]
			q.registry.counters.addQueued(-1)
		}

		if len(ct.queued) == 0 {
			ct.flags |= FlagEmpty
		} else {
			ct.flags |= FlagFull
		}
		q.registry.counters.noteDispatch()
		return true, false
	}

	// All four FIFOs of this service were empty, but some peer still has
	// queued work.
	return false, true
}

// emptyLocked reports whether every class FIFO of this service is empty.
// Caller holds the registry lock.
func (q *Queue) emptyLocked() bool {
	for i := range q.classes {
		if len(q.classes[i].queued) > 0 {
			return false
		}
	}
	return true
}
