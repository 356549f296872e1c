package service

import (
	"sort"
	"sync"
)

// Concurrency bounds for a single service.
const (
	// DefaultConcurrentConnections is the initial per-service cap.
	DefaultConcurrentConnections = 8

	// MaxConcurrentConnections is the hard upper bound
	// AdjustConcurrentConnections clamps a per-service cap to.
	MaxConcurrentConnections = 32
)

// Counters is the single guarded cell holding the process-wide scheduler
// counters. It has no lock of its own; the registry lock guards it.
type Counters struct {
	queued     int
	active     int
	added      int64 // dispatches since start
	empty      bool  // a dispatch drained the last queued request
	full       bool  // a dispatch left requests behind
	starvation bool  // the transport had room while every queue was empty
}

func (c *Counters) addQueued(delta int) {
	c.queued += delta
	if c.queued < 0 {
		c.queued = 0
	}
}

func (c *Counters) addActive(delta int) {
	c.active += delta
	if c.active < 0 {
		c.active = 0
	}
}

func (c *Counters) noteDispatch() {
	c.added++
	if c.queued == 0 {
		c.empty = true
	} else {
		c.full = true
	}
}

// CounterSnapshot is a copy of the global scheduler counters.
type CounterSnapshot struct {
	Queued     int
	Active     int
	Added      int64
	Empty      bool
	Full       bool
	Starvation bool
}

// Registry is the process-wide map from canonical service name to its
// queue. Entries are created lazily and reference-counted; a queue is
// collapsed when the last external reference is released and its FIFOs
// are empty.
//
// Locking discipline: one registry lock guards the service map, every
// queue's scheduling state, and the global counters. Queue methods take
// it through q.registry. AddQueuedTo drops it around RequestAdder.Add
// calls, which re-enter queue accounting.
type Registry struct {
	mu       sync.Mutex
	services map[string]*Queue
	counters Counters
}

// NewRegistry creates an empty service registry.
func NewRegistry() *Registry {
	return &Registry{
		services: make(map[string]*Queue),
	}
}

// Instance returns the queue for the given canonical service name,
// creating it when absent, and takes a reference on it. Callers must
// Release the queue when they drop it.
func (r *Registry) Instance(name string) *Queue {
	r.mu.Lock()
	defer r.mu.Unlock()

	q, ok := r.services[name]
	if !ok {
		q = &Queue{
			name:            name,
			registry:        r,
			concurrentLimit: DefaultConcurrentConnections,
		}
		for i := range q.classes {
			q.classes[i].maxPipelined = DefaultConcurrentConnections
		}
		r.services[name] = q
	}
	q.refCount++
	return q
}

// Release drops a reference taken by Instance. When the caller's release
// leaves no external references and the per-service FIFOs are empty, the
// entry is removed. The emptiness check happens under the registry lock,
// which also defends against a concurrent re-Instance.
func (r *Registry) Release(q *Queue) {
	if q == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if q.refCount > 0 {
		q.refCount--
	}
	if q.refCount == 0 && q.emptyLocked() && q.totalAdded == 0 {
		if cur, ok := r.services[q.name]; ok && cur == q {
			delete(r.services, q.name)
		}
	}
}

// snapshot returns the registered queues in name order. Iteration order is
// stable so recursive dispatch acquires peers deterministically.
func (r *Registry) snapshot() []*Queue {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*Queue, 0, len(names))
	for _, name := range names {
		out = append(out, r.services[name])
	}
	return out
}

// ForEach calls fn for every registered queue, in name order.
func (r *Registry) ForEach(fn func(*Queue)) {
	for _, q := range r.snapshot() {
		fn(q)
	}
}

// Len returns the number of registered services.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.services)
}

// Counters returns a copy of the global scheduler counters.
func (r *Registry) Counters() CounterSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	return CounterSnapshot{
		Queued:     r.counters.queued,
		Active:     r.counters.active,
		Added:      r.counters.added,
		Empty:      r.counters.empty,
		Full:       r.counters.full,
		Starvation: r.counters.starvation,
	}
}

// ResetCounterFlags clears the empty/full/starvation edge flags.
func (r *Registry) ResetCounterFlags() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters.empty = false
	r.counters.full = false
	r.counters.starvation = false
}

// TotalQueued returns the process-wide count of pending requests.
func (r *Registry) TotalQueued() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters.queued
}

// AdjustConcurrentConnections shifts every service's concurrency cap by
// increment, clamped to [1, MaxConcurrentConnections], and propagates the
// effective delta to each class's pipelining cap.
func (r *Registry) AdjustConcurrentConnections(increment int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, q := range r.services {
		limit := q.concurrentLimit + increment
		if limit < 1 {
			limit = 1
		}
		if limit > MaxConcurrentConnections {
			limit = MaxConcurrentConnections
		}
		effective := limit - q.concurrentLimit
		q.concurrentLimit = limit
		for i := range q.classes {
			maxPipelined := q.classes[i].maxPipelined + effective
			if maxPipelined < 1 {
				maxPipelined = 1
			}
			q.classes[i].maxPipelined = maxPipelined
		}
	}
}
