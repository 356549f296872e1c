package service_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/gotexfetch/internal/domain"
	"github.com/jonesrussell/gotexfetch/internal/service"
)

// stubRequest is a queued request carrying a label for order assertions.
type stubRequest struct {
	label string
	class domain.CapabilityClass
}

func (r *stubRequest) ServiceClass() domain.CapabilityClass { return r.class }

// stubAdder accepts or rejects requests and records what it saw.
type stubAdder struct {
	accepted []*stubRequest
	reject   func(*stubRequest) bool
}

func (a *stubAdder) Add(req service.Request) bool {
	r := req.(*stubRequest)
	if a.reject != nil && a.reject(r) {
		return false
	}
	a.accepted = append(a.accepted, r)
	return true
}

func fill(q *service.Queue, counts [domain.NumCapabilityClasses]int) {
	for class := 0; class < domain.NumCapabilityClasses; class++ {
		for i := 0; i < counts[class]; i++ {
			q.Enqueue(&stubRequest{class: domain.CapabilityClass(class)}, domain.CapabilityClass(class))
		}
	}
}

// The approved classes are compared by queue length with the rotation
// cursor breaking ties; the unapproved classes follow in strict
// round-robin, with the cursor advancing on every walk.
func TestAddQueuedToFairness(t *testing.T) {
	reg := service.NewRegistry()
	q := reg.Instance("asset.example")
	defer reg.Release(q)

	fill(q, [domain.NumCapabilityClasses]int{3, 3, 2, 2})
	require.Equal(t, 10, reg.TotalQueued())

	adder := &stubAdder{}
	for i := 0; i < 10; i++ {
		q.AddQueuedTo(adder, false)
	}

	got := make([]domain.CapabilityClass, 0, len(adder.accepted))
	for _, r := range adder.accepted {
		got = append(got, r.class)
	}

	// Queue sizes (3,3,2,2): the first tie dispatches class 0 and flips
	// the cursor, size comparisons then favor the longer queue, and the
	// unapproved classes alternate once the approved queues drain.
	want := []domain.CapabilityClass{
		domain.ClassTexture,   // tie 3-3, cursor 0
		domain.ClassInventory, // 2 < 3
		domain.ClassInventory, // tie 2-2, cursor flipped to 1
		domain.ClassTexture,   // 2 > 1
		domain.ClassTexture,   // tie 1-1, cursor back at 0
		domain.ClassInventory, // 0 < 1
		domain.ClassMesh,      // approved drained, round-robin
		domain.ClassOther,
		domain.ClassMesh,
		domain.ClassOther,
	}
	assert.Equal(t, want, got)
	assert.Equal(t, 0, reg.TotalQueued())
}

// Cancelling a queued request preserves the order of the remaining
// requests.
func TestCancelPreservesOrder(t *testing.T) {
	reg := service.NewRegistry()
	q := reg.Instance("asset.example")
	defer reg.Release(q)

	w1 := &stubRequest{label: "w1"}
	w2 := &stubRequest{label: "w2"}
	w3 := &stubRequest{label: "w3"}
	w4 := &stubRequest{label: "w4"}
	for _, w := range []*stubRequest{w1, w2, w3, w4} {
		q.Enqueue(w, domain.ClassTexture)
	}

	require.True(t, q.Cancel(w2, domain.ClassTexture))
	assert.False(t, q.Cancel(w2, domain.ClassTexture), "double cancel must miss")
	assert.Equal(t, 3, reg.TotalQueued())

	adder := &stubAdder{}
	for i := 0; i < 3; i++ {
		q.AddQueuedTo(adder, false)
	}

	require.Len(t, adder.accepted, 3)
	assert.Equal(t, "w1", adder.accepted[0].label)
	assert.Equal(t, "w3", adder.accepted[1].label)
	assert.Equal(t, "w4", adder.accepted[2].label)
}

// A service throttled by its own cap spills capacity to peer services
// when called non-recursively.
func TestThrottledPeerSpillover(t *testing.T) {
	reg := service.NewRegistry()
	qa := reg.Instance("a.example")
	qb := reg.Instance("b.example")
	defer reg.Release(qa)
	defer reg.Release(qb)

	var fromA []*stubRequest
	for i := 0; i < 5; i++ {
		r := &stubRequest{label: "a"}
		fromA = append(fromA, r)
		qa.Enqueue(r, domain.ClassTexture)
	}
	qb.Enqueue(&stubRequest{label: "b"}, domain.ClassTexture)

	adder := &stubAdder{
		reject: func(r *stubRequest) bool { return r.label == "a" },
	}
	qa.AddQueuedTo(adder, false)

	require.Len(t, adder.accepted, 1)
	assert.Equal(t, "b", adder.accepted[0].label)
	assert.Equal(t, 5, qa.QueuedLen(domain.ClassTexture), "throttled requests stay queued")
	assert.Equal(t, 0, qb.QueuedLen(domain.ClassTexture))
	_ = fromA
}

// A recursive call must not spill over again.
func TestRecursiveCallDoesNotSpill(t *testing.T) {
	reg := service.NewRegistry()
	qa := reg.Instance("a.example")
	qb := reg.Instance("b.example")
	defer reg.Release(qa)
	defer reg.Release(qb)

	qb.Enqueue(&stubRequest{label: "b"}, domain.ClassTexture)

	adder := &stubAdder{reject: func(r *stubRequest) bool { return r.label == "a" }}
	qa.AddQueuedTo(adder, true)

	assert.Empty(t, adder.accepted)
	assert.Equal(t, 1, qb.QueuedLen(domain.ClassTexture))
}

// total_queued tracks the sum of every class FIFO across services.
func TestTotalQueuedAccounting(t *testing.T) {
	reg := service.NewRegistry()
	qa := reg.Instance("a.example")
	qb := reg.Instance("b.example")
	defer reg.Release(qa)
	defer reg.Release(qb)

	fill(qa, [domain.NumCapabilityClasses]int{2, 0, 1, 0})
	fill(qb, [domain.NumCapabilityClasses]int{0, 1, 0, 0})
	assert.Equal(t, 4, reg.TotalQueued())

	adder := &stubAdder{}
	qa.AddQueuedTo(adder, false)
	assert.Equal(t, 3, reg.TotalQueued())
}

// Active-count accounting stays within the concurrency cap and never
// goes negative.
func TestActiveAccounting(t *testing.T) {
	reg := service.NewRegistry()
	q := reg.Instance("a.example")
	defer reg.Release(q)

	assert.False(t, q.Throttled())
	for i := 0; i < service.DefaultConcurrentConnections; i++ {
		q.AddedToMulti(domain.ClassTexture)
	}
	assert.True(t, q.Throttled())
	assert.Equal(t, service.DefaultConcurrentConnections, q.ActiveCount())

	for i := 0; i < service.DefaultConcurrentConnections; i++ {
		q.RemovedFromMulti(domain.ClassTexture, true)
	}
	assert.False(t, q.Throttled())
	assert.Equal(t, 0, q.ActiveCount())

	q.RemovedFromMulti(domain.ClassTexture, false)
	assert.Equal(t, 0, q.ActiveCount())
}

// Registry entries are created lazily, shared, and collapsed once the
// last reference is released with empty queues.
func TestRegistryLifecycle(t *testing.T) {
	reg := service.NewRegistry()

	q1 := reg.Instance("asset.example")
	q2 := reg.Instance("asset.example")
	assert.Same(t, q1, q2)
	assert.Equal(t, 1, reg.Len())

	reg.Release(q1)
	assert.Equal(t, 1, reg.Len(), "still referenced")

	reg.Release(q2)
	assert.Equal(t, 0, reg.Len(), "collapsed when empty and unreferenced")
}

// A queue holding requests survives its last release until drained.
func TestRegistryKeepsNonEmptyQueues(t *testing.T) {
	reg := service.NewRegistry()

	q := reg.Instance("asset.example")
	q.Enqueue(&stubRequest{}, domain.ClassTexture)
	reg.Release(q)
	assert.Equal(t, 1, reg.Len())
}

// Dispatch flags record whether a class drained, stayed full, or
// starved the transport; reading them clears them.
func TestDispatchFlags(t *testing.T) {
	reg := service.NewRegistry()
	q := reg.Instance("asset.example")
	defer reg.Release(q)

	fill(q, [domain.NumCapabilityClasses]int{2, 0, 0, 0})
	adder := &stubAdder{}

	q.AddQueuedTo(adder, false)
	assert.Equal(t, service.FlagFull, q.Flags(domain.ClassTexture)&service.FlagFull)

	q.AddQueuedTo(adder, false)
	assert.Equal(t, service.FlagEmpty, q.Flags(domain.ClassTexture)&service.FlagEmpty)

	q.AddQueuedTo(adder, false)
	assert.Equal(t, service.FlagStarvation, q.Flags(domain.ClassTexture)&service.FlagStarvation)
	assert.Equal(t, service.ClassFlags(0), q.Flags(domain.ClassTexture), "read clears")
}

func TestAdjustConcurrentConnections(t *testing.T) {
	reg := service.NewRegistry()
	q := reg.Instance("asset.example")
	defer reg.Release(q)

	// Clamp at the lower bound.
	reg.AdjustConcurrentConnections(-2 * service.DefaultConcurrentConnections)
	for i := 0; i < 1; i++ {
		q.AddedToMulti(domain.ClassTexture)
	}
	assert.True(t, q.Throttled(), "limit clamped to 1")

	// And back up.
	reg.AdjustConcurrentConnections(service.MaxConcurrentConnections * 2)
	assert.False(t, q.Throttled())
}
