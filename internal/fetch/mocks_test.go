package fetch

import (
	"sync"

	"github.com/jonesrussell/gotexfetch/internal/domain"
	"github.com/jonesrussell/gotexfetch/internal/transport"
)

// The mocks queue their completions and deliver them on flush, so tests
// control exactly when each asynchronous step lands.

type mockCodec struct {
	mu       sync.Mutex
	pending  []func()
	fail     bool
	failOnce bool
	decodes  int
}

func (c *mockCodec) SizeFor(width, height, components, discard int) int {
	size := (width >> discard) * (height >> discard) * components
	if size < TextureCacheEntrySize {
		size = TextureCacheEntrySize
	}
	return size
}

func (c *mockCodec) Decode(req transport.DecodeRequest, done func(transport.DecodeResult)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.decodes++
	fail := c.fail
	if c.failOnce {
		c.fail = false
	}
	data := req.Data
	target := req.TargetDiscard
	c.pending = append(c.pending, func() {
		if fail {
			done(transport.DecodeResult{DecodedDiscard: -1, Err: ErrDecodeFailed})
			return
		}
		done(transport.DecodeResult{
			Raw:            &domain.RawImage{Width: len(data), Height: 1, Components: 1, Data: data},
			DecodedDiscard: target,
		})
	})
}

func (c *mockCodec) flush() bool {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
	return len(pending) > 0
}

type cacheWrite struct {
	ID       domain.AssetID
	Data     []byte
	FileSize int
}

type mockCache struct {
	mu      sync.Mutex
	entries map[domain.AssetID]cacheWrite
	writes  []cacheWrite
	removed []domain.AssetID
	reads   int
	pending []func()
}

func newMockCache() *mockCache {
	return &mockCache{entries: make(map[domain.AssetID]cacheWrite)}
}

func (m *mockCache) put(id domain.AssetID, data []byte, fileSize int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[id] = cacheWrite{ID: id, Data: data, FileSize: fileSize}
}

func (m *mockCache) Read(id domain.AssetID, offset, size int, done func(transport.ReadResult)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reads++
	e, ok := m.entries[id]
	m.pending = append(m.pending, func() {
		if !ok || offset >= len(e.Data) {
			done(transport.ReadResult{Found: false})
			return
		}
		end := offset + size
		if size <= 0 || end > len(e.Data) {
			end = len(e.Data)
		}
		done(transport.ReadResult{Data: e.Data[offset:end], FileSize: e.FileSize, Found: true})
	})
}

func (m *mockCache) Write(id domain.AssetID, data []byte, fileSize int, done func(error)) transport.WriteHandle {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := cacheWrite{ID: id, Data: data, FileSize: fileSize}
	m.writes = append(m.writes, w)
	m.entries[id] = w
	m.pending = append(m.pending, func() { done(nil) })
	return transport.WriteHandle(len(m.writes))
}

func (m *mockCache) Remove(id domain.AssetID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	m.removed = append(m.removed, id)
}

func (m *mockCache) PrioritizeWrite(transport.WriteHandle) {}

func (m *mockCache) flush() bool {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
	return len(pending) > 0
}

type httpCall struct {
	URL    string
	Offset int
	Size   int
}

type mockHTTP struct {
	mu      sync.Mutex
	calls   []httpCall
	pending []func()

	// respond builds the response for the nth call (0-based).
	respond func(n int, call httpCall) transport.HTTPResponse
}

func (h *mockHTTP) Get(url string, offset, size int, done func(transport.HTTPResponse)) {
	h.mu.Lock()
	defer h.mu.Unlock()

	call := httpCall{URL: url, Offset: offset, Size: size}
	n := len(h.calls)
	h.calls = append(h.calls, call)
	h.pending = append(h.pending, func() {
		done(h.respond(n, call))
	})
}

func (h *mockHTTP) flush() bool {
	h.mu.Lock()
	pending := h.pending
	h.pending = nil
	h.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
	return len(pending) > 0
}

func (h *mockHTTP) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

type simBatch struct {
	Host     string
	Requests []transport.SimRequest
}

type simCancel struct {
	Host string
	IDs  []domain.AssetID
}

type mockSim struct {
	mu      sync.Mutex
	batches []simBatch
	cancels []simCancel
}

func (s *mockSim) SendRequestBatch(host string, reqs []transport.SimRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, simBatch{Host: host, Requests: append([]transport.SimRequest(nil), reqs...)})
}

func (s *mockSim) SendCancelBatch(host string, ids []domain.AssetID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels = append(s.cancels, simCancel{Host: host, IDs: append([]domain.AssetID(nil), ids...)})
}

func (s *mockSim) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

type mockURLs struct {
	base string
}

func (u mockURLs) CapabilityURL(_ string, id domain.AssetID) string {
	if u.base == "" {
		return ""
	}
	return u.base + "/?texture_id=" + id.String()
}
