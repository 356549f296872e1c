// Package blobcache provides BlobCache adapters: an in-memory cache for
// tests and single-process use, and a redis-backed cache for shared
// deployments. Both run completions on their own goroutines, standing in
// for the cache pool the collaborator contract describes.
package blobcache

import (
	"sync"
	"sync/atomic"

	"github.com/jonesrussell/gotexfetch/internal/domain"
	"github.com/jonesrussell/gotexfetch/internal/transport"
)

type memoryEntry struct {
	data     []byte
	fileSize int
}

// Memory is an in-memory BlobCache.
type Memory struct {
	mu      sync.Mutex
	entries map[domain.AssetID]memoryEntry
	handle  atomic.Int64
}

// NewMemory creates an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[domain.AssetID]memoryEntry),
	}
}

// Read fetches size bytes starting at offset.
func (m *Memory) Read(id domain.AssetID, offset, size int, done func(transport.ReadResult)) {
	go func() {
		m.mu.Lock()
		e, ok := m.entries[id]
		m.mu.Unlock()

		if !ok || offset >= len(e.data) {
			done(transport.ReadResult{Found: false})
			return
		}
		end := offset + size
		if size <= 0 || end > len(e.data) {
			end = len(e.data)
		}
		out := make([]byte, end-offset)
		copy(out, e.data[offset:end])
		done(transport.ReadResult{Data: out, FileSize: e.fileSize, Found: true})
	}()
}

// Write stores data for id.
func (m *Memory) Write(id domain.AssetID, data []byte, fileSize int, done func(error)) transport.WriteHandle {
	h := transport.WriteHandle(m.handle.Add(1))
	buf := make([]byte, len(data))
	copy(buf, data)
	go func() {
		m.mu.Lock()
		m.entries[id] = memoryEntry{data: buf, fileSize: fileSize}
		m.mu.Unlock()
		done(nil)
	}()
	return h
}

// Remove drops the entry for id.
func (m *Memory) Remove(id domain.AssetID) {
	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
}

// PrioritizeWrite is a no-op for the in-memory cache; writes complete
// immediately.
func (m *Memory) PrioritizeWrite(transport.WriteHandle) {}

// Len returns the number of cached assets.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
