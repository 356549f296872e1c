// Package blacklist keeps a short-term deny list for HTTP service
// endpoints that have exceeded a failure threshold. Entries are keyed by
// the URL prefix up to the last '/', so every asset URL under one
// endpoint shares a single entry.
package blacklist

import (
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// MaxErrorCount is the number of recorded failures above which an
	// endpoint is denied.
	MaxErrorCount = 20

	// DefaultTimeout is the deny duration used when callers have no
	// status-specific value.
	DefaultTimeout = 60 * time.Second

	// maxEntries bounds the number of tracked endpoints. Old endpoints
	// are evicted least-recently-used; an evicted endpoint simply starts
	// counting failures from zero again.
	maxEntries = 256
)

type entry struct {
	expiresAt  time.Time
	reason     int
	errorCount int
}

// HostBlacklist is a transient per-endpoint deny list.
type HostBlacklist struct {
	mu      sync.Mutex
	entries *lru.Cache[string, *entry]
	now     func() time.Time
}

// New creates an empty blacklist.
func New() *HostBlacklist {
	cache, _ := lru.New[string, *entry](maxEntries)
	return &HostBlacklist{
		entries: cache,
		now:     time.Now,
	}
}

// key is the URL prefix up to (excluding) the last '/'. URLs without a
// '/' key as themselves.
func key(url string) string {
	if i := strings.LastIndexByte(url, '/'); i >= 0 {
		return url[:i]
	}
	return url
}

// Add records a failure for the endpoint serving url and pushes its
// expiry out to now+timeout. reason is the failing HTTP status code.
func (b *HostBlacklist) Add(url string, timeout time.Duration, reason int) {
	k := key(url)
	if k == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	count := 1
	if prev, ok := b.entries.Get(k); ok && b.now().Before(prev.expiresAt) {
		count = prev.errorCount + 1
	}
	b.entries.Add(k, &entry{
		expiresAt:  b.now().Add(timeout),
		reason:     reason,
		errorCount: count,
	})
}

// IsBlacklisted reports whether the endpoint serving url is currently
// denied. Expired entries encountered on the way are swept.
func (b *HostBlacklist) IsBlacklisted(url string) bool {
	k := key(url)

	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries.Get(k)
	if !ok {
		return false
	}
	if b.now().After(e.expiresAt) {
		b.entries.Remove(k)
		return false
	}
	return e.errorCount > MaxErrorCount
}

// ErrorCount returns the current failure count for the endpoint serving
// url, zero when unknown or expired.
func (b *HostBlacklist) ErrorCount(url string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries.Get(key(url))
	if !ok || b.now().After(e.expiresAt) {
		return 0
	}
	return e.errorCount
}

// Len returns the number of tracked endpoints, expired or not.
func (b *HostBlacklist) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entries.Len()
}
