package blacklist_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jonesrussell/gotexfetch/internal/blacklist"
)

const testURL = "http://asset.example/cap/?texture_id=abc"

func TestBlacklistThreshold(t *testing.T) {
	b := blacklist.New()

	for i := 0; i <= blacklist.MaxErrorCount; i++ {
		assert.False(t, b.IsBlacklisted(testURL), "below threshold after %d failures", i)
		b.Add(testURL, time.Minute, 499)
	}
	assert.True(t, b.IsBlacklisted(testURL))
}

// Every URL under the same endpoint prefix shares one entry.
func TestBlacklistKeySharing(t *testing.T) {
	b := blacklist.New()

	for i := 0; i <= blacklist.MaxErrorCount; i++ {
		b.Add(fmt.Sprintf("http://asset.example/cap/?texture_id=%d", i), time.Minute, 499)
	}
	assert.True(t, b.IsBlacklisted("http://asset.example/cap/?texture_id=other"))
	assert.False(t, b.IsBlacklisted("http://other.example/cap/?texture_id=1"))
}

func TestBlacklistExpiry(t *testing.T) {
	b := blacklist.New()

	for i := 0; i <= blacklist.MaxErrorCount; i++ {
		b.Add(testURL, 10*time.Millisecond, 499)
	}
	assert.True(t, b.IsBlacklisted(testURL))

	time.Sleep(20 * time.Millisecond)
	assert.False(t, b.IsBlacklisted(testURL), "expired entry is swept")
	assert.Equal(t, 0, b.ErrorCount(testURL), "expired entry resets its count")
}

func TestBlacklistUnknownHost(t *testing.T) {
	b := blacklist.New()
	assert.False(t, b.IsBlacklisted("http://never.seen/x"))
	assert.Equal(t, 0, b.Len())
}
