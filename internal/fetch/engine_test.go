package fetch

import (
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/gotexfetch/internal/assembly"
	"github.com/jonesrussell/gotexfetch/internal/domain"
	"github.com/jonesrussell/gotexfetch/internal/transport"
)

const (
	testHost    = "sim.example.com:13000"
	testCapBase = "http://asset.example/cap"
)

type harness struct {
	t      *testing.T
	engine *Engine
	codec  *mockCodec
	cache  *mockCache
	http   *mockHTTP
	sim    *mockSim
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		t:     t,
		codec: &mockCodec{},
		cache: newMockCache(),
		http:  &mockHTTP{},
		sim:   &mockSim{},
	}
	h.engine = New(Options{
		PoolSize:        1,
		HTTPMaxRequests: 8,
		HTTPMinRequests: 2,
		AgentHost:       testHost,
	}, Deps{
		Codec: h.codec,
		Cache: h.cache,
		HTTP:  h.http,
		Sim:   h.sim,
		URLs:  mockURLs{base: testCapBase},
	})
	return h
}

// pump advances every ready worker and delivers every queued completion
// until the pipeline is quiescent.
func (h *harness) pump() {
	h.t.Helper()
	for i := 0; i < 200; i++ {
		progress := false
		for {
			w := h.engine.runQ.tryPop()
			if w == nil {
				break
			}
			h.engine.process(w)
			progress = true
		}
		if h.cache.flush() {
			progress = true
		}
		if h.http.flush() {
			progress = true
		}
		if h.codec.flush() {
			progress = true
		}
		if !progress {
			return
		}
	}
	h.t.Fatal("pipeline did not quiesce")
}

// asset builds deterministic compressed-asset bytes.
func asset(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 253)
	}
	return data
}

// Scenario: the cache holds the full asset; no network traffic happens.
func TestCacheHitFull(t *testing.T) {
	h := newHarness(t)
	id := uuid.New()
	full := asset(3000)
	h.cache.put(id, full, len(full))

	require.NoError(t, h.engine.CreateRequest("", id, testHost, 1000, 0, 0, 0, 0, false, true))
	h.pump()

	res, status := h.engine.PollFinished(id)
	require.Equal(t, StatusReady, status)
	assert.Equal(t, 0, res.Discard)
	require.NotNil(t, res.Raw)
	assert.Equal(t, full, res.Raw.Data)

	assert.Zero(t, h.http.callCount(), "no HTTP traffic on a cache hit")
	assert.Zero(t, h.sim.batchCount(), "no UDP traffic on a cache hit")
	assert.Empty(t, h.cache.writes, "cached data is not written back")
}

// Scenario: the cache holds the first 1000 of 3980 bytes; HTTP serves
// the tail with a 206 and the realigned buffer is written back with the
// exact total size.
func TestHTTPPartialTail(t *testing.T) {
	h := newHarness(t)
	id := uuid.New()
	full := asset(3980)
	h.cache.put(id, full[:1000], len(full)+1) // legacy total+1: partially cached

	h.http.respond = func(n int, call httpCall) transport.HTTPResponse {
		end := call.Offset + call.Size
		if end > len(full) {
			end = len(full)
		}
		return transport.HTTPResponse{
			Status: http.StatusPartialContent,
			Body:   full[call.Offset:end],
		}
	}

	require.NoError(t, h.engine.CreateRequest("", id, testHost, 1000, 0, 0, 0, 0, false, true))
	h.pump()

	res, status := h.engine.PollFinished(id)
	require.Equal(t, StatusReady, status)
	require.NotNil(t, res.Raw)
	assert.Equal(t, full, res.Raw.Data, "realigned buffer matches the asset")

	require.Equal(t, 1, h.http.callCount())
	call := h.http.calls[0]
	assert.Equal(t, 999, call.Offset, "offset decremented to force a partial response")
	assert.Equal(t, MaxImageDataSize-1000+1, call.Size)

	require.Len(t, h.cache.writes, 1)
	assert.Equal(t, 3980, len(h.cache.writes[0].Data))
	assert.Equal(t, 3980, h.cache.writes[0].FileSize, "known total written without the sentinel")
}

// Scenario: HTTP 404 with UDP available: the worker resets, registers
// for UDP, reassembles the packets, and decodes.
func TestNotFoundFallsBackToUDP(t *testing.T) {
	h := newHarness(t)
	id := uuid.New()

	total := assembly.FirstPacketSize + 2*assembly.MaxImgPacketSize
	full := asset(total)
	header := full[:assembly.FirstPacketSize]
	p1 := full[assembly.FirstPacketSize : assembly.FirstPacketSize+assembly.MaxImgPacketSize]
	p2 := full[assembly.FirstPacketSize+assembly.MaxImgPacketSize:]

	h.http.respond = func(int, httpCall) transport.HTTPResponse {
		return transport.HTTPResponse{Status: http.StatusNotFound, Reason: "not found"}
	}

	require.NoError(t, h.engine.CreateRequest("", id, testHost, 1000, 0, 0, 0, 0, false, true))
	h.pump()

	// The worker is now waiting in the UDP queue; the tick emits the
	// request batch.
	h.engine.Tick(time.Now())
	require.Equal(t, 1, h.sim.batchCount())
	batch := h.sim.batches[0]
	assert.Equal(t, testHost, batch.Host)
	require.Len(t, batch.Requests, 1)
	assert.Equal(t, id, batch.Requests[0].ID)
	assert.Equal(t, 0, batch.Requests[0].NextPacket)

	require.True(t, h.engine.ReceiveImageHeader(testHost, id, domain.CodecJ2C, 3, total, header))
	require.True(t, h.engine.ReceiveImagePacket(testHost, id, 1, p1))
	require.True(t, h.engine.ReceiveImagePacket(testHost, id, 2, p2))
	h.pump()

	res, status := h.engine.PollFinished(id)
	require.Equal(t, StatusReady, status)
	require.NotNil(t, res.Raw)
	assert.Equal(t, full, res.Raw.Data)

	assert.Equal(t, 1, h.http.callCount(), "no HTTP retry after the 404")
	assert.False(t, h.engine.Blacklist().IsBlacklisted(testCapBase+"/x"), "404 does not blacklist")

	require.Len(t, h.cache.writes, 1)
	assert.Equal(t, total, h.cache.writes[0].FileSize, "udp header total is exact")
}

// A 499 (no response) records a failure for the endpoint in the
// blacklist; with no UDP source the fetch is terminal.
func TestUnreachableBlacklistsAndAborts(t *testing.T) {
	h := newHarness(t)
	id := uuid.New()
	url := "http://asset.example/tex/thing.j2c"

	h.http.respond = func(int, httpCall) transport.HTTPResponse {
		return transport.HTTPResponse{Status: transport.StatusUnreachable, Reason: "no response"}
	}

	require.NoError(t, h.engine.CreateRequest(url, id, "", 1000, 0, 0, 0, 0, false, true))
	h.pump()

	_, status := h.engine.PollFinished(id)
	assert.Equal(t, StatusAborted, status)
	assert.Equal(t, isBlacklistedByErrorCount(h, url), true)
	assert.Equal(t, 1, h.http.callCount())
}

func isBlacklistedByErrorCount(h *harness, url string) bool {
	// One 499 records the endpoint but only repeated failures deny it;
	// check the entry exists by its error count.
	return h.engine.Blacklist().ErrorCount(url) > 0
}

// A 503 keeps retrying until the server recovers.
func TestServiceUnavailableRetries(t *testing.T) {
	h := newHarness(t)
	id := uuid.New()
	full := asset(2000)

	h.http.respond = func(n int, call httpCall) transport.HTTPResponse {
		if n == 0 {
			return transport.HTTPResponse{Status: http.StatusServiceUnavailable, Reason: "busy"}
		}
		return transport.HTTPResponse{Status: http.StatusOK, Body: full}
	}

	require.NoError(t, h.engine.CreateRequest("", id, "", 1000, 0, 0, 0, 0, false, true))
	h.pump()

	res, status := h.engine.PollFinished(id)
	require.Equal(t, StatusReady, status)
	assert.Equal(t, full, res.Raw.Data)
	assert.Equal(t, 2, h.http.callCount())
}

// Corrupt cached bytes get one refetch: the cache entry is removed and
// the network attempt decodes cleanly.
func TestCorruptCacheRetries(t *testing.T) {
	h := newHarness(t)
	id := uuid.New()
	full := asset(3000)
	h.cache.put(id, full, len(full))
	h.codec.fail = true
	h.codec.failOnce = true

	h.http.respond = func(int, httpCall) transport.HTTPResponse {
		return transport.HTTPResponse{Status: http.StatusOK, Body: full}
	}

	require.NoError(t, h.engine.CreateRequest("", id, testHost, 1000, 0, 0, 0, 0, false, true))
	h.pump()

	res, status := h.engine.PollFinished(id)
	require.Equal(t, StatusReady, status)
	assert.Equal(t, full, res.Raw.Data)

	assert.Contains(t, h.cache.removed, id, "corrupt entry removed")
	assert.Equal(t, 2, h.codec.decodes)
	assert.Equal(t, 1, h.http.callCount())
}

// Deleting a UDP-queued request with cancel batches a cancel to its
// host.
func TestDeleteRequestCancelsUDP(t *testing.T) {
	h := newHarness(t)
	h.engine.urls = mockURLs{} // no HTTP service; straight to UDP
	id := uuid.New()

	require.NoError(t, h.engine.CreateRequest("", id, testHost, 1000, 0, 0, 0, 0, false, true))
	h.pump()

	h.engine.DeleteRequest(id, true)
	h.engine.Tick(time.Now())

	require.Len(t, h.sim.cancels, 1)
	assert.Equal(t, testHost, h.sim.cancels[0].Host)
	assert.Equal(t, []domain.AssetID{id}, h.sim.cancels[0].IDs)

	_, status := h.engine.PollFinished(id)
	assert.Equal(t, StatusAborted, status, "deleted request reports aborted")
}

// A request for an asset already bound to a different host is rejected
// and the stale worker removed.
func TestCreateRequestDifferentHost(t *testing.T) {
	h := newHarness(t)
	id := uuid.New()

	require.NoError(t, h.engine.CreateRequest("", id, "hostA:13000", 1000, 0, 0, 0, 0, false, true))
	err := h.engine.CreateRequest("", id, "hostB:13000", 1000, 0, 0, 0, 0, false, true)
	assert.ErrorIs(t, err, ErrDuplicateHost)
	assert.Equal(t, 0, h.engine.WorkerCount())
}

// Desired size follows the codec math when dimensions are known and the
// documented fallbacks otherwise.
func TestCreateRequestDesiredSize(t *testing.T) {
	h := newHarness(t)

	// Known dimensions use the codec's size mapping.
	id := uuid.New()
	require.NoError(t, h.engine.CreateRequest("", id, "", 1000, 1024, 1024, 3, 2, false, true))
	w := h.engine.getWorker(id)
	require.NotNil(t, w)
	assert.Equal(t, h.codec.SizeFor(1024, 1024, 3, 2), w.desiredSize)
	assert.Equal(t, 2, w.desiredDiscard)

	// Unknown dimensions fall back to one cache entry at max discard.
	id2 := uuid.New()
	require.NoError(t, h.engine.CreateRequest("", id2, "", 1000, 0, 0, 0, 3, false, true))
	w2 := h.engine.getWorker(id2)
	require.NotNil(t, w2)
	assert.Equal(t, TextureCacheEntrySize, w2.desiredSize)
	assert.Equal(t, domain.MaxDiscardLevel, w2.desiredDiscard)

	// Non-J2C URLs are fetched whole.
	id3 := uuid.New()
	require.NoError(t, h.engine.CreateRequest("http://x.example/logo.png", id3, "", 1000, 64, 64, 3, 4, false, true))
	w3 := h.engine.getWorker(id3)
	require.NotNil(t, w3)
	assert.Equal(t, MaxImageDataSize, w3.desiredSize)
	assert.Equal(t, 0, w3.desiredDiscard)
}

// Priority updates below the hysteresis threshold do not re-sort the
// run queue.
func TestPriorityHysteresis(t *testing.T) {
	h := newHarness(t)
	h.engine.urls = mockURLs{}
	id := uuid.New()

	require.NoError(t, h.engine.CreateRequest("", id, testHost, 1000, 0, 0, 0, 0, false, true))
	h.pump() // stalls waiting for the UDP sweep

	require.True(t, h.engine.UpdateRequestPriority(id, 1040))
	assert.Nil(t, h.engine.runQ.tryPop(), "four percent change stays put")

	require.True(t, h.engine.UpdateRequestPriority(id, 2000))
	w := h.engine.runQ.tryPop()
	require.NotNil(t, w, "large change re-sorts")
	assert.Equal(t, id, w.id)
}

// Finishing at a coarse discard and then asking for finer detail
// re-enters the pipeline from Init.
func TestDoneReentersOnFinerDesired(t *testing.T) {
	h := newHarness(t)
	id := uuid.New()
	full := asset(50000)
	h.cache.put(id, full, len(full))

	require.NoError(t, h.engine.CreateRequest("", id, testHost, 1000, 1024, 1024, 3, 4, false, true))
	h.pump()

	res, status := h.engine.PollFinished(id)
	require.Equal(t, StatusReady, status)
	require.Equal(t, 4, res.Discard, "first pass decodes the cached prefix")

	require.True(t, h.engine.UpdateDesired(id, 1, h.codec.SizeFor(1024, 1024, 3, 1)))
	h.pump()

	res, status = h.engine.PollFinished(id)
	require.Equal(t, StatusReady, status)
	assert.Equal(t, 0, res.Discard, "full data decodes at full resolution")
	assert.Equal(t, 2, h.codec.decodes, "second pass decoded again")
}

// An inbound packet for an unknown worker is rejected and cancelled
// back to the host.
func TestStrayPacketSchedulesCancel(t *testing.T) {
	h := newHarness(t)
	id := uuid.New()

	assert.False(t, h.engine.ReceiveImagePacket(testHost, id, 1, []byte("x")))
	h.engine.Tick(time.Now())

	require.Len(t, h.sim.cancels, 1)
	assert.Equal(t, []domain.AssetID{id}, h.sim.cancels[0].IDs)
}

// Duplicate headers are rejected.
func TestDuplicateHeaderRejected(t *testing.T) {
	h := newHarness(t)
	h.engine.urls = mockURLs{}
	id := uuid.New()

	total := assembly.FirstPacketSize + assembly.MaxImgPacketSize
	full := asset(total)

	require.NoError(t, h.engine.CreateRequest("", id, testHost, 1000, 0, 0, 0, 0, false, true))
	h.pump()
	h.engine.Tick(time.Now())
	require.Equal(t, 1, h.sim.batchCount())

	require.True(t, h.engine.ReceiveImageHeader(testHost, id, domain.CodecJ2C, 2, total, full[:assembly.FirstPacketSize]))
	assert.False(t, h.engine.ReceiveImageHeader(testHost, id, domain.CodecJ2C, 2, total, full[:assembly.FirstPacketSize]))
}

// Unknown assets poll as aborted.
func TestPollUnknownAsset(t *testing.T) {
	h := newHarness(t)
	_, status := h.engine.PollFinished(uuid.New())
	assert.Equal(t, StatusAborted, status)
}
