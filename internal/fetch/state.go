// Package fetch implements the per-asset fetch state machine and the
// process-wide engine that drives it: cache lookup, HTTP range
// acquisition with per-service fair scheduling, UDP packet reassembly
// fallback, decode, and cache write-back.
package fetch

import "time"

// State is the position of a worker in the fetch pipeline.
type State int32

const (
	// StateInit clears per-attempt scratch and routes to the cache.
	StateInit State = iota
	// StateLoadFromCache waits on an asynchronous blob cache read.
	StateLoadFromCache
	// StateCachePost decides, after the read, whether the cached prefix
	// suffices or the network is needed.
	StateCachePost
	// StateLoadFromNetwork picks a transport: HTTP when permitted, else
	// the UDP request queue.
	StateLoadFromNetwork
	// StateLoadFromSim reassembles inbound UDP packets.
	StateLoadFromSim
	// StateSendHTTP waits for admission and dispatch of the ranged GET.
	StateSendHTTP
	// StateWaitHTTP waits on the HTTP response.
	StateWaitHTTP
	// StateDecode submits the compressed prefix to the codec.
	StateDecode
	// StateWaitDecode waits on the decoder.
	StateWaitDecode
	// StateWriteToCache submits the blob cache write-back.
	StateWriteToCache
	// StateWaitOnWrite waits on the cache write.
	StateWaitOnWrite
	// StateDone is terminal until a finer discard is requested.
	StateDone
)

// String returns the state name used in logs.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateLoadFromCache:
		return "load_from_cache"
	case StateCachePost:
		return "cache_post"
	case StateLoadFromNetwork:
		return "load_from_network"
	case StateLoadFromSim:
		return "load_from_sim"
	case StateSendHTTP:
		return "send_http"
	case StateWaitHTTP:
		return "wait_http"
	case StateDecode:
		return "decode"
	case StateWaitDecode:
		return "wait_decode"
	case StateWriteToCache:
		return "write_to_cache"
	case StateWaitOnWrite:
		return "wait_on_write"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// writeState tracks whether the fetched bytes should be written back to
// the blob cache.
type writeState int

const (
	// notWrite: the bytes came from the cache; nothing to write back.
	notWrite writeState = iota
	// canWrite: a network fetch was started; write back if it succeeds.
	canWrite
	// shouldWrite: new bytes arrived from the network; write them back.
	shouldWrite
)

// sentState tracks the UDP request lifecycle of a worker.
type sentState int

const (
	// unsent: no UDP request has been queued.
	unsent sentState = iota
	// queuedSim: the worker sits in the engine's UDP network queue.
	queuedSim
	// sentSim: a request batch naming this worker has been transmitted.
	sentSim
)

// Pipeline tuning constants.
const (
	// MaxImageDataSize is the request size that means "the full asset".
	MaxImageDataSize = 2048 * 2048

	// TextureCacheEntrySize is the smallest useful request: one cache
	// entry, enough to decode the lowest discard level.
	TextureCacheEntrySize = 1024

	// httpMaxRetryCount bounds retries of HTTP errors outside the
	// specifically handled status codes.
	httpMaxRetryCount = 3

	// fetchingTimeout abandons an HTTP request with no response.
	fetchingTimeout = 15 * time.Second

	// requestDeltaTime is the minimum interval between UDP sweeps.
	requestDeltaTime = 100 * time.Millisecond

	// simLazyFlushTimeout re-requests a UDP asset that has gone quiet.
	simLazyFlushTimeout = 10 * time.Second

	// minRequestTime is the minimum interval before a priority change
	// alone justifies a re-request.
	minRequestTime = time.Second

	// minDeltaPriority is the priority change that justifies a
	// re-request.
	minDeltaPriority = 1000.0

	// blacklistTimeout is how long an unreachable endpoint stays denied.
	blacklistTimeout = 60 * time.Second

	// priorityHysteresis suppresses re-sorts for priority changes of
	// five percent or less, which keeps noisy priority sources from
	// flapping the run queue.
	priorityHysteresis = 0.05
)
