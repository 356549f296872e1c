package fetch

import (
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jonesrussell/gotexfetch/internal/assembly"
	"github.com/jonesrussell/gotexfetch/internal/domain"
	"github.com/jonesrussell/gotexfetch/internal/service"
	"github.com/jonesrussell/gotexfetch/internal/transport"
)

// filePrefix marks URLs read from the local filesystem instead of the
// blob cache.
const filePrefix = "file://"

// Worker is the per-asset fetch state machine. One worker exists per
// asset ID; it is created on first request and removed when the caller
// deletes it and no I/O remains in flight.
//
// All mutable state is guarded by mu. Completion callbacks lock, record
// their result, and wake the worker back into the engine's run queue;
// doWork runs with the lock held and never blocks.
type Worker struct {
	engine *Engine
	id     domain.AssetID
	host   string
	layer  uint8 // image type byte on the wire

	mu sync.Mutex

	state         State
	url           string
	imagePriority float32
	workPriority  uint32

	desiredDiscard   int
	desiredSize      int
	requestedDiscard int
	requestedSize    int
	requestedOffset  int
	loadedDiscard    int
	decodedDiscard   int

	formatted  domain.FormattedBytes
	httpBuffer []byte
	assembler  *assembly.Assembler
	raw        *domain.RawImage
	auxRaw     *domain.RawImage

	totalBytes int
	totalKnown bool
	cachedSize int
	inLocalCache bool
	haveAllData  bool
	needsAux     bool
	canUseHTTP   bool
	canUseUDP    bool

	writeTo writeState
	sent    sentState

	loaded  bool
	decoded bool
	written bool

	getStatus    int
	getReason    string
	httpFailCount int
	retryAttempt  int

	simRequestedDiscard int
	requestedPriority   float32
	requestedAt         time.Time

	cacheReadActive  bool
	cacheWriteActive bool
	cacheWriteHandle transport.WriteHandle
	decodeActive     bool

	serviceQ   *service.Queue
	class      domain.CapabilityClass
	queuedHTTP bool
	httpActive bool

	deleteRequested bool
	aborted         bool
	workDone        bool
	counted         bool

	// heapIndex is maintained by the run queue under its own lock.
	heapIndex int
}

func newWorker(e *Engine, url string, id domain.AssetID, host string, priority float32, discard, size int) *Worker {
	w := &Worker{
		engine:          e,
		id:              id,
		host:            host,
		url:             url,
		imagePriority:   priority,
		desiredDiscard:  discard,
		desiredSize:     size,
		requestedDiscard: -1,
		loadedDiscard:   -1,
		decodedDiscard:  -1,
		simRequestedDiscard: -1,
		assembler:       assembly.New(),
		// Only assets addressed by ID alone have a UDP source; an
		// explicit URL names an HTTP-only asset.
		canUseUDP: url == "",
		class:     domain.ClassTexture,
		heapIndex: -1,
	}
	w.workPriority = scalePriority(priority)
	return w
}

// ServiceClass implements service.Request.
func (w *Worker) ServiceClass() domain.CapabilityClass { return w.class }

// ID returns the worker's asset ID.
func (w *Worker) ID() domain.AssetID { return w.id }

// setImagePriority recalculates the work priority. Callers hold mu.
func (w *Worker) setImagePriority(priority float32) {
	w.imagePriority = priority
	w.workPriority = scalePriority(priority)
}

// setDesiredDiscard applies a caller's new desired discard and size.
// Callers hold mu. Returns true when the worker needs a wake-up.
func (w *Worker) setDesiredDiscard(discard, size int) (wake bool, immediate bool) {
	if size < TextureCacheEntrySize {
		size = TextureCacheEntrySize
	}
	prioritize := false
	if w.desiredDiscard != discard {
		if w.workDone {
			wake = true
		} else if discard < w.desiredDiscard {
			prioritize = true
		}
		w.desiredDiscard = discard
		w.desiredSize = size
	} else if size > w.desiredSize {
		w.desiredSize = size
	}

	if w.state == StateDone && w.decodedDiscard >= 0 && w.desiredDiscard < w.decodedDiscard {
		// The caller wants finer detail than we decoded; run the
		// pipeline again.
		w.state = StateInit
		w.workDone = false
		w.counted = false
		wake = true
		prioritize = true
	}
	return wake || prioritize, prioritize
}

// resetFormattedData drops network scratch after a failed attempt.
// Callers hold mu.
func (w *Worker) resetFormattedData() {
	w.httpBuffer = nil
	w.formatted.Reset()
	w.haveAllData = false
}

// abort marks the fetch terminally failed. Callers hold mu.
func (w *Worker) abort() {
	w.aborted = true
	w.raw = nil
	w.auxRaw = nil
	w.state = StateDone
	w.workDone = true
	if !w.counted {
		w.counted = true
		w.engine.mets.FetchOutcomes.WithLabelValues("aborted").Inc()
	}
}

// deleteOK reports whether the worker can be removed: no cache or decode
// handle may be outstanding, and an in-flight cache write must finish.
// Callers hold mu.
func (w *Worker) deleteOK() bool {
	if w.cacheReadActive || w.decodeActive || w.cacheWriteActive {
		return false
	}
	if w.state == StateWriteToCache {
		return false
	}
	return true
}

// doWork advances the state machine as far as it can without blocking.
// It returns true when the worker finished (successfully or aborted)
// and false when it yielded awaiting I/O, dispatch, or inbound packets.
// Callers hold mu.
func (w *Worker) doWork(now time.Time) bool {
	if w.deleteRequested && w.state < StateDecode {
		w.abort()
		return true
	}
	if w.imagePriority <= 0 &&
		(w.state == StateInit || w.state == StateLoadFromNetwork || w.state == StateLoadFromSim) {
		w.abort()
		return true
	}
	if w.state > StateCachePost && w.state < StateDone && !w.canUseUDP && !w.canUseHTTP {
		// Nowhere to get data.
		w.abort()
		return true
	}

	for {
		switch w.state {
		case StateInit:
			if w.engine.isStaticDenied(w.id) {
				w.engine.log.Info("denied asset requested", "asset_id", w.id.String())
				w.abort()
				return true
			}
			w.raw = nil
			w.auxRaw = nil
			w.requestedDiscard = -1
			w.loadedDiscard = -1
			w.decodedDiscard = -1
			w.requestedSize = 0
			w.requestedOffset = 0
			w.totalBytes = 0
			w.totalKnown = false
			w.cachedSize = 0
			w.loaded = false
			w.decoded = false
			w.written = false
			w.sent = unsent
			w.httpBuffer = nil
			w.haveAllData = false
			w.assembler.Clear()
			if w.desiredSize < TextureCacheEntrySize {
				w.desiredSize = TextureCacheEntrySize
			}
			w.state = StateLoadFromCache

		case StateLoadFromCache:
			if done, yield := w.stepLoadFromCache(); yield {
				return done
			}

		case StateCachePost:
			w.cachedSize = w.formatted.Len()
			if w.cachedSize >= w.desiredSize || w.formatted.HaveAll {
				// Enough cached data; decode it.
				w.loadedDiscard = w.desiredDiscard
				w.haveAllData = w.formatted.HaveAll
				w.writeTo = notWrite
				w.state = StateDecode
			} else if strings.HasPrefix(w.url, filePrefix) {
				// A local file that could not satisfy the request is
				// terminal.
				w.abort()
				return true
			} else {
				w.state = StateLoadFromNetwork
			}

		case StateLoadFromNetwork:
			if done, yield := w.stepLoadFromNetwork(); yield {
				return done
			}

		case StateLoadFromSim:
			if done, yield := w.stepLoadFromSim(); yield {
				return done
			}

		case StateSendHTTP:
			if done, yield := w.stepSendHTTP(); yield {
				return done
			}

		case StateWaitHTTP:
			if done, yield := w.stepWaitHTTP(now); yield {
				return done
			}

		case StateDecode:
			if done, yield := w.stepDecode(); yield {
				return done
			}

		case StateWaitDecode:
			if done, yield := w.stepWaitDecode(); yield {
				return done
			}

		case StateWriteToCache:
			if done, yield := w.stepWriteToCache(); yield {
				return done
			}

		case StateWaitOnWrite:
			if !w.written {
				if w.desiredDiscard < w.decodedDiscard {
					// The next attempt cannot start until this write
					// lands; move it up the cache pool's queue.
					w.engine.cache.PrioritizeWrite(w.cacheWriteHandle)
				}
				return false
			}
			w.cacheWriteHandle = transport.NilWriteHandle
			w.state = StateDone

		case StateDone:
			if w.decodedDiscard >= 0 && w.desiredDiscard < w.decodedDiscard {
				// More detail was requested while we were finishing.
				w.state = StateInit
				w.counted = false
				continue
			}
			w.workDone = true
			if !w.counted {
				w.counted = true
				w.engine.mets.FetchOutcomes.WithLabelValues("success").Inc()
			}
			return true
		}
	}
}

// stepLoadFromCache issues the cache (or local file) read and waits for
// it. yield=true means return done to the pool.
func (w *Worker) stepLoadFromCache() (done, yield bool) {
	if !w.cacheReadActive && !w.loaded {
		offset := w.formatted.Len()
		size := w.desiredSize - offset
		if size <= 0 {
			w.state = StateCachePost
			return false, false
		}
		w.totalBytes = 0
		w.totalKnown = false

		switch {
		case strings.HasPrefix(w.url, filePrefix):
			w.cacheReadActive = true
			go w.readLocalFile(w.url[len(filePrefix):], offset, size)
		case w.url == "":
			w.cacheReadActive = true
			w.engine.cache.Read(w.id, offset, size, w.onCacheRead)
		case w.canUseHTTP:
			// An explicit HTTP URL bypasses the cache lookup.
			w.state = StateSendHTTP
			return false, false
		default:
			w.state = StateLoadFromNetwork
			return false, false
		}
		return false, true
	}

	if !w.loaded {
		return false, true
	}
	w.loaded = false
	w.state = StateCachePost
	return false, false
}

// readLocalFile loads a byte range of a local file, standing in for the
// cache pool on file:// URLs.
func (w *Worker) readLocalFile(name string, offset, size int) {
	data, err := os.ReadFile(name)

	res := transport.ReadResult{}
	if err == nil && offset < len(data) {
		end := offset + size
		if end > len(data) {
			end = len(data)
		}
		res = transport.ReadResult{
			Data:     data[offset:end],
			FileSize: len(data),
			Found:    true,
		}
	}

	w.mu.Lock()
	w.applyCacheRead(res, true)
	w.mu.Unlock()
	w.engine.wake(w, true)
	w.engine.maybeReap(w)
}

// onCacheRead is the blob cache read completion.
func (w *Worker) onCacheRead(res transport.ReadResult) {
	w.mu.Lock()
	w.applyCacheRead(res, false)
	w.mu.Unlock()
	w.engine.wake(w, true)
	w.engine.maybeReap(w)
}

// applyCacheRead folds a read result into the worker. Callers hold mu.
func (w *Worker) applyCacheRead(res transport.ReadResult, local bool) {
	w.cacheReadActive = false
	w.loaded = true
	if !res.Found || len(res.Data) == 0 {
		w.engine.mets.CacheReads.WithLabelValues("miss").Inc()
		return
	}
	w.engine.mets.CacheReads.WithLabelValues("hit").Inc()
	w.inLocalCache = local
	w.formatted.Data = append(w.formatted.Data, res.Data...)
	if w.formatted.Codec == domain.CodecInvalid {
		w.formatted.Codec = domain.CodecJ2C
	}
	if fs := res.FileSize; fs > 0 {
		if w.formatted.Len() >= fs {
			// The stored size names a fully cached asset.
			w.totalBytes = fs
			w.totalKnown = true
			w.formatted.HaveAll = true
		} else {
			// Legacy total+1 sentinel: the asset is larger than the
			// stored prefix.
			w.totalBytes = fs - 1
			w.totalKnown = false
		}
	}
}

// stepLoadFromNetwork picks HTTP when permitted, else queues a UDP
// request and stalls.
func (w *Worker) stepLoadFromNetwork() (done, yield bool) {
	if w.canUseHTTP && w.url == "" {
		url := w.engine.urls.CapabilityURL(w.host, w.id)
		if url != "" {
			w.url = url
			w.writeTo = canWrite // fixed asset ID, cacheable
		} else {
			w.canUseHTTP = false
		}
	}
	if w.url != "" && w.engine.blacklist.IsBlacklisted(w.url) {
		w.canUseHTTP = false
	}

	if w.canUseHTTP && w.url != "" {
		if w.writeTo != notWrite {
			w.writeTo = canWrite
		}
		w.state = StateSendHTTP
		return false, false
	}

	if w.sent == unsent && w.canUseUDP {
		// Queue for the next UDP sweep; the engine's tick sends the
		// request and inbound packets move us to StateLoadFromSim.
		w.writeTo = canWrite
		w.requestedSize = w.desiredSize
		w.requestedDiscard = w.desiredDiscard
		w.sent = queuedSim
		w.engine.addToNetworkQueue(w)
		return false, true
	}
	return false, true
}

// stepLoadFromSim adopts the reassembled prefix once it covers the
// requested size.
func (w *Worker) stepLoadFromSim() (done, yield bool) {
	if w.requestedSize < 0 {
		w.abort()
		return true, true
	}

	buf, haveAll := w.assembler.DeliverablePrefix(w.formatted.Data, w.requestedSize)
	if buf == nil && !haveAll {
		w.engine.addToNetworkQueue(w) // failsafe
		return false, true
	}
	if buf != nil {
		w.formatted.Data = buf
	}
	w.engine.removeFromNetworkQueue(w, false)
	if w.formatted.Len() == 0 {
		w.abort()
		return true, true
	}
	if w.formatted.Codec == domain.CodecInvalid {
		w.formatted.Codec = domain.CodecJ2C
	}
	w.haveAllData = haveAll
	w.formatted.HaveAll = haveAll
	w.totalBytes = w.assembler.FileSize()
	w.totalKnown = true
	w.loadedDiscard = w.requestedDiscard
	w.writeTo = shouldWrite
	w.state = StateDecode
	return false, false
}

// stepSendHTTP prepares the ranged GET and enqueues the worker with its
// service for fair dispatch. The actual request is issued by the
// engine's RequestAdder once admission allows it.
func (w *Worker) stepSendHTTP() (done, yield bool) {
	if !w.canUseHTTP {
		w.abort()
		return true, true
	}

	w.engine.removeFromNetworkQueue(w, false)

	cur := w.formatted.Len()
	if w.formatted.HaveAll {
		if cur > 0 {
			// We already hold the full asset; just decode it.
			w.loadedDiscard = 0
			w.haveAllData = true
			w.state = StateDecode
			return false, false
		}
		w.abort()
		return true, true
	}

	w.requestedSize = w.desiredSize - cur
	w.requestedDiscard = w.desiredDiscard
	w.requestedOffset = cur

	if w.url == "" {
		w.engine.log.Warn("http fetch with no url", "asset_id", w.id.String())
		w.resetFormattedData()
		w.httpFailCount++
		w.abort()
		return true, true
	}

	if !w.queuedHTTP {
		w.attachService()
		w.queuedHTTP = true
		q := w.serviceQ
		w.mu.Unlock()
		q.Enqueue(w, w.class)
		q.AddQueuedTo(w.engine, false)
		w.mu.Lock()
	}
	// Stay in StateSendHTTP until the dispatcher picks us.
	return false, true
}

// attachService binds the worker to its service queue. Callers hold mu.
func (w *Worker) attachService() {
	if w.serviceQ != nil {
		return
	}
	name := service.CanonicalServiceName(w.url)
	w.serviceQ = w.engine.registry.Instance(name)
}

// onHTTPComplete is the HTTP transport completion.
func (w *Worker) onHTTPComplete(resp transport.HTTPResponse) {
	w.mu.Lock()

	q := w.serviceQ
	received := len(resp.Body)
	if w.httpActive {
		w.httpActive = false
		if q != nil {
			if received > 0 {
				q.MarkDownloading(w.class)
			}
			q.RemovedFromMulti(w.class, received > 0)
		}
		w.engine.removeFromHTTPQueue(w.id, received)
	}

	if w.deleteRequested && q != nil {
		// The worker was deleted while the request was in flight; drop
		// our service reference now that the transport let go.
		w.serviceQ = nil
		w.mu.Unlock()
		w.engine.registry.Release(q)
		w.engine.dispatchMore(q)
		return
	}

	if w.state != StateWaitHTTP {
		// Stale result for an abandoned request.
		w.engine.log.Debug("dropping http result", "asset_id", w.id.String(), "state", w.state.String())
		w.mu.Unlock()
		w.engine.dispatchMore(q)
		return
	}

	success := resp.Status >= http.StatusOK && resp.Status < http.StatusMultipleChoices
	if success {
		switch {
		case received > 0 && received < w.requestedSize && w.requestedDiscard == 0:
			// A short response to a full-asset request means we got the
			// tail of the file.
			w.haveAllData = true
		case received > w.requestedSize:
			// The server ignored the Range header and sent the whole
			// asset from byte zero; drop our prefix and keep the body.
			w.haveAllData = true
			w.requestedOffset = 0
			w.formatted.Reset()
		case received == 0:
			// We requested data and received none (and no error), so
			// presumably we already have all of it.
			w.haveAllData = true
		}
		w.httpBuffer = resp.Body
		w.requestedSize = received
	} else {
		w.requestedSize = -1
		w.getStatus = resp.Status
		w.getReason = resp.Reason
	}
	w.loaded = true
	w.mu.Unlock()

	w.engine.wake(w, true)
	w.engine.dispatchMore(q)
}

// stepWaitHTTP folds the HTTP result into the buffer, or routes the
// error per status code.
func (w *Worker) stepWaitHTTP(now time.Time) (done, yield bool) {
	if !w.loaded {
		if now.Sub(w.requestedAt) > fetchingTimeout {
			w.engine.log.Warn("http fetch timed out", "asset_id", w.id.String(), "url", w.url)
			w.abort()
			return true, true
		}
		return false, true
	}

	cur := w.formatted.Len()
	if w.requestedSize < 0 {
		return w.handleHTTPError(cur)
	}

	if len(w.httpBuffer) == 0 {
		// Success status with no data.
		w.abort()
		return true, true
	}

	totalSize := cur + w.requestedSize
	srcOffset := 0
	if w.requestedOffset > 0 && w.requestedOffset != cur {
		if w.requestedOffset > cur {
			// Discontiguous response; nothing we can decode.
			w.engine.log.Warn("partial response breaks image data",
				"asset_id", w.id.String(), "offset", w.requestedOffset, "held", cur)
			w.abort()
			return true, true
		}
		// Overlapping range from the offset-decrement quirk; skip the
		// bytes we already hold.
		srcOffset = cur - w.requestedOffset
		totalSize -= srcOffset
		w.requestedSize -= srcOffset
		w.requestedOffset += srcOffset
	}

	if w.formatted.Codec == domain.CodecInvalid {
		if c := codecFromExt(w.url); c != domain.CodecInvalid {
			w.formatted.Codec = c
		} else {
			w.formatted.Codec = domain.CodecJ2C
		}
	}

	if w.haveAllData && w.requestedDiscard == 0 {
		w.totalBytes = totalSize
		w.totalKnown = true
		w.formatted.HaveAll = true
	} else {
		w.totalBytes = totalSize
		w.totalKnown = false
	}

	w.formatted.Data = append(w.formatted.Data, w.httpBuffer[srcOffset:srcOffset+w.requestedSize]...)
	w.httpBuffer = nil
	w.loadedDiscard = w.requestedDiscard
	if w.writeTo != notWrite {
		w.writeTo = shouldWrite
	}
	w.state = StateDecode
	return false, false
}

// handleHTTPError applies the per-status retry and fallback policy.
// Callers hold mu.
func (w *Worker) handleHTTPError(cur int) (done, yield bool) {
	var maxAttempts int
	switch {
	case w.getStatus == http.StatusNotFound || w.getStatus == transport.StatusUnreachable:
		w.httpFailCount = 1
		maxAttempts = 1
		if w.getStatus == http.StatusNotFound {
			w.engine.log.Warn("asset missing from server", "url", w.url)
		} else {
			w.engine.log.Warn("no response from server", "url", w.url)
			w.engine.blacklist.Add(w.url, blacklistTimeout, w.getStatus)
		}
		if w.canUseUDP {
			// Fall back to the UDP transport.
			w.resetFormattedData()
			w.canUseHTTP = false
			w.state = StateInit
			return false, false
		}
		w.resetFormattedData()
		w.abort()
		return true, true

	case w.getStatus == http.StatusServiceUnavailable:
		w.httpFailCount++
		maxAttempts = w.httpFailCount + 1 // keep retrying
		w.engine.log.Info("asset server busy", "url", w.url)

	default:
		w.httpFailCount++
		maxAttempts = httpMaxRetryCount + 1
		w.engine.log.Info("http fetch failed",
			"url", w.url,
			"status", w.getStatus,
			"reason", w.getReason,
			"attempt", w.httpFailCount,
			"max_attempts", maxAttempts,
		)
	}

	if w.httpFailCount < maxAttempts {
		w.state = StateSendHTTP
		return false, false
	}

	if cur > 0 {
		// Decode what we have.
		if w.loadedDiscard < 0 {
			w.loadedDiscard = w.desiredDiscard
		}
		w.state = StateDecode
		return false, false
	}
	if w.canUseUDP {
		w.resetFormattedData()
		w.canUseHTTP = false
		w.state = StateInit
		return false, false
	}
	w.resetFormattedData()
	w.abort()
	return true, true
}

// stepDecode submits the compressed prefix to the codec.
func (w *Worker) stepDecode() (done, yield bool) {
	if w.desiredDiscard < 0 {
		// Aborted while queued; nothing to decode.
		w.abort()
		return true, true
	}
	if w.formatted.Len() <= 0 || w.loadedDiscard < 0 {
		w.abort()
		return true, true
	}

	w.raw = nil
	w.auxRaw = nil
	w.decoded = false
	discard := w.loadedDiscard
	if w.haveAllData {
		discard = 0
	}
	w.decodeActive = true
	w.state = StateWaitDecode

	req := transport.DecodeRequest{
		Data:          w.formatted.Data,
		Tag:           w.formatted.Codec,
		TargetDiscard: discard,
		NeedAux:       w.needsAux,
	}
	w.mu.Unlock()
	w.engine.codec.Decode(req, w.onDecode)
	w.mu.Lock()
	return false, true
}

// onDecode is the codec completion.
func (w *Worker) onDecode(res transport.DecodeResult) {
	w.mu.Lock()
	w.decodeActive = false
	w.decoded = true
	w.decodedDiscard = res.DecodedDiscard
	if res.Err != nil {
		w.decodedDiscard = -1
	}
	w.raw = res.Raw
	w.auxRaw = res.Aux
	w.mu.Unlock()
	w.engine.wake(w, true)
	w.engine.maybeReap(w)
}

// stepWaitDecode handles decode completion, with one cache-corruption
// retry.
func (w *Worker) stepWaitDecode() (done, yield bool) {
	if !w.decoded {
		return false, true
	}

	if w.decodedDiscard < 0 {
		if w.cachedSize > 0 && !w.inLocalCache && w.retryAttempt == 0 {
			// Cached bytes failed to decode: drop the entry and refetch.
			w.engine.log.Warn("cached asset corrupt, refetching", "asset_id", w.id.String())
			w.engine.cache.Remove(w.id)
			w.formatted.Reset()
			w.retryAttempt++
			w.state = StateInit
			return false, false
		}
		w.engine.log.Warn("unable to decode asset",
			"asset_id", w.id.String(), "retries", w.retryAttempt)
		w.abort()
		return true, true
	}

	w.state = StateWriteToCache
	return false, false
}

// stepWriteToCache submits the write-back, or skips it when nothing new
// was fetched.
func (w *Worker) stepWriteToCache() (done, yield bool) {
	if w.writeTo != shouldWrite || w.formatted.Len() == 0 {
		w.state = StateDone
		return false, false
	}

	dataSize := w.formatted.Len()
	if w.totalBytes < dataSize {
		// HTTP and UDP fetches can interleave; trust the data we hold.
		w.totalBytes = dataSize
		w.totalKnown = w.haveAllData
	}

	// The external cache records total+1 for partially loaded assets.
	fileSize := w.totalBytes
	if !w.totalKnown {
		fileSize = w.totalBytes + 1
	}

	w.written = false
	w.cacheWriteActive = true
	w.state = StateWaitOnWrite

	data := w.formatted.Data
	id := w.id
	w.mu.Unlock()
	handle := w.engine.cache.Write(id, data, fileSize, w.onCacheWrite)
	w.mu.Lock()
	w.cacheWriteHandle = handle
	return false, true
}

// onCacheWrite is the blob cache write completion.
func (w *Worker) onCacheWrite(err error) {
	w.mu.Lock()
	if err != nil {
		w.engine.log.Warn("cache write failed", "asset_id", w.id.String(), "error", err.Error())
	}
	w.cacheWriteActive = false
	w.written = true
	w.mu.Unlock()
	w.engine.wake(w, false)
	w.engine.maybeReap(w)
}
