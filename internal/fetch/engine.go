package fetch

import (
	"context"
	"errors"
	"math"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jonesrussell/gotexfetch/internal/blacklist"
	"github.com/jonesrussell/gotexfetch/internal/domain"
	"github.com/jonesrussell/gotexfetch/internal/logger"
	"github.com/jonesrussell/gotexfetch/internal/metrics"
	"github.com/jonesrussell/gotexfetch/internal/service"
	"github.com/jonesrussell/gotexfetch/internal/transport"
)

// Options tunes the engine.
type Options struct {
	// PoolSize is the number of goroutines advancing workers.
	PoolSize int

	// HTTPMaxRequests caps concurrent HTTP requests process-wide.
	HTTPMaxRequests int

	// HTTPMinRequests is the floor below which bandwidth throttling
	// never defers a request.
	HTTPMinRequests int

	// HTTPThrottleKbps defers new HTTP requests while the measured
	// texture bandwidth exceeds it.
	HTTPThrottleKbps float64

	// TickInterval is the engine tick period.
	TickInterval time.Duration

	// AgentHost is the simulator host used for workers with no host.
	AgentHost string

	// StartupDelay gates UDP request batches right after start, giving
	// the session handshake time to finish.
	StartupDelay time.Duration

	// StaticDenyList names assets that are never fetched.
	StaticDenyList []domain.AssetID
}

func (o *Options) defaults() {
	if o.PoolSize <= 0 {
		o.PoolSize = 4
	}
	if o.HTTPMaxRequests <= 0 {
		o.HTTPMaxRequests = 8
	}
	if o.HTTPMinRequests < 0 {
		o.HTTPMinRequests = 0
	}
	if o.HTTPThrottleKbps <= 0 {
		o.HTTPThrottleKbps = 2000
	}
	if o.TickInterval <= 0 {
		o.TickInterval = requestDeltaTime
	}
}

// Deps are the engine's collaborators.
type Deps struct {
	Codec transport.Codec
	Cache transport.BlobCache
	HTTP  transport.HTTPGetter
	Sim   transport.SimSender
	URLs  transport.URLProvider
	Log   logger.Interface
	Mets  *metrics.Metrics
}

// Status is the poll result state.
type Status int

const (
	// StatusNotReady: the fetch is still in progress.
	StatusNotReady Status = iota
	// StatusReady: the raw image is available.
	StatusReady
	// StatusAborted: the fetch failed terminally or was cancelled.
	StatusAborted
)

// Result carries the decoded output of a finished fetch.
type Result struct {
	Discard int
	Raw     *domain.RawImage
	Aux     *domain.RawImage
}

// Engine is the process-wide fetch dispatcher: it owns the worker map,
// the priority run queue, the HTTP and UDP queues, and the failure
// blacklist, and runs the periodic tick.
type Engine struct {
	opts Options

	codec transport.Codec
	cache transport.BlobCache
	http  transport.HTTPGetter
	sim   transport.SimSender
	urls  transport.URLProvider

	log  logger.Interface
	mets *metrics.Metrics

	registry  *service.Registry
	blacklist *blacklist.HostBlacklist

	staticDeny map[domain.AssetID]struct{}

	workersMu sync.Mutex
	workers   map[domain.AssetID]*Worker

	netMu        sync.Mutex
	networkQueue map[domain.AssetID]struct{}
	cancelQueue  map[string]map[domain.AssetID]struct{}
	httpQueue    map[domain.AssetID]struct{}

	httpBits          atomic.Int64
	totalHTTPRequests atomic.Int64

	bwMu        sync.Mutex
	bandwidthKbps float64
	lastBWDrain time.Time

	runQ      *runQueue
	lastSweep time.Time
	startedAt time.Time
}

// New creates an engine.
func New(opts Options, deps Deps) *Engine {
	opts.defaults()

	deny := make(map[domain.AssetID]struct{}, len(opts.StaticDenyList))
	for _, id := range opts.StaticDenyList {
		deny[id] = struct{}{}
	}

	log := deps.Log
	if log == nil {
		log = logger.NewNoOp()
	}
	mets := deps.Mets
	if mets == nil {
		mets = metrics.NewNop()
	}

	return &Engine{
		opts:         opts,
		codec:        deps.Codec,
		cache:        deps.Cache,
		http:         deps.HTTP,
		sim:          deps.Sim,
		urls:         deps.URLs,
		log:          log.WithComponent("fetch"),
		mets:         mets,
		registry:     service.NewRegistry(),
		blacklist:    blacklist.New(),
		staticDeny:   deny,
		workers:      make(map[domain.AssetID]*Worker),
		networkQueue: make(map[domain.AssetID]struct{}),
		cancelQueue:  make(map[string]map[domain.AssetID]struct{}),
		httpQueue:    make(map[domain.AssetID]struct{}),
		runQ:         newRunQueue(),
		startedAt:    time.Now(),
		lastBWDrain:  time.Now(),
	}
}

// Registry exposes the service registry for inspection.
func (e *Engine) Registry() *service.Registry { return e.registry }

// Blacklist exposes the HTTP endpoint deny list.
func (e *Engine) Blacklist() *blacklist.HostBlacklist { return e.blacklist }

// Run starts the fetch pool and the tick loop, blocking until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < e.opts.PoolSize; i++ {
		g.Go(func() error {
			for {
				w := e.runQ.pop()
				if w == nil {
					return nil
				}
				e.process(w)
			}
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(e.opts.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				e.runQ.close()
				return ctx.Err()
			case now := <-ticker.C:
				e.Tick(now)
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// process advances one worker.
func (e *Engine) process(w *Worker) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.doWork(time.Now())
}

// wake pushes a worker into the run queue at its current priority.
// Immediate wake-ups jump ahead of ordinary re-prioritizations.
func (e *Engine) wake(w *Worker, immediate bool) {
	w.mu.Lock()
	p := w.workPriority
	skip := w.workDone || w.deleteRequested
	w.mu.Unlock()

	if skip {
		return
	}
	if immediate {
		p |= priorityImmediate
	}
	e.runQ.push(w, p)
}

// CreateRequest creates or refreshes the fetch for an asset. It rejects
// a request whose asset already has a worker bound to a different host
// (and removes that worker so the caller can retry).
func (e *Engine) CreateRequest(
	url string,
	id domain.AssetID,
	host string,
	priority float32,
	width, height, components int,
	desiredDiscard int,
	needsAux, canUseHTTP bool,
) error {
	if w := e.getWorker(id); w != nil && w.host != host {
		e.log.Warn("request exists with different host",
			"asset_id", id.String(), "host", host, "existing", w.host)
		e.DeleteRequest(id, true)
		return ErrDuplicateHost
	}

	var desiredSize int
	switch {
	case url != "" && !strings.HasPrefix(url, filePrefix) && codecFromExt(url) != domain.CodecJ2C:
		// Only J2C supports partial decodes; anything else is fetched
		// whole.
		desiredSize = MaxImageDataSize
		desiredDiscard = 0
	case desiredDiscard == 0:
		// The caller wants the entire asset; don't trust size math.
		desiredSize = MaxImageDataSize
	case width*height*components > 0:
		desiredSize = e.codec.SizeFor(width, height, components, desiredDiscard)
	default:
		desiredSize = TextureCacheEntrySize
		desiredDiscard = domain.MaxDiscardLevel
	}

	w := e.getWorker(id)
	if w != nil {
		w.mu.Lock()
		w.needsAux = needsAux
		w.setImagePriority(priority)
		wake, immediate := w.setDesiredDiscard(desiredDiscard, desiredSize)
		w.canUseHTTP = canUseHTTP
		w.mu.Unlock()
		if wake {
			e.wake(w, immediate)
		}
		return nil
	}

	w = newWorker(e, url, id, host, priority, desiredDiscard, desiredSize)
	w.canUseHTTP = canUseHTTP
	w.needsAux = needsAux

	e.workersMu.Lock()
	e.workers[id] = w
	count := len(e.workers)
	e.workersMu.Unlock()
	e.mets.Workers.Set(float64(count))

	e.wake(w, true)
	return nil
}

// UpdateRequestPriority applies a new caller priority, re-sorting the
// run queue only when the change exceeds the five percent hysteresis.
func (e *Engine) UpdateRequestPriority(id domain.AssetID, priority float32) bool {
	w := e.getWorker(id)
	if w == nil {
		return false
	}

	w.mu.Lock()
	old := w.imagePriority
	delta := math.Abs(float64(priority - old))
	resort := w.state == StateDone || delta > float64(old)*priorityHysteresis
	w.setImagePriority(priority)
	w.mu.Unlock()

	if resort {
		e.wake(w, false)
	}
	return true
}

// UpdateDesired applies a new desired discard level and size.
func (e *Engine) UpdateDesired(id domain.AssetID, discard, size int) bool {
	w := e.getWorker(id)
	if w == nil {
		return false
	}

	w.mu.Lock()
	wake, immediate := w.setDesiredDiscard(discard, size)
	w.mu.Unlock()

	if wake {
		e.wake(w, immediate)
	}
	return true
}

// DeleteRequest removes the fetch for an asset. With cancel set, a UDP
// cancel is scheduled for the asset's host. The worker is reaped
// immediately when no I/O is outstanding; otherwise the last completion
// reaps it (deleteOK gates this). An HTTP request in flight is logically
// abandoned; its result is dropped when it lands.
func (e *Engine) DeleteRequest(id domain.AssetID, cancel bool) {
	w := e.getWorker(id)
	if w == nil {
		return
	}

	e.removeFromNetworkQueue(w, cancel)

	w.mu.Lock()
	w.deleteRequested = true
	if w.queuedHTTP {
		q := w.serviceQ
		w.queuedHTTP = false
		w.mu.Unlock()
		q.Cancel(w, w.class)
		w.mu.Lock()
	}
	ok := w.deleteOK()
	w.mu.Unlock()

	if ok {
		e.reap(w)
	}
}

// maybeReap removes a delete-requested worker once its last outstanding
// handle has completed.
func (e *Engine) maybeReap(w *Worker) {
	w.mu.Lock()
	ok := w.deleteRequested && w.deleteOK()
	w.mu.Unlock()

	if ok {
		e.reap(w)
	}
}

// reap drops a worker from the engine's maps and releases its service
// reference.
func (e *Engine) reap(w *Worker) {
	e.workersMu.Lock()
	if cur, ok := e.workers[w.id]; ok && cur == w {
		delete(e.workers, w.id)
	}
	count := len(e.workers)
	e.workersMu.Unlock()
	e.mets.Workers.Set(float64(count))

	e.runQ.remove(w)

	w.mu.Lock()
	q := w.serviceQ
	release := q != nil && !w.httpActive
	if release {
		w.serviceQ = nil
	}
	w.mu.Unlock()

	if release {
		e.registry.Release(q)
	}
}

// PollFinished reports the fetch outcome for an asset. Unknown assets
// report aborted, matching the contract that a terminal failure leaves
// nothing behind.
func (e *Engine) PollFinished(id domain.AssetID) (Result, Status) {
	w := e.getWorker(id)
	if w == nil {
		return Result{}, StatusAborted
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.aborted {
		return Result{}, StatusAborted
	}
	if w.workDone && w.raw != nil {
		return Result{Discard: w.decodedDiscard, Raw: w.raw, Aux: w.auxRaw}, StatusReady
	}
	if w.decodedDiscard >= 0 && w.state >= StateWaitOnWrite && w.raw != nil {
		// Not finished, but decoded data is already available.
		return Result{Discard: w.decodedDiscard, Raw: w.raw, Aux: w.auxRaw}, StatusNotReady
	}
	return Result{}, StatusNotReady
}

// getWorker looks up a live worker.
func (e *Engine) getWorker(id domain.AssetID) *Worker {
	e.workersMu.Lock()
	defer e.workersMu.Unlock()
	return e.workers[id]
}

// WorkerCount returns the number of live workers.
func (e *Engine) WorkerCount() int {
	e.workersMu.Lock()
	defer e.workersMu.Unlock()
	return len(e.workers)
}

func (e *Engine) isStaticDenied(id domain.AssetID) bool {
	_, ok := e.staticDeny[id]
	return ok
}

// Add implements service.RequestAdder: the admission check and the
// actual attach of one pending request to the HTTP transport. It
// returns false when the process-wide connection or bandwidth budget or
// the request's own service cap refuses the request.
func (e *Engine) Add(req service.Request) bool {
	w, ok := req.(*Worker)
	if !ok {
		return true
	}

	active := e.numHTTPRequests()
	if active >= e.opts.HTTPMaxRequests {
		return false
	}
	if e.TextureBandwidth() > e.opts.HTTPThrottleKbps && active > e.opts.HTTPMinRequests {
		return false
	}

	w.mu.Lock()
	if w.state != StateSendHTTP || w.deleteRequested {
		// Stale queue entry; accept it so the queue pops it, but issue
		// nothing.
		w.queuedHTTP = false
		w.mu.Unlock()
		return true
	}
	if w.serviceQ.Throttled() {
		w.mu.Unlock()
		return false
	}

	offset, size := w.requestedOffset, w.requestedSize
	if offset > 0 {
		// Expand the range by one leading byte so the request is always
		// partially satisfiable: some intermediate caches answer an
		// out-of-range request with 200 and the entire asset.
		size++
		offset--
		w.requestedOffset = offset
		w.requestedSize = size
	}

	w.loaded = false
	w.getStatus = 0
	w.getReason = ""
	w.queuedHTTP = false
	w.httpActive = true
	w.requestedAt = time.Now()
	w.state = StateWaitHTTP
	url := w.url
	q := w.serviceQ
	class := w.class
	w.mu.Unlock()

	q.AddedToMulti(class)
	e.addToHTTPQueue(w.id)
	e.http.Get(url, offset, size, w.onHTTPComplete)
	return true
}

// dispatchMore runs a non-recursive dispatch pass for the service that
// just finished a request, spilling over to peers when it is throttled.
func (e *Engine) dispatchMore(q *service.Queue) {
	if q == nil {
		return
	}
	q.AddQueuedTo(e, false)
}

// addToNetworkQueue registers a worker for the next UDP sweep and drops
// any pending cancel for it.
func (e *Engine) addToNetworkQueue(w *Worker) {
	e.netMu.Lock()
	defer e.netMu.Unlock()

	e.networkQueue[w.id] = struct{}{}
	for _, ids := range e.cancelQueue {
		delete(ids, w.id)
	}
}

// removeFromNetworkQueue drops a worker from the UDP sweep; with cancel
// set, a cancel for it is batched to its host.
func (e *Engine) removeFromNetworkQueue(w *Worker, cancel bool) {
	e.netMu.Lock()
	defer e.netMu.Unlock()

	_, present := e.networkQueue[w.id]
	delete(e.networkQueue, w.id)
	if cancel && present {
		e.scheduleCancelLocked(w.host, w.id)
	}
}

// scheduleCancel batches a UDP cancel for an asset to a host.
func (e *Engine) scheduleCancel(host string, id domain.AssetID) {
	e.netMu.Lock()
	defer e.netMu.Unlock()
	e.scheduleCancelLocked(host, id)
}

func (e *Engine) scheduleCancelLocked(host string, id domain.AssetID) {
	if host == "" {
		host = e.opts.AgentHost
	}
	ids, ok := e.cancelQueue[host]
	if !ok {
		ids = make(map[domain.AssetID]struct{})
		e.cancelQueue[host] = ids
	}
	ids[id] = struct{}{}
}

func (e *Engine) addToHTTPQueue(id domain.AssetID) {
	e.netMu.Lock()
	e.httpQueue[id] = struct{}{}
	e.netMu.Unlock()
	e.totalHTTPRequests.Add(1)
	e.mets.ActiveHTTP.Inc()
}

func (e *Engine) removeFromHTTPQueue(id domain.AssetID, receivedSize int) {
	e.netMu.Lock()
	delete(e.httpQueue, id)
	e.netMu.Unlock()
	// Approximate: response headers are not counted.
	e.httpBits.Add(int64(receivedSize) * 8)
	e.mets.ActiveHTTP.Dec()
}

// numHTTPRequests returns the number of HTTP requests in flight.
func (e *Engine) numHTTPRequests() int {
	e.netMu.Lock()
	defer e.netMu.Unlock()
	return len(e.httpQueue)
}

// TextureBandwidth returns the measured HTTP texture bandwidth in kbps.
func (e *Engine) TextureBandwidth() float64 {
	e.bwMu.Lock()
	defer e.bwMu.Unlock()
	return e.bandwidthKbps
}

// TotalHTTPRequests returns the number of HTTP requests issued since
// start.
func (e *Engine) TotalHTTPRequests() int64 {
	return e.totalHTTPRequests.Load()
}

// Tick runs one engine maintenance pass: drain the HTTP byte counters
// into metrics and the bandwidth estimate, expire stuck HTTP waits,
// emit UDP request and cancel batches, and dispatch pending HTTP
// requests.
func (e *Engine) Tick(now time.Time) {
	bits := e.httpBits.Swap(0)
	if bits > 0 {
		e.mets.HTTPBytes.Add(float64(bits / 8))
	}
	e.updateBandwidth(now, bits)

	e.mets.QueuedRequests.Set(float64(e.registry.TotalQueued()))

	e.expireHTTPWaits(now)

	if now.Sub(e.lastSweep) >= requestDeltaTime {
		e.lastSweep = now
		if now.Sub(e.startedAt) >= e.opts.StartupDelay {
			e.sendRequestBatches(now)
			e.sendCancelBatches()
		}
	}

	e.registry.ForEach(func(q *service.Queue) {
		q.AddQueuedTo(e, true)
	})
}

// updateBandwidth folds the drained bit count into a smoothed rate.
func (e *Engine) updateBandwidth(now time.Time, bits int64) {
	e.bwMu.Lock()
	defer e.bwMu.Unlock()

	elapsed := now.Sub(e.lastBWDrain).Seconds()
	if elapsed <= 0 {
		return
	}
	e.lastBWDrain = now
	instant := float64(bits) / 1000.0 / elapsed

	// Exponential smoothing keeps the throttle from reacting to one
	// large response.
	const alpha = 0.25
	e.bandwidthKbps = alpha*instant + (1-alpha)*e.bandwidthKbps
}

// expireHTTPWaits wakes workers whose HTTP response never arrived so
// they can apply the timeout policy.
func (e *Engine) expireHTTPWaits(now time.Time) {
	e.netMu.Lock()
	ids := make([]domain.AssetID, 0, len(e.httpQueue))
	for id := range e.httpQueue {
		ids = append(ids, id)
	}
	e.netMu.Unlock()

	for _, id := range ids {
		w := e.getWorker(id)
		if w == nil {
			continue
		}
		w.mu.Lock()
		expired := w.state == StateWaitHTTP && !w.loaded && now.Sub(w.requestedAt) > fetchingTimeout
		w.mu.Unlock()
		if expired {
			e.wake(w, true)
		}
	}
}

// codecFromExt maps a URL extension to a codec tag, defaulting to J2C
// for extension-less capability URLs.
func codecFromExt(url string) domain.CodecTag {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(url), "."))
	switch ext {
	case "", "j2c", "j2k", "jp2":
		return domain.CodecJ2C
	case "jpg", "jpeg":
		return domain.CodecJPEG
	case "png":
		return domain.CodecPNG
	case "bmp":
		return domain.CodecBMP
	case "tga":
		return domain.CodecTGA
	default:
		return domain.CodecInvalid
	}
}

