package fetch

import (
	"math"
	"sort"
	"time"

	"github.com/jonesrussell/gotexfetch/internal/domain"
	"github.com/jonesrussell/gotexfetch/internal/simproto"
	"github.com/jonesrussell/gotexfetch/internal/transport"
)

// sendRequestBatches gathers the workers waiting on the UDP transport
// whose request is due and emits one RequestImage batch per host, at
// most simproto.MaxImagesPerRequest entries per message.
//
// A worker is re-requested only when its desired discard drifted from
// the one last requested, its priority moved by more than
// minDeltaPriority after at least minRequestTime, or nothing arrived
// for simLazyFlushTimeout.
func (e *Engine) sendRequestBatches(now time.Time) {
	e.netMu.Lock()
	ids := make([]domain.AssetID, 0, len(e.networkQueue))
	for id := range e.networkQueue {
		ids = append(ids, id)
	}
	e.netMu.Unlock()

	type pending struct {
		worker   *Worker
		priority uint32
	}
	byHost := make(map[string][]pending)

	for _, id := range ids {
		w := e.getWorker(id)
		if w == nil {
			// The worker was removed in a race with queueing; drop it.
			e.netMu.Lock()
			delete(e.networkQueue, id)
			e.netMu.Unlock()
			continue
		}

		w.mu.Lock()
		if w.state != StateLoadFromNetwork && w.state != StateLoadFromSim {
			w.mu.Unlock()
			e.removeFromNetworkQueue(w, false)
			continue
		}
		if w.sent == sentSim && w.assembler.TotalPackets() > 0 && w.assembler.Complete() {
			// Every packet arrived; nothing to re-request.
			w.mu.Unlock()
			continue
		}

		elapsed := now.Sub(w.requestedAt)
		deltaPriority := math.Abs(float64(w.requestedPriority - w.imagePriority))
		due := w.simRequestedDiscard != w.desiredDiscard ||
			(deltaPriority > minDeltaPriority && elapsed >= minRequestTime) ||
			elapsed >= simLazyFlushTimeout
		host := w.host
		if host == "" {
			host = e.opts.AgentHost
		}
		priority := w.workPriority
		w.mu.Unlock()

		if due && host != "" {
			byHost[host] = append(byHost[host], pending{worker: w, priority: priority})
		}
	}

	hosts := make([]string, 0, len(byHost))
	for host := range byHost {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)

	for _, host := range hosts {
		group := byHost[host]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].priority > group[j].priority
		})

		batch := make([]transport.SimRequest, 0, simproto.MaxImagesPerRequest)
		for _, p := range group {
			req, ok := e.prepareSimRequest(p.worker, now)
			if !ok {
				continue
			}
			batch = append(batch, req)
			if len(batch) >= simproto.MaxImagesPerRequest {
				e.sim.SendRequestBatch(host, batch)
				batch = batch[:0]
			}
		}
		if len(batch) > 0 {
			e.sim.SendRequestBatch(host, batch)
		}
	}
}

// prepareSimRequest seeds reassembly from any cached prefix on the
// first send and stamps the worker's request bookkeeping.
func (e *Engine) prepareSimRequest(w *Worker, now time.Time) (transport.SimRequest, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateLoadFromNetwork && w.state != StateLoadFromSim {
		return transport.SimRequest{}, false
	}

	if w.sent != sentSim && w.formatted.Len() > 0 {
		if w.totalKnown {
			if err := w.assembler.SeedFromCache(w.formatted.Len(), w.totalBytes); err != nil {
				// The cached prefix does not align with the packet grid;
				// refetch from packet zero.
				e.cache.Remove(w.id)
				w.resetFormattedData()
				w.assembler.Clear()
			}
		} else {
			// Cached over HTTP with an unknown total; the first packet
			// must be refetched.
			w.resetFormattedData()
			w.assembler.Clear()
		}
	}

	req := transport.SimRequest{
		ID:         w.id,
		Discard:    w.desiredDiscard,
		Priority:   w.imagePriority,
		NextPacket: w.assembler.NextPacket(),
		ImageType:  w.layer,
	}
	w.sent = sentSim
	w.simRequestedDiscard = w.desiredDiscard
	w.requestedPriority = w.imagePriority
	w.requestedAt = now
	return req, true
}

// sendCancelBatches flushes the pending cancel set, one batch per host.
func (e *Engine) sendCancelBatches() {
	e.netMu.Lock()
	pending := e.cancelQueue
	e.cancelQueue = make(map[string]map[domain.AssetID]struct{})
	e.netMu.Unlock()

	hosts := make([]string, 0, len(pending))
	for host := range pending {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)

	for _, host := range hosts {
		if host == "" {
			continue
		}
		ids := make([]domain.AssetID, 0, len(pending[host]))
		for id := range pending[host] {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool {
			return ids[i].String() < ids[j].String()
		})

		for len(ids) > 0 {
			n := len(ids)
			if n > simproto.MaxImagesPerRequest {
				n = simproto.MaxImagesPerRequest
			}
			e.sim.SendCancelBatch(host, ids[:n])
			ids = ids[n:]
		}
	}
}

// ReceiveImageHeader is the inbound UDP header fan-in. It validates the
// worker state (a header is only expected by a worker whose UDP request
// went out and that has not yet seen one) and hands the payload to the
// assembler. Any validation failure schedules a cancel for the sending
// host.
func (e *Engine) ReceiveImageHeader(
	host string,
	id domain.AssetID,
	codec domain.CodecTag,
	totalPackets int,
	totalBytes int,
	payload []byte,
) bool {
	w := e.getWorker(id)
	ok := w != nil && len(payload) > 0 && totalBytes > 0

	if ok {
		w.mu.Lock()
		switch {
		case w.state != StateLoadFromNetwork || w.sent != sentSim:
			ok = false
		case w.assembler.HeaderReceived():
			// Duplicate header.
			ok = false
		default:
			ok = w.assembler.InsertHeader(totalPackets, totalBytes, payload)
			if ok {
				w.formatted.Codec = codec
				w.totalBytes = totalBytes
				w.totalKnown = true
				w.state = StateLoadFromSim
				w.requestedAt = time.Now()
			}
		}
		w.mu.Unlock()
	}

	if !ok {
		e.mets.PacketsRejected.Inc()
		e.scheduleCancel(host, id)
		return false
	}

	e.mets.PacketsReceived.Inc()
	e.wake(w, true)
	return true
}

// ReceiveImagePacket is the inbound UDP data fan-in. Duplicate packets,
// out-of-range indices, and wrong-size middle packets are rejected and
// the asset is cancelled from the sending host.
func (e *Engine) ReceiveImagePacket(
	host string,
	id domain.AssetID,
	packet int,
	payload []byte,
) bool {
	w := e.getWorker(id)
	ok := w != nil && len(payload) > 0 && packet > 0

	if ok {
		w.mu.Lock()
		switch {
		case !w.assembler.HeaderReceived():
			// Data before the header; we cannot validate it.
			ok = false
		case w.state != StateLoadFromSim:
			ok = false
		default:
			ok = w.assembler.Insert(packet, payload)
			if ok {
				w.requestedAt = time.Now()
			}
		}
		w.mu.Unlock()
	}

	if !ok {
		e.mets.PacketsRejected.Inc()
		e.scheduleCancel(host, id)
		return false
	}

	e.mets.PacketsReceived.Inc()
	e.wake(w, true)
	return true
}
