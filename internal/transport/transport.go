// Package transport defines the collaborator interfaces the fetch core
// consumes — the image codec, the blob cache, the HTTP range-GET service,
// and the UDP simulator transport — plus the production HTTP shim.
//
// Every blocking collaborator is asynchronous: the core submits work with
// a completion callback and yields; the collaborator runs on its own pool
// and invokes the callback when done. Callbacks may fire on any goroutine.
package transport

import (
	"github.com/jonesrussell/gotexfetch/internal/domain"
)

// DecodeRequest asks the codec for raw pixels from a compressed prefix.
type DecodeRequest struct {
	Data          []byte
	Tag           domain.CodecTag
	TargetDiscard int
	NeedAux       bool
}

// DecodeResult carries the decoder's output. DecodedDiscard is negative
// when decoding failed.
type DecodeResult struct {
	Raw            *domain.RawImage
	Aux            *domain.RawImage
	DecodedDiscard int
	Err            error
}

// Codec decodes compressed image prefixes and sizes byte budgets.
type Codec interface {
	// SizeFor returns the byte prefix length needed to decode an image of
	// the given dimensions at the given discard level.
	SizeFor(width, height, components, discard int) int

	// Decode submits an asynchronous decode; done is invoked exactly once.
	Decode(req DecodeRequest, done func(DecodeResult))
}

// ReadResult carries a cache read completion. Found is false when the
// asset is absent from the cache.
type ReadResult struct {
	Data     []byte
	FileSize int
	Found    bool
	Err      error
}

// WriteHandle identifies an in-flight cache write for prioritization.
type WriteHandle int64

// NilWriteHandle is the zero write handle.
const NilWriteHandle WriteHandle = 0

// BlobCache is the asynchronous on-disk cache of compressed assets.
type BlobCache interface {
	// Read fetches size bytes starting at offset; done is invoked exactly
	// once.
	Read(id domain.AssetID, offset, size int, done func(ReadResult))

	// Write stores data for id, recording fileSize as the asset's total
	// size (total+1 flags a partial asset). done is invoked exactly once.
	Write(id domain.AssetID, data []byte, fileSize int, done func(error)) WriteHandle

	// Remove drops the cache entry for id.
	Remove(id domain.AssetID)

	// PrioritizeWrite moves an in-flight write to the front of the cache
	// pool's queue.
	PrioritizeWrite(h WriteHandle)
}

// HTTPResponse carries an HTTP completion: the status code, its reason
// phrase, and the body bytes.
type HTTPResponse struct {
	Status int
	Reason string
	Body   []byte
	Err    error
}

// StatusUnreachable is the synthetic status the shim reports when no
// response arrived from the server at all.
const StatusUnreachable = 499

// HTTPGetter issues asynchronous ranged GET requests. A Range header
// covering [offset, offset+size) is sent whenever offset > 0 or size > 0.
type HTTPGetter interface {
	Get(url string, offset, size int, done func(HTTPResponse))
}

// SimRequest is one entry of an outbound UDP request batch.
type SimRequest struct {
	ID         domain.AssetID
	Discard    int
	Priority   float32
	NextPacket int
	ImageType  uint8
}

// SimSender transmits request and cancel batches to a simulator host.
type SimSender interface {
	SendRequestBatch(host string, reqs []SimRequest)
	SendCancelBatch(host string, ids []domain.AssetID)
}

// URLProvider resolves the HTTP fetch URL for an asset served by a given
// host. It returns "" when the host has no HTTP asset service.
type URLProvider interface {
	CapabilityURL(host string, id domain.AssetID) string
}
