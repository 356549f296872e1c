package fetch

import "errors"

// Error taxonomy of the pipeline. Apart from ErrDuplicateHost, which
// CreateRequest returns, these never cross the engine's public surface —
// a terminal failure surfaces as an aborted poll result.
var (
	// ErrNotInCache: the blob cache had no bytes for the asset.
	ErrNotInCache = errors.New("asset not in cache")

	// ErrCacheCorrupt: cached bytes failed to decode.
	ErrCacheCorrupt = errors.New("cached asset corrupt")

	// ErrHTTPNotFound: the service returned 404.
	ErrHTTPNotFound = errors.New("asset missing from server")

	// ErrHTTPUnreachable: no response from the server (499).
	ErrHTTPUnreachable = errors.New("no response from server")

	// ErrHTTPBusy: the service returned 503.
	ErrHTTPBusy = errors.New("asset server busy")

	// ErrHTTPTimeout: the request exceeded the fetch timeout.
	ErrHTTPTimeout = errors.New("http fetch timed out")

	// ErrDecodeFailed: the codec could not decode the prefix.
	ErrDecodeFailed = errors.New("decode failed")

	// ErrProtocolViolation: an inbound UDP packet failed validation.
	ErrProtocolViolation = errors.New("udp protocol violation")

	// ErrDuplicateHost is returned by CreateRequest when an existing
	// worker for the asset is bound to a different host.
	ErrDuplicateHost = errors.New("request exists with different host")
)
