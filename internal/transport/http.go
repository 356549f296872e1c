package transport

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jonesrussell/gotexfetch/internal/logger"
)

// Response handling limits.
const (
	// maxResponseBodyBytes limits the size of a single fetched range.
	maxResponseBodyBytes = 16 * 1024 * 1024 // 16 MB

	// DefaultRequestTimeout bounds one HTTP exchange.
	DefaultRequestTimeout = 15 * time.Second
)

// acceptHeader advertises the compressed texture format to edge servers.
const acceptHeader = "image/x-j2c"

// HTTPClient is the production HTTPGetter over net/http. Redirects are
// followed by the underlying client.
type HTTPClient struct {
	client    *http.Client
	userAgent string
	log       logger.Interface
}

// NewHTTPClient creates an HTTPGetter with the given request timeout.
// A zero timeout falls back to DefaultRequestTimeout.
func NewHTTPClient(timeout time.Duration, userAgent string, log logger.Interface) *HTTPClient {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if log == nil {
		log = logger.NewNoOp()
	}
	return &HTTPClient{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
		log:       log,
	}
}

// Get issues a ranged GET on its own goroutine and invokes done exactly
// once. A request that produced no response at all is reported with the
// synthetic StatusUnreachable status so callers can apply the
// no-response policy.
func (c *HTTPClient) Get(url string, offset, size int, done func(HTTPResponse)) {
	go func() {
		done(c.get(url, offset, size))
	}()
}

func (c *HTTPClient) get(url string, offset, size int) HTTPResponse {
	req, err := http.NewRequest(http.MethodGet, url, http.NoBody)
	if err != nil {
		return HTTPResponse{Status: 0, Reason: "bad request", Err: err}
	}

	req.Header.Set("Accept", acceptHeader)
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if offset > 0 || size > 0 {
		// Always send a Range when a size is requested so that edge
		// servers answer 206 instead of streaming the full asset.
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+size-1))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.log.Warn("no response from server", "url", url, "error", err.Error())
		return HTTPResponse{Status: StatusUnreachable, Reason: "no response", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	if err != nil {
		return HTTPResponse{Status: resp.StatusCode, Reason: resp.Status, Err: err}
	}

	return HTTPResponse{Status: resp.StatusCode, Reason: resp.Status, Body: body}
}
