// Package bunny is a thin typed wrapper over the Bunny.net Storage HTTP API:
// PUT, ranged GET, DELETE, and directory listing. It is the gateway's only
// storage backend.
package bunny

import (
	"context"
	"crypto/md5"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/s3bunny/bunnygw/internal/metrics"
)

// connectTimeout bounds the TCP+TLS handshake to Bunny; the overall request
// timeout is left unbounded since uploads may be arbitrarily large.
const connectTimeout = 10 * time.Second

// uploadMaxReadFrame caps the HTTP/2 frame size negotiated by a per-upload
// client. Combined with discarding the client once the upload completes,
// this keeps per-connection frame buffers from accumulating when many
// uploads stream concurrently.
const uploadMaxReadFrame = 16 << 10 // 16 KiB

// Client talks to a single Bunny storage zone.
type Client struct {
	hostname    string
	storageZone string
	accessKey   string
	shared      *http.Client
}

// New creates a Client bound to the given region hostname and storage zone.
// The returned Client owns one shared HTTP/2 client used for every
// operation except Put, which constructs and discards its own client per
// call (see Put).
func New(hostname, storageZone, accessKey string) *Client {
	return &Client{
		hostname:    hostname,
		storageZone: storageZone,
		accessKey:   accessKey,
		shared:      &http.Client{Transport: newTransport(false)},
	}
}

// NewWithClient creates a Client that issues Get/Delete/List/Head through
// the given HTTP client instead of the default HTTP/2 transport. Put always
// builds its own per-call transport regardless of shared (see Put) and so
// is unaffected by this constructor. Used by tests to point a Client at an
// httptest server.
func NewWithClient(hostname, storageZone, accessKey string, shared *http.Client) *Client {
	return &Client{
		hostname:    hostname,
		storageZone: storageZone,
		accessKey:   accessKey,
		shared:      shared,
	}
}

// newTransport builds an HTTP/2 transport with a bounded connect timeout.
// perUpload transports additionally cap the frame size they'll negotiate,
// since they are short-lived (one upload, then discarded).
func newTransport(perUpload bool) *http2.Transport {
	t := &http2.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
			dialer := &net.Dialer{Timeout: connectTimeout}
			raw, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			tlsConn := tls.Client(raw, cfg)
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				raw.Close()
				return nil, err
			}
			return tlsConn, nil
		},
	}
	if perUpload {
		t.MaxReadFrameSize = uploadMaxReadFrame
	}
	return t
}

// recordCall reports a completed Bunny call to bunnygw_bunny_requests_total
// and bunnygw_bunny_request_duration_seconds, per §5's resource-model
// instrumentation. status is either an HTTP status code or "error" for a
// call that never reached Bunny (DNS/dial/TLS failure).
func recordCall(op string, start time.Time, status string) {
	metrics.BunnyRequestsTotal.WithLabelValues(op, status).Inc()
	metrics.BunnyRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// objectURL joins the storage zone and key into a Bunny object URL,
// percent-encoding each path segment independently so that '/' in the key
// is preserved as a path separator.
func (c *Client) objectURL(key string) string {
	segs := strings.Split(key, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return fmt.Sprintf("https://%s/%s/%s", c.hostname, url.PathEscape(c.storageZone), strings.Join(segs, "/"))
}

// StatusError reports a non-2xx response from Bunny for a given operation.
type StatusError struct {
	Op         string
	Key        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bunny %s %q: unexpected status %d", e.Op, e.Key, e.StatusCode)
}

// PutResult is returned by Put on success.
type PutResult struct {
	// MD5 is the lowercase hex MD5 of the bytes streamed, computed as they
	// passed through to the wire.
	MD5 string
}

// Put streams body to key via a single PUT request. A fresh HTTP/2 client
// is constructed for this call and discarded afterward: this is a
// deliberate workaround for connection-pool memory accumulation observed
// under many concurrent long-running streaming uploads on a single
// long-lived client. size may be -1 for a chunked/unknown-length body.
func (c *Client) Put(ctx context.Context, key string, body io.Reader, size int64) (*PutResult, error) {
	client := &http.Client{Transport: newTransport(true)}
	defer client.CloseIdleConnections()

	metrics.InflightUploads.Inc()
	defer metrics.InflightUploads.Dec()

	start := time.Now()
	digest := md5.New()
	tee := io.TeeReader(body, digest)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.objectURL(key), io.NopCloser(tee))
	if err != nil {
		return nil, err
	}
	if size >= 0 {
		req.ContentLength = size
	}
	req.Header.Set("AccessKey", c.accessKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := client.Do(req)
	if err != nil {
		recordCall("PUT", start, "error")
		return nil, fmt.Errorf("bunny PUT %q: %w", key, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	recordCall("PUT", start, strconv.Itoa(resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Op: "PUT", Key: key, StatusCode: resp.StatusCode}
	}

	return &PutResult{MD5: hex.EncodeToString(digest.Sum(nil))}, nil
}

// GetResult is returned by Get. Body is non-nil whenever the request made
// it to Bunny at all, including non-2xx responses; the caller is always
// responsible for closing it.
type GetResult struct {
	Body          io.ReadCloser
	StatusCode    int
	ContentLength int64
	ContentRange  string
	ContentType   string
	LastModified  string
	Checksum      string
}

// Get issues a GET against key, passing rangeHeader through verbatim (empty
// for a full-object read). Non-2xx statuses are returned to the caller
// without consuming the body, per Bunny's pass-through contract.
func (c *Client) Get(ctx context.Context, key, rangeHeader string) (*GetResult, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.objectURL(key), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("AccessKey", c.accessKey)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := c.shared.Do(req)
	if err != nil {
		recordCall("GET", start, "error")
		return nil, fmt.Errorf("bunny GET %q: %w", key, err)
	}
	recordCall("GET", start, strconv.Itoa(resp.StatusCode))

	return &GetResult{
		Body:          resp.Body,
		StatusCode:    resp.StatusCode,
		ContentLength: resp.ContentLength,
		ContentRange:  resp.Header.Get("Content-Range"),
		ContentType:   resp.Header.Get("Content-Type"),
		LastModified:  resp.Header.Get("Last-Modified"),
		Checksum:      resp.Header.Get("Checksum"),
	}, nil
}

// Delete removes key. Returns the raw Bunny status code; callers are
// expected to treat 404 as an idempotent success per S3 DeleteObject
// semantics.
func (c *Client) Delete(ctx context.Context, key string) (int, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.objectURL(key), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("AccessKey", c.accessKey)

	resp, err := c.shared.Do(req)
	if err != nil {
		recordCall("DELETE", start, "error")
		return 0, fmt.Errorf("bunny DELETE %q: %w", key, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	recordCall("DELETE", start, strconv.Itoa(resp.StatusCode))

	return resp.StatusCode, nil
}

// Entry is one row of a Bunny directory listing.
type Entry struct {
	ObjectName  string `json:"ObjectName"`
	IsDirectory bool   `json:"IsDirectory"`
	Length      int64  `json:"Length"`
	LastChanged string `json:"LastChanged"`
	Checksum    string `json:"Checksum"`
	ObjectGUID  string `json:"Guid"`
}

// List returns the directory listing for dirPath. Bunny returns the whole
// listing as one JSON array; it is bounded by zone structure, not by
// object sizes, so no streaming decode is needed.
func (c *Client) List(ctx context.Context, dirPath string) ([]Entry, error) {
	start := time.Now()
	trimmed := strings.TrimSuffix(dirPath, "/")
	listURL := c.objectURL(trimmed) + "/"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, listURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("AccessKey", c.accessKey)

	resp, err := c.shared.Do(req)
	if err != nil {
		recordCall("LIST", start, "error")
		return nil, fmt.Errorf("bunny LIST %q: %w", dirPath, err)
	}
	defer resp.Body.Close()
	recordCall("LIST", start, strconv.Itoa(resp.StatusCode))

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return nil, &StatusError{Op: "LIST", Key: dirPath, StatusCode: resp.StatusCode}
	}

	var entries []Entry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decoding bunny listing for %q: %w", dirPath, err)
	}
	return entries, nil
}

// HeadResult is returned by Head.
type HeadResult struct {
	StatusCode   int
	Size         int64
	LastModified string
	Checksum     string
}

// Head reports object metadata without returning a body. Bunny's storage
// API has no true HEAD verb for individual objects, so this is implemented
// as a ranged GET of bytes 0-0, discarding the single byte returned.
func (c *Client) Head(ctx context.Context, key string) (*HeadResult, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.objectURL(key), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("AccessKey", c.accessKey)
	req.Header.Set("Range", "bytes=0-0")

	resp, err := c.shared.Do(req)
	if err != nil {
		recordCall("HEAD", start, "error")
		return nil, fmt.Errorf("bunny HEAD %q: %w", key, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	recordCall("HEAD", start, strconv.Itoa(resp.StatusCode))

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return &HeadResult{StatusCode: resp.StatusCode}, nil
	}

	size := resp.ContentLength
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		if idx := strings.LastIndex(cr, "/"); idx >= 0 {
			if v, perr := strconv.ParseInt(cr[idx+1:], 10, 64); perr == nil {
				size = v
			}
		}
	}

	return &HeadResult{
		StatusCode:   http.StatusOK,
		Size:         size,
		LastModified: resp.Header.Get("Last-Modified"),
		Checksum:     resp.Header.Get("Checksum"),
	}, nil
}

// Close releases idle connections held by the shared client.
func (c *Client) Close() {
	c.shared.CloseIdleConnections()
}
