// Package handlers implements HTTP request handlers for the gateway's S3
// operation surface, translating each into one or more Bunny calls.
package handlers

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	s3err "github.com/s3bunny/bunnygw/internal/errors"
)

// extractBucketName resolves the bucket name a request addresses, preferring
// virtual-host-style addressing (Host: {bucket}.rest-of-host) over
// path-style (/{bucket}/{key...}), matching the precedence real S3 clients
// expect.
func extractBucketName(r *http.Request) string {
	host := r.Host
	if idx := strings.IndexByte(host, ':'); idx >= 0 {
		host = host[:idx]
	}
	if dot := strings.IndexByte(host, '.'); dot > 0 && !isIPLiteral(host) {
		return host[:dot]
	}

	path := r.URL.Path
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	if idx := strings.IndexByte(path, '/'); idx >= 0 {
		return path[:idx]
	}
	return path
}

func isIPLiteral(host string) bool {
	parts := strings.Split(host, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if _, err := strconv.Atoi(p); err != nil {
			return false
		}
	}
	return true
}

// extractObjectKey returns everything in the path after the bucket segment,
// regardless of which addressing style produced the bucket name: under
// virtual-host addressing the whole path is the key; under path-style the
// key is whatever follows the first slash.
func extractObjectKey(r *http.Request) string {
	host := r.Host
	if idx := strings.IndexByte(host, ':'); idx >= 0 {
		host = host[:idx]
	}
	path := r.URL.Path
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}

	if dot := strings.IndexByte(host, '.'); dot > 0 && !isIPLiteral(host) {
		return path
	}

	idx := strings.IndexByte(path, '/')
	if idx < 0 {
		return ""
	}
	return path[idx+1:]
}

// parseCopySource parses the X-Amz-Copy-Source header into bucket and key.
// The header value is URL-decoded and expected in the form "/bucket/key" or
// "bucket/key".
func parseCopySource(header string) (bucket, key string, ok bool) {
	decoded, err := url.PathUnescape(header)
	if err != nil {
		return "", "", false
	}
	decoded = strings.TrimPrefix(decoded, "/")
	if decoded == "" {
		return "", "", false
	}
	idx := strings.IndexByte(decoded, '/')
	if idx < 0 || idx == len(decoded)-1 {
		return "", "", false
	}
	return decoded[:idx], decoded[idx+1:], true
}

// checkConditionalHeaders evaluates If-Match / If-Unmodified-Since /
// If-None-Match / If-Modified-Since against the object's ETag and
// LastModified, per RFC 7232 priority order. Returns the status code to
// short-circuit with and whether the normal response body should be
// skipped.
func checkConditionalHeaders(r *http.Request, etag string, lastModified time.Time) (statusCode int, skip bool) {
	normalize := func(e string) string { return strings.Trim(e, `"`) }
	objectETag := normalize(etag)

	ifMatch := r.Header.Get("If-Match")
	if ifMatch != "" {
		if !etagListContains(ifMatch, objectETag) {
			return http.StatusPreconditionFailed, true
		}
	}

	if ifMatch == "" {
		if ifUnmodSince := r.Header.Get("If-Unmodified-Since"); ifUnmodSince != "" {
			if t, perr := http.ParseTime(ifUnmodSince); perr == nil {
				if lastModified.Truncate(time.Second).After(t.Truncate(time.Second)) {
					return http.StatusPreconditionFailed, true
				}
			}
		}
	}

	ifNoneMatch := r.Header.Get("If-None-Match")
	if ifNoneMatch != "" {
		if etagListContains(ifNoneMatch, objectETag) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				return http.StatusNotModified, true
			}
			return http.StatusPreconditionFailed, true
		}
	}

	if ifNoneMatch == "" {
		if ifModSince := r.Header.Get("If-Modified-Since"); ifModSince != "" {
			if t, perr := http.ParseTime(ifModSince); perr == nil {
				if !lastModified.Truncate(time.Second).After(t.Truncate(time.Second)) {
					if r.Method == http.MethodGet || r.Method == http.MethodHead {
						return http.StatusNotModified, true
					}
				}
			}
		}
	}

	return 0, false
}

// checkCopySourceConditionals evaluates the x-amz-copy-source-if-* headers
// against the source object's ETag and LastModified, for CopyObject.
func checkCopySourceConditionals(r *http.Request, etag string, lastModified time.Time) (proceed bool, s3Err *s3err.S3Error) {
	normalize := func(e string) string { return strings.Trim(e, `"`) }
	objectETag := normalize(etag)

	ifMatch := r.Header.Get("x-amz-copy-source-if-match")
	if ifMatch != "" && !etagListContains(ifMatch, objectETag) {
		return false, s3err.ErrPreconditionFailed
	}

	if ifMatch == "" {
		if ifUnmodSince := r.Header.Get("x-amz-copy-source-if-unmodified-since"); ifUnmodSince != "" {
			if t, perr := http.ParseTime(ifUnmodSince); perr == nil {
				if lastModified.Truncate(time.Second).After(t.Truncate(time.Second)) {
					return false, s3err.ErrPreconditionFailed
				}
			}
		}
	}

	ifNoneMatch := r.Header.Get("x-amz-copy-source-if-none-match")
	if ifNoneMatch != "" && etagListContains(ifNoneMatch, objectETag) {
		return false, s3err.ErrPreconditionFailed
	}

	if ifNoneMatch == "" {
		if ifModSince := r.Header.Get("x-amz-copy-source-if-modified-since"); ifModSince != "" {
			if t, perr := http.ParseTime(ifModSince); perr == nil {
				if !lastModified.Truncate(time.Second).After(t.Truncate(time.Second)) {
					return false, s3err.ErrPreconditionFailed
				}
			}
		}
	}

	return true, nil
}

func etagListContains(header, target string) bool {
	if header == "*" {
		return true
	}
	for _, tag := range strings.Split(header, ",") {
		if strings.Trim(strings.TrimSpace(tag), `"`) == target {
			return true
		}
	}
	return false
}

// applyResponseOverrides applies response-* query parameter overrides to the
// response headers, used by GetObject to let clients rename content headers
// on the fly.
func applyResponseOverrides(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if v := q.Get("response-content-type"); v != "" {
		w.Header().Set("Content-Type", v)
	}
	if v := q.Get("response-content-language"); v != "" {
		w.Header().Set("Content-Language", v)
	}
	if v := q.Get("response-expires"); v != "" {
		w.Header().Set("Expires", v)
	}
	if v := q.Get("response-cache-control"); v != "" {
		w.Header().Set("Cache-Control", v)
	}
	if v := q.Get("response-content-disposition"); v != "" {
		w.Header().Set("Content-Disposition", v)
	}
	if v := q.Get("response-content-encoding"); v != "" {
		w.Header().Set("Content-Encoding", v)
	}
}
