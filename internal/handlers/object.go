package handlers

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/s3bunny/bunnygw/internal/bunny"
	s3err "github.com/s3bunny/bunnygw/internal/errors"
	"github.com/s3bunny/bunnygw/internal/multipart"
	"github.com/s3bunny/bunnygw/internal/xmlutil"
)

// defaultMaxKeys is used when a listing request doesn't specify max-keys.
const defaultMaxKeys = 1000

// ObjectHandler implements the object-level S3 operations by translating
// each into one or more calls against a single Bunny storage zone.
type ObjectHandler struct {
	client   *bunny.Client
	zoneName string
}

// NewObjectHandler creates an ObjectHandler bound to the given Bunny client
// and zone name (used only to validate the bucket segment of each request).
func NewObjectHandler(client *bunny.Client, zoneName string) *ObjectHandler {
	return &ObjectHandler{client: client, zoneName: zoneName}
}

// checkBucket reports whether the request's bucket segment matches the
// configured zone, writing NoSuchBucket and returning false if not.
func (h *ObjectHandler) checkBucket(w http.ResponseWriter, r *http.Request) bool {
	if extractBucketName(r) != h.zoneName {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return false
	}
	return true
}

// quoteETag double-quotes a raw hex digest for use as an S3 ETag, the
// convention S3 clients expect both in headers and XML bodies. Returns
// empty if digest is empty, since the digest may be genuinely unknown
// (§9: Bunny does not return S3-shaped ETags for plain objects).
func quoteETag(digest string) string {
	if digest == "" {
		return ""
	}
	return `"` + strings.ToLower(digest) + `"`
}

// parseBunnyTime parses a timestamp as returned by Bunny, trying the HTTP
// date format first (the shape used by response headers) and falling back
// to RFC3339 (the shape used inside directory listing JSON).
func parseBunnyTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := http.ParseTime(s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Time{}
}

// PutObject handles PUT /{bucket}/{key} (single-shot upload, no copy-source
// and no partNumber/uploadId). The body is streamed directly into a single
// Bunny PUT while an MD5 digest is computed in front of it (§4.5); the
// computed digest becomes the ETag and, if the client supplied Content-MD5,
// is also compared against it.
func (h *ObjectHandler) PutObject(w http.ResponseWriter, r *http.Request) {
	if !h.checkBucket(w, r) {
		return
	}
	key := extractObjectKey(r)
	if key == "" || strings.HasPrefix(key, multipart.Prefix) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrAccessDenied)
		return
	}

	ctx := r.Context()
	result, err := h.client.Put(ctx, key, r.Body, r.ContentLength)
	if err != nil {
		slog.Debug("PutObject bunny error", "key", key, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	if contentMD5 := r.Header.Get("Content-MD5"); contentMD5 != "" {
		decoded, decErr := base64.StdEncoding.DecodeString(contentMD5)
		if decErr != nil || hex.EncodeToString(decoded) != result.MD5 {
			h.client.Delete(ctx, key) //nolint:errcheck
			xmlutil.WriteErrorResponse(w, r, s3err.ErrBadDigest)
			return
		}
	}

	w.Header().Set("ETag", quoteETag(result.MD5))
	w.WriteHeader(http.StatusOK)
}

// GetObject handles GET /{bucket}/{key}. It first HEADs the object to learn
// its ETag and LastModified (for conditional-header evaluation and response
// headers), then forwards the client's Range header verbatim to Bunny and
// streams the response body straight through (§4.5).
func (h *ObjectHandler) GetObject(w http.ResponseWriter, r *http.Request) {
	if !h.checkBucket(w, r) {
		return
	}
	key := extractObjectKey(r)
	if key == "" || strings.HasPrefix(key, multipart.Prefix) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
		return
	}

	ctx := r.Context()
	head, err := h.client.Head(ctx, key)
	if err != nil {
		slog.Debug("GetObject head error", "key", key, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if head.StatusCode == http.StatusNotFound {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
		return
	}
	if head.StatusCode != http.StatusOK {
		slog.Debug("GetObject head error", "key", key, "bunny_status", head.StatusCode)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	etag := quoteETag(head.Checksum)
	lastModified := parseBunnyTime(head.LastModified)

	if statusCode, skip := checkConditionalHeaders(r, etag, lastModified); skip {
		if etag != "" {
			w.Header().Set("ETag", etag)
		}
		w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(lastModified))
		if statusCode == http.StatusNotModified {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		xmlutil.WriteErrorResponse(w, r, s3err.ErrPreconditionFailed)
		return
	}

	res, err := h.client.Get(ctx, key, r.Header.Get("Range"))
	if err != nil {
		slog.Debug("GetObject error", "key", key, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, res.Body) //nolint:errcheck
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
		return
	}
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusPartialContent {
		io.Copy(io.Discard, res.Body) //nolint:errcheck
		slog.Debug("GetObject error", "key", key, "bunny_status", res.StatusCode)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	if etag != "" {
		w.Header().Set("ETag", etag)
	}
	w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(lastModified))
	w.Header().Set("Accept-Ranges", "bytes")
	if res.ContentType != "" {
		w.Header().Set("Content-Type", res.ContentType)
	}
	if res.ContentLength >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(res.ContentLength, 10))
	}
	if res.ContentRange != "" {
		w.Header().Set("Content-Range", res.ContentRange)
	}
	applyResponseOverrides(w, r)

	if res.StatusCode == http.StatusPartialContent {
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	io.Copy(w, res.Body) //nolint:errcheck
}

// HeadObject handles HEAD /{bucket}/{key}: identical metadata to GetObject
// but no body is ever fetched or written.
func (h *ObjectHandler) HeadObject(w http.ResponseWriter, r *http.Request) {
	if extractBucketName(r) != h.zoneName {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	key := extractObjectKey(r)
	if key == "" || strings.HasPrefix(key, multipart.Prefix) {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	ctx := r.Context()
	head, err := h.client.Head(ctx, key)
	if err != nil {
		slog.Debug("HeadObject error", "key", key, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if head.StatusCode != http.StatusOK {
		if head.StatusCode != http.StatusNotFound {
			slog.Debug("HeadObject error", "key", key, "bunny_status", head.StatusCode)
		}
		w.WriteHeader(http.StatusNotFound)
		return
	}

	etag := quoteETag(head.Checksum)
	lastModified := parseBunnyTime(head.LastModified)

	if statusCode, skip := checkConditionalHeaders(r, etag, lastModified); skip {
		if etag != "" {
			w.Header().Set("ETag", etag)
		}
		w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(lastModified))
		w.WriteHeader(statusCode)
		return
	}

	if etag != "" {
		w.Header().Set("ETag", etag)
	}
	w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(lastModified))
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Length", strconv.FormatInt(head.Size, 10))
	w.WriteHeader(http.StatusOK)
}

// DeleteObject handles DELETE /{bucket}/{key}. Idempotent per S3 semantics:
// a 404 from Bunny is translated to the usual 204 (§4.5, §8).
func (h *ObjectHandler) DeleteObject(w http.ResponseWriter, r *http.Request) {
	if !h.checkBucket(w, r) {
		return
	}
	key := extractObjectKey(r)
	if strings.HasPrefix(key, multipart.Prefix) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrAccessDenied)
		return
	}

	status, err := h.client.Delete(r.Context(), key)
	if err != nil {
		slog.Debug("DeleteObject error", "key", key, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if status != http.StatusOK && status != http.StatusNoContent && status != http.StatusNotFound {
		slog.Debug("DeleteObject error", "key", key, "bunny_status", status)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteObjects handles POST /{bucket}?delete, a batch delete of up to 1000
// keys. Each key is deleted independently; failures do not abort the batch
// (§4.5).
func (h *ObjectHandler) DeleteObjects(w http.ResponseWriter, r *http.Request) {
	if !h.checkBucket(w, r) {
		return
	}

	var req xmlutil.DeleteRequest
	if err := xml.NewDecoder(r.Body).Decode(&req); err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}

	ctx := r.Context()
	result := &xmlutil.DeleteResult{}
	for _, obj := range req.Objects {
		if strings.HasPrefix(obj.Key, multipart.Prefix) {
			result.Errors = append(result.Errors, xmlutil.DeleteError{
				Key: obj.Key, Code: "AccessDenied", Message: "Access Denied",
			})
			continue
		}
		status, err := h.client.Delete(ctx, obj.Key)
		if err != nil || (status != http.StatusOK && status != http.StatusNoContent && status != http.StatusNotFound) {
			slog.Debug("DeleteObjects error", "key", obj.Key, "error", err, "bunny_status", status)
			result.Errors = append(result.Errors, xmlutil.DeleteError{
				Key: obj.Key, Code: "InternalError", Message: "We encountered an internal error. Please try again.",
			})
			continue
		}
		if !req.Quiet {
			result.Deleted = append(result.Deleted, xmlutil.DeletedItem{Key: obj.Key})
		}
	}
	xmlutil.RenderDeleteResult(w, result)
}

// CopyObject handles PUT /{bucket}/{key} with an X-Amz-Copy-Source header.
// The source is GETed and piped directly into the destination PUT without
// buffering the whole object (§4.5).
func (h *ObjectHandler) CopyObject(w http.ResponseWriter, r *http.Request) {
	if !h.checkBucket(w, r) {
		return
	}
	dstKey := extractObjectKey(r)
	if dstKey == "" || strings.HasPrefix(dstKey, multipart.Prefix) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrAccessDenied)
		return
	}

	srcBucket, srcKey, ok := parseCopySource(r.Header.Get("X-Amz-Copy-Source"))
	if !ok {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}
	if srcBucket != h.zoneName {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}
	if strings.HasPrefix(srcKey, multipart.Prefix) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
		return
	}

	ctx := r.Context()
	srcHead, err := h.client.Head(ctx, srcKey)
	if err != nil {
		slog.Debug("CopyObject source head error", "key", srcKey, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if srcHead.StatusCode != http.StatusOK {
		if srcHead.StatusCode != http.StatusNotFound {
			slog.Debug("CopyObject source head error", "key", srcKey, "bunny_status", srcHead.StatusCode)
		}
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
		return
	}

	srcETag := quoteETag(srcHead.Checksum)
	srcLastModified := parseBunnyTime(srcHead.LastModified)
	if proceed, s3Err := checkCopySourceConditionals(r, srcETag, srcLastModified); !proceed {
		xmlutil.WriteErrorResponse(w, r, s3Err)
		return
	}

	srcRes, err := h.client.Get(ctx, srcKey, "")
	if err != nil {
		slog.Debug("CopyObject source get error", "key", srcKey, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	defer srcRes.Body.Close()
	if srcRes.StatusCode != http.StatusOK {
		io.Copy(io.Discard, srcRes.Body) //nolint:errcheck
		slog.Debug("CopyObject source get error", "key", srcKey, "bunny_status", srcRes.StatusCode)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
		return
	}

	putResult, err := h.client.Put(ctx, dstKey, srcRes.Body, srcRes.ContentLength)
	if err != nil {
		slog.Debug("CopyObject dest put error", "key", dstKey, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	result := &xmlutil.CopyObjectResult{
		LastModified: xmlutil.FormatTimeS3(time.Now()),
		ETag:         quoteETag(putResult.MD5),
	}
	xmlutil.RenderCopyObject(w, result)
}

// listEntry is an internal, pre-sort representation of either a Contents
// row or a CommonPrefixes row, keyed so both kinds can be merged into one
// lexicographically ordered pagination stream.
type listEntry struct {
	key      string
	isPrefix bool
	object   xmlutil.Object
	prefix   xmlutil.CommonPrefix
}

// splitPrefixDir splits a listing prefix into the directory to list on
// Bunny and the name filter to apply to entries found there, per §4.5
// ("strip the trailing non-'/' segment as a name filter").
func splitPrefixDir(prefix string) (dir, nameFilter string) {
	idx := strings.LastIndexByte(prefix, '/')
	if idx < 0 {
		return "", prefix
	}
	return prefix[:idx+1], prefix[idx+1:]
}

// collectDelimited lists exactly one directory level under prefix, turning
// subdirectories into CommonPrefixes and files into Contents (the
// delimiter=="/" case, §4.5).
func (h *ObjectHandler) collectDelimited(ctx context.Context, prefix string) ([]listEntry, error) {
	dir, nameFilter := splitPrefixDir(prefix)
	entries, err := h.client.List(ctx, dir)
	if err != nil {
		return nil, err
	}

	var out []listEntry
	for _, e := range entries {
		name := strings.TrimSuffix(e.ObjectName, "/")
		if nameFilter != "" && !strings.HasPrefix(name, nameFilter) {
			continue
		}
		fullKey := dir + name
		if e.IsDirectory {
			cp := fullKey + "/"
			if strings.HasPrefix(cp, multipart.Prefix) {
				continue
			}
			out = append(out, listEntry{key: cp, isPrefix: true, prefix: xmlutil.CommonPrefix{Prefix: cp}})
			continue
		}
		if strings.HasPrefix(fullKey, multipart.Prefix) {
			continue
		}
		out = append(out, listEntry{key: fullKey, object: xmlutil.Object{
			Key:          fullKey,
			LastModified: xmlutil.FormatTimeS3(parseBunnyTime(e.LastChanged)),
			ETag:         quoteETag(e.Checksum),
			Size:         e.Length,
			StorageClass: "STANDARD",
		}})
	}
	return out, nil
}

// collectRecursive descends the whole subtree under prefix's directory,
// depth-first, returning every file whose full key matches prefix (the
// no-delimiter case, §4.5). Keys under the reserved multipart prefix are
// never descended into or emitted.
func (h *ObjectHandler) collectRecursive(ctx context.Context, prefix string) ([]listEntry, error) {
	dir, _ := splitPrefixDir(prefix)
	var out []listEntry
	if err := h.walkDir(ctx, dir, prefix, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (h *ObjectHandler) walkDir(ctx context.Context, dir, prefix string, out *[]listEntry) error {
	entries, err := h.client.List(ctx, dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := strings.TrimSuffix(e.ObjectName, "/")
		fullKey := dir + name
		if e.IsDirectory {
			subdir := fullKey + "/"
			if strings.HasPrefix(subdir, multipart.Prefix) {
				continue
			}
			// Only descend where the subtree could still contain a match.
			if !strings.HasPrefix(subdir, prefix) && !strings.HasPrefix(prefix, subdir) {
				continue
			}
			if err := h.walkDir(ctx, subdir, prefix, out); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(fullKey, multipart.Prefix) {
			continue
		}
		if !strings.HasPrefix(fullKey, prefix) {
			continue
		}
		*out = append(*out, listEntry{key: fullKey, object: xmlutil.Object{
			Key:          fullKey,
			LastModified: xmlutil.FormatTimeS3(parseBunnyTime(e.LastChanged)),
			ETag:         quoteETag(e.Checksum),
			Size:         e.Length,
			StorageClass: "STANDARD",
		}})
	}
	return nil
}

// paginate sorts entries lexicographically by key, drops everything up to
// and including resumeAfter, and truncates to maxKeys, reporting whether
// more results remain and the key to resume from.
func paginate(entries []listEntry, resumeAfter string, maxKeys int) (page []listEntry, isTruncated bool, nextMarker string) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	start := 0
	if resumeAfter != "" {
		start = sort.Search(len(entries), func(i int) bool { return entries[i].key > resumeAfter })
	}
	entries = entries[start:]

	if maxKeys <= 0 {
		return nil, len(entries) > 0, ""
	}
	if len(entries) > maxKeys {
		return entries[:maxKeys], true, entries[maxKeys-1].key
	}
	return entries, false, ""
}

func encodeContinuationToken(key string) string {
	if key == "" {
		return ""
	}
	return base64.StdEncoding.EncodeToString([]byte(key))
}

func decodeContinuationToken(token string) string {
	if token == "" {
		return ""
	}
	decoded, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return ""
	}
	return string(decoded)
}

// ListObjectsV2 handles GET /{bucket}?list-type=2 (§4.5).
func (h *ObjectHandler) ListObjectsV2(w http.ResponseWriter, r *http.Request) {
	if !h.checkBucket(w, r) {
		return
	}
	ctx := r.Context()
	q := r.URL.Query()
	prefix := q.Get("prefix")
	delimiter := q.Get("delimiter")
	encodingType := q.Get("encoding-type")
	continuationToken := q.Get("continuation-token")
	startAfter := q.Get("start-after")

	maxKeys := defaultMaxKeys
	if mk := q.Get("max-keys"); mk != "" {
		if v, err := strconv.Atoi(mk); err == nil && v >= 0 {
			maxKeys = v
		}
	}

	var entries []listEntry
	var err error
	if delimiter == "/" {
		entries, err = h.collectDelimited(ctx, prefix)
	} else {
		entries, err = h.collectRecursive(ctx, prefix)
	}
	if err != nil {
		slog.Debug("ListObjectsV2 error", "prefix", prefix, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	resumeAfter := decodeContinuationToken(continuationToken)
	if resumeAfter == "" {
		resumeAfter = startAfter
	}
	page, isTruncated, nextKey := paginate(entries, resumeAfter, maxKeys)

	result := &xmlutil.ListBucketV2Result{
		Name:              h.zoneName,
		Prefix:            prefix,
		Delimiter:         delimiter,
		EncodingType:      encodingType,
		StartAfter:        startAfter,
		ContinuationToken: continuationToken,
		MaxKeys:           maxKeys,
		KeyCount:          len(page),
		IsTruncated:       isTruncated,
	}
	if isTruncated {
		result.NextContinuationToken = encodeContinuationToken(nextKey)
	}
	for _, e := range page {
		if e.isPrefix {
			result.CommonPrefixes = append(result.CommonPrefixes, xmlutil.CommonPrefix{
				Prefix: xmlutil.EncodeKeyURL(e.prefix.Prefix, encodingType),
			})
			continue
		}
		obj := e.object
		obj.Key = xmlutil.EncodeKeyURL(obj.Key, encodingType)
		result.Contents = append(result.Contents, obj)
	}
	xmlutil.RenderListObjectsV2(w, result)
}

// ListObjects handles GET /{bucket} (no list-type query parameter): the V1
// listing API, kept for older clients. Shares the same walk/paginate logic
// as ListObjectsV2, keyed off Marker instead of a continuation token.
func (h *ObjectHandler) ListObjects(w http.ResponseWriter, r *http.Request) {
	if !h.checkBucket(w, r) {
		return
	}
	ctx := r.Context()
	q := r.URL.Query()
	prefix := q.Get("prefix")
	delimiter := q.Get("delimiter")
	marker := q.Get("marker")
	encodingType := q.Get("encoding-type")

	maxKeys := defaultMaxKeys
	if mk := q.Get("max-keys"); mk != "" {
		if v, err := strconv.Atoi(mk); err == nil && v >= 0 {
			maxKeys = v
		}
	}

	var entries []listEntry
	var err error
	if delimiter == "/" {
		entries, err = h.collectDelimited(ctx, prefix)
	} else {
		entries, err = h.collectRecursive(ctx, prefix)
	}
	if err != nil {
		slog.Debug("ListObjects error", "prefix", prefix, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	page, isTruncated, nextKey := paginate(entries, marker, maxKeys)

	result := &xmlutil.ListBucketResult{
		Name:         h.zoneName,
		Prefix:       prefix,
		Marker:       marker,
		Delimiter:    delimiter,
		EncodingType: encodingType,
		MaxKeys:      maxKeys,
		IsTruncated:  isTruncated,
	}
	if isTruncated {
		result.NextMarker = nextKey
	}
	for _, e := range page {
		if e.isPrefix {
			result.CommonPrefixes = append(result.CommonPrefixes, xmlutil.CommonPrefix{
				Prefix: xmlutil.EncodeKeyURL(e.prefix.Prefix, encodingType),
			})
			continue
		}
		obj := e.object
		obj.Key = xmlutil.EncodeKeyURL(obj.Key, encodingType)
		result.Contents = append(result.Contents, obj)
	}
	xmlutil.RenderListObjects(w, result)
}
