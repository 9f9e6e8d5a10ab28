// Package multipart synthesises S3 multipart-upload semantics on top of
// Bunny's flat PUT/GET/DELETE/LIST surface. All coordination state lives on
// Bunny itself, under the reserved key prefix "__multipart/{upload_id}/", so
// the gateway stays process-stateless.
package multipart

import (
	"context"
	"encoding/base32"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/s3bunny/bunnygw/internal/bunny"
	s3err "github.com/s3bunny/bunnygw/internal/errors"
	"github.com/s3bunny/bunnygw/internal/xmlutil"
)

// Prefix is the reserved key prefix under which all multipart coordination
// state lives. Keys beginning with this prefix are never directly
// addressable by clients and are filtered out of ListObjectsV2.
const Prefix = "__multipart/"

// MinPartSize is the minimum size, in bytes, any part but the last must have.
const MinPartSize = 5 << 20 // 5 MiB

const metaObjectName = "_meta"

// Engine implements the multipart upload lifecycle against a single Bunny
// storage zone.
type Engine struct {
	client *bunny.Client
}

// New creates a multipart Engine bound to the given Bunny client.
func New(client *bunny.Client) *Engine {
	return &Engine{client: client}
}

// metaDoc is the JSON document stored at "__multipart/{upload_id}/_meta".
type metaDoc struct {
	Key       string               `json:"key"`
	CreatedAt time.Time            `json:"created_at"`
	Parts     map[string]metaPart  `json:"parts"`
}

type metaPart struct {
	ETag string `json:"etag"`
	Size int64  `json:"size"`
}

func uploadDir(uploadID string) string {
	return Prefix + uploadID
}

func metaKey(uploadID string) string {
	return uploadDir(uploadID) + "/" + metaObjectName
}

func partKey(uploadID string, partNumber int) string {
	return fmt.Sprintf("%s/%d", uploadDir(uploadID), partNumber)
}

// NewUploadID mints a fresh random 128-bit identifier, rendered as
// unpadded URL-safe base32 (no slashes, safe to embed in a Bunny path
// segment).
func NewUploadID() string {
	id := uuid.New()
	return strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(id[:]))
}

// Create writes the initial empty-parts metadata document for a new upload
// of key and returns the minted upload ID.
func (e *Engine) Create(ctx context.Context, key string) (string, error) {
	uploadID := NewUploadID()
	doc := metaDoc{
		Key:       key,
		CreatedAt: time.Now().UTC(),
		Parts:     make(map[string]metaPart),
	}
	if err := e.writeMeta(ctx, uploadID, &doc); err != nil {
		return "", err
	}
	return uploadID, nil
}

// readMeta reads and decodes the metadata document for uploadID. Returns
// (nil, nil) if the upload does not exist.
func (e *Engine) readMeta(ctx context.Context, uploadID string) (*metaDoc, error) {
	res, err := e.client.Get(ctx, metaKey(uploadID), "")
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode == 404 {
		io.Copy(io.Discard, res.Body) //nolint:errcheck
		return nil, nil
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		io.Copy(io.Discard, res.Body) //nolint:errcheck
		return nil, &bunny.StatusError{Op: "GET", Key: metaKey(uploadID), StatusCode: res.StatusCode}
	}

	var doc metaDoc
	if err := json.NewDecoder(res.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding multipart meta for %q: %w", uploadID, err)
	}
	if doc.Parts == nil {
		doc.Parts = make(map[string]metaPart)
	}
	return &doc, nil
}

func (e *Engine) writeMeta(ctx context.Context, uploadID string, doc *metaDoc) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = e.client.Put(ctx, metaKey(uploadID), strings.NewReader(string(data)), int64(len(data)))
	return err
}

// UploadPart streams body into part partNumber of uploadID, then
// read-modifies-writes the meta document to record its ETag and size. On a
// concurrent race between two UploadPart calls for the same part number, the
// last writer's bytes and the last writer's meta entry win.
func (e *Engine) UploadPart(ctx context.Context, uploadID string, partNumber int, body io.Reader, size int64) (etag string, err error) {
	doc, err := e.readMeta(ctx, uploadID)
	if err != nil {
		return "", err
	}
	if doc == nil {
		return "", s3err.ErrNoSuchUpload
	}

	result, err := e.client.Put(ctx, partKey(uploadID, partNumber), body, size)
	if err != nil {
		return "", err
	}

	doc, err = e.readMeta(ctx, uploadID)
	if err != nil {
		return "", err
	}
	if doc == nil {
		// Upload was aborted mid-write; the part we just wrote is orphaned
		// and will be cleaned up the next time this upload ID space is
		// reused, or never, since upload IDs are never reused.
		return "", s3err.ErrNoSuchUpload
	}
	doc.Parts[strconv.Itoa(partNumber)] = metaPart{ETag: result.MD5, Size: size}
	if err := e.writeMeta(ctx, uploadID, doc); err != nil {
		return "", err
	}

	return result.MD5, nil
}

// Part is one entry of a ListParts response, sorted ascending by number.
type Part struct {
	PartNumber int
	ETag       string
	Size       int64
}

// ListParts returns every part recorded in uploadID's meta document, sorted
// ascending by part number.
func (e *Engine) ListParts(ctx context.Context, uploadID string) ([]Part, error) {
	doc, err := e.readMeta(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, s3err.ErrNoSuchUpload
	}

	parts := make([]Part, 0, len(doc.Parts))
	for numStr, p := range doc.Parts {
		num, convErr := strconv.Atoi(numStr)
		if convErr != nil {
			continue
		}
		parts = append(parts, Part{PartNumber: num, ETag: p.ETag, Size: p.Size})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

// CompletedPart identifies one part by number and the ETag the client
// believes it has, as supplied in the CompleteMultipartUpload request body.
type CompletedPart struct {
	PartNumber int
	ETag       string
}

// Complete validates the requested parts against the meta document, then
// streams their concatenation — in the client-requested order, one Bunny GET
// piped into a single outbound PUT — to key. On success it deletes the
// upload's coordination state (best-effort) and returns the composite ETag
// and total size.
func (e *Engine) Complete(ctx context.Context, key, uploadID string, requested []CompletedPart) (etag string, size int64, err error) {
	doc, err := e.readMeta(ctx, uploadID)
	if err != nil {
		return "", 0, err
	}
	if doc == nil {
		return "", 0, s3err.ErrNoSuchUpload
	}
	if len(requested) == 0 {
		return "", 0, s3err.ErrMalformedXML
	}

	for i := 1; i < len(requested); i++ {
		if requested[i].PartNumber <= requested[i-1].PartNumber {
			return "", 0, s3err.ErrInvalidPartOrder
		}
	}

	var totalSize int64
	partETags := make([]string, len(requested))
	for i, rp := range requested {
		stored, ok := doc.Parts[strconv.Itoa(rp.PartNumber)]
		if !ok {
			return "", 0, s3err.ErrInvalidPart
		}
		if trimQuotes(stored.ETag) != trimQuotes(rp.ETag) {
			return "", 0, s3err.ErrInvalidPart
		}
		if i < len(requested)-1 && stored.Size < MinPartSize {
			return "", 0, s3err.ErrEntityTooSmall
		}
		partETags[i] = stored.ETag
		totalSize += stored.Size
	}

	compositeETag, err := xmlutil.CompositeETag(partETags)
	if err != nil {
		return "", 0, err
	}

	pr, pw := io.Pipe()
	pumpErr := make(chan error, 1)
	go func() {
		defer pw.Close()
		for _, rp := range requested {
			res, getErr := e.client.Get(ctx, partKey(uploadID, rp.PartNumber), "")
			if getErr != nil {
				pumpErr <- getErr
				return
			}
			if res.StatusCode < 200 || res.StatusCode >= 300 {
				res.Body.Close()
				pumpErr <- &bunny.StatusError{Op: "GET", Key: partKey(uploadID, rp.PartNumber), StatusCode: res.StatusCode}
				return
			}
			_, copyErr := io.Copy(pw, res.Body)
			res.Body.Close()
			if copyErr != nil {
				pumpErr <- copyErr
				return
			}
		}
		pumpErr <- nil
	}()

	putResult, err := e.client.Put(ctx, key, pr, totalSize)
	if err != nil {
		return "", 0, err
	}
	if pumpErrVal := <-pumpErr; pumpErrVal != nil {
		return "", 0, pumpErrVal
	}
	_ = putResult // the single-part MD5 is not the object's ETag for a multipart object

	e.cleanup(ctx, uploadID, requested)

	return compositeETag, totalSize, nil
}

// cleanup best-effort deletes every part object plus the meta document.
// Failures are swallowed: the final object is already durable, and nothing
// in the multipart protocol depends on this succeeding.
func (e *Engine) cleanup(ctx context.Context, uploadID string, parts []CompletedPart) {
	for _, p := range parts {
		e.client.Delete(ctx, partKey(uploadID, p.PartNumber)) //nolint:errcheck
	}
	e.client.Delete(ctx, metaKey(uploadID)) //nolint:errcheck
}

// Abort lists every object under the upload's directory and deletes each,
// including the meta document. A 404 on any individual delete is treated as
// success (idempotent).
func (e *Engine) Abort(ctx context.Context, uploadID string) error {
	doc, err := e.readMeta(ctx, uploadID)
	if err != nil {
		return err
	}
	if doc == nil {
		return s3err.ErrNoSuchUpload
	}

	entries, err := e.client.List(ctx, uploadDir(uploadID))
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDirectory {
			continue
		}
		key := uploadDir(uploadID) + "/" + entry.ObjectName
		if status, delErr := e.client.Delete(ctx, key); delErr != nil {
			return delErr
		} else if status != 200 && status != 204 && status != 404 {
			return &bunny.StatusError{Op: "DELETE", Key: key, StatusCode: status}
		}
	}
	// The meta document itself may not appear in the directory listing
	// depending on how Bunny renders it; delete it explicitly too.
	if status, delErr := e.client.Delete(ctx, metaKey(uploadID)); delErr != nil {
		return delErr
	} else if status != 200 && status != 204 && status != 404 {
		return &bunny.StatusError{Op: "DELETE", Key: metaKey(uploadID), StatusCode: status}
	}
	return nil
}

func trimQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
