package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	s3err "github.com/s3bunny/bunnygw/internal/errors"
	"github.com/s3bunny/bunnygw/internal/multipart"
	"github.com/s3bunny/bunnygw/internal/xmlutil"
)

// MultipartHandler is a thin HTTP binding over multipart.Engine: it parses
// requests, delegates the actual part plumbing to the engine, and renders
// the engine's results as S3 XML.
type MultipartHandler struct {
	engine   *multipart.Engine
	zoneName string
}

// NewMultipartHandler creates a MultipartHandler bound to the given engine.
func NewMultipartHandler(engine *multipart.Engine, zoneName string) *MultipartHandler {
	return &MultipartHandler{engine: engine, zoneName: zoneName}
}

func (h *MultipartHandler) checkBucket(w http.ResponseWriter, r *http.Request) bool {
	if extractBucketName(r) != h.zoneName {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return false
	}
	return true
}

// CreateMultipartUpload handles POST /{bucket}/{key}?uploads.
func (h *MultipartHandler) CreateMultipartUpload(w http.ResponseWriter, r *http.Request) {
	if !h.checkBucket(w, r) {
		return
	}
	key := extractObjectKey(r)
	if key == "" || strings.HasPrefix(key, multipart.Prefix) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrAccessDenied)
		return
	}

	uploadID, err := h.engine.Create(r.Context(), key)
	if err != nil {
		slog.Debug("CreateMultipartUpload error", "key", key, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	xmlutil.RenderInitiateMultipartUpload(w, &xmlutil.InitiateMultipartUploadResult{
		Bucket:   h.zoneName,
		Key:      key,
		UploadID: uploadID,
	})
}

// UploadPart handles PUT /{bucket}/{key}?partNumber=N&uploadId=U.
func (h *MultipartHandler) UploadPart(w http.ResponseWriter, r *http.Request) {
	if !h.checkBucket(w, r) {
		return
	}
	key := extractObjectKey(r)
	if key == "" || strings.HasPrefix(key, multipart.Prefix) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrAccessDenied)
		return
	}

	q := r.URL.Query()
	uploadID := q.Get("uploadId")
	partNumber, perr := strconv.Atoi(q.Get("partNumber"))
	if uploadID == "" || perr != nil || partNumber < 1 || partNumber > 10000 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	etag, err := h.engine.UploadPart(r.Context(), uploadID, partNumber, r.Body, r.ContentLength)
	if err != nil {
		writeMultipartError(w, r, err)
		return
	}

	w.Header().Set("ETag", quoteETag(etag))
	w.WriteHeader(http.StatusOK)
}

// ListParts handles GET /{bucket}/{key}?uploadId=U.
func (h *MultipartHandler) ListParts(w http.ResponseWriter, r *http.Request) {
	if !h.checkBucket(w, r) {
		return
	}
	key := extractObjectKey(r)
	uploadID := r.URL.Query().Get("uploadId")
	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	parts, err := h.engine.ListParts(r.Context(), uploadID)
	if err != nil {
		writeMultipartError(w, r, err)
		return
	}

	result := &xmlutil.ListPartsResult{
		Bucket:      h.zoneName,
		Key:         key,
		UploadID:    uploadID,
		MaxParts:    10000,
		IsTruncated: false,
	}
	for _, p := range parts {
		result.Parts = append(result.Parts, xmlutil.Part{
			PartNumber: p.PartNumber,
			ETag:       quoteETag(p.ETag),
			Size:       p.Size,
		})
	}
	xmlutil.RenderListParts(w, result)
}

// CompleteMultipartUpload handles POST /{bucket}/{key}?uploadId=U.
func (h *MultipartHandler) CompleteMultipartUpload(w http.ResponseWriter, r *http.Request) {
	if !h.checkBucket(w, r) {
		return
	}
	key := extractObjectKey(r)
	uploadID := r.URL.Query().Get("uploadId")
	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	req, err := xmlutil.ParseCompleteMultipartUpload(r.Body)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}

	requested := make([]multipart.CompletedPart, len(req.Parts))
	for i, p := range req.Parts {
		requested[i] = multipart.CompletedPart{PartNumber: p.PartNumber, ETag: p.ETag}
	}

	etag, _, err := h.engine.Complete(r.Context(), key, uploadID, requested)
	if err != nil {
		writeMultipartError(w, r, err)
		return
	}

	xmlutil.RenderCompleteMultipartUpload(w, &xmlutil.CompleteMultipartUploadResult{
		Location: "/" + h.zoneName + "/" + key,
		Bucket:   h.zoneName,
		Key:      key,
		ETag:     quoteETag(etag),
	})
}

// AbortMultipartUpload handles DELETE /{bucket}/{key}?uploadId=U.
func (h *MultipartHandler) AbortMultipartUpload(w http.ResponseWriter, r *http.Request) {
	if !h.checkBucket(w, r) {
		return
	}
	uploadID := r.URL.Query().Get("uploadId")
	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	if err := h.engine.Abort(r.Context(), uploadID); err != nil {
		writeMultipartError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListMultipartUploads handles GET /{bucket}?uploads. Listing in-progress
// uploads would require scanning the entire reserved multipart prefix on
// every call with no way to distinguish stale from active uploads, so this
// operation is intentionally not implemented.
func (h *MultipartHandler) ListMultipartUploads(w http.ResponseWriter, r *http.Request) {
	xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
}

// writeMultipartError maps an error returned by multipart.Engine to an S3
// XML error response. Engine methods return *s3err.S3Error directly for
// known conditions (ErrNoSuchUpload, ErrInvalidPart, ...); anything else is
// an unexpected Bunny-side failure, logged here since it otherwise never
// surfaces past the generic InternalError response.
func writeMultipartError(w http.ResponseWriter, r *http.Request, err error) {
	if s3Err, ok := err.(*s3err.S3Error); ok {
		xmlutil.WriteErrorResponse(w, r, s3Err)
		return
	}
	slog.Debug("multipart engine error", "error", err)
	xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
}
