package handlers

import (
	"net/http"
	"time"

	s3err "github.com/s3bunny/bunnygw/internal/errors"
	"github.com/s3bunny/bunnygw/internal/xmlutil"
)

// BucketHandler implements the service- and bucket-level S3 operations
// against the gateway's single Bunny storage zone. There is exactly one
// bucket per process (§3), named after the zone; every bucket-level
// operation either validates the request against that name or is a no-op.
type BucketHandler struct {
	zoneName     string
	ownerID      string
	ownerDisplay string
	region       string
	startedAt    time.Time
}

// NewBucketHandler creates a BucketHandler for the given storage zone name.
// startedAt is reported as the synthetic bucket's CreationDate.
func NewBucketHandler(zoneName, ownerID, ownerDisplay, region string, startedAt time.Time) *BucketHandler {
	return &BucketHandler{
		zoneName:     zoneName,
		ownerID:      ownerID,
		ownerDisplay: ownerDisplay,
		region:       region,
		startedAt:    startedAt,
	}
}

// ListBuckets handles GET / and returns the single synthetic bucket entry
// for the configured storage zone.
func (h *BucketHandler) ListBuckets(w http.ResponseWriter, r *http.Request) {
	result := &xmlutil.ListAllMyBucketsResult{
		Owner: xmlutil.Owner{
			ID:          h.ownerID,
			DisplayName: h.ownerDisplay,
		},
		Buckets: []xmlutil.Bucket{
			{Name: h.zoneName, CreationDate: xmlutil.FormatTimeS3(h.startedAt)},
		},
	}
	xmlutil.RenderListBuckets(w, result)
}

// HeadBucket handles HEAD /{bucket}. Any bucket name other than the
// configured zone does not exist.
func (h *BucketHandler) HeadBucket(w http.ResponseWriter, r *http.Request) {
	if extractBucketName(r) != h.zoneName {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetBucketLocation handles GET /{bucket}?location and reports the Bunny
// region as the bucket's location constraint.
func (h *BucketHandler) GetBucketLocation(w http.ResponseWriter, r *http.Request) {
	if extractBucketName(r) != h.zoneName {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}
	xmlutil.RenderLocationConstraint(w, h.region)
}

// CreateBucket handles PUT /{bucket}. Bucket creation is an accepted no-op
// (§1 Non-goals): the single zone bucket already exists for any name that
// matches it, and the gateway has no mechanism to provision a different
// Bunny storage zone on the fly.
func (h *BucketHandler) CreateBucket(w http.ResponseWriter, r *http.Request) {
	if extractBucketName(r) != h.zoneName {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}
	w.Header().Set("Location", "/"+h.zoneName)
	w.WriteHeader(http.StatusOK)
}

// DeleteBucket handles DELETE /{bucket}. Also an accepted no-op (§1
// Non-goals): the zone is never actually deleted.
func (h *BucketHandler) DeleteBucket(w http.ResponseWriter, r *http.Request) {
	if extractBucketName(r) != h.zoneName {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
