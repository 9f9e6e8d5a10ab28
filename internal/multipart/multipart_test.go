package multipart

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/s3bunny/bunnygw/internal/bunny"
	s3err "github.com/s3bunny/bunnygw/internal/errors"
)

func TestNewUploadIDFormat(t *testing.T) {
	id := NewUploadID()
	if id == "" {
		t.Fatal("NewUploadID returned empty string")
	}
	if strings.ToLower(id) != id {
		t.Errorf("NewUploadID() = %q, want all-lowercase", id)
	}
	if strings.Contains(id, "/") || strings.Contains(id, "=") {
		t.Errorf("NewUploadID() = %q, should not contain '/' or padding '='", id)
	}
	if id2 := NewUploadID(); id2 == id {
		t.Error("two calls to NewUploadID returned the same value")
	}
}

func TestKeyLayout(t *testing.T) {
	if got := uploadDir("abc"); got != "__multipart/abc" {
		t.Errorf("uploadDir = %q, want %q", got, "__multipart/abc")
	}
	if got := metaKey("abc"); got != "__multipart/abc/_meta" {
		t.Errorf("metaKey = %q, want %q", got, "__multipart/abc/_meta")
	}
	if got := partKey("abc", 3); got != "__multipart/abc/3" {
		t.Errorf("partKey = %q, want %q", got, "__multipart/abc/3")
	}
}

func TestTrimQuotes(t *testing.T) {
	tests := []struct{ in, want string }{
		{`"abc"`, "abc"},
		{"abc", "abc"},
		{`"`, `"`},
		{"", ""},
	}
	for _, tt := range tests {
		if got := trimQuotes(tt.in); got != tt.want {
			t.Errorf("trimQuotes(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// newTestEngine builds an Engine whose Get/Delete/List calls are served by
// mux. Create/UploadPart/Complete's Put calls always dial Bunny over a real
// TLS connection regardless of the injected client (see bunny.Client.Put),
// so only operations whose I/O is confined to Get/Delete/List are exercised
// against mux here.
func newTestEngine(t *testing.T, mux http.Handler) *Engine {
	t.Helper()
	ts := httptest.NewTLSServer(mux)
	t.Cleanup(ts.Close)
	hostname := strings.TrimPrefix(ts.URL, "https://")
	client := bunny.NewWithClient(hostname, "myzone", "test-key", ts.Client())
	return New(client)
}

func metaJSON(t *testing.T, doc metaDoc) []byte {
	t.Helper()
	b, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal metaDoc: %v", err)
	}
	return b
}

func TestListPartsSuccess(t *testing.T) {
	const uploadID = "testupload123"
	doc := metaDoc{
		Key:       "dst/object.bin",
		CreatedAt: time.Now().UTC(),
		Parts: map[string]metaPart{
			"2": {ETag: "etag2", Size: 10},
			"1": {ETag: "etag1", Size: 20},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/myzone/"+metaKey(uploadID), func(w http.ResponseWriter, r *http.Request) {
		w.Write(metaJSON(t, doc))
	})

	e := newTestEngine(t, mux)
	parts, err := e.ListParts(t.Context(), uploadID)
	if err != nil {
		t.Fatalf("ListParts: %v", err)
	}
	if len(parts) != 2 {
		t.Fatalf("len(parts) = %d, want 2", len(parts))
	}
	if parts[0].PartNumber != 1 || parts[1].PartNumber != 2 {
		t.Errorf("parts not sorted ascending: %+v", parts)
	}
	if parts[0].ETag != "etag1" || parts[0].Size != 20 {
		t.Errorf("parts[0] = %+v, want ETag=etag1 Size=20", parts[0])
	}
}

func TestListPartsNoSuchUpload(t *testing.T) {
	const uploadID = "missing-upload"
	mux := http.NewServeMux()
	mux.HandleFunc("/myzone/"+metaKey(uploadID), func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	e := newTestEngine(t, mux)
	_, err := e.ListParts(t.Context(), uploadID)
	if err != s3err.ErrNoSuchUpload {
		t.Errorf("err = %v, want %v", err, s3err.ErrNoSuchUpload)
	}
}

func TestAbortSuccess(t *testing.T) {
	const uploadID = "abortme"
	doc := metaDoc{Key: "k", CreatedAt: time.Now().UTC(), Parts: map[string]metaPart{"1": {ETag: "e", Size: 5}}}

	var deletedKeys []string
	mux := http.NewServeMux()
	mux.HandleFunc("/myzone/"+metaKey(uploadID), func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			deletedKeys = append(deletedKeys, r.URL.Path)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Write(metaJSON(t, doc))
	})
	mux.HandleFunc("/myzone/"+uploadDir(uploadID)+"/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"ObjectName": "1", "IsDirectory": false, "Length": 5}]`))
	})
	mux.HandleFunc("/myzone/"+partKey(uploadID, 1), func(w http.ResponseWriter, r *http.Request) {
		deletedKeys = append(deletedKeys, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})

	e := newTestEngine(t, mux)
	if err := e.Abort(t.Context(), uploadID); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if len(deletedKeys) != 2 {
		t.Errorf("deleted %d keys, want 2: %v", len(deletedKeys), deletedKeys)
	}
}

func TestAbortNoSuchUpload(t *testing.T) {
	const uploadID = "never-existed"
	mux := http.NewServeMux()
	mux.HandleFunc("/myzone/"+metaKey(uploadID), func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	e := newTestEngine(t, mux)
	if err := e.Abort(t.Context(), uploadID); err != s3err.ErrNoSuchUpload {
		t.Errorf("err = %v, want %v", err, s3err.ErrNoSuchUpload)
	}
}

func TestCompleteValidation(t *testing.T) {
	const uploadID = "completeval"
	doc := metaDoc{
		Key: "dst",
		Parts: map[string]metaPart{
			"1": {ETag: "etag1", Size: MinPartSize},
			"2": {ETag: "etag2", Size: 100},
		},
	}

	newEngine := func(t *testing.T) *Engine {
		mux := http.NewServeMux()
		mux.HandleFunc("/myzone/"+metaKey(uploadID), func(w http.ResponseWriter, r *http.Request) {
			w.Write(metaJSON(t, doc))
		})
		return newTestEngine(t, mux)
	}

	t.Run("empty parts list", func(t *testing.T) {
		e := newEngine(t)
		_, _, err := e.Complete(t.Context(), "dst", uploadID, nil)
		if err != s3err.ErrMalformedXML {
			t.Errorf("err = %v, want %v", err, s3err.ErrMalformedXML)
		}
	})

	t.Run("out of order parts", func(t *testing.T) {
		e := newEngine(t)
		requested := []CompletedPart{{PartNumber: 2, ETag: "etag2"}, {PartNumber: 1, ETag: "etag1"}}
		_, _, err := e.Complete(t.Context(), "dst", uploadID, requested)
		if err != s3err.ErrInvalidPartOrder {
			t.Errorf("err = %v, want %v", err, s3err.ErrInvalidPartOrder)
		}
	})

	t.Run("unknown part number", func(t *testing.T) {
		e := newEngine(t)
		requested := []CompletedPart{{PartNumber: 9, ETag: "etag9"}}
		_, _, err := e.Complete(t.Context(), "dst", uploadID, requested)
		if err != s3err.ErrInvalidPart {
			t.Errorf("err = %v, want %v", err, s3err.ErrInvalidPart)
		}
	})

	t.Run("etag mismatch", func(t *testing.T) {
		e := newEngine(t)
		requested := []CompletedPart{{PartNumber: 1, ETag: "wrong-etag"}}
		_, _, err := e.Complete(t.Context(), "dst", uploadID, requested)
		if err != s3err.ErrInvalidPart {
			t.Errorf("err = %v, want %v", err, s3err.ErrInvalidPart)
		}
	})

	t.Run("non-final part below minimum size", func(t *testing.T) {
		// Part 1 (100 bytes) is not the last requested part here, so it must
		// meet MinPartSize and does not.
		small := metaDoc{
			Key: "dst",
			Parts: map[string]metaPart{
				"1": {ETag: "etag1", Size: 100},
				"2": {ETag: "etag2", Size: 100},
			},
		}
		mux := http.NewServeMux()
		mux.HandleFunc("/myzone/"+metaKey(uploadID), func(w http.ResponseWriter, r *http.Request) {
			w.Write(metaJSON(t, small))
		})
		e := newTestEngine(t, mux)
		requested := []CompletedPart{{PartNumber: 1, ETag: "etag1"}, {PartNumber: 2, ETag: "etag2"}}
		_, _, err := e.Complete(t.Context(), "dst", uploadID, requested)
		if err != s3err.ErrEntityTooSmall {
			t.Errorf("err = %v, want %v", err, s3err.ErrEntityTooSmall)
		}
	})

	t.Run("no such upload", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/myzone/"+metaKey("ghost"), func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
		e := newTestEngine(t, mux)
		_, _, err := e.Complete(t.Context(), "dst", "ghost", []CompletedPart{{PartNumber: 1, ETag: "x"}})
		if err != s3err.ErrNoSuchUpload {
			t.Errorf("err = %v, want %v", err, s3err.ErrNoSuchUpload)
		}
	})
}
