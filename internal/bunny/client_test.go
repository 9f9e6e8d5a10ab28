package bunny

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// newTestClient points a Client at ts using ts's own trusting HTTP client,
// so Get/Delete/List/Head exercise real HTTP round trips without a network
// dependency. Put is not exercised this way since it always builds its own
// transport (see Put's doc comment).
func newTestClient(ts *httptest.Server) *Client {
	hostname := strings.TrimPrefix(ts.URL, "https://")
	return NewWithClient(hostname, "myzone", "test-access-key", ts.Client())
}

func TestClientGet(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("AccessKey"); got != "test-access-key" {
			t.Errorf("AccessKey header = %q, want %q", got, "test-access-key")
		}
		if r.URL.Path != "/myzone/dir/file.txt" {
			t.Errorf("path = %q, want %q", r.URL.Path, "/myzone/dir/file.txt")
		}
		w.Header().Set("Checksum", "abc123")
		w.Header().Set("Last-Modified", "Mon, 02 Jan 2006 15:04:05 GMT")
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	}))
	defer ts.Close()

	c := newTestClient(ts)
	res, err := c.Get(t.Context(), "dir/file.txt", "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if res.Checksum != "abc123" {
		t.Errorf("Checksum = %q, want %q", res.Checksum, "abc123")
	}
}

func TestClientGetRangePassthrough(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Range"); got != "bytes=0-99" {
			t.Errorf("Range header = %q, want %q", got, "bytes=0-99")
		}
		w.Header().Set("Content-Range", "bytes 0-99/500")
		w.WriteHeader(http.StatusPartialContent)
	}))
	defer ts.Close()

	c := newTestClient(ts)
	res, err := c.Get(t.Context(), "key", "bytes=0-99")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusPartialContent {
		t.Errorf("StatusCode = %d, want %d", res.StatusCode, http.StatusPartialContent)
	}
	if res.ContentRange != "bytes 0-99/500" {
		t.Errorf("ContentRange = %q, want %q", res.ContentRange, "bytes 0-99/500")
	}
}

func TestClientGetNotFound(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	c := newTestClient(ts)
	res, err := c.Get(t.Context(), "missing", "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestClientDelete(t *testing.T) {
	tests := []struct {
		name       string
		srvStatus  int
		wantStatus int
	}{
		{"existing object", http.StatusOK, http.StatusOK},
		{"already gone", http.StatusNotFound, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodDelete {
					t.Errorf("method = %q, want DELETE", r.Method)
				}
				w.WriteHeader(tt.srvStatus)
			}))
			defer ts.Close()

			c := newTestClient(ts)
			status, err := c.Delete(t.Context(), "key")
			if err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if status != tt.wantStatus {
				t.Errorf("status = %d, want %d", status, tt.wantStatus)
			}
		})
	}
}

func TestClientList(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/") {
			t.Errorf("list path %q should end in /", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"ObjectName": "sub", "IsDirectory": true, "Length": 0},
			{"ObjectName": "file.txt", "IsDirectory": false, "Length": 42, "Checksum": "deadbeef"}
		]`))
	}))
	defer ts.Close()

	c := newTestClient(ts)
	entries, err := c.List(t.Context(), "prefix/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if !entries[0].IsDirectory || entries[0].ObjectName != "sub" {
		t.Errorf("entries[0] = %+v, want directory %q", entries[0], "sub")
	}
	if entries[1].Length != 42 || entries[1].Checksum != "deadbeef" {
		t.Errorf("entries[1] = %+v, want Length=42 Checksum=deadbeef", entries[1])
	}
}

func TestClientListNotFoundReturnsEmpty(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	c := newTestClient(ts)
	entries, err := c.List(t.Context(), "missing/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if entries != nil {
		t.Errorf("entries = %+v, want nil", entries)
	}
}

func TestClientHead(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Range"); got != "bytes=0-0" {
			t.Errorf("Range header = %q, want %q", got, "bytes=0-0")
		}
		w.Header().Set("Content-Range", "bytes 0-0/1024")
		w.Header().Set("Checksum", "xyz")
		w.Header().Set("Last-Modified", "Mon, 02 Jan 2006 15:04:05 GMT")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte{0})
	}))
	defer ts.Close()

	c := newTestClient(ts)
	head, err := c.Head(t.Context(), "key")
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if head.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d (normalized)", head.StatusCode, http.StatusOK)
	}
	if head.Size != 1024 {
		t.Errorf("Size = %d, want 1024 (parsed from Content-Range)", head.Size)
	}
	if head.Checksum != "xyz" {
		t.Errorf("Checksum = %q, want %q", head.Checksum, "xyz")
	}
}

func TestClientHeadNotFound(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	c := newTestClient(ts)
	head, err := c.Head(t.Context(), "missing")
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if head.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want %d", head.StatusCode, http.StatusNotFound)
	}
}

func TestObjectURLEncoding(t *testing.T) {
	c := New("storage.bunnycdn.com", "myzone", "key")
	got := c.objectURL("a dir/file name.txt")
	want := "https://storage.bunnycdn.com/myzone/a%20dir/file%20name.txt"
	if got != want {
		t.Errorf("objectURL = %q, want %q", got, want)
	}
}
