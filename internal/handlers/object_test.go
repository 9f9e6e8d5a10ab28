package handlers

import (
	"testing"
)

func TestQuoteETag(t *testing.T) {
	tests := []struct {
		digest string
		want   string
	}{
		{"", ""},
		{"ABC123", `"abc123"`},
		{"deadbeef", `"deadbeef"`},
	}
	for _, tt := range tests {
		if got := quoteETag(tt.digest); got != tt.want {
			t.Errorf("quoteETag(%q) = %q, want %q", tt.digest, got, tt.want)
		}
	}
}

func TestParseBunnyTime(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantZero bool
	}{
		{"empty", "", true},
		{"http date", "Mon, 02 Jan 2006 15:04:05 GMT", false},
		{"rfc3339", "2006-01-02T15:04:05Z", false},
		{"garbage", "not a date", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseBunnyTime(tt.input)
			if got.IsZero() != tt.wantZero {
				t.Errorf("parseBunnyTime(%q).IsZero() = %v, want %v", tt.input, got.IsZero(), tt.wantZero)
			}
		})
	}
}

func TestParseBunnyTimeAgreesAcrossFormats(t *testing.T) {
	http := parseBunnyTime("Mon, 02 Jan 2006 15:04:05 GMT")
	rfc := parseBunnyTime("2006-01-02T15:04:05Z")
	if !http.Equal(rfc) {
		t.Errorf("HTTP-format and RFC3339-format parses disagree: %v != %v", http, rfc)
	}
}

func TestSplitPrefixDir(t *testing.T) {
	tests := []struct {
		prefix         string
		wantDir        string
		wantNameFilter string
	}{
		{"", "", ""},
		{"photos/", "photos/", ""},
		{"photos/vac", "photos/", "vac"},
		{"photos/2024/vac", "photos/2024/", "vac"},
		{"noSlash", "", "noSlash"},
	}
	for _, tt := range tests {
		dir, nameFilter := splitPrefixDir(tt.prefix)
		if dir != tt.wantDir || nameFilter != tt.wantNameFilter {
			t.Errorf("splitPrefixDir(%q) = (%q, %q), want (%q, %q)", tt.prefix, dir, nameFilter, tt.wantDir, tt.wantNameFilter)
		}
	}
}

func TestPaginate(t *testing.T) {
	entries := []listEntry{
		{key: "c"}, {key: "a"}, {key: "b"}, {key: "e"}, {key: "d"},
	}

	page, truncated, next := paginate(entries, "", 3)
	if truncated != true {
		t.Fatalf("truncated = %v, want true", truncated)
	}
	if next != "c" {
		t.Errorf("next = %q, want %q", next, "c")
	}
	gotKeys := keysOf(page)
	wantKeys := []string{"a", "b", "c"}
	if !equalStrings(gotKeys, wantKeys) {
		t.Errorf("page keys = %v, want %v", gotKeys, wantKeys)
	}
}

func TestPaginateResumeAfter(t *testing.T) {
	entries := []listEntry{
		{key: "a"}, {key: "b"}, {key: "c"}, {key: "d"},
	}

	page, truncated, _ := paginate(entries, "b", 10)
	if truncated {
		t.Error("truncated = true, want false")
	}
	gotKeys := keysOf(page)
	wantKeys := []string{"c", "d"}
	if !equalStrings(gotKeys, wantKeys) {
		t.Errorf("page keys = %v, want %v", gotKeys, wantKeys)
	}
}

func TestPaginateNotTruncated(t *testing.T) {
	entries := []listEntry{{key: "a"}, {key: "b"}}
	page, truncated, next := paginate(entries, "", 10)
	if truncated {
		t.Error("truncated = true, want false")
	}
	if next != "" {
		t.Errorf("next = %q, want empty", next)
	}
	if len(page) != 2 {
		t.Errorf("len(page) = %d, want 2", len(page))
	}
}

func TestPaginateMaxKeysZero(t *testing.T) {
	entries := []listEntry{{key: "a"}, {key: "b"}}
	page, truncated, next := paginate(entries, "", 0)
	if page != nil {
		t.Errorf("page = %v, want nil", page)
	}
	if !truncated {
		t.Error("truncated = false, want true")
	}
	if next != "" {
		t.Errorf("next = %q, want empty", next)
	}
}

func TestPaginateMaxKeysZeroNoEntries(t *testing.T) {
	page, truncated, next := paginate(nil, "", 0)
	if page != nil {
		t.Errorf("page = %v, want nil", page)
	}
	if truncated {
		t.Error("truncated = true, want false")
	}
	if next != "" {
		t.Errorf("next = %q, want empty", next)
	}
}

func TestContinuationTokenRoundTrip(t *testing.T) {
	token := encodeContinuationToken("some/key.txt")
	if token == "" {
		t.Fatal("expected non-empty token")
	}
	got := decodeContinuationToken(token)
	if got != "some/key.txt" {
		t.Errorf("decodeContinuationToken roundtrip = %q, want %q", got, "some/key.txt")
	}
}

func TestDecodeContinuationTokenInvalid(t *testing.T) {
	if got := decodeContinuationToken("not-valid-base64!!!"); got != "" {
		t.Errorf("decodeContinuationToken(invalid) = %q, want empty", got)
	}
	if got := decodeContinuationToken(""); got != "" {
		t.Errorf("decodeContinuationToken(\"\") = %q, want empty", got)
	}
}

func keysOf(entries []listEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.key
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
