package cache

import (
	"net/http"
	"testing"
	"time"
)

func TestResponseToEntry(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		header     http.Header
		wantStored bool
	}{
		{
			name:   "ok response with validators",
			status: http.StatusOK,
			header: http.Header{
				"Expires":       []string{time.Now().Add(1 * time.Hour).Format(http.TimeFormat)},
				"Last-Modified": []string{time.Now().Add(-1 * time.Hour).Format(http.TimeFormat)},
				"Etag":          []string{`"abc123"`},
				"Content-Type":  []string{"application/json"},
			},
			wantStored: true,
		},
		{
			name:       "ok response without headers",
			status:     http.StatusOK,
			header:     http.Header{},
			wantStored: true,
		},
		{
			name:       "no-store",
			status:     http.StatusOK,
			header:     http.Header{"Cache-Control": []string{"private, no-store"}},
			wantStored: false,
		},
		{
			name:       "not found is never stored",
			status:     http.StatusNotFound,
			header:     http.Header{},
			wantStored: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := []byte(`{"item_types": []}`)
			entry, ok := ResponseToEntry(tt.status, tt.header, body)
			if ok != tt.wantStored {
				t.Fatalf("ResponseToEntry() stored = %v, want %v", ok, tt.wantStored)
			}
			if !ok {
				return
			}

			if string(entry.Data) != string(body) {
				t.Errorf("Data = %s, want %s", entry.Data, body)
			}
			if entry.ETag != tt.header.Get("ETag") {
				t.Errorf("ETag = %v, want %v", entry.ETag, tt.header.Get("ETag"))
			}
			if entry.Expires.IsZero() {
				t.Error("Expires time was not set")
			}
			if tt.header.Get("Last-Modified") != "" && entry.LastModified.IsZero() {
				t.Error("LastModified was not parsed")
			}
		})
	}
}

func TestParseFreshness(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name         string
		headers      http.Header
		want         time.Time
		wantStorable bool
	}{
		{
			name:         "max-age",
			headers:      http.Header{"Cache-Control": []string{"public, max-age=600"}},
			want:         now.Add(10 * time.Minute),
			wantStorable: true,
		},
		{
			name: "max-age wins over expires",
			headers: http.Header{
				"Cache-Control": []string{"max-age=60"},
				"Expires":       []string{now.Add(time.Hour).Format(http.TimeFormat)},
			},
			want:         now.Add(time.Minute),
			wantStorable: true,
		},
		{
			name:         "valid expires header",
			headers:      http.Header{"Expires": []string{now.Add(time.Hour).Format(http.TimeFormat)}},
			want:         now.Add(time.Hour),
			wantStorable: true,
		},
		{
			name:         "no headers uses default ttl",
			headers:      http.Header{},
			want:         now.Add(DefaultTTL),
			wantStorable: true,
		},
		{
			name:         "invalid expires header uses default ttl",
			headers:      http.Header{"Expires": []string{"not a valid date"}},
			want:         now.Add(DefaultTTL),
			wantStorable: true,
		},
		{
			name:         "expires in the past",
			headers:      http.Header{"Expires": []string{now.Add(-time.Hour).Format(http.TimeFormat)}},
			want:         now,
			wantStorable: true,
		},
		{
			name:         "no-cache stores an already stale entry",
			headers:      http.Header{"Cache-Control": []string{"no-cache"}},
			want:         now,
			wantStorable: true,
		},
		{
			name:         "no-store",
			headers:      http.Header{"Cache-Control": []string{"no-store"}},
			wantStorable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, storable := parseFreshness(tt.headers, now)
			if storable != tt.wantStorable {
				t.Fatalf("parseFreshness() storable = %v, want %v", storable, tt.wantStorable)
			}
			if storable && !got.Equal(tt.want) {
				t.Errorf("parseFreshness() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestShouldMakeConditionalRequest(t *testing.T) {
	tests := []struct {
		name  string
		entry *CacheEntry
		want  bool
	}{
		{name: "nil entry", entry: nil, want: false},
		{name: "entry with ETag", entry: &CacheEntry{ETag: `"abc123"`}, want: true},
		{name: "entry with Last-Modified", entry: &CacheEntry{LastModified: time.Now()}, want: true},
		{name: "entry without validators", entry: &CacheEntry{Data: []byte("data")}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldMakeConditionalRequest(tt.entry); got != tt.want {
				t.Errorf("ShouldMakeConditionalRequest() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAddConditionalHeaders(t *testing.T) {
	tests := []struct {
		name       string
		entry      *CacheEntry
		wantHeader string
		wantValue  string
	}{
		{
			name:       "add If-None-Match with ETag",
			entry:      &CacheEntry{ETag: `"abc123"`},
			wantHeader: "If-None-Match",
			wantValue:  `"abc123"`,
		},
		{
			name:       "add If-Modified-Since with Last-Modified",
			entry:      &CacheEntry{LastModified: time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC)},
			wantHeader: "If-Modified-Since",
			wantValue:  "Sun, 01 Jan 2023 12:00:00 GMT",
		},
		{
			name: "prefer ETag over Last-Modified",
			entry: &CacheEntry{
				ETag:         `"abc123"`,
				LastModified: time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC),
			},
			wantHeader: "If-None-Match",
			wantValue:  `"abc123"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			AddConditionalHeaders(h, tt.entry)

			if got := h.Get(tt.wantHeader); got != tt.wantValue {
				t.Errorf("Header %s = %v, want %v", tt.wantHeader, got, tt.wantValue)
			}
		})
	}
}

func TestAddConditionalHeaders_NilInputs(t *testing.T) {
	// Should not panic with nil inputs
	AddConditionalHeaders(nil, &CacheEntry{ETag: "test"})
	AddConditionalHeaders(http.Header{}, nil)
}

func TestScopeFor(t *testing.T) {
	if got := ScopeFor(""); got != "anonymous" {
		t.Errorf("ScopeFor(\"\") = %q, want anonymous", got)
	}

	a := ScopeFor("Basic a2V5LWE6")
	b := ScopeFor("Basic a2V5LWI6")
	if a == b {
		t.Error("different credentials must produce different scopes")
	}
	if a != ScopeFor("Basic a2V5LWE6") {
		t.Error("ScopeFor must be deterministic")
	}
	if len(a) != 16 {
		t.Errorf("scope length = %d, want 16 hex chars", len(a))
	}
}
