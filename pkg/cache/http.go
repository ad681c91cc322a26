package cache

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultTTL is the freshness given to responses with no Cache-Control max-age or Expires.
	DefaultTTL = 5 * time.Minute

	// StaleRetention is how long an entry is kept after it stops being fresh,
	// so it can still be revalidated with a conditional request.
	StaleRetention = 24 * time.Hour
)

// ResponseToEntry builds a cache entry from a response that has already been
// read. It returns false when the response must not be stored: anything other
// than 200 OK, or Cache-Control no-store.
func ResponseToEntry(statusCode int, header http.Header, body []byte) (*CacheEntry, bool) {
	if statusCode != http.StatusOK {
		return nil, false
	}

	now := time.Now()
	expires, storable := parseFreshness(header, now)
	if !storable {
		return nil, false
	}

	entry := &CacheEntry{
		Data:       body,
		ETag:       header.Get("ETag"),
		Expires:    expires,
		StatusCode: statusCode,
		Headers:    header.Clone(),
		CachedAt:   now,
	}

	if lastModStr := header.Get("Last-Modified"); lastModStr != "" {
		if lastMod, err := http.ParseTime(lastModStr); err == nil {
			entry.LastModified = lastMod
		}
	}

	return entry, true
}

// parseFreshness computes when a response stops being fresh.
// Cache-Control wins over Expires. The second result is false for no-store.
func parseFreshness(headers http.Header, now time.Time) (time.Time, bool) {
	for _, directive := range strings.Split(headers.Get("Cache-Control"), ",") {
		directive = strings.ToLower(strings.TrimSpace(directive))
		switch {
		case directive == "no-store":
			return time.Time{}, false
		case directive == "no-cache":
			return now, true
		case strings.HasPrefix(directive, "max-age="):
			if secs, err := strconv.Atoi(strings.TrimPrefix(directive, "max-age=")); err == nil && secs >= 0 {
				return now.Add(time.Duration(secs) * time.Second), true
			}
		}
	}

	expiresStr := headers.Get("Expires")
	if expiresStr == "" {
		return now.Add(DefaultTTL), true
	}

	expires, err := http.ParseTime(expiresStr)
	if err != nil {
		return now.Add(DefaultTTL), true
	}
	if expires.Before(now) {
		return now, true
	}
	return expires, true
}

// ShouldMakeConditionalRequest reports whether the entry carries a validator
// (ETag or Last-Modified) that a conditional request can use.
func ShouldMakeConditionalRequest(entry *CacheEntry) bool {
	if entry == nil {
		return false
	}
	return entry.ETag != "" || !entry.LastModified.IsZero()
}

// AddConditionalHeaders sets If-None-Match, or If-Modified-Since when the entry
// has no ETag.
func AddConditionalHeaders(header http.Header, entry *CacheEntry) {
	if entry == nil || header == nil {
		return
	}

	if entry.ETag != "" {
		header.Set("If-None-Match", entry.ETag)
	} else if !entry.LastModified.IsZero() {
		header.Set("If-Modified-Since", entry.LastModified.UTC().Format(http.TimeFormat))
	}
}

// ScopeFor derives a cache scope from a credential header value so that cached
// bodies are never served across credentials. The raw value is not stored.
func ScopeFor(authorization string) string {
	if authorization == "" {
		return "anonymous"
	}
	return fingerprint(authorization)
}
