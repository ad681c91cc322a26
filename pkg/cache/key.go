package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// CacheKey represents a unique identifier for a cached response.
type CacheKey struct {
	// Host is the API host (e.g., "api.planet.com")
	Host string

	// Endpoint is the request path (e.g., "/data/v1/item-types")
	Endpoint string

	// QueryParams are the query parameters (e.g., {"_page_size": "50"})
	QueryParams url.Values

	// Scope separates entries fetched with different credentials (see ScopeFor)
	Scope string
}

// String generates a deterministic cache key string.
// Format: planet:host/endpoint:query1=val1,val2:scope=abcd
//
// Example:
//
//	planet:api.planet.com/data/v1/item-types:scope=3f2a9c1d0b7e6a54
func (k CacheKey) String() string {
	parts := []string{"planet"}

	endpoint := strings.Trim(k.Endpoint, "/")
	switch {
	case k.Host != "" && endpoint != "":
		parts = append(parts, k.Host+"/"+endpoint)
	case k.Host != "":
		parts = append(parts, k.Host)
	case endpoint != "":
		parts = append(parts, endpoint)
	}

	if len(k.QueryParams) > 0 {
		queryKeys := make([]string, 0, len(k.QueryParams))
		for key := range k.QueryParams {
			queryKeys = append(queryKeys, key)
		}
		sort.Strings(queryKeys)

		for _, key := range queryKeys {
			parts = append(parts, key+"="+strings.Join(k.QueryParams[key], ","))
		}
	}

	if k.Scope != "" {
		parts = append(parts, "scope="+k.Scope)
	}

	return strings.Join(parts, ":")
}

// KeyForURL builds a key from a request URL and scope.
func KeyForURL(u *url.URL, scope string) CacheKey {
	return CacheKey{
		Host:        u.Host,
		Endpoint:    u.Path,
		QueryParams: u.Query(),
		Scope:       scope,
	}
}

func fingerprint(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}
