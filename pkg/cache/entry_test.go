package cache

import (
	"testing"
	"time"
)

func TestCacheEntry_Freshness(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name        string
		expires     time.Time
		wantExpired bool
		wantTTL     [2]time.Duration
	}{
		{"fresh for an hour", now.Add(time.Hour), false, [2]time.Duration{59 * time.Minute, time.Hour}},
		{"stale by a second", now.Add(-time.Second), true, [2]time.Duration{0, 0}},
		{"stale by a day", now.Add(-24 * time.Hour), true, [2]time.Duration{0, 0}},
		{"zero expiry is stale", time.Time{}, true, [2]time.Duration{0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := &CacheEntry{Expires: tt.expires}

			if got := entry.IsExpired(); got != tt.wantExpired {
				t.Errorf("IsExpired() = %v, want %v", got, tt.wantExpired)
			}
			if ttl := entry.TTL(); ttl < tt.wantTTL[0] || ttl > tt.wantTTL[1] {
				t.Errorf("TTL() = %v, want within %v", ttl, tt.wantTTL)
			}
		})
	}
}

func TestCacheEntry_Age(t *testing.T) {
	entry := &CacheEntry{CachedAt: time.Now().Add(-2 * time.Minute)}

	if age := entry.Age(); age < 2*time.Minute || age > 2*time.Minute+5*time.Second {
		t.Errorf("Age() = %v, want about 2m", age)
	}
}
