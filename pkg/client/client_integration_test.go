//go:build integration

package client

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/planetlabs/planet-client-go/internal/testutil"
	"github.com/planetlabs/planet-client-go/pkg/auth"
	"github.com/planetlabs/planet-client-go/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedisContainer creates a Redis container for integration testing.
func setupRedisContainer(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := redisContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := redisContainer.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

func TestIntegration_CacheSharedBetweenSessions(t *testing.T) {
	redisClient, cleanup := setupRedisContainer(t)
	defer cleanup()

	mock := testutil.NewMockPlatform()
	defer mock.Close()
	mock.SetHandler("/data/v1/item-types", testutil.NewConditionalHandler(`"types-1"`, `{"item_types": [{"id": "PSScene"}]}`, 0))

	withRedis := func(c *Config) { c.Redis = redisClient }
	first, _ := newTestSession(t, mock.URL(), withRedis)
	second, _ := newTestSession(t, mock.URL(), withRedis)

	req := &Request{Method: http.MethodGet, URL: "/data/v1/item-types", Cacheable: true}
	ctx := context.Background()

	resp1, err := first.Execute(ctx, req)
	if err != nil {
		t.Fatalf("first session: %v", err)
	}

	resp2, err := second.Execute(ctx, req)
	if err != nil {
		t.Fatalf("second session: %v", err)
	}
	if !resp2.FromCache {
		t.Error("second session should revalidate the first session's entry")
	}
	if string(resp2.Body) != string(resp1.Body) {
		t.Errorf("body = %s, want %s", resp2.Body, resp1.Body)
	}

	if got := mock.GetConditionalCount(); got != 1 {
		t.Errorf("conditional requests = %d, want 1", got)
	}
}

func TestIntegration_CacheIsScopedByCredentials(t *testing.T) {
	redisClient, cleanup := setupRedisContainer(t)
	defer cleanup()

	mock := testutil.NewMockPlatform()
	defer mock.Close()
	mock.SetHandler("/data/v1/asset-types", testutil.NewConditionalHandler(`"assets-1"`, `{"asset_types": []}`, 10*time.Minute))

	first, _ := newTestSession(t, mock.URL(), func(c *Config) { c.Redis = redisClient })
	other, _ := newTestSession(t, mock.URL(), func(c *Config) {
		c.Redis = redisClient
		c.Credentials = auth.NewStaticToken("someone-else")
	})

	req := &Request{Method: http.MethodGet, URL: "/data/v1/asset-types", Cacheable: true}
	ctx := context.Background()

	if _, err := first.Execute(ctx, req); err != nil {
		t.Fatalf("first session: %v", err)
	}
	resp, err := other.Execute(ctx, req)
	if err != nil {
		t.Fatalf("other session: %v", err)
	}
	if resp.FromCache {
		t.Error("entry cached under one credential must not serve another")
	}
	if got := mock.GetRequestCount(); got != 2 {
		t.Errorf("requests = %d, want 2", got)
	}
}

func TestIntegration_RateLimitPauseShared(t *testing.T) {
	redisClient, cleanup := setupRedisContainer(t)
	defer cleanup()

	mock := testutil.NewMockPlatform()
	defer mock.Close()
	mock.SetSequence("/data/v1/quick-search",
		testutil.NewRateLimitResponse("5"),
		testutil.NewJSONResponse(http.StatusOK, map[string]any{"features": []any{}}),
	)
	mock.SetJSON("/data/v1/item-types", http.StatusOK, map[string]any{"item_types": []any{}})

	first, _ := newTestSession(t, mock.URL(), func(c *Config) { c.Redis = redisClient })
	second, _ := newTestSession(t, mock.URL(), func(c *Config) { c.Redis = redisClient })

	var waited atomic.Int64
	second.tracker.SetSleep(func(ctx context.Context, d time.Duration) error {
		waited.Store(int64(d))
		return nil
	})

	ctx := context.Background()
	if _, err := first.Post(ctx, "/data/v1/quick-search", map[string]any{}); err != nil {
		t.Fatalf("first session: %v", err)
	}

	state, err := ratelimit.NewRedisStore(redisClient).Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !state.IsPaused(time.Now()) {
		t.Fatal("429 should have stored a pause")
	}

	if _, err := second.Get(ctx, "/data/v1/item-types", nil); err != nil {
		t.Fatalf("second session: %v", err)
	}
	if d := time.Duration(waited.Load()); d <= 0 || d > 5*time.Second {
		t.Errorf("second session waited %v, want (0, 5s]", d)
	}
}
