//go:build integration

package integration

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/planetlabs/planet-client-go/internal/testutil"
	"github.com/planetlabs/planet-client-go/pkg/auth"
	"github.com/planetlabs/planet-client-go/pkg/client"
	"github.com/planetlabs/planet-client-go/pkg/download"
	"github.com/planetlabs/planet-client-go/pkg/pagination"
	"github.com/planetlabs/planet-client-go/pkg/planet"
	"github.com/planetlabs/planet-client-go/pkg/waiter"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) *redis.Client {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "start redis container")

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	redisClient := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	t.Cleanup(func() {
		redisClient.Close()
		container.Terminate(ctx)
	})

	return redisClient
}

func newPlanet(t *testing.T, mock *testutil.MockPlatform, redisClient redis.UniversalClient) *planet.Client {
	t.Helper()

	logger := zerolog.Nop()
	cfg := client.DefaultConfig(auth.NewAPIKey("integration-key"))
	cfg.BaseURL = mock.URL()
	cfg.Redis = redisClient
	cfg.Retry.InitialBackoff = 10 * time.Millisecond
	cfg.Retry.MaxBackoff = 50 * time.Millisecond
	cfg.Logger = &logger

	session, err := client.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close(context.Background()) })

	return planet.New(session)
}

func md5Hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// TestOrderWorkflow drives search, order creation, waiting and a verified
// download through two clients sharing one Redis.
func TestOrderWorkflow(t *testing.T) {
	redisClient := setupRedis(t)

	mock := testutil.NewMockPlatform()
	defer mock.Close()

	scene := []byte("integration scene")
	manifest, err := json.Marshal(planet.Manifest{
		Name:  "o-1",
		Files: []planet.ManifestFile{{Path: "PSScene/scene.tif", Digests: map[string]string{"md5": md5Hex(scene)}}},
	})
	require.NoError(t, err)

	mock.SetHandler("/data/v1/item-types", testutil.NewConditionalHandler(`"types-1"`, `{"item_types": [{"id": "PSScene"}]}`, 0))
	mock.SetSequence("/data/v1/quick-search",
		testutil.NewServerErrorResponse(http.StatusBadGateway),
		testutil.NewJSONResponse(http.StatusOK, map[string]any{
			"features": []map[string]any{{"id": "scene-1"}, {"id": "scene-2"}},
			"_links":   map[string]any{},
		}),
	)
	mock.SetJSON("/compute/ops/orders/v2/", http.StatusAccepted, map[string]any{"id": "o-1", "state": "queued"})
	mock.SetSequence("/compute/ops/orders/v2/o-1",
		testutil.NewJSONResponse(http.StatusOK, map[string]any{"id": "o-1", "state": "running"}),
		testutil.NewJSONResponse(http.StatusOK, map[string]any{
			"id":    "o-1",
			"state": "success",
			"_links": map[string]any{"results": []map[string]any{
				{"name": "o-1/manifest.json", "location": mock.URL() + "/results/manifest", "delivery": "success"},
				{"name": "o-1/PSScene/scene.tif", "location": mock.URL() + "/results/scene", "delivery": "success"},
			}},
		}),
	)
	mock.SetFile("/results/manifest", "", manifest)
	mock.SetFile("/results/scene", "", scene)

	ctx := context.Background()
	first := newPlanet(t, mock, redisClient)
	second := newPlanet(t, mock, redisClient)

	types, err := first.Data().ListItemTypes(ctx)
	require.NoError(t, err)
	require.Len(t, types, 1)

	// The second client revalidates the entry stored by the first.
	_, err = second.Data().ListItemTypes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, mock.GetConditionalCount())

	items, err := pagination.Collect[planet.Item](ctx, second.Data().Search(ctx, planet.SearchRequest{
		ItemTypes: []string{types[0].ID},
		Filter:    planet.PermissionFilter(),
	}, 0))
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, 2, mock.RequestsFor("/data/v1/quick-search"))

	order, err := second.Orders().Create(ctx, planet.NewOrderRequest("integration",
		planet.Product{ItemIDs: []string{items[0].ID, items[1].ID}, ItemType: "PSScene", ProductBundle: "analytic_udm2"}))
	require.NoError(t, err)

	logger := zerolog.Nop()
	dir := t.TempDir()
	outcomes, err := second.Orders().WaitAndDownload(ctx, order.ID, dir,
		waiter.Options{Interval: 10 * time.Millisecond, Timeout: 10 * time.Second, Logger: &logger},
		planet.DownloadOptions{Options: download.DefaultOptions(), Checksum: download.MD5})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	got, err := os.ReadFile(filepath.Join(dir, "o-1", "PSScene", "scene.tif"))
	require.NoError(t, err)
	assert.Equal(t, scene, got)
}
