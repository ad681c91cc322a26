package planet

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/planetlabs/planet-client-go/internal/testutil"
	"github.com/planetlabs/planet-client-go/pkg/auth"
	"github.com/planetlabs/planet-client-go/pkg/client"
	"github.com/planetlabs/planet-client-go/pkg/download"
	"github.com/planetlabs/planet-client-go/pkg/pagination"
	"github.com/planetlabs/planet-client-go/pkg/waiter"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, mock *testutil.MockPlatform) *Client {
	t.Helper()

	logger := zerolog.Nop()
	cfg := client.DefaultConfig(auth.NewAPIKey("test-key"))
	cfg.BaseURL = mock.URL()
	cfg.Retry.MaxAttempts = 1
	cfg.Logger = &logger

	session, err := client.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close(context.Background()) })

	return New(session)
}

func md5Hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func fastWait() waiter.Options {
	logger := zerolog.Nop()
	return waiter.Options{Interval: time.Millisecond, Timeout: 5 * time.Second, Logger: &logger}
}

func TestDataSearch_FollowsPages(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()

	mock.SetHandler("/data/v1/quick-search", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "acquired desc", r.URL.Query().Get("_sort"))
		assert.Equal(t, "2", r.URL.Query().Get("_page_size"))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []any{"PSScene"}, body["item_types"])

		testutil.NewJSONResponse(http.StatusOK, map[string]any{
			"features": []map[string]any{{"id": "a"}, {"id": "b"}},
			"_links":   map[string]any{"_next": mock.URL() + "/data/v1/searches/s1/results?_page=2"},
		}).Write(w)
	})
	mock.SetHandler("/data/v1/searches/s1/results", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		testutil.NewJSONResponse(http.StatusOK, map[string]any{
			"features": []map[string]any{{"id": "c", "properties": map[string]any{"item_type": "PSScene"}}},
			"_links":   map[string]any{},
		}).Write(w)
	})

	pl := newTestClient(t, mock)
	req := SearchRequest{
		ItemTypes: []string{"PSScene"},
		Filter:    AndFilter(PermissionFilter(), RangeFilter("cloud_cover", 0, 0.1)),
		Sort:      "acquired desc",
		PageSize:  2,
	}

	items, err := pagination.Collect[Item](context.Background(), pl.Data().Search(context.Background(), req, 0))
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{items[0].ID, items[1].ID, items[2].ID})
	assert.Equal(t, "PSScene", items[2].ItemType())
}

func TestDataSearch_InvalidRequest(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()

	pl := newTestClient(t, mock)
	p := pl.Data().Search(context.Background(), SearchRequest{Filter: PermissionFilter()}, 0)

	assert.False(t, p.Next(context.Background()))
	assert.ErrorIs(t, p.Err(), client.ErrInvalidArgument)
	assert.Equal(t, 0, mock.GetRequestCount())
}

func TestDataActivateAndDownload(t *testing.T) {
	content := []byte("analytic pixels")

	mock := testutil.NewMockPlatform()
	defer mock.Close()

	assetsPath := "/data/v1/item-types/PSScene/items/20240101_abc/assets"
	inactive := map[string]any{
		"ortho_analytic_4b": map[string]any{
			"status": "inactive",
			"_links": map[string]any{"activate": mock.URL() + "/activate/ortho"},
		},
	}
	active := map[string]any{
		"ortho_analytic_4b": map[string]any{
			"status":     "active",
			"location":   mock.URL() + "/download/ortho",
			"md5_digest": md5Hex(content),
			"_links":     map[string]any{"activate": mock.URL() + "/activate/ortho"},
		},
	}
	mock.SetSequence(assetsPath,
		testutil.NewJSONResponse(http.StatusOK, inactive),
		testutil.NewJSONResponse(http.StatusOK, inactive),
		testutil.NewJSONResponse(http.StatusOK, active),
	)
	mock.SetResponse("/activate/ortho", testutil.MockResponse{StatusCode: http.StatusAccepted})
	mock.SetFile("/download/ortho", "20240101_abc_ortho.tif", content)

	pl := newTestClient(t, mock)
	dir := t.TempDir()

	out, err := pl.Data().ActivateAndDownload(context.Background(), "PSScene", "20240101_abc", "ortho_analytic_4b",
		dir, fastWait(), download.DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "20240101_abc_ortho.tif"), out.Path)
	got, err := os.ReadFile(out.Path)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, 1, mock.RequestsFor("/activate/ortho"))
	assert.Equal(t, 3, mock.RequestsFor(assetsPath))
}

func TestDataGetAsset_Unknown(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()
	mock.SetJSON("/data/v1/item-types/PSScene/items/x/assets", http.StatusOK, map[string]any{
		"basic_analytic_4b": map[string]any{"status": "inactive"},
	})

	pl := newTestClient(t, mock)
	_, err := pl.Data().GetAsset(context.Background(), "PSScene", "x", "ortho_visual")
	assert.ErrorIs(t, err, client.ErrInvalidArgument)
	assert.Contains(t, err.Error(), "basic_analytic_4b")
}

func TestDataDownloadAsset_NotActive(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()

	pl := newTestClient(t, mock)
	_, err := pl.Data().DownloadAsset(context.Background(), &Asset{Status: AssetActivating}, t.TempDir(), download.DefaultOptions())
	assert.ErrorIs(t, err, client.ErrInvalidArgument)
}

func TestOrdersCreate(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()

	mock.SetHandler("/compute/ops/orders/v2/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)

		var body OrderRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "scenes", body.Name)
		assert.Equal(t, "zip", body.Delivery["archive_type"])
		assert.Len(t, body.Tools, 1)

		testutil.NewJSONResponse(http.StatusAccepted, map[string]any{"id": "o-1", "name": "scenes", "state": "queued"}).Write(w)
	})

	pl := newTestClient(t, mock)
	req := NewOrderRequest("scenes", Product{ItemIDs: []string{"a"}, ItemType: "PSScene", ProductBundle: "analytic_udm2"}).
		WithArchive("scenes.zip").
		WithTool("clip", map[string]any{"aoi": map[string]any{"type": "Point"}})

	order, err := pl.Orders().Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "o-1", order.ID)
	assert.Equal(t, OrderQueued, order.State)
}

func TestOrdersCreate_Invalid(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()

	pl := newTestClient(t, mock)
	_, err := pl.Orders().Create(context.Background(), NewOrderRequest("empty"))
	assert.ErrorIs(t, err, client.ErrInvalidArgument)
	assert.Equal(t, 0, mock.GetRequestCount())
}

func TestOrdersGet_EmptyID(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()

	pl := newTestClient(t, mock)
	_, err := pl.Orders().Get(context.Background(), " ")
	assert.ErrorIs(t, err, client.ErrInvalidArgument)
}

func TestOrdersCancel(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()

	mock.SetHandler("/compute/ops/orders/v2/o-1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		testutil.NewJSONResponse(http.StatusOK, map[string]any{"id": "o-1", "state": "cancelled"}).Write(w)
	})

	pl := newTestClient(t, mock)
	order, err := pl.Orders().Cancel(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, OrderCancelled, order.State)
}

func TestOrdersList(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()

	mock.SetHandler("/compute/ops/orders/v2/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "success", r.URL.Query().Get("state"))
		testutil.NewJSONResponse(http.StatusOK, map[string]any{
			"orders": []map[string]any{{"id": "o-1"}, {"id": "o-2"}, {"id": "o-3"}},
		}).Write(w)
	})

	pl := newTestClient(t, mock)
	orders, err := pagination.Collect[Order](context.Background(), pl.Orders().List(context.Background(), OrderSuccess, 2))
	require.NoError(t, err)
	assert.Len(t, orders, 2)

	p := pl.Orders().List(context.Background(), OrderState("done"), 0)
	assert.False(t, p.Next(context.Background()))
	assert.ErrorIs(t, p.Err(), client.ErrInvalidArgument)
}

// orderFixture serves an order with a manifest and one scene.
func orderFixture(mock *testutil.MockPlatform, scene []byte, digest string) {
	manifest, _ := json.Marshal(Manifest{
		Name: "o-1",
		Files: []ManifestFile{{
			Path:    "PSScene/scene.tif",
			Digests: map[string]string{"md5": digest},
		}},
	})
	mock.SetFile("/results/manifest", "", manifest)
	mock.SetFile("/results/scene", "", scene)
	mock.SetFile("/results/skipped", "", []byte("never"))

	mock.SetJSON("/compute/ops/orders/v2/o-1", http.StatusOK, map[string]any{
		"id":    "o-1",
		"state": "success",
		"_links": map[string]any{"results": []map[string]any{
			{"name": "o-1/manifest.json", "location": mock.URL() + "/results/manifest", "delivery": "success"},
			{"name": "o-1/PSScene/scene.tif", "location": mock.URL() + "/results/scene", "delivery": "success"},
			{"name": "o-1/PSScene/broken.tif", "location": mock.URL() + "/results/skipped", "delivery": "failed"},
		}},
	})
}

func TestOrdersDownload_VerifiesManifestDigests(t *testing.T) {
	scene := []byte("ordered scene bytes")

	mock := testutil.NewMockPlatform()
	defer mock.Close()
	orderFixture(mock, scene, md5Hex(scene))

	pl := newTestClient(t, mock)
	dir := t.TempDir()

	outcomes, err := pl.Orders().Download(context.Background(), "o-1", dir, DownloadOptions{
		Options:  download.DefaultOptions(),
		Checksum: download.MD5,
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	assert.Equal(t, filepath.Join(dir, "o-1", "manifest.json"), outcomes[0].Path)
	assert.Equal(t, 1, outcomes[1].Index)
	require.NotNil(t, outcomes[1].Task.Checksum)
	assert.Equal(t, md5Hex(scene), outcomes[1].Task.Checksum.Digest)

	got, err := os.ReadFile(filepath.Join(dir, "o-1", "PSScene", "scene.tif"))
	require.NoError(t, err)
	assert.Equal(t, scene, got)
	assert.Equal(t, 0, mock.RequestsFor("/results/skipped"))
}

func TestOrdersDownload_DigestMismatch(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()
	orderFixture(mock, []byte("tampered"), md5Hex([]byte("original")))

	pl := newTestClient(t, mock)
	dir := t.TempDir()

	outcomes, err := pl.Orders().Download(context.Background(), "o-1", dir, DownloadOptions{
		Options:  download.DefaultOptions(),
		Checksum: download.MD5,
	})
	assert.ErrorIs(t, err, client.ErrChecksumMismatch)
	require.Len(t, outcomes, 2)
	assert.NoError(t, outcomes[0].Err)
	assert.ErrorIs(t, outcomes[1].Err, client.ErrChecksumMismatch)

	_, statErr := os.Stat(filepath.Join(dir, "o-1", "PSScene", "scene.tif"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestOrdersDownload_WithoutChecksum(t *testing.T) {
	scene := []byte("scene")

	mock := testutil.NewMockPlatform()
	defer mock.Close()
	orderFixture(mock, scene, "not-a-digest")

	pl := newTestClient(t, mock)
	outcomes, err := pl.Orders().Download(context.Background(), "o-1", t.TempDir(), DownloadOptions{Options: download.DefaultOptions()})
	require.NoError(t, err)
	assert.Len(t, outcomes, 2)
	for _, out := range outcomes {
		assert.Nil(t, out.Task.Checksum)
	}
}

func TestOrdersDownload_RejectsUnsafeNames(t *testing.T) {
	tests := []struct {
		name   string
		result string
	}{
		{name: "parent traversal", result: "../../etc/passwd"},
		{name: "absolute", result: "/tmp/evil.tif"},
		{name: "backslash", result: `o-1\..\evil.tif`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockPlatform()
			defer mock.Close()
			mock.SetFile("/results/evil", "", []byte("evil"))
			mock.SetJSON("/compute/ops/orders/v2/o-1", http.StatusOK, map[string]any{
				"id":    "o-1",
				"state": "success",
				"_links": map[string]any{"results": []map[string]any{
					{"name": tt.result, "location": mock.URL() + "/results/evil", "delivery": "success"},
				}},
			})

			pl := newTestClient(t, mock)
			_, err := pl.Orders().Download(context.Background(), "o-1", t.TempDir(), DownloadOptions{Options: download.DefaultOptions()})
			assert.ErrorIs(t, err, client.ErrInvalidArgument)
			assert.Equal(t, 0, mock.RequestsFor("/results/evil"))
		})
	}
}

func TestOrdersDownload_MissingManifest(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()
	mock.SetJSON("/compute/ops/orders/v2/o-1", http.StatusOK, map[string]any{
		"id":    "o-1",
		"state": "success",
		"_links": map[string]any{"results": []map[string]any{
			{"name": "o-1/scene.tif", "location": mock.URL() + "/results/scene", "delivery": "success"},
		}},
	})

	pl := newTestClient(t, mock)
	_, err := pl.Orders().Download(context.Background(), "o-1", t.TempDir(), DownloadOptions{
		Options:  download.DefaultOptions(),
		Checksum: download.SHA1,
	})
	assert.ErrorIs(t, err, client.ErrInvalidArgument)
}

func TestOrdersWaitAndDownload(t *testing.T) {
	scene := []byte("eventually ready")

	mock := testutil.NewMockPlatform()
	defer mock.Close()
	mock.SetFile("/results/scene", "", scene)

	ready := map[string]any{
		"id":    "o-1",
		"state": "success",
		"_links": map[string]any{"results": []map[string]any{
			{"name": "o-1/scene.tif", "location": mock.URL() + "/results/scene", "delivery": "success"},
		}},
	}
	mock.SetSequence("/compute/ops/orders/v2/o-1",
		testutil.NewJSONResponse(http.StatusOK, map[string]any{"id": "o-1", "state": "queued"}),
		testutil.NewJSONResponse(http.StatusOK, map[string]any{"id": "o-1", "state": "running"}),
		testutil.NewJSONResponse(http.StatusOK, ready),
	)

	var states atomic.Int32
	wait := fastWait()
	wait.OnState = func(waiter.Event) { states.Add(1) }

	pl := newTestClient(t, mock)
	dir := t.TempDir()

	outcomes, err := pl.Orders().WaitAndDownload(context.Background(), "o-1", dir, wait, DownloadOptions{Options: download.DefaultOptions()})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, 3, mock.RequestsFor("/compute/ops/orders/v2/o-1"))
	assert.Positive(t, states.Load())

	f, err := os.Open(filepath.Join(dir, "o-1", "scene.tif"))
	require.NoError(t, err)
	defer f.Close()
	got, _ := io.ReadAll(f)
	assert.Equal(t, scene, got)
}

func TestOrdersWaitAndDownload_FailedOrder(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()
	mock.SetJSON("/compute/ops/orders/v2/o-1", http.StatusOK, map[string]any{
		"id": "o-1", "state": "failed", "last_message": "bundle unavailable",
	})

	pl := newTestClient(t, mock)
	_, err := pl.Orders().WaitAndDownload(context.Background(), "o-1", t.TempDir(), fastWait(), DownloadOptions{Options: download.DefaultOptions()})
	assert.ErrorIs(t, err, client.ErrInvalidArgument)
	assert.Contains(t, err.Error(), "bundle unavailable")
}

func TestOrdersWait_Cancelled(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()
	mock.SetJSON("/compute/ops/orders/v2/o-1", http.StatusOK, map[string]any{"id": "o-1", "state": "running"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	pl := newTestClient(t, mock)
	wait := fastWait()
	wait.Interval = 10 * time.Millisecond
	wait.Timeout = 0

	_, err := pl.Orders().WaitAndDownload(ctx, "o-1", t.TempDir(), wait, DownloadOptions{Options: download.DefaultOptions()})
	assert.ErrorIs(t, err, client.ErrCancelled)
}

func TestSubscriptionsLifecycle(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()

	mock.SetHandler("/subscriptions/v1/", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			testutil.NewJSONResponse(http.StatusOK, map[string]any{"id": "s-1", "name": "weekly", "status": "preparing"}).Write(w)
		default:
			assert.Equal(t, "running", r.URL.Query().Get("status"))
			testutil.NewJSONResponse(http.StatusOK, map[string]any{
				"subscriptions": []map[string]any{{"id": "s-1", "status": "running"}},
			}).Write(w)
		}
	})
	mock.SetHandler("/subscriptions/v1/s-1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.NotContains(t, body, "id")
		assert.NotContains(t, body, "status")
		testutil.NewJSONResponse(http.StatusOK, map[string]any{"id": "s-1", "name": body["name"], "status": "running"}).Write(w)
	})
	mock.SetHandler("/subscriptions/v1/s-1/cancel", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.WriteHeader(http.StatusOK)
	})

	pl := newTestClient(t, mock)
	subs := pl.Subscriptions()
	ctx := context.Background()

	sub := Subscription{Name: "weekly", Source: json.RawMessage(`{"type": "catalog", "parameters": {}}`)}
	created, err := subs.Create(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, SubscriptionPreparing, created.Status)

	created.Name = "weekly-2"
	updated, err := subs.Update(ctx, created.ID, *created)
	require.NoError(t, err)
	assert.Equal(t, "weekly-2", updated.Name)

	list, err := pagination.Collect[Subscription](ctx, subs.List(ctx, SubscriptionRunning, 0))
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, subs.Cancel(ctx, "s-1"))
	assert.Equal(t, 1, mock.RequestsFor("/subscriptions/v1/s-1/cancel"))
}

func TestSubscriptionsCreate_Invalid(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()

	pl := newTestClient(t, mock)
	_, err := pl.Subscriptions().Create(context.Background(), Subscription{Name: "no source"})
	assert.ErrorIs(t, err, client.ErrInvalidArgument)
	assert.Equal(t, 0, mock.GetRequestCount())
}

func TestSubscriptionsResults(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()
	mock.SetPages("/subscriptions/v1/s-1/results", "results", [][]any{
		{map[string]any{"id": "r-1", "status": "success"}, map[string]any{"id": "r-2", "status": "success"}},
		{map[string]any{"id": "r-3", "status": "success"}},
	})

	pl := newTestClient(t, mock)
	results, err := pagination.Collect[SubscriptionResult](context.Background(),
		pl.Subscriptions().Results(context.Background(), "s-1", ResultSuccess, 0))
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, ResultSuccess, results[2].Status)
	assert.Equal(t, 1, mock.RequestsFor("/subscriptions/v1/s-1/results"))
	assert.Equal(t, 1, mock.RequestsFor("/subscriptions/v1/s-1/results/page/1"))
}

func TestSafeRelPath(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "o-1/manifest.json", want: "o-1/manifest.json"},
		{in: "o-1/./PSScene//a.tif", want: "o-1/PSScene/a.tif"},
		{in: "", wantErr: true},
		{in: ".", wantErr: true},
		{in: "a/../../b", wantErr: true},
		{in: "/abs", wantErr: true},
		{in: `a\b`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := safeRelPath(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStates(t *testing.T) {
	assert.True(t, OrderPartial.IsTerminal())
	assert.False(t, OrderRunning.IsTerminal())
	assert.True(t, OrderPartial.HasResults())
	assert.False(t, OrderFailed.HasResults())
	assert.True(t, AssetActive.IsTerminal())
	assert.False(t, AssetActivating.IsTerminal())
	assert.True(t, SubscriptionCompleted.IsTerminal())
	assert.False(t, SubscriptionSuspended.IsTerminal())
	assert.False(t, SubscriptionStatus("paused").Valid())
}
