package planet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/planetlabs/planet-client-go/pkg/client"
	"github.com/planetlabs/planet-client-go/pkg/download"
	"github.com/planetlabs/planet-client-go/pkg/pagination"
	"github.com/planetlabs/planet-client-go/pkg/waiter"
)

// DataClient calls the Data API.
type DataClient struct {
	c *Client
}

// Item is a catalog item as a GeoJSON feature.
type Item struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Geometry   json.RawMessage `json:"geometry,omitempty"`
	Properties map[string]any  `json:"properties"`
	Assets     []string        `json:"assets,omitempty"`
	Links      map[string]any  `json:"_links,omitempty"`
}

// ItemType returns the item_type property.
func (i Item) ItemType() string {
	s, _ := i.Properties["item_type"].(string)
	return s
}

// Acquired returns the acquired property.
func (i Item) Acquired() string {
	s, _ := i.Properties["acquired"].(string)
	return s
}

// ItemType describes a kind of item in the catalog.
type ItemType struct {
	ID                  string   `json:"id"`
	DisplayName         string   `json:"display_name"`
	Description         string   `json:"display_description"`
	SupportedAssetTypes []string `json:"supported_asset_types"`
}

// Asset is a downloadable product of an item.
type Asset struct {
	Type        string      `json:"type"`
	Status      AssetStatus `json:"status"`
	Location    string      `json:"location,omitempty"`
	MD5Digest   string      `json:"md5_digest,omitempty"`
	ExpiresAt   string      `json:"expires_at,omitempty"`
	Permissions []string    `json:"_permissions,omitempty"`
	Links       struct {
		Self     string `json:"_self"`
		Activate string `json:"activate"`
		Type     string `json:"type"`
	} `json:"_links"`
}

// SearchRequest is the body of a quick search.
type SearchRequest struct {
	ItemTypes []string `json:"item_types"`
	Filter    Filter   `json:"filter"`

	// Sort is sent as the _sort query parameter, e.g. "acquired desc".
	Sort string `json:"-"`

	// PageSize is sent as the _page_size query parameter.
	PageSize int `json:"-"`
}

func (r SearchRequest) validate() error {
	if len(r.ItemTypes) == 0 {
		return errors.New("at least one item type is required")
	}
	if r.Filter == nil {
		return errors.New("filter is required")
	}
	if r.PageSize < 0 {
		return fmt.Errorf("page size must be >= 0 (got %d)", r.PageSize)
	}
	return nil
}

// Search runs a quick search and returns a paginator over the matching items.
// limit caps the number of items; zero means all.
func (d *DataClient) Search(ctx context.Context, req SearchRequest, limit int) *pagination.Paginator {
	if err := req.validate(); err != nil {
		return pagination.Failed(client.NewError("search", client.ErrInvalidArgument, err))
	}

	first := &client.Request{Method: http.MethodPost, URL: DataPath + "/quick-search", Body: req}
	if req.Sort != "" || req.PageSize > 0 {
		q := url.Values{}
		if req.Sort != "" {
			q.Set("_sort", req.Sort)
		}
		if req.PageSize > 0 {
			q.Set("_page_size", strconv.Itoa(req.PageSize))
		}
		first.Query = q
	}
	return d.c.paginate(first, "features", limit)
}

// GetItem fetches one item.
func (d *DataClient) GetItem(ctx context.Context, itemType, itemID string) (*Item, error) {
	u, err := itemURL(itemType, itemID)
	if err != nil {
		return nil, err
	}
	var item Item
	if err := d.c.get(ctx, u, nil, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// ListItemTypes returns the item types of the catalog. The list rarely
// changes and is served from the response cache when one is configured.
func (d *DataClient) ListItemTypes(ctx context.Context) ([]ItemType, error) {
	var body struct {
		ItemTypes []ItemType `json:"item_types"`
	}
	req := &client.Request{Method: http.MethodGet, URL: DataPath + "/item-types", Cacheable: true}
	if err := d.c.send(ctx, req, &body); err != nil {
		return nil, err
	}
	return body.ItemTypes, nil
}

// ListAssets returns the assets of an item keyed by asset type.
func (d *DataClient) ListAssets(ctx context.Context, itemType, itemID string) (map[string]Asset, error) {
	u, err := itemURL(itemType, itemID)
	if err != nil {
		return nil, err
	}
	assets := make(map[string]Asset)
	if err := d.c.get(ctx, u+"/assets", nil, &assets); err != nil {
		return nil, err
	}
	for name, a := range assets {
		if a.Type == "" {
			a.Type = name
			assets[name] = a
		}
	}
	return assets, nil
}

// AssetTypes returns the sorted keys of assets.
func AssetTypes(assets map[string]Asset) []string {
	types := make([]string, 0, len(assets))
	for t := range assets {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// GetAsset returns one asset of an item.
func (d *DataClient) GetAsset(ctx context.Context, itemType, itemID, assetType string) (*Asset, error) {
	assets, err := d.ListAssets(ctx, itemType, itemID)
	if err != nil {
		return nil, err
	}
	a, ok := assets[assetType]
	if !ok {
		return nil, client.NewError("get asset", client.ErrInvalidArgument,
			fmt.Errorf("item %s/%s has no asset %q (available: %v)", itemType, itemID, assetType, AssetTypes(assets)))
	}
	return &a, nil
}

// ActivateAsset requests activation. Activating an active asset is a no-op.
func (d *DataClient) ActivateAsset(ctx context.Context, asset *Asset) error {
	if asset == nil || asset.Links.Activate == "" {
		return client.NewError("activate asset", client.ErrInvalidArgument, errors.New("asset has no activation link"))
	}
	if asset.Status == AssetActive {
		return nil
	}
	return d.c.send(ctx, client.NewRequest(http.MethodGet, asset.Links.Activate), nil)
}

// WaitAsset polls the asset until it is active.
func (d *DataClient) WaitAsset(ctx context.Context, itemType, itemID, assetType string, opts waiter.Options) (*Asset, error) {
	if opts.Resource == "" {
		opts.Resource = "asset"
	}
	fetch := func(ctx context.Context) (*Asset, error) {
		return d.GetAsset(ctx, itemType, itemID, assetType)
	}
	return waiter.Wait(ctx, fetch, func(a *Asset) bool { return a.Status.IsTerminal() }, opts)
}

// DownloadAsset downloads an active asset into dir, verifying the MD5 digest
// the catalog reports for it.
func (d *DataClient) DownloadAsset(ctx context.Context, asset *Asset, dir string, opts download.Options) (download.Outcome, error) {
	if asset == nil || asset.Status != AssetActive || asset.Location == "" {
		return download.Outcome{}, client.NewError("download asset", client.ErrInvalidArgument, errors.New("asset is not active"))
	}

	task := download.Task{URL: asset.Location, Dir: dir}
	if asset.MD5Digest != "" {
		sum, err := download.NewChecksum(download.MD5, asset.MD5Digest)
		if err != nil {
			return download.Outcome{}, err
		}
		task.Checksum = sum
	}

	m, err := download.New(d.c.session, opts)
	if err != nil {
		return download.Outcome{}, client.NewError("download asset", client.ErrInvalidArgument, err)
	}
	out := m.Download(ctx, task)
	return out, out.Err
}

// ActivateAndDownload activates an asset, waits for it and downloads it.
func (d *DataClient) ActivateAndDownload(ctx context.Context, itemType, itemID, assetType, dir string, waitOpts waiter.Options, opts download.Options) (download.Outcome, error) {
	asset, err := d.GetAsset(ctx, itemType, itemID, assetType)
	if err != nil {
		return download.Outcome{}, err
	}
	if err := d.ActivateAsset(ctx, asset); err != nil {
		return download.Outcome{}, err
	}
	if asset.Status != AssetActive {
		if asset, err = d.WaitAsset(ctx, itemType, itemID, assetType, waitOpts); err != nil {
			return download.Outcome{}, err
		}
	}
	return d.DownloadAsset(ctx, asset, dir, opts)
}

func itemURL(itemType, itemID string) (string, error) {
	t, err := escapeID("item type", itemType)
	if err != nil {
		return "", err
	}
	id, err := escapeID("item", itemID)
	if err != nil {
		return "", err
	}
	return DataPath + "/item-types/" + t + "/items/" + id, nil
}

// Filter is a Data API search filter.
type Filter map[string]any

// AndFilter matches items matching all filters.
func AndFilter(filters ...Filter) Filter {
	return Filter{"type": "AndFilter", "config": filters}
}

// OrFilter matches items matching any filter.
func OrFilter(filters ...Filter) Filter {
	return Filter{"type": "OrFilter", "config": filters}
}

// DateRangeFilter matches items whose field lies in [gte, lte]. Zero times are left open.
func DateRangeFilter(field string, gte, lte time.Time) Filter {
	config := map[string]string{}
	if !gte.IsZero() {
		config["gte"] = gte.UTC().Format(time.RFC3339)
	}
	if !lte.IsZero() {
		config["lte"] = lte.UTC().Format(time.RFC3339)
	}
	return Filter{"type": "DateRangeFilter", "field_name": field, "config": config}
}

// RangeFilter matches items whose numeric field lies in [gte, lte].
func RangeFilter(field string, gte, lte float64) Filter {
	return Filter{"type": "RangeFilter", "field_name": field, "config": map[string]float64{"gte": gte, "lte": lte}}
}

// GeometryFilter matches items intersecting a GeoJSON geometry.
func GeometryFilter(geometry json.RawMessage) Filter {
	return Filter{"type": "GeometryFilter", "field_name": "geometry", "config": geometry}
}

// StringInFilter matches items whose field equals one of values.
func StringInFilter(field string, values ...string) Filter {
	return Filter{"type": "StringInFilter", "field_name": field, "config": values}
}

// PermissionFilter matches items the caller may download.
func PermissionFilter() Filter {
	return Filter{"type": "PermissionFilter", "config": []string{"assets:download"}}
}
