package planet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/planetlabs/planet-client-go/pkg/client"
	"github.com/planetlabs/planet-client-go/pkg/download"
	"github.com/planetlabs/planet-client-go/pkg/pagination"
	"github.com/planetlabs/planet-client-go/pkg/waiter"
)

// ManifestName is the base name of the manifest an order delivers with its results.
const ManifestName = "manifest.json"

// OrdersClient calls the Orders API.
type OrdersClient struct {
	c *Client
}

// Order is a snapshot of an order.
type Order struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	State        OrderState      `json:"state"`
	CreatedOn    string          `json:"created_on,omitempty"`
	LastModified string          `json:"last_modified,omitempty"`
	LastMessage  string          `json:"last_message,omitempty"`
	Products     []Product       `json:"products,omitempty"`
	Delivery     json.RawMessage `json:"delivery,omitempty"`
	Links        OrderLinks      `json:"_links"`
}

// OrderLinks holds the links of an order.
type OrderLinks struct {
	Self    string        `json:"_self"`
	Results []OrderResult `json:"results,omitempty"`
}

// OrderResult is one deliverable file of an order.
type OrderResult struct {
	Name      string `json:"name"`
	Location  string `json:"location"`
	Delivery  string `json:"delivery"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

// Delivered reports whether the file was delivered and can be downloaded.
func (r OrderResult) Delivered() bool {
	return r.Delivery == "success"
}

// Product selects the items and bundle an order processes.
type Product struct {
	ItemIDs       []string `json:"item_ids"`
	ItemType      string   `json:"item_type"`
	ProductBundle string   `json:"product_bundle"`
}

// OrderRequest is the body of an order creation.
type OrderRequest struct {
	Name          string           `json:"name"`
	Products      []Product        `json:"products"`
	Delivery      map[string]any   `json:"delivery,omitempty"`
	Tools         []map[string]any `json:"tools,omitempty"`
	Notifications map[string]any   `json:"notifications,omitempty"`
	Metadata      map[string]any   `json:"metadata,omitempty"`
}

// NewOrderRequest builds an order request for products.
func NewOrderRequest(name string, products ...Product) OrderRequest {
	return OrderRequest{Name: name, Products: products}
}

// WithArchive asks for the results as a single zip archive.
func (r OrderRequest) WithArchive(filename string) OrderRequest {
	if r.Delivery == nil {
		r.Delivery = map[string]any{}
	}
	r.Delivery["archive_type"] = "zip"
	if filename != "" {
		r.Delivery["archive_filename"] = filename
	}
	return r
}

// WithTool appends a processing tool, e.g. WithTool("clip", map[string]any{"aoi": geom}).
func (r OrderRequest) WithTool(name string, params map[string]any) OrderRequest {
	r.Tools = append(r.Tools, map[string]any{name: params})
	return r
}

// WithEmail turns on email notification when the order finishes.
func (r OrderRequest) WithEmail() OrderRequest {
	r.Notifications = map[string]any{"email": true}
	return r
}

func (r OrderRequest) validate() error {
	if r.Name == "" {
		return errors.New("order name is required")
	}
	if len(r.Products) == 0 {
		return errors.New("at least one product is required")
	}
	for i, p := range r.Products {
		if len(p.ItemIDs) == 0 || p.ItemType == "" || p.ProductBundle == "" {
			return fmt.Errorf("product %d: item ids, item type and product bundle are required", i)
		}
	}
	return nil
}

// Create submits a new order.
func (o *OrdersClient) Create(ctx context.Context, req OrderRequest) (*Order, error) {
	if err := req.validate(); err != nil {
		return nil, client.NewError("create order", client.ErrInvalidArgument, err)
	}
	var order Order
	if err := o.c.send(ctx, &client.Request{Method: http.MethodPost, URL: OrdersPath + "/", Body: req}, &order); err != nil {
		return nil, err
	}
	o.c.logger.Info().Str("order_id", order.ID).Str("state", string(order.State)).Msg("Order created")
	return &order, nil
}

// Get fetches an order.
func (o *OrdersClient) Get(ctx context.Context, id string) (*Order, error) {
	eid, err := escapeID("order", id)
	if err != nil {
		return nil, err
	}
	var order Order
	if err := o.c.get(ctx, OrdersPath+"/"+eid, nil, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// Cancel cancels a queued order and returns its new snapshot.
func (o *OrdersClient) Cancel(ctx context.Context, id string) (*Order, error) {
	eid, err := escapeID("order", id)
	if err != nil {
		return nil, err
	}
	resp, err := o.c.session.Put(ctx, OrdersPath+"/"+eid, nil)
	if err != nil {
		return nil, err
	}
	var order Order
	if err := resp.Decode(&order); err != nil {
		return nil, err
	}
	return &order, nil
}

// List returns a paginator over the caller's orders, optionally restricted to
// one state.
func (o *OrdersClient) List(ctx context.Context, state OrderState, limit int) *pagination.Paginator {
	first := client.NewRequest(http.MethodGet, OrdersPath+"/")
	if state != "" {
		if !state.Valid() {
			return pagination.Failed(client.NewError("list orders", client.ErrInvalidArgument,
				fmt.Errorf("unknown order state %q", state)))
		}
		first = first.WithQuery(url.Values{"state": {string(state)}})
	}
	return o.c.paginate(first, "orders", limit)
}

// Wait polls the order until it reaches a terminal state.
func (o *OrdersClient) Wait(ctx context.Context, id string, opts waiter.Options) (*Order, error) {
	if opts.Resource == "" {
		opts.Resource = "order"
	}
	fetch := func(ctx context.Context) (*Order, error) {
		return o.Get(ctx, id)
	}
	return waiter.Wait(ctx, fetch, func(order *Order) bool { return order.State.IsTerminal() }, opts)
}

// DownloadOptions configures an order download.
type DownloadOptions struct {
	download.Options

	// Checksum, when set, verifies every file against the digest of this
	// algorithm listed in the order manifest.
	Checksum download.Algorithm
}

// Manifest is the file listing an order delivers with its results.
type Manifest struct {
	Name  string         `json:"name"`
	Files []ManifestFile `json:"files"`
}

// ManifestFile is one entry of a manifest.
type ManifestFile struct {
	Path      string            `json:"path"`
	MediaType string            `json:"media_type,omitempty"`
	Size      int64             `json:"size,omitempty"`
	Digests   map[string]string `json:"digests"`
}

// Download fetches the delivered results of an order into dir, keeping the
// result names as relative paths. With a checksum algorithm the manifest is
// downloaded first and each file is verified against its digest.
//
// One failed file does not stop the others. The returned error joins the
// failures; the outcomes report every file.
func (o *OrdersClient) Download(ctx context.Context, id, dir string, opts DownloadOptions) ([]download.Outcome, error) {
	order, err := o.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return o.downloadResults(ctx, order, dir, opts)
}

// WaitAndDownload waits for the order and downloads its results. Orders that
// end without results fail with client.ErrInvalidArgument.
func (o *OrdersClient) WaitAndDownload(ctx context.Context, id, dir string, waitOpts waiter.Options, opts DownloadOptions) ([]download.Outcome, error) {
	order, err := o.Wait(ctx, id, waitOpts)
	if err != nil {
		return nil, err
	}
	if !order.State.HasResults() {
		return nil, client.NewError("download order "+id, client.ErrInvalidArgument,
			fmt.Errorf("order ended in state %s: %s", order.State, order.LastMessage))
	}
	return o.downloadResults(ctx, order, dir, opts)
}

func (o *OrdersClient) downloadResults(ctx context.Context, order *Order, dir string, opts DownloadOptions) ([]download.Outcome, error) {
	op := "download order " + order.ID
	if opts.Checksum != "" {
		if _, err := download.ParseAlgorithm(string(opts.Checksum)); err != nil {
			return nil, client.NewError(op, client.ErrInvalidArgument, err)
		}
	}

	var tasks []download.Task
	manifestIdx := -1
	for _, r := range order.Links.Results {
		if !r.Delivered() {
			continue
		}
		name, err := safeRelPath(r.Name)
		if err != nil {
			return nil, client.NewError(op, client.ErrInvalidArgument, err)
		}
		if path.Base(name) == ManifestName && manifestIdx < 0 {
			manifestIdx = len(tasks)
		}
		tasks = append(tasks, download.Task{URL: r.Location, Path: filepath.Join(dir, filepath.FromSlash(name))})
	}
	if len(tasks) == 0 {
		return nil, client.NewError(op, client.ErrInvalidArgument, errors.New("order has no delivered results"))
	}

	mopts := opts.Options
	mopts.CreateDirs = true
	m, err := download.New(o.c.session, mopts)
	if err != nil {
		return nil, client.NewError(op, client.ErrInvalidArgument, err)
	}

	var outcomes []download.Outcome
	if opts.Checksum != "" {
		if manifestIdx < 0 {
			return nil, client.NewError(op, client.ErrInvalidArgument, errors.New("order has no manifest to verify against"))
		}
		mtask := tasks[manifestIdx]
		tasks = append(tasks[:manifestIdx:manifestIdx], tasks[manifestIdx+1:]...)

		mout := m.Download(ctx, mtask)
		outcomes = append(outcomes, mout)
		if mout.Err != nil {
			return outcomes, mout.Err
		}
		if err := attachChecksums(mout.Path, opts.Checksum, tasks); err != nil {
			return outcomes, client.NewError(op, client.ErrInvalidArgument, err)
		}
	}

	o.c.logger.Info().
		Str("order_id", order.ID).
		Int("files", len(tasks)).
		Str("checksum", string(opts.Checksum)).
		Msg("Downloading order results")

	rest := m.DownloadMany(ctx, tasks)
	for i := range rest {
		rest[i].Index = len(outcomes) + i
	}
	outcomes = append(outcomes, rest...)

	var errs []error
	for _, out := range outcomes {
		if out.Err != nil {
			errs = append(errs, out.Err)
		}
	}
	return outcomes, errors.Join(errs...)
}

// attachChecksums reads the manifest at manifestPath and sets the expected
// digest of every task it lists. Manifest paths are relative to the directory
// holding the manifest. A task the manifest does not list is an error.
func attachChecksums(manifestPath string, algo download.Algorithm, tasks []download.Task) error {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("decode manifest: %w", err)
	}

	root := filepath.Dir(manifestPath)
	digests := make(map[string]string, len(manifest.Files))
	for _, f := range manifest.Files {
		rel, err := safeRelPath(f.Path)
		if err != nil {
			return fmt.Errorf("manifest: %w", err)
		}
		digests[filepath.Join(root, filepath.FromSlash(rel))] = f.Digests[string(algo)]
	}

	for i := range tasks {
		digest, ok := digests[tasks[i].Path]
		if !ok || digest == "" {
			return fmt.Errorf("manifest has no %s digest for %s", algo, filepath.Base(tasks[i].Path))
		}
		sum, err := download.NewChecksum(algo, digest)
		if err != nil {
			return err
		}
		tasks[i].Checksum = sum
	}
	return nil
}
