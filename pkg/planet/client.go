// Package planet provides the Data, Orders and Subscriptions API clients.
//
// All clients share one *client.Session, which owns credentials, retries and
// the request concurrency limit:
//
//	session, err := client.New(client.DefaultConfig(auth.NewAPIKey(key)))
//	if err != nil {
//		return err
//	}
//	defer session.Close(ctx)
//
//	pl := planet.New(session)
//	order, err := pl.Orders().Create(ctx, planet.NewOrderRequest("scenes",
//		planet.Product{ItemIDs: ids, ItemType: "PSScene", ProductBundle: "analytic_udm2"}))
package planet

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/planetlabs/planet-client-go/pkg/client"
	"github.com/planetlabs/planet-client-go/pkg/logging"
	"github.com/planetlabs/planet-client-go/pkg/pagination"
	"github.com/rs/zerolog"
)

// API roots relative to the session base URL.
const (
	DataPath          = "/data/v1"
	OrdersPath        = "/compute/ops/orders/v2"
	SubscriptionsPath = "/subscriptions/v1"
)

// Client groups the resource clients.
type Client struct {
	session *client.Session
	logger  zerolog.Logger
}

// New creates a client over session.
func New(session *client.Session) *Client {
	return &Client{session: session, logger: logging.NewLogger("planet")}
}

// Session returns the underlying session.
func (c *Client) Session() *client.Session {
	return c.session
}

// Data returns the Data API client.
func (c *Client) Data() *DataClient {
	return &DataClient{c: c}
}

// Orders returns the Orders API client.
func (c *Client) Orders() *OrdersClient {
	return &OrdersClient{c: c}
}

// Subscriptions returns the Subscriptions API client.
func (c *Client) Subscriptions() *SubscriptionsClient {
	return &SubscriptionsClient{c: c}
}

func (c *Client) get(ctx context.Context, u string, query url.Values, v any) error {
	resp, err := c.session.Get(ctx, u, query)
	if err != nil {
		return err
	}
	return resp.Decode(v)
}

func (c *Client) send(ctx context.Context, req *client.Request, v any) error {
	resp, err := c.session.Execute(ctx, req)
	if err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	return resp.Decode(v)
}

func (c *Client) paginate(first *client.Request, itemsKey string, limit int) *pagination.Paginator {
	return pagination.New(c.session, first, pagination.Config{ItemsKey: itemsKey, Limit: limit})
}

// escapeID rejects empty ids and escapes the rest for use as a path segment.
func escapeID(kind, id string) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", client.NewError("validate "+kind, client.ErrInvalidArgument, errors.New("id is required"))
	}
	return url.PathEscape(id), nil
}

// safeRelPath validates a server-provided relative file name before it is
// joined onto a local directory.
func safeRelPath(name string) (string, error) {
	if name == "" {
		return "", errors.New("empty file name")
	}
	if strings.Contains(name, `\`) || path.IsAbs(name) {
		return "", fmt.Errorf("file name %q is not a relative path", name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return "", fmt.Errorf("file name %q escapes the destination", name)
		}
	}
	clean := path.Clean(name)
	if clean == "." {
		return "", fmt.Errorf("file name %q is empty after cleaning", name)
	}
	return clean, nil
}
