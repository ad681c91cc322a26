package pagination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"time"

	"github.com/planetlabs/planet-client-go/pkg/client"
	"github.com/planetlabs/planet-client-go/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var planetPagesFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "planet_pagination_pages_total",
	Help: "Total collection pages fetched by items key",
}, []string{"items_key"})

// Fetcher executes a single request. *client.Session implements it.
type Fetcher interface {
	Execute(ctx context.Context, req *client.Request) (*client.Response, error)
}

// LinkExtractor returns the continuation link of a decoded page, or "" when
// the page is the last one.
type LinkExtractor func(page map[string]json.RawMessage) (string, error)

// Config holds paginator configuration.
type Config struct {
	// ItemsKey names the page field holding the items (e.g. "features", "orders").
	ItemsKey string

	// NextLink extracts the continuation link. Default DefaultNextLink.
	NextLink LinkExtractor

	// Limit caps the number of yielded items. Zero means unlimited.
	Limit int

	// PageTimeout bounds each page fetch. Zero means no timeout beyond the caller's context.
	PageTimeout time.Duration

	// Logger is the base logger. Defaults to the global logger.
	Logger *zerolog.Logger
}

// Paginator yields the items of a paginated collection. It is not safe for
// concurrent use and cannot be restarted.
type Paginator struct {
	fetcher Fetcher
	config  Config
	logger  zerolog.Logger

	pending *client.Request
	loopErr error
	seen    map[string]struct{}

	buf     []json.RawMessage
	item    json.RawMessage
	err     error
	done    bool
	yielded int
	pages   int
	start   time.Time
}

// New creates a paginator whose first page is fetched with first.
// Continuation pages are fetched with GET, carrying first's headers.
func New(fetcher Fetcher, first *client.Request, cfg Config) *Paginator {
	if cfg.NextLink == nil {
		cfg.NextLink = DefaultNextLink
	}

	p := &Paginator{
		fetcher: fetcher,
		config:  cfg,
		logger:  logging.Component(cfg.Logger, "paginator"),
		pending: first,
		seen:    make(map[string]struct{}),
	}

	switch {
	case fetcher == nil:
		p.fail(client.NewError("paginate", client.ErrInvalidArgument, errors.New("nil fetcher")))
	case first == nil:
		p.fail(client.NewError("paginate", client.ErrInvalidArgument, errors.New("nil first request")))
	case cfg.ItemsKey == "":
		p.fail(client.NewError("paginate", client.ErrInvalidArgument, errors.New("items key is required")))
	case cfg.Limit < 0:
		p.fail(client.NewError("paginate", client.ErrInvalidArgument, fmt.Errorf("limit must be >= 0 (got %d)", cfg.Limit)))
	default:
		p.seen[requestKey(first)] = struct{}{}
	}

	return p
}

// Failed returns a paginator whose run already ended with err.
func Failed(err error) *Paginator {
	p := &Paginator{logger: logging.NewLogger("paginator")}
	p.fail(err)
	return p
}

// Next advances to the next item, fetching the next page when the buffered
// items are used up. It returns false when the run is over; Err then tells
// whether it ended normally.
func (p *Paginator) Next(ctx context.Context) bool {
	for {
		if p.done {
			return false
		}
		if p.config.Limit > 0 && p.yielded >= p.config.Limit {
			p.finish()
			return false
		}
		if len(p.buf) > 0 {
			p.item = p.buf[0]
			p.buf = p.buf[1:]
			p.yielded++
			return true
		}
		if p.pending == nil {
			if p.loopErr != nil {
				p.fail(p.loopErr)
				return false
			}
			p.finish()
			return false
		}
		if err := p.fetch(ctx); err != nil {
			p.fail(err)
			return false
		}
	}
}

// Item returns the current item as raw JSON.
func (p *Paginator) Item() json.RawMessage {
	return p.item
}

// Decode unmarshals the current item into v.
func (p *Paginator) Decode(v any) error {
	if p.item == nil {
		return client.NewError("decode item", client.ErrInvalidArgument, errors.New("no current item"))
	}
	if err := json.Unmarshal(p.item, v); err != nil {
		return fmt.Errorf("decode %s item: %w", p.config.ItemsKey, err)
	}
	return nil
}

// Err returns the error that ended the run, if any.
func (p *Paginator) Err() error {
	return p.err
}

// Pages returns the number of pages fetched so far.
func (p *Paginator) Pages() int {
	return p.pages
}

// All returns the remaining items as an iterator. A failure is yielded once,
// as the last pair, with a nil item.
func (p *Paginator) All(ctx context.Context) iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		for p.Next(ctx) {
			if !yield(p.Item(), nil) {
				return
			}
		}
		if err := p.Err(); err != nil {
			yield(nil, err)
		}
	}
}

// Collect decodes every remaining item into a T. On failure the items decoded
// so far are returned with the error.
func Collect[T any](ctx context.Context, p *Paginator) ([]T, error) {
	var items []T
	for p.Next(ctx) {
		var item T
		if err := p.Decode(&item); err != nil {
			return items, err
		}
		items = append(items, item)
	}
	return items, p.Err()
}

func (p *Paginator) fetch(ctx context.Context) error {
	if p.start.IsZero() {
		p.start = time.Now()
	}

	req := p.pending
	p.pending = nil

	fetchCtx := ctx
	if p.config.PageTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, p.config.PageTimeout)
		defer cancel()
	}

	resp, err := p.fetcher.Execute(fetchCtx, req)
	if err != nil {
		return err
	}
	p.pages++
	planetPagesFetchedTotal.WithLabelValues(p.config.ItemsKey).Inc()

	// The session reports the absolute URL; links are compared in that form.
	pageURL := resp.URL
	if pageURL == "" {
		pageURL = requestKey(req)
	}
	p.seen[pageURL] = struct{}{}

	var page map[string]json.RawMessage
	if err := resp.Decode(&page); err != nil {
		return fmt.Errorf("page %d: %w", p.pages, err)
	}

	if raw, ok := page[p.config.ItemsKey]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, &p.buf); err != nil {
			return fmt.Errorf("page %d: decode %q: %w", p.pages, p.config.ItemsKey, err)
		}
	}

	next, err := p.config.NextLink(page)
	if err != nil {
		return fmt.Errorf("page %d: %w", p.pages, err)
	}

	p.logger.Debug().
		Int("page", p.pages).
		Int("items", len(p.buf)).
		Bool("has_next", next != "").
		Msg("Fetched page")

	if next == "" {
		return nil
	}
	next = resolveLink(pageURL, next)
	if _, dup := p.seen[next]; dup {
		p.logger.Warn().Int("page", p.pages).Str("url", next).Msg("Continuation link repeated")
		p.loopErr = client.NewError("paginate "+p.config.ItemsKey, client.ErrPaginationLoop,
			fmt.Errorf("link %s already followed", next))
		return nil
	}
	p.seen[next] = struct{}{}
	p.pending = &client.Request{Method: http.MethodGet, URL: next, Header: req.Header}
	return nil
}

func (p *Paginator) finish() {
	if p.done {
		return
	}
	p.done = true
	p.item = nil
	p.buf = nil
	p.logger.Debug().
		Str("items_key", p.config.ItemsKey).
		Int("pages", p.pages).
		Int("items", p.yielded).
		Dur("duration", time.Since(p.start)).
		Msg("Pagination complete")
}

func (p *Paginator) fail(err error) {
	p.err = err
	p.done = true
	p.item = nil
	p.buf = nil
	p.pending = nil
}

// DefaultNextLink reads "_links._next", falling back to "_links.next". Either
// may be a URL string or an object with an "href".
func DefaultNextLink(page map[string]json.RawMessage) (string, error) {
	raw, ok := page["_links"]
	if !ok || string(raw) == "null" {
		return "", nil
	}

	var links map[string]json.RawMessage
	if err := json.Unmarshal(raw, &links); err != nil {
		return "", fmt.Errorf("decode _links: %w", err)
	}

	for _, key := range []string{"_next", "next"} {
		if v, ok := links[key]; ok {
			return linkValue(v)
		}
	}
	return "", nil
}

// FieldLink returns an extractor reading the continuation link from a
// top-level string field.
func FieldLink(field string) LinkExtractor {
	return func(page map[string]json.RawMessage) (string, error) {
		v, ok := page[field]
		if !ok {
			return "", nil
		}
		return linkValue(v)
	}
}

func linkValue(raw json.RawMessage) (string, error) {
	if string(raw) == "null" {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	var obj struct {
		Href string `json:"href"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", fmt.Errorf("decode continuation link: %w", err)
	}
	return obj.Href, nil
}

// resolveLink resolves a possibly relative continuation link against the URL
// of the page that carried it.
func resolveLink(pageURL, link string) string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return link
	}
	ref, err := url.Parse(link)
	if err != nil {
		return link
	}
	return base.ResolveReference(ref).String()
}

func requestKey(req *client.Request) string {
	if len(req.Query) == 0 {
		return req.URL
	}
	return req.URL + "?" + req.Query.Encode()
}
