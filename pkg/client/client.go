// Package client provides the HTTP session shared by every platform API call:
// credential injection, retries with backoff, rate limit pauses, a bound on
// in-flight requests and the optional response cache.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/planetlabs/planet-client-go/pkg/auth"
	"github.com/planetlabs/planet-client-go/pkg/cache"
	"github.com/planetlabs/planet-client-go/pkg/logging"
	"github.com/planetlabs/planet-client-go/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Prometheus metrics for session operations.
var (
	planetRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "planet_requests_total",
		Help: "Total API requests by method and status",
	}, []string{"method", "status"})

	planetRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "planet_request_duration_seconds",
		Help:    "API request duration in seconds by method, headers only for streams",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"method"})

	planetErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "planet_errors_total",
		Help: "Total API errors by class",
	}, []string{"class"})

	planetInFlightRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "planet_inflight_requests",
		Help: "Requests currently holding a session slot",
	})
)

// DefaultBaseURL is the platform API root.
const DefaultBaseURL = "https://api.planet.com"

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 1 << 20

// Session is the transport shared by all resource clients. One Session per
// process is the intended usage; it is safe for concurrent use.
type Session struct {
	baseURL    *url.URL
	httpClient *http.Client
	creds      auth.CredentialProvider
	sem        *semaphore.Weighted
	tracker    *ratelimit.Tracker
	cache      *cache.Manager
	config     Config
	logger     zerolog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	rand  func() float64

	mu     sync.RWMutex
	closed bool
	calls  sync.WaitGroup

	inFlight atomic.Int64
	peak     atomic.Int64
}

// Config holds the session configuration.
type Config struct {
	// BaseURL resolves relative request URLs. Default DefaultBaseURL.
	BaseURL string

	// Credentials supplies auth headers before every attempt (REQUIRED).
	Credentials auth.CredentialProvider

	// UserAgent header sent with every request.
	UserAgent string

	// HTTPClient performs the requests. It should not set a Timeout, which would
	// also bound download streams; use Config.Timeout instead.
	HTTPClient *http.Client

	// MaxInFlight bounds concurrent requests, streams included.
	MaxInFlight int64

	// Timeout bounds each Execute attempt. Zero means no per-attempt timeout.
	Timeout time.Duration

	Retry RetryConfig

	// Redis enables the shared rate limit state and the response cache. Optional.
	Redis redis.UniversalClient

	// RateLimitStore overrides the rate limit store. Defaults to Redis when set,
	// in-process otherwise.
	RateLimitStore ratelimit.Store

	// Logger is the base logger. Defaults to the global logger.
	Logger *zerolog.Logger
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(credentials auth.CredentialProvider) Config {
	return Config{
		BaseURL:     DefaultBaseURL,
		Credentials: credentials,
		UserAgent:   "planet-client-go/" + Version,
		MaxInFlight: 5,
		Timeout:     60 * time.Second,
		Retry:       DefaultRetryConfig(),
	}
}

// Version is reported in the default User-Agent.
var Version = "dev"

// New creates a new session.
func New(cfg Config) (*Session, error) {
	if cfg.Credentials == nil {
		return nil, fmt.Errorf("credentials are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url must be absolute (got %q)", cfg.BaseURL)
	}
	if cfg.MaxInFlight < 1 {
		return nil, fmt.Errorf("max_in_flight must be >= 1 (got %d)", cfg.MaxInFlight)
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("timeout must not be negative")
	}
	if err := cfg.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("retry config: %w", err)
	}

	logger := logging.Component(cfg.Logger, "transport")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	store := cfg.RateLimitStore
	if store == nil && cfg.Redis != nil {
		store = ratelimit.NewRedisStore(cfg.Redis)
	}
	tracker := ratelimit.NewTracker(store, logging.Component(cfg.Logger, "ratelimit"))
	if cfg.Retry.MaxRetryAfter > 0 {
		tracker.SetMaxPause(cfg.Retry.MaxRetryAfter)
	}

	var cacheManager *cache.Manager
	if cfg.Redis != nil {
		cacheManager = cache.NewManager(cfg.Redis)
	}

	return &Session{
		baseURL:    base,
		httpClient: httpClient,
		creds:      cfg.Credentials,
		sem:        semaphore.NewWeighted(cfg.MaxInFlight),
		tracker:    tracker,
		cache:      cacheManager,
		config:     cfg,
		logger:     logger,
		sleep:      sleepContext,
		rand:       rand.Float64,
	}, nil
}

// BaseURL returns the URL relative requests are resolved against.
func (s *Session) BaseURL() *url.URL {
	u := *s.baseURL
	return &u
}

// Stats reports concurrency counters.
type Stats struct {
	InFlight     int64
	PeakInFlight int64
}

// Stats returns the current and peak number of requests holding a slot.
func (s *Session) Stats() Stats {
	return Stats{InFlight: s.inFlight.Load(), PeakInFlight: s.peak.Load()}
}

// Execute performs req with retries and returns the fully read response.
// Statuses >= 400 are returned as *APIError.
func (s *Session) Execute(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, NewError("execute", ErrInvalidArgument, errors.New("nil request"))
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	u, err := s.resolve(req.URL, req.Query)
	if err != nil {
		return nil, NewError(method+" "+req.URL, ErrInvalidArgument, err)
	}
	op := method + " " + u.Redacted()

	body, err := req.encodeBody()
	if err != nil {
		return nil, NewError(op, ErrInvalidArgument, err)
	}

	if err := s.begin(); err != nil {
		return nil, NewError(op, err, nil)
	}
	defer s.calls.Done()

	var (
		cacheKey cache.CacheKey
		stale    *cache.CacheEntry
	)
	if req.Cacheable && method == http.MethodGet && s.cache != nil {
		cacheKey = s.cacheKey(ctx, u)
		entry, err := s.cache.Get(ctx, cacheKey)
		switch {
		case err == nil && !entry.IsExpired():
			s.logger.Debug().Str("url", u.Redacted()).Msg("Serving response from cache")
			return entryResponse(entry, u), nil
		case err == nil && cache.ShouldMakeConditionalRequest(entry):
			stale = entry
		case err != nil && !errors.Is(err, cache.ErrCacheMiss):
			s.logger.Warn().Err(err).Str("url", u.Redacted()).Msg("Cache get error")
		}
	}

	requestID := uuid.NewString()
	newRequest := func(ctx context.Context) (*http.Request, error) {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
		if err != nil {
			return nil, err
		}
		for k, v := range req.Header {
			httpReq.Header[k] = append([]string(nil), v...)
		}
		httpReq.Header.Set("Accept", "application/json")
		if body != nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}
		httpReq.Header.Set("X-Request-Id", requestID)
		if stale != nil {
			cache.AddConditionalHeaders(httpReq.Header, stale)
			cache.ConditionalRequestsSent.Inc()
		}
		return httpReq, nil
	}

	resp, data, err := s.send(ctx, op, newRequest, false)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusNotModified && stale != nil {
		if err := s.cache.Refresh(ctx, cacheKey, stale, resp.Header); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to refresh cache entry")
		}
		return entryResponse(stale, u), nil
	}

	if req.Cacheable && method == http.MethodGet && s.cache != nil {
		if entry, ok := cache.ResponseToEntry(resp.StatusCode, resp.Header, data); ok {
			if err := s.cache.Set(ctx, cacheKey, entry); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to cache response")
			}
		}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
		URL:        u.String(),
	}, nil
}

// Stream performs an authenticated GET and returns the response with its body
// unread. The request holds a session slot until the body is closed, so callers
// must always close it. Retries cover failures before the headers arrive.
func (s *Session) Stream(ctx context.Context, rawURL string) (*http.Response, error) {
	u, err := s.resolve(rawURL, nil)
	if err != nil {
		return nil, NewError("GET "+rawURL, ErrInvalidArgument, err)
	}
	op := "GET " + u.Redacted()

	if err := s.begin(); err != nil {
		return nil, NewError(op, err, nil)
	}

	requestID := uuid.NewString()
	newRequest := func(ctx context.Context) (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("X-Request-Id", requestID)
		return httpReq, nil
	}

	resp, _, err := s.send(ctx, op, newRequest, true)
	if err != nil {
		s.calls.Done()
		return nil, err
	}

	// send left the slot held; closing the body gives it back.
	release := resp.Body.(*releasingBody)
	release.done = append(release.done, s.calls.Done)
	return resp, nil
}

// Get performs a GET of url with the given query.
func (s *Session) Get(ctx context.Context, url string, query url.Values) (*Response, error) {
	return s.Execute(ctx, &Request{Method: http.MethodGet, URL: url, Query: query})
}

// Post performs a POST of url with a JSON body.
func (s *Session) Post(ctx context.Context, url string, body any) (*Response, error) {
	return s.Execute(ctx, &Request{Method: http.MethodPost, URL: url, Body: body})
}

// Put performs a PUT of url with a JSON body.
func (s *Session) Put(ctx context.Context, url string, body any) (*Response, error) {
	return s.Execute(ctx, &Request{Method: http.MethodPut, URL: url, Body: body})
}

// Delete performs a DELETE of url.
func (s *Session) Delete(ctx context.Context, url string) (*Response, error) {
	return s.Execute(ctx, &Request{Method: http.MethodDelete, URL: url})
}

// Close rejects new calls and waits for in-flight calls, open streams
// included, until ctx ends.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.calls.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return NewError("close", ErrCancelled, ctx.Err())
	}
}

func (s *Session) begin() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.calls.Add(1)
	return nil
}

// send runs the attempt loop. With keepBody the successful response is returned
// unread and still holding its slot; otherwise the body is read and returned.
func (s *Session) send(ctx context.Context, op string, newRequest func(context.Context) (*http.Request, error), keepBody bool) (*http.Response, []byte, error) {
	retry := s.config.Retry
	refreshed := false

	var (
		lastErr   error
		lastClass ErrorClass
	)

	for attempt := 1; ; attempt++ {
		if err := s.tracker.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, nil, NewError(op, ErrCancelled, ctx.Err())
			}
			s.logger.Warn().Err(err).Msg("Rate limit state unavailable, proceeding")
		}

		if err := s.acquire(ctx); err != nil {
			return nil, nil, NewError(op, ErrCancelled, err)
		}

		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if !keepBody && s.config.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, s.config.Timeout)
		}

		httpReq, err := newRequest(attemptCtx)
		if err == nil {
			err = s.authorize(attemptCtx, httpReq)
		}
		if err != nil {
			cancel()
			s.release()
			if ctx.Err() != nil {
				return nil, nil, NewError(op, ErrCancelled, ctx.Err())
			}
			return nil, nil, NewError(op, ErrInvalidArgument, err)
		}

		s.logger.Debug().
			Str("method", httpReq.Method).
			Str("url", httpReq.URL.Redacted()).
			Int("attempt", attempt).
			Msg("Sending request")

		start := time.Now()
		resp, err := s.httpClient.Do(httpReq)
		planetRequestDuration.WithLabelValues(httpReq.Method).Observe(time.Since(start).Seconds())

		var (
			retryAfter    time.Duration
			hasRetryAfter bool
		)

		switch {
		case err != nil:
			cancel()
			s.release()
			if ctx.Err() != nil {
				return nil, nil, NewError(op, ErrCancelled, ctx.Err())
			}
			lastErr = NewError(op, ErrConnection, err)
			lastClass = ErrorClassNetwork
			planetRequestsTotal.WithLabelValues(httpReq.Method, "network_error").Inc()

		case resp.StatusCode < 400:
			planetRequestsTotal.WithLabelValues(httpReq.Method, strconv.Itoa(resp.StatusCode)).Inc()
			s.observe(ctx, resp)

			if keepBody {
				resp.Body = &releasingBody{ReadCloser: resp.Body, done: []func(){cancel, s.release}}
				return resp, nil, nil
			}

			data, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			cancel()
			s.release()
			if readErr == nil {
				if attempt > 1 {
					s.logger.Info().Int("attempt", attempt).Str("url", httpReq.URL.Redacted()).Msg("Request succeeded after retry")
				}
				return resp, data, nil
			}
			if ctx.Err() != nil {
				return nil, nil, NewError(op, ErrCancelled, ctx.Err())
			}
			lastErr = NewError(op, ErrConnection, fmt.Errorf("read response body: %w", readErr))
			lastClass = ErrorClassNetwork

		default:
			planetRequestsTotal.WithLabelValues(httpReq.Method, strconv.Itoa(resp.StatusCode)).Inc()
			s.observe(ctx, resp)

			data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			resp.Body.Close()
			cancel()
			s.release()

			apiErr := &APIError{
				StatusCode: resp.StatusCode,
				Status:     resp.Status,
				Body:       data,
				Header:     resp.Header,
				Method:     httpReq.Method,
				URL:        httpReq.URL.Redacted(),
			}
			lastErr = apiErr
			lastClass = apiErr.Class()
			retryAfter, hasRetryAfter = ratelimit.ParseRetryAfter(resp.Header, time.Now())

			if resp.StatusCode == http.StatusUnauthorized && !refreshed {
				if r, ok := s.creds.(auth.Refresher); ok {
					refreshed = true
					err := r.Refresh(ctx)
					if err == nil {
						s.logger.Debug().Msg("Credentials refreshed after 401, repeating request")
						attempt--
						continue
					}
					s.logger.Warn().Err(err).Msg("Credential refresh failed")
				}
			}
		}

		planetErrorsTotal.WithLabelValues(string(lastClass)).Inc()

		if !shouldRetry(lastClass) {
			return nil, nil, lastErr
		}
		if attempt >= retry.MaxAttempts {
			s.logger.Error().
				Err(lastErr).
				Str("error_class", string(lastClass)).
				Int("max_attempts", retry.MaxAttempts).
				Msg("Retry attempts exhausted")
			return nil, nil, exhausted(attempt, lastClass, lastErr)
		}

		delay := retry.Delay(attempt, retryAfter, hasRetryAfter, s.rand())
		planetRetriesTotal.WithLabelValues(string(lastClass)).Inc()
		planetRetryBackoffSeconds.WithLabelValues(string(lastClass)).Observe(delay.Seconds())

		s.logger.Warn().
			Err(lastErr).
			Str("error_class", string(lastClass)).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Retrying request after backoff")

		if err := s.sleep(ctx, delay); err != nil {
			return nil, nil, NewError(op, ErrCancelled, err)
		}
	}
}

func (s *Session) authorize(ctx context.Context, req *http.Request) error {
	h, err := s.creds.Headers(ctx)
	if err != nil {
		return fmt.Errorf("credentials: %w", err)
	}
	for k, v := range h {
		req.Header[k] = v
	}
	if s.config.UserAgent != "" {
		req.Header.Set("User-Agent", s.config.UserAgent)
	}
	return nil
}

func (s *Session) observe(ctx context.Context, resp *http.Response) {
	if err := s.tracker.Observe(ctx, resp.StatusCode, resp.Header); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to update rate limit state")
	}
}

func (s *Session) acquire(ctx context.Context) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	n := s.inFlight.Add(1)
	planetInFlightRequests.Inc()
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return nil
}

func (s *Session) release() {
	s.inFlight.Add(-1)
	planetInFlightRequests.Dec()
	s.sem.Release(1)
}

// resolve turns a request URL into an absolute URL with query merged in.
func (s *Session) resolve(raw string, query url.Values) (*url.URL, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	u := s.baseURL.ResolveReference(ref)
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u, nil
}

func (s *Session) cacheKey(ctx context.Context, u *url.URL) cache.CacheKey {
	var authorization string
	if h, err := s.creds.Headers(ctx); err == nil {
		authorization = h.Get("Authorization")
	}
	return cache.KeyForURL(u, cache.ScopeFor(authorization))
}

func entryResponse(entry *cache.CacheEntry, u *url.URL) *Response {
	return &Response{
		StatusCode: entry.StatusCode,
		Header:     entry.Headers,
		Body:       entry.Data,
		URL:        u.String(),
		FromCache:  true,
	}
}

// releasingBody runs its done funcs once, when the body is closed.
type releasingBody struct {
	io.ReadCloser
	once sync.Once
	done []func()
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(func() {
		for _, fn := range b.done {
			fn()
		}
	})
	return err
}
