// Package metrics exposes the Prometheus metrics of the SDK.
// All metrics are defined in their respective packages (client, ratelimit,
// cache, pagination, waiter, download) to keep those packages free of a
// dependency on this one.
//
// This package documents the metrics and serves them over HTTP.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/planetlabs/planet-client-go/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer all SDK metrics are registered with via promauto.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer matching Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler returns an HTTP handler serving the SDK metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Serve exposes Handler at /metrics on addr until ctx is done. It returns once
// the listener is bound; the returned address is the one actually bound, so
// addr may use port 0.
func Serve(ctx context.Context, addr string) (string, error) {
	logger := logging.NewLogger("metrics")

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", ln.Addr().String()).Msg("Serving metrics")
	return ln.Addr().String(), nil
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - planet_requests_total{method, status} (Counter): API requests by method and HTTP status
//   - planet_request_duration_seconds{method} (Histogram): Request duration; headers only for streams
//   - planet_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//   - planet_inflight_requests (Gauge): Requests holding a session slot
//
// Retry Metrics (pkg/client):
//   - planet_retries_total{error_class} (Counter): Retry attempts by error class
//   - planet_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - planet_retry_exhausted_total{error_class} (Counter): Requests that exhausted their attempts
//
// Rate Limit Metrics (pkg/ratelimit):
//   - planet_ratelimit_remaining (Gauge): Requests remaining in the window as last reported
//   - planet_ratelimit_pauses_total (Counter): Throttling responses that paused outgoing requests
//   - planet_ratelimit_wait_seconds (Histogram): Time requests waited for a pause to end
//
// Cache Metrics (pkg/cache):
//   - planet_cache_hits_total{layer="redis"} (Counter): Response cache hits
//   - planet_cache_misses_total (Counter): Response cache misses
//   - planet_cache_size_bytes{layer="redis"} (Gauge): Bytes written to the cache
//   - planet_cache_conditional_requests_total (Counter): Revalidations sent with If-None-Match
//   - planet_cache_not_modified_total (Counter): 304 Not Modified responses
//   - planet_cache_errors_total{operation} (Counter): Cache operation errors
//
// Pagination Metrics (pkg/pagination):
//   - planet_pagination_pages_total{items_key} (Counter): Pages fetched by collection
//
// Wait Metrics (pkg/waiter):
//   - planet_wait_polls_total{resource} (Counter): Status fetches while waiting
//   - planet_wait_outcomes_total{resource, state} (Counter): Finished waits by final state
//   - planet_wait_duration_seconds{resource} (Histogram): Time spent waiting
//
// Download Metrics (pkg/download):
//   - planet_download_bytes_total (Counter): Bytes received, failed attempts included
//   - planet_downloads_total{result} (Counter): Finished tasks by result (success, failed)
//   - planet_download_inflight (Gauge): Running download tasks
//   - planet_download_duration_seconds (Histogram): Duration of finished tasks
//
// Example Prometheus Queries:
//
//   # Retry Rate
//   sum(rate(planet_retries_total[5m])) / sum(rate(planet_requests_total[5m]))
//
//   # Throttled Time
//   rate(planet_ratelimit_wait_seconds_sum[5m])
//
//   # Download Throughput
//   rate(planet_download_bytes_total[1m])
//
//   # Failed Downloads
//   increase(planet_downloads_total{result="failed"}[1h])
//
//   # P95 Order Wait
//   histogram_quantile(0.95, rate(planet_wait_duration_seconds_bucket{resource="order"}[1h]))
