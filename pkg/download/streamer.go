package download

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/planetlabs/planet-client-go/pkg/client"
	"github.com/planetlabs/planet-client-go/pkg/logging"
	"github.com/rs/zerolog"
)

// StreamerConfig configures an HTTPStreamer.
type StreamerConfig struct {
	// RetryMax is the number of retries after the first attempt.
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	// HTTPClient performs the requests. Defaults to a pooled client without timeout.
	HTTPClient *http.Client

	Logger *zerolog.Logger
}

// DefaultStreamerConfig returns the default streamer configuration.
func DefaultStreamerConfig() StreamerConfig {
	return StreamerConfig{
		RetryMax:     4,
		RetryWaitMin: 1 * time.Second,
		RetryWaitMax: 30 * time.Second,
	}
}

// HTTPStreamer fetches URLs that need no platform credentials, such as
// pre-signed delivery links, retrying connection failures, 429 and 5xx.
type HTTPStreamer struct {
	client *retryablehttp.Client
}

// NewHTTPStreamer creates a streamer.
func NewHTTPStreamer(cfg StreamerConfig) *HTTPStreamer {
	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	if cfg.RetryWaitMin > 0 {
		rc.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		rc.RetryWaitMax = cfg.RetryWaitMax
	}
	if cfg.HTTPClient != nil {
		rc.HTTPClient = cfg.HTTPClient
	}
	rc.Logger = leveledLogger{logger: logging.Component(cfg.Logger, "download")}
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &HTTPStreamer{client: rc}
}

// Stream implements Streamer. Statuses >= 400 are returned as *client.APIError.
func (s *HTTPStreamer) Stream(ctx context.Context, url string) (*http.Response, error) {
	op := "GET " + redact(url)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, client.NewError(op, client.ErrInvalidArgument, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, client.NewError(op, client.ErrCancelled, ctx.Err())
		}
		return nil, client.NewError(op, client.ErrConnection, err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, &client.APIError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       body,
			Header:     resp.Header,
			Method:     http.MethodGet,
			URL:        redact(url),
		}
	}
	return resp, nil
}

// leveledLogger adapts zerolog to retryablehttp.LeveledLogger.
type leveledLogger struct {
	logger zerolog.Logger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn().Fields(keysAndValues).Msg(msg)
}
