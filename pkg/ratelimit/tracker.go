package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit tracking.
var (
	planetRateLimitRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "planet_ratelimit_remaining",
		Help: "Requests remaining in the current rate limit window as last reported",
	})

	planetRateLimitPausesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "planet_ratelimit_pauses_total",
		Help: "Total number of times a throttling response paused outgoing requests",
	})

	planetRateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "planet_ratelimit_wait_seconds",
		Help:    "Time requests spent waiting for a rate limit pause to end",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})
)

const (
	// DefaultPause applies to a 429 without a usable Retry-After header.
	DefaultPause = 1 * time.Second

	// DefaultMaxPause caps any single wait, whatever the server asked for.
	DefaultMaxPause = 60 * time.Second

	// epochThreshold separates X-RateLimit-Reset given as unix seconds from a delta.
	epochThreshold = 1_000_000_000
)

// Tracker observes responses and gates requests while the platform is throttling.
type Tracker struct {
	store    Store
	logger   zerolog.Logger
	maxPause time.Duration
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewTracker creates a tracker over store. A nil store means NewMemoryStore().
func NewTracker(store Store, logger zerolog.Logger) *Tracker {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Tracker{
		store:    store,
		logger:   logger,
		maxPause: DefaultMaxPause,
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// SetMaxPause changes the cap on a single wait.
func (t *Tracker) SetMaxPause(d time.Duration) {
	if d > 0 {
		t.maxPause = d
	}
}

// SetSleep replaces the function used to wait out pauses (for testing).
func (t *Tracker) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	if fn != nil {
		t.sleep = fn
	}
}

// State returns the current state from the store.
func (t *Tracker) State(ctx context.Context) (*State, error) {
	return t.store.Load(ctx)
}

// Observe records what a response says about the rate limit.
// Responses without rate limit information leave the store untouched.
func (t *Tracker) Observe(ctx context.Context, status int, headers http.Header) error {
	now := t.now()
	update := &State{Remaining: RemainingUnknown, LastUpdate: now}
	changed := false

	if remainStr := headers.Get("X-RateLimit-Remaining"); remainStr != "" {
		remain, err := strconv.Atoi(strings.TrimSpace(remainStr))
		if err != nil {
			return fmt.Errorf("parse X-RateLimit-Remaining header: %w", err)
		}
		update.Remaining = remain
		update.ResetAt = parseReset(headers.Get("X-RateLimit-Reset"), now)
		planetRateLimitRemaining.Set(float64(remain))
		changed = true

		if update.Exhausted(now) {
			update.PausedUntil = update.ResetAt
		}
	}

	if status == http.StatusTooManyRequests {
		pause, ok := ParseRetryAfter(headers, now)
		if !ok {
			pause = DefaultPause
		}
		if pause > t.maxPause {
			pause = t.maxPause
		}
		if until := now.Add(pause); until.After(update.PausedUntil) {
			update.PausedUntil = until
		}
		changed = true
	}

	if !changed {
		return nil
	}

	state, err := t.store.Update(ctx, update)
	if err != nil {
		return fmt.Errorf("update rate limit state: %w", err)
	}

	if state.IsPaused(now) && !update.PausedUntil.IsZero() {
		planetRateLimitPausesTotal.Inc()
		t.logger.Warn().
			Int("status", status).
			Int("remaining", state.Remaining).
			Time("paused_until", state.PausedUntil).
			Msg("Rate limited - pausing requests")
	} else {
		t.logger.Debug().
			Int("remaining", state.Remaining).
			Time("reset_at", state.ResetAt).
			Msg("Rate limit state updated")
	}

	return nil
}

// Wait blocks while the stored state says requests are paused.
// It returns ctx.Err() if the context ends first.
func (t *Tracker) Wait(ctx context.Context) error {
	state, err := t.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("get rate limit state: %w", err)
	}

	d := state.TimeUntilResume(t.now())
	if d <= 0 {
		return nil
	}
	if d > t.maxPause {
		d = t.maxPause
	}

	t.logger.Debug().Dur("wait_duration", d).Msg("Waiting for rate limit pause to end")
	planetRateLimitWaitSeconds.Observe(d.Seconds())

	return t.sleep(ctx, d)
}

// ParseRetryAfter reads a Retry-After header given either as delta-seconds or as
// an HTTP date. The result is never negative.
func ParseRetryAfter(headers http.Header, now time.Time) (time.Duration, bool) {
	v := strings.TrimSpace(headers.Get("Retry-After"))
	if v == "" {
		return 0, false
	}

	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs * float64(time.Second)), true
	}

	at, err := http.ParseTime(v)
	if err != nil {
		return 0, false
	}
	d := at.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}

// parseReset accepts either seconds until reset or a unix timestamp.
func parseReset(v string, now time.Time) time.Time {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return time.Time{}
	}
	if n >= epochThreshold {
		return time.Unix(n, 0)
	}
	return now.Add(time.Duration(n) * time.Second)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
