// Package waiter polls a resource until it reaches a terminal state, the wait
// times out, or the caller cancels.
package waiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/planetlabs/planet-client-go/pkg/client"
	"github.com/planetlabs/planet-client-go/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for waits.
var (
	planetWaitPollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "planet_wait_polls_total",
		Help: "Total status fetches made while waiting, by resource",
	}, []string{"resource"})

	planetWaitOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "planet_wait_outcomes_total",
		Help: "Finished waits by resource and final state",
	}, []string{"resource", "state"})

	planetWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "planet_wait_duration_seconds",
		Help:    "Time spent waiting for a terminal state",
		Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 3600},
	}, []string{"resource"})
)

// State is the position of a wait in its state machine.
type State string

const (
	StatePolling   State = "polling"
	StateTerminal  State = "terminal"
	StateTimedOut  State = "timed_out"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// DefaultInterval is used when Options.Interval is zero.
const DefaultInterval = 5 * time.Second

// Event describes a poll or a state transition.
type Event struct {
	State   State
	Attempt int
	Elapsed time.Duration

	// Value is the most recently fetched value, nil before the first fetch.
	Value any
}

// Options configures a wait.
type Options struct {
	// Interval between the starts of consecutive fetches. Default DefaultInterval.
	Interval time.Duration

	// Timeout bounds the whole wait. Zero means wait until terminal or cancelled.
	Timeout time.Duration

	// MaxAttempts caps the number of fetches. Zero means unlimited.
	MaxAttempts int

	// MinDelay is the least time slept between fetches when a fetch took
	// longer than Interval.
	MinDelay time.Duration

	// Resource labels logs and metrics (e.g. "order", "asset").
	Resource string

	// OnState is called after every fetch (State polling) and once with the
	// final state.
	OnState func(Event)

	Logger *zerolog.Logger
}

func (o Options) validate() error {
	if o.Interval < 0 {
		return fmt.Errorf("interval must not be negative (got %v)", o.Interval)
	}
	if o.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative (got %v)", o.Timeout)
	}
	if o.MaxAttempts < 0 {
		return fmt.Errorf("max attempts must be >= 0 (got %d)", o.MaxAttempts)
	}
	if o.MinDelay < 0 {
		return fmt.Errorf("min delay must not be negative (got %v)", o.MinDelay)
	}
	return nil
}

var now = time.Now

// Wait calls fetch until isTerminal reports true for its result and returns
// that result. A timed out wait returns the last fetched value with an error
// matching client.ErrWaitTimeout; a cancelled one matches client.ErrCancelled.
// A fetch error ends the wait immediately. A fetch already in progress when
// the timeout passes is allowed to finish.
func Wait[T any](ctx context.Context, fetch func(ctx context.Context) (T, error), isTerminal func(T) bool, opts Options) (T, error) {
	var last T

	if opts.Resource == "" {
		opts.Resource = "resource"
	}
	op := "wait " + opts.Resource

	if fetch == nil || isTerminal == nil {
		return last, client.NewError(op, client.ErrInvalidArgument, errors.New("fetch and isTerminal are required"))
	}
	if err := opts.validate(); err != nil {
		return last, client.NewError(op, client.ErrInvalidArgument, err)
	}
	if opts.Interval == 0 {
		opts.Interval = DefaultInterval
	}

	w := &run{opts: opts, logger: logging.Component(opts.Logger, "waiter"), start: now()}
	var value any

	for attempt := 1; ; attempt++ {
		if attempt > 1 && w.expired() {
			return last, w.finish(StateTimedOut, attempt-1, value,
				client.NewError(op, client.ErrWaitTimeout, fmt.Errorf("not terminal after %v", opts.Timeout)))
		}

		tickStart := now()
		v, err := fetch(ctx)
		planetWaitPollsTotal.WithLabelValues(opts.Resource).Inc()
		if err != nil {
			if ctx.Err() != nil {
				return last, w.finish(StateCancelled, attempt, value, client.NewError(op, client.ErrCancelled, ctx.Err()))
			}
			return last, w.finish(StateFailed, attempt, value, fmt.Errorf("%s: %w", op, err))
		}
		last, value = v, v

		w.emit(StatePolling, attempt, value)
		w.logger.Debug().
			Str("resource", opts.Resource).
			Int("attempt", attempt).
			Interface("state", v).
			Msg("Polled status")

		if isTerminal(v) {
			return last, w.finish(StateTerminal, attempt, value, nil)
		}

		if opts.MaxAttempts > 0 && attempt >= opts.MaxAttempts {
			return last, w.finish(StateTimedOut, attempt, value,
				client.NewError(op, client.ErrWaitTimeout, fmt.Errorf("not terminal after %d attempts", attempt)))
		}

		delay := opts.Interval - now().Sub(tickStart)
		if delay < opts.MinDelay {
			delay = opts.MinDelay
		}
		if opts.Timeout > 0 {
			if remaining := opts.Timeout - now().Sub(w.start); delay > remaining {
				delay = max(remaining, 0)
			}
		}

		if err := sleep(ctx, delay); err != nil {
			return last, w.finish(StateCancelled, attempt, value, client.NewError(op, client.ErrCancelled, err))
		}
	}
}

type run struct {
	opts   Options
	logger zerolog.Logger
	start  time.Time
}

func (w *run) expired() bool {
	return w.opts.Timeout > 0 && now().Sub(w.start) >= w.opts.Timeout
}

func (w *run) emit(state State, attempt int, value any) {
	if w.opts.OnState != nil {
		w.opts.OnState(Event{State: state, Attempt: attempt, Elapsed: now().Sub(w.start), Value: value})
	}
}

func (w *run) finish(state State, attempts int, value any, err error) error {
	elapsed := now().Sub(w.start)
	planetWaitOutcomesTotal.WithLabelValues(w.opts.Resource, string(state)).Inc()
	planetWaitDuration.WithLabelValues(w.opts.Resource).Observe(elapsed.Seconds())
	w.emit(state, attempts, value)

	switch state {
	case StateTerminal:
		w.logger.Info().
			Str("resource", w.opts.Resource).
			Int("attempts", attempts).
			Dur("elapsed", elapsed).
			Interface("state", value).
			Msg("Reached terminal state")
	case StateCancelled:
		w.logger.Debug().Str("resource", w.opts.Resource).Dur("elapsed", elapsed).Msg("Wait cancelled")
	default:
		w.logger.Warn().
			Err(err).
			Str("resource", w.opts.Resource).
			Str("outcome", string(state)).
			Int("attempts", attempts).
			Dur("elapsed", elapsed).
			Msg("Wait ended without terminal state")
	}
	return err
}

// sleep waits for d or until ctx is done. A non-positive d still reports a
// cancelled context.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
