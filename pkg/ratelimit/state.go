// Package ratelimit tracks the platform's request rate limit and pauses outgoing
// requests while the service is throttling. It observes 429 responses with their
// Retry-After header as well as the X-RateLimit-Remaining and X-RateLimit-Reset
// headers, and keeps the resulting state in a Store so that a throttled response
// seen by one request (or one process, with RedisStore) pauses its siblings.
package ratelimit

import (
	"time"
)

// Redis keys for rate limit state storage.
const (
	RedisKeyState = "planet:rate_limit:state"

	// RedisStateTTL bounds how long a shared state outlives its last update.
	RedisStateTTL = 10 * time.Minute
)

// RemainingUnknown marks a state that has never seen an X-RateLimit-Remaining header.
const RemainingUnknown = -1

// State represents the rate limit state as last reported by the platform.
type State struct {
	// Remaining is the number of requests left in the current window.
	// Extracted from the X-RateLimit-Remaining header, RemainingUnknown if never seen.
	Remaining int `json:"remaining"`

	// ResetAt is when the current window resets (X-RateLimit-Reset).
	ResetAt time.Time `json:"reset_at"`

	// PausedUntil is the earliest time a new request may be sent.
	// Set from Retry-After on 429 responses or from ResetAt once Remaining hits zero.
	PausedUntil time.Time `json:"paused_until"`

	// LastUpdate is when this state was last written.
	LastUpdate time.Time `json:"last_update"`
}

// NewState returns the state assumed before any response has been observed.
func NewState() *State {
	return &State{Remaining: RemainingUnknown}
}

// IsPaused reports whether requests must wait at now.
func (s *State) IsPaused(now time.Time) bool {
	return now.Before(s.PausedUntil)
}

// TimeUntilResume returns the remaining pause at now, or 0 if not paused.
func (s *State) TimeUntilResume(now time.Time) time.Duration {
	d := s.PausedUntil.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Exhausted reports whether the window has no requests left and has not reset yet.
func (s *State) Exhausted(now time.Time) bool {
	return s.Remaining == 0 && now.Before(s.ResetAt)
}

// merge folds an update into s. Pauses only ever extend.
func (s *State) merge(update *State) {
	if update.Remaining != RemainingUnknown {
		s.Remaining = update.Remaining
		s.ResetAt = update.ResetAt
	}
	if update.PausedUntil.After(s.PausedUntil) {
		s.PausedUntil = update.PausedUntil
	}
	s.LastUpdate = update.LastUpdate
}
