// Package ratelimit implements fixed-window rate limiting keyed by
// (subject, purpose). The primary counters live in a shared store so the
// limit is global across relay processes; when the store is unreachable the
// limiter fails open onto a process-local window table (the effective global
// limit then scales with process count, an accepted availability
// trade-off). Over-limit requests are always rejected (fail closed on
// limit). The configured max is the effective per-window max everywhere; no
// subsystem applies its own halving heuristic.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
)

// ErrLimited is returned by Allow when the subject is over its window max.
var ErrLimited = errors.New("rate limit exceeded")

// CounterStore is the shared fixed-window counter backend. Incr atomically
// increments key and sets its expiry to the window length only when the
// increment created the key; the deadline is set exactly once per window.
type CounterStore interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
	Ping(ctx context.Context) error
}

// Limiter applies the fixed-window policy.
type Limiter struct {
	store    CounterStore // nil = local only
	local    *LocalWindow
	max      int64
	window   time.Duration
	degraded atomic.Bool // store outage latch, for one-per-outage logging
}

// New builds a limiter. max <= 0 disables limiting. store may be nil, in
// which case the local table is authoritative.
func New(store CounterStore, max int, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		store:  store,
		local:  NewLocalWindow(DefaultLocalCapacity),
		max:    int64(max),
		window: window,
	}
}

// Allow records one hit for (subject, purpose) and reports whether it is
// within the window max. Returns ErrLimited when over; store failures are
// absorbed by the local fallback and never surface to the caller.
func (l *Limiter) Allow(ctx context.Context, subject, purpose string) error {
	if l.max <= 0 {
		return nil
	}
	key := "rl:" + purpose + ":" + subject

	if l.store != nil {
		count, err := l.store.Incr(ctx, key, l.window)
		if err == nil {
			if l.degraded.Swap(false) {
				slog.Info("rate limiter recovered, shared counters active")
			}
			if count > l.max {
				return ErrLimited
			}
			return nil
		}
		if !l.degraded.Swap(true) {
			slog.Warn("counter store unreachable, serving rate limits from local fallback", "error", err)
		}
	}

	count := l.local.Incr(key, l.window)
	if count > l.max {
		return ErrLimited
	}
	return nil
}

// Close stops the fallback sweeper.
func (l *Limiter) Close() { l.local.Close() }
