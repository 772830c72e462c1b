package uploader

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/szibis/event-courier/internal/config"
	"github.com/szibis/event-courier/internal/logging"
	"github.com/szibis/event-courier/internal/scheduler"
)

// Backoff is the retry state shared by every upload of one courier.
//
// After a failure the ceiling is seeded with backoff_base; each failure then
// waits a uniformly random interval in [0, ceiling] and multiplies the
// ceiling by backoff_exponent, up to backoff_max. A server retry hint
// replaces exactly one computed interval.
type Backoff struct {
	settings *config.Settings
	// int63n returns a uniform value in [0, n).
	int63n func(n int64) int64

	mu         sync.Mutex
	current    time.Duration
	retryAfter time.Duration
	pending    *scheduler.Handle
}

// NewBackoff returns a reset backoff reading its parameters from settings.
func NewBackoff(settings *config.Settings) *Backoff {
	return &Backoff{settings: settings, int63n: rand.Int64N}
}

// Next returns the delay before the next retry and advances the state.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.retryAfter > 0 {
		d := b.retryAfter
		b.retryAfter = 0
		logging.Debug("using server retry hint", logging.F(
			"component", "uploader",
			"retry_after", d.String(),
		))
		return d
	}

	v := b.settings.Load()
	if b.current == 0 {
		b.current = max(v.BackoffBase, 0)
	}
	ceiling := b.current.Milliseconds()
	d := time.Duration(b.int63n(ceiling+1)) * time.Millisecond

	exp := time.Duration(max(v.BackoffExponent, 1))
	if b.current > v.BackoffMax/exp {
		b.current = v.BackoffMax
	} else {
		b.current = min(b.current*exp, v.BackoffMax)
	}
	backoffCeilingSeconds.Set(b.current.Seconds())

	logging.Debug("generated backoff interval", logging.F(
		"component", "uploader",
		"interval", d.String(),
		"ceiling", b.current.String(),
	))
	return d
}

// SetRetryAfter stores a server hint for the next call to Next. Zero and
// negative hints are ignored.
func (b *Backoff) SetRetryAfter(d time.Duration) {
	if d <= 0 {
		return
	}
	b.mu.Lock()
	b.retryAfter = d
	b.mu.Unlock()
}

// Reset zeroes the ceiling, forgets any server retry hint and cancels a
// pending retry. Called after a fully successful cycle.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = 0
	b.retryAfter = 0
	b.pending.Cancel()
	b.pending = nil
	backoffCeilingSeconds.Set(0)
}

// ResetInterval zeroes the ceiling but leaves a pending retry armed. Called
// after a real-time success, which says nothing about queued files.
func (b *Backoff) ResetInterval() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = 0
	backoffCeilingSeconds.Set(0)
}

// Cancel disarms a pending retry and keeps the ceiling, so a later resume
// continues where the backoff left off.
func (b *Backoff) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending.Cancel()
	b.pending = nil
}

// Current returns the ceiling for the next computed interval, zero when
// reset.
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Pending reports whether a retry is scheduled and has not fired yet.
func (b *Backoff) Pending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending.Pending()
}

func (b *Backoff) setPending(h *scheduler.Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending != h {
		b.pending.Cancel()
	}
	b.pending = h
}
