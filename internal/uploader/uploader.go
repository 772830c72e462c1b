// Package uploader drains queue files and real-time events to the collector.
package uploader

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/szibis/event-courier/internal/compression"
	"github.com/szibis/event-courier/internal/config"
	"github.com/szibis/event-courier/internal/event"
	"github.com/szibis/event-courier/internal/handler"
	"github.com/szibis/event-courier/internal/logging"
	"github.com/szibis/event-courier/internal/scheduler"
	"github.com/szibis/event-courier/internal/sender"
	"github.com/szibis/event-courier/internal/stats"
	"github.com/szibis/event-courier/internal/storage"
	"github.com/szibis/event-courier/internal/ticket"
)

// ErrBusy is returned by Drain while a cycle runs or a retry is pending.
var ErrBusy = errors.New("upload cycle already in progress")

// Scheduler runs upload tasks. *scheduler.Scheduler implements it.
type Scheduler interface {
	Submit(task scheduler.Task) error
	After(d time.Duration, task scheduler.Task) (*scheduler.Handle, error)
}

// Item is one queue file and the handler that owns it.
type Item struct {
	Handler handler.Handler
	File    *storage.File
}

// Options wires an uploader to the rest of the courier.
type Options struct {
	Sender      sender.Sender
	Scheduler   Scheduler
	Settings    *config.Settings
	Stats       *stats.Collector
	Compression compression.Config
	Resolver    ticket.Resolver
}

type resolverBox struct {
	r ticket.Resolver
}

// Uploader owns the single durable cycle, the real-time send ceiling and
// the shared backoff.
type Uploader struct {
	sender      sender.Sender
	sched       Scheduler
	settings    *config.Settings
	stats       *stats.Collector
	compression compression.Config
	backoff     *Backoff

	resolver atomic.Pointer[resolverBox]
	running  atomic.Bool
	realtime atomic.Int64
}

// New creates an uploader.
func New(opts Options) *Uploader {
	u := &Uploader{
		sender:      opts.Sender,
		sched:       opts.Scheduler,
		settings:    opts.Settings,
		stats:       opts.Stats,
		compression: opts.Compression,
		backoff:     NewBackoff(opts.Settings),
	}
	u.SetResolver(opts.Resolver)
	return u
}

// SetResolver replaces the ticket resolver used by later uploads. Nil
// disables ticket headers.
func (u *Uploader) SetResolver(r ticket.Resolver) {
	u.resolver.Store(&resolverBox{r: r})
}

// HasResolver reports whether a ticket resolver is configured.
func (u *Uploader) HasResolver() bool {
	return u.resolver.Load().r != nil
}

// Backoff exposes the shared retry state.
func (u *Uploader) Backoff() *Backoff { return u.backoff }

// Running reports whether a durable cycle is executing.
func (u *Uploader) Running() bool { return u.running.Load() }

// Busy reports whether a new durable cycle would be refused.
func (u *Uploader) Busy() bool {
	return u.running.Load() || u.backoff.Pending()
}

// RealtimeInFlight returns the number of real-time sends executing.
func (u *Uploader) RealtimeInFlight() int {
	return int(u.realtime.Load())
}

// Drain submits one durable cycle over items, which must be ordered oldest
// first within each class.
func (u *Uploader) Drain(items []Item) error {
	if u.Busy() {
		return ErrBusy
	}
	if len(items) == 0 {
		return nil
	}
	return u.sched.Submit(func(ctx context.Context) {
		u.runCycle(ctx, items)
	})
}

// TrySendRealtime hands rec to a one-off real-time send. It returns false,
// leaving rec untouched, when the real-time ceiling is reached or the
// scheduler refuses the task; the caller then queues rec durably. A send
// that fails after being accepted falls back to fallback.Add itself.
func (u *Uploader) TrySendRealtime(rec event.Record, fallback handler.Handler) bool {
	limit := int64(u.settings.Load().MaxRealtimeWorkers)
	for {
		n := u.realtime.Load()
		if n >= limit {
			return false
		}
		if u.realtime.CompareAndSwap(n, n+1) {
			break
		}
	}
	realtimeInFlight.Inc()

	err := u.sched.Submit(func(ctx context.Context) {
		defer u.releaseRealtime()
		u.sendRealtime(ctx, rec, fallback)
	})
	if err != nil {
		u.releaseRealtime()
		logging.Debug("real-time send not scheduled", logging.F(
			"component", "uploader",
			"error", err.Error(),
		))
		return false
	}
	return true
}

func (u *Uploader) releaseRealtime() {
	u.realtime.Add(-1)
	realtimeInFlight.Dec()
}

func (u *Uploader) newTicketManager() *ticket.Manager {
	return ticket.NewManager(u.resolver.Load().r)
}
