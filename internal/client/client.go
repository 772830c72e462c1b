// Package client assembles the courier: storage, handlers, uploader and
// router behind a single lifecycle.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/szibis/event-courier/internal/compression"
	"github.com/szibis/event-courier/internal/config"
	"github.com/szibis/event-courier/internal/event"
	"github.com/szibis/event-courier/internal/handler"
	"github.com/szibis/event-courier/internal/logging"
	"github.com/szibis/event-courier/internal/router"
	"github.com/szibis/event-courier/internal/scheduler"
	"github.com/szibis/event-courier/internal/sender"
	"github.com/szibis/event-courier/internal/stats"
	"github.com/szibis/event-courier/internal/storage"
	"github.com/szibis/event-courier/internal/ticket"
	tlspkg "github.com/szibis/event-courier/internal/tls"
	"github.com/szibis/event-courier/internal/uploader"
)

var (
	// ErrChanging is returned when another lifecycle transition is running.
	ErrChanging = errors.New("client lifecycle change already in progress")
	// ErrNotStarted is returned by operations that need a started client.
	ErrNotStarted = errors.New("client is not started")
)

// Transport posts batches and accepts endpoint changes.
type Transport interface {
	sender.Sender
	router.EndpointSetter
}

// Config holds everything fixed for the lifetime of a client.
type Config struct {
	// Dir is the queue directory.
	Dir      string
	Endpoint string
	DeviceID string
	// Values seeds the runtime settings.
	Values config.Values
	// Compression is applied to batch bodies.
	Compression compression.Config
	// StorageCompression stores queue frames s2 compressed.
	StorageCompression bool
	TLS                tlspkg.ClientConfig
	ForceHTTP2         bool
	// Workers sizes the upload pool (default: 3).
	Workers int
	// TaskQueueSize bounds pending pool tasks (default: scheduler default).
	TaskQueueSize int
	Resolver      ticket.Resolver
	// Transport replaces the HTTP sender.
	Transport Transport
}

// Client is safe for concurrent use.
type Client struct {
	settings  *config.Settings
	stats     *stats.Collector
	store     *storage.Store
	sched     *scheduler.Scheduler
	transport Transport
	critical  handler.Handler
	normal    handler.Handler
	uploader  *uploader.Uploader
	router    *router.Router

	isChanging atomic.Bool
	started    atomic.Bool
	paused     atomic.Bool

	snapshotMu       sync.Mutex
	snapshot         *scheduler.Handle
	snapshotInterval time.Duration
}

// New opens the queue directory and wires the components. The client is
// returned stopped.
func New(cfg Config) (*Client, error) {
	if p := cfg.Values.Problems(); len(p) > 0 {
		return nil, fmt.Errorf("invalid settings: %v", p)
	}
	settings := config.NewSettings(cfg.Values)

	store, err := storage.Open(cfg.Dir, cfg.Values.MaxFilesSpace)
	if err != nil {
		return nil, fmt.Errorf("opening queue directory: %w", err)
	}

	transport := cfg.Transport
	if transport == nil {
		s, err := sender.New(sender.Config{
			Endpoint:   cfg.Endpoint,
			TLS:        cfg.TLS,
			ForceHTTP2: cfg.ForceHTTP2,
			Settings:   settings,
		})
		if err != nil {
			return nil, fmt.Errorf("creating sender: %w", err)
		}
		transport = s
	} else if cfg.Endpoint != "" {
		if err := transport.SetEndpoint(cfg.Endpoint); err != nil {
			return nil, err
		}
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = 3
	}
	c := &Client{
		settings:  settings,
		stats:     stats.New(),
		store:     store,
		sched:     scheduler.New(scheduler.Config{Workers: workers, QueueSize: cfg.TaskQueueSize}),
		transport: transport,
	}

	hopts := handler.Options{Store: store, Settings: settings, Stats: c.stats, Compress: cfg.StorageCompression}
	c.critical = handler.New(event.PersistenceCritical, hopts)
	c.normal = handler.New(event.PersistenceNormal, hopts)
	c.uploader = uploader.New(uploader.Options{
		Sender:      transport,
		Scheduler:   c.sched,
		Settings:    settings,
		Stats:       c.stats,
		Compression: cfg.Compression,
		Resolver:    cfg.Resolver,
	})
	c.router = router.New(router.Options{
		Settings:  settings,
		Stats:     c.stats,
		Critical:  c.critical,
		Normal:    c.normal,
		Uploader:  c.uploader,
		Scheduler: c.sched,
		Endpoint:  transport,
		DeviceID:  cfg.DeviceID,
	})

	settings.OnUpdate(func(old, updated config.Values) {
		if old.MaxFilesSpace != updated.MaxFilesSpace {
			store.Quota().SetLimit(updated.MaxFilesSpace)
		}
	})
	return c, nil
}

// Start begins draining and uploading.
func (c *Client) Start() error {
	if !c.isChanging.CompareAndSwap(false, true) {
		return ErrChanging
	}
	defer c.isChanging.Store(false)
	if c.started.Load() {
		return nil
	}
	if err := c.router.Start(); err != nil {
		return err
	}
	c.armSnapshot()
	c.started.Store(true)
	c.paused.Store(false)
	return nil
}

// Stop halts uploading and flushes buffered events to disk. Listeners are
// notified even when the client was not started.
func (c *Client) Stop() error {
	if !c.isChanging.CompareAndSwap(false, true) {
		return ErrChanging
	}
	defer c.isChanging.Store(false)
	if !c.started.Load() {
		c.stats.Stopped()
		return nil
	}
	c.disarmSnapshot()
	err := c.router.Stop()
	c.started.Store(false)
	c.paused.Store(false)
	return err
}

// Close stops the client and releases transport connections.
func (c *Client) Close() error {
	err := c.Stop()
	if closer, ok := c.transport.(interface{ Close() }); ok {
		closer.Close()
	}
	return err
}

// Pause keeps accepting events but stops uploading them.
func (c *Client) Pause() error {
	if !c.isChanging.CompareAndSwap(false, true) {
		return ErrChanging
	}
	defer c.isChanging.Store(false)
	if !c.started.Load() || c.paused.Load() {
		return nil
	}
	c.disarmSnapshot()
	c.router.Pause()
	c.paused.Store(true)
	return nil
}

// Resume restarts uploading and triggers an immediate drain.
func (c *Client) Resume() error {
	if !c.isChanging.CompareAndSwap(false, true) {
		return ErrChanging
	}
	defer c.isChanging.Store(false)
	if !c.started.Load() || !c.paused.Load() {
		return nil
	}
	if err := c.router.Resume(); err != nil {
		return err
	}
	c.armSnapshot()
	c.paused.Store(false)
	return nil
}

// Log hands an event to the router. It reports whether the event was
// accepted.
func (c *Client) Log(ev event.Event) bool {
	if !c.started.Load() {
		logging.Error("client must be started before logging events", logging.F("component", "client"))
		c.stats.EventDropped(ev.Payload, stats.DropNotStarted)
		return false
	}
	if len(ev.TicketIDs) > 0 && !c.uploader.HasResolver() {
		logging.Error("ticket ids logged without a ticket resolver", logging.F(
			"component", "client",
			"tickets", len(ev.TicketIDs),
		))
		c.stats.EventDropped(ev.Payload, stats.DropNoResolver)
		return false
	}
	return c.router.Log(ev)
}

// Send uploads everything queued.
func (c *Client) Send() bool {
	if !c.started.Load() {
		logging.Info("cannot send while stopped", logging.F("component", "client"))
		return false
	}
	return c.router.Send()
}

// Synchronize writes buffered events to disk.
func (c *Client) Synchronize() error {
	return c.router.Synchronize()
}

// SetEndpoint changes the collector URL.
func (c *Client) SetEndpoint(raw string) error {
	return c.router.SetEndpoint(raw)
}

// SetTicketResolver installs the credential source for ticket ids.
func (c *Client) SetTicketResolver(r ticket.Resolver) {
	c.uploader.SetResolver(r)
}

// Subscribe registers a lifecycle listener and returns its removal func.
func (c *Client) Subscribe(l stats.Listener) func() {
	return c.stats.Subscribe(l)
}

// Settings returns the runtime settings store.
func (c *Client) Settings() *config.Settings { return c.settings }

// Stats returns the accounting collector.
func (c *Client) Stats() *stats.Collector { return c.stats }

// Store returns the queue store.
func (c *Client) Store() *storage.Store { return c.store }

// State returns the router state.
func (c *Client) State() router.State { return c.router.State() }

// Uploader returns the upload worker.
func (c *Client) Uploader() *uploader.Uploader { return c.uploader }

// armSnapshot schedules the periodic accounting snapshot. A zero
// snapshot_interval disables it.
func (c *Client) armSnapshot() {
	c.snapshotMu.Lock()
	defer c.snapshotMu.Unlock()
	c.armSnapshotLocked()
}

func (c *Client) armSnapshotLocked() {
	interval := c.settings.Load().SnapshotInterval
	c.snapshotInterval = interval
	if interval <= 0 {
		return
	}
	h, err := c.sched.Every(interval, c.recordSnapshot)
	if err != nil {
		logging.Warn("could not schedule snapshots", logging.F(
			"component", "client",
			"error", err.Error(),
		))
		return
	}
	c.snapshot = h
}

func (c *Client) disarmSnapshot() {
	c.snapshotMu.Lock()
	defer c.snapshotMu.Unlock()
	c.snapshot.Cancel()
	c.snapshot = nil
}

// recordSnapshot logs the accounting snapshot as a normal event and starts
// a fresh accounting window.
func (c *Client) recordSnapshot(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	c.snapshotMu.Lock()
	if interval := c.settings.Load().SnapshotInterval; interval != c.snapshotInterval {
		c.snapshot.Cancel()
		c.snapshot = nil
		c.armSnapshotLocked()
	}
	c.snapshotMu.Unlock()

	payload, err := SnapshotPayload(c.stats.Snapshot())
	if err != nil {
		logging.Error("failed to encode snapshot", logging.F(
			"component", "client",
			"error", err.Error(),
		))
		return
	}
	c.router.Log(event.Event{Payload: payload, SampleRate: event.SampleRateUnspecified})
	c.stats.Reset()
}

// SnapshotPayload renders an accounting snapshot as an event payload.
func SnapshotPayload(s stats.Snapshot) (string, error) {
	doc := struct {
		Name string         `json:"name"`
		Time time.Time      `json:"time"`
		Data stats.Snapshot `json:"data"`
	}{
		Name: "courier.snapshot",
		Time: time.Now().UTC(),
		Data: s,
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
