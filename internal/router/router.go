// Package router decides, per logged event, whether it is filtered, sent in
// real time or queued, and drives the periodic drain of the queues.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/szibis/event-courier/internal/config"
	"github.com/szibis/event-courier/internal/event"
	"github.com/szibis/event-courier/internal/handler"
	"github.com/szibis/event-courier/internal/logging"
	"github.com/szibis/event-courier/internal/scheduler"
	"github.com/szibis/event-courier/internal/stats"
	"github.com/szibis/event-courier/internal/uploader"
)

// State is the router lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateRunning
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	default:
		return "stopped"
	}
}

// EndpointSetter swaps the collector URL. *sender.HTTPSender implements it.
type EndpointSetter interface {
	SetEndpoint(raw string) error
}

// Options wires a router.
type Options struct {
	Settings  *config.Settings
	Stats     *stats.Collector
	Critical  handler.Handler
	Normal    handler.Handler
	Uploader  *uploader.Uploader
	Scheduler *scheduler.Scheduler
	Endpoint  EndpointSetter
	// DeviceID seeds the sampling id. Empty means every event is sampled in.
	DeviceID string
}

// Router is safe for concurrent use.
type Router struct {
	settings *config.Settings
	stats    *stats.Collector
	critical handler.Handler
	normal   handler.Handler
	uploader *uploader.Uploader
	sched    *scheduler.Scheduler
	endpoint EndpointSetter
	sampleID float64

	// life serializes Start, Stop, Pause and Resume. mu guards the timer
	// and is the only lock the drain tick takes.
	life     sync.Mutex
	mu       sync.Mutex
	state    atomic.Int32
	tick     *scheduler.Handle
	interval time.Duration
}

// New returns a stopped router.
func New(opts Options) *Router {
	r := &Router{
		settings: opts.Settings,
		stats:    opts.Stats,
		critical: opts.Critical,
		normal:   opts.Normal,
		uploader: opts.Uploader,
		sched:    opts.Scheduler,
		endpoint: opts.Endpoint,
		sampleID: SampleID(opts.DeviceID),
	}
	routerState.Set(float64(StateStopped))
	return r
}

// SampleID maps a device id onto [0, 100) with two decimals. The same id
// always lands on the same value; an empty id maps to 0.
func SampleID(deviceID string) float64 {
	if deviceID == "" {
		return 0
	}
	return float64(xxhash.Sum64String(deviceID)%10000) / 100
}

// SampleID returns this router's sampling id.
func (r *Router) SampleID() float64 { return r.sampleID }

// State returns the current lifecycle state.
func (r *Router) State() State { return State(r.state.Load()) }

// Interval returns the drain interval the periodic timer was armed with.
func (r *Router) Interval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interval
}

func (r *Router) setState(s State) {
	r.state.Store(int32(s))
	routerState.Set(float64(s))
}

// Start begins the periodic drain. Starting a running or paused router is
// a no-op.
func (r *Router) Start() error {
	r.life.Lock()
	defer r.life.Unlock()
	if r.State() != StateStopped {
		return nil
	}
	r.sched.Start()
	r.mu.Lock()
	err := r.armLocked()
	if err == nil {
		r.setState(StateRunning)
	}
	interval := r.interval
	r.mu.Unlock()
	if err != nil {
		r.sched.Stop()
		return err
	}
	logging.Info("router started", logging.F(
		"component", "router",
		"drain_interval", interval.String(),
		"sample_id", r.sampleID,
	))
	return nil
}

// halt leaves the running or paused state: timers and a pending retry are
// cancelled and running uploads are waited for. Backoff state is kept.
func (r *Router) halt(next State) {
	r.mu.Lock()
	r.setState(next)
	r.disarmLocked()
	r.mu.Unlock()
	r.uploader.Backoff().Cancel()
	r.sched.Stop()
}

// Stop cancels the timers and any pending retry, waits for running uploads
// and closes both handlers, flushing buffered records to disk.
func (r *Router) Stop() error {
	r.life.Lock()
	defer r.life.Unlock()
	if r.State() == StateStopped {
		return nil
	}
	r.halt(StateStopped)

	err := errors.Join(r.critical.Close(), r.normal.Close())
	if err != nil {
		logging.Error("failed to close handlers", logging.F(
			"component", "router",
			"error", err.Error(),
		))
	}
	r.stats.Stopped()
	logging.Info("router stopped", logging.F("component", "router"))
	return err
}

// Pause stops uploading. Events are still accepted and queued durably; the
// backoff state is kept for Resume.
func (r *Router) Pause() {
	r.life.Lock()
	defer r.life.Unlock()
	if r.State() != StateRunning {
		return
	}
	r.halt(StatePaused)
	logging.Info("router paused", logging.F("component", "router"))
}

// Resume restarts the periodic drain and attempts a drain right away.
func (r *Router) Resume() error {
	r.life.Lock()
	defer r.life.Unlock()
	if r.State() != StatePaused {
		return nil
	}
	r.sched.Start()
	r.mu.Lock()
	err := r.armLocked()
	if err == nil {
		r.setState(StateRunning)
	}
	r.mu.Unlock()
	if err != nil {
		r.sched.Stop()
		return err
	}

	logging.Info("router resumed", logging.F("component", "router"))
	if err := r.sched.Submit(func(context.Context) { r.drain("resume", event.Persistences...) }); err != nil {
		logging.Warn("could not schedule drain on resume", logging.F(
			"component", "router",
			"error", err.Error(),
		))
	}
	return nil
}

func (r *Router) armLocked() error {
	interval := r.settings.Load().QueueDrainInterval
	h, err := r.sched.Every(interval, r.run)
	if err != nil {
		return fmt.Errorf("arming drain timer: %w", err)
	}
	r.tick = h
	r.interval = interval
	return nil
}

func (r *Router) disarmLocked() {
	r.tick.Cancel()
	r.tick = nil
}

// Log routes one event and reports whether it was accepted for delivery.
// Filtered and dropped events are counted and reported to listeners.
func (r *Router) Log(ev event.Event) bool {
	state := r.State()
	if state == StateStopped {
		r.stats.EventDropped(ev.Payload, stats.DropNotStarted)
		return false
	}

	v := r.settings.Load()
	rec := ev.Record()
	if rec.Size() > v.MaxEventSizeBytes {
		logging.Warn("dropping event above the size limit", logging.F(
			"component", "router",
			"size", rec.Size(),
			"limit", v.MaxEventSizeBytes,
		))
		r.stats.EventDropped(ev.Payload, stats.DropOversize)
		return false
	}
	if !v.UploadEnabled {
		r.stats.EventFiltered(stats.FilterUploadDisabled)
		return false
	}
	if r.sampleID >= ev.EffectiveSampleRate()+v.SampleEpsilon {
		r.stats.EventFiltered(stats.FilterSampled)
		return false
	}

	h := r.handlerFor(ev.Persistence)
	if ev.Latency == event.LatencyRealtime && state == StateRunning {
		if r.uploader.TrySendRealtime(rec, h) {
			routedTotal.WithLabelValues("realtime").Inc()
			return true
		}
	}

	if err := h.Add(rec); err != nil {
		return false
	}
	routedTotal.WithLabelValues(h.Class().String()).Inc()
	return true
}

func (r *Router) handlerFor(p event.Persistence) handler.Handler {
	if p == event.PersistenceCritical {
		return r.critical
	}
	return r.normal
}

// Send drains both classes, critical first, into one upload cycle. It
// returns false when the router is not running or a cycle or retry is
// already in progress.
func (r *Router) Send() bool {
	return r.drain("explicit", event.Persistences...)
}

// SendClass drains a single persistence class.
func (r *Router) SendClass(p event.Persistence) bool {
	return r.drain("explicit", p)
}

// Synchronize flushes buffered records to disk.
func (r *Router) Synchronize() error {
	return errors.Join(r.critical.Synchronize(), r.normal.Synchronize())
}

// SetEndpoint validates and installs a collector URL. An invalid URL keeps
// the previous one.
func (r *Router) SetEndpoint(raw string) error {
	if err := r.endpoint.SetEndpoint(raw); err != nil {
		logging.Warn("rejected collector endpoint", logging.F(
			"component", "router",
			"error", err.Error(),
		))
		return err
	}
	logging.Info("collector endpoint updated", logging.F(
		"component", "router",
		"endpoint", raw,
	))
	return nil
}

// run is the periodic drain tick.
func (r *Router) run(context.Context) {
	r.mu.Lock()
	if r.State() != StateRunning {
		r.mu.Unlock()
		return
	}
	if interval := r.settings.Load().QueueDrainInterval; interval != r.interval {
		r.disarmLocked()
		if err := r.armLocked(); err != nil {
			logging.Error("failed to rearm drain timer", logging.F(
				"component", "router",
				"error", err.Error(),
			))
		} else {
			logging.Info("drain interval changed", logging.F(
				"component", "router",
				"interval", interval.String(),
			))
		}
	}
	r.mu.Unlock()

	r.drain("tick", event.Persistences...)
}

func (r *Router) drain(trigger string, classes ...event.Persistence) bool {
	if r.State() != StateRunning {
		drainsTotal.WithLabelValues(trigger, "not_running").Inc()
		return false
	}
	if r.uploader.Busy() {
		drainsTotal.WithLabelValues(trigger, "busy").Inc()
		return false
	}

	var items []uploader.Item
	for _, p := range classes {
		h := r.handlerFor(p)
		files, err := h.FilesForDraining()
		if err != nil {
			logging.Error("failed to collect queue files", logging.F(
				"component", "router",
				"class", p.String(),
				"error", err.Error(),
			))
			continue
		}
		for _, f := range files {
			items = append(items, uploader.Item{Handler: h, File: f})
		}
	}

	if err := r.uploader.Drain(items); err != nil {
		drainsTotal.WithLabelValues(trigger, "refused").Inc()
		logging.Debug("drain not started", logging.F(
			"component", "router",
			"trigger", trigger,
			"error", err.Error(),
		))
		return false
	}
	drainsTotal.WithLabelValues(trigger, "started").Inc()
	return true
}
