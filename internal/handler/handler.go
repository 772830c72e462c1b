// Package handler applies the per-class buffering and quota policy in front
// of the durable queue.
package handler

import (
	"errors"
	"fmt"

	"github.com/szibis/event-courier/internal/config"
	"github.com/szibis/event-courier/internal/event"
	"github.com/szibis/event-courier/internal/logging"
	"github.com/szibis/event-courier/internal/stats"
	"github.com/szibis/event-courier/internal/storage"
)

// ErrDropped is returned by Add when a record was discarded. The drop has
// already been counted and reported to listeners.
var ErrDropped = errors.New("event dropped")

// Handler owns the durable queue of one persistence class.
type Handler interface {
	Class() event.Persistence
	// Add accepts rec or drops it with accounting.
	Add(rec event.Record) error
	// FilesForDraining flushes buffered records, closes the open file if it
	// holds data and returns every closed file, oldest first.
	FilesForDraining() ([]*storage.File, error)
	ReadAll(f *storage.File) ([]event.Record, error)
	// Dispose deletes a file whose records reached a terminal outcome.
	Dispose(f *storage.File) error
	// Synchronize makes every accepted record durable.
	Synchronize() error
	// Close flushes and closes the open file. The handler stays usable.
	Close() error
}

// Options are shared by both handler kinds.
type Options struct {
	Store    *storage.Store
	Settings *config.Settings
	Stats    *stats.Collector
	// Compress stores queue frames s2 compressed.
	Compress bool
}

// New returns the handler for class.
func New(class event.Persistence, opts Options) Handler {
	if class == event.PersistenceCritical {
		return NewCritical(opts)
	}
	return NewNormal(opts)
}

// admission is the quota policy shared by both handlers.
type admission struct {
	store    *storage.Store
	queue    *storage.Queue
	settings *config.Settings
	stats    *stats.Collector
}

func newAdmission(class event.Persistence, opts Options) *admission {
	queueConfig := func(v config.Values) storage.QueueConfig {
		return storage.QueueConfig{MaxFileSize: v.MaxFileSize, Compress: opts.Compress}
	}
	a := &admission{
		store:    opts.Store,
		queue:    opts.Store.Queue(class, queueConfig(opts.Settings.Load())),
		settings: opts.Settings,
		stats:    opts.Stats,
	}
	opts.Settings.OnUpdate(func(old, updated config.Values) {
		if old.MaxFileSize != updated.MaxFileSize {
			a.queue.SetConfig(queueConfig(updated))
		}
	})
	return a
}

// ensureCanAdd evicts old files while rec is blocked by the shared quota,
// up to max_eviction_attempts times. Critical records may evict critical
// files once no closed normal file is left; normal records never do.
func (a *admission) ensureCanAdd(rec event.Record) error {
	attempts := a.settings.Load().MaxEvictionAttempts
	includeCritical := a.queue.Class() == event.PersistenceCritical
	for i := 0; ; i++ {
		err := a.queue.Check(rec)
		var full *storage.FullError
		if err == nil || !errors.As(err, &full) || full.Reason != storage.ReasonQuota || i >= attempts {
			return err
		}
		evicted, evictErr := a.store.EvictOldest(includeCritical)
		if evictErr != nil {
			return fmt.Errorf("evict for quota: %w", evictErr)
		}
		if !evicted {
			return err
		}
		a.stats.FileEvicted()
	}
}

// append runs admission and writes rec. A failure is reported as a drop.
func (a *admission) append(rec event.Record) error {
	err := a.ensureCanAdd(rec)
	if err == nil {
		err = a.queue.Add(rec)
	}
	if err != nil {
		a.drop(rec, err)
		return fmt.Errorf("%w: %v", ErrDropped, err)
	}
	return nil
}

func (a *admission) drop(rec event.Record, cause error) {
	reason := stats.DropStorageError
	var full *storage.FullError
	if errors.As(cause, &full) {
		reason = stats.DropQuota
		if full.Reason == storage.ReasonFileBudget {
			reason = stats.DropOversize
		}
	}
	logging.Warn("event dropped", logging.F(
		"component", "handler",
		"class", a.queue.Class().String(),
		"reason", string(reason),
		"bytes", len(rec.Payload),
		"error", cause.Error(),
	))
	a.stats.EventDropped(rec.Payload, reason)
}

func (a *admission) dispose(f *storage.File) error {
	if err := a.queue.Discard(f); err != nil {
		return err
	}
	logging.Debug("queue file disposed", logging.F(
		"component", "handler",
		"class", a.queue.Class().String(),
		"file", f.Name(),
		"bytes", f.Size(),
	))
	return nil
}
