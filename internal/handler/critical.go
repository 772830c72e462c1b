package handler

import (
	"sync"

	"github.com/szibis/event-courier/internal/event"
	"github.com/szibis/event-courier/internal/logging"
	"github.com/szibis/event-courier/internal/storage"
)

// Critical writes and syncs every record before Add returns.
type Critical struct {
	mu sync.Mutex
	a  *admission
}

// NewCritical returns the handler for critical events.
func NewCritical(opts Options) *Critical {
	return &Critical{a: newAdmission(event.PersistenceCritical, opts)}
}

func (h *Critical) Class() event.Persistence { return event.PersistenceCritical }

func (h *Critical) Add(rec event.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.a.append(rec); err != nil {
		return err
	}
	// The record is in the file; a failed sync leaves it there for the
	// next sync or close.
	if err := h.a.queue.Sync(); err != nil {
		logging.Warn("critical queue sync failed", logging.F(
			"component", "handler",
			"error", err.Error(),
		))
	}
	h.a.stats.EventQueued(event.PersistenceCritical.String())
	return nil
}

func (h *Critical) FilesForDraining() ([]*storage.File, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.a.queue.DrainClosedFiles(true)
}

func (h *Critical) ReadAll(f *storage.File) ([]event.Record, error) {
	return h.a.queue.ReadAll(f)
}

func (h *Critical) Dispose(f *storage.File) error {
	return h.a.dispose(f)
}

func (h *Critical) Synchronize() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.a.queue.Sync()
}

func (h *Critical) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.a.queue.Close()
}
