package handler

import (
	"sync"

	"github.com/szibis/event-courier/internal/event"
	"github.com/szibis/event-courier/internal/storage"
)

// Normal buffers records in memory and appends them to the queue in bulk.
// Buffered records are lost if the process dies before a flush.
type Normal struct {
	mu  sync.Mutex
	a   *admission
	buf []event.Record
}

// NewNormal returns the handler for normal events.
func NewNormal(opts Options) *Normal {
	return &Normal{a: newAdmission(event.PersistenceNormal, opts)}
}

func (h *Normal) Class() event.Persistence { return event.PersistenceNormal }

// Add buffers rec and flushes once the buffer reaches
// normal_memory_queue_size. Drops during that flush are reported through
// the stats collector, not returned.
func (h *Normal) Add(rec event.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf = append(h.buf, rec)
	handlerBufferedRecords.Set(float64(len(h.buf)))
	if len(h.buf) >= h.a.settings.Load().NormalMemoryQueueSize {
		return h.flushLocked("full")
	}
	return nil
}

// Buffered returns the number of records held in memory.
func (h *Normal) Buffered() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.buf)
}

func (h *Normal) flushLocked(trigger string) error {
	if len(h.buf) == 0 {
		return nil
	}
	recs := h.buf
	h.buf = nil
	handlerBufferedRecords.Set(0)
	handlerFlushesTotal.WithLabelValues(trigger).Inc()
	for _, rec := range recs {
		// Each record is admitted on its own so one oversize record does
		// not block the rest.
		if h.a.append(rec) == nil {
			h.a.stats.EventQueued(event.PersistenceNormal.String())
		}
	}
	return h.a.queue.Sync()
}

func (h *Normal) FilesForDraining() ([]*storage.File, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.flushLocked("drain"); err != nil {
		return nil, err
	}
	return h.a.queue.DrainClosedFiles(true)
}

func (h *Normal) ReadAll(f *storage.File) ([]event.Record, error) {
	return h.a.queue.ReadAll(f)
}

func (h *Normal) Dispose(f *storage.File) error {
	return h.a.dispose(f)
}

func (h *Normal) Synchronize() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.flushLocked("synchronize")
}

func (h *Normal) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	flushErr := h.flushLocked("close")
	if err := h.a.queue.Close(); err != nil {
		return err
	}
	return flushErr
}
