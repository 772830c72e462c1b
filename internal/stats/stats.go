// Package stats keeps the courier's own accounting: prometheus counters for
// scraping, per-instance snapshot counters that can be reset, and the
// listener notifications exposed to the host.
package stats

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/axiomhq/hyperloglog"
)

// DropReason names the policy that discarded an event.
type DropReason string

const (
	DropOversize     DropReason = "oversize"
	DropQuota        DropReason = "quota"
	DropRejected     DropReason = "rejected"
	DropStorageError DropReason = "storage_error"
	DropNotStarted   DropReason = "not_started"
	// DropNoResolver marks an event carrying ticket ids while no ticket
	// resolver is installed.
	DropNoResolver   DropReason = "no_resolver"
)

// FilterReason names why the router did not accept an event.
type FilterReason string

const (
	FilterUploadDisabled FilterReason = "upload_disabled"
	FilterSampled        FilterReason = "sampled"
)

// Listener receives lifecycle notifications. Calls are synchronous and made
// from courier goroutines, so implementations must not block.
type Listener interface {
	EventDropped(payload string, reason DropReason)
	SendComplete()
	Stopped()
}

// Snapshot is a point-in-time copy of the resettable counters.
type Snapshot struct {
	Since           time.Time     `json:"since"`
	Queued          int64         `json:"queued"`
	Dropped         int64         `json:"dropped"`
	DroppedOversize int64         `json:"dropped_oversize"`
	DroppedQuota    int64         `json:"dropped_quota"`
	DroppedOther    int64         `json:"dropped_other"`
	Filtered        int64         `json:"filtered"`
	Sent            int64         `json:"sent"`
	SentRealtime    int64         `json:"sent_realtime"`
	Rejected        int64         `json:"rejected"`
	FilesEvicted    int64         `json:"files_evicted"`
	HTTPAttempts    int64         `json:"http_attempts"`
	HTTPFailures    int64         `json:"http_failures"`
	AvgLatency      time.Duration `json:"avg_latency_ns"`
	MaxLatency      time.Duration `json:"max_latency_ns"`
	DistinctTickets int64         `json:"distinct_tickets"`
}

// Collector is safe for concurrent use. A nil *Collector discards everything.
type Collector struct {
	queued          atomic.Int64
	droppedOversize atomic.Int64
	droppedQuota    atomic.Int64
	droppedOther    atomic.Int64
	filtered        atomic.Int64
	sent            atomic.Int64
	sentRealtime    atomic.Int64
	rejected        atomic.Int64
	filesEvicted    atomic.Int64

	mu           sync.Mutex
	since        time.Time
	httpAttempts int64
	httpFailures int64
	latencySum   time.Duration
	latencyMax   time.Duration
	tickets      *hyperloglog.Sketch
	listeners    map[int]Listener
	nextID       int
}

// New returns an empty collector.
func New() *Collector {
	return &Collector{
		since:     time.Now(),
		tickets:   hyperloglog.New(),
		listeners: make(map[int]Listener),
	}
}

// Subscribe registers l and returns a function that removes it.
func (c *Collector) Subscribe(l Listener) func() {
	if c == nil || l == nil {
		return func() {}
	}
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Collector) each(fn func(Listener)) {
	c.mu.Lock()
	ls := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		ls = append(ls, l)
	}
	c.mu.Unlock()
	for _, l := range ls {
		fn(l)
	}
}

// EventQueued records an event accepted by a persistence handler.
func (c *Collector) EventQueued(class string) {
	eventsQueuedTotal.WithLabelValues(class).Inc()
	if c == nil {
		return
	}
	c.queued.Add(1)
}

// EventFiltered records an event the router did not accept.
func (c *Collector) EventFiltered(reason FilterReason) {
	eventsFilteredTotal.WithLabelValues(string(reason)).Inc()
	if c == nil {
		return
	}
	c.filtered.Add(1)
}

// EventDropped records a dropped event and notifies listeners.
func (c *Collector) EventDropped(payload string, reason DropReason) {
	eventsDroppedTotal.WithLabelValues(string(reason)).Inc()
	if c == nil {
		return
	}
	switch reason {
	case DropOversize:
		c.droppedOversize.Add(1)
	case DropQuota:
		c.droppedQuota.Add(1)
	default:
		c.droppedOther.Add(1)
	}
	c.each(func(l Listener) { l.EventDropped(payload, reason) })
}

// EventsSent records n events delivered in an accepted batch.
func (c *Collector) EventsSent(n int, realtime bool) {
	path := "durable"
	if realtime {
		path = "realtime"
	}
	eventsSentTotal.WithLabelValues(path).Add(float64(n))
	if c == nil {
		return
	}
	c.sent.Add(int64(n))
	if realtime {
		c.sentRealtime.Add(int64(n))
	}
}

// EventsRejected records n events the collector refused.
func (c *Collector) EventsRejected(n int) {
	if n <= 0 {
		return
	}
	eventsRejectedTotal.Add(float64(n))
	if c == nil {
		return
	}
	c.rejected.Add(int64(n))
}

// FileEvicted records a queue file deleted to free quota.
func (c *Collector) FileEvicted() {
	filesEvictedTotal.Inc()
	if c == nil {
		return
	}
	c.filesEvicted.Add(1)
}

// HTTPAttempt records one POST and its latency. failed marks server errors
// and transport failures.
func (c *Collector) HTTPAttempt(latency time.Duration, failed bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.httpAttempts++
	if failed {
		c.httpFailures++
	}
	c.latencySum += latency
	if latency > c.latencyMax {
		c.latencyMax = latency
	}
}

// TicketsSeen adds ticket ids to the distinct estimate.
func (c *Collector) TicketsSeen(ids []string) {
	if c == nil || len(ids) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		c.tickets.Insert([]byte(id))
	}
}

// CycleComplete records the end of a durable upload cycle and notifies
// listeners when it delivered everything.
func (c *Collector) CycleComplete(success bool) {
	result := "success"
	if !success {
		result = "retry"
	}
	cyclesTotal.WithLabelValues(result).Inc()
	if c == nil || !success {
		return
	}
	c.each(func(l Listener) { l.SendComplete() })
}

// RealtimeComplete notifies listeners that a real-time event was delivered.
func (c *Collector) RealtimeComplete() {
	if c == nil {
		return
	}
	c.each(func(l Listener) { l.SendComplete() })
}

// Stopped notifies listeners that the courier stopped.
func (c *Collector) Stopped() {
	if c == nil {
		return
	}
	c.each(func(l Listener) { l.Stopped() })
}

// Snapshot returns the counters accumulated since the last Reset.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	s := Snapshot{
		Queued:          c.queued.Load(),
		DroppedOversize: c.droppedOversize.Load(),
		DroppedQuota:    c.droppedQuota.Load(),
		DroppedOther:    c.droppedOther.Load(),
		Filtered:        c.filtered.Load(),
		Sent:            c.sent.Load(),
		SentRealtime:    c.sentRealtime.Load(),
		Rejected:        c.rejected.Load(),
		FilesEvicted:    c.filesEvicted.Load(),
	}
	s.Dropped = s.DroppedOversize + s.DroppedQuota + s.DroppedOther

	c.mu.Lock()
	defer c.mu.Unlock()
	s.Since = c.since
	s.HTTPAttempts = c.httpAttempts
	s.HTTPFailures = c.httpFailures
	s.MaxLatency = c.latencyMax
	if c.httpAttempts > 0 {
		s.AvgLatency = c.latencySum / time.Duration(c.httpAttempts)
	}
	s.DistinctTickets = int64(c.tickets.Estimate())
	return s
}

// Reset zeroes the snapshot counters. Prometheus counters are unaffected.
func (c *Collector) Reset() {
	if c == nil {
		return
	}
	c.queued.Store(0)
	c.droppedOversize.Store(0)
	c.droppedQuota.Store(0)
	c.droppedOther.Store(0)
	c.filtered.Store(0)
	c.sent.Store(0)
	c.sentRealtime.Store(0)
	c.rejected.Store(0)
	c.filesEvicted.Store(0)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.since = time.Now()
	c.httpAttempts = 0
	c.httpFailures = 0
	c.latencySum = 0
	c.latencyMax = 0
	c.tickets = hyperloglog.New()
}
