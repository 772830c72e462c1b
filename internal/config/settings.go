package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Values are the tunables the courier reads at runtime. Every component
// loads a fresh copy when it needs one, so an update is observed on the next
// tick, batch or append.
type Values struct {
	QueueDrainInterval    time.Duration
	SnapshotInterval      time.Duration
	MaxEventSizeBytes     int
	MaxEventsPerBatch     int
	MaxBatchBytes         int
	MaxFilesSpace         int64
	MaxFileSize           int64
	UploadEnabled         bool
	HTTPTimeout           time.Duration
	BackoffBase           time.Duration
	BackoffExponent       int
	BackoffMax            time.Duration
	SampleEpsilon         float64
	NormalMemoryQueueSize int
	MaxEvictionAttempts   int
	MaxRealtimeWorkers    int
}

// DefaultValues returns the built-in tunables.
func DefaultValues() Values {
	return Values{
		QueueDrainInterval:    120 * time.Second,
		SnapshotInterval:      15 * time.Minute,
		MaxEventSizeBytes:     64 * 1024,
		MaxEventsPerBatch:     500,
		MaxBatchBytes:         1024 * 1024,
		MaxFilesSpace:         10 * 1024 * 1024,
		MaxFileSize:           512 * 1024,
		UploadEnabled:         true,
		HTTPTimeout:           60 * time.Second,
		BackoffBase:           5 * time.Second,
		BackoffExponent:       2,
		BackoffMax:            180 * time.Second,
		SampleEpsilon:         0.00001,
		NormalMemoryQueueSize: 50,
		MaxEvictionAttempts:   5,
		MaxRealtimeWorkers:    200,
	}
}

// frameSlack covers the per-record framing added on disk.
const frameSlack = 64

// Problems returns every constraint the values violate.
func (v Values) Problems() []string {
	var p []string
	if v.QueueDrainInterval <= 0 {
		p = append(p, fmt.Sprintf("queue_drain_interval must be positive, got %s", v.QueueDrainInterval))
	}
	if v.SnapshotInterval < 0 {
		p = append(p, fmt.Sprintf("snapshot_interval must not be negative, got %s", v.SnapshotInterval))
	}
	if v.MaxEventSizeBytes <= 0 {
		p = append(p, fmt.Sprintf("max_event_size_bytes must be positive, got %d", v.MaxEventSizeBytes))
	}
	if v.MaxEventsPerBatch <= 0 {
		p = append(p, fmt.Sprintf("max_events_per_batch must be positive, got %d", v.MaxEventsPerBatch))
	}
	if v.MaxBatchBytes < v.MaxEventSizeBytes+2 {
		p = append(p, fmt.Sprintf("max_batch_bytes must be at least max_event_size_bytes+2 (%d), got %d", v.MaxEventSizeBytes+2, v.MaxBatchBytes))
	}
	if v.MaxFileSize < int64(v.MaxEventSizeBytes)+frameSlack {
		p = append(p, fmt.Sprintf("max_file_size must be at least max_event_size_bytes+%d, got %d", frameSlack, v.MaxFileSize))
	}
	if v.MaxFilesSpace < v.MaxFileSize {
		p = append(p, fmt.Sprintf("max_files_space must be at least max_file_size (%d), got %d", v.MaxFileSize, v.MaxFilesSpace))
	}
	if v.HTTPTimeout <= 0 {
		p = append(p, fmt.Sprintf("http_timeout must be positive, got %s", v.HTTPTimeout))
	}
	if v.BackoffBase < time.Second {
		p = append(p, fmt.Sprintf("backoff_base must be at least 1s, got %s", v.BackoffBase))
	}
	if v.BackoffExponent < 1 {
		p = append(p, fmt.Sprintf("backoff_exponent must be at least 1, got %d", v.BackoffExponent))
	}
	if v.BackoffMax < v.BackoffBase {
		p = append(p, fmt.Sprintf("backoff_max must be at least backoff_base (%s), got %s", v.BackoffBase, v.BackoffMax))
	}
	if v.SampleEpsilon < 0 {
		p = append(p, fmt.Sprintf("sample_epsilon must not be negative, got %g", v.SampleEpsilon))
	}
	if v.NormalMemoryQueueSize < 1 {
		p = append(p, fmt.Sprintf("normal_memory_queue_size must be at least 1, got %d", v.NormalMemoryQueueSize))
	}
	if v.MaxEvictionAttempts < 0 {
		p = append(p, fmt.Sprintf("max_eviction_attempts must not be negative, got %d", v.MaxEvictionAttempts))
	}
	if v.MaxRealtimeWorkers < 0 {
		p = append(p, fmt.Sprintf("max_realtime_workers must not be negative, got %d", v.MaxRealtimeWorkers))
	}
	return p
}

// UpdateListener is called after every accepted update with the previous
// and the new values.
type UpdateListener func(old, updated Values)

// Settings is the runtime configuration source: an atomically swapped
// snapshot of Values plus change listeners.
type Settings struct {
	current atomic.Pointer[Values]

	mu        sync.Mutex
	listeners []UpdateListener
}

// NewSettings returns a store holding v.
func NewSettings(v Values) *Settings {
	s := &Settings{}
	s.current.Store(&v)
	return s
}

// Load returns a copy of the current values.
func (s *Settings) Load() Values {
	return *s.current.Load()
}

// OnUpdate registers fn to run after each accepted update.
func (s *Settings) OnUpdate(fn UpdateListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Update applies fn to a copy of the current values and publishes the
// result if it is valid.
func (s *Settings) Update(fn func(*Values)) error {
	return s.update(func(v *Values) error {
		fn(v)
		return nil
	})
}

func (s *Settings) update(fn func(*Values) error) error {
	s.mu.Lock()
	old := *s.current.Load()
	next := old
	if err := fn(&next); err != nil {
		s.mu.Unlock()
		return err
	}
	if problems := next.Problems(); len(problems) > 0 {
		s.mu.Unlock()
		return fmt.Errorf("invalid settings: %s", strings.Join(problems, "; "))
	}
	s.current.Store(&next)
	listeners := append([]UpdateListener(nil), s.listeners...)
	s.mu.Unlock()

	for _, l := range listeners {
		l(old, next)
	}
	return nil
}

// Replace publishes v as a whole.
func (s *Settings) Replace(v Values) error {
	return s.Update(func(dst *Values) { *dst = v })
}

// Apply sets one named setting from its string form, as delivered by a
// remote settings sync.
func (s *Settings) Apply(name, value string) error {
	return s.ApplyAll(map[string]string{name: value})
}

// ApplyAll applies every entry as one update. Nothing is published when any
// entry is unknown, unparsable or leaves the values invalid.
func (s *Settings) ApplyAll(values map[string]string) error {
	names := make([]string, 0, len(values))
	for name := range values {
		if _, ok := settingSetters[strings.ToLower(strings.TrimSpace(name))]; !ok {
			return fmt.Errorf("unknown setting %q", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return s.update(func(v *Values) error {
		for _, name := range names {
			setter := settingSetters[strings.ToLower(strings.TrimSpace(name))]
			if err := setter(v, strings.TrimSpace(values[name])); err != nil {
				return fmt.Errorf("setting %s: %w", name, err)
			}
		}
		return nil
	})
}

// SettingNames lists the names accepted by Apply.
func SettingNames() []string {
	names := make([]string, 0, len(settingSetters))
	for n := range settingSetters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

var settingSetters = map[string]func(*Values, string) error{
	"queue_drain_interval":     durationSetter(func(v *Values) *time.Duration { return &v.QueueDrainInterval }),
	"snapshot_interval":        durationSetter(func(v *Values) *time.Duration { return &v.SnapshotInterval }),
	"http_timeout":             durationSetter(func(v *Values) *time.Duration { return &v.HTTPTimeout }),
	"backoff_base":             durationSetter(func(v *Values) *time.Duration { return &v.BackoffBase }),
	"backoff_max":              durationSetter(func(v *Values) *time.Duration { return &v.BackoffMax }),
	"max_event_size_bytes":     intSetter(func(v *Values) *int { return &v.MaxEventSizeBytes }),
	"max_events_per_batch":     intSetter(func(v *Values) *int { return &v.MaxEventsPerBatch }),
	"max_batch_bytes":          intSetter(func(v *Values) *int { return &v.MaxBatchBytes }),
	"backoff_exponent":         intSetter(func(v *Values) *int { return &v.BackoffExponent }),
	"normal_memory_queue_size": intSetter(func(v *Values) *int { return &v.NormalMemoryQueueSize }),
	"max_eviction_attempts":    intSetter(func(v *Values) *int { return &v.MaxEvictionAttempts }),
	"max_realtime_workers":     intSetter(func(v *Values) *int { return &v.MaxRealtimeWorkers }),
	"max_files_space":          byteSizeSetter(func(v *Values) *int64 { return &v.MaxFilesSpace }),
	"max_file_size":            byteSizeSetter(func(v *Values) *int64 { return &v.MaxFileSize }),
	"upload_enabled": func(v *Values, s string) error {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		v.UploadEnabled = b
		return nil
	},
	"sample_epsilon": func(v *Values, s string) error {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		v.SampleEpsilon = f
		return nil
	},
}

// durationSetter accepts Go durations ("90s") or a bare integer of seconds.
func durationSetter(field func(*Values) *time.Duration) func(*Values, string) error {
	return func(v *Values, s string) error {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			*field(v) = time.Duration(n) * time.Second
			return nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*field(v) = d
		return nil
	}
}

func intSetter(field func(*Values) *int) func(*Values, string) error {
	return func(v *Values, s string) error {
		n, err := strconv.Atoi(s)
		if err != nil {
			return err
		}
		*field(v) = n
		return nil
	}
}

func byteSizeSetter(field func(*Values) *int64) func(*Values, string) error {
	return func(v *Values, s string) error {
		n, err := ParseByteSize(s)
		if err != nil {
			return err
		}
		*field(v) = n
		return nil
	}
}
