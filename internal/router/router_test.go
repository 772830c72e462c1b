package router

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/szibis/event-courier/internal/compression"
	"github.com/szibis/event-courier/internal/config"
	"github.com/szibis/event-courier/internal/event"
	"github.com/szibis/event-courier/internal/handler"
	"github.com/szibis/event-courier/internal/scheduler"
	"github.com/szibis/event-courier/internal/sender"
	"github.com/szibis/event-courier/internal/stats"
	"github.com/szibis/event-courier/internal/storage"
	"github.com/szibis/event-courier/internal/ticket"
	"github.com/szibis/event-courier/internal/uploader"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingSender struct {
	mu       sync.Mutex
	endpoint string
	status   int
	bodies   []string
}

func (s *recordingSender) Send(_ context.Context, body []byte, _ compression.Type, _ *ticket.Headers) sender.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bodies = append(s.bodies, string(body))
	status := s.status
	if status == 0 {
		status = http.StatusOK
	}
	return sender.Result{StatusCode: status}
}

func (s *recordingSender) Endpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

func (s *recordingSender) SetEndpoint(raw string) error {
	if err := config.CheckEndpoint(raw); err != nil {
		return err
	}
	s.mu.Lock()
	s.endpoint = raw
	s.mu.Unlock()
	return nil
}

func (s *recordingSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.bodies...)
}

type dropListener struct {
	mu      sync.Mutex
	reasons []stats.DropReason
	stopped int
}

func (d *dropListener) EventDropped(_ string, reason stats.DropReason) {
	d.mu.Lock()
	d.reasons = append(d.reasons, reason)
	d.mu.Unlock()
}
func (d *dropListener) SendComplete() {}
func (d *dropListener) Stopped() {
	d.mu.Lock()
	d.stopped++
	d.mu.Unlock()
}

type fixture struct {
	settings *config.Settings
	stats    *stats.Collector
	drops    *dropListener
	sender   *recordingSender
	critical handler.Handler
	normal   handler.Handler
	uploader *uploader.Uploader
	router   *Router
}

func newFixture(t *testing.T, deviceID string, mutate func(*config.Values)) *fixture {
	t.Helper()
	store, err := storage.Open(t.TempDir(), 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	v := config.DefaultValues()
	v.MaxEventSizeBytes = 100
	v.MaxBatchBytes = 1000
	v.MaxFileSize = 1000
	v.QueueDrainInterval = time.Hour
	if mutate != nil {
		mutate(&v)
	}
	if p := v.Problems(); len(p) > 0 {
		t.Fatalf("invalid test values: %v", p)
	}

	f := &fixture{
		settings: config.NewSettings(v),
		stats:    stats.New(),
		drops:    &dropListener{},
		sender:   &recordingSender{endpoint: "http://collector.test/v1"},
	}
	f.stats.Subscribe(f.drops)
	hopts := handler.Options{Store: store, Settings: f.settings, Stats: f.stats}
	f.critical = handler.New(event.PersistenceCritical, hopts)
	f.normal = handler.New(event.PersistenceNormal, hopts)

	sched := scheduler.New(scheduler.Config{Workers: 2})
	f.uploader = uploader.New(uploader.Options{
		Sender:    f.sender,
		Scheduler: sched,
		Settings:  f.settings,
		Stats:     f.stats,
	})
	f.router = New(Options{
		Settings:  f.settings,
		Stats:     f.stats,
		Critical:  f.critical,
		Normal:    f.normal,
		Uploader:  f.uploader,
		Scheduler: sched,
		Endpoint:  f.sender,
		DeviceID:  deviceID,
	})
	t.Cleanup(func() { _ = f.router.Stop() })
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.router.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}

func payload(tag string) string {
	return tag + strings.Repeat("x", 40-len(tag))
}

func waitSent(t *testing.T, s *recordingSender, n int) []string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got := s.sent(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("collector received %d requests, want %d", len(s.sent()), n)
	return nil
}

func waitIdle(t *testing.T, u *uploader.Uploader) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for (u.Running() || u.RealtimeInFlight() > 0) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
}

func queuedPayloads(t *testing.T, h handler.Handler) []string {
	t.Helper()
	files, err := h.FilesForDraining()
	if err != nil {
		t.Fatalf("FilesForDraining() error = %v", err)
	}
	var out []string
	for _, f := range files {
		recs, err := h.ReadAll(f)
		if err != nil {
			t.Fatalf("ReadAll() error = %v", err)
		}
		for _, r := range recs {
			out = append(out, r.Payload)
		}
	}
	return out
}

func TestSampleID(t *testing.T) {
	if got := SampleID(""); got != 0 {
		t.Errorf("SampleID(\"\") = %v, want 0", got)
	}
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("device-%d", i)
		a, b := SampleID(id), SampleID(id)
		if a != b {
			t.Fatalf("SampleID(%q) not stable: %v vs %v", id, a, b)
		}
		if a < 0 || a >= 100 {
			t.Fatalf("SampleID(%q) = %v outside [0,100)", id, a)
		}
	}
}

func TestLogFilters(t *testing.T) {
	// Find a device whose sample id is at least 1 so a rate below it filters.
	deviceID := ""
	for i := 0; deviceID == ""; i++ {
		if id := fmt.Sprintf("device-%d", i); SampleID(id) >= 1 {
			deviceID = id
		}
	}

	f := newFixture(t, deviceID, nil)
	f.start(t)
	sid := f.router.SampleID()

	tests := []struct {
		name   string
		ev     event.Event
		toggle func(*config.Values)
		want   bool
	}{
		{"accepted", event.Event{Payload: payload("ok"), SampleRate: event.SampleRateUnspecified}, nil, true},
		{"oversize", event.Event{Payload: strings.Repeat("x", 101), SampleRate: 100}, nil, false},
		{"sampled out", event.Event{Payload: payload("s"), SampleRate: sid - 0.5}, nil, false},
		{"sampled in", event.Event{Payload: payload("s"), SampleRate: sid + 0.01}, nil, true},
		{"upload disabled", event.Event{Payload: payload("d"), SampleRate: 100}, func(v *config.Values) { v.UploadEnabled = false }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.toggle != nil {
				if err := f.settings.Update(tt.toggle); err != nil {
					t.Fatal(err)
				}
				defer func() {
					_ = f.settings.Update(func(v *config.Values) { v.UploadEnabled = true })
				}()
			}
			if got := f.router.Log(tt.ev); got != tt.want {
				t.Errorf("Log() = %v, want %v", got, tt.want)
			}
		})
	}

	snap := f.stats.Snapshot()
	if snap.DroppedOversize != 1 {
		t.Errorf("DroppedOversize = %d, want 1", snap.DroppedOversize)
	}
	if snap.Filtered != 2 {
		t.Errorf("Filtered = %d, want 2", snap.Filtered)
	}
}

func TestLogBeforeStartIsDropped(t *testing.T) {
	f := newFixture(t, "", nil)
	if f.router.Log(event.Event{Payload: payload("a"), SampleRate: 100}) {
		t.Error("Log() on a stopped router = true")
	}
	if len(f.drops.reasons) != 1 || f.drops.reasons[0] != stats.DropNotStarted {
		t.Errorf("drops = %v, want not_started", f.drops.reasons)
	}
}

func TestSendDrainsBothClasses(t *testing.T) {
	f := newFixture(t, "", nil)
	f.start(t)

	n, c := payload("normal"), payload("critical")
	if !f.router.Log(event.Event{Payload: n, SampleRate: 100}) {
		t.Fatal("Log(normal) = false")
	}
	if !f.router.Log(event.Event{Payload: c, Persistence: event.PersistenceCritical, SampleRate: 100}) {
		t.Fatal("Log(critical) = false")
	}
	if !f.router.Send() {
		t.Fatal("Send() = false")
	}

	got := waitSent(t, f.sender, 2)
	if got[0] != c+"\r\n" || got[1] != n+"\r\n" {
		t.Errorf("bodies = %q, want critical file first", got)
	}
	waitIdle(t, f.uploader)
	if left := queuedPayloads(t, f.normal); len(left) != 0 {
		t.Errorf("normal queue still holds %d records", len(left))
	}
}

func TestSendClass(t *testing.T) {
	f := newFixture(t, "", nil)
	f.start(t)
	n, c := payload("normal"), payload("critical")
	f.router.Log(event.Event{Payload: n, SampleRate: 100})
	f.router.Log(event.Event{Payload: c, Persistence: event.PersistenceCritical, SampleRate: 100})

	if !f.router.SendClass(event.PersistenceNormal) {
		t.Fatal("SendClass() = false")
	}
	got := waitSent(t, f.sender, 1)
	waitIdle(t, f.uploader)
	if got[0] != n+"\r\n" {
		t.Errorf("body = %q, want only the normal event", got[0])
	}
	if left := queuedPayloads(t, f.critical); len(left) != 1 || left[0] != c {
		t.Errorf("critical queue = %v, want untouched", left)
	}
}

func TestRealtimeBypassesQueue(t *testing.T) {
	f := newFixture(t, "", nil)
	f.start(t)

	p := payload("rt")
	if !f.router.Log(event.Event{Payload: p, Latency: event.LatencyRealtime, SampleRate: 100}) {
		t.Fatal("Log(realtime) = false")
	}
	got := waitSent(t, f.sender, 1)
	if got[0] != p {
		t.Errorf("body = %q, want the bare payload", got[0])
	}
	waitIdle(t, f.uploader)
	if left := queuedPayloads(t, f.normal); len(left) != 0 {
		t.Errorf("real-time event also queued: %v", left)
	}
}

func TestRealtimeAtCeilingIsQueued(t *testing.T) {
	f := newFixture(t, "", func(v *config.Values) { v.MaxRealtimeWorkers = 0 })
	f.start(t)

	p := payload("rt")
	if !f.router.Log(event.Event{Payload: p, Latency: event.LatencyRealtime, Persistence: event.PersistenceCritical, SampleRate: 100}) {
		t.Fatal("Log(realtime) = false at the ceiling")
	}
	if n := len(f.sender.sent()); n != 0 {
		t.Errorf("sent %d requests, want none", n)
	}
	if left := queuedPayloads(t, f.critical); len(left) != 1 || left[0] != p {
		t.Errorf("critical queue = %v, want the real-time event", left)
	}
}

func TestPauseAndResume(t *testing.T) {
	f := newFixture(t, "", nil)
	f.start(t)
	f.router.Pause()
	if got := f.router.State(); got != StatePaused {
		t.Fatalf("State() = %s, want paused", got)
	}

	p, rt := payload("paused"), payload("rt")
	if !f.router.Log(event.Event{Payload: p, SampleRate: 100}) {
		t.Fatal("Log() while paused = false")
	}
	if !f.router.Log(event.Event{Payload: rt, Latency: event.LatencyRealtime, SampleRate: 100}) {
		t.Fatal("Log(realtime) while paused = false")
	}
	if f.router.Send() {
		t.Error("Send() while paused = true")
	}
	time.Sleep(20 * time.Millisecond)
	if n := len(f.sender.sent()); n != 0 {
		t.Fatalf("sent %d requests while paused", n)
	}

	if err := f.router.Resume(); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	got := waitSent(t, f.sender, 1)
	if got[0] != p+"\r\n"+rt+"\r\n" {
		t.Errorf("body after resume = %q", got[0])
	}
}

func TestPeriodicDrainAndIntervalChange(t *testing.T) {
	f := newFixture(t, "", func(v *config.Values) { v.QueueDrainInterval = 30 * time.Millisecond })
	f.start(t)

	p := payload("tick")
	f.router.Log(event.Event{Payload: p, SampleRate: 100})
	got := waitSent(t, f.sender, 1)
	if got[0] != p+"\r\n" {
		t.Errorf("body = %q", got[0])
	}

	if err := f.settings.Update(func(v *config.Values) { v.QueueDrainInterval = 20 * time.Millisecond }); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for f.router.Interval() != 20*time.Millisecond && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := f.router.Interval(); got != 20*time.Millisecond {
		t.Errorf("Interval() = %v, want the updated 20ms", got)
	}
}

func TestStop(t *testing.T) {
	f := newFixture(t, "", nil)
	f.start(t)
	p := payload("buffered")
	f.router.Log(event.Event{Payload: p, SampleRate: 100})

	if err := f.router.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := f.router.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
	if f.drops.stopped != 1 {
		t.Errorf("Stopped notifications = %d, want 1", f.drops.stopped)
	}
	if left := queuedPayloads(t, f.normal); len(left) != 1 || left[0] != p {
		t.Errorf("normal queue after Stop() = %v, want the buffered event on disk", left)
	}
	if f.router.Log(event.Event{Payload: p, SampleRate: 100}) {
		t.Error("Log() after Stop() = true")
	}

	// The router can be started again.
	f.start(t)
	if got := f.router.State(); got != StateRunning {
		t.Errorf("State() after restart = %s", got)
	}
}

func TestSetEndpoint(t *testing.T) {
	f := newFixture(t, "", nil)
	if err := f.router.SetEndpoint("mailto:someone"); err == nil {
		t.Error("SetEndpoint(mailto) succeeded")
	}
	if got := f.sender.Endpoint(); got != "http://collector.test/v1" {
		t.Errorf("endpoint changed to %q after a rejected update", got)
	}
	if err := f.router.SetEndpoint("https://other.test/collect"); err != nil {
		t.Fatalf("SetEndpoint() error = %v", err)
	}
	if got := f.sender.Endpoint(); got != "https://other.test/collect" {
		t.Errorf("Endpoint() = %q", got)
	}
}

func TestSynchronizeFlushesNormalRing(t *testing.T) {
	f := newFixture(t, "", nil)
	f.start(t)
	p := payload("sync")
	f.router.Log(event.Event{Payload: p, SampleRate: 100})
	if err := f.router.Synchronize(); err != nil {
		t.Fatalf("Synchronize() error = %v", err)
	}
	if n := f.normal.(*handler.Normal).Buffered(); n != 0 {
		t.Errorf("Buffered() = %d after Synchronize()", n)
	}
}
