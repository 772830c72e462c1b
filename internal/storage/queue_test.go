package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/szibis/event-courier/internal/event"
)

func openStore(t *testing.T, limit int64) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), limit)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func diskBytes(t *testing.T, dir string) int64 {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var total int64
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			t.Fatal(err)
		}
		total += info.Size()
	}
	return total
}

func TestQueue_RoundTripPreservesOrder(t *testing.T) {
	for _, compress := range []bool{false, true} {
		t.Run(fmt.Sprintf("compress=%v", compress), func(t *testing.T) {
			s := openStore(t, 1<<20)
			q := s.Queue(event.PersistenceNormal, QueueConfig{MaxFileSize: 1 << 16, Compress: compress})

			var want []event.Record
			for i := 0; i < 50; i++ {
				rec := event.Record{
					Payload:   fmt.Sprintf(`{"seq":%d,"pad":"%s"}`, i, strings.Repeat("x", i*10)),
					TicketIDs: []string{fmt.Sprintf("user-%d", i%3)},
				}
				if i%5 == 0 {
					rec.TicketIDs = nil
				}
				want = append(want, rec)
				if err := q.Add(rec); err != nil {
					t.Fatalf("Add(%d): %v", i, err)
				}
			}

			files, err := q.DrainClosedFiles(true)
			if err != nil {
				t.Fatalf("DrainClosedFiles: %v", err)
			}
			var got []event.Record
			for _, f := range files {
				recs, err := q.ReadAll(f)
				if err != nil {
					t.Fatalf("ReadAll: %v", err)
				}
				got = append(got, recs...)
			}
			if len(got) != len(want) {
				t.Fatalf("read %d records, wrote %d", len(got), len(want))
			}
			for i := range want {
				if got[i].Payload != want[i].Payload {
					t.Fatalf("record %d payload mismatch", i)
				}
				if strings.Join(got[i].TicketIDs, ",") != strings.Join(want[i].TicketIDs, ",") {
					t.Fatalf("record %d tickets = %v, want %v", i, got[i].TicketIDs, want[i].TicketIDs)
				}
			}
		})
	}
}

func TestQueue_OversizeRecordRejectedWithoutWrite(t *testing.T) {
	s := openStore(t, 1000)
	q := s.Queue(event.PersistenceCritical, QueueConfig{MaxFileSize: 1 << 20})
	rec := event.Record{Payload: strings.Repeat("a", 1200)}

	if q.CanAdd(rec) {
		t.Fatal("CanAdd accepted a record larger than the quota")
	}
	err := q.Add(rec)
	var fe *FullError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FullError, got %v", err)
	}
	if fe.Reason != ReasonQuota {
		t.Errorf("reason = %s, want %s", fe.Reason, ReasonQuota)
	}
	if s.Quota().Used() != 0 {
		t.Errorf("quota used = %d, want 0", s.Quota().Used())
	}
	if n := diskBytes(t, s.Dir()); n != 0 {
		t.Errorf("%d bytes written to disk for a rejected record", n)
	}
}

func TestQueue_FileBudgetReason(t *testing.T) {
	s := openStore(t, 1<<20)
	q := s.Queue(event.PersistenceNormal, QueueConfig{MaxFileSize: 100})
	err := q.Check(event.Record{Payload: strings.Repeat("b", 200)})
	var fe *FullError
	if !errors.As(err, &fe) || fe.Reason != ReasonFileBudget {
		t.Fatalf("expected file budget error, got %v", err)
	}
}

func TestQueue_RotationKeepsOneOpenFileAndQuotaMatchesDisk(t *testing.T) {
	s := openStore(t, 1<<20)
	q := s.Queue(event.PersistenceNormal, QueueConfig{MaxFileSize: 256})

	for i := 0; i < 40; i++ {
		if err := q.Add(event.Record{Payload: strings.Repeat("z", 60)}); err != nil {
			t.Fatalf("Add: %v", err)
		}
		if got, want := s.Quota().Used(), diskBytes(t, s.Dir()); got != want {
			t.Fatalf("after add %d: quota %d != disk %d", i, got, want)
		}
	}

	closed, err := q.DrainClosedFiles(false)
	if err != nil {
		t.Fatal(err)
	}
	entries, _ := os.ReadDir(s.Dir())
	if open := len(entries) - len(closed); open != 1 {
		t.Fatalf("expected exactly one open file, found %d", open)
	}
	for _, f := range closed {
		if f.Size() > 256 {
			t.Errorf("closed file %s exceeds budget: %d", f.Name(), f.Size())
		}
	}
}

func TestQueue_DrainWithoutFlushSkipsOpenFile(t *testing.T) {
	s := openStore(t, 1<<20)
	q := s.Queue(event.PersistenceNormal, QueueConfig{MaxFileSize: 1 << 16})
	if err := q.Add(event.Record{Payload: "one"}); err != nil {
		t.Fatal(err)
	}
	files, err := q.DrainClosedFiles(false)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 0 {
		t.Fatalf("open file returned without flush: %d files", len(files))
	}
	files, err = q.DrainClosedFiles(true)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		t.Fatalf("expected 1 file after flush, got %d", len(files))
	}
	if err := q.Add(event.Record{Payload: "two"}); err != nil {
		t.Fatal(err)
	}
	again, _ := q.DrainClosedFiles(true)
	if len(again) != 2 || again[0].Path() != files[0].Path() {
		t.Fatalf("expected the drained file first and a new file second, got %d files", len(again))
	}
}

func TestQueue_TruncatedTailIsTolerated(t *testing.T) {
	s := openStore(t, 1<<20)
	q := s.Queue(event.PersistenceCritical, QueueConfig{MaxFileSize: 1 << 16})
	for i := 0; i < 3; i++ {
		if err := q.Add(event.Record{Payload: fmt.Sprintf("event-%d", i)}); err != nil {
			t.Fatal(err)
		}
	}
	files, err := q.DrainClosedFiles(true)
	if err != nil || len(files) != 1 {
		t.Fatalf("drain: %v (%d files)", err, len(files))
	}
	if err := os.Truncate(files[0].Path(), files[0].Size()-3); err != nil {
		t.Fatal(err)
	}

	recs, err := q.ReadAll(files[0])
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(recs) != 2 || recs[1].Payload != "event-1" {
		t.Fatalf("expected the two intact records, got %+v", recs)
	}
}

func TestQueue_CorruptChecksumStopsRead(t *testing.T) {
	s := openStore(t, 1<<20)
	q := s.Queue(event.PersistenceNormal, QueueConfig{MaxFileSize: 1 << 16})
	_ = q.Add(event.Record{Payload: "good"})
	_ = q.Add(event.Record{Payload: "flipped"})
	files, _ := q.DrainClosedFiles(true)

	data, err := os.ReadFile(files[0].Path())
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)-1] ^= 0xFF
	if err := os.WriteFile(files[0].Path(), data, 0o644); err != nil {
		t.Fatal(err)
	}

	recs, err := q.ReadAll(files[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Payload != "good" {
		t.Fatalf("got %+v", recs)
	}
}

func TestQueue_DiscardReleasesQuotaOnce(t *testing.T) {
	s := openStore(t, 1<<20)
	q := s.Queue(event.PersistenceNormal, QueueConfig{MaxFileSize: 1 << 16})
	_ = q.Add(event.Record{Payload: "payload"})
	files, _ := q.DrainClosedFiles(true)
	size := files[0].Size()
	if s.Quota().Used() != size {
		t.Fatalf("quota %d != file size %d", s.Quota().Used(), size)
	}
	if err := q.Discard(files[0]); err != nil {
		t.Fatal(err)
	}
	if err := q.Discard(files[0]); err != nil {
		t.Fatalf("second discard: %v", err)
	}
	if s.Quota().Used() != 0 {
		t.Fatalf("quota after discard = %d", s.Quota().Used())
	}
	if _, err := q.ReadAll(files[0]); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("ReadAll of discarded file: %v", err)
	}
}

func TestStore_ReconcileOnReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	for _, class := range event.Persistences {
		q := s.Queue(class, QueueConfig{MaxFileSize: 128})
		for i := 0; i < 10; i++ {
			if err := q.Add(event.Record{Payload: strings.Repeat("r", 30)}); err != nil {
				t.Fatal(err)
			}
		}
		if err := q.Close(); err != nil {
			t.Fatal(err)
		}
	}
	used := s.Quota().Used()

	reopened, err := Open(dir, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	if reopened.Quota().Used() != used {
		t.Fatalf("reconciled quota %d, want %d", reopened.Quota().Used(), used)
	}
	if used != diskBytes(t, dir) {
		t.Fatalf("quota %d != disk %d", used, diskBytes(t, dir))
	}
}

func writeClosed(t *testing.T, s *Store, class event.Persistence, payload string, mtime time.Time) *File {
	t.Helper()
	q := s.Queue(class, QueueConfig{MaxFileSize: 1 << 16})
	if err := q.Add(event.Record{Payload: payload}); err != nil {
		t.Fatal(err)
	}
	files, err := q.DrainClosedFiles(true)
	if err != nil {
		t.Fatal(err)
	}
	f := files[len(files)-1]
	if err := os.Chtimes(f.Path(), mtime, mtime); err != nil {
		t.Fatal(err)
	}
	return f
}

func TestStore_EvictOldestPrefersNormal(t *testing.T) {
	s := openStore(t, 1<<20)
	base := time.Now().Add(-time.Hour)
	crit := writeClosed(t, s, event.PersistenceCritical, "critical-oldest", base)
	oldNorm := writeClosed(t, s, event.PersistenceNormal, "normal-old", base.Add(time.Minute))
	newNorm := writeClosed(t, s, event.PersistenceNormal, "normal-new", base.Add(2*time.Minute))

	before := s.Quota().Used()
	evicted, err := s.EvictOldest(true)
	if err != nil || !evicted {
		t.Fatalf("EvictOldest = %v, %v", evicted, err)
	}
	if _, err := os.Stat(oldNorm.Path()); !errors.Is(err, fs.ErrNotExist) {
		t.Fatal("oldest normal file was not evicted")
	}
	if _, err := os.Stat(crit.Path()); err != nil {
		t.Fatal("critical file evicted while normal files remained")
	}
	if got := before - s.Quota().Used(); got != oldNorm.Size() {
		t.Fatalf("quota decreased by %d, want %d", got, oldNorm.Size())
	}

	if _, err := s.EvictOldest(false); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(newNorm.Path()); !errors.Is(err, fs.ErrNotExist) {
		t.Fatal("second normal file was not evicted")
	}

	evicted, _ = s.EvictOldest(false)
	if evicted {
		t.Fatal("evicted a critical file without permission")
	}
	evicted, _ = s.EvictOldest(true)
	if !evicted {
		t.Fatal("critical fallback did not evict")
	}
	if s.Quota().Used() != 0 {
		t.Fatalf("quota = %d after evicting everything", s.Quota().Used())
	}
}

func TestStore_EvictNeverTouchesOpenFile(t *testing.T) {
	s := openStore(t, 1<<20)
	q := s.Queue(event.PersistenceNormal, QueueConfig{MaxFileSize: 1 << 16})
	if err := q.Add(event.Record{Payload: "open"}); err != nil {
		t.Fatal(err)
	}
	evicted, err := s.EvictOldest(true)
	if err != nil {
		t.Fatal(err)
	}
	if evicted {
		t.Fatal("evicted the open file")
	}
	entries, _ := os.ReadDir(s.Dir())
	if len(entries) != 1 {
		t.Fatalf("expected the open file to remain, found %d", len(entries))
	}
	if filepath.Ext(entries[0].Name()) != ".evq" {
		t.Errorf("unexpected file %s", entries[0].Name())
	}
}

func TestQuota_SetLimit(t *testing.T) {
	s := openStore(t, 100)
	q := s.Queue(event.PersistenceNormal, QueueConfig{})
	rec := event.Record{Payload: strings.Repeat("q", 150)}
	if q.CanAdd(rec) {
		t.Fatal("record should not fit the initial limit")
	}
	s.Quota().SetLimit(1000)
	if !q.CanAdd(rec) {
		t.Fatal("record should fit after raising the limit")
	}
	if s.Quota().Available() != 1000 {
		t.Errorf("Available() = %d", s.Quota().Available())
	}
}
