package storage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/szibis/event-courier/internal/event"
	"github.com/szibis/event-courier/internal/logging"
)

// Reasons carried by FullError.
const (
	ReasonFileBudget = "file_budget"
	ReasonQuota      = "quota"
)

// FullError reports that a record cannot be appended.
type FullError struct {
	Class  event.Persistence
	Reason string
	Need   int64
	Used   int64
	Limit  int64
}

func (e *FullError) Error() string {
	return fmt.Sprintf("%s queue full (%s): need %d bytes, used %d of %d",
		e.Class, e.Reason, e.Need, e.Used, e.Limit)
}

// IsFull reports whether err is a *FullError.
func IsFull(err error) bool {
	var fe *FullError
	return errors.As(err, &fe)
}

// QueueConfig controls one class's files.
type QueueConfig struct {
	// MaxFileSize is the per-file budget; a full open file is closed and a
	// new one started.
	MaxFileSize int64
	// Compress stores frames s2 compressed.
	Compress bool
}

// Queue is the append-only file sequence of one persistence class. At most
// one file is open for appends; every other file is closed and may be
// drained.
type Queue struct {
	store *Store
	class event.Persistence

	mu         sync.Mutex
	cfg        QueueConfig
	active     *os.File
	activePath string
	activeSize int64
}

// Class returns the persistence class of the queue.
func (q *Queue) Class() event.Persistence { return q.class }

// SetConfig replaces the queue configuration. A smaller file budget applies
// from the next append.
func (q *Queue) SetConfig(cfg QueueConfig) {
	q.mu.Lock()
	q.cfg = cfg
	q.mu.Unlock()
}

// Check returns a *FullError when rec cannot be appended.
func (q *Queue) Check(rec event.Record) error {
	q.mu.Lock()
	compress, maxFile := q.cfg.Compress, q.cfg.MaxFileSize
	q.mu.Unlock()
	return q.check(int64(len(encodeFrame(rec, compress))), maxFile)
}

// CanAdd reports whether rec fits the file budget and the shared quota.
func (q *Queue) CanAdd(rec event.Record) bool {
	return q.Check(rec) == nil
}

func (q *Queue) check(need, maxFile int64) error {
	quota := q.store.quota
	switch {
	case maxFile > 0 && need > maxFile:
		return &FullError{Class: q.class, Reason: ReasonFileBudget, Need: need, Used: 0, Limit: maxFile}
	case !quota.fits(need):
		return &FullError{Class: q.class, Reason: ReasonQuota, Need: need, Used: quota.Used(), Limit: quota.Limit()}
	}
	return nil
}

// Add appends rec to the open file, closing a full file first. It returns a
// *FullError without touching disk when the record does not fit.
func (q *Queue) Add(rec event.Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.addLocked(rec)
}

// AddAll appends records in order under one lock, stopping at the first
// error. It returns the number appended.
func (q *Queue) AddAll(recs []event.Record) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, rec := range recs {
		if err := q.addLocked(rec); err != nil {
			return i, err
		}
	}
	return len(recs), nil
}

func (q *Queue) addLocked(rec event.Record) error {
	frame := encodeFrame(rec, q.cfg.Compress)
	need := int64(len(frame))
	if err := q.check(need, q.cfg.MaxFileSize); err != nil {
		return err
	}
	if q.active != nil && q.cfg.MaxFileSize > 0 && q.activeSize+need > q.cfg.MaxFileSize {
		if err := q.closeActiveLocked(); err != nil {
			return err
		}
	}
	if !q.store.quota.tryReserve(need) {
		quota := q.store.quota
		return &FullError{Class: q.class, Reason: ReasonQuota, Need: need, Used: quota.Used(), Limit: quota.Limit()}
	}
	if q.active == nil {
		if err := q.openActiveLocked(); err != nil {
			q.store.quota.release(need)
			return err
		}
	}

	n, err := q.active.Write(frame)
	if err != nil {
		// Keep the quota equal to what actually reached the file, and stop
		// appending to it: readers tolerate the damaged tail.
		q.store.quota.release(need - int64(n))
		q.activeSize += int64(n)
		storageWriteErrorsTotal.WithLabelValues(q.class.String()).Inc()
		logging.Error("queue append failed", logging.F(
			"component", "storage",
			"class", q.class.String(),
			"file", filepath.Base(q.activePath),
			"written", n,
			"error", err.Error(),
		))
		_ = q.closeActiveLocked()
		return fmt.Errorf("append to queue file: %w", err)
	}
	q.activeSize += need
	storageBytesWrittenTotal.WithLabelValues(q.class.String()).Add(float64(need))
	storageRecordsWrittenTotal.WithLabelValues(q.class.String()).Inc()
	return nil
}

func (q *Queue) openActiveLocked() error {
	name := fmt.Sprintf("%020d-%s%s", time.Now().UnixNano(), uuid.NewString()[:8], q.class.Extension())
	path := filepath.Join(q.store.dir, name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("create queue file: %w", err)
	}
	q.active = f
	q.activePath = path
	q.activeSize = 0
	return nil
}

func (q *Queue) closeActiveLocked() error {
	if q.active == nil {
		return nil
	}
	f := q.active
	q.active = nil
	q.activePath = ""
	q.activeSize = 0
	storageFilesRotatedTotal.WithLabelValues(q.class.String()).Inc()
	syncErr := f.Sync()
	if err := f.Close(); err != nil {
		return fmt.Errorf("close queue file: %w", err)
	}
	if syncErr != nil {
		return fmt.Errorf("sync queue file: %w", syncErr)
	}
	return nil
}

func (q *Queue) activeFilePath() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.activePath
}

// Sync flushes the open file to stable storage.
func (q *Queue) Sync() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active == nil {
		return nil
	}
	return q.active.Sync()
}

// DrainClosedFiles returns the closed files of this class, oldest first.
// With flush set, a non-empty open file is closed first so it is included;
// the next append starts a fresh file.
func (q *Queue) DrainClosedFiles(flush bool) ([]*File, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if flush && q.active != nil && q.activeSize > 0 {
		if err := q.closeActiveLocked(); err != nil {
			return nil, err
		}
	}
	return q.store.listFiles(q.class, q.activePath)
}

// ReadAll decodes every record of f in write order. A truncated or corrupt
// tail ends the read; the records before it are returned. A file that no
// longer exists yields an error matching fs.ErrNotExist.
func (q *Queue) ReadAll(f *File) ([]event.Record, error) {
	fh, err := os.Open(f.path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	r := bufio.NewReaderSize(fh, 64*1024)
	var (
		recs   []event.Record
		offset int64
	)
	for {
		rec, n, err := readFrame(r)
		if err == io.EOF {
			return recs, nil
		}
		if err != nil {
			if errors.Is(err, errCorruptFrame) {
				storageCorruptFramesTotal.Inc()
				logging.Warn("queue file has a damaged tail, keeping records before it", logging.F(
					"component", "storage",
					"file", f.Name(),
					"offset", offset,
					"records", len(recs),
					"error", err.Error(),
				))
				return recs, nil
			}
			return recs, err
		}
		offset += int64(n)
		recs = append(recs, rec)
	}
}

// Discard deletes f and releases its bytes from the quota.
func (q *Queue) Discard(f *File) error {
	_, err := q.store.remove(f, "delivered")
	return err
}

// Close syncs and closes the open file. The queue stays usable; the next
// append opens a new file.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closeActiveLocked()
}
