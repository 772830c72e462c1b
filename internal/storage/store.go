// Package storage implements the durable, quota-bounded file queues that
// hold events until they are uploaded.
package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/szibis/event-courier/internal/event"
	"github.com/szibis/event-courier/internal/logging"
)

// File is a queue file on disk. Closed files are immutable.
type File struct {
	path    string
	class   event.Persistence
	size    int64
	modTime time.Time
}

// Path returns the absolute file path.
func (f *File) Path() string { return f.path }

// Name returns the base file name.
func (f *File) Name() string { return filepath.Base(f.path) }

// Class returns the persistence class the file belongs to.
func (f *File) Class() event.Persistence { return f.class }

// Size returns the file size observed when the file was listed.
func (f *File) Size() int64 { return f.size }

// ModTime returns the modification time observed when the file was listed.
func (f *File) ModTime() time.Time { return f.modTime }

// Store owns a queue directory and the quota shared by all of its queues.
type Store struct {
	dir   string
	quota *Quota

	mu     sync.Mutex
	queues map[event.Persistence]*Queue
}

// Open creates dir if needed and reconciles the quota with the files
// already present.
func Open(dir string, limitBytes int64) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create queue directory: %w", err)
	}
	s := &Store{
		dir:    dir,
		quota:  newQuota(limitBytes),
		queues: make(map[event.Persistence]*Queue),
	}
	if err := s.Reconcile(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the queue directory.
func (s *Store) Dir() string { return s.dir }

// Quota returns the shared byte budget.
func (s *Store) Quota() *Quota { return s.quota }

// Queue returns the queue for class, creating it on first use. The config
// of an existing queue is updated in place.
func (s *Store) Queue(class event.Persistence, cfg QueueConfig) *Queue {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[class]; ok {
		q.SetConfig(cfg)
		return q
	}
	q := &Queue{store: s, class: class, cfg: cfg}
	s.queues[class] = q
	return q
}

// Reconcile recomputes the used quota from a full scan of the directory.
func (s *Store) Reconcile() error {
	var total int64
	var count int
	for _, class := range event.Persistences {
		files, err := s.listFiles(class, "")
		if err != nil {
			return err
		}
		for _, f := range files {
			total += f.size
			count++
		}
	}
	s.quota.reset(total)
	logging.Info("queue storage reconciled", logging.F(
		"component", "storage",
		"dir", s.dir,
		"files", count,
		"used_bytes", total,
		"limit_bytes", s.quota.Limit(),
	))
	return nil
}

// EvictOldest deletes the oldest closed normal file. Only when no closed
// normal file exists and includeCritical is set does it delete the oldest
// closed critical file instead. Open files are never evicted. It reports
// whether a file was deleted.
func (s *Store) EvictOldest(includeCritical bool) (bool, error) {
	classes := []event.Persistence{event.PersistenceNormal}
	if includeCritical {
		classes = append(classes, event.PersistenceCritical)
	}
	for _, class := range classes {
		files, err := s.listFiles(class, s.activePath(class))
		if err != nil {
			return false, err
		}
		for _, f := range files {
			removed, err := s.remove(f, "evicted")
			if err != nil {
				return false, err
			}
			if removed {
				logging.Warn("evicted queue file to free quota", logging.F(
					"component", "storage",
					"file", f.Name(),
					"class", class.String(),
					"bytes", f.size,
				))
				return true, nil
			}
			// Already gone (drained and discarded concurrently); try the next one.
		}
	}
	return false, nil
}

func (s *Store) activePath(class event.Persistence) string {
	s.mu.Lock()
	q := s.queues[class]
	s.mu.Unlock()
	if q == nil {
		return ""
	}
	return q.activeFilePath()
}

// listFiles returns the files of class ordered oldest first, skipping exclude.
func (s *Store) listFiles(class event.Persistence, exclude string) ([]*File, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list queue directory: %w", err)
	}
	ext := class.Extension()
	files := make([]*File, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ext) {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		if path == exclude {
			continue
		}
		info, err := e.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		files = append(files, &File{path: path, class: class, size: info.Size(), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool {
		if !files[i].modTime.Equal(files[j].modTime) {
			return files[i].modTime.Before(files[j].modTime)
		}
		return files[i].path < files[j].path
	})
	return files, nil
}

// remove deletes f and releases its bytes. A file that is already gone
// releases nothing.
func (s *Store) remove(f *File, reason string) (bool, error) {
	info, err := os.Stat(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.Remove(f.path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("remove queue file: %w", err)
	}
	s.quota.release(info.Size())
	storageFilesDiscardedTotal.WithLabelValues(f.class.String(), reason).Inc()
	return true, nil
}
