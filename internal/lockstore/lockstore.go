package lockstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/afero"
)

// DefaultFileName is the lock file created inside the install directory.
const DefaultFileName = ".urai-helper.lock"

// guardRetry is the polling interval used while waiting for the guard lock.
const guardRetry = 50 * time.Millisecond

// Record is the persisted fact "a worker with this PID should be listening on this port".
// StartUnix is optional; when set it pins the record to one process incarnation.
// Scratch names the worker's staged copy so whoever finds the record stale can remove it.
type Record struct {
	PID       int    `json:"pid"`
	Port      int    `json:"port"`
	StartUnix int64  `json:"start_unix,omitempty"`
	Scratch   string `json:"scratch,omitempty"`
}

// Valid reports whether the record could describe a live worker.
func (r Record) Valid() bool {
	return r.PID > 0 && r.Port > 0 && r.Port <= 65535
}

// Store reads and writes a single Record at a fixed path.
// It holds no process knowledge.
type Store struct {
	fs     afero.Fs
	path   string
	guard  bool
	logger *slog.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithFs replaces the filesystem (defaults to the OS filesystem).
// The guard lock is only meaningful on the OS filesystem and is disabled otherwise.
func WithFs(fs afero.Fs) Option {
	return func(s *Store) {
		s.fs = fs
		if _, ok := fs.(*afero.OsFs); !ok {
			s.guard = false
		}
	}
}

// WithGuard toggles the advisory file lock taken by Guard.
func WithGuard(enabled bool) Option {
	return func(s *Store) {
		if _, ok := s.fs.(*afero.OsFs); ok {
			s.guard = enabled
		}
	}
}

// WithLogger sets the logger used for recovered errors.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// New returns a Store for the lock file at path.
func New(path string, opts ...Option) *Store {
	s := &Store{
		fs:     afero.NewOsFs(),
		path:   filepath.Clean(path),
		guard:  true,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ForDir returns a Store for name inside dir. An empty name uses DefaultFileName.
func ForDir(dir, name string, opts ...Option) *Store {
	if name == "" {
		name = DefaultFileName
	}
	return New(filepath.Join(dir, name), opts...)
}

func (s *Store) Path() string { return s.path }

// Read returns the current record. Absent and malformed files both yield false;
// a malformed file is removed so the next writer starts clean.
func (s *Store) Read() (Record, bool) {
	b, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("read lock file", "path", s.path, "error", err)
		}
		return Record{}, false
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil || !rec.Valid() {
		s.logger.Warn("discarding malformed lock file", "path", s.path, "error", err)
		if rerr := s.Clear(); rerr != nil {
			s.logger.Warn("remove malformed lock file", "path", s.path, "error", rerr)
		}
		return Record{}, false
	}
	return rec, true
}

// Write atomically replaces the lock file with rec.
func (s *Store) Write(rec Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode lock record: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := s.fs.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	tmp, err := afero.TempFile(s.fs, dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp lock file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("write temp lock file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("close temp lock file: %w", err)
	}
	if err := s.fs.Rename(tmpName, s.path); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("replace lock file: %w", err)
	}
	return nil
}

// Clear removes the lock file. Removing an absent file is not an error.
func (s *Store) Clear() error {
	if err := s.fs.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Guard takes an exclusive advisory lock on a sibling ".guard" file so that
// the probe-spawn-write sequence of independent host processes does not interleave.
// The returned function releases it. When the guard is disabled it is a no-op.
func (s *Store) Guard(ctx context.Context) (func(), error) {
	if !s.guard {
		return func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	fl := flock.New(s.path + ".guard")
	locked, err := fl.TryLockContext(ctx, guardRetry)
	if err != nil {
		return nil, fmt.Errorf("lock guard %s: %w", fl.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("lock guard %s: not acquired", fl.Path())
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			s.logger.Warn("unlock guard", "path", fl.Path(), "error", err)
		}
	}, nil
}
