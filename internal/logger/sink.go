package logger

import (
	"io"
	"log/slog"
	"sync"
)

// Sink receives a worker's output lines for diagnostics. Lines are logged through
// slog and, when writers are configured, appended to rotating files.
// It never interprets the content.
type Sink struct {
	logger *slog.Logger
	mu     sync.Mutex
	out    io.WriteCloser
	err    io.WriteCloser
}

// NewSink creates a Sink for the named worker using cfg's file settings.
func NewSink(name string, cfg Config, l *slog.Logger) *Sink {
	if l == nil {
		l = slog.Default()
	}
	s := &Sink{logger: l.With("worker", name)}
	out, errW, err := cfg.ProcessWriters(name)
	if err != nil {
		s.logger.Warn("worker log files unavailable", "error", err)
		return s
	}
	s.out, s.err = out, errW
	return s
}

// Stdout records one line the worker wrote to standard output.
func (s *Sink) Stdout(line string) {
	s.logger.Debug("worker stdout", "line", line)
	s.write(false, line)
}

// Stderr records one line the worker wrote to standard error.
func (s *Sink) Stderr(line string) {
	s.logger.Warn("worker stderr", "line", line)
	s.write(true, line)
}

// write appends line to the matching file; lines arriving after Close are dropped.
func (s *Sink) write(stderr bool, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var w io.Writer = s.out
	if stderr {
		w = s.err
	}
	if w == nil {
		return
	}
	_, _ = io.WriteString(w, line+"\n")
}

// Close releases any log files.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for _, c := range []io.Closer{s.out, s.err} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	s.out, s.err = nil, nil
	return first
}
