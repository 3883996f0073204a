package process

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	StdoutFile = "stdout.log"
	StderrFile = "stderr.log"
)

// maxLineSize bounds a single output line; longer lines are split.
const maxLineSize = 1 << 20

// pollInterval is how often the output files are re-read when no write
// notification arrives; notifications make it a fallback.
const pollInterval = 100 * time.Millisecond

// LineSink receives worker output lines. Implementations must be safe for
// concurrent use since stdout and stderr are followed by separate goroutines.
type LineSink interface {
	Stdout(line string)
	Stderr(line string)
}

// Handle is a running worker spawned by this host process.
//
// The worker writes stdout and stderr straight into files it owns, so it is
// unaffected when the host exits. The host follows those files to forward
// lines and to spot the readiness announcement.
type Handle struct {
	spec      Spec
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	outDir    string
	ownsDir   bool
	announced chan int      // receives the first announced port
	exited    chan struct{} // closed once the process has been reaped
	done      chan struct{} // closed once reaped and its output fully forwarded
	followers sync.WaitGroup

	mu       sync.Mutex
	exitErr  error
	exitCode int
	once     sync.Once
}

// Start launches the worker with stdout and stderr redirected to files in
// spec.OutputDir. Output is forwarded to sink; stdout is additionally scanned
// for the readiness announcement. The returned error, if any, is the OS
// refusal to launch.
func Start(spec Spec, sink LineSink) (*Handle, error) {
	if sink == nil {
		sink = discardSink{}
	}
	dir, owns := spec.OutputDir, false
	if dir == "" {
		d, err := os.MkdirTemp("", "worker-output-*")
		if err != nil {
			return nil, fmt.Errorf("output dir: %w", err)
		}
		dir, owns = d, true
	}
	fail := func(err error, cs ...io.Closer) (*Handle, error) {
		closeAll(cs...)
		if owns {
			_ = os.RemoveAll(dir)
		}
		return nil, err
	}

	outPath, errPath := filepath.Join(dir, StdoutFile), filepath.Join(dir, StderrFile)
	outW, err := openOutput(outPath)
	if err != nil {
		return fail(fmt.Errorf("stdout file: %w", err))
	}
	errW, err := openOutput(errPath)
	if err != nil {
		return fail(fmt.Errorf("stderr file: %w", err), outW)
	}
	outR, err := os.Open(outPath)
	if err != nil {
		return fail(fmt.Errorf("follow stdout: %w", err), outW, errW)
	}
	errR, err := os.Open(errPath)
	if err != nil {
		return fail(fmt.Errorf("follow stderr: %w", err), outW, errW, outR)
	}

	cmd := spec.BuildCommand()
	cmd.Stdout = outW
	cmd.Stderr = errW
	if err := cmd.Start(); err != nil {
		return fail(err, outW, errW, outR, errR)
	}
	// the child holds its own descriptors now
	closeAll(outW, errW)

	h := &Handle{
		spec:      spec,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		outDir:    dir,
		ownsDir:   owns,
		announced: make(chan int, 1),
		exited:    make(chan struct{}),
		done:      make(chan struct{}),
		exitCode:  -1,
	}
	h.followers.Add(2)
	go h.follow(outR, sink.Stdout, true)
	go h.follow(errR, sink.Stderr, false)
	go h.wait()
	return h, nil
}

func openOutput(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_APPEND, 0o600)
}

func (h *Handle) PID() int             { return h.pid }
func (h *Handle) Spec() Spec           { return h.spec }
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// OutputDir is the directory holding the worker's stdout.log and stderr.log.
func (h *Handle) OutputDir() string { return h.outDir }

// Announced delivers the port of the first readiness line, at most once.
func (h *Handle) Announced() <-chan int { return h.announced }

// Done is closed when the process has exited, been reaped and all of its
// output has been forwarded. An announcement written before exit is
// therefore already visible on Announced once Done is closed.
func (h *Handle) Done() <-chan struct{} { return h.done }

// ExitCode returns the exit status after Done is closed; -1 when the
// process was terminated by a signal or has not exited yet.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// ExitErr returns the error reported by Wait, nil for a clean exit.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// Terminate asks the worker to shut down gracefully.
func (h *Handle) Terminate() error {
	select {
	case <-h.exited:
		return nil
	default:
	}
	return Signal(h.pid, syscall.SIGTERM)
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	code := -1
	if h.cmd.ProcessState != nil {
		code = h.cmd.ProcessState.ExitCode()
	}
	h.mu.Lock()
	h.exitErr = err
	h.exitCode = code
	h.mu.Unlock()
	close(h.exited)
	h.followers.Wait()
	if h.ownsDir {
		_ = os.RemoveAll(h.outDir)
	}
	close(h.done)
}

// follow forwards every line appended to f until the process has exited and
// the file is drained. When announce is set, the first line matching the
// readiness pattern publishes its port.
func (h *Handle) follow(f *os.File, emit func(string), announce bool) {
	defer h.followers.Done()
	defer func() { _ = f.Close() }()

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if w, err := fsnotify.NewWatcher(); err == nil {
		defer func() { _ = w.Close() }()
		if err := w.Add(f.Name()); err == nil {
			events, errs = w.Events, w.Errors
		}
	}
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()

	r := bufio.NewReaderSize(f, 64*1024)
	var line []byte
	exited := false
	for {
		chunk, err := r.ReadBytes('\n')
		line = append(line, chunk...)
		if err == nil {
			h.emit(line, emit, announce)
			line = line[:0]
			continue
		}
		if !errors.Is(err, io.EOF) {
			return
		}
		if len(line) >= maxLineSize || (exited && len(line) > 0) {
			h.emit(line, emit, announce)
			line = line[:0]
		}
		if exited {
			return
		}
		select {
		case <-h.exited:
			// one more pass picks up whatever was written before exit
			exited = true
		case _, ok := <-events:
			if !ok {
				events = nil
			}
		case _, ok := <-errs:
			if !ok {
				errs = nil
			}
		case <-tick.C:
		}
	}
}

func (h *Handle) emit(line []byte, emit func(string), announce bool) {
	s := string(bytes.TrimRight(line, "\r\n"))
	emit(s)
	if !announce {
		return
	}
	if port, ok := ParseAnnouncement(s); ok {
		h.once.Do(func() { h.announced <- port })
	}
}

func closeAll(cs ...io.Closer) {
	for _, c := range cs {
		_ = c.Close()
	}
}

type discardSink struct{}

func (discardSink) Stdout(string) {}
func (discardSink) Stderr(string) {}
