package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/loykin/urai-sidecar/internal/detector"
	"github.com/loykin/urai-sidecar/internal/env"
	"github.com/loykin/urai-sidecar/internal/history"
	"github.com/loykin/urai-sidecar/internal/lockstore"
	"github.com/loykin/urai-sidecar/internal/logger"
	"github.com/loykin/urai-sidecar/internal/metrics"
	"github.com/loykin/urai-sidecar/internal/process"
	"github.com/loykin/urai-sidecar/internal/stage"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultBinaryName     = "urai-helper"
	DefaultStartupTimeout = 30 * time.Second
)

// Provisioner performs best-effort setup against a freshly started worker.
// It runs in the background and must not report failures to the acquirer.
type Provisioner interface {
	Provision(ctx context.Context, installDir string, ep Endpoint)
}

// Config configures a Supervisor. Zero values pick defaults.
type Config struct {
	BinaryName     string        // worker executable inside the install dir
	LockFile       string        // lock file name inside the install dir
	StartupTimeout time.Duration // announcement deadline; 0 = default, <0 = none
	DisableGuard   bool          // skip the advisory file lock around probe-spawn-write
	ScratchRoot    string        // parent of staged copies; default os.TempDir()
	BaseEnv        []string      // worker base environment; nil inherits the host's
	Log            logger.Config // worker output files
	Logger         *slog.Logger
	Probe          detector.Probe
	History        *history.Recorder
	Provisioner    Provisioner
}

// Supervisor keeps at most one worker alive per install directory and hands
// out its endpoint. Lock records on disk are advisory and always re-validated.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger
	stager *stage.Stager
	group  singleflight.Group
	state  atomic.Int32

	mu      sync.Mutex
	workers map[string]*process.Handle // spawned by this host, keyed by install dir
	flights map[string]*flight         // in-flight acquisitions, keyed by install dir
}

// flight is the context shared by every caller of one acquisition. It is
// cancelled only when all of them have given up.
type flight struct {
	ctx     context.Context
	cancel  context.CancelCauseFunc
	waiters int
}

func New(cfg Config) *Supervisor {
	if cfg.BinaryName == "" {
		cfg.BinaryName = DefaultBinaryName
	}
	if cfg.LockFile == "" {
		cfg.LockFile = lockstore.DefaultFileName
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Probe == nil {
		cfg.Probe = detector.OS
	}
	s := &Supervisor{
		cfg:     cfg,
		logger:  cfg.Logger,
		workers: make(map[string]*process.Handle),
		flights: make(map[string]*flight),
		stager: stage.New(stage.Config{
			Root:   cfg.ScratchRoot,
			Prefix: cfg.BinaryName,
			Logger: cfg.Logger,
		}),
	}
	s.setState(StateUnacquired)
	return s
}

// State returns the most recent state transition.
func (s *Supervisor) State() State { return State(s.state.Load()) }

func (s *Supervisor) setState(st State) {
	s.state.Store(int32(st))
	metrics.SetState(st.String(), stateNames)
}

// Store returns the lock store for installDir.
func (s *Supervisor) Store(installDir string) *lockstore.Store {
	return lockstore.ForDir(filepath.Clean(installDir), s.cfg.LockFile,
		lockstore.WithGuard(!s.cfg.DisableGuard),
		lockstore.WithLogger(s.logger))
}

// Acquire returns the endpoint of the live worker for installDir, starting one
// when none is recorded or the recorded one is gone. Concurrent calls for the
// same directory share a single acquisition; ctx bounds only this caller's
// wait, and the shared work is abandoned once every caller has gone.
func (s *Supervisor) Acquire(ctx context.Context, installDir string, creds Credentials) (Endpoint, error) {
	dir := filepath.Clean(installDir)

	s.mu.Lock()
	f := s.flights[dir]
	if f == nil {
		fctx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		s.flights[dir] = f
	}
	f.waiters++
	ch := s.group.DoChan(dir, func() (any, error) {
		ep, err := s.acquire(f.ctx, dir, creds)
		s.mu.Lock()
		if s.flights[dir] == f {
			delete(s.flights, dir)
		}
		s.mu.Unlock()
		f.cancel(nil)
		return ep, err
	})
	s.mu.Unlock()

	var (
		ep  Endpoint
		err error
	)
	select {
	case r := <-ch:
		s.leave(dir, f, nil)
		if r.Err != nil {
			err = r.Err
		} else {
			ep = r.Val.(Endpoint)
		}
	case <-ctx.Done():
		s.leave(dir, f, ctx.Err())
		err = fmt.Errorf("%w: %w", ErrStartupTimeout, ctx.Err())
	}
	if err != nil {
		metrics.IncAcquire("failed")
		metrics.IncFailure(Kind(err))
		return Endpoint{}, err
	}
	return ep, nil
}

// leave drops one caller from f. When cause is set and nobody else waits, the
// shared acquisition is cancelled with it.
func (s *Supervisor) leave(dir string, f *flight, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f.waiters--
	if cause == nil || f.waiters > 0 {
		return
	}
	if s.flights[dir] == f {
		delete(s.flights, dir)
	}
	f.cancel(cause)
}

func (s *Supervisor) acquire(ctx context.Context, dir string, creds Credentials) (Endpoint, error) {
	store := s.Store(dir)
	unlock, err := store.Guard(ctx)
	if err != nil {
		return Endpoint{}, err
	}
	defer unlock()

	s.setState(StateProbing)
	if rec, ok := store.Read(); ok {
		alive, _ := detector.IncarnationDetector{PID: rec.PID, StartUnix: rec.StartUnix, Probe: s.cfg.Probe}.Alive()
		if alive {
			s.setState(StateReusing)
			ep := localEndpoint(rec.Port)
			s.logger.Debug("reusing worker", "dir", dir, "pid", rec.PID, "port", rec.Port)
			metrics.IncAcquire("reused")
			s.cfg.History.Record(history.Event{Type: history.EventReuse, InstallDir: dir, PID: rec.PID, Port: rec.Port})
			s.setState(StateRunning)
			return ep, nil
		}
		s.logger.Info("reclaiming stale lock", "dir", dir, "pid", rec.PID, "port", rec.Port)
		if s.stager.Reclaim(rec.Scratch) {
			s.logger.Debug("removed stale scratch copy", "path", rec.Scratch)
		}
		metrics.IncStaleReclaim()
		s.cfg.History.Record(history.Event{Type: history.EventReclaim, InstallDir: dir, PID: rec.PID, Port: rec.Port})
	}
	if err := store.Clear(); err != nil {
		s.logger.Warn("clear lock file", "path", store.Path(), "error", err)
	}
	return s.spawn(ctx, dir, store, creds)
}

func (s *Supervisor) spawn(ctx context.Context, dir string, store *lockstore.Store, creds Credentials) (Endpoint, error) {
	s.setState(StateSpawning)
	bin := filepath.Join(dir, s.cfg.BinaryName)
	if fi, err := os.Stat(bin); err != nil || fi.IsDir() {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrBinaryNotFound, bin)
	}
	inst, err := s.stager.Stage(bin)
	if err != nil {
		if errors.Is(err, stage.ErrNotFound) {
			return Endpoint{}, fmt.Errorf("%w: %s", ErrBinaryNotFound, bin)
		}
		return Endpoint{}, &SpawnError{Path: bin, Err: err}
	}

	e := env.New()
	if s.cfg.BaseEnv != nil {
		e.FromList(s.cfg.BaseEnv)
	}
	for k, v := range creds.Env() {
		e.Set(k, v)
	}
	sink := logger.NewSink(s.cfg.BinaryName, s.cfg.Log, s.logger)
	started := time.Now()
	h, err := process.Start(process.Spec{Name: s.cfg.BinaryName, Path: inst.Path, Env: e.Merge(), OutputDir: inst.Dir}, sink)
	if err != nil {
		s.stager.Remove(inst)
		_ = sink.Close()
		return Endpoint{}, &SpawnError{Path: inst.Path, Err: err}
	}
	s.logger.Info("worker started", "dir", dir, "pid", h.PID(), "path", inst.Path)
	s.track(dir, h)
	go s.observe(dir, h, inst, sink)

	var deadline <-chan time.Time
	if s.cfg.StartupTimeout > 0 {
		t := time.NewTimer(s.cfg.StartupTimeout)
		defer t.Stop()
		deadline = t.C
	}

	port, err := awaitStartup(ctx, h, deadline)
	switch {
	case errors.Is(err, errExited):
		return Endpoint{}, &PrematureExitError{Code: h.ExitCode()}
	case errors.Is(err, errDeadline):
		s.abandon(h)
		return Endpoint{}, fmt.Errorf("%w after %s", ErrStartupTimeout, s.cfg.StartupTimeout)
	case err != nil:
		s.abandon(h)
		return Endpoint{}, fmt.Errorf("%w: %w", ErrStartupTimeout, err)
	}

	s.setState(StateAnnounced)
	rec := lockstore.Record{PID: h.PID(), Port: port, StartUnix: detector.StartUnix(h.PID()), Scratch: inst.Dir}
	if err := store.Write(rec); err != nil {
		// the worker is usable; only reuse across host restarts is lost
		s.logger.Warn("persist lock record", "path", store.Path(), "error", err)
	}
	s.setState(StateRunning)
	ep := localEndpoint(port)
	metrics.IncAcquire("spawned")
	metrics.ObserveStartup(time.Since(started).Seconds())
	s.cfg.History.Record(history.Event{Type: history.EventSpawn, InstallDir: dir, PID: h.PID(), Port: port})
	s.logger.Info("worker ready", "dir", dir, "pid", h.PID(), "port", port)
	if p := s.cfg.Provisioner; p != nil {
		go p.Provision(context.Background(), dir, ep)
	}
	return ep, nil
}

var (
	errExited   = errors.New("exited")
	errDeadline = errors.New("deadline")
)

// starting is the view of a spawned worker awaitStartup needs.
type starting interface {
	Announced() <-chan int
	Done() <-chan struct{}
}

// awaitStartup waits for the announced port. An exit wins over an announcement
// that is ready at the same time, so a dead worker is never reported as ready.
// ctx ending yields its cancellation cause.
func awaitStartup(ctx context.Context, w starting, deadline <-chan time.Time) (int, error) {
	select {
	case port := <-w.Announced():
		select {
		case <-w.Done():
			return 0, errExited
		default:
			return port, nil
		}
	case <-w.Done():
		return 0, errExited
	case <-deadline:
		return 0, errDeadline
	case <-ctx.Done():
		return 0, context.Cause(ctx)
	}
}

func (s *Supervisor) abandon(h *process.Handle) {
	if err := h.Terminate(); err != nil {
		s.logger.Warn("terminate unannounced worker", "pid", h.PID(), "error", err)
	}
}

// observe outlives Acquire: once the worker exits its scratch copy is removed,
// whatever the exit status.
func (s *Supervisor) observe(dir string, h *process.Handle, inst stage.Installation, sink *logger.Sink) {
	<-h.Done()
	code := h.ExitCode()
	s.logger.Info("worker exited", "dir", dir, "pid", h.PID(), "code", code)
	s.stager.Remove(inst)
	if err := sink.Close(); err != nil {
		s.logger.Debug("close worker logs", "error", err)
	}
	s.untrack(dir, h)
	metrics.IncWorkerExit(code)
	s.cfg.History.Record(history.Event{Type: history.EventExit, InstallDir: dir, PID: h.PID(), ExitCode: &code})
}

func (s *Supervisor) track(dir string, h *process.Handle) {
	s.mu.Lock()
	s.workers[dir] = h
	s.mu.Unlock()
}

func (s *Supervisor) untrack(dir string, h *process.Handle) {
	s.mu.Lock()
	if s.workers[dir] == h {
		delete(s.workers, dir)
	}
	s.mu.Unlock()
}

// Release asks the recorded worker to stop and clears the lock record.
// It does not wait for the worker to exit. Signal failures are logged only;
// the returned error is non-nil only when ctx ends while waiting for the guard.
func (s *Supervisor) Release(ctx context.Context, installDir string) error {
	dir := filepath.Clean(installDir)
	store := s.Store(dir)
	unlock, err := store.Guard(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	rec, ok := store.Read()
	if !ok {
		return nil
	}
	alive, _ := detector.IncarnationDetector{PID: rec.PID, StartUnix: rec.StartUnix, Probe: s.cfg.Probe}.Alive()
	if alive {
		if err := process.Signal(rec.PID, syscall.SIGTERM); err != nil {
			s.logger.Warn("signal worker", "pid", rec.PID, "error", err)
		}
	} else {
		s.logger.Debug("recorded worker already stopped", "pid", rec.PID)
	}
	if err := store.Clear(); err != nil {
		s.logger.Warn("clear lock file", "path", store.Path(), "error", err)
	}
	// a worker spawned here has its copy removed by its observer
	if !s.owns(dir, rec.PID) && s.stager.Reclaim(rec.Scratch) {
		s.logger.Debug("removed scratch copy", "path", rec.Scratch)
	}
	s.setState(StateReleased)
	metrics.IncRelease()
	s.cfg.History.Record(history.Event{Type: history.EventRelease, InstallDir: dir, PID: rec.PID, Port: rec.Port})
	s.logger.Info("worker released", "dir", dir, "pid", rec.PID)
	return nil
}

// Status describes the recorded worker of an install directory.
type Status struct {
	Recorded bool             `json:"recorded"`
	Alive    bool             `json:"alive"`
	Record   lockstore.Record `json:"record"`
	Endpoint *Endpoint        `json:"endpoint,omitempty"`
	Owned    bool             `json:"owned"` // spawned by this host process
}

// Status inspects the lock record without changing anything on disk, apart from
// discarding a malformed lock file.
func (s *Supervisor) Status(installDir string) Status {
	dir := filepath.Clean(installDir)
	var st Status
	rec, ok := s.Store(dir).Read()
	if ok {
		st.Recorded = true
		st.Record = rec
		st.Alive, _ = detector.IncarnationDetector{PID: rec.PID, StartUnix: rec.StartUnix, Probe: s.cfg.Probe}.Alive()
		if st.Alive {
			ep := localEndpoint(rec.Port)
			st.Endpoint = &ep
		}
	}
	st.Owned = ok && s.owns(dir, rec.PID)
	return st
}

// owns reports whether pid is the worker this host spawned for dir.
func (s *Supervisor) owns(dir string, pid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.workers[dir]
	return h != nil && h.PID() == pid
}

// Wait blocks until the worker this host spawned for installDir exits or ctx ends.
// It returns immediately when there is no such worker.
func (s *Supervisor) Wait(ctx context.Context, installDir string) error {
	s.mu.Lock()
	h := s.workers[filepath.Clean(installDir)]
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	select {
	case <-h.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
