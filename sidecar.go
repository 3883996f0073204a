// Package sidecar keeps a single worker process alive per install directory and
// hands out the local endpoint it listens on.
package sidecar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/loykin/urai-sidecar/internal/auth"
	cfg "github.com/loykin/urai-sidecar/internal/config"
	"github.com/loykin/urai-sidecar/internal/history"
	"github.com/loykin/urai-sidecar/internal/metrics"
	"github.com/loykin/urai-sidecar/internal/provision"
	iapi "github.com/loykin/urai-sidecar/internal/server"
	"github.com/loykin/urai-sidecar/internal/supervisor"
	"github.com/loykin/urai-sidecar/pkg/client"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type Endpoint = supervisor.Endpoint

type Credentials = supervisor.Credentials

type Status = supervisor.Status

type SpawnError = supervisor.SpawnError

type PrematureExitError = supervisor.PrematureExitError

var (
	ErrBinaryNotFound = supervisor.ErrBinaryNotFound
	ErrStartupTimeout = supervisor.ErrStartupTimeout
)

// Sidecar is the public facade over internal/supervisor bound to one configured
// install directory.
type Sidecar struct {
	cfg     *cfg.Config
	sup     *supervisor.Supervisor
	logger  *slog.Logger
	closers []io.Closer
}

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// New wires a Sidecar from c. History sinks are opened here and released by Close.
func New(c *Config, l *slog.Logger) (*Sidecar, error) {
	if c == nil {
		return nil, errors.New("nil config")
	}
	c.ApplyDefaults()
	if l == nil {
		l = slog.Default()
	}
	baseEnv, err := c.WorkerEnv()
	if err != nil {
		return nil, fmt.Errorf("worker env: %w", err)
	}
	s := &Sidecar{cfg: c, logger: l}

	var sinks []history.Sink
	if c.History.DSN != "" {
		sink, err := history.NewSinkFromDSN(c.History.DSN)
		if err != nil {
			return nil, fmt.Errorf("history sink: %w", err)
		}
		sinks = append(sinks, sink)
		s.closers = append(s.closers, sink)
	}

	var prov supervisor.Provisioner
	if c.Provision.Enabled {
		prov = &provision.Provisioner{Parallel: c.Provision.Parallel, Logger: l}
	}

	s.sup = supervisor.New(supervisor.Config{
		BinaryName:     c.BinaryName,
		LockFile:       c.LockFile,
		StartupTimeout: c.StartupTimeout,
		DisableGuard:   !c.LockGuard,
		ScratchRoot:    c.ScratchRoot,
		BaseEnv:        baseEnv,
		Log:            c.LoggerConfig(),
		Logger:         l,
		History:        history.NewRecorder(l, sinks...),
		Provisioner:    prov,
	})
	return s, nil
}

// Supervisor exposes the underlying supervisor for multi-directory use.
func (s *Sidecar) Supervisor() *supervisor.Supervisor { return s.sup }

// Acquire returns the endpoint of the configured install directory's worker,
// starting it when needed.
func (s *Sidecar) Acquire(ctx context.Context) (Endpoint, error) {
	dir, err := s.cfg.RequireInstallDir()
	if err != nil {
		return Endpoint{}, err
	}
	return s.sup.Acquire(ctx, dir, s.cfg.CredentialMap())
}

// Release stops the configured install directory's worker without waiting.
func (s *Sidecar) Release(ctx context.Context) error {
	dir, err := s.cfg.RequireInstallDir()
	if err != nil {
		return err
	}
	return s.sup.Release(ctx, dir)
}

func (s *Sidecar) Status() (Status, error) {
	dir, err := s.cfg.RequireInstallDir()
	if err != nil {
		return Status{}, err
	}
	return s.sup.Status(dir), nil
}

// Wait blocks until the worker started by this process exits or ctx ends.
func (s *Sidecar) Wait(ctx context.Context) error {
	return s.sup.Wait(ctx, s.cfg.InstallDir)
}

// Client returns a worker API client for ep.
func (s *Sidecar) Client(ep Endpoint) *client.Client {
	return client.New(client.Config{BaseURL: ep.URL(), Logger: s.logger})
}

// NewHTTPServer builds the control API server; the caller runs and shuts it down.
func (s *Sidecar) NewHTTPServer(addr, basePath string) (*http.Server, error) {
	r := iapi.NewRouter(s.sup, basePath, s.cfg.InstallDir, s.cfg.CredentialMap(), s.logger)
	if a := s.cfg.Server.Auth; a.Enabled {
		svc, err := auth.NewService(auth.Config{SecretHash: a.SecretHash, JWTSecret: a.JWTSecret, TokenTTL: a.TokenTTL})
		if err != nil {
			return nil, err
		}
		r.WithAuth(svc)
	}
	return iapi.NewServer(addr, r), nil
}

// workerPID reports the recorded worker of the configured install dir when alive.
func (s *Sidecar) workerPID() (int, bool) {
	if s.cfg.InstallDir == "" {
		return 0, false
	}
	st := s.sup.Status(s.cfg.InstallDir)
	if !st.Alive {
		return 0, false
	}
	return st.Record.PID, true
}

// RegisterMetrics registers the supervisor metrics and a collector reporting the
// current worker's resource usage.
func (s *Sidecar) RegisterMetrics(r prometheus.Registerer) error {
	if err := metrics.Register(r); err != nil {
		return err
	}
	if err := r.Register(metrics.NewWorkerCollector(s.workerPID, s.logger)); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return err
		}
	}
	return nil
}

// NewMetricsServer returns a server exposing /metrics from the default registry.
func NewMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Close releases history sinks. It does not stop the worker.
func (s *Sidecar) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
