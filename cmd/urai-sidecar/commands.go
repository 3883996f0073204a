package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sidecar "github.com/loykin/urai-sidecar"
	"github.com/loykin/urai-sidecar/internal/auth"
	"github.com/loykin/urai-sidecar/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
)

// command binds the CLI to a Sidecar built from the global flags.
type command struct {
	global *GlobalFlags
}

// setup loads configuration, applies flag overrides and wires the sidecar.
// The returned function releases the logger and history sinks.
func (c command) setup() (*sidecar.Config, *sidecar.Sidecar, *slog.Logger, func(), error) {
	cfg, err := sidecar.LoadConfig(c.global.ConfigPath)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("error loading config: %w", err)
	}
	if c.global.InstallDir != "" {
		cfg.InstallDir = c.global.InstallDir
	}
	if c.global.LogLevel != "" {
		cfg.Log.Level = c.global.LogLevel
	}
	cfg.ApplyDefaults()

	l, logCloser := logger.New(cfg.LoggerConfig(), os.Stderr)
	slog.SetDefault(l)
	sc, err := sidecar.New(cfg, l)
	if err != nil {
		_ = logCloser.Close()
		return nil, nil, nil, nil, err
	}
	return cfg, sc, l, func() {
		if err := sc.Close(); err != nil {
			l.Warn("close sidecar", "error", err)
		}
		_ = logCloser.Close()
	}, nil
}

func (c command) Acquire(ctx context.Context, w io.Writer, f AcquireFlags) error {
	_, sc, _, done, err := c.setup()
	if err != nil {
		return err
	}
	defer done()
	if ctx == nil {
		ctx = context.Background()
	}
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}
	ep, err := sc.Acquire(ctx)
	if err != nil {
		return describeAcquireError(err)
	}
	printJSON(w, map[string]any{"host": ep.Host, "port": ep.Port, "url": ep.URL()})
	return nil
}

// describeAcquireError adds an operator hint to the error kinds that need one.
func describeAcquireError(err error) error {
	var pe *sidecar.PrematureExitError
	switch {
	case errors.Is(err, sidecar.ErrBinaryNotFound):
		return fmt.Errorf("%w (reinstall the worker binary)", err)
	case errors.As(err, &pe):
		return fmt.Errorf("%w (check the worker stderr log; retrying may help)", err)
	default:
		return err
	}
}

func (c command) Release(ctx context.Context, w io.Writer, f ReleaseFlags) error {
	_, sc, _, done, err := c.setup()
	if err != nil {
		return err
	}
	defer done()
	if ctx == nil {
		ctx = context.Background()
	}
	if f.Wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Wait)
		defer cancel()
	}
	if err := sc.Release(ctx); err != nil {
		return err
	}
	printJSON(w, map[string]bool{"ok": true})
	return nil
}

func (c command) Status(w io.Writer) error {
	_, sc, _, done, err := c.setup()
	if err != nil {
		return err
	}
	defer done()
	st, err := sc.Status()
	if err != nil {
		return err
	}
	printJSON(w, st)
	return nil
}

func (c command) Serve(ctx context.Context, f ServeFlags) error {
	cfg, sc, l, done, err := c.setup()
	if err != nil {
		return err
	}
	defer done()
	if _, err := cfg.RequireInstallDir(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sc.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	var servers []*http.Server
	metricsAddr := firstNonEmpty(f.MetricsListen, cfg.Metrics.Listen)
	if metricsAddr != "" {
		servers = append(servers, sidecar.NewMetricsServer(metricsAddr))
	}
	listen := firstNonEmpty(f.Listen, cfg.Server.Listen)
	if listen != "" {
		srv, err := sc.NewHTTPServer(listen, firstNonEmpty(f.BasePath, cfg.Server.BasePath))
		if err != nil {
			return fmt.Errorf("control api: %w", err)
		}
		servers = append(servers, srv)
	}

	if !f.Lazy {
		ep, err := sc.Acquire(ctx)
		if err != nil {
			return describeAcquireError(err)
		}
		l.Info("worker endpoint", "url", ep.URL())
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			l.Info("listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("serve %s: %w", srv.Addr, err)
			}
		}(srv)
	}

	var runErr error
	select {
	case <-ctx.Done():
		l.Info("shutting down")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	if err := sc.Release(shutdownCtx); err != nil {
		l.Warn("release worker", "error", err)
	}
	return runErr
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func (c command) HashSecret(w io.Writer, secret string) error {
	hash, err := auth.HashSecret(secret)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(w, hash)
	return nil
}
