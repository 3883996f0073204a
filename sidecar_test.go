package sidecar

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(nil, nil)
	assert.Error(t, err)
}

func TestAcquireWithoutInstallDir(t *testing.T) {
	s, err := New(&Config{}, nil)
	require.NoError(t, err)
	_, err = s.Acquire(context.Background())
	assert.Error(t, err)
	assert.Error(t, s.Release(context.Background()))
}

func TestAcquireMissingBinary(t *testing.T) {
	s, err := New(&Config{InstallDir: t.TempDir(), ScratchRoot: t.TempDir()}, nil)
	require.NoError(t, err)
	_, err = s.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrBinaryNotFound)
}

func TestLifecycleWithHistory(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh on Unix-like systems")
	}
	dir := t.TempDir()
	script := "#!/bin/sh\necho 'Listening on 4200'\nexec sleep 30\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "urai-helper"), []byte(script), 0o755))

	c := &Config{
		InstallDir:     dir,
		ScratchRoot:    t.TempDir(),
		StartupTimeout: 5 * time.Second,
		LockGuard:      true,
		UseOSEnv:       true,
	}
	c.History.DSN = "sqlite://" + filepath.Join(t.TempDir(), "history.db")
	s, err := New(c, nil)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	ep, err := s.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4200, ep.Port)
	assert.Equal(t, "http://localhost:4200/api", s.Client(ep).BaseURL())

	st, err := s.Status()
	require.NoError(t, err)
	assert.True(t, st.Alive)
	assert.True(t, st.Owned)
	pid, ok := s.workerPID()
	assert.True(t, ok)
	assert.Equal(t, st.Record.PID, pid)

	require.NoError(t, s.Release(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))

	st, err = s.Status()
	require.NoError(t, err)
	assert.False(t, st.Recorded)
}

func TestRegisterMetrics(t *testing.T) {
	s, err := New(&Config{}, nil)
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	require.NoError(t, s.RegisterMetrics(reg))
	_, err = reg.Gather()
	require.NoError(t, err)
	assert.NotNil(t, NewMetricsServer("127.0.0.1:0").Handler)
}
