package process

import (
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh on Unix-like systems")
	}
}

type recordingSink struct {
	mu     sync.Mutex
	stdout []string
	stderr []string
}

func (r *recordingSink) Stdout(l string) { r.mu.Lock(); r.stdout = append(r.stdout, l); r.mu.Unlock() }
func (r *recordingSink) Stderr(l string) { r.mu.Lock(); r.stderr = append(r.stderr, l); r.mu.Unlock() }

func (r *recordingSink) lines() ([]string, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.stdout...), append([]string(nil), r.stderr...)
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "worker.sh")
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body), 0o700))
	return p
}

func TestParseAnnouncement(t *testing.T) {
	cases := []struct {
		line string
		port int
		ok   bool
	}{
		{"Listening on 54321", 54321, true},
		{"server LISTENING ON 8080 (http)", 8080, true},
		{"listening on 0", 0, false},
		{"listening on 99999", 0, false},
		{"listening on port 80", 0, false},
		{"foo", 0, false},
	}
	for _, c := range cases {
		port, ok := ParseAnnouncement(c.line)
		assert.Equal(t, c.ok, ok, c.line)
		assert.Equal(t, c.port, port, c.line)
	}
}

func TestStartAnnouncesPort(t *testing.T) {
	requireUnix(t)
	sink := &recordingSink{}
	h, err := Start(Spec{Name: "w", Path: writeScript(t, "echo foo\necho oops >&2\necho 'Listening on 54321'\nexec sleep 5\n")}, sink)
	require.NoError(t, err)
	defer func() { _ = h.Terminate(); <-h.Done() }()

	select {
	case port := <-h.Announced():
		assert.Equal(t, 54321, port)
	case <-time.After(3 * time.Second):
		t.Fatal("no announcement")
	}
	assert.Greater(t, h.PID(), 0)

	require.Eventually(t, func() bool {
		out, errs := sink.lines()
		return len(out) == 2 && len(errs) == 1
	}, 2*time.Second, 10*time.Millisecond)
	out, errs := sink.lines()
	assert.Equal(t, []string{"foo", "Listening on 54321"}, out)
	assert.Equal(t, []string{"oops"}, errs)
}

func TestStartReportsExitCode(t *testing.T) {
	requireUnix(t)
	h, err := Start(Spec{Name: "w", Path: writeScript(t, "echo nothing here\nexit 3\n")}, nil)
	require.NoError(t, err)
	select {
	case <-h.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.Equal(t, 3, h.ExitCode())
	assert.Error(t, h.ExitErr())
	select {
	case <-h.Announced():
		t.Fatal("unexpected announcement")
	default:
	}
}

func TestTerminateStopsWorker(t *testing.T) {
	requireUnix(t)
	h, err := Start(Spec{Name: "w", Path: writeScript(t, "exec sleep 30\n")}, nil)
	require.NoError(t, err)
	require.NoError(t, h.Terminate())
	select {
	case <-h.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("process ignored SIGTERM")
	}
	assert.Equal(t, -1, h.ExitCode())
	assert.NoError(t, h.Terminate(), "terminating an exited worker is a no-op")
}

func TestStartMissingBinary(t *testing.T) {
	_, err := Start(Spec{Name: "w", Path: filepath.Join(t.TempDir(), "nope")}, nil)
	require.Error(t, err)
}

func TestStartPassesEnv(t *testing.T) {
	requireUnix(t)
	sink := &recordingSink{}
	h, err := Start(Spec{
		Name: "w",
		Path: writeScript(t, "echo \"key=$OPENAI_API_KEY\"\n"),
		Env:  []string{"OPENAI_API_KEY=sk-test"},
	}, sink)
	require.NoError(t, err)
	<-h.Done()
	require.Eventually(t, func() bool {
		out, _ := sink.lines()
		return len(out) == 1
	}, 2*time.Second, 10*time.Millisecond)
	out, _ := sink.lines()
	assert.Equal(t, "key=sk-test", out[0])
}

func TestStartWritesOutputFiles(t *testing.T) {
	requireUnix(t)
	out := t.TempDir()
	h, err := Start(Spec{
		Name:      "w",
		Path:      writeScript(t, "echo one\necho two >&2\nprintf 'tail'\n"),
		OutputDir: out,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, out, h.OutputDir())
	<-h.Done()

	b, err := os.ReadFile(filepath.Join(out, StdoutFile))
	require.NoError(t, err)
	assert.Equal(t, "one\ntail", string(b))
	b, err = os.ReadFile(filepath.Join(out, StderrFile))
	require.NoError(t, err)
	assert.Equal(t, "two\n", string(b))
}

func TestPrivateOutputDirRemovedAfterExit(t *testing.T) {
	requireUnix(t)
	h, err := Start(Spec{Name: "w", Path: writeScript(t, "echo hi\n")}, nil)
	require.NoError(t, err)
	dir := h.OutputDir()
	<-h.Done()
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestTrailingLineForwardedAtExit(t *testing.T) {
	requireUnix(t)
	sink := &recordingSink{}
	h, err := Start(Spec{Name: "w", Path: writeScript(t, "echo first\nprintf 'no newline'\n")}, sink)
	require.NoError(t, err)
	<-h.Done()
	out, _ := sink.lines()
	assert.Equal(t, []string{"first", "no newline"}, out)
}

func TestAnnouncementVisibleWhenDone(t *testing.T) {
	requireUnix(t)
	h, err := Start(Spec{Name: "w", Path: writeScript(t, "echo 'Listening on 4242'\nexit 0\n")}, nil)
	require.NoError(t, err)
	<-h.Done()
	select {
	case port := <-h.Announced():
		assert.Equal(t, 4242, port)
	default:
		t.Fatal("announcement written before exit must be visible once done")
	}
	assert.Equal(t, 0, h.ExitCode())
}
