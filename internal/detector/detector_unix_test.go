//go:build linux

package detector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOSProbeZombieIsDead(t *testing.T) {
	cmd := startSleep(t, "0")
	defer func() { _ = cmd.Wait() }()
	pid := cmd.Process.Pid
	// not reaped yet: the child becomes a zombie once it exits
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !isZombieLinux(pid) {
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, isZombieLinux(pid))
	assert.False(t, OS.Alive(pid))
}
