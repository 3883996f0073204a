package metrics

import (
	"os"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg), "second Register is a no-op")

	IncAcquire("spawned")
	IncAcquire("spawned")
	IncFailure("premature_exit")
	IncStaleReclaim()
	IncRelease()
	ObserveStartup(0.2)
	IncWorkerExit(1)
	SetState("running", []string{"probing", "running"})

	assert.Equal(t, 2.0, testutil.ToFloat64(acquisitions.WithLabelValues("spawned")))
	assert.Equal(t, 1.0, testutil.ToFloat64(failures.WithLabelValues("premature_exit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(staleReclaims))
	assert.Equal(t, 1.0, testutil.ToFloat64(workerExits.WithLabelValues("1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(currentState.WithLabelValues("running")))
	assert.Equal(t, 0.0, testutil.ToFloat64(currentState.WithLabelValues("probing")))
}

func TestWorkerCollector(t *testing.T) {
	c := NewWorkerCollector(func() (int, bool) { return os.Getpid(), true }, nil)
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))
	err := testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP urai_sidecar_worker_up 1 when a worker is recorded and inspectable.
# TYPE urai_sidecar_worker_up gauge
urai_sidecar_worker_up 1
`), "urai_sidecar_worker_up")
	assert.NoError(t, err)

	none := NewWorkerCollector(func() (int, bool) { return 0, false }, nil)
	assert.Equal(t, 1, testutil.CollectAndCount(none))
}
