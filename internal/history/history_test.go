package history

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func TestRecorderFansOutAndStamps(t *testing.T) {
	a := &memSink{}
	b := &memSink{err: errors.New("down")}
	r := NewRecorder(nil, a, b)
	r.Record(Event{Type: EventSpawn, PID: 10, Port: 8080})

	require.Len(t, a.events, 1)
	require.Len(t, b.events, 1)
	assert.False(t, a.events[0].OccurredAt.IsZero())
	assert.Equal(t, EventSpawn, a.events[0].Type)
}

func TestNilRecorderDiscards(t *testing.T) {
	var r *Recorder
	r.Record(Event{Type: EventExit})
}

func TestSQLiteSink(t *testing.T) {
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "history.db")
	s, err := NewSinkFromDSN(dsn)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	code := 1
	require.NoError(t, s.Send(ctx, Event{Type: EventSpawn, OccurredAt: time.Now(), InstallDir: "/p", PID: 1, Port: 9000}))
	require.NoError(t, s.Send(ctx, Event{Type: EventExit, OccurredAt: time.Now(), InstallDir: "/p", PID: 1, ExitCode: &code}))

	n, err := s.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = s.Count(ctx, EventExit)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteSinkMemoryAndBarePath(t *testing.T) {
	s, err := NewSinkFromDSN(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Send(context.Background(), Event{Type: EventReuse, OccurredAt: time.Now()}))
	n, err := s.Count(context.Background(), EventReuse)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, s.Close())
}

func TestNewSinkFromDSNErrors(t *testing.T) {
	_, err := NewSinkFromDSN("  ")
	assert.Error(t, err)
	_, err = NewSinkFromDSN("clickhouse://localhost:9000")
	assert.Error(t, err)
}
