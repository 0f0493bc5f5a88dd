package gfetch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legamerdc/gfetch/internal/log"
	"github.com/legamerdc/gfetch/reactor"
)

func newTestThread(t *testing.T) *engineThread {
	t.Helper()
	r, err := reactor.New()
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return newEngineThread(r, log.NewTest(t))
}

func TestThreadStopBeforeStart(t *testing.T) {
	th := newTestThread(t)
	assert.Equal(t, threadNotStarted, th.current())
	th.stop()
	assert.Equal(t, threadJoined, th.current())

	assert.False(t, th.start(), "joined thread never starts")
	assert.Equal(t, int32(0), th.starts.Load())
}

func TestThreadStartsOnce(t *testing.T) {
	th := newTestThread(t)
	assert.True(t, th.start())
	assert.False(t, th.start())
	assert.Equal(t, threadRunning, th.current())

	th.stop()
	assert.Equal(t, threadJoined, th.current())
	th.stop()
	assert.Equal(t, int32(1), th.starts.Load())
	assert.Equal(t, "joined", th.current().String())
}

func TestGoroutineID(t *testing.T) {
	id := goroutineID()
	assert.NotZero(t, id)
	assert.Equal(t, id, goroutineID())

	other := make(chan uint64)
	go func() { other <- goroutineID() }()
	assert.NotEqual(t, id, <-other)

	th := newTestThread(t)
	assert.False(t, th.onLoop(), "not started")
}
