package store

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollerTicksWhileDisconnected(t *testing.T) {
	var fetches atomic.Int32
	p := NewPoller(func() bool { return false })
	p.interval = 10 * time.Millisecond

	p.Start("channel", func(ctx context.Context) error {
		fetches.Add(1)
		return nil
	})
	defer p.Stop()

	require.Eventually(t, func() bool { return fetches.Load() >= 2 },
		2*time.Second, 5*time.Millisecond)
}

func TestPollerSkipsTicksWhileConnected(t *testing.T) {
	var connected atomic.Bool
	connected.Store(true)

	var fetches atomic.Int32
	p := NewPoller(connected.Load)
	p.interval = 10 * time.Millisecond

	p.Start("dm", func(ctx context.Context) error {
		fetches.Add(1)
		return nil
	})
	defer p.Stop()

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, fetches.Load(), "no fetches while the socket is confirmed live")

	// The instant the connection drops, the fallback resumes on its own.
	connected.Store(false)
	require.Eventually(t, func() bool { return fetches.Load() >= 1 },
		2*time.Second, 5*time.Millisecond)
}

func TestPollerStartSupersedesPreviousTarget(t *testing.T) {
	var first, second atomic.Int32
	p := NewPoller(func() bool { return false })
	p.interval = 10 * time.Millisecond

	p.Start("channel", func(ctx context.Context) error {
		first.Add(1)
		return nil
	})
	p.Start("dm", func(ctx context.Context) error {
		second.Add(1)
		return nil
	})
	defer p.Stop()

	require.Eventually(t, func() bool { return second.Load() >= 2 },
		2*time.Second, 5*time.Millisecond)
	firstCount := first.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, firstCount, first.Load(), "superseded poll loop must stop")
}

func TestPollerStopIsIdempotent(t *testing.T) {
	p := NewPoller(func() bool { return false })
	p.Stop()
	p.Start("channel", func(ctx context.Context) error { return nil })
	p.Stop()
	p.Stop()
}
