package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeUnreadBackend lets tests control fetch timing, which testify mocks make
// awkward for in-flight overlap scenarios.
type fakeUnreadBackend struct {
	mu       sync.Mutex
	counts   map[string]int
	fetchErr error
	gate     chan struct{}
	acks     chan string
}

func newFakeUnreadBackend(counts map[string]int) *fakeUnreadBackend {
	return &fakeUnreadBackend{counts: counts, acks: make(chan string, 8)}
}

func (b *fakeUnreadBackend) FetchUnread(ctx context.Context) (map[string]int, error) {
	if b.gate != nil {
		<-b.gate
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fetchErr != nil {
		return nil, b.fetchErr
	}
	out := make(map[string]int, len(b.counts))
	for k, v := range b.counts {
		out[k] = v
	}
	return out, nil
}

func (b *fakeUnreadBackend) MarkRead(ctx context.Context, targetID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.acks <- targetID
	return nil
}

func TestUnreadRefreshPopulates(t *testing.T) {
	backend := newFakeUnreadBackend(map[string]int{"general": 3, "u-alice:u-bob": 2})
	s := NewUnreadStore(backend)

	require.NoError(t, s.Refresh(context.Background()))
	assert.Equal(t, 3, s.Count("general"))
	assert.Equal(t, 2, s.Count("u-alice:u-bob"))
	assert.Equal(t, 5, s.Total())
}

func TestUnreadRefreshError(t *testing.T) {
	backend := newFakeUnreadBackend(nil)
	backend.fetchErr = errors.New("boom")
	s := NewUnreadStore(backend)
	require.Error(t, s.Refresh(context.Background()))
	assert.Zero(t, s.Total())
}

func TestUnreadMarkReadZeroesAndAcks(t *testing.T) {
	backend := newFakeUnreadBackend(map[string]int{"general": 3})
	s := NewUnreadStore(backend)
	require.NoError(t, s.Refresh(context.Background()))

	s.MarkRead(context.Background(), "general")
	assert.Zero(t, s.Count("general"))

	select {
	case target := <-backend.acks:
		assert.Equal(t, "general", target)
	case <-time.After(2 * time.Second):
		t.Fatal("read ack never sent")
	}
}

// Closing the view that triggered the read cancels its context; the ack to
// the server must still go out.
func TestUnreadMarkReadAckOutlivesCallerContext(t *testing.T) {
	backend := newFakeUnreadBackend(map[string]int{"general": 2})
	s := NewUnreadStore(backend)
	require.NoError(t, s.Refresh(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.MarkRead(ctx, "general")

	assert.Zero(t, s.Count("general"))
	select {
	case target := <-backend.acks:
		assert.Equal(t, "general", target)
	case <-time.After(2 * time.Second):
		t.Fatal("read ack dropped with the caller's context")
	}
}

func TestUnreadIncrementOnPush(t *testing.T) {
	s := NewUnreadStore(newFakeUnreadBackend(nil))
	s.Increment("orders")
	s.Increment("orders")
	assert.Equal(t, 2, s.Count("orders"))
	assert.Equal(t, 2, s.Total())
}

// The race this guards: the user opens a conversation while an authoritative
// refresh is in flight. The stale fetch result must not resurrect the count
// the open cleared.
func TestUnreadStaleRefreshCannotResurrectClearedCount(t *testing.T) {
	backend := newFakeUnreadBackend(map[string]int{"general": 7})
	backend.gate = make(chan struct{})
	s := NewUnreadStore(backend)

	done := make(chan error, 1)
	go func() { done <- s.Refresh(context.Background()) }()

	time.Sleep(20 * time.Millisecond) // let the fetch claim its sequence
	s.MarkRead(context.Background(), "general")
	close(backend.gate)
	require.NoError(t, <-done)

	assert.Zero(t, s.Count("general"), "refresh begun before the read must not overwrite it")
}

func TestUnreadRefreshDropsAbsentTargets(t *testing.T) {
	backend := newFakeUnreadBackend(map[string]int{"general": 1, "orders": 4})
	s := NewUnreadStore(backend)
	require.NoError(t, s.Refresh(context.Background()))

	backend.mu.Lock()
	backend.counts = map[string]int{"general": 1}
	backend.mu.Unlock()

	require.NoError(t, s.Refresh(context.Background()))
	assert.Zero(t, s.Count("orders"))
	assert.Equal(t, 1, s.Total())
}

func TestUnreadNotifyFiresOnChange(t *testing.T) {
	s := NewUnreadStore(newFakeUnreadBackend(nil))
	notified := make(chan struct{}, 4)
	s.SetNotify(func() { notified <- struct{}{} })

	s.Increment("general")
	select {
	case <-notified:
	case <-time.After(2 * time.Second):
		t.Fatal("notify never fired")
	}
}
