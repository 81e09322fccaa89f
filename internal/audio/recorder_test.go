package audio

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDevice yields a fixed chunk per read and tracks open/close balance.
type fakeDevice struct {
	mu      sync.Mutex
	openErr error
	opens   int
	closes  int
}

func (d *fakeDevice) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		return d.openErr
	}
	d.opens++
	return nil
}

func (d *fakeDevice) ReadChunk(ctx context.Context) ([]byte, error) {
	return []byte{0x01, 0x02}, nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	return nil
}

func (d *fakeDevice) balance() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens, d.closes
}

func newTestRecorder(device CaptureDevice) *Recorder {
	r := NewRecorder(device)
	r.tick = time.Millisecond
	r.limit = 20 * time.Millisecond
	return r
}

func TestRecorderStartStopProducesClip(t *testing.T) {
	device := &fakeDevice{}
	r := newTestRecorder(device)

	require.NoError(t, r.Start(context.Background()))
	assert.Equal(t, StateRecording, r.State())

	require.Eventually(t, func() bool { return r.Duration() > 0 },
		2*time.Second, time.Millisecond)
	clip, err := r.Stop()
	require.NoError(t, err)
	require.NotNil(t, clip)
	assert.Equal(t, "audio/webm", clip.Mime)
	assert.NotEmpty(t, clip.Data)
	assert.LessOrEqual(t, clip.Duration, r.limit)
	assert.Equal(t, StateStopped, r.State())

	_, closes := device.balance()
	assert.Equal(t, 1, closes)
}

func TestRecorderAutoStopsAtCap(t *testing.T) {
	r := newTestRecorder(&fakeDevice{})
	require.NoError(t, r.Start(context.Background()))

	require.Eventually(t, func() bool { return r.State() == StateStopped },
		2*time.Second, time.Millisecond)

	clip, ok := r.TakeClip()
	require.True(t, ok)
	assert.Equal(t, r.limit, clip.Duration, "capped clip duration equals the cap exactly")
}

func TestRecorderStopAfterAutoCapReturnsClip(t *testing.T) {
	r := newTestRecorder(&fakeDevice{})
	require.NoError(t, r.Start(context.Background()))

	require.Eventually(t, func() bool { return r.State() == StateStopped },
		2*time.Second, time.Millisecond)

	// The user pressed stop just after the cap fired; they still get the clip.
	clip, err := r.Stop()
	require.NoError(t, err)
	assert.NotNil(t, clip)
}

func TestRecorderPendingClipBlocksRestart(t *testing.T) {
	r := newTestRecorder(&fakeDevice{})
	require.NoError(t, r.Start(context.Background()))
	_, err := r.Stop()
	require.NoError(t, err)

	assert.ErrorIs(t, r.Start(context.Background()), ErrPendingClip)

	_, ok := r.TakeClip()
	require.True(t, ok)
	assert.Equal(t, StateIdle, r.State())
	require.NoError(t, r.Start(context.Background()))
	r.Cancel()
}

func TestRecorderStartWhileRecording(t *testing.T) {
	r := newTestRecorder(&fakeDevice{})
	require.NoError(t, r.Start(context.Background()))
	assert.ErrorIs(t, r.Start(context.Background()), ErrBusy)
	r.Cancel()
}

// Two callers racing into Start must resolve to exactly one recording and one
// device acquisition; the loser gets ErrBusy.
func TestRecorderConcurrentStartOpensDeviceOnce(t *testing.T) {
	device := &fakeDevice{}
	r := newTestRecorder(device)

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- r.Start(context.Background())
		}()
	}
	wg.Wait()
	close(errs)

	var started, busy int
	for err := range errs {
		switch {
		case err == nil:
			started++
		case errors.Is(err, ErrBusy):
			busy++
		default:
			t.Fatalf("unexpected start error: %v", err)
		}
	}
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, busy)

	opens, _ := device.balance()
	assert.Equal(t, 1, opens)
	r.Cancel()
}

func TestRecorderStartFailsClosedWithReason(t *testing.T) {
	denied := &fakeDevice{openErr: &CaptureError{Reason: ReasonPermissionDenied, Err: errors.New("denied by OS")}}
	r := newTestRecorder(denied)

	err := r.Start(context.Background())
	var capErr *CaptureError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, ReasonPermissionDenied, capErr.Reason)
	assert.Equal(t, StateIdle, r.State())
}

func TestRecorderUnknownOpenErrorMapsToOther(t *testing.T) {
	r := newTestRecorder(&fakeDevice{openErr: errors.New("mystery failure")})

	err := r.Start(context.Background())
	var capErr *CaptureError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, ReasonOther, capErr.Reason)
}

func TestRecorderCancelDiscardsEverything(t *testing.T) {
	device := &fakeDevice{}
	r := newTestRecorder(device)
	require.NoError(t, r.Start(context.Background()))
	time.Sleep(3 * time.Millisecond)

	r.Cancel()
	assert.Equal(t, StateIdle, r.State())
	assert.Zero(t, r.Duration())

	_, ok := r.TakeClip()
	assert.False(t, ok)

	_, err := r.Stop()
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestRecorderDurationNeverExceedsCap(t *testing.T) {
	r := newTestRecorder(&fakeDevice{})
	require.NoError(t, r.Start(context.Background()))

	require.Eventually(t, func() bool { return r.State() == StateStopped },
		2*time.Second, time.Millisecond)
	assert.LessOrEqual(t, r.Duration(), r.limit)
	r.Cancel()
}
