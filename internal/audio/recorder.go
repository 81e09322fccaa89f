package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the recorder lifecycle. StateStopped holds a pending clip that
// must be consumed (TakeClip) or cleared (Cancel) before the next recording.
type State int

const (
	StateIdle State = iota
	StateRecording
	StateStopped
)

// FailReason distinguishes why capture could not start.
type FailReason string

const (
	ReasonPermissionDenied FailReason = "permission-denied"
	ReasonDeviceNotFound   FailReason = "device-not-found"
	ReasonOther            FailReason = "other"
)

// CaptureError is the closed failure surface of Start. Capture never fails
// opaquely: every device error maps to a reason the UI can name.
type CaptureError struct {
	Reason FailReason
	Err    error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture failed (%s): %v", e.Reason, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

var (
	ErrBusy        = errors.New("recorder busy")
	ErrPendingClip = errors.New("pending clip not consumed")
	ErrNotActive   = errors.New("recorder not active")
)

// CaptureDevice abstracts the microphone. Open acquires the hardware,
// ReadChunk returns the next buffered audio frame (it may block briefly),
// Close releases the hardware.
type CaptureDevice interface {
	Open(ctx context.Context) error
	ReadChunk(ctx context.Context) ([]byte, error)
	Close() error
}

// DefaultCap is the hard recording cap; reaching it auto-stops the clip.
const DefaultCap = 120 * time.Second

const defaultTick = 100 * time.Millisecond

// Clip is a finished in-memory recording.
type Clip struct {
	Data     []byte
	Duration time.Duration
	Mime     string
}

// Recorder records microphone input into a finite in-memory clip. Exactly one
// clip exists at a time.
type Recorder struct {
	device CaptureDevice
	tick   time.Duration
	limit  time.Duration

	mu      sync.Mutex
	state   State
	buf     bytes.Buffer
	elapsed time.Duration
	clip    *Clip
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewRecorder(device CaptureDevice) *Recorder {
	return &Recorder{
		device: device,
		tick:   defaultTick,
		limit:  DefaultCap,
	}
}

// Start acquires the device and begins recording. Fails closed with a
// CaptureError reason when the device cannot be acquired, ErrBusy while
// already recording, and ErrPendingClip while a finished clip awaits pickup.
func (r *Recorder) Start(ctx context.Context) error {
	// Claim the recording state before touching the device so two racing
	// Starts can never both open it. The losing caller sees ErrBusy.
	r.mu.Lock()
	if r.state == StateRecording {
		r.mu.Unlock()
		return ErrBusy
	}
	if r.state == StateStopped {
		r.mu.Unlock()
		return ErrPendingClip
	}
	r.state = StateRecording
	r.buf.Reset()
	r.elapsed = 0
	r.clip = nil
	r.mu.Unlock()

	if err := r.device.Open(ctx); err != nil {
		r.mu.Lock()
		r.state = StateIdle
		r.mu.Unlock()
		var capErr *CaptureError
		if errors.As(err, &capErr) {
			return capErr
		}
		return &CaptureError{Reason: ReasonOther, Err: err}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancel = cancel
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	go r.run(runCtx, done)
	return nil
}

func (r *Recorder) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		chunk, err := r.device.ReadChunk(ctx)
		r.mu.Lock()
		if r.state != StateRecording {
			r.mu.Unlock()
			return
		}
		if err == nil {
			r.buf.Write(chunk)
		}
		r.elapsed += r.tick
		capped := r.elapsed >= r.limit
		if capped {
			r.elapsed = r.limit
			r.finalizeLocked()
		}
		r.mu.Unlock()
		if capped {
			return
		}
	}
}

// Stop finalizes the clip and releases the device.
func (r *Recorder) Stop() (*Clip, error) {
	r.mu.Lock()
	if r.state != StateRecording {
		// The cap may have auto-stopped just before the user did.
		if r.state == StateStopped && r.clip != nil {
			clip := r.clip
			r.mu.Unlock()
			return clip, nil
		}
		r.mu.Unlock()
		return nil, ErrNotActive
	}
	r.finalizeLocked()
	clip := r.clip
	r.mu.Unlock()
	return clip, nil
}

// finalizeLocked moves recording → stopped-with-clip and releases the device.
func (r *Recorder) finalizeLocked() {
	r.clip = &Clip{
		Data:     append([]byte(nil), r.buf.Bytes()...),
		Duration: r.elapsed,
		Mime:     "audio/webm",
	}
	r.state = StateStopped
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	_ = r.device.Close()
}

// Cancel discards the in-flight recording or pending clip and releases the
// device without producing output.
func (r *Recorder) Cancel() {
	r.mu.Lock()
	if r.state == StateIdle {
		r.mu.Unlock()
		return
	}
	wasRecording := r.state == StateRecording
	r.state = StateIdle
	r.clip = nil
	r.buf.Reset()
	r.elapsed = 0
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.mu.Unlock()
	if wasRecording {
		_ = r.device.Close()
	}
}

// TakeClip consumes the pending clip and re-arms the recorder.
func (r *Recorder) TakeClip() (*Clip, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateStopped || r.clip == nil {
		return nil, false
	}
	clip := r.clip
	r.clip = nil
	r.state = StateIdle
	return clip, true
}

// State reports the current lifecycle state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Duration is the live recording duration; it increases monotonically at the
// tick rate and never exceeds the cap.
func (r *Recorder) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.elapsed
}
