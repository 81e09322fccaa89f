package engine

import (
	"sync"
	"time"
)

const (
	typingIdleWindow   = 2 * time.Second
	remoteTypingExpiry = 4 * time.Second
)

// TypingRelay debounces local typing into start/stop frames and tracks remote
// typing state for the open conversation only.
type TypingRelay struct {
	send func(targetID string, start bool)

	mu        sync.Mutex
	target    string
	stopTimer *time.Timer
	remote    map[string]time.Time // peer id -> expiry
}

func NewTypingRelay(send func(targetID string, start bool)) *TypingRelay {
	return &TypingRelay{
		send:   send,
		remote: map[string]time.Time{},
	}
}

// NotifyTyping is called on every keystroke. The first call (or a target
// switch) emits a start frame immediately; a stop frame fires after the idle
// window with no further keystrokes, re-scheduled on every call.
func (t *TypingRelay) NotifyTyping(targetID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopTimer == nil || t.target != targetID {
		if t.stopTimer != nil {
			t.stopTimer.Stop()
			t.send(t.target, false)
		}
		t.target = targetID
		t.send(targetID, true)
	} else {
		t.stopTimer.Stop()
	}

	t.stopTimer = time.AfterFunc(typingIdleWindow, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.target == targetID {
			t.send(targetID, false)
			t.stopTimer = nil
		}
	})
}

// StopTyping flushes an immediate stop, used when a send goes out or the
// conversation closes.
func (t *TypingRelay) StopTyping() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopTimer != nil {
		t.stopTimer.Stop()
		t.stopTimer = nil
		t.send(t.target, false)
	}
}

// HandleRemote records a peer's typing event. Events for conversations other
// than the open one are dropped, not queued.
func (t *TypingRelay) HandleRemote(openTarget, targetID, peerID string, start bool) {
	if targetID == "" || targetID != openTarget {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if start {
		t.remote[peerID] = time.Now().Add(remoteTypingExpiry)
		return
	}
	delete(t.remote, peerID)
}

// RemotePeers lists peers currently typing in the open conversation. Entries
// expire on their own when no refresh arrives.
func (t *TypingRelay) RemotePeers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	var peers []string
	for peer, expiry := range t.remote {
		if now.After(expiry) {
			delete(t.remote, peer)
			continue
		}
		peers = append(peers, peer)
	}
	return peers
}

// ClearRemote wipes remote state when the open conversation changes.
func (t *TypingRelay) ClearRemote() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remote = map[string]time.Time{}
}
