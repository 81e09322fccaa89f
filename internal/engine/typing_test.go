package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frameRecorder struct {
	mu     sync.Mutex
	frames []string
}

func (f *frameRecorder) send(targetID string, start bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kind := "stop"
	if start {
		kind = "start"
	}
	f.frames = append(f.frames, kind+":"+targetID)
}

func (f *frameRecorder) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.frames...)
}

const conv = "u-alice:u-bob"

func TestTypingFirstKeystrokeEmitsStartOnce(t *testing.T) {
	rec := &frameRecorder{}
	relay := NewTypingRelay(rec.send)
	defer relay.StopTyping()

	relay.NotifyTyping(conv)
	relay.NotifyTyping(conv)
	relay.NotifyTyping(conv)

	assert.Equal(t, []string{"start:" + conv}, rec.snapshot(),
		"continued typing re-arms the stop timer without re-sending start")
}

func TestTypingStopFlushesImmediately(t *testing.T) {
	rec := &frameRecorder{}
	relay := NewTypingRelay(rec.send)

	relay.NotifyTyping(conv)
	relay.StopTyping()

	assert.Equal(t, []string{"start:" + conv, "stop:" + conv}, rec.snapshot())

	// A second stop with nothing pending is a no-op.
	relay.StopTyping()
	assert.Len(t, rec.snapshot(), 2)
}

func TestTypingTargetSwitchStopsOldTarget(t *testing.T) {
	rec := &frameRecorder{}
	relay := NewTypingRelay(rec.send)
	defer relay.StopTyping()

	relay.NotifyTyping(conv)
	relay.NotifyTyping("general")

	assert.Equal(t, []string{"start:" + conv, "stop:" + conv, "start:general"}, rec.snapshot())
}

func TestTypingRemoteScopedToOpenConversation(t *testing.T) {
	relay := NewTypingRelay(func(string, bool) {})

	relay.HandleRemote(conv, "u-alice:u-carol", "u-carol", true)
	assert.Empty(t, relay.RemotePeers(), "events for other conversations are dropped, not queued")

	relay.HandleRemote(conv, conv, "u-bob", true)
	assert.Equal(t, []string{"u-bob"}, relay.RemotePeers())

	relay.HandleRemote(conv, conv, "u-bob", false)
	assert.Empty(t, relay.RemotePeers())
}

func TestTypingRemoteExpiresWithoutRefresh(t *testing.T) {
	relay := NewTypingRelay(func(string, bool) {})
	relay.HandleRemote(conv, conv, "u-bob", true)

	// Backdate the entry instead of waiting out the real expiry window.
	relay.mu.Lock()
	relay.remote["u-bob"] = time.Now().Add(-time.Millisecond)
	relay.mu.Unlock()

	assert.Empty(t, relay.RemotePeers())
	assert.Empty(t, relay.RemotePeers(), "expired entry is gone for good")
}

func TestTypingClearRemoteOnConversationSwitch(t *testing.T) {
	relay := NewTypingRelay(func(string, bool) {})
	relay.HandleRemote(conv, conv, "u-bob", true)
	require.NotEmpty(t, relay.RemotePeers())

	relay.ClearRemote()
	assert.Empty(t, relay.RemotePeers())
}
