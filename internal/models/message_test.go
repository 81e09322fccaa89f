package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPairIDIsOrderIndependent(t *testing.T) {
	assert.Equal(t, PairID("u-alice", "u-bob"), PairID("u-bob", "u-alice"))
	assert.Equal(t, "u-alice:u-bob", PairID("u-bob", "u-alice"))
}

func TestPeerOf(t *testing.T) {
	pair := PairID("u-alice", "u-bob")
	assert.Equal(t, "u-bob", PeerOf(pair, "u-alice"))
	assert.Equal(t, "u-alice", PeerOf(pair, "u-bob"))
	assert.Empty(t, PeerOf(pair, "u-carol"))
	assert.Empty(t, PeerOf("not-a-pair", "u-alice"))
}

func TestDeliveryStatusLadderOnlyMovesForward(t *testing.T) {
	assert.True(t, StatusSending.Advances(StatusSent))
	assert.True(t, StatusSent.Advances(StatusRead))
	assert.False(t, StatusRead.Advances(StatusDelivered))
	assert.False(t, StatusRead.Advances(StatusRead))
	assert.False(t, StatusSent.Advances(StatusFailed), "failed is off-ladder")
	assert.False(t, StatusFailed.Advances(StatusSent))
}

func TestReactionMapMergeDeduplicates(t *testing.T) {
	a := ReactionMap{"👍": {"u-alice"}}
	b := ReactionMap{"👍": {"u-alice", "u-bob"}, "🎉": {"u-carol"}}

	merged := a.Merge(b)
	assert.Equal(t, []string{"u-alice", "u-bob"}, merged["👍"])
	assert.Equal(t, []string{"u-carol"}, merged["🎉"])

	// Merge never mutates its receiver.
	assert.Equal(t, []string{"u-alice"}, a["👍"])
}

func TestReactionMapAddRemoveIdempotent(t *testing.T) {
	var r ReactionMap
	r = r.Add("👍", "u-alice")
	r = r.Add("👍", "u-alice")
	assert.Equal(t, []string{"u-alice"}, r["👍"])

	r = r.Remove("👍", "u-alice")
	assert.NotContains(t, r, "👍", "empty emoji entries fall away")
	r = r.Remove("👍", "u-alice")
	assert.Empty(t, r)
}

func TestMessageBeforeOrdersByTimestampThenID(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	a := Message{ID: "ma", CreatedAt: at}
	b := Message{ID: "mb", CreatedAt: at}
	later := Message{ID: "m0", CreatedAt: at.Add(time.Second)}

	assert.True(t, a.Before(b))
	assert.False(t, b.Before(a))
	assert.True(t, a.Before(later))
	assert.False(t, later.Before(a), "timestamp beats id")
}

func TestSoftDeleteBlanksBodyKeepsTimestamp(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m := Message{
		ID:         "m1",
		Content:    "secret",
		Attachment: &Attachment{MediaID: "media_1"},
		Reactions:  ReactionMap{"👍": {"u-bob"}},
		CreatedAt:  at,
	}
	m.SoftDelete()

	assert.True(t, m.Deleted)
	assert.Empty(t, m.Content)
	assert.Nil(t, m.Attachment)
	assert.Nil(t, m.Reactions)
	assert.Equal(t, at, m.CreatedAt)
}

func TestMessageTypeValid(t *testing.T) {
	assert.True(t, MessageAudio.Valid())
	assert.False(t, MessageType("sticker").Valid())
}
