package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/models"
)

var timelineBase = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func tlMsg(id string, offset time.Duration) models.Message {
	return models.Message{
		ID:        id,
		Content:   "msg " + id,
		Type:      models.MessageText,
		CreatedAt: timelineBase.Add(offset),
	}
}

func TestTimelineOrdersByTimestampNotArrival(t *testing.T) {
	tl := newTimeline()

	require.True(t, tl.appendIncoming(tlMsg("m3", 3*time.Second)))
	require.True(t, tl.appendIncoming(tlMsg("m1", 1*time.Second)))
	require.True(t, tl.appendIncoming(tlMsg("m2", 2*time.Second)))

	got := tl.snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, "m1", got[0].ID)
	assert.Equal(t, "m2", got[1].ID)
	assert.Equal(t, "m3", got[2].ID)
}

func TestTimelineTimestampTieBreaksByID(t *testing.T) {
	tl := newTimeline()

	tl.appendIncoming(tlMsg("mb", time.Second))
	tl.appendIncoming(tlMsg("ma", time.Second))

	got := tl.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, "ma", got[0].ID)
	assert.Equal(t, "mb", got[1].ID)
}

func TestTimelineEchoReconcilesPendingByClientKey(t *testing.T) {
	tl := newTimeline()

	pending := models.Message{
		ClientKey: "k1",
		Content:   "hello",
		Status:    models.StatusSending,
		CreatedAt: timelineBase,
	}
	tl.insertOptimistic(pending)

	echo := tlMsg("m1", time.Second)
	echo.ClientKey = "k1"
	echo.Status = models.StatusSent

	require.True(t, tl.appendIncoming(echo))

	got := tl.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "m1", got[0].ID)
	assert.Equal(t, models.StatusSent, got[0].Status)

	_, stillPending := tl.byClientKey("k1")
	assert.False(t, stillPending, "reconciled entry must leave the pending index")

	byID, ok := tl.get("m1")
	require.True(t, ok)
	assert.Equal(t, "k1", byID.ClientKey)
}

func TestTimelineDuplicateIDIsSilentNoOp(t *testing.T) {
	tl := newTimeline()

	msg := tlMsg("m1", time.Second)
	require.True(t, tl.appendIncoming(msg))
	require.False(t, tl.appendIncoming(msg), "second delivery must not change the list")
	assert.Len(t, tl.snapshot(), 1)
}

func TestTimelineClientKeyDedupWinsOverIDDedup(t *testing.T) {
	tl := newTimeline()
	tl.insertOptimistic(models.Message{ClientKey: "k1", CreatedAt: timelineBase})

	echo := tlMsg("m1", time.Second)
	echo.ClientKey = "k1"

	// First delivery reconciles the pending entry, the second is a known id.
	assert.True(t, tl.appendIncoming(echo))
	assert.False(t, tl.appendIncoming(echo))
	assert.Len(t, tl.snapshot(), 1)
}

// A send can echo back twice: first keyless through one transport, then keyed
// through the other. The keyed echo must fold into the already-held id rather
// than reconcile the pending entry into a second copy.
func TestTimelineKeyedEchoAfterKeylessDeliveryDropsPending(t *testing.T) {
	tl := newTimeline()
	tl.insertOptimistic(models.Message{
		ClientKey: "k1",
		Content:   "hello",
		Status:    models.StatusSending,
		CreatedAt: timelineBase,
	})

	keyless := tlMsg("m1", time.Second)
	require.True(t, tl.appendIncoming(keyless))

	keyed := tlMsg("m1", time.Second)
	keyed.ClientKey = "k1"
	assert.True(t, tl.appendIncoming(keyed))

	got := tl.snapshot()
	require.Len(t, got, 1, "the id must appear exactly once")
	assert.Equal(t, "m1", got[0].ID)

	_, stillPending := tl.byClientKey("k1")
	assert.False(t, stillPending)
	held, ok := tl.get("m1")
	require.True(t, ok)
	assert.Equal(t, "m1", held.ID)
}

func TestTimelinePrependOlderDropsKnownIDs(t *testing.T) {
	tl := newTimeline()
	tl.appendIncoming(tlMsg("m3", 3*time.Second))
	tl.appendIncoming(tlMsg("m4", 4*time.Second))

	added := tl.prependOlder([]models.Message{
		tlMsg("m1", 1*time.Second),
		tlMsg("m2", 2*time.Second),
		tlMsg("m3", 3*time.Second), // already held, page overlap
	})
	assert.Equal(t, 2, added)

	got := tl.snapshot()
	require.Len(t, got, 4)
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"},
		[]string{got[0].ID, got[1].ID, got[2].ID, got[3].ID})
}

func TestTimelineDropByClientKeyReindexes(t *testing.T) {
	tl := newTimeline()
	tl.appendIncoming(tlMsg("m1", time.Second))
	tl.insertOptimistic(models.Message{ClientKey: "k1", CreatedAt: timelineBase.Add(2 * time.Second)})
	tl.appendIncoming(tlMsg("m2", 3*time.Second))

	require.True(t, tl.dropByClientKey("k1"))
	assert.False(t, tl.dropByClientKey("k1"))

	got := tl.snapshot()
	require.Len(t, got, 2)
	m2, ok := tl.get("m2")
	require.True(t, ok)
	assert.Equal(t, "m2", m2.ID)
}

func TestTimelineOutOfOrderInsertKeepsHeldOrder(t *testing.T) {
	tl := newTimeline()
	tl.appendIncoming(tlMsg("m1", 1*time.Second))
	tl.appendIncoming(tlMsg("m4", 4*time.Second))

	// Late delivery from the slower transport lands mid-list.
	tl.appendIncoming(tlMsg("m2", 2*time.Second))

	got := tl.snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, "m2", got[1].ID)

	oldest, ok := tl.oldest()
	require.True(t, ok)
	assert.Equal(t, "m1", oldest.ID)
}
