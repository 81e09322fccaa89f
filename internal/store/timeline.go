package store

import (
	"sort"

	"chatsync/internal/models"
	"chatsync/internal/observability"
)

// timeline is the ordered message list shared by the channel and DM stores.
// Ordering is by server timestamp with id tie-break; client arrival order is
// never trusted. All mutations happen under the owning store's lock.
type timeline struct {
	messages []models.Message
	byID     map[string]int
	byKey    map[string]int // pending optimistic entries, client key -> index
}

func newTimeline() *timeline {
	return &timeline{
		byID:  map[string]int{},
		byKey: map[string]int{},
	}
}

func (t *timeline) reindex() {
	t.byID = map[string]int{}
	t.byKey = map[string]int{}
	for i, m := range t.messages {
		if m.ID != "" {
			t.byID[m.ID] = i
		}
		if m.ClientKey != "" && m.ID == "" {
			t.byKey[m.ClientKey] = i
		}
	}
}

// appendIncoming applies an authoritative message to the tail. Returns true
// when the timeline visibly changed. Dedup order: pending optimistic entry by
// client key is replaced in place (keeping list position), a known id is a
// no-op, anything else is inserted in timestamp order.
func (t *timeline) appendIncoming(msg models.Message) bool {
	if msg.ClientKey != "" {
		if i, ok := t.byKey[msg.ClientKey]; ok {
			if _, held := t.byID[msg.ID]; held {
				// The same send already landed keyless through the other
				// transport; reconciling again would duplicate the id. Drop
				// the pending entry instead.
				t.messages = append(t.messages[:i], t.messages[i+1:]...)
				t.reindex()
				observability.IncDedupDrop("client_key")
				return true
			}
			reconciled := msg
			t.messages[i] = reconciled
			delete(t.byKey, msg.ClientKey)
			t.byID[msg.ID] = i
			observability.IncDedupDrop("client_key")
			return true
		}
	}
	if _, ok := t.byID[msg.ID]; ok {
		observability.IncDedupDrop("id")
		return false
	}
	t.insertOrdered(msg)
	return true
}

// insertOrdered places msg by (timestamp, id). The common case is a tail
// append; out-of-order delivery from the dual transports lands mid-list
// without reordering anything already held.
func (t *timeline) insertOrdered(msg models.Message) {
	i := sort.Search(len(t.messages), func(i int) bool {
		return msg.Before(t.messages[i])
	})
	t.messages = append(t.messages, models.Message{})
	copy(t.messages[i+1:], t.messages[i:])
	t.messages[i] = msg
	t.reindex()
}

// insertOptimistic appends a pending entry keyed only by its client key.
func (t *timeline) insertOptimistic(msg models.Message) {
	t.messages = append(t.messages, msg)
	t.byKey[msg.ClientKey] = len(t.messages) - 1
}

// prependOlder merges an older history page in front of the held range,
// dropping ids already present. Prepend never reorders held messages.
func (t *timeline) prependOlder(older []models.Message) int {
	fresh := make([]models.Message, 0, len(older))
	for _, m := range older {
		if _, ok := t.byID[m.ID]; ok {
			continue
		}
		fresh = append(fresh, m)
	}
	if len(fresh) == 0 {
		return 0
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].Before(fresh[j]) })
	t.messages = append(fresh, t.messages...)
	t.reindex()
	return len(fresh)
}

func (t *timeline) get(id string) (models.Message, bool) {
	if i, ok := t.byID[id]; ok {
		return t.messages[i], true
	}
	return models.Message{}, false
}

func (t *timeline) set(id string, msg models.Message) bool {
	if i, ok := t.byID[id]; ok {
		t.messages[i] = msg
		return true
	}
	return false
}

func (t *timeline) byClientKey(key string) (models.Message, bool) {
	if i, ok := t.byKey[key]; ok {
		return t.messages[i], true
	}
	return models.Message{}, false
}

func (t *timeline) setByClientKey(key string, msg models.Message) bool {
	if i, ok := t.byKey[key]; ok {
		t.messages[i] = msg
		return true
	}
	return false
}

func (t *timeline) dropByClientKey(key string) bool {
	i, ok := t.byKey[key]
	if !ok {
		return false
	}
	t.messages = append(t.messages[:i], t.messages[i+1:]...)
	t.reindex()
	return true
}

func (t *timeline) oldest() (models.Message, bool) {
	if len(t.messages) == 0 {
		return models.Message{}, false
	}
	return t.messages[0], true
}

func (t *timeline) snapshot() []models.Message {
	out := make([]models.Message, len(t.messages))
	copy(out, t.messages)
	return out
}
