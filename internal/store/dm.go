package store

import (
	"context"
	"log"
	"sync"

	"chatsync/internal/api"
	"chatsync/internal/models"
)

// DMBackend is the slice of the API the DM store needs.
type DMBackend interface {
	DMHistory(ctx context.Context, conversationID string, limit int, cursor string) (api.DMHistoryPage, error)
	EditDM(ctx context.Context, conversationID, messageID, content string) (models.Message, error)
	DeleteDM(ctx context.Context, conversationID, messageID string) error
	React(ctx context.Context, messageID, emoji string, action api.ReactionAction) (models.ReactionMap, error)
	MarkRead(ctx context.Context, targetID string) error
}

const dmPageSize = 30

type dmState struct {
	state        LoadState
	loadingOlder bool
	timeline     *timeline
	oldestCursor string
	hasMore      bool
	gen          int
}

// DMStore holds per-conversation message lists with cursor-based backward
// pagination, reactions, read receipts and delivery status.
type DMStore struct {
	backend DMBackend
	selfID  string

	mu            sync.Mutex
	conversations map[string]*dmState
	notify        func(conversationID string)
}

func NewDMStore(backend DMBackend, selfID string) *DMStore {
	return &DMStore{
		backend:       backend,
		selfID:        selfID,
		conversations: map[string]*dmState{},
	}
}

func (s *DMStore) SetNotify(fn func(conversationID string)) {
	s.mu.Lock()
	s.notify = fn
	s.mu.Unlock()
}

func (s *DMStore) state(id string) *dmState {
	ds, ok := s.conversations[id]
	if !ok {
		ds = &dmState{timeline: newTimeline()}
		s.conversations[id] = ds
	}
	return ds
}

func (s *DMStore) Messages(conversationID string) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state(conversationID).timeline.snapshot()
}

func (s *DMStore) HasMore(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state(conversationID).hasMore
}

func (s *DMStore) State(conversationID string) (LoadState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds := s.state(conversationID)
	return ds.state, ds.loadingOlder
}

// LoadFirstPage fetches the newest slice of the conversation. Successfully
// showing the first page marks the conversation read as a side effect.
func (s *DMStore) LoadFirstPage(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	ds := s.state(conversationID)
	ds.state = StateLoading
	ds.gen++
	gen := ds.gen
	s.mu.Unlock()

	page, err := s.backend.DMHistory(ctx, conversationID, dmPageSize, "")

	s.mu.Lock()
	ds = s.state(conversationID)
	if ds.gen != gen {
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		if len(ds.timeline.messages) > 0 {
			ds.state = StateLoaded
		} else {
			ds.state = StateUnloaded
		}
		s.mu.Unlock()
		return err
	}

	ds.timeline = newTimeline()
	for i := len(page.Messages) - 1; i >= 0; i-- {
		ds.timeline.appendIncoming(page.Messages[i])
	}
	ds.state = StateLoaded
	ds.oldestCursor = page.Pagination.OldestCursor
	ds.hasMore = page.Pagination.HasMore
	s.notifyLocked(conversationID)
	s.mu.Unlock()

	go func() {
		if err := s.backend.MarkRead(context.WithoutCancel(ctx), conversationID); err != nil {
			log.Printf("read receipt failed for %s: %v", conversationID, err)
		}
	}()
	return nil
}

// LoadOlder pages backward from the held oldest cursor. The cursor is opaque
// and monotonic, so pages never overlap even when newer messages arrived
// since the cursor was issued.
func (s *DMStore) LoadOlder(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	ds := s.state(conversationID)
	if ds.state != StateLoaded || ds.loadingOlder || !ds.hasMore {
		s.mu.Unlock()
		return nil
	}
	ds.loadingOlder = true
	ds.gen++
	gen := ds.gen
	cursor := ds.oldestCursor
	s.mu.Unlock()

	page, err := s.backend.DMHistory(ctx, conversationID, dmPageSize, cursor)

	s.mu.Lock()
	defer s.mu.Unlock()
	ds = s.state(conversationID)
	// The request is over either way; the sub-state must not outlive it. At
	// most one older-page load is in flight, so this never clobbers another's.
	ds.loadingOlder = false
	if ds.gen != gen {
		return nil
	}
	if err != nil {
		return err
	}

	older := make([]models.Message, len(page.Messages))
	for i, m := range page.Messages {
		older[len(page.Messages)-1-i] = m
	}
	ds.timeline.prependOlder(older)
	ds.oldestCursor = page.Pagination.OldestCursor
	ds.hasMore = page.Pagination.HasMore
	s.notifyLocked(conversationID)
	return nil
}

// PollLatest merges the newest slice into the held range without touching
// the pagination cursor. Used by the HTTP fallback while the socket is down.
func (s *DMStore) PollLatest(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	if s.state(conversationID).state != StateLoaded {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	page, err := s.backend.DMHistory(ctx, conversationID, dmPageSize, "")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ds := s.state(conversationID)
	changed := false
	for i := len(page.Messages) - 1; i >= 0; i-- {
		if ds.timeline.appendIncoming(page.Messages[i]) {
			changed = true
		}
	}
	if changed {
		s.notifyLocked(conversationID)
	}
	return nil
}

// AppendIncoming applies an authoritative message from either transport.
func (s *DMStore) AppendIncoming(conversationID string, msg models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.state(conversationID).timeline.appendIncoming(msg)
	if changed {
		s.notifyLocked(conversationID)
	}
	return changed
}

func (s *DMStore) InsertOptimistic(conversationID string, msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state(conversationID).timeline.insertOptimistic(msg)
	s.notifyLocked(conversationID)
}

func (s *DMStore) MarkFailed(conversationID, clientKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds := s.state(conversationID)
	if msg, ok := ds.timeline.byClientKey(clientKey); ok {
		msg.Status = models.StatusFailed
		ds.timeline.setByClientKey(clientKey, msg)
		s.notifyLocked(conversationID)
	}
}

func (s *DMStore) Discard(conversationID, clientKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state(conversationID).timeline.dropByClientKey(clientKey) {
		s.notifyLocked(conversationID)
	}
}

func (s *DMStore) PendingByKey(conversationID, clientKey string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state(conversationID).timeline.byClientKey(clientKey)
}

// ApplyStatus advances delivery status for a batch of message ids. The ladder
// only moves forward; a late "delivered" never demotes a "read".
func (s *DMStore) ApplyStatus(conversationID string, messageIDs []string, status models.DeliveryStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds := s.state(conversationID)
	changed := false
	for _, id := range messageIDs {
		msg, ok := ds.timeline.get(id)
		if !ok {
			continue
		}
		if msg.Status.Advances(status) {
			msg.Status = status
			ds.timeline.set(id, msg)
			changed = true
		}
	}
	if changed {
		s.notifyLocked(conversationID)
	}
}

// React applies the reaction optimistically, confirms with the server, and
// adopts the server's merged map. Concurrent reactors merge by emoji key; a
// rejection restores the pre-call snapshot.
func (s *DMStore) React(ctx context.Context, conversationID, messageID, emoji string, action api.ReactionAction) error {
	s.mu.Lock()
	ds := s.state(conversationID)
	prev, ok := ds.timeline.get(messageID)
	if !ok {
		s.mu.Unlock()
		return ErrUnknownMessage
	}
	next := prev
	if action == api.ReactionAdd {
		next.Reactions = prev.Reactions.Add(emoji, s.selfID)
	} else {
		next.Reactions = prev.Reactions.Remove(emoji, s.selfID)
	}
	ds.timeline.set(messageID, next)
	s.notifyLocked(conversationID)
	s.mu.Unlock()

	merged, err := s.backend.React(ctx, messageID, emoji, action)
	s.mu.Lock()
	defer s.mu.Unlock()
	ds = s.state(conversationID)
	if err != nil {
		ds.timeline.set(messageID, prev)
		s.notifyLocked(conversationID)
		return err
	}
	if msg, ok := ds.timeline.get(messageID); ok {
		msg.Reactions = merged
		ds.timeline.set(messageID, msg)
		s.notifyLocked(conversationID)
	}
	return nil
}

// ApplyReactions mirrors a reaction-changed push event. The pushed map is
// authoritative and already merged server-side.
func (s *DMStore) ApplyReactions(conversationID, messageID string, reactions models.ReactionMap) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds := s.state(conversationID)
	if msg, ok := ds.timeline.get(messageID); ok {
		msg.Reactions = reactions
		ds.timeline.set(messageID, msg)
		s.notifyLocked(conversationID)
	}
}

// EditInPlace mirrors ChannelStore.EditInPlace for conversations.
func (s *DMStore) EditInPlace(ctx context.Context, conversationID, messageID, content string) error {
	s.mu.Lock()
	ds := s.state(conversationID)
	prev, ok := ds.timeline.get(messageID)
	if !ok {
		s.mu.Unlock()
		return ErrUnknownMessage
	}
	next := prev
	next.Content = content
	next.Edited = true
	ds.timeline.set(messageID, next)
	s.notifyLocked(conversationID)
	s.mu.Unlock()

	if _, err := s.backend.EditDM(ctx, conversationID, messageID, content); err != nil {
		s.mu.Lock()
		s.state(conversationID).timeline.set(messageID, prev)
		s.notifyLocked(conversationID)
		s.mu.Unlock()
		return err
	}
	return nil
}

// Remove soft-deletes locally and confirms with the server. The deleted
// message keeps its slot and timestamp so message grouping is unaffected.
func (s *DMStore) Remove(ctx context.Context, conversationID, messageID string) error {
	s.mu.Lock()
	ds := s.state(conversationID)
	prev, ok := ds.timeline.get(messageID)
	if !ok {
		s.mu.Unlock()
		return ErrUnknownMessage
	}
	next := prev
	next.SoftDelete()
	ds.timeline.set(messageID, next)
	s.notifyLocked(conversationID)
	s.mu.Unlock()

	if err := s.backend.DeleteDM(ctx, conversationID, messageID); err != nil {
		s.mu.Lock()
		s.state(conversationID).timeline.set(messageID, prev)
		s.notifyLocked(conversationID)
		s.mu.Unlock()
		return err
	}
	return nil
}

// ApplyDeleted mirrors a message-deleted push event.
func (s *DMStore) ApplyDeleted(conversationID, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds := s.state(conversationID)
	if msg, ok := ds.timeline.get(messageID); ok && !msg.Deleted {
		msg.SoftDelete()
		ds.timeline.set(messageID, msg)
		s.notifyLocked(conversationID)
	}
}

func (s *DMStore) notifyLocked(conversationID string) {
	if s.notify != nil {
		notify := s.notify
		go notify(conversationID)
	}
}
