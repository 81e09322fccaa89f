package store

import (
	"context"
	"sync"

	"chatsync/internal/api"
	"chatsync/internal/models"
)

// LoadState is the per-target lifecycle of a message list.
type LoadState int

const (
	StateUnloaded LoadState = iota
	StateLoading
	StateLoaded
)

// ChannelBackend is the slice of the API the channel store needs.
type ChannelBackend interface {
	ChannelHistory(ctx context.Context, slug string, page int) (api.ChannelHistoryPage, error)
	EditChannelMessage(ctx context.Context, slug, messageID, content string) (models.Message, error)
	DeleteChannelMessage(ctx context.Context, slug, messageID string) error
}

type channelState struct {
	state        LoadState
	loadingOlder bool
	timeline     *timeline
	page         int
	pages        int
	hasMore      bool
	gen          int
}

// ChannelStore holds the ordered message list per channel with forward
// pagination and deduplicated tail append.
type ChannelStore struct {
	backend ChannelBackend

	mu       sync.Mutex
	channels map[string]*channelState
	notify   func(slug string)
}

func NewChannelStore(backend ChannelBackend) *ChannelStore {
	return &ChannelStore{
		backend:  backend,
		channels: map[string]*channelState{},
	}
}

func (s *ChannelStore) SetNotify(fn func(slug string)) {
	s.mu.Lock()
	s.notify = fn
	s.mu.Unlock()
}

func (s *ChannelStore) state(slug string) *channelState {
	cs, ok := s.channels[slug]
	if !ok {
		cs = &channelState{timeline: newTimeline()}
		s.channels[slug] = cs
	}
	return cs
}

// State reports the load state of a channel.
func (s *ChannelStore) State(slug string) (LoadState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.state(slug)
	return cs.state, cs.loadingOlder
}

// Messages returns the held range in ascending display order.
func (s *ChannelStore) Messages(slug string) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state(slug).timeline.snapshot()
}

// HasMore reports whether older history exists beyond the held range.
func (s *ChannelStore) HasMore(slug string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state(slug).hasMore
}

// LoadFirstPage fetches the most recent page and replaces the channel state.
// A newer load for the same channel supersedes this one; the stale result is
// discarded on arrival, never merged.
func (s *ChannelStore) LoadFirstPage(ctx context.Context, slug string) error {
	s.mu.Lock()
	cs := s.state(slug)
	cs.state = StateLoading
	cs.gen++
	gen := cs.gen
	s.mu.Unlock()

	page, err := s.backend.ChannelHistory(ctx, slug, 1)

	s.mu.Lock()
	defer s.mu.Unlock()
	cs = s.state(slug)
	if cs.gen != gen {
		return nil
	}
	if err != nil {
		if len(cs.timeline.messages) > 0 {
			cs.state = StateLoaded
		} else {
			cs.state = StateUnloaded
		}
		return err
	}

	cs.timeline = newTimeline()
	// Server serves newest-first; normalize to ascending for display.
	for i := len(page.Messages) - 1; i >= 0; i-- {
		cs.timeline.appendIncoming(page.Messages[i])
	}
	cs.state = StateLoaded
	cs.page = page.Page
	cs.pages = page.Pages
	cs.hasMore = page.HasMore()
	s.notifyLocked(slug)
	return nil
}

// LoadOlder prepends the next history page. Existing messages never reorder;
// ids already held are dropped from the fetched page.
func (s *ChannelStore) LoadOlder(ctx context.Context, slug string) error {
	s.mu.Lock()
	cs := s.state(slug)
	if cs.state != StateLoaded || cs.loadingOlder || !cs.hasMore {
		s.mu.Unlock()
		return nil
	}
	cs.loadingOlder = true
	cs.gen++
	gen := cs.gen
	nextPage := cs.page + 1
	s.mu.Unlock()

	page, err := s.backend.ChannelHistory(ctx, slug, nextPage)

	s.mu.Lock()
	defer s.mu.Unlock()
	cs = s.state(slug)
	// The request is over either way; the sub-state must not outlive it. At
	// most one older-page load is in flight, so this never clobbers another's.
	cs.loadingOlder = false
	if cs.gen != gen {
		return nil
	}
	if err != nil {
		// Held page stays intact; the caller may retry.
		return err
	}

	older := make([]models.Message, len(page.Messages))
	for i, m := range page.Messages {
		older[len(page.Messages)-1-i] = m
	}
	cs.timeline.prependOlder(older)
	cs.page = page.Page
	cs.pages = page.Pages
	cs.hasMore = page.HasMore()
	s.notifyLocked(slug)
	return nil
}

// PollLatest merges the newest page into the held range without resetting
// pagination. This is the HTTP fallback's fetch: duplicates of messages the
// socket already delivered are swallowed by the dedup path.
func (s *ChannelStore) PollLatest(ctx context.Context, slug string) error {
	s.mu.Lock()
	if s.state(slug).state != StateLoaded {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	page, err := s.backend.ChannelHistory(ctx, slug, 1)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.state(slug)
	changed := false
	for i := len(page.Messages) - 1; i >= 0; i-- {
		if cs.timeline.appendIncoming(page.Messages[i]) {
			changed = true
		}
	}
	if changed {
		s.notifyLocked(slug)
	}
	return nil
}

// AppendIncoming applies an authoritative message from either transport.
// Returns true when the list visibly changed; duplicates are swallowed with
// no notification so a WS+poll race is invisible downstream.
func (s *ChannelStore) AppendIncoming(slug string, msg models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.state(slug).timeline.appendIncoming(msg)
	if changed {
		s.notifyLocked(slug)
	}
	return changed
}

// InsertOptimistic places a pending entry at the tail in sending status.
func (s *ChannelStore) InsertOptimistic(slug string, msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state(slug).timeline.insertOptimistic(msg)
	s.notifyLocked(slug)
}

// MarkFailed flips a pending entry to failed so it stays visible with a
// retry affordance.
func (s *ChannelStore) MarkFailed(slug, clientKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.state(slug)
	if msg, ok := cs.timeline.byClientKey(clientKey); ok {
		msg.Status = models.StatusFailed
		cs.timeline.setByClientKey(clientKey, msg)
		s.notifyLocked(slug)
	}
}

// Discard drops a failed pending entry.
func (s *ChannelStore) Discard(slug, clientKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state(slug).timeline.dropByClientKey(clientKey) {
		s.notifyLocked(slug)
	}
}

// PendingByKey returns a pending optimistic entry, if still unreconciled.
func (s *ChannelStore) PendingByKey(slug, clientKey string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state(slug).timeline.byClientKey(clientKey)
}

// EditInPlace applies the edit locally, then confirms with the server. On
// rejection the pre-call snapshot is restored.
func (s *ChannelStore) EditInPlace(ctx context.Context, slug, messageID, content string) error {
	s.mu.Lock()
	cs := s.state(slug)
	prev, ok := cs.timeline.get(messageID)
	if !ok {
		s.mu.Unlock()
		return ErrUnknownMessage
	}
	next := prev
	next.Content = content
	next.Edited = true
	cs.timeline.set(messageID, next)
	s.notifyLocked(slug)
	s.mu.Unlock()

	if _, err := s.backend.EditChannelMessage(ctx, slug, messageID, content); err != nil {
		s.mu.Lock()
		s.state(slug).timeline.set(messageID, prev)
		s.notifyLocked(slug)
		s.mu.Unlock()
		return err
	}
	return nil
}

// Remove soft-deletes locally, then confirms with the server, rolling back on
// rejection. Position and timestamp are preserved.
func (s *ChannelStore) Remove(ctx context.Context, slug, messageID string) error {
	s.mu.Lock()
	cs := s.state(slug)
	prev, ok := cs.timeline.get(messageID)
	if !ok {
		s.mu.Unlock()
		return ErrUnknownMessage
	}
	next := prev
	next.SoftDelete()
	cs.timeline.set(messageID, next)
	s.notifyLocked(slug)
	s.mu.Unlock()

	if err := s.backend.DeleteChannelMessage(ctx, slug, messageID); err != nil {
		s.mu.Lock()
		s.state(slug).timeline.set(messageID, prev)
		s.notifyLocked(slug)
		s.mu.Unlock()
		return err
	}
	return nil
}

// ApplyDeleted mirrors a message-deleted push event.
func (s *ChannelStore) ApplyDeleted(slug, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.state(slug)
	if msg, ok := cs.timeline.get(messageID); ok && !msg.Deleted {
		msg.SoftDelete()
		cs.timeline.set(messageID, msg)
		s.notifyLocked(slug)
	}
}

func (s *ChannelStore) notifyLocked(slug string) {
	if s.notify != nil {
		notify := s.notify
		go notify(slug)
	}
}
