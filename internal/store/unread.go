package store

import (
	"context"
	"log"
	"sync"

	"chatsync/internal/observability"
)

// UnreadBackend is the slice of the API the unread store needs.
type UnreadBackend interface {
	FetchUnread(ctx context.Context) (map[string]int, error)
	MarkRead(ctx context.Context, targetID string) error
}

type unreadEntry struct {
	count int
	seq   uint64
}

// UnreadStore owns the per-target unread counters. Every mutation is stamped
// with a sequence number so a slow authoritative refresh cannot resurrect a
// count the user cleared while the fetch was in flight.
type UnreadStore struct {
	backend UnreadBackend

	mu      sync.Mutex
	seq     uint64
	entries map[string]unreadEntry
	notify  func()
}

func NewUnreadStore(backend UnreadBackend) *UnreadStore {
	return &UnreadStore{
		backend: backend,
		entries: map[string]unreadEntry{},
	}
}

// SetNotify installs a callback fired after any visible counter change.
func (s *UnreadStore) SetNotify(fn func()) {
	s.mu.Lock()
	s.notify = fn
	s.mu.Unlock()
}

// Refresh fetches the authoritative map and replaces entries it returns,
// except entries written locally after the fetch started. Idempotent and safe
// to run concurrently with MarkRead/Increment.
func (s *UnreadStore) Refresh(ctx context.Context) error {
	s.mu.Lock()
	s.seq++
	fetchSeq := s.seq
	s.mu.Unlock()

	counts, err := s.backend.FetchUnread(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	for id, count := range counts {
		if cur, ok := s.entries[id]; ok && cur.seq > fetchSeq {
			continue
		}
		s.entries[id] = unreadEntry{count: count, seq: fetchSeq}
	}
	// Targets absent from the authoritative map fall away unless written
	// after the fetch began.
	for id, cur := range s.entries {
		if _, ok := counts[id]; !ok && cur.seq <= fetchSeq {
			delete(s.entries, id)
		}
	}
	s.afterChangeLocked()
	s.mu.Unlock()
	return nil
}

// MarkRead zeroes the target immediately and acknowledges the read to the
// server without waiting on it. Safe to fire multiple times.
func (s *UnreadStore) MarkRead(ctx context.Context, targetID string) {
	s.mu.Lock()
	s.seq++
	s.entries[targetID] = unreadEntry{count: 0, seq: s.seq}
	s.afterChangeLocked()
	s.mu.Unlock()

	// The ack must survive the caller's context; closing the view that
	// triggered the read is not a reason to drop it.
	go func() {
		if err := s.backend.MarkRead(context.WithoutCancel(ctx), targetID); err != nil {
			log.Printf("read ack failed for %s: %v", targetID, err)
		}
	}()
}

// Increment bumps a non-open target by one on a push event. Local only; the
// next refresh reconciles against the server's view.
func (s *UnreadStore) Increment(targetID string) {
	s.mu.Lock()
	s.seq++
	cur := s.entries[targetID]
	s.entries[targetID] = unreadEntry{count: cur.count + 1, seq: s.seq}
	s.afterChangeLocked()
	s.mu.Unlock()
}

// Count returns one target's unread count.
func (s *UnreadStore) Count(targetID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[targetID].count
}

// Total is the badge value: the sum of all counters.
func (s *UnreadStore) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalLocked()
}

func (s *UnreadStore) totalLocked() int {
	total := 0
	for _, e := range s.entries {
		total += e.count
	}
	return total
}

func (s *UnreadStore) afterChangeLocked() {
	observability.SetUnreadTotal(s.totalLocked())
	if s.notify != nil {
		notify := s.notify
		go notify()
	}
}
