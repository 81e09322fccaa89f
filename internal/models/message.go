package models

import (
	"sort"
	"strings"
	"time"
)

// MessageType discriminates what a message carries besides (or instead of) text.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageAudio    MessageType = "audio"
	MessageVideo    MessageType = "video"
	MessageDocument MessageType = "document"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageAudio, MessageVideo, MessageDocument:
		return true
	}
	return false
}

// DeliveryStatus is the per-recipient status ladder for DM messages.
type DeliveryStatus string

const (
	StatusSending   DeliveryStatus = "sending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

var statusRank = map[DeliveryStatus]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Advances reports whether moving from to next is a forward step on the
// sending→sent→delivered→read ladder. Failed is off-ladder and never advanced to.
func (s DeliveryStatus) Advances(next DeliveryStatus) bool {
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	return to > from
}

// Attachment carries the media reference embedded in a non-text message.
// Which metadata fields are meaningful depends on the message type: duration
// for audio/video, file name for documents.
type Attachment struct {
	MediaID  string  `db:"media_id" json:"media_id"`
	URL      string  `db:"url" json:"url"`
	Duration float64 `db:"duration" json:"duration,omitempty"`
	FileName string  `db:"file_name" json:"file_name,omitempty"`
	Size     int64   `db:"size" json:"size,omitempty"`
	Mime     string  `db:"mime" json:"mime,omitempty"`
}

// ReplyRef points at the replied-to message with a denormalized preview so the
// reply renders without a lookup.
type ReplyRef struct {
	MessageID string `db:"reply_to_id" json:"message_id"`
	Preview   string `db:"reply_preview" json:"preview"`
	AuthorID  string `db:"reply_author_id" json:"author_id"`
}

// ReactionMap maps an emoji to the ids of users who reacted with it.
type ReactionMap map[string][]string

// Merge folds other into r emoji by emoji, deduplicating reactor ids. Entries
// present only in r are kept, so concurrent reactors never overwrite each other.
func (r ReactionMap) Merge(other ReactionMap) ReactionMap {
	if r == nil && other == nil {
		return nil
	}
	out := ReactionMap{}
	for emoji, users := range r {
		out[emoji] = append([]string(nil), users...)
	}
	for emoji, users := range other {
		for _, u := range users {
			if !contains(out[emoji], u) {
				out[emoji] = append(out[emoji], u)
			}
		}
	}
	for emoji := range out {
		sort.Strings(out[emoji])
	}
	return out
}

// Add records a reaction, Remove withdraws one. Both are idempotent.
func (r ReactionMap) Add(emoji, userID string) ReactionMap {
	out := r.Merge(nil)
	if out == nil {
		out = ReactionMap{}
	}
	if !contains(out[emoji], userID) {
		out[emoji] = append(out[emoji], userID)
		sort.Strings(out[emoji])
	}
	return out
}

func (r ReactionMap) Remove(emoji, userID string) ReactionMap {
	out := r.Merge(nil)
	if out == nil {
		return nil
	}
	users := out[emoji]
	for i, u := range users {
		if u == userID {
			out[emoji] = append(users[:i:i], users[i+1:]...)
			break
		}
	}
	if len(out[emoji]) == 0 {
		delete(out, emoji)
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Message is a channel or DM message. ClientKey is the client-generated
// idempotency key; the server echoes it on the persisted message so pending
// optimistic entries can be reconciled in place.
type Message struct {
	ID         string         `db:"id" json:"id"`
	TargetID   string         `db:"target_id" json:"target_id"`
	AuthorID   string         `db:"author_id" json:"author_id"`
	AuthorName string         `db:"author_name" json:"author_name,omitempty"`
	AuthorRole string         `db:"author_role" json:"author_role,omitempty"`
	Content    string         `db:"content" json:"content"`
	Type       MessageType    `db:"message_type" json:"message_type"`
	Attachment *Attachment    `json:"attachment,omitempty"`
	ReplyTo    *ReplyRef      `json:"reply_to,omitempty"`
	Edited     bool           `db:"edited" json:"edited,omitempty"`
	Deleted    bool           `db:"deleted" json:"deleted,omitempty"`
	Status     DeliveryStatus `db:"status" json:"status,omitempty"`
	Reactions  ReactionMap    `json:"reactions,omitempty"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
	ClientKey  string         `db:"client_key" json:"client_key,omitempty"`
}

// Before orders messages by server timestamp, ties broken by id. Client
// arrival order is unreliable under dual-transport delivery and never used.
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// SoftDelete blanks the visible body while keeping position and timestamp so
// surrounding message grouping is unaffected.
func (m *Message) SoftDelete() {
	m.Deleted = true
	m.Content = ""
	m.Attachment = nil
	m.ReplyTo = nil
	m.Reactions = nil
}

// PairID derives the conversation identity from the unordered participant pair.
func PairID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// PeerOf returns the other participant of a conversation pair id, or "" when
// self is not part of the pair.
func PeerOf(pairID, self string) string {
	parts := strings.SplitN(pairID, ":", 2)
	if len(parts) != 2 {
		return ""
	}
	if parts[0] == self {
		return parts[1]
	}
	if parts[1] == self {
		return parts[0]
	}
	return ""
}
