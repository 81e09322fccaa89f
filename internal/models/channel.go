package models

import "time"

// Channel is a shared named message stream. Membership is implicit: every
// workspace user with messaging access.
type Channel struct {
	Slug        string    `db:"slug" json:"slug"`
	Name        string    `db:"name" json:"name"`
	Emoji       string    `db:"emoji" json:"emoji,omitempty"`
	Description string    `db:"description" json:"description,omitempty"`
	CreatedBy   string    `db:"created_by" json:"created_by"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Conversation is a private DM stream between exactly two participants,
// identified by the unordered pair (see PairID). It is created on first
// message and never deleted.
type Conversation struct {
	ID          string    `db:"id" json:"id"`
	PeerID      string    `db:"peer_id" json:"peer_id"`
	PeerName    string    `db:"peer_name" json:"peer_name,omitempty"`
	LastMessage *Message  `json:"last_message,omitempty"`
	Unread      int       `db:"unread" json:"unread"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// RosterEntry is a workspace member as seen by the mention scanner.
type RosterEntry struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role,omitempty"`
}
