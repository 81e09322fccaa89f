package main

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/models"
)

func TestCursorRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 30, 0, 123456789, time.UTC)
	cursor := encodeCursor(at, "m-42")

	gotAt, gotID, err := decodeCursor(cursor)
	require.NoError(t, err)
	assert.True(t, at.Equal(gotAt))
	assert.Equal(t, "m-42", gotID)
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	for _, cursor := range []string{"not-base64!!", "bm9waXBl", ""} {
		_, _, err := decodeCursor(cursor)
		assert.Error(t, err, "cursor %q", cursor)
	}
}

func TestParseTokenTable(t *testing.T) {
	users, err := parseTokenTable("tok-a|u-alice|alice|support; tok-b|u-bob|bob|ops;")
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, models.RosterEntry{UserID: "u-alice", Username: "alice", Role: "support"}, users["tok-a"])
	assert.Equal(t, "ops", users["tok-b"].Role)
}

func TestParseTokenTableMalformedEntry(t *testing.T) {
	_, err := parseTokenTable("tok-a|u-alice|alice")
	assert.Error(t, err)
}

// Keyless messages all store client_key = ''; a table-level unique on
// (target_id, client_key) would reject the second one. Idempotency must be
// enforced only for real keys.
func TestMessageKeyUniquenessIsPartial(t *testing.T) {
	var messagesDDL, keyIndexDDL string
	for _, m := range migrations {
		if strings.Contains(m, "CREATE TABLE IF NOT EXISTS messages") {
			messagesDDL = m
		}
		if strings.Contains(m, "idx_messages_target_client_key") {
			keyIndexDDL = m
		}
	}
	require.NotEmpty(t, messagesDDL)
	require.NotEmpty(t, keyIndexDDL)

	assert.NotContains(t, messagesDDL, "UNIQUE(target_id, client_key)")
	assert.Contains(t, keyIndexDDL, "UNIQUE INDEX")
	assert.Contains(t, keyIndexDDL, "WHERE client_key <> ''")
}

func TestHubRoomMembership(t *testing.T) {
	hub := NewHub()
	c := &client{userID: "u-alice"}
	hub.register(c)

	assert.True(t, hub.Online("u-alice"))
	assert.False(t, hub.Online("u-bob"))

	hub.joinRoom("u-alice", "u-alice:u-bob")
	hub.mu.RLock()
	assert.True(t, hub.rooms["u-alice:u-bob"]["u-alice"])
	hub.mu.RUnlock()

	hub.leaveRoom("u-alice", "u-alice:u-bob")
	hub.mu.RLock()
	assert.Empty(t, hub.rooms["u-alice:u-bob"])
	hub.mu.RUnlock()

	hub.unregister(c)
	assert.False(t, hub.Online("u-alice"))
}
