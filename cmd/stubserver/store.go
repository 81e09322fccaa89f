package main

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"chatsync/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

// Connect opens the database and applies migrations.
func Connect(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS channels (
        slug TEXT PRIMARY KEY,
        name TEXT NOT NULL,
        emoji TEXT DEFAULT '',
        description TEXT DEFAULT '',
        created_by TEXT NOT NULL,
        created_at TIMESTAMPTZ DEFAULT NOW()
    );`,
	`CREATE TABLE IF NOT EXISTS messages (
        id TEXT PRIMARY KEY,
        target_id TEXT NOT NULL,
        author_id TEXT NOT NULL,
        author_name TEXT DEFAULT '',
        author_role TEXT DEFAULT '',
        content TEXT DEFAULT '',
        message_type TEXT NOT NULL DEFAULT 'text',
        media_id TEXT DEFAULT '',
        media_url TEXT DEFAULT '',
        duration DOUBLE PRECISION DEFAULT 0,
        file_name TEXT DEFAULT '',
        size BIGINT DEFAULT 0,
        mime TEXT DEFAULT '',
        reply_to_id TEXT DEFAULT '',
        reply_preview TEXT DEFAULT '',
        reply_author_id TEXT DEFAULT '',
        edited BOOLEAN DEFAULT FALSE,
        deleted BOOLEAN DEFAULT FALSE,
        status TEXT DEFAULT 'sent',
        client_key TEXT DEFAULT '',
        created_at TIMESTAMPTZ DEFAULT NOW()
    );`,
	// Partial so keyless messages never collide; only real idempotency keys
	// are unique per target.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_target_client_key
        ON messages (target_id, client_key) WHERE client_key <> '';`,
	`CREATE INDEX IF NOT EXISTS idx_messages_target_created
        ON messages (target_id, created_at, id);`,
	`CREATE TABLE IF NOT EXISTS reactions (
        message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
        user_id TEXT NOT NULL,
        emoji TEXT NOT NULL,
        PRIMARY KEY(message_id, user_id, emoji)
    );`,
	`CREATE TABLE IF NOT EXISTS read_state (
        user_id TEXT NOT NULL,
        target_id TEXT NOT NULL,
        last_read_at TIMESTAMPTZ DEFAULT NOW(),
        PRIMARY KEY(user_id, target_id)
    );`,
	`CREATE TABLE IF NOT EXISTS media (
        storage_key TEXT PRIMARY KEY,
        media_ref TEXT NOT NULL,
        url TEXT NOT NULL,
        kind TEXT NOT NULL,
        mime TEXT DEFAULT '',
        size BIGINT DEFAULT 0,
        file_name TEXT DEFAULT '',
        confirmed BOOLEAN DEFAULT FALSE
    );`,
}

func runMigrations(db *sqlx.DB) error {
	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

// messageRow is the flat DB shape; toModel reassembles nested structs.
type messageRow struct {
	ID            string    `db:"id"`
	TargetID      string    `db:"target_id"`
	AuthorID      string    `db:"author_id"`
	AuthorName    string    `db:"author_name"`
	AuthorRole    string    `db:"author_role"`
	Content       string    `db:"content"`
	MessageType   string    `db:"message_type"`
	MediaID       string    `db:"media_id"`
	MediaURL      string    `db:"media_url"`
	Duration      float64   `db:"duration"`
	FileName      string    `db:"file_name"`
	Size          int64     `db:"size"`
	Mime          string    `db:"mime"`
	ReplyToID     string    `db:"reply_to_id"`
	ReplyPreview  string    `db:"reply_preview"`
	ReplyAuthorID string    `db:"reply_author_id"`
	Edited        bool      `db:"edited"`
	Deleted       bool      `db:"deleted"`
	Status        string    `db:"status"`
	ClientKey     string    `db:"client_key"`
	CreatedAt     time.Time `db:"created_at"`
}

const messageColumns = `id, target_id, author_id, author_name, author_role, content, message_type,
    media_id, media_url, duration, file_name, size, mime,
    reply_to_id, reply_preview, reply_author_id, edited, deleted, status, client_key, created_at`

func (r messageRow) toModel(reactions models.ReactionMap) models.Message {
	msg := models.Message{
		ID:         r.ID,
		TargetID:   r.TargetID,
		AuthorID:   r.AuthorID,
		AuthorName: r.AuthorName,
		AuthorRole: r.AuthorRole,
		Content:    r.Content,
		Type:       models.MessageType(r.MessageType),
		Edited:     r.Edited,
		Deleted:    r.Deleted,
		Status:     models.DeliveryStatus(r.Status),
		Reactions:  reactions,
		CreatedAt:  r.CreatedAt,
		ClientKey:  r.ClientKey,
	}
	if r.MediaID != "" {
		msg.Attachment = &models.Attachment{
			MediaID:  r.MediaID,
			URL:      r.MediaURL,
			Duration: r.Duration,
			FileName: r.FileName,
			Size:     r.Size,
			Mime:     r.Mime,
		}
	}
	if r.ReplyToID != "" {
		msg.ReplyTo = &models.ReplyRef{
			MessageID: r.ReplyToID,
			Preview:   r.ReplyPreview,
			AuthorID:  r.ReplyAuthorID,
		}
	}
	if msg.Deleted {
		msg.SoftDelete()
	}
	return msg
}

// MessageStore persists channel and DM messages in one table keyed by target.
type MessageStore struct {
	db *sqlx.DB
}

func NewMessageStore(db *sqlx.DB) *MessageStore {
	return &MessageStore{db: db}
}

// Create inserts a message. A repeated (target, client key) pair returns the
// already-persisted row instead of a second copy.
func (s *MessageStore) Create(ctx context.Context, msg models.Message) (models.Message, error) {
	if msg.ClientKey != "" {
		var existing messageRow
		err := s.db.GetContext(ctx, &existing,
			`SELECT `+messageColumns+` FROM messages WHERE target_id=$1 AND client_key=$2`,
			msg.TargetID, msg.ClientKey)
		if err == nil {
			return s.withReactions(ctx, existing)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return models.Message{}, err
		}
	}

	row := messageRow{
		ID:          uuid.NewString(),
		TargetID:    msg.TargetID,
		AuthorID:    msg.AuthorID,
		AuthorName:  msg.AuthorName,
		AuthorRole:  msg.AuthorRole,
		Content:     msg.Content,
		MessageType: string(msg.Type),
		Status:      string(models.StatusSent),
		ClientKey:   msg.ClientKey,
		CreatedAt:   time.Now().UTC(),
	}
	if msg.Attachment != nil {
		row.MediaID = msg.Attachment.MediaID
		row.MediaURL = msg.Attachment.URL
		row.Duration = msg.Attachment.Duration
		row.FileName = msg.Attachment.FileName
		row.Size = msg.Attachment.Size
		row.Mime = msg.Attachment.Mime
	}
	if msg.ReplyTo != nil {
		row.ReplyToID = msg.ReplyTo.MessageID
		row.ReplyPreview = msg.ReplyTo.Preview
		row.ReplyAuthorID = msg.ReplyTo.AuthorID
	}

	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`) VALUES
         (:id, :target_id, :author_id, :author_name, :author_role, :content, :message_type,
          :media_id, :media_url, :duration, :file_name, :size, :mime,
          :reply_to_id, :reply_preview, :reply_author_id, :edited, :deleted, :status, :client_key, :created_at)`,
		row)
	if err != nil {
		return models.Message{}, err
	}
	return row.toModel(nil), nil
}

// PageByTime lists one page of a channel's history, newest first, and the
// total page count.
func (s *MessageStore) PageByTime(ctx context.Context, targetID string, page, pageSize int) ([]models.Message, int, error) {
	var total int
	if err := s.db.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM messages WHERE target_id=$1`, targetID); err != nil {
		return nil, 0, err
	}
	pages := (total + pageSize - 1) / pageSize

	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+messageColumns+` FROM messages WHERE target_id=$1
         ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`,
		targetID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, err
	}
	msgs, err := s.rowsWithReactions(ctx, rows)
	return msgs, pages, err
}

// PageByCursor lists up to limit messages strictly older than the cursor,
// newest first, plus the next cursor and whether more history remains.
func (s *MessageStore) PageByCursor(ctx context.Context, targetID string, limit int, cursor string) ([]models.Message, string, bool, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE target_id=$1`
	args := []interface{}{targetID}

	if cursor != "" {
		at, id, err := decodeCursor(cursor)
		if err != nil {
			return nil, "", false, err
		}
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, at, id)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit+1)

	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, "", false, err
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}
	next := ""
	if len(rows) > 0 {
		oldest := rows[len(rows)-1]
		next = encodeCursor(oldest.CreatedAt, oldest.ID)
	}
	msgs, err := s.rowsWithReactions(ctx, rows)
	return msgs, next, hasMore, err
}

func (s *MessageStore) Get(ctx context.Context, id string) (models.Message, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	return s.withReactions(ctx, row)
}

// Edit updates content for the author's own message.
func (s *MessageStore) Edit(ctx context.Context, id, authorID, content string) (models.Message, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content=$1, edited=TRUE WHERE id=$2 AND author_id=$3 AND deleted=FALSE`,
		content, id, authorID)
	if err != nil {
		return models.Message{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.Message{}, ErrMessageNotFound
	}
	return s.Get(ctx, id)
}

// SoftDelete marks the author's own message deleted, keeping its slot.
func (s *MessageStore) SoftDelete(ctx context.Context, id, authorID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET deleted=TRUE, content='' WHERE id=$1 AND author_id=$2`, id, authorID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// SetStatusUpTo advances delivery status for the counterpart's messages in a
// conversation and returns the ids that changed.
func (s *MessageStore) SetStatusUpTo(ctx context.Context, targetID, authorID string, status models.DeliveryStatus) ([]string, error) {
	ranks := map[models.DeliveryStatus][]string{
		models.StatusDelivered: {string(models.StatusSent)},
		models.StatusRead:      {string(models.StatusSent), string(models.StatusDelivered)},
	}
	from, ok := ranks[status]
	if !ok {
		return nil, fmt.Errorf("status %q cannot be applied", status)
	}

	query, args, err := sqlx.In(
		`UPDATE messages SET status=? WHERE target_id=? AND author_id=? AND status IN (?) RETURNING id`,
		string(status), targetID, authorID, from)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var ids []string
	if err := s.db.SelectContext(ctx, &ids, query, args...); err != nil {
		return nil, err
	}
	return ids, nil
}

// ToggleReaction adds or removes one reactor and returns the merged map.
func (s *MessageStore) ToggleReaction(ctx context.Context, messageID, userID, emoji string, add bool) (models.ReactionMap, error) {
	if _, err := s.Get(ctx, messageID); err != nil {
		return nil, err
	}
	if add {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO reactions (message_id, user_id, emoji) VALUES ($1, $2, $3)
             ON CONFLICT DO NOTHING`, messageID, userID, emoji)
		if err != nil {
			return nil, err
		}
	} else {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM reactions WHERE message_id=$1 AND user_id=$2 AND emoji=$3`,
			messageID, userID, emoji)
		if err != nil {
			return nil, err
		}
	}
	return s.reactionsFor(ctx, messageID)
}

func (s *MessageStore) reactionsFor(ctx context.Context, messageID string) (models.ReactionMap, error) {
	var rows []struct {
		Emoji  string `db:"emoji"`
		UserID string `db:"user_id"`
	}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT emoji, user_id FROM reactions WHERE message_id=$1 ORDER BY emoji, user_id`, messageID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	out := models.ReactionMap{}
	for _, r := range rows {
		out[r.Emoji] = append(out[r.Emoji], r.UserID)
	}
	return out, nil
}

func (s *MessageStore) withReactions(ctx context.Context, row messageRow) (models.Message, error) {
	reactions, err := s.reactionsFor(ctx, row.ID)
	if err != nil {
		return models.Message{}, err
	}
	return row.toModel(reactions), nil
}

func (s *MessageStore) rowsWithReactions(ctx context.Context, rows []messageRow) ([]models.Message, error) {
	out := make([]models.Message, 0, len(rows))
	for _, row := range rows {
		msg, err := s.withReactions(ctx, row)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

// ChannelStore persists the channel set.
type ChannelStore struct {
	db *sqlx.DB
}

func NewChannelStore(db *sqlx.DB) *ChannelStore {
	return &ChannelStore{db: db}
}

func (s *ChannelStore) List(ctx context.Context) ([]models.Channel, error) {
	var out []models.Channel
	err := s.db.SelectContext(ctx, &out,
		`SELECT slug, name, emoji, description, created_by, created_at FROM channels ORDER BY slug`)
	return out, err
}

func (s *ChannelStore) Create(ctx context.Context, ch models.Channel) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channels (slug, name, emoji, description, created_by) VALUES ($1, $2, $3, $4, $5)`,
		ch.Slug, ch.Name, ch.Emoji, ch.Description, ch.CreatedBy)
	return err
}

func (s *ChannelStore) Delete(ctx context.Context, slug string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE slug=$1`, slug)
	return err
}

// ReadStateStore tracks per-user read watermarks and derives unread counts.
type ReadStateStore struct {
	db *sqlx.DB
}

func NewReadStateStore(db *sqlx.DB) *ReadStateStore {
	return &ReadStateStore{db: db}
}

// MarkRead moves the watermark to now. Idempotent.
func (s *ReadStateStore) MarkRead(ctx context.Context, userID, targetID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO read_state (user_id, target_id, last_read_at) VALUES ($1, $2, NOW())
         ON CONFLICT (user_id, target_id) DO UPDATE SET last_read_at=NOW()`,
		userID, targetID)
	return err
}

// UnreadCount counts messages behind the watermark that the user didn't author.
func (s *ReadStateStore) UnreadCount(ctx context.Context, userID, targetID string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM messages m
         WHERE m.target_id=$1 AND m.author_id<>$2
           AND m.created_at > COALESCE(
               (SELECT last_read_at FROM read_state WHERE user_id=$2 AND target_id=$1),
               'epoch'::timestamptz)`,
		targetID, userID)
	return count, err
}

// ConversationsFor lists the DM targets involving the user with their last
// message, newest conversation first.
func (s *ReadStateStore) ConversationsFor(ctx context.Context, msgs *MessageStore, userID string) ([]models.Conversation, error) {
	var targetIDs []string
	err := s.db.SelectContext(ctx, &targetIDs,
		`SELECT DISTINCT target_id FROM messages
         WHERE target_id LIKE '%:%'
           AND (target_id LIKE $1 || ':%' OR target_id LIKE '%:' || $1)`,
		userID)
	if err != nil {
		return nil, err
	}

	out := make([]models.Conversation, 0, len(targetIDs))
	for _, targetID := range targetIDs {
		peer := models.PeerOf(targetID, userID)
		if peer == "" {
			continue
		}
		page, _, _, err := msgs.PageByCursor(ctx, targetID, 1, "")
		if err != nil {
			return nil, err
		}
		conv := models.Conversation{ID: targetID, PeerID: peer}
		if len(page) > 0 {
			last := page[0]
			conv.LastMessage = &last
			conv.CreatedAt = last.CreatedAt
		}
		unread, err := s.UnreadCount(ctx, userID, targetID)
		if err != nil {
			return nil, err
		}
		conv.Unread = unread
		out = append(out, conv)
	}
	return out, nil
}

// MediaStore persists upload metadata for the presign flow.
type MediaStore struct {
	db *sqlx.DB
}

func NewMediaStore(db *sqlx.DB) *MediaStore {
	return &MediaStore{db: db}
}

func (s *MediaStore) CreatePending(ctx context.Context, storageKey, kind, mime, fileName string, size int64, url string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO media (storage_key, media_ref, url, kind, mime, size, file_name)
         VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		storageKey, "media_"+storageKey, url, kind, mime, size, fileName)
	return err
}

func (s *MediaStore) Confirm(ctx context.Context, storageKey string) (string, string, error) {
	var row struct {
		MediaRef string `db:"media_ref"`
		URL      string `db:"url"`
	}
	err := s.db.GetContext(ctx, &row,
		`UPDATE media SET confirmed=TRUE WHERE storage_key=$1 RETURNING media_ref, url`, storageKey)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", fmt.Errorf("unknown storage key %q", storageKey)
	}
	return row.MediaRef, row.URL, err
}

func encodeCursor(at time.Time, id string) string {
	raw := strconv.FormatInt(at.UnixNano(), 10) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("bad cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", errors.New("bad cursor")
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("bad cursor: %w", err)
	}
	return time.Unix(0, nanos).UTC(), parts[1], nil
}
