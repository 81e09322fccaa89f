package api

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"chatsync/internal/models"
)

// DMHistoryPage is one cursor-addressed slice of conversation history.
type DMHistoryPage struct {
	Messages   []models.Message `json:"messages"`
	Pagination struct {
		OldestCursor string `json:"oldest_cursor"`
		HasMore      bool   `json:"has_more"`
	} `json:"pagination"`
}

// DMSendRequest is the DM send payload. ClientMessageID is the idempotency
// key; the server echoes it on the persisted message.
type DMSendRequest struct {
	Content         string             `json:"content"`
	ClientMessageID string             `json:"client_message_id"`
	ReplyTo         string             `json:"reply_to,omitempty"`
	MessageType     models.MessageType `json:"message_type"`
	MediaReference  string             `json:"media_reference,omitempty"`
	Metadata        *models.Attachment `json:"metadata,omitempty"`
}

// ReactionAction is add or remove.
type ReactionAction string

const (
	ReactionAdd    ReactionAction = "add"
	ReactionRemove ReactionAction = "remove"
)

func (c *Client) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	var out struct {
		Conversations []models.Conversation `json:"conversations"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/conversations", nil, nil, &out)
	return out.Conversations, err
}

// DMHistory pages backward through a conversation. An empty cursor starts at
// the newest messages; direction is always "backward" from this client.
func (c *Client) DMHistory(ctx context.Context, conversationID string, limit int, cursor string) (DMHistoryPage, error) {
	q := url.Values{
		"limit":     {strconv.Itoa(limit)},
		"direction": {"backward"},
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var out DMHistoryPage
	err := c.doJSON(ctx, http.MethodGet, "/conversations/"+conversationID+"/messages", q, nil, &out)
	return out, err
}

func (c *Client) SendDM(ctx context.Context, conversationID string, req DMSendRequest) (models.Message, error) {
	var out models.Message
	err := c.doJSON(ctx, http.MethodPost, "/conversations/"+conversationID+"/messages", nil, req, &out)
	return out, err
}

func (c *Client) EditDM(ctx context.Context, conversationID, messageID, content string) (models.Message, error) {
	var out models.Message
	body := map[string]string{"content": content}
	err := c.doJSON(ctx, http.MethodPatch, "/conversations/"+conversationID+"/messages/"+messageID, nil, body, &out)
	return out, err
}

func (c *Client) DeleteDM(ctx context.Context, conversationID, messageID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/conversations/"+conversationID+"/messages/"+messageID, nil, nil, nil)
}

// React toggles a reaction and returns the merged map for the message, which
// is authoritative over any optimistic local merge.
func (c *Client) React(ctx context.Context, messageID, emoji string, action ReactionAction) (models.ReactionMap, error) {
	var out struct {
		Reactions models.ReactionMap `json:"reactions"`
	}
	body := map[string]string{"emoji": emoji, "action": string(action)}
	err := c.doJSON(ctx, http.MethodPost, "/messages/"+messageID+"/reactions", nil, body, &out)
	return out.Reactions, err
}
