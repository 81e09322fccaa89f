package api

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"chatsync/internal/models"
)

// ChannelList is the channel set plus the unread map, which is authoritative
// at fetch time only.
type ChannelList struct {
	Channels []models.Channel `json:"channels"`
	Unread   map[string]int   `json:"unread"`
}

// ChannelHistoryPage is one page of channel history, most recent first as
// served; callers normalize to ascending order for display.
type ChannelHistoryPage struct {
	Messages []models.Message `json:"messages"`
	Page     int              `json:"page"`
	Pages    int              `json:"pages"`
}

// HasMore reports whether older history pages exist.
func (p ChannelHistoryPage) HasMore() bool { return p.Page < p.Pages }

// ChannelSendRequest is the channel send/edit payload.
type ChannelSendRequest struct {
	Content   string `json:"content"`
	ClientKey string `json:"client_key"`
	ReplyTo   string `json:"reply_to,omitempty"`
}

func (c *Client) ListChannels(ctx context.Context) (ChannelList, error) {
	var out ChannelList
	err := c.doJSON(ctx, http.MethodGet, "/channels", nil, nil, &out)
	return out, err
}

func (c *Client) ChannelHistory(ctx context.Context, slug string, page int) (ChannelHistoryPage, error) {
	q := url.Values{"page": {strconv.Itoa(page)}}
	var out ChannelHistoryPage
	err := c.doJSON(ctx, http.MethodGet, "/channels/"+slug+"/messages", q, nil, &out)
	return out, err
}

func (c *Client) SendChannelMessage(ctx context.Context, slug string, req ChannelSendRequest) (models.Message, error) {
	var out models.Message
	err := c.doJSON(ctx, http.MethodPost, "/channels/"+slug+"/messages", nil, req, &out)
	return out, err
}

func (c *Client) EditChannelMessage(ctx context.Context, slug, messageID, content string) (models.Message, error) {
	var out models.Message
	body := map[string]string{"content": content}
	err := c.doJSON(ctx, http.MethodPatch, "/channels/"+slug+"/messages/"+messageID, nil, body, &out)
	return out, err
}

func (c *Client) DeleteChannelMessage(ctx context.Context, slug, messageID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/channels/"+slug+"/messages/"+messageID, nil, nil, nil)
}

// MarkRead acknowledges that the viewer has read a channel or conversation.
// Safe to fire multiple times; the server treats it as idempotent.
func (c *Client) MarkRead(ctx context.Context, targetID string) error {
	body := map[string]string{"target_id": targetID}
	return c.doJSON(ctx, http.MethodPost, "/read", nil, body, nil)
}

// Roster returns the workspace members, used only for mention highlighting.
func (c *Client) Roster(ctx context.Context) ([]models.RosterEntry, error) {
	var out struct {
		Members []models.RosterEntry `json:"members"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/roster", nil, nil, &out)
	return out.Members, err
}
