package main

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chatsync/internal/api"
	"chatsync/internal/models"
)

const channelPageSize = 50

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler serves the messaging contract backed by Postgres, with live fan-out
// through the hub. Uploaded bytes live in memory; only metadata is persisted.
type Handler struct {
	messages  *MessageStore
	channels  *ChannelStore
	readState *ReadStateStore
	media     *MediaStore
	hub       *Hub
	users     map[string]models.RosterEntry
	baseURL   string

	blobMu sync.Mutex
	blobs  map[string][]byte
}

func NewHandler(messages *MessageStore, channels *ChannelStore, readState *ReadStateStore,
	media *MediaStore, hub *Hub, users map[string]models.RosterEntry, baseURL string) *Handler {
	return &Handler{
		messages:  messages,
		channels:  channels,
		readState: readState,
		media:     media,
		hub:       hub,
		users:     users,
		baseURL:   strings.TrimRight(baseURL, "/"),
		blobs:     map[string][]byte{},
	}
}

// AuthMiddleware resolves the bearer token against the static token table and
// stashes the caller's roster entry in the request context.
func (h *Handler) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		user, ok := h.users[token]
		if token == "" || !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("user", user)
		c.Next()
	}
}

func currentUser(c *gin.Context) models.RosterEntry {
	return c.MustGet("user").(models.RosterEntry)
}

func (h *Handler) ListChannels(c *gin.Context) {
	user := currentUser(c)
	channels, err := h.channels.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	unread := map[string]int{}
	for _, ch := range channels {
		count, err := h.readState.UnreadCount(c.Request.Context(), user.UserID, ch.Slug)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		unread[ch.Slug] = count
	}
	c.JSON(http.StatusOK, api.ChannelList{Channels: channels, Unread: unread})
}

func (h *Handler) ChannelHistory(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid page"})
		return
	}
	msgs, pages, err := h.messages.PageByTime(c.Request.Context(), c.Param("slug"), page, channelPageSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, api.ChannelHistoryPage{Messages: msgs, Page: page, Pages: pages})
}

func (h *Handler) SendChannelMessage(c *gin.Context) {
	user := currentUser(c)
	var req api.ChannelSendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}

	msg := models.Message{
		TargetID:   c.Param("slug"),
		AuthorID:   user.UserID,
		AuthorName: user.Username,
		AuthorRole: user.Role,
		Content:    req.Content,
		Type:       models.MessageText,
		ClientKey:  req.ClientKey,
	}
	if req.ReplyTo != "" {
		msg.ReplyTo = h.replyRef(c, req.ReplyTo)
	}
	created, err := h.messages.Create(c.Request.Context(), msg)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	h.hub.BroadcastAll(models.StreamEvent{
		Type:     models.EventNewMessage,
		TargetID: created.TargetID,
		Message:  &created,
	}, "")
	c.JSON(http.StatusCreated, created)
}

func (h *Handler) EditChannelMessage(c *gin.Context) {
	h.editMessage(c, c.Param("slug"))
}

func (h *Handler) DeleteChannelMessage(c *gin.Context) {
	h.deleteMessage(c, c.Param("slug"), func(event models.StreamEvent) {
		h.hub.BroadcastAll(event, "")
	})
}

func (h *Handler) ListConversations(c *gin.Context) {
	user := currentUser(c)
	conversations, err := h.readState.ConversationsFor(c.Request.Context(), h.messages, user.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	for i := range conversations {
		if peer, ok := h.userByID(conversations[i].PeerID); ok {
			conversations[i].PeerName = peer.Username
		}
	}
	c.JSON(http.StatusOK, gin.H{"conversations": conversations})
}

func (h *Handler) DMHistory(c *gin.Context) {
	user := currentUser(c)
	convID := c.Param("id")
	if models.PeerOf(convID, user.UserID) == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "30"))
	if err != nil || limit < 1 || limit > 100 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}

	msgs, cursor, hasMore, err := h.messages.PageByCursor(c.Request.Context(), convID, limit, c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var out api.DMHistoryPage
	out.Messages = msgs
	out.Pagination.OldestCursor = cursor
	out.Pagination.HasMore = hasMore
	c.JSON(http.StatusOK, out)
}

func (h *Handler) SendDM(c *gin.Context) {
	user := currentUser(c)
	convID := c.Param("id")
	peer := models.PeerOf(convID, user.UserID)
	if peer == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant"})
		return
	}

	var req api.DMSendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	msgType := req.MessageType
	if msgType == "" {
		msgType = models.MessageText
	}
	if !msgType.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown message type"})
		return
	}
	if strings.TrimSpace(req.Content) == "" && req.MediaReference == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty message"})
		return
	}

	msg := models.Message{
		TargetID:   convID,
		AuthorID:   user.UserID,
		AuthorName: user.Username,
		AuthorRole: user.Role,
		Content:    req.Content,
		Type:       msgType,
		ClientKey:  req.ClientMessageID,
	}
	if req.MediaReference != "" {
		att := models.Attachment{MediaID: req.MediaReference}
		if req.Metadata != nil {
			att = *req.Metadata
			att.MediaID = req.MediaReference
		}
		msg.Attachment = &att
	}
	if req.ReplyTo != "" {
		msg.ReplyTo = h.replyRef(c, req.ReplyTo)
	}

	created, err := h.messages.Create(c.Request.Context(), msg)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	h.hub.BroadcastUsers(models.StreamEvent{
		Type:     models.EventNewMessage,
		TargetID: convID,
		Message:  &created,
	}, user.UserID, peer)
	h.broadcastConversation(c, convID, user.UserID, peer)

	// A live recipient socket means the message is delivered right away.
	if h.hub.Online(peer) {
		if ids, err := h.messages.SetStatusUpTo(c.Request.Context(), convID, user.UserID, models.StatusDelivered); err == nil && len(ids) > 0 {
			h.hub.BroadcastUsers(models.StreamEvent{
				Type:       models.EventStatusChange,
				TargetID:   convID,
				MessageIDs: ids,
				Status:     models.StatusDelivered,
			}, user.UserID)
			created.Status = models.StatusDelivered
		}
	}
	c.JSON(http.StatusCreated, created)
}

func (h *Handler) EditDM(c *gin.Context) {
	h.editMessage(c, c.Param("id"))
}

func (h *Handler) DeleteDM(c *gin.Context) {
	user := currentUser(c)
	convID := c.Param("id")
	peer := models.PeerOf(convID, user.UserID)
	if peer == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant"})
		return
	}
	h.deleteMessage(c, convID, func(event models.StreamEvent) {
		h.hub.BroadcastUsers(event, user.UserID, peer)
	})
}

func (h *Handler) React(c *gin.Context) {
	user := currentUser(c)
	var req struct {
		Emoji  string `json:"emoji"`
		Action string `json:"action"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Emoji == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "emoji is required"})
		return
	}
	if req.Action != string(api.ReactionAdd) && req.Action != string(api.ReactionRemove) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "action must be add or remove"})
		return
	}

	messageID := c.Param("mid")
	merged, err := h.messages.ToggleReaction(c.Request.Context(), messageID, user.UserID, req.Emoji,
		req.Action == string(api.ReactionAdd))
	if errors.Is(err, ErrMessageNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if msg, err := h.messages.Get(c.Request.Context(), messageID); err == nil {
		event := models.StreamEvent{
			Type:      models.EventReactionChanged,
			TargetID:  msg.TargetID,
			MessageID: messageID,
			Reactions: merged,
		}
		if peerA, peerB, ok := splitPair(msg.TargetID); ok {
			h.hub.BroadcastUsers(event, peerA, peerB)
		} else {
			h.hub.BroadcastAll(event, "")
		}
	}
	c.JSON(http.StatusOK, gin.H{"reactions": merged})
}

// MarkRead moves the caller's watermark. For conversations it also advances
// the counterpart's delivery ladder to read and notifies them.
func (h *Handler) MarkRead(c *gin.Context) {
	user := currentUser(c)
	var req struct {
		TargetID string `json:"target_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.TargetID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "target_id is required"})
		return
	}
	if err := h.readState.MarkRead(c.Request.Context(), user.UserID, req.TargetID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if peer := models.PeerOf(req.TargetID, user.UserID); peer != "" {
		if ids, err := h.messages.SetStatusUpTo(c.Request.Context(), req.TargetID, peer, models.StatusRead); err == nil && len(ids) > 0 {
			h.hub.BroadcastUsers(models.StreamEvent{
				Type:       models.EventStatusChange,
				TargetID:   req.TargetID,
				MessageIDs: ids,
				Status:     models.StatusRead,
			}, peer)
		}
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) Roster(c *gin.Context) {
	members := make([]models.RosterEntry, 0, len(h.users))
	for _, u := range h.users {
		members = append(members, u)
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}

// UploadMedia receives the whole file in one multipart request.
func (h *Handler) UploadMedia(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	defer file.Close()

	kind := models.MessageType(c.PostForm("kind"))
	if !kind.Valid() || kind == models.MessageText {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown media kind"})
		return
	}
	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	key := uuid.NewString()
	url := h.baseURL + "/media/blob/" + key
	h.storeBlob(key, data)
	if err := h.media.CreatePending(c.Request.Context(), key, string(kind), c.PostForm("mime"),
		header.Filename, int64(len(data)), url); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	ref, mediaURL, err := h.media.Confirm(c.Request.Context(), key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, api.MediaRef{MediaReference: ref, URL: mediaURL})
}

// PresignMedia hands out a PUT target on this server standing in for object
// storage.
func (h *Handler) PresignMedia(c *gin.Context) {
	var req api.PresignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !req.Kind.Valid() || req.Kind == models.MessageText {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown media kind"})
		return
	}

	key := uuid.NewString()
	if err := h.media.CreatePending(c.Request.Context(), key, string(req.Kind), req.Mime,
		req.Filename, req.Size, h.baseURL+"/media/blob/"+key); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, api.PresignResponse{
		UploadURL:  h.baseURL + "/media/put/" + key,
		StorageKey: key,
	})
}

// PutMedia is the unauthenticated presigned write target.
func (h *Handler) PutMedia(c *gin.Context) {
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.storeBlob(c.Param("key"), data)
	c.Status(http.StatusOK)
}

func (h *Handler) ConfirmMedia(c *gin.Context) {
	var req api.ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.StorageKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "storage_key is required"})
		return
	}
	h.blobMu.Lock()
	_, uploaded := h.blobs[req.StorageKey]
	h.blobMu.Unlock()
	if !uploaded {
		c.JSON(http.StatusConflict, gin.H{"error": "no bytes received for storage key"})
		return
	}
	ref, url, err := h.media.Confirm(c.Request.Context(), req.StorageKey)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, api.MediaRef{MediaReference: ref, URL: url})
}

func (h *Handler) GetBlob(c *gin.Context) {
	h.blobMu.Lock()
	data, ok := h.blobs[c.Param("key")]
	h.blobMu.Unlock()
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", data)
}

// ServeWS upgrades the connection and attaches it to the hub.
func (h *Handler) ServeWS(c *gin.Context) {
	user := currentUser(c)
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	cl := &client{conn: conn, userID: user.UserID}
	h.hub.register(cl)
	go h.hub.readPump(cl)
}

func (h *Handler) editMessage(c *gin.Context, targetID string) {
	user := currentUser(c)
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}
	updated, err := h.messages.Edit(c.Request.Context(), c.Param("mid"), user.UserID, req.Content)
	if errors.Is(err, ErrMessageNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found or not yours"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if updated.TargetID != targetID {
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *Handler) deleteMessage(c *gin.Context, targetID string, broadcast func(models.StreamEvent)) {
	user := currentUser(c)
	messageID := c.Param("mid")
	err := h.messages.SoftDelete(c.Request.Context(), messageID, user.UserID)
	if errors.Is(err, ErrMessageNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	broadcast(models.StreamEvent{
		Type:      models.EventMessageDeleted,
		TargetID:  targetID,
		MessageID: messageID,
	})
	c.Status(http.StatusNoContent)
}

func (h *Handler) replyRef(c *gin.Context, messageID string) *models.ReplyRef {
	parent, err := h.messages.Get(c.Request.Context(), messageID)
	if err != nil {
		return &models.ReplyRef{MessageID: messageID}
	}
	preview := parent.Content
	if len(preview) > 80 {
		preview = preview[:80]
	}
	return &models.ReplyRef{MessageID: messageID, Preview: preview, AuthorID: parent.AuthorID}
}

func (h *Handler) broadcastConversation(c *gin.Context, convID, authorID, peerID string) {
	for _, viewer := range []string{authorID, peerID} {
		unread, err := h.readState.UnreadCount(c.Request.Context(), viewer, convID)
		if err != nil {
			continue
		}
		last, _, _, _ := h.messages.PageByCursor(c.Request.Context(), convID, 1, "")
		conv := models.Conversation{ID: convID, PeerID: models.PeerOf(convID, viewer), Unread: unread}
		if peer, ok := h.userByID(conv.PeerID); ok {
			conv.PeerName = peer.Username
		}
		if len(last) > 0 {
			m := last[0]
			conv.LastMessage = &m
			conv.CreatedAt = m.CreatedAt
		}
		h.hub.BroadcastUsers(models.StreamEvent{
			Type:         models.EventConversationUpdated,
			TargetID:     convID,
			Conversation: &conv,
		}, viewer)
	}
}

func (h *Handler) userByID(id string) (models.RosterEntry, bool) {
	for _, u := range h.users {
		if u.UserID == id {
			return u, true
		}
	}
	return models.RosterEntry{}, false
}

func (h *Handler) storeBlob(key string, data []byte) {
	h.blobMu.Lock()
	h.blobs[key] = data
	h.blobMu.Unlock()
}

func splitPair(targetID string) (string, string, bool) {
	parts := strings.SplitN(targetID, ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}
