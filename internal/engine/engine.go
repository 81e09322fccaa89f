package engine

import (
	"context"
	"log"
	"strings"
	"sync"

	"chatsync/internal/api"
	"chatsync/internal/media"
	"chatsync/internal/models"
	"chatsync/internal/pipeline"
	"chatsync/internal/store"
	"chatsync/internal/transport"
)

// Engine binds the transport, the stores and the composition pipeline into
// one client session. It owns the open-target state: opening a channel or
// conversation zeroes its unread count, scopes typing display, and starts the
// poll fallback for it.
type Engine struct {
	client    *api.Client
	transport *transport.Manager
	self      models.RosterEntry

	Channels *store.ChannelStore
	DMs      *store.DMStore
	Unread   *store.UnreadStore
	Composer *pipeline.Composer
	Typing   *TypingRelay

	poller *store.Poller

	mu            sync.Mutex
	open          pipeline.Target
	conversations map[string]models.Conversation
}

// unreadBackend assembles the authoritative unread map from the channel list
// and conversation list endpoints.
type unreadBackend struct {
	client *api.Client
}

func (b unreadBackend) FetchUnread(ctx context.Context) (map[string]int, error) {
	out := map[string]int{}

	channels, err := b.client.ListChannels(ctx)
	if err != nil {
		return nil, err
	}
	for id, count := range channels.Unread {
		out[id] = count
	}

	conversations, err := b.client.ListConversations(ctx)
	if err != nil {
		return nil, err
	}
	for _, conv := range conversations {
		out[conv.ID] = conv.Unread
	}
	return out, nil
}

func (b unreadBackend) MarkRead(ctx context.Context, targetID string) error {
	return b.client.MarkRead(ctx, targetID)
}

// New wires an engine for one authenticated session. The transport handle is
// acquired through the credential-keyed factory, so a second engine for the
// same token shares the connection instead of opening another.
func New(client *api.Client, self models.RosterEntry, uploader media.Uploader) *Engine {
	tm := transport.Acquire(client.WebSocketURL(), client.Token())

	channels := store.NewChannelStore(client)
	dms := store.NewDMStore(client, self.UserID)
	unread := store.NewUnreadStore(unreadBackend{client: client})

	e := &Engine{
		client:        client,
		transport:     tm,
		self:          self,
		Channels:      channels,
		DMs:           dms,
		Unread:        unread,
		Composer:      pipeline.NewComposer(client, channels, dms, uploader, self),
		Typing:        NewTypingRelay(tm.SendTyping),
		poller:        store.NewPoller(tm.Connected),
		conversations: map[string]models.Conversation{},
	}
	return e
}

// Run consumes transport events until ctx is cancelled. It is the only
// goroutine that mutates stores from push events, so per-event dispatch is
// free of interleaving hazards.
func (e *Engine) Run(ctx context.Context) {
	events, cancel := e.transport.Subscribe()
	defer cancel()

	if err := e.Unread.Refresh(ctx); err != nil {
		log.Printf("initial unread refresh failed: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			e.dispatch(event)
		}
	}
}

// Close releases the session's transport reference and stops the fallback.
func (e *Engine) Close() {
	e.poller.Stop()
	e.Typing.StopTyping()
	e.transport.Release()
}

// Open makes a target the active one: unread drops to zero, its first page
// loads, the poll fallback re-targets, and DM rooms are joined for scoped
// fan-out. Opening target A then B leaves only B's room joined.
func (e *Engine) Open(ctx context.Context, target pipeline.Target) error {
	e.mu.Lock()
	prev := e.open
	e.open = target
	e.mu.Unlock()

	if prev.ID != "" && prev.ID != target.ID {
		if prev.Kind == pipeline.TargetDM {
			e.transport.LeaveRoom(prev.ID)
		}
		e.Typing.ClearRemote()
	}
	if target.Kind == pipeline.TargetDM {
		e.transport.JoinRoom(target.ID)
	}

	e.Unread.MarkRead(ctx, target.ID)

	var err error
	switch target.Kind {
	case pipeline.TargetChannel:
		err = e.Channels.LoadFirstPage(ctx, target.ID)
		e.poller.Start("channel", func(ctx context.Context) error {
			return e.Channels.PollLatest(ctx, target.ID)
		})
	case pipeline.TargetDM:
		err = e.DMs.LoadFirstPage(ctx, target.ID)
		e.poller.Start("dm", func(ctx context.Context) error {
			return e.DMs.PollLatest(ctx, target.ID)
		})
	}
	return err
}

// CloseTarget leaves the open target, stopping its poll fallback.
func (e *Engine) CloseTarget() {
	e.mu.Lock()
	open := e.open
	e.open = pipeline.Target{}
	e.mu.Unlock()

	if open.Kind == pipeline.TargetDM && open.ID != "" {
		e.transport.LeaveRoom(open.ID)
	}
	e.Typing.StopTyping()
	e.Typing.ClearRemote()
	e.poller.Stop()
}

// OpenTarget returns the currently open target.
func (e *Engine) OpenTarget() pipeline.Target {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.open
}

// Conversations returns the known conversation list for previews.
func (e *Engine) Conversations() []models.Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Conversation, 0, len(e.conversations))
	for _, conv := range e.conversations {
		out = append(out, conv)
	}
	return out
}

func (e *Engine) dispatch(event models.StreamEvent) {
	switch event.Type {
	case models.EventNewMessage:
		e.handleNewMessage(event)
	case models.EventStatusChange:
		if event.TargetID != "" {
			e.DMs.ApplyStatus(event.TargetID, event.MessageIDs, event.Status)
		}
	case models.EventMessageDeleted:
		if isConversationID(event.TargetID) {
			e.DMs.ApplyDeleted(event.TargetID, event.MessageID)
		} else {
			e.Channels.ApplyDeleted(event.TargetID, event.MessageID)
		}
	case models.EventReactionChanged:
		if isConversationID(event.TargetID) {
			e.DMs.ApplyReactions(event.TargetID, event.MessageID, event.Reactions)
		}
	case models.EventTypingStart, models.EventTypingStop:
		e.Typing.HandleRemote(e.OpenTarget().ID, event.TargetID, event.UserID, event.Type == models.EventTypingStart)
	case models.EventConversationUpdated:
		if event.Conversation != nil {
			e.mu.Lock()
			e.conversations[event.Conversation.ID] = *event.Conversation
			e.mu.Unlock()
		}
	}
}

func (e *Engine) handleNewMessage(event models.StreamEvent) {
	if event.Message == nil {
		return
	}
	msg := *event.Message
	targetID := event.TargetID
	if targetID == "" {
		targetID = msg.TargetID
	}

	var changed bool
	if isConversationID(targetID) {
		changed = e.DMs.AppendIncoming(targetID, msg)
	} else {
		changed = e.Channels.AppendIncoming(targetID, msg)
	}
	if !changed {
		// Duplicate delivery (socket + poll race); invisible downstream.
		return
	}

	open := e.OpenTarget()
	if targetID == open.ID {
		// Visible immediately; keep the counter at zero and ack the read.
		e.Unread.MarkRead(context.Background(), targetID)
		return
	}
	if msg.AuthorID != e.self.UserID {
		e.Unread.Increment(targetID)
	}
}

// isConversationID distinguishes DM pair ids ("a:b") from channel slugs.
func isConversationID(id string) bool {
	return strings.Contains(id, ":")
}
