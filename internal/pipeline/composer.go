package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"chatsync/internal/api"
	"chatsync/internal/media"
	"chatsync/internal/models"
	"chatsync/internal/observability"
	"chatsync/internal/store"
)

// TargetKind says where a draft goes.
type TargetKind string

const (
	TargetChannel TargetKind = "channel"
	TargetDM      TargetKind = "dm"
)

// Target addresses a channel (by slug) or a conversation (by pair id).
type Target struct {
	Kind TargetKind
	ID   string
}

// PendingAttachment is a not-yet-uploaded file riding on a draft. Ref is set
// once the upload subsystem produced a stable reference.
type PendingAttachment struct {
	Kind     models.MessageType
	Filename string
	Mime     string
	Size     int64
	Duration time.Duration
	Data     io.Reader
	Progress media.Progress
	Ref      *api.MediaRef
}

// Draft is the user's composed intent: text and/or one attachment and/or a
// reply reference.
type Draft struct {
	Text       string
	ReplyTo    *models.ReplyRef
	Attachment *PendingAttachment
}

// ErrEmptyDraft rejects a send with neither text nor attachment.
var ErrEmptyDraft = errors.New("draft has no content")

// SendBackend is the slice of the API the composer needs.
type SendBackend interface {
	SendChannelMessage(ctx context.Context, slug string, req api.ChannelSendRequest) (models.Message, error)
	SendDM(ctx context.Context, conversationID string, req api.DMSendRequest) (models.Message, error)
}

// Composer turns drafts into durable sends: idempotency key, upload-first for
// attachments, optimistic store entry, then the durable request reconciled by
// key. Failed sends stay visible and retryable.
type Composer struct {
	backend  SendBackend
	channels *store.ChannelStore
	dms      *store.DMStore
	uploader media.Uploader
	self     models.RosterEntry
}

func NewComposer(backend SendBackend, channels *store.ChannelStore, dms *store.DMStore, uploader media.Uploader, self models.RosterEntry) *Composer {
	return &Composer{
		backend:  backend,
		channels: channels,
		dms:      dms,
		uploader: uploader,
		self:     self,
	}
}

// Send delivers a draft to the target. Returns the idempotency key of the
// created entry; on upload failure no message is created at all, on send
// failure the optimistic entry is marked failed for Retry or Discard.
func (c *Composer) Send(ctx context.Context, target Target, draft Draft) (string, error) {
	if draft.Text == "" && draft.Attachment == nil {
		return "", ErrEmptyDraft
	}

	key := uuid.NewString()

	if draft.Attachment != nil && draft.Attachment.Ref == nil {
		ref, err := c.uploader.Upload(ctx, media.UploadRequest{
			Kind:     draft.Attachment.Kind,
			Filename: draft.Attachment.Filename,
			Mime:     draft.Attachment.Mime,
			Size:     draft.Attachment.Size,
			Data:     draft.Attachment.Data,
			Progress: draft.Attachment.Progress,
		})
		if err != nil {
			// Composed text stays intact upstream; nothing durable exists.
			return "", fmt.Errorf("attachment upload: %w", err)
		}
		draft.Attachment.Ref = &ref
	}

	optimistic := c.optimisticEntry(target, draft, key)
	switch target.Kind {
	case TargetChannel:
		c.channels.InsertOptimistic(target.ID, optimistic)
	case TargetDM:
		c.dms.InsertOptimistic(target.ID, optimistic)
	}

	return key, c.deliver(ctx, target, draft, key)
}

// Retry re-issues the durable request for a failed entry, reusing its
// idempotency key so a late echo of the first attempt cannot duplicate it.
func (c *Composer) Retry(ctx context.Context, target Target, key string) error {
	var pending models.Message
	var ok bool
	switch target.Kind {
	case TargetChannel:
		pending, ok = c.channels.PendingByKey(target.ID, key)
	case TargetDM:
		pending, ok = c.dms.PendingByKey(target.ID, key)
	}
	if !ok {
		return store.ErrUnknownMessage
	}

	draft := Draft{Text: pending.Content, ReplyTo: pending.ReplyTo}
	if pending.Attachment != nil {
		draft.Attachment = &PendingAttachment{
			Kind: pending.Type,
			Ref: &api.MediaRef{
				MediaReference: pending.Attachment.MediaID,
				URL:            pending.Attachment.URL,
			},
		}
	}
	return c.deliver(ctx, target, draft, key)
}

// Discard drops a failed entry without delivering it.
func (c *Composer) Discard(target Target, key string) {
	switch target.Kind {
	case TargetChannel:
		c.channels.Discard(target.ID, key)
	case TargetDM:
		c.dms.Discard(target.ID, key)
	}
}

func (c *Composer) deliver(ctx context.Context, target Target, draft Draft, key string) error {
	var echo models.Message
	var err error
	switch target.Kind {
	case TargetChannel:
		req := api.ChannelSendRequest{Content: draft.Text, ClientKey: key}
		if draft.ReplyTo != nil {
			req.ReplyTo = draft.ReplyTo.MessageID
		}
		echo, err = c.backend.SendChannelMessage(ctx, target.ID, req)
	case TargetDM:
		req := api.DMSendRequest{
			Content:         draft.Text,
			ClientMessageID: key,
			MessageType:     draftType(draft),
		}
		if draft.ReplyTo != nil {
			req.ReplyTo = draft.ReplyTo.MessageID
		}
		if draft.Attachment != nil && draft.Attachment.Ref != nil {
			req.MediaReference = draft.Attachment.Ref.MediaReference
			req.Metadata = &models.Attachment{
				MediaID:  draft.Attachment.Ref.MediaReference,
				URL:      draft.Attachment.Ref.URL,
				Duration: draft.Attachment.Duration.Seconds(),
				FileName: draft.Attachment.Filename,
				Size:     draft.Attachment.Size,
				Mime:     draft.Attachment.Mime,
			}
		}
		echo, err = c.backend.SendDM(ctx, target.ID, req)
	default:
		return fmt.Errorf("unknown target kind %q", target.Kind)
	}

	if err != nil {
		observability.IncSend(string(target.Kind), "failed")
		switch target.Kind {
		case TargetChannel:
			c.channels.MarkFailed(target.ID, key)
		case TargetDM:
			c.dms.MarkFailed(target.ID, key)
		}
		return err
	}

	observability.IncSend(string(target.Kind), "ok")
	switch target.Kind {
	case TargetChannel:
		c.channels.AppendIncoming(target.ID, echo)
	case TargetDM:
		c.dms.AppendIncoming(target.ID, echo)
	}
	return nil
}

func (c *Composer) optimisticEntry(target Target, draft Draft, key string) models.Message {
	msg := models.Message{
		TargetID:   target.ID,
		AuthorID:   c.self.UserID,
		AuthorName: c.self.Username,
		AuthorRole: c.self.Role,
		Content:    draft.Text,
		Type:       draftType(draft),
		ReplyTo:    draft.ReplyTo,
		Status:     models.StatusSending,
		CreatedAt:  time.Now(),
		ClientKey:  key,
	}
	if draft.Attachment != nil && draft.Attachment.Ref != nil {
		msg.Attachment = &models.Attachment{
			MediaID:  draft.Attachment.Ref.MediaReference,
			URL:      draft.Attachment.Ref.URL,
			Duration: draft.Attachment.Duration.Seconds(),
			FileName: draft.Attachment.Filename,
			Size:     draft.Attachment.Size,
			Mime:     draft.Attachment.Mime,
		}
	}
	return msg
}

func draftType(draft Draft) models.MessageType {
	if draft.Attachment != nil && draft.Attachment.Kind.Valid() {
		return draft.Attachment.Kind
	}
	return models.MessageText
}
