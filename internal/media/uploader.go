package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"chatsync/internal/api"
	"chatsync/internal/models"
	"chatsync/internal/observability"
)

// ErrNoFile signals an upload request without payload bytes.
var ErrNoFile = errors.New("upload request has no file")

// Progress receives monotonic 0–100 percentage updates while a transfer is
// active. The terminal 100 fires only on success.
type Progress func(pct int)

// UploadRequest describes one attachment transfer.
type UploadRequest struct {
	Kind     models.MessageType
	Filename string
	Mime     string
	Size     int64
	Data     io.Reader
	Progress Progress
}

// Uploader turns an attachment into a stable media reference. Both strategies
// expose the same observable surface; cancellation aborts the transfer and
// never yields a partial reference.
type Uploader interface {
	Upload(ctx context.Context, req UploadRequest) (api.MediaRef, error)
}

// Origin is the slice of the API client both strategies use.
type Origin interface {
	UploadDirect(ctx context.Context, kind models.MessageType, filename, mimeType string, file io.Reader) (api.MediaRef, error)
	Presign(ctx context.Context, req api.PresignRequest) (api.PresignResponse, error)
	PutExternal(ctx context.Context, uploadURL, mimeType string, size int64, body io.Reader) error
	ConfirmUpload(ctx context.Context, req api.ConfirmRequest) (api.MediaRef, error)
}

// DirectUploader posts the file to the origin server in a single multipart
// request.
type DirectUploader struct {
	origin Origin
}

func NewDirectUploader(origin Origin) *DirectUploader {
	return &DirectUploader{origin: origin}
}

func (u *DirectUploader) Upload(ctx context.Context, req UploadRequest) (api.MediaRef, error) {
	if req.Data == nil {
		return api.MediaRef{}, ErrNoFile
	}
	reader := newProgressReader(req.Data, req.Size, req.Progress)
	ref, err := u.origin.UploadDirect(ctx, req.Kind, req.Filename, req.Mime, reader)
	if err != nil {
		observability.IncUpload("direct", "error")
		return api.MediaRef{}, fmt.Errorf("direct upload: %w", err)
	}
	reader.finish()
	observability.IncUpload("direct", "ok")
	return ref, nil
}

// PresignUploader runs the three-step flow: request a write target, PUT the
// bytes there, then confirm with the origin server attaching metadata.
type PresignUploader struct {
	origin Origin
}

func NewPresignUploader(origin Origin) *PresignUploader {
	return &PresignUploader{origin: origin}
}

func (u *PresignUploader) Upload(ctx context.Context, req UploadRequest) (api.MediaRef, error) {
	if req.Data == nil {
		return api.MediaRef{}, ErrNoFile
	}

	presigned, err := u.origin.Presign(ctx, api.PresignRequest{
		Kind:     req.Kind,
		Mime:     req.Mime,
		Size:     req.Size,
		Filename: req.Filename,
	})
	if err != nil {
		observability.IncUpload("presign", "error")
		return api.MediaRef{}, fmt.Errorf("presign: %w", err)
	}

	reader := newProgressReader(req.Data, req.Size, req.Progress)
	if err := u.origin.PutExternal(ctx, presigned.UploadURL, req.Mime, req.Size, reader); err != nil {
		observability.IncUpload("presign", "error")
		return api.MediaRef{}, fmt.Errorf("transfer: %w", err)
	}

	ref, err := u.origin.ConfirmUpload(ctx, api.ConfirmRequest{
		StorageKey: presigned.StorageKey,
		Kind:       req.Kind,
		Metadata: &models.Attachment{
			FileName: req.Filename,
			Size:     req.Size,
			Mime:     req.Mime,
		},
	})
	if err != nil {
		observability.IncUpload("presign", "error")
		return api.MediaRef{}, fmt.Errorf("confirm upload: %w", err)
	}
	reader.finish()
	observability.IncUpload("presign", "ok")
	return ref, nil
}

// progressReader reports monotonic percentage while the transfer drains it.
// It caps live progress at 99; finish() reports the terminal 100 so failures
// never look complete.
type progressReader struct {
	r        io.Reader
	total    int64
	progress Progress

	mu   sync.Mutex
	read int64
	last int
}

func newProgressReader(r io.Reader, total int64, progress Progress) *progressReader {
	return &progressReader{r: r, total: total, progress: progress}
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 && p.progress != nil && p.total > 0 {
		p.mu.Lock()
		p.read += int64(n)
		pct := int(p.read * 100 / p.total)
		if pct > 99 {
			pct = 99
		}
		if pct > p.last {
			p.last = pct
			p.progress(pct)
		}
		p.mu.Unlock()
	}
	return n, err
}

func (p *progressReader) finish() {
	if p.progress == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last < 100 {
		p.last = 100
		p.progress(100)
	}
}
