package api

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"chatsync/internal/models"
)

// MediaRef is the stable reference a confirmed upload yields; the composition
// pipeline embeds it in the outbound message.
type MediaRef struct {
	MediaReference string `json:"media_reference"`
	URL            string `json:"url"`
}

// PresignRequest asks the origin server for an external write target.
type PresignRequest struct {
	Kind     models.MessageType `json:"kind"`
	Mime     string             `json:"mime"`
	Size     int64              `json:"size"`
	Filename string             `json:"filename"`
}

// PresignResponse carries the external PUT target and the storage key that
// must be echoed back on confirm.
type PresignResponse struct {
	UploadURL  string `json:"upload_url"`
	StorageKey string `json:"storage_key"`
}

// ConfirmRequest completes a presigned upload, attaching metadata.
type ConfirmRequest struct {
	StorageKey string             `json:"storage_key"`
	Kind       models.MessageType `json:"kind"`
	Metadata   *models.Attachment `json:"metadata,omitempty"`
}

// UploadDirect posts the file in a single multipart request. The reader is
// consumed fully; progress accounting wraps it upstream.
func (c *Client) UploadDirect(ctx context.Context, kind models.MessageType, filename, mimeType string, file io.Reader) (MediaRef, error) {
	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	go func() {
		part, err := form.CreateFormFile("file", filename)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, file); err != nil {
			pw.CloseWithError(err)
			return
		}
		if err := form.WriteField("kind", string(kind)); err != nil {
			pw.CloseWithError(err)
			return
		}
		if err := form.WriteField("mime", mimeType); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(form.Close())
	}()

	req, err := c.newRequest(ctx, http.MethodPost, "/media/upload", nil, pr)
	if err != nil {
		return MediaRef{}, err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	var out MediaRef
	if err := c.do(req, "/media/upload", &out); err != nil {
		return MediaRef{}, err
	}
	return out, nil
}

func (c *Client) Presign(ctx context.Context, req PresignRequest) (PresignResponse, error) {
	var out PresignResponse
	err := c.doJSON(ctx, http.MethodPost, "/media/presign", nil, req, &out)
	return out, err
}

func (c *Client) ConfirmUpload(ctx context.Context, req ConfirmRequest) (MediaRef, error) {
	var out MediaRef
	err := c.doJSON(ctx, http.MethodPost, "/media/confirm", nil, req, &out)
	return out, err
}

// PutExternal transfers bytes to a presigned write target. The target is not
// the origin server, so no bearer header is attached.
func (c *Client) PutExternal(ctx context.Context, uploadURL, mimeType string, size int64, body io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, body)
	if err != nil {
		return fmt.Errorf("build presigned put: %w", err)
	}
	req.Header.Set("Content-Type", mimeType)
	req.ContentLength = size

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("presigned put: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return &APIError{Status: resp.StatusCode, Message: "presigned upload rejected"}
	}
	return nil
}
