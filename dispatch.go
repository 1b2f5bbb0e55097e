package converge

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"
)

// Delivery paths, used as the "path" metrics label.
const (
	PathSocket = "socket"
	PathUpload = "upload"
)

// MessageSocket is the write side of a chat connection.
type MessageSocket interface {
	IsOpen() bool
	SendJSON(ctx context.Context, v any) error
}

// Uploader posts attachments.
type Uploader interface {
	Upload(ctx context.Context, scope Scope, content string, file *FileUpload) (*UploadResult, error)
}

// Dispatcher routes an outgoing message to the socket or the upload
// endpoint. A message with an attachment always goes through the upload
// endpoint, even while the socket is open; text goes through the socket
// only. It holds no message state of its own.
type Dispatcher struct {
	socket   MessageSocket
	uploader Uploader
	log      zerolog.Logger
	metrics  *Metrics
}

// NewDispatcher creates a dispatcher. A nil metrics records nothing.
func NewDispatcher(socket MessageSocket, up Uploader, log zerolog.Logger, metrics *Metrics) *Dispatcher {
	return &Dispatcher{socket: socket, uploader: up, log: log, metrics: metrics}
}

// Send delivers body, optionally as a reply to replyTo, with an optional
// file. It returns the upload descriptor for the attachment path and nil
// for text.
func (d *Dispatcher) Send(ctx context.Context, scope Scope, body string, replyTo MessageID, file *FileUpload) (*UploadResult, error) {
	if file != nil {
		return d.upload(ctx, scope, body, file)
	}
	if strings.TrimSpace(body) == "" {
		return nil, ErrEmptyMessage
	}
	if d.socket == nil || !d.socket.IsOpen() {
		d.metrics.observeSend(PathSocket, "not_connected")
		return nil, ErrNotConnected
	}
	if err := d.socket.SendJSON(ctx, OutboundMessage{Content: body, ReplyTo: replyTo}); err != nil {
		d.metrics.observeSend(PathSocket, "error")
		return nil, err
	}
	d.metrics.observeSend(PathSocket, "ok")
	return nil, nil
}

func (d *Dispatcher) upload(ctx context.Context, scope Scope, body string, file *FileUpload) (*UploadResult, error) {
	res, err := d.uploader.Upload(ctx, scope, body, file)
	if err != nil {
		d.metrics.observeSend(PathUpload, "error")
		var upErr *UploadError
		if !errors.As(err, &upErr) {
			upErr = &UploadError{Message: genericUploadError, Err: err}
		}
		d.log.Warn().Err(err).Str("file", file.Name).Msg("upload failed")
		return nil, upErr
	}
	d.metrics.observeSend(PathUpload, "ok")
	return res, nil
}
