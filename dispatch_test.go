package converge

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSocket struct {
	open    bool
	err     error
	written []any
}

func (s *stubSocket) IsOpen() bool { return s.open }

func (s *stubSocket) SendJSON(ctx context.Context, v any) error {
	if s.err != nil {
		return s.err
	}
	s.written = append(s.written, v)
	return nil
}

type stubUploader struct {
	calls   int
	content string
	file    *FileUpload
	res     *UploadResult
	err     error
}

func (u *stubUploader) Upload(ctx context.Context, scope Scope, content string, file *FileUpload) (*UploadResult, error) {
	u.calls++
	u.content = content
	u.file = file
	return u.res, u.err
}

func newTestDispatcher(sock *stubSocket, up *stubUploader) (*Dispatcher, *Metrics) {
	m := NewMetrics(prometheus.NewRegistry())
	return NewDispatcher(sock, up, zerolog.Nop(), m), m
}

func TestDispatchTextWhileOpen(t *testing.T) {
	sock := &stubSocket{open: true}
	up := &stubUploader{}
	d, m := newTestDispatcher(sock, up)

	res, err := d.Send(context.Background(), testScope, "hello", "", nil)
	require.NoError(t, err)
	assert.Nil(t, res)
	require.Len(t, sock.written, 1)
	assert.Equal(t, OutboundMessage{Content: "hello"}, sock.written[0])
	assert.Equal(t, 0, up.calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sends.WithLabelValues(PathSocket, "ok")))
}

func TestDispatchReplyCarriesParent(t *testing.T) {
	sock := &stubSocket{open: true}
	d, _ := newTestDispatcher(sock, &stubUploader{})

	_, err := d.Send(context.Background(), testScope, "agreed", "12", nil)
	require.NoError(t, err)
	assert.Equal(t, OutboundMessage{Content: "agreed", ReplyTo: "12"}, sock.written[0])
}

func TestDispatchTextWhileClosed(t *testing.T) {
	sock := &stubSocket{open: false}
	up := &stubUploader{}
	d, m := newTestDispatcher(sock, up)

	_, err := d.Send(context.Background(), testScope, "hello", "", nil)
	require.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, sock.written)
	assert.Equal(t, 0, up.calls, "text never falls back to upload")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sends.WithLabelValues(PathSocket, "not_connected")))
}

func TestDispatchEmptyText(t *testing.T) {
	sock := &stubSocket{open: true}
	d, _ := newTestDispatcher(sock, &stubUploader{})

	_, err := d.Send(context.Background(), testScope, "  \n", "", nil)
	require.ErrorIs(t, err, ErrEmptyMessage)
	assert.Empty(t, sock.written)
}

func TestDispatchSocketWriteError(t *testing.T) {
	boom := errors.New("broken pipe")
	sock := &stubSocket{open: true, err: boom}
	d, m := newTestDispatcher(sock, &stubUploader{})

	_, err := d.Send(context.Background(), testScope, "hello", "", nil)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sends.WithLabelValues(PathSocket, "error")))
}

func TestDispatchAttachmentAlwaysUploads(t *testing.T) {
	for _, open := range []bool{true, false} {
		sock := &stubSocket{open: open}
		up := &stubUploader{res: &UploadResult{ID: "5", Attachment: Attachment{URL: "https://cdn/a.pdf"}}}
		d, m := newTestDispatcher(sock, up)
		file := &FileUpload{Name: "a.pdf", Data: []byte("%PDF")}

		res, err := d.Send(context.Background(), testScope, "caption", "", file)
		require.NoError(t, err)
		assert.Equal(t, "https://cdn/a.pdf", res.Attachment.URL)
		assert.Equal(t, 1, up.calls)
		assert.Equal(t, "caption", up.content)
		assert.Same(t, file, up.file)
		assert.Empty(t, sock.written, "attachments never go over the socket")
		assert.Equal(t, 1.0, testutil.ToFloat64(m.sends.WithLabelValues(PathUpload, "ok")))
	}
}

func TestDispatchAttachmentWithoutBody(t *testing.T) {
	up := &stubUploader{res: &UploadResult{}}
	d, _ := newTestDispatcher(&stubSocket{}, up)

	_, err := d.Send(context.Background(), testScope, "", "", &FileUpload{Name: "a.txt"})
	require.NoError(t, err)
	assert.Equal(t, 1, up.calls)
}

func TestDispatchUploadErrors(t *testing.T) {
	serverErr := &UploadError{Status: 413, Message: "File too large"}
	d, m := newTestDispatcher(&stubSocket{}, &stubUploader{err: serverErr})

	_, err := d.Send(context.Background(), testScope, "", "", &FileUpload{Name: "big.bin"})
	var upErr *UploadError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, "File too large", upErr.Message)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sends.WithLabelValues(PathUpload, "error")))

	transport := errors.New("connection refused")
	d, _ = newTestDispatcher(&stubSocket{}, &stubUploader{err: transport})
	_, err = d.Send(context.Background(), testScope, "", "", &FileUpload{Name: "a.bin"})
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, "Failed to upload file", upErr.Message)
	assert.ErrorIs(t, err, transport)
}
