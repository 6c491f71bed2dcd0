package upload

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klipnote/internal/apierr"
	"klipnote/internal/models"
)

// fakeStore is an in-memory Store double recording every created job.
type fakeStore struct {
	created []*models.Job
}

func (f *fakeStore) Create(ctx context.Context, job *models.Job) error {
	f.created = append(f.created, job)
	return nil
}

// fakeBroker is an in-memory Broker double recording every enqueued entry.
type fakeBroker struct {
	enqueued []models.QueueEntry
}

func (f *fakeBroker) Enqueue(ctx context.Context, queue models.Model, entry models.QueueEntry) error {
	f.enqueued = append(f.enqueued, entry)
	return nil
}

// fakeProber is a Prober double returning a fixed duration (or error).
type fakeProber struct {
	duration float64
	err      error
}

func (f *fakeProber) ProbeDuration(ctx context.Context, mediaPath string) (float64, error) {
	return f.duration, f.err
}

func multipartHeaderFor(t *testing.T, filename string, content []byte) *multipart.FileHeader {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Disposition": []string{`form-data; name="file"; filename="` + filename + `"`},
		"Content-Type":        []string{"audio/mpeg"},
	})
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req, err := http.NewRequest(http.MethodPost, "/upload", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", w.FormDataContentType())
	require.NoError(t, req.ParseMultipartForm(32<<20))

	_, headers, err := req.FormFile("file")
	require.NoError(t, err)
	return headers
}

func TestReceiveStreaming_WritesFullBodyWithinLimit(t *testing.T) {
	dir := t.TempDir()
	p := &Pipeline{cfg: Config{MaxFileSize: 1 << 20}}

	content := bytes.Repeat([]byte("a"), 1000)
	header := multipartHeaderFor(t, "clip.mp3", content)

	dst := filepath.Join(dir, "upload.tmp")
	sniffHead, err := p.receiveStreaming(header, dst)
	require.NoError(t, err)
	assert.Len(t, sniffHead, 512)

	written, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, content, written)
}

func TestReceiveStreaming_RejectsOversizedBody(t *testing.T) {
	dir := t.TempDir()
	p := &Pipeline{cfg: Config{MaxFileSize: 100}}

	content := bytes.Repeat([]byte("a"), 101)
	header := multipartHeaderFor(t, "clip.mp3", content)

	dst := filepath.Join(dir, "upload.tmp")
	_, err := p.receiveStreaming(header, dst)
	require.Error(t, err)
}

func TestReceiveStreaming_ExactLimitSucceeds(t *testing.T) {
	dir := t.TempDir()
	p := &Pipeline{cfg: Config{MaxFileSize: 100}}

	content := bytes.Repeat([]byte("a"), 100)
	header := multipartHeaderFor(t, "clip.mp3", content)

	dst := filepath.Join(dir, "upload.tmp")
	_, err := p.receiveStreaming(header, dst)
	assert.NoError(t, err)
}

func TestNewAllowedTypeSet(t *testing.T) {
	set := newAllowedTypeSet([]string{"audio/mpeg", "audio/wav"})
	assert.True(t, set["audio/mpeg"])
	assert.False(t, set["video/mp4"])
}

func newTestPipeline(t *testing.T, fs *fakeStore, fb *fakeBroker, fp *fakeProber) *Pipeline {
	t.Helper()
	return New(Config{
		UploadDir:                 t.TempDir(),
		MaxFileSize:               1 << 20,
		MaxDurationHours:          2,
		AllowedMediaTypes:         []string{"audio/mpeg"},
		DefaultTranscriptionModel: models.ModelWhisperX,
		ProbeTimeout:              time.Second,
	}, fs, fb, fp)
}

func TestAccept_RejectsUnsupportedDeclaredContentType(t *testing.T) {
	fs, fb, fp := &fakeStore{}, &fakeBroker{}, &fakeProber{duration: 60}
	p := newTestPipeline(t, fs, fb, fp)

	header := multipartHeaderFor(t, "clip.mp3", []byte("audio bytes"))
	header.Header.Set("Content-Type", "video/mp4")

	_, err := p.Accept(context.Background(), header, "video/mp4")
	require.Error(t, err)
	ae, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.KindUnsupportedFormat, ae.Kind)
	assert.Empty(t, fs.created)
	assert.Empty(t, fb.enqueued)
}

func TestAccept_RejectsDurationOverLimit(t *testing.T) {
	fs, fb := &fakeStore{}, &fakeBroker{}
	fp := &fakeProber{duration: 3 * 3600}
	p := newTestPipeline(t, fs, fb, fp)

	header := multipartHeaderFor(t, "clip.mp3", []byte("audio bytes"))

	_, err := p.Accept(context.Background(), header, "audio/mpeg")
	require.Error(t, err)
	ae, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.KindDurationExceeded, ae.Kind)
	assert.Empty(t, fs.created)
	assert.Empty(t, fb.enqueued)
}

func TestAccept_SuccessCreatesJobAndEnqueuesEntry(t *testing.T) {
	fs, fb := &fakeStore{}, &fakeBroker{}
	fp := &fakeProber{duration: 42.5}
	p := newTestPipeline(t, fs, fb, fp)

	header := multipartHeaderFor(t, "clip.mp3", []byte("audio bytes"))

	jobID, err := p.Accept(context.Background(), header, "audio/mpeg")
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	require.Len(t, fs.created, 1)
	assert.Equal(t, jobID, fs.created[0].ID)
	assert.Equal(t, models.StatusPending, fs.created[0].Status)
	assert.Equal(t, 42.5, fs.created[0].DurationSeconds)

	require.Len(t, fb.enqueued, 1)
	assert.Equal(t, jobID, fb.enqueued[0].JobID)
}
