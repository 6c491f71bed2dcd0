package api

import (
	"context"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klipnote/internal/apierr"
	"klipnote/internal/config"
	"klipnote/internal/models"
)

// fakeStore is an in-memory Store double keyed by job id.
type fakeStore struct {
	jobs    map[string]*models.Job
	results map[string]*models.Transcript
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: map[string]*models.Job{}, results: map[string]*models.Transcript{}}
}

func (f *fakeStore) GetStatus(ctx context.Context, id string) (*models.Job, error) {
	job, ok := f.jobs[id]
	if !ok {
		return nil, apierr.New(apierr.KindNotFound, "job not found")
	}
	return job, nil
}

func (f *fakeStore) GetResult(ctx context.Context, id string) (*models.Transcript, error) {
	result, ok := f.results[id]
	if !ok {
		return nil, apierr.New(apierr.KindNotFound, "result not found")
	}
	return result, nil
}

// fakeUploader is an Uploader double returning a fixed job id or error.
type fakeUploader struct {
	jobID string
	err   error
}

func (f *fakeUploader) Accept(ctx context.Context, header *multipart.FileHeader, declaredContentType string) (string, error) {
	return f.jobID, f.err
}

func newTestHandler(fs *fakeStore, fu *fakeUploader) *Handler {
	return NewHandler(&config.Config{}, fs, fu)
}

func setupGin() {
	gin.SetMode(gin.TestMode)
}

// TestGetResult_IncompleteJobReturnsNotReadyNotNotFound covers spec.md §8's
// required distinction: a job mid-phase (e.g. phase 40, transcribing) must
// answer /result with 409 NotReady, never 404 NotFound.
func TestGetResult_IncompleteJobReturnsNotReadyNotNotFound(t *testing.T) {
	setupGin()
	fs := newFakeStore()
	fs.jobs["job-1"] = &models.Job{ID: "job-1", Status: models.StatusProcessing, Progress: 40}
	h := newTestHandler(fs, &fakeUploader{})

	r := gin.New()
	r.GET("/result/:job_id", h.GetResult)

	req := httptest.NewRequest(http.MethodGet, "/result/job-1", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "not_ready")
}

// TestGetResult_IncompleteJobHonorsNotReadyAs404Flag covers the documented
// compatibility switch: with ResultNotReadyAs404 set, the same incomplete
// job answers 404 instead of 409, with a distinct not_ready body so a client
// can still tell it apart from a truly unknown job.
func TestGetResult_IncompleteJobHonorsNotReadyAs404Flag(t *testing.T) {
	setupGin()
	fs := newFakeStore()
	fs.jobs["job-1"] = &models.Job{ID: "job-1", Status: models.StatusProcessing, Progress: 40}
	h := NewHandler(&config.Config{ResultNotReadyAs404: true}, fs, &fakeUploader{})

	r := gin.New()
	r.GET("/result/:job_id", h.GetResult)

	req := httptest.NewRequest(http.MethodGet, "/result/job-1", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "not_ready")
}

// TestGetResult_UnknownJobReturnsNotFound covers the other half of the
// distinction: a job id the store has never heard of is NotFound regardless
// of the compatibility flag.
func TestGetResult_UnknownJobReturnsNotFound(t *testing.T) {
	setupGin()
	fs := newFakeStore()
	h := newTestHandler(fs, &fakeUploader{})

	r := gin.New()
	r.GET("/result/:job_id", h.GetResult)

	req := httptest.NewRequest(http.MethodGet, "/result/does-not-exist", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "not_found")
}

func TestGetResult_CompletedJobReturnsSegments(t *testing.T) {
	setupGin()
	fs := newFakeStore()
	fs.jobs["job-1"] = &models.Job{ID: "job-1", Status: models.StatusCompleted, Progress: 100, HasResult: true}
	fs.results["job-1"] = &models.Transcript{Segments: []models.Segment{{Start: 0, End: 1, Text: "hi"}}}
	h := newTestHandler(fs, &fakeUploader{})

	r := gin.New()
	r.GET("/result/:job_id", h.GetResult)

	req := httptest.NewRequest(http.MethodGet, "/result/job-1", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"hi"`)
}

func TestGetStatus_UnknownJobReturnsNotFound(t *testing.T) {
	setupGin()
	fs := newFakeStore()
	h := newTestHandler(fs, &fakeUploader{})

	r := gin.New()
	r.GET("/status/:job_id", h.GetStatus)

	req := httptest.NewRequest(http.MethodGet, "/status/does-not-exist", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetStatus_KnownJobReturnsStatusRecord(t *testing.T) {
	setupGin()
	fs := newFakeStore()
	fs.jobs["job-1"] = &models.Job{ID: "job-1", Status: models.StatusProcessing, Progress: 20, Message: "Loading AI model…"}
	h := newTestHandler(fs, &fakeUploader{})

	r := gin.New()
	r.GET("/status/:job_id", h.GetStatus)

	req := httptest.NewRequest(http.MethodGet, "/status/job-1", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"progress":20`)
}
