package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klipnote/internal/models"
	"klipnote/internal/store"
	"klipnote/internal/transcription"
)

var errFakeStoreMiss = errors.New("fake store: job not found")
var errNotImplemented = errors.New("fake broker: Dequeue not implemented")

// fakeStore is an in-memory Store double: enough of the Job Store's contract
// to drive Pool.process without a live Redis.
type fakeStore struct {
	jobs map[string]*models.Job

	updateStatusCalls int
	putResultCalls    int
}

func newFakeStore(job *models.Job) *fakeStore {
	return &fakeStore{jobs: map[string]*models.Job{job.ID: job}}
}

func (f *fakeStore) GetStatus(ctx context.Context, id string) (*models.Job, error) {
	job, ok := f.jobs[id]
	if !ok {
		return nil, errFakeStoreMiss
	}
	cp := *job
	return &cp, nil
}

func (f *fakeStore) UpdateStatus(ctx context.Context, id string, mutator store.Mutator) (*models.Job, error) {
	f.updateStatusCalls++
	job, ok := f.jobs[id]
	if !ok {
		return nil, errFakeStoreMiss
	}
	if err := mutator(job); err != nil {
		return nil, err
	}
	return job, nil
}

func (f *fakeStore) PutResult(ctx context.Context, id string, transcript *models.Transcript) (*models.Job, error) {
	f.putResultCalls++
	job, ok := f.jobs[id]
	if !ok {
		return nil, errFakeStoreMiss
	}
	job.Status = models.StatusCompleted
	job.Progress = models.PhaseDone.Progress
	job.HasResult = true
	return job, nil
}

// fakeBroker is an in-memory Broker double recording Ack calls.
type fakeBroker struct {
	acked []string
}

func (f *fakeBroker) Dequeue(ctx context.Context, queue models.Model, timeout time.Duration) (*models.QueueEntry, error) {
	return nil, errNotImplemented
}

func (f *fakeBroker) Ack(ctx context.Context, queue models.Model, jobID string) error {
	f.acked = append(f.acked, jobID)
	return nil
}

// fakeService is a transcription.Service double that fails the test if it is
// ever invoked — used to assert a terminal job's redelivery never re-runs
// inference.
type fakeService struct {
	t *testing.T
}

func (f *fakeService) Transcribe(ctx context.Context, mediaPath, languageHint string) (*models.Transcript, error) {
	f.t.Fatal("Transcribe should not be called for an already-terminal job")
	return nil, nil
}

func (f *fakeService) ProbeDuration(ctx context.Context, mediaPath string) (float64, error) {
	f.t.Fatal("ProbeDuration should not be called for an already-terminal job")
	return 0, nil
}

var _ transcription.Service = (*fakeService)(nil)

// TestProcess_DuplicateDeliveryOfTerminalJobIsNoop covers spec.md §8's
// required idempotence property: a redelivered entry for a job already in a
// terminal state acks immediately and never re-runs inference or mutates
// the stored record.
func TestProcess_DuplicateDeliveryOfTerminalJobIsNoop(t *testing.T) {
	job := &models.Job{ID: "job-1", Status: models.StatusCompleted, Progress: 100, HasResult: true}
	fs := newFakeStore(job)
	fb := &fakeBroker{}
	svc := &fakeService{t: t}

	p := NewPool(models.ModelWhisperX, fb, fs, svc, 1, 3, 6, time.Second)

	entry := &models.QueueEntry{JobID: "job-1", Model: models.ModelWhisperX, Deliveries: 2}
	p.process(context.Background(), entry)

	require.Len(t, fb.acked, 1)
	assert.Equal(t, "job-1", fb.acked[0])
	assert.Zero(t, fs.updateStatusCalls)
	assert.Zero(t, fs.putResultCalls)
}

func TestNormalizeSegments_DropsEmptyText(t *testing.T) {
	in := []models.Segment{
		{Start: 0, End: 1, Text: "hello"},
		{Start: 1, End: 2, Text: "   "},
	}
	out := normalizeSegments(in, 10)
	assert.Len(t, out, 1)
	assert.Equal(t, "hello", out[0].Text)
}

func TestNormalizeSegments_ClipsNegativeStart(t *testing.T) {
	in := []models.Segment{{Start: -5, End: 1, Text: "x"}}
	out := normalizeSegments(in, 10)
	assert.Equal(t, 0.0, out[0].Start)
}

func TestNormalizeSegments_ClampsEndToDuration(t *testing.T) {
	in := []models.Segment{{Start: 0, End: 100, Text: "x"}}
	out := normalizeSegments(in, 10)
	assert.Equal(t, 10.0, out[0].End)
}

func TestNormalizeSegments_DropsMalformedEndBeforeStart(t *testing.T) {
	in := []models.Segment{
		{Start: 5, End: 3, Text: "bad"},
		{Start: 0, End: 1, Text: "good"},
	}
	out := normalizeSegments(in, 10)
	assert.Len(t, out, 1)
	assert.Equal(t, "good", out[0].Text)
}

func TestNormalizeSegments_StableSortsByStart(t *testing.T) {
	in := []models.Segment{
		{Start: 3, End: 4, Text: "c"},
		{Start: 1, End: 2, Text: "a"},
		{Start: 2, End: 3, Text: "b"},
	}
	out := normalizeSegments(in, 10)
	assert.Equal(t, []string{"a", "b", "c"}, []string{out[0].Text, out[1].Text, out[2].Text})
}

func TestNormalizeSegments_TrimsWhitespace(t *testing.T) {
	in := []models.Segment{{Start: 0, End: 1, Text: "  hi there  "}}
	out := normalizeSegments(in, 10)
	assert.Equal(t, "hi there", out[0].Text)
}
