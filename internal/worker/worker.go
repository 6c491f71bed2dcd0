// Package worker implements the Dispatcher & Workers component: one fixed-
// size pool per model queue, each gated by a GPU-lease semaphore, running
// the phased progress protocol of spec.md §4.5. Grounded on the teacher's
// internal/queue/queue.go worker loop shape (per-job context, status
// transitions on enter/exit) with its autoscaler removed — GPU VRAM is a
// hard physical ceiling, not an elastic resource the way the teacher's
// CPU-bound pool treats worker count — and its channel-based dequeue
// replaced by broker.Dequeue blocking calls.
package worker

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/semaphore"

	"klipnote/internal/broker"
	"klipnote/internal/models"
	"klipnote/internal/store"
	"klipnote/internal/transcription"
	"klipnote/pkg/logger"
)

// Store is the subset of the Job Store's contract the dispatcher needs.
// Declared here, at the point of use, rather than imported as the concrete
// *store.JobStore, so Pool can be driven in tests against a fake without a
// live Redis — store.JobStore satisfies this interface structurally.
type Store interface {
	GetStatus(ctx context.Context, id string) (*models.Job, error)
	UpdateStatus(ctx context.Context, id string, mutator store.Mutator) (*models.Job, error)
	PutResult(ctx context.Context, id string, transcript *models.Transcript) (*models.Job, error)
}

// Broker is the subset of the broker's contract the dispatcher needs.
// broker.Broker satisfies this interface structurally.
type Broker interface {
	Dequeue(ctx context.Context, queue models.Model, timeout time.Duration) (*models.QueueEntry, error)
	Ack(ctx context.Context, queue models.Model, jobID string) error
}

// Pool runs a fixed number of concurrent workers against one model queue,
// each holding a GPU lease for the duration of model load through inference.
type Pool struct {
	model             models.Model
	broker            Broker
	store             Store
	service           transcription.Service
	lease             *semaphore.Weighted
	maxDeliveries     int
	dequeueTimeout    time.Duration
	inferenceMultiple int
}

// NewPool constructs a Pool with concurrency GPU-lease permits. concurrency
// is the pool's max_concurrent_jobs (typically 1 — a full model occupies
// most of a GPU's VRAM).
func NewPool(model models.Model, b Broker, s Store, svc transcription.Service, concurrency, maxDeliveries, inferenceMultiple int, dequeueTimeout time.Duration) *Pool {
	return &Pool{
		model:             model,
		broker:            b,
		store:             s,
		service:           svc,
		lease:             semaphore.NewWeighted(int64(concurrency)),
		maxDeliveries:     maxDeliveries,
		dequeueTimeout:    dequeueTimeout,
		inferenceMultiple: inferenceMultiple,
	}
}

// Run drives the pool's dequeue loop until ctx is cancelled. Intended to be
// launched inside an errgroup alongside its sibling pool and the broker's
// reclaimer so all three stop together on shutdown.
func (p *Pool) Run(ctx context.Context) error {
	logger.Info("worker pool started", "model", p.model)
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker pool stopping", "model", p.model)
			return nil
		default:
		}

		entry, err := p.broker.Dequeue(ctx, p.model, p.dequeueTimeout)
		if errors.Is(err, broker.ErrEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("dequeue failed", "model", p.model, "error", err)
			continue
		}

		// Acquiring the lease blocks until VRAM budget frees up. A worker
		// may not begin model load before it holds the permit.
		if err := p.lease.Acquire(ctx, 1); err != nil {
			return nil
		}

		go p.process(ctx, entry)
	}
}

func (p *Pool) process(ctx context.Context, entry *models.QueueEntry) {
	defer p.lease.Release(1)

	jobID := entry.JobID
	start := time.Now()

	job, err := p.store.GetStatus(ctx, jobID)
	if err != nil {
		logger.Error("worker could not load job for dequeued entry", "job_id", jobID, "error", err)
		return
	}

	// Idempotence: a redelivery of a job already in a terminal state is a
	// no-op. Ack immediately so the entry does not linger in the
	// processing list.
	if job.Status == models.StatusCompleted || job.Status == models.StatusFailed {
		logger.Info("skipping duplicate delivery of terminal job", "job_id", jobID, "status", job.Status)
		_ = p.broker.Ack(ctx, p.model, jobID)
		return
	}

	if err := p.advance(ctx, jobID, models.PhaseModelLoad); err != nil {
		logger.Error("failed to record model-load phase", "job_id", jobID, "error", err)
		return
	}

	if err := p.advance(ctx, jobID, models.PhaseTranscribe); err != nil {
		logger.Error("failed to record transcribe phase", "job_id", jobID, "error", err)
		return
	}

	ceiling := time.Duration(p.inferenceMultiple) * time.Duration(job.DurationSeconds*float64(time.Second))
	inferCtx, cancel := context.WithTimeout(ctx, ceiling)
	transcript, err := p.service.Transcribe(inferCtx, job.MediaPath, job.LanguageHint)
	cancel()

	if err != nil {
		p.handleFailure(ctx, jobID, entry, err)
		return
	}

	if err := p.advance(ctx, jobID, models.PhaseAlign); err != nil {
		logger.Error("failed to record align phase", "job_id", jobID, "error", err)
		return
	}

	normalized := normalizeSegments(transcript.Segments, job.DurationSeconds)
	transcript.Segments = normalized

	if _, err := p.store.PutResult(ctx, jobID, transcript); err != nil {
		logger.Error("failed to commit result", "job_id", jobID, "error", err)
		return
	}

	if err := p.broker.Ack(ctx, p.model, jobID); err != nil {
		logger.Error("failed to ack completed job", "job_id", jobID, "error", err)
	}

	logger.JobTerminal(jobID, time.Since(start), "completed", "")
}

func (p *Pool) advance(ctx context.Context, jobID string, phase models.Phase) error {
	_, err := p.store.UpdateStatus(ctx, jobID, func(j *models.Job) error {
		j.Status = models.StatusProcessing
		j.Progress = phase.Progress
		j.Message = phase.Message
		return nil
	})
	if err == nil {
		logger.PhaseTransition(jobID, string(p.model), phase.Progress, phase.Message)
	}
	return err
}

// handleFailure classifies a Transcribe error and either leaves the queue
// entry un-acked (transient, so the broker's visibility timeout redelivers
// it) or fails the job terminally (permanent, cancelled, or transient past
// the redelivery cap).
func (p *Pool) handleFailure(ctx context.Context, jobID string, entry *models.QueueEntry, err error) {
	kind := transcription.Classify(err)

	if kind == transcription.FailureTransient && entry.Deliveries < p.maxDeliveries {
		logger.Warn("transient transcription failure, leaving entry for redelivery",
			"job_id", jobID, "deliveries", entry.Deliveries, "max_deliveries", p.maxDeliveries, "error", err)
		return
	}

	errorKind := models.ErrorKindPermanent
	message := err.Error()
	switch {
	case kind == transcription.FailureCancelled:
		errorKind = models.ErrorKindCancelled
		message = "job was cancelled"
	case kind == transcription.FailureTransient:
		errorKind = models.ErrorKindTransientExhausted
		message = "transcription failed after exhausting all redelivery attempts"
	}

	if _, updateErr := p.store.UpdateStatus(ctx, jobID, func(j *models.Job) error {
		j.Status = models.StatusFailed
		j.Error = &models.JobError{Kind: errorKind, Message: message}
		return nil
	}); updateErr != nil {
		logger.Error("failed to record terminal failure", "job_id", jobID, "error", updateErr)
		return
	}

	if ackErr := p.broker.Ack(ctx, p.model, jobID); ackErr != nil {
		logger.Error("failed to ack terminally failed job", "job_id", jobID, "error", ackErr)
	}

	logger.JobTerminal(jobID, 0, "failed", string(errorKind))
}

// normalizeSegments applies spec.md §4.5 step 4's normalization: drop empty
// text, clip negative starts to 0, clamp ends to media duration, stable-sort
// by start, drop malformed (end <= start) segments.
func normalizeSegments(segments []models.Segment, duration float64) []models.Segment {
	out := make([]models.Segment, 0, len(segments))
	for _, seg := range segments {
		if trimmed := trimText(seg.Text); trimmed == "" {
			continue
		} else {
			seg.Text = trimmed
		}
		if seg.Start < 0 {
			seg.Start = 0
		}
		if duration > 0 && seg.End > duration {
			seg.End = duration
		}
		if seg.End <= seg.Start {
			logger.Warn("dropping malformed segment", "start", seg.Start, "end", seg.End)
			continue
		}
		out = append(out, seg)
	}
	stableSortByStart(out)
	return out
}

func trimText(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

func stableSortByStart(segments []models.Segment) {
	for i := 1; i < len(segments); i++ {
		for j := i; j > 0 && segments[j].Start < segments[j-1].Start; j-- {
			segments[j], segments[j-1] = segments[j-1], segments[j]
		}
	}
}
