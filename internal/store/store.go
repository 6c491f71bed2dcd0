// Package store implements the Job Store: the durable per-job record backed
// by Redis, the "Redis-equivalent" durable key-value store spec.md §4.1 calls
// for. Two logical keyspaces per job — a status record and a result, each a
// JSON string — plus a materialized on-disk transcript copy for restart survival.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"klipnote/internal/apierr"
	"klipnote/internal/models"
	"klipnote/pkg/logger"
)

var (
	// ErrAlreadyExists is returned by Create when job.ID collides with an
	// existing record. Should never happen in practice — IDs are UUIDv4 —
	// but is surfaced rather than silently overwritten.
	ErrAlreadyExists = errors.New("store: job already exists")

	// ErrInvariantViolation is returned by UpdateStatus when a mutator
	// attempts to move status or progress backwards. Logged only, never
	// surfaced to a client (spec.md §7).
	ErrInvariantViolation = errors.New("store: status mutation violates monotonicity invariant")
)

// Mutator transforms a Job in place during UpdateStatus. Returning a non-nil
// error aborts the transaction; the store does not interpret the error
// beyond aborting, except to check the result against the monotonicity rule
// below, which it enforces itself rather than trusting the mutator.
type Mutator func(job *models.Job) error

// JobStore is the sole owner of Job records. Every field it exposes maps
// directly onto spec.md §4.1's contract.
type JobStore struct {
	rdb       *redis.Client
	uploadDir string

	// mu serializes UpdateStatus/PutResult per job id in this process, in
	// addition to the Redis-side WATCH/MULTI transaction — belt and
	// suspenders given §5's single-owner-per-job invariant, and cheap since
	// at most one worker ever holds a job at a time.
	mu   sync.Mutex
	locks map[string]*sync.Mutex
}

func New(rdb *redis.Client, uploadDir string) *JobStore {
	return &JobStore{rdb: rdb, uploadDir: uploadDir, locks: make(map[string]*sync.Mutex)}
}

func (s *JobStore) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func statusKey(id string) string { return fmt.Sprintf("job:%s:status", id) }
func resultKey(id string) string { return fmt.Sprintf("job:%s:result", id) }

// Create persists a new pending Job. Fails with ErrAlreadyExists if the id
// collides with an existing record.
func (s *JobStore) Create(ctx context.Context, job *models.Job) error {
	key := statusKey(job.ID)

	existed, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("store: create exists check: %w", err)
	}
	if existed > 0 {
		return ErrAlreadyExists
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("store: marshal job: %w", err)
	}

	ok, err := s.rdb.SetNX(ctx, key, payload, 0).Result()
	if err != nil {
		return fmt.Errorf("store: create: %w", err)
	}
	if !ok {
		return ErrAlreadyExists
	}
	return nil
}

// UpdateStatus atomically reads, mutates, and writes back a Job. mutator
// must respect the status/progress monotonicity invariant; a violation
// aborts the write and returns ErrInvariantViolation without mutating
// durable state.
func (s *JobStore) UpdateStatus(ctx context.Context, id string, mutator Mutator) (*models.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, apierr.New(apierr.KindNotFound, "job not found")
	}

	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	key := statusKey(id)
	var updated models.Job

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return apierr.New(apierr.KindNotFound, "job not found")
		}
		if err != nil {
			return fmt.Errorf("store: read job: %w", err)
		}

		var job models.Job
		if err := json.Unmarshal(raw, &job); err != nil {
			return fmt.Errorf("store: unmarshal job: %w", err)
		}

		before := job
		if err := mutator(&job); err != nil {
			return err
		}
		if err := checkMonotonic(before, job); err != nil {
			logger.Error("rejected non-monotonic status update", "job_id", id, "error", err)
			return ErrInvariantViolation
		}
		job.UpdatedAt = time.Now().UTC()

		payload, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("store: marshal job: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		if err != nil {
			return err
		}

		updated = job
		return nil
	}

	if err := s.rdb.Watch(ctx, txf, key); err != nil {
		return nil, err
	}
	return &updated, nil
}

// checkMonotonic enforces spec.md §3's status/progress rule: status never
// regresses, never skips pending -> completed directly, progress never
// decreases while processing, and a job already in a terminal state
// (completed or failed) never moves to any other status, terminal or not.
func checkMonotonic(before, after models.Job) error {
	order := map[models.Status]int{
		models.StatusPending:    0,
		models.StatusProcessing: 1,
		models.StatusCompleted:  2,
		models.StatusFailed:     2,
	}

	terminal := before.Status == models.StatusCompleted || before.Status == models.StatusFailed
	if terminal && after.Status != before.Status {
		return fmt.Errorf("status regressed from terminal %s to %s", before.Status, after.Status)
	}
	if order[after.Status] < order[before.Status] {
		return fmt.Errorf("status regressed from %s to %s", before.Status, after.Status)
	}
	if before.Status == models.StatusPending && after.Status == models.StatusCompleted {
		return fmt.Errorf("status skipped processing: pending -> completed")
	}
	if before.Status == models.StatusProcessing && after.Status == models.StatusProcessing && after.Progress < before.Progress {
		return fmt.Errorf("progress decreased from %d to %d while processing", before.Progress, after.Progress)
	}
	return nil
}

// PutResult commits a completed Transcript and the terminal completed@100
// status as one logical operation: the materialized file is written first,
// then the Redis result and status strings are set in a single MULTI so
// a reader never observes completed status without a fetchable result.
func (s *JobStore) PutResult(ctx context.Context, id string, transcript *models.Transcript) (*models.Job, error) {
	payload, err := json.Marshal(transcript)
	if err != nil {
		return nil, fmt.Errorf("store: marshal transcript: %w", err)
	}

	if err := s.writeMaterializedTranscript(id, payload); err != nil {
		return nil, fmt.Errorf("store: write materialized transcript: %w", err)
	}

	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	key := statusKey(id)
	var updated models.Job

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return apierr.New(apierr.KindNotFound, "job not found")
		}
		if err != nil {
			return err
		}

		var job models.Job
		if err := json.Unmarshal(raw, &job); err != nil {
			return err
		}

		job.Status = models.StatusCompleted
		job.Progress = models.PhaseDone.Progress
		job.Message = models.PhaseDone.Message
		job.HasResult = true
		job.UpdatedAt = time.Now().UTC()

		statusPayload, err := json.Marshal(job)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, resultKey(id), payload, 0)
			pipe.Set(ctx, key, statusPayload, 0)
			return nil
		})
		if err != nil {
			return err
		}

		updated = job
		return nil
	}

	if err := s.rdb.Watch(ctx, txf, key); err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *JobStore) writeMaterializedTranscript(id string, payload []byte) error {
	dir := filepath.Join(s.uploadDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, "transcription.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// GetStatus returns the full Job record. Malformed or unknown ids both
// return a NotFound apierr — never a 500.
func (s *JobStore) GetStatus(ctx context.Context, id string) (*models.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, apierr.New(apierr.KindNotFound, "job not found")
	}

	raw, err := s.rdb.Get(ctx, statusKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apierr.New(apierr.KindNotFound, "job not found")
	}
	if err != nil {
		return nil, fmt.Errorf("store: get status: %w", err)
	}

	var job models.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("store: unmarshal job: %w", err)
	}
	return &job, nil
}

// GetResult returns the committed Transcript for a completed job. Callers
// must check job.Status themselves (or call GetStatus first) — GetResult
// returns NotFound when no result key exists at all, which is also true for
// jobs that are merely still processing; the api layer distinguishes
// NotReady from NotFound by checking status before calling GetResult.
func (s *JobStore) GetResult(ctx context.Context, id string) (*models.Transcript, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, apierr.New(apierr.KindNotFound, "job not found")
	}

	raw, err := s.rdb.Get(ctx, resultKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apierr.New(apierr.KindNotFound, "result not found")
	}
	if err != nil {
		return nil, fmt.Errorf("store: get result: %w", err)
	}

	var transcript models.Transcript
	if err := json.Unmarshal(raw, &transcript); err != nil {
		return nil, fmt.Errorf("store: unmarshal transcript: %w", err)
	}
	return &transcript, nil
}

// LeaseChecker reports whether a worker still holds a live lease for a job,
// consulted by RecoverStaleProcessing to distinguish a job that is merely
// slow from one whose worker has actually disappeared. Implemented by
// internal/broker.Broker so internal/store need not import it directly.
type LeaseChecker interface {
	HasLiveLease(ctx context.Context, jobID string) (bool, error)
}

// RecoverStaleProcessing scans job:*:status for records stuck in
// processing whose owning worker lease is gone (process restart, crash
// without redelivery window expiry yet observed) and fails them with
// kind=worker_lost, per spec.md §4.1's restart-recovery rule. Uses SCAN,
// never KEYS, so it never blocks the server on a large keyspace.
func (s *JobStore) RecoverStaleProcessing(ctx context.Context, leases LeaseChecker) (int, error) {
	recovered := 0
	var cursor uint64

	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, "job:*:status", 200).Result()
		if err != nil {
			return recovered, fmt.Errorf("store: scan: %w", err)
		}

		for _, key := range keys {
			raw, err := s.rdb.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				logger.Error("recovery scan read failed", "key", key, "error", err)
				continue
			}

			var job models.Job
			if err := json.Unmarshal(raw, &job); err != nil {
				logger.Error("recovery scan unmarshal failed", "key", key, "error", err)
				continue
			}
			if job.Status != models.StatusProcessing {
				continue
			}

			alive, err := leases.HasLiveLease(ctx, job.ID)
			if err != nil {
				logger.Error("lease check failed during recovery", "job_id", job.ID, "error", err)
				continue
			}
			if alive {
				continue
			}

			if _, err := s.UpdateStatus(ctx, job.ID, func(j *models.Job) error {
				j.Status = models.StatusFailed
				j.Error = &models.JobError{
					Kind:    models.ErrorKindWorkerLost,
					Message: "worker process was lost while this job was processing",
				}
				return nil
			}); err != nil {
				logger.Error("failed to mark job worker_lost", "job_id", job.ID, "error", err)
				continue
			}

			logger.Info("recovered stale processing job", "job_id", job.ID)
			recovered++
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return recovered, nil
}
