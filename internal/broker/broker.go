// Package broker implements the two named FIFO queues (belle2, whisperx) as
// a reliable Redis-list queue: BRPOPLPUSH into a per-queue processing list,
// a sorted-set lease ledger keyed by deadline, and a reclaimer goroutine
// that redelivers entries whose visibility timeout has expired — the
// backend-type-redis-lists shape from the pack's reliable-queue reference,
// adapted from the teacher's ticker-driven jobScanner/autoScaler pattern
// (poll-the-store, on a timer) to a poll-the-lease-ledger sweep.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"klipnote/internal/models"
	"klipnote/pkg/logger"
)

// ErrEmpty is returned by Dequeue when no entry became available before the
// requested timeout elapsed.
var ErrEmpty = errors.New("broker: queue empty")

func queueKey(queue models.Model) string      { return fmt.Sprintf("queue:%s", queue) }
func processingKey(queue models.Model) string { return fmt.Sprintf("queue:%s:processing", queue) }
func leasesKey(queue models.Model) string     { return fmt.Sprintf("queue:%s:leases", queue) }

// Broker is the durable two-queue FIFO broker. Queues are independent so
// worker pools subscribe to exactly the one they can serve and cannot steal
// work from the other (spec.md §4.2's deliberate no-fairness design).
type Broker struct {
	rdb               *redis.Client
	visibilityTimeout time.Duration
	maxDeliveries     int
}

func New(rdb *redis.Client, visibilityTimeout time.Duration, maxDeliveries int) *Broker {
	return &Broker{rdb: rdb, visibilityTimeout: visibilityTimeout, maxDeliveries: maxDeliveries}
}

// Enqueue appends a QueueEntry to the tail of the named queue.
func (b *Broker) Enqueue(ctx context.Context, queue models.Model, entry models.QueueEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("broker: marshal entry: %w", err)
	}
	if err := b.rdb.LPush(ctx, queueKey(queue), payload).Err(); err != nil {
		return fmt.Errorf("broker: enqueue: %w", err)
	}
	return nil
}

// Dequeue blocks up to timeout for the head entry of queue. On success the
// entry is atomically moved to the queue's processing list and a lease is
// recorded in the lease ledger with a deadline visibilityTimeout from now;
// Ack must be called before that deadline or the reclaimer will redeliver
// it. Deliveries is incremented on every dequeue, including the first.
func (b *Broker) Dequeue(ctx context.Context, queue models.Model, timeout time.Duration) (*models.QueueEntry, error) {
	raw, err := b.rdb.BRPopLPush(ctx, queueKey(queue), processingKey(queue), timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("broker: dequeue: %w", err)
	}

	var entry models.QueueEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("broker: unmarshal entry: %w", err)
	}
	entry.Deliveries++

	deadline := time.Now().Add(b.visibilityTimeout).Unix()
	if err := b.rdb.ZAdd(ctx, leasesKey(queue), redis.Z{Score: float64(deadline), Member: entry.JobID}).Err(); err != nil {
		return nil, fmt.Errorf("broker: record lease: %w", err)
	}

	// Re-push the updated delivery count so a redelivery (via the
	// reclaimer, not this call) sees the incremented count too.
	updated, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("broker: marshal updated entry: %w", err)
	}
	if err := b.rdb.LRem(ctx, processingKey(queue), 1, raw).Err(); err != nil {
		return nil, fmt.Errorf("broker: replace processing entry: %w", err)
	}
	if err := b.rdb.LPush(ctx, processingKey(queue), updated).Err(); err != nil {
		return nil, fmt.Errorf("broker: replace processing entry: %w", err)
	}

	return &entry, nil
}

// Ack removes a job's processing-list entry and lease once a worker commits
// a terminal state. Idempotent: acking a job with no live lease (already
// acked, or never delivered) is a no-op, matching spec.md §4.2's
// at-most-once-per-delivery idempotence requirement.
func (b *Broker) Ack(ctx context.Context, queue models.Model, jobID string) error {
	if err := b.rdb.ZRem(ctx, leasesKey(queue), jobID).Err(); err != nil {
		return fmt.Errorf("broker: ack lease: %w", err)
	}

	entries, err := b.rdb.LRange(ctx, processingKey(queue), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("broker: ack list entries: %w", err)
	}
	for _, raw := range entries {
		var entry models.QueueEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		if entry.JobID == jobID {
			if err := b.rdb.LRem(ctx, processingKey(queue), 1, raw).Err(); err != nil {
				return fmt.Errorf("broker: remove processing entry: %w", err)
			}
			break
		}
	}
	return nil
}

// Depth returns the number of entries waiting (not yet dequeued) on queue.
func (b *Broker) Depth(ctx context.Context, queue models.Model) (int64, error) {
	n, err := b.rdb.LLen(ctx, queueKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("broker: depth: %w", err)
	}
	return n, nil
}

// leaseAlive reports whether a lease with the given deadline (unix seconds)
// is still within its visibility timeout as of now. A deadline exactly equal
// to now has expired: the boundary instant belongs to expiry, not to the
// holder, matching reclaimExpired's inclusive ZRangeByScore Max bound.
// Extracted as a pure function so the exact-boundary case is testable
// without a live Redis.
func leaseAlive(deadlineUnix, nowUnix int64) bool {
	return deadlineUnix > nowUnix
}

// HasLiveLease reports whether jobID currently holds an unexpired lease on
// any queue. Consulted by store.RecoverStaleProcessing to distinguish a
// job merely mid-inference from one whose worker has disappeared.
func (b *Broker) HasLiveLease(ctx context.Context, jobID string) (bool, error) {
	for _, queue := range []models.Model{models.ModelBelle2, models.ModelWhisperX} {
		score, err := b.rdb.ZScore(ctx, leasesKey(queue), jobID).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("broker: lease lookup: %w", err)
		}
		if leaseAlive(int64(score), time.Now().Unix()) {
			return true, nil
		}
	}
	return false, nil
}

// RunReclaimer sweeps the lease ledgers of every queue on every tick,
// moving processing-list entries whose lease has expired back onto the
// tail of their originating queue for redelivery, behind any entries
// already waiting there. Entries that have
// already reached maxDeliveries are dropped from processing without
// redelivery — the caller (worker pool) is expected to have already
// transitioned them to failed(transient_exhausted) by the time the lease
// actually expires, since the worker itself enforces the same cap; this is
// the backstop for a worker that crashed outright.
func (b *Broker) RunReclaimer(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, queue := range []models.Model{models.ModelBelle2, models.ModelWhisperX} {
				if err := b.reclaimExpired(ctx, queue); err != nil {
					logger.Error("reclaimer sweep failed", "queue", queue, "error", err)
				}
			}
		}
	}
}

func (b *Broker) reclaimExpired(ctx context.Context, queue models.Model) error {
	now := float64(time.Now().Unix())
	expired, err := b.rdb.ZRangeByScore(ctx, leasesKey(queue), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return fmt.Errorf("reclaim scan: %w", err)
	}

	for _, jobID := range expired {
		entries, err := b.rdb.LRange(ctx, processingKey(queue), 0, -1).Result()
		if err != nil {
			logger.Error("reclaim list read failed", "queue", queue, "job_id", jobID, "error", err)
			continue
		}

		for _, raw := range entries {
			var entry models.QueueEntry
			if err := json.Unmarshal([]byte(raw), &entry); err != nil {
				continue
			}
			if entry.JobID != jobID {
				continue
			}

			if err := b.rdb.LRem(ctx, processingKey(queue), 1, raw).Err(); err != nil {
				logger.Error("reclaim remove failed", "queue", queue, "job_id", jobID, "error", err)
				continue
			}
			if err := b.rdb.ZRem(ctx, leasesKey(queue), jobID).Err(); err != nil {
				logger.Error("reclaim lease remove failed", "queue", queue, "job_id", jobID, "error", err)
			}

			if entry.Deliveries >= b.maxDeliveries {
				logger.Warn("dropping entry at max deliveries during reclaim",
					"queue", queue, "job_id", jobID, "deliveries", entry.Deliveries)
				continue
			}

			if err := b.rdb.LPush(ctx, queueKey(queue), raw).Err(); err != nil {
				logger.Error("reclaim requeue failed", "queue", queue, "job_id", jobID, "error", err)
				continue
			}
			logger.Info("redelivered expired lease", "queue", queue, "job_id", jobID, "deliveries", entry.Deliveries)
			break
		}
	}

	return nil
}
