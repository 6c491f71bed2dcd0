package models

import "time"

// QueueEntry is the payload carried by a broker queue. Exactly one live entry
// exists per job until a worker acknowledges it: dequeue moves the entry off
// the queue onto the processing list before processing begins, and the
// acknowledgement after a terminal state removes it from there.
type QueueEntry struct {
	JobID      string    `json:"job_id"`
	Model      Model     `json:"model"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	// Deliveries counts how many times this entry has been handed to a worker,
	// including the current delivery. The broker increments it on each dequeue
	// so the worker (and the broker's own redelivery cap) can enforce
	// MaxDeliveries without consulting the Job Store.
	Deliveries int `json:"deliveries"`
}
