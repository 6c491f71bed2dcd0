// Package models defines the data shapes shared by the store, broker, worker,
// and API layers of the orchestration subsystem.
package models

import (
	"time"
)

// Model identifies a transcription backend, and doubles as the broker queue name.
type Model string

const (
	ModelBelle2   Model = "belle2"
	ModelWhisperX Model = "whisperx"
)

// Status is the coarse lifecycle state of a Job. Transitions are monotone:
// pending -> processing -> {completed | failed}. Never backwards, never skipped.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Phase enumerates the discrete points of the phased-progress protocol. Progress
// is drawn only from these values; workers never emit an intermediate percentage.
type Phase struct {
	Progress int
	Message  string
}

var (
	PhaseQueued      = Phase{Progress: 10, Message: "Task queued…"}
	PhaseModelLoad   = Phase{Progress: 20, Message: "Loading AI model…"}
	PhaseTranscribe  = Phase{Progress: 40, Message: "Transcribing audio…"}
	PhaseAlign       = Phase{Progress: 80, Message: "Aligning timestamps…"}
	PhaseDone        = Phase{Progress: 100, Message: "Processing complete"}
)

// ErrorKind is the taxonomy of error.kind values recorded on a failed Job.
type ErrorKind string

const (
	ErrorKindWorkerLost         ErrorKind = "worker_lost"
	ErrorKindTransientExhausted ErrorKind = "transient_exhausted"
	ErrorKindPermanent          ErrorKind = "permanent"
	ErrorKindCancelled          ErrorKind = "cancelled"
)

// JobError captures a terminal failure reason. It is never a stack trace or
// model-internal detail — just a short human sentence paired with a kind.
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Job is the durable per-upload record owned exclusively by the Job Store.
type Job struct {
	ID              string    `json:"id"`
	Status          Status    `json:"status"`
	Progress        int       `json:"progress"`
	Message         string    `json:"message"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	Model           Model     `json:"model"`
	LanguageHint    string    `json:"language_hint,omitempty"`
	MediaPath       string    `json:"media_path"`
	DurationSeconds float64   `json:"duration_seconds"`
	HasResult       bool      `json:"has_result"`
	Error           *JobError `json:"error,omitempty"`
}

// StatusRecord is the wire shape returned by GET /status/{job_id}. It excludes
// the transcript and internal filesystem paths — see spec.md §6.
type StatusRecord struct {
	Status    Status    `json:"status"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Error     *JobError `json:"error,omitempty"`
}

// ToStatusRecord projects a Job onto its public status shape.
func (j *Job) ToStatusRecord() StatusRecord {
	return StatusRecord{
		Status:    j.Status,
		Progress:  j.Progress,
		Message:   j.Message,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
		Error:     j.Error,
	}
}
