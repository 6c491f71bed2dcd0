// Package transcription defines the TranscriptionService contract consumed by
// the Dispatcher & Workers component, plus the belle2 and whisperx adapters
// that satisfy it by shelling out to external model runners.
package transcription

import (
	"context"
	"fmt"

	"klipnote/internal/models"
)

// FailureKind classifies a Transcribe/ProbeDuration error for the worker's
// retry logic. Exactly three variants matter to callers: Transient errors are
// retried via broker redelivery, Permanent and Cancelled are not.
type FailureKind int

const (
	FailureTransient FailureKind = iota
	FailurePermanent
	FailureCancelled
)

func (k FailureKind) String() string {
	switch k {
	case FailureTransient:
		return "transient"
	case FailurePermanent:
		return "permanent"
	case FailureCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error wraps an adapter failure with its classification. Workers type-assert
// for *Error to decide between redelivery and a terminal failed state; any
// other error returned by a Service is treated as Permanent.
type Error struct {
	Kind    FailureKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func transient(message string, cause error) *Error {
	return &Error{Kind: FailureTransient, Message: message, Cause: cause}
}

func permanent(message string, cause error) *Error {
	return &Error{Kind: FailurePermanent, Message: message, Cause: cause}
}

func cancelled(message string) *Error {
	return &Error{Kind: FailureCancelled, Message: message}
}

// Classify reports the FailureKind of err, defaulting to Permanent for errors
// that were not produced by an adapter (spec.md §4.5: anything not explicitly
// Transient or Cancelled is treated as Permanent).
func Classify(err error) FailureKind {
	var te *Error
	if ok := AsError(err, &te); ok {
		return te.Kind
	}
	return FailurePermanent
}

// AsError is a small errors.As wrapper kept local so callers don't need the
// stdlib errors import just to unwrap a *Error.
func AsError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Service is the narrow contract the worker pools depend on. belle2 and
// whisperx are tagged variants selected by the router, not a pluggable
// registry — spec.md fixes the model set at exactly two.
type Service interface {
	// Transcribe runs the model end to end and returns a start-sorted
	// Transcript. ctx carries the inference hard ceiling; a context
	// cancellation/deadline during the subprocess call must surface as a
	// Cancelled or Transient *Error, never a bare context error.
	Transcribe(ctx context.Context, mediaPath, languageHint string) (*models.Transcript, error)

	// ProbeDuration extracts media duration in seconds. The worker does not
	// call it, and the Upload Pipeline probes through its own media.Prober —
	// kept on the same interface because both the adapters and the probe step
	// shell out to the same external tooling family in the reference deployment.
	ProbeDuration(ctx context.Context, mediaPath string) (float64, error)
}

// ForModel returns the Service implementation bound to the given model,
// wired with the executable paths and resource directories from cfg.
func ForModel(model models.Model, cfg AdapterConfig) (Service, error) {
	switch model {
	case models.ModelBelle2:
		return NewBelle2Adapter(cfg), nil
	case models.ModelWhisperX:
		return NewWhisperXAdapter(cfg), nil
	default:
		return nil, fmt.Errorf("transcription: unknown model %q", model)
	}
}

// AdapterConfig carries the handful of environment-derived paths every
// adapter needs to construct its subprocess invocation.
type AdapterConfig struct {
	UVPath      string
	FFprobePath string
	WorkDir     string // parent directory under which each Transcribe call creates its own temp output directory
}
