package store

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"klipnote/internal/models"
)

func TestCheckMonotonic_AllowsForwardProgress(t *testing.T) {
	before := models.Job{Status: models.StatusProcessing, Progress: 20}
	after := models.Job{Status: models.StatusProcessing, Progress: 40}
	assert.NoError(t, checkMonotonic(before, after))
}

func TestCheckMonotonic_RejectsProgressRegression(t *testing.T) {
	before := models.Job{Status: models.StatusProcessing, Progress: 80}
	after := models.Job{Status: models.StatusProcessing, Progress: 40}
	assert.Error(t, checkMonotonic(before, after))
}

func TestCheckMonotonic_RejectsStatusRegression(t *testing.T) {
	before := models.Job{Status: models.StatusCompleted, Progress: 100}
	after := models.Job{Status: models.StatusProcessing, Progress: 80}
	assert.Error(t, checkMonotonic(before, after))
}

func TestCheckMonotonic_RejectsPendingToCompletedSkip(t *testing.T) {
	before := models.Job{Status: models.StatusPending, Progress: 10}
	after := models.Job{Status: models.StatusCompleted, Progress: 100}
	assert.Error(t, checkMonotonic(before, after))
}

func TestCheckMonotonic_AllowsPendingToProcessing(t *testing.T) {
	before := models.Job{Status: models.StatusPending, Progress: 10}
	after := models.Job{Status: models.StatusProcessing, Progress: 20}
	assert.NoError(t, checkMonotonic(before, after))
}

func TestCheckMonotonic_AllowsProcessingToFailed(t *testing.T) {
	before := models.Job{Status: models.StatusProcessing, Progress: 40}
	after := models.Job{Status: models.StatusFailed, Progress: 40}
	assert.NoError(t, checkMonotonic(before, after))
}

func TestCheckMonotonic_RejectsCompletedToFailed(t *testing.T) {
	before := models.Job{Status: models.StatusCompleted, Progress: 100}
	after := models.Job{Status: models.StatusFailed, Progress: 100}
	assert.Error(t, checkMonotonic(before, after))
}

func TestCheckMonotonic_RejectsFailedToCompleted(t *testing.T) {
	before := models.Job{Status: models.StatusFailed, Progress: 40}
	after := models.Job{Status: models.StatusCompleted, Progress: 100}
	assert.Error(t, checkMonotonic(before, after))
}

func TestCheckMonotonic_AllowsTerminalStateRepeated(t *testing.T) {
	before := models.Job{Status: models.StatusCompleted, Progress: 100}
	after := models.Job{Status: models.StatusCompleted, Progress: 100}
	assert.NoError(t, checkMonotonic(before, after))
}
