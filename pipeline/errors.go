package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrResumptionInconsistency is returned when a job's recorded state
	// requires an artifact that is no longer on disk.
	ErrResumptionInconsistency = errors.New("pipeline: resumption inconsistency")
	// ErrCancelled is returned when a job was cancelled while it ran.
	ErrCancelled = errors.New("pipeline: job cancelled")
)

// StageError records which step of a job failed.
type StageError struct {
	JobID string
	Stage string
	// Chunk is the 1-based chunk index for transcription failures.
	Chunk int
	Err   error
}

func (e *StageError) Error() string {
	if e.Chunk > 0 {
		return fmt.Sprintf("pipeline: job %s: %s chunk %d: %v", e.JobID, e.Stage, e.Chunk, e.Err)
	}
	return fmt.Sprintf("pipeline: job %s: %s: %v", e.JobID, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
