package pipeline

import (
	"errors"
	"fmt"
)

// FailureClass tells the job runner how to react to a stage failure.
type FailureClass string

const (
	// ClassRetryable failures are transient: the attempt is consumed and the
	// job is rescheduled while attempts remain.
	ClassRetryable FailureClass = "retryable"
	// ClassFatal failures cannot succeed on retry (missing source, malformed
	// input). The attempt is consumed and the job goes straight to the dead
	// letter queue.
	ClassFatal FailureClass = "fatal"
)

// StageError wraps a pipeline stage failure with the stage name and the
// failure class the runner uses for retry decisions.
type StageError struct {
	Stage string
	Class FailureClass
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Fatal marks a stage failure that retrying cannot fix.
func Fatal(stage string, err error) *StageError {
	return &StageError{Stage: stage, Class: ClassFatal, Err: err}
}

// Retryable marks a stage failure worth another attempt.
func Retryable(stage string, err error) *StageError {
	return &StageError{Stage: stage, Class: ClassRetryable, Err: err}
}

// IsFatal reports whether err carries a fatal stage classification. Errors
// without a StageError in their chain default to retryable.
func IsFatal(err error) bool {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Class == ClassFatal
	}
	return false
}
