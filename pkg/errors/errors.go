package errors

import "errors"

// Error messages.
var (
	ErrInvalidStudentID       = errors.New("student id must not be empty")
	ErrInvalidAssignmentID    = errors.New("assignment id must not be empty")
	ErrSubmissionFileMissing  = errors.New("submission file does not exist or is not readable")
	ErrWrongSourceExtension   = errors.New("submission file has the wrong source extension")
	ErrAssignmentNotFound     = errors.New("assignment not found")
	ErrCompilationFailed      = errors.New("compilation failed")
	ErrHarnessDiscoveryFailed = errors.New("failed to discover tests in harness")
	ErrPersistence            = errors.New("authoritative store write failed")
	ErrPoolShutDown           = errors.New("worker pool is shut down")
	ErrEvaluationCancelled    = errors.New("evaluation cancelled")
	ErrUnknownMessageType     = errors.New("unknown message type")
	ErrContainerTimeout       = errors.New("container runtime timed out")
	ErrContainerFailed        = errors.New("container failed to execute")
)
