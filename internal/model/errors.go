package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures that end a job rather than the process.
type ErrorKind string

const (
	ErrKindConfiguration ErrorKind = "configuration"
	ErrKindProvider      ErrorKind = "provider"
	ErrKindParse         ErrorKind = "parse"
	ErrKindValidation    ErrorKind = "validation"
	ErrKindStaleJob      ErrorKind = "stale_job"
)

// JobError is a failure that the job-execution boundary records on the job
// row. Errors of any other type (storage) propagate to the caller.
type JobError struct {
	Kind       ErrorKind
	Op         string
	StatusCode int
	Err        error
}

func (e *JobError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s error: %s: status %d: %v", e.Kind, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// NewJobError builds a JobError of the given kind.
func NewJobError(kind ErrorKind, op string, err error) *JobError {
	return &JobError{Kind: kind, Op: op, Err: err}
}

// IsJobFailure reports whether err (or anything it wraps) is a JobError.
func IsJobFailure(err error) bool {
	var je *JobError
	return errors.As(err, &je)
}

// ErrorKindOf returns the kind of the first JobError in err's chain, or "".
func ErrorKindOf(err error) ErrorKind {
	var je *JobError
	if errors.As(err, &je) {
		return je.Kind
	}
	return ""
}

// StaleJobMessage is the error recorded on a job reclaimed under ReclaimFail.
func StaleJobMessage(staleSeconds int64) string {
	return NewJobError(ErrKindStaleJob, "reclaim", fmt.Errorf("stale job (> %ds)", staleSeconds)).Error()
}
