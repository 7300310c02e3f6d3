package models

import (
	"errors"
	"fmt"
)

// ErrValidation represents a validation error with field and message.
type ErrValidation struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e ErrValidation) Error() string {
	return fmt.Sprintf("validation error on field %s: %s", e.Field, e.Message)
}

// Common validation and domain errors for fleet entities.
var (
	// ErrPathRequired indicates a required file path field is empty.
	ErrPathRequired = errors.New("path is required")

	// ErrJobTypeRequired indicates a required job type field is empty.
	ErrJobTypeRequired = errors.New("type is required")

	// ErrHostnameRequired indicates a required hostname field is empty.
	ErrHostnameRequired = errors.New("hostname is required")

	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrNotPending indicates an operation required a pending row but found another status.
	ErrNotPending = errors.New("file is not pending")

	// ErrNotProcessing indicates an operation required a processing row but found another status.
	ErrNotProcessing = errors.New("file is not processing")

	// ErrWorkerUnknown indicates the worker_id presented by a caller is not registered.
	ErrWorkerUnknown = errors.New("worker is not registered")

	// ErrPathMismatch indicates a reconnection-recovery current_job block references
	// a different path than the one stored for the file.
	ErrPathMismatch = errors.New("file path mismatch")

	// ErrSizeMismatch indicates a reconnection-recovery current_job block references
	// a different size than the one stored for the file.
	ErrSizeMismatch = errors.New("file size mismatch")

	// ErrStaleJob indicates a reconnection-recovery current_job block is too old and
	// too little progressed to be trusted.
	ErrStaleJob = errors.New("job is stale")
)
