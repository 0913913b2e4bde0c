package trace

import (
	"errors"
	"fmt"
)

/* StorageWriteError indicates an append to the trace store failed */
type StorageWriteError struct {
	Op  string
	Err error
}

func (e *StorageWriteError) Error() string {
	return fmt.Sprintf("storage write failed during %s: %v", e.Op, e.Err)
}

func (e *StorageWriteError) Unwrap() error { return e.Err }

/* StorageReadError indicates a query against the trace store failed */
type StorageReadError struct {
	Op  string
	Err error
}

func (e *StorageReadError) Error() string {
	return fmt.Sprintf("storage read failed during %s: %v", e.Op, e.Err)
}

func (e *StorageReadError) Unwrap() error { return e.Err }

/* InvalidQueryError indicates malformed filter or pagination parameters,
   rejected before any storage access */
type InvalidQueryError struct {
	Field  string
	Reason string
}

func (e *InvalidQueryError) Error() string {
	return fmt.Sprintf("invalid query parameter %q: %s", e.Field, e.Reason)
}

// ErrSessionNotFound is returned when a session id does not resolve to a
// stored session. Queries that tolerate absence return (nil, nil) instead.
var ErrSessionNotFound = errors.New("trace session not found")

// ErrTraceNotFound is returned when a trace id does not resolve.
var ErrTraceNotFound = errors.New("flow trace not found")

/* ReplayNotAllowedError indicates replay was requested for a session that is
   still running or does not exist */
type ReplayNotAllowedError struct {
	SessionID string
	Reason    string
}

func (e *ReplayNotAllowedError) Error() string {
	return fmt.Sprintf("replay not allowed for session %s: %s", e.SessionID, e.Reason)
}

/* ReportGenerationError indicates an export job failed; it is recorded on the
   job handle, never raised to the caller who already holds the handle */
type ReportGenerationError struct {
	ReportID string
	Err      error
}

func (e *ReportGenerationError) Error() string {
	return fmt.Sprintf("report %s generation failed: %v", e.ReportID, e.Err)
}

func (e *ReportGenerationError) Unwrap() error { return e.Err }

// NewStorageWrite wraps err as a StorageWriteError for operation op.
func NewStorageWrite(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageWriteError{Op: op, Err: err}
}

// NewStorageRead wraps err as a StorageReadError for operation op.
func NewStorageRead(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageReadError{Op: op, Err: err}
}
