package oxidb

import (
	"errors"
	"fmt"
)

// Common sentinel errors.
var (
	// ErrNotAnObject is returned when a non-object value is inserted or
	// updated into a collection.
	ErrNotAnObject = errors.New("document must be an object")

	// ErrTxConflict is returned when optimistic validation at commit finds a
	// document whose version changed after the transaction read it.
	ErrTxConflict = errors.New("transaction conflict: read document was modified")

	// ErrTxNotFound is returned for operations on an unknown or finished
	// transaction id.
	ErrTxNotFound = errors.New("transaction not found")
)

// NotFoundError reports a missing document id.
type NotFoundError struct {
	ID uint64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("document not found: %d", e.ID)
}

// CollectionNotFoundError reports an operation on an unknown collection.
type CollectionNotFoundError struct {
	Name string
}

func (e *CollectionNotFoundError) Error() string {
	return "collection not found: " + e.Name
}

// CollectionExistsError reports creation of an already-registered collection.
type CollectionExistsError struct {
	Name string
}

func (e *CollectionExistsError) Error() string {
	return "collection already exists: " + e.Name
}

// IndexExistsError reports creation of a duplicate index.
type IndexExistsError struct {
	Name string
}

func (e *IndexExistsError) Error() string {
	return "index already exists: " + e.Name
}

// IndexNotFoundError reports a drop of an unknown index.
type IndexNotFoundError struct {
	Name string
}

func (e *IndexNotFoundError) Error() string {
	return "index not found: " + e.Name
}

// InvalidQueryError reports a malformed query or update document.
type InvalidQueryError struct {
	Msg string
}

func (e *InvalidQueryError) Error() string {
	return "invalid query: " + e.Msg
}

func invalidQueryf(format string, args ...any) error {
	return &InvalidQueryError{Msg: fmt.Sprintf(format, args...)}
}

// InvalidPipelineError reports a malformed aggregation pipeline.
type InvalidPipelineError struct {
	Msg string
}

func (e *InvalidPipelineError) Error() string {
	return "invalid pipeline: " + e.Msg
}

func invalidPipelinef(format string, args ...any) error {
	return &InvalidPipelineError{Msg: fmt.Sprintf(format, args...)}
}

// UniqueViolationError reports an insert or update that would duplicate a
// value under a unique index. No durable state changes when it is returned.
type UniqueViolationError struct {
	Field string
}

func (e *UniqueViolationError) Error() string {
	return fmt.Sprintf("unique constraint violated: field '%s' value already exists", e.Field)
}

// ScheduleError reports a malformed schedule definition or a procedure
// failure inside the scheduler.
type ScheduleError struct {
	Msg string
}

func (e *ScheduleError) Error() string {
	return "schedule error: " + e.Msg
}
