// Package errors provides the structured error types used across the sync
// engine. Every error in this subsystem is recoverable: the coordinator
// degrades to serving stale committed data for one entity rather than
// terminating.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode classifies what went wrong.
type ErrorCode string

const (
	// ErrCodeEditConflict: a second local edit was attempted while one is
	// pending. The caller retries after the current edit settles.
	ErrCodeEditConflict ErrorCode = "EDIT_CONFLICT"

	// ErrCodeInvalidManualResolution: a manual resolution payload was not a
	// well-formed field mapping for the entity kind. State is unchanged.
	ErrCodeInvalidManualResolution ErrorCode = "INVALID_MANUAL_RESOLUTION"

	// ErrCodeResolutionTimedOut: no resolution arrived within the configured
	// window; the default policy was applied and the event reported.
	ErrCodeResolutionTimedOut ErrorCode = "RESOLUTION_TIMED_OUT"

	// ErrCodeUnknownEntity: an operation referenced a deleted or never-seen
	// entity. Local no-op, logged.
	ErrCodeUnknownEntity ErrorCode = "UNKNOWN_ENTITY"

	// ErrCodeMalformedUpdate: an inbound remote update was missing required
	// fields and was dropped.
	ErrCodeMalformedUpdate ErrorCode = "MALFORMED_UPDATE"

	ErrCodeStorageFailure ErrorCode = "STORAGE_FAILURE"
	ErrCodeTransport      ErrorCode = "TRANSPORT_FAILURE"
)

// Operation names the engine operation during which an error occurred.
type Operation string

const (
	OpBeginLocalEdit    Operation = "begin_local_edit"
	OpWithdrawLocalEdit Operation = "withdraw_local_edit"
	OpApplyRemote       Operation = "apply_remote"
	OpResolve           Operation = "resolve"
	OpDelete            Operation = "delete"
	OpMaterialize       Operation = "materialize"
	OpSnapshot          Operation = "snapshot"
	OpRestore           Operation = "restore"
	OpTransport         Operation = "transport"
	OpClose             Operation = "close"
)

// SyncError is the error type every engine component returns.
type SyncError struct {
	// Op is the operation during which the error occurred.
	Op Operation

	// Component that generated the error (e.g. "store", "coordinator").
	Component string

	// Code for the error class.
	Code ErrorCode

	// Whether the caller may retry the operation.
	Retryable bool

	// Underlying error.
	Err error

	// EntityID the error concerns, when known.
	EntityID string
}

func (e *SyncError) Error() string {
	msg := fmt.Sprintf("%s operation failed", e.Op)
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	}
	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}
	if e.EntityID != "" {
		msg += fmt.Sprintf(" (entity %s)", e.EntityID)
	}
	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Is matches on error code so callers can test against the sentinel
// constructors without comparing wrapped causes.
func (e *SyncError) Is(target error) bool {
	var se *SyncError
	if !errors.As(target, &se) {
		return false
	}
	return se.Code != "" && se.Code == e.Code
}

// NewEditConflict reports a rejected second local edit.
func NewEditConflict(entityID string) *SyncError {
	return &SyncError{
		Op:        OpBeginLocalEdit,
		Component: "store",
		Code:      ErrCodeEditConflict,
		Retryable: true,
		EntityID:  entityID,
		Err:       fmt.Errorf("a local edit is already pending"),
	}
}

// NewInvalidManualResolution reports a malformed manual payload.
func NewInvalidManualResolution(entityID string, cause error) *SyncError {
	return &SyncError{
		Op:        OpResolve,
		Component: "resolver",
		Code:      ErrCodeInvalidManualResolution,
		EntityID:  entityID,
		Err:       cause,
	}
}

// NewResolutionTimedOut reports that the default policy was applied.
func NewResolutionTimedOut(entityID string) *SyncError {
	return &SyncError{
		Op:        OpResolve,
		Component: "coordinator",
		Code:      ErrCodeResolutionTimedOut,
		EntityID:  entityID,
		Err:       fmt.Errorf("no resolution arrived before the timeout"),
	}
}

// NewUnknownEntity reports an operation on a deleted or never-seen entity.
func NewUnknownEntity(op Operation, entityID string) *SyncError {
	return &SyncError{
		Op:        op,
		Component: "store",
		Code:      ErrCodeUnknownEntity,
		EntityID:  entityID,
		Err:       fmt.Errorf("entity is unknown"),
	}
}

// NewMalformedUpdate reports a dropped inbound update.
func NewMalformedUpdate(cause error) *SyncError {
	return &SyncError{
		Op:        OpApplyRemote,
		Component: "coordinator",
		Code:      ErrCodeMalformedUpdate,
		Err:       cause,
	}
}

// NewStorageError wraps a snapshot backend failure.
func NewStorageError(op Operation, cause error) *SyncError {
	return &SyncError{
		Op:        op,
		Component: "storage",
		Code:      ErrCodeStorageFailure,
		Retryable: true,
		Err:       cause,
	}
}

// NewTransportError wraps a transport failure.
func NewTransportError(op Operation, cause error) *SyncError {
	return &SyncError{
		Op:        op,
		Component: "transport",
		Code:      ErrCodeTransport,
		Retryable: true,
		Err:       cause,
	}
}

// New creates a SyncError without a code.
func New(op Operation, err error) *SyncError {
	return &SyncError{Op: op, Err: err}
}

// NewWithComponent creates a SyncError with component information.
func NewWithComponent(op Operation, component string, err error) *SyncError {
	return &SyncError{Op: op, Component: component, Err: err}
}

// IsRetryable checks if an error is a retryable SyncError.
func IsRetryable(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// CodeOf returns the error code carried by err, or "".
func CodeOf(err error) ErrorCode {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}
