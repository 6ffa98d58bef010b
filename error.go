package courier

import (
	"errors"
	"fmt"
)

var (
	ErrCannotParseSchedule = fmt.Errorf("cannot parse schedule")
	ErrUnknownScheduleType = fmt.Errorf("unknown schedule type")
	ErrUnknownTemplateType = fmt.Errorf("unknown template type")
	ErrValidation          = fmt.Errorf("validation failed")
	ErrJobNotFound         = fmt.Errorf("job not found")
	ErrJobNameTaken        = fmt.Errorf("job name already in use")
	ErrJobAlreadyRunning   = fmt.Errorf("job already running")
	ErrExecutionTimeout    = fmt.Errorf("execution timed out")
	ErrNotificationMissing = fmt.Errorf("notification not found")
	ErrNotPending          = fmt.Errorf("notification is not pending")
	ErrNotProcessing       = fmt.Errorf("notification is not processing")
	ErrSchedulerStarted    = fmt.Errorf("scheduler already started")
	ErrSchedulerStopping   = fmt.Errorf("scheduler is stopping")
	ErrNoGateway           = fmt.Errorf("no gateway registered for channel")
	ErrEmptyChannels       = fmt.Errorf("channel list is empty")
)

// ValidationError is returned synchronously for bad schedules, parameters or
// notification requests. It matches ErrValidation with errors.Is.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func newValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// FailureKind classifies a failed send.
type FailureKind string

const (
	FailureInvalidTarget FailureKind = "invalid_target"
	FailureTransient     FailureKind = "transient"
	FailureUnknown       FailureKind = "unknown"
)

// DispatchError carries the classification a gateway assigned to a failed send.
type DispatchError struct {
	Kind FailureKind
	Err  error
}

func (e *DispatchError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

func NewDispatchError(kind FailureKind, err error) error {
	return &DispatchError{Kind: kind, Err: err}
}

// IsPermanent reports whether err is a dispatch failure that retrying cannot fix.
func IsPermanent(err error) bool {
	var de *DispatchError
	return errors.As(err, &de) && de.Kind == FailureInvalidTarget
}

// IsTransient reports whether err is a dispatch failure worth retrying later.
func IsTransient(err error) bool {
	var de *DispatchError
	return errors.As(err, &de) && de.Kind == FailureTransient
}
