package engine

import (
	"errors"
	"fmt"
)

// ErrorClass groups errors by how callers should react to them.
type ErrorClass string

const (
	// ErrorClassUser indicates the request itself is unacceptable.
	// Examples: malformed fields, admission policy denial.
	ErrorClassUser ErrorClass = "user"

	// ErrorClassConflict indicates the resource is busy or in the wrong state.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassNotFound indicates the resource has no job or state.
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassExecution indicates a workflow stage failed.
	// These are recorded on the job and never returned from submit.
	ErrorClassExecution ErrorClass = "execution"

	// ErrorClassInternal indicates a fault in the service itself.
	ErrorClassInternal ErrorClass = "internal"
)

// Error codes.
const (
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodePolicyDenied         = "POLICY_DENIED"
	ErrCodeAlreadyInFlight      = "ALREADY_IN_FLIGHT"
	ErrCodeStateNotDestroyed    = "STATE_NOT_DESTROYED"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeInitializationFailed = "INITIALIZATION_FAILED"
	ErrCodePlanError            = "PLAN_ERROR"
	ErrCodeApplyFailed          = "APPLY_FAILED"
	ErrCodeIncompleteOutputs    = "INCOMPLETE_OUTPUTS"
	ErrCodeDestroyFailed        = "DESTROY_FAILED"
	ErrCodeTimeout              = "TIMEOUT"
	ErrCodeInterrupted          = "INTERRUPTED"
	ErrCodeInternal             = "INTERNAL_ERROR"
)

// Store sentinels. Store implementations wrap these so the scheduler can
// classify failures without knowing the backend.
var (
	ErrRecordNotFound    = errors.New("record not found")
	ErrActiveJobExists   = errors.New("resource already has an active job")
	ErrInvalidTransition = errors.New("invalid phase transition")
	ErrSchedulerShutdown = errors.New("scheduler is shutting down")
)

// ProvisionError is a classified error with job context.
// nolint:revive // ProvisionError is intentionally named to distinguish from standard errors
type ProvisionError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Code is the stable error code clients branch on.
	Code string `json:"code"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Resource is the resource name, if applicable.
	Resource string `json:"resource,omitempty"`

	// Stage is the workflow stage that failed, if applicable.
	Stage Stage `json:"stage,omitempty"`

	// JobID is the job involved. For conflicts it names the job already in flight.
	JobID string `json:"job_id,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *ProvisionError) Error() string {
	msg := e.Message
	if e.Resource != "" && e.Stage != "" {
		msg = fmt.Sprintf("%s (resource=%s, stage=%s)", msg, e.Resource, e.Stage)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Code, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

// ErrorCode returns the stable code. Packages that cannot import engine
// read it through this method.
func (e *ProvisionError) ErrorCode() string {
	return e.Code
}

// Unwrap returns the underlying error for error chain inspection.
func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *ProvisionError) Is(target error) bool {
	t, ok := target.(*ProvisionError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewValidationError creates an error for a rejected request.
func NewValidationError(message string, err error) *ProvisionError {
	return &ProvisionError{
		Class:   ErrorClassUser,
		Code:    ErrCodeValidation,
		Message: message,
		Err:     err,
	}
}

// NewPolicyDeniedError creates an error for a request denied by admission policy.
func NewPolicyDeniedError(message string, violations []string) *ProvisionError {
	e := &ProvisionError{
		Class:   ErrorClassUser,
		Code:    ErrCodePolicyDenied,
		Message: message,
	}
	if len(violations) > 0 {
		e.WithDetail("violations", violations)
	}
	return e
}

// NewAlreadyInFlightError creates a conflict naming the job that holds the resource.
func NewAlreadyInFlightError(resource, jobID string) *ProvisionError {
	return &ProvisionError{
		Class:    ErrorClassConflict,
		Code:     ErrCodeAlreadyInFlight,
		Message:  fmt.Sprintf("job %s is already in flight", jobID),
		Resource: resource,
		JobID:    jobID,
	}
}

// NewStateNotDestroyedError creates a conflict for cleanup of live state.
func NewStateNotDestroyedError(resource string) *ProvisionError {
	return &ProvisionError{
		Class:    ErrorClassConflict,
		Code:     ErrCodeStateNotDestroyed,
		Message:  "working state exists and no successful destroy followed the last apply",
		Resource: resource,
	}
}

// NewNotFoundError creates an error for a resource without jobs or state.
func NewNotFoundError(resource, message string) *ProvisionError {
	return &ProvisionError{
		Class:    ErrorClassNotFound,
		Code:     ErrCodeNotFound,
		Message:  message,
		Resource: resource,
	}
}

// NewStageError creates an execution error for a failed workflow stage.
func NewStageError(code string, stage Stage, message string, err error) *ProvisionError {
	return &ProvisionError{
		Class:   ErrorClassExecution,
		Code:    code,
		Message: message,
		Stage:   stage,
		Err:     err,
	}
}

// NewInternalError creates an internal error.
func NewInternalError(message string, err error) *ProvisionError {
	return &ProvisionError{
		Class:   ErrorClassInternal,
		Code:    ErrCodeInternal,
		Message: message,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *ProvisionError) WithResource(resource string) *ProvisionError {
	e.Resource = resource
	return e
}

// WithJob adds job context to an error.
func (e *ProvisionError) WithJob(jobID string) *ProvisionError {
	e.JobID = jobID
	return e
}

// WithDetail adds a detail field to the error context.
func (e *ProvisionError) WithDetail(key string, value interface{}) *ProvisionError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// AsProvisionError extracts a ProvisionError from an error chain.
func AsProvisionError(err error) (*ProvisionError, bool) {
	var e *ProvisionError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// ErrorCode returns the code of a classified error, or INTERNAL_ERROR.
func ErrorCode(err error) string {
	if e, ok := AsProvisionError(err); ok {
		return e.Code
	}
	return ErrCodeInternal
}

func hasCode(err error, code string) bool {
	e, ok := AsProvisionError(err)
	return ok && e.Code == code
}

// IsValidation returns true if the request was rejected as malformed.
func IsValidation(err error) bool {
	return hasCode(err, ErrCodeValidation)
}

// IsPolicyDenied returns true if admission policy rejected the request.
func IsPolicyDenied(err error) bool {
	return hasCode(err, ErrCodePolicyDenied)
}

// IsAlreadyInFlight returns true if another job holds the resource.
func IsAlreadyInFlight(err error) bool {
	return hasCode(err, ErrCodeAlreadyInFlight)
}

// IsNotFound returns true if the resource has no jobs or state.
func IsNotFound(err error) bool {
	e, ok := AsProvisionError(err)
	return ok && e.Class == ErrorClassNotFound
}

// IsConflict returns true for any conflict-class error.
func IsConflict(err error) bool {
	e, ok := AsProvisionError(err)
	return ok && e.Class == ErrorClassConflict
}

// IsExecution returns true for workflow stage failures.
func IsExecution(err error) bool {
	e, ok := AsProvisionError(err)
	return ok && e.Class == ErrorClassExecution
}
