package mission

import "fmt"

// ErrorCode classifies why a task failed.
type ErrorCode string

const (
	CodeNoEligibleWorker ErrorCode = "no_eligible_worker"
	CodePermissionDenied ErrorCode = "permission_denied"
	CodeToolError        ErrorCode = "tool_error"
	CodeProviderError    ErrorCode = "provider_error"
	CodeTimeout          ErrorCode = "timeout"
	CodeCancelled        ErrorCode = "cancelled"
	CodeInternal         ErrorCode = "internal"
)

// TaskError is the structured failure recorded on a task. Transient
// failures are retry-eligible; permanent ones fail the task immediately.
type TaskError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Transient bool      `json:"transient"`
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewTaskError builds a TaskError from an underlying error.
func NewTaskError(code ErrorCode, transient bool, err error) *TaskError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &TaskError{Code: code, Message: msg, Transient: transient}
}
