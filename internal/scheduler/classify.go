package scheduler

import (
	"context"
	"errors"
	"net/url"

	"github.com/duneforge/workforce/internal/mission"
	"github.com/duneforge/workforce/internal/provider"
	"github.com/duneforge/workforce/internal/toolgate"
)

// classify maps an execution error onto a task error code and decides
// whether it is worth retrying. Parent cancellation always wins over
// per-attempt deadline expiry.
func classify(err error, parent, attempt context.Context) *mission.TaskError {
	if parent.Err() != nil {
		return &mission.TaskError{Code: mission.CodeCancelled, Message: parent.Err().Error()}
	}
	if attempt.Err() == context.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded) {
		return mission.NewTaskError(mission.CodeTimeout, true, err)
	}

	if errors.Is(err, toolgate.ErrPermissionDenied) {
		return mission.NewTaskError(mission.CodePermissionDenied, false, err)
	}
	var terr *toolgate.ToolError
	if errors.As(err, &terr) {
		return mission.NewTaskError(mission.CodeToolError, terr.Kind == toolgate.Transient, err)
	}

	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		return mission.NewTaskError(mission.CodeProviderError, apiErr.Transient(), err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		// Transport-level failure reaching the provider; retryable.
		return mission.NewTaskError(mission.CodeProviderError, true, err)
	}

	return mission.NewTaskError(mission.CodeInternal, false, err)
}
