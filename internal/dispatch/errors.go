package dispatch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/foreman/internal/progress"
	"github.com/ent0n29/foreman/internal/tasks"
)

var (
	ErrPlanningFailed  = errors.New("planning failed")
	ErrExecutionFailed = errors.New("execution failed")
	ErrBlocked         = errors.New("request blocked by policy")
	ErrNoQueuedTask    = errors.New("no queued task at that position")
	ErrUnknownIntent   = errors.New("unknown intent")
	ErrEmptyTask       = errors.New("task is required")
)

// PhaseError reports a failed background phase. It matches ErrPlanningFailed or
// ErrExecutionFailed with errors.Is, as well as the underlying cause when there is one.
type PhaseError struct {
	Phase        progress.Phase
	Conversation tasks.ConversationID
	Detail       string
	Err          error
	kind         error
}

func newPhaseError(phase progress.Phase, conv tasks.ConversationID, detail string, cause error) *PhaseError {
	kind := ErrPlanningFailed
	if phase == progress.PhaseExecuting {
		kind = ErrExecutionFailed
	}
	return &PhaseError{
		Phase:        phase,
		Conversation: conv,
		Detail:       strings.TrimSpace(detail),
		Err:          cause,
		kind:         kind,
	}
}

func (e *PhaseError) Error() string {
	msg := fmt.Sprintf("%s (conversation %s)", e.kind, e.Conversation)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PhaseError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.kind}
	}
	return []error{e.kind, e.Err}
}

// asPhaseError wraps errors that escaped a phase without one, such as recovered panics.
func asPhaseError(phase progress.Phase, conv tasks.ConversationID, err error) error {
	var pe *PhaseError
	if errors.As(err, &pe) {
		return err
	}
	return newPhaseError(phase, conv, "", err)
}
