// Package lifecycle implements the agent status state machine as pure
// operations over the agent record. Nothing here performs I/O; callers
// persist and broadcast after applying a transition.
package lifecycle

import (
	"errors"
	"fmt"
	"time"

	v1 "github.com/agentdeck/agentdeck/pkg/api/v1"
)

// ErrUnmappedState is returned by DetermineAction for (session, status)
// combinations that have no defined continuation.
var ErrUnmappedState = errors.New("no action defined for session state")

// Action is the continuation DetermineAction selects for a follow-up
// instruction.
type Action string

const (
	// ActionContinueActive steers or queues into the live session.
	ActionContinueActive Action = "continue_active"
	// ActionResumeSession replays history into a new session.
	ActionResumeSession Action = "resume_session"
	// ActionStartFresh starts a brand-new session.
	ActionStartFresh Action = "start_fresh"
)

// ToRunning marks the agent as running.
func ToRunning(a *v1.Agent) {
	a.Status = v1.AgentStatusRunning
	touch(a)
}

// ToStopped marks the agent as stopped.
func ToStopped(a *v1.Agent) {
	a.Status = v1.AgentStatusStopped
	touch(a)
}

// ToWaiting marks the agent as waiting for further instructions.
func ToWaiting(a *v1.Agent) {
	a.Status = v1.AgentStatusWaiting
	touch(a)
}

// ToCompleted marks the agent as completed.
func ToCompleted(a *v1.Agent) {
	a.Status = v1.AgentStatusCompleted
	touch(a)
}

// ToError marks the agent as failed with the given message.
func ToError(a *v1.Agent, message string) {
	a.Status = v1.AgentStatusError
	a.ErrorMessage = message
	touch(a)
}

// ResetForRetry returns an errored agent to pending, clearing the
// output log and derived diff state. Identity, instruction, workspace
// and creation ordering are preserved.
func ResetForRetry(a *v1.Agent) error {
	if !CanReset(a.Status) {
		return fmt.Errorf("cannot reset agent in status %s", a.Status)
	}
	a.Status = v1.AgentStatusPending
	a.Output = ""
	a.ModifiedFiles = nil
	a.DiffStat = ""
	a.ErrorMessage = ""
	touch(a)
	return nil
}

func touch(a *v1.Agent) {
	a.UpdatedAt = time.Now().UTC()
}

// CanStart reports whether a fresh session may be started.
func CanStart(s v1.AgentStatus) bool {
	return s == v1.AgentStatusPending || s == v1.AgentStatusError || s == v1.AgentStatusCompleted
}

// CanStop reports whether the agent has a run to stop.
func CanStop(s v1.AgentStatus) bool {
	return s == v1.AgentStatusRunning
}

// CanMerge reports whether the agent's work may be merged back.
func CanMerge(s v1.AgentStatus) bool {
	return s == v1.AgentStatusCompleted || s == v1.AgentStatusWaiting || s == v1.AgentStatusStopped
}

// CanDelete reports whether the agent may be deleted.
func CanDelete(s v1.AgentStatus) bool {
	return s != v1.AgentStatusRunning
}

// CanReset reports whether ResetForRetry applies.
func CanReset(s v1.AgentStatus) bool {
	return s == v1.AgentStatusError
}

// CanReceiveInstruction reports whether a follow-up instruction is
// meaningful for the agent's current status.
func CanReceiveInstruction(s v1.AgentStatus) bool {
	return s == v1.AgentStatusRunning || s == v1.AgentStatusWaiting || s == v1.AgentStatusStopped
}

// DetermineAction maps the (live session, status) pair to the single
// continuation for a follow-up instruction. It is exhaustive over all
// combinations; anything outside the table is an invariant violation
// and returns ErrUnmappedState.
//
// A waiting agent without a session (e.g. after a restart) resumes with
// history: waiting implies a finished run whose context should carry
// forward.
func DetermineAction(hasActiveSession bool, status v1.AgentStatus) (Action, error) {
	if hasActiveSession {
		switch status {
		case v1.AgentStatusRunning, v1.AgentStatusWaiting:
			return ActionContinueActive, nil
		case v1.AgentStatusPending, v1.AgentStatusCompleted, v1.AgentStatusStopped, v1.AgentStatusError:
			return "", fmt.Errorf("%w: active session with status %s", ErrUnmappedState, status)
		default:
			return "", fmt.Errorf("%w: active session with unknown status %s", ErrUnmappedState, status)
		}
	}

	switch status {
	case v1.AgentStatusStopped, v1.AgentStatusWaiting:
		return ActionResumeSession, nil
	case v1.AgentStatusPending, v1.AgentStatusError, v1.AgentStatusCompleted:
		return ActionStartFresh, nil
	case v1.AgentStatusRunning:
		return "", fmt.Errorf("%w: status running without an active session", ErrUnmappedState)
	default:
		return "", fmt.Errorf("%w: unknown status %s", ErrUnmappedState, status)
	}
}
