// Package v1 defines the public API types for agents.
package v1

import "time"

// AgentStatus represents the lifecycle status of an agent.
type AgentStatus string

const (
	AgentStatusPending   AgentStatus = "pending"
	AgentStatusRunning   AgentStatus = "running"
	AgentStatusCompleted AgentStatus = "completed"
	AgentStatusWaiting   AgentStatus = "waiting"
	AgentStatusStopped   AgentStatus = "stopped"
	AgentStatusError     AgentStatus = "error"
)

// AllStatuses lists every valid agent status.
var AllStatuses = []AgentStatus{
	AgentStatusPending,
	AgentStatusRunning,
	AgentStatusCompleted,
	AgentStatusWaiting,
	AgentStatusStopped,
	AgentStatusError,
}

// Valid reports whether s is one of the defined statuses.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusPending, AgentStatusRunning, AgentStatusCompleted,
		AgentStatusWaiting, AgentStatusStopped, AgentStatusError:
		return true
	}
	return false
}

// Agent is the durable record of a coding agent. Session handles are
// runtime-only and never serialized with the record.
type Agent struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Status      AgentStatus `json:"status"`
	Instruction string      `json:"instruction"`

	// Workspace is the agent's isolated working directory. BasePath is
	// the repository it branched from and BaseRevision the head revision
	// captured at workspace creation, the fixed anchor for all diffs.
	Workspace    string `json:"workspace"`
	BasePath     string `json:"basePath"`
	BaseRevision string `json:"baseRevision"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Seq is a monotonic creation sequence number, the FIFO tiebreaker
	// for agents created within the same timestamp.
	Seq uint64 `json:"seq"`

	// Output is the append-only newline-delimited JSON event log of
	// everything the agent's sessions produced. Cleared only by reset.
	Output string `json:"output"`

	// ModifiedFiles and DiffStat are cached views of workspace vs.
	// BaseRevision, recomputable at any time.
	ModifiedFiles []string `json:"modifiedFiles"`
	DiffStat      string   `json:"diffStat"`

	Provider string `json:"provider"`
	Model    string `json:"model"`

	// ErrorMessage holds the last session-level failure. Set on the
	// transition to error, cleared by reset.
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// Clone returns a deep copy of the agent record.
func (a *Agent) Clone() *Agent {
	cp := *a
	if a.ModifiedFiles != nil {
		cp.ModifiedFiles = make([]string, len(a.ModifiedFiles))
		copy(cp.ModifiedFiles, a.ModifiedFiles)
	}
	return &cp
}
