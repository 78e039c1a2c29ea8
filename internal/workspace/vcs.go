// Package workspace manages isolated, version-controlled working
// directories for agents. Each agent gets a workspace branched from
// the base repository's head; all diffs are anchored to the revision
// captured at creation time.
package workspace

import (
	"context"
	"errors"
)

var (
	// ErrCommandFailed is returned when the underlying VCS tool fails
	ErrCommandFailed = errors.New("vcs command failed")
	// ErrWorkspaceNotFound is returned for operations on an unknown workspace
	ErrWorkspaceNotFound = errors.New("workspace not found")
)

// VCS is the narrow surface of version-control operations the manager
// needs. Implementations: Jujutsu (shells out to jj) and Memory (test
// fake).
type VCS interface {
	// Head returns the current revision at path.
	Head(ctx context.Context, path string) (string, error)

	// WorkspaceAdd registers a new workspace of the repository at
	// wsPath, named name, branched from the repository's current head.
	WorkspaceAdd(ctx context.Context, repoPath, wsPath, name string) error

	// WorkspaceForget removes the workspace registration. The working
	// directory is left on disk.
	WorkspaceForget(ctx context.Context, repoPath, name string) error

	// ListFiles enumerates tracked files in the workspace.
	ListFiles(ctx context.Context, wsPath string) ([]string, error)

	// ChangedFiles lists files changed between fromRev and the
	// workspace's current state.
	ChangedFiles(ctx context.Context, wsPath, fromRev string) ([]string, error)

	// DiffStat summarizes changes between fromRev and the current state.
	DiffStat(ctx context.Context, wsPath, fromRev string) (string, error)

	// Diff returns the full patch between fromRev and the current state.
	Diff(ctx context.Context, wsPath, fromRev string) (string, error)

	// IsChangeEmpty reports whether the workspace's current change has
	// no edits.
	IsChangeEmpty(ctx context.Context, wsPath string) (bool, error)

	// Describe sets the description of the current change.
	Describe(ctx context.Context, wsPath, message string) error

	// NewChange starts a new change on top of the current one.
	NewChange(ctx context.Context, wsPath, message string) error

	// RebaseOnto rebases the change series built since fromRev onto dest.
	RebaseOnto(ctx context.Context, wsPath, fromRev, dest string) error

	// AdvanceTo moves the repository's working copy onto rev.
	AdvanceTo(ctx context.Context, repoPath, rev string) error
}
