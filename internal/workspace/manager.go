package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/errors"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	v1 "github.com/agentdeck/agentdeck/pkg/api/v1"
)

// Manager creates, inspects, merges and removes agent workspaces on
// top of a VCS implementation. Write operations against the same base
// repository are serialized.
type Manager struct {
	cfg    config.WorkspaceConfig
	vcs    VCS
	logger *logger.Logger

	repoLocks  map[string]*sync.Mutex
	repoLockMu sync.Mutex
}

// NewManager creates a workspace manager and ensures the workspace
// root directory exists.
func NewManager(cfg config.WorkspaceConfig, vcs VCS, log *logger.Logger) (*Manager, error) {
	if err := os.MkdirAll(cfg.Root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}

	return &Manager{
		cfg:       cfg,
		vcs:       vcs,
		logger:    log.WithFields(zap.String("component", "workspace-manager")),
		repoLocks: make(map[string]*sync.Mutex),
	}, nil
}

// RepoPath returns the base repository path workspaces branch from.
func (m *Manager) RepoPath() string {
	return m.cfg.RepoPath
}

// getRepoLock returns a mutex for the given repository path.
func (m *Manager) getRepoLock(repoPath string) *sync.Mutex {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()

	if lock, exists := m.repoLocks[repoPath]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	m.repoLocks[repoPath] = lock
	return lock
}

// Create makes an isolated workspace for the agent, branched from the
// base repository's current head. It returns the workspace path and
// the captured head revision, the fixed anchor all later diffs are
// computed against.
func (m *Manager) Create(ctx context.Context, agentID, instruction string) (string, string, error) {
	repoLock := m.getRepoLock(m.cfg.RepoPath)
	repoLock.Lock()
	defer repoLock.Unlock()

	baseRevision, err := m.vcs.Head(ctx, m.cfg.RepoPath)
	if err != nil {
		return "", "", errors.Wrap(err, "failed to capture base revision")
	}

	wsPath := filepath.Join(m.cfg.Root, agentID)
	if err := m.vcs.WorkspaceAdd(ctx, m.cfg.RepoPath, wsPath, agentID); err != nil {
		return "", "", errors.Wrap(err, "failed to create workspace")
	}

	if instruction != "" {
		if err := m.vcs.Describe(ctx, wsPath, instruction); err != nil {
			m.logger.Warn("failed to describe initial change",
				zap.String("agent_id", agentID),
				zap.Error(err))
		}
	}

	m.logger.Info("created workspace",
		zap.String("agent_id", agentID),
		zap.String("path", wsPath),
		zap.String("base_revision", baseRevision))

	return wsPath, baseRevision, nil
}

// ListFiles enumerates the workspace's tracked files. Failures degrade
// to an empty list.
func (m *Manager) ListFiles(ctx context.Context, wsPath string) []string {
	files, err := m.vcs.ListFiles(ctx, wsPath)
	if err != nil {
		m.logger.Warn("file listing failed", zap.String("workspace", wsPath), zap.Error(err))
		return []string{}
	}
	if files == nil {
		files = []string{}
	}
	return files
}

// ModifiedFiles lists files changed since baseRevision. Failures
// degrade to an empty list.
func (m *Manager) ModifiedFiles(ctx context.Context, wsPath, baseRevision string) []string {
	files, err := m.vcs.ChangedFiles(ctx, wsPath, baseRevision)
	if err != nil {
		m.logger.Warn("modified file listing failed", zap.String("workspace", wsPath), zap.Error(err))
		return []string{}
	}
	if files == nil {
		files = []string{}
	}
	return files
}

// DiffStat summarizes changes since baseRevision. Failures degrade to
// an empty string.
func (m *Manager) DiffStat(ctx context.Context, wsPath, baseRevision string) string {
	stat, err := m.vcs.DiffStat(ctx, wsPath, baseRevision)
	if err != nil {
		m.logger.Warn("diff stat failed", zap.String("workspace", wsPath), zap.Error(err))
		return ""
	}
	return stat
}

// Diff returns the full patch since baseRevision. Failures degrade to
// an empty string.
func (m *Manager) Diff(ctx context.Context, wsPath, baseRevision string) string {
	diff, err := m.vcs.Diff(ctx, wsPath, baseRevision)
	if err != nil {
		m.logger.Warn("diff failed", zap.String("workspace", wsPath), zap.Error(err))
		return ""
	}
	return diff
}

// StageChange prepares the workspace for a new instruction: an empty
// current change is reused with an updated description, otherwise a
// new change is layered on top. This avoids stacking empty changes
// when an agent is re-instructed before doing any work.
func (m *Manager) StageChange(ctx context.Context, wsPath, instruction string) error {
	empty, err := m.vcs.IsChangeEmpty(ctx, wsPath)
	if err != nil {
		return errors.Wrap(err, "failed to inspect current change")
	}

	if empty {
		if err := m.vcs.Describe(ctx, wsPath, instruction); err != nil {
			return errors.Wrap(err, "failed to update change description")
		}
		return nil
	}

	if err := m.vcs.NewChange(ctx, wsPath, instruction); err != nil {
		return errors.Wrap(err, "failed to start new change")
	}
	return nil
}

// Merge rebases the agent's change series onto the base repository's
// current head and advances the base working copy to the result. The
// caller is responsible for the status precondition.
func (m *Manager) Merge(ctx context.Context, agent *v1.Agent) error {
	repoLock := m.getRepoLock(agent.BasePath)
	repoLock.Lock()
	defer repoLock.Unlock()

	baseHead, err := m.vcs.Head(ctx, agent.BasePath)
	if err != nil {
		return errors.Wrap(err, "failed to resolve base head")
	}

	if err := m.vcs.RebaseOnto(ctx, agent.Workspace, agent.BaseRevision, baseHead); err != nil {
		return errors.Wrap(err, "merge rebase failed")
	}

	merged, err := m.vcs.Head(ctx, agent.Workspace)
	if err != nil {
		return errors.Wrap(err, "failed to resolve merged revision")
	}

	if err := m.vcs.AdvanceTo(ctx, agent.BasePath, merged); err != nil {
		return errors.Wrap(err, "failed to advance base working copy")
	}

	m.logger.Info("merged workspace",
		zap.String("agent_id", agent.ID),
		zap.String("merged_revision", merged))

	return nil
}

// Delete forgets the workspace registration and removes its files.
// Best-effort: failures are logged and swallowed so record removal is
// never blocked by cleanup.
func (m *Manager) Delete(ctx context.Context, wsPath string) {
	name := filepath.Base(wsPath)

	if err := m.vcs.WorkspaceForget(ctx, m.cfg.RepoPath, name); err != nil {
		m.logger.Warn("failed to forget workspace",
			zap.String("workspace", name),
			zap.Error(err))
	}

	if err := os.RemoveAll(wsPath); err != nil {
		m.logger.Warn("failed to remove workspace directory",
			zap.String("path", wsPath),
			zap.Error(err))
	}

	m.logger.Info("removed workspace", zap.String("workspace", name))
}
