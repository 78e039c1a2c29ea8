// Package store persists agent records as one JSON file per agent.
// Writes are atomic (temp file + rename) so a crash never leaves a
// half-written record on disk.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	v1 "github.com/agentdeck/agentdeck/pkg/api/v1"
)

const agentFileName = "agent.json"

// Store reads and writes per-agent state directories under dir.
type Store struct {
	dir    string
	logger *logger.Logger
}

// New creates a store rooted at dir, creating it if needed.
func New(dir string, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}
	return &Store{
		dir:    dir,
		logger: log.WithFields(zap.String("component", "store")),
	}, nil
}

// Save writes the agent record atomically.
func (s *Store) Save(agent *v1.Agent) error {
	agentDir := filepath.Join(s.dir, agent.ID)
	if err := os.MkdirAll(agentDir, 0755); err != nil {
		return fmt.Errorf("failed to create agent directory: %w", err)
	}

	data, err := json.MarshalIndent(agent, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal agent %s: %w", agent.ID, err)
	}

	target := filepath.Join(agentDir, agentFileName)
	tmp, err := os.CreateTemp(agentDir, agentFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write agent %s: %w", agent.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace agent file: %w", err)
	}
	return nil
}

// Load reads one agent record by ID.
func (s *Store) Load(id string) (*v1.Agent, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, id, agentFileName))
	if err != nil {
		return nil, err
	}

	var agent v1.Agent
	if err := json.Unmarshal(data, &agent); err != nil {
		return nil, fmt.Errorf("failed to parse agent %s: %w", id, err)
	}
	return &agent, nil
}

// LoadAll reads every persisted agent. Records found in status running
// are rewritten to stopped before being returned: a running status on
// disk means the process died mid-run and the session is gone.
// Unreadable records are skipped with a warning.
func (s *Store) LoadAll() ([]*v1.Agent, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	var agents []*v1.Agent
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		agent, err := s.Load(entry.Name())
		if err != nil {
			s.logger.Warn("skipping unreadable agent record",
				zap.String("agent_id", entry.Name()),
				zap.Error(err))
			continue
		}

		if agent.Status == v1.AgentStatusRunning {
			agent.Status = v1.AgentStatusStopped
			if err := s.Save(agent); err != nil {
				s.logger.Warn("failed to persist crash-recovery status",
					zap.String("agent_id", agent.ID),
					zap.Error(err))
			}
			s.logger.Info("recovered running agent as stopped",
				zap.String("agent_id", agent.ID))
		}

		agents = append(agents, agent)
	}

	return agents, nil
}

// Delete removes the agent's state directory.
func (s *Store) Delete(id string) error {
	return os.RemoveAll(filepath.Join(s.dir, id))
}
