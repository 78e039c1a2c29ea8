package workspace

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-memory VCS fake for tests. Heads, file lists and
// diffs are seeded by the test; write operations are recorded.
type Memory struct {
	mu sync.Mutex

	// Heads maps a path (repo or workspace) to its current revision.
	Heads map[string]string
	// Files maps a workspace path to its tracked files.
	Files map[string][]string
	// Changed maps a workspace path to its changed files.
	Changed map[string][]string
	// Stats and Diffs map a workspace path to canned diff output.
	Stats map[string]string
	Diffs map[string]string
	// Empty maps a workspace path to whether its current change is empty.
	Empty map[string]bool

	// FailOn maps a method name to an error that call should return.
	FailOn map[string]error

	// Recorded write operations.
	Added        []string // workspace names registered
	Forgotten    []string // workspace names forgotten
	Descriptions map[string][]string
	NewChanges   map[string][]string
	Rebases      []RebaseCall
	Advances     []string
}

// RebaseCall records a RebaseOnto invocation.
type RebaseCall struct {
	WsPath  string
	FromRev string
	Dest    string
}

// NewMemory creates an empty in-memory VCS fake.
func NewMemory() *Memory {
	return &Memory{
		Heads:        make(map[string]string),
		Files:        make(map[string][]string),
		Changed:      make(map[string][]string),
		Stats:        make(map[string]string),
		Diffs:        make(map[string]string),
		Empty:        make(map[string]bool),
		FailOn:       make(map[string]error),
		Descriptions: make(map[string][]string),
		NewChanges:   make(map[string][]string),
	}
}

func (m *Memory) fail(method string) error {
	if err, ok := m.FailOn[method]; ok {
		return err
	}
	return nil
}

func (m *Memory) Head(ctx context.Context, path string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("Head"); err != nil {
		return "", err
	}
	rev, ok := m.Heads[path]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrWorkspaceNotFound, path)
	}
	return rev, nil
}

func (m *Memory) WorkspaceAdd(ctx context.Context, repoPath, wsPath, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("WorkspaceAdd"); err != nil {
		return err
	}
	m.Added = append(m.Added, name)
	// New workspace starts at the repo head
	m.Heads[wsPath] = m.Heads[repoPath]
	m.Empty[wsPath] = true
	return nil
}

func (m *Memory) WorkspaceForget(ctx context.Context, repoPath, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("WorkspaceForget"); err != nil {
		return err
	}
	m.Forgotten = append(m.Forgotten, name)
	return nil
}

func (m *Memory) ListFiles(ctx context.Context, wsPath string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ListFiles"); err != nil {
		return nil, err
	}
	return append([]string(nil), m.Files[wsPath]...), nil
}

func (m *Memory) ChangedFiles(ctx context.Context, wsPath, fromRev string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ChangedFiles"); err != nil {
		return nil, err
	}
	return append([]string(nil), m.Changed[wsPath]...), nil
}

func (m *Memory) DiffStat(ctx context.Context, wsPath, fromRev string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("DiffStat"); err != nil {
		return "", err
	}
	return m.Stats[wsPath], nil
}

func (m *Memory) Diff(ctx context.Context, wsPath, fromRev string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("Diff"); err != nil {
		return "", err
	}
	return m.Diffs[wsPath], nil
}

func (m *Memory) IsChangeEmpty(ctx context.Context, wsPath string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("IsChangeEmpty"); err != nil {
		return false, err
	}
	return m.Empty[wsPath], nil
}

func (m *Memory) Describe(ctx context.Context, wsPath, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("Describe"); err != nil {
		return err
	}
	m.Descriptions[wsPath] = append(m.Descriptions[wsPath], message)
	return nil
}

func (m *Memory) NewChange(ctx context.Context, wsPath, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("NewChange"); err != nil {
		return err
	}
	m.NewChanges[wsPath] = append(m.NewChanges[wsPath], message)
	m.Empty[wsPath] = true
	return nil
}

func (m *Memory) RebaseOnto(ctx context.Context, wsPath, fromRev, dest string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("RebaseOnto"); err != nil {
		return err
	}
	m.Rebases = append(m.Rebases, RebaseCall{WsPath: wsPath, FromRev: fromRev, Dest: dest})
	return nil
}

func (m *Memory) AdvanceTo(ctx context.Context, repoPath, rev string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("AdvanceTo"); err != nil {
		return err
	}
	m.Advances = append(m.Advances, rev)
	m.Heads[repoPath] = rev
	return nil
}
