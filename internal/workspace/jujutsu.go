package workspace

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
)

// Jujutsu implements VCS by shelling out to the jj CLI.
type Jujutsu struct {
	binary  string
	timeout time.Duration
	logger  *logger.Logger
}

// NewJujutsu creates a jj-backed VCS. binary defaults to "jj".
func NewJujutsu(binary string, timeout time.Duration, log *logger.Logger) *Jujutsu {
	if binary == "" {
		binary = "jj"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Jujutsu{
		binary:  binary,
		timeout: timeout,
		logger:  log.WithFields(zap.String("component", "jujutsu")),
	}
}

// run executes a jj command in dir and returns trimmed stdout+stderr.
func (j *Jujutsu) run(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, j.binary, args...)
	cmd.Dir = dir

	output, err := cmd.CombinedOutput()
	if err != nil {
		j.logger.Debug("jj command failed",
			zap.Strings("args", args),
			zap.String("dir", dir),
			zap.String("output", string(output)),
			zap.Error(err))
		return "", fmt.Errorf("%w: jj %s: %s", ErrCommandFailed, strings.Join(args, " "), strings.TrimSpace(string(output)))
	}
	return strings.TrimSpace(string(output)), nil
}

func (j *Jujutsu) Head(ctx context.Context, path string) (string, error) {
	return j.run(ctx, path, "log", "-r", "@", "--no-graph", "-T", "commit_id")
}

func (j *Jujutsu) WorkspaceAdd(ctx context.Context, repoPath, wsPath, name string) error {
	_, err := j.run(ctx, repoPath, "workspace", "add", "--name", name, wsPath)
	return err
}

func (j *Jujutsu) WorkspaceForget(ctx context.Context, repoPath, name string) error {
	_, err := j.run(ctx, repoPath, "workspace", "forget", name)
	return err
}

func (j *Jujutsu) ListFiles(ctx context.Context, wsPath string) ([]string, error) {
	out, err := j.run(ctx, wsPath, "file", "list")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

func (j *Jujutsu) ChangedFiles(ctx context.Context, wsPath, fromRev string) ([]string, error) {
	out, err := j.run(ctx, wsPath, "diff", "--from", fromRev, "--summary")
	if err != nil {
		return nil, err
	}

	// Summary lines look like "M path/to/file"; strip the status column.
	var files []string
	for _, line := range splitLines(out) {
		if i := strings.IndexByte(line, ' '); i >= 0 {
			files = append(files, line[i+1:])
		}
	}
	return files, nil
}

func (j *Jujutsu) DiffStat(ctx context.Context, wsPath, fromRev string) (string, error) {
	return j.run(ctx, wsPath, "diff", "--from", fromRev, "--stat")
}

func (j *Jujutsu) Diff(ctx context.Context, wsPath, fromRev string) (string, error) {
	return j.run(ctx, wsPath, "diff", "--from", fromRev, "--git")
}

func (j *Jujutsu) IsChangeEmpty(ctx context.Context, wsPath string) (bool, error) {
	out, err := j.run(ctx, wsPath, "log", "-r", "@", "--no-graph", "-T", `if(empty, "true", "false")`)
	if err != nil {
		return false, err
	}
	return out == "true", nil
}

func (j *Jujutsu) Describe(ctx context.Context, wsPath, message string) error {
	_, err := j.run(ctx, wsPath, "describe", "-m", message)
	return err
}

func (j *Jujutsu) NewChange(ctx context.Context, wsPath, message string) error {
	_, err := j.run(ctx, wsPath, "new", "-m", message)
	return err
}

func (j *Jujutsu) RebaseOnto(ctx context.Context, wsPath, fromRev, dest string) error {
	// Rebase everything built on top of fromRev in this workspace.
	source := fmt.Sprintf("roots(%s..@)", fromRev)
	_, err := j.run(ctx, wsPath, "rebase", "-s", source, "-d", dest)
	return err
}

func (j *Jujutsu) AdvanceTo(ctx context.Context, repoPath, rev string) error {
	_, err := j.run(ctx, repoPath, "new", rev)
	return err
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
