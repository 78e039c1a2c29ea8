package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/session/credentials"
)

// ProcEngine launches one engine subprocess per session and speaks
// newline-delimited JSON over its stdin/stdout.
type ProcEngine struct {
	cfg    config.EngineConfig
	creds  *credentials.EnvProvider
	logger *logger.Logger
}

// NewProcEngine creates a subprocess-backed engine.
func NewProcEngine(cfg config.EngineConfig, creds *credentials.EnvProvider, log *logger.Logger) *ProcEngine {
	return &ProcEngine{
		cfg:    cfg,
		creds:  creds,
		logger: log.WithFields(zap.String("component", "proc-engine")),
	}
}

// Create starts a new engine subprocess bound to the workspace.
func (e *ProcEngine) Create(ctx context.Context, opts CreateOptions) (Session, error) {
	args := append([]string{}, e.cfg.Args...)
	args = append(args,
		"--workspace", opts.Workspace,
		"--provider", opts.Provider,
		"--model", opts.Model,
	)
	if opts.Resume {
		args = append(args, "--resume")
	}

	cmd := exec.Command(e.cfg.Command, args...)
	cmd.Dir = opts.Workspace
	cmd.Env = os.Environ()
	if e.creds != nil {
		cmd.Env = append(cmd.Env, e.creds.Environ()...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open engine stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open engine stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start engine: %w", err)
	}

	s := &procSession{
		agentID: opts.AgentID,
		cmd:     cmd,
		stdin:   stdin,
		stdout:  stdout,
		logger: e.logger.WithFields(
			zap.String("agent_id", opts.AgentID),
			zap.Int("pid", cmd.Process.Pid)),
		subscribers: make(map[int]func(raw []byte)),
		done:        make(chan struct{}),
	}
	go s.readLoop()

	e.logger.Info("engine session started",
		zap.String("agent_id", opts.AgentID),
		zap.String("workspace", opts.Workspace),
		zap.String("model", opts.Provider+"/"+opts.Model),
		zap.Bool("resume", opts.Resume))

	return s, nil
}

// procSession is one live engine subprocess.
type procSession struct {
	agentID string
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	logger  *logger.Logger

	mu          sync.Mutex
	subscribers map[int]func(raw []byte)
	nextSubID   int

	done      chan struct{}
	closeOnce sync.Once
}

func (s *procSession) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write to engine: %w", err)
	}
	return nil
}

func (s *procSession) Prompt(ctx context.Context, text string, opts PromptOptions) error {
	return s.send(map[string]any{
		"type":  "prompt",
		"text":  text,
		"queue": opts.Queue,
	})
}

func (s *procSession) Abort(ctx context.Context) error {
	return s.send(map[string]any{"type": "abort"})
}

func (s *procSession) SetModel(ctx context.Context, provider, model string) error {
	return s.send(map[string]any{
		"type":     "set_model",
		"provider": provider,
		"model":    model,
	})
}

func (s *procSession) Subscribe(fn func(raw []byte)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers, id)
	}
}

// readLoop delivers each stdout line to subscribers in emission order.
func (s *procSession) readLoop() {
	scanner := bufio.NewScanner(s.stdout)
	// Allow for large JSON messages (up to 10MB)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		select {
		case <-s.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.deliver(append([]byte(nil), line...))
	}

	if err := scanner.Err(); err != nil {
		s.logger.Error("engine read loop error", zap.Error(err))
	}

	// Unexpected process exit surfaces as an error event so the
	// controller can transition the agent.
	select {
	case <-s.done:
	default:
		s.logger.Warn("engine process exited unexpectedly")
		s.deliver([]byte(`{"type":"error","message":"engine process exited unexpectedly"}`))
	}
}

func (s *procSession) deliver(raw []byte) {
	s.mu.Lock()
	fns := make([]func(raw []byte), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(raw)
	}
}

func (s *procSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.stdin.Close()
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		err = s.cmd.Wait()
		s.logger.Info("engine session closed")
	})
	return err
}
