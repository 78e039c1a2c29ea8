package controller

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/agent/registry"
	"github.com/agentdeck/agentdeck/internal/common/config"
	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/orchestrator/scheduler"
	"github.com/agentdeck/agentdeck/internal/session"
	"github.com/agentdeck/agentdeck/internal/store"
	"github.com/agentdeck/agentdeck/internal/workspace"
	v1 "github.com/agentdeck/agentdeck/pkg/api/v1"
)

func createTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

type promptCall struct {
	text  string
	queue bool
}

type fakeSession struct {
	mu        sync.Mutex
	prompts   []promptCall
	models    []string
	aborted   bool
	closed    bool
	promptErr error
	subs      map[int]func([]byte)
	nextSub   int
}

func newFakeSession() *fakeSession {
	return &fakeSession{subs: make(map[int]func([]byte))}
}

func (s *fakeSession) Prompt(ctx context.Context, text string, opts session.PromptOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.promptErr != nil {
		return s.promptErr
	}
	s.prompts = append(s.prompts, promptCall{text: text, queue: opts.Queue})
	return nil
}

func (s *fakeSession) Abort(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = true
	return nil
}

func (s *fakeSession) SetModel(ctx context.Context, provider, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models = append(s.models, provider+"/"+model)
	return nil
}

func (s *fakeSession) Subscribe(fn func(raw []byte)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Emit delivers one raw event line to current subscribers.
func (s *fakeSession) Emit(raw string) {
	s.mu.Lock()
	fns := make([]func([]byte), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn([]byte(raw))
	}
}

func (s *fakeSession) promptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

func (s *fakeSession) lastPrompt() promptCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prompts[len(s.prompts)-1]
}

type fakeEngine struct {
	mu          sync.Mutex
	creates     []session.CreateOptions
	sessions    []*fakeSession
	createErr   error
	createDelay time.Duration
	promptErr   error
}

func (e *fakeEngine) Create(ctx context.Context, opts session.CreateOptions) (session.Session, error) {
	e.mu.Lock()
	delay := e.createDelay
	if e.createErr != nil {
		err := e.createErr
		e.createErr = nil
		e.mu.Unlock()
		return nil, err
	}
	e.mu.Unlock()

	// Simulates subprocess spawn time without serializing callers.
	if delay > 0 {
		time.Sleep(delay)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	s := newFakeSession()
	s.promptErr = e.promptErr
	e.creates = append(e.creates, opts)
	e.sessions = append(e.sessions, s)
	return s, nil
}

func (e *fakeEngine) last() *fakeSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[len(e.sessions)-1]
}

func (e *fakeEngine) lastCreate() session.CreateOptions {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.creates[len(e.creates)-1]
}

type fixture struct {
	ctrl   *Controller
	engine *fakeEngine
	vcs    *workspace.Memory
	store  *store.Store
	reg    *registry.Registry
	sched  *scheduler.Scheduler
}

func newFixture(t *testing.T, maxConcurrency int) *fixture {
	t.Helper()
	log := createTestLogger(t)

	vcs := workspace.NewMemory()
	vcs.Heads["/repo"] = "rev-base"

	mgr, err := workspace.NewManager(config.WorkspaceConfig{
		RepoPath: "/repo",
		Root:     t.TempDir(),
	}, vcs, log)
	require.NoError(t, err)

	st, err := store.New(t.TempDir(), log)
	require.NoError(t, err)

	reg := registry.New()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	engine := &fakeEngine{}
	ctrl := New(reg, st, mgr, engine, eventBus, log)
	sched := scheduler.New(maxConcurrency, reg, eventBus, log)
	sched.SetStarter(ctrl)
	ctrl.SetScheduler(sched)

	return &fixture{ctrl: ctrl, engine: engine, vcs: vcs, store: st, reg: reg, sched: sched}
}

func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func (f *fixture) status(t *testing.T, id string) v1.AgentStatus {
	t.Helper()
	agent, err := f.reg.Get(id)
	require.NoError(t, err)
	return agent.Status
}

func TestCreateAgent(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	agent, err := f.ctrl.CreateAgent(ctx, "Fix the login bug", "", "")
	require.NoError(t, err)

	require.Equal(t, v1.AgentStatusPending, agent.Status)
	require.Equal(t, "rev-base", agent.BaseRevision)
	require.Equal(t, "fix-the-login-bug", agent.Name)
	require.Equal(t, "anthropic", agent.Provider)
	require.NotEmpty(t, agent.Model)
	require.Contains(t, agent.Workspace, agent.ID)

	// Persisted immediately.
	loaded, err := f.store.Load(agent.ID)
	require.NoError(t, err)
	require.Equal(t, agent.ID, loaded.ID)
}

func TestCreateAgentEmptyInstruction(t *testing.T) {
	f := newFixture(t, 3)

	_, err := f.ctrl.CreateAgent(context.Background(), "   ", "", "")
	require.Error(t, err)
}

func TestStartAgentRunsSession(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	agent, err := f.ctrl.CreateAgent(ctx, "do the thing", "", "")
	require.NoError(t, err)
	require.NoError(t, f.ctrl.StartAgent(ctx, agent.ID))

	require.Equal(t, v1.AgentStatusRunning, f.status(t, agent.ID))
	require.True(t, f.ctrl.HasActiveSession(agent.ID))

	opts := f.engine.lastCreate()
	require.False(t, opts.Resume)
	require.Equal(t, agent.Workspace, opts.Workspace)

	sess := f.engine.last()
	require.Equal(t, 1, sess.promptCount())
	require.Equal(t, "do the thing", sess.lastPrompt().text)
}

func TestSessionEventsAppendToOutput(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	agent, _ := f.ctrl.CreateAgent(ctx, "write code", "", "")
	require.NoError(t, f.ctrl.StartAgent(ctx, agent.ID))

	sess := f.engine.last()
	sess.Emit(`{"type":"message","role":"assistant","content":"hello"}`)

	waitFor(t, "event in output", func() bool {
		a, err := f.reg.Get(agent.ID)
		return err == nil && strings.Contains(a.Output, `"content":"hello"`)
	})

	// Output persists as it accumulates.
	loaded, err := f.store.Load(agent.ID)
	require.NoError(t, err)
	require.Contains(t, loaded.Output, `"content":"hello"`)
}

func TestTurnCompleteMovesToWaiting(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	agent, _ := f.ctrl.CreateAgent(ctx, "refactor", "", "")
	require.NoError(t, f.ctrl.StartAgent(ctx, agent.ID))

	f.vcs.Changed[agent.Workspace] = []string{"main.go", "util.go"}
	f.vcs.Stats[agent.Workspace] = "2 files changed"

	f.engine.last().Emit(`{"type":"turn_complete","stopReason":"end_turn"}`)

	waitFor(t, "waiting status", func() bool {
		return f.status(t, agent.ID) == v1.AgentStatusWaiting
	})

	a, err := f.reg.Get(agent.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"main.go", "util.go"}, a.ModifiedFiles)
	require.Equal(t, "2 files changed", a.DiffStat)
	// Session stays attached for follow-ups.
	require.True(t, f.ctrl.HasActiveSession(agent.ID))
}

func TestErrorEventMovesToError(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	agent, _ := f.ctrl.CreateAgent(ctx, "break things", "", "")
	require.NoError(t, f.ctrl.StartAgent(ctx, agent.ID))

	f.engine.last().Emit(`{"type":"error","message":"provider quota exceeded"}`)

	waitFor(t, "error status", func() bool {
		return f.status(t, agent.ID) == v1.AgentStatusError
	})

	a, err := f.reg.Get(agent.ID)
	require.NoError(t, err)
	require.Equal(t, "provider quota exceeded", a.ErrorMessage)
	require.False(t, f.ctrl.HasActiveSession(agent.ID))
}

func TestEngineCreateFailureErrorsAgent(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	agent, _ := f.ctrl.CreateAgent(ctx, "doomed", "", "")
	f.engine.createErr = errors.New("engine unavailable")

	require.NoError(t, f.ctrl.StartAgent(ctx, agent.ID))

	waitFor(t, "error status", func() bool {
		return f.status(t, agent.ID) == v1.AgentStatusError
	})

	a, err := f.reg.Get(agent.ID)
	require.NoError(t, err)
	require.Contains(t, a.Output, "engine unavailable")
}

func TestConcurrencyBound(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	first, _ := f.ctrl.CreateAgent(ctx, "first", "", "")
	second, _ := f.ctrl.CreateAgent(ctx, "second", "", "")

	require.NoError(t, f.ctrl.StartAgent(ctx, first.ID))
	require.NoError(t, f.ctrl.StartAgent(ctx, second.ID))

	require.Equal(t, v1.AgentStatusRunning, f.status(t, first.ID))
	require.Equal(t, v1.AgentStatusPending, f.status(t, second.ID))

	// Finishing the first turn frees the slot for the second agent.
	f.engine.last().Emit(`{"type":"turn_complete"}`)

	waitFor(t, "second agent running", func() bool {
		return f.status(t, second.ID) == v1.AgentStatusRunning
	})
}

func TestConcurrentStartsRespectSlotBound(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	// Session creation takes long enough for the starts to overlap.
	f.engine.createDelay = 20 * time.Millisecond

	var agents []*v1.Agent
	for _, inst := range []string{"one", "two", "three", "four"} {
		a, err := f.ctrl.CreateAgent(ctx, inst, "", "")
		require.NoError(t, err)
		agents = append(agents, a)
	}

	running := func() int {
		n := 0
		for _, a := range f.reg.List() {
			if a.Status == v1.AgentStatusRunning {
				n++
			}
		}
		return n
	}

	// Watch for oversubscription while the starts race.
	var peak atomic.Int64
	monitorDone := make(chan struct{})
	stopMonitor := make(chan struct{})
	go func() {
		defer close(monitorDone)
		for {
			select {
			case <-stopMonitor:
				return
			default:
			}
			if n := int64(running()); n > peak.Load() {
				peak.Store(n)
			}
			time.Sleep(time.Millisecond)
		}
	}()

	var wg sync.WaitGroup
	startErrs := make(chan error, len(agents))
	for _, a := range agents {
		a := a
		wg.Add(1)
		go func() {
			defer wg.Done()
			startErrs <- f.ctrl.StartAgent(ctx, a.ID)
		}()
	}
	wg.Wait()
	close(startErrs)
	for err := range startErrs {
		require.NoError(t, err)
	}
	time.Sleep(60 * time.Millisecond)
	close(stopMonitor)
	<-monitorDone

	require.LessOrEqual(t, peak.Load(), int64(1), "concurrency limit exceeded")
	require.Equal(t, 1, running())

	pending := 0
	for _, a := range f.reg.List() {
		if a.Status == v1.AgentStatusPending {
			pending++
		}
	}
	require.Equal(t, 3, pending)
}

func TestStopAgent(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	agent, _ := f.ctrl.CreateAgent(ctx, "stoppable", "", "")
	require.NoError(t, f.ctrl.StartAgent(ctx, agent.ID))

	sess := f.engine.last()
	require.NoError(t, f.ctrl.StopAgent(ctx, agent.ID))

	require.Equal(t, v1.AgentStatusStopped, f.status(t, agent.ID))
	require.False(t, f.ctrl.HasActiveSession(agent.ID))
	require.True(t, sess.closed)
}

func TestStopRequiresRunning(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	agent, _ := f.ctrl.CreateAgent(ctx, "idle", "", "")
	err := f.ctrl.StopAgent(ctx, agent.ID)
	require.True(t, apperrors.IsPrecondition(err))
}

func TestLateTurnCompleteAfterStopIgnored(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	agent, _ := f.ctrl.CreateAgent(ctx, "slow to finish", "", "")
	require.NoError(t, f.ctrl.StartAgent(ctx, agent.ID))
	require.NoError(t, f.ctrl.StopAgent(ctx, agent.ID))

	// A completion that was already in flight when the stop detached
	// the session must not revive the agent.
	f.ctrl.handleEvent(ctx, agent.ID, []byte(`{"type":"turn_complete"}`))

	require.Equal(t, v1.AgentStatusStopped, f.status(t, agent.ID))
}

func TestInstructLiveSession(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	agent, _ := f.ctrl.CreateAgent(ctx, "iterate", "", "")
	require.NoError(t, f.ctrl.StartAgent(ctx, agent.ID))

	f.engine.last().Emit(`{"type":"turn_complete"}`)
	waitFor(t, "waiting status", func() bool {
		return f.status(t, agent.ID) == v1.AgentStatusWaiting
	})

	// The turn left edits in the current change, so the follow-up
	// starts a new one on top.
	f.vcs.Empty[agent.Workspace] = false

	require.NoError(t, f.ctrl.InstructAgent(ctx, agent.ID, "also add tests", true))

	sess := f.engine.last()
	require.Equal(t, 2, sess.promptCount())
	last := sess.lastPrompt()
	require.Equal(t, "also add tests", last.text)
	require.True(t, last.queue)

	// The follow-up gets its own workspace change.
	require.NotEmpty(t, f.vcs.NewChanges[agent.Workspace])
}

func TestInstructStoppedAgentResumes(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	agent, _ := f.ctrl.CreateAgent(ctx, "pausable", "", "")
	require.NoError(t, f.ctrl.StartAgent(ctx, agent.ID))
	require.NoError(t, f.ctrl.StopAgent(ctx, agent.ID))

	require.NoError(t, f.ctrl.InstructAgent(ctx, agent.ID, "keep going", false))

	require.Equal(t, v1.AgentStatusRunning, f.status(t, agent.ID))
	opts := f.engine.lastCreate()
	require.True(t, opts.Resume)
	require.Equal(t, "keep going", f.engine.last().lastPrompt().text)
}

func TestInstructErrorAgentStartsFresh(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	agent, _ := f.ctrl.CreateAgent(ctx, "flaky", "", "")
	require.NoError(t, f.ctrl.StartAgent(ctx, agent.ID))

	f.engine.last().Emit(`{"type":"error","message":"boom"}`)
	waitFor(t, "error status", func() bool {
		return f.status(t, agent.ID) == v1.AgentStatusError
	})

	require.NoError(t, f.ctrl.InstructAgent(ctx, agent.ID, "try again", false))

	waitFor(t, "running after retry", func() bool {
		return f.status(t, agent.ID) == v1.AgentStatusRunning
	})

	a, err := f.reg.Get(agent.ID)
	require.NoError(t, err)
	require.Equal(t, "try again", a.Instruction)
	require.Empty(t, a.ErrorMessage)
	opts := f.engine.lastCreate()
	require.False(t, opts.Resume)
}

func TestInterruptAbortsAndResumes(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	agent, _ := f.ctrl.CreateAgent(ctx, "interruptible", "", "")
	require.NoError(t, f.ctrl.StartAgent(ctx, agent.ID))
	first := f.engine.last()

	require.NoError(t, f.ctrl.InterruptAgent(ctx, agent.ID, "change course"))

	require.True(t, first.aborted)
	require.True(t, first.closed)

	a, err := f.reg.Get(agent.ID)
	require.NoError(t, err)
	require.Contains(t, a.Output, `{"type":"interrupted"}`)

	second := f.engine.last()
	require.NotSame(t, first, second)
	require.Equal(t, "change course", second.lastPrompt().text)
	require.True(t, f.engine.lastCreate().Resume)
	require.Equal(t, v1.AgentStatusRunning, f.status(t, agent.ID))
}

func TestInterruptPendingAgentRejected(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	agent, _ := f.ctrl.CreateAgent(ctx, "not started", "", "")

	err := f.ctrl.InterruptAgent(ctx, agent.ID, "skip ahead")
	require.True(t, apperrors.IsPrecondition(err))
	require.Equal(t, v1.AgentStatusPending, f.status(t, agent.ID))
	require.False(t, f.ctrl.HasActiveSession(agent.ID))
}

func TestInterruptWithoutSlotRejected(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	first, _ := f.ctrl.CreateAgent(ctx, "occupies the slot", "", "")
	require.NoError(t, f.ctrl.StartAgent(ctx, first.ID))

	second, _ := f.ctrl.CreateAgent(ctx, "waits its turn", "", "")
	_, err := f.reg.Update(second.ID, func(a *v1.Agent) error {
		a.Status = v1.AgentStatusStopped
		return nil
	})
	require.NoError(t, err)

	err = f.ctrl.InterruptAgent(ctx, second.ID, "jump the queue")
	require.True(t, apperrors.IsPrecondition(err))
	require.Equal(t, v1.AgentStatusStopped, f.status(t, second.ID))
}

func TestResumeRequiresStopped(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	agent, _ := f.ctrl.CreateAgent(ctx, "fresh", "", "")
	err := f.ctrl.ResumeAgent(ctx, agent.ID, "go")
	require.True(t, apperrors.IsPrecondition(err))
}

func TestMergePrecondition(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	agent, _ := f.ctrl.CreateAgent(ctx, "busy", "", "")
	require.NoError(t, f.ctrl.StartAgent(ctx, agent.ID))

	err := f.ctrl.MergeAgent(ctx, agent.ID)
	require.Error(t, err)
	require.Contains(t, err.Error(), "Cannot merge")
	require.Contains(t, err.Error(), "running")
}

func TestMergeAdvancesBase(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	agent, _ := f.ctrl.CreateAgent(ctx, "mergeable", "", "")
	require.NoError(t, f.ctrl.StartAgent(ctx, agent.ID))
	f.vcs.Heads[agent.Workspace] = "rev-agent"
	f.engine.last().Emit(`{"type":"turn_complete"}`)
	waitFor(t, "waiting status", func() bool {
		return f.status(t, agent.ID) == v1.AgentStatusWaiting
	})

	require.NoError(t, f.ctrl.MergeAgent(ctx, agent.ID))
	require.Equal(t, []string{"rev-agent"}, f.vcs.Advances)
	require.Equal(t, "rev-agent", f.vcs.Heads["/repo"])
}

func TestDeleteAgent(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	agent, _ := f.ctrl.CreateAgent(ctx, "disposable", "", "")
	require.NoError(t, f.ctrl.DeleteAgent(ctx, agent.ID))

	_, err := f.reg.Get(agent.ID)
	require.Error(t, err)
	_, err = f.store.Load(agent.ID)
	require.Error(t, err)
	require.Equal(t, []string{agent.ID}, f.vcs.Forgotten)
}

func TestDeleteRunningAgentRejected(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	agent, _ := f.ctrl.CreateAgent(ctx, "protected", "", "")
	require.NoError(t, f.ctrl.StartAgent(ctx, agent.ID))

	err := f.ctrl.DeleteAgent(ctx, agent.ID)
	require.True(t, apperrors.IsPrecondition(err))
}

func TestSetModelLiveSession(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	agent, _ := f.ctrl.CreateAgent(ctx, "switchable", "", "")
	require.NoError(t, f.ctrl.StartAgent(ctx, agent.ID))

	require.NoError(t, f.ctrl.SetModel(ctx, agent.ID, "openai", "o3"))

	a, err := f.reg.Get(agent.ID)
	require.NoError(t, err)
	require.Equal(t, "openai", a.Provider)
	require.Equal(t, "o3", a.Model)
	require.Equal(t, []string{"openai/o3"}, f.engine.last().models)
}

func TestSetModelUnknownProvider(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	agent, _ := f.ctrl.CreateAgent(ctx, "picky", "", "")
	err := f.ctrl.SetModel(ctx, agent.ID, "nonsense", "model-x")
	require.Error(t, err)
}

func TestUnknownEventPreserved(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	agent, _ := f.ctrl.CreateAgent(ctx, "forward compatible", "", "")
	require.NoError(t, f.ctrl.StartAgent(ctx, agent.ID))

	f.engine.last().Emit(`{"type":"telemetry","tokens":42}`)

	waitFor(t, "unknown event in output", func() bool {
		a, err := f.reg.Get(agent.ID)
		return err == nil && strings.Contains(a.Output, `"telemetry"`)
	})
	// No transition is driven by an unknown event.
	require.Equal(t, v1.AgentStatusRunning, f.status(t, agent.ID))
}
