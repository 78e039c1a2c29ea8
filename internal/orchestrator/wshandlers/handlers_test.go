package wshandlers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/agent/registry"
	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/orchestrator/controller"
	"github.com/agentdeck/agentdeck/internal/orchestrator/scheduler"
	"github.com/agentdeck/agentdeck/internal/resources"
	"github.com/agentdeck/agentdeck/internal/session"
	"github.com/agentdeck/agentdeck/internal/store"
	"github.com/agentdeck/agentdeck/internal/workspace"
	v1 "github.com/agentdeck/agentdeck/pkg/api/v1"
	"github.com/agentdeck/agentdeck/pkg/ws"
)

func createTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

// noopSession satisfies the session interface without an engine.
type noopSession struct {
	mu   sync.Mutex
	subs []func([]byte)
}

func (s *noopSession) Prompt(ctx context.Context, text string, opts session.PromptOptions) error {
	return nil
}
func (s *noopSession) Abort(ctx context.Context) error                 { return nil }
func (s *noopSession) SetModel(ctx context.Context, p, m string) error { return nil }
func (s *noopSession) Close() error                                    { return nil }
func (s *noopSession) Subscribe(fn func(raw []byte)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
	return func() {}
}

type noopEngine struct{}

func (e *noopEngine) Create(ctx context.Context, opts session.CreateOptions) (session.Session, error) {
	return &noopSession{}, nil
}

type fixture struct {
	dispatcher *ws.Dispatcher
	handlers   *Handlers
	reg        *registry.Registry
}

func newFixture(t *testing.T) *fixture {
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

	ctrl := controller.New(reg, st, mgr, &noopEngine{}, eventBus, log)
	sched := scheduler.New(3, reg, eventBus, log)
	sched.SetStarter(ctrl)
	ctrl.SetScheduler(sched)

	h := New(ctrl, sched, resources.NewLoader(t.TempDir(), log), log)
	d := ws.NewDispatcher()
	h.Register(d)

	return &fixture{dispatcher: d, handlers: h, reg: reg}
}

func (f *fixture) dispatch(t *testing.T, msg string) *ws.Response {
	t.Helper()
	req, err := ws.ParseRequest([]byte(msg))
	require.NoError(t, err)
	return f.dispatcher.Dispatch(context.Background(), req)
}

func (f *fixture) createAgent(t *testing.T, instruction string) string {
	t.Helper()
	resp := f.dispatch(t, fmt.Sprintf(
		`{"id":"c1","type":"create_agent","instruction":%q}`, instruction))
	require.True(t, resp.Success, resp.Error)

	data := resp.Data.(map[string]interface{})
	agent := data["agent"].(*v1.Agent)
	return agent.ID
}

func TestAllCommandsRegistered(t *testing.T) {
	f := newFixture(t)
	for _, cmd := range ws.Commands {
		require.True(t, f.dispatcher.HasHandler(cmd), "no handler for %s", cmd)
	}
}

func TestCreateAndStartAgent(t *testing.T) {
	f := newFixture(t)

	id := f.createAgent(t, "implement the parser")

	resp := f.dispatch(t, fmt.Sprintf(`{"id":"s1","type":"start_agent","agentId":%q}`, id))
	require.True(t, resp.Success, resp.Error)

	agent, err := f.reg.Get(id)
	require.NoError(t, err)
	require.Equal(t, v1.AgentStatusRunning, agent.Status)
}

func TestMissingAgentID(t *testing.T) {
	f := newFixture(t)

	for _, cmd := range []string{
		"start_agent", "stop_agent", "resume_agent", "instruct_agent",
		"interrupt_agent", "set_model", "get_diff", "merge_agent",
		"delete_agent", "fetch_agent", "get_workspace_files",
	} {
		resp := f.dispatch(t, fmt.Sprintf(`{"id":"m1","type":%q}`, cmd))
		require.False(t, resp.Success, cmd)
		require.Equal(t, "Missing agent ID", resp.Error, cmd)
	}
}

func TestAgentNotFound(t *testing.T) {
	f := newFixture(t)

	resp := f.dispatch(t, `{"id":"n1","type":"start_agent","agentId":"nope"}`)
	require.False(t, resp.Success)
	require.Equal(t, "Agent not found", resp.Error)
}

func TestUnknownCommand(t *testing.T) {
	f := newFixture(t)

	resp := f.dispatch(t, `{"id":"u1","type":"launch_rocket"}`)
	require.False(t, resp.Success)
	require.Equal(t, "Unknown command: launch_rocket", resp.Error)
}

func TestMergeRunningAgentRejected(t *testing.T) {
	f := newFixture(t)

	id := f.createAgent(t, "long running work")
	resp := f.dispatch(t, fmt.Sprintf(`{"id":"s1","type":"start_agent","agentId":%q}`, id))
	require.True(t, resp.Success, resp.Error)

	resp = f.dispatch(t, fmt.Sprintf(`{"id":"m1","type":"merge_agent","agentId":%q}`, id))
	require.False(t, resp.Success)
	require.Contains(t, resp.Error, "Cannot merge")
	require.Contains(t, resp.Error, "running")
}

func TestInstructRequiresInstruction(t *testing.T) {
	f := newFixture(t)

	id := f.createAgent(t, "needs follow-ups")
	resp := f.dispatch(t, fmt.Sprintf(`{"id":"i1","type":"instruct_agent","agentId":%q}`, id))
	require.False(t, resp.Success)
	require.Equal(t, "Missing instruction", resp.Error)
}

func TestDeleteAgent(t *testing.T) {
	f := newFixture(t)

	id := f.createAgent(t, "short lived")
	resp := f.dispatch(t, fmt.Sprintf(`{"id":"d1","type":"delete_agent","agentId":%q}`, id))
	require.True(t, resp.Success, resp.Error)

	_, err := f.reg.Get(id)
	require.Error(t, err)
}

func TestSetMaxConcurrencyClamps(t *testing.T) {
	f := newFixture(t)

	resp := f.dispatch(t, `{"id":"x1","type":"set_max_concurrency","maxConcurrency":99}`)
	require.True(t, resp.Success, resp.Error)
	data := resp.Data.(map[string]interface{})
	require.Equal(t, scheduler.MaxConcurrency, data["maxConcurrency"])

	resp = f.dispatch(t, `{"id":"x2","type":"set_max_concurrency","maxConcurrency":0}`)
	require.True(t, resp.Success, resp.Error)
	data = resp.Data.(map[string]interface{})
	require.Equal(t, scheduler.MinConcurrency, data["maxConcurrency"])
}

func TestGetCompletionsEmpty(t *testing.T) {
	f := newFixture(t)

	resp := f.dispatch(t, `{"id":"g1","type":"get_completions"}`)
	require.True(t, resp.Success, resp.Error)

	data := resp.Data.(map[string]interface{})
	completions := data["completions"].([]resources.Completion)
	require.NotNil(t, completions)
	require.Empty(t, completions)
}

func TestFetchAgentRefreshesDiffState(t *testing.T) {
	f := newFixture(t)

	id := f.createAgent(t, "touch some files")

	resp := f.dispatch(t, fmt.Sprintf(`{"id":"f1","type":"fetch_agent","agentId":%q}`, id))
	require.True(t, resp.Success, resp.Error)

	data := resp.Data.(map[string]interface{})
	agent := data["agent"].(*v1.Agent)
	require.Equal(t, id, agent.ID)
	require.NotNil(t, agent.ModifiedFiles)
}

func TestSnapshotShape(t *testing.T) {
	f := newFixture(t)
	f.createAgent(t, "snapshot me")

	snap := f.handlers.Snapshot()
	raw, err := json.Marshal(snap)
	require.NoError(t, err)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &decoded))
	for _, key := range []string{"agents", "models", "completions", "maxConcurrency"} {
		require.Contains(t, decoded, key)
	}
}

func TestResponseEnvelope(t *testing.T) {
	f := newFixture(t)

	resp := f.dispatch(t, `{"id":"req-42","type":"get_completions"}`)
	require.Equal(t, "req-42", resp.ID)
	require.Equal(t, "response", resp.Type)
	require.True(t, resp.Success)
	require.Empty(t, resp.Error)
}
