// Package controller drives agent lifecycles: it admits agents through
// the scheduler, runs engine sessions for them, pumps session events
// into the output log, and applies the resulting status transitions.
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentdeck/agentdeck/internal/agent/lifecycle"
	"github.com/agentdeck/agentdeck/internal/agent/registry"
	"github.com/agentdeck/agentdeck/internal/common/errors"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/models"
	"github.com/agentdeck/agentdeck/internal/session"
	"github.com/agentdeck/agentdeck/internal/session/events"
	"github.com/agentdeck/agentdeck/internal/store"
	"github.com/agentdeck/agentdeck/internal/workspace"
	v1 "github.com/agentdeck/agentdeck/pkg/api/v1"
)

// eventBuffer bounds the per-agent event channel between the session
// subscription and the pump goroutine.
const eventBuffer = 256

// Scheduler is the slice of the scheduler the controller drives.
type Scheduler interface {
	Enqueue(agent *v1.Agent)
	Remove(agentID string)
	TryStartNext(ctx context.Context)
	Reserve() bool
	Release()
}

// Controller orchestrates agents end to end.
type Controller struct {
	registry   *registry.Registry
	store      *store.Store
	workspaces *workspace.Manager
	engine     session.Engine
	eventBus   bus.EventBus
	logger     *logger.Logger

	mu        sync.Mutex
	scheduler Scheduler
	sessions  map[string]*attached

	seq atomic.Uint64
}

// attached is a live session with its event pump.
type attached struct {
	sess   session.Session
	unsub  func()
	events chan []byte
	done   chan struct{}
}

// New creates a controller.
func New(
	reg *registry.Registry,
	st *store.Store,
	workspaces *workspace.Manager,
	engine session.Engine,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Controller {
	return &Controller{
		registry:   reg,
		store:      st,
		workspaces: workspaces,
		engine:     engine,
		eventBus:   eventBus,
		logger:     log.WithFields(zap.String("component", "controller")),
		sessions:   make(map[string]*attached),
	}
}

// SetScheduler injects the scheduler after construction.
func (c *Controller) SetScheduler(s Scheduler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scheduler = s
}

// InitSeq seeds the creation sequence counter from recovered agents.
func (c *Controller) InitSeq(agents []*v1.Agent) {
	var max uint64
	for _, a := range agents {
		if a.Seq > max {
			max = a.Seq
		}
	}
	c.seq.Store(max)
}

// HasActiveSession reports whether the agent has a live session.
func (c *Controller) HasActiveSession(agentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[agentID]
	return ok
}

// CreateAgent makes a new pending agent with its own workspace. The
// agent is not started; start_agent admits it to the scheduler.
func (c *Controller) CreateAgent(ctx context.Context, instruction, provider, model string) (*v1.Agent, error) {
	if strings.TrimSpace(instruction) == "" {
		return nil, errors.ValidationError("instruction", "must not be empty")
	}

	resolved, err := models.Resolve(provider, model)
	if err != nil {
		return nil, errors.BadRequest(err.Error())
	}

	id := uuid.New().String()
	wsPath, baseRevision, err := c.workspaces.Create(ctx, id, instruction)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	agent := &v1.Agent{
		ID:            id,
		Name:          deriveName(instruction),
		Status:        v1.AgentStatusPending,
		Instruction:   instruction,
		Workspace:     wsPath,
		BasePath:      c.workspaces.RepoPath(),
		BaseRevision:  baseRevision,
		CreatedAt:     now,
		UpdatedAt:     now,
		Seq:           c.seq.Add(1),
		ModifiedFiles: []string{},
		Provider:      resolved.Provider,
		Model:         resolved.ID,
	}

	if err := c.registry.Add(agent); err != nil {
		c.workspaces.Delete(ctx, wsPath)
		return nil, err
	}
	if err := c.store.Save(agent); err != nil {
		return nil, errors.Wrap(err, "failed to persist agent")
	}

	c.publish(ctx, "agent.created", bus.NewEvent(
		"agent_created", "controller",
		map[string]interface{}{"agent": agent}))

	c.logger.Info("agent created",
		zap.String("agent_id", agent.ID),
		zap.String("name", agent.Name))

	return agent, nil
}

// StartAgent admits the agent to the scheduler. Errored agents are
// reset for retry and completed agents return to pending; with no free
// slot the agent simply stays queued, which is not an error.
func (c *Controller) StartAgent(ctx context.Context, agentID string) error {
	agent, err := c.registry.Update(agentID, func(a *v1.Agent) error {
		switch a.Status {
		case v1.AgentStatusPending:
			return nil
		case v1.AgentStatusError:
			return lifecycle.ResetForRetry(a)
		case v1.AgentStatusCompleted:
			a.Status = v1.AgentStatusPending
			a.UpdatedAt = time.Now().UTC()
			return nil
		default:
			return errors.Precondition(fmt.Sprintf("cannot start agent with status %s", a.Status))
		}
	})
	if err != nil {
		return err
	}
	c.persistAndBroadcast(ctx, agent)

	sched := c.getScheduler()
	sched.Enqueue(agent)
	sched.TryStartNext(ctx)
	return nil
}

// StartQueued starts a fresh session for a queued agent. Called by the
// scheduler when a slot is free.
func (c *Controller) StartQueued(ctx context.Context, agentID string) error {
	return c.startFresh(ctx, agentID)
}

// startFresh creates a brand-new session: output is cleared and the
// stored instruction becomes the initial prompt. Admission has already
// normalized the agent to pending.
func (c *Controller) startFresh(ctx context.Context, agentID string) error {
	agent, err := c.registry.Get(agentID)
	if err != nil {
		return err
	}
	if agent.Status != v1.AgentStatusPending {
		return errors.Precondition(fmt.Sprintf("cannot start agent with status %s", agent.Status))
	}

	sess, err := c.engine.Create(ctx, session.CreateOptions{
		AgentID:   agent.ID,
		Workspace: agent.Workspace,
		Provider:  agent.Provider,
		Model:     agent.Model,
		Resume:    false,
	})
	if err != nil {
		c.failAgent(ctx, agentID, fmt.Sprintf("failed to create session: %v", err))
		return err
	}

	c.attach(agentID, sess)

	agent, err = c.registry.Update(agentID, func(a *v1.Agent) error {
		a.Output = ""
		a.ModifiedFiles = []string{}
		a.DiffStat = ""
		lifecycle.ToRunning(a)
		return nil
	})
	if err != nil {
		c.detach(agentID)
		return err
	}
	c.persistAndBroadcast(ctx, agent)

	if err := sess.Prompt(ctx, agent.Instruction, session.PromptOptions{}); err != nil {
		c.failAgent(ctx, agentID, fmt.Sprintf("prompt rejected: %v", err))
		return err
	}

	c.logger.Info("agent started", zap.String("agent_id", agentID))
	return nil
}

// ResumeAgent restarts a stopped agent's session with history
// restoration and sends the instruction. Requires a free slot.
func (c *Controller) ResumeAgent(ctx context.Context, agentID, instruction string) error {
	agent, err := c.registry.Get(agentID)
	if err != nil {
		return err
	}
	if agent.Status != v1.AgentStatusStopped {
		return errors.Precondition(fmt.Sprintf("cannot resume agent with status %s", agent.Status))
	}
	sched := c.getScheduler()
	if !sched.Reserve() {
		return errors.Precondition("no free slot to resume agent")
	}
	defer sched.Release()
	return c.resume(ctx, agentID, instruction)
}

// resume creates a history-restoring session and prompts it.
func (c *Controller) resume(ctx context.Context, agentID, instruction string) error {
	agent, err := c.registry.Get(agentID)
	if err != nil {
		return err
	}

	sess, err := c.engine.Create(ctx, session.CreateOptions{
		AgentID:   agent.ID,
		Workspace: agent.Workspace,
		Provider:  agent.Provider,
		Model:     agent.Model,
		Resume:    true,
	})
	if err != nil {
		c.failAgent(ctx, agentID, fmt.Sprintf("failed to resume session: %v", err))
		return err
	}

	c.attach(agentID, sess)

	agent, err = c.registry.Update(agentID, func(a *v1.Agent) error {
		lifecycle.ToRunning(a)
		return nil
	})
	if err != nil {
		c.detach(agentID)
		return err
	}
	c.persistAndBroadcast(ctx, agent)

	if err := sess.Prompt(ctx, instruction, session.PromptOptions{}); err != nil {
		c.failAgent(ctx, agentID, fmt.Sprintf("prompt rejected: %v", err))
		return err
	}

	c.logger.Info("agent resumed", zap.String("agent_id", agentID))
	return nil
}

// StopAgent aborts the live session and leaves the agent resumable.
func (c *Controller) StopAgent(ctx context.Context, agentID string) error {
	agent, err := c.registry.Get(agentID)
	if err != nil {
		return err
	}
	if !lifecycle.CanStop(agent.Status) {
		return errors.Precondition(fmt.Sprintf("cannot stop agent with status %s", agent.Status))
	}

	c.abortAndDetach(ctx, agentID)

	agent, err = c.registry.Update(agentID, func(a *v1.Agent) error {
		lifecycle.ToStopped(a)
		return nil
	})
	if err != nil {
		return err
	}
	c.persistAndBroadcast(ctx, agent)

	c.getScheduler().TryStartNext(ctx)
	c.logger.Info("agent stopped", zap.String("agent_id", agentID))
	return nil
}

// InstructAgent routes a follow-up instruction according to the
// lifecycle action table.
func (c *Controller) InstructAgent(ctx context.Context, agentID, instruction string, queue bool) error {
	agent, err := c.registry.Get(agentID)
	if err != nil {
		return err
	}

	action, err := lifecycle.DetermineAction(c.HasActiveSession(agentID), agent.Status)
	if err != nil {
		return err
	}

	switch action {
	case lifecycle.ActionContinueActive:
		// Every instruction gets its own change, steered or queued.
		if err := c.workspaces.StageChange(ctx, agent.Workspace, instruction); err != nil {
			return err
		}
		sess := c.getSession(agentID)
		if sess == nil {
			return errors.Precondition("session detached while instructing")
		}
		if err := sess.Prompt(ctx, instruction, session.PromptOptions{Queue: queue}); err != nil {
			c.failAgent(ctx, agentID, fmt.Sprintf("prompt rejected: %v", err))
			return err
		}
		return nil

	case lifecycle.ActionResumeSession:
		sched := c.getScheduler()
		if !sched.Reserve() {
			return errors.Precondition("no free slot to resume agent")
		}
		defer sched.Release()
		if err := c.workspaces.StageChange(ctx, agent.Workspace, instruction); err != nil {
			return err
		}
		return c.resume(ctx, agentID, instruction)

	case lifecycle.ActionStartFresh:
		agent, err = c.registry.Update(agentID, func(a *v1.Agent) error {
			a.Instruction = instruction
			a.UpdatedAt = time.Now().UTC()
			return nil
		})
		if err != nil {
			return err
		}
		c.persistAndBroadcast(ctx, agent)
		return c.StartAgent(ctx, agentID)

	default:
		return fmt.Errorf("unhandled action %s", action)
	}
}

// InterruptAgent hard-aborts the current generation and immediately
// resumes with a new instruction. Without a live session the agent
// must be instructable and a slot must be free; interrupting never
// bypasses admission.
func (c *Controller) InterruptAgent(ctx context.Context, agentID, instruction string) error {
	agent, err := c.registry.Get(agentID)
	if err != nil {
		return err
	}

	if sess := c.getSession(agentID); sess != nil {
		if err := sess.Abort(ctx); err != nil {
			c.logger.Warn("abort failed during interrupt",
				zap.String("agent_id", agentID),
				zap.Error(err))
		}
		c.detach(agentID)
	} else {
		if !lifecycle.CanReceiveInstruction(agent.Status) {
			return errors.Precondition(fmt.Sprintf("cannot interrupt agent with status %s", agent.Status))
		}
		sched := c.getScheduler()
		if !sched.Reserve() {
			return errors.Precondition("no free slot to resume agent")
		}
		defer sched.Release()
	}

	// Synthetic marker so the output log records the interruption.
	c.appendEvent(ctx, agentID, []byte(`{"type":"interrupted"}`))

	if err := c.workspaces.StageChange(ctx, agent.Workspace, instruction); err != nil {
		return err
	}
	return c.resume(ctx, agentID, instruction)
}

// SetModel updates the agent's model selection, propagating to a live
// session when one is attached.
func (c *Controller) SetModel(ctx context.Context, agentID, provider, model string) error {
	resolved, err := models.Resolve(provider, model)
	if err != nil {
		return errors.BadRequest(err.Error())
	}

	agent, err := c.registry.Update(agentID, func(a *v1.Agent) error {
		a.Provider = resolved.Provider
		a.Model = resolved.ID
		a.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return err
	}

	if sess := c.getSession(agentID); sess != nil {
		if err := sess.SetModel(ctx, resolved.Provider, resolved.ID); err != nil {
			c.failAgent(ctx, agentID, fmt.Sprintf("model change rejected: %v", err))
			return nil
		}
	}

	c.persistAndBroadcast(ctx, agent)
	return nil
}

// MergeAgent rebases the agent's work onto the base repository head.
func (c *Controller) MergeAgent(ctx context.Context, agentID string) error {
	agent, err := c.registry.Get(agentID)
	if err != nil {
		return err
	}
	if !lifecycle.CanMerge(agent.Status) {
		return errors.Precondition(fmt.Sprintf("Cannot merge agent with status %s", agent.Status))
	}
	return c.workspaces.Merge(ctx, agent)
}

// DeleteAgent removes the agent, its session, its workspace and its
// persisted state.
func (c *Controller) DeleteAgent(ctx context.Context, agentID string) error {
	agent, err := c.registry.Get(agentID)
	if err != nil {
		return err
	}
	if !lifecycle.CanDelete(agent.Status) {
		return errors.Precondition(fmt.Sprintf("cannot delete agent with status %s", agent.Status))
	}

	c.abortAndDetach(ctx, agentID)
	c.getScheduler().Remove(agentID)

	if err := c.registry.Remove(agentID); err != nil {
		return err
	}
	if err := c.store.Delete(agentID); err != nil {
		c.logger.Warn("failed to delete agent state",
			zap.String("agent_id", agentID),
			zap.Error(err))
	}
	// Workspace cleanup is best-effort and never blocks record removal.
	c.workspaces.Delete(ctx, agent.Workspace)

	c.publish(ctx, "agent.deleted", bus.NewEvent(
		"agent_deleted", "controller",
		map[string]interface{}{"agentId": agentID}))

	c.getScheduler().TryStartNext(ctx)
	c.logger.Info("agent deleted", zap.String("agent_id", agentID))
	return nil
}

// Diff returns the agent's accumulated patch against its base revision.
func (c *Controller) Diff(ctx context.Context, agentID string) (string, error) {
	agent, err := c.registry.Get(agentID)
	if err != nil {
		return "", err
	}
	return c.workspaces.Diff(ctx, agent.Workspace, agent.BaseRevision), nil
}

// WorkspaceFiles lists the agent's workspace files.
func (c *Controller) WorkspaceFiles(ctx context.Context, agentID string) ([]string, error) {
	agent, err := c.registry.Get(agentID)
	if err != nil {
		return nil, err
	}
	return c.workspaces.ListFiles(ctx, agent.Workspace), nil
}

// FetchAgent returns a snapshot with the cached diff state recomputed
// from the workspace. Polled by clients; no broadcast is emitted.
func (c *Controller) FetchAgent(ctx context.Context, agentID string) (*v1.Agent, error) {
	agent, err := c.registry.Get(agentID)
	if err != nil {
		return nil, err
	}

	modified := c.workspaces.ModifiedFiles(ctx, agent.Workspace, agent.BaseRevision)
	diffStat := c.workspaces.DiffStat(ctx, agent.Workspace, agent.BaseRevision)

	return c.registry.Update(agentID, func(a *v1.Agent) error {
		a.ModifiedFiles = modified
		a.DiffStat = diffStat
		return nil
	})
}

// Agent returns a snapshot of one agent.
func (c *Controller) Agent(agentID string) (*v1.Agent, error) {
	return c.registry.Get(agentID)
}

// Agents returns snapshots of all agents in creation order.
func (c *Controller) Agents() []*v1.Agent {
	return c.registry.List()
}

// Shutdown closes every live session. Agents left running recover as
// stopped on the next boot.
func (c *Controller) Shutdown(ctx context.Context) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			c.abortAndDetach(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
}

// ---- session plumbing ----

func (c *Controller) getScheduler() Scheduler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scheduler
}

func (c *Controller) getSession(agentID string) session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if as, ok := c.sessions[agentID]; ok {
		return as.sess
	}
	return nil
}

// attach wires a session's event stream into the per-agent pump.
func (c *Controller) attach(agentID string, sess session.Session) {
	as := &attached{
		sess:   sess,
		events: make(chan []byte, eventBuffer),
		done:   make(chan struct{}),
	}
	as.unsub = sess.Subscribe(func(raw []byte) {
		select {
		case as.events <- raw:
		case <-as.done:
		}
	})

	c.mu.Lock()
	// Replacing an attached session closes the old one first.
	if prev, ok := c.sessions[agentID]; ok {
		c.closeAttached(prev)
	}
	c.sessions[agentID] = as
	c.mu.Unlock()

	go c.pump(agentID, as)
}

func (c *Controller) detach(agentID string) {
	c.mu.Lock()
	as, ok := c.sessions[agentID]
	if ok {
		delete(c.sessions, agentID)
	}
	c.mu.Unlock()

	if ok {
		c.closeAttached(as)
	}
}

func (c *Controller) closeAttached(as *attached) {
	as.unsub()
	close(as.done)
	if err := as.sess.Close(); err != nil {
		c.logger.Debug("session close error", zap.Error(err))
	}
}

func (c *Controller) abortAndDetach(ctx context.Context, agentID string) {
	if sess := c.getSession(agentID); sess != nil {
		if err := sess.Abort(ctx); err != nil {
			c.logger.Warn("session abort failed",
				zap.String("agent_id", agentID),
				zap.Error(err))
		}
	}
	c.detach(agentID)
}

// pump serializes one agent's session events: append, persist,
// broadcast, then react, one event at a time in emission order.
func (c *Controller) pump(agentID string, as *attached) {
	for {
		select {
		case raw := <-as.events:
			c.handleEvent(context.Background(), agentID, raw)
		case <-as.done:
			return
		}
	}
}

// appendEvent appends one raw NDJSON line to the output log, persists
// the record and broadcasts the event to clients.
func (c *Controller) appendEvent(ctx context.Context, agentID string, raw []byte) *v1.Agent {
	agent, err := c.registry.Update(agentID, func(a *v1.Agent) error {
		a.Output += string(raw) + "\n"
		a.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		c.logger.Warn("dropping event for unknown agent", zap.String("agent_id", agentID))
		return nil
	}

	if err := c.store.Save(agent); err != nil {
		c.logger.Error("failed to persist output",
			zap.String("agent_id", agentID),
			zap.Error(err))
	}

	c.publish(ctx, "agent.event."+agentID, bus.NewEvent(
		"agent_event", "controller",
		map[string]interface{}{
			"agentId": agentID,
			"event":   json.RawMessage(raw),
		}))

	return agent
}

func (c *Controller) handleEvent(ctx context.Context, agentID string, raw []byte) {
	if c.appendEvent(ctx, agentID, raw) == nil {
		return
	}

	ev, err := events.Decode(raw)
	if err != nil {
		// Unknown events are preserved and forwarded but drive no
		// transition.
		c.logger.Warn("undecodable session event",
			zap.String("agent_id", agentID),
			zap.Error(err))
		return
	}

	if events.IsTerminal(ev) {
		c.finishTurn(ctx, agentID)
		return
	}
	if e, ok := ev.(*events.Error); ok {
		c.detach(agentID)
		c.transitionError(ctx, agentID, e.Message)
	}
}

// finishTurn moves a running agent to waiting, refreshes the cached
// diff state, and frees the slot. The session stays attached for
// follow-up instructions. A turn completion that arrives after the
// agent has already left running (stopped or errored mid-delivery) is
// dropped.
func (c *Controller) finishTurn(ctx context.Context, agentID string) {
	agent, err := c.registry.Get(agentID)
	if err != nil {
		return
	}

	modified := c.workspaces.ModifiedFiles(ctx, agent.Workspace, agent.BaseRevision)
	diffStat := c.workspaces.DiffStat(ctx, agent.Workspace, agent.BaseRevision)

	agent, err = c.registry.Update(agentID, func(a *v1.Agent) error {
		if a.Status != v1.AgentStatusRunning {
			return errors.Precondition(fmt.Sprintf("turn completed with status %s", a.Status))
		}
		a.ModifiedFiles = modified
		a.DiffStat = diffStat
		lifecycle.ToWaiting(a)
		return nil
	})
	if err != nil {
		return
	}
	c.persistAndBroadcast(ctx, agent)
	c.getScheduler().TryStartNext(ctx)
}

// transitionError applies the asynchronous session-failure path.
func (c *Controller) transitionError(ctx context.Context, agentID, message string) {
	agent, err := c.registry.Update(agentID, func(a *v1.Agent) error {
		lifecycle.ToError(a, message)
		return nil
	})
	if err != nil {
		return
	}
	c.persistAndBroadcast(ctx, agent)
	c.getScheduler().TryStartNext(ctx)
}

// failAgent records a structured failure event and errors the agent.
func (c *Controller) failAgent(ctx context.Context, agentID, message string) {
	c.detach(agentID)

	line, _ := json.Marshal(map[string]string{"type": "error", "message": message})
	c.appendEvent(ctx, agentID, line)
	c.transitionError(ctx, agentID, message)

	c.logger.Error("agent failed",
		zap.String("agent_id", agentID),
		zap.String("error", message))
}

func (c *Controller) persistAndBroadcast(ctx context.Context, agent *v1.Agent) {
	if err := c.store.Save(agent); err != nil {
		c.logger.Error("failed to persist agent",
			zap.String("agent_id", agent.ID),
			zap.Error(err))
	}
	c.publish(ctx, "agent.updated", bus.NewEvent(
		"agent_updated", "controller",
		map[string]interface{}{"agent": agent}))
}

func (c *Controller) publish(ctx context.Context, subject string, event *bus.Event) {
	if err := c.eventBus.Publish(ctx, subject, event); err != nil {
		c.logger.Warn("failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// deriveName turns the instruction's leading words into a short slug.
func deriveName(instruction string) string {
	fields := strings.Fields(strings.ToLower(instruction))
	var parts []string
	length := 0
	for _, f := range fields {
		f = sanitizeNamePart(f)
		if f == "" {
			continue
		}
		if length+len(f) > 32 && len(parts) > 0 {
			break
		}
		parts = append(parts, f)
		length += len(f) + 1
		if len(parts) == 5 {
			break
		}
	}
	if len(parts) == 0 {
		return "agent"
	}
	return strings.Join(parts, "-")
}

func sanitizeNamePart(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
