// Package scheduler enforces the bound on concurrently running agents
// and drains the FIFO queue of pending agents as slots free up.
package scheduler

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/agent/registry"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/orchestrator/queue"
	v1 "github.com/agentdeck/agentdeck/pkg/api/v1"
)

const (
	// MinConcurrency and MaxConcurrency bound the runtime-adjustable
	// running-agent limit.
	MinConcurrency = 1
	MaxConcurrency = 10
)

// Starter launches the next queued agent. The session controller
// implements this; it is injected with SetStarter to break the
// construction cycle between the two.
type Starter interface {
	StartQueued(ctx context.Context, agentID string) error
}

// Scheduler owns the pending queue and the running-slot accounting.
type Scheduler struct {
	queue    *queue.AgentQueue
	registry *registry.Registry
	eventBus bus.EventBus
	logger   *logger.Logger

	mu       sync.Mutex
	max      int
	starting int
	starter  Starter
}

// New creates a scheduler with the given initial concurrency limit.
func New(maxConcurrency int, reg *registry.Registry, eventBus bus.EventBus, log *logger.Logger) *Scheduler {
	return &Scheduler{
		queue:    queue.NewAgentQueue(),
		registry: reg,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "scheduler")),
		max:      clamp(maxConcurrency),
	}
}

// SetStarter injects the component that starts queued agents.
func (s *Scheduler) SetStarter(starter Starter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starter = starter
}

// MaxConcurrency returns the current limit.
func (s *Scheduler) MaxConcurrency() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.max
}

// RunningCount returns the number of agents currently running.
func (s *Scheduler) RunningCount() int {
	count := 0
	for _, a := range s.registry.List() {
		if a.Status == v1.AgentStatusRunning {
			count++
		}
	}
	return count
}

// HasSlot reports whether another agent may start running. Slots held
// by in-flight starts count as occupied.
func (s *Scheduler) HasSlot() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.RunningCount()+s.starting < s.max
}

// Reserve claims a running slot ahead of the agent's transition to
// running, so concurrent admissions cannot all observe the same free
// slot. Returns false when no slot is available. Every successful
// Reserve must be paired with a Release once the agent is running (or
// the start has failed).
func (s *Scheduler) Reserve() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.RunningCount()+s.starting >= s.max {
		return false
	}
	s.starting++
	return true
}

// Release returns a slot claimed by Reserve.
func (s *Scheduler) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.starting > 0 {
		s.starting--
	}
}

// SetMaxConcurrency adjusts the limit at runtime, clamped to
// [MinConcurrency, MaxConcurrency]. Raising it immediately re-drains
// the queue. Returns the effective limit.
func (s *Scheduler) SetMaxConcurrency(ctx context.Context, max int) int {
	effective := clamp(max)

	s.mu.Lock()
	prev := s.max
	s.max = effective
	s.mu.Unlock()

	s.logger.Info("max concurrency changed",
		zap.Int("previous", prev),
		zap.Int("max_concurrency", effective))

	s.publish(ctx, "orchestrator.max_concurrency", bus.NewEvent(
		"max_concurrency_changed", "scheduler",
		map[string]interface{}{"maxConcurrency": effective}))

	if effective > prev {
		s.TryStartNext(ctx)
	}
	return effective
}

// Enqueue adds an agent to the pending queue. Requeueing an agent that
// is already queued is a no-op.
func (s *Scheduler) Enqueue(agent *v1.Agent) {
	if err := s.queue.Enqueue(agent.ID, agent.CreatedAt, agent.Seq); err != nil {
		s.logger.Debug("agent already queued", zap.String("agent_id", agent.ID))
		return
	}
	s.logger.Info("agent queued",
		zap.String("agent_id", agent.ID),
		zap.Int("queue_len", s.queue.Len()))
}

// Remove drops an agent from the pending queue.
func (s *Scheduler) Remove(agentID string) {
	if s.queue.Remove(agentID) {
		s.logger.Debug("agent dequeued", zap.String("agent_id", agentID))
	}
}

// QueueLen returns the number of agents waiting for a slot.
func (s *Scheduler) QueueLen() int {
	return s.queue.Len()
}

// TryStartNext starts queued agents in FIFO order while free slots
// remain. Each start holds a slot reservation from dequeue until the
// starter returns, so overlapping calls cannot oversubscribe the
// limit. Queue entries whose registry status is no longer pending are
// discarded. A full schedule is not an error: the queue simply keeps
// its entries.
func (s *Scheduler) TryStartNext(ctx context.Context) {
	s.mu.Lock()
	starter := s.starter
	s.mu.Unlock()

	if starter == nil {
		return
	}

	for {
		if !s.Reserve() {
			return
		}

		var agentID string
		for {
			next := s.queue.Dequeue()
			if next == nil {
				s.Release()
				return
			}

			agent, err := s.registry.Get(next.AgentID)
			if err != nil {
				// Deleted while queued
				s.logger.Debug("skipping vanished agent", zap.String("agent_id", next.AgentID))
				continue
			}
			if agent.Status != v1.AgentStatusPending {
				s.logger.Debug("skipping non-pending agent",
					zap.String("agent_id", agent.ID),
					zap.String("status", string(agent.Status)))
				continue
			}
			agentID = agent.ID
			break
		}

		s.logger.Info("starting queued agent", zap.String("agent_id", agentID))
		err := starter.StartQueued(ctx, agentID)
		s.Release()
		if err != nil {
			// The starter owns the failure transition; keep draining.
			s.logger.Error("failed to start queued agent",
				zap.String("agent_id", agentID),
				zap.Error(err))
		}
	}
}

func (s *Scheduler) publish(ctx context.Context, subject string, event *bus.Event) {
	if s.eventBus == nil {
		return
	}
	if err := s.eventBus.Publish(ctx, subject, event); err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

func clamp(max int) int {
	if max < MinConcurrency {
		return MinConcurrency
	}
	if max > MaxConcurrency {
		return MaxConcurrency
	}
	return max
}
