// Package registry holds the process-wide map of agent records with
// per-agent write serialization. Session-event callbacks and client
// commands for the same agent race; Update serializes their
// read-modify-write sequences without serializing unrelated agents.
package registry

import (
	"sort"
	"sync"

	"github.com/agentdeck/agentdeck/internal/common/errors"
	v1 "github.com/agentdeck/agentdeck/pkg/api/v1"
)

// entry pairs an agent record with its mutation lock.
type entry struct {
	mu    sync.Mutex
	agent *v1.Agent
}

// Registry is a concurrency-safe collection of agent records.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
	}
}

// Add inserts an agent record. Adding an existing ID is a conflict.
func (r *Registry) Add(agent *v1.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[agent.ID]; ok {
		return errors.Conflict("agent already registered: " + agent.ID)
	}
	r.entries[agent.ID] = &entry{agent: agent.Clone()}
	return nil
}

// Get returns a snapshot copy of the agent record.
func (r *Registry) Get(id string) (*v1.Agent, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.NotFound("agent", id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.agent.Clone(), nil
}

// List returns snapshot copies of all agents in creation order.
func (r *Registry) List() []*v1.Agent {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	agents := make([]*v1.Agent, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		agents = append(agents, e.agent.Clone())
		e.mu.Unlock()
	}

	sort.Slice(agents, func(i, j int) bool {
		return agents[i].Seq < agents[j].Seq
	})
	return agents
}

// Update applies fn to the agent record under its per-agent lock and
// returns a snapshot of the result. Concurrent updates to different
// agents do not block each other.
func (r *Registry) Update(id string, fn func(*v1.Agent) error) (*v1.Agent, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.NotFound("agent", id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := fn(e.agent); err != nil {
		return nil, err
	}
	return e.agent.Clone(), nil
}

// Remove deletes the agent record.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; !ok {
		return errors.NotFound("agent", id)
	}
	delete(r.entries, id)
	return nil
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
