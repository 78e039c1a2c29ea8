// Package queue implements the FIFO queue of agents waiting for a
// running slot. Order is creation time, with the creation sequence
// number breaking ties.
package queue

import (
	"container/heap"
	"errors"
	"sync"
	"time"
)

// ErrAgentExists is returned when an agent is already queued
var ErrAgentExists = errors.New("agent already exists in queue")

// QueuedAgent represents an agent waiting for a slot
type QueuedAgent struct {
	AgentID   string
	CreatedAt time.Time
	Seq       uint64
	QueuedAt  time.Time
	index     int // Index in the heap (used by container/heap)
}

// agentHeap implements heap.Interface ordered by creation
type agentHeap []*QueuedAgent

func (h agentHeap) Len() int { return len(h) }

func (h agentHeap) Less(i, j int) bool {
	// Earlier creation first, sequence number breaks timestamp ties
	if !h[i].CreatedAt.Equal(h[j].CreatedAt) {
		return h[i].CreatedAt.Before(h[j].CreatedAt)
	}
	return h[i].Seq < h[j].Seq
}

func (h agentHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *agentHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*QueuedAgent)
	item.index = n
	*h = append(*h, item)
}

func (h *agentHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	*h = old[0 : n-1]
	return item
}

// AgentQueue manages the FIFO queue of pending agents
type AgentQueue struct {
	mu       sync.RWMutex
	heap     agentHeap
	agentMap map[string]*QueuedAgent // For quick lookup by agent ID
}

// NewAgentQueue creates a new agent queue
func NewAgentQueue() *AgentQueue {
	q := &AgentQueue{
		heap:     make(agentHeap, 0),
		agentMap: make(map[string]*QueuedAgent),
	}
	heap.Init(&q.heap)
	return q
}

// Enqueue adds an agent to the queue.
// Returns ErrAgentExists if the agent is already queued.
func (q *AgentQueue) Enqueue(agentID string, createdAt time.Time, seq uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.agentMap[agentID]; exists {
		return ErrAgentExists
	}

	qa := &QueuedAgent{
		AgentID:   agentID,
		CreatedAt: createdAt,
		Seq:       seq,
		QueuedAt:  time.Now(),
	}

	heap.Push(&q.heap, qa)
	q.agentMap[agentID] = qa
	return nil
}

// Dequeue removes and returns the oldest queued agent.
// Returns nil if the queue is empty.
func (q *AgentQueue) Dequeue() *QueuedAgent {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil
	}

	qa := heap.Pop(&q.heap).(*QueuedAgent)
	delete(q.agentMap, qa.AgentID)
	return qa
}

// Peek returns the oldest queued agent without removing it
func (q *AgentQueue) Peek() *QueuedAgent {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if len(q.heap) == 0 {
		return nil
	}
	return q.heap[0]
}

// Remove removes a specific agent from the queue
func (q *AgentQueue) Remove(agentID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	qa, exists := q.agentMap[agentID]
	if !exists {
		return false
	}

	heap.Remove(&q.heap, qa.index)
	delete(q.agentMap, agentID)
	return true
}

// Contains checks if an agent is in the queue
func (q *AgentQueue) Contains(agentID string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	_, exists := q.agentMap[agentID]
	return exists
}

// Len returns the number of queued agents
func (q *AgentQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return len(q.heap)
}

// List returns all queued agents in heap order
func (q *AgentQueue) List() []*QueuedAgent {
	q.mu.RLock()
	defer q.mu.RUnlock()

	result := make([]*QueuedAgent, len(q.heap))
	copy(result, q.heap)
	return result
}

// Clear removes all agents from the queue
func (q *AgentQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.heap = make(agentHeap, 0)
	q.agentMap = make(map[string]*QueuedAgent)
	heap.Init(&q.heap)
}
