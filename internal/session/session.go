// Package session defines the boundary to the external agent-execution
// engine. The orchestrator consumes this interface; it never implements
// the engine's internals.
package session

import "context"

// CreateOptions configures a new engine session.
type CreateOptions struct {
	// AgentID identifies the agent the session belongs to.
	AgentID string
	// Workspace is the directory the session operates in.
	Workspace string
	// Provider and Model select the backing LLM.
	Provider string
	Model    string
	// Resume restores the session's prior conversation history instead
	// of starting fresh. The engine keys history by workspace.
	Resume bool
}

// PromptOptions controls how an instruction reaches a live session.
type PromptOptions struct {
	// Queue defers the instruction until the current turn finishes.
	// When false the instruction interrupts the current generation.
	Queue bool
}

// Engine creates sessions against the external execution engine.
type Engine interface {
	Create(ctx context.Context, opts CreateOptions) (Session, error)
}

// Session is a live engine session bound to one agent's workspace.
type Session interface {
	// Prompt sends an instruction into the session.
	Prompt(ctx context.Context, text string, opts PromptOptions) error

	// Abort hard-stops the current generation.
	Abort(ctx context.Context) error

	// SetModel switches the backing model mid-session.
	SetModel(ctx context.Context, provider, model string) error

	// Subscribe registers a callback for every raw event line the
	// session emits, in emission order. The returned function
	// unsubscribes.
	Subscribe(fn func(raw []byte)) func()

	// Close terminates the session and releases its resources.
	Close() error
}
