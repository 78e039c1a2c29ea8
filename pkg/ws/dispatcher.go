package ws

import (
	"context"
	"fmt"
)

// Handler is the interface for control protocol command handlers.
type Handler interface {
	// Handle processes a request and returns the response data.
	Handle(ctx context.Context, req *Request) (interface{}, error)
}

// HandlerFunc is a function type that implements Handler
type HandlerFunc func(ctx context.Context, req *Request) (interface{}, error)

// Handle implements the Handler interface
func (f HandlerFunc) Handle(ctx context.Context, req *Request) (interface{}, error) {
	return f(ctx, req)
}

// Dispatcher routes requests to handlers registered per command.
// Every request yields exactly one correlated response; handler errors
// and panics become failed responses, never dropped messages.
type Dispatcher struct {
	handlers map[Command]Handler
}

// NewDispatcher creates a new command dispatcher
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[Command]Handler),
	}
}

// Register registers a handler for a command
func (d *Dispatcher) Register(cmd Command, handler Handler) {
	d.handlers[cmd] = handler
}

// RegisterFunc registers a handler function for a command
func (d *Dispatcher) RegisterFunc(cmd Command, handler HandlerFunc) {
	d.handlers[cmd] = handler
}

// HasHandler returns true if a handler is registered for the command
func (d *Dispatcher) HasHandler(cmd Command) bool {
	_, ok := d.handlers[cmd]
	return ok
}

// Dispatch routes a request to its handler and wraps the outcome in a
// response envelope.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			resp = NewErrorResponse(req.ID, fmt.Sprintf("internal error: %v", r))
		}
	}()

	handler, ok := d.handlers[req.Type]
	if !ok {
		return NewErrorResponse(req.ID, "Unknown command: "+string(req.Type))
	}

	data, err := handler.Handle(ctx, req)
	if err != nil {
		return NewErrorResponse(req.ID, err.Error())
	}
	return NewResponse(req.ID, data)
}
