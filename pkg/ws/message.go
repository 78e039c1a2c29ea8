// Package ws defines the control protocol message types and the
// dispatcher that routes client commands to registered handlers.
package ws

import (
	"encoding/json"
	"fmt"
)

// Broadcast event types pushed to all connected clients.
const (
	EventInit                  = "init"
	EventAgentCreated          = "agent_created"
	EventAgentUpdated          = "agent_updated"
	EventAgentDeleted          = "agent_deleted"
	EventAgentEvent            = "agent_event"
	EventMaxConcurrencyChanged = "max_concurrency_changed"
)

// Request is an inbound client command. Command parameters sit inline
// next to id and type; handlers decode them from Raw.
type Request struct {
	ID   string  `json:"id"`
	Type Command `json:"type"`

	// Raw is the complete message, kept for parameter binding.
	Raw json.RawMessage `json:"-"`
}

// ParseRequest decodes the envelope of an inbound message.
func ParseRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("malformed request: %w", err)
	}
	req.Raw = append(json.RawMessage(nil), data...)
	return &req, nil
}

// Bind decodes the request's inline parameters into v.
func (r *Request) Bind(v interface{}) error {
	if len(r.Raw) == 0 {
		return nil
	}
	return json.Unmarshal(r.Raw, v)
}

// Response is the correlated reply to a single request.
type Response struct {
	ID      string      `json:"id"`
	Type    string      `json:"type"`
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// NewResponse creates a successful response carrying data.
func NewResponse(id string, data interface{}) *Response {
	return &Response{ID: id, Type: "response", Success: true, Data: data}
}

// NewErrorResponse creates a failed response with an error message.
func NewErrorResponse(id string, message string) *Response {
	return &Response{ID: id, Type: "response", Success: false, Error: message}
}

// Broadcast is a server-push event delivered to every connected client.
// Fields are flattened next to type on the wire.
type Broadcast struct {
	Type   string
	Fields map[string]interface{}
}

// NewBroadcast creates a broadcast event of the given type.
func NewBroadcast(eventType string, fields map[string]interface{}) *Broadcast {
	return &Broadcast{Type: eventType, Fields: fields}
}

// MarshalJSON flattens Fields alongside the type discriminator.
func (b *Broadcast) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(b.Fields)+1)
	for k, v := range b.Fields {
		out[k] = v
	}
	out["type"] = b.Type
	return json.Marshal(out)
}
