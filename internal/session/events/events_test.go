package events

import (
	"errors"
	"testing"
)

func TestDecodeKnownTypes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Type
	}{
		{"message", `{"type":"message","role":"assistant","content":"done"}`, TypeMessage},
		{"thinking", `{"type":"thinking","content":"hmm"}`, TypeThinking},
		{"tool_use", `{"type":"tool_use","tool":"edit","input":{"file":"a.go"}}`, TypeToolUse},
		{"tool_result", `{"type":"tool_result","tool":"edit","output":"ok"}`, TypeToolResult},
		{"turn_complete", `{"type":"turn_complete","stopReason":"end_turn"}`, TypeTurnComplete},
		{"error", `{"type":"error","message":"model unavailable"}`, TypeError},
		{"interrupted", `{"type":"interrupted"}`, TypeInterrupted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode([]byte(tt.raw))
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if ev.EventType() != tt.want {
				t.Errorf("expected %s, got %s", tt.want, ev.EventType())
			}
		})
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"telemetry","data":1}`))
	if !errors.Is(err, ErrUnknownEventType) {
		t.Errorf("expected ErrUnknownEventType, got %v", err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Error("expected error for malformed input")
	}
}

func TestDecodeFields(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"error","message":"prompt rejected"}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	e, ok := ev.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", ev)
	}
	if e.Message != "prompt rejected" {
		t.Errorf("unexpected message: %q", e.Message)
	}
}

func TestIsTerminal(t *testing.T) {
	term, _ := Decode([]byte(`{"type":"turn_complete"}`))
	if !IsTerminal(term) {
		t.Error("turn_complete should be terminal")
	}
	msg, _ := Decode([]byte(`{"type":"message","content":"x"}`))
	if IsTerminal(msg) {
		t.Error("message should not be terminal")
	}
}
