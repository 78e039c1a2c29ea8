package ws

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestParseRequestInlineParams(t *testing.T) {
	raw := []byte(`{"id":"req-1","type":"instruct_agent","agentId":"a1","instruction":"fix the bug","queue":true}`)
	req, err := ParseRequest(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if req.ID != "req-1" {
		t.Errorf("expected id req-1, got %s", req.ID)
	}
	if req.Type != CommandInstructAgent {
		t.Errorf("expected type instruct_agent, got %s", req.Type)
	}

	var params struct {
		AgentID     string `json:"agentId"`
		Instruction string `json:"instruction"`
		Queue       bool   `json:"queue"`
	}
	if err := req.Bind(&params); err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	if params.AgentID != "a1" || params.Instruction != "fix the bug" || !params.Queue {
		t.Errorf("unexpected params: %+v", params)
	}
}

func TestDispatchUnknownCommand(t *testing.T) {
	d := NewDispatcher()
	req, _ := ParseRequest([]byte(`{"id":"req-2","type":"bogus_command"}`))

	resp := d.Dispatch(context.Background(), req)
	if resp.Success {
		t.Fatal("expected failure for unknown command")
	}
	if resp.Error != "Unknown command: bogus_command" {
		t.Errorf("unexpected error message: %q", resp.Error)
	}
	if resp.ID != "req-2" {
		t.Errorf("response not correlated: %s", resp.ID)
	}
}

func TestDispatchSuccess(t *testing.T) {
	d := NewDispatcher()
	d.RegisterFunc(CommandFetchAgent, func(ctx context.Context, req *Request) (interface{}, error) {
		return map[string]string{"id": "a1"}, nil
	})

	req, _ := ParseRequest([]byte(`{"id":"req-3","type":"fetch_agent","agentId":"a1"}`))
	resp := d.Dispatch(context.Background(), req)
	if !resp.Success {
		t.Fatalf("expected success, got error %q", resp.Error)
	}
	if resp.Type != "response" {
		t.Errorf("expected type response, got %s", resp.Type)
	}
}

func TestDispatchHandlerError(t *testing.T) {
	d := NewDispatcher()
	d.RegisterFunc(CommandFetchAgent, func(ctx context.Context, req *Request) (interface{}, error) {
		return nil, errors.New("Agent not found")
	})

	req, _ := ParseRequest([]byte(`{"id":"req-4","type":"fetch_agent"}`))
	resp := d.Dispatch(context.Background(), req)
	if resp.Success {
		t.Fatal("expected failure")
	}
	if resp.Error != "Agent not found" {
		t.Errorf("unexpected error: %q", resp.Error)
	}
}

func TestDispatchRecoversPanic(t *testing.T) {
	d := NewDispatcher()
	d.RegisterFunc(CommandStartAgent, func(ctx context.Context, req *Request) (interface{}, error) {
		panic("boom")
	})

	req, _ := ParseRequest([]byte(`{"id":"req-5","type":"start_agent"}`))
	resp := d.Dispatch(context.Background(), req)
	if resp.Success {
		t.Fatal("expected failure after panic")
	}
	if resp.ID != "req-5" {
		t.Errorf("response not correlated: %s", resp.ID)
	}
}

func TestBroadcastFlattensFields(t *testing.T) {
	b := NewBroadcast(EventAgentEvent, map[string]interface{}{
		"agentId": "a1",
		"event":   map[string]interface{}{"type": "message"},
	})
	data, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out["type"] != "agent_event" {
		t.Errorf("expected type agent_event, got %v", out["type"])
	}
	if out["agentId"] != "a1" {
		t.Errorf("expected agentId a1, got %v", out["agentId"])
	}
}
