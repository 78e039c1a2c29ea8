// Package wshandlers binds the control protocol commands to the
// controller, scheduler and resource loader.
package wshandlers

import (
	"context"
	"errors"
	"fmt"

	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/models"
	"github.com/agentdeck/agentdeck/internal/orchestrator/controller"
	"github.com/agentdeck/agentdeck/internal/resources"
	"github.com/agentdeck/agentdeck/pkg/ws"
)

// Protocol error strings clients match on.
var (
	errMissingAgentID = errors.New("Missing agent ID")
	errAgentNotFound  = errors.New("Agent not found")
)

// Concurrency is the scheduler surface the handlers need.
type Concurrency interface {
	MaxConcurrency() int
	SetMaxConcurrency(ctx context.Context, max int) int
}

// Handlers wires every protocol command into a dispatcher.
type Handlers struct {
	controller  *controller.Controller
	concurrency Concurrency
	completions *resources.Loader
	logger      *logger.Logger
}

// New creates the command handler set.
func New(ctrl *controller.Controller, concurrency Concurrency, completions *resources.Loader, log *logger.Logger) *Handlers {
	return &Handlers{
		controller:  ctrl,
		concurrency: concurrency,
		completions: completions,
		logger:      log,
	}
}

// Register installs a handler for every command.
func (h *Handlers) Register(d *ws.Dispatcher) {
	d.RegisterFunc(ws.CommandCreateAgent, h.createAgent)
	d.RegisterFunc(ws.CommandStartAgent, h.startAgent)
	d.RegisterFunc(ws.CommandStopAgent, h.stopAgent)
	d.RegisterFunc(ws.CommandResumeAgent, h.resumeAgent)
	d.RegisterFunc(ws.CommandInstructAgent, h.instructAgent)
	d.RegisterFunc(ws.CommandInterruptAgent, h.interruptAgent)
	d.RegisterFunc(ws.CommandSetModel, h.setModel)
	d.RegisterFunc(ws.CommandGetDiff, h.getDiff)
	d.RegisterFunc(ws.CommandMergeAgent, h.mergeAgent)
	d.RegisterFunc(ws.CommandDeleteAgent, h.deleteAgent)
	d.RegisterFunc(ws.CommandFetchAgent, h.fetchAgent)
	d.RegisterFunc(ws.CommandGetCompletions, h.getCompletions)
	d.RegisterFunc(ws.CommandGetWorkspaceFiles, h.getWorkspaceFiles)
	d.RegisterFunc(ws.CommandSetMaxConcurrency, h.setMaxConcurrency)
}

// Snapshot is the init payload sent to a client on connect.
func (h *Handlers) Snapshot() map[string]interface{} {
	return map[string]interface{}{
		"agents":         h.controller.Agents(),
		"models":         models.Catalog(),
		"completions":    h.completions.Completions(),
		"maxConcurrency": h.concurrency.MaxConcurrency(),
	}
}

// agentIDParams is the shared parameter shape of per-agent commands.
type agentIDParams struct {
	AgentID string `json:"agentId"`
}

// bindAgentID extracts and validates the agent id parameter.
func bindAgentID(req *ws.Request) (string, error) {
	var p agentIDParams
	if err := req.Bind(&p); err != nil {
		return "", fmt.Errorf("invalid parameters: %w", err)
	}
	if p.AgentID == "" {
		return "", errMissingAgentID
	}
	return p.AgentID, nil
}

// translate rewrites internal errors into the protocol's wording.
func translate(err error) error {
	if apperrors.IsNotFound(err) {
		return errAgentNotFound
	}
	return err
}

func (h *Handlers) createAgent(ctx context.Context, req *ws.Request) (interface{}, error) {
	var p struct {
		Instruction string `json:"instruction"`
		Provider    string `json:"provider"`
		Model       string `json:"model"`
	}
	if err := req.Bind(&p); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}

	agent, err := h.controller.CreateAgent(ctx, p.Instruction, p.Provider, p.Model)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"agent": agent}, nil
}

func (h *Handlers) startAgent(ctx context.Context, req *ws.Request) (interface{}, error) {
	id, err := bindAgentID(req)
	if err != nil {
		return nil, err
	}
	if err := h.controller.StartAgent(ctx, id); err != nil {
		return nil, translate(err)
	}
	return map[string]interface{}{"agentId": id}, nil
}

func (h *Handlers) stopAgent(ctx context.Context, req *ws.Request) (interface{}, error) {
	id, err := bindAgentID(req)
	if err != nil {
		return nil, err
	}
	if err := h.controller.StopAgent(ctx, id); err != nil {
		return nil, translate(err)
	}
	return map[string]interface{}{"agentId": id}, nil
}

func (h *Handlers) resumeAgent(ctx context.Context, req *ws.Request) (interface{}, error) {
	var p struct {
		AgentID     string `json:"agentId"`
		Instruction string `json:"instruction"`
	}
	if err := req.Bind(&p); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	if p.AgentID == "" {
		return nil, errMissingAgentID
	}
	if err := h.controller.ResumeAgent(ctx, p.AgentID, p.Instruction); err != nil {
		return nil, translate(err)
	}
	return map[string]interface{}{"agentId": p.AgentID}, nil
}

func (h *Handlers) instructAgent(ctx context.Context, req *ws.Request) (interface{}, error) {
	var p struct {
		AgentID     string `json:"agentId"`
		Instruction string `json:"instruction"`
		Queue       bool   `json:"queue"`
	}
	if err := req.Bind(&p); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	if p.AgentID == "" {
		return nil, errMissingAgentID
	}
	if p.Instruction == "" {
		return nil, errors.New("Missing instruction")
	}
	if err := h.controller.InstructAgent(ctx, p.AgentID, p.Instruction, p.Queue); err != nil {
		return nil, translate(err)
	}
	return map[string]interface{}{"agentId": p.AgentID}, nil
}

func (h *Handlers) interruptAgent(ctx context.Context, req *ws.Request) (interface{}, error) {
	var p struct {
		AgentID     string `json:"agentId"`
		Instruction string `json:"instruction"`
	}
	if err := req.Bind(&p); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	if p.AgentID == "" {
		return nil, errMissingAgentID
	}
	if err := h.controller.InterruptAgent(ctx, p.AgentID, p.Instruction); err != nil {
		return nil, translate(err)
	}
	return map[string]interface{}{"agentId": p.AgentID}, nil
}

func (h *Handlers) setModel(ctx context.Context, req *ws.Request) (interface{}, error) {
	var p struct {
		AgentID  string `json:"agentId"`
		Provider string `json:"provider"`
		Model    string `json:"model"`
	}
	if err := req.Bind(&p); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	if p.AgentID == "" {
		return nil, errMissingAgentID
	}
	if err := h.controller.SetModel(ctx, p.AgentID, p.Provider, p.Model); err != nil {
		return nil, translate(err)
	}
	return map[string]interface{}{"agentId": p.AgentID}, nil
}

func (h *Handlers) getDiff(ctx context.Context, req *ws.Request) (interface{}, error) {
	id, err := bindAgentID(req)
	if err != nil {
		return nil, err
	}
	diff, err := h.controller.Diff(ctx, id)
	if err != nil {
		return nil, translate(err)
	}
	return map[string]interface{}{"diff": diff}, nil
}

func (h *Handlers) mergeAgent(ctx context.Context, req *ws.Request) (interface{}, error) {
	id, err := bindAgentID(req)
	if err != nil {
		return nil, err
	}
	if err := h.controller.MergeAgent(ctx, id); err != nil {
		return nil, translate(err)
	}
	return map[string]interface{}{"agentId": id}, nil
}

func (h *Handlers) deleteAgent(ctx context.Context, req *ws.Request) (interface{}, error) {
	id, err := bindAgentID(req)
	if err != nil {
		return nil, err
	}
	if err := h.controller.DeleteAgent(ctx, id); err != nil {
		return nil, translate(err)
	}
	return map[string]interface{}{"agentId": id}, nil
}

func (h *Handlers) fetchAgent(ctx context.Context, req *ws.Request) (interface{}, error) {
	id, err := bindAgentID(req)
	if err != nil {
		return nil, err
	}
	agent, err := h.controller.FetchAgent(ctx, id)
	if err != nil {
		return nil, translate(err)
	}
	return map[string]interface{}{"agent": agent}, nil
}

func (h *Handlers) getCompletions(ctx context.Context, req *ws.Request) (interface{}, error) {
	return map[string]interface{}{"completions": h.completions.Completions()}, nil
}

func (h *Handlers) getWorkspaceFiles(ctx context.Context, req *ws.Request) (interface{}, error) {
	id, err := bindAgentID(req)
	if err != nil {
		return nil, err
	}
	files, err := h.controller.WorkspaceFiles(ctx, id)
	if err != nil {
		return nil, translate(err)
	}
	return map[string]interface{}{"files": files}, nil
}

func (h *Handlers) setMaxConcurrency(ctx context.Context, req *ws.Request) (interface{}, error) {
	var p struct {
		MaxConcurrency int `json:"maxConcurrency"`
	}
	if err := req.Bind(&p); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	effective := h.concurrency.SetMaxConcurrency(ctx, p.MaxConcurrency)
	return map[string]interface{}{"maxConcurrency": effective}, nil
}
