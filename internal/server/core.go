// Package server exposes the orchestrator over MCP (stdio and HTTP) and
// a small REST façade.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/unicitynetwork/unicity-orchestrator/internal/auth"
	"github.com/unicitynetwork/unicity-orchestrator/internal/elicitation"
	"github.com/unicitynetwork/unicity-orchestrator/internal/executor"
	"github.com/unicitynetwork/unicity-orchestrator/internal/orchestrator"
	"github.com/unicitynetwork/unicity-orchestrator/internal/supervisor"
	"github.com/unicitynetwork/unicity-orchestrator/internal/uerr"
)

// Session is one connected MCP client.
type Session struct {
	ID       string
	User     *auth.UserContext
	Prompter elicitation.Prompter
}

// nonePrompter is used when a session cannot receive elicitations; the
// coordinator's fallback policy then decides.
type nonePrompter struct{}

func (nonePrompter) SupportsElicitation() bool      { return false }
func (nonePrompter) Prompt(*elicitation.Elicitation) {}

// Request/response wire types shared by the stdio and HTTP fronts.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcErrorBody   `json:"error,omitempty"`
}

type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// JSON-RPC standard codes used beside the MCP-specific ones.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603
)

// Core implements the MCP method surface over the warm orchestrator.
type Core struct {
	orch   *orchestrator.Orchestrator
	logger *zap.Logger
}

// NewCore creates the shared MCP core.
func NewCore(orch *orchestrator.Orchestrator, logger *zap.Logger) *Core {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Core{orch: orch, logger: logger}
}

// Handle dispatches one request. A nil return means the request was a
// notification needing no response.
func (c *Core) Handle(ctx context.Context, session *Session, req *rpcRequest) *rpcResponse {
	if req.Method == "" || req.JSONRPC != "2.0" {
		return errorResponse(req.ID, codeInvalidRequest, "malformed request", nil)
	}

	var result any
	var err error
	switch req.Method {
	case "initialize":
		result = c.initializeResult()
	case "notifications/initialized", "notifications/cancelled":
		return nil
	case "ping":
		result = map[string]any{}
	case "tools/list":
		result = map[string]any{"tools": c.toolDefinitions()}
	case "tools/call":
		result, err = c.callTool(ctx, session, req.Params)
	case "prompts/list":
		result = map[string]any{"prompts": c.orch.Prompts().List()}
	case "prompts/get":
		result, err = c.getPrompt(ctx, req.Params)
	case "resources/list":
		result = map[string]any{"resources": c.orch.Resources().List()}
	case "resources/templates/list":
		result = map[string]any{"resourceTemplates": c.orch.Resources().Templates()}
	case "resources/read":
		result, err = c.readResource(ctx, req.Params)
	case "resources/subscribe":
		err = c.subscribe(ctx, session, req.Params, true)
		result = map[string]any{}
	case "resources/unsubscribe":
		err = c.subscribe(ctx, session, req.Params, false)
		result = map[string]any{}
	case "elicitation/respond":
		err = c.resolveElicitation(req.Params)
		result = map[string]any{}
	default:
		return errorResponse(req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method), nil)
	}

	if err != nil {
		return errorResponse(req.ID, codeFor(err), messageFor(err), dataFor(err))
	}
	return &rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result}
}

func (c *Core) initializeResult() map[string]any {
	return map[string]any{
		"protocolVersion": supervisor.ProtocolVersion,
		"capabilities": map[string]any{
			"tools":     map[string]any{},
			"prompts":   map[string]any{"listChanged": true},
			"resources": map[string]any{"listChanged": true, "subscribe": true},
		},
		"serverInfo": map[string]any{
			"name":    "unicity-orchestrator",
			"version": "1.0.0",
		},
	}
}

func (c *Core) getPrompt(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, uerr.New(uerr.TagSchemaValidationFailed, "prompts/get requires a name")
	}
	return c.orch.Prompts().Get(ctx, p.Name, p.Arguments)
}

func (c *Core) readResource(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, uerr.New(uerr.TagSchemaValidationFailed, "resources/read requires a uri")
	}
	return c.orch.Resources().Read(ctx, p.URI)
}

func (c *Core) subscribe(ctx context.Context, session *Session, params json.RawMessage, on bool) error {
	var p struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return uerr.New(uerr.TagSchemaValidationFailed, "subscription requires a uri")
	}
	if on {
		return c.orch.Resources().Subscribe(ctx, session.ID, p.URI)
	}
	return c.orch.Resources().Unsubscribe(ctx, session.ID, p.URI)
}

func (c *Core) resolveElicitation(params json.RawMessage) error {
	var p struct {
		ElicitationID string         `json:"elicitationId"`
		Action        string         `json:"action"` // accept | decline | cancel
		Values        map[string]any `json:"values"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return uerr.New(uerr.TagSchemaValidationFailed, "elicitation response requires elicitationId")
	}
	status := elicitation.StatusCompleted
	switch p.Action {
	case "decline":
		status = elicitation.StatusDeclined
	case "cancel":
		status = elicitation.StatusCanceled
	}
	return c.orch.Elicitations().Resolve(p.ElicitationID, status, p.Values)
}

func errorResponse(id json.RawMessage, code int, message string, data any) *rpcResponse {
	return &rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcErrorBody{Code: code, Message: message, Data: data},
	}
}

// codeFor maps a taxonomy error to its wire code.
func codeFor(err error) int {
	if code := uerr.MCPCode(err); code != 0 {
		return code
	}
	switch uerr.TagOf(err) {
	case uerr.TagSchemaValidationFailed:
		return codeInvalidParams
	case uerr.TagUnknownTool:
		return uerr.CodeNotFound
	default:
		return codeInternal
	}
}

// messageFor keeps the stable tag visible while never leaking stack
// traces.
func messageFor(err error) string {
	return fmt.Sprintf("%s: %s", uerr.TagOf(err), rootMessage(err))
}

func rootMessage(err error) string {
	var ue *uerr.Error
	if errors.As(err, &ue) {
		return ue.Message
	}
	return "request failed"
}

func dataFor(err error) any {
	var ue *uerr.Error
	if errors.As(err, &ue) && len(ue.Details) > 0 {
		return map[string]any{"violations": ue.Details}
	}
	return nil
}

// executeRequestFor builds an executor request bound to the session.
func (c *Core) executeRequestFor(session *Session, toolID string, args map[string]any) executor.Request {
	req := executor.Request{ToolID: toolID, Args: args, Prompter: session.Prompter}
	if req.Prompter == nil {
		req.Prompter = nonePrompter{}
	}
	if session.User != nil && !session.User.Anonymous {
		req.UserID = session.User.UserID
	}
	return req
}

// userOf returns the session's user context.
func userOf(session *Session) *auth.UserContext {
	if session == nil {
		return nil
	}
	return session.User
}
