package server

import (
	"context"
	"encoding/json"

	"github.com/unicitynetwork/unicity-orchestrator/internal/selector"
	"github.com/unicitynetwork/unicity-orchestrator/internal/supervisor"
	"github.com/unicitynetwork/unicity-orchestrator/internal/uerr"
)

// Names of the orchestrator's own MCP tools.
const (
	toolSelect    = "unicity.select_tool"
	toolPlan      = "unicity.plan_tools"
	toolExecute   = "unicity.execute_tool"
	toolDebugList = "unicity.debug.list_tools"
)

func objectSchema(properties map[string]any, required ...string) json.RawMessage {
	doc := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		doc["required"] = required
	}
	raw, _ := json.Marshal(doc)
	return raw
}

// toolDefinitions describes the unified surface advertised upstream.
func (c *Core) toolDefinitions() []supervisor.ToolSpec {
	queryProps := map[string]any{
		"query": map[string]any{
			"type":        "string",
			"description": "Natural-language query describing the user's goal.",
		},
		"context": map[string]any{
			"type":                 "object",
			"description":          "Optional JSON context to guide tool selection.",
			"additionalProperties": true,
		},
	}
	return []supervisor.ToolSpec{
		{
			Name: toolSelect,
			Description: "Given a natural-language instruction and optional execution context, " +
				"select the most suitable tool across every connected MCP service using " +
				"semantic search and symbolic reasoning. Returns the selection with its " +
				"schemas and the reasoning behind it; nothing is executed.",
			InputSchema: objectSchema(queryProps, "query"),
		},
		{
			Name: toolPlan,
			Description: "Build an ordered multi-step tool chain toward a goal: semantic selection " +
				"picks the first step, and each later step follows the strongest data-flow edge " +
				"of the knowledge graph out of the previous tool. " +
				"The caller executes each step; planning confidence is the minimum step confidence.",
			InputSchema: objectSchema(queryProps, "query"),
		},
		{
			Name: toolExecute,
			Description: "Execute a previously selected tool by id with the given arguments. " +
				"Subject to per-user permissions and approval elicitation.",
			InputSchema: objectSchema(map[string]any{
				"toolId": map[string]any{
					"type":        "string",
					"description": "Tool id from a prior unicity.select_tool call.",
				},
				"arguments": map[string]any{
					"type":                 "object",
					"description":          "Arguments passed to the child tool unchanged.",
					"additionalProperties": true,
				},
			}, "toolId"),
		},
		{
			Name: toolDebugList,
			Description: "List every indexed tool with its service, schemas, type tags and " +
				"embedding state. Diagnostic surface.",
			InputSchema: objectSchema(map[string]any{
				"include_blocked": map[string]any{
					"type":        "boolean",
					"description": "Include tools from services the user has blocked.",
				},
			}),
		},
	}
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// callTool dispatches one of the orchestrator's own tools.
func (c *Core) callTool(ctx context.Context, session *Session, params json.RawMessage) (any, error) {
	var p callParams
	if err := json.Unmarshal(params, &p); err != nil || p.Name == "" {
		return nil, uerr.New(uerr.TagSchemaValidationFailed, "tools/call requires a name")
	}

	switch p.Name {
	case toolSelect:
		return c.handleSelect(ctx, session, p.Arguments)
	case toolPlan:
		return c.handlePlan(ctx, session, p.Arguments)
	case toolExecute:
		return c.handleExecute(ctx, session, p.Arguments)
	case toolDebugList:
		return c.handleDebugList(ctx, session, p.Arguments)
	}
	return nil, uerr.New(uerr.TagUnknownTool, "no tool named %q", p.Name)
}

type queryArgs struct {
	Query   string         `json:"query"`
	Context map[string]any `json:"context"`
}

func decodeQueryArgs(raw json.RawMessage, toolName string) (*queryArgs, error) {
	var args queryArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, uerr.New(uerr.TagSchemaValidationFailed, "%s arguments must be an object", toolName)
		}
	}
	if args.Query == "" {
		return nil, uerr.New(uerr.TagSchemaValidationFailed, "%s requires a `query` string argument", toolName)
	}
	return &args, nil
}

func (c *Core) handleSelect(ctx context.Context, session *Session, raw json.RawMessage) (any, error) {
	args, err := decodeQueryArgs(raw, toolSelect)
	if err != nil {
		return toolError(err), nil
	}

	selections, err := c.orch.Query(ctx, args.Query, args.Context, userOf(session), selector.Options{})
	if err != nil {
		return nil, err
	}
	if len(selections) == 0 {
		return toolPayload(map[string]any{
			"status": "no_match",
			"reason": "No suitable tool was found for this query",
		}, true), nil
	}
	return toolPayload(map[string]any{
		"status":    "ok",
		"selection": selections[0],
		"ranked":    selections,
	}, false), nil
}

func (c *Core) handlePlan(ctx context.Context, session *Session, raw json.RawMessage) (any, error) {
	args, err := decodeQueryArgs(raw, toolPlan)
	if err != nil {
		return toolError(err), nil
	}

	plan, err := c.orch.Plan(ctx, args.Query, args.Context, userOf(session))
	if err != nil {
		return nil, err
	}
	if len(plan.Steps) == 0 {
		return toolPayload(map[string]any{
			"status": "no_plan",
			"reason": "No tool chain reaches this goal",
		}, true), nil
	}
	return toolPayload(map[string]any{"status": "ok", "plan": plan}, false), nil
}

func (c *Core) handleExecute(ctx context.Context, session *Session, raw json.RawMessage) (any, error) {
	var args struct {
		ToolID    string         `json:"toolId"`
		Arguments map[string]any `json:"arguments"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return toolError(uerr.New(uerr.TagSchemaValidationFailed, "execute_tool arguments must be an object")), nil
		}
	}
	if args.ToolID == "" {
		return toolError(uerr.New(uerr.TagSchemaValidationFailed, "execute_tool requires a `toolId` string argument")), nil
	}

	result, err := c.orch.Execute(ctx, c.executeRequestFor(session, args.ToolID, args.Arguments))
	if err != nil {
		// Elicitation-flow failures keep their MCP error codes.
		if uerr.MCPCode(err) != 0 {
			return nil, err
		}
		return toolError(err), nil
	}
	return result, nil
}

func (c *Core) handleDebugList(ctx context.Context, session *Session, raw json.RawMessage) (any, error) {
	var args struct {
		IncludeBlocked bool `json:"include_blocked"`
	}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &args)
	}

	tools, err := c.orch.Store().ListTools(ctx)
	if err != nil {
		return nil, err
	}
	vectors, err := c.orch.Store().ToolVectors(ctx)
	if err != nil {
		return nil, err
	}

	blocked := map[string]bool{}
	if user := userOf(session); user != nil && !user.Anonymous && user.UserID != "" && !args.IncludeBlocked {
		prefs, err := c.orch.Store().GetPreferences(ctx, user.UserID)
		if err != nil {
			return nil, err
		}
		for _, name := range prefs.BlockedServices {
			blocked[name] = true
		}
	}

	entries := make([]map[string]any, 0, len(tools))
	for _, tool := range tools {
		if blocked[tool.ServiceName] {
			continue
		}
		entries = append(entries, map[string]any{
			"toolId":       tool.ID,
			"toolName":     tool.Name,
			"service":      tool.ServiceName,
			"description":  tool.Description,
			"inputSchema":  json.RawMessage(tool.InputSchema),
			"outputSchema": json.RawMessage(tool.OutputSchema),
			"inputTy":      tool.InputTy,
			"outputTy":     tool.OutputTy,
			"usageCount":   tool.UsageCount,
			"hasEmbedding": len(vectors[tool.ID]) > 0,
		})
	}
	return toolPayload(map[string]any{"status": "ok", "tools": entries}, false), nil
}

// toolPayload wraps a JSON payload as MCP tool-call content.
func toolPayload(payload any, isError bool) map[string]any {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte(`{"status":"error","reason":"internal serialization error"}`)
		isError = true
	}
	result := map[string]any{
		"content": []map[string]any{{"type": "text", "text": string(raw)}},
	}
	if isError {
		result["isError"] = true
	}
	return result
}

func toolError(err error) map[string]any {
	return toolPayload(map[string]any{
		"status": "error",
		"tag":    string(uerr.TagOf(err)),
		"reason": rootMessage(err),
	}, true)
}
