package orchestrator

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unicitynetwork/unicity-orchestrator/internal/auth"
	"github.com/unicitynetwork/unicity-orchestrator/internal/config"
	"github.com/unicitynetwork/unicity-orchestrator/internal/selector"
	"github.com/unicitynetwork/unicity-orchestrator/internal/store"
	"github.com/unicitynetwork/unicity-orchestrator/internal/supervisor"
)

// scriptedTransport plays a fixed MCP server.
type scriptedTransport struct {
	name    string
	tools   []map[string]any
	prompts []map[string]any
}

func (s *scriptedTransport) Connect(context.Context) (*supervisor.ServerInfo, error) {
	return &supervisor.ServerInfo{
		Name:         s.name,
		Version:      "1.0.0",
		Capabilities: supervisor.Capabilities{Tools: true, Prompts: true, Resources: true},
	}, nil
}

func (s *scriptedTransport) Call(_ context.Context, method string, _ any) (json.RawMessage, error) {
	switch method {
	case "tools/list":
		return marshal(map[string]any{"tools": s.tools}), nil
	case "prompts/list":
		return marshal(map[string]any{"prompts": s.prompts}), nil
	case "resources/list":
		return marshal(map[string]any{"resources": []any{}}), nil
	case "resources/templates/list":
		return marshal(map[string]any{"resourceTemplates": []any{}}), nil
	case "tools/call":
		return marshal(map[string]any{"content": []map[string]any{{"type": "text", "text": "done"}}}), nil
	}
	return json.RawMessage(`{}`), nil
}

func (s *scriptedTransport) Close() error { return nil }

func marshal(v any) json.RawMessage {
	raw, _ := json.Marshal(v)
	return raw
}

func schemaWithTag(tag string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": map[string]any{"input": map[string]any{"type": "string"}},
	}
	if tag != "" {
		s["x-unicity-type"] = tag
	}
	return s
}

func newWarmOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()

	children := map[string]*scriptedTransport{
		"github": {name: "github", tools: []map[string]any{{
			"name":         "list_issues",
			"description":  "list open issues by severity from the repository",
			"inputSchema":  schemaWithTag(""),
			"outputSchema": schemaWithTag("issues/list"),
		}}, prompts: []map[string]any{{"name": "commit"}}},
		"json": {name: "json", tools: []map[string]any{{
			"name":         "structure_data",
			"description":  "organize raw records into structured JSON",
			"inputSchema":  schemaWithTag("issues/list"),
			"outputSchema": schemaWithTag("json/any"),
		}}},
		"text": {name: "text", tools: []map[string]any{{
			"name":        "summarize",
			"description": "write a short summary of structured data",
			"inputSchema": schemaWithTag("json/any"),
		}}},
		"gitlab": {name: "gitlab", prompts: []map[string]any{{"name": "commit"}}},
	}

	cfg := &config.Config{MCPServers: map[string]config.ServerConfig{}}
	for name := range children {
		cfg.MCPServers[name] = config.ServerConfig{Command: name + "-server"}
	}

	s, err := store.Open(filepath.Join(t.TempDir(), "orchestrator.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	o := New(s, cfg, Options{}, nil)
	o.Supervisor().SetTransportFactory(func(name string, _ config.ServerConfig) supervisor.Transport {
		return children[name]
	})

	_, _, err = o.Warmup(context.Background())
	require.NoError(t, err)
	t.Cleanup(o.Shutdown)
	return o
}

func TestWarmupIndexesEverything(t *testing.T) {
	o := newWarmOrchestrator(t)
	ctx := context.Background()

	tools, err := o.Store().ListTools(ctx)
	require.NoError(t, err)
	assert.Len(t, tools, 3)

	// Type tags landed from the x-unicity-type keyword.
	tool, err := o.Store().GetToolByName(ctx, "json", "structure_data")
	require.NoError(t, err)
	require.NotNil(t, tool)
	assert.Equal(t, "issues/list", tool.InputTy)
	assert.Equal(t, "json/any", tool.OutputTy)

	// Tag-matched pairs produced DataFlow edges.
	compat, err := o.Store().ListCompatibilities(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, compat)

	// Prompt aliasing per the conflict rules.
	var names []string
	for _, spec := range o.Prompts().List() {
		names = append(names, spec.Name)
	}
	assert.Contains(t, names, "commit")
	assert.Contains(t, names, "github:commit")
	assert.Contains(t, names, "gitlab:commit")

	// Every connected service finished Indexed.
	for _, svc := range o.Supervisor().Connected() {
		assert.Equal(t, supervisor.StateIndexed, svc.State())
	}
}

func TestQueryAndPlanEndToEnd(t *testing.T) {
	o := newWarmOrchestrator(t)
	ctx := context.Background()

	selections, err := o.Query(ctx, "list open issues by severity", nil, nil, selector.Options{})
	require.NoError(t, err)
	require.NotEmpty(t, selections)
	assert.Equal(t, "list_issues", selections[0].ToolName)

	plan, err := o.Plan(ctx, "summarize open issues by severity", nil, nil)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 3)
	assert.Equal(t, "list_issues", plan.Steps[0].ToolName)
	assert.Equal(t, "structure_data", plan.Steps[1].ToolName)
	assert.Equal(t, "summarize", plan.Steps[2].ToolName)
	assert.GreaterOrEqual(t, plan.Confidence, 0.25)
}

func TestQueryRespectsUserBlocks(t *testing.T) {
	o := newWarmOrchestrator(t)
	ctx := context.Background()

	user, err := o.Store().GetOrCreateUser(ctx, "alice", "jwt", "", "")
	require.NoError(t, err)
	prefs, err := o.Store().GetPreferences(ctx, user.ID)
	require.NoError(t, err)
	prefs.BlockedServices = []string{"github"}
	require.NoError(t, o.Store().SavePreferences(ctx, prefs))

	uc := &auth.UserContext{UserID: user.ID, Provider: "jwt"}
	selections, err := o.Query(ctx, "list open issues by severity", nil, uc, selector.Options{})
	require.NoError(t, err)
	for _, sel := range selections {
		assert.NotEqual(t, "github", sel.ServiceName)
	}
}

func TestGraphSwapIsAtomic(t *testing.T) {
	o := newWarmOrchestrator(t)

	before := o.Graph()
	require.NotNil(t, before)
	_, _, err := o.Warmup(context.Background())
	require.NoError(t, err)
	after := o.Graph()

	// The old snapshot is untouched and fully usable; the new one is a
	// distinct, complete graph.
	assert.NotSame(t, before, after)
	assert.Equal(t, before.NodeCount(), after.NodeCount())
}

func TestWarmupIdempotentEmbeddings(t *testing.T) {
	o := newWarmOrchestrator(t)

	hits := o.embeddings.CacheHits()
	_, _, err := o.Warmup(context.Background())
	require.NoError(t, err)

	// Unchanged tools are not re-embedded on rediscovery.
	assert.Equal(t, hits+3, o.embeddings.CacheHits())
}

func TestRulePackImport(t *testing.T) {
	o := newWarmOrchestrator(t)
	pack := []byte(`
rules:
  - name: test-rule
    confidence: 0.5
    antecedents:
      - fact:
          predicate: tool_selected
          args: [{variable: T}]
    consequents:
      - fact:
          predicate: boost_confidence
          args: [{variable: T}, {literal: 0.1, is_literal: true}]
`)
	n, err := o.ImportRulePack(context.Background(), pack)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	records, err := o.Store().ListActiveRules(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
