package selector

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unicitynetwork/unicity-orchestrator/internal/embedding"
	"github.com/unicitynetwork/unicity-orchestrator/internal/graph"
	"github.com/unicitynetwork/unicity-orchestrator/internal/schema"
	"github.com/unicitynetwork/unicity-orchestrator/internal/store"
	"github.com/unicitynetwork/unicity-orchestrator/internal/symbolic"
)

type fixture struct {
	store    *store.Store
	selector *Selector
	manager  *embedding.Manager
	graph    *graph.Graph
}

type toolSeed struct {
	service     string
	name        string
	description string
	inputTy     string
	outputTy    string
}

func newFixture(t *testing.T, seeds []toolSeed, compat [][2]string) *fixture {
	t.Helper()
	ctx := context.Background()

	s, err := store.Open(filepath.Join(t.TempDir(), "selector.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	manager := embedding.NewManager(embedding.NewHashEngine(), s, nil)

	services := map[string]bool{}
	ids := map[string]string{}
	for _, seed := range seeds {
		if !services[seed.service] {
			services[seed.service] = true
			require.NoError(t, s.UpsertService(ctx, &store.ServiceRecord{
				Name:      seed.service,
				Transport: store.TransportSpec{Command: seed.service + "-server"},
			}))
		}
		rec := &store.ToolRecord{
			ServiceID:   store.ServiceID(seed.service),
			Name:        seed.name,
			Description: seed.description,
			InputSchema: json.RawMessage(`{"type":"object","properties":{"input":{"type":"string"}}}`),
			InputTy:     seed.inputTy,
			OutputTy:    seed.outputTy,
		}
		require.NoError(t, s.UpsertTool(ctx, rec))
		ids[seed.service+"/"+seed.name] = rec.ID

		normalized, _ := schema.Normalize(rec.InputSchema)
		_, _, _, err := manager.EnsureToolEmbedding(ctx, rec.ID, embedding.ToolText{
			Name:        rec.Name,
			Description: rec.Description,
			SchemaText:  normalized.CanonicalText(),
			InputTy:     rec.InputTy,
			OutputTy:    rec.OutputTy,
		})
		require.NoError(t, err)
	}
	for _, pair := range compat {
		require.NoError(t, s.SaveCompatibility(ctx, store.CompatibilityRecord{
			FromTool: ids[pair[0]], ToTool: ids[pair[1]], Confidence: 0.9,
		}))
	}

	g, err := graph.Build(ctx, s, nil)
	require.NoError(t, err)

	f := &fixture{store: s, manager: manager, graph: g}
	f.selector = New(s, manager, symbolic.NewReasoner(nil), func() *graph.Graph { return f.graph }, nil)
	return f
}

func TestBasicSelect(t *testing.T) {
	f := newFixture(t, []toolSeed{
		{service: "fs", name: "read_file", description: "read file contents from disk"},
	}, nil)

	selections, err := f.selector.SelectTools(context.Background(), "read a file from disk", nil, nil, Options{})
	require.NoError(t, err)
	require.Len(t, selections, 1)
	assert.Equal(t, "read_file", selections[0].ToolName)
	assert.Equal(t, "fs", selections[0].ServiceName)
	assert.GreaterOrEqual(t, selections[0].Confidence, 0.25)
	assert.Contains(t, selections[0].Reasoning, "cosine similarity")
}

func TestSelectDeterminism(t *testing.T) {
	f := newFixture(t, []toolSeed{
		{service: "github", name: "list_issues", description: "list open issues in a repository"},
		{service: "gitea", name: "list_issues", description: "list open issues in a repository"},
	}, nil)

	first, err := f.selector.SelectTools(context.Background(), "list issues", nil, nil, Options{})
	require.NoError(t, err)
	second, err := f.selector.SelectTools(context.Background(), "list issues", nil, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestThresholdMonotonicity(t *testing.T) {
	f := newFixture(t, []toolSeed{
		{service: "fs", name: "read_file", description: "read file contents from disk"},
		{service: "slack", name: "send_message", description: "post a chat notification"},
	}, nil)

	loose, err := f.selector.SelectTools(context.Background(), "read a file", nil, nil, Options{Threshold: 0.01})
	require.NoError(t, err)
	strict, err := f.selector.SelectTools(context.Background(), "read a file", nil, nil, Options{Threshold: 0.5})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(strict), len(loose))
}

func TestBlockedServiceExcluded(t *testing.T) {
	f := newFixture(t, []toolSeed{
		{service: "github", name: "list_issues", description: "list open issues in a repository"},
		{service: "gitea", name: "list_issues", description: "list open issues in a repository"},
	}, nil)

	filter := FromPreferences(&store.Preferences{BlockedServices: []string{"github"}})
	selections, err := f.selector.SelectTools(context.Background(), "list issues", nil, filter, Options{})
	require.NoError(t, err)
	require.Len(t, selections, 1)
	assert.Equal(t, "gitea", selections[0].ServiceName)

	// Debug escape hatch restores the blocked candidate.
	debug, err := f.selector.SelectTools(context.Background(), "list issues", nil, filter, Options{IncludeBlocked: true})
	require.NoError(t, err)
	assert.Len(t, debug, 2)
}

func TestAllCandidatesBlockedYieldsEmpty(t *testing.T) {
	f := newFixture(t, []toolSeed{
		{service: "github", name: "list_issues", description: "list open issues in a repository"},
	}, nil)

	filter := FromPreferences(&store.Preferences{BlockedServices: []string{"github"}})
	selections, err := f.selector.SelectTools(context.Background(), "list issues", nil, filter, Options{})
	require.NoError(t, err)
	assert.Empty(t, selections)
}

func TestTrustBoostMonotonicity(t *testing.T) {
	f := newFixture(t, []toolSeed{
		{service: "github", name: "list_issues", description: "list open issues in a repository"},
		{service: "gitea", name: "list_issues", description: "list open issues in a repository"},
		{service: "slack", name: "send_message", description: "post a chat message listing issues"},
	}, nil)

	plain, err := f.selector.SelectTools(context.Background(), "list open issues", nil, nil, Options{})
	require.NoError(t, err)
	require.NotEmpty(t, plain)

	filter := FromPreferences(&store.Preferences{TrustedServices: []string{"gitea"}})
	boosted, err := f.selector.SelectTools(context.Background(), "list open issues", nil, filter, Options{})
	require.NoError(t, err)
	require.Len(t, boosted, len(plain))

	rank := func(sel []Selection, service string) int {
		for i, s := range sel {
			if s.ServiceName == service {
				return i
			}
		}
		return -1
	}
	// Trusted candidates never drop in rank.
	assert.LessOrEqual(t, rank(boosted, "gitea"), rank(plain, "gitea"))

	// Non-trusted candidates keep their relative order.
	var plainOrder, boostedOrder []string
	for _, s := range plain {
		if s.ServiceName != "gitea" {
			plainOrder = append(plainOrder, s.ToolID)
		}
	}
	for _, s := range boosted {
		if s.ServiceName != "gitea" {
			boostedOrder = append(boostedOrder, s.ToolID)
		}
	}
	assert.Equal(t, plainOrder, boostedOrder)
}

func TestTrustBoostIsMultiplicative(t *testing.T) {
	f := newFixture(t, []toolSeed{
		{service: "gitea", name: "list_issues", description: "list open issues in a repository"},
	}, nil)

	plain, err := f.selector.SelectTools(context.Background(), "list open issues", nil, nil, Options{})
	require.NoError(t, err)
	require.Len(t, plain, 1)

	filter := FromPreferences(&store.Preferences{TrustedServices: []string{"gitea"}})
	boosted, err := f.selector.SelectTools(context.Background(), "list open issues", nil, filter, Options{})
	require.NoError(t, err)
	require.Len(t, boosted, 1)

	expected := plain[0].Confidence * (1 + DefaultTrustBoost)
	if expected > 1 {
		expected = 1
	}
	assert.InDelta(t, expected, boosted[0].Confidence, 1e-9)
}

func TestPlanChainsDataFlowEdges(t *testing.T) {
	f := newFixture(t, []toolSeed{
		{service: "github", name: "list_issues", description: "list open issues by severity from the repository", outputTy: "issues/list"},
		{service: "json", name: "structure_data", description: "organize raw records", inputTy: "issues/list", outputTy: "json/any"},
		{service: "text", name: "summarize", description: "write a short summary", inputTy: "json/any"},
	}, [][2]string{
		{"github/list_issues", "json/structure_data"},
		{"json/structure_data", "text/summarize"},
	})

	plan, err := f.selector.PlanTools(context.Background(), "summarize open issues by severity", nil, nil)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 3)
	assert.Equal(t, "list_issues", plan.Steps[0].ToolName)
	assert.Equal(t, "structure_data", plan.Steps[1].ToolName)
	assert.Equal(t, "summarize", plan.Steps[2].ToolName)
	assert.Equal(t, []string{"list_issues"}, plan.Steps[1].Inputs)
	assert.GreaterOrEqual(t, plan.Confidence, 0.25)

	minStep := plan.Steps[0].Confidence
	for _, step := range plan.Steps {
		if step.Confidence < minStep {
			minStep = step.Confidence
		}
	}
	assert.Equal(t, minStep, plan.Confidence)
}

func TestEmptyCandidateSetReturnsEmpty(t *testing.T) {
	f := newFixture(t, nil, nil)
	selections, err := f.selector.SelectTools(context.Background(), "anything", nil, nil, Options{})
	require.NoError(t, err)
	assert.Empty(t, selections)
}
