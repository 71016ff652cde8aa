package symbolic

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForwardChainUnifiesAndInstantiates(t *testing.T) {
	wm := NewWorkingMemory()
	wm.Assert(Fact{Predicate: "tool_exists", Args: []any{"fs.read_file"}, Confidence: 0.9})
	wm.Assert(Fact{Predicate: "tool_exists", Args: []any{"git.commit"}, Confidence: 0.7})

	rules := []Rule{{
		ID:          "rule:test",
		Name:        "test",
		Antecedents: []*Expr{FactExpr("tool_exists", Var("T"))},
		Consequents: []*Expr{FactExpr("candidate", Var("T"))},
		Confidence:  0.5,
	}}

	derived := NewEngine().ForwardChain(rules, wm)
	require.Len(t, derived, 2)

	candidates := wm.FactsFor("candidate")
	require.Len(t, candidates, 2)
	// confidence = rule confidence x min antecedent confidence
	byName := map[string]float64{}
	for _, f := range candidates {
		byName[f.Args[0].(string)] = f.Confidence
	}
	assert.InDelta(t, 0.45, byName["fs.read_file"], 1e-9)
	assert.InDelta(t, 0.35, byName["git.commit"], 1e-9)
}

func TestForwardChainJoinsAcrossAntecedents(t *testing.T) {
	wm := NewWorkingMemory()
	wm.Assert(Fact{Predicate: "tool_service", Args: []any{"a", "github"}, Confidence: 1})
	wm.Assert(Fact{Predicate: "tool_service", Args: []any{"b", "gitea"}, Confidence: 1})
	wm.Assert(Fact{Predicate: "trusted", Args: []any{"github"}, Confidence: 1})

	rules := []Rule{{
		ID: "rule:join",
		Antecedents: []*Expr{
			FactExpr("tool_service", Var("T"), Var("S")),
			FactExpr("trusted", Var("S")),
		},
		Consequents: []*Expr{FactExpr("boost_confidence", Var("T"), Lit(0.1))},
		Confidence:  1,
	}}

	NewEngine().ForwardChain(rules, wm)
	boosts := wm.FactsFor("boost_confidence")
	require.Len(t, boosts, 1)
	assert.Equal(t, "a", boosts[0].Args[0])
}

func TestForwardChainComparison(t *testing.T) {
	wm := NewWorkingMemory()
	wm.Assert(Fact{Predicate: "tool_usage", Args: []any{"hot", 25.0}, Confidence: 1})
	wm.Assert(Fact{Predicate: "tool_usage", Args: []any{"cold", 2.0}, Confidence: 1})

	rules := []Rule{{
		ID: "rule:hot",
		Antecedents: []*Expr{
			FactExpr("tool_usage", Var("T"), Var("N")),
			Cmp(OpGt, Var("N"), Lit(10.0)),
		},
		Consequents: []*Expr{FactExpr("hot_tool", Var("T"))},
		Confidence:  1,
	}}

	NewEngine().ForwardChain(rules, wm)
	hot := wm.FactsFor("hot_tool")
	require.Len(t, hot, 1)
	assert.Equal(t, "hot", hot[0].Args[0])
}

func TestForwardChainNegation(t *testing.T) {
	wm := NewWorkingMemory()
	wm.Assert(Fact{Predicate: "tool_exists", Args: []any{"a"}, Confidence: 1})
	wm.Assert(Fact{Predicate: "blocked", Args: []any{"a"}, Confidence: 1})
	wm.Assert(Fact{Predicate: "tool_exists", Args: []any{"b"}, Confidence: 1})

	rules := []Rule{{
		ID: "rule:neg",
		Antecedents: []*Expr{
			FactExpr("tool_exists", Var("T")),
			{Kind: KindNot, Child: FactExpr("blocked", Var("T"))},
		},
		Consequents: []*Expr{FactExpr("allowed", Var("T"))},
		Confidence:  1,
	}}

	NewEngine().ForwardChain(rules, wm)
	allowed := wm.FactsFor("allowed")
	require.Len(t, allowed, 1)
	assert.Equal(t, "b", allowed[0].Args[0])
}

func TestForwardChainQuantifiers(t *testing.T) {
	wm := NewWorkingMemory()
	wm.Assert(Fact{Predicate: "tool_exists", Args: []any{"a"}, Confidence: 1})
	wm.Assert(Fact{Predicate: "tool_exists", Args: []any{"b"}, Confidence: 1})
	wm.Assert(Fact{Predicate: "ready", Args: []any{"a"}, Confidence: 1})

	exists := &Expr{Kind: KindQuantified, Quant: Exists, Var: "X", Body: FactExpr("ready", Var("X"))}
	forall := &Expr{Kind: KindQuantified, Quant: ForAll, Var: "X",
		Body: &Expr{Kind: KindImplies, Left: FactExpr("tool_exists", Var("X")), Right: FactExpr("ready", Var("X"))}}

	e := NewEngine()

	wmExists := wm
	rules := []Rule{{
		ID:          "rule:exists",
		Antecedents: []*Expr{exists},
		Consequents: []*Expr{FactExpr("some_ready")},
		Confidence:  1,
	}}
	e.ForwardChain(rules, wmExists)
	assert.Len(t, wmExists.FactsFor("some_ready"), 1)

	rules = []Rule{{
		ID:          "rule:forall",
		Antecedents: []*Expr{forall},
		Consequents: []*Expr{FactExpr("all_ready")},
		Confidence:  1,
	}}
	e.ForwardChain(rules, wm)
	// "b" exists but is not ready, so the universal fails.
	assert.Empty(t, wm.FactsFor("all_ready"))
}

func TestForwardChainTerminatesOnSelfFeedingRules(t *testing.T) {
	wm := NewWorkingMemory()
	wm.Assert(Fact{Predicate: "n", Args: []any{0.0}, Confidence: 1})

	// Two rules feed each other's antecedents; chaining stops once a round
	// derives nothing new (n(0) is already present when loop2 fires).
	rules := []Rule{{
		ID:          "rule:loop",
		Antecedents: []*Expr{FactExpr("n", Var("X"))},
		Consequents: []*Expr{FactExpr("m", Var("X"))},
		Confidence:  1,
	}, {
		ID:          "rule:loop2",
		Antecedents: []*Expr{FactExpr("m", Var("X"))},
		Consequents: []*Expr{FactExpr("n", Var("X"))},
		Confidence:  1,
	}}

	derived := NewEngine().ForwardChain(rules, wm)
	assert.NotEmpty(t, derived)
	assert.Len(t, wm.FactsFor("m"), 1)
}

func TestForwardChainPriorityOrder(t *testing.T) {
	wm := NewWorkingMemory()
	wm.Assert(Fact{Predicate: "seed", Args: []any{}, Confidence: 1})

	high := Rule{
		ID:          "rule:high",
		Priority:    10,
		Antecedents: []*Expr{FactExpr("seed")},
		Consequents: []*Expr{FactExpr("fired", Lit("high"))},
		Confidence:  1,
	}
	low := Rule{
		ID:          "rule:low",
		Priority:    1,
		Antecedents: []*Expr{FactExpr("seed")},
		Consequents: []*Expr{FactExpr("fired", Lit("low"))},
		Confidence:  1,
	}

	derived := NewEngine().ForwardChain([]Rule{low, high}, wm)
	require.Len(t, derived, 2)
	assert.Equal(t, "high", derived[0].Args[0])
	assert.Equal(t, "low", derived[1].Args[0])
}

func TestBackwardChain(t *testing.T) {
	wm := NewWorkingMemory()
	wm.Assert(Fact{Predicate: "tool_output_type", Args: []any{"github.list_issues", "issues/list"}, Confidence: 1})

	rules := []Rule{{
		ID: "rule:produces",
		Antecedents: []*Expr{
			FactExpr("tool_output_type", Var("T"), Var("Ty")),
		},
		Consequents: []*Expr{FactExpr("can_produce", Var("Ty"), Var("T"))},
		Confidence:  1,
	}}

	goal := FactExpr("can_produce", Lit("issues/list"), Var("Tool"))
	bindings := NewEngine().BackwardChain(goal, rules, wm, 4)
	require.Len(t, bindings, 1)
	assert.Equal(t, "github.list_issues", bindings[0]["Tool"])
}

func TestExprJSONRoundTrip(t *testing.T) {
	exprs := []*Expr{
		FactExpr("tool_selected", Var("T"), Lit(0.5)),
		{Kind: KindNot, Child: FactExpr("blocked", Var("T"))},
		Cmp(OpGe, Var("N"), Lit(10.0)),
		{Kind: KindQuantified, Quant: ForAll, Var: "X", Body: FactExpr("p", Var("X"))},
		{Kind: KindOr, Children: []*Expr{FactExpr("a"), FactExpr("b")}},
	}
	raw, err := EncodeExprList(exprs)
	require.NoError(t, err)

	decoded, err := DecodeExprList(raw)
	require.NoError(t, err)
	require.Len(t, decoded, len(exprs))

	again, err := EncodeExprList(decoded)
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(again))
}

func TestReasonerEvaluateBoostsAndSuggests(t *testing.T) {
	r := NewReasoner(nil)
	candidates := []Candidate{
		{ToolName: "github.list_issues", ServiceName: "github", Similarity: 0.8, UsageCount: 50},
		{ToolName: "gitea.list_issues", ServiceName: "gitea", Similarity: 0.6},
	}
	context := map[string]any{
		"preferred_service": "gitea",
		"follow_up":         "github.list_issues",
	}

	adj := r.Evaluate("list issues", candidates, context)
	assert.InDelta(t, 0.1, adj.Boosts["gitea.list_issues"], 1e-9)  // preferred service
	assert.InDelta(t, 0.05, adj.Boosts["github.list_issues"], 1e-9) // frequent tool
	assert.Contains(t, adj.Suggestions, "github.list_issues")
}

func TestRulePackYAML(t *testing.T) {
	pack := []byte(`
rules:
  - name: database-query-boost
    description: Prefer database tools when the context says so
    confidence: 0.9
    priority: 7
    antecedents:
      - fact:
          predicate: query_context
          args:
            - {literal: domain, is_literal: true}
            - {literal: database, is_literal: true}
      - fact:
          predicate: tool_selected
          args:
            - {variable: T}
    consequents:
      - fact:
          predicate: boost_confidence
          args:
            - {variable: T}
            - {literal: 0.2, is_literal: true}
`)
	rules, err := LoadRulePack(pack)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "database-query-boost", rules[0].Name)
	assert.Equal(t, 7, rules[0].Priority)
	require.Len(t, rules[0].Antecedents, 2)
	assert.Equal(t, KindFact, rules[0].Antecedents[0].Kind)

	record, err := json.Marshal(rules[0].Consequents)
	require.NoError(t, err)
	decoded, err := DecodeExprList(record)
	require.NoError(t, err)
	assert.Equal(t, "boost_confidence", decoded[0].Predicate)
}
