package symbolic

import (
	"encoding/json"

	"go.uber.org/zap"
)

// Candidate is one tool under consideration, as seen by the reasoner.
type Candidate struct {
	ToolName    string
	ServiceName string
	Similarity  float64
	InputTy     string
	OutputTy    string
	UsageCount  int64
}

// Adjustments is what a reasoning pass derived about the candidate set.
type Adjustments struct {
	// Boosts maps tool name to a confidence delta from
	// boost_confidence(tool, delta) facts.
	Boosts map[string]float64

	// Suggestions maps tool names from suggest_following_tool(tool) facts
	// to their rule-derived confidence.
	Suggestions map[string]float64

	// Derived is every new fact, for reasoning text and diagnostics.
	Derived []Fact
}

// Empty reports whether the pass derived nothing usable.
func (a Adjustments) Empty() bool {
	return len(a.Boosts) == 0 && len(a.Suggestions) == 0
}

// Reasoner owns the loaded rule set and runs it over per-query working
// memories.
type Reasoner struct {
	engine *Engine
	rules  []Rule
	logger *zap.Logger
}

// NewReasoner creates a reasoner with the built-in rule pack.
func NewReasoner(logger *zap.Logger) *Reasoner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reasoner{engine: NewEngine(), rules: DefaultRules(), logger: logger}
}

// SetRules replaces the rule set (built-ins included only if present in
// the given slice).
func (r *Reasoner) SetRules(rules []Rule) { r.rules = rules }

// Rules returns the active rule set.
func (r *Reasoner) Rules() []Rule { return r.rules }

// DecodeRule builds a Rule from its persisted representation.
func DecodeRule(id, name, description string, antecedents, consequents json.RawMessage, confidence float64, priority int) (Rule, error) {
	ants, err := DecodeExprList(antecedents)
	if err != nil {
		return Rule{}, err
	}
	cons, err := DecodeExprList(consequents)
	if err != nil {
		return Rule{}, err
	}
	return Rule{
		ID:          id,
		Name:        name,
		Description: description,
		Antecedents: ants,
		Consequents: cons,
		Confidence:  confidence,
		Priority:    priority,
	}, nil
}

// Evaluate seeds a fresh working memory with the candidate set and the
// caller's context, forward-chains, and extracts candidate adjustments.
func (r *Reasoner) Evaluate(query string, candidates []Candidate, context map[string]any) Adjustments {
	wm := NewWorkingMemory()

	wm.Assert(Fact{Predicate: "user_query_text", Args: []any{query}, Confidence: 1.0})
	for key, value := range context {
		switch value.(type) {
		case string, float64, bool, int, int64:
			wm.Assert(Fact{Predicate: "query_context", Args: []any{key, value}, Confidence: 1.0})
		}
	}

	for _, c := range candidates {
		wm.Assert(Fact{Predicate: "tool_selected", Args: []any{c.ToolName}, Confidence: c.Similarity})
		wm.Assert(Fact{Predicate: "tool_exists", Args: []any{c.ToolName}, Confidence: 1.0})
		wm.Assert(Fact{Predicate: "tool_service", Args: []any{c.ToolName, c.ServiceName}, Confidence: 1.0})
		wm.Assert(Fact{Predicate: "tool_usage", Args: []any{c.ToolName, float64(c.UsageCount)}, Confidence: 1.0})
		if c.InputTy != "" {
			wm.Assert(Fact{Predicate: "tool_input_type", Args: []any{c.ToolName, c.InputTy}, Confidence: 1.0})
		}
		if c.OutputTy != "" {
			wm.Assert(Fact{Predicate: "tool_output_type", Args: []any{c.ToolName, c.OutputTy}, Confidence: 1.0})
		}
		wm.SetToolState(c.ToolName, ToolAvailable)
	}

	derived := r.engine.ForwardChain(r.rules, wm)

	adj := Adjustments{Boosts: map[string]float64{}, Suggestions: map[string]float64{}, Derived: derived}
	for _, fact := range derived {
		switch fact.Predicate {
		case "boost_confidence":
			if len(fact.Args) != 2 {
				continue
			}
			name, nok := fact.Args[0].(string)
			delta, dok := fact.Args[1].(float64)
			if nok && dok {
				adj.Boosts[name] += delta
			}
		case "suggest_following_tool":
			if len(fact.Args) != 1 {
				continue
			}
			if name, ok := fact.Args[0].(string); ok {
				if existing, seen := adj.Suggestions[name]; !seen || fact.Confidence > existing {
					adj.Suggestions[name] = fact.Confidence
				}
			}
		}
	}
	if len(derived) > 0 {
		r.logger.Debug("forward chaining derived facts",
			zap.Int("derived", len(derived)),
			zap.Int("boosts", len(adj.Boosts)),
			zap.Int("suggestions", len(adj.Suggestions)))
	}
	return adj
}

// Prove runs backward chaining for a single goal fact against the rule
// set and a caller-prepared working memory.
func (r *Reasoner) Prove(goal *Expr, wm *WorkingMemory) []Bindings {
	return r.engine.BackwardChain(goal, r.rules, wm, 8)
}

// DefaultRules is the built-in rule pack, active when the symbolic_rule
// table is empty.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "rule:preferred-service-boost",
			Name:        "preferred-service-boost",
			Description: "Boost candidates from the service named in query context",
			Antecedents: []*Expr{
				FactExpr("query_context", Lit("preferred_service"), Var("S")),
				FactExpr("tool_service", Var("T"), Var("S")),
				FactExpr("tool_selected", Var("T")),
			},
			Consequents: []*Expr{
				FactExpr("boost_confidence", Var("T"), Lit(0.1)),
			},
			Confidence: 0.9,
			Priority:   10,
		},
		{
			ID:          "rule:frequent-tool-boost",
			Name:        "frequent-tool-boost",
			Description: "Nudge tools with an execution track record",
			Antecedents: []*Expr{
				FactExpr("tool_selected", Var("T")),
				FactExpr("tool_usage", Var("T"), Var("N")),
				Cmp(OpGe, Var("N"), Lit(10.0)),
			},
			Consequents: []*Expr{
				FactExpr("boost_confidence", Var("T"), Lit(0.05)),
			},
			Confidence: 1.0,
			Priority:   5,
		},
		{
			ID:          "rule:requested-follow-up",
			Name:        "requested-follow-up",
			Description: "Surface a follow-up tool the caller asked for in context",
			Antecedents: []*Expr{
				FactExpr("query_context", Lit("follow_up"), Var("F")),
				FactExpr("tool_exists", Var("F")),
			},
			Consequents: []*Expr{
				FactExpr("suggest_following_tool", Var("F")),
			},
			Confidence: 0.8,
			Priority:   1,
		},
	}
}
