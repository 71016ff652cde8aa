package symbolic

import (
	"sort"
)

// Rule pairs antecedent patterns with consequent templates. Higher
// priority rules fire first within a round.
type Rule struct {
	ID          string
	Name        string
	Description string
	Antecedents []*Expr
	Consequents []*Expr
	Confidence  float64
	Priority    int
}

// DefaultMaxRounds bounds forward chaining so any rule set terminates.
const DefaultMaxRounds = 16

// Bindings maps variable names to literal values.
type Bindings map[string]any

func (b Bindings) clone() Bindings {
	out := make(Bindings, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// solution is one way of satisfying an antecedent list: the variable
// bindings plus the minimum confidence of the facts that matched.
type solution struct {
	bindings Bindings
	minConf  float64
}

// Engine runs forward and backward chaining over a rule set.
type Engine struct {
	MaxRounds int
}

// NewEngine creates an engine with the default round bound.
func NewEngine() *Engine { return &Engine{MaxRounds: DefaultMaxRounds} }

// ForwardChain repeatedly fires rules (descending priority) until the
// fact base stops changing or the round bound is hit. Derived facts carry
// confidence = rule confidence × min(matched antecedent confidences).
// It returns the newly derived facts in derivation order.
func (e *Engine) ForwardChain(rules []Rule, wm *WorkingMemory) []Fact {
	maxRounds := e.MaxRounds
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}

	ordered := make([]Rule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority > ordered[j].Priority })

	var derived []Fact
	for round := 0; round < maxRounds; round++ {
		changed := false
		for _, rule := range ordered {
			for _, sol := range e.solve(rule.Antecedents, wm, Bindings{}) {
				for _, consequent := range rule.Consequents {
					if consequent.Kind != KindFact {
						continue
					}
					fact, ok := instantiate(consequent, sol.bindings)
					if !ok {
						continue
					}
					fact.Confidence = rule.Confidence * sol.minConf
					if wm.Assert(fact) {
						derived = append(derived, fact)
						changed = true
					}
				}
			}
		}
		if !changed {
			break
		}
	}
	return derived
}

// BackwardChain returns every binding under which goal can be derived,
// either directly from the fact base or through rules whose consequents
// unify with it. depth bounds the recursion.
func (e *Engine) BackwardChain(goal *Expr, rules []Rule, wm *WorkingMemory, depth int) []Bindings {
	if goal.Kind != KindFact || depth <= 0 {
		return nil
	}

	var out []Bindings

	// Direct facts.
	for _, fact := range wm.FactsFor(goal.Predicate) {
		if b, ok := unifyFact(goal, fact, Bindings{}); ok {
			out = append(out, b)
		}
	}

	// Rules whose consequents produce the goal.
	for _, rule := range rules {
		for _, consequent := range rule.Consequents {
			if consequent.Kind != KindFact || consequent.Predicate != goal.Predicate {
				continue
			}
			headBindings, ok := unifyHeads(goal, consequent)
			if !ok {
				continue
			}
			for _, sol := range e.solveBackward(rule.Antecedents, rules, wm, headBindings, depth-1) {
				if b, ok := restrictToGoal(goal, consequent, sol.bindings); ok {
					out = append(out, b)
				}
			}
		}
	}
	return dedupeBindings(out)
}

// solve enumerates every substitution satisfying all antecedents against
// the current fact base.
func (e *Engine) solve(antecedents []*Expr, wm *WorkingMemory, bindings Bindings) []solution {
	if len(antecedents) == 0 {
		return []solution{{bindings: bindings, minConf: 1.0}}
	}
	head, rest := antecedents[0], antecedents[1:]

	var out []solution
	for _, partial := range e.solveOne(head, wm, bindings) {
		for _, tail := range e.solve(rest, wm, partial.bindings) {
			conf := partial.minConf
			if tail.minConf < conf {
				conf = tail.minConf
			}
			out = append(out, solution{bindings: tail.bindings, minConf: conf})
		}
	}
	return out
}

func (e *Engine) solveOne(expr *Expr, wm *WorkingMemory, bindings Bindings) []solution {
	switch expr.Kind {
	case KindFact:
		var out []solution
		for _, fact := range wm.FactsFor(expr.Predicate) {
			if b, ok := unifyFact(expr, fact, bindings); ok {
				out = append(out, solution{bindings: b, minConf: fact.Confidence})
			}
		}
		return out

	case KindAnd:
		return e.solve(expr.Children, wm, bindings)

	case KindOr:
		var out []solution
		for _, child := range expr.Children {
			out = append(out, e.solveOne(child, wm, bindings)...)
		}
		return out

	case KindNot:
		if len(e.solveOne(expr.Child, wm, bindings)) == 0 {
			return []solution{{bindings: bindings, minConf: 1.0}}
		}
		return nil

	case KindImplies:
		// A => B holds when A fails or B holds under some extension.
		if len(e.solveOne(expr.Left, wm, bindings)) == 0 {
			return []solution{{bindings: bindings, minConf: 1.0}}
		}
		return e.solveOne(expr.Right, wm, bindings)

	case KindComparison:
		left, lok := resolve(expr.Left, bindings)
		right, rok := resolve(expr.Right, bindings)
		if !lok || !rok {
			return nil // comparisons require fully bound operands
		}
		if compare(expr.Op, left, right) {
			return []solution{{bindings: bindings, minConf: 1.0}}
		}
		return nil

	case KindQuantified:
		return e.solveQuantified(expr, wm, bindings)

	case KindLiteral:
		if b, ok := expr.Value.(bool); ok && !b {
			return nil
		}
		return []solution{{bindings: bindings, minConf: 1.0}}
	}
	return nil
}

// solveQuantified expands a quantifier against the fact base's value
// universe. The quantified variable does not escape.
func (e *Engine) solveQuantified(expr *Expr, wm *WorkingMemory, bindings Bindings) []solution {
	universe := wm.Universe()
	switch expr.Quant {
	case Exists:
		for _, candidate := range universe {
			inner := bindings.clone()
			inner[expr.Var] = candidate
			if len(e.solveOne(expr.Body, wm, inner)) > 0 {
				return []solution{{bindings: bindings, minConf: 1.0}}
			}
		}
		return nil
	case ForAll:
		for _, candidate := range universe {
			inner := bindings.clone()
			inner[expr.Var] = candidate
			if len(e.solveOne(expr.Body, wm, inner)) == 0 {
				return nil
			}
		}
		return []solution{{bindings: bindings, minConf: 1.0}}
	}
	return nil
}

// solveBackward satisfies antecedents from facts or, recursively, from
// rules.
func (e *Engine) solveBackward(antecedents []*Expr, rules []Rule, wm *WorkingMemory, bindings Bindings, depth int) []solution {
	if len(antecedents) == 0 {
		return []solution{{bindings: bindings, minConf: 1.0}}
	}
	head, rest := antecedents[0], antecedents[1:]

	var partials []solution
	partials = append(partials, e.solveOne(head, wm, bindings)...)

	if head.Kind == KindFact && depth > 0 {
		substituted := substituteExpr(head, bindings)
		for _, b := range e.BackwardChain(substituted, rules, wm, depth) {
			merged, ok := mergeBindings(bindings, b)
			if !ok {
				continue
			}
			partials = append(partials, solution{bindings: merged, minConf: 1.0})
		}
	}

	var out []solution
	for _, partial := range partials {
		for _, tail := range e.solveBackward(rest, rules, wm, partial.bindings, depth) {
			conf := partial.minConf
			if tail.minConf < conf {
				conf = tail.minConf
			}
			out = append(out, solution{bindings: tail.bindings, minConf: conf})
		}
	}
	return out
}

// unifyFact unifies a fact pattern against a ground fact, extending
// bindings. Literal arguments must match by value; variables bind.
func unifyFact(pattern *Expr, fact Fact, bindings Bindings) (Bindings, bool) {
	if pattern.Predicate != fact.Predicate || len(pattern.Args) != len(fact.Args) {
		return nil, false
	}
	out := bindings.clone()
	for i, arg := range pattern.Args {
		switch arg.Kind {
		case KindVariable:
			if existing, ok := out[arg.Name]; ok {
				if !valueEqual(existing, fact.Args[i]) {
					return nil, false
				}
			} else {
				out[arg.Name] = fact.Args[i]
			}
		case KindLiteral:
			if !valueEqual(arg.Value, fact.Args[i]) {
				return nil, false
			}
		default:
			return nil, false // nested expressions do not occur in ground facts
		}
	}
	return out, true
}

// unifyHeads aligns a goal pattern with a rule consequent, binding the
// consequent's variables from the goal's literals.
func unifyHeads(goal, consequent *Expr) (Bindings, bool) {
	if len(goal.Args) != len(consequent.Args) {
		return nil, false
	}
	out := Bindings{}
	for i, cArg := range consequent.Args {
		gArg := goal.Args[i]
		switch {
		case cArg.Kind == KindVariable && gArg.Kind == KindLiteral:
			out[cArg.Name] = gArg.Value
		case cArg.Kind == KindLiteral && gArg.Kind == KindLiteral:
			if !valueEqual(cArg.Value, gArg.Value) {
				return nil, false
			}
		}
	}
	return out, true
}

// restrictToGoal projects a solved rule body onto the goal's variables.
func restrictToGoal(goal, consequent *Expr, solved Bindings) (Bindings, bool) {
	out := Bindings{}
	for i, gArg := range goal.Args {
		if gArg.Kind != KindVariable {
			continue
		}
		cArg := consequent.Args[i]
		switch cArg.Kind {
		case KindLiteral:
			out[gArg.Name] = cArg.Value
		case KindVariable:
			v, ok := solved[cArg.Name]
			if !ok {
				return nil, false
			}
			out[gArg.Name] = v
		}
	}
	return out, true
}

// instantiate grounds a fact template under bindings. Unbound variables
// make the instantiation fail.
func instantiate(template *Expr, bindings Bindings) (Fact, bool) {
	fact := Fact{Predicate: template.Predicate}
	for _, arg := range template.Args {
		v, ok := resolve(arg, bindings)
		if !ok {
			return Fact{}, false
		}
		fact.Args = append(fact.Args, v)
	}
	return fact, true
}

// substituteExpr replaces bound variables in a fact pattern with
// literals.
func substituteExpr(pattern *Expr, bindings Bindings) *Expr {
	out := &Expr{Kind: KindFact, Predicate: pattern.Predicate}
	for _, arg := range pattern.Args {
		if arg.Kind == KindVariable {
			if v, ok := bindings[arg.Name]; ok {
				out.Args = append(out.Args, Lit(v))
				continue
			}
		}
		out.Args = append(out.Args, arg)
	}
	return out
}

func resolve(expr *Expr, bindings Bindings) (any, bool) {
	switch expr.Kind {
	case KindLiteral:
		return expr.Value, true
	case KindVariable:
		v, ok := bindings[expr.Name]
		return v, ok
	}
	return nil, false
}

func mergeBindings(a, b Bindings) (Bindings, bool) {
	out := a.clone()
	for k, v := range b {
		if existing, ok := out[k]; ok {
			if !valueEqual(existing, v) {
				return nil, false
			}
			continue
		}
		out[k] = v
	}
	return out, true
}

func compare(op CompareOp, left, right any) bool {
	lf, lok := normalizeValue(left).(float64)
	rf, rok := normalizeValue(right).(float64)
	if lok && rok {
		switch op {
		case OpEq:
			return lf == rf
		case OpNe:
			return lf != rf
		case OpLt:
			return lf < rf
		case OpLe:
			return lf <= rf
		case OpGt:
			return lf > rf
		case OpGe:
			return lf >= rf
		}
		return false
	}
	switch op {
	case OpEq:
		return valueEqual(left, right)
	case OpNe:
		return !valueEqual(left, right)
	}
	return false
}

func dedupeBindings(in []Bindings) []Bindings {
	var out []Bindings
	seen := map[string]bool{}
	for _, b := range in {
		keys := make([]string, 0, len(b))
		for k := range b {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sig := ""
		for _, k := range keys {
			sig += k + "=" + valueKey(b[k]) + ";"
		}
		if !seen[sig] {
			seen[sig] = true
			out = append(out, b)
		}
	}
	return out
}
