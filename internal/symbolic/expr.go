// Package symbolic implements the rule engine behind tool selection:
// a small expression language, a per-query working memory, and forward /
// backward chaining with unification.
package symbolic

import (
	"encoding/json"
	"fmt"
)

// ExprKind discriminates the expression union.
type ExprKind string

const (
	KindFact       ExprKind = "fact"
	KindAnd        ExprKind = "and"
	KindOr         ExprKind = "or"
	KindNot        ExprKind = "not"
	KindImplies    ExprKind = "implies"
	KindQuantified ExprKind = "quantified"
	KindComparison ExprKind = "comparison"
	KindVariable   ExprKind = "variable"
	KindLiteral    ExprKind = "literal"
)

// Quantifier selects between universal and existential quantification.
type Quantifier string

const (
	ForAll Quantifier = "forall"
	Exists Quantifier = "exists"
)

// CompareOp is a comparison operator. Operands are compared after
// substitution; numbers numerically, everything else by equality only.
type CompareOp string

const (
	OpEq CompareOp = "="
	OpNe CompareOp = "!="
	OpLt CompareOp = "<"
	OpLe CompareOp = "<="
	OpGt CompareOp = ">"
	OpGe CompareOp = ">="
)

// Expr is one node of the expression language. Exactly the fields
// relevant to Kind are set. The language forbids recursion through
// variables, so unification needs no occurs check.
type Expr struct {
	Kind ExprKind

	// fact
	Predicate  string
	Args       []*Expr
	Confidence *float64

	// and / or
	Children []*Expr

	// not
	Child *Expr

	// implies / comparison
	Left  *Expr
	Right *Expr
	Op    CompareOp

	// quantified
	Quant Quantifier
	Var   string
	Body  *Expr

	// variable
	Name string

	// literal: string, float64, bool, []any, or map[string]any
	Value any
}

// Lit builds a literal expression.
func Lit(v any) *Expr { return &Expr{Kind: KindLiteral, Value: normalizeValue(v)} }

// Var builds a variable reference.
func Var(name string) *Expr { return &Expr{Kind: KindVariable, Name: name} }

// FactExpr builds a fact pattern.
func FactExpr(predicate string, args ...*Expr) *Expr {
	return &Expr{Kind: KindFact, Predicate: predicate, Args: args}
}

// Cmp builds a comparison.
func Cmp(op CompareOp, left, right *Expr) *Expr {
	return &Expr{Kind: KindComparison, Op: op, Left: left, Right: right}
}

// normalizeValue coerces numeric literals to float64 so values round-trip
// through JSON without changing identity.
func normalizeValue(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	}
	return v
}

// exprJSON is the persisted wire form of an expression.
type exprJSON struct {
	Fact *struct {
		Predicate  string            `json:"predicate"`
		Args       []json.RawMessage `json:"args"`
		Confidence *float64          `json:"confidence,omitempty"`
	} `json:"fact,omitempty"`
	And        []json.RawMessage `json:"and,omitempty"`
	Or         []json.RawMessage `json:"or,omitempty"`
	Not        json.RawMessage   `json:"not,omitempty"`
	Implies    []json.RawMessage `json:"implies,omitempty"`
	Quantified *struct {
		Quantifier string          `json:"quantifier"`
		Var        string          `json:"var"`
		Body       json.RawMessage `json:"body"`
	} `json:"quantified,omitempty"`
	Comparison *struct {
		Op  string          `json:"op"`
		Lhs json.RawMessage `json:"lhs"`
		Rhs json.RawMessage `json:"rhs"`
	} `json:"comparison,omitempty"`
	Variable string          `json:"variable,omitempty"`
	Literal  json.RawMessage `json:"literal,omitempty"`
	IsLit    bool            `json:"is_literal,omitempty"`
}

// MarshalJSON encodes the expression in its tagged wire form.
func (e *Expr) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case KindFact:
		args := make([]json.RawMessage, len(e.Args))
		for i, a := range e.Args {
			raw, err := a.MarshalJSON()
			if err != nil {
				return nil, err
			}
			args[i] = raw
		}
		payload := map[string]any{"predicate": e.Predicate, "args": args}
		if e.Confidence != nil {
			payload["confidence"] = *e.Confidence
		}
		return json.Marshal(map[string]any{"fact": payload})
	case KindAnd, KindOr:
		key := "and"
		if e.Kind == KindOr {
			key = "or"
		}
		return json.Marshal(map[string]any{key: e.Children})
	case KindNot:
		return json.Marshal(map[string]any{"not": e.Child})
	case KindImplies:
		return json.Marshal(map[string]any{"implies": []*Expr{e.Left, e.Right}})
	case KindQuantified:
		return json.Marshal(map[string]any{"quantified": map[string]any{
			"quantifier": string(e.Quant), "var": e.Var, "body": e.Body,
		}})
	case KindComparison:
		return json.Marshal(map[string]any{"comparison": map[string]any{
			"op": string(e.Op), "lhs": e.Left, "rhs": e.Right,
		}})
	case KindVariable:
		return json.Marshal(map[string]any{"variable": e.Name})
	case KindLiteral:
		return json.Marshal(map[string]any{"literal": e.Value, "is_literal": true})
	}
	return nil, fmt.Errorf("unknown expression kind %q", e.Kind)
}

// UnmarshalJSON decodes the tagged wire form.
func (e *Expr) UnmarshalJSON(data []byte) error {
	var w exprJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch {
	case w.Fact != nil:
		e.Kind = KindFact
		e.Predicate = w.Fact.Predicate
		e.Confidence = w.Fact.Confidence
		e.Args = nil
		for _, raw := range w.Fact.Args {
			arg := &Expr{}
			if err := arg.UnmarshalJSON(raw); err != nil {
				return err
			}
			e.Args = append(e.Args, arg)
		}
	case w.And != nil:
		e.Kind = KindAnd
		return decodeChildren(w.And, &e.Children)
	case w.Or != nil:
		e.Kind = KindOr
		return decodeChildren(w.Or, &e.Children)
	case w.Not != nil:
		e.Kind = KindNot
		e.Child = &Expr{}
		return e.Child.UnmarshalJSON(w.Not)
	case w.Implies != nil:
		if len(w.Implies) != 2 {
			return fmt.Errorf("implies takes exactly two operands")
		}
		e.Kind = KindImplies
		e.Left, e.Right = &Expr{}, &Expr{}
		if err := e.Left.UnmarshalJSON(w.Implies[0]); err != nil {
			return err
		}
		return e.Right.UnmarshalJSON(w.Implies[1])
	case w.Quantified != nil:
		e.Kind = KindQuantified
		e.Quant = Quantifier(w.Quantified.Quantifier)
		e.Var = w.Quantified.Var
		e.Body = &Expr{}
		return e.Body.UnmarshalJSON(w.Quantified.Body)
	case w.Comparison != nil:
		e.Kind = KindComparison
		e.Op = CompareOp(w.Comparison.Op)
		e.Left, e.Right = &Expr{}, &Expr{}
		if err := e.Left.UnmarshalJSON(w.Comparison.Lhs); err != nil {
			return err
		}
		return e.Right.UnmarshalJSON(w.Comparison.Rhs)
	case w.Variable != "":
		e.Kind = KindVariable
		e.Name = w.Variable
	case w.IsLit || w.Literal != nil:
		e.Kind = KindLiteral
		if w.Literal != nil {
			var v any
			if err := json.Unmarshal(w.Literal, &v); err != nil {
				return err
			}
			e.Value = v
		}
	default:
		return fmt.Errorf("unrecognized expression: %s", string(data))
	}
	return nil
}

func decodeChildren(raws []json.RawMessage, out *[]*Expr) error {
	for _, raw := range raws {
		child := &Expr{}
		if err := child.UnmarshalJSON(raw); err != nil {
			return err
		}
		*out = append(*out, child)
	}
	return nil
}

// DecodeExprList decodes a JSON array of expressions.
func DecodeExprList(raw json.RawMessage) ([]*Expr, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(raw, &raws); err != nil {
		return nil, err
	}
	var out []*Expr
	return out, decodeChildren(raws, &out)
}

// EncodeExprList encodes a list of expressions as a JSON array.
func EncodeExprList(exprs []*Expr) (json.RawMessage, error) {
	return json.Marshal(exprs)
}
