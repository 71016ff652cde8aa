// Package schema normalizes arbitrary JSON-Schema fragments into the
// internal typed-schema form used by the tool index and the planner.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Kind discriminates the TypedSchema union.
type Kind string

const (
	KindObject    Kind = "object"
	KindArray     Kind = "array"
	KindPrimitive Kind = "primitive"
	KindUnion     Kind = "union"
	KindEnum      Kind = "enum"
)

// Primitive type names.
const (
	PrimString  = "string"
	PrimNumber  = "number"
	PrimInteger = "integer"
	PrimBoolean = "boolean"
	PrimAny     = "any"
)

// Property is one named member of an object schema. Properties keep the
// insertion order of the source document.
type Property struct {
	Name   string
	Schema *TypedSchema
}

// TypedSchema is the normalized, closed representation of a JSON-Schema
// fragment. Exactly the fields relevant to Kind are populated.
type TypedSchema struct {
	Kind       Kind
	Properties []Property      // object
	Required   map[string]bool // object
	Items      *TypedSchema    // array
	Primitive  string          // primitive
	Members    []*TypedSchema  // union, already flattened
	Values     []string        // enum
}

// Any returns the universal fallback schema.
func Any() *TypedSchema {
	return &TypedSchema{Kind: KindPrimitive, Primitive: PrimAny}
}

// Prop looks up a property by name.
func (t *TypedSchema) Prop(name string) (*TypedSchema, bool) {
	for _, p := range t.Properties {
		if p.Name == name {
			return p.Schema, true
		}
	}
	return nil, false
}

// Normalize translates a JSON-Schema fragment into a TypedSchema. It never
// fails: fragments it cannot interpret normalize to primitive("any") and
// the returned warnings record what was skipped.
func Normalize(raw json.RawMessage) (*TypedSchema, []string) {
	var warnings []string
	ts := normalizeValue(raw, &warnings)
	return ts, warnings
}

func normalizeValue(raw json.RawMessage, warnings *[]string) *TypedSchema {
	obj, _, err := decodeOrdered(raw)
	if err != nil {
		*warnings = append(*warnings, fmt.Sprintf("uninterpretable schema fragment: %v", err))
		return Any()
	}

	// anyOf / oneOf become a flattened union of their normalized members.
	for _, key := range []string{"anyOf", "oneOf"} {
		if membersRaw, ok := obj[key]; ok {
			var members []json.RawMessage
			if err := json.Unmarshal(membersRaw, &members); err != nil {
				*warnings = append(*warnings, fmt.Sprintf("%s is not an array", key))
				return Any()
			}
			union := &TypedSchema{Kind: KindUnion}
			for _, m := range members {
				ms := normalizeValue(m, warnings)
				if ms.Kind == KindUnion {
					union.Members = append(union.Members, ms.Members...)
				} else {
					union.Members = append(union.Members, ms)
				}
			}
			return union
		}
	}

	typeName := ""
	if t, ok := obj["type"]; ok {
		if err := json.Unmarshal(t, &typeName); err != nil {
			*warnings = append(*warnings, "non-string type keyword")
			return Any()
		}
	}

	// A missing type with properties present is treated as an object.
	if typeName == "" {
		if _, ok := obj["properties"]; ok {
			typeName = "object"
		}
	}

	// Enums attach to string-typed fragments.
	if enumRaw, ok := obj["enum"]; ok && (typeName == PrimString || typeName == "") {
		var values []json.RawMessage
		if err := json.Unmarshal(enumRaw, &values); err == nil {
			es := &TypedSchema{Kind: KindEnum}
			for _, v := range values {
				var s string
				if json.Unmarshal(v, &s) == nil {
					es.Values = append(es.Values, s)
				} else {
					es.Values = append(es.Values, string(bytes.TrimSpace(v)))
				}
			}
			return es
		}
		*warnings = append(*warnings, "enum is not an array")
	}

	switch typeName {
	case "object":
		return normalizeObject(obj, warnings)
	case "array":
		out := &TypedSchema{Kind: KindArray}
		if itemsRaw, ok := obj["items"]; ok {
			out.Items = normalizeValue(itemsRaw, warnings)
		} else {
			out.Items = Any()
		}
		return out
	case PrimString, PrimNumber, PrimInteger, PrimBoolean:
		return &TypedSchema{Kind: KindPrimitive, Primitive: typeName}
	case "", "null", "any":
		return Any()
	default:
		*warnings = append(*warnings, fmt.Sprintf("unknown type %q", typeName))
		return Any()
	}
}

func normalizeObject(obj map[string]json.RawMessage, warnings *[]string) *TypedSchema {
	out := &TypedSchema{Kind: KindObject, Required: map[string]bool{}}

	if propsRaw, ok := obj["properties"]; ok {
		props, propOrder, err := decodeOrdered(propsRaw)
		if err != nil {
			*warnings = append(*warnings, fmt.Sprintf("malformed properties: %v", err))
		} else {
			for _, name := range propOrder["."] {
				out.Properties = append(out.Properties, Property{
					Name:   name,
					Schema: normalizeValue(props[name], warnings),
				})
			}
		}
	}

	if reqRaw, ok := obj["required"]; ok {
		var names []string
		if err := json.Unmarshal(reqRaw, &names); err != nil {
			*warnings = append(*warnings, "required is not a string array")
		} else {
			for _, n := range names {
				out.Required[n] = true
			}
		}
	}
	return out
}

// decodeOrdered decodes a JSON object into a key→raw map while recording
// top-level key order under order["."]. Non-objects return an error.
func decodeOrdered(raw json.RawMessage) (map[string]json.RawMessage, map[string][]string, error) {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if tok != json.Delim('{') {
		return nil, nil, fmt.Errorf("not a JSON object")
	}
	var keys []string
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, nil, fmt.Errorf("non-string object key")
		}
		keys = append(keys, key)
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, nil, err
		}
	}
	return fields, map[string][]string{".": keys}, nil
}

// MarshalJSON renders the schema back in JSON-Schema form, preserving
// property order. Normalize(MarshalJSON(t)) reproduces t.
func (t *TypedSchema) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	t.writeJSON(&buf)
	return buf.Bytes(), nil
}

func (t *TypedSchema) writeJSON(buf *bytes.Buffer) {
	switch t.Kind {
	case KindObject:
		buf.WriteString(`{"type":"object","properties":{`)
		for i, p := range t.Properties {
			if i > 0 {
				buf.WriteByte(',')
			}
			name, _ := json.Marshal(p.Name)
			buf.Write(name)
			buf.WriteByte(':')
			p.Schema.writeJSON(buf)
		}
		buf.WriteByte('}')
		if len(t.Required) > 0 {
			names := make([]string, 0, len(t.Required))
			for n := range t.Required {
				names = append(names, n)
			}
			sort.Strings(names)
			req, _ := json.Marshal(names)
			buf.WriteString(`,"required":`)
			buf.Write(req)
		}
		buf.WriteByte('}')
	case KindArray:
		buf.WriteString(`{"type":"array","items":`)
		t.Items.writeJSON(buf)
		buf.WriteByte('}')
	case KindUnion:
		buf.WriteString(`{"anyOf":[`)
		for i, m := range t.Members {
			if i > 0 {
				buf.WriteByte(',')
			}
			m.writeJSON(buf)
		}
		buf.WriteString(`]}`)
	case KindEnum:
		values, _ := json.Marshal(t.Values)
		buf.WriteString(`{"type":"string","enum":`)
		buf.Write(values)
		buf.WriteByte('}')
	default:
		if t.Primitive == PrimAny {
			buf.WriteString(`{}`)
		} else {
			fmt.Fprintf(buf, `{"type":%q}`, t.Primitive)
		}
	}
}

// CanonicalText is the deterministic single-line rendering used when
// composing a tool's embedding text and content hash.
func (t *TypedSchema) CanonicalText() string {
	var sb strings.Builder
	t.writeCanonical(&sb)
	return sb.String()
}

func (t *TypedSchema) writeCanonical(sb *strings.Builder) {
	switch t.Kind {
	case KindObject:
		sb.WriteString("object{")
		for i, p := range t.Properties {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(p.Name)
			if t.Required[p.Name] {
				sb.WriteByte('!')
			}
			sb.WriteString(": ")
			p.Schema.writeCanonical(sb)
		}
		sb.WriteByte('}')
	case KindArray:
		sb.WriteString("array[")
		t.Items.writeCanonical(sb)
		sb.WriteByte(']')
	case KindUnion:
		for i, m := range t.Members {
			if i > 0 {
				sb.WriteString(" | ")
			}
			m.writeCanonical(sb)
		}
	case KindEnum:
		sb.WriteString("enum(")
		sb.WriteString(strings.Join(t.Values, "|"))
		sb.WriteByte(')')
	default:
		sb.WriteString(t.Primitive)
	}
}

// Equal reports deep equality of two schemas, including property order.
func (t *TypedSchema) Equal(other *TypedSchema) bool {
	if t == nil || other == nil {
		return t == other
	}
	return t.CanonicalText() == other.CanonicalText()
}
