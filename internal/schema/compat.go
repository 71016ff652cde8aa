package schema

// Compatibility scores how well a value of schema `from` can feed a
// parameter of schema `to`. 1.0 is an exact match, 0.0 is incompatible.
func Compatibility(from, to *TypedSchema) float64 {
	if from == nil || to == nil {
		return 0
	}

	if from.Kind == to.Kind {
		switch from.Kind {
		case KindPrimitive:
			if from.Primitive == to.Primitive {
				return 1.0
			}
		case KindEnum:
			return 1.0
		case KindArray:
			return Compatibility(from.Items, to.Items)
		case KindObject:
			return objectCompatibility(from, to)
		case KindUnion:
			return unionCompatibility(from, to)
		}
	}

	// The any primitive interoperates with everything at reduced confidence.
	if isAny(from) || isAny(to) {
		return 0.7
	}

	// Numeric widening and narrowing.
	if isNumeric(from) && isNumeric(to) {
		return 0.9
	}

	// Enums are string-valued.
	if (from.Kind == KindEnum && isString(to)) || (isString(from) && to.Kind == KindEnum) {
		return 0.8
	}

	// A union feeds a target if any member does; a target union accepts the
	// best member.
	if from.Kind == KindUnion {
		best := 0.0
		for _, m := range from.Members {
			if c := Compatibility(m, to); c > best {
				best = c
			}
		}
		return best
	}
	if to.Kind == KindUnion {
		best := 0.0
		for _, m := range to.Members {
			if c := Compatibility(from, m); c > best {
				best = c
			}
		}
		return best
	}

	return 0
}

// objectCompatibility averages per-field compatibility over the fields the
// two objects share. Objects with no common fields score 0.
func objectCompatibility(from, to *TypedSchema) float64 {
	total := 0.0
	common := 0
	for _, p := range from.Properties {
		if target, ok := to.Prop(p.Name); ok {
			total += Compatibility(p.Schema, target)
			common++
		}
	}
	if common == 0 {
		return 0
	}
	return total / float64(common)
}

func unionCompatibility(from, to *TypedSchema) float64 {
	best := 0.0
	for _, f := range from.Members {
		for _, t := range to.Members {
			if c := Compatibility(f, t); c > best {
				best = c
			}
		}
	}
	return best
}

func isAny(t *TypedSchema) bool {
	return t.Kind == KindPrimitive && t.Primitive == PrimAny
}

func isString(t *TypedSchema) bool {
	return t.Kind == KindPrimitive && t.Primitive == PrimString
}

func isNumeric(t *TypedSchema) bool {
	return t.Kind == KindPrimitive && (t.Primitive == PrimNumber || t.Primitive == PrimInteger)
}
