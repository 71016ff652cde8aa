package graph

// TypeSystem answers compatibility queries over URI-like type tags
// (e.g. "issues/list"). Identity scores 1.0, each inheritance hop decays
// the confidence by the inheritance factor, and custom rules contribute
// their declared confidence.
type TypeSystem struct {
	parents map[string][]string
	custom  map[[2]string]float64
	decay   float64
}

// NewTypeSystem creates a type system with the default 0.8 per-hop
// inheritance decay.
func NewTypeSystem() *TypeSystem {
	return &TypeSystem{
		parents: map[string][]string{},
		custom:  map[[2]string]float64{},
		decay:   0.8,
	}
}

// AddInheritance declares child as a subtype of parent.
func (ts *TypeSystem) AddInheritance(child, parent string) {
	ts.parents[child] = append(ts.parents[child], parent)
}

// AddRule declares a custom compatibility (from, to) with an explicit
// confidence.
func (ts *TypeSystem) AddRule(from, to string, confidence float64) {
	ts.custom[[2]string{from, to}] = confidence
}

// Compatible returns the confidence that a value of type from can be used
// where to is expected. 0 means incompatible.
func (ts *TypeSystem) Compatible(from, to string) float64 {
	if from == to {
		return 1.0
	}
	if best := ts.walkInheritance(from, to, map[string]bool{from: true}); best > 0 {
		return best
	}
	if conf, ok := ts.custom[[2]string{from, to}]; ok {
		return conf
	}
	return 0
}

// walkInheritance searches the inheritance chain upward from `from`,
// decaying per hop. The visited set breaks cycles.
func (ts *TypeSystem) walkInheritance(from, to string, visited map[string]bool) float64 {
	best := 0.0
	for _, parent := range ts.parents[from] {
		if visited[parent] {
			continue
		}
		visited[parent] = true
		conf := ts.decay
		if parent != to {
			sub := ts.walkInheritance(parent, to, visited)
			if sub == 0 {
				continue
			}
			conf = ts.decay * sub
		}
		if conf > best {
			best = conf
		}
	}
	return best
}
