// Package graph holds the knowledge graph of services, tools, and types.
// A graph is immutable once built; warmup builds a fresh one and the
// orchestrator swaps it in atomically.
package graph

import (
	"context"
	"encoding/json"
	"sort"

	"go.uber.org/zap"

	"github.com/unicitynetwork/unicity-orchestrator/internal/store"
)

// NodeKind classifies graph nodes.
type NodeKind string

const (
	NodeService  NodeKind = "service"
	NodeTool     NodeKind = "tool"
	NodeType     NodeKind = "type"
	NodeConcept  NodeKind = "concept"
	NodeRegistry NodeKind = "registry"
)

// EdgeKind classifies graph edges.
type EdgeKind string

const (
	EdgeDataFlow           EdgeKind = "data_flow"
	EdgeSemanticSimilarity EdgeKind = "semantic_similarity"
	EdgeSequential         EdgeKind = "sequential"
	EdgeParallel           EdgeKind = "parallel"
	EdgeConditional        EdgeKind = "conditional"
	EdgeTransform          EdgeKind = "transform"
	EdgeBelongsTo          EdgeKind = "belongs_to"
	EdgeTypeRelation       EdgeKind = "type_relation"
	EdgeConceptRelation    EdgeKind = "concept_relation"
)

// Node is a graph vertex. Payload is opaque JSON; Embedding is attached to
// tool nodes by lookup and may be nil.
type Node struct {
	ID        string
	Kind      NodeKind
	Payload   json.RawMessage
	Embedding []float32
}

// Edge is a directed, weighted graph edge. Weight is in [0,1].
type Edge struct {
	From   string
	To     string
	Kind   EdgeKind
	Weight float64
}

// Graph is the immutable knowledge graph. Nodes hold IDs, not references:
// payloads are looked up in the store when record detail is needed.
type Graph struct {
	nodes    map[string]*Node
	outgoing map[string][]Edge
	types    *TypeSystem
}

// New creates an empty graph with the default type system.
func New() *Graph {
	return &Graph{
		nodes:    map[string]*Node{},
		outgoing: map[string][]Edge{},
		types:    NewTypeSystem(),
	}
}

// Build constructs the graph from persisted records: a node per service, a
// node per tool with a BelongsTo edge to its service, a DataFlow edge per
// compatibility record, embeddings attached to tool nodes.
func Build(ctx context.Context, s *store.Store, logger *zap.Logger) (*Graph, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := New()

	services, err := s.ListServices(ctx)
	if err != nil {
		return nil, err
	}
	for _, svc := range services {
		payload, _ := json.Marshal(map[string]string{"name": svc.Name, "title": svc.Title})
		g.addNode(&Node{ID: svc.ID, Kind: NodeService, Payload: payload})
	}

	tools, err := s.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	vectors, err := s.ToolVectors(ctx)
	if err != nil {
		return nil, err
	}
	for _, tool := range tools {
		payload, _ := json.Marshal(map[string]string{
			"name":      tool.Name,
			"service":   tool.ServiceName,
			"input_ty":  tool.InputTy,
			"output_ty": tool.OutputTy,
		})
		g.addNode(&Node{ID: tool.ID, Kind: NodeTool, Payload: payload, Embedding: vectors[tool.ID]})
		g.addEdge(Edge{From: tool.ID, To: tool.ServiceID, Kind: EdgeBelongsTo, Weight: 1.0})

		if tool.InputTy != "" {
			g.ensureTypeNode(tool.InputTy)
			g.addEdge(Edge{From: "type:" + tool.InputTy, To: tool.ID, Kind: EdgeTypeRelation, Weight: 1.0})
		}
		if tool.OutputTy != "" {
			g.ensureTypeNode(tool.OutputTy)
			g.addEdge(Edge{From: tool.ID, To: "type:" + tool.OutputTy, Kind: EdgeTypeRelation, Weight: 1.0})
		}
	}

	compat, err := s.ListCompatibilities(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range compat {
		g.addEdge(Edge{From: c.FromTool, To: c.ToTool, Kind: EdgeDataFlow, Weight: c.Confidence})
	}

	logger.Info("knowledge graph built",
		zap.Int("nodes", len(g.nodes)),
		zap.Int("services", len(services)),
		zap.Int("tools", len(tools)),
		zap.Int("data_flow_edges", len(compat)))
	return g, nil
}

func (g *Graph) addNode(n *Node) { g.nodes[n.ID] = n }

func (g *Graph) addEdge(e Edge) {
	g.outgoing[e.From] = append(g.outgoing[e.From], e)
}

func (g *Graph) ensureTypeNode(ty string) {
	id := "type:" + ty
	if _, ok := g.nodes[id]; !ok {
		payload, _ := json.Marshal(map[string]string{"type": ty})
		g.addNode(&Node{ID: id, Kind: NodeType, Payload: payload})
	}
}

// Node returns the node with the given id, or nil.
func (g *Graph) Node(id string) *Node { return g.nodes[id] }

// NodeCount returns the number of nodes.
func (g *Graph) NodeCount() int { return len(g.nodes) }

// Types exposes the graph's type system.
func (g *Graph) Types() *TypeSystem { return g.types }

// Edges returns the outgoing edges of a node, optionally restricted to the
// given kinds (nil allows all).
func (g *Graph) Edges(from string, kinds []EdgeKind) []Edge {
	edges := g.outgoing[from]
	if kinds == nil {
		out := make([]Edge, len(edges))
		copy(out, edges)
		return out
	}
	allowed := map[EdgeKind]bool{}
	for _, k := range kinds {
		allowed[k] = true
	}
	var out []Edge
	for _, e := range edges {
		if allowed[e.Kind] {
			out = append(out, e)
		}
	}
	return out
}

// Path is a node-id sequence from a traversal, with its similarity score
// 1 / (1 + hops).
type Path struct {
	Nodes []string
	Score float64
}

// Traverse runs a bounded BFS from start, following only the allowed edge
// kinds (nil allows all), and returns the reached node ids in breadth
// order. start itself is excluded.
func (g *Graph) Traverse(start string, kinds []EdgeKind, maxDepth int) []string {
	if maxDepth <= 0 || g.nodes[start] == nil {
		return nil
	}
	type item struct {
		id    string
		depth int
	}
	visited := map[string]bool{start: true}
	queue := []item{{start, 0}}
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= maxDepth {
			continue
		}
		edges := g.Edges(cur.id, kinds)
		sort.Slice(edges, func(i, j int) bool { return edges[i].To < edges[j].To })
		for _, e := range edges {
			if visited[e.To] {
				continue
			}
			visited[e.To] = true
			out = append(out, e.To)
			queue = append(queue, item{e.To, cur.depth + 1})
		}
	}
	return out
}

// FindPaths returns every path from from to to within maxDepth hops,
// following only the allowed edge kinds. Paths are ordered by decreasing
// score (1/(1+length)), ties broken by lexical comparison of the node-id
// sequences.
func (g *Graph) FindPaths(from, to string, kinds []EdgeKind, maxDepth int) []Path {
	if g.nodes[from] == nil || g.nodes[to] == nil || maxDepth <= 0 {
		return nil
	}

	var paths []Path
	var walk func(current string, trail []string, onTrail map[string]bool)
	walk = func(current string, trail []string, onTrail map[string]bool) {
		if current == to {
			nodes := make([]string, len(trail))
			copy(nodes, trail)
			paths = append(paths, Path{Nodes: nodes, Score: 1.0 / (1.0 + float64(len(nodes)-1))})
			return
		}
		if len(trail)-1 >= maxDepth {
			return
		}
		for _, e := range g.Edges(current, kinds) {
			if onTrail[e.To] {
				continue
			}
			onTrail[e.To] = true
			walk(e.To, append(trail, e.To), onTrail)
			delete(onTrail, e.To)
		}
	}
	walk(from, []string{from}, map[string]bool{from: true})

	sort.Slice(paths, func(i, j int) bool {
		if paths[i].Score != paths[j].Score {
			return paths[i].Score > paths[j].Score
		}
		a, b := paths[i].Nodes, paths[j].Nodes
		for k := 0; k < len(a) && k < len(b); k++ {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return len(a) < len(b)
	})
	return paths
}

// ToolsProducing returns tool node ids whose output type is compatible
// with the wanted type at or above minConfidence, ordered by descending
// confidence then id.
func (g *Graph) ToolsProducing(wanted string, minConfidence float64) []string {
	type scored struct {
		id   string
		conf float64
	}
	var hits []scored
	for id, node := range g.nodes {
		if node.Kind != NodeTool {
			continue
		}
		var payload struct {
			OutputTy string `json:"output_ty"`
		}
		if err := json.Unmarshal(node.Payload, &payload); err != nil || payload.OutputTy == "" {
			continue
		}
		if conf := g.types.Compatible(payload.OutputTy, wanted); conf >= minConfidence {
			hits = append(hits, scored{id, conf})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].conf != hits[j].conf {
			return hits[i].conf > hits[j].conf
		}
		return hits[i].id < hits[j].id
	})
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.id
	}
	return out
}
