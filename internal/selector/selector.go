// Package selector turns a natural-language query into a ranked,
// filtered set of callable tool selections, and builds depth-limited
// tool chains for multi-step goals.
package selector

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/unicitynetwork/unicity-orchestrator/internal/embedding"
	"github.com/unicitynetwork/unicity-orchestrator/internal/graph"
	"github.com/unicitynetwork/unicity-orchestrator/internal/store"
	"github.com/unicitynetwork/unicity-orchestrator/internal/symbolic"
)

// Defaults for the selection pipeline.
const (
	DefaultK         = 32
	DefaultThreshold = 0.25
)

// Selection is one ranked result of the pipeline.
type Selection struct {
	ToolID        string          `json:"toolId"`
	ToolName      string          `json:"toolName"`
	ServiceID     string          `json:"serviceId"`
	ServiceName   string          `json:"serviceName"`
	Confidence    float64         `json:"confidence"`
	Reasoning     string          `json:"reasoning"`
	Dependencies  []string        `json:"dependencies"`
	EstimatedCost *float64        `json:"estimatedCost,omitempty"`
	InputSchema   json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema  json.RawMessage `json:"outputSchema,omitempty"`
}

// Options tune one SelectTools call.
type Options struct {
	K         int
	Threshold float64

	// IncludeBlocked disables the user filter's blocked-service
	// exclusion. Debug listings only.
	IncludeBlocked bool
}

func (o Options) withDefaults() Options {
	if o.K <= 0 {
		o.K = DefaultK
	}
	if o.Threshold == 0 {
		o.Threshold = DefaultThreshold
	}
	return o
}

// GraphProvider returns the current knowledge graph. The orchestrator
// swaps graphs atomically on rediscovery, so the provider is consulted
// per call.
type GraphProvider func() *graph.Graph

// Selector composes the embedding manager, the vector index, the
// symbolic reasoner, and the per-user filter.
type Selector struct {
	store      *store.Store
	embeddings *embedding.Manager
	reasoner   *symbolic.Reasoner
	graph      GraphProvider
	logger     *zap.Logger
}

// New creates a selector.
func New(s *store.Store, embeddings *embedding.Manager, reasoner *symbolic.Reasoner, graphProvider GraphProvider, logger *zap.Logger) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{
		store:      s,
		embeddings: embeddings,
		reasoner:   reasoner,
		graph:      graphProvider,
		logger:     logger,
	}
}

// SelectTools runs the full pipeline: embed, vector search, threshold,
// symbolic re-rank, user filter. Results are ordered by descending
// confidence, ties by ascending tool name.
func (s *Selector) SelectTools(ctx context.Context, query string, queryContext map[string]any, filter *UserFilter, opts Options) ([]Selection, error) {
	opts = opts.withDefaults()
	if filter == nil {
		filter = AllowAll()
	}

	queryVec, err := s.embeddings.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	hits, err := s.store.SearchSimilarTools(ctx, queryVec, opts.K, opts.Threshold)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return []Selection{}, nil
	}

	selections := make([]Selection, 0, len(hits))
	candidates := make([]symbolic.Candidate, 0, len(hits))
	byName := map[string]int{}
	for _, hit := range hits {
		tool := hit.Tool
		selections = append(selections, Selection{
			ToolID:       tool.ID,
			ToolName:     tool.Name,
			ServiceID:    tool.ServiceID,
			ServiceName:  tool.ServiceName,
			Confidence:   clamp01(hit.Similarity),
			Reasoning:    fmt.Sprintf("Selected by cosine similarity %.3f to query embedding", hit.Similarity),
			Dependencies: []string{},
			InputSchema:  tool.InputSchema,
			OutputSchema: tool.OutputSchema,
		})
		candidates = append(candidates, symbolic.Candidate{
			ToolName:    tool.Name,
			ServiceName: tool.ServiceName,
			Similarity:  hit.Similarity,
			InputTy:     tool.InputTy,
			OutputTy:    tool.OutputTy,
			UsageCount:  tool.UsageCount,
		})
		byName[tool.Name] = len(selections) - 1
	}

	adj := s.reasoner.Evaluate(query, candidates, queryContext)
	if !adj.Empty() {
		for name, delta := range adj.Boosts {
			idx, ok := byName[name]
			if !ok {
				continue
			}
			selections[idx].Confidence = clamp01(selections[idx].Confidence + delta)
			selections[idx].Reasoning += fmt.Sprintf("; symbolic boost +%.2f", delta)
		}
		for name, confidence := range adj.Suggestions {
			if _, present := byName[name]; present {
				continue
			}
			suggestion, err := s.selectionByToolName(ctx, name, confidence)
			if err != nil {
				return nil, err
			}
			if suggestion != nil {
				selections = append(selections, *suggestion)
				byName[name] = len(selections) - 1
			}
		}
	}

	selections = filter.Apply(selections, opts.IncludeBlocked)
	sortSelections(selections)
	return selections, nil
}

// SelectTool returns the single best selection, or nil when nothing
// clears the threshold.
func (s *Selector) SelectTool(ctx context.Context, query string, queryContext map[string]any, filter *UserFilter) (*Selection, error) {
	selections, err := s.SelectTools(ctx, query, queryContext, filter, Options{})
	if err != nil {
		return nil, err
	}
	if len(selections) == 0 {
		return nil, nil
	}
	return &selections[0], nil
}

// selectionByToolName builds a Selection for a rule-suggested tool that
// was not in the semantic candidate set.
func (s *Selector) selectionByToolName(ctx context.Context, toolName string, confidence float64) (*Selection, error) {
	tools, err := s.store.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	for _, tool := range tools {
		if tool.Name != toolName {
			continue
		}
		return &Selection{
			ToolID:       tool.ID,
			ToolName:     tool.Name,
			ServiceID:    tool.ServiceID,
			ServiceName:  tool.ServiceName,
			Confidence:   clamp01(confidence),
			Reasoning:    "Suggested by symbolic rule derivation",
			Dependencies: []string{},
			InputSchema:  tool.InputSchema,
			OutputSchema: tool.OutputSchema,
		}, nil
	}
	return nil, nil
}

func sortSelections(selections []Selection) {
	sort.SliceStable(selections, func(i, j int) bool {
		if selections[i].Confidence != selections[j].Confidence {
			return selections[i].Confidence > selections[j].Confidence
		}
		return selections[i].ToolName < selections[j].ToolName
	})
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
