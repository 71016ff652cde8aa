package selector

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/unicitynetwork/unicity-orchestrator/internal/graph"
)

// Planning limits.
const (
	DefaultMaxPlanSteps = 8
	DefaultPlanTimeout  = 30 * time.Second
)

// PlanStep is one step of a produced plan. Inputs names the prior steps
// whose outputs this step consumes; the caller executes each step itself.
type PlanStep struct {
	StepNumber  int      `json:"stepNumber"`
	Description string   `json:"description"`
	ServiceID   string   `json:"serviceId"`
	ServiceName string   `json:"serviceName"`
	ToolName    string   `json:"toolName"`
	Inputs      []string `json:"inputs"`
	Confidence  float64  `json:"confidence"`
}

// Plan is an ordered tool chain toward a goal. Confidence is the minimum
// step confidence.
type Plan struct {
	ID         string     `json:"id"`
	Goal       string     `json:"goal"`
	Steps      []PlanStep `json:"steps"`
	Confidence float64    `json:"confidence"`
}

// PlanTools builds a depth-limited chain: the first step comes from
// semantic selection on the goal, each following step from walking the
// knowledge graph's DataFlow edges out of the previous step's tool.
func (s *Selector) PlanTools(ctx context.Context, goal string, queryContext map[string]any, filter *UserFilter) (*Plan, error) {
	deadline := time.Now().Add(DefaultPlanTimeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	first, err := s.SelectTool(ctx, goal, queryContext, filter)
	if err != nil {
		return nil, err
	}
	plan := &Plan{Goal: goal}
	if first == nil {
		return plan, nil
	}

	plan.Steps = append(plan.Steps, PlanStep{
		StepNumber:  1,
		Description: "Resolve the goal with " + first.ToolName,
		ServiceID:   first.ServiceID,
		ServiceName: first.ServiceName,
		ToolName:    first.ToolName,
		Inputs:      []string{},
		Confidence:  first.Confidence,
	})

	g := s.graph()
	used := map[string]bool{first.ToolID: true}
	currentID := first.ToolID

	for len(plan.Steps) < DefaultMaxPlanSteps && time.Now().Before(deadline) {
		next, weight := nextDataFlowHop(g, currentID, used)
		if next == "" {
			break
		}
		tool, err := s.store.GetTool(ctx, next)
		if err != nil {
			return nil, err
		}
		if tool == nil || (filter != nil && filter.Blocked(tool.ServiceName)) {
			used[next] = true
			currentID = next
			continue
		}

		prev := plan.Steps[len(plan.Steps)-1]
		plan.Steps = append(plan.Steps, PlanStep{
			StepNumber:  len(plan.Steps) + 1,
			Description: "Feed " + prev.ToolName + " output into " + tool.Name,
			ServiceID:   tool.ServiceID,
			ServiceName: tool.ServiceName,
			ToolName:    tool.Name,
			Inputs:      []string{prev.ToolName},
			Confidence:  weight,
		})
		used[next] = true
		currentID = next
	}

	plan.Confidence = 1.0
	for _, step := range plan.Steps {
		if step.Confidence < plan.Confidence {
			plan.Confidence = step.Confidence
		}
	}
	if len(plan.Steps) == 0 {
		plan.Confidence = 0
	}

	if id, err := s.store.SavePlan(ctx, goal, plan.Steps, plan.Confidence); err == nil {
		plan.ID = id
	} else {
		s.logger.Debug("plan not persisted", zap.Error(err))
	}
	return plan, nil
}

// nextDataFlowHop picks the strongest unused DataFlow successor of a
// tool node; ties break on ascending node id.
func nextDataFlowHop(g *graph.Graph, from string, used map[string]bool) (string, float64) {
	if g == nil {
		return "", 0
	}
	best := ""
	bestWeight := 0.0
	for _, edge := range g.Edges(from, []graph.EdgeKind{graph.EdgeDataFlow}) {
		if used[edge.To] {
			continue
		}
		if edge.Weight > bestWeight || (edge.Weight == bestWeight && (best == "" || edge.To < best)) {
			best = edge.To
			bestWeight = edge.Weight
		}
	}
	return best, bestWeight
}
