// Package orchestrator composes the subsystems into the warm state the
// servers operate on: supervised children, the tool index, the knowledge
// graph, the reasoner, the registries, and the execution path.
package orchestrator

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/unicitynetwork/unicity-orchestrator/internal/auth"
	"github.com/unicitynetwork/unicity-orchestrator/internal/config"
	"github.com/unicitynetwork/unicity-orchestrator/internal/elicitation"
	"github.com/unicitynetwork/unicity-orchestrator/internal/embedding"
	"github.com/unicitynetwork/unicity-orchestrator/internal/executor"
	"github.com/unicitynetwork/unicity-orchestrator/internal/graph"
	"github.com/unicitynetwork/unicity-orchestrator/internal/registry"
	"github.com/unicitynetwork/unicity-orchestrator/internal/schema"
	"github.com/unicitynetwork/unicity-orchestrator/internal/selector"
	"github.com/unicitynetwork/unicity-orchestrator/internal/store"
	"github.com/unicitynetwork/unicity-orchestrator/internal/supervisor"
	"github.com/unicitynetwork/unicity-orchestrator/internal/symbolic"
)

// typeTagKeyword is the optional schema keyword a child can set on its
// input/output schema to declare a URI-like type tag for chaining.
const typeTagKeyword = "x-unicity-type"

// minDataFlowConfidence is the cutoff for persisting a structural
// compatibility as a DataFlow edge.
const minDataFlowConfidence = 0.7

// Orchestrator is the composed warm state.
type Orchestrator struct {
	logger     *zap.Logger
	store      *store.Store
	cfg        *config.Config
	sup        *supervisor.Supervisor
	embeddings *embedding.Manager
	reasoner   *symbolic.Reasoner
	selector   *selector.Selector
	executor   *executor.Executor
	elic       *elicitation.Coordinator
	prompts    *registry.PromptRegistry
	resources  *registry.ResourceRegistry

	graph atomic.Pointer[graph.Graph]
}

// Options tune orchestrator construction.
type Options struct {
	Engine   embedding.Engine
	Fallback elicitation.FallbackPolicy
	BaseURL  string
}

// New wires the orchestrator together. Warmup must run before queries.
func New(s *store.Store, cfg *config.Config, opts Options, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Engine == nil {
		opts.Engine = embedding.NewHashEngine()
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "http://localhost:8080"
	}

	o := &Orchestrator{
		logger:     logger,
		store:      s,
		cfg:        cfg,
		sup:        supervisor.New(logger),
		embeddings: embedding.NewManager(opts.Engine, s, logger),
		reasoner:   symbolic.NewReasoner(logger),
		elic:       elicitation.NewCoordinator(s, opts.Fallback, opts.BaseURL, logger),
		prompts:    registry.NewPromptRegistry(logger),
		resources:  registry.NewResourceRegistry(logger),
	}
	o.graph.Store(graph.New())
	o.selector = selector.New(s, o.embeddings, o.reasoner, o.Graph, logger)
	o.executor = executor.New(s, o.sup, o.elic, logger)
	return o
}

// Accessors for the server layer.

func (o *Orchestrator) Store() *store.Store                    { return o.store }
func (o *Orchestrator) Supervisor() *supervisor.Supervisor     { return o.sup }
func (o *Orchestrator) Selector() *selector.Selector           { return o.selector }
func (o *Orchestrator) Executor() *executor.Executor           { return o.executor }
func (o *Orchestrator) Elicitations() *elicitation.Coordinator { return o.elic }
func (o *Orchestrator) Prompts() *registry.PromptRegistry      { return o.prompts }
func (o *Orchestrator) Resources() *registry.ResourceRegistry  { return o.resources }

// Graph returns the current knowledge graph. Rebuilds swap the pointer
// atomically, so callers never observe a mix of old and new nodes.
func (o *Orchestrator) Graph() *graph.Graph { return o.graph.Load() }

// Warmup runs the full pipeline: start children, index tools, normalize
// schemas, embed, derive DataFlow edges, rebuild the graph, load rules,
// and aggregate prompts and resources. Individual child failures are
// logged and skipped; warmup fails only when the store is unreachable.
func (o *Orchestrator) Warmup(ctx context.Context) (int, int, error) {
	if err := o.store.Ping(ctx); err != nil {
		return 0, 0, err
	}

	o.sup.Configure(o.cfg)
	o.sup.StartAll(ctx)

	services, tools := o.indexServices(ctx)

	if err := o.deriveCompatibilities(ctx); err != nil {
		o.logger.Warn("compatibility derivation failed", zap.Error(err))
	}

	newGraph, err := graph.Build(ctx, o.store, o.logger)
	if err != nil {
		return services, tools, err
	}
	o.graph.Store(newGraph)

	o.loadRules(ctx)

	promptSources := make([]registry.PromptSource, 0)
	resourceSources := make([]registry.ResourceSource, 0)
	for _, svc := range o.sup.Connected() {
		promptSources = append(promptSources, svc)
		resourceSources = append(resourceSources, svc)
	}
	promptCount := o.prompts.Discover(ctx, promptSources)
	resourceCount := o.resources.Discover(ctx, resourceSources)

	for _, svc := range o.sup.Connected() {
		svc.MarkIndexed()
	}

	_ = o.store.SetManifest(ctx, "last_warmup", map[string]any{
		"services":  services,
		"tools":     tools,
		"prompts":   promptCount,
		"resources": resourceCount,
		"embedding": o.embeddings.Model(),
		"at":        time.Now().UTC().Format(time.RFC3339),
	})

	o.logger.Info("warmup complete",
		zap.Int("services", services),
		zap.Int("tools", tools),
		zap.Int("prompts", promptCount),
		zap.Int("resources", resourceCount))
	return services, tools, nil
}

// indexServices persists service and tool records for every connected
// child and keeps embeddings current.
func (o *Orchestrator) indexServices(ctx context.Context) (int, int) {
	serviceCount, toolCount := 0, 0

	for _, svc := range o.sup.Connected() {
		cfg := svc.Config
		info := svc.Info()

		rec := &store.ServiceRecord{
			Name:     svc.Name,
			Disabled: cfg.Disabled,
			Transport: store.TransportSpec{
				Command:       cfg.Command,
				Args:          cfg.Args,
				Env:           cfg.Env,
				URL:           cfg.URL,
				Headers:       cfg.Headers,
				AutoApprove:   cfg.AutoApprove,
				DisabledTools: cfg.DisabledTools,
			},
		}
		if info != nil {
			rec.Title = info.Title
			if rec.Title == "" {
				rec.Title = info.Name
			}
			rec.Version = info.Version
		}
		if err := o.store.UpsertService(ctx, rec); err != nil {
			o.logger.Warn("service upsert failed", zap.String("service", svc.Name), zap.Error(err))
			continue
		}
		serviceCount++

		specs, err := svc.ListTools(ctx)
		if err != nil {
			o.logger.Warn("tool listing failed, omitting service tools",
				zap.String("service", svc.Name), zap.Error(err))
			continue
		}

		var keep []string
		for _, spec := range specs {
			tool, err := o.indexTool(ctx, rec, svc.Name, spec)
			if err != nil {
				o.logger.Warn("tool indexing failed",
					zap.String("service", svc.Name), zap.String("tool", spec.Name), zap.Error(err))
				continue
			}
			keep = append(keep, tool.Name)
			toolCount++
		}
		if err := o.store.DeleteToolsExcept(ctx, rec.ID, keep); err != nil {
			o.logger.Warn("stale tool cleanup failed", zap.String("service", svc.Name), zap.Error(err))
		}
	}
	return serviceCount, toolCount
}

// indexTool normalizes one tool's schemas, persists the record, and
// ensures its embedding is current.
func (o *Orchestrator) indexTool(ctx context.Context, service *store.ServiceRecord, serviceName string, spec supervisor.ToolSpec) (*store.ToolRecord, error) {
	inputSchema := spec.InputSchema
	if len(inputSchema) == 0 {
		inputSchema = json.RawMessage(`{"type":"object"}`)
	}
	normalized, warnings := schema.Normalize(inputSchema)
	for _, warning := range warnings {
		o.logger.Debug("schema normalization warning",
			zap.String("tool", spec.Name), zap.String("warning", warning))
	}
	normalizedRaw, err := json.Marshal(normalized)
	if err != nil {
		return nil, err
	}

	var outputRaw json.RawMessage
	if len(spec.OutputSchema) > 0 {
		outputNorm, _ := schema.Normalize(spec.OutputSchema)
		outputRaw, err = json.Marshal(outputNorm)
		if err != nil {
			return nil, err
		}
	}

	rec := &store.ToolRecord{
		ServiceID:    service.ID,
		ServiceName:  serviceName,
		Name:         spec.Name,
		Description:  spec.Description,
		InputSchema:  normalizedRaw,
		OutputSchema: outputRaw,
		InputTy:      typeTag(spec.InputSchema),
		OutputTy:     typeTag(spec.OutputSchema),
	}

	text := embedding.ToolText{
		Name:        rec.Name,
		Description: rec.Description,
		SchemaText:  normalized.CanonicalText(),
		InputTy:     rec.InputTy,
		OutputTy:    rec.OutputTy,
	}
	rec.ContentHash = embedding.ContentHash(text.Composite())

	if err := o.store.UpsertTool(ctx, rec); err != nil {
		return nil, err
	}
	if _, _, _, err := o.embeddings.EnsureToolEmbedding(ctx, rec.ID, text); err != nil {
		return nil, err
	}
	return rec, nil
}

// typeTag reads the optional URI-like type tag from a schema's
// x-unicity-type keyword.
func typeTag(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	var tag string
	if rawTag, ok := probe[typeTagKeyword]; ok {
		_ = json.Unmarshal(rawTag, &tag)
	}
	return tag
}

// deriveCompatibilities persists a DataFlow record for every tool pair
// whose output can feed the other's input: by matching type tags first,
// structural schema compatibility otherwise.
func (o *Orchestrator) deriveCompatibilities(ctx context.Context) error {
	tools, err := o.store.ListTools(ctx)
	if err != nil {
		return err
	}
	types := o.Graph().Types()

	for i := range tools {
		from := &tools[i]
		if from.OutputTy == "" && len(from.OutputSchema) == 0 {
			continue
		}
		var fromSchema *schema.TypedSchema
		if len(from.OutputSchema) > 0 {
			fromSchema, _ = schema.Normalize(from.OutputSchema)
		}
		for j := range tools {
			if i == j {
				continue
			}
			to := &tools[j]

			confidence := 0.0
			if from.OutputTy != "" && to.InputTy != "" {
				confidence = types.Compatible(from.OutputTy, to.InputTy)
			}
			if confidence == 0 && fromSchema != nil && len(to.InputSchema) > 0 {
				toSchema, _ := schema.Normalize(to.InputSchema)
				confidence = schema.Compatibility(fromSchema, toSchema)
			}
			if confidence < minDataFlowConfidence {
				continue
			}
			if err := o.store.SaveCompatibility(ctx, store.CompatibilityRecord{
				FromTool: from.ID, ToTool: to.ID, Confidence: confidence,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadRules swaps in persisted symbolic rules, keeping the built-in pack
// when the table is empty.
func (o *Orchestrator) loadRules(ctx context.Context) {
	records, err := o.store.ListActiveRules(ctx)
	if err != nil {
		o.logger.Warn("rule load failed, keeping built-in pack", zap.Error(err))
		return
	}
	if len(records) == 0 {
		return
	}
	var rules []symbolic.Rule
	for _, rec := range records {
		rule, err := symbolic.DecodeRule(rec.ID, rec.Name, rec.Description,
			rec.Antecedents, rec.Consequents, rec.Confidence, rec.Priority)
		if err != nil {
			o.logger.Warn("skipping undecodable rule", zap.String("rule", rec.ID), zap.Error(err))
			continue
		}
		rules = append(rules, rule)
	}
	if len(rules) > 0 {
		o.reasoner.SetRules(rules)
	}
	o.logger.Info("symbolic rules loaded", zap.Int("rules", len(rules)))
}

// ImportRulePack persists a YAML rule pack into the symbolic_rule table.
func (o *Orchestrator) ImportRulePack(ctx context.Context, data []byte) (int, error) {
	rules, err := symbolic.LoadRulePack(data)
	if err != nil {
		return 0, err
	}
	for _, rule := range rules {
		antecedents, err := symbolic.EncodeExprList(rule.Antecedents)
		if err != nil {
			return 0, err
		}
		consequents, err := symbolic.EncodeExprList(rule.Consequents)
		if err != nil {
			return 0, err
		}
		if err := o.store.SaveRule(ctx, &store.RuleRecord{
			ID:          rule.ID,
			Name:        rule.Name,
			Description: rule.Description,
			Antecedents: antecedents,
			Consequents: consequents,
			Confidence:  rule.Confidence,
			Priority:    rule.Priority,
			Active:      true,
		}); err != nil {
			return 0, err
		}
	}
	return len(rules), nil
}

// filterFor loads the user's preference-backed filter; anonymous callers
// get the allow-all filter.
func (o *Orchestrator) filterFor(ctx context.Context, user *auth.UserContext) (*selector.UserFilter, error) {
	if user == nil || user.Anonymous || user.UserID == "" {
		return selector.AllowAll(), nil
	}
	prefs, err := o.store.GetPreferences(ctx, user.UserID)
	if err != nil {
		return nil, err
	}
	return selector.FromPreferences(prefs), nil
}

// Query runs the selection pipeline for a user.
func (o *Orchestrator) Query(ctx context.Context, query string, queryContext map[string]any, user *auth.UserContext, opts selector.Options) ([]selector.Selection, error) {
	filter, err := o.filterFor(ctx, user)
	if err != nil {
		return nil, err
	}
	return o.selector.SelectTools(ctx, query, queryContext, filter, opts)
}

// Plan builds a tool chain for a goal.
func (o *Orchestrator) Plan(ctx context.Context, goal string, queryContext map[string]any, user *auth.UserContext) (*selector.Plan, error) {
	filter, err := o.filterFor(ctx, user)
	if err != nil {
		return nil, err
	}
	return o.selector.PlanTools(ctx, goal, queryContext, filter)
}

// Execute routes one call through the execution coordinator.
func (o *Orchestrator) Execute(ctx context.Context, req executor.Request) (*executor.Result, error) {
	return o.executor.Execute(ctx, req)
}

// Shutdown tears the warm state down in reverse bring-up order.
func (o *Orchestrator) Shutdown() {
	o.sup.Shutdown()
}
