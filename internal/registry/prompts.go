// Package registry aggregates prompts and resources from every child
// service into a single de-conflicted surface.
package registry

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/unicitynetwork/unicity-orchestrator/internal/elicitation"
	"github.com/unicitynetwork/unicity-orchestrator/internal/supervisor"
	"github.com/unicitynetwork/unicity-orchestrator/internal/uerr"
)

// PromptSource is the slice of a supervised service the prompt registry
// needs.
type PromptSource interface {
	ServiceName() string
	ListPrompts(ctx context.Context) ([]supervisor.PromptSpec, error)
	GetPrompt(ctx context.Context, name string, args map[string]string) (*supervisor.GetPromptResult, error)
}

// Name and argument-key grammar shared by prompts.
var promptNamePattern = regexp.MustCompile(`^[A-Za-z0-9_\-:]{1,256}$`)

// maxPromptArgs bounds the argument map size.
const maxPromptArgs = 100

// PromptEntry is one registered prompt and its owning service.
type PromptEntry struct {
	Name    string
	Service PromptSource
	Spec    supervisor.PromptSpec
}

// PromptRegistry owns the aggregated prompt namespace. The first service
// (by ascending service name) to publish a name owns the bare name;
// every publication also gets the service-qualified alias.
type PromptRegistry struct {
	mu      sync.RWMutex
	bare    map[string]PromptEntry // key: lowercase bare name
	aliases map[string]PromptEntry // key: lowercase "service:name"
	logger  *zap.Logger
}

// NewPromptRegistry creates an empty registry.
func NewPromptRegistry(logger *zap.Logger) *PromptRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PromptRegistry{
		bare:    map[string]PromptEntry{},
		aliases: map[string]PromptEntry{},
		logger:  logger,
	}
}

// Discover rebuilds the registry from the given services. Services are
// ordered by name first so bare-name ownership is deterministic.
func (r *PromptRegistry) Discover(ctx context.Context, services []PromptSource) int {
	bare := map[string]PromptEntry{}
	aliases := map[string]PromptEntry{}
	count := 0

	ordered := make([]PromptSource, len(services))
	copy(ordered, services)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ServiceName() < ordered[j].ServiceName() })

	for _, svc := range ordered {
		prompts, err := svc.ListPrompts(ctx)
		if err != nil {
			r.logger.Warn("prompt discovery failed",
				zap.String("service", svc.ServiceName()), zap.Error(err))
			continue
		}
		for _, spec := range prompts {
			if !promptNamePattern.MatchString(spec.Name) {
				r.logger.Warn("skipping prompt with invalid name",
					zap.String("service", svc.ServiceName()), zap.String("name", spec.Name))
				continue
			}
			entry := PromptEntry{Name: spec.Name, Service: svc, Spec: spec}
			key := strings.ToLower(spec.Name)
			if _, taken := bare[key]; !taken {
				bare[key] = entry
			}
			aliases[strings.ToLower(svc.ServiceName()+":"+spec.Name)] = entry
			count++
		}
	}

	r.mu.Lock()
	r.bare = bare
	r.aliases = aliases
	r.mu.Unlock()
	return count
}

// List returns every exposed prompt name: owned bare names plus all
// service-qualified aliases, sorted.
func (r *PromptRegistry) List() []supervisor.PromptSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []supervisor.PromptSpec
	for _, entry := range r.bare {
		out = append(out, entry.Spec)
	}
	for key, entry := range r.aliases {
		spec := entry.Spec
		spec.Name = key
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve finds a prompt entry: exact bare name, alias table,
// service:name parse, then case-insensitive fallback.
func (r *PromptRegistry) Resolve(name string) (PromptEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entry, ok := r.bare[strings.ToLower(name)]; ok && entry.Name == name {
		return entry, nil
	}
	if entry, ok := r.aliases[strings.ToLower(name)]; ok {
		return entry, nil
	}
	if service, prompt, found := strings.Cut(name, ":"); found {
		if entry, ok := r.aliases[strings.ToLower(service+":"+prompt)]; ok {
			return entry, nil
		}
	}
	if entry, ok := r.bare[strings.ToLower(name)]; ok {
		return entry, nil
	}
	return PromptEntry{}, uerr.New(uerr.TagElicitationNotFound, "no prompt named %q", name)
}

// Get resolves and forwards a prompts/get call, with provenance on the
// first text message.
func (r *PromptRegistry) Get(ctx context.Context, name string, args map[string]string) (*supervisor.GetPromptResult, error) {
	if err := validatePromptArgs(args); err != nil {
		return nil, err
	}
	entry, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	result, err := entry.Service.GetPrompt(ctx, entry.Name, args)
	if err != nil {
		return nil, err
	}
	for i := range result.Messages {
		if result.Messages[i].Content.Type == "text" {
			result.Messages[i].Content.Text = elicitation.Provenance(entry.Service.ServiceName(), result.Messages[i].Content.Text)
			break
		}
	}
	return result, nil
}

func validatePromptArgs(args map[string]string) error {
	if len(args) > maxPromptArgs {
		return uerr.Validation([]string{"arguments: more than 100 entries"})
	}
	var violations []string
	for key := range args {
		if !promptNamePattern.MatchString(key) {
			violations = append(violations, "arguments: invalid key "+key)
		}
	}
	if len(violations) > 0 {
		sort.Strings(violations)
		return uerr.Validation(violations)
	}
	return nil
}
