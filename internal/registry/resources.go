package registry

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/unicitynetwork/unicity-orchestrator/internal/supervisor"
	"github.com/unicitynetwork/unicity-orchestrator/internal/uerr"
)

// ResourceSource is the slice of a supervised service the resource
// registry needs.
type ResourceSource interface {
	ServiceName() string
	ListResources(ctx context.Context) ([]supervisor.ResourceSpec, []supervisor.ResourceTemplateSpec, error)
	ReadResource(ctx context.Context, uri string) (*supervisor.ReadResourceResult, error)
	Subscribe(ctx context.Context, uri string) error
	Unsubscribe(ctx context.Context, uri string) error
}

// maxURILength bounds accepted resource URIs.
const maxURILength = 4096

// ResourceEntry is one registered resource and its owning service.
type ResourceEntry struct {
	URI     string
	Service ResourceSource
	Spec    supervisor.ResourceSpec
}

// TemplateEntry is a URI template exposed verbatim.
type TemplateEntry struct {
	Service ResourceSource
	Spec    supervisor.ResourceTemplateSpec
}

// ResourceRegistry owns the aggregated resource namespace.
// First-writer-wins on URI conflicts (lowercase key). Subscriptions are
// tracked per session; changes fire the listChanged hook.
type ResourceRegistry struct {
	mu            sync.RWMutex
	byURI         map[string]ResourceEntry // key: lowercase URI
	templates     []TemplateEntry
	subscriptions map[string]map[string]bool // session -> set of URIs
	onListChanged func()
	logger        *zap.Logger
}

// NewResourceRegistry creates an empty registry.
func NewResourceRegistry(logger *zap.Logger) *ResourceRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResourceRegistry{
		byURI:         map[string]ResourceEntry{},
		subscriptions: map[string]map[string]bool{},
		logger:        logger,
	}
}

// SetOnListChanged installs the hook fired after a rebuild changes the
// exposed list.
func (r *ResourceRegistry) SetOnListChanged(fn func()) {
	r.mu.Lock()
	r.onListChanged = fn
	r.mu.Unlock()
}

// ValidateURI enforces the safety rules on resource URIs.
func ValidateURI(uri string) error {
	var violations []string
	if !strings.Contains(uri, "://") {
		violations = append(violations, "uri: missing scheme separator")
	}
	if len(uri) > maxURILength {
		violations = append(violations, "uri: exceeds 4096 characters")
	}
	if strings.Contains(uri, "../") {
		violations = append(violations, "uri: path traversal not allowed")
	}
	if strings.ContainsRune(uri, 0) {
		violations = append(violations, "uri: NUL byte not allowed")
	}
	if len(violations) > 0 {
		return uerr.Validation(violations)
	}
	return nil
}

// Discover rebuilds the registry from the given services.
func (r *ResourceRegistry) Discover(ctx context.Context, services []ResourceSource) int {
	byURI := map[string]ResourceEntry{}
	var templates []TemplateEntry
	count := 0

	ordered := make([]ResourceSource, len(services))
	copy(ordered, services)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ServiceName() < ordered[j].ServiceName() })

	for _, svc := range ordered {
		resources, templateSpecs, err := svc.ListResources(ctx)
		if err != nil {
			r.logger.Warn("resource discovery failed",
				zap.String("service", svc.ServiceName()), zap.Error(err))
			continue
		}
		for _, spec := range resources {
			if err := ValidateURI(spec.URI); err != nil {
				r.logger.Warn("skipping resource with invalid URI",
					zap.String("service", svc.ServiceName()), zap.String("uri", spec.URI))
				continue
			}
			key := strings.ToLower(spec.URI)
			if _, taken := byURI[key]; taken {
				continue // first writer wins
			}
			byURI[key] = ResourceEntry{URI: spec.URI, Service: svc, Spec: spec}
			count++
		}
		for _, spec := range templateSpecs {
			templates = append(templates, TemplateEntry{Service: svc, Spec: spec})
		}
	}

	r.mu.Lock()
	changed := len(byURI) != len(r.byURI) || len(templates) != len(r.templates)
	for key := range byURI {
		if _, ok := r.byURI[key]; !ok {
			changed = true
			break
		}
	}
	for i := 0; !changed && i < len(templates); i++ {
		changed = templates[i].Spec.URITemplate != r.templates[i].Spec.URITemplate
	}
	r.byURI = byURI
	r.templates = templates
	hook := r.onListChanged
	r.mu.Unlock()

	if changed && hook != nil {
		hook()
	}
	return count
}

// List returns every registered resource, sorted by URI.
func (r *ResourceRegistry) List() []supervisor.ResourceSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]supervisor.ResourceSpec, 0, len(r.byURI))
	for _, entry := range r.byURI {
		out = append(out, entry.Spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

// Templates returns every template, verbatim, sorted by template.
func (r *ResourceRegistry) Templates() []supervisor.ResourceTemplateSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]supervisor.ResourceTemplateSpec, 0, len(r.templates))
	for _, entry := range r.templates {
		out = append(out, entry.Spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URITemplate < out[j].URITemplate })
	return out
}

// Read validates the URI, resolves its owner (exact entry first, then
// template match), and forwards resources/read.
func (r *ResourceRegistry) Read(ctx context.Context, uri string) (*supervisor.ReadResourceResult, error) {
	if err := ValidateURI(uri); err != nil {
		return nil, err
	}
	svc, err := r.ownerOf(uri)
	if err != nil {
		return nil, err
	}
	return svc.ReadResource(ctx, uri)
}

func (r *ResourceRegistry) ownerOf(uri string) (ResourceSource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entry, ok := r.byURI[strings.ToLower(uri)]; ok {
		return entry.Service, nil
	}
	for _, tmpl := range r.templates {
		if templateMatches(tmpl.Spec.URITemplate, uri) {
			return tmpl.Service, nil
		}
	}
	return nil, uerr.New(uerr.TagElicitationNotFound, "no resource %q", uri)
}

// Subscribe adds the URI to the session's set and forwards the
// subscription to the owning child.
func (r *ResourceRegistry) Subscribe(ctx context.Context, session, uri string) error {
	if err := ValidateURI(uri); err != nil {
		return err
	}
	svc, err := r.ownerOf(uri)
	if err != nil {
		return err
	}
	if err := svc.Subscribe(ctx, uri); err != nil {
		return err
	}
	r.mu.Lock()
	if r.subscriptions[session] == nil {
		r.subscriptions[session] = map[string]bool{}
	}
	r.subscriptions[session][uri] = true
	r.mu.Unlock()
	return nil
}

// Unsubscribe removes the URI from the session's set.
func (r *ResourceRegistry) Unsubscribe(ctx context.Context, session, uri string) error {
	svc, err := r.ownerOf(uri)
	if err != nil {
		return err
	}
	if err := svc.Unsubscribe(ctx, uri); err != nil {
		return err
	}
	r.mu.Lock()
	if set := r.subscriptions[session]; set != nil {
		delete(set, uri)
		if len(set) == 0 {
			delete(r.subscriptions, session)
		}
	}
	r.mu.Unlock()
	return nil
}

// Subscriptions returns the session's subscribed URIs, sorted.
func (r *ResourceRegistry) Subscriptions(session string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for uri := range r.subscriptions[session] {
		out = append(out, uri)
	}
	sort.Strings(out)
	return out
}

// DropSession clears a disconnected session's subscriptions.
func (r *ResourceRegistry) DropSession(session string) {
	r.mu.Lock()
	delete(r.subscriptions, session)
	r.mu.Unlock()
}

// templateMatches reports whether a URI instantiates a template like
// git://{repo}/file/{path}. {x} in the final position may span path
// segments; elsewhere it matches one segment.
func templateMatches(template, uri string) bool {
	var sb strings.Builder
	sb.WriteString("^")
	rest := template
	for {
		open := strings.Index(rest, "{")
		if open < 0 {
			sb.WriteString(regexp.QuoteMeta(rest))
			break
		}
		closing := strings.Index(rest[open:], "}")
		if closing < 0 {
			sb.WriteString(regexp.QuoteMeta(rest))
			break
		}
		sb.WriteString(regexp.QuoteMeta(rest[:open]))
		rest = rest[open+closing+1:]
		if rest == "" {
			sb.WriteString(`.+`)
		} else {
			sb.WriteString(`[^/]+`)
		}
	}
	sb.WriteString("$")
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return false
	}
	return re.MatchString(uri)
}
