package supervisor

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/unicitynetwork/unicity-orchestrator/internal/config"
	"github.com/unicitynetwork/unicity-orchestrator/internal/uerr"
)

// Supervisor owns one Service per configuration entry. The service map is
// guarded by a read-write lock; call routing is per-service.
type Supervisor struct {
	logger *zap.Logger

	mu       sync.RWMutex
	services map[string]*Service

	// transportFactory overrides transport construction, for embedding
	// the supervisor in tests and alternate runtimes.
	transportFactory func(name string, cfg config.ServerConfig) Transport
}

// SetTransportFactory installs a custom transport constructor. Must be
// called before Configure.
func (s *Supervisor) SetTransportFactory(factory func(name string, cfg config.ServerConfig) Transport) {
	s.mu.Lock()
	s.transportFactory = factory
	s.mu.Unlock()
}

// New creates an empty supervisor.
func New(logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{logger: logger, services: map[string]*Service{}}
}

// Configure creates or replaces service entries from the configuration.
// Entries removed from the config are stopped and dropped; running
// services whose entry is unchanged are kept.
func (s *Supervisor) Configure(cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := map[string]bool{}
	for name, sc := range cfg.MCPServers {
		seen[name] = true
		existing, ok := s.services[name]
		if ok && existing.Config.Fingerprint() == sc.Fingerprint() {
			continue
		}
		if ok {
			existing.Stop()
		}
		svc := newService(name, sc, s.logger)
		if s.transportFactory != nil {
			name, sc := name, sc
			svc.newTransport = func() Transport { return s.transportFactory(name, sc) }
		}
		s.services[name] = svc
	}
	for name, svc := range s.services {
		if !seen[name] {
			svc.Stop()
			delete(s.services, name)
		}
	}
}

// StartAll connects every non-disabled service in parallel. A failing
// child never fails warmup; it is left in Failed and its tools are
// omitted until it recovers.
func (s *Supervisor) StartAll(ctx context.Context) {
	services := s.All()

	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range services {
		if svc.State() == StateDisabled {
			continue
		}
		svc := svc
		g.Go(func() error {
			// Errors are absorbed: warmup tolerates failed children.
			_ = svc.Start(gctx)
			return nil
		})
	}
	_ = g.Wait()
}

// Restart re-runs the start sequence for one service (admin rediscover).
func (s *Supervisor) Restart(ctx context.Context, name string) error {
	svc, ok := s.Get(name)
	if !ok {
		return uerr.New(uerr.TagServiceUnavailable, "unknown service %s", name)
	}
	svc.Stop()
	return svc.Start(ctx)
}

// Get returns the service with the given name.
func (s *Supervisor) Get(name string) (*Service, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.services[name]
	return svc, ok
}

// All returns every service sorted by name.
func (s *Supervisor) All() []*Service {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Service, 0, len(s.services))
	for _, svc := range s.services {
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Connected returns the services currently able to take calls, sorted by
// name.
func (s *Supervisor) Connected() []*Service {
	var out []*Service
	for _, svc := range s.All() {
		if st := svc.State(); st == StateReady || st == StateIndexed {
			out = append(out, svc)
		}
	}
	return out
}

// CallTool routes a call to the named service.
func (s *Supervisor) CallTool(ctx context.Context, serviceName, toolName string, args map[string]any) (*CallResult, error) {
	svc, ok := s.Get(serviceName)
	if !ok {
		return nil, uerr.New(uerr.TagServiceUnavailable, "unknown service %s", serviceName)
	}
	return svc.CallTool(ctx, toolName, args)
}

// Shutdown stops every service, in reverse name order (teardown mirrors
// bring-up).
func (s *Supervisor) Shutdown() {
	services := s.All()
	for i := len(services) - 1; i >= 0; i-- {
		services[i].Stop()
	}
}
