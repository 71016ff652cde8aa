package supervisor

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/unicitynetwork/unicity-orchestrator/internal/config"
	"github.com/unicitynetwork/unicity-orchestrator/internal/uerr"
)

// State is a service's position in its lifecycle.
type State string

const (
	StateDisabled     State = "disabled"
	StateStarting     State = "starting"
	StateReady        State = "ready"
	StateIndexed      State = "indexed"
	StateFailed       State = "failed"
	StateReconnecting State = "reconnecting"
)

const (
	// defaultCallTimeout bounds a single child call.
	defaultCallTimeout = 60 * time.Second

	// queueSoftCap bounds calls waiting for a per-service slot; excess
	// fails fast with ServiceBusy.
	queueSoftCap = 64

	backoffInitial = 500 * time.Millisecond
	backoffCap     = 30 * time.Second
)

// Service is one supervised child. Stdio children serialize to a single
// in-flight call; HTTP children allow bounded concurrency.
type Service struct {
	Name   string
	Config config.ServerConfig
	logger *zap.Logger

	mu        sync.RWMutex
	state     State
	info      *ServerInfo
	transport Transport
	backoff   time.Duration

	slots  chan struct{}
	queued int32

	reconnecting int32

	// newTransport overrides transport construction in tests.
	newTransport func() Transport
}

func newService(name string, cfg config.ServerConfig, logger *zap.Logger) *Service {
	slots := 1
	if !cfg.IsStdio() {
		slots = 8
	}
	state := StateStarting
	if cfg.Disabled {
		state = StateDisabled
	}
	return &Service{
		Name:    name,
		Config:  cfg,
		logger:  logger.With(zap.String("service", name)),
		state:   state,
		backoff: backoffInitial,
		slots:   make(chan struct{}, slots),
	}
}

// ServiceName returns the configured name. Method form for interfaces
// that cannot reach the field.
func (svc *Service) ServiceName() string { return svc.Name }

// State returns the current lifecycle state.
func (svc *Service) State() State {
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	return svc.state
}

// Info returns the handshake server info, or nil before the first
// successful connect.
func (svc *Service) Info() *ServerInfo {
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	return svc.info
}

func (svc *Service) setState(state State) {
	svc.mu.Lock()
	svc.state = state
	svc.mu.Unlock()
}

// Start connects the service. Failures leave it in Failed; an admin
// rediscover restarts from Starting.
func (svc *Service) Start(ctx context.Context) error {
	svc.mu.Lock()
	if svc.state == StateDisabled {
		svc.mu.Unlock()
		return nil
	}
	svc.state = StateStarting
	old := svc.transport
	transport := svc.buildTransport()
	svc.transport = transport
	svc.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	info, err := transport.Connect(ctx)
	if err != nil {
		svc.setState(StateFailed)
		svc.logger.Warn("service failed to start", zap.Error(err))
		return err
	}

	svc.mu.Lock()
	svc.state = StateReady
	svc.info = info
	svc.backoff = backoffInitial
	svc.mu.Unlock()
	svc.logger.Info("service ready",
		zap.String("server", info.Name),
		zap.String("version", info.Version))
	return nil
}

func (svc *Service) buildTransport() Transport {
	if svc.newTransport != nil {
		return svc.newTransport()
	}
	if svc.Config.IsStdio() {
		return NewStdioTransport(svc.Config.Command, svc.Config.Args, svc.Config.Env, svc.logger)
	}
	return NewHTTPTransport(svc.Config.URL, svc.Config.Headers, defaultCallTimeout, svc.logger)
}

// MarkIndexed records that listing completed for this warmup.
func (svc *Service) MarkIndexed() { svc.setState(StateIndexed) }

// Stop closes the transport.
func (svc *Service) Stop() {
	svc.mu.Lock()
	transport := svc.transport
	svc.transport = nil
	if svc.state != StateDisabled {
		svc.state = StateFailed
	}
	svc.mu.Unlock()
	if transport != nil {
		_ = transport.Close()
	}
}

// call routes one request through the per-service slot discipline.
func (svc *Service) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	svc.mu.RLock()
	state := svc.state
	transport := svc.transport
	svc.mu.RUnlock()

	if state != StateReady && state != StateIndexed {
		return nil, uerr.New(uerr.TagServiceUnavailable, "service %s is %s", svc.Name, state)
	}
	if transport == nil {
		return nil, uerr.New(uerr.TagServiceUnavailable, "service %s has no transport", svc.Name)
	}

	if atomic.AddInt32(&svc.queued, 1) > queueSoftCap {
		atomic.AddInt32(&svc.queued, -1)
		return nil, uerr.New(uerr.TagServiceBusy, "service %s has %d queued calls", svc.Name, queueSoftCap)
	}
	defer atomic.AddInt32(&svc.queued, -1)

	select {
	case svc.slots <- struct{}{}:
		defer func() { <-svc.slots }()
	case <-ctx.Done():
		return nil, uerr.Transport(false, ctx.Err(), "waiting for %s slot", svc.Name)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultCallTimeout)
		defer cancel()
	}

	raw, err := svc.call0(ctx, transport, method, params)
	if err != nil && uerr.IsRetryable(err) {
		svc.beginReconnect()
	}
	return raw, err
}

func (svc *Service) call0(ctx context.Context, transport Transport, method string, params any) (json.RawMessage, error) {
	return transport.Call(ctx, method, params)
}

// beginReconnect transitions to Reconnecting and retries the connection
// with exponential backoff until it succeeds or the service is stopped.
func (svc *Service) beginReconnect() {
	if !atomic.CompareAndSwapInt32(&svc.reconnecting, 0, 1) {
		return
	}
	svc.setState(StateReconnecting)
	go func() {
		defer atomic.StoreInt32(&svc.reconnecting, 0)
		for {
			svc.mu.Lock()
			if svc.state != StateReconnecting {
				svc.mu.Unlock()
				return
			}
			wait := svc.backoff
			svc.backoff *= 2
			if svc.backoff > backoffCap {
				svc.backoff = backoffCap
			}
			old := svc.transport
			svc.mu.Unlock()

			if old != nil {
				_ = old.Close()
			}
			time.Sleep(wait)
			if svc.State() != StateReconnecting {
				return
			}

			ctx, cancel := context.WithTimeout(context.Background(), defaultCallTimeout)
			err := svc.Start(ctx)
			cancel()
			if err == nil {
				svc.logger.Info("service reconnected")
				return
			}
			svc.setState(StateReconnecting)
		}
	}()
}

// ListTools asks the child for its tool list.
func (svc *Service) ListTools(ctx context.Context) ([]ToolSpec, error) {
	raw, err := svc.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		Tools []ToolSpec `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, uerr.Wrap(uerr.TagTransport, err, "parse tools/list from %s", svc.Name)
	}
	out := result.Tools[:0]
	for _, tool := range result.Tools {
		if svc.Config.ToolDisabled(tool.Name) {
			continue
		}
		out = append(out, tool)
	}
	return out, nil
}

// ListPrompts asks the child for its prompt list. Children without the
// prompts capability return an empty list.
func (svc *Service) ListPrompts(ctx context.Context) ([]PromptSpec, error) {
	if info := svc.Info(); info != nil && !info.Capabilities.Prompts {
		return nil, nil
	}
	raw, err := svc.call(ctx, "prompts/list", nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		Prompts []PromptSpec `json:"prompts"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, uerr.Wrap(uerr.TagTransport, err, "parse prompts/list from %s", svc.Name)
	}
	return result.Prompts, nil
}

// ListResources asks the child for its resources and resource templates.
func (svc *Service) ListResources(ctx context.Context) ([]ResourceSpec, []ResourceTemplateSpec, error) {
	if info := svc.Info(); info != nil && !info.Capabilities.Resources {
		return nil, nil, nil
	}
	raw, err := svc.call(ctx, "resources/list", nil)
	if err != nil {
		return nil, nil, err
	}
	var result struct {
		Resources []ResourceSpec `json:"resources"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, nil, uerr.Wrap(uerr.TagTransport, err, "parse resources/list from %s", svc.Name)
	}

	var templates []ResourceTemplateSpec
	if rawT, err := svc.call(ctx, "resources/templates/list", nil); err == nil {
		var tResult struct {
			ResourceTemplates []ResourceTemplateSpec `json:"resourceTemplates"`
		}
		if json.Unmarshal(rawT, &tResult) == nil {
			templates = tResult.ResourceTemplates
		}
	}
	return result.Resources, templates, nil
}

// CallTool invokes a tool on the child with the original arguments.
func (svc *Service) CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	raw, err := svc.call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}
	var result CallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, uerr.Wrap(uerr.TagTransport, err, "parse tools/call from %s", svc.Name)
	}
	return &result, nil
}

// GetPrompt fetches a rendered prompt from the child.
func (svc *Service) GetPrompt(ctx context.Context, name string, args map[string]string) (*GetPromptResult, error) {
	raw, err := svc.call(ctx, "prompts/get", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}
	var result GetPromptResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, uerr.Wrap(uerr.TagTransport, err, "parse prompts/get from %s", svc.Name)
	}
	return &result, nil
}

// ReadResource reads a resource from the child.
func (svc *Service) ReadResource(ctx context.Context, uri string) (*ReadResourceResult, error) {
	raw, err := svc.call(ctx, "resources/read", map[string]any{"uri": uri})
	if err != nil {
		return nil, err
	}
	var result ReadResourceResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, uerr.Wrap(uerr.TagTransport, err, "parse resources/read from %s", svc.Name)
	}
	return &result, nil
}

// Subscribe registers interest in a resource on the child.
func (svc *Service) Subscribe(ctx context.Context, uri string) error {
	_, err := svc.call(ctx, "resources/subscribe", map[string]any{"uri": uri})
	return err
}

// Unsubscribe removes interest in a resource on the child.
func (svc *Service) Unsubscribe(ctx context.Context, uri string) error {
	_, err := svc.call(ctx, "resources/unsubscribe", map[string]any{"uri": uri})
	return err
}
