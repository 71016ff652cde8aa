package supervisor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unicitynetwork/unicity-orchestrator/internal/config"
	"github.com/unicitynetwork/unicity-orchestrator/internal/uerr"
)

// fakeTransport scripts child responses per method.
type fakeTransport struct {
	mu       sync.Mutex
	results  map[string]json.RawMessage
	failWith error
	calls    []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{results: map[string]json.RawMessage{
		"tools/list":   json.RawMessage(`{"tools":[{"name":"read_file","description":"read file contents","inputSchema":{"type":"object"}}]}`),
		"prompts/list": json.RawMessage(`{"prompts":[]}`),
		"tools/call":   json.RawMessage(`{"content":[{"type":"text","text":"ok"}]}`),
	}}
}

func (f *fakeTransport) Connect(context.Context) (*ServerInfo, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	return &ServerInfo{Name: "fake", Version: "1.0", Capabilities: Capabilities{Tools: true}}, nil
}

func (f *fakeTransport) Call(_ context.Context, method string, _ any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	f.calls = append(f.calls, method)
	if raw, ok := f.results[method]; ok {
		return raw, nil
	}
	return json.RawMessage(`{}`), nil
}

func (f *fakeTransport) Close() error { return nil }

func testService(t *testing.T, transport Transport, cfg config.ServerConfig) *Service {
	t.Helper()
	svc := newService("fake", cfg, zap.NewNop())
	svc.newTransport = func() Transport { return transport }
	return svc
}

func TestServiceLifecycle(t *testing.T) {
	svc := testService(t, newFakeTransport(), config.ServerConfig{Command: "fake"})
	assert.Equal(t, StateStarting, svc.State())

	require.NoError(t, svc.Start(context.Background()))
	assert.Equal(t, StateReady, svc.State())

	tools, err := svc.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "read_file", tools[0].Name)

	svc.MarkIndexed()
	assert.Equal(t, StateIndexed, svc.State())
}

func TestServiceDisabledNeverStarts(t *testing.T) {
	svc := testService(t, newFakeTransport(), config.ServerConfig{Command: "fake", Disabled: true})
	assert.Equal(t, StateDisabled, svc.State())
	require.NoError(t, svc.Start(context.Background()))
	assert.Equal(t, StateDisabled, svc.State())
}

func TestCallOnNonReadyServiceFails(t *testing.T) {
	svc := testService(t, newFakeTransport(), config.ServerConfig{Command: "fake"})
	_, err := svc.CallTool(context.Background(), "read_file", nil)
	assert.Equal(t, uerr.TagServiceUnavailable, uerr.TagOf(err))
}

func TestDisabledToolsFilteredFromListing(t *testing.T) {
	svc := testService(t, newFakeTransport(), config.ServerConfig{
		Command:       "fake",
		DisabledTools: []string{"read_file"},
	})
	require.NoError(t, svc.Start(context.Background()))
	tools, err := svc.ListTools(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tools)
}

func TestFailedStartLeavesServiceFailed(t *testing.T) {
	transport := newFakeTransport()
	transport.failWith = uerr.Transport(true, nil, "boom")
	svc := testService(t, transport, config.ServerConfig{Command: "fake"})

	require.Error(t, svc.Start(context.Background()))
	assert.Equal(t, StateFailed, svc.State())
}

func TestSupervisorConfigureAndStartAll(t *testing.T) {
	cfg := &config.Config{MCPServers: map[string]config.ServerConfig{
		"alpha": {Command: "alpha-server"},
		"beta":  {URL: "http://localhost:9999/mcp"},
		"gamma": {Command: "gamma-server", Disabled: true},
	}}

	s := New(nil)
	s.Configure(cfg)

	all := s.All()
	require.Len(t, all, 3)
	assert.Equal(t, "alpha", all[0].Name)

	// Swap in fakes before starting so no process spawns.
	for _, svc := range all {
		transport := newFakeTransport()
		svc.newTransport = func() Transport { return transport }
	}
	s.StartAll(context.Background())

	assert.Equal(t, StateReady, all[0].State())
	assert.Equal(t, StateReady, all[1].State())
	assert.Equal(t, StateDisabled, all[2].State())
	assert.Len(t, s.Connected(), 2)

	// Removing a service from config drops it.
	delete(cfg.MCPServers, "beta")
	s.Configure(cfg)
	_, ok := s.Get("beta")
	assert.False(t, ok)
}

func TestCallToolRoutesToService(t *testing.T) {
	cfg := &config.Config{MCPServers: map[string]config.ServerConfig{
		"alpha": {Command: "alpha-server"},
	}}
	s := New(nil)
	s.Configure(cfg)
	svc, _ := s.Get("alpha")
	svc.newTransport = func() Transport { return newFakeTransport() }
	s.StartAll(context.Background())

	result, err := s.CallTool(context.Background(), "alpha", "read_file", map[string]any{"path": "/tmp/x"})
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "ok", result.Content[0].Text)

	_, err = s.CallTool(context.Background(), "missing", "x", nil)
	assert.Equal(t, uerr.TagServiceUnavailable, uerr.TagOf(err))
}
