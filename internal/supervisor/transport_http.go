package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/unicitynetwork/unicity-orchestrator/internal/uerr"
)

// HTTPTransport speaks streamable-HTTP MCP with a remote endpoint: each
// JSON-RPC request is a POST, the session id from the handshake rides
// along in the Mcp-Session-Id header.
type HTTPTransport struct {
	url     string
	headers map[string]string
	client  *http.Client
	logger  *zap.Logger

	nextID    int64
	mu        sync.RWMutex
	sessionID string
	connected bool
}

// NewHTTPTransport creates a transport for a remote MCP endpoint.
func NewHTTPTransport(url string, headers map[string]string, timeout time.Duration, logger *zap.Logger) *HTTPTransport {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPTransport{
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Connect performs the MCP handshake against the endpoint.
func (t *HTTPTransport) Connect(ctx context.Context) (*ServerInfo, error) {
	raw, err := t.Call(ctx, "initialize", initializeParams())
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()

	info := parseInitializeResult(raw, t.url)
	t.notify(ctx, "notifications/initialized")
	return info, nil
}

// Call posts one JSON-RPC request.
func (t *HTTPTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := atomic.AddInt64(&t.nextID, 1)
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, uerr.Wrap(uerr.TagInternal, err, "marshal %s request", method)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, uerr.Wrap(uerr.TagInternal, err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	t.mu.RLock()
	if t.sessionID != "" {
		req.Header.Set("Mcp-Session-Id", t.sessionID)
	}
	t.mu.RUnlock()

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, uerr.Transport(true, err, "%s to %s", method, t.url)
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}
	if resp.StatusCode >= 500 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, uerr.Transport(true, nil, "%s returned %d: %s", t.url, resp.StatusCode, string(msg))
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, uerr.Transport(false, nil, "%s returned %d: %s", t.url, resp.StatusCode, string(msg))
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, uerr.Transport(true, err, "decode %s response", method)
	}
	if rpcResp.Error != nil {
		return nil, uerr.Wrap(uerr.TagTransport, rpcResp.Error, "%s failed", method)
	}
	return rpcResp.Result, nil
}

func (t *HTTPTransport) notify(ctx context.Context, method string) {
	body, err := json.Marshal(rpcNotification{JSONRPC: "2.0", Method: method})
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	t.mu.RLock()
	if t.sessionID != "" {
		req.Header.Set("Mcp-Session-Id", t.sessionID)
	}
	t.mu.RUnlock()
	if resp, err := t.client.Do(req); err == nil {
		resp.Body.Close()
	}
}

// Close drops the session.
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	t.connected = false
	t.sessionID = ""
	t.mu.Unlock()
	return nil
}

var _ Transport = (*HTTPTransport)(nil)

func (t *HTTPTransport) String() string {
	return fmt.Sprintf("http(%s)", t.url)
}
