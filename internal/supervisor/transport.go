package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
)

// Transport moves JSON-RPC messages between the orchestrator and one
// child service. Implementations handle the initialize handshake in
// Connect and are safe for concurrent Call use; serialization policy
// lives in Service, not here.
type Transport interface {
	// Connect establishes the session and performs the MCP handshake.
	Connect(ctx context.Context) (*ServerInfo, error)

	// Call sends a request and returns the raw result.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Close tears the session down.
	Close() error
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// initializeParams is the body of the initialize request.
func initializeParams() map[string]any {
	return map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]string{
			"name":    "unicity-orchestrator",
			"version": "1.0.0",
		},
	}
}

// parseInitializeResult decodes the handshake response into ServerInfo.
func parseInitializeResult(raw json.RawMessage, fallbackName string) *ServerInfo {
	var result struct {
		Capabilities map[string]json.RawMessage `json:"capabilities"`
		ServerInfo   ServerInfo                 `json:"serverInfo"`
	}
	info := &ServerInfo{Name: fallbackName}
	if err := json.Unmarshal(raw, &result); err == nil {
		if result.ServerInfo.Name != "" {
			info.Name = result.ServerInfo.Name
		}
		info.Title = result.ServerInfo.Title
		info.Version = result.ServerInfo.Version
		_, info.Capabilities.Tools = result.Capabilities["tools"]
		_, info.Capabilities.Prompts = result.Capabilities["prompts"]
		_, info.Capabilities.Resources = result.Capabilities["resources"]
	}
	return info
}
