// Package supervisor manages the fleet of child MCP services: spawning
// stdio children, attaching to HTTP endpoints, listing what they expose,
// and routing calls with per-service serialization and reconnect.
package supervisor

import "encoding/json"

// ProtocolVersion is the MCP protocol revision spoken with children.
const ProtocolVersion = "2025-06-18"

// ServerInfo is what a child reports during the initialize handshake.
type ServerInfo struct {
	Name         string       `json:"name"`
	Title        string       `json:"title,omitempty"`
	Version      string       `json:"version,omitempty"`
	Capabilities Capabilities `json:"-"`
}

// Capabilities advertises which surfaces a child exposes.
type Capabilities struct {
	Tools     bool
	Prompts   bool
	Resources bool
}

// ToolSpec is a tool as listed by a child service.
type ToolSpec struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
}

// PromptArgument describes one argument of a prompt.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// PromptSpec is a prompt as listed by a child service.
type PromptSpec struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// ResourceSpec is a concrete resource as listed by a child service.
type ResourceSpec struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourceTemplateSpec is a URI template (e.g. git://{repo}/file/{path}).
type ResourceTemplateSpec struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ContentBlock is one piece of tool or prompt output.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// CallResult is a child's tools/call response.
type CallResult struct {
	Content           []ContentBlock  `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
}

// PromptMessage is one message of a prompts/get response.
type PromptMessage struct {
	Role    string       `json:"role"`
	Content ContentBlock `json:"content"`
}

// GetPromptResult is a child's prompts/get response.
type GetPromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// ResourceContents is one entry of a resources/read response.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// ReadResourceResult is a child's resources/read response.
type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}
