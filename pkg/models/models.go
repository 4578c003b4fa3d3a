// Package models defines the shared data types crossing Toolgate's package
// boundaries: the MCP wire protocol shapes, backend configuration, and the
// runtime views exposed by the management API.
package models

import (
	"encoding/json"
	"time"
)

// ── MCP Protocol Types ───────────────────────────────────────

type MCPRequest struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id"`
}

type MCPResponse struct {
	Jsonrpc string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *MCPError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

type MCPError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type MCPToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`
}

type MCPToolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

type MCPToolResult struct {
	Content []MCPContent `json:"content"`
	IsError bool         `json:"isError,omitempty"`
}

type MCPContent struct {
	Type string `json:"type"` // text, image, resource
	Text string `json:"text,omitempty"`
}

// ── Backend Configuration ────────────────────────────────────

// BackendKind identifies the transport a backend speaks.
type BackendKind string

const (
	KindStdio      BackendKind = "stdio"
	KindSSE        BackendKind = "sse"
	KindStreamable BackendKind = "streamable-http"
	KindOpenAPI    BackendKind = "openapi"
)

// ToolOverride is a per-tool configuration override on a backend.
type ToolOverride struct {
	Enabled     *bool  `json:"enabled,omitempty"`
	Description string `json:"description,omitempty"`
}

// OpenAPISpec configures a REST service wrapped as a tool backend.
// Either URL (fetched at connect) or Schema (inline document) is set.
type OpenAPISpec struct {
	URL    string          `json:"url,omitempty"`
	Schema json.RawMessage `json:"schema,omitempty"`
}

// BackendSpec is the externally supplied configuration for one backend.
// It is immutable at runtime; edits arrive as whole replacement specs
// through the management API.
type BackendSpec struct {
	Kind    BackendKind       `json:"type,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	OpenAPI *OpenAPISpec      `json:"openapi,omitempty"`

	Enabled *bool  `json:"enabled,omitempty"`
	Group   string `json:"group,omitempty"`

	Tools map[string]ToolOverride `json:"tools,omitempty"`

	// KeepAliveSeconds is the SSE liveness probe interval. Zero means the
	// default (60s).
	KeepAliveSeconds int `json:"keepAliveInterval,omitempty"`

	// RequestTimeoutSeconds bounds a single tool call on this backend.
	RequestTimeoutSeconds int `json:"requestTimeout,omitempty"`
}

// IsEnabled treats an absent enabled flag as true.
func (s *BackendSpec) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// EffectiveKind infers the transport kind when the spec omits it: a
// command means stdio, an OpenAPI document means openapi, otherwise a
// URL-only spec is assumed to be SSE (the historical default).
func (s *BackendSpec) EffectiveKind() BackendKind {
	if s.Kind != "" {
		return s.Kind
	}
	if s.OpenAPI != nil {
		return KindOpenAPI
	}
	if s.Command != "" {
		return KindStdio
	}
	return KindSSE
}

// RoutingConfig is the gateway-level routing policy.
type RoutingConfig struct {
	EnableGlobalRoute    bool   `json:"enableGlobalRoute"`
	EnableGroupNameRoute bool   `json:"enableGroupNameRoute"`
	EnableBearerAuth     bool   `json:"enableBearerAuth"`
	BearerAuthKey        string `json:"bearerAuthKey,omitempty"`
}

// InstallConfig carries package-index policy injected into the
// environment of subprocess backends at spawn time.
type InstallConfig struct {
	PythonIndexURL string `json:"pythonIndexUrl,omitempty"`
	NPMRegistry    string `json:"npmRegistry,omitempty"`
}

// SmartRoutingConfig enables the vector tool search meta-route.
type SmartRoutingConfig struct {
	Enabled     bool   `json:"enabled"`
	OpenAIKey   string `json:"openaiApiKey,omitempty"`
	OpenAIBase  string `json:"openaiApiBaseUrl,omitempty"`
	OpenAIModel string `json:"openaiApiEmbeddingModel,omitempty"`
	DBURL       string `json:"dbUrl,omitempty"`
}

// Settings is the full configuration document: the backend map plus the
// gateway policy objects.
type Settings struct {
	Backends     map[string]BackendSpec `json:"mcpServers"`
	Routing      RoutingConfig          `json:"routing"`
	Install      InstallConfig          `json:"install"`
	SmartRouting SmartRoutingConfig     `json:"smartRouting"`
}

// ── Runtime Views ────────────────────────────────────────────

// ConnState is the lifecycle state of a backend connection or client
// session.
type ConnState string

const (
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
	StateError        ConnState = "error"
)

// ToolDescriptor is one entry of the aggregate catalog: a backend tool
// under its fully-qualified gateway name.
type ToolDescriptor struct {
	Name        string                 `json:"name"`
	Backend     string                 `json:"backend"`
	LocalName   string                 `json:"localName"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`
	Enabled     bool                   `json:"enabled"`
}

// BackendStatus is the management-API view of one backend connection.
type BackendStatus struct {
	Name      string           `json:"name"`
	Kind      BackendKind      `json:"kind"`
	State     ConnState        `json:"state"`
	LastError string           `json:"lastError,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
	Tools     []ToolDescriptor `json:"tools,omitempty"`
}

// ── Tool Naming ──────────────────────────────────────────────

// QualifiedToolName joins a backend name and a tool's local name into the
// client-visible catalog name.
func QualifiedToolName(backend, local string) string {
	return backend + "-" + local
}

// SplitToolName resolves a fully-qualified tool name against a set of
// known backend names. Backend names may themselves contain dashes, so
// the longest matching backend prefix wins.
func SplitToolName(name string, backends []string) (backend, local string, ok bool) {
	for _, b := range backends {
		if len(name) > len(b)+1 && name[:len(b)] == b && name[len(b)] == '-' {
			if len(b) > len(backend) {
				backend, local, ok = b, name[len(b)+1:], true
			}
		}
	}
	return backend, local, ok
}
