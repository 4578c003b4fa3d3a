// Package backend implements the outbound half of the gateway: it turns
// backend specs into live, supervised connections and a normalized
// aggregate tool catalog.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/toolgate/toolgate/pkg/models"
)

// Transport is one live wire to a backend. Implementations are not safe
// for concurrent use on their own; the Manager serializes access per
// connection.
type Transport interface {
	Connect(ctx context.Context) error
	ListTools(ctx context.Context) ([]models.MCPToolInfo, error)
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*models.MCPToolResult, error)
	Ping(ctx context.Context) error
	Close() error
	Kind() models.BackendKind
}

// NewTransport builds the transport matching a spec's kind. The install
// policy only affects subprocess backends.
func NewTransport(spec models.BackendSpec, install models.InstallConfig) (Transport, error) {
	switch kind := spec.EffectiveKind(); kind {
	case models.KindStdio, models.KindSSE, models.KindStreamable:
		return &mcpTransport{spec: spec, install: install, kind: kind}, nil
	case models.KindOpenAPI:
		return newOpenAPITransport(spec)
	default:
		return nil, fmt.Errorf("unsupported backend kind %q", kind)
	}
}

// mcpTransport speaks MCP over stdio, SSE, or streamable HTTP via the
// mark3labs client.
type mcpTransport struct {
	spec    models.BackendSpec
	install models.InstallConfig
	kind    models.BackendKind
	client  *client.Client
}

func (t *mcpTransport) Kind() models.BackendKind { return t.kind }

func (t *mcpTransport) Connect(ctx context.Context) error {
	var (
		c   *client.Client
		err error
	)

	switch t.kind {
	case models.KindStdio:
		// NewStdioMCPClient spawns the subprocess immediately.
		c, err = client.NewStdioMCPClient(t.spec.Command, t.processEnv(), t.spec.Args...)
		if err != nil {
			return fmt.Errorf("spawn %s: %w", t.spec.Command, err)
		}

	case models.KindSSE:
		c, err = client.NewSSEMCPClient(t.spec.URL, transport.WithHeaders(t.spec.Headers))
		if err != nil {
			return fmt.Errorf("create sse client: %w", err)
		}
		if err := c.Start(ctx); err != nil {
			return fmt.Errorf("start sse client: %w", err)
		}

	case models.KindStreamable:
		opts := []transport.StreamableHTTPCOption{
			transport.WithHTTPTimeout(t.requestTimeout()),
			transport.WithHTTPBasicClient(&http.Client{Timeout: t.requestTimeout()}),
		}
		if len(t.spec.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(t.spec.Headers))
		}
		c, err = client.NewStreamableHttpClient(t.spec.URL, opts...)
		if err != nil {
			return fmt.Errorf("create streamable client: %w", err)
		}
		if err := c.Start(ctx); err != nil {
			return fmt.Errorf("start streamable client: %w", err)
		}
	}

	if _, err := c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    "toolgate",
				Version: "0.1.0",
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	}); err != nil {
		c.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	t.client = c
	return nil
}

func (t *mcpTransport) ListTools(ctx context.Context) ([]models.MCPToolInfo, error) {
	if t.client == nil {
		return nil, fmt.Errorf("transport not connected")
	}
	result, err := t.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}

	tools := make([]models.MCPToolInfo, 0, len(result.Tools))
	for _, tool := range result.Tools {
		tools = append(tools, models.MCPToolInfo{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schemaToMap(tool.InputSchema),
		})
	}
	return tools, nil
}

func (t *mcpTransport) CallTool(ctx context.Context, name string, args map[string]interface{}) (*models.MCPToolResult, error) {
	if t.client == nil {
		return nil, fmt.Errorf("transport not connected")
	}
	result, err := t.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, err
	}

	out := &models.MCPToolResult{IsError: result.IsError}
	for _, content := range result.Content {
		if tc, ok := mcp.AsTextContent(content); ok {
			out.Content = append(out.Content, models.MCPContent{Type: "text", Text: tc.Text})
			continue
		}
		// Non-text content is passed through as its JSON form.
		raw, err := json.Marshal(content)
		if err != nil {
			continue
		}
		out.Content = append(out.Content, models.MCPContent{Type: "text", Text: string(raw)})
	}
	return out, nil
}

func (t *mcpTransport) Ping(ctx context.Context) error {
	if t.client == nil {
		return fmt.Errorf("transport not connected")
	}
	return t.client.Ping(ctx)
}

func (t *mcpTransport) Close() error {
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}

func (t *mcpTransport) requestTimeout() time.Duration {
	if t.spec.RequestTimeoutSeconds > 0 {
		return time.Duration(t.spec.RequestTimeoutSeconds) * time.Second
	}
	return 60 * time.Second
}

// processEnv builds the KEY=VALUE environment for a subprocess backend:
// the spec's env plus the install-policy package index variables for the
// runtime the command belongs to.
func (t *mcpTransport) processEnv() []string {
	env := make(map[string]string, len(t.spec.Env)+2)
	for k, v := range t.spec.Env {
		env[k] = v
	}

	cmd := commandBase(t.spec.Command)
	if t.install.PythonIndexURL != "" && isPythonCommand(cmd) {
		if _, set := env["UV_DEFAULT_INDEX"]; !set {
			env["UV_DEFAULT_INDEX"] = t.install.PythonIndexURL
		}
		if _, set := env["PIP_INDEX_URL"]; !set {
			env["PIP_INDEX_URL"] = t.install.PythonIndexURL
		}
	}
	if t.install.NPMRegistry != "" && isNodeCommand(cmd) {
		if _, set := env["npm_config_registry"]; !set {
			env["npm_config_registry"] = t.install.NPMRegistry
		}
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func commandBase(command string) string {
	if i := strings.LastIndexAny(command, "/\\"); i >= 0 {
		return command[i+1:]
	}
	return command
}

func isPythonCommand(cmd string) bool {
	switch cmd {
	case "uv", "uvx", "python", "python3", "pip", "pipx":
		return true
	}
	return false
}

func isNodeCommand(cmd string) bool {
	switch cmd {
	case "npm", "npx", "pnpm", "yarn", "node":
		return true
	}
	return false
}

// schemaToMap flattens the SDK's input schema struct into the generic
// document shape the rest of the gateway carries.
func schemaToMap(schema mcp.ToolInputSchema) map[string]interface{} {
	out := map[string]interface{}{"type": schema.Type}
	if out["type"] == "" {
		out["type"] = "object"
	}
	if schema.Properties != nil {
		out["properties"] = schema.Properties
	}
	if len(schema.Required) > 0 {
		out["required"] = schema.Required
	}
	if schema.Defs != nil {
		out["$defs"] = schema.Defs
	}
	return out
}
