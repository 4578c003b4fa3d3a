// Package router resolves incoming tool operations to backend
// connections. It applies group scoping, per-tool enablement, and the
// $smart virtual group whose meta tools search the vector index instead
// of a fixed catalog.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/toolgate/toolgate/internal/settings"
	"github.com/toolgate/toolgate/internal/toolindex"
	"github.com/toolgate/toolgate/pkg/models"
)

const (
	// SmartGroup is the virtual group exposing vector search meta tools.
	SmartGroup = "$smart"

	searchToolName = "search_tools"
	callToolName   = "call_tool"

	defaultSearchLimit = 10
	maxSearchLimit     = 100
)

// Sentinel errors the wire layer maps to protocol error codes.
var (
	ErrUnknownGroup  = errors.New("unknown group")
	ErrToolNotFound  = errors.New("tool not found")
	ErrToolDisabled  = errors.New("tool disabled")
	ErrInvalidParams = errors.New("invalid params")
)

// Backends is the slice of the connection manager the router needs.
type Backends interface {
	Names() []string
	Descriptors(name string) []models.ToolDescriptor
	EnsureConnected(ctx context.Context, name string, secrets map[string]string) bool
	CallTool(ctx context.Context, name, tool string, args map[string]interface{}, secrets map[string]string) (*models.MCPToolResult, error)
}

// Searcher queries the tool embedding index.
type Searcher interface {
	Search(ctx context.Context, query string, limit int, threshold float64) ([]toolindex.Hit, error)
}

// Router scopes and dispatches tool operations.
type Router struct {
	settings *settings.Store
	backends Backends
	search   Searcher // nil when smart routing is off
}

// New creates a router. search may be nil; the $smart group then
// resolves only when smart routing is later enabled with an index.
func New(st *settings.Store, backends Backends, search Searcher) *Router {
	return &Router{settings: st, backends: backends, search: search}
}

func (rt *Router) smartEnabled() bool {
	return rt.search != nil && rt.settings.SmartRouting().Enabled
}

func (rt *Router) backendEnabled(name string) bool {
	spec, ok := rt.settings.GetBackendSpec(name)
	return ok && spec.IsEnabled()
}

// ListTools returns the tool catalog visible to the given group. The
// empty group is the global route. Secrets let lazily parked backends
// connect on first listing. Disabled and unreachable backends
// contribute nothing to the catalog.
func (rt *Router) ListTools(ctx context.Context, group string, secrets map[string]string) ([]models.MCPToolInfo, error) {
	if group == SmartGroup {
		if !rt.smartEnabled() {
			return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, group)
		}
		return rt.metaTools(), nil
	}

	members, ok := rt.settings.GroupMembers(group)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, group)
	}

	tools := make([]models.MCPToolInfo, 0)
	for _, name := range members {
		if !rt.backendEnabled(name) {
			continue
		}
		if !rt.backends.EnsureConnected(ctx, name, secrets) {
			continue
		}
		for _, d := range rt.backends.Descriptors(name) {
			if !d.Enabled {
				continue
			}
			tools = append(tools, models.MCPToolInfo{
				Name:        d.Name,
				Description: d.Description,
				InputSchema: d.InputSchema,
			})
		}
	}
	return tools, nil
}

// CallTool dispatches a tool call within the group's scope. Backend
// execution failures come back as isError results, not errors; errors
// are reserved for protocol-level conditions.
func (rt *Router) CallTool(ctx context.Context, group, name string, args map[string]interface{}, secrets map[string]string) (*models.MCPToolResult, error) {
	if group == SmartGroup {
		if !rt.smartEnabled() {
			return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, group)
		}
		switch name {
		case searchToolName:
			return rt.handleSearch(ctx, args)
		case callToolName:
			return rt.handleMetaCall(ctx, args, secrets)
		default:
			return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
		}
	}

	members, ok := rt.settings.GroupMembers(group)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, group)
	}
	return rt.dispatch(ctx, members, name, args, secrets)
}

func (rt *Router) dispatch(ctx context.Context, members []string, name string, args map[string]interface{}, secrets map[string]string) (*models.MCPToolResult, error) {
	backend, local, ok := models.SplitToolName(name, members)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	// A disabled backend's retained catalog is a management view only;
	// its tools do not exist as far as callers are concerned.
	if !rt.backendEnabled(backend) {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	rt.backends.EnsureConnected(ctx, backend, secrets)

	var found *models.ToolDescriptor
	for _, d := range rt.backends.Descriptors(backend) {
		if d.LocalName == local {
			found = &d
			break
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if !found.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrToolDisabled, name)
	}

	result, err := rt.backends.CallTool(ctx, backend, local, args, secrets)
	if err != nil {
		log.Warn().Str("backend", backend).Str("tool", local).Err(err).Msg("Tool call failed")
		return errorResult(fmt.Sprintf("calling tool %s: %v", name, err)), nil
	}
	return result, nil
}

// ── Smart routing meta tools ────────────────────────────────

func (rt *Router) metaTools() []models.MCPToolInfo {
	names := rt.backends.Names()
	sort.Strings(names)

	return []models.MCPToolInfo{
		{
			Name: searchToolName,
			Description: fmt.Sprintf(
				"Search for relevant tools across all connected servers using natural language. "+
					"Available servers: %s. Returns matching tools ranked by similarity; "+
					"invoke a result with %s.", strings.Join(names, ", "), callToolName),
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"query": map[string]interface{}{
						"type":        "string",
						"description": "Natural language description of the capability you need",
					},
					"limit": map[string]interface{}{
						"type":        "number",
						"description": "Maximum number of results (1-100, default 10)",
					},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        callToolName,
			Description: "Invoke a tool previously discovered through " + searchToolName + " by its full name.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"tool_name": map[string]interface{}{
						"type":        "string",
						"description": "Full tool name as returned by " + searchToolName,
					},
					"arguments": map[string]interface{}{
						"type":        "object",
						"description": "Arguments to pass through to the tool",
					},
				},
				"required": []string{"tool_name"},
			},
		},
	}
}

type searchHit struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`
	Score       float64                `json:"score"`
}

type searchEnvelope struct {
	Tools    []searchHit `json:"tools"`
	Guidance string      `json:"guidance"`
}

func (rt *Router) handleSearch(ctx context.Context, args map[string]interface{}) (*models.MCPToolResult, error) {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidParams)
	}

	limit := defaultSearchLimit
	if raw, ok := args["limit"].(float64); ok {
		limit = int(raw)
	}
	if limit < 1 {
		limit = 1
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	threshold := searchThreshold(query)
	hits, err := rt.search.Search(ctx, query, limit, threshold)
	if err != nil {
		log.Warn().Err(err).Msg("Tool search failed")
		return errorResult(fmt.Sprintf("searching tools: %v", err)), nil
	}

	// Re-resolve hits against the live catalog: stale index rows and
	// backends or tools disabled since indexing must not surface.
	out := make([]searchHit, 0, len(hits))
	for _, h := range hits {
		if !rt.backendEnabled(h.Record.Backend) {
			continue
		}
		for _, d := range rt.backends.Descriptors(h.Record.Backend) {
			if d.LocalName != h.Record.Tool || !d.Enabled {
				continue
			}
			out = append(out, searchHit{
				Name:        d.Name,
				Description: d.Description,
				InputSchema: d.InputSchema,
				Score:       h.Score,
			})
		}
	}

	env := searchEnvelope{
		Tools: out,
		Guidance: "Pick the best matching tool and invoke it with " + callToolName +
			", passing its name as tool_name and its arguments object.",
	}
	if len(out) == 0 {
		env.Guidance = "No tools matched. Retry with different wording or broader terms."
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding search results: %w", err)
	}
	return &models.MCPToolResult{
		Content: []models.MCPContent{{Type: "text", Text: string(payload)}},
	}, nil
}

func (rt *Router) handleMetaCall(ctx context.Context, args map[string]interface{}, secrets map[string]string) (*models.MCPToolResult, error) {
	name, _ := args["tool_name"].(string)
	if name == "" {
		// Some clients send toolName instead.
		name, _ = args["toolName"].(string)
	}
	if name == "" {
		return nil, fmt.Errorf("%w: tool_name is required", ErrInvalidParams)
	}

	var toolArgs map[string]interface{}
	if raw, ok := args["arguments"].(map[string]interface{}); ok {
		toolArgs = raw
	}

	// Meta calls resolve against the full catalog.
	return rt.dispatch(ctx, rt.settings.BackendNames(), name, toolArgs, secrets)
}

// searchThreshold picks a similarity cutoff from the query's shape:
// short vague queries cast a wide net, long or precision-marked queries
// filter harder.
func searchThreshold(query string) float64 {
	words := strings.Fields(query)
	if len(query) < 10 || len(words) <= 2 {
		return 0.2
	}
	lower := strings.ToLower(query)
	if len(query) > 30 || strings.Contains(lower, "specific") || strings.Contains(lower, "exact") {
		return 0.4
	}
	return 0.3
}

func errorResult(msg string) *models.MCPToolResult {
	return &models.MCPToolResult{
		IsError: true,
		Content: []models.MCPContent{{Type: "text", Text: msg}},
	}
}
