// Package gateway implements the client-facing MCP surface.
//
// It speaks JSON-RPC 2.0 over two transports: SSE (GET /sse plus
// POST /messages) and streamable HTTP (POST /mcp with the
// Mcp-Session-Id header). Both share one dispatch core that resolves
// operations through the tool router within the session's group scope.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/toolgate/toolgate/internal/auth"
	"github.com/toolgate/toolgate/internal/router"
	"github.com/toolgate/toolgate/internal/session"
	"github.com/toolgate/toolgate/internal/settings"
	"github.com/toolgate/toolgate/pkg/models"
)

const protocolVersion = "2024-11-05"

// ToolRouter is the dispatch surface the gateway drives.
type ToolRouter interface {
	ListTools(ctx context.Context, group string, secrets map[string]string) ([]models.MCPToolInfo, error)
	CallTool(ctx context.Context, group, name string, args map[string]interface{}, secrets map[string]string) (*models.MCPToolResult, error)
}

// Gateway terminates client MCP connections.
type Gateway struct {
	settings *settings.Store
	router   ToolRouter
	sessions *session.Registry
	auth     *auth.Chain
	version  string

	// SSE subscribers: session id → outbound frame channel
	subsMu sync.RWMutex
	subs   map[string]chan []byte
}

// New creates a gateway.
func New(st *settings.Store, rt ToolRouter, sessions *session.Registry, chain *auth.Chain, version string) *Gateway {
	return &Gateway{
		settings: st,
		router:   rt,
		sessions: sessions,
		auth:     chain,
		version:  version,
		subs:     make(map[string]chan []byte),
	}
}

// HandleJSONRPC processes one MCP request within a session's scope.
// Returns nil for notifications.
func (gw *Gateway) HandleJSONRPC(ctx context.Context, sess *session.Session, req *models.MCPRequest) *models.MCPResponse {
	switch req.Method {

	case "initialize":
		return gw.handleInitialize(req)

	case "notifications/initialized":
		gw.sessions.SetState(sess.ID, models.StateConnected)
		log.Debug().Str("session", sess.ID).Msg("MCP client initialized")
		return nil

	case "ping":
		return &models.MCPResponse{
			Jsonrpc: "2.0",
			Result:  map[string]interface{}{},
			ID:      req.ID,
		}

	case "tools/list":
		return gw.handleToolsList(ctx, sess, req)

	case "tools/call":
		return gw.handleToolsCall(ctx, sess, req)

	default:
		return errorResponse(req.ID, -32601, "Method not found",
			fmt.Sprintf("Method '%s' is not supported by the gateway", req.Method))
	}
}

func (gw *Gateway) handleInitialize(req *models.MCPRequest) *models.MCPResponse {
	return &models.MCPResponse{
		Jsonrpc: "2.0",
		Result: map[string]interface{}{
			"protocolVersion": protocolVersion,
			"capabilities": map[string]interface{}{
				"tools": map[string]bool{
					"listChanged": true,
				},
			},
			"serverInfo": map[string]string{
				"name":    "toolgate",
				"version": gw.version,
			},
		},
		ID: req.ID,
	}
}

func (gw *Gateway) handleToolsList(ctx context.Context, sess *session.Session, req *models.MCPRequest) *models.MCPResponse {
	tools, err := gw.router.ListTools(ctx, sess.Group, gw.sessions.Secrets(sess.ID))
	if err != nil {
		return routerError(req.ID, err)
	}
	return &models.MCPResponse{
		Jsonrpc: "2.0",
		Result: map[string]interface{}{
			"tools": tools,
		},
		ID: req.ID,
	}
}

func (gw *Gateway) handleToolsCall(ctx context.Context, sess *session.Session, req *models.MCPRequest) *models.MCPResponse {
	var params models.MCPToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, -32602, "Invalid params", err.Error())
	}
	if params.Name == "" {
		return errorResponse(req.ID, -32602, "Invalid params", "tool name is required")
	}

	result, err := gw.router.CallTool(ctx, sess.Group, params.Name, params.Arguments, gw.sessions.Secrets(sess.ID))
	if err != nil {
		return routerError(req.ID, err)
	}
	return &models.MCPResponse{
		Jsonrpc: "2.0",
		Result:  result,
		ID:      req.ID,
	}
}

// routerError maps router sentinel errors to protocol error codes.
func routerError(id interface{}, err error) *models.MCPResponse {
	switch {
	case errors.Is(err, router.ErrToolNotFound):
		return errorResponse(id, -32001, "Tool not found", err.Error())
	case errors.Is(err, router.ErrToolDisabled):
		return errorResponse(id, -32002, "Tool disabled", err.Error())
	case errors.Is(err, router.ErrInvalidParams), errors.Is(err, router.ErrUnknownGroup):
		return errorResponse(id, -32602, "Invalid params", err.Error())
	default:
		return errorResponse(id, -32603, "Internal error", err.Error())
	}
}

func errorResponse(id interface{}, code int, message, data string) *models.MCPResponse {
	return &models.MCPResponse{
		Jsonrpc: "2.0",
		Error: &models.MCPError{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
}

// ── Access control ──────────────────────────────────────────

// authenticate runs the provider chain and enforces the bearer-auth
// policy. Writes the HTTP error itself when the request is rejected.
func (gw *Gateway) authenticate(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	identity, err := gw.auth.Authenticate(r.Context(), r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return nil, false
	}
	if identity == nil && gw.settings.Routing().EnableBearerAuth {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return nil, false
	}
	return identity, true
}

// checkGroup enforces the routing policy for a requested group and
// verifies the group resolves. Writes the HTTP error itself.
func (gw *Gateway) checkGroup(w http.ResponseWriter, group string) bool {
	rc := gw.settings.Routing()
	switch {
	case group == "":
		if !rc.EnableGlobalRoute {
			http.Error(w, "Global route is disabled", http.StatusForbidden)
			return false
		}
	case group == router.SmartGroup:
		if !gw.settings.SmartRouting().Enabled {
			http.Error(w, "Smart routing is disabled", http.StatusForbidden)
			return false
		}
	default:
		if !rc.EnableGroupNameRoute {
			http.Error(w, "Group routes are disabled", http.StatusForbidden)
			return false
		}
		if _, ok := gw.settings.GroupMembers(group); !ok {
			http.Error(w, "Unknown group", http.StatusNotFound)
			return false
		}
	}
	return true
}

func identitySecrets(identity *auth.Identity) map[string]string {
	if identity == nil {
		return nil
	}
	return identity.Secrets
}

// ── Notifications ───────────────────────────────────────────

// subscribe registers an outbound frame channel for an SSE session.
func (gw *Gateway) subscribe(sessionID string) chan []byte {
	ch := make(chan []byte, 32)
	gw.subsMu.Lock()
	gw.subs[sessionID] = ch
	gw.subsMu.Unlock()
	return ch
}

func (gw *Gateway) unsubscribe(sessionID string) {
	gw.subsMu.Lock()
	if ch, ok := gw.subs[sessionID]; ok {
		delete(gw.subs, sessionID)
		close(ch)
	}
	gw.subsMu.Unlock()
}

// send queues a frame for one SSE session. Drops the frame when the
// subscriber is gone or too slow.
func (gw *Gateway) send(sessionID string, payload []byte) bool {
	gw.subsMu.RLock()
	ch, ok := gw.subs[sessionID]
	gw.subsMu.RUnlock()
	if !ok {
		return false
	}
	select {
	case ch <- payload:
		return true
	default:
		log.Warn().Str("session", sessionID).Msg("Dropping frame for slow subscriber")
		return false
	}
}

// BroadcastToolListChanged notifies all streaming clients that the tool
// catalog changed.
func (gw *Gateway) BroadcastToolListChanged() {
	payload, _ := json.Marshal(map[string]string{
		"jsonrpc": "2.0",
		"method":  "notifications/tools/list_changed",
	})

	gw.subsMu.RLock()
	ids := make([]string, 0, len(gw.subs))
	for id := range gw.subs {
		ids = append(ids, id)
	}
	gw.subsMu.RUnlock()

	for _, id := range ids {
		gw.send(id, payload)
	}
	if len(ids) > 0 {
		log.Debug().Int("subscribers", len(ids)).Msg("Broadcast tools/list_changed")
	}
}
