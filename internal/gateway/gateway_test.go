package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/toolgate/toolgate/internal/auth"
	"github.com/toolgate/toolgate/internal/router"
	"github.com/toolgate/toolgate/internal/session"
	"github.com/toolgate/toolgate/internal/settings"
	"github.com/toolgate/toolgate/pkg/models"
)

type fakeRouter struct {
	tools   []models.MCPToolInfo
	callErr error
}

func (f *fakeRouter) ListTools(_ context.Context, _ string, _ map[string]string) ([]models.MCPToolInfo, error) {
	return f.tools, nil
}

func (f *fakeRouter) CallTool(_ context.Context, _, name string, _ map[string]interface{}, _ map[string]string) (*models.MCPToolResult, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	return &models.MCPToolResult{
		Content: []models.MCPContent{{Type: "text", Text: "ok:" + name}},
	}, nil
}

func newTestGateway(t *testing.T, rt ToolRouter) (*Gateway, *settings.Store, *session.Registry) {
	t.Helper()
	st := settings.NewStore()
	if err := st.AddBackend("calc", models.BackendSpec{Command: "calc-server"}); err != nil {
		t.Fatal(err)
	}
	if err := st.AddBackend("weather", models.BackendSpec{URL: "http://weather.local/sse", Group: "dev"}); err != nil {
		t.Fatal(err)
	}
	sessions := session.NewRegistry()
	gw := New(st, rt, sessions, auth.NewChain(), "0.1.0")
	return gw, st, sessions
}

func mountGateway(gw *Gateway) http.Handler {
	r := chi.NewRouter()
	r.Get("/sse", gw.HandleSSE)
	r.Get("/sse/{group}", gw.HandleSSE)
	r.Post("/messages", gw.HandleMessages)
	r.Post("/mcp", gw.HandleStreamable)
	r.Post("/mcp/{group}", gw.HandleStreamable)
	r.Delete("/mcp", gw.HandleStreamableDelete)
	return r
}

func rpc(t *testing.T, method string, params interface{}, id interface{}) []byte {
	t.Helper()
	body := map[string]interface{}{"jsonrpc": "2.0", "method": method, "id": id}
	if params != nil {
		body["params"] = params
	}
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func postMCP(t *testing.T, h http.Handler, path, sessionID string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(sessionHeader, sessionID)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestStreamableLifecycle(t *testing.T) {
	gw, _, sessions := newTestGateway(t, &fakeRouter{
		tools: []models.MCPToolInfo{{Name: "calc-add", Description: "Add two numbers"}},
	})
	h := mountGateway(gw)

	// Initialize issues a session id.
	w := postMCP(t, h, "/mcp", "", rpc(t, "initialize", map[string]interface{}{
		"protocolVersion": protocolVersion,
		"clientInfo":      map[string]string{"name": "test", "version": "1.0"},
	}, 1))
	if w.Code != http.StatusOK {
		t.Fatalf("initialize status = %d, body %s", w.Code, w.Body.String())
	}
	sid := w.Header().Get(sessionHeader)
	if sid == "" {
		t.Fatal("no Mcp-Session-Id header on initialize response")
	}

	var resp models.MCPResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	result := resp.Result.(map[string]interface{})
	if result["protocolVersion"] != protocolVersion {
		t.Errorf("protocolVersion = %v", result["protocolVersion"])
	}
	info := result["serverInfo"].(map[string]interface{})
	if info["name"] != "toolgate" {
		t.Errorf("serverInfo.name = %v, want toolgate", info["name"])
	}

	// The initialized notification flips the session to connected.
	w = postMCP(t, h, "/mcp", sid, rpc(t, "notifications/initialized", nil, nil))
	if w.Code != http.StatusAccepted {
		t.Errorf("notification status = %d, want 202", w.Code)
	}
	if sessions.State(sid) != models.StateConnected {
		t.Errorf("session state = %q, want connected", sessions.State(sid))
	}

	// tools/list within the session.
	w = postMCP(t, h, "/mcp", sid, rpc(t, "tools/list", nil, 2))
	if w.Code != http.StatusOK {
		t.Fatalf("tools/list status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "calc-add") {
		t.Errorf("tools/list body = %s, want calc-add", w.Body.String())
	}

	// tools/call round trip.
	w = postMCP(t, h, "/mcp", sid, rpc(t, "tools/call", map[string]interface{}{
		"name":      "calc-add",
		"arguments": map[string]interface{}{"a": 2, "b": 3},
	}, 3))
	if !strings.Contains(w.Body.String(), "ok:calc-add") {
		t.Errorf("tools/call body = %s", w.Body.String())
	}

	// DELETE tears the session down.
	req := httptest.NewRequest("DELETE", "/mcp", nil)
	req.Header.Set(sessionHeader, sid)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("delete status = %d", rec.Code)
	}
	if sessions.Len() != 0 {
		t.Errorf("sessions remaining = %d, want 0", sessions.Len())
	}
}

func TestStreamableRequiresInitializeFirst(t *testing.T) {
	gw, _, _ := newTestGateway(t, &fakeRouter{})
	h := mountGateway(gw)

	w := postMCP(t, h, "/mcp", "", rpc(t, "tools/list", nil, 1))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}

	w = postMCP(t, h, "/mcp", "no-such-session", rpc(t, "tools/list", nil, 1))
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", w.Code)
	}
}

func TestUnknownMethod(t *testing.T) {
	gw, _, sessions := newTestGateway(t, &fakeRouter{})
	sess := sessions.Create(session.TransportStreamable, "", nil)

	resp := gw.HandleJSONRPC(context.Background(), sess, &models.MCPRequest{
		Jsonrpc: "2.0", Method: "resources/list", ID: 7,
	})
	if resp.Error == nil || resp.Error.Code != -32601 {
		t.Errorf("error = %+v, want code -32601", resp.Error)
	}
}

func TestRouterErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("%w: calc-x", router.ErrToolNotFound), -32001},
		{fmt.Errorf("%w: calc-x", router.ErrToolDisabled), -32002},
		{fmt.Errorf("%w: query", router.ErrInvalidParams), -32602},
		{fmt.Errorf("boom"), -32603},
	}

	for _, tt := range tests {
		gw, _, sessions := newTestGateway(t, &fakeRouter{callErr: tt.err})
		sess := sessions.Create(session.TransportStreamable, "", nil)

		params, _ := json.Marshal(models.MCPToolCallParams{Name: "calc-x"})
		resp := gw.HandleJSONRPC(context.Background(), sess, &models.MCPRequest{
			Jsonrpc: "2.0", Method: "tools/call", Params: params, ID: 1,
		})
		if resp.Error == nil || resp.Error.Code != tt.code {
			t.Errorf("err %v: got %+v, want code %d", tt.err, resp.Error, tt.code)
		}
	}
}

func TestBearerAuthEnforced(t *testing.T) {
	gw, st, _ := newTestGateway(t, &fakeRouter{})
	st.SetRouting(models.RoutingConfig{
		EnableGlobalRoute: true,
		EnableBearerAuth:  true,
		BearerAuthKey:     "hub-key",
	})
	gw.auth.Register(auth.NewStaticBearerProvider(st.Routing))
	h := mountGateway(gw)

	w := postMCP(t, h, "/mcp", "", rpc(t, "initialize", nil, 1))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous status = %d, want 401", w.Code)
	}

	req := httptest.NewRequest("POST", "/mcp", bytes.NewReader(rpc(t, "initialize", nil, 1)))
	req.Header.Set("Authorization", "Bearer hub-key")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("authed status = %d, want 200", rec.Code)
	}
}

func TestStreamableDeleteRequiresAuth(t *testing.T) {
	gw, st, sessions := newTestGateway(t, &fakeRouter{})
	st.SetRouting(models.RoutingConfig{
		EnableGlobalRoute: true,
		EnableBearerAuth:  true,
		BearerAuthKey:     "hub-key",
	})
	gw.auth.Register(auth.NewStaticBearerProvider(st.Routing))
	h := mountGateway(gw)

	sess := sessions.Create(session.TransportStreamable, "", nil)

	req := httptest.NewRequest("DELETE", "/mcp", nil)
	req.Header.Set(sessionHeader, sess.ID)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous delete status = %d, want 401", w.Code)
	}
	if sessions.Len() != 1 {
		t.Fatal("anonymous delete tore the session down")
	}

	req = httptest.NewRequest("DELETE", "/mcp", nil)
	req.Header.Set(sessionHeader, sess.ID)
	req.Header.Set("Authorization", "Bearer hub-key")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("authed delete status = %d, want 200", w.Code)
	}
	if sessions.Len() != 0 {
		t.Errorf("sessions remaining = %d, want 0", sessions.Len())
	}
}

func TestRoutingPolicy(t *testing.T) {
	gw, st, _ := newTestGateway(t, &fakeRouter{})
	st.SetRouting(models.RoutingConfig{
		EnableGlobalRoute:    false,
		EnableGroupNameRoute: true,
	})
	h := mountGateway(gw)

	w := postMCP(t, h, "/mcp", "", rpc(t, "initialize", nil, 1))
	if w.Code != http.StatusForbidden {
		t.Errorf("global route status = %d, want 403", w.Code)
	}

	w = postMCP(t, h, "/mcp/dev", "", rpc(t, "initialize", nil, 1))
	if w.Code != http.StatusOK {
		t.Errorf("group route status = %d, want 200", w.Code)
	}

	w = postMCP(t, h, "/mcp/nope", "", rpc(t, "initialize", nil, 1))
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown group status = %d, want 404", w.Code)
	}

	st.SetRouting(models.RoutingConfig{EnableGlobalRoute: true})
	w = postMCP(t, h, "/mcp/dev", "", rpc(t, "initialize", nil, 1))
	if w.Code != http.StatusForbidden {
		t.Errorf("disabled group routes status = %d, want 403", w.Code)
	}
}

func readSSEEvent(t *testing.T, br *bufio.Reader) (event, data string) {
	t.Helper()
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("reading SSE stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if event != "" || data != "" {
				return event, data
			}
		}
	}
}

func TestSSELifecycle(t *testing.T) {
	gw, _, sessions := newTestGateway(t, &fakeRouter{
		tools: []models.MCPToolInfo{{Name: "calc-add"}},
	})
	srv := httptest.NewServer(mountGateway(gw))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/sse")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	br := bufio.NewReader(resp.Body)
	event, data := readSSEEvent(t, br)
	if event != "endpoint" {
		t.Fatalf("first event = %q, want endpoint", event)
	}
	if !strings.HasPrefix(data, "/messages?sessionId=") {
		t.Fatalf("endpoint data = %q", data)
	}

	// Post a request; the response arrives over the stream.
	post, err := http.Post(srv.URL+data, "application/json",
		bytes.NewReader(rpc(t, "tools/list", nil, 1)))
	if err != nil {
		t.Fatal(err)
	}
	post.Body.Close()
	if post.StatusCode != http.StatusAccepted {
		t.Fatalf("messages status = %d, want 202", post.StatusCode)
	}

	event, data = readSSEEvent(t, br)
	if event != "message" || !strings.Contains(data, "calc-add") {
		t.Fatalf("stream frame = (%q, %q), want tools/list response", event, data)
	}

	// Catalog change notifications reach the stream too.
	gw.BroadcastToolListChanged()
	_, data = readSSEEvent(t, br)
	if !strings.Contains(data, "notifications/tools/list_changed") {
		t.Fatalf("broadcast frame = %q", data)
	}

	// Dropping the stream destroys the session.
	resp.Body.Close()
	deadline := time.Now().Add(2 * time.Second)
	for sessions.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sessions.Len() != 0 {
		t.Errorf("sessions remaining = %d, want 0", sessions.Len())
	}
}

func TestMessagesValidation(t *testing.T) {
	gw, _, sessions := newTestGateway(t, &fakeRouter{})
	h := mountGateway(gw)

	req := httptest.NewRequest("POST", "/messages", bytes.NewReader(rpc(t, "ping", nil, 1)))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing sessionId status = %d, want 400", w.Code)
	}

	req = httptest.NewRequest("POST", "/messages?sessionId=ghost", bytes.NewReader(rpc(t, "ping", nil, 1)))
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", w.Code)
	}

	// Streamable sessions cannot be driven through /messages.
	sess := sessions.Create(session.TransportStreamable, "", nil)
	req = httptest.NewRequest("POST", "/messages?sessionId="+sess.ID, bytes.NewReader(rpc(t, "ping", nil, 1)))
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("cross-transport status = %d, want 400", w.Code)
	}
}
