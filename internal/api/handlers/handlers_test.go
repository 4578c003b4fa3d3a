package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/toolgate/toolgate/internal/session"
	"github.com/toolgate/toolgate/internal/settings"
	"github.com/toolgate/toolgate/pkg/models"
)

type fakeBackends struct {
	registerCalls int
	toggles       []string
	descriptors   map[string][]models.ToolDescriptor
}

func (f *fakeBackends) RegisterAll(_ context.Context, _ bool) { f.registerCalls++ }

func (f *fakeBackends) Toggle(_ context.Context, name string, enabled bool) error {
	f.toggles = append(f.toggles, fmt.Sprintf("%s=%v", name, enabled))
	return nil
}

func (f *fakeBackends) Statuses() []models.BackendStatus {
	out := make([]models.BackendStatus, 0, len(f.descriptors))
	for name, tools := range f.descriptors {
		out = append(out, models.BackendStatus{
			Name:  name,
			Kind:  models.KindStdio,
			State: models.StateConnected,
			Tools: tools,
		})
	}
	return out
}

func (f *fakeBackends) Descriptors(name string) []models.ToolDescriptor {
	return f.descriptors[name]
}

type fakeNotifier struct{ broadcasts int }

func (f *fakeNotifier) BroadcastToolListChanged() { f.broadcasts++ }

func newTestAPI(t *testing.T) (http.Handler, *settings.Store, *fakeBackends, *fakeNotifier) {
	t.Helper()
	st := settings.NewStore()
	if err := st.AddBackend("calc", models.BackendSpec{Command: "calc-server"}); err != nil {
		t.Fatal(err)
	}

	fb := &fakeBackends{descriptors: map[string][]models.ToolDescriptor{
		"calc": {{Name: "calc-add", Backend: "calc", LocalName: "add", Enabled: true}},
	}}
	fn := &fakeNotifier{}
	h := New(st, fb, fn, session.NewRegistry(), "0.1.0")

	r := chi.NewRouter()
	r.Get("/health", h.Health)
	r.Get("/version", h.VersionInfo)
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/backends", func(r chi.Router) {
			r.Get("/", h.ListBackends)
			r.Post("/", h.AddBackend)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", h.GetBackend)
				r.Put("/", h.UpdateBackend)
				r.Delete("/", h.DeleteBackend)
				r.Post("/toggle", h.ToggleBackend)
				r.Route("/tools/{tool}", func(r chi.Router) {
					r.Post("/toggle", h.ToggleTool)
					r.Put("/description", h.SetToolDescription)
				})
			})
		})
		r.Get("/catalog", h.Catalog)
		r.Get("/routing", h.GetRouting)
		r.Put("/routing", h.SetRouting)
	})
	return r, st, fb, fn
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding envelope from %q: %v", w.Body.String(), err)
	}
	return env
}

func TestHealthAndVersion(t *testing.T) {
	h, _, _, _ := newTestAPI(t)

	w := do(t, h, "GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("health status = %d", w.Code)
	}

	w = do(t, h, "GET", "/version", nil)
	var v map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatal(err)
	}
	if v["name"] != "toolgate" || v["version"] != "0.1.0" {
		t.Errorf("version = %v", v)
	}
}

func TestAddBackend(t *testing.T) {
	h, st, fb, fn := newTestAPI(t)

	w := do(t, h, "POST", "/api/v1/backends", map[string]interface{}{
		"name": "weather",
		"type": "sse",
		"url":  "http://weather.local/sse",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if !decodeEnvelope(t, w).Success {
		t.Error("expected success envelope")
	}
	if _, ok := st.GetBackendSpec("weather"); !ok {
		t.Error("backend not stored")
	}
	if fb.registerCalls != 1 {
		t.Errorf("RegisterAll calls = %d, want 1", fb.registerCalls)
	}
	if fn.broadcasts != 1 {
		t.Errorf("broadcasts = %d, want 1", fn.broadcasts)
	}

	// Invalid specs are rejected with the failure envelope.
	w = do(t, h, "POST", "/api/v1/backends", map[string]interface{}{
		"name": "broken",
		"type": "stdio",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid spec status = %d", w.Code)
	}
	if decodeEnvelope(t, w).Success {
		t.Error("expected failure envelope")
	}
}

func TestUpdateBackend(t *testing.T) {
	h, st, fb, _ := newTestAPI(t)

	w := do(t, h, "PUT", "/api/v1/backends/calc", map[string]interface{}{
		"command": "calc-server",
		"args":    []string{"--fast"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	spec, _ := st.GetBackendSpec("calc")
	if len(spec.Args) != 1 || spec.Args[0] != "--fast" {
		t.Errorf("spec.Args = %v", spec.Args)
	}
	if len(fb.toggles) != 1 || fb.toggles[0] != "calc=false" {
		t.Errorf("toggles = %v, want reconnect cycle", fb.toggles)
	}
	if fb.registerCalls != 1 {
		t.Errorf("RegisterAll calls = %d, want 1", fb.registerCalls)
	}

	w = do(t, h, "PUT", "/api/v1/backends/ghost", map[string]interface{}{"command": "x"})
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown backend status = %d", w.Code)
	}

	// allowOverride upserts a backend that does not exist yet.
	w = do(t, h, "PUT", "/api/v1/backends/ghost?allowOverride=true", map[string]interface{}{"command": "x"})
	if w.Code != http.StatusOK {
		t.Errorf("upsert status = %d, body %s", w.Code, w.Body.String())
	}
	if _, ok := st.GetBackendSpec("ghost"); !ok {
		t.Error("upserted backend not stored")
	}
}

func TestDeleteBackend(t *testing.T) {
	h, st, _, _ := newTestAPI(t)

	w := do(t, h, "DELETE", "/api/v1/backends/calc", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if _, ok := st.GetBackendSpec("calc"); ok {
		t.Error("backend still in settings")
	}
}

func TestToggleBackendAndTool(t *testing.T) {
	h, st, fb, fn := newTestAPI(t)

	w := do(t, h, "POST", "/api/v1/backends/calc/toggle", togglePayload{Enabled: false})
	if w.Code != http.StatusOK {
		t.Fatalf("toggle status = %d", w.Code)
	}
	spec, _ := st.GetBackendSpec("calc")
	if spec.IsEnabled() {
		t.Error("backend still enabled in settings")
	}
	if len(fb.toggles) != 1 || fb.toggles[0] != "calc=false" {
		t.Errorf("manager toggles = %v", fb.toggles)
	}

	w = do(t, h, "POST", "/api/v1/backends/calc/tools/add/toggle", togglePayload{Enabled: false})
	if w.Code != http.StatusOK {
		t.Fatalf("tool toggle status = %d", w.Code)
	}
	spec, _ = st.GetBackendSpec("calc")
	if ov := spec.Tools["add"]; ov.Enabled == nil || *ov.Enabled {
		t.Errorf("tool override = %+v, want disabled", ov)
	}

	if fn.broadcasts != 2 {
		t.Errorf("broadcasts = %d, want 2", fn.broadcasts)
	}
}

func TestSetToolDescription(t *testing.T) {
	h, st, _, _ := newTestAPI(t)

	w := do(t, h, "PUT", "/api/v1/backends/calc/tools/add/description",
		descriptionPayload{Description: "Adds two integers"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	spec, _ := st.GetBackendSpec("calc")
	if spec.Tools["add"].Description != "Adds two integers" {
		t.Errorf("description = %q", spec.Tools["add"].Description)
	}
}

func TestCatalog(t *testing.T) {
	h, _, _, _ := newTestAPI(t)

	w := do(t, h, "GET", "/api/v1/catalog", nil)
	env := decodeEnvelope(t, w)

	var catalog map[string][]models.ToolDescriptor
	if err := json.Unmarshal(env.Data, &catalog); err != nil {
		t.Fatal(err)
	}
	if len(catalog["calc"]) != 1 || catalog["calc"][0].Name != "calc-add" {
		t.Errorf("catalog = %v", catalog)
	}
}

func TestRoutingRoundTrip(t *testing.T) {
	h, st, _, _ := newTestAPI(t)

	w := do(t, h, "PUT", "/api/v1/routing", models.RoutingConfig{
		EnableGlobalRoute: true,
		EnableBearerAuth:  true,
		BearerAuthKey:     "hub-key",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("put routing status = %d", w.Code)
	}
	if !st.Routing().EnableBearerAuth {
		t.Error("routing not applied")
	}

	w = do(t, h, "GET", "/api/v1/routing", nil)
	env := decodeEnvelope(t, w)
	var rc models.RoutingConfig
	if err := json.Unmarshal(env.Data, &rc); err != nil {
		t.Fatal(err)
	}
	if rc.BearerAuthKey != "hub-key" {
		t.Errorf("routing = %+v", rc)
	}
}
