// Package handlers implements the HTTP management API: backend CRUD,
// per-tool overrides, routing policy, and status inspection. Mutations
// flow through the settings store, get applied to live connections, and
// fan out a tools/list_changed notification to streaming clients.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/toolgate/toolgate/internal/session"
	"github.com/toolgate/toolgate/internal/settings"
	"github.com/toolgate/toolgate/pkg/models"
)

// Backends is the slice of the connection manager the handlers drive.
type Backends interface {
	RegisterAll(ctx context.Context, initialBoot bool)
	Toggle(ctx context.Context, name string, enabled bool) error
	Statuses() []models.BackendStatus
	Descriptors(name string) []models.ToolDescriptor
}

// Notifier pushes catalog-change notifications to connected clients.
type Notifier interface {
	BroadcastToolListChanged()
}

// Handlers holds all handler dependencies.
type Handlers struct {
	Settings *settings.Store
	Backends Backends
	Notifier Notifier
	Sessions *session.Registry
	Version  string
}

// New creates a Handlers instance.
func New(st *settings.Store, backends Backends, notifier Notifier, sessions *session.Registry, version string) *Handlers {
	return &Handlers{
		Settings: st,
		Backends: backends,
		Notifier: notifier,
		Sessions: sessions,
		Version:  version,
	}
}

// ── Health & info ────────────────────────────────────────────

func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"backends": len(h.Settings.BackendNames()),
		"sessions": h.Sessions.Len(),
	})
}

func (h *Handlers) VersionInfo(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"name":    "toolgate",
		"version": h.Version,
	})
}

// ── Backend CRUD ─────────────────────────────────────────────

type backendPayload struct {
	Name string `json:"name"`
	models.BackendSpec
}

func (h *Handlers) ListBackends(w http.ResponseWriter, _ *http.Request) {
	statuses := h.Backends.Statuses()
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	respondData(w, http.StatusOK, statuses)
}

func (h *Handlers) AddBackend(w http.ResponseWriter, r *http.Request) {
	var req backendPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.Settings.AddBackend(req.Name, req.BackendSpec); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.applyAndNotify(r.Context())
	log.Info().Str("backend", req.Name).Msg("Backend added")
	respondMessage(w, http.StatusCreated, "Backend added")
}

func (h *Handlers) GetBackend(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	spec, ok := h.Settings.GetBackendSpec(name)
	if !ok {
		respondError(w, http.StatusNotFound, "Backend not found")
		return
	}

	var status *models.BackendStatus
	for _, st := range h.Backends.Statuses() {
		if st.Name == name {
			status = &st
			break
		}
	}

	respondData(w, http.StatusOK, map[string]interface{}{
		"name":   name,
		"spec":   spec,
		"status": status,
	})
}

func (h *Handlers) UpdateBackend(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var spec models.BackendSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	// allowOverride=true upserts instead of requiring an existing backend.
	allowOverride := r.URL.Query().Get("allowOverride") == "true"
	if err := h.Settings.UpdateBackend(name, spec, allowOverride); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}

	// Force a reconnect so the new spec takes effect.
	if err := h.Backends.Toggle(r.Context(), name, false); err != nil {
		log.Warn().Str("backend", name).Err(err).Msg("Disconnect before respec failed")
	}
	h.applyAndNotify(r.Context())
	log.Info().Str("backend", name).Msg("Backend updated")
	respondMessage(w, http.StatusOK, "Backend updated")
}

func (h *Handlers) DeleteBackend(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.Settings.RemoveBackend(name); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}

	h.applyAndNotify(r.Context())
	log.Info().Str("backend", name).Msg("Backend removed")
	respondMessage(w, http.StatusOK, "Backend removed")
}

type togglePayload struct {
	Enabled bool `json:"enabled"`
}

func (h *Handlers) ToggleBackend(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req togglePayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.Settings.ToggleBackend(name, req.Enabled); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	if err := h.Backends.Toggle(r.Context(), name, req.Enabled); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.Notifier.BroadcastToolListChanged()
	respondMessage(w, http.StatusOK, "Backend toggled")
}

// ── Tool overrides ───────────────────────────────────────────

func (h *Handlers) ToggleTool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	tool := chi.URLParam(r, "tool")

	var req togglePayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.Settings.ToggleTool(name, tool, req.Enabled); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}

	h.Notifier.BroadcastToolListChanged()
	respondMessage(w, http.StatusOK, "Tool toggled")
}

type descriptionPayload struct {
	Description string `json:"description"`
}

func (h *Handlers) SetToolDescription(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	tool := chi.URLParam(r, "tool")

	var req descriptionPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.Settings.SetToolDescription(name, tool, req.Description); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}

	h.Notifier.BroadcastToolListChanged()
	respondMessage(w, http.StatusOK, "Tool description updated")
}

// ── Catalog & policy ─────────────────────────────────────────

func (h *Handlers) Catalog(w http.ResponseWriter, _ *http.Request) {
	names := h.Settings.BackendNames()
	sort.Strings(names)

	catalog := make(map[string][]models.ToolDescriptor, len(names))
	for _, name := range names {
		catalog[name] = h.Backends.Descriptors(name)
	}
	respondData(w, http.StatusOK, catalog)
}

func (h *Handlers) GetRouting(w http.ResponseWriter, _ *http.Request) {
	respondData(w, http.StatusOK, h.Settings.Routing())
}

func (h *Handlers) SetRouting(w http.ResponseWriter, r *http.Request) {
	var rc models.RoutingConfig
	if err := json.NewDecoder(r.Body).Decode(&rc); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	h.Settings.SetRouting(rc)
	respondMessage(w, http.StatusOK, "Routing updated")
}

func (h *Handlers) ListSessions(w http.ResponseWriter, _ *http.Request) {
	ids := h.Sessions.List()
	sort.Strings(ids)
	respondData(w, http.StatusOK, map[string]interface{}{
		"count":    len(ids),
		"sessions": ids,
	})
}

// applyAndNotify reconciles live connections with the settings store and
// tells streaming clients the catalog moved.
func (h *Handlers) applyAndNotify(ctx context.Context) {
	h.Backends.RegisterAll(ctx, false)
	h.Notifier.BroadcastToolListChanged()
}

// ── Response helpers ─────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondData(w http.ResponseWriter, status int, data interface{}) {
	respondJSON(w, status, map[string]interface{}{"success": true, "data": data})
}

func respondMessage(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]interface{}{"success": true, "message": message})
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]interface{}{"success": false, "message": message})
}
