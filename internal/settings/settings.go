// Package settings holds the gateway configuration document: the backend
// map plus routing, install, and smart-routing policy. The Store is the
// single writer surface used by the management API; readers always get
// deep copies so specs stay immutable once handed out.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/toolgate/toolgate/pkg/models"
)

// Store is a thread-safe container for the gateway settings.
type Store struct {
	mu       sync.RWMutex
	settings models.Settings
}

// NewStore creates an empty settings store with global routing enabled.
func NewStore() *Store {
	return &Store{
		settings: models.Settings{
			Backends: make(map[string]models.BackendSpec),
			Routing: models.RoutingConfig{
				EnableGlobalRoute:    true,
				EnableGroupNameRoute: true,
			},
		},
	}
}

// LoadFile reads a settings document from disk. A missing file is not an
// error: the gateway starts empty and is populated via the management API.
func LoadFile(path string) (*Store, error) {
	s := NewStore()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", path).Msg("No settings file, starting empty")
			return s, nil
		}
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var doc models.Settings
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	if doc.Backends == nil {
		doc.Backends = make(map[string]models.BackendSpec)
	}
	s.settings = doc
	log.Info().Str("path", path).Int("backends", len(doc.Backends)).Msg("Settings loaded")
	return s, nil
}

// Snapshot returns a deep copy of the full settings document.
func (s *Store) Snapshot() models.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.settings
	out.Backends = make(map[string]models.BackendSpec, len(s.settings.Backends))
	for name, spec := range s.settings.Backends {
		out.Backends[name] = copySpec(spec)
	}
	return out
}

// Routing returns the current routing policy.
func (s *Store) Routing() models.RoutingConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.Routing
}

// SetRouting replaces the routing policy.
func (s *Store) SetRouting(rc models.RoutingConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.Routing = rc
}

// Install returns the subprocess install policy.
func (s *Store) Install() models.InstallConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.Install
}

// SmartRouting returns the smart-routing policy.
func (s *Store) SmartRouting() models.SmartRoutingConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.SmartRouting
}

// SetSmartRouting replaces the smart-routing policy.
func (s *Store) SetSmartRouting(sc models.SmartRoutingConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.SmartRouting = sc
}

// GetBackendSpec returns a deep copy of one backend's spec.
func (s *Store) GetBackendSpec(name string) (models.BackendSpec, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	spec, ok := s.settings.Backends[name]
	if !ok {
		return models.BackendSpec{}, false
	}
	return copySpec(spec), true
}

// AddBackend registers a new backend spec. Fails if the name is taken.
func (s *Store) AddBackend(name string, spec models.BackendSpec) error {
	if name == "" {
		return fmt.Errorf("backend name is required")
	}
	if err := validateSpec(&spec); err != nil {
		return fmt.Errorf("backend %q: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.settings.Backends[name]; exists {
		return fmt.Errorf("backend %q already exists", name)
	}
	s.settings.Backends[name] = copySpec(spec)
	return nil
}

// UpdateBackend replaces an existing backend spec. With allowOverride the
// update is an upsert; without it a missing name is an error.
func (s *Store) UpdateBackend(name string, spec models.BackendSpec, allowOverride bool) error {
	if err := validateSpec(&spec); err != nil {
		return fmt.Errorf("backend %q: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.settings.Backends[name]; !exists && !allowOverride {
		return fmt.Errorf("backend %q not found", name)
	}
	s.settings.Backends[name] = copySpec(spec)
	return nil
}

// RemoveBackend deletes a backend spec.
func (s *Store) RemoveBackend(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.settings.Backends[name]; !exists {
		return fmt.Errorf("backend %q not found", name)
	}
	delete(s.settings.Backends, name)
	return nil
}

// ToggleBackend flips a backend's enabled flag.
func (s *Store) ToggleBackend(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	spec, exists := s.settings.Backends[name]
	if !exists {
		return fmt.Errorf("backend %q not found", name)
	}
	spec.Enabled = &enabled
	s.settings.Backends[name] = spec
	return nil
}

// ToggleTool flips a per-tool enabled override on a backend.
func (s *Store) ToggleTool(backend, tool string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	spec, exists := s.settings.Backends[backend]
	if !exists {
		return fmt.Errorf("backend %q not found", backend)
	}
	if spec.Tools == nil {
		spec.Tools = make(map[string]models.ToolOverride)
	}
	ov := spec.Tools[tool]
	ov.Enabled = &enabled
	spec.Tools[tool] = ov
	s.settings.Backends[backend] = spec
	return nil
}

// SetToolDescription sets a custom description override on a tool.
func (s *Store) SetToolDescription(backend, tool, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	spec, exists := s.settings.Backends[backend]
	if !exists {
		return fmt.Errorf("backend %q not found", backend)
	}
	if spec.Tools == nil {
		spec.Tools = make(map[string]models.ToolOverride)
	}
	ov := spec.Tools[tool]
	ov.Description = description
	spec.Tools[tool] = ov
	s.settings.Backends[backend] = spec
	return nil
}

// BackendNames lists the configured backend names.
func (s *Store) BackendNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.settings.Backends))
	for name := range s.settings.Backends {
		names = append(names, name)
	}
	return names
}

// GroupMembers resolves a routing group name to the backends it covers.
// A named group matches every backend carrying that group label; a name
// matching no group but matching a backend name means that backend alone.
// The empty group means all backends. The second return reports whether
// the name matched anything at all.
func (s *Store) GroupMembers(group string) ([]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if group == "" {
		names := make([]string, 0, len(s.settings.Backends))
		for name := range s.settings.Backends {
			names = append(names, name)
		}
		return names, true
	}

	var members []string
	for name, spec := range s.settings.Backends {
		if spec.Group == group {
			members = append(members, name)
		}
	}
	if len(members) > 0 {
		return members, true
	}
	if _, ok := s.settings.Backends[group]; ok {
		return []string{group}, true
	}
	return nil, false
}

func validateSpec(spec *models.BackendSpec) error {
	switch spec.EffectiveKind() {
	case models.KindStdio:
		if spec.Command == "" {
			return fmt.Errorf("stdio backend requires a command")
		}
	case models.KindSSE, models.KindStreamable:
		if spec.URL == "" {
			return fmt.Errorf("%s backend requires a url", spec.EffectiveKind())
		}
	case models.KindOpenAPI:
		if spec.OpenAPI == nil || (spec.OpenAPI.URL == "" && len(spec.OpenAPI.Schema) == 0) {
			return fmt.Errorf("openapi backend requires a document url or inline schema")
		}
	default:
		return fmt.Errorf("unknown backend kind %q", spec.Kind)
	}
	return nil
}

func copySpec(spec models.BackendSpec) models.BackendSpec {
	out := spec
	if spec.Args != nil {
		out.Args = append([]string(nil), spec.Args...)
	}
	if spec.Env != nil {
		out.Env = make(map[string]string, len(spec.Env))
		for k, v := range spec.Env {
			out.Env[k] = v
		}
	}
	if spec.Headers != nil {
		out.Headers = make(map[string]string, len(spec.Headers))
		for k, v := range spec.Headers {
			out.Headers[k] = v
		}
	}
	if spec.Tools != nil {
		out.Tools = make(map[string]models.ToolOverride, len(spec.Tools))
		for k, v := range spec.Tools {
			out.Tools[k] = v
		}
	}
	if spec.OpenAPI != nil {
		oa := *spec.OpenAPI
		if spec.OpenAPI.Schema != nil {
			oa.Schema = append(json.RawMessage(nil), spec.OpenAPI.Schema...)
		}
		out.OpenAPI = &oa
	}
	if spec.Enabled != nil {
		e := *spec.Enabled
		out.Enabled = &e
	}
	return out
}
