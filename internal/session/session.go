// Package session tracks inbound client sessions across the gateway's
// two wire transports. The Registry is the single owner of the session
// table; the periodic sweeper reaps sessions stuck outside the connected
// state.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/toolgate/toolgate/pkg/models"
)

// TransportKind is the inbound wire transport a session is bound to.
type TransportKind string

const (
	TransportSSE        TransportKind = "sse"
	TransportStreamable TransportKind = "streamable"
)

// Session is one logical authenticated client connection. Fields are
// guarded by the owning Registry's lock except the immutable identity
// fields set at creation.
type Session struct {
	ID        string
	Transport TransportKind
	Group     string
	CreatedAt time.Time

	state             models.ConnState
	secrets           map[string]string
	lastActivity      time.Time
	reconnectAttempts int

	// onClose releases the session's transport handle. Set by the wire
	// layer; may be nil.
	onClose func()
}

// Registry is the thread-safe session table.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Create inserts a new session and returns it. Session ids are uuids,
// unique across both transports.
func (r *Registry) Create(transport TransportKind, group string, secrets map[string]string) *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:           uuid.NewString(),
		Transport:    transport,
		Group:        group,
		CreatedAt:    now,
		state:        models.StateConnecting,
		secrets:      cloneNonEmpty(secrets),
		lastActivity: now,
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	log.Debug().Str("session", s.ID).Str("transport", string(transport)).Str("group", group).Msg("Session created")
	return s
}

// Get looks up a session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove closes and deletes a session. Removing an unknown id is a
// no-op: teardown races with the sweeper are expected.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	if s.onClose != nil {
		s.onClose()
	}
	log.Debug().Str("session", id).Msg("Session removed")
}

// Touch updates a session's last-activity timestamp.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.lastActivity = time.Now().UTC()
	}
}

// SetState transitions a session's connection state.
func (r *Registry) SetState(id string, state models.ConnState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.state = state
	}
}

// State reads a session's connection state.
func (r *Registry) State(id string) models.ConnState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sessions[id]; ok {
		return s.state
	}
	return models.StateDisconnected
}

// Secrets returns a copy of the session's secret map.
func (r *Registry) Secrets(id string) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(s.secrets))
	for k, v := range s.secrets {
		out[k] = v
	}
	return out
}

// UpdateSecrets merges new secrets into a session: a session keeps the
// map resolved at creation and only replaces entries for which a later
// request presents non-empty values.
func (r *Registry) UpdateSecrets(id string, secrets map[string]string) {
	if len(secrets) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	if s.secrets == nil {
		s.secrets = make(map[string]string, len(secrets))
	}
	for k, v := range secrets {
		if v != "" {
			s.secrets[k] = v
		}
	}
}

// SetOnClose registers the transport release hook for a session.
func (r *Registry) SetOnClose(id string, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.onClose = fn
	}
}

// RecordReconnectAttempt bumps and returns the session's reconnect
// counter.
func (r *Registry) RecordReconnectAttempt(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.reconnectAttempts++
		return s.reconnectAttempts
	}
	return 0
}

// List returns the ids of all live sessions.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sweep removes sessions idle past maxIdle that are not currently
// connected: sessions stuck mid-handshake are reaped, fully connected
// idle sessions are left alone. Returns the number removed.
func (r *Registry) Sweep(maxIdle time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxIdle)

	r.mu.RLock()
	var stale []string
	for id, s := range r.sessions {
		if s.state != models.StateConnected && s.lastActivity.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		log.Info().Str("session", id).Msg("Reaping inactive session")
		r.Remove(id)
	}
	return len(stale)
}

// StartSweeper runs Sweep at the given cadence until ctx is done.
func (r *Registry) StartSweeper(ctx context.Context, cadence, maxIdle time.Duration) {
	go func() {
		ticker := time.NewTicker(cadence)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep(maxIdle)
			}
		}
	}()
}

func cloneNonEmpty(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		if v != "" {
			out[k] = v
		}
	}
	return out
}
