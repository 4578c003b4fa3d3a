package backend

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/toolgate/toolgate/internal/settings"
	"github.com/toolgate/toolgate/pkg/models"
)

// Indexer receives catalog updates for similarity search. A nil Indexer
// disables indexing without changing connection behavior.
type Indexer interface {
	IndexTools(ctx context.Context, backend string, tools []models.MCPToolInfo) error
	RemoveBackend(ctx context.Context, backend string) error
}

const defaultKeepAlive = 60 * time.Second

// Connection is the runtime state of one configured backend. There is at
// most one Connection per backend name; reconnects swap the transport and
// catalog in place under the connection lock.
type Connection struct {
	mu sync.Mutex

	Name      string
	CreatedAt time.Time

	// Kind tracks the spec's effective kind; a respec can change it,
	// so access goes through mu like the rest of the mutable state.
	Kind models.BackendKind

	state     models.ConnState
	lastErr   string
	transport Transport
	tools     []models.MCPToolInfo

	// lazy marks backends whose URL templates need per-user secrets;
	// they are never connected eagerly.
	lazy bool

	keepAliveStop chan struct{}
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() models.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Tools returns a copy of the connection's live tool catalog.
func (c *Connection) Tools() []models.MCPToolInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.MCPToolInfo(nil), c.tools...)
}

// Lazy reports whether this backend defers connection until a session
// supplies its per-user secrets.
func (c *Connection) Lazy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lazy
}

// Manager owns the backend connection table. It is the only writer of
// Connection state; all methods are safe for concurrent use.
type Manager struct {
	mu    sync.RWMutex
	conns map[string]*Connection

	settings *settings.Store
	index    Indexer

	// transportFactory builds transports from specs; replaced in tests.
	transportFactory func(models.BackendSpec, models.InstallConfig) (Transport, error)

	// onCatalogChange is invoked after any connection's tool catalog
	// changes, outside of manager locks.
	onCatalogChange func()
}

// NewManager creates a connection manager over the given settings store.
func NewManager(st *settings.Store, index Indexer) *Manager {
	return &Manager{
		conns:            make(map[string]*Connection),
		settings:         st,
		index:            index,
		transportFactory: NewTransport,
	}
}

// OnCatalogChange registers the tool-list-changed broadcast hook.
func (m *Manager) OnCatalogChange(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCatalogChange = fn
}

func (m *Manager) notifyCatalogChange() {
	m.mu.RLock()
	fn := m.onCatalogChange
	m.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// RegisterAll reconciles the connection table against the latest specs:
// connections for removed backends are torn down, enabled specs without a
// live connection are connected (concurrently, best effort), and
// template-dependent backends are parked for lazy connection. Connect
// failures are recorded as state, never returned.
func (m *Manager) RegisterAll(ctx context.Context, initialBoot bool) {
	snap := m.settings.Snapshot()

	// Tear down connections whose spec is gone.
	m.mu.Lock()
	for name, conn := range m.conns {
		if _, ok := snap.Backends[name]; !ok {
			delete(m.conns, name)
			go m.teardown(ctx, conn)
		}
	}

	var pending []*Connection
	for name, spec := range snap.Backends {
		conn, exists := m.conns[name]
		if !exists {
			conn = &Connection{
				Name:      name,
				Kind:      spec.EffectiveKind(),
				CreatedAt: time.Now().UTC(),
				state:     models.StateDisconnected,
			}
			m.conns[name] = conn
		}
		conn.mu.Lock()
		conn.Kind = spec.EffectiveKind()
		conn.mu.Unlock()

		if !spec.IsEnabled() {
			continue
		}
		if conn.State() == models.StateConnected {
			continue
		}
		pending = append(pending, conn)
	}
	m.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, conn := range pending {
		spec := snap.Backends[conn.Name]
		if NeedsUserSecrets(spec) {
			conn.mu.Lock()
			conn.lazy = true
			conn.state = models.StateDisconnected
			conn.mu.Unlock()
			log.Info().Str("backend", conn.Name).Msg("Backend needs user secrets, deferring connection")
			continue
		}

		wg.Add(1)
		go func(conn *Connection, spec models.BackendSpec) {
			defer wg.Done()
			if err := m.connect(ctx, conn, spec); err != nil {
				log.Warn().Str("backend", conn.Name).Err(err).Msg("Backend connect failed")
			}
		}(conn, spec)
	}

	if initialBoot {
		wg.Wait()
	} else {
		go func() {
			wg.Wait()
			m.notifyCatalogChange()
		}()
		return
	}
	m.notifyCatalogChange()
}

// connect opens a transport for a spec and installs it on the connection.
// The connection lock is held across the swap so concurrent callers never
// observe a half-updated transport/catalog pair.
func (m *Manager) connect(ctx context.Context, conn *Connection, spec models.BackendSpec) error {
	conn.mu.Lock()
	if conn.state == models.StateConnecting {
		conn.mu.Unlock()
		return fmt.Errorf("backend %q connect already in progress", conn.Name)
	}
	conn.state = models.StateConnecting
	conn.mu.Unlock()

	tr, err := m.transportFactory(spec, m.settings.Install())
	if err == nil {
		err = tr.Connect(ctx)
	}

	var tools []models.MCPToolInfo
	if err == nil {
		tools, err = tr.ListTools(ctx)
		if err != nil {
			tr.Close()
		}
	}

	conn.mu.Lock()
	if err != nil {
		conn.state = models.StateError
		conn.lastErr = err.Error()
		conn.mu.Unlock()
		return err
	}

	if conn.transport != nil {
		conn.transport.Close()
	}
	conn.transport = tr
	conn.tools = tools
	conn.state = models.StateConnected
	conn.lastErr = ""
	m.startKeepAliveLocked(conn, spec)
	conn.mu.Unlock()

	log.Info().Str("backend", conn.Name).Int("tools", len(tools)).Msg("Backend connected")

	if m.index != nil {
		if err := m.index.IndexTools(ctx, conn.Name, tools); err != nil {
			log.Warn().Str("backend", conn.Name).Err(err).Msg("Tool indexing failed")
		}
	}
	return nil
}

// EnsureConnected brings a backend up on demand, substituting the given
// secrets into its templates. Returns true when the backend ends up
// connected; failures are recorded on the connection and return false.
func (m *Manager) EnsureConnected(ctx context.Context, name string, secrets map[string]string) bool {
	conn := m.Get(name)
	if conn == nil {
		return false
	}
	if conn.State() == models.StateConnected {
		return true
	}

	spec, ok := m.settings.GetBackendSpec(name)
	if !ok || !spec.IsEnabled() {
		return false
	}

	effective := Substitute(spec, secrets)
	if err := m.connect(ctx, conn, effective); err != nil {
		return false
	}
	m.notifyCatalogChange()
	return true
}

// CallTool invokes a tool by its local name on a named backend. Transport
// errors of the unauthorized class on streamable backends trigger one
// bounded reconnect-and-retry; a failed retry surfaces the original
// error.
func (m *Manager) CallTool(ctx context.Context, name, tool string, args map[string]interface{}, secrets map[string]string) (*models.MCPToolResult, error) {
	conn := m.Get(name)
	if conn == nil {
		return nil, fmt.Errorf("backend %q not found", name)
	}

	conn.mu.Lock()
	tr := conn.transport
	kind := conn.Kind
	known := false
	for _, t := range conn.tools {
		if t.Name == tool {
			known = true
			break
		}
	}
	conn.mu.Unlock()

	if tr == nil {
		return nil, fmt.Errorf("backend %q is not connected", name)
	}
	if !known {
		return nil, fmt.Errorf("tool %q not found on backend %q", tool, name)
	}

	callCtx, cancel := m.callContext(ctx, name)
	defer cancel()

	result, err := tr.CallTool(callCtx, tool, args)
	if err == nil {
		return result, nil
	}

	if kind == models.KindStreamable && isAuthExpiredError(err) {
		log.Info().Str("backend", name).Err(err).Msg("Streamable call unauthorized, reconnecting once")
		if m.reconnect(ctx, conn, secrets) {
			if retried, retryErr := m.retryCall(ctx, conn, name, tool, args); retryErr == nil {
				return retried, nil
			}
		}
		// Retry exhausted: report the original failure.
		return nil, err
	}
	return nil, err
}

func (m *Manager) retryCall(ctx context.Context, conn *Connection, name, tool string, args map[string]interface{}) (*models.MCPToolResult, error) {
	conn.mu.Lock()
	tr := conn.transport
	conn.mu.Unlock()
	if tr == nil {
		return nil, fmt.Errorf("backend %q is not connected", name)
	}
	callCtx, cancel := m.callContext(ctx, name)
	defer cancel()
	return tr.CallTool(callCtx, tool, args)
}

// reconnect tears down the current transport and rebuilds from the
// latest spec with the caller's secrets applied.
func (m *Manager) reconnect(ctx context.Context, conn *Connection, secrets map[string]string) bool {
	spec, ok := m.settings.GetBackendSpec(conn.Name)
	if !ok || !spec.IsEnabled() {
		return false
	}

	conn.mu.Lock()
	if conn.transport != nil {
		conn.transport.Close()
		conn.transport = nil
	}
	conn.state = models.StateDisconnected
	conn.mu.Unlock()

	effective := Substitute(spec, secrets)
	return m.connect(ctx, conn, effective) == nil
}

// Toggle disables or enables a backend's connection. Disabling closes the
// transport but keeps the Connection (catalog and last error stay
// inspectable); enabling runs a registration pass.
func (m *Manager) Toggle(ctx context.Context, name string, enabled bool) error {
	conn := m.Get(name)
	if conn == nil {
		return fmt.Errorf("backend %q not found", name)
	}

	if !enabled {
		conn.mu.Lock()
		m.stopKeepAliveLocked(conn)
		if conn.transport != nil {
			conn.transport.Close()
			conn.transport = nil
		}
		conn.state = models.StateDisconnected
		conn.mu.Unlock()
		log.Info().Str("backend", name).Msg("Backend disabled")
		m.notifyCatalogChange()
		return nil
	}

	m.RegisterAll(ctx, false)
	return nil
}

// Get returns the connection for a backend name, or nil.
func (m *Manager) Get(name string) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[name]
}

// Names returns all registered backend names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.conns))
	for name := range m.conns {
		names = append(names, name)
	}
	return names
}

// Statuses returns the management view of every connection.
func (m *Manager) Statuses() []models.BackendStatus {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	out := make([]models.BackendStatus, 0, len(conns))
	for _, c := range conns {
		c.mu.Lock()
		st := models.BackendStatus{
			Name:      c.Name,
			Kind:      c.Kind,
			State:     c.state,
			LastError: c.lastErr,
			CreatedAt: c.CreatedAt,
		}
		c.mu.Unlock()
		st.Tools = m.Descriptors(c.Name)
		out = append(out, st)
	}
	return out
}

// Descriptors returns a backend's catalog as fully-qualified descriptors
// with the spec's per-tool overrides applied. Disabled tools are included
// with Enabled=false; filtering is the caller's concern.
func (m *Manager) Descriptors(name string) []models.ToolDescriptor {
	conn := m.Get(name)
	if conn == nil {
		return nil
	}
	spec, _ := m.settings.GetBackendSpec(name)

	tools := conn.Tools()
	out := make([]models.ToolDescriptor, 0, len(tools))
	for _, t := range tools {
		d := models.ToolDescriptor{
			Name:        models.QualifiedToolName(name, t.Name),
			Backend:     name,
			LocalName:   t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
			Enabled:     true,
		}
		if ov, ok := spec.Tools[t.Name]; ok {
			if ov.Enabled != nil {
				d.Enabled = *ov.Enabled
			}
			if ov.Description != "" {
				d.Description = ov.Description
			}
		}
		out = append(out, d)
	}
	return out
}

// ReindexAll pushes every connected backend's live catalog back into
// the index. Used after an index migration drops the stored rows.
func (m *Manager) ReindexAll(ctx context.Context) {
	if m.index == nil {
		return
	}
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		if c.State() != models.StateConnected {
			continue
		}
		if err := m.index.IndexTools(ctx, c.Name, c.Tools()); err != nil {
			log.Warn().Str("backend", c.Name).Err(err).Msg("Reindex failed")
		}
	}
}

// Close tears down every connection. Used at shutdown.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for name, c := range m.conns {
		conns = append(conns, c)
		delete(m.conns, name)
	}
	m.mu.Unlock()

	for _, c := range conns {
		m.teardown(ctx, c)
	}
}

func (m *Manager) teardown(ctx context.Context, conn *Connection) {
	conn.mu.Lock()
	m.stopKeepAliveLocked(conn)
	if conn.transport != nil {
		conn.transport.Close()
		conn.transport = nil
	}
	conn.state = models.StateDisconnected
	conn.mu.Unlock()

	if m.index != nil {
		if err := m.index.RemoveBackend(ctx, conn.Name); err != nil {
			log.Warn().Str("backend", conn.Name).Err(err).Msg("Index cleanup failed")
		}
	}
}

// ── Keep-alive ───────────────────────────────────────────────

// startKeepAliveLocked starts the SSE liveness probe loop. Caller holds
// the connection lock.
func (m *Manager) startKeepAliveLocked(conn *Connection, spec models.BackendSpec) {
	if spec.EffectiveKind() != models.KindSSE {
		return
	}
	m.stopKeepAliveLocked(conn)

	interval := defaultKeepAlive
	if spec.KeepAliveSeconds > 0 {
		interval = time.Duration(spec.KeepAliveSeconds) * time.Second
	}

	stop := make(chan struct{})
	conn.keepAliveStop = stop
	go m.keepAliveLoop(conn, interval, stop)
}

func (m *Manager) stopKeepAliveLocked(conn *Connection) {
	if conn.keepAliveStop != nil {
		close(conn.keepAliveStop)
		conn.keepAliveStop = nil
	}
}

// keepAliveLoop pings the backend at the configured interval. Probe
// failures are logged only; reconnection is left to the next call or
// registration pass.
func (m *Manager) keepAliveLoop(conn *Connection, interval time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			conn.mu.Lock()
			tr := conn.transport
			conn.mu.Unlock()
			if tr == nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := tr.Ping(ctx)
			cancel()
			if err != nil {
				log.Warn().Str("backend", conn.Name).Err(err).Msg("Keep-alive probe failed")
			}
		}
	}
}

func (m *Manager) callContext(ctx context.Context, name string) (context.Context, context.CancelFunc) {
	spec, ok := m.settings.GetBackendSpec(name)
	if ok && spec.RequestTimeoutSeconds > 0 {
		return context.WithTimeout(ctx, time.Duration(spec.RequestTimeoutSeconds)*time.Second)
	}
	return context.WithCancel(ctx)
}

// isAuthExpiredError classifies transport errors that warrant a single
// reconnect-and-retry: the SDK surfaces backend HTTP 40x rejections as
// error text.
func isAuthExpiredError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{"HTTP 40", "status 40", "401", "403", "Unauthorized", "unauthorized", "session expired"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
