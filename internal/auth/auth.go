// Package auth provides the authentication provider chain for the
// gateway's client-facing endpoints.
//
// Two providers ship by default:
//   - UserKeyProvider — per-user gateway keys ("tg_" prefix) carrying
//     injectable secrets
//   - StaticBearerProvider — single shared bearer key from routing config
package auth

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// Identity represents an authenticated caller. Produced by a Provider,
// consumed by the wire layer when it creates a session.
type Identity struct {
	// Subject is the unique caller identifier (user name or key hash).
	Subject string `json:"subject"`

	// Provider identifies which auth provider authenticated this identity.
	Provider string `json:"provider"`

	// Secrets are the caller's per-backend credential values, keyed by
	// placeholder name. Injected into backend specs at connect time.
	Secrets map[string]string `json:"-"`
}

// Provider authenticates an HTTP request and returns an Identity.
//
// The chain pattern:
//   - Return (*Identity, nil) → authenticated, stop chain
//   - Return (nil, nil) → this provider doesn't handle this request, try next
//   - Return (nil, error) → authentication was attempted but failed, reject
type Provider interface {
	Name() string
	Enabled() bool
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
}

// Chain walks registered providers in order until one returns an Identity.
//
// Thread-safe: providers can be registered at any time.
type Chain struct {
	mu        sync.RWMutex
	providers []Provider
}

// NewChain creates an empty auth provider chain.
func NewChain() *Chain {
	return &Chain{providers: make([]Provider, 0)}
}

// Register adds a provider to the end of the chain. Providers are tried
// in registration order.
func (c *Chain) Register(p Provider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers = append(c.providers, p)
	log.Info().
		Str("provider", p.Name()).
		Bool("enabled", p.Enabled()).
		Msg("Auth provider registered")
}

// Authenticate walks the chain. A nil identity with a nil error means no
// provider claimed the request: the caller is anonymous.
func (c *Chain) Authenticate(ctx context.Context, r *http.Request) (*Identity, error) {
	c.mu.RLock()
	providers := make([]Provider, len(c.providers))
	copy(providers, c.providers)
	c.mu.RUnlock()

	for _, p := range providers {
		if !p.Enabled() {
			continue
		}
		identity, err := p.Authenticate(ctx, r)
		if err != nil {
			log.Debug().
				Str("provider", p.Name()).
				Err(err).
				Msg("Auth provider rejected request")
			return nil, err
		}
		if identity != nil {
			log.Debug().
				Str("provider", p.Name()).
				Str("subject", identity.Subject).
				Msg("Request authenticated")
			return identity, nil
		}
	}

	return nil, nil
}

// Providers returns the names of all registered providers.
func (c *Chain) Providers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return names
}

// ExtractToken pulls the bearer credential off a request. Checked in
// order: Authorization header, X-API-Key header, "key" query parameter.
// The query form exists for SSE clients that cannot set headers.
func ExtractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		}
		return strings.TrimSpace(h)
	}
	if k := r.Header.Get("X-API-Key"); k != "" {
		return strings.TrimSpace(k)
	}
	return strings.TrimSpace(r.URL.Query().Get("key"))
}
