package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
)

// UserKeyPrefix marks per-user gateway keys. Keys without the prefix are
// left for other providers.
const UserKeyPrefix = "tg_"

// UserKey is one provisioned gateway key and the secrets it unlocks.
type UserKey struct {
	Subject string            `json:"subject"`
	Secrets map[string]string `json:"secrets,omitempty"`
}

// UserKeyProvider resolves "tg_"-prefixed keys to an identity carrying
// per-user secrets for backend credential injection.
//
// Config: TOOLGATE_USER_KEYS env var, a JSON object mapping key to
// {subject, secrets}.
type UserKeyProvider struct {
	mu   sync.RWMutex
	keys map[string]UserKey
}

// NewUserKeyProvider creates a user key provider from environment config.
func NewUserKeyProvider() (*UserKeyProvider, error) {
	p := &UserKeyProvider{keys: make(map[string]UserKey)}

	raw := os.Getenv("TOOLGATE_USER_KEYS")
	if raw == "" {
		return p, nil
	}

	var keys map[string]UserKey
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, fmt.Errorf("parsing TOOLGATE_USER_KEYS: %w", err)
	}
	for k, v := range keys {
		if err := p.SetKey(k, v); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *UserKeyProvider) Name() string { return "userkey" }

func (p *UserKeyProvider) Enabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.keys) > 0
}

// SetKey provisions or replaces a gateway key.
func (p *UserKeyProvider) SetKey(key string, uk UserKey) error {
	if !strings.HasPrefix(key, UserKeyPrefix) {
		return fmt.Errorf("user key %q must start with %q", key, UserKeyPrefix)
	}
	if uk.Subject == "" {
		return fmt.Errorf("user key %q has no subject", key)
	}
	p.mu.Lock()
	p.keys[key] = uk
	p.mu.Unlock()
	return nil
}

// RemoveKey revokes a gateway key.
func (p *UserKeyProvider) RemoveKey(key string) {
	p.mu.Lock()
	delete(p.keys, key)
	p.mu.Unlock()
}

// Authenticate resolves a "tg_" key to its identity. Tokens without the
// prefix return (nil, nil) so the chain moves on.
func (p *UserKeyProvider) Authenticate(_ context.Context, r *http.Request) (*Identity, error) {
	token := ExtractToken(r)
	if !strings.HasPrefix(token, UserKeyPrefix) {
		return nil, nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	// Compare against every key so lookup time does not leak which
	// prefix bytes matched.
	var found *UserKey
	for k := range p.keys {
		uk := p.keys[k]
		if subtle.ConstantTimeCompare([]byte(token), []byte(k)) == 1 {
			found = &uk
		}
	}
	if found == nil {
		return nil, fmt.Errorf("invalid gateway key")
	}

	secrets := make(map[string]string, len(found.Secrets))
	for k, v := range found.Secrets {
		secrets[k] = v
	}
	return &Identity{
		Subject:  found.Subject,
		Provider: p.Name(),
		Secrets:  secrets,
	}, nil
}
