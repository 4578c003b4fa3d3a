package auth

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/toolgate/toolgate/pkg/models"
)

func staticRouting(rc models.RoutingConfig) func() models.RoutingConfig {
	return func() models.RoutingConfig { return rc }
}

func TestExtractToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/sse", nil)
	r.Header.Set("Authorization", "Bearer secret123")
	if got := ExtractToken(r); got != "secret123" {
		t.Errorf("bearer header: got %q, want %q", got, "secret123")
	}

	r = httptest.NewRequest("GET", "/sse", nil)
	r.Header.Set("X-API-Key", "xkey")
	if got := ExtractToken(r); got != "xkey" {
		t.Errorf("x-api-key header: got %q, want %q", got, "xkey")
	}

	r = httptest.NewRequest("GET", "/sse?key=qkey", nil)
	if got := ExtractToken(r); got != "qkey" {
		t.Errorf("query param: got %q, want %q", got, "qkey")
	}

	r = httptest.NewRequest("GET", "/sse", nil)
	if got := ExtractToken(r); got != "" {
		t.Errorf("no credential: got %q, want empty", got)
	}
}

func TestStaticBearerProvider(t *testing.T) {
	p := NewStaticBearerProvider(staticRouting(models.RoutingConfig{
		EnableBearerAuth: true,
		BearerAuthKey:    "hub-key",
	}))

	if !p.Enabled() {
		t.Fatal("provider should be enabled")
	}

	r := httptest.NewRequest("GET", "/mcp", nil)
	r.Header.Set("Authorization", "Bearer hub-key")
	id, err := p.Authenticate(context.Background(), r)
	if err != nil || id == nil {
		t.Fatalf("Authenticate = %v, %v; want identity", id, err)
	}
	if id.Subject != "bearer" {
		t.Errorf("Subject = %q, want %q", id.Subject, "bearer")
	}

	r = httptest.NewRequest("GET", "/mcp", nil)
	r.Header.Set("Authorization", "Bearer wrong")
	if _, err := p.Authenticate(context.Background(), r); err == nil {
		t.Error("wrong key should be rejected")
	}

	r = httptest.NewRequest("GET", "/mcp", nil)
	id, err = p.Authenticate(context.Background(), r)
	if id != nil || err != nil {
		t.Errorf("missing token: got (%v, %v), want (nil, nil)", id, err)
	}
}

func TestStaticBearerProvider_Disabled(t *testing.T) {
	p := NewStaticBearerProvider(staticRouting(models.RoutingConfig{
		EnableBearerAuth: false,
		BearerAuthKey:    "hub-key",
	}))
	if p.Enabled() {
		t.Error("provider should be disabled when bearer auth is off")
	}
}

func TestUserKeyProvider(t *testing.T) {
	p := &UserKeyProvider{keys: make(map[string]UserKey)}
	if p.Enabled() {
		t.Error("empty provider should be disabled")
	}

	err := p.SetKey("tg_alice", UserKey{
		Subject: "alice",
		Secrets: map[string]string{"USER_GITHUB_TOKEN": "ghp_x"},
	})
	if err != nil {
		t.Fatalf("SetKey: %v", err)
	}
	if !p.Enabled() {
		t.Error("provider should be enabled after SetKey")
	}

	r := httptest.NewRequest("GET", "/sse", nil)
	r.Header.Set("Authorization", "Bearer tg_alice")
	id, err := p.Authenticate(context.Background(), r)
	if err != nil || id == nil {
		t.Fatalf("Authenticate = %v, %v; want identity", id, err)
	}
	if id.Subject != "alice" {
		t.Errorf("Subject = %q, want %q", id.Subject, "alice")
	}
	if id.Secrets["USER_GITHUB_TOKEN"] != "ghp_x" {
		t.Errorf("Secrets = %v, missing USER_GITHUB_TOKEN", id.Secrets)
	}

	r = httptest.NewRequest("GET", "/sse", nil)
	r.Header.Set("Authorization", "Bearer tg_bogus")
	if _, err := p.Authenticate(context.Background(), r); err == nil {
		t.Error("unknown tg_ key should be rejected")
	}

	// Non-prefixed tokens are not this provider's concern.
	r = httptest.NewRequest("GET", "/sse", nil)
	r.Header.Set("Authorization", "Bearer hub-key")
	id, err = p.Authenticate(context.Background(), r)
	if id != nil || err != nil {
		t.Errorf("non-prefixed token: got (%v, %v), want (nil, nil)", id, err)
	}
}

func TestUserKeyProvider_SetKeyValidation(t *testing.T) {
	p := &UserKeyProvider{keys: make(map[string]UserKey)}
	if err := p.SetKey("alice", UserKey{Subject: "alice"}); err == nil {
		t.Error("key without tg_ prefix should be rejected")
	}
	if err := p.SetKey("tg_x", UserKey{}); err == nil {
		t.Error("key without subject should be rejected")
	}
}

func TestChain(t *testing.T) {
	c := NewChain()
	user := &UserKeyProvider{keys: make(map[string]UserKey)}
	if err := user.SetKey("tg_bob", UserKey{Subject: "bob"}); err != nil {
		t.Fatal(err)
	}
	c.Register(user)
	c.Register(NewStaticBearerProvider(staticRouting(models.RoutingConfig{
		EnableBearerAuth: true,
		BearerAuthKey:    "shared",
	})))

	// User key resolves through the first provider.
	r := httptest.NewRequest("GET", "/mcp", nil)
	r.Header.Set("Authorization", "Bearer tg_bob")
	id, err := c.Authenticate(context.Background(), r)
	if err != nil || id == nil || id.Subject != "bob" {
		t.Fatalf("user key auth = (%v, %v), want bob", id, err)
	}

	// Shared key falls through to the bearer provider.
	r = httptest.NewRequest("GET", "/mcp", nil)
	r.Header.Set("Authorization", "Bearer shared")
	id, err = c.Authenticate(context.Background(), r)
	if err != nil || id == nil || id.Subject != "bearer" {
		t.Fatalf("shared key auth = (%v, %v), want bearer", id, err)
	}

	// No credential at all is anonymous, not an error.
	r = httptest.NewRequest("GET", "/mcp", nil)
	id, err = c.Authenticate(context.Background(), r)
	if id != nil || err != nil {
		t.Errorf("anonymous = (%v, %v), want (nil, nil)", id, err)
	}

	// A wrong shared key is a hard reject.
	r = httptest.NewRequest("GET", "/mcp", nil)
	r.Header.Set("Authorization", "Bearer wrong")
	if _, err := c.Authenticate(context.Background(), r); err == nil {
		t.Error("invalid shared key should be rejected")
	}
}
