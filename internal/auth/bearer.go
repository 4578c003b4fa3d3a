package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"

	"github.com/toolgate/toolgate/pkg/models"
)

// StaticBearerProvider validates requests against the single shared
// bearer key from routing config. Enablement and the key value are read
// live so config changes take effect without a restart.
type StaticBearerProvider struct {
	routing func() models.RoutingConfig
}

// NewStaticBearerProvider creates a bearer provider reading routing
// config through the given accessor.
func NewStaticBearerProvider(routing func() models.RoutingConfig) *StaticBearerProvider {
	return &StaticBearerProvider{routing: routing}
}

func (p *StaticBearerProvider) Name() string { return "bearer" }

func (p *StaticBearerProvider) Enabled() bool {
	rc := p.routing()
	return rc.EnableBearerAuth && rc.BearerAuthKey != ""
}

// Authenticate compares the presented token against the configured key.
// Returns (nil, nil) when no token is present so a later provider can
// claim the request.
func (p *StaticBearerProvider) Authenticate(_ context.Context, r *http.Request) (*Identity, error) {
	token := ExtractToken(r)
	if token == "" {
		return nil, nil
	}

	key := p.routing().BearerAuthKey
	if subtle.ConstantTimeCompare([]byte(token), []byte(key)) != 1 {
		return nil, fmt.Errorf("invalid bearer key")
	}

	return &Identity{Subject: "bearer", Provider: p.Name()}, nil
}
