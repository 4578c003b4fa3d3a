// Package server provides the public entry point for composing the
// toolgate server: settings, backend connections, sessions, auth, the
// tool router, and the HTTP surface.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":3000", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/toolgate/toolgate/internal/api"
	"github.com/toolgate/toolgate/internal/api/handlers"
	"github.com/toolgate/toolgate/internal/auth"
	"github.com/toolgate/toolgate/internal/backend"
	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/internal/embeddings"
	"github.com/toolgate/toolgate/internal/gateway"
	toolrouter "github.com/toolgate/toolgate/internal/router"
	"github.com/toolgate/toolgate/internal/session"
	"github.com/toolgate/toolgate/internal/settings"
	"github.com/toolgate/toolgate/internal/telemetry"
	"github.com/toolgate/toolgate/internal/toolindex"
	"github.com/toolgate/toolgate/pkg/models"
)

// Server holds the initialized toolgate components.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Port is the port the server should listen on.
	Port int

	// Settings is the live configuration store.
	Settings *settings.Store

	// Backends is the upstream connection manager.
	Backends *backend.Manager

	// Sessions is the client session registry.
	Sessions *session.Registry

	// ShutdownFunc flushes telemetry and closes upstream connections.
	ShutdownFunc func(context.Context) error
}

// New initializes all components from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the server with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	st, err := settings.LoadFile(cfg.SettingsPath)
	if err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}

	index, embedChain, closeIndex, err := buildIndex(ctx, st.SmartRouting())
	if err != nil {
		return nil, fmt.Errorf("building tool index: %w", err)
	}
	if embedChain != nil {
		embedChain.StartHealthLoop(ctx, time.Duration(cfg.Embeddings.HealthSeconds)*time.Second)
	}

	var indexer backend.Indexer
	if index != nil {
		indexer = index
	}
	manager := backend.NewManager(st, indexer)
	if index != nil {
		// A width migration drops every indexed row; refill from the
		// live catalogs.
		index.OnMigrate(func() { manager.ReindexAll(ctx) })
	}

	sessions := session.NewRegistry()
	sessions.StartSweeper(ctx,
		time.Duration(cfg.Session.SweepSeconds)*time.Second,
		time.Duration(cfg.Session.MaxIdleSeconds)*time.Second)

	chain := auth.NewChain()
	userKeys, err := auth.NewUserKeyProvider()
	if err != nil {
		return nil, fmt.Errorf("loading user keys: %w", err)
	}
	chain.Register(userKeys)
	chain.Register(auth.NewStaticBearerProvider(st.Routing))

	var search toolrouter.Searcher
	if index != nil {
		search = index
	}
	rt := toolrouter.New(st, manager, search)

	gw := gateway.New(st, rt, sessions, chain, cfg.Version)
	manager.OnCatalogChange(gw.BroadcastToolListChanged)

	h := handlers.New(st, manager, gw, sessions, cfg.Version)
	router := api.NewRouter(cfg, h, gw)

	// Connect all configured backends before accepting traffic.
	manager.RegisterAll(ctx, true)
	log.Info().
		Int("backends", len(st.BackendNames())).
		Bool("smart_routing", index != nil).
		Msg("Toolgate initialized")

	shutdown := func(ctx context.Context) error {
		manager.Close(ctx)
		if closeIndex != nil {
			closeIndex()
		}
		return shutdownTelemetry(ctx)
	}

	return &Server{
		Handler:      router,
		Port:         cfg.Port,
		Settings:     st,
		Backends:     manager,
		Sessions:     sessions,
		ShutdownFunc: shutdown,
	}, nil
}

// buildIndex assembles the embedding provider chain and vector store
// when smart routing is enabled. Returns a nil index otherwise.
func buildIndex(ctx context.Context, sc models.SmartRoutingConfig) (*toolindex.Index, *embeddings.Chain, func(), error) {
	if !sc.Enabled {
		return nil, nil, nil, nil
	}

	var primary embeddings.Provider
	if sc.OpenAIKey != "" {
		var opts []embeddings.OpenAIOption
		if sc.OpenAIBase != "" {
			opts = append(opts, embeddings.WithOpenAIBaseURL(sc.OpenAIBase))
		}
		primary = embeddings.NewOpenAIProvider(sc.OpenAIKey, sc.OpenAIModel, opts...)
	}
	chain := embeddings.NewChain(primary, embeddings.NewFallbackProvider())

	if sc.DBURL == "" {
		log.Info().Msg("Smart routing using in-memory vector store")
		return toolindex.New(toolindex.NewMemoryStore(), chain), chain, nil, nil
	}

	pg, err := toolindex.NewPgvectorStore(ctx, sc.DBURL, chain.Dimensions())
	if err != nil {
		return nil, nil, nil, err
	}
	log.Info().Str("model", chain.Model()).Msg("Smart routing using pgvector store")
	return toolindex.New(pg, chain), chain, pg.Close, nil
}
