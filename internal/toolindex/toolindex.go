// Package toolindex keeps a similarity-searchable index over backend
// tool descriptors. Records are keyed backend:tool and carry the
// embedding model and dimensionality they were produced with; the index
// never mixes dimensionalities in one query.
package toolindex

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/toolgate/toolgate/internal/embeddings"
	"github.com/toolgate/toolgate/pkg/models"
)

// Record is one indexed tool.
type Record struct {
	Key        string // backend:localName
	Backend    string
	Tool       string
	Text       string
	Vector     []float64
	Dimensions int
	Model      string
	Metadata   map[string]string
}

// Hit is one search result.
type Hit struct {
	Record Record
	Score  float64
}

// Store persists and queries embedding records. All rows in a store
// share one dimensionality.
type Store interface {
	Upsert(ctx context.Context, recs []Record) error
	Search(ctx context.Context, vector []float64, limit int, threshold float64) ([]Hit, error)
	DeleteByBackend(ctx context.Context, backend string) error
	// Dimensions reports the store's current vector width, zero if empty
	// and unconfigured.
	Dimensions(ctx context.Context) (int, error)
	// Migrate resizes the store to a new dimensionality, dropping rows
	// of the old width.
	Migrate(ctx context.Context, dims int) error
}

// Index is the facade the rest of the gateway talks to: it builds
// searchable text for tools, embeds through the provider chain, and
// checks dimensionality lazily before the first write after a model
// change.
type Index struct {
	store    Store
	provider embeddings.Provider

	mu        sync.Mutex
	checked   bool
	onMigrate func()
}

// New creates a tool index over a store and an embedding provider.
func New(store Store, provider embeddings.Provider) *Index {
	return &Index{store: store, provider: provider}
}

// OnMigrate registers a hook run after a write-path migration drops the
// previously indexed rows, so the caller can repopulate the index from
// the live catalogs.
func (ix *Index) OnMigrate(fn func()) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.onMigrate = fn
}

// IndexTools embeds and upserts a backend's tool catalog.
func (ix *Index) IndexTools(ctx context.Context, backend string, tools []models.MCPToolInfo) error {
	if len(tools) == 0 {
		return nil
	}

	texts := make([]string, len(tools))
	for i, t := range tools {
		texts[i] = searchableText(backend, t)
	}

	vectors, err := ix.provider.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed tools for %s: %w", backend, err)
	}
	if len(vectors) != len(tools) {
		return fmt.Errorf("embed tools for %s: got %d vectors for %d tools", backend, len(vectors), len(tools))
	}

	if err := ix.ensureDimensions(ctx, len(vectors[0])); err != nil {
		return err
	}

	recs := make([]Record, 0, len(tools))
	for i, t := range tools {
		schema := ""
		if t.InputSchema != nil {
			if raw, err := json.Marshal(t.InputSchema); err == nil {
				schema = string(raw)
			}
		}
		recs = append(recs, Record{
			Key:        backend + ":" + t.Name,
			Backend:    backend,
			Tool:       t.Name,
			Text:       texts[i],
			Vector:     vectors[i],
			Dimensions: len(vectors[i]),
			Model:      ix.provider.Model(),
			Metadata: map[string]string{
				"backend":     backend,
				"tool":        t.Name,
				"description": t.Description,
				"inputSchema": schema,
			},
		})
	}
	return ix.store.Upsert(ctx, recs)
}

// Search embeds the query and returns scored hits at or above threshold.
// A query vector whose width differs from the store's (the provider
// chain degraded since indexing) yields no hits; migration is a
// write-path concern only, so searching never drops indexed rows.
func (ix *Index) Search(ctx context.Context, query string, limit int, threshold float64) ([]Hit, error) {
	vectors, err := ix.provider.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	current, err := ix.store.Dimensions(ctx)
	if err != nil {
		return nil, fmt.Errorf("read index dimensions: %w", err)
	}
	if current != 0 && current != len(vectors[0]) {
		log.Warn().Int("index", current).Int("query", len(vectors[0])).
			Msg("Query embedding width differs from index, returning no hits")
		return nil, nil
	}
	return ix.store.Search(ctx, vectors[0], limit, threshold)
}

// RemoveBackend drops a backend's records.
func (ix *Index) RemoveBackend(ctx context.Context, backend string) error {
	return ix.store.DeleteByBackend(ctx, backend)
}

// ensureDimensions runs the lazy dimensionality check: on first use, and
// again whenever the produced width changes (a provider/model swap), the
// store is migrated before the write proceeds.
func (ix *Index) ensureDimensions(ctx context.Context, dims int) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	current, err := ix.store.Dimensions(ctx)
	if err != nil {
		return fmt.Errorf("read index dimensions: %w", err)
	}
	if current == dims && ix.checked {
		return nil
	}
	if current != 0 && current != dims {
		log.Warn().Int("from", current).Int("to", dims).Msg("Embedding dimensionality changed, migrating tool index")
		if err := ix.store.Migrate(ctx, dims); err != nil {
			return fmt.Errorf("migrate index to %d dims: %w", dims, err)
		}
		if ix.onMigrate != nil {
			// The migration dropped every old-width row; repopulate
			// outside the index lock.
			go ix.onMigrate()
		}
	} else if current == 0 {
		if err := ix.store.Migrate(ctx, dims); err != nil {
			return fmt.Errorf("initialize index at %d dims: %w", dims, err)
		}
	}
	ix.checked = true
	return nil
}

// searchableText flattens a tool into the string that gets embedded:
// qualified name, description, and the input schema's top-level keys and
// property names.
func searchableText(backend string, t models.MCPToolInfo) string {
	var sb strings.Builder
	sb.WriteString(models.QualifiedToolName(backend, t.Name))
	if t.Description != "" {
		sb.WriteString(" ")
		sb.WriteString(t.Description)
	}
	if t.InputSchema != nil {
		keys := make([]string, 0, len(t.InputSchema))
		for k := range t.InputSchema {
			keys = append(keys, k)
		}
		if props, ok := t.InputSchema["properties"].(map[string]interface{}); ok {
			for name := range props {
				keys = append(keys, name)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteString(" ")
			sb.WriteString(k)
		}
	}
	return sb.String()
}
