// Package embeddings provides the pluggable embedding providers behind
// the tool search index: an OpenAI-compatible API driver, an Ollama
// driver, and a deterministic local fallback so search degrades instead
// of failing when no external provider is reachable.
package embeddings

import "context"

// Provider turns texts into vectors. Implementations must be safe for
// concurrent use.
type Provider interface {
	// Kind identifies the driver for logging and index records.
	Kind() string
	// Model is the embedding model identifier stored with each record.
	Model() string
	// Dimensions is the vector width this provider produces.
	Dimensions() int
	// Embed generates one vector per input text, in order.
	Embed(ctx context.Context, texts []string) ([][]float64, error)
	// HealthCheck verifies the provider can actually embed.
	HealthCheck(ctx context.Context) error
}
