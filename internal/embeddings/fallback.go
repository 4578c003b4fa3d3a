package embeddings

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// FallbackDimensions is the fixed width of the local hash embedding.
const FallbackDimensions = 100

// FallbackProvider is a deterministic bag-of-words hash embedding. It
// needs no network and always succeeds, so tool search keeps working
// (with reduced quality) when no external embedding API is configured or
// reachable. Texts sharing words land near each other under cosine
// similarity.
type FallbackProvider struct{}

// NewFallbackProvider creates the local hash embedding provider.
func NewFallbackProvider() *FallbackProvider { return &FallbackProvider{} }

func (*FallbackProvider) Kind() string    { return "fallback" }
func (*FallbackProvider) Model() string   { return "bag-of-words" }
func (*FallbackProvider) Dimensions() int { return FallbackDimensions }

func (*FallbackProvider) Embed(_ context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, text := range texts {
		out[i] = hashEmbed(text)
	}
	return out, nil
}

func (*FallbackProvider) HealthCheck(context.Context) error { return nil }

func hashEmbed(text string) []float64 {
	vec := make([]float64, FallbackDimensions)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(word))
		vec[h.Sum32()%FallbackDimensions]++
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec
}
