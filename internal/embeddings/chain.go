package embeddings

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Chain tries a primary provider and degrades to a fallback on any
// error. Once the primary fails it is benched for subsequent calls until
// a health check passes again, so a dead API doesn't add latency to
// every search.
type Chain struct {
	primary  Provider
	fallback Provider

	mu      sync.Mutex
	benched bool
}

// NewChain builds a provider chain. A nil primary means fallback-only.
func NewChain(primary Provider, fallback Provider) *Chain {
	if fallback == nil {
		fallback = NewFallbackProvider()
	}
	return &Chain{primary: primary, fallback: fallback}
}

// Active returns the provider that the next Embed call will use.
func (c *Chain) Active() Provider {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.primary == nil || c.benched {
		return c.fallback
	}
	return c.primary
}

func (c *Chain) Kind() string    { return c.Active().Kind() }
func (c *Chain) Model() string   { return c.Active().Model() }
func (c *Chain) Dimensions() int { return c.Active().Dimensions() }

// Embed embeds with the primary provider, falling back on error.
func (c *Chain) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	c.mu.Lock()
	primary := c.primary
	benched := c.benched
	c.mu.Unlock()

	if primary != nil && !benched {
		vectors, err := primary.Embed(ctx, texts)
		if err == nil {
			return vectors, nil
		}
		log.Warn().Str("provider", primary.Kind()).Err(err).Msg("Embedding provider failed, using fallback")
		c.mu.Lock()
		c.benched = true
		c.mu.Unlock()
	}
	return c.fallback.Embed(ctx, texts)
}

// StartHealthLoop re-probes a benched primary at the given interval so
// it comes back once its API recovers. The loop exits when ctx is done.
func (c *Chain) StartHealthLoop(ctx context.Context, interval time.Duration) {
	if c.primary == nil || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.mu.Lock()
				benched := c.benched
				c.mu.Unlock()
				if !benched {
					continue
				}
				probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				err := c.HealthCheck(probeCtx)
				cancel()
				if err == nil {
					log.Info().Str("provider", c.primary.Kind()).Msg("Embedding provider recovered")
				}
			}
		}
	}()
}

// HealthCheck probes the primary and unbenches it on success.
func (c *Chain) HealthCheck(ctx context.Context) error {
	c.mu.Lock()
	primary := c.primary
	c.mu.Unlock()

	if primary == nil {
		return c.fallback.HealthCheck(ctx)
	}
	err := primary.HealthCheck(ctx)
	c.mu.Lock()
	c.benched = err != nil
	c.mu.Unlock()
	return err
}
