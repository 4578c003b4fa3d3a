package config

import (
	"os"
	"strconv"
)

// Config holds all configuration for the Toolgate gateway process.
type Config struct {
	Port         int
	Version      string
	SettingsPath string
	Session      SessionConfig
	Embeddings   EmbeddingsConfig
	Telemetry    TelemetryConfig
}

type SessionConfig struct {
	// SweepSeconds is the cadence of the inactivity sweep.
	SweepSeconds int
	// MaxIdleSeconds is the inactivity threshold after which a
	// non-connected session is reaped.
	MaxIdleSeconds int
}

type EmbeddingsConfig struct {
	// HealthSeconds is the cadence at which a benched embedding
	// provider is re-probed.
	HealthSeconds int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:         envInt("TOOLGATE_PORT", 3000),
		Version:      envStr("TOOLGATE_VERSION", "0.1.0"),
		SettingsPath: envStr("TOOLGATE_SETTINGS", "toolgate_settings.json"),
		Session: SessionConfig{
			SweepSeconds:   envInt("TOOLGATE_SESSION_SWEEP_SECONDS", 60),
			MaxIdleSeconds: envInt("TOOLGATE_SESSION_MAX_IDLE_SECONDS", 120),
		},
		Embeddings: EmbeddingsConfig{
			HealthSeconds: envInt("TOOLGATE_EMBEDDINGS_HEALTH_SECONDS", 60),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "toolgate"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
