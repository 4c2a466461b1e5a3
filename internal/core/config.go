package core

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Config holds runtime configuration for a worker. Zero values fall back to
// the defaults in DefaultConfig when passed through Normalize.
type Config struct {
	MemoryLimitMB     int    `envconfig:"MEMORY_LIMIT_MB" default:"128"` // per-engine memory limit, 0 disables
	MaxPayloadBytes   int    `envconfig:"MAX_PAYLOAD_BYTES" default:"16777216"`
	CompressThreshold int    `envconfig:"COMPRESS_THRESHOLD" default:"65536"` // value regions above this are brotli-compressed, 0 disables
	MaxDepth          int    `envconfig:"MAX_DEPTH" default:"256"`            // nesting limit for encoded values
	TranspileModules  bool   `envconfig:"TRANSPILE_MODULES" default:"true"`   // run ESM/TS sources loaded by compile() through esbuild
	LogLevel          string `envconfig:"LOG_LEVEL" default:"info"`
	LogDevelopment    bool   `envconfig:"LOG_DEV" default:"false"`
	DBPath            string `envconfig:"DB_PATH"` // enables db.* host methods in cmd/webworker
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		MemoryLimitMB:     128,
		MaxPayloadBytes:   16 << 20,
		CompressThreshold: 64 << 10,
		MaxDepth:          256,
		TranspileModules:  true,
		LogLevel:          "info",
	}
}

// LoadConfig reads the configuration from environment variables using the
// given prefix, e.g. WEBWORKER_MEMORY_LIMIT_MB for prefix "webworker".
func LoadConfig(prefix string) (Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("loading config: %w", err)
	}
	return cfg.Normalize(), nil
}

// Normalize replaces unset limits with their defaults.
func (c Config) Normalize() Config {
	def := DefaultConfig()
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = def.MaxPayloadBytes
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = def.MaxDepth
	}
	if c.CompressThreshold < 0 {
		c.CompressThreshold = 0
	}
	if c.MemoryLimitMB < 0 {
		c.MemoryLimitMB = 0
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	return c
}
