package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Port string `env:"PORT" envDefault:"8000"`

	OpenAIAPIKey        string `env:"OPENAI_API_KEY"`
	OpenAIModel         string `env:"OPENAI_MODEL" envDefault:"gpt-4o"`
	OpenAIBaseURL       string `env:"OPENAI_BASE_URL"`
	OpenAIRatePerMinute int    `env:"OPENAI_RATE_PER_MINUTE" envDefault:"20"`

	LlamaServer string `env:"LLAMA_SERVER"`
	LlamaSeed   int    `env:"LLAMA_SEED" envDefault:"385480504"`

	// DBPath is the request ledger, empty disables it
	DBPath string `env:"CURIO_DB"`

	// ResizeDir receives images from the resize endpoint, empty disables
	// saving
	ResizeDir string `env:"CURIO_RESIZE_DIR"`

	AllowedOrigins []string      `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
	HTTPTimeout    time.Duration `env:"HTTP_TIMEOUT" envDefault:"120s"`
	MaxUploadBytes int64         `env:"MAX_UPLOAD_BYTES" envDefault:"33554432"`
}

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment - %w", err)
	}
	return cfg, nil
}

// LoadFrom is Load with an explicit environment, used in tests.
func LoadFrom(environ map[string]string) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("parsing environment - %w", err)
	}
	return cfg, nil
}
