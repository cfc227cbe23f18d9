// Package config содержит логику чтения конфигурации клиента ledgerpad.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config содержит параметры конфигурации клиента ledgerpad.
type Config struct {
	RunAddress     string `env:"RUN_ADDRESS"`
	BackendAddress string `env:"BACKEND_ADDRESS"`
	BackendAPIKey  string `env:"BACKEND_API_KEY"`
	StorePath      string `env:"STORE_PATH"`

	ProbeInterval  time.Duration `env:"PROBE_INTERVAL" envDefault:"30s"`
	ProbeTimeout   time.Duration `env:"PROBE_TIMEOUT" envDefault:"5s"`
	FetchTimeout   time.Duration `env:"FETCH_TIMEOUT" envDefault:"15s"`
	PollInterval   time.Duration `env:"POLL_INTERVAL" envDefault:"45s"`
	RealtimeWindow time.Duration `env:"REALTIME_WINDOW" envDefault:"5s"`

	AuthSafetyTimeout time.Duration `env:"AUTH_SAFETY_TIMEOUT" envDefault:"10s"`
	AdminCheckTimeout time.Duration `env:"ADMIN_CHECK_TIMEOUT" envDefault:"6s"`
	AdminRetryDelay   time.Duration `env:"ADMIN_RETRY_DELAY" envDefault:"1s"`

	// QueueDropExhausted управляет судьбой операций, исчерпавших лимит
	// повторов: false — остаются в очереди, true — удаляются после
	// пометки записи ошибкой.
	QueueDropExhausted bool `env:"QUEUE_DROP_EXHAUSTED" envDefault:"false"`
}

// RelayConfig содержит параметры конфигурации relay-форвардера.
type RelayConfig struct {
	RunAddress      string        `env:"RUN_ADDRESS"`
	UpstreamAddress string        `env:"UPSTREAM_ADDRESS"`
	UpstreamTimeout time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"30s"`
}

// ParseRelay считывает конфигурацию relay из флагов и переменных окружения.
func ParseRelay() (*RelayConfig, error) {
	_ = godotenv.Load()

	cfg := &RelayConfig{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envUpstreamAddress := cfg.UpstreamAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8090", "address and port for the relay server")
	flag.StringVar(&cfg.UpstreamAddress, "u", "", "upstream backend origin")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envUpstreamAddress != "" {
		cfg.UpstreamAddress = envUpstreamAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8090"
	}
	if cfg.UpstreamAddress == "" {
		return nil, fmt.Errorf("upstream address is required")
	}

	return cfg, nil
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	// .env не обязателен, его отсутствие не является ошибкой.
	_ = godotenv.Load()

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envBackendAddress := cfg.BackendAddress
	envStorePath := cfg.StorePath

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for the local API server")
	flag.StringVar(&cfg.BackendAddress, "b", "", "backend origin (direct or relay)")
	flag.StringVar(&cfg.StorePath, "s", "ledgerpad.json", "path to the local persistent store file")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envBackendAddress != "" {
		cfg.BackendAddress = envBackendAddress
	}
	if envStorePath != "" {
		cfg.StorePath = envStorePath
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.StorePath == "" {
		cfg.StorePath = "ledgerpad.json"
	}
	if cfg.BackendAddress == "" {
		return nil, fmt.Errorf("backend address is required")
	}

	return cfg, nil
}
