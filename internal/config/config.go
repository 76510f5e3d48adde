// Package config содержит логику чтения конфигурации сервера и киоска.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервера штамп-ралли.
type Config struct {
	RunAddress      string `env:"RUN_ADDRESS"`
	DatabaseURI     string `env:"DATABASE_URI"`
	AuthSecret      string `env:"AUTH_SECRET"`
	DefaultTimezone string `env:"DEFAULT_TIMEZONE"`
}

// Parse считывает конфигурацию сервера из флагов командной строки и
// переменных окружения. Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envAuthSecret := cfg.AuthSecret
	envDefaultTimezone := cfg.DefaultTimezone

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.AuthSecret, "s", "stamprally-secret", "secret key for signing access tokens")
	flag.StringVar(&cfg.DefaultTimezone, "z", "UTC+09:00", "default campaign timezone")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}
	if envDefaultTimezone != "" {
		cfg.DefaultTimezone = envDefaultTimezone
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}

// KioskConfig содержит параметры конфигурации киоска.
type KioskConfig struct {
	APIAddress string `env:"API_ADDRESS"`
	TenantID   string `env:"TENANT_ID"`
	RedisAddr  string `env:"REDIS_ADDR"`
	KioskID    string `env:"KIOSK_ID"`
}

// ParseKiosk считывает конфигурацию киоска из флагов командной строки и
// переменных окружения. Переменные окружения имеют приоритет над флагами.
func ParseKiosk() (*KioskConfig, error) {
	cfg := &KioskConfig{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envAPIAddress := cfg.APIAddress
	envTenantID := cfg.TenantID
	envRedisAddr := cfg.RedisAddr
	envKioskID := cfg.KioskID

	flag.StringVar(&cfg.APIAddress, "a", "http://localhost:8080", "address of the stamp rally API")
	flag.StringVar(&cfg.TenantID, "t", "demo", "tenant id of the campaign")
	flag.StringVar(&cfg.RedisAddr, "r", "", "redis address for shared sessions, empty for in-memory")
	flag.StringVar(&cfg.KioskID, "k", "kiosk-1", "kiosk identifier for logs")

	flag.Parse()

	if envAPIAddress != "" {
		cfg.APIAddress = envAPIAddress
	}
	if envTenantID != "" {
		cfg.TenantID = envTenantID
	}
	if envRedisAddr != "" {
		cfg.RedisAddr = envRedisAddr
	}
	if envKioskID != "" {
		cfg.KioskID = envKioskID
	}

	if cfg.APIAddress == "" {
		cfg.APIAddress = "http://localhost:8080"
	}
	if cfg.TenantID == "" {
		cfg.TenantID = "demo"
	}

	return cfg, nil
}
