package bootstrap

import (
	"fmt"

	"botctl/internal/config"
	"botctl/pkg/cli"
)

// Config is an alias for the project's main configuration struct
type Config = config.Config

// LoadConfig delegates to the project's config loader, then runs pre-flight
// checks that need the filesystem/environment rather than just the parsed
// YAML (config.Validate covers everything that doesn't).
func LoadConfig(path string) (*Config, error) {
	if err := cli.ValidateInput(path); err != nil {
		return nil, fmt.Errorf("config path: %w", err)
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}

	return cfg, nil
}

// checkPreFlight performs environment checks beyond schema validation.
func checkPreFlight(cfg *Config) error {
	if cfg.App.EngineType == "durable" && cfg.App.DatabaseURL == "" {
		return fmt.Errorf("app.database_url is required when engine_type is 'durable'")
	}
	if cfg.App.EngineType == "simple" && cfg.App.StorePath == "" {
		return fmt.Errorf("app.store_path is required when engine_type is 'simple'")
	}
	return nil
}
