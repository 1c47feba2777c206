package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Tenant   TenantConfig   `toml:"tenant"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type PipelineConfig struct {
	IntervalSeconds    int `toml:"interval_seconds"`
	RunTimeoutSeconds  int `toml:"run_timeout_seconds"`
	Concurrency        int `toml:"concurrency"`
	BootstrapResamples int `toml:"bootstrap_resamples"`
}

type TenantConfig struct {
	// DefaultID is used when requests carry no X-Tenant-ID header, for
	// single-tenant self-hosted deployments.
	DefaultID string `toml:"default_id"`
}

func DefaultConfig() *Config {
	return &Config{
		Server:   ServerConfig{Addr: ":8080"},
		Database: DatabaseConfig{Path: "./splitbeam.db"},
		Pipeline: PipelineConfig{
			IntervalSeconds:    300,
			RunTimeoutSeconds:  60,
			Concurrency:        4,
			BootstrapResamples: 2000,
		},
		Tenant: TenantConfig{DefaultID: "default"},
	}
}

func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}
