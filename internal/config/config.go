// Package config loads the service's environment-driven configuration
// (§6: "Environment-driven: database URL, queue broker host/port, HTTP
// listen port, node environment, credential-vault master key, external
// binary path, LLM settings bootstrap"). Follows the teacher's
// daemon.LoadConfig shape (defaults, then overrides, then validate) but
// reads only from the environment since this service ships as a
// stateless container workload rather than a NixOS-module appliance.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds the scan-pipeline service's runtime configuration.
type Config struct {
	DatabaseURL string

	QueueBrokerHost string
	QueueBrokerPort int

	HTTPPort int
	NodeEnv  string

	VaultMasterKeyHex string // 64 hex chars = 32 bytes

	NmapBinaryPath string

	LLMBootstrapProvider string
	LLMBootstrapEndpoint string
	LLMBootstrapModel    string

	AdminBootstrapPassword string

	LogLevel string
}

// DefaultConfig returns a config with sane defaults, mirroring the
// teacher's DefaultConfig().
func DefaultConfig() Config {
	return Config{
		QueueBrokerHost: "127.0.0.1",
		QueueBrokerPort: 5672,
		HTTPPort:        8080,
		NodeEnv:         "production",
		NmapBinaryPath:  "/usr/bin/nmap",
		LogLevel:        "info",
	}
}

// Load reads configuration from the environment, applying defaults for
// anything unset and validating required fields.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("QUEUE_BROKER_HOST"); v != "" {
		cfg.QueueBrokerHost = v
	}
	if v := os.Getenv("QUEUE_BROKER_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("QUEUE_BROKER_PORT: %w", err)
		}
		cfg.QueueBrokerPort = n
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("HTTP_PORT: %w", err)
		}
		cfg.HTTPPort = n
	}
	if v := os.Getenv("NODE_ENV"); v != "" {
		cfg.NodeEnv = v
	}
	if v := os.Getenv("VAULT_MASTER_KEY"); v != "" {
		cfg.VaultMasterKeyHex = v
	}
	if v := os.Getenv("NMAP_BINARY_PATH"); v != "" {
		cfg.NmapBinaryPath = v
	}
	if v := os.Getenv("LLM_BOOTSTRAP_PROVIDER"); v != "" {
		cfg.LLMBootstrapProvider = v
	}
	if v := os.Getenv("LLM_BOOTSTRAP_ENDPOINT"); v != "" {
		cfg.LLMBootstrapEndpoint = v
	}
	if v := os.Getenv("LLM_BOOTSTRAP_MODEL"); v != "" {
		cfg.LLMBootstrapModel = v
	}
	if v := os.Getenv("ADMIN_BOOTSTRAP_PASSWORD"); v != "" {
		cfg.AdminBootstrapPassword = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if len(cfg.VaultMasterKeyHex) != 64 {
		return nil, fmt.Errorf("VAULT_MASTER_KEY must be 64 hex characters, got %d", len(cfg.VaultMasterKeyHex))
	}

	return &cfg, nil
}
