// Package config assembles server configuration from three layers: built-in
// defaults, an optional autoappdev.yaml next to the repo root, and
// environment variables (highest precedence). A .env file at the repo root
// is loaded first without overriding already-set variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 8788
)

// Config is the resolved server configuration.
type Config struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	DatabaseURL string `yaml:"database_url"`
	RuntimeDir  string `yaml:"runtime_dir"`
	RepoRoot    string `yaml:"repo_root"`

	EnableLLMParse bool   `yaml:"enable_llm_parse"`
	CodexModel     string `yaml:"codex_model"`
	CodexReasoning string `yaml:"codex_reasoning"`

	PipelineScript string `yaml:"pipeline_script"`

	Version string `yaml:"-"`
}

// LogDir is where pipeline.log and backend.log live.
func (c *Config) LogDir() string {
	return filepath.Join(c.RuntimeDir, "logs")
}

func env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// Load resolves the configuration for a repo root.
func Load(repoRoot string) (*Config, error) {
	abs, err := filepath.Abs(repoRoot)
	if err != nil {
		return nil, fmt.Errorf("config: resolve repo root: %w", err)
	}
	// Missing .env is fine; a malformed one is not.
	if err := godotenv.Load(filepath.Join(abs, ".env")); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := &Config{
		Host:           DefaultHost,
		Port:           DefaultPort,
		RepoRoot:       abs,
		RuntimeDir:     filepath.Join(abs, "runtime"),
		CodexModel:     "gpt-5.3-codex",
		CodexReasoning: "medium",
		Version:        "dev",
	}

	yamlPath := filepath.Join(abs, "autoappdev.yaml")
	if data, err := os.ReadFile(yamlPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", yamlPath, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: read %s: %w", yamlPath, err)
	}

	cfg.Host = env("AUTOAPPDEV_HOST", cfg.Host)
	if portStr := env("AUTOAPPDEV_PORT", env("PORT", "")); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("config: invalid port %q", portStr)
		}
		cfg.Port = port
	}
	cfg.DatabaseURL = env("DATABASE_URL", cfg.DatabaseURL)
	cfg.RuntimeDir = env("AUTOAPPDEV_RUNTIME_DIR", cfg.RuntimeDir)
	if !filepath.IsAbs(cfg.RuntimeDir) {
		cfg.RuntimeDir = filepath.Join(abs, cfg.RuntimeDir)
	}
	if env("AUTOAPPDEV_ENABLE_LLM_PARSE", "") == "1" {
		cfg.EnableLLMParse = true
	}
	cfg.CodexModel = env("AUTOAPPDEV_CODEX_MODEL", cfg.CodexModel)
	cfg.CodexReasoning = env("AUTOAPPDEV_CODEX_REASONING", cfg.CodexReasoning)
	cfg.PipelineScript = env("AUTOAPPDEV_PIPELINE_SCRIPT", cfg.PipelineScript)
	cfg.Version = env("AUTOAPPDEV_VERSION", cfg.Version)

	return cfg, nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
