// Copyright 2025 Conclave
// SPDX-License-Identifier: Apache-2.0

package council

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"conclave/platform/council/deliberation"
)

// DefaultCouncilModels is the council used when no configuration overrides it.
var DefaultCouncilModels = []string{
	"allenai/olmo-3-32b-think",
	"x-ai/glm-4.6",
	"google/gemini-2.5-flash",
	"x-ai/grok-4.1-fast",
	"moonshotai/kimi-k2-thinking",
}

// DefaultChairmanModel synthesizes final responses unless overridden.
const DefaultChairmanModel = "openai/gpt-5.1-chat"

// Config holds the service configuration. Values come from environment
// variables, optionally overridden by a YAML file named in
// CONCLAVE_CONFIG_FILE; ${VAR} references inside the file are expanded from
// the environment.
type Config struct {
	Port             string   `yaml:"port"`
	OpenRouterAPIKey string   `yaml:"openrouter_api_key"`
	OpenRouterURL    string   `yaml:"openrouter_url"`
	DatabaseURL      string   `yaml:"database_url"`
	RedisURL         string   `yaml:"redis_url"`
	JWTSecret        string   `yaml:"jwt_secret"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
	CouncilModels    []string `yaml:"council_models"`
	ChairmanModel    string   `yaml:"chairman_model"`
}

// Matches ${VAR_NAME} and ${VAR_NAME:-default}
var envVarRegex = regexp.MustCompile(`\$\{[A-Za-z_][A-Za-z0-9_]*(:-[^}]*)?\}`)

// expandEnvVars expands ${VAR} references, honoring ${VAR:-default} when the
// variable is unset or empty.
func expandEnvVars(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		inner := match[2 : len(match)-1]
		name, fallback := inner, ""
		if i := strings.Index(inner, ":-"); i >= 0 {
			name, fallback = inner[:i], inner[i+2:]
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return fallback
	})
}

// LoadConfig assembles the service configuration. Environment variables set
// the baseline; a config file replaces any field it sets.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		OpenRouterAPIKey: os.Getenv("OPENROUTER_API_KEY"),
		OpenRouterURL:    os.Getenv("OPENROUTER_URL"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		JWTSecret:        os.Getenv("CONCLAVE_JWT_SECRET"),
		AllowedOrigins:   []string{"*"},
		CouncilModels:    DefaultCouncilModels,
		ChairmanModel:    DefaultChairmanModel,
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = splitAndTrim(origins)
	}
	if models := os.Getenv("COUNCIL_MODELS"); models != "" {
		cfg.CouncilModels = splitAndTrim(models)
	}
	if chairman := os.Getenv("CHAIRMAN_MODEL"); chairman != "" {
		cfg.ChairmanModel = chairman
	}

	if path := os.Getenv("CONCLAVE_CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	expanded := expandEnvVars(string(data))

	var file Config
	if err := yaml.Unmarshal([]byte(expanded), &file); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if file.Port != "" {
		c.Port = file.Port
	}
	if file.OpenRouterAPIKey != "" {
		c.OpenRouterAPIKey = file.OpenRouterAPIKey
	}
	if file.OpenRouterURL != "" {
		c.OpenRouterURL = file.OpenRouterURL
	}
	if file.DatabaseURL != "" {
		c.DatabaseURL = file.DatabaseURL
	}
	if file.RedisURL != "" {
		c.RedisURL = file.RedisURL
	}
	if file.JWTSecret != "" {
		c.JWTSecret = file.JWTSecret
	}
	if len(file.AllowedOrigins) > 0 {
		c.AllowedOrigins = file.AllowedOrigins
	}
	if len(file.CouncilModels) > 0 {
		c.CouncilModels = file.CouncilModels
	}
	if file.ChairmanModel != "" {
		c.ChairmanModel = file.ChairmanModel
	}
	return nil
}

func (c *Config) validate() error {
	if c.OpenRouterAPIKey == "" {
		return fmt.Errorf("OPENROUTER_API_KEY is required")
	}
	if len(c.CouncilModels) == 0 {
		return fmt.Errorf("at least one council model is required")
	}
	if c.ChairmanModel == "" {
		return fmt.Errorf("a chairman model is required")
	}
	return nil
}

// Deliberation returns the default per-conversation council configuration.
func (c *Config) Deliberation() deliberation.Config {
	return deliberation.Config{
		CouncilModels: c.CouncilModels,
		ChairmanModel: c.ChairmanModel,
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
