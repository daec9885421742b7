package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig     `json:"server"`
	Providers []ProviderConfig `json:"providers"`
	Routing   RoutingConfig    `json:"routing"`
	Planner   PlannerConfig    `json:"planner"`
	Workers   WorkersConfig    `json:"workers"`
	Scheduler SchedulerConfig  `json:"scheduler"`
	Gateway   GatewayConfig    `json:"gateway"`
	Database  DatabaseConfig   `json:"database"`
	Notify    NotifyConfig     `json:"notify"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type ProviderConfig struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // "openai" or "anthropic"
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
	APIKey   string `json:"api_key"`
	Model    string `json:"model"`
}

// RoutingConfig binds worker model preferences to providers.
type RoutingConfig struct {
	Default   string              `json:"default"`   // provider id used when nothing else matches
	Bindings  map[string]string   `json:"bindings"`  // model preference -> provider id
	Fallbacks map[string][]string `json:"fallbacks"` // provider id -> ordered fallback provider ids
}

type PlannerConfig struct {
	Preference string `json:"preference"` // routed like a worker model preference
	Model      string `json:"model"`
}

type WorkersConfig struct {
	Dir string `json:"dir"`
}

type SchedulerConfig struct {
	MaxConcurrent int    `json:"max_concurrent"`
	MaxAttempts   int    `json:"max_attempts"`
	TaskTimeout   string `json:"task_timeout"` // Go duration string
}

// TaskTimeoutDuration parses the task timeout, zero when unset or invalid.
func (c SchedulerConfig) TaskTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.TaskTimeout)
	if err != nil {
		return 0
	}
	return d
}

type GatewayConfig struct {
	WorkspaceDir    string `json:"workspace_dir"`
	RateLimitCalls  int    `json:"rate_limit_calls"`
	RateLimitWindow string `json:"rate_limit_window"` // Go duration string
}

// RateWindow parses the rate limit window, one minute when unset or invalid.
func (c GatewayConfig) RateWindow() time.Duration {
	d, err := time.ParseDuration(c.RateLimitWindow)
	if err != nil || d <= 0 {
		return time.Minute
	}
	return d
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type NotifyConfig struct {
	Slack   SlackNotifyConfig   `json:"slack"`
	Discord DiscordNotifyConfig `json:"discord"`
}

type SlackNotifyConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

type DiscordNotifyConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Workers.Dir == "" {
		cfg.Workers.Dir = "workers"
	}
	if cfg.Gateway.WorkspaceDir == "" {
		cfg.Gateway.WorkspaceDir = "workspace"
	}
	if cfg.Gateway.RateLimitCalls == 0 {
		cfg.Gateway.RateLimitCalls = 60
	}
	return &cfg, nil
}
