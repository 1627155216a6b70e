// Package config provides YAML-based configuration loading for Threadline.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the top-level Threadline configuration, loaded from threadline.yaml.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Server    ServerConfig    `yaml:"server"`
	Streams   StreamsConfig   `yaml:"streams"`
	Resume    ResumeConfig    `yaml:"resume"`
	Generator GeneratorConfig `yaml:"generator"`
	Notify    NotifyConfig    `yaml:"notify"`
	Log       LogConfig       `yaml:"log"`
}

// DatabaseConfig selects the gorm dialector and its connection settings.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite (default) or mysql
	DSN    string `yaml:"dsn"`
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	User   string `yaml:"user"`
	Name   string `yaml:"name"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Port              int           `yaml:"port"`
	RateLimitRPS      float64       `yaml:"rate_limit_rps"`
	RateLimitBurst    int           `yaml:"rate_limit_burst"`
	WatchPollInterval time.Duration `yaml:"watch_poll_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// StreamsConfig holds the resumable stream log and sweeper settings.
type StreamsConfig struct {
	Dir        string        `yaml:"dir"` // empty keeps the chunk log in memory
	StaleAfter time.Duration `yaml:"stale_after"`
	SweepCron  string        `yaml:"sweep_cron"`
}

// ResumeConfig holds client-side reconciliation settings.
type ResumeConfig struct {
	AutoResume        *bool         `yaml:"auto_resume"`
	PendingTimeout    time.Duration `yaml:"pending_timeout"`
	MaxResumeAttempts int           `yaml:"max_resume_attempts"`
	WatchRetry        time.Duration `yaml:"watch_retry"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
}

// GeneratorConfig picks the text generator behind the chat service.
type GeneratorConfig struct {
	Name       string        `yaml:"name"`
	ChunkDelay time.Duration `yaml:"chunk_delay"`
}

// NotifyConfig holds optional chat-platform webhooks for stream alerts.
type NotifyConfig struct {
	SlackWebhook        string `yaml:"slack_webhook"`
	DiscordWebhookID    string `yaml:"discord_webhook_id"`
	DiscordWebhookToken string `yaml:"discord_webhook_token"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// AutoResumeEnabled reports whether clients should reattach to live streams.
func (r ResumeConfig) AutoResumeEnabled() bool {
	return r.AutoResume == nil || *r.AutoResume
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config. Environment overrides
// are applied between defaults and validation.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a validated configuration with every default applied.
func Default() *Config {
	cfg, _ := Parse(nil)
	return cfg
}

// applyEnv overlays secrets and deployment knobs from the environment.
func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("THREADLINE_DB_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := getenv("THREADLINE_SLACK_WEBHOOK"); v != "" {
		c.Notify.SlackWebhook = v
	}
	if v := getenv("THREADLINE_DISCORD_WEBHOOK_ID"); v != "" {
		c.Notify.DiscordWebhookID = v
	}
	if v := getenv("THREADLINE_DISCORD_WEBHOOK_TOKEN"); v != "" {
		c.Notify.DiscordWebhookToken = v
	}
	if v := getenv("THREADLINE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.DSN == "" {
		c.Database.DSN = "threadline.db"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Name == "" {
			c.Database.Name = "threadline"
		}
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.RateLimitRPS == 0 {
		c.Server.RateLimitRPS = 2
	}
	if c.Server.RateLimitBurst == 0 {
		c.Server.RateLimitBurst = 5
	}
	if c.Server.WatchPollInterval == 0 {
		c.Server.WatchPollInterval = 500 * time.Millisecond
	}
	if c.Server.HeartbeatInterval == 0 {
		c.Server.HeartbeatInterval = 15 * time.Second
	}
	if c.Streams.StaleAfter == 0 {
		c.Streams.StaleAfter = 2 * time.Minute
	}
	if c.Streams.SweepCron == "" {
		c.Streams.SweepCron = "* * * * *"
	}
	if c.Resume.PendingTimeout == 0 {
		c.Resume.PendingTimeout = 30 * time.Second
	}
	if c.Resume.MaxResumeAttempts == 0 {
		c.Resume.MaxResumeAttempts = 3
	}
	if c.Resume.WatchRetry == 0 {
		c.Resume.WatchRetry = 2 * time.Second
	}
	if c.Resume.RetryBackoff == 0 {
		c.Resume.RetryBackoff = 500 * time.Millisecond
	}
	if c.Generator.Name == "" {
		c.Generator.Name = "echo"
	}
	if c.Generator.ChunkDelay == 0 {
		c.Generator.ChunkDelay = 40 * time.Millisecond
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// cronParser matches the 5-field expressions the sweeper schedules with.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be sqlite or mysql", c.Database.Driver))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.RateLimitRPS < 0 {
		errs = append(errs, "server.rate_limit_rps must not be negative")
	}
	if c.Server.RateLimitBurst < 0 {
		errs = append(errs, "server.rate_limit_burst must not be negative")
	}
	if c.Streams.StaleAfter < 0 {
		errs = append(errs, "streams.stale_after must not be negative")
	}
	if _, err := cronParser.Parse(c.Streams.SweepCron); err != nil {
		errs = append(errs, fmt.Sprintf("streams.sweep_cron %q: %v", c.Streams.SweepCron, err))
	}
	if c.Resume.PendingTimeout < 0 {
		errs = append(errs, "resume.pending_timeout must not be negative")
	}
	if c.Resume.MaxResumeAttempts < 0 {
		errs = append(errs, "resume.max_resume_attempts must not be negative")
	}
	if c.Resume.RetryBackoff < 0 {
		errs = append(errs, "resume.retry_backoff must not be negative")
	}
	if (c.Notify.DiscordWebhookID == "") != (c.Notify.DiscordWebhookToken == "") {
		errs = append(errs, "notify.discord_webhook_id and notify.discord_webhook_token must be set together")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level %q must be debug, info, warn or error", c.Log.Level))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
