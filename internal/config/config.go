// Package config loads the control-plane configuration: a YAML file for
// tunables plus environment variables for deployment-specific values.
// A missing environment variable disables the feature it gates; nothing
// here invents defaults for secrets.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Meter     MeterConfig     `yaml:"meter"`
	Fleet     FleetConfig     `yaml:"fleet"`
	Billing   BillingConfig   `yaml:"billing"`
	Snapshots SnapshotConfig  `yaml:"snapshots"`
	Notify    NotifyConfig    `yaml:"notify"`
	Providers []ProviderEntry `yaml:"providers"`

	// Environment-sourced values (see ApplyEnv).
	PlatformDomain string `yaml:"-"`
	FleetAPIToken  string `yaml:"-"`
	NodeSecret     string `yaml:"-"`
	SnapshotDir    string `yaml:"-"`
	FleetDataDir   string `yaml:"-"`
	HomeBase       string `yaml:"-"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type GatewayConfig struct {
	// Margin multiplies provider cost into the tenant charge. Must be >= 1.
	Margin float64 `yaml:"margin"`

	// Per-capability requests per minute. Missing capabilities use Default.
	RateLimits       map[string]int `yaml:"rate_limits"`
	RateLimitDefault int            `yaml:"rate_limit_default"`

	// Circuit breaker per instance.
	BreakerThreshold  int           `yaml:"breaker_threshold"`
	BreakerWindow     time.Duration `yaml:"breaker_window"`
	BreakerResetAfter time.Duration `yaml:"breaker_reset_after"`

	// Body limits per endpoint class (bytes).
	BodyLimitLLM     int64 `yaml:"body_limit_llm"`
	BodyLimitMedia   int64 `yaml:"body_limit_media"`
	BodyLimitAudio   int64 `yaml:"body_limit_audio"`
	BodyLimitWebhook int64 `yaml:"body_limit_webhook"`

	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`

	// Twilio webhook validation.
	WebhookBaseURL  string `yaml:"webhook_base_url"`
	TwilioAuthToken string `yaml:"twilio_auth_token"`

	// Models served by GET /v1/models.
	Models []ModelEntry `yaml:"models"`
}

type ModelEntry struct {
	ID         string `yaml:"id" json:"id"`
	Capability string `yaml:"capability" json:"capability"`
	Provider   string `yaml:"provider" json:"provider"`
}

type ProviderEntry struct {
	Name       string  `yaml:"name"`
	Capability string  `yaml:"capability"`
	BaseURL    string  `yaml:"base_url"`
	APIKey     string  `yaml:"api_key"`
	CostPerK   float64 `yaml:"cost_per_k"` // dollars per 1k units
	Priority   int     `yaml:"priority"`
}

type MeterConfig struct {
	WALPath       string        `yaml:"wal_path"`
	DLQPath       string        `yaml:"dlq_path"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BatchSize     int           `yaml:"batch_size"`
	MaxRetries    int           `yaml:"max_retries"`
}

type FleetConfig struct {
	HeartbeatGrace time.Duration `yaml:"heartbeat_grace"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	ExportTimeout  time.Duration `yaml:"export_timeout"`
}

type BillingConfig struct {
	PerBotDailyCents int64 `yaml:"per_bot_daily_cents"`
}

type SnapshotConfig struct {
	RetainPerInstance int `yaml:"retain_per_instance"`
}

type NotifyConfig struct {
	AdminWebhookURL string `yaml:"admin_webhook_url"`
}

// Load reads the YAML file, applies defaults, then overlays environment
// variables. An empty path yields a default config (env-only deployment).
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyDefaults()
	cfg.ApplyEnv()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Gateway.Margin < 1.0 {
		c.Gateway.Margin = 1.3
	}
	if c.Gateway.RateLimitDefault == 0 {
		c.Gateway.RateLimitDefault = 60
	}
	if c.Gateway.BreakerThreshold == 0 {
		c.Gateway.BreakerThreshold = 20
	}
	if c.Gateway.BreakerWindow == 0 {
		c.Gateway.BreakerWindow = 10 * time.Second
	}
	if c.Gateway.BreakerResetAfter == 0 {
		c.Gateway.BreakerResetAfter = 30 * time.Second
	}
	if c.Gateway.BodyLimitLLM == 0 {
		c.Gateway.BodyLimitLLM = 1 << 20 // 1 MB
	}
	if c.Gateway.BodyLimitMedia == 0 {
		c.Gateway.BodyLimitMedia = 20 << 20
	}
	if c.Gateway.BodyLimitAudio == 0 {
		c.Gateway.BodyLimitAudio = 10 << 20
	}
	if c.Gateway.BodyLimitWebhook == 0 {
		c.Gateway.BodyLimitWebhook = 64 << 10
	}
	if c.Gateway.UpstreamTimeout == 0 {
		c.Gateway.UpstreamTimeout = 30 * time.Second
	}
	if c.Meter.FlushInterval == 0 {
		c.Meter.FlushInterval = 250 * time.Millisecond
	}
	if c.Meter.BatchSize == 0 {
		c.Meter.BatchSize = 100
	}
	if c.Meter.MaxRetries == 0 {
		c.Meter.MaxRetries = 3
	}
	if c.Fleet.HeartbeatGrace == 0 {
		c.Fleet.HeartbeatGrace = 90 * time.Second
	}
	if c.Fleet.CommandTimeout == 0 {
		c.Fleet.CommandTimeout = 30 * time.Second
	}
	if c.Fleet.ExportTimeout == 0 {
		c.Fleet.ExportTimeout = 5 * time.Minute
	}
	if c.Billing.PerBotDailyCents == 0 {
		c.Billing.PerBotDailyCents = 17
	}
	if c.Snapshots.RetainPerInstance == 0 {
		c.Snapshots.RetainPerInstance = 10
	}
	if c.Meter.WALPath == "" {
		c.Meter.WALPath = "meter.wal"
	}
	if c.Meter.DLQPath == "" {
		c.Meter.DLQPath = "meter.dlq"
	}
}

// ApplyEnv overlays the recognized environment variables. Absent
// variables leave the corresponding feature disabled.
func (c *Config) ApplyEnv() {
	c.PlatformDomain = envOr("PLATFORM_DOMAIN", "wopr.bot")
	c.FleetAPIToken = os.Getenv("FLEET_API_TOKEN")
	c.NodeSecret = os.Getenv("NODE_SECRET")
	c.SnapshotDir = os.Getenv("SNAPSHOT_DIR")
	c.FleetDataDir = os.Getenv("FLEET_DATA_DIR")
	c.HomeBase = os.Getenv("WOPR_HOME_BASE")

	if v := os.Getenv("PLATFORM_DB_PATH"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if c.FleetDataDir != "" {
		if c.Meter.WALPath == "meter.wal" {
			c.Meter.WALPath = c.FleetDataDir + "/meter.wal"
		}
		if c.Meter.DLQPath == "meter.dlq" {
			c.Meter.DLQPath = c.FleetDataDir + "/meter.dlq"
		}
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
