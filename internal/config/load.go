package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment variable read by Load.
const EnvPrefix = "RELAY"

// defaults lists every known key with its default value. Registering all keys
// is what lets viper's AutomaticEnv see variables during Unmarshal.
var defaults = map[string]any{
	"server.port":       8080,
	"server.log_level":  "info",
	"server.public_url": "",

	"database.url":              "",
	"database.max_open_conns":   10,
	"database.max_idle_conns":   5,
	"database.migrate_on_start": false,

	"redis.url":        "",
	"redis.key_prefix": "relay:",

	"auth.admin_token": "",
	"auth.bcrypt_cost": 12,

	"provider.base_url": "https://api.freepik.com",
	"provider.timeout":  60 * time.Second,
	"provider.mock":     false,

	"webhook.url":            "",
	"webhook.signing_secret": "",
	"webhook.context_ttl":    24 * time.Hour,

	"proxy.webhook_mode": "always",
	"proxy.stateless":    false,

	"poll.first_delay":     120 * time.Second,
	"poll.min_first_image": 60 * time.Second,
	"poll.min_first_video": 120 * time.Second,
	"poll.interval":        30 * time.Second,
	"poll.timeout":         300 * time.Second,
	"poll.sweep_min_first": 60 * time.Second,
	"poll.sweep_timeout":   240 * time.Second,

	"scheduler.backend":             "redis",
	"scheduler.workers":             2,
	"scheduler.tick_interval":       time.Second,
	"scheduler.batch_size":          50,
	"scheduler.retry_delay":        15 * time.Second,
	"scheduler.max_retries":        10,
	"scheduler.qstash_url":          "https://qstash.upstash.io",
	"scheduler.qstash_token":        "",
	"scheduler.current_signing_key": "",
	"scheduler.next_signing_key":    "",

	"finalize.lock_ttl":         600 * time.Second,
	"finalize.callback_timeout": 10 * time.Second,

	"archive.enabled":           false,
	"archive.endpoint":          "",
	"archive.region":            "auto",
	"archive.bucket":            "",
	"archive.access_key_id":     "",
	"archive.secret_access_key": "",
	"archive.public_base_url":   "",

	"events.brokers": []string{},
	"events.topic":   "",

	"telemetry.trace_stdout": false,
	"telemetry.service_name": "relay-api",
}

// Load configuration from environment variables and optionally config files.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/relay-api")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks struct tags and the rules that span several groups.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if cfg.Scheduler.Backend == "qstash" {
		if cfg.Scheduler.QStashToken == "" || cfg.Scheduler.QStashURL == "" {
			return errors.New("config validation failed: qstash scheduler requires qstash_url and qstash_token")
		}
	}

	if cfg.Scheduler.Backend == "redis" && cfg.Redis.URL == "" {
		return errors.New("config validation failed: redis scheduler requires redis.url")
	}

	if cfg.Proxy.Stateless && cfg.Webhook.SigningSecret == "" {
		return errors.New("config validation failed: stateless proxy mode requires webhook.signing_secret")
	}

	return nil
}

// WebhookURL returns the provider-facing webhook endpoint. A configured
// webhook URL wins when it already names the endpoint; a bare base URL gets
// the endpoint path appended.
func (c *Config) WebhookURL() string {
	const path = "/api/webhook/freepik"

	base := strings.TrimSpace(c.Webhook.URL)
	if base == "" {
		return strings.TrimRight(c.Server.PublicURL, "/") + path
	}
	base = strings.TrimRight(base, "/")
	if strings.Contains(base, path) {
		return base
	}
	return base + path
}
