package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" validate:"required"`
	Database  DatabaseConfig  `mapstructure:"database" validate:"required"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Provider  ProviderConfig  `mapstructure:"provider" validate:"required"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Poll      PollConfig      `mapstructure:"poll" validate:"required"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" validate:"required"`
	Finalize  FinalizeConfig  `mapstructure:"finalize"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Events    EventsConfig    `mapstructure:"events"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	// PublicURL is the externally reachable base URL of this service. It is used to
	// build the webhook URL handed to the provider and scheduler destinations.
	PublicURL string `mapstructure:"public_url" validate:"required,url"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL            string `mapstructure:"url" validate:"required,url"`
	MaxOpenConns   int    `mapstructure:"max_open_conns" validate:"gte=1"`
	MaxIdleConns   int    `mapstructure:"max_idle_conns" validate:"gte=0"`
	MigrateOnStart bool   `mapstructure:"migrate_on_start"`
}

// RedisConfig configures the lock and scheduler backend.
// Without a URL the service runs with an unprotected no-op lock.
type RedisConfig struct {
	URL       string `mapstructure:"url" validate:"omitempty,url"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// AuthConfig contains settings for the admin surface and proxy key hashing.
type AuthConfig struct {
	AdminToken string `mapstructure:"admin_token" validate:"omitempty,min=16"`
	BcryptCost int    `mapstructure:"bcrypt_cost" validate:"gte=4,lte=31"`
}

// ProviderConfig configures the upstream generation API.
type ProviderConfig struct {
	BaseURL string        `mapstructure:"base_url" validate:"required,url"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
	// Mock short-circuits all upstream calls with canned responses.
	Mock bool `mapstructure:"mock"`
}

// WebhookConfig configures the provider push endpoint and its signed context.
type WebhookConfig struct {
	// URL overrides the webhook URL handed to the provider. It may be a full
	// endpoint URL or a base URL to which the webhook path is appended.
	URL           string        `mapstructure:"url" validate:"omitempty,url"`
	SigningSecret string        `mapstructure:"signing_secret" validate:"omitempty,min=32"`
	ContextTTL    time.Duration `mapstructure:"context_ttl" validate:"gt=0"`
}

// ProxyConfig configures the reverse proxy relay.
type ProxyConfig struct {
	WebhookMode string `mapstructure:"webhook_mode" validate:"required,oneof=off always inject_if_absent"`
	// Stateless embeds a signed caller context in the rewritten webhook URL.
	Stateless bool `mapstructure:"stateless"`
}

// PollConfig holds the polling cadence for per-task polls and the fleet sweep.
type PollConfig struct {
	FirstDelay    time.Duration `mapstructure:"first_delay" validate:"gt=0"`
	MinFirstImage time.Duration `mapstructure:"min_first_image" validate:"gte=0"`
	MinFirstVideo time.Duration `mapstructure:"min_first_video" validate:"gte=0"`
	Interval      time.Duration `mapstructure:"interval" validate:"gt=0"`
	Timeout       time.Duration `mapstructure:"timeout" validate:"gt=0"`
	SweepMinFirst time.Duration `mapstructure:"sweep_min_first" validate:"gt=0"`
	SweepTimeout  time.Duration `mapstructure:"sweep_timeout" validate:"gt=0"`
}

// SchedulerConfig selects and configures the delayed-invocation backend.
type SchedulerConfig struct {
	Backend string `mapstructure:"backend" validate:"required,oneof=redis qstash none"`

	// Redis runner settings.
	Workers      int           `mapstructure:"workers" validate:"gte=1"`
	TickInterval time.Duration `mapstructure:"tick_interval" validate:"gt=0"`
	BatchSize    int           `mapstructure:"batch_size" validate:"gte=1"`

	// A failed job is pushed back after RetryDelay, doubling per retry, until
	// it has been retried MaxRetries times.
	RetryDelay time.Duration `mapstructure:"retry_delay" validate:"gt=0"`
	MaxRetries int           `mapstructure:"max_retries" validate:"gte=0"`

	// QStash publisher and receiver settings.
	QStashURL         string `mapstructure:"qstash_url" validate:"omitempty,url"`
	QStashToken       string `mapstructure:"qstash_token"`
	CurrentSigningKey string `mapstructure:"current_signing_key"`
	NextSigningKey    string `mapstructure:"next_signing_key"`
}

// FinalizeConfig bounds the finalization critical section.
type FinalizeConfig struct {
	LockTTL         time.Duration `mapstructure:"lock_ttl" validate:"gt=0"`
	CallbackTimeout time.Duration `mapstructure:"callback_timeout" validate:"gt=0"`
}

// ArchiveConfig configures the S3-compatible object store used for result archival.
type ArchiveConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Endpoint        string `mapstructure:"endpoint" validate:"required_if=Enabled true"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket" validate:"required_if=Enabled true"`
	AccessKeyID     string `mapstructure:"access_key_id" validate:"required_if=Enabled true"`
	SecretAccessKey string `mapstructure:"secret_access_key" validate:"required_if=Enabled true"`
	PublicBaseURL   string `mapstructure:"public_base_url" validate:"omitempty,url"`
}

// EventsConfig configures publication of task lifecycle events to Kafka.
type EventsConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic" validate:"required_with=Brokers"`
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	TraceStdout bool   `mapstructure:"trace_stdout"`
	ServiceName string `mapstructure:"service_name"`
}
