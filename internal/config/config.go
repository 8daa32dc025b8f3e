package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"

	"github.com/jwalitptl/booking-notifier/pkg/messaging/redis"
	"github.com/jwalitptl/booking-notifier/pkg/worker"
)

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"

	TransportPostgres = "postgres"
	TransportRedis    = "redis"
	TransportPolling  = "polling"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Realtime  RealtimeConfig  `mapstructure:"realtime"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Outbox    OutboxConfig    `mapstructure:"outbox"`
	Cleanup   CleanupConfig   `mapstructure:"cleanup"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	// WorkerPort serves probes and metrics of the standalone worker.
	WorkerPort      int           `mapstructure:"worker_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// EmbeddedWorker runs the delivery workers inside the API process.
	EmbeddedWorker bool `mapstructure:"embedded_worker"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DSN renders the lib/pq connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

type RiskConfig struct {
	RedNoShowRate          float64 `mapstructure:"red_no_show_rate"`
	RedNoShowCount         int     `mapstructure:"red_no_show_count"`
	YellowCancellationRate float64 `mapstructure:"yellow_cancellation_rate"`
	NewCustomerBookings    int     `mapstructure:"new_customer_bookings"`
	LapsedDays             int     `mapstructure:"lapsed_days"`
}

type TouchpointConfig struct {
	Offset     time.Duration `mapstructure:"offset"`
	Channel    string        `mapstructure:"channel"`
	TemplateID string        `mapstructure:"template_id"`
}

type StrategyConfig struct {
	Version string                        `mapstructure:"version"`
	Tiers   map[string][]TouchpointConfig `mapstructure:"tiers"`
}

type SchedulerConfig struct {
	HistoryCacheTTL time.Duration `mapstructure:"history_cache_ttl"`
	StatsCacheTTL   time.Duration `mapstructure:"stats_cache_ttl"`
	HistoryLimit    int           `mapstructure:"history_limit"`
}

type DeliveryConfig struct {
	SendTimeout  time.Duration `mapstructure:"send_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Lease        time.Duration `mapstructure:"lease"`
	BatchSize    int           `mapstructure:"batch_size"`
	Concurrency  int           `mapstructure:"concurrency"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type HTTPProviderConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

type ProvidersConfig struct {
	SMS  HTTPProviderConfig `mapstructure:"sms"`
	Push HTTPProviderConfig `mapstructure:"push"`
	Call HTTPProviderConfig `mapstructure:"call"`
	SMTP SMTPConfig         `mapstructure:"smtp"`
}

type RealtimeConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Transport      string        `mapstructure:"transport"`
	Table          string        `mapstructure:"table"`
	Channel        string        `mapstructure:"channel"`
	BarbershopID   string        `mapstructure:"barbershop_id"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
}

type QueueConfig struct {
	Channel string `mapstructure:"channel"`
	// Workers is the number of consumer goroutines scheduling booking events.
	Workers int `mapstructure:"workers"`
}

type OutboxConfig struct {
	BatchSize     int           `mapstructure:"batch_size"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	Channel       string        `mapstructure:"channel"`
}

type CleanupConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	RetentionDays int           `mapstructure:"retention_days"`
}

type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type WebhookConfig struct {
	Secret string `mapstructure:"secret"`
}

type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
	Path      string `mapstructure:"path"`
}

// envOverrides holds the values deployments set through NOTIFIER_* variables.
type envOverrides struct {
	ServerPort       int    `envconfig:"SERVER_PORT"`
	LogLevel         string `envconfig:"LOG_LEVEL"`
	StorageDriver    string `envconfig:"STORAGE_DRIVER"`
	DatabaseHost     string `envconfig:"DATABASE_HOST"`
	DatabasePort     int    `envconfig:"DATABASE_PORT"`
	DatabaseUser     string `envconfig:"DATABASE_USER"`
	DatabasePassword string `envconfig:"DATABASE_PASSWORD"`
	DatabaseName     string `envconfig:"DATABASE_NAME"`
	DatabaseSSLMode  string `envconfig:"DATABASE_SSLMODE"`
	RedisURL         string `envconfig:"REDIS_URL"`
	WebhookSecret    string `envconfig:"WEBHOOK_SECRET"`
	SMSToken         string `envconfig:"SMS_TOKEN"`
	PushToken        string `envconfig:"PUSH_TOKEN"`
	CallToken        string `envconfig:"CALL_TOKEN"`
	SMTPPassword     string `envconfig:"SMTP_PASSWORD"`
	RealtimeTrans    string `envconfig:"REALTIME_TRANSPORT"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.worker_port", 8081)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.embedded_worker", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.name", "notifier")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.retry_backoff", 100*time.Millisecond)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)

	v.SetDefault("storage.driver", StoragePostgres)

	v.SetDefault("risk.red_no_show_rate", 0.25)
	v.SetDefault("risk.red_no_show_count", 3)
	v.SetDefault("risk.yellow_cancellation_rate", 0.20)
	v.SetDefault("risk.new_customer_bookings", 3)
	v.SetDefault("risk.lapsed_days", 180)

	v.SetDefault("strategy.version", "v1")

	v.SetDefault("scheduler.history_cache_ttl", 5*time.Minute)
	v.SetDefault("scheduler.stats_cache_ttl", 30*time.Second)
	v.SetDefault("scheduler.history_limit", 200)

	v.SetDefault("delivery.send_timeout", 10*time.Second)
	v.SetDefault("delivery.poll_interval", 5*time.Second)
	v.SetDefault("delivery.lease", time.Minute)
	v.SetDefault("delivery.batch_size", 50)
	v.SetDefault("delivery.concurrency", 4)
	v.SetDefault("delivery.max_retries", 2)

	v.SetDefault("providers.sms.timeout", 10*time.Second)
	v.SetDefault("providers.push.timeout", 10*time.Second)
	v.SetDefault("providers.call.timeout", 10*time.Second)
	v.SetDefault("providers.smtp.port", 587)

	v.SetDefault("realtime.enabled", true)
	v.SetDefault("realtime.transport", TransportPolling)
	v.SetDefault("realtime.table", "appointments")
	v.SetDefault("realtime.channel", "appointment_changes")
	v.SetDefault("realtime.poll_interval", 10*time.Second)
	v.SetDefault("realtime.backoff_initial", time.Second)
	v.SetDefault("realtime.backoff_max", 30*time.Second)

	v.SetDefault("queue.channel", "booking.confirmed")
	v.SetDefault("queue.workers", 2)

	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.poll_interval", 5*time.Second)
	v.SetDefault("outbox.retry_attempts", 3)
	v.SetDefault("outbox.retry_delay", time.Second)
	v.SetDefault("outbox.channel", "notification.events")

	v.SetDefault("cleanup.interval", 24*time.Hour)
	v.SetDefault("cleanup.retention_days", 90)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_second", 50)
	v.SetDefault("rate_limit.burst", 100)

	v.SetDefault("metrics.namespace", "booking_notifier")
	v.SetDefault("metrics.path", "/metrics")
}

// LoadConfig reads config.yml from the usual locations (or path, when set),
// then applies NOTIFIER_* environment overrides. A missing file is not an
// error: defaults and the environment are enough to run.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/app")
		v.AddConfigPath("/app/config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	var env envOverrides
	if err := envconfig.Process("NOTIFIER", &env); err != nil {
		return nil, fmt.Errorf("failed to process env overrides: %w", err)
	}
	env.apply(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (e envOverrides) apply(cfg *Config) {
	setString := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	if e.ServerPort != 0 {
		cfg.Server.Port = e.ServerPort
	}
	if e.DatabasePort != 0 {
		cfg.Database.Port = e.DatabasePort
	}
	setString(&cfg.Log.Level, e.LogLevel)
	setString(&cfg.Storage.Driver, e.StorageDriver)
	setString(&cfg.Database.Host, e.DatabaseHost)
	setString(&cfg.Database.User, e.DatabaseUser)
	setString(&cfg.Database.Password, e.DatabasePassword)
	setString(&cfg.Database.Name, e.DatabaseName)
	setString(&cfg.Database.SSLMode, e.DatabaseSSLMode)
	setString(&cfg.Redis.URL, e.RedisURL)
	setString(&cfg.Webhook.Secret, e.WebhookSecret)
	setString(&cfg.Providers.SMS.Token, e.SMSToken)
	setString(&cfg.Providers.Push.Token, e.PushToken)
	setString(&cfg.Providers.Call.Token, e.CallToken)
	setString(&cfg.Providers.SMTP.Password, e.SMTPPassword)
	setString(&cfg.Realtime.Transport, e.RealtimeTrans)
}

func (c *Config) Validate() error {
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	c.Realtime.Transport = strings.ToLower(strings.TrimSpace(c.Realtime.Transport))

	switch c.Storage.Driver {
	case StorageMemory, StoragePostgres:
	default:
		return fmt.Errorf("invalid storage driver %q", c.Storage.Driver)
	}
	switch c.Realtime.Transport {
	case TransportPostgres, TransportRedis, TransportPolling:
	default:
		return fmt.Errorf("invalid realtime transport %q", c.Realtime.Transport)
	}
	if c.Realtime.Transport == TransportPostgres && c.Storage.Driver != StoragePostgres {
		return fmt.Errorf("realtime transport postgres requires the postgres storage driver")
	}
	if c.Delivery.SendTimeout <= 0 {
		return fmt.Errorf("delivery.send_timeout must be positive")
	}
	if c.Delivery.MaxRetries < 0 {
		return fmt.Errorf("delivery.max_retries must not be negative")
	}
	if c.Risk.RedNoShowRate <= 0 || c.Risk.RedNoShowRate > 1 {
		return fmt.Errorf("risk.red_no_show_rate must be in (0, 1]")
	}
	if c.Risk.YellowCancellationRate < 0 || c.Risk.YellowCancellationRate > 1 {
		return fmt.Errorf("risk.yellow_cancellation_rate must be in [0, 1]")
	}
	return nil
}

// Add conversion methods to convert config types
func (c *OutboxConfig) ToWorkerConfig() worker.OutboxProcessorConfig {
	return worker.OutboxProcessorConfig{
		BatchSize:     c.BatchSize,
		PollInterval:  c.PollInterval,
		RetryAttempts: c.RetryAttempts,
		RetryDelay:    c.RetryDelay,
		Channel:       c.Channel,
	}
}

func (c *RedisConfig) ToBrokerConfig() redis.Config {
	return redis.Config{
		URL:          c.URL,
		MaxRetries:   c.MaxRetries,
		RetryBackoff: c.RetryBackoff,
		PoolSize:     c.PoolSize,
		MinIdleConns: c.MinIdleConns,
	}
}
