// Package config defines the service configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alanyoungcy/groupbuy/internal/discount"
)

// Config is the root configuration. Fields come from a TOML file and are
// then overridden by GROUPBUY_* environment variables.
type Config struct {
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	RabbitMQ RabbitMQConfig `toml:"rabbitmq"`
	Engine   EngineConfig   `toml:"engine"`
	Events   EventsConfig   `toml:"events"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	// Products are upserted into the catalog at startup.
	Products []ProductSeed `toml:"products"`
	// Store selects the persistence backend: "postgres" or "memory".
	Store string `toml:"store"`
	// Lock selects the product lock: "redis" (shared) or "local" (one process).
	Lock     string `toml:"lock"`
	Mode     string `toml:"mode"`
	LogLevel string `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. An empty Addr disables the
// caches, the signal bus and rate limiting.
type RedisConfig struct {
	Addr        string   `toml:"addr"`
	Password    string   `toml:"password"`
	DB          int      `toml:"db"`
	PoolSize    int      `toml:"pool_size"`
	MaxRetries  int      `toml:"max_retries"`
	TLSEnabled  bool     `toml:"tls_enabled"`
	KeyPrefix   string   `toml:"key_prefix"`
	SnapshotTTL duration `toml:"snapshot_ttl"`
}

// S3Config holds archive storage parameters. Archiving runs only when
// Enabled.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	PartSizeMB     int    `toml:"part_size_mb"`
}

// RabbitMQConfig enables the AMQP event publisher when URL is set.
type RabbitMQConfig struct {
	URL      string `toml:"url"`
	Exchange string `toml:"exchange"`
}

// EngineConfig holds formation engine and maintenance parameters.
type EngineConfig struct {
	OvershootMargin  int      `toml:"overshoot_margin"`
	LockTTL          duration `toml:"lock_ttl"`
	LockWait         duration `toml:"lock_wait"`
	ExpiryAfter      duration `toml:"expiry_after"`
	SweepCron        string   `toml:"sweep_cron"`
	ArchiveCron      string   `toml:"archive_cron"`
	ArchiveRetention duration `toml:"archive_retention"`
}

// EventsConfig tunes the event dispatcher.
type EventsConfig struct {
	QueueSize    int      `toml:"queue_size"`
	MaxAttempts  int      `toml:"max_attempts"`
	Backoff      duration `toml:"backoff"`
	DrainTimeout duration `toml:"drain_timeout"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port               int      `toml:"port"`
	CORSOrigins        []string `toml:"cors_origins"`
	APIKey             string   `toml:"api_key"`
	RateLimitPerMinute int      `toml:"rate_limit_per_minute"`
	ShutdownTimeout    duration `toml:"shutdown_timeout"`
}

// NotifyConfig holds chat notification credentials. TelegramAPIURL points
// the Telegram sender at any compatible bot API, such as Bale.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	TelegramAPIURL    string   `toml:"telegram_api_url"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a time.Duration that decodes from TOML strings like "5m".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the configuration used when the file leaves a field unset.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "groupbuy",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			PoolSize:    20,
			MaxRetries:  3,
			SnapshotTTL: duration{2 * time.Second},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "groupbuy-archive",
			ForcePathStyle: true,
			PartSizeMB:     5,
		},
		RabbitMQ: RabbitMQConfig{
			Exchange: "groupbuy.events",
		},
		Engine: EngineConfig{
			OvershootMargin:  2,
			LockTTL:          duration{10 * time.Second},
			LockWait:         duration{3 * time.Second},
			ExpiryAfter:      duration{7 * 24 * time.Hour},
			SweepCron:        "*/5 * * * *",
			ArchiveCron:      "0 3 * * *",
			ArchiveRetention: duration{30 * 24 * time.Hour},
		},
		Events: EventsConfig{
			QueueSize:    1024,
			MaxAttempts:  5,
			Backoff:      duration{200 * time.Millisecond},
			DrainTimeout: duration{5 * time.Second},
		},
		Server: ServerConfig{
			Port:               8000,
			CORSOrigins:        []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimitPerMinute: 120,
			ShutdownTimeout:    duration{10 * time.Second},
		},
		Notify: NotifyConfig{
			Events: []string{"group_confirmed", "group_expired", "group_cancelled"},
		},
		Store:    "postgres",
		Lock:     "redis",
		Mode:     "full",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{"server": true, "worker": true, "full": true}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate returns a combined error listing every problem found.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if !validModes[strings.ToLower(c.Mode)] {
		add("unknown mode %q (valid: server, worker, full)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	switch c.Store {
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				add("postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
			}
			if c.Postgres.Database == "" {
				add("postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			add("postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			add("postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	case "memory":
		if strings.ToLower(c.Mode) != "full" {
			add("store: memory keeps state in one process and requires mode full")
		}
	default:
		add("unknown store %q (valid: postgres, memory)", c.Store)
	}

	switch c.Lock {
	case "redis":
		if c.Redis.Addr == "" {
			add("lock: redis lock requires redis.addr")
		}
	case "local":
	default:
		add("unknown lock %q (valid: redis, local)", c.Lock)
	}

	if c.Redis.Addr != "" && c.Redis.PoolSize < 1 {
		add("redis: pool_size must be >= 1")
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			add("s3: bucket must not be empty when enabled")
		}
		if c.S3.Region == "" {
			add("s3: region must not be empty when enabled")
		}
	}

	if c.Engine.OvershootMargin < 0 {
		add("engine: overshoot_margin must be >= 0")
	}
	if c.Engine.LockTTL.Duration <= c.Engine.LockWait.Duration {
		add("engine: lock_ttl must exceed lock_wait")
	}
	if c.Engine.ExpiryAfter.Duration <= 0 {
		add("engine: expiry_after must be > 0")
	}
	for name, spec := range map[string]string{"sweep_cron": c.Engine.SweepCron, "archive_cron": c.Engine.ArchiveCron} {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			add("engine: %s %q: %v", name, spec, err)
		}
	}

	if c.Events.QueueSize < 1 {
		add("events: queue_size must be >= 1")
	}
	if c.Events.MaxAttempts < 1 {
		add("events: max_attempts must be >= 1")
	}

	if strings.ToLower(c.Mode) != "worker" && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		add("server: port must be 1-65535, got %d", c.Server.Port)
	}

	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		add("notify: telegram_token and telegram_chat_id must be set together")
	}

	seen := make(map[string]bool, len(c.Products))
	for i, p := range c.Products {
		if p.ID == "" {
			add("products[%d]: id must not be empty", i)
		} else if seen[p.ID] {
			add("products[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = true
		prod, err := p.Product()
		if err != nil {
			add("products[%d]: %v", i, err)
			continue
		}
		if !prod.Buyable() {
			add("products[%d]: min_group_size must be >= 1", i)
		}
		if err := discount.Validate(prod.BaseDiscount, prod.Tiers); err != nil {
			add("products[%d]: %v", i, strings.ReplaceAll(err.Error(), "\n", "; "))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
