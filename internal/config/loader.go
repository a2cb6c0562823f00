package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path over Defaults, then applies GROUPBUY_*
// environment overrides, loading .env first when present. A missing file is
// not an error so the service can run from the environment alone. The result
// is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	_ = godotenv.Load()
	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Postgres.DSN, "GROUPBUY_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL")
	setStr(&cfg.Postgres.Host, "GROUPBUY_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "GROUPBUY_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "GROUPBUY_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "GROUPBUY_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "GROUPBUY_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "GROUPBUY_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "GROUPBUY_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "GROUPBUY_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "GROUPBUY_POSTGRES_RUN_MIGRATIONS")

	setStr(&cfg.Redis.Addr, "GROUPBUY_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "GROUPBUY_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "GROUPBUY_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "GROUPBUY_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "GROUPBUY_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "GROUPBUY_REDIS_KEY_PREFIX")

	setBool(&cfg.S3.Enabled, "GROUPBUY_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "GROUPBUY_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "GROUPBUY_S3_REGION")
	setStr(&cfg.S3.Bucket, "GROUPBUY_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "GROUPBUY_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "GROUPBUY_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "GROUPBUY_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "GROUPBUY_S3_FORCE_PATH_STYLE")

	setStr(&cfg.RabbitMQ.URL, "GROUPBUY_RABBITMQ_URL")
	setStr(&cfg.RabbitMQ.Exchange, "GROUPBUY_RABBITMQ_EXCHANGE")

	setInt(&cfg.Engine.OvershootMargin, "GROUPBUY_ENGINE_OVERSHOOT_MARGIN")
	setDuration(&cfg.Engine.LockTTL, "GROUPBUY_ENGINE_LOCK_TTL")
	setDuration(&cfg.Engine.LockWait, "GROUPBUY_ENGINE_LOCK_WAIT")
	setDuration(&cfg.Engine.ExpiryAfter, "GROUPBUY_ENGINE_EXPIRY_AFTER")
	setStr(&cfg.Engine.SweepCron, "GROUPBUY_ENGINE_SWEEP_CRON")
	setStr(&cfg.Engine.ArchiveCron, "GROUPBUY_ENGINE_ARCHIVE_CRON")
	setDuration(&cfg.Engine.ArchiveRetention, "GROUPBUY_ENGINE_ARCHIVE_RETENTION")

	setInt(&cfg.Server.Port, "GROUPBUY_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "GROUPBUY_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "GROUPBUY_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimitPerMinute, "GROUPBUY_SERVER_RATE_LIMIT_PER_MINUTE")

	setStr(&cfg.Notify.TelegramToken, "GROUPBUY_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "GROUPBUY_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.TelegramAPIURL, "GROUPBUY_NOTIFY_TELEGRAM_API_URL")
	setStr(&cfg.Notify.DiscordWebhookURL, "GROUPBUY_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "GROUPBUY_NOTIFY_EVENTS")

	setStr(&cfg.Store, "GROUPBUY_STORE")
	setStr(&cfg.Lock, "GROUPBUY_LOCK")
	setStr(&cfg.Mode, "GROUPBUY_MODE")
	setStr(&cfg.LogLevel, "GROUPBUY_LOG_LEVEL")
}

// The set* helpers only touch dst when the variable is present, non-empty
// and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		*dst = n
	}
}

func setBool(dst *bool, key string) {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		*dst = b
	}
}

func setDuration(dst *duration, key string) {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		dst.Duration = d
	}
}

func setStringSlice(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var cleaned []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) > 0 {
		*dst = cleaned
	}
}
