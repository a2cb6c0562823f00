package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/groupbuy/internal/blob/s3"
	"github.com/alanyoungcy/groupbuy/internal/cache/redis"
	"github.com/alanyoungcy/groupbuy/internal/config"
	"github.com/alanyoungcy/groupbuy/internal/domain"
	"github.com/alanyoungcy/groupbuy/internal/events"
	"github.com/alanyoungcy/groupbuy/internal/lock"
	"github.com/alanyoungcy/groupbuy/internal/metrics"
	"github.com/alanyoungcy/groupbuy/internal/notify"
	"github.com/alanyoungcy/groupbuy/internal/server/handler"
	"github.com/alanyoungcy/groupbuy/internal/store/memory"
	"github.com/alanyoungcy/groupbuy/internal/store/postgres"
)

// Dependencies bundles everything the modes need. It is built by Wire and
// torn down by the cleanup function Wire returns.
type Dependencies struct {
	// Stores
	Products domain.ProductStore
	Groups   domain.GroupStore
	Archive  domain.ArchiveStore
	Audit    domain.AuditStore

	// Coordination and caches. GroupCache, RateLimiter and SignalBus are nil
	// without Redis.
	Locks       domain.LockManager
	GroupCache  domain.GroupCache
	RateLimiter domain.RateLimiter
	SignalBus   domain.SignalBus

	// Blob storage, nil unless S3 is enabled.
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	// Publishers receive every engine event through the dispatcher.
	Publishers []domain.EventPublisher

	Metrics *metrics.Metrics
	Checks  map[string]handler.Check
}

// Wire constructs the concrete implementations selected by cfg and returns
// them with a cleanup function releasing connections in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{
		Metrics: metrics.New(),
		Checks:  make(map[string]handler.Check),
	}

	// --- Persistence ---
	switch cfg.Store {
	case "memory":
		mem := memory.New()
		deps.Products, deps.Groups, deps.Archive, deps.Audit = mem, mem, mem, mem
	default:
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		groups := postgres.NewGroupStore(pool)
		deps.Products = postgres.NewProductStore(pool)
		deps.Groups = groups
		deps.Archive = groups
		deps.Audit = postgres.NewAuditStore(pool)
		deps.Checks["postgres"] = func(ctx context.Context) error { return pool.Ping(ctx) }
	}

	// --- Redis ---
	if cfg.Redis.Addr != "" {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Products = redis.NewCachedCatalog(redisClient, deps.Products, logger)
		deps.GroupCache = redis.NewGroupCache(redisClient, cfg.Redis.SnapshotTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		if cfg.Lock == "redis" {
			deps.Locks = redis.NewLockManager(redisClient)
		}
		deps.Checks["redis"] = redisClient.Ping
	}
	if deps.Locks == nil {
		logger.WarnContext(ctx, "using in-process product locks; run a single engine instance")
		deps.Locks = lock.NewLocal()
	}

	// --- S3 archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		reader := s3blob.NewReader(s3Client)
		writer := s3blob.NewWriter(s3Client, int64(cfg.S3.PartSizeMB)<<20)
		deps.BlobReader = reader
		deps.Archiver = s3blob.NewArchiver(deps.Archive, writer, reader, deps.Audit, logger).
			WithMetrics(deps.Metrics)
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Event publishers ---
	deps.Publishers = append(deps.Publishers, events.NewAuditPublisher(deps.Audit))
	if deps.SignalBus != nil {
		deps.Publishers = append(deps.Publishers, events.NewBusPublisher(deps.SignalBus))
	}
	if cfg.RabbitMQ.URL != "" {
		amqpPub, err := events.NewAMQPPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, logger)
		if err != nil {
			return fail(fmt.Errorf("wire: rabbitmq: %w", err))
		}
		closers = append(closers, func() { _ = amqpPub.Close() })
		deps.Publishers = append(deps.Publishers, amqpPub)
	}

	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramAPIURL,
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if len(senders) > 0 {
		deps.Publishers = append(deps.Publishers, notify.NewNotifier(senders, cfg.Notify.Events, logger))
	}

	return deps, cleanup, nil
}

// SeedProducts upserts the catalog entries declared in the config.
func SeedProducts(ctx context.Context, store domain.ProductStore, seeds []config.ProductSeed) error {
	for _, s := range seeds {
		p, err := s.Product()
		if err != nil {
			return fmt.Errorf("seed product %s: %w", s.ID, err)
		}
		if err := store.Upsert(ctx, p); err != nil {
			return fmt.Errorf("seed product %s: %w", s.ID, err)
		}
	}
	return nil
}
