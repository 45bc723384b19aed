package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/predictlabs/settler/internal/blob/s3"
	"github.com/predictlabs/settler/internal/cache/redis"
	"github.com/predictlabs/settler/internal/config"
	"github.com/predictlabs/settler/internal/crypto"
	"github.com/predictlabs/settler/internal/domain"
	"github.com/predictlabs/settler/internal/notify"
	"github.com/predictlabs/settler/internal/service"
	"github.com/predictlabs/settler/internal/store/postgres"
	"github.com/predictlabs/settler/internal/treasury"
)

// Dependencies bundles every constructed collaborator the application modes
// need. It is built by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	MarketStore   domain.MarketStore
	PoolStore     domain.PoolStore
	PositionStore domain.PositionStore
	ClaimStore    domain.ClaimStore

	// Redis
	MarketCache domain.MarketCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	EventBus    domain.EventBus

	// Value movement and resolve authorization
	Treasury   domain.Treasury
	Authorizer domain.Authorizer

	// Blob storage, nil unless s3.enabled
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   *s3blob.Archiver

	// Services
	Markets    *service.MarketService
	Settlement *service.SettlementService

	// Notifications
	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Database.DSN,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Database: cfg.Database.Database,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.PoolMaxConns,
		MinConns: cfg.Database.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Database.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.MarketStore = postgres.NewMarketStore(pool)
	deps.PoolStore = postgres.NewPoolStore(pool)
	deps.PositionStore = postgres.NewPositionStore(pool)
	deps.ClaimStore = postgres.NewClaimStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	cacheTTL := time.Duration(cfg.Redis.CacheTTLMinutes) * time.Minute
	deps.MarketCache = redis.NewMarketCacheWithTTL(redisClient, cacheTTL)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.EventBus = redis.NewEventBusWithMaxLen(redisClient, int64(cfg.Redis.StreamMaxLen))

	// --- Treasury ---
	switch cfg.Treasury.Backend {
	case "ethereum":
		key, err := crypto.LoadKey(crypto.KeyConfig{
			RawPrivateKey:    cfg.Treasury.PrivateKey,
			EncryptedKeyPath: cfg.Treasury.EncryptedKeyPath,
			KeyPassword:      cfg.Treasury.KeyPassword,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: treasury key: %w", err)
		}
		eth, err := treasury.DialEth(cfg.Treasury.RPCURL, key, cfg.Treasury.ChainID, logger)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: treasury: %w", err)
		}
		deps.Treasury = eth
	default: // "ledger"
		deps.Treasury = treasury.NewLedger(pool, logger)
	}

	deps.Authorizer = crypto.NewResolveVerifier(cfg.Treasury.ChainID)

	// --- S3 blob storage ---
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
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(
			deps.BlobWriter,
			deps.BlobReader,
			deps.MarketStore,
			deps.PoolStore,
			deps.PositionStore,
			deps.ClaimStore,
		)
	}

	// --- Services ---
	clock := domain.WallClock{}
	deps.Markets = service.NewMarketService(deps.MarketStore, deps.MarketCache, deps.EventBus, clock, logger)
	deps.Settlement = service.NewSettlementService(service.SettlementDeps{
		Markets:         deps.MarketStore,
		Pools:           deps.PoolStore,
		Positions:       deps.PositionStore,
		Claims:          deps.ClaimStore,
		Cache:           deps.MarketCache,
		Locks:           deps.LockManager,
		Bus:             deps.EventBus,
		Treasury:        deps.Treasury,
		Auth:            deps.Authorizer,
		Clock:           clock,
		MaxDeadlineSkew: cfg.Authority.MaxDeadlineSkew.Duration,
	}, logger)

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
