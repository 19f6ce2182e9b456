package main

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"finsync/internal/domain/account"
	"finsync/internal/domain/connection"
	"finsync/internal/domain/reconcile"
	"finsync/internal/domain/refresh"
	"finsync/internal/infrastructure/aggregator"
	"finsync/internal/infrastructure/crypto"
	"finsync/internal/infrastructure/postgres"
	"finsync/internal/infrastructure/redislock"
	"finsync/internal/shared/config"
	"finsync/internal/shared/logger"
	"finsync/internal/shared/retry"
)

// Dependencies holds all initialized application components.
type Dependencies struct {
	Config *config.Config
	Log    *logrus.Logger
	DB     *postgres.DB
	Redis  *redis.Client

	Connections *connection.Service
	Accounts    *account.Service
	Engine      *reconcile.Engine
}

// loadConfig reads configuration and builds the logger every command uses.
func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	log := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	return cfg, log, nil
}

// openDB connects to the database with the configured pool settings.
func openDB(cfg *config.Config, log logrus.FieldLogger) (*postgres.DB, error) {
	db, err := postgres.New(cfg.Database.ConnectionString(), postgres.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, err
	}
	log.WithField("host", cfg.Database.Host).Info("Connected to database")
	return db, nil
}

// NewDependencies initializes all application dependencies.
func NewDependencies(ctx context.Context) (*Dependencies, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}

	db, err := openDB(cfg, log)
	if err != nil {
		return nil, err
	}
	deps := &Dependencies{Config: cfg, Log: log, DB: db}

	encryptor, err := crypto.NewEncryptor(cfg.Encryption.Key)
	if err != nil {
		deps.Close()
		return nil, err
	}

	// Without Redis, syncs are serialized within this process only.
	var locker redislock.Locker = redislock.NopLocker{}
	if cfg.Redis.Enabled() {
		client, err := redislock.Connect(ctx, redislock.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			deps.Close()
			return nil, err
		}
		deps.Redis = client
		locker = redislock.New(client)
		log.WithField("addr", cfg.Redis.Addr).Info("Connected to redis")
	}

	connectionRepo := postgres.NewConnectionRepository(db, encryptor)
	accountRepo := postgres.NewAccountRepository(db)
	holdingRepo := postgres.NewHoldingRepository(db)
	transactionRepo := postgres.NewTransactionRepository(db)

	policy := refresh.Policy{SoftCooldown: cfg.Sync.SoftCooldown, HardInterval: cfg.Sync.HardInterval}
	deps.Connections = connection.NewService(connectionRepo, policy)
	deps.Accounts = account.NewService(accountRepo)

	client := aggregator.NewClient(aggregator.Config{
		BaseURL:      firstNonEmpty(cfg.Aggregator.BaseURL, cfg.Aggregator.Environment),
		ClientID:     cfg.Aggregator.ClientID,
		Secret:       cfg.Aggregator.Secret,
		Timeout:      cfg.Aggregator.Timeout,
		RateLimit:    cfg.Aggregator.RateLimit,
		RateBurst:    cfg.Aggregator.RateBurst,
		ClientName:   cfg.Aggregator.ClientName,
		Language:     cfg.Aggregator.Language,
		Products:     cfg.Aggregator.Products,
		CountryCodes: cfg.Aggregator.CountryCodes,
		Webhook:      cfg.Aggregator.Webhook,
		RedirectURI:  cfg.Aggregator.RedirectURI,
	})

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxRetries = cfg.Retry.MaxRetries
	retryCfg.BaseDelay = cfg.Retry.BaseDelay
	retryCfg.MaxDelay = cfg.Retry.MaxDelay
	retryCfg.Retryable = aggregator.IsTransient

	deps.Engine = reconcile.NewEngine(reconcile.Deps{
		Client:       client,
		Connections:  deps.Connections,
		Accounts:     deps.Accounts,
		Holdings:     holdingRepo,
		Transactions: transactionRepo,
		Locker:       locker,
		Retrier:      retry.New(retryCfg, log.WithField("component", "retry")),
		Logger:       log.WithField("component", "reconcile"),
	}, reconcile.Config{
		InitialWindow:  cfg.Sync.InitialWindow,
		LookbackWindow: cfg.Sync.LookbackWindow,
		PageSize:       cfg.Aggregator.PageSize,
		BatchSize:      cfg.Sync.BatchSize,
		LockTTL:        cfg.Sync.LockTTL,
	})

	return deps, nil
}

// Close releases all resources held by dependencies.
func (d *Dependencies) Close() {
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			d.Log.WithError(err).Warn("Failed to close redis client")
		}
	}
	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			d.Log.WithError(err).Warn("Failed to close database")
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
