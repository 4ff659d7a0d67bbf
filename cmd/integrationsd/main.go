package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cacheadapter "github.com/smallbiznis/railzway-integrations/internal/adapter/cache"
	oauthadapter "github.com/smallbiznis/railzway-integrations/internal/adapter/oauth"
	"github.com/smallbiznis/railzway-integrations/internal/broker"
	"github.com/smallbiznis/railzway-integrations/internal/config"
	"github.com/smallbiznis/railzway-integrations/internal/failover"
	httptransport "github.com/smallbiznis/railzway-integrations/internal/http"
	"github.com/smallbiznis/railzway-integrations/internal/http/handler"
	apimiddleware "github.com/smallbiznis/railzway-integrations/internal/middleware"
	"github.com/smallbiznis/railzway-integrations/internal/providers"
	"github.com/smallbiznis/railzway-integrations/internal/repository"
	"github.com/smallbiznis/railzway-integrations/internal/secrets"
	"github.com/smallbiznis/railzway-integrations/internal/server"
	"github.com/smallbiznis/railzway-integrations/internal/service"
	"github.com/smallbiznis/railzway-integrations/internal/telemetry"
	"github.com/smallbiznis/railzway-integrations/internal/vault"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newSnowflake,
			newPGXPool,
			newRedisClient,
			newVault,
			newRegistry,
			newIntegrationRepository,
			newStateRepository,
			newTokenRepository,
			newProviderClient,
			newHealthStore,
			newFailoverController,
			newBroker,
			newTesters,
			service.NewIntegrationService,
			newRateLimiter,
			handler.NewOpsHandler,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, startHTTPServer, startStateJanitor),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})

	return pool, nil
}

// newRedisClient connects only when a redis-backed store is configured;
// otherwise it hands out nil and the selectors below never touch it.
func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	if cfg.StateStore != config.StoreRedis && cfg.HealthStore != config.StoreRedis {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func newVault(cfg config.Config, logger *zap.Logger) (*vault.Vault, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	material, err := secrets.Resolve(ctx, cfg, logger, secrets.ChainFromConfig(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("resolve encryption key: %w", err)
	}

	key, err := vault.KeyFromMaterial(material.Value)
	if err != nil {
		return nil, fmt.Errorf("derive encryption key: %w", err)
	}

	return vault.New(map[int][]byte{vault.CurrentKeyVersion: key}, vault.CurrentKeyVersion, logger)
}

func newRegistry() *providers.Registry {
	return providers.NewRegistry()
}

func newIntegrationRepository(pool *pgxpool.Pool) repository.IntegrationRepository {
	return repository.NewPostgresIntegrationRepo(pool)
}

func newStateRepository(cfg config.Config, pool *pgxpool.Pool, client redis.UniversalClient) repository.StateRepository {
	if cfg.StateStore == config.StoreRedis {
		return cacheadapter.NewRedisStateStore(client)
	}
	return repository.NewPostgresStateRepo(pool)
}

func newTokenRepository(pool *pgxpool.Pool) repository.TokenRepository {
	return repository.NewPostgresTokenRepo(pool)
}

func newProviderClient(cfg config.Config) oauthadapter.ProviderClient {
	return oauthadapter.NewHTTPProviderClient(&http.Client{Timeout: cfg.ProviderTimeout})
}

func newHealthStore(cfg config.Config, client redis.UniversalClient) failover.HealthStore {
	if cfg.HealthStore == config.StoreRedis {
		return cacheadapter.NewRedisHealthStore(client)
	}
	return failover.NewMemoryHealthStore()
}

func newFailoverController(registry *providers.Registry, repo repository.IntegrationRepository, health failover.HealthStore, cfg config.Config, logger *zap.Logger) *failover.Controller {
	breaker := failover.Config{
		Threshold: cfg.BreakerThreshold,
		Cooldown:  cfg.BreakerCooldown,
	}
	return failover.NewController(registry, repo, health, breaker, logger)
}

func newBroker(
	registry *providers.Registry,
	states repository.StateRepository,
	tokens repository.TokenRepository,
	integrations repository.IntegrationRepository,
	providerClient oauthadapter.ProviderClient,
	v *vault.Vault,
	node *snowflake.Node,
	cfg config.Config,
	logger *zap.Logger,
) broker.Broker {
	return broker.New(registry, states, tokens, integrations, providerClient, v, node, cfg, logger)
}

func newTesters(cfg config.Config) map[string]service.Tester {
	return service.NewDefaultTesters(&http.Client{Timeout: cfg.ProviderTimeout})
}

func newRateLimiter(cfg config.Config) *apimiddleware.RateLimiter {
	return apimiddleware.NewRateLimiter(cfg.RateLimitRPM)
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

// startStateJanitor sweeps expired pending authorization states on an
// interval. Redis-backed stores expire entries themselves and the sweep is a
// cheap no-op there.
func startStateJanitor(lc fx.Lifecycle, brk broker.Broker, cfg config.Config, logger *zap.Logger) {
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				defer close(done)
				ticker := time.NewTicker(cfg.StateCleanupInterval)
				defer ticker.Stop()
				for {
					select {
					case <-runCtx.Done():
						return
					case <-ticker.C:
						removed, err := brk.CleanupExpiredStates(runCtx)
						if err != nil {
							logger.Warn("state cleanup failed", zap.Error(err))
							continue
						}
						if removed > 0 {
							logger.Info("expired oauth states removed", zap.Int64("count", removed))
						}
					}
				}
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}
