package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/marketdeck/marketdeck/internal/api"
	"github.com/marketdeck/marketdeck/internal/cache"
	"github.com/marketdeck/marketdeck/internal/computecache"
	"github.com/marketdeck/marketdeck/internal/config"
	"github.com/marketdeck/marketdeck/internal/logging"
	"github.com/marketdeck/marketdeck/internal/market"
	"github.com/marketdeck/marketdeck/internal/metrics"
	"github.com/marketdeck/marketdeck/internal/observability"
	"github.com/marketdeck/marketdeck/internal/ratelimit"
	"github.com/marketdeck/marketdeck/internal/store"
)

func serveCmd() *cobra.Command {
	var (
		configPath string
		listenAddr string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the marketdeck API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.Server.ListenAddr = listenAddr
			}
			if logLevel != "" {
				cfg.Server.LogLevel = logLevel
			}

			logging.InitStructured(cfg.Server.LogFormat, cfg.Server.LogLevel)
			metrics.Init("marketdeck")

			ctx := context.Background()

			if err := observability.Init(ctx, observability.Config{
				Enabled:     cfg.Telemetry.Enabled,
				Exporter:    cfg.Telemetry.Exporter,
				Endpoint:    cfg.Telemetry.Endpoint,
				ServiceName: "marketdeck",
				SampleRate:  cfg.Telemetry.SampleRate,
			}); err != nil {
				return fmt.Errorf("init telemetry: %w", err)
			}
			defer observability.Shutdown(ctx)

			cacheStore := openStore(ctx, cfg)
			if cacheStore != nil {
				defer cacheStore.Close()
			}

			var redisClient *redis.Client
			if cfg.Redis.Addr != "" {
				redisClient = redis.NewClient(&redis.Options{
					Addr:     cfg.Redis.Addr,
					Password: cfg.Redis.Password,
					DB:       cfg.Redis.DB,
				})
				defer redisClient.Close()
			}

			hotTier := buildHotTier(cfg, redisClient)
			defer hotTier.Close()

			computeCache := computecache.New(computecache.Config{
				Store:           cacheStore,
				HotTier:         hotTier,
				LockWaitTimeout: time.Duration(cfg.Cache.LockWaitSeconds) * time.Second,
			})

			limiter := buildLimiter(cfg, redisClient)

			marketClient := market.NewClient(market.ClientConfig{
				BaseURL: cfg.Providers.MarketDataURL,
				APIKey:  cfg.Providers.MarketDataKey,
				Limiter: limiter,
			})
			briefingClient := market.NewBriefingClient(market.BriefingClientConfig{
				BaseURL: cfg.Providers.AIURL,
				APIKey:  cfg.Providers.AIKey,
				Model:   cfg.Providers.AIModel,
				Limiter: limiter,
			})

			universes, err := market.LoadUniverses(cfg.UniverseFile)
			if err != nil {
				logging.Op().Warn("universe file unavailable, screener disabled for unknown names",
					"path", cfg.UniverseFile, "error", err)
				universes = map[string]market.Universe{}
			}

			handler := &api.Handler{
				Cache:     computeCache,
				Market:    marketClient,
				Screener:  market.NewScreener(marketClient, cfg.ScreenerTopN),
				Briefing:  briefingClient,
				Universes: universes,
				QuoteTTL:  time.Duration(cfg.Cache.QuoteTTLSeconds) * time.Second,
				NewsTTL:   time.Duration(cfg.Cache.NewsTTLSeconds) * time.Second,
			}

			mux := http.NewServeMux()
			handler.RegisterRoutes(mux)

			httpServer := &http.Server{
				Addr:    cfg.Server.ListenAddr,
				Handler: observability.HTTPMiddleware(mux),
			}

			errCh := make(chan error, 1)
			go func() {
				logging.Op().Info("marketdeck server started",
					"addr", cfg.Server.ListenAddr,
					"cache_disabled", computeCache.Disabled(),
					"redis", cfg.Redis.Addr != "")
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case sig := <-sigCh:
				logging.Op().Info("shutdown signal received", "signal", sig.String())
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := httpServer.Shutdown(shutdownCtx); err != nil {
					return fmt.Errorf("shutdown server: %w", err)
				}
				return nil
			case err := <-errCh:
				return fmt.Errorf("server error: %w", err)
			}
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to JSON config file")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (overrides config)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (overrides config)")

	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path != "" {
		loaded, err := config.LoadFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}

// openStore picks the coordination substrate. An unreachable Postgres is not
// fatal: the cache fails open and the dashboard keeps serving, just without
// dedup across instances.
func openStore(ctx context.Context, cfg *config.Config) store.CacheStore {
	if cfg.Postgres.DSN == "" {
		logging.Op().Info("no postgres DSN configured, using in-process cache store")
		return store.NewMemoryStore()
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pgStore, err := store.NewPostgresStore(connectCtx, cfg.Postgres.DSN)
	if err != nil {
		logging.Op().Warn("postgres unreachable, compute cache running in fail-open mode", "error", err)
		return nil
	}
	return pgStore
}

func buildHotTier(cfg *config.Config, redisClient *redis.Client) cache.Cache {
	local := cache.NewInMemoryCache()
	if redisClient == nil {
		return local
	}
	l2 := cache.NewRedisCacheFromClient(redisClient, "")
	return cache.NewTieredCache(local, l2, time.Duration(cfg.Cache.HotTierL1Seconds)*time.Second)
}

func buildLimiter(cfg *config.Config, redisClient *redis.Client) *ratelimit.Limiter {
	var backend ratelimit.Backend
	if redisClient != nil {
		backend = ratelimit.NewFallbackBackend(ratelimit.NewRedisBackend(redisClient))
	} else {
		backend = ratelimit.NewLocalTokenBucketBackend()
	}

	budgets := map[string]ratelimit.Budget{
		market.ProviderMarketData: {
			RequestsPerSecond: cfg.Providers.MarketDataRPS,
			Burst:             cfg.Providers.MarketDataBurst,
		},
		market.ProviderAI: {
			RequestsPerSecond: cfg.Providers.AIRPS,
			Burst:             cfg.Providers.AIBurst,
		},
	}
	return ratelimit.New(backend, budgets, ratelimit.Budget{RequestsPerSecond: 1, Burst: 2})
}
