// Command energyd serves the energy ledger, quota, and IP rate-limit APIs.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/ventureforge/energy-gateway/internal/bucket"
	bucketmemory "github.com/ventureforge/energy-gateway/internal/bucket/memory"
	bucketpostgres "github.com/ventureforge/energy-gateway/internal/bucket/postgres"
	bucketredis "github.com/ventureforge/energy-gateway/internal/bucket/redis"
	bucketsqlite "github.com/ventureforge/energy-gateway/internal/bucket/sqlite"
	"github.com/ventureforge/energy-gateway/internal/config"
	"github.com/ventureforge/energy-gateway/internal/energy"
	energypostgres "github.com/ventureforge/energy-gateway/internal/energy/postgres"
	energysqlite "github.com/ventureforge/energy-gateway/internal/energy/sqlite"
	"github.com/ventureforge/energy-gateway/internal/health"
	"github.com/ventureforge/energy-gateway/internal/httpserver"
	"github.com/ventureforge/energy-gateway/internal/logging"
	"github.com/ventureforge/energy-gateway/internal/provider/loopback"
	"github.com/ventureforge/energy-gateway/internal/quota"
	"github.com/ventureforge/energy-gateway/internal/ratelimit"
	"github.com/ventureforge/energy-gateway/internal/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "energyd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Best effort: production sets real environment variables.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, logCloser, err := logging.New(cfg.Environment, cfg.LogLevel, cfg.LogFile, cfg.LogMaxBytes)
	if err != nil {
		return err
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	buckets, err := openBuckets(cfg)
	if err != nil {
		return err
	}
	defer buckets.Close()

	quotaEngine := quota.NewEngine(buckets, store, quota.Limits{
		VoiceDailyFree:    cfg.QuotaVoiceDailyFree,
		VoiceDailyPaid:    cfg.QuotaVoiceDailyPaid,
		VideoDailyFree:    cfg.QuotaVideoDailyFree,
		VideoDailyPaid:    cfg.QuotaVideoDailyPaid,
		AvatarMonthlyFree: cfg.QuotaAvatarMonthlyFree,
		AvatarMonthlyPaid: cfg.QuotaAvatarMonthlyPaid,
	})

	catalog, err := buildCatalog(cfg)
	if err != nil {
		return err
	}
	limiter := ratelimit.NewLimiter(buckets, cfg.IPRateLimitEnabled, logger)

	server := httpserver.NewServer(store, quotaEngine, limiter, catalog, loopback.New(), logger)
	server.SetHealthChecker(buildHealthChecker(store, buckets))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.BucketPruneMinutes > 0 {
		go pruneLoop(ctx, buckets, time.Duration(cfg.BucketPruneMinutes)*time.Minute, logger)
	}

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("version", version.Version).
			Str("addr", cfg.ListenAddr).
			Str("storage", cfg.StorageBackend).
			Str("buckets", cfg.BucketBackend).
			Bool("ip_rate_limit", cfg.IPRateLimitEnabled).
			Msg("energyd listening")
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return nil
}

func costPolicy(cfg *config.Config) energy.CostPolicy {
	if cfg.AdminUnlimitedEnergy {
		return energy.AdminBypassPolicy{}
	}
	return energy.StandardCostPolicy{}
}

func openStore(cfg *config.Config) (energy.Store, error) {
	switch cfg.StorageBackend {
	case config.StoragePostgres:
		return energypostgres.New(cfg.PostgresDSN,
			cfg.DBMaxOpenConns, cfg.DBMaxIdleConns,
			cfg.DBConnLifetime, cfg.DBConnIdleTime,
			costPolicy(cfg))
	case config.StorageSQLite:
		return energysqlite.New(cfg.SQLitePath, costPolicy(cfg))
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

// openBuckets selects the shared windowed-counter backend. "database" piggybacks
// on whichever ledger storage is configured.
func openBuckets(cfg *config.Config) (bucket.Store, error) {
	switch cfg.BucketBackend {
	case config.BucketMemory:
		return bucketmemory.New(), nil
	case config.BucketDatabase:
		if cfg.StorageBackend == config.StoragePostgres {
			return bucketpostgres.New(cfg.PostgresDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns)
		}
		return bucketsqlite.New(cfg.SQLitePath)
	case config.BucketRedis:
		if _, err := bucketredis.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("redis bucket backend unavailable")
	default:
		return nil, fmt.Errorf("unknown bucket backend %q", cfg.BucketBackend)
	}
}

func buildCatalog(cfg *config.Config) (ratelimit.Catalog, error) {
	catalog := ratelimit.DefaultCatalog()
	catalog.Global.Limit = cfg.IPGlobalLimit
	catalog.Voice.Limit = cfg.IPVoiceLimit
	catalog.Video.Limit = cfg.IPVideoLimit
	catalog.Image.Limit = cfg.IPImageLimit
	catalog.Signup.Limit = cfg.IPSignupLimit
	catalog.ForumPost.Limit = cfg.IPForumLimit
	catalog.DirectMessage.Limit = cfg.IPMessageLimit
	catalog.APIKeyAccess.Limit = cfg.IPAPIKeyLimit

	if cfg.IPTierOverrides != "" {
		if err := catalog.ApplyFile(cfg.IPTierOverrides); err != nil {
			return ratelimit.Catalog{}, err
		}
	}
	return catalog, nil
}

// buildHealthChecker probes both backing stores with cheap reads. A missing
// account is a healthy ledger; only infrastructure errors count.
func buildHealthChecker(store energy.Store, buckets bucket.Store) *health.Checker {
	checker := health.New(0)
	checker.Add("ledger", func(ctx context.Context) error {
		_, err := store.GetAccount(ctx, "healthcheck")
		if errors.Is(err, energy.ErrAccountNotFound) {
			return nil
		}
		return err
	})
	checker.Add("buckets", func(ctx context.Context) error {
		_, err := buckets.Peek(ctx, "system:health", "probe", time.Time{})
		return err
	})
	return checker
}

// pruneLoop clears buckets from closed windows so the backing table stays
// bounded. The stores are correct without it; this is purely housekeeping.
func pruneLoop(ctx context.Context, buckets bucket.Store, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-31 * 24 * time.Hour)
			removed, err := buckets.Prune(ctx, cutoff)
			if err != nil {
				logger.Warn().Err(err).Msg("bucket prune failed")
				continue
			}
			if removed > 0 {
				logger.Debug().Int64("removed", removed).Msg("pruned expired buckets")
			}
		case <-ctx.Done():
			return
		}
	}
}
