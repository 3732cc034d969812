// Package config loads service configuration from the environment. Every
// knob has a default so the binary starts with nothing but ENERGYD_* vars
// for whatever needs to differ.
package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Storage backend names.
const (
	StoragePostgres = "postgres"
	StorageSQLite   = "sqlite"
)

// Bucket backend names for quota and IP rate limiting.
const (
	BucketMemory   = "memory"
	BucketDatabase = "database"
	BucketRedis    = "redis"
)

type Config struct {
	Environment string `envconfig:"ENV" default:"development"`
	ListenAddr  string `envconfig:"LISTEN_ADDR" default:":8080"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFile     string `envconfig:"LOG_FILE" default:"-"`
	LogMaxBytes int64  `envconfig:"LOG_MAX_BYTES" default:"104857600"`

	// Ledger storage.
	StorageBackend string `envconfig:"STORAGE_BACKEND" default:"sqlite"`
	SQLitePath     string `envconfig:"SQLITE_PATH" default:"data/energy.db"`
	PostgresDSN    string `envconfig:"POSTGRES_DSN"`
	DBMaxOpenConns int    `envconfig:"DB_MAX_OPEN_CONNS" default:"10"`
	DBMaxIdleConns int    `envconfig:"DB_MAX_IDLE_CONNS" default:"5"`
	DBConnLifetime int    `envconfig:"DB_CONN_LIFETIME_MINUTES" default:"30"`
	DBConnIdleTime int    `envconfig:"DB_CONN_IDLE_MINUTES" default:"5"`

	// Administrators reserve at zero cost when set.
	AdminUnlimitedEnergy bool `envconfig:"ADMIN_UNLIMITED_ENERGY" default:"true"`

	// Windowed bucket backend shared by quota and IP limiting. "database"
	// reuses the ledger's storage backend; "memory" is per-instance and does
	// not survive restarts; "redis" is reserved.
	BucketBackend      string `envconfig:"BUCKET_BACKEND" default:"database"`
	BucketPruneMinutes int    `envconfig:"BUCKET_PRUNE_MINUTES" default:"60"`
	RedisAddr          string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword      string `envconfig:"REDIS_PASSWORD"`
	RedisDB            int    `envconfig:"REDIS_DB" default:"0"`

	// Per-user quota ceilings; zero or negative means unlimited.
	QuotaVoiceDailyFree    int64 `envconfig:"QUOTA_VOICE_DAILY_FREE" default:"20"`
	QuotaVoiceDailyPaid    int64 `envconfig:"QUOTA_VOICE_DAILY_PAID" default:"100"`
	QuotaVideoDailyFree    int64 `envconfig:"QUOTA_VIDEO_DAILY_FREE" default:"3"`
	QuotaVideoDailyPaid    int64 `envconfig:"QUOTA_VIDEO_DAILY_PAID" default:"20"`
	QuotaAvatarMonthlyFree int64 `envconfig:"QUOTA_AVATAR_MONTHLY_FREE" default:"3"`
	QuotaAvatarMonthlyPaid int64 `envconfig:"QUOTA_AVATAR_MONTHLY_PAID" default:"200"`

	// Per-IP tiers. Kill switch first: disabling skips all IP checks.
	IPRateLimitEnabled bool   `envconfig:"IP_RATE_LIMIT_ENABLED" default:"true"`
	IPTierOverrides    string `envconfig:"IP_TIER_OVERRIDES"`
	IPGlobalLimit      int64  `envconfig:"IP_GLOBAL_LIMIT" default:"200"`
	IPVoiceLimit       int64  `envconfig:"IP_VOICE_LIMIT" default:"20"`
	IPVideoLimit       int64  `envconfig:"IP_VIDEO_LIMIT" default:"10"`
	IPImageLimit       int64  `envconfig:"IP_IMAGE_LIMIT" default:"30"`
	IPSignupLimit      int64  `envconfig:"IP_SIGNUP_LIMIT" default:"5"`
	IPForumLimit       int64  `envconfig:"IP_FORUM_LIMIT" default:"50"`
	IPMessageLimit     int64  `envconfig:"IP_MESSAGE_LIMIT" default:"30"`
	IPAPIKeyLimit      int64  `envconfig:"IP_API_KEY_LIMIT" default:"10"`
}

// Load reads ENERGYD_*-prefixed environment variables into a Config.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("energyd", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.StorageBackend {
	case StoragePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("ENERGYD_POSTGRES_DSN is required when storage backend is %q", StoragePostgres)
		}
	case StorageSQLite:
	default:
		return fmt.Errorf("unknown storage backend %q", c.StorageBackend)
	}
	switch c.BucketBackend {
	case BucketMemory, BucketDatabase, BucketRedis:
	default:
		return fmt.Errorf("unknown bucket backend %q", c.BucketBackend)
	}
	return nil
}
