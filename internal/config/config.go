package config

import (
	"errors"
	"fmt"
	"time"

	"delivery-route-ledger/internal/adapters/archive"
	"delivery-route-ledger/internal/adapters/ledger"
	"delivery-route-ledger/internal/anchor"
	"delivery-route-ledger/internal/platform/db"
	"delivery-route-ledger/internal/services"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendEthereum = "ethereum"
	BackendRedis    = "redis"
)

// Config is the service configuration read from the environment.
type Config struct {
	Port string

	StoreBackend string
	Database     db.Config

	LedgerBackend    string
	LedgerSQLitePath string
	Ethereum         ledger.EthereumConfig

	QueueBackend string
	RedisAddr    string
	RedisPrefix  string
	QueueLease   time.Duration

	AnchorTimeout time.Duration
	Worker        anchor.WorkerConfig

	Routes services.RouteServiceConfig

	AuthPolicyFile string

	ArchiveEnabled bool
	MinIO          archive.MinIOConfig

	ORSAPIKey      string
	ORSProfile     string
	LegCacheMaxAge time.Duration
}

// Load reads the configuration from the environment. Callers load .env first.
func Load() (Config, error) {
	var r reader

	cfg := Config{
		Port: Get("PORT", "8080"),

		StoreBackend: Get("STORE_BACKEND", BackendMemory),
		Database: db.Config{
			URL:          Get("DATABASE_URL", ""),
			MaxOpenConns: r.int("DB_MAX_OPEN_CONNS", 10),
			PingTimeout:  r.duration("DB_PING_TIMEOUT", 5*time.Second),
		},

		LedgerBackend:    Get("LEDGER_BACKEND", BackendMemory),
		LedgerSQLitePath: Get("LEDGER_SQLITE_PATH", "data/ledger.db"),
		Ethereum: ledger.EthereumConfig{
			RPCURL:          Get("ETH_RPC_URL", ""),
			ContractAddress: Get("ETH_CONTRACT_ADDRESS", ""),
			PrivateKeyHex:   Get("ETH_PRIVATE_KEY", ""),
			ChainID:         r.int64("ETH_CHAIN_ID", 0),
			MineTimeout:     r.duration("ETH_MINE_TIMEOUT", 2*time.Minute),
		},

		QueueBackend: Get("QUEUE_BACKEND", BackendMemory),
		RedisAddr:    Get("REDIS_ADDR", "localhost:6379"),
		RedisPrefix:  Get("REDIS_PREFIX", "anchor"),
		QueueLease:   r.duration("ANCHOR_LEASE", 5*time.Minute),

		AnchorTimeout: r.duration("ANCHOR_TIMEOUT", 30*time.Second),
		Worker: anchor.WorkerConfig{
			Concurrency:       r.int("ANCHOR_WORKERS", 4),
			BatchSize:         r.int("ANCHOR_BATCH_SIZE", 32),
			PollInterval:      r.duration("ANCHOR_POLL_INTERVAL", time.Second),
			ReconcileInterval: r.duration("ANCHOR_RECONCILE_INTERVAL", time.Minute),
			Backoff: anchor.Backoff{
				Base:    r.duration("ANCHOR_BACKOFF_BASE", 2*time.Second),
				Max:     r.duration("ANCHOR_BACKOFF_MAX", 5*time.Minute),
				Horizon: r.duration("ANCHOR_RETRY_HORIZON", 24*time.Hour),
			},
		},

		Routes: services.RouteServiceConfig{
			MinStops: r.int("ROUTE_MIN_STOPS", 2),
			MaxStops: r.int("ROUTE_MAX_STOPS", 20),
		},

		AuthPolicyFile: Get("AUTH_POLICY_FILE", ""),

		ArchiveEnabled: r.bool("ARCHIVE_ENABLED", false),
		MinIO: archive.MinIOConfig{
			Endpoint:  Get("MINIO_ENDPOINT", ""),
			AccessKey: Get("MINIO_ACCESS_KEY", ""),
			SecretKey: Get("MINIO_SECRET_KEY", ""),
			Bucket:    Get("MINIO_BUCKET", "route-archive"),
			Region:    Get("MINIO_REGION", ""),
			UseSSL:    r.bool("MINIO_USE_SSL", false),
		},

		ORSAPIKey:      Get("ORS_API_KEY", ""),
		ORSProfile:     Get("ORS_PROFILE", "driving-car"),
		LegCacheMaxAge: r.duration("LEG_CACHE_MAX_AGE", 30*24*time.Hour),
	}
	if r.err != nil {
		return Config{}, r.err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		if err := c.Database.Validate(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	default:
		return fmt.Errorf("config: unsupported STORE_BACKEND %q", c.StoreBackend)
	}

	switch c.LedgerBackend {
	case BackendMemory:
	case BackendSQLite:
		if c.LedgerSQLitePath == "" {
			return errors.New("config: LEDGER_SQLITE_PATH is required")
		}
	case BackendEthereum:
		if err := c.Ethereum.Validate(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	default:
		return fmt.Errorf("config: unsupported LEDGER_BACKEND %q", c.LedgerBackend)
	}

	switch c.QueueBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisAddr == "" {
			return errors.New("config: REDIS_ADDR is required")
		}
	default:
		return fmt.Errorf("config: unsupported QUEUE_BACKEND %q", c.QueueBackend)
	}

	if c.Routes.MinStops < 1 || c.Routes.MaxStops < c.Routes.MinStops {
		return fmt.Errorf("config: stop bounds %d..%d are invalid", c.Routes.MinStops, c.Routes.MaxStops)
	}
	if c.Worker.Concurrency <= 0 {
		return errors.New("config: ANCHOR_WORKERS must be positive")
	}
	b := c.Worker.Backoff
	if b.Base <= 0 || b.Max < b.Base || b.Horizon <= 0 {
		return fmt.Errorf("config: anchor backoff base=%s max=%s horizon=%s is invalid", b.Base, b.Max, b.Horizon)
	}
	if c.AnchorTimeout <= 0 {
		return errors.New("config: ANCHOR_TIMEOUT must be positive")
	}

	if c.ArchiveEnabled {
		if err := c.MinIO.Validate(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}
