// Package app wires concrete adapters behind ports for the commands.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"delivery-route-ledger/internal/adapters/archive"
	"delivery-route-ledger/internal/adapters/cache"
	"delivery-route-ledger/internal/adapters/distance"
	"delivery-route-ledger/internal/adapters/ledger"
	"delivery-route-ledger/internal/adapters/queue"
	"delivery-route-ledger/internal/adapters/store"
	"delivery-route-ledger/internal/anchor"
	"delivery-route-ledger/internal/config"
	"delivery-route-ledger/internal/events"
	"delivery-route-ledger/internal/platform/db"
	"delivery-route-ledger/internal/ports"
	"delivery-route-ledger/internal/services"
)

type routeStore interface {
	ports.RouteStore
	ports.AnchorStateStore
}

// App holds the wired services. Close releases every backend it opened.
type App struct {
	Routes    *services.RouteService
	Verifier  *services.Verifier
	Optimizer ports.Optimizer
	Worker    *anchor.Worker
	Events    *events.Hub

	closers []func() error
}

// Build opens the configured backends and assembles the services.
func Build(ctx context.Context, cfg config.Config, policy config.Policy) (_ *App, err error) {
	a := &App{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	var sqlDB *sql.DB
	var st routeStore
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		sqlDB, err = db.Open(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("build: %w", err)
		}
		a.closers = append(a.closers, sqlDB.Close)
		if err := store.InitSchema(ctx, sqlDB); err != nil {
			return nil, fmt.Errorf("build: %w", err)
		}
		st = store.NewPostgresStore(sqlDB)
	default:
		st = store.NewMemoryStore()
	}

	var l ports.AnchorLedger
	switch cfg.LedgerBackend {
	case config.BackendSQLite:
		sl, err := ledger.OpenSQLiteLedger(ctx, cfg.LedgerSQLitePath)
		if err != nil {
			return nil, fmt.Errorf("build: %w", err)
		}
		a.closers = append(a.closers, sl.Close)
		l = sl
	case config.BackendEthereum:
		ethCfg := cfg.Ethereum
		ethCfg.ActorKeys = policy.ActorKeys
		el, err := ledger.NewEthereumLedger(ctx, ethCfg)
		if err != nil {
			return nil, fmt.Errorf("build: %w", err)
		}
		a.closers = append(a.closers, func() error { el.Close(); return nil })
		l = el
	default:
		l = ledger.NewMemoryLedger()
	}

	var q ports.AnchorQueue
	switch cfg.QueueBackend {
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.closers = append(a.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("build: ping redis %s: %w", cfg.RedisAddr, err)
		}
		q = queue.NewRedisQueue(rdb, cfg.RedisPrefix, cfg.QueueLease)
	default:
		q = queue.NewMemoryQueue(cfg.QueueLease)
	}

	var arc ports.RouteArchive
	if cfg.ArchiveEnabled {
		ma, err := archive.NewMinIOArchive(cfg.MinIO)
		if err != nil {
			return nil, fmt.Errorf("build: %w", err)
		}
		if err := ma.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("build: %w", err)
		}
		arc = ma
	}

	provider, err := distanceProvider(cfg, sqlDB)
	if err != nil {
		return nil, fmt.Errorf("build: %w", err)
	}

	a.Events = events.NewHub()
	a.closers = append(a.closers, func() error { a.Events.Close(); return nil })

	a.Optimizer = services.NewNearestNeighborOptimizer(provider)
	a.Routes = services.NewRouteService(st, st, q, policy.Authorization, cfg.Routes)
	a.Verifier = services.NewVerifier(st, st, l).WithQueue(q)
	if arc != nil {
		a.Routes.WithArchive(arc)
		a.Verifier.WithArchive(arc)
	}
	a.Worker = anchor.NewWorker(anchor.NewClient(l, cfg.AnchorTimeout), q, st, st, a.Events, cfg.Worker)

	log.Printf("backends store=%s ledger=%s queue=%s archive=%t",
		cfg.StoreBackend, cfg.LedgerBackend, cfg.QueueBackend, arc != nil)
	return a, nil
}

// ORS needs the Postgres leg cache; without it routes are optimized on
// great-circle distances.
func distanceProvider(cfg config.Config, sqlDB *sql.DB) (ports.DistanceProvider, error) {
	if cfg.ORSAPIKey == "" {
		return distance.NewHaversineProvider(), nil
	}
	if sqlDB == nil {
		return nil, errors.New("ORS_API_KEY requires STORE_BACKEND=postgres for the leg cache")
	}
	legs := cache.NewSQLLegCache(sqlDB)
	legs.MaxAge = cfg.LegCacheMaxAge
	p, err := distance.NewORSDistanceProvider(cfg.ORSAPIKey, legs)
	if err != nil {
		return nil, err
	}
	return p.WithProfile(cfg.ORSProfile), nil
}

// Close releases backends in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Printf("close backend: %v", err)
		}
	}
	a.closers = nil
}
