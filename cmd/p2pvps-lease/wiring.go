package main

import (
	"context"
	"fmt"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/conductorone/p2pvps-lease/pkg/config"
	"github.com/conductorone/p2pvps-lease/pkg/devicestore"
	"github.com/conductorone/p2pvps-lease/pkg/listing"
	"github.com/conductorone/p2pvps-lease/pkg/metrics"
	"github.com/conductorone/p2pvps-lease/pkg/portpool"
	"github.com/conductorone/p2pvps-lease/pkg/uhttp"
)

// openStore builds the configured device store. The returned close func releases the backend.
func openStore(ctx context.Context, cfg *config.Config) (devicestore.Store, func() error, error) {
	l := ctxzap.Extract(ctx)

	var (
		store   devicestore.Store
		closeFn = func() error { return nil }
	)
	switch cfg.Store {
	case config.StoreMemory:
		l.Warn("using in-memory device store, leases do not survive a restart")
		store = devicestore.NewMemory()
	case config.StoreSQLite:
		s, err := devicestore.NewSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		store, closeFn = s, s.Close
	case config.StoreMongo:
		s, err := devicestore.NewMongo(ctx, cfg.MongoURL, cfg.MongoDatabase, cfg.CollaboratorTimeout)
		if err != nil {
			return nil, nil, err
		}
		store, closeFn = s, s.Close
	default:
		return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
	l.Info("device store opened", zap.String("store", cfg.Store))

	if cfg.CacheSize > 0 {
		cached, err := devicestore.NewCached(store, cfg.CacheSize, cfg.CacheTTL)
		if err != nil {
			_ = closeFn()
			return nil, nil, err
		}
		inner := closeFn
		closeFn = func() error {
			cached.LogStats(ctx)
			return inner()
		}
		store = cached
	}
	return store, closeFn, nil
}

// newAllocator returns the remote allocator when one is configured. Otherwise it builds the in-process
// pool and reserves every port the store already records, so a restart never reissues a held port.
func newAllocator(ctx context.Context, cfg *config.Config, store devicestore.Store, mh metrics.Handler) (portpool.Allocator, error) {
	l := ctxzap.Extract(ctx)
	if cfg.PortAllocatorURL != "" {
		l.Info("using remote port allocator", zap.String("url", cfg.PortAllocatorURL))
		return portpool.NewClient(cfg.PortAllocatorURL, nil, cfg.CollaboratorTimeout, uhttp.WithRateLimit(cfg.CollaboratorRPS))
	}

	pool, err := portpool.NewPool(cfg.PortPoolMin, cfg.PortPoolMax, portpool.WithMetrics(mh))
	if err != nil {
		return nil, err
	}

	reserved := 0
	if pl, ok := store.(devicestore.PortLister); ok {
		ports, err := pl.AssignedPorts(ctx)
		if err != nil {
			return nil, fmt.Errorf("reserve recorded ports: %w", err)
		}
		reserved = pool.Reserve(ctx, ports...)
		if skipped := len(ports) - reserved; skipped > 0 {
			l.Warn("some recorded ports were not reserved", zap.Int("count", skipped))
		}
	} else {
		l.Warn("device store cannot list recorded ports, pool starts empty")
	}

	l.Info("using in-process port pool",
		zap.Int("first", cfg.PortPoolMin),
		zap.Int("last", cfg.PortPoolMax),
		zap.Int("reserved", reserved),
	)
	return pool, nil
}

func newPublisher(ctx context.Context, cfg *config.Config) (listing.Publisher, error) {
	if cfg.ListingURL != "" {
		ctxzap.Extract(ctx).Info("using remote marketplace", zap.String("url", cfg.ListingURL))
		return listing.NewClient(cfg.ListingURL, nil, cfg.CollaboratorTimeout, uhttp.WithRateLimit(cfg.CollaboratorRPS))
	}
	ctxzap.Extract(ctx).Warn("using in-memory listings, nothing is published to a marketplace")
	return listing.NewMemory(), nil
}
