package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/conductorone/p2pvps-lease/pkg/config"
	"github.com/conductorone/p2pvps-lease/pkg/device"
	"github.com/conductorone/p2pvps-lease/pkg/devicestore"
	"github.com/conductorone/p2pvps-lease/pkg/lease"
	"github.com/conductorone/p2pvps-lease/pkg/listing"
	"github.com/conductorone/p2pvps-lease/pkg/metrics"
	"github.com/conductorone/p2pvps-lease/pkg/portpool"
)

func baseConfig() *config.Config {
	return &config.Config{
		Store:               config.StoreMemory,
		PortPoolMin:         6000,
		PortPoolMax:         6010,
		CollaboratorTimeout: time.Second,
		CacheTTL:            time.Minute,
	}
}

func TestOpenStoreMemory(t *testing.T) {
	store, closeFn, err := openStore(context.Background(), baseConfig())
	require.NoError(t, err)
	require.IsType(t, &devicestore.Memory{}, store)
	require.NoError(t, closeFn())
}

func TestOpenStoreSQLiteWithCache(t *testing.T) {
	ctx := context.Background()
	cfg := baseConfig()
	cfg.Store = config.StoreSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "lease.db")
	cfg.CacheSize = 100

	store, closeFn, err := openStore(ctx, cfg)
	require.NoError(t, err)
	require.IsType(t, &devicestore.Cached{}, store)

	d, err := devicestore.Provision(ctx, store, "box", "owner")
	require.NoError(t, err)
	got, err := store.GetDevice(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, "box", got.Name)
	require.NoError(t, closeFn())
}

func TestOpenStoreUnknown(t *testing.T) {
	cfg := baseConfig()
	cfg.Store = "postgres"
	_, _, err := openStore(context.Background(), cfg)
	require.Error(t, err)
}

func TestNewAllocator(t *testing.T) {
	ctx := context.Background()
	cfg := baseConfig()
	mh := metrics.NewNoOpHandler(ctx)

	a, err := newAllocator(ctx, cfg, devicestore.NewMemory(), mh)
	require.NoError(t, err)
	require.IsType(t, &portpool.Pool{}, a)

	cfg.PortAllocatorURL = "http://allocator.internal:8080"
	a, err = newAllocator(ctx, cfg, devicestore.NewMemory(), mh)
	require.NoError(t, err)
	require.IsType(t, &portpool.Client{}, a)
}

func TestNewAllocatorReservesRecordedPorts(t *testing.T) {
	ctx := context.Background()
	cfg := baseConfig()
	store := devicestore.NewMemory()
	for _, port := range []int{6000, 6002, 7000} {
		d, err := devicestore.Provision(ctx, store, "box", "owner")
		require.NoError(t, err)
		require.NoError(t, store.SavePrivateData(ctx, &device.PrivateData{ID: d.PrivateDataID, DeviceID: d.ID, AssignedPort: port}))
	}

	a, err := newAllocator(ctx, cfg, store, metrics.NewNoOpHandler(ctx))
	require.NoError(t, err)
	pool := a.(*portpool.Pool)
	require.True(t, pool.InUse(6000))
	require.True(t, pool.InUse(6002))

	as, err := pool.RequestPort(ctx)
	require.NoError(t, err)
	require.Equal(t, 6001, as.Port)
	as, err = pool.RequestPort(ctx)
	require.NoError(t, err)
	require.Equal(t, 6003, as.Port)
}

// A restart over a persistent store must not hand a held port to another device.
func TestRestartKeepsPortsUnique(t *testing.T) {
	ctx := context.Background()
	cfg := baseConfig()
	cfg.Store = config.StoreSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "lease.db")

	start := func() (*lease.Manager, devicestore.Store, func() error) {
		store, closeFn, err := openStore(ctx, cfg)
		require.NoError(t, err)
		a, err := newAllocator(ctx, cfg, store, metrics.NewNoOpHandler(ctx))
		require.NoError(t, err)
		return lease.New(store, a, listing.NewMemory()), store, closeFn
	}

	m, store, closeFn := start()
	d1, err := devicestore.Provision(ctx, store, "d1", "owner")
	require.NoError(t, err)
	d2, err := devicestore.Provision(ctx, store, "d2", "owner")
	require.NoError(t, err)
	_, err = m.Register(ctx, d1.ID, device.Capacity{})
	require.NoError(t, err)
	require.NoError(t, closeFn())

	m, store, closeFn = start()
	defer closeFn()
	_, err = m.Register(ctx, d2.ID, device.Capacity{})
	require.NoError(t, err)

	port := func(d *device.Device) int {
		p, err := store.GetPrivateData(ctx, d.PrivateDataID)
		require.NoError(t, err)
		return p.AssignedPort
	}
	p1, p2 := port(d1), port(d2)
	require.NotZero(t, p1)
	require.NotZero(t, p2)
	require.NotEqual(t, p1, p2)

	// Re-registering d1 releases its own reserved port and takes a fresh one.
	_, err = m.Register(ctx, d1.ID, device.Capacity{})
	require.NoError(t, err)
	require.NotEqual(t, p1, port(d1))
	require.NotEqual(t, p2, port(d1))
	require.Equal(t, p2, port(d2))
}

func TestNewPublisher(t *testing.T) {
	ctx := context.Background()
	cfg := baseConfig()

	p, err := newPublisher(ctx, cfg)
	require.NoError(t, err)
	require.IsType(t, &listing.Memory{}, p)

	cfg.ListingURL = "https://market.example.com/api"
	p, err = newPublisher(ctx, cfg)
	require.NoError(t, err)
	require.IsType(t, &listing.Client{}, p)
}

func TestOtelOptions(t *testing.T) {
	cfg := baseConfig()
	require.Len(t, otelOptions(cfg), 2)

	cfg.OtelEndpoint = "collector:4317"
	cfg.MetricsStdout = true
	require.Len(t, otelOptions(cfg), 4)
}
