package devicestore

import (
	"context"
	"errors"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/maypok86/otter/v2"
	"github.com/maypok86/otter/v2/stats"
	"go.uber.org/zap"

	"github.com/conductorone/p2pvps-lease/pkg/device"
)

// Cached is a read-through, write-through cache in front of another Store.
// Writes always reach the backing store before the cache is updated.
type Cached struct {
	ss      Store
	devices *otter.Cache[string, *device.Device]
	private *otter.Cache[string, *device.PrivateData]
}

var _ Store = (*Cached)(nil)
var _ PortLister = (*Cached)(nil)

// NewCached wraps ss. size bounds the number of entries per record kind; ttl bounds staleness
// when other writers share the backing store.
func NewCached(ss Store, size int, ttl time.Duration) (*Cached, error) {
	devices, err := otter.New(&otter.Options[string, *device.Device]{
		MaximumSize:      size,
		ExpiryCalculator: otter.ExpiryWriting[string, *device.Device](ttl),
		StatsRecorder:    stats.NewCounter(),
	})
	if err != nil {
		return nil, err
	}
	private, err := otter.New(&otter.Options[string, *device.PrivateData]{
		MaximumSize:      size,
		ExpiryCalculator: otter.ExpiryWriting[string, *device.PrivateData](ttl),
		StatsRecorder:    stats.NewCounter(),
	})
	if err != nil {
		return nil, err
	}
	return &Cached{ss: ss, devices: devices, private: private}, nil
}

func (c *Cached) GetDevice(ctx context.Context, id string) (*device.Device, error) {
	d, err := c.devices.Get(ctx, id, otter.LoaderFunc[string, *device.Device](func(ctx context.Context, key string) (*device.Device, error) {
		d, err := c.ss.GetDevice(ctx, key)
		if errors.Is(err, device.ErrDeviceNotFound) {
			return nil, otter.ErrNotFound
		}
		return d, err
	}))
	if errors.Is(err, otter.ErrNotFound) {
		return nil, device.ErrDeviceNotFound
	}
	if err != nil {
		return nil, err
	}
	return d.Clone(), nil
}

func (c *Cached) SaveDevice(ctx context.Context, d *device.Device) error {
	if err := c.ss.SaveDevice(ctx, d); err != nil {
		c.devices.Invalidate(d.ID)
		return err
	}
	c.devices.Set(d.ID, d.Clone())
	return nil
}

func (c *Cached) GetPrivateData(ctx context.Context, id string) (*device.PrivateData, error) {
	p, err := c.private.Get(ctx, id, otter.LoaderFunc[string, *device.PrivateData](func(ctx context.Context, key string) (*device.PrivateData, error) {
		p, err := c.ss.GetPrivateData(ctx, key)
		if errors.Is(err, device.ErrPrivateDataNotFound) {
			return nil, otter.ErrNotFound
		}
		return p, err
	}))
	if errors.Is(err, otter.ErrNotFound) {
		return nil, device.ErrPrivateDataNotFound
	}
	if err != nil {
		return nil, err
	}
	return p.Clone(), nil
}

func (c *Cached) SavePrivateData(ctx context.Context, p *device.PrivateData) error {
	if err := c.ss.SavePrivateData(ctx, p); err != nil {
		c.private.Invalidate(p.ID)
		return err
	}
	c.private.Set(p.ID, p.Clone())
	return nil
}

func (c *Cached) Ping(ctx context.Context) error {
	if p, ok := c.ss.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// AssignedPorts always reads the backing store. A backing store that cannot enumerate ports yields none.
func (c *Cached) AssignedPorts(ctx context.Context) ([]int, error) {
	if pl, ok := c.ss.(PortLister); ok {
		return pl.AssignedPorts(ctx)
	}
	return nil, nil
}

func (c *Cached) NewID() string {
	return newID(c.ss)
}

// LogStats writes hit and miss counters for both caches to the context logger.
func (c *Cached) LogStats(ctx context.Context) {
	l := ctxzap.Extract(ctx)
	ds := c.devices.Stats()
	ps := c.private.Stats()
	l.Info(
		"device store cache stats",
		zap.Uint64("device_hits", ds.Hits),
		zap.Uint64("device_misses", ds.Misses),
		zap.Int("device_entries", c.devices.EstimatedSize()),
		zap.Uint64("private_hits", ps.Hits),
		zap.Uint64("private_misses", ps.Misses),
		zap.Int("private_entries", c.private.EstimatedSize()),
	)
}
