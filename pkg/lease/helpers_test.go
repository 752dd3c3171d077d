package lease

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"

	"github.com/conductorone/p2pvps-lease/pkg/device"
	"github.com/conductorone/p2pvps-lease/pkg/devicestore"
	"github.com/conductorone/p2pvps-lease/pkg/listing"
	"github.com/conductorone/p2pvps-lease/pkg/portpool"
)

var t0 = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (c *callLog) add(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, fmt.Sprintf(format, args...))
}

func (c *callLog) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *callLog) indexOf(t *testing.T, call string) int {
	t.Helper()
	for i, v := range c.snapshot() {
		if v == call {
			return i
		}
	}
	require.Failf(t, "call not recorded", "%q not in %v", call, c.snapshot())
	return -1
}

type recordingAllocator struct {
	*portpool.Pool
	log        *callLog
	requestErr error
}

func (a *recordingAllocator) RequestPort(ctx context.Context) (portpool.Assignment, error) {
	if a.requestErr != nil {
		a.log.add("request:error")
		return portpool.Assignment{}, a.requestErr
	}
	as, err := a.Pool.RequestPort(ctx)
	if err != nil {
		return as, err
	}
	a.log.add("request:%d", as.Port)
	return as, nil
}

func (a *recordingAllocator) ReleasePort(ctx context.Context, port int) error {
	a.log.add("release:%d", port)
	return a.Pool.ReleasePort(ctx, port)
}

type recordingPublisher struct {
	*listing.Memory
	log       *callLog
	createErr error
	removeErr error

	mu      sync.Mutex
	removes int
}

func (p *recordingPublisher) CreateListing(ctx context.Context, d *device.Device) (string, error) {
	p.log.add("create-listing:%s", d.ID)
	if p.createErr != nil {
		return "", p.createErr
	}
	return p.Memory.CreateListing(ctx, d)
}

func (p *recordingPublisher) RemoveListing(ctx context.Context, d *device.Device) (listing.RemoveResult, error) {
	p.mu.Lock()
	p.removes++
	p.mu.Unlock()
	p.log.add("remove-listing:%s", d.ID)
	if p.removeErr != nil {
		return listing.Absent, p.removeErr
	}
	return p.Memory.RemoveListing(ctx, d)
}

func (p *recordingPublisher) removeCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.removes
}

type recordingStore struct {
	*devicestore.Memory
	log            *callLog
	saveDeviceErr  error
	savePrivateErr error
}

func (s *recordingStore) SaveDevice(ctx context.Context, d *device.Device) error {
	if s.saveDeviceErr != nil {
		return s.saveDeviceErr
	}
	return s.Memory.SaveDevice(ctx, d)
}

func (s *recordingStore) SavePrivateData(ctx context.Context, p *device.PrivateData) error {
	s.log.add("save-private:%d", p.AssignedPort)
	if s.savePrivateErr != nil {
		return s.savePrivateErr
	}
	return s.Memory.SavePrivateData(ctx, p)
}

type harness struct {
	clock     *testclock.Clock
	log       *callLog
	store     *recordingStore
	pool      *portpool.Pool
	allocator *recordingAllocator
	publisher *recordingPublisher
	manager   *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	pool, err := portpool.NewPool(2200, 2299)
	require.NoError(t, err)

	log := &callLog{}
	h := &harness{
		clock:     testclock.NewClock(t0),
		log:       log,
		store:     &recordingStore{Memory: devicestore.NewMemory(), log: log},
		pool:      pool,
		allocator: &recordingAllocator{Pool: pool, log: log},
		publisher: &recordingPublisher{Memory: listing.NewMemory(), log: log},
	}
	h.manager = New(h.store, h.allocator, h.publisher, WithClock(h.clock))
	return h
}

// provision creates a device directly in the backing store, bypassing the call log.
func (h *harness) provision(t *testing.T, name string) *device.Device {
	t.Helper()
	d, err := devicestore.Provision(context.Background(), h.store.Memory, name, "owner")
	require.NoError(t, err)
	return d
}

// assignPort records an existing port for d as if an earlier registration had issued it.
func (h *harness) assignPort(t *testing.T, d *device.Device, port int) {
	t.Helper()
	ctx := context.Background()
	h.pool.Reserve(ctx, port)
	p, err := h.store.GetPrivateData(ctx, d.PrivateDataID)
	require.NoError(t, err)
	p.AssignedPort = port
	p.AccessUsername = fmt.Sprintf("p2pvps%d", port)
	p.AccessPassword = "old"
	require.NoError(t, h.store.Memory.SavePrivateData(ctx, p))
}

func (h *harness) privateData(t *testing.T, d *device.Device) *device.PrivateData {
	t.Helper()
	p, err := h.store.GetPrivateData(context.Background(), d.PrivateDataID)
	require.NoError(t, err)
	return p
}

func (h *harness) device(t *testing.T, id string) *device.Device {
	t.Helper()
	d, err := h.store.GetDevice(context.Background(), id)
	require.NoError(t, err)
	return d
}

func ptr[T any](v T) *T {
	return &v
}
