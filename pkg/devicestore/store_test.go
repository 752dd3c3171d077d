package devicestore

import (
	"context"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/conductorone/p2pvps-lease/pkg/device"
)

// exerciseStore runs the contract every Store adapter must honour.
func exerciseStore(t *testing.T, ctx context.Context, s Store) {
	t.Helper()

	d, err := Provision(ctx, s, "pi-4", "alice")
	require.NoError(t, err)
	require.NotEmpty(t, d.ID)
	require.NotEmpty(t, d.PrivateDataID)

	got, err := s.GetDevice(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, "pi-4", got.Name)
	require.Equal(t, "alice", got.Owner)
	require.True(t, got.Expiration.IsZero())
	require.Empty(t, got.ListingID)

	now := time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)
	got.Expiration = now.Add(24 * time.Hour)
	got.CheckinTimeStamp = now
	got.Memory = 4096
	got.DiskSpace = 64
	got.Processor = "cortex-a72"
	got.InternetSpeed = 100
	got.ListingID = "listing-1"
	require.NoError(t, s.SaveDevice(ctx, got))

	again, err := s.GetDevice(ctx, d.ID)
	require.NoError(t, err)
	require.True(t, again.Expiration.Equal(now.Add(24*time.Hour)))
	require.True(t, again.CheckinTimeStamp.Equal(now))
	require.Equal(t, int64(4096), again.Memory)
	require.Equal(t, int64(64), again.DiskSpace)
	require.Equal(t, "cortex-a72", again.Processor)
	require.Equal(t, int64(100), again.InternetSpeed)
	require.Equal(t, "listing-1", again.ListingID)
	require.Equal(t, d.PrivateDataID, again.PrivateDataID)

	p, err := s.GetPrivateData(ctx, d.PrivateDataID)
	require.NoError(t, err)
	require.Equal(t, d.ID, p.DeviceID)
	require.False(t, p.HasPort())

	p.AssignedPort = 2201
	p.AccessUsername = "u2201"
	p.AccessPassword = "secret"
	require.NoError(t, s.SavePrivateData(ctx, p))

	p2, err := s.GetPrivateData(ctx, d.PrivateDataID)
	require.NoError(t, err)
	require.Equal(t, 2201, p2.AssignedPort)
	require.Equal(t, "u2201", p2.AccessUsername)
	require.Equal(t, "secret", p2.AccessPassword)

	// Mutating a returned value must not leak into the store.
	p2.AssignedPort = 9999
	p3, err := s.GetPrivateData(ctx, d.PrivateDataID)
	require.NoError(t, err)
	require.Equal(t, 2201, p3.AssignedPort)

	_, err = s.GetDevice(ctx, "does-not-exist")
	require.ErrorIs(t, err, device.ErrDeviceNotFound)
	_, err = s.GetPrivateData(ctx, "does-not-exist")
	require.ErrorIs(t, err, device.ErrPrivateDataNotFound)
}

// exerciseAssignedPorts checks port enumeration. Other records may already exist in the backend.
func exerciseAssignedPorts(t *testing.T, ctx context.Context, s interface {
	Store
	PortLister
}) {
	t.Helper()

	a, err := Provision(ctx, s, "a", "alice")
	require.NoError(t, err)
	b, err := Provision(ctx, s, "b", "alice")
	require.NoError(t, err)

	for dev, port := range map[*device.Device]int{a: 2302, b: 2301} {
		p, err := s.GetPrivateData(ctx, dev.PrivateDataID)
		require.NoError(t, err)
		p.AssignedPort = port
		require.NoError(t, s.SavePrivateData(ctx, p))
	}

	ports, err := s.AssignedPorts(ctx)
	require.NoError(t, err)
	require.Subset(t, ports, []int{2301, 2302})
	require.True(t, sort.IntsAreSorted(ports))
	require.NotContains(t, ports, 0)

	p, err := s.GetPrivateData(ctx, b.PrivateDataID)
	require.NoError(t, err)
	p.AssignedPort = 0
	require.NoError(t, s.SavePrivateData(ctx, p))

	ports, err = s.AssignedPorts(ctx)
	require.NoError(t, err)
	require.NotContains(t, ports, 2301)
	require.Contains(t, ports, 2302)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, context.Background(), NewMemory())
}

func TestMemoryAssignedPorts(t *testing.T) {
	exerciseAssignedPorts(t, context.Background(), NewMemory())
}

func TestSQLiteAssignedPorts(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLite(ctx, ":memory:")
	require.NoError(t, err)
	defer s.Close()

	exerciseAssignedPorts(t, ctx, s)
}

func TestCachedAssignedPorts(t *testing.T) {
	ctx := context.Background()
	c, err := NewCached(NewMemory(), 128, time.Minute)
	require.NoError(t, err)
	exerciseAssignedPorts(t, ctx, c)

	// A backing store without enumeration reports no ports.
	plain, err := NewCached(struct{ Store }{NewMemory()}, 128, time.Minute)
	require.NoError(t, err)
	ports, err := plain.AssignedPorts(ctx)
	require.NoError(t, err)
	require.Empty(t, ports)
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLite(ctx, filepath.Join(t.TempDir(), "devices.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Ping(ctx))
	exerciseStore(t, ctx, s)
}

func TestSQLiteStoreReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "devices.db")

	s, err := NewSQLite(ctx, path)
	require.NoError(t, err)
	d, err := Provision(ctx, s, "rock-5b", "bob")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewSQLite(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetDevice(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, "rock-5b", got.Name)
}

func TestSQLiteStoreInMemory(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLite(ctx, ":memory:")
	require.NoError(t, err)
	defer s.Close()

	exerciseStore(t, ctx, s)
}

func TestCachedStore(t *testing.T) {
	ctx := context.Background()
	c, err := NewCached(NewMemory(), 128, time.Minute)
	require.NoError(t, err)

	exerciseStore(t, ctx, c)
	c.LogStats(ctx)
}

type countingStore struct {
	*Memory
	deviceGets int
}

func (c *countingStore) GetDevice(ctx context.Context, id string) (*device.Device, error) {
	c.deviceGets++
	return c.Memory.GetDevice(ctx, id)
}

func TestCachedStoreServesReadsFromCache(t *testing.T) {
	ctx := context.Background()
	backing := &countingStore{Memory: NewMemory()}
	c, err := NewCached(backing, 128, time.Minute)
	require.NoError(t, err)

	require.NoError(t, c.SaveDevice(ctx, &device.Device{ID: "d1", Name: "one"}))

	for i := 0; i < 3; i++ {
		d, err := c.GetDevice(ctx, "d1")
		require.NoError(t, err)
		require.Equal(t, "one", d.Name)
		d.Name = "mutated"
	}
	require.Equal(t, 0, backing.deviceGets)

	_, err = c.GetDevice(ctx, "missing")
	require.ErrorIs(t, err, device.ErrDeviceNotFound)
	require.Equal(t, 1, backing.deviceGets)
}

func TestProvisionUsesStoreIDs(t *testing.T) {
	ctx := context.Background()
	s := &fixedIDStore{Memory: NewMemory()}

	d, err := Provision(ctx, s, "n", "o")
	require.NoError(t, err)
	require.Equal(t, "id-1", d.ID)
	require.Equal(t, "id-2", d.PrivateDataID)
}

type fixedIDStore struct {
	*Memory
	n int
}

func (f *fixedIDStore) NewID() string {
	f.n++
	return "id-" + string(rune('0'+f.n))
}
