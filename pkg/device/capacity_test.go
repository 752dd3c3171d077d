package device

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func TestCapacityApplyToMergesOnlySetFields(t *testing.T) {
	d := &Device{
		ID:            "d1",
		Memory:        1024,
		DiskSpace:     32,
		Processor:     "armv7",
		InternetSpeed: 50,
	}

	Capacity{Memory: ptr[int64](2048), Processor: ptr("cortex-a72")}.ApplyTo(d)

	require.Equal(t, int64(2048), d.Memory)
	require.Equal(t, int64(32), d.DiskSpace)
	require.Equal(t, "cortex-a72", d.Processor)
	require.Equal(t, int64(50), d.InternetSpeed)
}

func TestCapacityEmpty(t *testing.T) {
	require.True(t, Capacity{}.IsEmpty())
	require.False(t, Capacity{DiskSpace: ptr[int64](0)}.IsEmpty())

	d := &Device{Memory: 512}
	Capacity{}.ApplyTo(d)
	require.Equal(t, int64(512), d.Memory)
}

func TestDeviceExpired(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	d := &Device{Expiration: now}

	require.False(t, d.Expired(now))
	require.True(t, d.Expired(now.Add(time.Millisecond)))
	require.False(t, d.Expired(now.Add(-time.Hour)))
}

func TestCloneIsIndependent(t *testing.T) {
	d := &Device{ID: "d1", ListingID: "l1"}
	c := d.Clone()
	c.ListingID = "l2"
	require.Equal(t, "l1", d.ListingID)

	var nilDevice *Device
	require.Nil(t, nilDevice.Clone())

	p := &PrivateData{ID: "p1", AssignedPort: 2201}
	pc := p.Clone()
	pc.AssignedPort = 2307
	require.Equal(t, 2201, p.AssignedPort)
	require.True(t, p.HasPort())
	require.False(t, (&PrivateData{}).HasPort())
}
