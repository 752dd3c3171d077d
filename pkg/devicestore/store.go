package devicestore

import (
	"context"
	"fmt"

	"github.com/segmentio/ksuid"

	"github.com/conductorone/p2pvps-lease/pkg/device"
)

// Store persists the two linked records of every device.
//
// Get methods return device.ErrDeviceNotFound or device.ErrPrivateDataNotFound when the record
// is absent or the id cannot address a record in this backend. Returned values are copies; callers
// own them and must Save to persist changes.
type Store interface {
	GetDevice(ctx context.Context, id string) (*device.Device, error)
	SaveDevice(ctx context.Context, d *device.Device) error
	GetPrivateData(ctx context.Context, id string) (*device.PrivateData, error)
	SavePrivateData(ctx context.Context, p *device.PrivateData) error
}

// Pinger is implemented by stores that can report backend reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PortLister is implemented by stores that can enumerate the ports recorded in private records.
// Ports are returned in ascending order; records without a port are skipped.
type PortLister interface {
	AssignedPorts(ctx context.Context) ([]int, error)
}

// IDGenerator is implemented by stores whose backend constrains the shape of record ids.
type IDGenerator interface {
	NewID() string
}

func newID(s Store) string {
	if g, ok := s.(IDGenerator); ok {
		return g.NewID()
	}
	return ksuid.New().String()
}

// Provision creates a fresh public record and its linked private record.
// Leases are not started here; the device does that by registering.
func Provision(ctx context.Context, s Store, name string, owner string) (*device.Device, error) {
	d := &device.Device{
		ID:            newID(s),
		Name:          name,
		Owner:         owner,
		PrivateDataID: newID(s),
	}
	p := &device.PrivateData{
		ID:       d.PrivateDataID,
		DeviceID: d.ID,
	}

	if err := s.SavePrivateData(ctx, p); err != nil {
		return nil, fmt.Errorf("devicestore: provision private data: %w", err)
	}
	if err := s.SaveDevice(ctx, d); err != nil {
		return nil, fmt.Errorf("devicestore: provision device: %w", err)
	}
	return d, nil
}
