package devicestore

import (
	"context"
	"sort"
	"sync"

	"github.com/conductorone/p2pvps-lease/pkg/device"
)

// Memory is an in-memory Store for tests and single-node deployments.
type Memory struct {
	mu      sync.RWMutex
	devices map[string]*device.Device
	private map[string]*device.PrivateData
}

var _ Store = (*Memory)(nil)
var _ PortLister = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		devices: make(map[string]*device.Device),
		private: make(map[string]*device.PrivateData),
	}
}

func (m *Memory) GetDevice(ctx context.Context, id string) (*device.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, device.ErrDeviceNotFound
	}
	return d.Clone(), nil
}

func (m *Memory) SaveDevice(ctx context.Context, d *device.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[d.ID] = d.Clone()
	return nil
}

func (m *Memory) GetPrivateData(ctx context.Context, id string) (*device.PrivateData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.private[id]
	if !ok {
		return nil, device.ErrPrivateDataNotFound
	}
	return p.Clone(), nil
}

func (m *Memory) SavePrivateData(ctx context.Context, p *device.PrivateData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.private[p.ID] = p.Clone()
	return nil
}

func (m *Memory) AssignedPorts(ctx context.Context) ([]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ports := make([]int, 0, len(m.private))
	for _, p := range m.private {
		if p.AssignedPort > 0 {
			ports = append(ports, p.AssignedPort)
		}
	}
	sort.Ints(ports)
	return ports, nil
}

// DeletePrivateData removes a private record. Only used to simulate broken links.
func (m *Memory) DeletePrivateData(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.private, id)
}

func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}
