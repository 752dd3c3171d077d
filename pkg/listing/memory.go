package listing

import (
	"context"
	"sync"

	"github.com/segmentio/ksuid"

	"github.com/conductorone/p2pvps-lease/pkg/device"
)

// Memory is an in-process Publisher for tests and single-node deployments.
type Memory struct {
	mu       sync.RWMutex
	listings map[string]Listing // listing id -> listing
	byDevice map[string]string  // device id -> listing id
}

var _ Publisher = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		listings: make(map[string]Listing),
		byDevice: make(map[string]string),
	}
}

func (m *Memory) CreateListing(ctx context.Context, d *device.Device) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.removeLocked(d)

	l := New(d)
	l.ID = ksuid.New().String()
	m.listings[l.ID] = l
	m.byDevice[d.ID] = l.ID
	return l.ID, nil
}

func (m *Memory) RemoveListing(ctx context.Context, d *device.Device) (RemoveResult, error) {
	if err := ctx.Err(); err != nil {
		return Absent, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(d), nil
}

func (m *Memory) removeLocked(d *device.Device) RemoveResult {
	res := Absent
	if d.ListingID != "" {
		if _, ok := m.listings[d.ListingID]; ok {
			delete(m.listings, d.ListingID)
			res = Removed
		}
	}
	if id, ok := m.byDevice[d.ID]; ok {
		if _, live := m.listings[id]; live {
			delete(m.listings, id)
			res = Removed
		}
		delete(m.byDevice, d.ID)
	}
	return res
}

// Get returns the listing with the given id.
func (m *Memory) Get(id string) (Listing, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.listings[id]
	return l, ok
}

// ForDevice returns the live listing for a device, if any.
func (m *Memory) ForDevice(deviceID string) (Listing, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byDevice[deviceID]
	if !ok {
		return Listing{}, false
	}
	l, ok := m.listings[id]
	return l, ok
}

// Len returns the number of live listings.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.listings)
}
