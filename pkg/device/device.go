package device

import (
	"errors"
	"time"
)

var (
	// ErrDeviceNotFound is returned when no public record exists for an id, or the id is malformed.
	ErrDeviceNotFound = errors.New("device: not found")
	// ErrPrivateDataNotFound is returned when a public record has no linked private record.
	ErrPrivateDataNotFound = errors.New("device: private data not found")
)

// Device is the public record of a leased device. It is what the marketplace sees.
type Device struct {
	ID            string `json:"id"`
	Name          string `json:"name,omitempty"`
	Owner         string `json:"owner,omitempty"`
	PrivateDataID string `json:"-"`

	// Expiration is the end of the current lease. Teardown is due once it has passed.
	Expiration time.Time `json:"expiration"`
	// CheckinTimeStamp is the last liveness proof from the device.
	CheckinTimeStamp time.Time `json:"checkinTimeStamp"`

	Memory        int64  `json:"memory,omitempty"`        // MB
	DiskSpace     int64  `json:"diskSpace,omitempty"`     // GB
	Processor     string `json:"processor,omitempty"`     // free-form model string
	InternetSpeed int64  `json:"internetSpeed,omitempty"` // Mbps

	// ListingID references the marketplace listing. Empty means unlisted.
	ListingID string `json:"listingId,omitempty"`
}

// Clone returns a copy that shares no state with d.
func (d *Device) Clone() *Device {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}

// Expired reports whether the lease ended strictly before now.
func (d *Device) Expired(now time.Time) bool {
	return d.Expiration.Before(now)
}

// PrivateData holds the access details for a device. It is never returned to marketplace clients.
type PrivateData struct {
	ID string `json:"id"`
	// DeviceID points back at the public record. It is a relation, not ownership.
	DeviceID       string `json:"deviceId"`
	AssignedPort   int    `json:"assignedPort,omitempty"`
	AccessUsername string `json:"accessUsername,omitempty"`
	AccessPassword string `json:"accessPassword,omitempty"`
}

func (p *PrivateData) Clone() *PrivateData {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

// HasPort reports whether a port is currently assigned.
func (p *PrivateData) HasPort() bool {
	return p.AssignedPort != 0
}
