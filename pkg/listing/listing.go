package listing

import (
	"context"
	"fmt"
	"time"

	"github.com/conductorone/p2pvps-lease/pkg/device"
)

// RemoveResult is the outcome of a successful RemoveListing call.
type RemoveResult int

const (
	// Removed means a live listing was taken down.
	Removed RemoveResult = iota
	// Absent means there was nothing to take down: the device was never listed or the listing is already gone.
	Absent
)

func (r RemoveResult) String() string {
	switch r {
	case Removed:
		return "removed"
	case Absent:
		return "absent"
	default:
		return fmt.Sprintf("RemoveResult(%d)", int(r))
	}
}

// Publisher advertises devices on the marketplace.
type Publisher interface {
	// CreateListing publishes d with its current attributes and returns the listing id.
	// Any earlier listing for the same device is taken down first.
	CreateListing(ctx context.Context, d *device.Device) (string, error)
	// RemoveListing takes down the listing referenced by d. A missing listing is reported as Absent, not as an error.
	RemoveListing(ctx context.Context, d *device.Device) (RemoveResult, error)
}

// Listing is the marketplace representation of a device.
type Listing struct {
	ID            string    `json:"id,omitempty"`
	DeviceID      string    `json:"deviceId"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	Memory        int64     `json:"memory"`
	DiskSpace     int64     `json:"diskSpace"`
	Processor     string    `json:"processor"`
	InternetSpeed int64     `json:"internetSpeed"`
	Expiration    time.Time `json:"expiration"`
}

// New builds the listing for d from its current attributes.
func New(d *device.Device) Listing {
	title := d.Name
	if title == "" {
		title = "VPS " + d.ID
	}
	return Listing{
		DeviceID: d.ID,
		Title:    title,
		Description: fmt.Sprintf(
			"%d MB RAM, %d GB disk, %s, %d Mbps. Available until %s.",
			d.Memory, d.DiskSpace, d.Processor, d.InternetSpeed, d.Expiration.UTC().Format(time.RFC3339),
		),
		Memory:        d.Memory,
		DiskSpace:     d.DiskSpace,
		Processor:     d.Processor,
		InternetSpeed: d.InternetSpeed,
		Expiration:    d.Expiration,
	}
}
