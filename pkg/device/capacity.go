package device

// Capacity carries the hardware attributes a device reports when it registers.
// Every field is optional; nil fields leave the stored value unchanged.
type Capacity struct {
	Memory        *int64  `json:"memory,omitempty"`
	DiskSpace     *int64  `json:"diskSpace,omitempty"`
	Processor     *string `json:"processor,omitempty"`
	InternetSpeed *int64  `json:"internetSpeed,omitempty"`
}

// ApplyTo merges the set fields of c into d.
func (c Capacity) ApplyTo(d *Device) {
	if c.Memory != nil {
		d.Memory = *c.Memory
	}
	if c.DiskSpace != nil {
		d.DiskSpace = *c.DiskSpace
	}
	if c.Processor != nil {
		d.Processor = *c.Processor
	}
	if c.InternetSpeed != nil {
		d.InternetSpeed = *c.InternetSpeed
	}
}

// IsEmpty reports whether no attribute is set.
func (c Capacity) IsEmpty() bool {
	return c.Memory == nil && c.DiskSpace == nil && c.Processor == nil && c.InternetSpeed == nil
}
