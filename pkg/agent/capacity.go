package agent

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/conductorone/p2pvps-lease/pkg/device"
)

const (
	mib = 1 << 20
	gib = 1 << 30
)

// CapacityFunc reports the hardware a device offers.
type CapacityFunc func(ctx context.Context) (device.Capacity, error)

// HostCapacity reads memory, disk and processor from the running host. diskPath selects the mount point
// to size. internetSpeed cannot be measured locally and is reported as given, or omitted when zero.
func HostCapacity(diskPath string, internetSpeed int64) CapacityFunc {
	return func(ctx context.Context) (device.Capacity, error) {
		var c device.Capacity

		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return c, fmt.Errorf("agent: read memory: %w", err)
		}
		memory := int64(vm.Total / mib)
		c.Memory = &memory

		usage, err := disk.UsageWithContext(ctx, diskPath)
		if err != nil {
			return c, fmt.Errorf("agent: read disk %s: %w", diskPath, err)
		}
		diskSpace := int64(usage.Total / gib)
		c.DiskSpace = &diskSpace

		if p := processor(ctx); p != "" {
			c.Processor = &p
		}

		if internetSpeed > 0 {
			c.InternetSpeed = &internetSpeed
		}
		return c, nil
	}
}

// processor describes the CPU as "<model> x<logical cores>". Hosts that hide cpuinfo yield "".
func processor(ctx context.Context) string {
	infos, err := cpu.InfoWithContext(ctx)
	if err != nil || len(infos) == 0 {
		return ""
	}
	model := infos[0].ModelName
	if model == "" {
		model = infos[0].VendorID
	}

	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil || cores <= 0 {
		return model
	}
	return fmt.Sprintf("%s x%d", model, cores)
}
