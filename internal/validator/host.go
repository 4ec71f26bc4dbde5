package validator

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

const bytesPerGiB = 1 << 30

// readHostStats is the production HostStats implementation. The CPU sample
// interval is short; the host check budget is constant per the battery table.
func readHostStats(ctx context.Context) (cpuPct, memPct, freeGiB float64, err error) {
	cpuSamples, err := cpu.PercentWithContext(ctx, 250*time.Millisecond, false)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("cpu sample: %w", err)
	}
	if len(cpuSamples) == 0 {
		return 0, 0, 0, fmt.Errorf("cpu sample: empty result")
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("memory sample: %w", err)
	}

	usage, err := disk.UsageWithContext(ctx, "/")
	if err != nil {
		return 0, 0, 0, fmt.Errorf("disk sample: %w", err)
	}

	return cpuSamples[0], vm.UsedPercent, float64(usage.Free) / bytesPerGiB, nil
}
