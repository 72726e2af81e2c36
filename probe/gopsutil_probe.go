package probe

import (
	"fmt"

	gopsprocess "github.com/shirou/gopsutil/v3/process"
)

// GopsutilProber samples per-pid CPU and memory usage via gopsutil,
// the same library family seoyhaein-dag-go's podbridge dependency uses
// for whole-machine sampling (github.com/shirou/gopsutil/v3/cpu and
// .../mem); this uses the per-process sibling package instead.
type GopsutilProber struct{}

func (GopsutilProber) Sample(pid int) (Sample, error) {
	proc, err := gopsprocess.NewProcess(int32(pid))
	if err != nil {
		return Sample{}, fmt.Errorf("probe: open pid %d: %w", pid, err)
	}

	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		return Sample{}, fmt.Errorf("probe: cpu percent for pid %d: %w", pid, err)
	}

	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return Sample{}, fmt.Errorf("probe: memory info for pid %d: %w", pid, err)
	}

	return Sample{CPUPercent: cpuPercent, MemoryBytes: memInfo.RSS}, nil
}
