package imgpool

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/mem"
)

const (
	memoryPerUnitMB = 256

	// Fallback estimates when the host memory API is unavailable.
	// Constrained targets get the small figure.
	fallbackDesktopMB     = 8192
	fallbackConstrainedMB = 2048
)

// OptimalUnitCount computes how many execution units the host can
// sustain. CPU bound: cores−1 clamped to [1,6], one core left for the
// control loop. Memory bound: 256 MB per unit out of the estimated
// available memory. The result is never below 2 and never above 6.
func OptimalUnitCount() int {
	cpuLimit := clampInt(runtime.NumCPU()-1, 1, 6)
	memLimit := int(estimateAvailableMemoryMB() / memoryPerUnitMB)

	n := cpuLimit
	if memLimit < n {
		n = memLimit
	}
	if n > 6 {
		n = 6
	}
	if n < 2 {
		n = 2
	}
	return n
}

// estimateAvailableMemoryMB asks the host for available memory and
// falls back to a device-class guess when the call fails.
func estimateAvailableMemoryMB() uint64 {
	vm, err := mem.VirtualMemory()
	if err != nil || vm.Available == 0 {
		if runtime.GOOS == "android" || runtime.GOOS == "ios" {
			return fallbackConstrainedMB
		}
		return fallbackDesktopMB
	}
	return vm.Available / (1024 * 1024)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
