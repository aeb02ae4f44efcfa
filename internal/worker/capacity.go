// internal/worker/capacity.go
package worker

import (
	"context"
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// memoryPerThread is the free memory budget of one resize slot.
const memoryPerThread = 1536 << 20

// SystemInfo is the host snapshot a capacity policy works from.
type SystemInfo struct {
	Platform   string
	Arch       string
	CPUs       int
	FreeMemory uint64
	GoVersion  string
}

// ReadSystemInfo samples the host. Fields that cannot be read fall back to
// the Go runtime's view.
func ReadSystemInfo(ctx context.Context) SystemInfo {
	info := SystemInfo{
		Platform:  runtime.GOOS,
		Arch:      runtime.GOARCH,
		CPUs:      runtime.NumCPU(),
		GoVersion: runtime.Version(),
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil && n > 0 {
		info.CPUs = n
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.FreeMemory = vm.Available
	}
	if hi, err := host.InfoWithContext(ctx); err == nil && hi.KernelArch != "" {
		info.Arch = hi.KernelArch
	}
	return info
}

// CapacityPolicy turns a host snapshot into the number of concurrent tasks
// the worker advertises.
type CapacityPolicy interface {
	Name() string
	Threads(info SystemInfo) int
}

// NewCapacityPolicy returns the policy registered under name. fixed is only
// used by the "fixed" policy.
func NewCapacityPolicy(name string, fixed int) (CapacityPolicy, error) {
	switch name {
	case "cpu":
		return CPUTierPolicy{}, nil
	case "memory":
		return MemoryPolicy{}, nil
	case "fixed":
		if fixed < 1 {
			return nil, fmt.Errorf("fixed capacity policy needs worker_threads >= 1, got %d", fixed)
		}
		return FixedPolicy(fixed), nil
	default:
		return nil, fmt.Errorf("unknown capacity policy: %s", name)
	}
}

// CPUTierPolicy grants more slots to larger machines in coarse steps.
// Windows hosts get one more slot per tier.
type CPUTierPolicy struct{}

func (CPUTierPolicy) Name() string { return "cpu" }

func (CPUTierPolicy) Threads(info SystemInfo) int {
	bonus := 0
	if info.Platform == "windows" {
		bonus = 1
	}
	switch {
	case info.CPUs > 24:
		return 4 + 2*bonus
	case info.CPUs > 16:
		return 3 + bonus
	case info.CPUs > 12:
		return 2 + bonus
	default:
		return 1 + bonus
	}
}

// MemoryPolicy sizes the worker by free memory, leaving one CPU and one
// memory slot of headroom.
type MemoryPolicy struct{}

func (MemoryPolicy) Name() string { return "memory" }

func (MemoryPolicy) Threads(info SystemInfo) int {
	slots := float64(info.FreeMemory) / memoryPerThread
	if info.Platform == "darwin" {
		slots *= 1.5
	}
	memCap := int(slots)
	if info.Platform == "linux" {
		memCap--
	}
	return max(1, min(info.CPUs-1, memCap-1))
}

// FixedPolicy always advertises the same capacity.
type FixedPolicy int

func (FixedPolicy) Name() string { return "fixed" }

func (p FixedPolicy) Threads(SystemInfo) int { return int(p) }

// DefaultLocalThreads is the in-process capacity used by dispatchers:
// every CPU but three, at least one.
func DefaultLocalThreads() int {
	return max(1, runtime.NumCPU()-3)
}
