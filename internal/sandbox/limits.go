package sandbox

import (
	"fmt"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// ResourceLimits bounds one sandboxed run. WallClock and MemoryMB are the two
// independently enforced ceilings; the rest harden the container against
// resource abuse inside those bounds.
type ResourceLimits struct {
	WallClock time.Duration `json:"wall_clock"` // watchdog kills the run past this
	CPUShares int64         `json:"cpu_shares"` // 1024 = 1 CPU core
	MemoryMB  int64         `json:"memory_mb"`  // hard ceiling, kernel-enforced
	PidsLimit int64         `json:"pids_limit"` // fork bomb protection
	DiskMB    int64         `json:"disk_mb"`    // tmpfs size for /tmp
}

func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		WallClock: 30 * time.Minute,
		CPUShares: 512,
		MemoryMB:  512,
		PidsLimit: 64,
		DiskMB:    128,
	}
}

func (rl ResourceLimits) Validate() error {
	if rl.WallClock < time.Second || rl.WallClock > 2*time.Hour {
		return fmt.Errorf("%w: wall_clock must be 1s-2h, got %s", ErrInvalidRequest, rl.WallClock)
	}
	if rl.CPUShares < 2 || rl.CPUShares > 4096 {
		return fmt.Errorf("%w: cpu_shares must be 2-4096, got %d", ErrInvalidRequest, rl.CPUShares)
	}
	if rl.MemoryMB < 64 || rl.MemoryMB > 4096 {
		return fmt.Errorf("%w: memory_mb must be 64-4096, got %d", ErrInvalidRequest, rl.MemoryMB)
	}
	if rl.PidsLimit < 8 || rl.PidsLimit > 512 {
		return fmt.Errorf("%w: pids_limit must be 8-512, got %d", ErrInvalidRequest, rl.PidsLimit)
	}
	if rl.DiskMB < 16 || rl.DiskMB > 1024 {
		return fmt.Errorf("%w: disk_mb must be 16-1024, got %d", ErrInvalidRequest, rl.DiskMB)
	}
	return nil
}

// withDefaults fills zero fields from DefaultLimits.
func (rl ResourceLimits) withDefaults() ResourceLimits {
	def := DefaultLimits()
	if rl.WallClock == 0 {
		rl.WallClock = def.WallClock
	}
	if rl.CPUShares == 0 {
		rl.CPUShares = def.CPUShares
	}
	if rl.MemoryMB == 0 {
		rl.MemoryMB = def.MemoryMB
	}
	if rl.PidsLimit == 0 {
		rl.PidsLimit = def.PidsLimit
	}
	if rl.DiskMB == 0 {
		rl.DiskMB = def.DiskMB
	}
	return rl
}

// ApplyResourceLimits translates the limits onto an OCI spec. The memory
// ceiling maps to a cgroup hard limit with swap pinned to the same value, so
// crossing it is fatal in-kernel with no cooperation from the program.
func ApplyResourceLimits(spec *specs.Spec, limits ResourceLimits) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Linux.Resources == nil {
		spec.Linux.Resources = &specs.LinuxResources{}
	}

	// CFS quota gives a hard CPU cap; shares alone are best-effort.
	// period=100ms, quota = (CPUShares/1024) * period.
	period := uint64(100000)
	quota := int64(float64(limits.CPUShares) / 1024.0 * float64(period))
	if quota < 1000 {
		quota = 1000
	}
	spec.Linux.Resources.CPU = &specs.LinuxCPU{
		Period: &period,
		Quota:  &quota,
	}

	memoryBytes := limits.MemoryMB * 1024 * 1024
	spec.Linux.Resources.Memory = &specs.LinuxMemory{
		Limit: &memoryBytes,
		Swap:  &memoryBytes,
	}

	spec.Linux.Resources.Pids = &specs.LinuxPids{
		Limit: limits.PidsLimit,
	}

	tmpfsBytes := limits.DiskMB * 1024 * 1024
	spec.Mounts = appendIfNotExists(spec.Mounts, specs.Mount{
		Destination: "/tmp",
		Type:        "tmpfs",
		Source:      "tmpfs",
		Options: []string{
			"nosuid", "nodev",
			fmt.Sprintf("size=%d", tmpfsBytes),
			"mode=1777",
		},
	})

	spec.Process.Rlimits = []specs.POSIXRlimit{
		{Type: "RLIMIT_NOFILE", Hard: 256, Soft: 256},
		{Type: "RLIMIT_NPROC", Hard: safeUint64(limits.PidsLimit), Soft: safeUint64(limits.PidsLimit)},
		{Type: "RLIMIT_FSIZE", Hard: safeUint64(tmpfsBytes), Soft: safeUint64(tmpfsBytes)},
		{Type: "RLIMIT_CORE", Hard: 0, Soft: 0},
		{Type: "RLIMIT_STACK", Hard: 8388608, Soft: 8388608},
	}
}

func safeUint64(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

func appendIfNotExists(mounts []specs.Mount, m specs.Mount) []specs.Mount {
	for _, existing := range mounts {
		if existing.Destination == m.Destination {
			return mounts
		}
	}
	return append(mounts, m)
}
