package sandbox

import (
	"testing"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func TestDefaultLimits(t *testing.T) {
	l := DefaultLimits()
	if l.WallClock != 30*time.Minute {
		t.Errorf("WallClock = %s, want 30m", l.WallClock)
	}
	if l.CPUShares != 512 {
		t.Errorf("CPUShares = %d, want 512", l.CPUShares)
	}
	if l.MemoryMB != 512 {
		t.Errorf("MemoryMB = %d, want 512", l.MemoryMB)
	}
	if l.PidsLimit != 64 {
		t.Errorf("PidsLimit = %d, want 64", l.PidsLimit)
	}
	if l.DiskMB != 128 {
		t.Errorf("DiskMB = %d, want 128", l.DiskMB)
	}

	if err := l.Validate(); err != nil {
		t.Errorf("DefaultLimits().Validate() = %v, want nil", err)
	}
}

func TestLimitsValidate(t *testing.T) {
	valid := DefaultLimits()

	tests := []struct {
		name    string
		modify  func(*ResourceLimits)
		wantErr bool
	}{
		{"defaults ok", func(l *ResourceLimits) {}, false},
		{"wall_clock below 1s", func(l *ResourceLimits) { l.WallClock = 500 * time.Millisecond }, true},
		{"wall_clock above 2h", func(l *ResourceLimits) { l.WallClock = 3 * time.Hour }, true},
		{"wall_clock at 2h", func(l *ResourceLimits) { l.WallClock = 2 * time.Hour }, false},
		{"cpu_shares 1", func(l *ResourceLimits) { l.CPUShares = 1 }, true},
		{"cpu_shares 4097", func(l *ResourceLimits) { l.CPUShares = 4097 }, true},
		{"cpu_shares 4096", func(l *ResourceLimits) { l.CPUShares = 4096 }, false},
		{"memory 32", func(l *ResourceLimits) { l.MemoryMB = 32 }, true},
		{"memory 8192", func(l *ResourceLimits) { l.MemoryMB = 8192 }, true},
		{"memory 4096", func(l *ResourceLimits) { l.MemoryMB = 4096 }, false},
		{"pids 4", func(l *ResourceLimits) { l.PidsLimit = 4 }, true},
		{"pids 1000", func(l *ResourceLimits) { l.PidsLimit = 1000 }, true},
		{"disk 8", func(l *ResourceLimits) { l.DiskMB = 8 }, true},
		{"disk 2048", func(l *ResourceLimits) { l.DiskMB = 2048 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := valid
			tt.modify(&l)
			err := l.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWithDefaults(t *testing.T) {
	var zero ResourceLimits
	filled := zero.withDefaults()
	if filled != DefaultLimits() {
		t.Errorf("withDefaults() on zero = %+v, want defaults", filled)
	}

	partial := ResourceLimits{MemoryMB: 1024}
	filled = partial.withDefaults()
	if filled.MemoryMB != 1024 {
		t.Errorf("MemoryMB = %d, want explicit 1024 kept", filled.MemoryMB)
	}
	if filled.WallClock != 30*time.Minute {
		t.Errorf("WallClock = %s, want default 30m", filled.WallClock)
	}
	if filled.PidsLimit != 64 {
		t.Errorf("PidsLimit = %d, want default 64", filled.PidsLimit)
	}
}

func TestApplyResourceLimits(t *testing.T) {
	spec := &specs.Spec{Process: &specs.Process{}}
	limits := ResourceLimits{
		WallClock: 10 * time.Minute,
		CPUShares: 1024,
		MemoryMB:  256,
		PidsLimit: 32,
		DiskMB:    64,
	}

	ApplyResourceLimits(spec, limits)

	cpu := spec.Linux.Resources.CPU
	if cpu == nil || cpu.Quota == nil || cpu.Period == nil {
		t.Fatal("CPU limits not set")
	}
	if *cpu.Period != 100000 {
		t.Errorf("CPU period = %d, want 100000", *cpu.Period)
	}
	if *cpu.Quota != 100000 {
		t.Errorf("CPU quota = %d, want 100000 for 1024 shares", *cpu.Quota)
	}

	mem := spec.Linux.Resources.Memory
	if mem == nil || mem.Limit == nil || mem.Swap == nil {
		t.Fatal("memory limits not set")
	}
	wantBytes := int64(256) * 1024 * 1024
	if *mem.Limit != wantBytes {
		t.Errorf("memory limit = %d, want %d", *mem.Limit, wantBytes)
	}
	if *mem.Swap != *mem.Limit {
		t.Errorf("swap = %d, want pinned to memory limit %d", *mem.Swap, *mem.Limit)
	}

	if spec.Linux.Resources.Pids == nil || spec.Linux.Resources.Pids.Limit != 32 {
		t.Error("pids limit not applied")
	}

	var tmpfs *specs.Mount
	for i := range spec.Mounts {
		if spec.Mounts[i].Destination == "/tmp" {
			tmpfs = &spec.Mounts[i]
		}
	}
	if tmpfs == nil {
		t.Fatal("/tmp tmpfs mount missing")
	}
	if tmpfs.Type != "tmpfs" {
		t.Errorf("tmpfs type = %q", tmpfs.Type)
	}

	var gotCore, gotNofile bool
	for _, rl := range spec.Process.Rlimits {
		switch rl.Type {
		case "RLIMIT_CORE":
			gotCore = rl.Hard == 0 && rl.Soft == 0
		case "RLIMIT_NOFILE":
			gotNofile = rl.Hard == 256
		}
	}
	if !gotCore {
		t.Error("RLIMIT_CORE not zeroed")
	}
	if !gotNofile {
		t.Error("RLIMIT_NOFILE not set to 256")
	}
}

func TestApplyResourceLimits_MinQuota(t *testing.T) {
	spec := &specs.Spec{Process: &specs.Process{}}
	ApplyResourceLimits(spec, ResourceLimits{CPUShares: 2, MemoryMB: 64, PidsLimit: 8, DiskMB: 16})

	if *spec.Linux.Resources.CPU.Quota != 1000 {
		t.Errorf("quota = %d, want floor of 1000", *spec.Linux.Resources.CPU.Quota)
	}
}

func TestApplyResourceLimits_NoDuplicateTmpfs(t *testing.T) {
	spec := &specs.Spec{Process: &specs.Process{}}
	ApplyResourceLimits(spec, DefaultLimits())
	ApplyResourceLimits(spec, DefaultLimits())

	var count int
	for _, m := range spec.Mounts {
		if m.Destination == "/tmp" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("tmpfs mounts = %d, want 1", count)
	}
}
