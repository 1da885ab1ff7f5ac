package sandbox

import (
	"strings"
	"testing"
	"time"
)

// argsContain returns true if the args slice contains needle.
func argsContain(args []string, needle string) bool {
	for _, a := range args {
		if a == needle {
			return true
		}
	}
	return false
}

// argsContainPrefix returns true if any arg starts with the given prefix.
func argsContainPrefix(args []string, prefix string) bool {
	for _, a := range args {
		if strings.HasPrefix(a, prefix) {
			return true
		}
	}
	return false
}

func TestBuildDockerArgs(t *testing.T) {
	limits := ResourceLimits{
		WallClock: 10 * time.Minute,
		CPUShares: 512,
		MemoryMB:  256,
		PidsLimit: 32,
		DiskMB:    64,
	}
	args := buildDockerArgs("agent-exec-1", testProfile(),
		"/tmp/ws", "agent.py", "/tmp/ws/seccomp.json", limits)

	if !argsContain(args, "none") {
		t.Error("expected --network none")
	}
	if !argsContain(args, "--read-only") {
		t.Error("expected --read-only")
	}
	if !argsContain(args, "65534:65534") {
		t.Error("expected --user 65534:65534")
	}
	if !argsContain(args, "no-new-privileges") {
		t.Error("expected --security-opt no-new-privileges")
	}
	if !argsContain(args, "seccomp=/tmp/ws/seccomp.json") {
		t.Error("expected seccomp profile security-opt")
	}
	if !argsContain(args, "256m") {
		t.Error("expected --memory 256m")
	}
	if !argsContain(args, "32") {
		t.Error("expected --pids-limit 32")
	}
	if !argsContain(args, "0.5") {
		t.Error("expected --cpus 0.5 for 512 shares")
	}
	if !argsContain(args, "/tmp/ws/agent.py:/workspace/agent.py:ro") {
		t.Error("expected read-only code mount")
	}
	if !argsContain(args, "/tmp/ws/params.json:/workspace/params.json:ro") {
		t.Error("expected read-only params mount")
	}
	if argsContainPrefix(args, "/tmp/ws/seccomp.json:") {
		t.Error("seccomp.json must not be mounted into the container")
	}
	if !argsContain(args, "ghcr.io/agent-engine/python-sci:3.12") {
		t.Error("expected profile image")
	}

	// Swap is pinned to the memory limit so swap cannot stretch the ceiling.
	var memCount int
	for _, a := range args {
		if a == "256m" {
			memCount++
		}
	}
	if memCount != 2 {
		t.Errorf("got %d args equal to 256m, want 2 (--memory and --memory-swap)", memCount)
	}

	// The interpreter invocation comes last.
	tail := args[len(args)-5:]
	want := []string{"python3", "-u", "-B", "-I", "/workspace/agent.py"}
	for i, w := range want {
		if tail[i] != w {
			t.Errorf("command tail[%d] = %q, want %q", i, tail[i], w)
		}
	}
}

func TestParseMemUsage(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"137.9MiB / 512MiB", 137, false},
		{"1.5GiB / 4GiB", 1536, false},
		{"512KiB / 512MiB", 0, false},
		{"100B / 512MiB", 0, false},
		{"2GB / 4GB", 1907, false},
		{"0B / 0B", 0, false},
		{"", 0, true},
		{"garbage", 0, true},
		{"12.3XB / 1GiB", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseMemUsage(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseMemUsage(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("parseMemUsage(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestFirstLine(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"single", "single"},
		{"first\nsecond", "first"},
		{"\n\nafter blank lines", "after blank lines"},
		{"  padded  \nmore", "padded"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := firstLine(tt.in); got != tt.want {
			t.Errorf("firstLine(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDockerRunner_SemaphoreCapacity(t *testing.T) {
	d := &DockerRunner{sem: make(chan struct{}, 2)}

	d.sem <- struct{}{}
	d.sem <- struct{}{}

	select {
	case d.sem <- struct{}{}:
		<-d.sem
		t.Error("semaphore should be full")
	default:
	}

	<-d.sem
	select {
	case d.sem <- struct{}{}:
		<-d.sem
	default:
		t.Error("semaphore should have capacity after release")
	}
}
