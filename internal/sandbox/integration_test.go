package sandbox

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	"agent-engine/internal/domain"
	"agent-engine/internal/runtime"
)

// requireDocker skips the test if Docker is not installed or not running.
func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("Docker not installed, skipping")
	}
	if err := exec.Command("docker", "info").Run(); err != nil {
		t.Skip("Docker daemon not running, skipping")
	}
}

// TestDockerRun_Integration executes real containers. It is the live
// counterpart of the fake-backed engine tests: the isolation properties
// asserted here (no network, read-only root) are what the rest of the
// system takes for granted.
func TestDockerRun_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	requireDocker(t)

	runner := NewDockerRunner(4)
	defer runner.Close()

	profile, err := runtime.NewRegistry().ForType(domain.TypeCustom)
	if err != nil {
		t.Fatalf("ForType: %v", err)
	}

	pullCtx, pullCancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer pullCancel()
	if err := runner.EnsureImages(pullCtx, []string{profile.Image}); err != nil {
		t.Skipf("image %s unavailable: %v", profile.Image, err)
	}

	limits := ResourceLimits{
		WallClock: 2 * time.Minute,
		CPUShares: 512,
		MemoryMB:  256,
		PidsLimit: 64,
		DiskMB:    64,
	}

	tests := []struct {
		name       string
		code       string
		params     map[string]any
		wallClock  time.Duration
		wantStatus RunStatus
		wantOutput string // substring expected in stdout
		wantDetail string // substring expected in stderr
	}{
		{
			name:       "params in result out",
			code:       `result = {"sum": params["a"] + params["b"]}`,
			params:     map[string]any{"a": 2, "b": 3},
			wantStatus: StatusCompleted,
			wantOutput: `"sum": 5`,
		},
		{
			name:       "uncaught exception",
			code:       `raise RuntimeError("boom")`,
			wantStatus: StatusRuntimeFailure,
			wantDetail: "boom",
		},
		{
			name:       "wall clock kill",
			code:       "import time\ntime.sleep(60)\n",
			wallClock:  3 * time.Second,
			wantStatus: StatusTimedOut,
		},
		{
			name: "no network",
			code: "import urllib.request\n" +
				`urllib.request.urlopen("http://example.com", timeout=3)`,
			wantStatus: StatusRuntimeFailure,
			wantDetail: "URLError",
		},
		{
			name:       "read-only root",
			code:       `open("/pwned.txt", "w").write("x")`,
			wantStatus: StatusRuntimeFailure,
			wantDetail: "Errno 30",
		},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runLimits := limits
			if tt.wallClock > 0 {
				runLimits.WallClock = tt.wallClock
			}

			outcome, err := runner.Run(context.Background(), RunRequest{
				ExecutionID: "it-" + strings.ReplaceAll(tt.name, " ", "-"),
				Code:        tt.code,
				Params:      tt.params,
				Profile:     profile,
				Limits:      runLimits,
			})
			if err != nil {
				t.Fatalf("Run: %v", err)
			}

			if outcome.Status != tt.wantStatus {
				t.Errorf("case %d status = %q, want %q (exit %d, stderr %q)",
					i, outcome.Status, tt.wantStatus, outcome.ExitCode, outcome.ErrorDetail)
			}
			if tt.wantStatus == StatusCompleted && outcome.ExitCode != 0 {
				t.Errorf("exit code = %d, want 0", outcome.ExitCode)
			}
			if tt.wantStatus == StatusRuntimeFailure && outcome.ExitCode == 0 {
				t.Error("exit code = 0 for a failed run")
			}
			if tt.wantOutput != "" && !strings.Contains(outcome.Output, tt.wantOutput) {
				t.Errorf("output %q missing %q", outcome.Output, tt.wantOutput)
			}
			if tt.wantDetail != "" && !strings.Contains(outcome.ErrorDetail, tt.wantDetail) {
				t.Errorf("error detail %q missing %q", outcome.ErrorDetail, tt.wantDetail)
			}
		})
	}
}
