package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"agent-engine/internal/runtime"
	"agent-engine/pkg/seccomp"
)

const orphanSweepInterval = 5 * time.Minute

// DockerRunner is the docker-CLI sandbox backend, for hosts without a
// reachable containerd (macOS, or Linux running only Docker Desktop).
type DockerRunner struct {
	sem           chan struct{}
	active        atomic.Int64
	wg            sync.WaitGroup
	mu            sync.Mutex
	closed        bool
	dockerHost    string
	cancelCleanup context.CancelFunc
}

// memoryWatch carries the sampled peak and the breach flag between the
// monitor goroutine and the run path.
type memoryWatch struct {
	peakMB   atomic.Int64
	breached atomic.Bool
}

// NewDockerRunner creates a docker runner bounded to maxConcurrent parallel
// runs and starts the orphan cleanup loop.
func NewDockerRunner(maxConcurrent int) *DockerRunner {
	if maxConcurrent < 1 {
		maxConcurrent = 64
	}
	d := &DockerRunner{
		sem:        make(chan struct{}, maxConcurrent),
		dockerHost: resolveDockerHost(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancelCleanup = cancel
	go d.orphanCleanupLoop(ctx)

	return d
}

// Run executes one validated program via `docker run`. Unlike the containerd
// path, killing the CLI process does not kill the container, so every abort
// path force-removes the container by name.
func (d *DockerRunner) Run(ctx context.Context, req RunRequest) (*Outcome, error) {
	limits, err := validateRequest(&req)
	if err != nil {
		return nil, &RunError{ExecID: req.ExecutionID, Op: "validate", Err: err}
	}

	logger := log.With().
		Str("exec_id", req.ExecutionID).
		Str("profile", req.Profile.Name).
		Logger()

	select {
	case d.sem <- struct{}{}:
		defer func() { <-d.sem }()
	case <-ctx.Done():
		return nil, &RunError{ExecID: req.ExecutionID, Op: "acquire_slot", Err: context.Cause(ctx)}
	}

	d.wg.Add(1)
	defer d.wg.Done()
	d.active.Add(1)
	defer d.active.Add(-1)

	execCtx, cancel := context.WithTimeout(ctx, limits.WallClock)
	defer cancel()

	workspace, err := os.MkdirTemp("", containerPrefix+req.ExecutionID+"-*")
	if err != nil {
		return nil, &RunError{ExecID: req.ExecutionID, Op: "create_workspace", Err: err}
	}
	defer os.RemoveAll(workspace)

	codeName := "agent" + req.Profile.Extension
	if err := writeWorkspace(workspace, codeName, &req); err != nil {
		return nil, &RunError{ExecID: req.ExecutionID, Op: "write_workspace", Err: err}
	}

	profileJSON, err := seccomp.DockerProfileJSON()
	if err != nil {
		return nil, &RunError{ExecID: req.ExecutionID, Op: "seccomp_profile", Err: err}
	}
	seccompPath := filepath.Join(workspace, "seccomp.json")
	if err := os.WriteFile(seccompPath, profileJSON, 0o600); err != nil {
		return nil, &RunError{ExecID: req.ExecutionID, Op: "write_seccomp", Err: err}
	}

	containerName := containerPrefix + req.ExecutionID
	args := buildDockerArgs(containerName, req.Profile, workspace, codeName, seccompPath, limits)

	cmd := exec.CommandContext(execCtx, "docker", args...) // #nosec G204 -- args assembled internally
	cmd.Env = d.commandEnv()

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	logger.Debug().Str("container", containerName).Msg("starting docker container")
	start := time.Now()

	var watch memoryWatch
	monCtx, stopMonitor := context.WithCancel(context.Background())
	go d.watchMemory(monCtx, containerName, limits.MemoryMB, &watch)

	runErr := cmd.Run()
	duration := time.Since(start)
	stopMonitor()

	outcome := &Outcome{
		ExecutionID:  req.ExecutionID,
		Duration:     duration,
		Output:       truncateOutput(stdoutBuf.String(), MaxOutputBytes),
		ErrorDetail:  truncateOutput(stderrBuf.String(), MaxStderrBytes),
		PeakMemoryMB: watch.peakMB.Load(),
	}

	switch {
	case watch.breached.Load():
		outcome.Status = StatusMemoryExceeded
		outcome.ExitCode = 137

	case execCtx.Err() != nil:
		d.forceRemove(containerName)
		outcome.ExitCode = -1
		if errors.Is(context.Cause(execCtx), ErrCancelled) {
			outcome.Status = StatusCancelled
		} else {
			outcome.Status = StatusTimedOut
		}

	case runErr == nil:
		outcome.ExitCode = 0
		outcome.Status = StatusCompleted

	default:
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, &RunError{ExecID: req.ExecutionID, Op: "docker_run", Err: runErr}
		}
		code := exitErr.ExitCode()
		if code == 125 {
			// 125 is the docker CLI's own failure, not the program's.
			return nil, &RunError{
				ExecID: req.ExecutionID,
				Op:     "docker_run",
				Err:    fmt.Errorf("%w: %s", ErrBackendUnavailable, firstLine(stderrBuf.String())),
			}
		}
		outcome.ExitCode = code
		outcome.Status = classifyExit(code, stderrBuf.String())
	}

	logger.Info().
		Str("status", string(outcome.Status)).
		Int("exit_code", outcome.ExitCode).
		Dur("duration", outcome.Duration).
		Int64("peak_memory_mb", outcome.PeakMemoryMB).
		Msg("run finished")

	return outcome, nil
}

// buildDockerArgs assembles the full `docker run` argument list. The
// workspace files are mounted individually so seccomp.json never appears
// inside the container.
func buildDockerArgs(name string, profile runtime.Profile, workspace, codeName, seccompPath string, limits ResourceLimits) []string {
	codePath := "/workspace/" + codeName
	args := []string{
		"run", "--rm",
		"--name", name,
		"--network", "none",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--security-opt", "seccomp=" + seccompPath,
		"--read-only",
		"--memory", fmt.Sprintf("%dm", limits.MemoryMB),
		"--memory-swap", fmt.Sprintf("%dm", limits.MemoryMB),
		"--pids-limit", strconv.FormatInt(limits.PidsLimit, 10),
		"--cpus", fmt.Sprintf("%.1f", float64(limits.CPUShares)/1024.0),
		"--tmpfs", fmt.Sprintf("/tmp:rw,nosuid,nodev,size=%dm", limits.DiskMB),
		"-v", filepath.Join(workspace, codeName) + ":" + codePath + ":ro",
		"-v", filepath.Join(workspace, "params.json") + ":/workspace/params.json:ro",
		"--user", "65534:65534",
		"-e", "HOME=/tmp",
		"-e", "LANG=C.UTF-8",
		"-e", "AGENT_SANDBOX=true",
		profile.Image,
	}
	return append(args, profile.Command(codePath)...)
}

// watchMemory polls `docker stats` until the run ends. Docker enforces the
// cgroup limit itself; the poll exists to record the peak and to catch
// runtimes where the OOM kill leaves the container wedged.
func (d *DockerRunner) watchMemory(ctx context.Context, containerName string, limitMB int64, watch *memoryWatch) {
	ticker := time.NewTicker(memorySampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			usedMB, ok := d.sampleMemoryMB(containerName)
			if !ok {
				continue
			}
			if usedMB > watch.peakMB.Load() {
				watch.peakMB.Store(usedMB)
			}
			if usedMB >= limitMB {
				watch.breached.Store(true)
				d.forceRemove(containerName)
				return
			}
		}
	}
}

func (d *DockerRunner) sampleMemoryMB(containerName string) (int64, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), memorySampleInterval)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", "stats", "--no-stream", "--format", "{{.MemUsage}}", containerName)
	cmd.Env = d.commandEnv()
	out, err := cmd.Output()
	if err != nil {
		return 0, false
	}
	mb, err := parseMemUsage(strings.TrimSpace(string(out)))
	if err != nil {
		return 0, false
	}
	return mb, true
}

// parseMemUsage converts the current-usage half of a docker stats MemUsage
// cell ("137.9MiB / 512MiB") to whole megabytes.
func parseMemUsage(s string) (int64, error) {
	used, _, _ := strings.Cut(s, " / ")
	used = strings.TrimSpace(used)
	if used == "" {
		return 0, fmt.Errorf("empty memory usage %q", s)
	}

	unitScale := map[string]float64{
		"B":   1,
		"KiB": 1 << 10,
		"KB":  1000,
		"MiB": 1 << 20,
		"MB":  1000 * 1000,
		"GiB": 1 << 30,
		"GB":  1000 * 1000 * 1000,
	}
	for _, unit := range []string{"GiB", "GB", "MiB", "MB", "KiB", "KB", "B"} {
		if !strings.HasSuffix(used, unit) {
			continue
		}
		num := strings.TrimSuffix(used, unit)
		val, err := strconv.ParseFloat(strings.TrimSpace(num), 64)
		if err != nil {
			return 0, fmt.Errorf("parse memory usage %q: %w", s, err)
		}
		return int64(val * unitScale[unit] / (1 << 20)), nil
	}
	return 0, fmt.Errorf("unrecognised memory unit in %q", s)
}

func (d *DockerRunner) forceRemove(containerName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", "rm", "-f", containerName)
	cmd.Env = d.commandEnv()
	if err := cmd.Run(); err != nil {
		log.Debug().Err(err).Str("container", containerName).Msg("force remove failed")
	}
}

// orphanCleanupLoop sweeps containers left behind by a previous process
// crash. Runs once at startup and then on a slow ticker.
func (d *DockerRunner) orphanCleanupLoop(ctx context.Context) {
	d.cleanupOrphans(ctx)

	ticker := time.NewTicker(orphanSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.cleanupOrphans(ctx)
		}
	}
}

func (d *DockerRunner) cleanupOrphans(ctx context.Context) {
	listCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(listCtx, "docker", "ps", "-a", "--filter", "name="+containerPrefix, "-q")
	cmd.Env = d.commandEnv()
	out, err := cmd.Output()
	if err != nil {
		return
	}

	ids := strings.Fields(string(out))
	if len(ids) == 0 {
		return
	}
	// Only remove containers no in-process run still owns.
	if d.active.Load() > 0 {
		return
	}

	log.Warn().Int("count", len(ids)).Msg("removing orphaned containers")
	rmArgs := append([]string{"rm", "-f"}, ids...)
	rmCmd := exec.CommandContext(listCtx, "docker", rmArgs...)
	rmCmd.Env = d.commandEnv()
	_ = rmCmd.Run()
}

// resolveDockerHost mirrors the docker CLI's own endpoint discovery so the
// runner works under Docker Desktop contexts without DOCKER_HOST set.
func resolveDockerHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "docker", "context", "inspect", "--format", "{{.Endpoints.docker.Host}}").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func (d *DockerRunner) commandEnv() []string {
	env := os.Environ()
	if d.dockerHost != "" {
		env = append(env, "DOCKER_HOST="+d.dockerHost)
	}
	return env
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(line)
}

// ActiveCount reports the number of in-flight runs.
func (d *DockerRunner) ActiveCount() int64 {
	return d.active.Load()
}

// Healthy probes the docker daemon.
func (d *DockerRunner) Healthy(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, "docker", "info", "--format", "{{.ServerVersion}}")
	cmd.Env = d.commandEnv()
	return cmd.Run() == nil
}

// EnsureImages pre-pulls the given image refs so first executions do not pay
// the pull latency.
func (d *DockerRunner) EnsureImages(ctx context.Context, refs []string) error {
	for _, ref := range refs {
		cmd := exec.CommandContext(ctx, "docker", "pull", ref)
		cmd.Env = d.commandEnv()
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("pulling %s: %s: %w", ref, strings.TrimSpace(string(out)), err)
		}
		log.Debug().Str("image", ref).Msg("image present")
	}
	return nil
}

// Close stops the cleanup loop and waits up to 30s for in-flight runs.
func (d *DockerRunner) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.cancelCleanup()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Warn().Msg("timed out waiting for runs to finish")
	}
	return nil
}
