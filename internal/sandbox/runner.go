package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/oci"
	v1 "github.com/containerd/cgroups/stats/v1"
	v2 "github.com/containerd/cgroups/v2/stats"
	"github.com/containerd/typeurl/v2"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"

	"agent-engine/internal/runtime"
)

// containerPrefix names every container this engine creates, so orphan
// cleanup can tell its own containers from everything else on the host.
const containerPrefix = "agent-exec-"

const memorySampleInterval = 2 * time.Second

// Runner is the containerd-based sandbox backend.
type Runner struct {
	client *Client
	sem    chan struct{}
	active atomic.Int64
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewRunner creates a containerd runner bounded to maxConcurrent parallel
// runs.
func NewRunner(client *Client, maxConcurrent int) *Runner {
	if maxConcurrent < 1 {
		maxConcurrent = 64
	}
	return &Runner{
		client: client,
		sem:    make(chan struct{}, maxConcurrent),
	}
}

// Run executes one validated program in an isolated container. The two
// ceilings are enforced independently: the wall clock by a watchdog on the
// run context, memory by the cgroup hard limit in the kernel. Either way the
// process is killed, never asked to stop.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*Outcome, error) {
	limits, err := validateRequest(&req)
	if err != nil {
		return nil, &RunError{ExecID: req.ExecutionID, Op: "validate", Err: err}
	}

	logger := log.With().
		Str("exec_id", req.ExecutionID).
		Str("profile", req.Profile.Name).
		Logger()

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		return nil, &RunError{ExecID: req.ExecutionID, Op: "acquire_slot", Err: context.Cause(ctx)}
	}

	r.wg.Add(1)
	defer r.wg.Done()
	r.active.Add(1)
	defer r.active.Add(-1)

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

	image, err := r.client.PullImage(execCtx, req.Profile.Image)
	if err != nil {
		return nil, &RunError{ExecID: req.ExecutionID, Op: "pull_image", Err: err}
	}

	containerID := containerPrefix + req.ExecutionID
	container, err := r.createContainer(execCtx, containerID, image, req.Profile, codeName, workspace, limits)
	if err != nil {
		return nil, &RunError{ExecID: req.ExecutionID, Op: "create_container", Err: err}
	}
	defer func() {
		if cleanErr := r.cleanupContainer(context.Background(), container); cleanErr != nil {
			logger.Error().Err(cleanErr).Msg("container cleanup failed")
		}
	}()

	var stdoutBuf, stderrBuf bytes.Buffer
	task, err := container.NewTask(execCtx,
		cio.NewCreator(cio.WithStreams(nil, &stdoutBuf, &stderrBuf)),
	)
	if err != nil {
		return nil, &RunError{ExecID: req.ExecutionID, Op: "create_task", Err: err}
	}
	defer func() {
		if _, delErr := task.Delete(context.Background(), containerd.WithProcessKill); delErr != nil {
			logger.Error().Err(delErr).Msg("task delete failed")
		}
	}()

	exitCh, err := task.Wait(execCtx)
	if err != nil {
		return nil, &RunError{ExecID: req.ExecutionID, Op: "task_wait", Err: err}
	}
	if err := task.Start(execCtx); err != nil {
		return nil, &RunError{ExecID: req.ExecutionID, Op: "task_start", Err: err}
	}

	logger.Debug().Msg("task started")
	start := time.Now()

	peakCh := r.watchMemory(execCtx, task)

	outcome := &Outcome{ExecutionID: req.ExecutionID}

	select {
	case status := <-exitCh:
		outcome.ExitCode = int(status.ExitCode())
		outcome.Status = classifyExit(outcome.ExitCode, stderrBuf.String())

	case <-execCtx.Done():
		// Kill unconditionally; a hung or CPU-bound process gets no say.
		if killErr := task.Kill(context.Background(), 9); killErr != nil {
			logger.Error().Err(killErr).Msg("failed to kill task")
		}
		<-exitCh
		outcome.ExitCode = -1
		if errors.Is(context.Cause(execCtx), ErrCancelled) {
			outcome.Status = StatusCancelled
		} else {
			outcome.Status = StatusTimedOut
		}
	}

	cancel()
	outcome.Duration = time.Since(start)
	outcome.Output = truncateOutput(stdoutBuf.String(), MaxOutputBytes)
	outcome.ErrorDetail = truncateOutput(stderrBuf.String(), MaxStderrBytes)
	outcome.PeakMemoryMB = <-peakCh

	logger.Info().
		Str("status", string(outcome.Status)).
		Int("exit_code", outcome.ExitCode).
		Dur("duration", outcome.Duration).
		Int64("peak_memory_mb", outcome.PeakMemoryMB).
		Msg("run finished")

	return outcome, nil
}

// watchMemory samples the task's cgroup usage until ctx ends and delivers the
// observed peak. The hard limit enforcement lives in the kernel; this is for
// the execution record.
func (r *Runner) watchMemory(ctx context.Context, task containerd.Task) <-chan int64 {
	peakCh := make(chan int64, 1)
	go func() {
		var peak int64
		ticker := time.NewTicker(memorySampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if mb, ok := r.sampleMemory(task); ok && mb > peak {
					peak = mb
				}
			case <-ctx.Done():
				peakCh <- peak
				return
			}
		}
	}()
	return peakCh
}

func (r *Runner) sampleMemory(task containerd.Task) (int64, bool) {
	sampleCtx, cancel := context.WithTimeout(r.client.WithNamespace(context.Background()), 2*time.Second)
	defer cancel()

	metric, err := task.Metrics(sampleCtx)
	if err != nil || metric == nil || metric.Data == nil {
		return 0, false
	}
	data, err := typeurl.UnmarshalAny(metric.Data)
	if err != nil {
		return 0, false
	}
	switch s := data.(type) {
	case *v1.Metrics:
		if s.Memory != nil && s.Memory.Usage != nil {
			if s.Memory.Usage.Max > 0 {
				return int64(s.Memory.Usage.Max >> 20), true
			}
			return int64(s.Memory.Usage.Usage >> 20), true
		}
	case *v2.Metrics:
		if s.Memory != nil {
			return int64(s.Memory.Usage >> 20), true
		}
	}
	return 0, false
}

// ActiveCount returns the number of in-flight runs.
func (r *Runner) ActiveCount() int64 {
	return r.active.Load()
}

// Healthy reports whether containerd is reachable.
func (r *Runner) Healthy(ctx context.Context) bool {
	return r.client.Healthy(ctx)
}

// EnsureImages pre-pulls the given image refs so first executions do not pay
// the pull latency.
func (r *Runner) EnsureImages(ctx context.Context, refs []string) error {
	return r.client.EnsureImages(ctx, refs)
}

// Close drains active runs, then shuts down the containerd connection.
func (r *Runner) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Warn().Int64("active", r.active.Load()).Msg("timed out draining containerd runs")
	}
	return r.client.Close()
}

func (r *Runner) createContainer(
	ctx context.Context,
	id string,
	image containerd.Image,
	profile runtime.Profile,
	codeName string,
	workspace string,
	limits ResourceLimits,
) (containerd.Container, error) {
	nsCtx := r.client.WithNamespace(ctx)
	codePath := "/workspace/" + codeName

	container, err := r.client.Raw().NewContainer(nsCtx, id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithProcessArgs(profile.Command(codePath)...),
			oci.WithHostname("agent"),
			func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
				ApplySecurityProfile(s, AgentSecurityProfile())
				ApplyResourceLimits(s, limits)

				s.Mounts = append(s.Mounts, specs.Mount{
					Destination: "/workspace",
					Type:        "bind",
					Source:      workspace,
					Options:     []string{"rbind", "ro"},
				})

				s.Process.Env = []string{
					"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
					"HOME=/tmp",
					"LANG=C.UTF-8",
					"AGENT_SANDBOX=true",
				}
				return nil
			},
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}
	return container, nil
}

// writeWorkspace lays out the read-only files the container sees: the
// harness-wrapped program and its parameters. World-readable because the
// container runs as nobody.
func writeWorkspace(dir, codeName string, req *RunRequest) error {
	source := runtime.WrapSource(req.Code, "/workspace/params.json")
	if err := os.WriteFile(filepath.Join(dir, codeName), []byte(source), 0o444); err != nil {
		return fmt.Errorf("write code: %w", err)
	}

	params := req.Params
	if params == nil {
		params = map[string]any{}
	}
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "params.json"), data, 0o444); err != nil {
		return fmt.Errorf("write params: %w", err)
	}
	return nil
}
