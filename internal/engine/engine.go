// Package engine orchestrates the execution lifecycle: capability check,
// static validation, quota admission, queueing, the sandboxed run, and the
// single finalize path that records the terminal state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"agent-engine/internal/config"
	"agent-engine/internal/domain"
	"agent-engine/internal/governor"
	"agent-engine/internal/monitor"
	"agent-engine/internal/notify"
	"agent-engine/internal/policy"
	"agent-engine/internal/runtime"
	"agent-engine/internal/sandbox"
	"agent-engine/internal/store"
)

var (
	// ErrOverloaded is returned when admission succeeded but the work queue
	// was full. The execution record is finalized failed/overload before the
	// error is returned.
	ErrOverloaded = errors.New("execution queue full")

	// ErrShuttingDown rejects submissions once Stop has begun.
	ErrShuttingDown = errors.New("engine shutting down")
)

// Store is the persistence surface the engine needs.
type Store interface {
	store.AgentStore
	store.ExecutionStore
}

// Validation is the static-validation surface the engine consumes.
// *validator.Validator satisfies it.
type Validation interface {
	Validate(code string) (domain.ValidationResult, bool)
	Policy() *policy.Policy
}

// FlightTracker marks scheduled runs in flight, at most one per agent.
// *scheduler.Flights satisfies it.
type FlightTracker interface {
	TryLaunch(agentID, execID string) bool
	Land(agentID, execID string)
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Store     Store
	Caps      Capability
	Validator Validation
	Governor  *governor.Governor
	Backend   sandbox.Backend
	Profiles  *runtime.Registry
	Flights   FlightTracker
	Events    *notify.Dispatcher
	Metrics   *monitor.Metrics
	Tracer    *monitor.Tracer
}

// Engine accepts execution submissions and drives them through the sandbox
// with a fixed worker pool. Safe for concurrent use.
type Engine struct {
	store    Store
	caps     Capability
	validate Validation
	governor *governor.Governor
	backend  sandbox.Backend
	profiles *runtime.Registry
	flights  FlightTracker
	events   *notify.Dispatcher
	metrics  *monitor.Metrics
	tracer   *monitor.Tracer
	scanner  *monitor.EscapeScanner

	limits  sandbox.ResourceLimits
	workers int
	queue   chan *job

	group       *errgroup.Group
	stopWorkers context.CancelFunc

	mu       sync.Mutex
	closed   bool
	inflight map[string]*flight
}

// flight is the process-local state of one admitted execution: the permit it
// holds, the scheduler flight it occupies, and the cancel hook once running.
// The entry is claimed (removed) by exactly one finalizer.
type flight struct {
	agentID   string
	agentType domain.AgentType
	scheduled bool
	permit    *governor.Permit
	cancel    context.CancelCauseFunc
}

type job struct {
	exec          *domain.Execution
	agent         *domain.Agent
	policyVersion string
}

// New creates an engine. Zero config fields fall back to defaults.
func New(deps Deps, cfg config.EngineConfig, limits sandbox.ResourceLimits) *Engine {
	workers := cfg.Workers
	if workers < 1 {
		workers = 8
	}
	queueSize := cfg.QueueSize
	if queueSize < 1 {
		queueSize = 256
	}
	return &Engine{
		store:    deps.Store,
		caps:     deps.Caps,
		validate: deps.Validator,
		governor: deps.Governor,
		backend:  deps.Backend,
		profiles: deps.Profiles,
		flights:  deps.Flights,
		events:   deps.Events,
		metrics:  deps.Metrics,
		tracer:   deps.Tracer,
		scanner:  monitor.NewEscapeScanner(),
		limits:   limits,
		workers:  workers,
		queue:    make(chan *job, queueSize),
		inflight: make(map[string]*flight),
	}
}

// Start launches the worker pool.
func (e *Engine) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.stopWorkers = cancel

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < e.workers; i++ {
		g.Go(func() error {
			e.workerLoop(gctx)
			return nil
		})
	}
	e.group = g
	log.Info().Int("workers", e.workers).Int("queue_size", cap(e.queue)).Msg("execution workers started")
}

// Stop halts intake, waits up to timeout for active runs to finish, then
// force-cancels whatever is still running and fails queued work that never
// started. Safe to call once after Start.
func (e *Engine) Stop(timeout time.Duration) {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.stopWorkers()

	done := make(chan struct{})
	go func() {
		_ = e.group.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		log.Warn().Msg("drain timeout, cancelling active executions")
		e.cancelActive()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			log.Error().Msg("workers did not exit after forced cancellation")
		}
	}

	e.drainQueue()
	log.Info().Msg("engine stopped")
}

// SubmitExecution runs the full admission path: capability, agent state,
// static validation, quota, then the queue. It returns the execution ID once
// a pending record exists; everything after that is reported through the
// record and its finished event.
func (e *Engine) SubmitExecution(ctx context.Context, userID, agentID string, trigger domain.TriggerSource, params map[string]any) (string, error) {
	if e.isClosed() {
		return "", ErrShuttingDown
	}

	agent, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		return "", err
	}
	if err := e.caps.CanExecute(ctx, userID, agent); err != nil {
		return "", err
	}
	if !agent.Runnable() {
		return "", fmt.Errorf("%w: agent %s is %s", domain.ErrAgentNotRunnable, agent.ID, agent.Status)
	}

	// Validation precedes admission so rejected code never consumes quota.
	res, cached := e.validate.Validate(agent.Code)
	e.metrics.RecordValidation(string(res.Outcome), cached)
	if !res.Allowed() {
		return "", fmt.Errorf("%w: %s", domain.ErrValidation, rejectionDetail(res))
	}

	permit, err := e.governor.Acquire(userID, e.limits.WallClock)
	if err != nil {
		e.metrics.RecordQuotaRejection(quotaReason(err))
		return "", err
	}

	execID := uuid.New().String()
	scheduled := trigger == domain.TriggerScheduled
	if scheduled {
		if !e.flights.TryLaunch(agentID, execID) {
			permit.Release()
			return "", fmt.Errorf("%w: agent %s", domain.ErrAgentBusy, agentID)
		}
	}

	exec := domain.NewExecution(execID, agent, trigger, params)
	e.track(execID, &flight{
		agentID:   agentID,
		agentType: agent.Type,
		scheduled: scheduled,
		permit:    permit,
	})

	if err := e.store.CreateExecution(ctx, exec); err != nil {
		e.mu.Lock()
		delete(e.inflight, execID)
		e.mu.Unlock()
		permit.Release()
		if scheduled {
			e.flights.Land(agentID, execID)
		}
		return "", fmt.Errorf("recording execution: %w", err)
	}

	select {
	case e.queue <- &job{exec: exec, agent: agent, policyVersion: res.PolicyVersion}:
		e.metrics.QueueDepth.Inc()
	default:
		_ = exec.Transition(domain.ExecFailed)
		exec.Failure = &domain.Failure{Kind: domain.FailureOverload, Message: "execution queue full"}
		e.finalize(context.WithoutCancel(ctx), exec)
		return "", ErrOverloaded
	}

	log.Info().
		Str("exec_id", execID).
		Str("agent_id", agentID).
		Str("trigger", string(trigger)).
		Str("user_id", userID).
		Msg("execution admitted")
	return execID, nil
}

// CancelExecution cancels a pending or running execution. Pending work is
// finalized cancelled without ever reaching the sandbox; running work is
// killed through its run context and finalized by the worker.
func (e *Engine) CancelExecution(ctx context.Context, execID string) error {
	e.mu.Lock()
	fl, tracked := e.inflight[execID]
	var cancel context.CancelCauseFunc
	if tracked {
		if fl.cancel != nil {
			cancel = fl.cancel
		} else {
			// Still queued: claim the entry so the worker skips the job.
			delete(e.inflight, execID)
		}
	}
	e.mu.Unlock()

	if cancel != nil {
		cancel(sandbox.ErrCancelled)
		log.Info().Str("exec_id", execID).Msg("cancelling running execution")
		return nil
	}

	if tracked {
		exec, err := e.store.GetExecution(ctx, execID)
		if err != nil {
			// The permit and flight must not leak even if the record is gone.
			fl.permit.Release()
			if fl.scheduled {
				e.flights.Land(fl.agentID, execID)
			}
			return err
		}
		_ = exec.Transition(domain.ExecCancelled)
		e.settle(ctx, exec, fl)
		log.Info().Str("exec_id", execID).Msg("queued execution cancelled")
		return nil
	}

	// Not in flight in this process.
	exec, err := e.store.GetExecution(ctx, execID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", domain.ErrExecutionFinished, execID, exec.Status)
	}

	// Leftover from an earlier process; Recover normally sweeps these.
	if err := exec.Transition(domain.ExecCancelled); err != nil {
		return err
	}
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	e.events.Publish(notify.ExecutionFinished(exec))
	return nil
}

// Execution returns the full execution record.
func (e *Engine) Execution(ctx context.Context, execID string) (*domain.Execution, error) {
	return e.store.GetExecution(ctx, execID)
}

// QueueLen reports queued, not yet dequeued work.
func (e *Engine) QueueLen() int {
	return len(e.queue)
}

func (e *Engine) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-e.queue:
			e.metrics.QueueDepth.Dec()
			if ctx.Err() != nil {
				e.abandon(job.exec)
				continue
			}
			e.run(job)
		}
	}
}

// run executes one dequeued job. Every exit path ends in finalize or in a
// no-op when a concurrent cancellation already claimed the execution.
func (e *Engine) run(job *job) {
	exec, agent := job.exec, job.agent

	// The policy may have rotated while the job sat in the queue; the cache
	// makes the re-check free when it has not.
	if e.validate.Policy().Version != job.policyVersion {
		res, cached := e.validate.Validate(agent.Code)
		e.metrics.RecordValidation(string(res.Outcome), cached)
		if !res.Allowed() {
			_ = exec.Transition(domain.ExecValidationRejected)
			exec.Failure = &domain.Failure{Kind: domain.FailureValidation, Message: rejectionDetail(res)}
			e.finalize(context.Background(), exec)
			return
		}
	}

	profile, err := e.profiles.ForType(agent.Type)
	if err != nil {
		_ = exec.Transition(domain.ExecFailed)
		exec.Failure = &domain.Failure{Kind: domain.FailureInternal, Message: err.Error()}
		e.finalize(context.Background(), exec)
		return
	}

	runCtx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	if !e.setCancel(exec.ID, cancel) {
		// Cancelled while queued; the canceller finalized the record.
		return
	}

	_ = exec.Transition(domain.ExecRunning)
	if err := e.store.UpdateExecution(runCtx, exec); err != nil {
		log.Warn().Err(err).Str("exec_id", exec.ID).Msg("marking execution running")
	}

	e.metrics.ActiveExecutions.Inc()
	defer e.metrics.ActiveExecutions.Dec()

	runCtx, span := e.tracer.StartSpan(runCtx, "execute",
		monitor.AttrExecutionID.String(exec.ID),
		monitor.AttrAgentID.String(agent.ID),
		monitor.AttrAgentType.String(string(agent.Type)),
		monitor.AttrTrigger.String(string(exec.Trigger)),
	)
	defer span.End()

	outcome, runErr := e.backend.Run(runCtx, sandbox.RunRequest{
		ExecutionID: exec.ID,
		Code:        agent.Code,
		Params:      exec.Params,
		Profile:     profile,
		Limits:      e.limits,
	})

	e.conclude(exec, outcome, runErr)
	span.SetAttributes(
		monitor.AttrStatus.String(string(exec.Status)),
		monitor.AttrDurationMS.Int64(exec.DurationMS),
	)
	e.finalize(context.Background(), exec)
}

// conclude moves a running execution to its terminal state from the sandbox
// verdict. Limit breaches arrive as outcome statuses; the error return is
// reserved for infrastructure failures and cancellation while queued on the
// backend.
func (e *Engine) conclude(exec *domain.Execution, outcome *sandbox.Outcome, runErr error) {
	if runErr != nil {
		if sandbox.IsCancelled(runErr) {
			_ = exec.Transition(domain.ExecCancelled)
			return
		}
		log.Error().Err(runErr).Str("exec_id", exec.ID).Msg("sandbox run failed")
		_ = exec.Transition(domain.ExecFailed)
		exec.Failure = &domain.Failure{Kind: domain.FailureInternal, Message: runErr.Error()}
		return
	}

	exec.Output = outcome.Output
	exec.PeakMemoryMB = outcome.PeakMemoryMB

	detections := e.scanner.Scan(exec.ID, outcome.Output)
	for _, d := range detections {
		e.metrics.RecordSecurityDetection(d.Pattern)
	}
	if monitor.Violation(detections) {
		_ = exec.Transition(domain.ExecFailed)
		exec.Failure = &domain.Failure{Kind: domain.FailureSecurity, Message: monitor.Describe(detections)}
		return
	}

	switch outcome.Status {
	case sandbox.StatusCompleted:
		_ = exec.Transition(domain.ExecSuccess)
	case sandbox.StatusTimedOut:
		_ = exec.Transition(domain.ExecTimedOut)
	case sandbox.StatusMemoryExceeded:
		_ = exec.Transition(domain.ExecMemoryExceeded)
	case sandbox.StatusCancelled:
		_ = exec.Transition(domain.ExecCancelled)
	default:
		_ = exec.Transition(domain.ExecFailed)
		kind := domain.FailureRuntime
		if outcome.DependencyFailure() {
			kind = domain.FailureDependency
		}
		exec.Failure = &domain.Failure{Kind: kind, Message: outcome.ErrorDetail}
	}
}

// finalize claims the in-flight entry and settles the terminal record. The
// claim is what makes settlement exactly-once when cancellation races the
// worker.
func (e *Engine) finalize(ctx context.Context, exec *domain.Execution) {
	e.mu.Lock()
	fl, ok := e.inflight[exec.ID]
	if ok {
		delete(e.inflight, exec.ID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	e.settle(ctx, exec, fl)
}

// settle persists the terminal record, returns the permit and scheduler
// flight, and emits the single finished event. Callers hold a claimed entry.
func (e *Engine) settle(ctx context.Context, exec *domain.Execution, fl *flight) {
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		log.Error().Err(err).Str("exec_id", exec.ID).Msg("persisting terminal execution")
	}
	fl.permit.Release()
	if fl.scheduled {
		e.flights.Land(fl.agentID, exec.ID)
	}
	e.events.Publish(notify.ExecutionFinished(exec))
	e.metrics.RecordExecution(string(fl.agentType), string(exec.Status), float64(exec.DurationMS)/1000, exec.PeakMemoryMB)
	log.Info().
		Str("exec_id", exec.ID).
		Str("agent_id", exec.AgentID).
		Str("status", string(exec.Status)).
		Int64("duration_ms", exec.DurationMS).
		Msg("execution finished")
}

func (e *Engine) track(execID string, fl *flight) {
	e.mu.Lock()
	e.inflight[execID] = fl
	e.mu.Unlock()
}

// setCancel installs the run cancel hook. False means the entry was already
// claimed by a cancellation while the job was queued.
func (e *Engine) setCancel(execID string, cancel context.CancelCauseFunc) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	fl, ok := e.inflight[execID]
	if !ok {
		return false
	}
	fl.cancel = cancel
	return true
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) cancelActive() {
	e.mu.Lock()
	cancels := make([]context.CancelCauseFunc, 0, len(e.inflight))
	for _, fl := range e.inflight {
		if fl.cancel != nil {
			cancels = append(cancels, fl.cancel)
		}
	}
	e.mu.Unlock()

	for _, cancel := range cancels {
		cancel(sandbox.ErrCancelled)
	}
}

// abandon finalizes a job that will never reach the sandbox.
func (e *Engine) abandon(exec *domain.Execution) {
	_ = exec.Transition(domain.ExecFailed)
	exec.Failure = &domain.Failure{Kind: domain.FailureInterrupted, Message: "engine shut down before execution started"}
	e.finalize(context.Background(), exec)
}

// drainQueue fails whatever never reached a worker.
func (e *Engine) drainQueue() {
	for {
		select {
		case job := <-e.queue:
			e.metrics.QueueDepth.Dec()
			e.abandon(job.exec)
		default:
			return
		}
	}
}

func rejectionDetail(res domain.ValidationResult) string {
	symbols := res.ViolatedSymbols()
	if len(symbols) == 0 {
		return string(res.Kind)
	}
	return string(res.Kind) + ": " + strings.Join(symbols, ", ")
}

func quotaReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrConcurrencyLimit):
		return "concurrent"
	case errors.Is(err, domain.ErrDailyLimit):
		return "daily"
	default:
		return "other"
	}
}
