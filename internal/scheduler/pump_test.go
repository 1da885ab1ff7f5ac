package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"agent-engine/internal/domain"
	"agent-engine/internal/monitor"
	"agent-engine/internal/notify"
	"agent-engine/internal/store"
)

type submitCall struct {
	userID  string
	agentID string
	trigger domain.TriggerSource
}

type fakeSubmitter struct {
	mu    sync.Mutex
	calls []submitCall
	err   error
}

func (f *fakeSubmitter) SubmitExecution(_ context.Context, userID, agentID string, trigger domain.TriggerSource, _ map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, submitCall{userID: userID, agentID: agentID, trigger: trigger})
	if f.err != nil {
		return "", f.err
	}
	return "exec-" + agentID, nil
}

func (f *fakeSubmitter) submitted() []submitCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]submitCall, len(f.calls))
	copy(out, f.calls)
	return out
}

type captureSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (s *captureSink) Emit(_ context.Context, event notify.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *captureSink) all() []notify.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]notify.Event, len(s.events))
	copy(out, s.events)
	return out
}

type pumpFixture struct {
	pump    *Pump
	store   *store.Memory
	submit  *fakeSubmitter
	flights *Flights
	sink    *captureSink

	// drain flushes the dispatcher exactly once; Flush is single-shot.
	drain func()
}

func newPumpFixture(t *testing.T) *pumpFixture {
	t.Helper()

	mem := store.NewMemory()
	submit := &fakeSubmitter{}
	flights := NewFlights()
	sink := &captureSink{}
	metrics := monitor.NewMetrics()
	events := notify.NewDispatcher(sink, 64, metrics)
	events.Start()

	fx := &pumpFixture{
		pump:    NewPump(mem, submit, flights, events, metrics, time.Minute),
		store:   mem,
		submit:  submit,
		flights: flights,
		sink:    sink,
		drain:   sync.OnceFunc(func() { events.Flush(2 * time.Second) }),
	}
	t.Cleanup(fx.drain)
	return fx
}

func (fx *pumpFixture) addAgent(t *testing.T, id string) *domain.Agent {
	t.Helper()
	agent, err := domain.NewAgent(id, "owner-"+id, "watcher", domain.TypeChangeDetection, "result = 1")
	if err != nil {
		t.Fatal(err)
	}
	if err := fx.store.CreateAgent(context.Background(), agent); err != nil {
		t.Fatal(err)
	}
	return agent
}

func (fx *pumpFixture) addSchedule(t *testing.T, agent *domain.Agent, spec domain.TriggerSpec, next time.Time) *domain.Schedule {
	t.Helper()
	now := time.Now().UTC()
	schedule := &domain.Schedule{
		ID:        "sched-" + agent.ID,
		AgentID:   agent.ID,
		OwnerID:   agent.OwnerID,
		Trigger:   spec,
		NextRunAt: next,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := fx.store.UpsertSchedule(context.Background(), schedule); err != nil {
		t.Fatal(err)
	}
	return schedule
}

func TestPump_FiresDueSchedule(t *testing.T) {
	fx := newPumpFixture(t)
	agent := fx.addAgent(t, "agent-1")
	now := time.Now().UTC()
	fx.addSchedule(t, agent, domain.TriggerSpec{Kind: domain.TriggerInterval, Expression: "15m"}, now.Add(-time.Minute))

	fx.pump.tick(now)

	calls := fx.submit.submitted()
	if len(calls) != 1 {
		t.Fatalf("submitted %d times, want 1", len(calls))
	}
	if calls[0].userID != agent.OwnerID || calls[0].agentID != agent.ID || calls[0].trigger != domain.TriggerScheduled {
		t.Fatalf("unexpected call: %+v", calls[0])
	}

	got, err := fx.store.GetScheduleByAgent(context.Background(), agent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.NextRunAt.Equal(now.Add(15 * time.Minute)) {
		t.Fatalf("next_run_at = %v, want %v", got.NextRunAt, now.Add(15*time.Minute))
	}
	if !got.Enabled {
		t.Fatal("interval schedule must stay enabled")
	}
}

func TestPump_NoBackfillAfterDowntime(t *testing.T) {
	fx := newPumpFixture(t)
	agent := fx.addAgent(t, "agent-1")
	now := time.Now().UTC()
	// The process was down for hours; many occurrences were missed.
	fx.addSchedule(t, agent, domain.TriggerSpec{Kind: domain.TriggerInterval, Expression: "15m"}, now.Add(-6*time.Hour))

	fx.pump.tick(now)

	if got := len(fx.submit.submitted()); got != 1 {
		t.Fatalf("submitted %d times, want exactly 1 (no catch-up burst)", got)
	}
	schedule, err := fx.store.GetScheduleByAgent(context.Background(), agent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !schedule.NextRunAt.Equal(now.Add(15 * time.Minute)) {
		t.Fatalf("next_run_at = %v, want computed from now", schedule.NextRunAt)
	}
}

func TestPump_SkipsInFlight(t *testing.T) {
	fx := newPumpFixture(t)
	agent := fx.addAgent(t, "agent-1")
	now := time.Now().UTC()
	fx.addSchedule(t, agent, domain.TriggerSpec{Kind: domain.TriggerInterval, Expression: "15m"}, now.Add(-time.Minute))

	fx.flights.TryLaunch(agent.ID, "exec-prev")

	fx.pump.tick(now)

	if got := len(fx.submit.submitted()); got != 0 {
		t.Fatalf("submitted %d times, want 0", got)
	}

	fx.drain()
	events := fx.sink.all()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1 skip event", len(events))
	}
	if events[0].Type != notify.EventScheduleSkipped || events[0].Detail != "in_flight" {
		t.Fatalf("unexpected event: %+v", events[0])
	}
	if events[0].AgentID != agent.ID || events[0].OwnerID != agent.OwnerID {
		t.Fatalf("event identity mismatch: %+v", events[0])
	}

	// The missed occurrence still advances.
	schedule, err := fx.store.GetScheduleByAgent(context.Background(), agent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !schedule.NextRunAt.Equal(now.Add(15 * time.Minute)) {
		t.Fatalf("next_run_at = %v, want advanced", schedule.NextRunAt)
	}
}

func TestPump_SkipsOnQuota(t *testing.T) {
	fx := newPumpFixture(t)
	fx.submit.err = domain.ErrConcurrencyLimit
	agent := fx.addAgent(t, "agent-1")
	now := time.Now().UTC()
	fx.addSchedule(t, agent, domain.TriggerSpec{Kind: domain.TriggerInterval, Expression: "15m"}, now.Add(-time.Minute))

	fx.pump.tick(now)

	fx.drain()
	events := fx.sink.all()
	if len(events) != 1 || events[0].Detail != "quota_exceeded" {
		t.Fatalf("expected one quota_exceeded skip, got %+v", events)
	}

	schedule, err := fx.store.GetScheduleByAgent(context.Background(), agent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !schedule.Enabled {
		t.Fatal("quota skip must not disable the schedule")
	}
}

func TestPump_OnceDisabledAfterFire(t *testing.T) {
	fx := newPumpFixture(t)
	agent := fx.addAgent(t, "agent-1")
	now := time.Now().UTC()
	at := now.Add(-time.Minute)
	fx.addSchedule(t, agent, domain.TriggerSpec{Kind: domain.TriggerOnce, Expression: at.Format(time.RFC3339)}, at)

	fx.pump.tick(now)

	if got := len(fx.submit.submitted()); got != 1 {
		t.Fatalf("submitted %d times, want 1", got)
	}
	schedule, err := fx.store.GetScheduleByAgent(context.Background(), agent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if schedule.Enabled {
		t.Fatal("once schedule must be disabled after firing")
	}
	if !schedule.NextRunAt.IsZero() {
		t.Fatalf("next_run_at = %v, want zero", schedule.NextRunAt)
	}
}

func TestPump_OnceDisabledAfterSkip(t *testing.T) {
	fx := newPumpFixture(t)
	agent := fx.addAgent(t, "agent-1")
	now := time.Now().UTC()
	at := now.Add(-time.Minute)
	fx.addSchedule(t, agent, domain.TriggerSpec{Kind: domain.TriggerOnce, Expression: at.Format(time.RFC3339)}, at)

	fx.flights.TryLaunch(agent.ID, "exec-prev")
	fx.pump.tick(now)

	schedule, err := fx.store.GetScheduleByAgent(context.Background(), agent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if schedule.Enabled {
		t.Fatal("once schedule must not survive its single occurrence")
	}
}

func TestPump_IgnoresNotDue(t *testing.T) {
	fx := newPumpFixture(t)
	agent := fx.addAgent(t, "agent-1")
	now := time.Now().UTC()
	fx.addSchedule(t, agent, domain.TriggerSpec{Kind: domain.TriggerInterval, Expression: "15m"}, now.Add(time.Hour))

	fx.pump.tick(now)

	if got := len(fx.submit.submitted()); got != 0 {
		t.Fatalf("submitted %d times, want 0", got)
	}
}

func TestSkipReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{domain.ErrAgentBusy, "in_flight"},
		{domain.ErrConcurrencyLimit, "quota_exceeded"},
		{domain.ErrDailyLimit, "quota_exceeded"},
		{fmt.Errorf("wrapped: %w", domain.ErrValidation), "validation_rejected"},
		{domain.ErrAgentNotRunnable, "agent_not_runnable"},
		{domain.ErrAgentNotFound, "agent_not_runnable"},
		{domain.ErrPermissionDenied, "permission_denied"},
		{errors.New("database on fire"), "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.want+"/"+tt.err.Error(), func(t *testing.T) {
			if got := skipReason(tt.err); got != tt.want {
				t.Fatalf("skipReason(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}
