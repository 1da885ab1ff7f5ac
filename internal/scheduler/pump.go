package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"agent-engine/internal/domain"
	"agent-engine/internal/monitor"
	"agent-engine/internal/notify"
)

const (
	dueBatchSize    = 256
	pumpTickTimeout = 30 * time.Second
)

// Pump scans for due schedules on a fixed tick and submits them. A due
// schedule either fires or produces a distinct skip event; it is never
// silently dropped, and its next occurrence always advances (no backfill).
type Pump struct {
	store    Store
	submit   Submitter
	flights  *Flights
	events   *notify.Dispatcher
	metrics  *monitor.Metrics
	interval time.Duration
}

// NewPump creates a pump ticking at the given interval.
func NewPump(st Store, submit Submitter, flights *Flights, events *notify.Dispatcher, metrics *monitor.Metrics, interval time.Duration) *Pump {
	return &Pump{
		store:    st,
		submit:   submit,
		flights:  flights,
		events:   events,
		metrics:  metrics,
		interval: interval,
	}
}

// Start launches the pump loop and returns a stop function.
func (p *Pump) Start() func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.tick(time.Now().UTC())
			case <-done:
				return
			}
		}
	}()
	log.Info().Dur("interval", p.interval).Msg("schedule pump started")
	return sync.OnceFunc(func() { close(done) })
}

// tick processes one batch of due schedules.
func (p *Pump) tick(now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), pumpTickTimeout)
	defer cancel()

	due, err := p.store.DueSchedules(ctx, now, dueBatchSize)
	if err != nil {
		log.Error().Err(err).Msg("scanning due schedules")
		return
	}

	for _, schedule := range due {
		p.fire(ctx, schedule, now)
	}
}

func (p *Pump) fire(ctx context.Context, schedule *domain.Schedule, now time.Time) {
	// Cheap precheck; the engine rechecks under the flight lock at admission.
	if _, inFlight := p.flights.InFlight(schedule.AgentID); inFlight {
		p.skip(ctx, schedule, now, "in_flight")
		return
	}

	execID, err := p.submit.SubmitExecution(ctx, schedule.OwnerID, schedule.AgentID, domain.TriggerScheduled, nil)
	if err != nil {
		p.skip(ctx, schedule, now, skipReason(err))
		return
	}

	p.metrics.ScheduleFires.Inc()
	log.Info().
		Str("agent_id", schedule.AgentID).
		Str("exec_id", execID).
		Msg("schedule fired")
	p.advance(ctx, schedule, now)
}

func (p *Pump) skip(ctx context.Context, schedule *domain.Schedule, now time.Time, reason string) {
	p.metrics.ScheduleSkips.WithLabelValues(reason).Inc()
	p.events.Publish(notify.ScheduleSkipped(schedule.AgentID, schedule.OwnerID, reason))
	log.Warn().
		Str("agent_id", schedule.AgentID).
		Str("schedule_id", schedule.ID).
		Str("reason", reason).
		Msg("skipping due schedule")
	p.advance(ctx, schedule, now)
}

// advance moves next_run_at to the next future occurrence, computed from
// now rather than the missed time. A trigger with no further occurrence
// disables the schedule, so a once trigger fires at most its single shot.
func (p *Pump) advance(ctx context.Context, schedule *domain.Schedule, now time.Time) {
	trig, err := ParseTrigger(schedule.Trigger)
	if err != nil {
		// A stored spec that no longer parses would otherwise stay due
		// forever. Disable it.
		log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("stored trigger no longer parses, disabling")
		schedule.Enabled = false
		schedule.UpdatedAt = now
		if err := p.store.UpdateSchedule(ctx, schedule); err != nil {
			log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("disabling schedule")
		}
		return
	}

	schedule.NextRunAt = trig.Next(now)
	if schedule.NextRunAt.IsZero() {
		schedule.Enabled = false
	}
	schedule.UpdatedAt = now
	if err := p.store.UpdateSchedule(ctx, schedule); err != nil {
		log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("advancing schedule")
	}
}

func skipReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrAgentBusy):
		return "in_flight"
	case errors.Is(err, domain.ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, domain.ErrValidation):
		return "validation_rejected"
	case errors.Is(err, domain.ErrAgentNotRunnable), errors.Is(err, domain.ErrAgentNotFound):
		return "agent_not_runnable"
	case errors.Is(err, domain.ErrPermissionDenied):
		return "permission_denied"
	default:
		return "internal"
	}
}
