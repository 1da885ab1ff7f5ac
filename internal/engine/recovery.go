package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"agent-engine/internal/domain"
	"agent-engine/internal/notify"
)

// Recover finalizes executions left in pending or running by a previous
// process. Permits are process-local, so quota state needs no repair; only
// the records and their missing finished events do. Call before Start so
// workers cannot race the sweep.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	stuck, err := e.store.UnfinishedExecutions(ctx)
	if err != nil {
		return 0, fmt.Errorf("scanning unfinished executions: %w", err)
	}

	recovered := 0
	for _, exec := range stuck {
		_ = exec.Transition(domain.ExecFailed)
		exec.Failure = &domain.Failure{
			Kind:    domain.FailureInterrupted,
			Message: "engine restarted while execution was in flight",
		}
		if err := e.store.UpdateExecution(ctx, exec); err != nil {
			log.Error().Err(err).Str("exec_id", exec.ID).Msg("recovering interrupted execution")
			continue
		}

		agentType := "unknown"
		if agent, aerr := e.store.GetAgent(ctx, exec.AgentID); aerr == nil {
			agentType = string(agent.Type)
		}
		e.metrics.ExecutionsTotal.WithLabelValues(agentType, string(exec.Status)).Inc()
		e.events.Publish(notify.ExecutionFinished(exec))
		recovered++
	}

	if recovered > 0 {
		log.Warn().Int("count", recovered).Msg("recovered interrupted executions")
	}
	return recovered, nil
}
