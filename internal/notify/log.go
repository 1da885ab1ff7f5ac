package notify

import (
	"context"

	"github.com/rs/zerolog/log"
)

// LogSink writes events to the structured log. It is the default sink when
// no NATS URL is configured.
type LogSink struct{}

// Emit logs the event. It never fails.
func (LogSink) Emit(_ context.Context, event Event) error {
	evt := log.Info().
		Str("type", string(event.Type)).
		Str("agent_id", event.AgentID).
		Str("owner_id", event.OwnerID)
	if event.ExecutionID != "" {
		evt = evt.Str("exec_id", event.ExecutionID)
	}
	if event.Status != "" {
		evt = evt.Str("status", event.Status)
	}
	if event.Detail != "" {
		evt = evt.Str("detail", event.Detail)
	}
	evt.Msg("agent event")
	return nil
}
