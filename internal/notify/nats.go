package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"agent-engine/internal/config"
)

// NATSSink publishes events to a JetStream stream, one subject per event
// type under the configured prefix.
type NATSSink struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	prefix string
}

// ConnectNATS establishes a connection and ensures the stream exists.
func ConnectNATS(ctx context.Context, cfg config.NotifyConfig) (*NATSSink, error) {
	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.Stream,
		Subjects: []string{cfg.SubjectPrefix + ".>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	log.Info().Str("url", cfg.NATSURL).Str("stream", cfg.Stream).Msg("nats connected")
	return &NATSSink{nc: nc, js: js, prefix: cfg.SubjectPrefix}, nil
}

// Emit publishes the event as JSON.
func (s *NATSSink) Emit(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	subj := subject(s.prefix, event.Type)
	if _, err := s.js.Publish(ctx, subj, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subj, err)
	}
	return nil
}

// Close shuts down the NATS connection.
func (s *NATSSink) Close() {
	s.nc.Close()
}

func subject(prefix string, t EventType) string {
	return fmt.Sprintf("%s.%s", prefix, t)
}
