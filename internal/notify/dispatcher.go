package notify

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"agent-engine/internal/monitor"
)

// Dispatcher fans events out to a sink from a bounded buffer. Publishing
// never blocks: when the buffer is full the event is dropped with a warning.
type Dispatcher struct {
	sink    Sink
	metrics *monitor.Metrics
	ch      chan Event
	wg      sync.WaitGroup
	done    chan struct{}
}

// NewDispatcher creates a dispatcher in front of sink. Call Start to begin
// delivery.
func NewDispatcher(sink Sink, bufferSize int, metrics *monitor.Metrics) *Dispatcher {
	if bufferSize < 1 {
		bufferSize = 1024
	}
	return &Dispatcher{
		sink:    sink,
		metrics: metrics,
		ch:      make(chan Event, bufferSize),
		done:    make(chan struct{}),
	}
}

// Start launches the delivery goroutine.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.processLoop()
}

// Publish queues the event for delivery.
func (d *Dispatcher) Publish(event Event) {
	select {
	case d.ch <- event:
		d.metrics.NotifyEvents.WithLabelValues(string(event.Type)).Inc()
	default:
		d.metrics.NotifyDropped.Inc()
		log.Warn().
			Str("type", string(event.Type)).
			Str("agent_id", event.AgentID).
			Msg("notify buffer full, dropping event")
	}
}

// Flush stops intake, drains buffered events, and waits up to timeout.
func (d *Dispatcher) Flush(timeout time.Duration) {
	close(d.done)

	doneCh := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("notify dispatcher flushed")
	case <-time.After(timeout):
		log.Warn().Msg("notify dispatcher flush timed out")
	}
}

func (d *Dispatcher) processLoop() {
	defer d.wg.Done()

	for {
		select {
		case event := <-d.ch:
			d.emitWithRetry(event)
		case <-d.done:
			// Drain remaining events
			for {
				select {
				case event := <-d.ch:
					d.emitWithRetry(event)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) emitWithRetry(event Event) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := d.sink.Emit(ctx, event)
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			log.Warn().
				Err(err).
				Str("type", string(event.Type)).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("notify delivery failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("type", string(event.Type)).
				Str("agent_id", event.AgentID).
				Msg("notify delivery failed permanently after retries")
		}
	}
}
