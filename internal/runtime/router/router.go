// Package router owns the ingest queue: a bounded channel fed by sources and
// drained by a single consumer that dispatches each message to exactly one
// processor. Serial consumption is what keeps state mutations ordered.
package router

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/apexloop/race-timing-pipeline/api/timing"
	"github.com/apexloop/race-timing-pipeline/internal/observability/telemetry"
)

// DefaultQueueSize bounds the ingest channel. Timing feeds burst on batch
// boundaries but stay well under this in steady state.
const DefaultQueueSize = 1024

// Handler processes one message and returns the patches it produced.
type Handler func(ctx context.Context, msg timing.TimingMessage) (timing.PatchUpdates, error)

// Router dispatches typed timing messages to registered handlers.
type Router struct {
	eventID  int
	queue    chan timing.TimingMessage
	handlers map[timing.MessageType]Handler
	publish  func(timing.PatchUpdates)
}

// New builds a router. publish receives the non-empty PatchUpdates of each
// handled message, in arrival order.
func New(eventID, queueSize int, publish func(timing.PatchUpdates)) (*Router, error) {
	if eventID <= 0 {
		return nil, fmt.Errorf("event_id must be > 0")
	}
	if queueSize < 1 {
		return nil, fmt.Errorf("queue size must be >= 1, got %d", queueSize)
	}
	return &Router{
		eventID:  eventID,
		queue:    make(chan timing.TimingMessage, queueSize),
		handlers: make(map[timing.MessageType]Handler),
		publish:  publish,
	}, nil
}

// Register binds a handler to a message type. Registration happens at wiring
// time, before Run; later calls would race the consumer.
func (r *Router) Register(msgType timing.MessageType, handler Handler) {
	if handler == nil {
		return
	}
	r.handlers[msgType] = handler
}

// Offer enqueues a message without blocking. A full queue drops the message
// and reports false; sources treat that as backpressure.
func (r *Router) Offer(msg timing.TimingMessage) bool {
	select {
	case r.queue <- msg:
		telemetry.DefaultEmitter().EmitMetric(telemetry.MetricIngestQueueDepth, float64(len(r.queue)), "1", nil, telemetry.Correlation{
			EventID:   r.eventID,
			Component: "router",
		})
		return true
	default:
		telemetry.DefaultEmitter().EmitMetric(telemetry.MetricIngestDropsTotal, 1, "1", map[string]string{
			"message_type": string(msg.Type),
		}, telemetry.Correlation{
			EventID:   r.eventID,
			Component: "router",
		})
		return false
	}
}

// Run consumes the queue until the context is cancelled. Handlers run
// synchronously on this goroutine; one message is fully applied before the
// next is read.
func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-r.queue:
			r.dispatch(ctx, msg)
		}
	}
}

func (r *Router) dispatch(ctx context.Context, msg timing.TimingMessage) {
	log := zerolog.Ctx(ctx)
	handler, ok := r.handlers[msg.Type]
	if !ok {
		log.Debug().Str("message_type", string(msg.Type)).Msg("no handler registered, skipping")
		return
	}
	updates, err := handler(ctx, msg)
	if err != nil {
		log.Error().Err(err).Str("message_type", string(msg.Type)).Msg("handler failed")
		return
	}
	if updates.IsEmpty() || r.publish == nil {
		return
	}
	r.publish(updates)
}

// QueueDepth reports buffered messages, for diagnostics.
func (r *Router) QueueDepth() int {
	return len(r.queue)
}
