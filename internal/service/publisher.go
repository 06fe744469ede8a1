// Package service holds the event consumers that sit between the in-process
// bus and the external stores: Redis republishing, Postgres persistence and
// the retention sweep.
package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/alanyoungcy/tabsettle/internal/domain"
)

// EventPublisher republishes bus events on the Redis signal bus: live on a
// Pub/Sub channel for other processes and durably on a stream for replay.
type EventPublisher struct {
	bus     domain.SignalBus
	channel string
	stream  string
	logger  *slog.Logger
}

// NewEventPublisher creates an EventPublisher. An empty stream disables the
// durable copy.
func NewEventPublisher(bus domain.SignalBus, channel, stream string, logger *slog.Logger) *EventPublisher {
	return &EventPublisher{
		bus:     bus,
		channel: channel,
		stream:  stream,
		logger:  logger.With(slog.String("component", "event_publisher")),
	}
}

// Handle publishes ev. Countdown ticks go to Pub/Sub only; they are too
// frequent to be worth keeping.
func (p *EventPublisher) Handle(ctx context.Context, ev domain.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.ErrorContext(ctx, "event_publisher: marshal failed",
			slog.String("kind", string(ev.Kind)),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := p.bus.Publish(ctx, p.channel, payload); err != nil {
		p.logger.WarnContext(ctx, "event_publisher: publish failed",
			slog.String("kind", string(ev.Kind)),
			slog.String("error", err.Error()),
		)
	}
	if p.stream == "" || ev.Kind == domain.EventTabCountdown {
		return
	}
	if err := p.bus.StreamAppend(ctx, p.stream, payload); err != nil {
		p.logger.WarnContext(ctx, "event_publisher: stream append failed",
			slog.String("kind", string(ev.Kind)),
			slog.String("error", err.Error()),
		)
	}
}
