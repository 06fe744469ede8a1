package domain

import (
	"context"
	"time"
)

// EventKind names a lifecycle or settlement notification.
type EventKind string

const (
	EventIntentCreated         EventKind = "intent:created"
	EventIntentBid             EventKind = "intent:bid"
	EventIntentClaimed         EventKind = "intent:claimed"
	EventIntentExecuting       EventKind = "intent:executing"
	EventIntentExecuted        EventKind = "intent:executed"
	EventIntentCompleted       EventKind = "intent:completed"
	EventIntentDefaulted       EventKind = "intent:defaulted"
	EventIntentCancelled       EventKind = "intent:cancelled"
	EventIntentGuaranteeFailed EventKind = "intent:guaranteeFailed"
	EventTabUpdated            EventKind = "tab:updated"
	EventTabCountdown          EventKind = "tab:countdown"
	EventTabSettled            EventKind = "tab:settled"
	EventTabSettlementFailed   EventKind = "tab:settlementFailed"
	EventTabCollateralUpdate   EventKind = "tab:collateralUpdate"
)

// Event is an append-only notification. Exactly one of the payload
// pointers is set for entity events; Fields carries the scalar extras
// (counts, reasons, shortfalls).
type Event struct {
	Kind       EventKind      `json:"kind"`
	At         time.Time      `json:"at"`
	Trader     TraderID       `json:"trader,omitempty"`
	Intent     *TradeIntent   `json:"intent,omitempty"`
	Bid        *SolverBid     `json:"bid,omitempty"`
	Tab        *TraderTab     `json:"tab,omitempty"`
	Collateral *Collateral    `json:"collateral,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// EventSink consumes core events. Implementations must not block the
// caller for long and must not call back into the emitter.
type EventSink interface {
	Emit(ctx context.Context, ev Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, ev Event)

// Emit calls f.
func (f EventSinkFunc) Emit(ctx context.Context, ev Event) { f(ctx, ev) }

// NopSink discards every event.
type NopSink struct{}

// Emit does nothing.
func (NopSink) Emit(context.Context, Event) {}
