package core

import (
	"context"
	"sync"
	"time"
)

// EventType classifies events emitted by the core
type EventType string

const (
	EventSignal             EventType = "signal"
	EventScan               EventType = "scan" // one per cycle, carries every accepted signal
	EventPositionOpened     EventType = "position_opened"
	EventPositionClosed     EventType = "position_closed"
	EventLegFailed          EventType = "leg_failed"
	EventLegRisk            EventType = "leg_risk"
	EventLegRiskResolved    EventType = "leg_risk_resolved"
	EventAutoClose          EventType = "auto_close"
	EventLedgerInconsistent EventType = "ledger_inconsistent"
	EventReconcileMismatch  EventType = "reconcile_mismatch"
	EventCycleFailed        EventType = "cycle_failed"
)

// EventLevel is the severity attached to an event
type EventLevel string

const (
	LevelInfo     EventLevel = "INFO"
	LevelWarning  EventLevel = "WARNING"
	LevelError    EventLevel = "ERROR"
	LevelCritical EventLevel = "CRITICAL"
)

// Event is a structured record of something an operator may need to see
type Event struct {
	Type     EventType
	Level    EventLevel
	Symbol   string
	Venue    string
	Side     Side
	Message  string
	Err      error
	Signal   *Signal
	Signals  []*Signal
	Position *Position
	Fields   map[string]string
	At       time.Time
}

// FanoutSink publishes every event to all registered sinks
type FanoutSink struct {
	mu    sync.RWMutex
	sinks []IEventSink
}

func NewFanoutSink(sinks ...IEventSink) *FanoutSink {
	return &FanoutSink{sinks: sinks}
}

func (f *FanoutSink) Add(s IEventSink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, s)
}

func (f *FanoutSink) Publish(ctx context.Context, ev *Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.sinks {
		s.Publish(ctx, ev)
	}
}

// NopSink drops events
type NopSink struct{}

func (NopSink) Publish(context.Context, *Event) {}
