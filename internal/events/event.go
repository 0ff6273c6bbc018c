// Package events delivers orchestrator progress events to observers. Every
// sink is fire-and-forget: Send never reports an error and never blocks the
// state machine on a slow consumer.
package events

import "time"

// Event is one state transition of an analysis run.
type Event struct {
	RunID         string    `json:"run_id"`
	Seq           int       `json:"seq"`
	Time          time.Time `json:"time"`
	Stage         string    `json:"stage"`
	AttemptIndex  int       `json:"attempt_index"`
	MaxAttempts   int       `json:"max_attempts"`
	StatusMessage string    `json:"status_message"`
	IsRetry       bool      `json:"is_retry"`
}

type Sink interface {
	Send(ev Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Event)

func (f SinkFunc) Send(ev Event) { f(ev) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Multi fans one event out to several sinks in order.
type Multi []Sink

func (m Multi) Send(ev Event) {
	for _, s := range m {
		if s != nil {
			s.Send(ev)
		}
	}
}
