// Copyright 2025 Conclave
// SPDX-License-Identifier: Apache-2.0

package deliberation

import "encoding/json"

// EventType tags one progress event in a deliberation run.
type EventType string

const (
	EventStage1Start    EventType = "stage1_start"
	EventStage1Complete EventType = "stage1_complete"
	EventStage2Start    EventType = "stage2_start"
	EventStage2Complete EventType = "stage2_complete"
	EventStage3Start    EventType = "stage3_start"
	EventStage3Complete EventType = "stage3_complete"
	EventTitleComplete  EventType = "title_complete"
	EventPaused         EventType = "paused"
	EventComplete       EventType = "complete"
	EventError          EventType = "error"
)

// Event is one entry in the ordered, append-only progress sequence of a run.
// An event is emitted only after its stage data is fully assembled, never
// with partial results. Exactly one terminal event ends every run.
type Event struct {
	Type     EventType   `json:"type"`
	Data     interface{} `json:"data,omitempty"`
	Metadata *Metadata   `json:"metadata,omitempty"`
	Stage    PausedStage `json:"stage,omitempty"`
	Message  string      `json:"message,omitempty"`
}

// Terminal reports whether the event ends a run.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventComplete, EventPaused, EventError:
		return true
	}
	return false
}

// Encode renders the event as a single JSON line, the unit the streaming
// transport writes per event.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// EventSink consumes progress events in order. A nil sink is valid and
// discards events. Sink errors abort streaming but not the run itself; the
// persisted turn remains the durable source of truth.
type EventSink func(Event) error

func (s EventSink) emit(ev Event) {
	if s == nil {
		return
	}
	_ = s(ev)
}

// EventRecorder is an EventSink that appends to memory, used by tests and by
// the synchronous request path to collect a run's full event sequence.
type EventRecorder struct {
	Events []Event
}

// Sink returns the recording sink.
func (r *EventRecorder) Sink() EventSink {
	return func(ev Event) error {
		r.Events = append(r.Events, ev)
		return nil
	}
}
