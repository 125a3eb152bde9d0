package main

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Events - Reducer Inputs
// ============================================================================
// Events are the only inputs to the reducer: raw device traffic, time ticks,
// control actions (IPC/ctl), snapshot requests, and effect failures fed back
// by the daemon loop.
// ============================================================================

// Event is the input to the reducer.
type Event interface {
	eventMarker()
}

// Action is a marker for control events that can arrive over the wire
// (IPC socket, command-line tool). Actions also implement Event so they can
// be reduced directly; the daemon loop wraps them in TimedEvent to stamp
// arrival time.
type Action interface {
	eventMarker()
}

// TimedEvent wraps an Action with its arrival time (wall clock; used only
// for broadcast timestamps, never for filter timing).
type TimedEvent struct {
	Event Event
	At    time.Time
}

func (TimedEvent) eventMarker() {}

// Tick is emitted by the daemon loop at a fixed cadence. Now is on the
// monotonic clock, the same clock device events are stamped with, so the
// reducer can feed it to filters as elapsed quiet time.
type Tick struct {
	Now time.Time
}

func (Tick) eventMarker() {}

// DeviceInput is one raw event read from an input device. It carries its
// own kernel timestamp, so the daemon loop does not wrap it in TimedEvent.
type DeviceInput struct {
	Dev int
	Ev  inputEvent
}

func (DeviceInput) eventMarker() {}

// EmitFailed reports that executing a Command failed (sink write error).
type EmitFailed struct {
	Command Command
	Err     error
	At      time.Time
}

func (EmitFailed) eventMarker() {}

// RequestStateSnapshot asks the reducer for a coherent state snapshot,
// delivered through Reply by the effects stage. Reply must be buffered;
// delivery is non-blocking and drops if the requester went away.
type RequestStateSnapshot struct {
	Reply chan StateSnapshot
}

func (RequestStateSnapshot) eventMarker() {}

// ============================================================================
// Control Actions
// ============================================================================

// FilterPause suspends filtering: wheel events pass through raw and all
// per-stream accumulators are cleared.
type FilterPause struct{}

func (FilterPause) eventMarker() {}

// FilterResume re-enables filtering after a pause.
type FilterResume struct{}

func (FilterResume) eventMarker() {}

// FilterReset clears every stream's accumulator without changing whether
// filtering is enabled.
type FilterReset struct{}

func (FilterReset) eventMarker() {}

// ============================================================================
// Wire Format
// ============================================================================
// Actions cross the IPC socket as JSON envelopes; a type discriminator
// stands in for the union type Go doesn't have.
// ============================================================================

// ActionEnvelope wraps an action with a type discriminator for JSON
// marshaling.
type ActionEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// UnmarshalAction deserializes a JSON action envelope into a concrete Action.
func UnmarshalAction(data []byte) (Action, error) {
	var env ActionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch env.Type {
	case "pause":
		return FilterPause{}, nil
	case "resume":
		return FilterResume{}, nil
	case "reset":
		return FilterReset{}, nil
	default:
		return nil, fmt.Errorf("unknown action type: %q", env.Type)
	}
}

// MarshalAction serializes an Action into a JSON envelope with type
// discriminator.
func MarshalAction(a Action) ([]byte, error) {
	var env ActionEnvelope

	switch a.(type) {
	case FilterPause:
		env.Type = "pause"
	case FilterResume:
		env.Type = "resume"
	case FilterReset:
		env.Type = "reset"
	default:
		return nil, fmt.Errorf("unsupported action type: %T", a)
	}

	return json.Marshal(env)
}
