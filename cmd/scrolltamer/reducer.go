package main

import (
	"errors"
	"time"

	"scrolltamer/wheel"
)

// This file implements the reducer at the center of the daemon:
//
//   - Events: inputs (device traffic, time ticks, control actions, snapshot
//     requests, effect failures)
//   - Commands: side effects requested by the reducer (uinput writes,
//     snapshot deliveries)
//   - Broadcasts: state-change notifications for the WebSocket layer
//   - Reduce(): computes next state + commands + broadcasts, without I/O
//
// The reducer must be pure in the sense that it performs no I/O and never
// blocks. It may mutate the DaemonState it owns; the daemon loop is the
// single owner of that state and is responsible for executing Commands and
// feeding observations back as Events.

// ==============================
// Broadcasts (state notifications)
// ==============================

// StateBroadcast is a reducer-emitted notification that externally visible
// state changed. The ws layer serializes and fans these out.
type StateBroadcast interface {
	broadcastMarker()
}

// BroadcastAxisChanged reports new filter state for one stream. A zero At
// means the ws layer stamps delivery time; filter-internal timing stays on
// the monotonic clock and is never exposed.
type BroadcastAxisChanged struct {
	Device   string
	Axis     string
	HiRes    bool
	State    string
	Position float64
	Pending  float64
	At       time.Time
}

func (BroadcastAxisChanged) broadcastMarker() {}

// BroadcastFilteringChanged reports a pause/resume transition.
type BroadcastFilteringChanged struct {
	Enabled bool
	At      time.Time
}

func (BroadcastFilteringChanged) broadcastMarker() {}

// ==============================
// Reducer input/output
// ==============================

// ReduceResult is the output of Reduce(): next state plus the side effects
// and notifications this event produced.
type ReduceResult struct {
	State      *DaemonState
	Commands   []Command
	Broadcasts []StateBroadcast
}

// Reduce is the pure reducer.
//
// It never performs I/O, never blocks, and touches nothing outside the
// returned state. The daemon loop executes the Commands, turns their
// failures into Events, and routes those back through Reduce.
func Reduce(s *DaemonState, e Event, cfg *Config) ReduceResult {
	if s == nil {
		s = NewDaemonState()
	}

	var cmds []Command
	var bcasts []StateBroadcast

	switch ev := e.(type) {
	case DeviceInput:
		cmds, bcasts = reduceDeviceInput(s, ev, cfg)

	case Tick:
		bcasts = reduceTick(s, ev, cfg)

	case TimedEvent:
		bcasts = reduceAction(s, ev.Event, ev.At, cfg)

	case FilterPause, FilterResume, FilterReset:
		// Actions reduced directly (without a TimedEvent wrapper) still work;
		// broadcast stamps fall back to delivery time downstream.
		bcasts = reduceAction(s, e, time.Time{}, cfg)

	case RequestStateSnapshot:
		if ev.Reply != nil {
			cmds = append(cmds, CmdPublishStateSnapshot{
				Reply:    ev.Reply,
				Snapshot: buildStateSnapshot(s, cfg),
			})
		}

	case EmitFailed:
		s.Counters.EmitErrors++

	default:
		// Unrecognized events reduce to nothing.
	}

	return ReduceResult{
		State:      s,
		Commands:   cmds,
		Broadcasts: bcasts,
	}
}

// reduceDeviceInput routes one raw device event. Wheel events on enabled
// streams go through their filter; everything else is relayed untouched so
// frames stay intact (SYN_REPORT markers, X/Y motion, buttons).
func reduceDeviceInput(s *DaemonState, ev DeviceInput, cfg *Config) ([]Command, []StateBroadcast) {
	var (
		axis    wheelAxis
		hiRes   bool
		isWheel bool
	)
	if ev.Ev.Type == EV_REL {
		axis, hiRes, isWheel = classifyWheel(ev.Ev.Code)
	}

	if !isWheel || !s.Enabled {
		s.Counters.Passthrough++
		return []Command{CmdEmitInput{Ev: ev.Ev}}, nil
	}

	key := streamKey{Dev: ev.Dev, Axis: axis, HiRes: hiRes}
	f, ok := s.stream(key, cfg)
	if !ok {
		s.Counters.Passthrough++
		return []Command{CmdEmitInput{Ev: ev.Ev}}, nil
	}

	out, err := f.Process(ev.Ev.Value, ev.Ev.Time())
	if err != nil {
		if errors.Is(err, wheel.ErrNonMonotonicTime) {
			s.Counters.ClockErrors++
		}
		if errors.Is(err, wheel.ErrSaturated) {
			s.Counters.Saturations++
		}
	}

	var cmds []Command
	if out.Decision == wheel.Forward {
		s.Counters.Forwarded++
		if out.Delta != ev.Ev.Value {
			s.Counters.Adjusted++
		}
		if out.Delta != 0 {
			fwd := ev.Ev
			fwd.Value = out.Delta
			cmds = append(cmds, CmdEmitInput{Ev: fwd})
		}
	} else {
		s.Counters.Suppressed++
	}

	return cmds, []StateBroadcast{streamBroadcast(cfg, key, f)}
}

// reduceTick relaxes quiet streams by feeding them zero deltas, so an axis
// that went silent still decays back to idle (and pays down overscroll debt)
// instead of latching until the next physical click.
//
// The settle delay keeps ticks out of streams that saw recent traffic: a
// zero delta in the middle of a gesture would corrupt the speed estimate the
// overscroll extension relies on.
func reduceTick(s *DaemonState, ev Tick, cfg *Config) []StateBroadcast {
	if !s.Enabled {
		return nil
	}

	settle := time.Duration(cfg.Daemon.SettleMS) * time.Millisecond

	var bcasts []StateBroadcast
	for key, f := range s.Streams {
		if f.Settled() {
			continue
		}
		snap := f.Snapshot()
		if !snap.LastEventAt.IsZero() && ev.Now.Sub(snap.LastEventAt) < settle {
			continue
		}
		// Zero delta advances filter time without adding motion. Errors can
		// only be clock-related here and mean the tick clock regressed.
		if _, err := f.Process(0, ev.Now); err != nil {
			if errors.Is(err, wheel.ErrNonMonotonicTime) {
				s.Counters.ClockErrors++
			}
		}
		bcasts = append(bcasts, streamBroadcast(cfg, key, f))
	}
	return bcasts
}

// reduceAction applies a control action.
func reduceAction(s *DaemonState, e Event, at time.Time, cfg *Config) []StateBroadcast {
	var bcasts []StateBroadcast

	switch e.(type) {
	case FilterPause:
		if !s.Enabled {
			return nil
		}
		s.Enabled = false
		// Deactivating with state held would resume against stale history.
		s.resetStreams()
		bcasts = append(bcasts, BroadcastFilteringChanged{Enabled: false, At: at})
		bcasts = appendStreamBroadcasts(bcasts, s, cfg)

	case FilterResume:
		if s.Enabled {
			return nil
		}
		s.Enabled = true
		bcasts = append(bcasts, BroadcastFilteringChanged{Enabled: true, At: at})

	case FilterReset:
		s.resetStreams()
		bcasts = appendStreamBroadcasts(bcasts, s, cfg)

	default:
		// no-op
	}

	return bcasts
}

func streamBroadcast(cfg *Config, key streamKey, f *wheel.Filter) BroadcastAxisChanged {
	snap := f.Snapshot()
	return BroadcastAxisChanged{
		Device:   deviceLabel(cfg, key.Dev),
		Axis:     string(key.Axis),
		HiRes:    key.HiRes,
		State:    snap.State.String(),
		Position: snap.Position,
		Pending:  snap.Pending,
	}
}

func appendStreamBroadcasts(bcasts []StateBroadcast, s *DaemonState, cfg *Config) []StateBroadcast {
	for key, f := range s.Streams {
		bcasts = append(bcasts, streamBroadcast(cfg, key, f))
	}
	return bcasts
}
