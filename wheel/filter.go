package wheel

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Recoverable processing errors. Process reports them alongside a still-valid
// outcome; callers log and continue.
var (
	// ErrNonMonotonicTime means the event timestamp precedes the previous
	// event's timestamp. Elapsed time is treated as zero for that call.
	ErrNonMonotonicTime = errors.New("timestamp precedes last event")

	// ErrSaturated means the accumulator hit its safe bound and was clamped.
	ErrSaturated = errors.New("position accumulator saturated")
)

// positionLimit bounds the dead-reckoned position, in clicks. Far beyond any
// physical spin, small enough that float64 stays exact to a tiny fraction of
// a click.
const positionLimit = 1e6

// Default overscroll tuning, applied by New when a field is left zero with
// overscroll enabled.
const (
	DefaultPredictionGain = 0.35 // clicks borrowed per (click/s of deceleration x second)
	DefaultStoppingSpeed  = 3.0  // clicks/s; at or below this, payback begins
	DefaultDecayRate      = 30.0 // clicks/s bound on payback
	DefaultMaxPending     = 12.0 // clicks; cap on outstanding borrowed motion
)

// State identifies where the filter is in its activation cycle.
type State int

const (
	// StateIdle suppresses everything; motion only accumulates.
	StateIdle State = iota

	// StateActive forwards events; the accumulated magnitude crossed the
	// threshold.
	StateActive

	// StateCompensating forwards reduced or zero deltas while borrowed
	// overscroll is paid back.
	StateCompensating
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateCompensating:
		return "compensating"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Decision is the per-event verdict.
type Decision int

const (
	// Suppress absorbs the event into the accumulator; nothing reaches the
	// sink.
	Suppress Decision = iota

	// Forward passes the event on, possibly with an adjusted delta.
	Forward
)

func (d Decision) String() string {
	if d == Forward {
		return "forward"
	}
	return "suppress"
}

// Outcome is the result of processing one raw event.
type Outcome struct {
	Decision Decision

	// Delta is the value to emit on Forward, in device units. It equals the
	// raw delta except under overscroll compensation. Undefined on Suppress.
	Delta int32
}

// OverscrollConfig tunes the optional prediction/payback mode.
type OverscrollConfig struct {
	Enabled bool

	PredictionGain float64 // clicks borrowed per (click/s of deceleration x second)
	StoppingSpeed  float64 // clicks/s at or below which payback begins
	DecayRate      float64 // clicks/s bound on payback and forgiveness
	MaxPending     float64 // clicks; cap on outstanding borrowed motion
}

// Config contains the tunable parameters for one filter instance. The value
// is immutable once passed to New.
type Config struct {
	// Threshold is the accumulated magnitude, in clicks, required to start
	// forwarding. Must be positive.
	Threshold float64

	// OffThreshold is the magnitude at or below which the filter deactivates.
	// Must lie in [0, Threshold]. Equal to Threshold gives single-threshold
	// behavior with no hysteresis band.
	OffThreshold float64

	// RecenterSpeed is the rate, in clicks/s, at which the position bleeds
	// back toward zero. Zero disables recentering.
	RecenterSpeed float64

	// UnitsPerClick converts raw device units to clicks: 1 for classic wheel
	// events, 120 for hi-res. Defaults to 1.
	UnitsPerClick float64

	Overscroll OverscrollConfig
}

// Snapshot is a read-only view of filter state for logs and monitoring.
type Snapshot struct {
	State       State
	Position    float64 // clicks
	Pending     float64 // clicks of unpaid overscroll
	LastEventAt time.Time
}

// Filter accumulates raw wheel motion for one axis and gates emission on the
// accumulated magnitude.
//
// Not safe for concurrent use; the caller serializes calls per instance.
type Filter struct {
	cfg Config

	position    float64   // clicks, dead-reckoned
	lastEventAt time.Time // zero until the first event
	active      bool

	// Overscroll bookkeeping.
	pending      float64 // clicks borrowed ahead of real motion
	compensating bool    // payback underway
	lastSpeed    float64 // clicks/s estimate from the previous event
	emitCarry    float64 // device units lost to rounding, |carry| < 1
}

// New validates cfg, fills defaults, and returns a filter in StateIdle with a
// zeroed accumulator.
func New(cfg Config) (*Filter, error) {
	if cfg.UnitsPerClick == 0 {
		cfg.UnitsPerClick = 1
	}
	if cfg.Threshold <= 0 {
		return nil, fmt.Errorf("threshold must be positive, got %g", cfg.Threshold)
	}
	if cfg.OffThreshold < 0 || cfg.OffThreshold > cfg.Threshold {
		return nil, fmt.Errorf("off threshold must be within [0, threshold], got %g", cfg.OffThreshold)
	}
	if cfg.RecenterSpeed < 0 {
		return nil, fmt.Errorf("recenter speed must not be negative, got %g", cfg.RecenterSpeed)
	}
	if cfg.UnitsPerClick < 0 {
		return nil, fmt.Errorf("units per click must be positive, got %g", cfg.UnitsPerClick)
	}

	if cfg.Overscroll.Enabled {
		if cfg.Overscroll.PredictionGain == 0 {
			cfg.Overscroll.PredictionGain = DefaultPredictionGain
		}
		if cfg.Overscroll.StoppingSpeed == 0 {
			cfg.Overscroll.StoppingSpeed = DefaultStoppingSpeed
		}
		if cfg.Overscroll.DecayRate == 0 {
			cfg.Overscroll.DecayRate = DefaultDecayRate
		}
		if cfg.Overscroll.MaxPending == 0 {
			cfg.Overscroll.MaxPending = DefaultMaxPending
		}
		if cfg.Overscroll.PredictionGain < 0 || cfg.Overscroll.StoppingSpeed < 0 ||
			cfg.Overscroll.DecayRate < 0 || cfg.Overscroll.MaxPending < 0 {
			return nil, errors.New("overscroll parameters must not be negative")
		}
	}

	return &Filter{cfg: cfg}, nil
}

// Process runs one raw event through the filter and returns the emission
// verdict. rawDelta is in device units (positive and negative are the two
// scroll directions, zero is a no-op that still advances time). at must be
// non-decreasing across calls.
//
// The returned error is nil, ErrNonMonotonicTime, ErrSaturated, or both
// joined; the outcome is valid in every case.
func (f *Filter) Process(rawDelta int32, at time.Time) (Outcome, error) {
	var procErr error

	// Elapsed time since the previous event. The first event ever has no
	// predecessor, so dt stays zero. A timestamp running backward is a caller
	// error; clamp dt to zero but still adopt the new timestamp.
	dt := 0.0
	if !f.lastEventAt.IsZero() {
		dt = at.Sub(f.lastEventAt).Seconds()
		if dt < 0 {
			dt = 0
			procErr = ErrNonMonotonicTime
		}
	}
	f.lastEventAt = at

	// Dead reckoning: integrate the delta, saturating at the safe bound.
	clicks := float64(rawDelta) / f.cfg.UnitsPerClick
	f.position += clicks
	if f.position > positionLimit {
		f.position = positionLimit
		procErr = errors.Join(procErr, ErrSaturated)
	} else if f.position < -positionLimit {
		f.position = -positionLimit
		procErr = errors.Join(procErr, ErrSaturated)
	}

	// Instantaneous speed estimate. Events sharing a timestamp carry no new
	// timing information, so the previous estimate stands.
	speed := f.lastSpeed
	if dt > 0 {
		speed = math.Abs(clicks) / dt
	}

	// Threshold test before the emission decision, so the event that crosses
	// the threshold is itself forwarded.
	if math.Abs(f.position) >= f.cfg.Threshold {
		f.active = true
	}

	out := Outcome{Decision: Suppress}
	if f.active {
		out.Decision = Forward
		out.Delta = rawDelta
		if f.cfg.Overscroll.Enabled {
			out.Delta = f.compensate(rawDelta, clicks, speed, dt)
		}
	}

	// Recentering runs in every state so the accumulator relaxes once the
	// wheel stops instead of latching at the threshold. Bounded so it never
	// overshoots past zero.
	if dt > 0 && f.cfg.RecenterSpeed > 0 && f.position != 0 {
		recenter := f.cfg.RecenterSpeed * dt
		if recenter > math.Abs(f.position) {
			recenter = math.Abs(f.position)
		}
		f.position -= math.Copysign(recenter, f.position)
	}

	// Deactivate once back inside the off band. Any unresolved compensation
	// dies with the episode.
	if f.active && math.Abs(f.position) <= f.cfg.OffThreshold {
		f.active = false
		f.pending = 0
		f.compensating = false
		f.emitCarry = 0
	}

	if dt > 0 {
		f.lastSpeed = speed
	}

	return out, procErr
}

// compensate applies the overscroll extension to an event that is being
// forwarded: borrow extra motion while the wheel decelerates, pay it back
// once the wheel is stopping. Never flips the sign of the emitted delta.
func (f *Filter) compensate(rawDelta int32, clicks, speed, dt float64) int32 {
	oc := f.cfg.Overscroll

	// Motion against the borrowed direction ends the episode outright rather
	// than eating into a gesture the user just reversed.
	if f.pending != 0 && clicks != 0 && (clicks > 0) != (f.pending > 0) {
		f.pending = 0
		f.compensating = false
		f.emitCarry = 0
	}

	switch {
	case f.pending != 0 && speed <= oc.StoppingSpeed:
		// Payback: withhold same-sign input, bounded per unit time. Whatever
		// the rate allows beyond the incoming motion is forgiven, so pending
		// always reaches exactly zero and never crosses it.
		payback := oc.DecayRate * dt
		if payback > math.Abs(f.pending) {
			payback = math.Abs(f.pending)
		}
		eat := payback
		if eat > math.Abs(clicks) {
			eat = math.Abs(clicks)
		}
		emitClicks := clicks
		if clicks != 0 {
			emitClicks -= math.Copysign(eat, clicks)
		}
		f.pending -= math.Copysign(payback, f.pending)
		f.compensating = f.pending != 0
		return f.toDeviceUnits(emitClicks, rawDelta)

	case dt > 0 && clicks != 0 && speed > oc.StoppingSpeed && speed < f.lastSpeed:
		// Decelerating mid-gesture: borrow a little extra in the direction of
		// travel, capped so the outstanding debt stays bounded.
		boost := oc.PredictionGain * (f.lastSpeed - speed) * dt
		room := oc.MaxPending - math.Abs(f.pending)
		if room < 0 {
			room = 0
		}
		if boost > room {
			boost = room
		}
		f.pending += math.Copysign(boost, clicks)
		return f.toDeviceUnits(clicks+math.Copysign(boost, clicks), rawDelta)

	default:
		return rawDelta
	}
}

// toDeviceUnits converts a compensated click amount to integer device units,
// carrying the rounding remainder so no motion is lost, and guarding against
// sign inversion relative to the raw input.
func (f *Filter) toDeviceUnits(emitClicks float64, rawDelta int32) int32 {
	units := emitClicks*f.cfg.UnitsPerClick + f.emitCarry
	emit := math.Trunc(units)
	if (rawDelta > 0 && emit < 0) || (rawDelta < 0 && emit > 0) {
		emit = 0
	}
	f.emitCarry = units - emit
	return int32(emit)
}

// State reports the current activation state.
func (f *Filter) State() State {
	switch {
	case f.active && f.compensating:
		return StateCompensating
	case f.active:
		return StateActive
	default:
		return StateIdle
	}
}

// Position reports the dead-reckoned accumulator in clicks.
func (f *Filter) Position() float64 { return f.position }

// Pending reports the outstanding borrowed overscroll in clicks.
func (f *Filter) Pending() float64 { return f.pending }

// Snapshot returns a read-only view of the filter state.
func (f *Filter) Snapshot() Snapshot {
	return Snapshot{
		State:       f.State(),
		Position:    f.position,
		Pending:     f.pending,
		LastEventAt: f.lastEventAt,
	}
}

// Settled reports whether the filter has nothing left to relax: idle, origin
// reached, no debt outstanding. Callers use it to decide whether to keep
// feeding zero deltas while the device is quiet.
func (f *Filter) Settled() bool {
	return !f.active && f.position == 0 && f.pending == 0
}

// Reset returns the filter to its initial state: idle, zeroed accumulator,
// no pending compensation, no event history.
func (f *Filter) Reset() {
	f.position = 0
	f.lastEventAt = time.Time{}
	f.active = false
	f.pending = 0
	f.compensating = false
	f.lastSpeed = 0
	f.emitCarry = 0
}
