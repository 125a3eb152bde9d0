package main

import (
	"fmt"
	"sort"

	"scrolltamer/wheel"
)

// DaemonState holds everything the reducer mutates.
//
// All filter state lives here so the reducer owns it exclusively: the daemon
// goroutine is the single owner, and nothing outside the reduce/effects cycle
// ever touches it. Other goroutines see state only through snapshots.
type DaemonState struct {
	// Enabled gates filtering. When false (paused), wheel events pass
	// through raw like every other event.
	Enabled bool

	// Streams holds one filter per (device, axis, resolution) event stream.
	// Classic and hi-res wheel codes each fully describe the motion, so they
	// get independent accumulators; sharing one would double-count detents.
	Streams map[streamKey]*wheel.Filter

	// Counters accumulate over the daemon's lifetime.
	Counters Counters
}

// streamKey identifies one scroll event stream.
type streamKey struct {
	Dev   int
	Axis  wheelAxis
	HiRes bool
}

func (k streamKey) String() string {
	if k.HiRes {
		return fmt.Sprintf("dev%d/%s/hi-res", k.Dev, k.Axis)
	}
	return fmt.Sprintf("dev%d/%s", k.Dev, k.Axis)
}

// Counters are the daemon's lifetime event tallies.
type Counters struct {
	Forwarded   uint64 `json:"forwarded"`    // wheel events forwarded to the sink
	Suppressed  uint64 `json:"suppressed"`   // wheel events swallowed below threshold
	Adjusted    uint64 `json:"adjusted"`     // forwarded with a delta differing from raw
	Passthrough uint64 `json:"passthrough"`  // non-wheel events relayed unmodified
	ClockErrors uint64 `json:"clock_errors"` // events with timestamps running backward
	Saturations uint64 `json:"saturations"`  // accumulator clamps at the safe bound
	EmitErrors  uint64 `json:"emit_errors"`  // sink write failures
}

// NewDaemonState returns a state container with filtering enabled and no
// streams yet; filters are created lazily as traffic arrives.
func NewDaemonState() *DaemonState {
	return &DaemonState{
		Enabled: true,
		Streams: make(map[streamKey]*wheel.Filter),
	}
}

// stream returns the filter for a key, creating it on first use. Returns
// false only if the filter config is invalid, which startup validation rules
// out; callers fall back to passthrough in that case.
func (s *DaemonState) stream(key streamKey, cfg *Config) (*wheel.Filter, bool) {
	if f, ok := s.Streams[key]; ok {
		return f, true
	}
	f, err := wheel.New(cfg.ToWheelConfig(wheelUnitsPerClick(key.HiRes)))
	if err != nil {
		return nil, false
	}
	s.Streams[key] = f
	return f, true
}

// resetStreams clears every filter's accumulator and event history.
func (s *DaemonState) resetStreams() {
	for _, f := range s.Streams {
		f.Reset()
	}
}

// ============================================================================
// Snapshots
// ============================================================================

// StreamSnapshot is the externally visible state of one stream.
type StreamSnapshot struct {
	Device   string  `json:"device"`
	Axis     string  `json:"axis"`
	HiRes    bool    `json:"hi_res"`
	State    string  `json:"state"`
	Position float64 `json:"position"`
	Pending  float64 `json:"pending"`
}

// StateSnapshot is a coherent copy of daemon state, safe to hand to other
// goroutines.
type StateSnapshot struct {
	Enabled  bool             `json:"enabled"`
	Streams  []StreamSnapshot `json:"streams"`
	Counters Counters         `json:"counters"`
}

// buildStateSnapshot copies the daemon state into a snapshot with streams in
// a stable order.
func buildStateSnapshot(s *DaemonState, cfg *Config) StateSnapshot {
	snap := StateSnapshot{
		Enabled:  s.Enabled,
		Streams:  make([]StreamSnapshot, 0, len(s.Streams)),
		Counters: s.Counters,
	}
	for key, f := range s.Streams {
		fs := f.Snapshot()
		snap.Streams = append(snap.Streams, StreamSnapshot{
			Device:   deviceLabel(cfg, key.Dev),
			Axis:     string(key.Axis),
			HiRes:    key.HiRes,
			State:    fs.State.String(),
			Position: fs.Position,
			Pending:  fs.Pending,
		})
	}
	sort.Slice(snap.Streams, func(i, j int) bool {
		a, b := snap.Streams[i], snap.Streams[j]
		if a.Device != b.Device {
			return a.Device < b.Device
		}
		if a.Axis != b.Axis {
			return a.Axis < b.Axis
		}
		return !a.HiRes && b.HiRes
	})
	return snap
}

// deviceLabel maps a device index back to its configured path for external
// consumers; indexes are an internal detail.
func deviceLabel(cfg *Config, dev int) string {
	if cfg != nil && dev >= 0 && dev < len(cfg.Input.Devices) {
		return cfg.Input.Devices[dev]
	}
	return fmt.Sprintf("dev%d", dev)
}
