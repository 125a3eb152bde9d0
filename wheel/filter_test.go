package wheel

import (
	"errors"
	"math"
	"testing"
	"time"
)

// Timestamps in these tests step by 125ms (or other power-of-two fractions of
// a second) so that dt, recentering, and speed arithmetic stay exact in
// float64 and assertions on positions never sit on a rounding boundary.

func mustNew(t *testing.T, cfg Config) *Filter {
	t.Helper()
	f, err := New(cfg)
	if err != nil {
		t.Fatalf("New(%+v): %v", cfg, err)
	}
	return f
}

func mustProcess(t *testing.T, f *Filter, delta int32, at time.Time) Outcome {
	t.Helper()
	out, err := f.Process(delta, at)
	if err != nil {
		t.Fatalf("Process(%d, %v): %v", delta, at, err)
	}
	return out
}

func TestNew_Validation(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"zero threshold", Config{Threshold: 0}, true},
		{"negative threshold", Config{Threshold: -1}, true},
		{"off above threshold", Config{Threshold: 5, OffThreshold: 6}, true},
		{"negative off", Config{Threshold: 5, OffThreshold: -1}, true},
		{"negative recenter", Config{Threshold: 5, RecenterSpeed: -1}, true},
		{"negative units per click", Config{Threshold: 5, UnitsPerClick: -120}, true},
		{"negative overscroll gain", Config{Threshold: 5, Overscroll: OverscrollConfig{Enabled: true, PredictionGain: -1}}, true},
		{"minimal valid", Config{Threshold: 5}, false},
		{"off equals threshold", Config{Threshold: 5, OffThreshold: 5}, false},
		{"zero off", Config{Threshold: 5, OffThreshold: 0}, false},
	}

	for _, tc := range cases {
		_, err := New(tc.cfg)
		if tc.wantErr && err == nil {
			t.Errorf("%s: expected error, got nil", tc.name)
		}
		if !tc.wantErr && err != nil {
			t.Errorf("%s: unexpected error: %v", tc.name, err)
		}
	}
}

func TestNew_FillsDefaults(t *testing.T) {
	f := mustNew(t, Config{Threshold: 5, Overscroll: OverscrollConfig{Enabled: true}})

	if f.cfg.UnitsPerClick != 1 {
		t.Errorf("expected UnitsPerClick default 1, got %g", f.cfg.UnitsPerClick)
	}
	if f.cfg.Overscroll.PredictionGain != DefaultPredictionGain {
		t.Errorf("expected default prediction gain %g, got %g", DefaultPredictionGain, f.cfg.Overscroll.PredictionGain)
	}
	if f.cfg.Overscroll.StoppingSpeed != DefaultStoppingSpeed {
		t.Errorf("expected default stopping speed %g, got %g", DefaultStoppingSpeed, f.cfg.Overscroll.StoppingSpeed)
	}
	if f.cfg.Overscroll.DecayRate != DefaultDecayRate {
		t.Errorf("expected default decay rate %g, got %g", DefaultDecayRate, f.cfg.Overscroll.DecayRate)
	}
	if f.cfg.Overscroll.MaxPending != DefaultMaxPending {
		t.Errorf("expected default max pending %g, got %g", DefaultMaxPending, f.cfg.Overscroll.MaxPending)
	}
}

// Ten unit deltas against threshold 10 with recentering off: the first nine
// are suppressed, the tenth crosses the threshold and is itself forwarded.
func TestFilter_ActivatesOnTenthClick(t *testing.T) {
	f := mustNew(t, Config{Threshold: 10})

	t0 := time.Unix(1000, 0)
	for i := 0; i < 9; i++ {
		out := mustProcess(t, f, 1, t0.Add(time.Duration(i)*time.Millisecond))
		if out.Decision != Suppress {
			t.Fatalf("call %d: expected Suppress, got %v", i+1, out.Decision)
		}
		if f.State() != StateIdle {
			t.Fatalf("call %d: expected idle state, got %v", i+1, f.State())
		}
	}

	out := mustProcess(t, f, 1, t0.Add(9*time.Millisecond))
	if out.Decision != Forward {
		t.Fatalf("call 10: expected Forward, got %v", out.Decision)
	}
	if out.Delta != 1 {
		t.Fatalf("call 10: expected delta 1, got %d", out.Delta)
	}
	if f.State() != StateActive {
		t.Fatalf("call 10: expected active state, got %v", f.State())
	}
	if f.Position() != 10 {
		t.Fatalf("expected position 10, got %g", f.Position())
	}
}

// A +5/-5 pair separated by a long gap never crosses the threshold and the
// accumulator comes back to zero: slow back-and-forth drift is rejected.
func TestFilter_DriftPairSuppressed(t *testing.T) {
	f := mustNew(t, Config{Threshold: 10, RecenterSpeed: 1})

	t0 := time.Unix(1000, 0)
	if out := mustProcess(t, f, 5, t0); out.Decision != Suppress {
		t.Fatalf("first delta: expected Suppress, got %v", out.Decision)
	}
	if out := mustProcess(t, f, -5, t0.Add(3*time.Second)); out.Decision != Suppress {
		t.Fatalf("second delta: expected Suppress, got %v", out.Decision)
	}
	if f.Position() != 0 {
		t.Fatalf("expected position back at 0, got %g", f.Position())
	}
	if f.State() != StateIdle {
		t.Fatalf("expected idle state, got %v", f.State())
	}
}

// Once active, a quiet wheel decays through the off threshold back to idle,
// and small deltas are suppressed again afterwards.
func TestFilter_QuietDecayDeactivates(t *testing.T) {
	// 8 clicks/s over 125ms steps bleeds exactly one click per call.
	f := mustNew(t, Config{Threshold: 5, OffThreshold: 1, RecenterSpeed: 8})

	t0 := time.Unix(1000, 0)
	out := mustProcess(t, f, 5, t0)
	if out.Decision != Forward {
		t.Fatalf("expected activation Forward, got %v", out.Decision)
	}

	// Position walks 5 -> 4 -> 3 -> 2 -> 1; the call that lands on the off
	// threshold deactivates.
	wantPos := []float64{4, 3, 2, 1}
	for i, want := range wantPos {
		at := t0.Add(time.Duration(i+1) * 125 * time.Millisecond)
		out := mustProcess(t, f, 0, at)
		if out.Decision != Forward {
			t.Fatalf("decay call %d: expected Forward while active, got %v", i+1, out.Decision)
		}
		if f.Position() != want {
			t.Fatalf("decay call %d: expected position %g, got %g", i+1, want, f.Position())
		}
	}
	if f.State() != StateIdle {
		t.Fatalf("expected idle after decay to off threshold, got %v", f.State())
	}

	out = mustProcess(t, f, 1, t0.Add(5*125*time.Millisecond))
	if out.Decision != Suppress {
		t.Fatalf("post-decay small delta: expected Suppress, got %v", out.Decision)
	}
}

// Zero input never wakes the filter and only relaxes the accumulator.
func TestFilter_ZeroInputNeverActivates(t *testing.T) {
	f := mustNew(t, Config{Threshold: 3, RecenterSpeed: 2})

	t0 := time.Unix(1000, 0)
	mustProcess(t, f, 2, t0) // below threshold

	prev := f.Position()
	for i := 1; i <= 20; i++ {
		out := mustProcess(t, f, 0, t0.Add(time.Duration(i)*125*time.Millisecond))
		if out.Decision != Suppress {
			t.Fatalf("call %d: expected Suppress, got %v", i, out.Decision)
		}
		if f.State() != StateIdle {
			t.Fatalf("call %d: zero input activated the filter", i)
		}
		if pos := f.Position(); pos > prev || pos < 0 {
			t.Fatalf("call %d: position %g not monotonically recentering from %g", i, pos, prev)
		}
		prev = f.Position()
	}
	if f.Position() != 0 {
		t.Fatalf("expected position fully recentered to 0, got %g", f.Position())
	}
}

// Raising the threshold can only raise the cumulative motion needed before
// the first Forward.
func TestFilter_ThresholdMonotonicity(t *testing.T) {
	clicksUntilForward := func(threshold float64) int {
		f := mustNew(t, Config{Threshold: threshold})
		t0 := time.Unix(1000, 0)
		for i := 1; i <= 1000; i++ {
			out := mustProcess(t, f, 1, t0.Add(time.Duration(i)*time.Millisecond))
			if out.Decision == Forward {
				return i
			}
		}
		t.Fatalf("threshold %g: no Forward within 1000 clicks", threshold)
		return 0
	}

	prev := 0
	for _, threshold := range []float64{2, 5, 10, 25, 100} {
		n := clicksUntilForward(threshold)
		if n < prev {
			t.Fatalf("threshold %g forwarded after %d clicks, fewer than %d at the lower threshold", threshold, n, prev)
		}
		prev = n
	}
}

// Long runs of small alternating deltas stay bounded and never activate.
func TestFilter_AlternatingDriftBounded(t *testing.T) {
	f := mustNew(t, Config{Threshold: 10, RecenterSpeed: 0.5})

	t0 := time.Unix(1000, 0)
	delta := int32(1)
	for i := 0; i < 10000; i++ {
		mustProcess(t, f, delta, t0.Add(time.Duration(i)*10*time.Millisecond))
		if pos := math.Abs(f.Position()); pos >= 2 {
			t.Fatalf("call %d: position %g diverged", i, pos)
		}
		if f.State() != StateIdle {
			t.Fatalf("call %d: alternating drift activated the filter", i)
		}
		delta = -delta
	}
}

func TestFilter_NonMonotonicTimestamp(t *testing.T) {
	f := mustNew(t, Config{Threshold: 10, RecenterSpeed: 1})

	t0 := time.Unix(1000, 0)
	mustProcess(t, f, 1, t0.Add(time.Second))

	out, err := f.Process(1, t0)
	if !errors.Is(err, ErrNonMonotonicTime) {
		t.Fatalf("expected ErrNonMonotonicTime, got %v", err)
	}
	if out.Decision != Suppress {
		t.Fatalf("expected a valid Suppress outcome alongside the error, got %v", out.Decision)
	}
	// The delta still integrated; elapsed time was treated as zero, so no
	// recentering applied.
	if f.Position() != 2 {
		t.Fatalf("expected position 2, got %g", f.Position())
	}

	// The backward timestamp was adopted, so the stream recovers from there.
	if _, err := f.Process(1, t0.Add(2*time.Second)); err != nil {
		t.Fatalf("expected recovery after non-monotonic call, got %v", err)
	}
}

func TestFilter_Saturation(t *testing.T) {
	f := mustNew(t, Config{Threshold: 1})

	t0 := time.Unix(1000, 0)
	var lastErr error
	for i := 0; i < 3; i++ {
		_, lastErr = f.Process(math.MaxInt32, t0.Add(time.Duration(i)*time.Millisecond))
	}
	if !errors.Is(lastErr, ErrSaturated) {
		t.Fatalf("expected ErrSaturated, got %v", lastErr)
	}
	if f.Position() != positionLimit {
		t.Fatalf("expected position clamped at %g, got %g", float64(positionLimit), f.Position())
	}

	// Saturation is recoverable: motion the other way still integrates.
	out, err := f.Process(-1, t0.Add(time.Second))
	if err != nil {
		t.Fatalf("expected recovery after saturation, got %v", err)
	}
	if out.Decision != Forward {
		t.Fatalf("expected Forward while far above threshold, got %v", out.Decision)
	}
	if f.Position() >= positionLimit {
		t.Fatalf("expected position to back off the clamp, got %g", f.Position())
	}
}

// Hi-res wheels report 120 device units per click; the threshold is still
// denominated in clicks.
func TestFilter_HiResUnits(t *testing.T) {
	f := mustNew(t, Config{Threshold: 2, UnitsPerClick: 120})

	t0 := time.Unix(1000, 0)
	if out := mustProcess(t, f, 120, t0); out.Decision != Suppress {
		t.Fatalf("one click: expected Suppress, got %v", out.Decision)
	}
	out := mustProcess(t, f, 120, t0.Add(125*time.Millisecond))
	if out.Decision != Forward {
		t.Fatalf("two clicks: expected Forward, got %v", out.Decision)
	}
	if out.Delta != 120 {
		t.Fatalf("expected raw delta 120 forwarded, got %d", out.Delta)
	}
	if f.Position() != 2 {
		t.Fatalf("expected position 2 clicks, got %g", f.Position())
	}
}

// With a hysteresis band, hovering between the off threshold and the
// activation threshold does not flip the state back and forth.
func TestFilter_HysteresisHoldsActive(t *testing.T) {
	f := mustNew(t, Config{Threshold: 10, OffThreshold: 5})

	t0 := time.Unix(1000, 0)
	mustProcess(t, f, 10, t0)
	if f.State() != StateActive {
		t.Fatalf("expected active after crossing threshold, got %v", f.State())
	}

	// Position 9, 7: inside the band, still active.
	for i, delta := range []int32{-1, -2} {
		at := t0.Add(time.Duration(i+1) * 125 * time.Millisecond)
		if out := mustProcess(t, f, delta, at); out.Decision != Forward {
			t.Fatalf("in-band delta %d: expected Forward, got %v", delta, out.Decision)
		}
		if f.State() != StateActive {
			t.Fatalf("in-band delta %d: expected still active, got %v", delta, f.State())
		}
	}

	// Position 4: at or below the off threshold, back to idle.
	mustProcess(t, f, -3, t0.Add(3*125*time.Millisecond))
	if f.State() != StateIdle {
		t.Fatalf("expected idle below off threshold, got %v", f.State())
	}
}

// Zero-width hysteresis (off == threshold) is allowed: the state releases as
// soon as the magnitude is back at the boundary.
func TestFilter_ZeroWidthHysteresis(t *testing.T) {
	f := mustNew(t, Config{Threshold: 3, OffThreshold: 3})

	t0 := time.Unix(1000, 0)
	out := mustProcess(t, f, 3, t0)
	if out.Decision != Forward {
		t.Fatalf("expected Forward at threshold, got %v", out.Decision)
	}
	// |position| == 3 == off threshold: released in the same call.
	if f.State() != StateIdle {
		t.Fatalf("expected idle with zero-width band, got %v", f.State())
	}

	// The next click pushes past the boundary again and forwards again.
	out = mustProcess(t, f, 1, t0.Add(125*time.Millisecond))
	if out.Decision != Forward {
		t.Fatalf("expected Forward on re-crossing, got %v", out.Decision)
	}
}

func TestFilter_Reset(t *testing.T) {
	f := mustNew(t, Config{Threshold: 2, RecenterSpeed: 1})

	t0 := time.Unix(1000, 0)
	mustProcess(t, f, 5, t0)
	if f.Settled() {
		t.Fatalf("expected unsettled filter before reset")
	}

	f.Reset()
	if f.State() != StateIdle {
		t.Fatalf("expected idle after reset, got %v", f.State())
	}
	if f.Position() != 0 || f.Pending() != 0 {
		t.Fatalf("expected zeroed state after reset, got position=%g pending=%g", f.Position(), f.Pending())
	}
	if !f.Settled() {
		t.Fatalf("expected settled filter after reset")
	}

	// History is gone: the next event is a first event again (dt zero, no
	// recentering applied).
	mustProcess(t, f, 1, t0.Add(time.Hour))
	if f.Position() != 1 {
		t.Fatalf("expected position 1 after first post-reset event, got %g", f.Position())
	}
}

func TestFilter_SnapshotReflectsState(t *testing.T) {
	f := mustNew(t, Config{Threshold: 2})

	t0 := time.Unix(1000, 0)
	mustProcess(t, f, 3, t0)

	snap := f.Snapshot()
	if snap.State != StateActive {
		t.Errorf("expected active snapshot, got %v", snap.State)
	}
	if snap.Position != 3 {
		t.Errorf("expected snapshot position 3, got %g", snap.Position)
	}
	if !snap.LastEventAt.Equal(t0) {
		t.Errorf("expected snapshot last event at %v, got %v", t0, snap.LastEventAt)
	}
}
