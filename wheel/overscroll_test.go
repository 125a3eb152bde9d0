package wheel

import (
	"math"
	"testing"
	"time"
)

// Overscroll tests drive the filter with hand-computed sequences. Threshold 1
// with a large opening delta puts the filter straight into the active state so
// the compensation path is isolated; 125ms steps keep speed and boost
// arithmetic exact.

func overscrollConfig(oc OverscrollConfig) Config {
	oc.Enabled = true
	return Config{
		Threshold:  1,
		Overscroll: oc,
	}
}

func TestOverscroll_DisabledForwardsRaw(t *testing.T) {
	f := mustNew(t, Config{Threshold: 1})

	t0 := time.Unix(1000, 0)
	// A clean deceleration; without overscroll every forwarded delta is raw.
	for i, delta := range []int32{8, 8, 4, 2, 1} {
		out := mustProcess(t, f, delta, t0.Add(time.Duration(i)*125*time.Millisecond))
		if out.Decision != Forward {
			t.Fatalf("call %d: expected Forward, got %v", i+1, out.Decision)
		}
		if out.Delta != delta {
			t.Fatalf("call %d: expected raw delta %d, got %d", i+1, delta, out.Delta)
		}
	}
	if f.Pending() != 0 {
		t.Fatalf("expected no pending overscroll when disabled, got %g", f.Pending())
	}
}

// While the wheel decelerates above the stopping speed, the filter borrows
// extra motion in the direction of travel and records the debt.
func TestOverscroll_BorrowsWhileDecelerating(t *testing.T) {
	f := mustNew(t, overscrollConfig(OverscrollConfig{
		PredictionGain: 0.5,
		StoppingSpeed:  2,
		DecayRate:      16,
		MaxPending:     6,
	}))

	t0 := time.Unix(1000, 0)
	at := func(i int) time.Time { return t0.Add(time.Duration(i) * 125 * time.Millisecond) }

	// First event has no elapsed time, second establishes speed 40 clicks/s;
	// neither is a deceleration, so both forward raw.
	if out := mustProcess(t, f, 5, at(0)); out.Delta != 5 {
		t.Fatalf("opening event: expected raw 5, got %d", out.Delta)
	}
	if out := mustProcess(t, f, 5, at(1)); out.Delta != 5 {
		t.Fatalf("steady event: expected raw 5, got %d", out.Delta)
	}
	if f.Pending() != 0 {
		t.Fatalf("expected no debt before deceleration, got %g", f.Pending())
	}

	// Speed drops 40 -> 24: boost = 0.5 * 16 * 0.125 = 1 click.
	out := mustProcess(t, f, 3, at(2))
	if out.Delta != 4 {
		t.Fatalf("decelerating event: expected boosted delta 4, got %d", out.Delta)
	}
	if f.Pending() != 1 {
		t.Fatalf("expected pending 1 click, got %g", f.Pending())
	}

	// Speed drops 24 -> 16: boost = 0.5 * 8 * 0.125 = 0.5 clicks; the half
	// click rides the carry, so the emitted delta stays integral.
	out = mustProcess(t, f, 2, at(3))
	if out.Delta != 2 {
		t.Fatalf("expected truncated delta 2, got %d", out.Delta)
	}
	if f.Pending() != 1.5 {
		t.Fatalf("expected pending 1.5 clicks, got %g", f.Pending())
	}
	if f.State() != StateActive {
		t.Fatalf("expected active while borrowing, got %v", f.State())
	}
}

// Once speed falls to the stopping threshold, incoming motion is eaten to pay
// the debt, and whatever the rate allows beyond real input is forgiven.
func TestOverscroll_PaybackEatsInput(t *testing.T) {
	f := mustNew(t, overscrollConfig(OverscrollConfig{
		PredictionGain: 0.5,
		StoppingSpeed:  2,
		DecayRate:      16,
		MaxPending:     6,
	}))

	t0 := time.Unix(1000, 0)
	at := func(i int) time.Time { return t0.Add(time.Duration(i) * 125 * time.Millisecond) }

	raws := []int32{5, 5, 3, 2}
	var emitted int64
	for i, delta := range raws {
		out := mustProcess(t, f, delta, at(i))
		emitted += int64(out.Delta)
	}
	if f.Pending() != 1.5 {
		t.Fatalf("setup: expected pending 1.5, got %g", f.Pending())
	}

	// One click after 500ms is speed 2, right at the stopping threshold: the
	// rate allows 16*0.5=8 clicks of payback, capped at the 1.5 owed; one
	// click is eaten from the input, the remaining half click is forgiven.
	out, err := f.Process(1, at(3).Add(500*time.Millisecond))
	if err != nil {
		t.Fatalf("payback event: %v", err)
	}
	if out.Decision != Forward {
		t.Fatalf("payback event: expected Forward, got %v", out.Decision)
	}
	if out.Delta != 0 {
		t.Fatalf("payback event: expected input eaten to 0, got %d", out.Delta)
	}
	if f.Pending() != 0 {
		t.Fatalf("expected debt fully settled, got %g", f.Pending())
	}
	emitted += int64(out.Delta)

	// Conservation: total emitted motion matches total raw motion to within
	// one click (the device-unit carry).
	var raw int64
	for _, d := range raws {
		raw += int64(d)
	}
	raw += 1
	if diff := raw - emitted; diff < -1 || diff > 1 {
		t.Fatalf("expected emitted %d within one click of raw %d", emitted, raw)
	}
}

// With no input at all, the debt decays at the configured rate, monotonically
// and to exactly zero; the state reads compensating until it settles.
func TestOverscroll_PaybackMonotoneToZero(t *testing.T) {
	f := mustNew(t, overscrollConfig(OverscrollConfig{
		PredictionGain: 0.5,
		StoppingSpeed:  2,
		DecayRate:      4,
		MaxPending:     6,
	}))

	t0 := time.Unix(1000, 0)
	at := func(i int) time.Time { return t0.Add(time.Duration(i) * 125 * time.Millisecond) }

	mustProcess(t, f, 8, at(0))
	mustProcess(t, f, 8, at(1)) // speed 64
	mustProcess(t, f, 4, at(2)) // speed 32: boost 0.5*32*0.125 = 2 clicks
	if f.Pending() != 2 {
		t.Fatalf("setup: expected pending 2, got %g", f.Pending())
	}

	// 4 clicks/s over 125ms steps pays 0.5 clicks per call.
	wantPending := []float64{1.5, 1.0, 0.5, 0}
	for i, want := range wantPending {
		out := mustProcess(t, f, 0, at(3+i))
		if out.Decision != Forward || out.Delta != 0 {
			t.Fatalf("quiet payback %d: expected Forward(0), got %v(%d)", i+1, out.Decision, out.Delta)
		}
		if f.Pending() != want {
			t.Fatalf("quiet payback %d: expected pending %g, got %g", i+1, want, f.Pending())
		}
		wantState := StateCompensating
		if want == 0 {
			wantState = StateActive
		}
		if f.State() != wantState {
			t.Fatalf("quiet payback %d: expected %v, got %v", i+1, wantState, f.State())
		}
	}
}

func TestOverscroll_PendingCapped(t *testing.T) {
	f := mustNew(t, overscrollConfig(OverscrollConfig{
		PredictionGain: 8, // aggressive on purpose
		StoppingSpeed:  2,
		DecayRate:      16,
		MaxPending:     2,
	}))

	t0 := time.Unix(1000, 0)
	at := func(i int) time.Time { return t0.Add(time.Duration(i) * 125 * time.Millisecond) }

	mustProcess(t, f, 8, at(0))
	mustProcess(t, f, 8, at(1))

	// Uncapped boost would be 8*32*0.125 = 32 clicks; the cap allows 2.
	out := mustProcess(t, f, 4, at(2))
	if out.Delta != 6 {
		t.Fatalf("expected capped boost delta 6, got %d", out.Delta)
	}
	if f.Pending() != 2 {
		t.Fatalf("expected pending at cap 2, got %g", f.Pending())
	}

	// Still decelerating, but the debt is full: no further borrowing.
	out = mustProcess(t, f, 2, at(3))
	if out.Delta != 2 {
		t.Fatalf("expected raw delta 2 at full debt, got %d", out.Delta)
	}
	if f.Pending() != 2 {
		t.Fatalf("expected pending unchanged at cap, got %g", f.Pending())
	}
}

// Motion against the borrowed direction cancels the episode instead of eating
// into the reversed gesture.
func TestOverscroll_ReversalCancelsDebt(t *testing.T) {
	f := mustNew(t, overscrollConfig(OverscrollConfig{
		PredictionGain: 8,
		StoppingSpeed:  2,
		DecayRate:      16,
		MaxPending:     2,
	}))

	t0 := time.Unix(1000, 0)
	at := func(i int) time.Time { return t0.Add(time.Duration(i) * 125 * time.Millisecond) }

	mustProcess(t, f, 8, at(0))
	mustProcess(t, f, 8, at(1))
	mustProcess(t, f, 4, at(2))
	if f.Pending() != 2 {
		t.Fatalf("setup: expected pending 2, got %g", f.Pending())
	}

	out := mustProcess(t, f, -4, at(3))
	if out.Delta != -4 {
		t.Fatalf("reversal: expected raw delta -4, got %d", out.Delta)
	}
	if f.Pending() != 0 {
		t.Fatalf("reversal: expected debt cancelled, got %g", f.Pending())
	}
	if f.State() != StateActive {
		t.Fatalf("reversal: expected active, got %v", f.State())
	}
}

// Deactivation ends any unresolved compensation with the episode.
func TestOverscroll_DeactivationClearsDebt(t *testing.T) {
	f, err := New(Config{
		Threshold:     4,
		OffThreshold:  3,
		RecenterSpeed: 8,
		Overscroll: OverscrollConfig{
			Enabled:        true,
			PredictionGain: 0.5,
			StoppingSpeed:  2,
			DecayRate:      0.5, // too slow to settle before deactivation
			MaxPending:     6,
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	t0 := time.Unix(1000, 0)
	at := func(i int) time.Time { return t0.Add(time.Duration(i) * 125 * time.Millisecond) }

	mustProcess(t, f, 4, at(0))
	mustProcess(t, f, 4, at(1)) // speed 32
	mustProcess(t, f, 2, at(2)) // speed 16: boost 1 click
	if f.Pending() != 1 {
		t.Fatalf("setup: expected pending 1, got %g", f.Pending())
	}

	// Quiet wheel: position bleeds one click per call until the off
	// threshold releases the state, taking the leftover debt with it.
	for i := 0; f.State() != StateIdle; i++ {
		if i > 10 {
			t.Fatalf("filter never deactivated; position %g", f.Position())
		}
		mustProcess(t, f, 0, at(3+i))
	}
	if f.Pending() != 0 {
		t.Fatalf("expected debt cleared on deactivation, got %g", f.Pending())
	}
}

// No compensation path may flip the sign of a forwarded delta.
func TestOverscroll_NeverInvertsSign(t *testing.T) {
	f := mustNew(t, overscrollConfig(OverscrollConfig{
		PredictionGain: 4,
		StoppingSpeed:  5,
		DecayRate:      32,
		MaxPending:     8,
	}))

	t0 := time.Unix(1000, 0)
	// Bursts, stalls, reversals, and ragged timing.
	steps := []struct {
		delta int32
		gapMS int
	}{
		{6, 0}, {6, 3}, {5, 7}, {3, 11}, {2, 30}, {1, 120}, {1, 500},
		{-4, 40}, {-6, 9}, {-3, 14}, {-1, 250}, {0, 500},
		{2, 8}, {0, 1000}, {5, 2}, {4, 6}, {1, 90}, {0, 400}, {0, 400},
	}

	now := t0
	for i, s := range steps {
		now = now.Add(time.Duration(s.gapMS) * time.Millisecond)
		out, _ := f.Process(s.delta, now)
		if out.Decision != Forward {
			continue
		}
		if (s.delta > 0 && out.Delta < 0) || (s.delta < 0 && out.Delta > 0) {
			t.Fatalf("step %d: raw %d forwarded as %d (sign inverted)", i, s.delta, out.Delta)
		}
		if math.Abs(f.Pending()) > 8 {
			t.Fatalf("step %d: pending %g exceeds cap", i, f.Pending())
		}
	}
}
