package main

import (
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"
	"gopkg.in/yaml.v3"

	"scrolltamer/wheel"
)

// ============================================================================
// scroll-sim - Offline Filter Evaluation
// ============================================================================
// Replays a scroll event trace through the wheel filter and reports how it
// behaved: what was forwarded, what was suppressed, and how quickly real
// gestures activated.
//
// Traces come from two places:
//   - a synthetic generator (bursts of real scrolling with isolated phantom
//     clicks sprinkled into the quiet gaps), which has ground truth and can
//     score suppression accuracy, or
//   - a CSV capture (-csv), columns "ms,delta[,label]" where label is an
//     optional "legit" or "phantom" tag.
//
// Ticks run on the same schedule as the daemon so quiet-gap relaxation
// matches what the filter sees in production.
// ============================================================================

// simConfig mirrors the daemon's config file sections this tool cares about
// (duplicated from the daemon package so this binary stays standalone;
// unrelated sections are ignored).
type simConfig struct {
	Filter struct {
		Threshold     float64 `yaml:"threshold"`
		OffThreshold  float64 `yaml:"off_threshold"`
		RecenterSpeed float64 `yaml:"recenter_speed"`
	} `yaml:"filter"`
	Overscroll struct {
		Enabled        bool    `yaml:"enabled"`
		PredictionGain float64 `yaml:"prediction_gain"`
		StoppingSpeed  float64 `yaml:"stopping_speed"`
		DecayRate      float64 `yaml:"decay_rate"`
		MaxPending     float64 `yaml:"max_pending"`
	} `yaml:"overscroll"`
	Daemon struct {
		UpdateHz int `yaml:"update_hz"`
		SettleMS int `yaml:"settle_ms"`
	} `yaml:"daemon"`
}

type eventKind int

const (
	kindUnknown eventKind = iota
	kindLegit
	kindPhantom
)

// simEvent is one raw wheel event in a trace.
type simEvent struct {
	atMS  int64
	delta int32
	kind  eventKind
	burst int // burst index for legit clicks, -1 otherwise
	seq   int // click index within the burst, -1 otherwise
}

func main() {
	var (
		configPath = flag.String("config", "", "Daemon config file to take filter tuning from")
		csvPath    = flag.String("csv", "", "Replay a CSV trace (ms,delta[,label]) instead of generating one")

		threshold     = flag.Float64("threshold", 2.0, "Accumulated clicks required to activate")
		offThreshold  = flag.Float64("off-threshold", 0.5, "Accumulated clicks at or below which to deactivate")
		recenterSpeed = flag.Float64("recenter-speed", 2.5, "Clicks/s bled back toward zero")
		unitsPerClick = flag.Float64("units-per-click", 1, "Device units per wheel click (120 for hi-res traces)")
		overscroll    = flag.Bool("overscroll", false, "Enable overscroll compensation")

		updateHz = flag.Int("update-hz", 30, "Tick frequency for quiet-gap relaxation (0 disables ticks)")
		settleMS = flag.Int("settle-ms", 150, "Quiet time before ticks touch the filter")

		bursts   = flag.Int("bursts", 20, "Synthetic: number of real scroll bursts")
		burstLen = flag.Int("burst-len", 8, "Synthetic: clicks per burst")
		clickMS  = flag.Int64("click-ms", 60, "Synthetic: spacing between clicks in a burst")
		gapMS    = flag.Int64("gap-ms", 900, "Synthetic: quiet gap between bursts")
		phantoms = flag.Int("phantoms", 40, "Synthetic: isolated phantom clicks spread over the gaps")
		seed     = flag.Int64("seed", 1, "Synthetic: RNG seed")
	)
	flag.Parse()

	cfg := wheel.Config{
		Threshold:     *threshold,
		OffThreshold:  *offThreshold,
		RecenterSpeed: *recenterSpeed,
		UnitsPerClick: *unitsPerClick,
		Overscroll:    wheel.OverscrollConfig{Enabled: *overscroll},
	}

	// Config file fills in whatever the command line did not set explicitly.
	if *configPath != "" {
		fileCfg, hz, settle, err := loadSimConfig(*configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}

		set := map[string]bool{}
		flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

		if !set["threshold"] {
			cfg.Threshold = fileCfg.Threshold
		}
		if !set["off-threshold"] {
			cfg.OffThreshold = fileCfg.OffThreshold
		}
		if !set["recenter-speed"] {
			cfg.RecenterSpeed = fileCfg.RecenterSpeed
		}
		// Overscroll tuning only exists in the file; the flag toggles it.
		enabled := fileCfg.Overscroll.Enabled
		if set["overscroll"] {
			enabled = *overscroll
		}
		cfg.Overscroll = fileCfg.Overscroll
		cfg.Overscroll.Enabled = enabled
		if !set["update-hz"] {
			*updateHz = hz
		}
		if !set["settle-ms"] {
			*settleMS = settle
		}
	}

	f, err := wheel.New(cfg)
	if err != nil {
		log.Fatalf("filter config: %v", err)
	}

	var trace []simEvent
	if *csvPath != "" {
		trace, err = loadCSVTrace(*csvPath)
		if err != nil {
			log.Fatalf("load trace: %v", err)
		}
		fmt.Printf("trace: %s (%d events)\n", *csvPath, len(trace))
	} else {
		rng := rand.New(rand.NewSource(*seed))
		trace = syntheticTrace(*bursts, *burstLen, *clickMS, *gapMS, *phantoms, rng)
		fmt.Printf("trace: synthetic, %d bursts x %d clicks + %d phantoms (seed %d)\n",
			*bursts, *burstLen, *phantoms, *seed)
	}
	if len(trace) == 0 {
		log.Fatalf("trace is empty")
	}

	stats := replay(f, trace, *updateHz, *settleMS)
	report(stats, cfg)
}

// loadSimConfig reads filter tuning from a daemon config file.
func loadSimConfig(path string) (wheel.Config, int, int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return wheel.Config{}, 0, 0, err
	}

	// Start from the daemon's defaults so a partial file behaves the same
	// way here as it does there.
	sc := simConfig{}
	sc.Filter.Threshold = 2.0
	sc.Filter.OffThreshold = 0.5
	sc.Filter.RecenterSpeed = 2.5
	sc.Overscroll.PredictionGain = wheel.DefaultPredictionGain
	sc.Overscroll.StoppingSpeed = wheel.DefaultStoppingSpeed
	sc.Overscroll.DecayRate = wheel.DefaultDecayRate
	sc.Overscroll.MaxPending = wheel.DefaultMaxPending
	sc.Daemon.UpdateHz = 30
	sc.Daemon.SettleMS = 150

	if err := yaml.Unmarshal(b, &sc); err != nil {
		return wheel.Config{}, 0, 0, err
	}

	cfg := wheel.Config{
		Threshold:     sc.Filter.Threshold,
		OffThreshold:  sc.Filter.OffThreshold,
		RecenterSpeed: sc.Filter.RecenterSpeed,
		Overscroll: wheel.OverscrollConfig{
			Enabled:        sc.Overscroll.Enabled,
			PredictionGain: sc.Overscroll.PredictionGain,
			StoppingSpeed:  sc.Overscroll.StoppingSpeed,
			DecayRate:      sc.Overscroll.DecayRate,
			MaxPending:     sc.Overscroll.MaxPending,
		},
	}
	return cfg, sc.Daemon.UpdateHz, sc.Daemon.SettleMS, nil
}

// ==============================
// Trace sources
// ==============================

// syntheticTrace builds a labeled workload: bursts of steady scrolling with
// isolated phantom clicks placed in the quiet gaps between them. Direction
// alternates per burst so recentering gets exercised from both sides.
func syntheticTrace(bursts, burstLen int, clickMS, gapMS int64, phantoms int, rng *rand.Rand) []simEvent {
	var trace []simEvent

	t := int64(1000)
	for b := 0; b < bursts; b++ {
		dir := int32(1)
		if b%2 == 1 {
			dir = -1
		}
		for i := 0; i < burstLen; i++ {
			trace = append(trace, simEvent{atMS: t, delta: dir, kind: kindLegit, burst: b, seq: i})
			t += clickMS
		}

		gap := gapMS + rng.Int63n(gapMS/2+1)
		perGap := phantoms / bursts
		if b < phantoms%bursts {
			perGap++
		}
		for i := 0; i < perGap; i++ {
			// Keep phantoms off the gap edges so they are genuinely isolated.
			offset := gap/10 + rng.Int63n(gap*8/10+1)
			sign := int32(1)
			if rng.Intn(2) == 1 {
				sign = -1
			}
			trace = append(trace, simEvent{atMS: t + offset, delta: sign, kind: kindPhantom, burst: -1, seq: -1})
		}
		t += gap
	}

	sort.SliceStable(trace, func(i, j int) bool { return trace[i].atMS < trace[j].atMS })
	return trace
}

// loadCSVTrace parses "ms,delta[,label]" rows. Lines starting with '#' and a
// single header row are skipped.
func loadCSVTrace(path string) ([]simEvent, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	r := csv.NewReader(fh)
	r.Comment = '#'
	r.FieldsPerRecord = -1

	var trace []simEvent
	line := 0
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		line++
		if len(rec) < 2 {
			return nil, fmt.Errorf("line %d: want at least 2 columns, got %d", line, len(rec))
		}

		ms, err := strconv.ParseInt(strings.TrimSpace(rec[0]), 10, 64)
		if err != nil {
			if line == 1 {
				continue // header row
			}
			return nil, fmt.Errorf("line %d: bad timestamp %q", line, rec[0])
		}
		delta, err := strconv.ParseInt(strings.TrimSpace(rec[1]), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad delta %q", line, rec[1])
		}

		ev := simEvent{atMS: ms, delta: int32(delta), kind: kindUnknown, burst: -1, seq: -1}
		if len(rec) >= 3 {
			switch strings.TrimSpace(rec[2]) {
			case "legit":
				ev.kind = kindLegit
			case "phantom":
				ev.kind = kindPhantom
			case "":
			default:
				return nil, fmt.Errorf("line %d: bad label %q (want legit or phantom)", line, rec[2])
			}
		}
		trace = append(trace, ev)
	}

	sort.SliceStable(trace, func(i, j int) bool { return trace[i].atMS < trace[j].atMS })
	return trace, nil
}

// ==============================
// Replay
// ==============================

type replayStats struct {
	events      int
	forwarded   int
	suppressed  int
	adjusted    int
	clockErrors int
	saturations int
	ticks       int

	rawUnits     int64
	emittedUnits int64

	phantomTotal      int
	phantomSuppressed int
	legitTotal        int
	legitForwarded    int

	// Per burst: index of the first forwarded click, i.e. clicks lost to
	// activation. Bursts that never activate are counted separately.
	burstLatencies []float64
	burstsMissed   int

	intervalsMS []float64
	pendingEnd  float64
}

// replay runs the trace through the filter, interleaving ticks on the same
// schedule and with the same settle gate the daemon uses.
func replay(f *wheel.Filter, trace []simEvent, updateHz, settleMS int) replayStats {
	var st replayStats

	base := time.Unix(0, 0).UTC()
	settle := time.Duration(settleMS) * time.Millisecond

	var tickEvery time.Duration
	nextTick := time.Time{}
	if updateHz > 0 {
		tickEvery = time.Second / time.Duration(updateHz)
		nextTick = base.Add(time.Duration(trace[0].atMS)*time.Millisecond + tickEvery)
	}

	tick := func(now time.Time) {
		if f.Settled() {
			return
		}
		snap := f.Snapshot()
		if !snap.LastEventAt.IsZero() && now.Sub(snap.LastEventAt) < settle {
			return
		}
		st.ticks++
		if _, err := f.Process(0, now); err != nil && errors.Is(err, wheel.ErrNonMonotonicTime) {
			st.clockErrors++
		}
	}

	firstForward := map[int]int{}
	var lastMS int64
	for i, ev := range trace {
		at := base.Add(time.Duration(ev.atMS) * time.Millisecond)

		if updateHz > 0 {
			for nextTick.Before(at) {
				tick(nextTick)
				nextTick = nextTick.Add(tickEvery)
			}
		}

		out, err := f.Process(ev.delta, at)
		if err != nil {
			if errors.Is(err, wheel.ErrNonMonotonicTime) {
				st.clockErrors++
			}
			if errors.Is(err, wheel.ErrSaturated) {
				st.saturations++
			}
		}

		st.events++
		st.rawUnits += int64(ev.delta)
		if i > 0 {
			st.intervalsMS = append(st.intervalsMS, float64(ev.atMS-lastMS))
		}
		lastMS = ev.atMS

		forwarded := out.Decision == wheel.Forward
		if forwarded {
			st.forwarded++
			st.emittedUnits += int64(out.Delta)
			if out.Delta != ev.delta {
				st.adjusted++
			}
		} else {
			st.suppressed++
		}

		switch ev.kind {
		case kindPhantom:
			st.phantomTotal++
			if !forwarded {
				st.phantomSuppressed++
			}
		case kindLegit:
			st.legitTotal++
			if forwarded {
				st.legitForwarded++
			}
			if forwarded && ev.burst >= 0 {
				if _, seen := firstForward[ev.burst]; !seen {
					firstForward[ev.burst] = ev.seq
				}
			}
		}
	}

	// Tail ticks let the filter settle so the final pending figure reflects
	// what a real quiet period would leave behind.
	if updateHz > 0 {
		deadline := nextTick.Add(5 * time.Second)
		for !f.Settled() && nextTick.Before(deadline) {
			tick(nextTick)
			nextTick = nextTick.Add(tickEvery)
		}
	}
	st.pendingEnd = f.Pending()

	bursts := map[int]bool{}
	for _, ev := range trace {
		if ev.kind == kindLegit && ev.burst >= 0 {
			bursts[ev.burst] = true
		}
	}
	for b := range bursts {
		if seq, ok := firstForward[b]; ok {
			st.burstLatencies = append(st.burstLatencies, float64(seq))
		} else {
			st.burstsMissed++
		}
	}

	return st
}

// ==============================
// Report
// ==============================

func report(st replayStats, cfg wheel.Config) {
	fmt.Printf("filter: threshold=%.2f off=%.2f recenter=%.2f/s overscroll=%v\n\n",
		cfg.Threshold, cfg.OffThreshold, cfg.RecenterSpeed, cfg.Overscroll.Enabled)

	fmt.Printf("events:      %d (raw units %+d)\n", st.events, st.rawUnits)
	fmt.Printf("forwarded:   %d (emitted units %+d)\n", st.forwarded, st.emittedUnits)
	fmt.Printf("suppressed:  %d\n", st.suppressed)
	if st.adjusted > 0 {
		fmt.Printf("adjusted:    %d\n", st.adjusted)
	}
	if st.clockErrors > 0 || st.saturations > 0 {
		fmt.Printf("errors:      clock=%d saturation=%d\n", st.clockErrors, st.saturations)
	}
	fmt.Printf("ticks run:   %d\n", st.ticks)
	if st.pendingEnd != 0 {
		fmt.Printf("pending at end: %.3f clicks\n", st.pendingEnd)
	}

	if st.phantomTotal > 0 || st.legitTotal > 0 {
		fmt.Printf("\nground truth:\n")
		if st.phantomTotal > 0 {
			fmt.Printf("  phantoms suppressed: %d/%d (%.1f%%)\n",
				st.phantomSuppressed, st.phantomTotal, percent(st.phantomSuppressed, st.phantomTotal))
		}
		if st.legitTotal > 0 {
			fmt.Printf("  legit forwarded:     %d/%d (%.1f%%)\n",
				st.legitForwarded, st.legitTotal, percent(st.legitForwarded, st.legitTotal))
		}
		if len(st.burstLatencies) > 0 {
			mean, std, p50, p90 := describe(st.burstLatencies)
			fmt.Printf("  activation cost (clicks lost per burst): mean %.2f std %.2f p50 %.0f p90 %.0f\n",
				mean, std, p50, p90)
		}
		if st.burstsMissed > 0 {
			fmt.Printf("  bursts never activated: %d\n", st.burstsMissed)
		}
	}

	if len(st.intervalsMS) > 1 {
		mean, std, p50, p90 := describe(st.intervalsMS)
		fmt.Printf("\nintervals (ms): mean %.1f std %.1f p50 %.0f p90 %.0f\n", mean, std, p50, p90)
	}
}

// describe summarizes a sample: mean, standard deviation, median, p90.
func describe(xs []float64) (mean, std, p50, p90 float64) {
	mean = stat.Mean(xs, nil)
	if len(xs) > 1 {
		std = stat.StdDev(xs, nil)
	}

	sorted := make([]float64, len(xs))
	copy(sorted, xs)
	sort.Float64s(sorted)
	p50 = stat.Quantile(0.5, stat.Empirical, sorted, nil)
	p90 = stat.Quantile(0.9, stat.Empirical, sorted, nil)
	return mean, std, p50, p90
}

func percent(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return 100 * float64(part) / float64(total)
}
