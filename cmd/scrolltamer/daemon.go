package main

import (
	"context"
	"log/slog"
	"time"
)

// ============================================================================
// Daemon Loop
// ============================================================================
//
// Rules the loop enforces:
//   - The reducer performs no I/O; it computes next state + commands +
//     broadcasts.
//   - Side effects (uinput writes, snapshot deliveries) execute here and
//     nowhere else.
//   - Effect failures come back as Events and get reduced like any input.
//   - Broadcasts flow to the ws layer without ever blocking; a congested ws
//     pipeline loses updates rather than stalling input forwarding.
//
// ============================================================================

// runDaemon consumes raw device events and control events, reduces them, and
// executes the resulting side effects. It exits cleanly when ctx is canceled
// or when the device channel closes.
//
// Tick timestamps come from monotonicNow, not the ticker's wall-clock time,
// because they are compared against kernel event stamps on CLOCK_MONOTONIC.
func runDaemon(
	ctx context.Context,
	devEvents <-chan deviceEvent,
	events <-chan Event,
	sink ScrollSink,
	cfg *Config,
	state *DaemonState,
	broadcasts chan<- StateBroadcast,
	logger *slog.Logger,
) error {
	if state == nil {
		state = NewDaemonState()
	}

	updateInterval := time.Second / time.Duration(cfg.Daemon.UpdateHz)
	ticker := time.NewTicker(updateInterval)
	defer ticker.Stop()

	// Explicit queues keep reduction non-reentrant: events wait in one,
	// commands in the other, and nothing reduces from inside an effect.
	var eventQueue []Event
	var cmdQueue []Command

	enqueueEvent := func(ev Event) {
		eventQueue = append(eventQueue, ev)
	}
	enqueueCommands := func(cmds []Command) {
		if len(cmds) == 0 {
			return
		}
		cmdQueue = append(cmdQueue, cmds...)
	}
	publishBroadcasts := func(bs []StateBroadcast) {
		if broadcasts == nil {
			return
		}
		for _, b := range bs {
			select {
			case broadcasts <- b:
			default:
				// ws pipeline congested; state_init on reconnect resyncs.
			}
		}
	}

	// flushEvents reduces everything queued; fresh commands pile onto
	// cmdQueue for the next flushCommands pass.
	flushEvents := func() {
		for len(eventQueue) > 0 {
			ev := eventQueue[0]
			eventQueue = eventQueue[1:]

			rr := Reduce(state, ev, cfg)
			if rr.State != nil {
				state = rr.State
			}
			enqueueCommands(rr.Commands)
			publishBroadcasts(rr.Broadcasts)
		}
	}

	// Execute all queued commands, reducing any failure events promptly so
	// state stays coherent.
	flushCommands := func() {
		for len(cmdQueue) > 0 {
			cmd := cmdQueue[0]
			cmdQueue = cmdQueue[1:]

			runEffect(sink, cmd, logger, func(obs Event) {
				enqueueEvent(obs)
			})

			flushEvents()
		}
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("daemon loop exiting (shutdown)")
			return nil

		case de, ok := <-devEvents:
			if !ok {
				logger.Info("daemon loop exiting (device stream ended)")
				return nil
			}
			enqueueEvent(DeviceInput{Dev: de.Dev, Ev: de.Ev})
			flushEvents()
			flushCommands()

		case ev, ok := <-events:
			if !ok {
				logger.Info("daemon loop exiting (control stream ended)")
				return nil
			}
			// Snapshot requests and failures carry their own context; bare
			// actions get stamped with arrival time.
			switch ev.(type) {
			case RequestStateSnapshot, EmitFailed:
				enqueueEvent(ev)
			default:
				enqueueEvent(TimedEvent{Event: ev, At: time.Now()})
			}
			flushEvents()
			flushCommands()

		case <-ticker.C:
			enqueueEvent(Tick{Now: monotonicNow()})
			flushEvents()
			flushCommands()
		}
	}
}
