package main

import (
	"log/slog"
	"time"
)

// runEffect executes a single reducer-emitted Command (side effect) against
// the output device and reports failures back via onEvent.
//
// This is the I/O half of the reduce cycle. It never calls Reduce itself;
// whatever it observes goes back as an Event, and the daemon loop sequences
// Reduce -> Commands -> runEffect -> Events -> Reduce.
func runEffect(sink ScrollSink, cmd Command, logger *slog.Logger, onEvent func(Event)) {
	if onEvent == nil {
		// No place to report failures; nothing sensible to do.
		return
	}

	switch c := cmd.(type) {
	case CmdEmitInput:
		if sink == nil {
			onEvent(EmitFailed{Command: cmd, Err: errNoSink{}, At: time.Now()})
			return
		}
		if err := sink.Emit(c.Ev); err != nil {
			logger.Error("sink emit failed", "error", err, "type", c.Ev.Type, "code", c.Ev.Code, "value", c.Ev.Value)
			onEvent(EmitFailed{Command: cmd, Err: err, At: time.Now()})
		}

	case CmdPublishStateSnapshot:
		if c.Reply == nil {
			logger.Warn("snapshot command with nil reply channel")
			return
		}
		// Never block the daemon loop on a requester that went away.
		select {
		case c.Reply <- c.Snapshot:
		default:
			logger.Warn("snapshot requester not draining; reply dropped")
		}

	default:
		logger.Warn("unrecognized command", "command", cmd.String())
		onEvent(EmitFailed{
			Command: cmd,
			Err:     errUnknownCommand{cmd: cmd},
			At:      time.Now(),
		})
	}
}

// errNoSink indicates the daemon was asked to emit an event without an
// output device.
type errNoSink struct{}

func (errNoSink) Error() string { return "no output sink" }

type errUnknownCommand struct {
	cmd Command
}

func (e errUnknownCommand) Error() string { return "unknown command: " + e.cmd.String() }
