package main

import "fmt"

// ==============================
// Commands - requested side effects
// ==============================

// Command represents an external side effect to be executed by the daemon
// loop. In this codebase, those are uinput writes and snapshot deliveries.
type Command interface {
	commandMarker()
	String() string
}

// CmdEmitInput requests writing one event to the virtual output device.
type CmdEmitInput struct {
	Ev inputEvent
}

func (CmdEmitInput) commandMarker() {}
func (c CmdEmitInput) String() string {
	return fmt.Sprintf("CmdEmitInput(type=0x%02x code=0x%03x value=%d)", c.Ev.Type, c.Ev.Code, c.Ev.Value)
}

// CmdPublishStateSnapshot delivers a reducer-produced snapshot to whoever
// asked for it. Moving the channel send into the effects stage keeps the
// reducer free of anything that could block.
type CmdPublishStateSnapshot struct {
	Reply    chan StateSnapshot
	Snapshot StateSnapshot
}

func (CmdPublishStateSnapshot) commandMarker() {}
func (CmdPublishStateSnapshot) String() string { return "CmdPublishStateSnapshot()" }
