package main

// Linux input event types and codes (from <linux/input.h>)
const (
	EV_SYN = 0x00
	EV_KEY = 0x01
	EV_REL = 0x02
	EV_MSC = 0x04

	SYN_REPORT = 0

	// Relative axis codes. The wheel codes are the ones the filter cares
	// about; X/Y motion passes through untouched.
	REL_X             = 0x00
	REL_Y             = 0x01
	REL_HWHEEL        = 0x06
	REL_WHEEL         = 0x08
	REL_WHEEL_HI_RES  = 0x0b
	REL_HWHEEL_HI_RES = 0x0c

	// Mouse button range announced on the virtual device (BTN_LEFT..BTN_TASK)
	BTN_LEFT = 0x110
	BTN_TASK = 0x117
)

// hiResUnitsPerClick is the kernel's REL_*_HI_RES resolution: 120 device
// units per wheel detent.
const hiResUnitsPerClick = 120

// Filter tuning defaults
const (
	defaultThreshold     = 2.0 // clicks of accumulated motion required to start forwarding
	defaultOffThreshold  = 0.5 // clicks at or below which the filter releases
	defaultRecenterSpeed = 2.5 // clicks/s bled back toward zero
)

// Daemon defaults
const (
	defaultUpdateHz = 30  // Tick loop frequency (Hz)
	defaultSettleMS = 150 // Quiet time on an axis before ticks start relaxing it (ms)

	defaultOutputName  = "scrolltamer virtual mouse"
	defaultSocketPath  = "/tmp/scrolltamer.sock"
	defaultStateWsPort = 3131
	defaultConfigPath  = "/etc/scrolltamer/config.yaml"
)
