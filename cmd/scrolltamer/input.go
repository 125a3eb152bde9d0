package main

import "time"

// inputEvent mirrors the kernel's input_event struct on 64-bit platforms:
//
//	struct input_event {
//		struct timeval time;
//		__u16 type;
//		__u16 code;
//		__s32 value;
//	};
//
// 24 bytes, little-endian on every platform we target.
type inputEvent struct {
	Sec   int64  // seconds
	Usec  int64  // microseconds
	Type  uint16 // event type (EV_REL, EV_KEY, EV_SYN, ...)
	Code  uint16 // event code (REL_WHEEL, BTN_LEFT, ...)
	Value int32  // event value (delta for EV_REL)
}

// Time converts the kernel timestamp into a time.Time.
//
// Devices opened through openInputDevice stamp events with CLOCK_MONOTONIC,
// so the result is on the boot-time epoch, not the wall clock. It must only
// ever be compared against other monotonic stamps (see monotonicNow).
func (ev inputEvent) Time() time.Time {
	return time.Unix(ev.Sec, ev.Usec*1000)
}

// deviceEvent is an inputEvent tagged with the index of the device it was
// read from. Filter state is kept per device, so the reducer needs to know
// which mouse produced a wheel click.
type deviceEvent struct {
	Dev int
	Ev  inputEvent
}

// wheelAxis names a scroll direction. The string values appear in state
// broadcasts and logs.
type wheelAxis string

const (
	axisVertical   wheelAxis = "vertical"
	axisHorizontal wheelAxis = "horizontal"
)

// classifyWheel reports whether an EV_REL code is a scroll wheel axis,
// and if so which axis and resolution it belongs to.
//
// Classic and hi-res codes describe the same physical motion at different
// granularity, so each (axis, hiRes) pair gets its own filter; collapsing
// them would count every detent twice.
func classifyWheel(code uint16) (axis wheelAxis, hiRes bool, ok bool) {
	switch code {
	case REL_WHEEL:
		return axisVertical, false, true
	case REL_WHEEL_HI_RES:
		return axisVertical, true, true
	case REL_HWHEEL:
		return axisHorizontal, false, true
	case REL_HWHEEL_HI_RES:
		return axisHorizontal, true, true
	default:
		return "", false, false
	}
}

// wheelUnitsPerClick returns how many device units one detent produces on
// the given stream.
func wheelUnitsPerClick(hiRes bool) float64 {
	if hiRes {
		return hiResUnitsPerClick
	}
	return 1
}
